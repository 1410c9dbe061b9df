package database

import (
	"testing"
	"time"

	"lectern/internal/config"
	"lectern/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestOpenSQLite_MigratesSchema(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	for _, model := range PersistentModels() {
		assert.True(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}
	assert.True(t, db.Migrator().HasIndex(&models.CallSession{}, "idx_call_sessions_active"))
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
}

func TestActiveCallIndex_RejectsSecondActiveSession(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	now := Now()
	first := models.CallSession{ID: "call-1", ConversationID: "conv-1", Kind: models.CallAudio, RoomName: "room-1", StartedBy: "u1", StartedAt: now}
	require.NoError(t, db.Create(&first).Error)

	second := models.CallSession{ID: "call-2", ConversationID: "conv-1", Kind: models.CallVideo, RoomName: "room-2", StartedBy: "u2", StartedAt: now}
	err = db.Create(&second).Error
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// Ending the first session frees the slot.
	require.NoError(t, db.Model(&models.CallSession{}).Where("id = ?", "call-1").Update("ended_at", now).Error)
	require.NoError(t, db.Create(&second).Error)
}

func TestNow_IsUTCMicrosecond(t *testing.T) {
	n := Now()
	assert.Equal(t, time.UTC, n.Location())
	assert.Zero(t, n.Nanosecond()%1000)
}

func TestConfigurePool_DoesNotPanic(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	assert.NotPanics(t, func() { configurePool(db) })
}

func TestConnect_SQLite(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", DBSQLitePath: ":memory:", Env: "test"}
	db, err := Connect(cfg)
	require.NoError(t, err)
	assert.Same(t, db, DB)
	assert.Nil(t, GetReadDB())
}
