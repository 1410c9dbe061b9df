package database

import "lectern/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Conversation{},
		&models.Membership{},
		&models.Message{},
		&models.MessageReport{},
		&models.Block{},
		&models.CallSession{},
		&models.CallParticipant{},
	}
}

// indexStatements run after AutoMigrate. Both PostgreSQL and SQLite accept
// partial indexes and IF NOT EXISTS.
var indexStatements = []string{
	// At most one active call per conversation.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_call_sessions_active ON call_sessions (conversation_id) WHERE ended_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_user_active ON memberships (user_id) WHERE archived_at IS NULL`,
}
