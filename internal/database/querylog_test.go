package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementTarget(t *testing.T) {
	tests := []struct {
		sql         string
		verb, table string
	}{
		{`SELECT * FROM "messages" WHERE conversation_id = $1`, "select", "messages"},
		{`INSERT INTO "call_participants" ("call_id") VALUES ($1)`, "insert", "call_participants"},
		{"UPDATE `memberships` SET last_read_at = ?", "update", "memberships"},
		{`DELETE FROM blocks WHERE blocker_id = $1`, "delete", "blocks"},
		{`CREATE UNIQUE INDEX IF NOT EXISTS idx ON call_sessions (conversation_id)`, "create", ""},
		{"   ", "unknown", ""},
	}
	for _, tt := range tests {
		verb, table := statementTarget(tt.sql)
		assert.Equal(t, tt.verb, verb, tt.sql)
		assert.Equal(t, tt.table, table, tt.sql)
	}
}
