package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger
	Logger = newLogger(&buf, "production", level)
	t.Cleanup(func() { Logger = prev })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestCtxHandler_AddsContextIDs(t *testing.T) {
	buf := captureLogs(t, "info")

	ctx := WithConnID(WithUserID(context.Background(), "ana"), "conn-7")
	ctx = context.WithValue(ctx, RequestIDKey, "req-1")
	Logger.InfoContext(ctx, "joined")

	recs := decodeLines(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "ana", recs[0]["user_id"])
	assert.Equal(t, "conn-7", recs[0]["conn_id"])
	assert.Equal(t, "req-1", recs[0]["request_id"])
	assert.NotContains(t, recs[0], "trace_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel(" Debug ").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}

func TestStructuredLogger_Levels(t *testing.T) {
	buf := captureLogs(t, "info")

	app := fiber.New()
	app.Use(StructuredLogger())
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/api/conversations/:id", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusForbidden) })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusBadGateway, "upstream") })

	for _, path := range []string{"/health", "/api/conversations/c1", "/boom"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	recs := decodeLines(t, buf)
	require.Len(t, recs, 2, "health probes log at debug")

	assert.Equal(t, "WARN", recs[0]["level"])
	assert.Equal(t, "/api/conversations/:id", recs[0]["route"])
	assert.EqualValues(t, 403, recs[0]["status"])

	assert.Equal(t, "ERROR", recs[1]["level"])
	assert.EqualValues(t, 502, recs[1]["status"])
	assert.Equal(t, "upstream", recs[1]["error"])
}

func TestCtxHandler_RecordAttrsWin(t *testing.T) {
	buf := captureLogs(t, "info")

	Logger.InfoContext(WithUserID(context.Background(), "ana"), "relay", "user_id", "ben")

	recs := decodeLines(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "ben", recs[0]["user_id"])
	assert.Equal(t, 1, strings.Count(buf.String(), `"user_id"`))
}
