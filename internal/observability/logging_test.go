package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func swapLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := current()
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { SetLogger(prev) })
	return &buf
}

func TestRepoLogger_LogError(t *testing.T) {
	buf := swapLogger(t)
	l := NewRepoLogger("messages")
	counter := RepositoryErrors.WithLabelValues("messages", "search")
	before := testutil.ToFloat64(counter)

	l.LogError(context.Background(), nil, "search")
	l.LogError(context.Background(), context.Canceled, "search")
	assert.Zero(t, buf.Len())

	l.LogError(context.Background(), errors.New("syntax error in tsquery"), "search")
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Contains(t, buf.String(), "table=messages")
	assert.Contains(t, buf.String(), "operation=search")
}

func TestWSLogger(t *testing.T) {
	buf := swapLogger(t)
	l := NewWSLogger("gateway")

	l.LogError(context.Background(), "ana", "", errors.New("boom"), "message:send")
	assert.Contains(t, buf.String(), "event=message:send")
	assert.NotContains(t, buf.String(), "room=")

	buf.Reset()
	l.LogLifecycle(context.Background(), "shutdown", slog.Int("connections", 3))
	assert.Contains(t, buf.String(), "component=gateway")
	assert.Contains(t, buf.String(), "connections=3")
}
