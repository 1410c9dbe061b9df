package notifications

import (
	"errors"
	"net"
	"os"
	"testing"

	fastws "github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
)

func TestCloseReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"normal close", &fastws.CloseError{Code: fastws.CloseNormalClosure}, CloseReasonClient},
		{"tab closed", &fastws.CloseError{Code: fastws.CloseGoingAway}, CloseReasonClient},
		{"read limit", fastws.ErrReadLimit, CloseReasonTooBig},
		{"missed pong", &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}, CloseReasonTimeout},
		{"reset", errors.New("connection reset by peer"), CloseReasonError},
		{"abnormal", &fastws.CloseError{Code: fastws.CloseAbnormalClosure}, CloseReasonError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, closeReason(tt.err))
		})
	}
}

func TestTrySend_ClosedQueue(t *testing.T) {
	hub := NewHub(HubConfig{})
	c, err := hub.Register("ana", nil)
	assert.NoError(t, err)
	assert.True(t, hub.UnregisterClient(c))

	assert.False(t, c.TrySend([]byte(`{"event":"message:new"}`)))
}
