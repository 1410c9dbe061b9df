package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"lectern/internal/notifications"
	"lectern/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessCheck(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantDB     string
	}{
		{name: "database reachable", wantStatus: http.StatusOK, wantDB: "healthy"},
		{name: "database down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantDB: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			mock.ExpectPing().WillReturnError(tt.pingErr)

			s := &Server{
				db:    db,
				calls: service.NewCallService(nil, nil, nil, nil, nil),
				hub:   notifications.NewHub(notifications.HubConfig{}),
			}
			app := fiber.New()
			app.Get("/health/ready", s.ReadinessCheck)

			var body ReadinessReport
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/ready", nil), -1)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			require.NoError(t, decodeJSON(resp, &body))

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantDB, body.Checks["database"].Status)
			assert.Equal(t, tt.wantDB == checkUnhealthy, body.Checks["database"].Error != "")
			assert.Equal(t, checkDisabled, body.Checks["redis"].Status)
			assert.Equal(t, checkDisabled, body.Checks["storage"].Status)
			assert.False(t, body.Calls.Configured)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLivenessCheck(t *testing.T) {
	app := fiber.New()
	app.Get("/health/live", (&Server{}).LivenessCheck)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/live", nil), -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessCheck_OptionalDependencies(t *testing.T) {
	env := newTestServer(t, nil)
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	env.srv.redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var body ReadinessReport
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/health/ready", "", nil, &body))
	assert.Equal(t, checkHealthy, body.Checks["redis"].Status)
	assert.Equal(t, checkHealthy, body.Checks["storage"].Status)
	assert.True(t, body.Calls.Configured)

	mr.Close()
	require.Equal(t, http.StatusServiceUnavailable, env.call(t, http.MethodGet, "/health/ready", "", nil, &body))
	assert.Equal(t, checkUnhealthy, body.Checks["redis"].Status)
	assert.Equal(t, checkHealthy, body.Checks["database"].Status)
}
