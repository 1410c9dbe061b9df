package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/models"
	"lectern/internal/repository"
	"lectern/internal/storage"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const testSecret = "server-test-secret-with-32-bytes!!!"

// setupMockDB creates a GORM *gorm.DB backed by sqlmock for unit tests.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return gormDB, mock
}

type stubProvider struct {
	configured bool
	deleted    []string
}

func (p *stubProvider) Configured() bool { return p.configured }
func (p *stubProvider) URL() string      { return "wss://media.example.test" }
func (p *stubProvider) IssueToken(room, identity, _ string) (string, error) {
	return "tok-" + room + "-" + identity, nil
}
func (p *stubProvider) DeleteRoom(_ context.Context, room string) error {
	p.deleted = append(p.deleted, room)
	return nil
}
func (p *stubProvider) Health() models.CallHealth {
	return models.CallHealth{Configured: p.configured, URLConfigured: p.configured}
}

type testEnv struct {
	srv      *Server
	app      *fiber.App
	db       *gorm.DB
	cfg      *config.Config
	provider *stubProvider
	uploads  string
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		JWTSecret:              testSecret,
		Port:                   "0",
		Env:                    "test",
		MessageRateLimit:       30,
		MessageRateWindowMS:    10000,
		TypingThrottleMS:       1500,
		DisplayNameTTLMS:       60000,
		MaxConnsPerUser:        4,
		MaxTotalConns:          100,
		MaxUploadMB:            1,
		StorageDriver:          "local",
		StorageLocalPath:       t.TempDir(),
		StoragePublicBaseURL:   "/uploads",
		LiveKitTokenTTLMinutes: 60,
	}
}

// newTestServer builds a server on in-memory SQLite with users ana, ben
// and cy. mutate may adjust the config before wiring.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	users := repository.NewUserRepository(db)
	for id, name := range map[string]string{"ana": "Ana Ortiz", "ben": "Ben Okafor", "cy": "Cy Lindqvist"} {
		require.NoError(t, users.Create(context.Background(), &models.User{ID: id, DisplayName: name}))
	}

	store, err := storage.NewLocalStorage(cfg.StorageLocalPath, cfg.StoragePublicBaseURL)
	require.NoError(t, err)
	provider := &stubProvider{configured: true}

	srv, err := NewServerWithDeps(cfg, db, nil, Options{Storage: store, CallProvider: provider})
	require.NoError(t, err)

	app := fiber.New()
	srv.SetupRoutes(app)
	return &testEnv{srv: srv, app: app, db: db, cfg: cfg, provider: provider, uploads: cfg.StorageLocalPath}
}

func mintToken(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// call performs a JSON request as user (empty for anonymous) and decodes
// the response into out when non-nil.
func (e *testEnv) call(t *testing.T, method, path, user string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+mintToken(t, user))
	}
	return e.send(t, req, out)
}

func decodeJSON(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *testEnv) send(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// dm opens the ana/ben direct conversation and returns its id.
func (e *testEnv) dm(t *testing.T) string {
	t.Helper()
	var conv models.Conversation
	require.Equal(t, http.StatusOK, e.call(t, http.MethodPost, "/api/conversations/direct", "ana", map[string]string{"userId": "ben"}, &conv))
	return conv.ID
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query string
		want  Pagination
	}{
		{"", Pagination{Take: 20}},
		{"?take=5&skip=10", Pagination{Take: 5, Skip: 10}},
		{"?take=-1&skip=-4", Pagination{Take: 20}},
		{"?take=5000", Pagination{Take: maxPaginationTake}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			app := fiber.New()
			var got Pagination
			app.Get("/", func(c *fiber.Ctx) error {
				got = parsePagination(c, 20)
				return nil
			})
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil))
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("at", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseTime("at", "2026-03-01T10:00:00.5Z")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, time.Duration(got.Nanosecond()))

	_, err = parseTime("at", "yesterday")
	assert.True(t, models.IsCode(err, models.CodeValidation))
	assert.Equal(t, "at", models.AsAppError(err).Issues[0].Path)
}

func TestErrorResponses(t *testing.T) {
	env := newTestServer(t, nil)

	var body models.ErrorResponse
	status := env.call(t, http.MethodGet, "/api/conversations", "", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, models.CodeUnauthorized, body.Code)

	body = models.ErrorResponse{}
	status = env.call(t, http.MethodGet, "/api/conversations/bad%20id", "ana", nil, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, models.CodeValidation, body.Code)
	require.Len(t, body.Issues, 1)
	assert.Equal(t, "id", body.Issues[0].Path)

	body = models.ErrorResponse{}
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/direct", bytes.NewBufferString("{not json"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+mintToken(t, "ana"))
	assert.Equal(t, http.StatusBadRequest, env.send(t, req, &body))
	assert.Equal(t, "Invalid request body", body.Error)
}
