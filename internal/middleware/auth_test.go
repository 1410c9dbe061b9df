package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-12345678901234567890123456789012"

func signToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestTokenVerifier_Verify(t *testing.T) {
	v := NewTokenVerifier(testSecret, "lms", "lectern")

	valid := jwt.MapClaims{"sub": "user-1", "iss": "lms", "aud": "lectern", "exp": time.Now().Add(time.Hour).Unix()}

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{"valid token", signToken(t, valid, jwt.SigningMethodHS256, []byte(testSecret)), "user-1", false},
		{"empty token", "", "", true},
		{"garbage", "not.a.token", "", true},
		{"wrong secret", signToken(t, valid, jwt.SigningMethodHS256, []byte("other-secret-other-secret-other-secret")), "", true},
		{"expired", signToken(t, jwt.MapClaims{"sub": "user-1", "iss": "lms", "aud": "lectern", "exp": time.Now().Add(-time.Minute).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)), "", true},
		{"missing exp", signToken(t, jwt.MapClaims{"sub": "user-1", "iss": "lms", "aud": "lectern"}, jwt.SigningMethodHS256, []byte(testSecret)), "", true},
		{"missing subject", signToken(t, jwt.MapClaims{"iss": "lms", "aud": "lectern", "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)), "", true},
		{"wrong issuer", signToken(t, jwt.MapClaims{"sub": "user-1", "iss": "evil", "aud": "lectern", "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)), "", true},
		{"wrong audience", signToken(t, jwt.MapClaims{"sub": "user-1", "iss": "lms", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret)), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	app := fiber.New()
	v := NewTokenVerifier(testSecret, "", "")

	app.Get("/test", AuthRequired(v), func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"userID": CurrentUserID(c)})
	})

	token := signToken(t, jwt.MapClaims{"sub": "user-123", "exp": time.Now().Add(time.Hour).Unix()}, jwt.SigningMethodHS256, []byte(testSecret))

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedUserID string
	}{
		{"Happy Path", "Bearer " + token, http.StatusOK, "user-123"},
		{"Lowercase scheme", "bearer " + token, http.StatusOK, "user-123"},
		{"Missing Header", "", http.StatusUnauthorized, ""},
		{"Invalid Format", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"Invalid Token", "Bearer nope", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedUserID, body["userID"])
			} else {
				assert.Equal(t, "UNAUTHORIZED", body["code"])
			}
		})
	}
}

func TestCaptureHandshakeToken(t *testing.T) {
	app := fiber.New()
	app.Get("/ws", CaptureHandshakeToken(), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("wsToken").(string))
	})

	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query token", "/ws?token=abc", "", "abc"},
		{"query auth", "/ws?auth=def", "", "def"},
		{"bearer header", "/ws", "Bearer ghi", "ghi"},
		{"nothing", "/ws", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			buf := make([]byte, 16)
			n, _ := resp.Body.Read(buf)
			assert.Equal(t, tt.want, string(buf[:n]))
		})
	}
}
