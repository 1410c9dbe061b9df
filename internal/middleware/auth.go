// Package middleware provides authentication, rate limiting and observability middleware.
package middleware

import (
	"strings"

	"lectern/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const maxSubjectLength = 128

// TokenVerifier validates HS256 bearer tokens issued by the platform and
// extracts the user id from the "sub" claim.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenVerifier creates a verifier. Empty issuer or audience disables the
// corresponding claim check.
func NewTokenVerifier(secret, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString and returns the subject.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", models.NewUnauthorizedError("Authorization required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, models.NewUnauthorizedError("Invalid signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", &models.AppError{Code: models.CodeUnauthorized, Message: "Invalid or expired token", Err: err}
	}

	// Extract user ID from "sub" claim (subject claim per RFC 7519)
	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", models.NewUnauthorizedError("Invalid token structure - missing subject")
	}
	if len(sub) > maxSubjectLength {
		return "", models.NewUnauthorizedError("Invalid token subject")
	}
	return sub, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthRequired is a middleware that enforces authentication for protected routes.
// It stores the user id in c.Locals("userID") and in the user context.
func AuthRequired(v *TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization header required"))
		}

		tokenString := BearerToken(authHeader)
		if tokenString == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid authorization header format"))
		}

		userID, err := v.Verify(tokenString)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}

		c.Locals("userID", userID)
		c.SetUserContext(WithUserID(c.UserContext(), userID))
		return c.Next()
	}
}

// CaptureHandshakeToken stores the credential offered on a websocket
// handshake in c.Locals("wsToken") so the gateway can verify it after the
// upgrade. Query parameters "token" and "auth" are accepted alongside a
// bearer header.
func CaptureHandshakeToken() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			token = c.Query("auth")
		}
		if token == "" {
			token = BearerToken(c.Get(fiber.HeaderAuthorization))
		}
		c.Locals("wsToken", token)
		return c.Next()
	}
}

// CurrentUserID returns the authenticated user id stored by AuthRequired.
func CurrentUserID(c *fiber.Ctx) string {
	id, _ := c.Locals("userID").(string)
	return id
}
