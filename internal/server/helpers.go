package server

import (
	"log/slog"
	"time"

	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/validation"

	"github.com/gofiber/fiber/v2"
)

// Pagination holds parsed take/skip query parameters.
type Pagination struct {
	Take int
	Skip int
}

const (
	maxPaginationTake = 100
)

// parsePagination extracts take and skip query parameters with the given default take.
func parsePagination(c *fiber.Ctx, defaultTake int) Pagination {
	take := c.QueryInt("take", defaultTake)
	if take <= 0 {
		take = defaultTake
	}
	if take > maxPaginationTake {
		take = maxPaginationTake
	}

	skip := c.QueryInt("skip", 0)
	if skip < 0 {
		skip = 0
	}
	return Pagination{Take: take, Skip: skip}
}

// respondError writes err with the status its code maps to. Internal
// errors are logged with their cause, which never reaches the client.
func respondError(c *fiber.Ctx, err error) error {
	appErr := models.AsAppError(err)
	if appErr.Code == models.CodeInternal {
		middleware.Logger.ErrorContext(c.UserContext(), "request failed",
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}
	return models.RespondWithError(c, models.StatusFor(appErr), appErr)
}

// paramID returns a validated identifier route parameter.
func paramID(c *fiber.Ctx, param string) (string, error) {
	id := c.Params(param)
	if err := validation.ValidateIdentifier(param, id); err != nil {
		return "", models.NewValidationIssues([]models.Issue{{Path: param, Message: err.Error()}})
	}
	return id, nil
}

// parseBody decodes an optional JSON body. An empty body leaves v untouched.
func parseBody(c *fiber.Ctx, v any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(v); err != nil {
		return models.NewValidationError("Invalid request body")
	}
	return nil
}

// parseTime parses an optional RFC 3339 timestamp; field names the input
// in validation issues.
func parseTime(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, models.NewValidationIssues([]models.Issue{{Path: field, Message: "must be an RFC 3339 timestamp"}})
	}
	return &t, nil
}
