package server

import (
	"lectern/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

// GetFeatureFlags lists every flag with its state for the caller.
// @Summary Feature flags for the caller
// @Tags meta
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /feature-flags [get]
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"flags": s.featureFlags.Snapshot(middleware.CurrentUserID(c)),
	})
}
