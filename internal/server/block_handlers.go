package server

import (
	"lectern/internal/middleware"
	"lectern/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ListBlocks handles GET /api/blocks
func (s *Server) ListBlocks(c *fiber.Ctx) error {
	blocks, err := s.blockRepo.ListBlocked(c.UserContext(), middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(blocks)
}

// BlockUser handles POST /api/blocks/:userId
func (s *Server) BlockUser(c *fiber.Ctx) error {
	target, err := paramID(c, "userId")
	if err != nil {
		return respondError(c, err)
	}
	userID := middleware.CurrentUserID(c)
	if target == userID {
		return respondError(c, models.NewValidationError("Cannot block yourself"))
	}
	if err := s.blockRepo.Block(c.UserContext(), userID, target); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// UnblockUser handles DELETE /api/blocks/:userId
func (s *Server) UnblockUser(c *fiber.Ctx) error {
	target, err := paramID(c, "userId")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.blockRepo.Unblock(c.UserContext(), middleware.CurrentUserID(c), target); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}
