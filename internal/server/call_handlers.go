package server

import (
	"context"

	"lectern/internal/middleware"
	"lectern/internal/models"

	"github.com/gofiber/fiber/v2"
)

type callActionFunc func(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error)

// callAction adapts a participant operation (join, leave, mute...) to a
// handler that returns the action result.
func (s *Server) callAction(action callActionFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, "id")
		if err != nil {
			return respondError(c, err)
		}
		res, err := action(c.UserContext(), id, middleware.CurrentUserID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}
}

// GetActiveCall handles GET /api/conversations/:id/call
func (s *Server) GetActiveCall(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	session, err := s.calls.Active(c.UserContext(), id, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"active": session != nil, "session": session})
}

// StartCall handles POST /api/conversations/:id/call/start
// @Summary Start a call
// @Description Returns the active session when one already exists
// @Tags calls
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param request body object{kind=string} false "AUDIO or VIDEO (default VIDEO)"
// @Success 200 {object} models.CallStartResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/call/start [post]
func (s *Server) StartCall(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Kind models.CallKind `json:"kind"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.calls.Start(c.UserContext(), id, middleware.CurrentUserID(c), req.Kind)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// IssueCallToken handles POST /api/conversations/:id/call/token
// @Summary Issue a media token
// @Description Starts a VIDEO call and joins the caller when needed
// @Tags calls
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} models.CallToken
// @Failure 403 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/call/token [post]
func (s *Server) IssueCallToken(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	token, err := s.calls.IssueToken(c.UserContext(), id, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(token)
}

// CallHealth handles GET /api/calls/health
func (s *Server) CallHealth(c *fiber.Ctx) error {
	return c.JSON(s.calls.Health())
}
