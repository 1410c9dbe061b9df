package server

import (
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListConversations handles GET /api/conversations
// @Summary List conversations
// @Description The caller's non-archived conversations with unread counts, most recently active first
// @Tags conversations
// @Produce json
// @Param take query int false "Page size (max 100)"
// @Param skip query int false "Offset"
// @Param unread query bool false "Only conversations with unread messages"
// @Param since query string false "Updated at or after (RFC 3339)"
// @Param until query string false "Updated at or before (RFC 3339)"
// @Success 200 {array} models.ConversationSummary
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations [get]
func (s *Server) ListConversations(c *fiber.Ctx) error {
	page := parsePagination(c, 50)
	since, err := parseTime("since", c.Query("since"))
	if err != nil {
		return respondError(c, err)
	}
	until, err := parseTime("until", c.Query("until"))
	if err != nil {
		return respondError(c, err)
	}

	list, err := s.conversations.ListForUser(c.UserContext(), middleware.CurrentUserID(c), service.ListConversationsInput{
		Take:       page.Take,
		Skip:       page.Skip,
		UnreadOnly: c.QueryBool("unread", false),
		Since:      since,
		Until:      until,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

// CreateDirectConversation handles POST /api/conversations/direct
// @Summary Open a direct conversation
// @Description Returns the existing DM with the peer or creates it
// @Tags conversations
// @Accept json
// @Produce json
// @Param request body object{userId=string} true "Peer"
// @Success 200 {object} models.Conversation
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/direct [post]
func (s *Server) CreateDirectConversation(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	conv, err := s.conversations.CreateDirect(c.UserContext(), middleware.CurrentUserID(c), req.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// CreateGroupConversation handles POST /api/conversations/group
// @Summary Create a group
// @Tags conversations
// @Accept json
// @Produce json
// @Param request body object{title=string,memberIds=[]string,avatar=string} true "Group"
// @Success 201 {object} models.Conversation
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/group [post]
func (s *Server) CreateGroupConversation(c *fiber.Ctx) error {
	var req struct {
		Title     string   `json:"title"`
		MemberIDs []string `json:"memberIds"`
		Avatar    string   `json:"avatar"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	conv, err := s.conversations.CreateGroup(c.UserContext(), service.CreateGroupInput{
		CreatorID: middleware.CurrentUserID(c),
		Title:     req.Title,
		MemberIDs: req.MemberIDs,
		Avatar:    req.Avatar,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// GetConversation handles GET /api/conversations/:id
func (s *Server) GetConversation(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	conv, err := s.conversations.Get(c.UserContext(), id, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// GetUnread handles GET /api/conversations/:id/unread
func (s *Server) GetUnread(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	count, err := s.conversations.UnreadFor(c.UserContext(), id, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(count)
}

// MarkConversationRead handles POST /api/conversations/:id/read. It stamps
// per-message read times, advances the read cursor and broadcasts the
// receipt to connected members.
// @Summary Mark a conversation read
// @Tags conversations
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param request body object{at=string} false "Read up to (RFC 3339), default newest message"
// @Success 200 {object} models.ReadResult
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/read [post]
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		At string `json:"at"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	at, err := parseTime("at", req.At)
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	userID := middleware.CurrentUserID(c)
	if _, err := s.messages.MarkRead(ctx, id, userID, at); err != nil {
		return respondError(c, err)
	}
	res, err := s.conversations.MarkRead(ctx, id, userID, at)
	if err != nil {
		return respondError(c, err)
	}
	s.gateway.PublishRead(ctx, id, userID, res.LastReadAt, nil)
	return c.JSON(res)
}

// ClearConversation handles POST /api/conversations/:id/clear
func (s *Server) ClearConversation(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		UpTo string `json:"upTo"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	upTo, err := parseTime("upTo", req.UpTo)
	if err != nil {
		return respondError(c, err)
	}

	m, err := s.conversations.ClearForUser(c.UserContext(), id, middleware.CurrentUserID(c), upTo)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "clearedAt": m.ClearedAt})
}

// ArchiveConversation handles POST /api/conversations/:id/archive
func (s *Server) ArchiveConversation(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.conversations.Archive(c.UserContext(), id, middleware.CurrentUserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// UnarchiveConversation handles DELETE /api/conversations/:id/archive
func (s *Server) UnarchiveConversation(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.conversations.Unarchive(c.UserContext(), id, middleware.CurrentUserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// AddMembers handles POST /api/conversations/:id/members
// @Summary Add group members
// @Description Ids that are already members are skipped
// @Tags conversations
// @Accept json
// @Produce json
// @Param id path string true "Conversation ID"
// @Param request body object{userIds=[]string} true "Users to add"
// @Success 200 {object} models.AddMembersResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/members [post]
func (s *Server) AddMembers(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		UserIDs []string `json:"userIds"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	res, err := s.conversations.AddMembers(c.UserContext(), id, middleware.CurrentUserID(c), req.UserIDs)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// RemoveMember handles DELETE /api/conversations/:id/members/:userId
func (s *Server) RemoveMember(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	userID, err := paramID(c, "userId")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.conversations.RemoveMember(c.UserContext(), id, middleware.CurrentUserID(c), userID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// SetMemberRole handles PUT /api/conversations/:id/members/:userId/role
func (s *Server) SetMemberRole(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	userID, err := paramID(c, "userId")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Role models.Role `json:"role"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if err := s.conversations.SetRole(c.UserContext(), id, middleware.CurrentUserID(c), userID, req.Role); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// GetConversationPresence handles GET /api/conversations/:id/presence
func (s *Server) GetConversationPresence(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	if _, err := s.conversations.EnsureMember(ctx, id, middleware.CurrentUserID(c)); err != nil {
		return respondError(c, err)
	}
	entries, err := s.presence.ForConversation(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(entries)
}
