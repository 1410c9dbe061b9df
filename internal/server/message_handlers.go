package server

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"strings"

	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/service"

	"github.com/gofiber/fiber/v2"
)

type pageFunc func(ctx context.Context, conversationID, userID, cursor string, take int) (*models.MessagePage, error)

// ListMessages handles GET /api/conversations/:id/messages
// @Summary List messages
// @Description Ascending page of messages after the cursor. Deleted messages appear as tombstones
// @Tags messages
// @Produce json
// @Param id path string true "Conversation ID"
// @Param cursor query string false "Message ID to continue after"
// @Param take query int false "Page size (max 100)"
// @Success 200 {object} models.MessagePage
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/messages [get]
func (s *Server) ListMessages(c *fiber.Ctx) error {
	return s.listMessages(c, s.messages.List)
}

// ListMediaMessages handles GET /api/conversations/:id/messages/media
func (s *Server) ListMediaMessages(c *fiber.Ctx) error {
	return s.listMessages(c, s.messages.ListMedia)
}

// ListFileMessages handles GET /api/conversations/:id/messages/files
func (s *Server) ListFileMessages(c *fiber.Ctx) error {
	return s.listMessages(c, s.messages.ListFiles)
}

func (s *Server) listMessages(c *fiber.Ctx, list pageFunc) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	page, err := list(c.UserContext(), id, middleware.CurrentUserID(c), c.Query("cursor"), c.QueryInt("take", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// SendMessage handles POST /api/conversations/:id/messages. The body is
// either JSON {kind, content} or multipart with file, kind and content.
// The stored message is fanned out to connected members.
// @Summary Send a message
// @Tags messages
// @Accept json,mpfd
// @Produce json
// @Param id path string true "Conversation ID"
// @Param request body object{kind=string,content=object} false "JSON message"
// @Param file formData file false "Attachment"
// @Success 201 {object} models.MessageView
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/messages [post]
func (s *Server) SendMessage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	in := service.SendMessageInput{ConversationID: id, SenderID: middleware.CurrentUserID(c)}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		if err := s.readMultipartMessage(c, &in); err != nil {
			return respondError(c, err)
		}
	} else {
		var req struct {
			Kind    models.MessageKind `json:"kind"`
			Content json.RawMessage    `json:"content"`
		}
		if err := parseBody(c, &req); err != nil {
			return respondError(c, err)
		}
		in.Kind = req.Kind
		in.Content = req.Content
	}

	ctx := c.UserContext()
	view, err := s.messages.Send(ctx, in)
	if err != nil {
		return respondError(c, err)
	}
	s.gateway.PublishMessage(ctx, view)
	return c.Status(fiber.StatusCreated).JSON(view)
}

func (s *Server) readMultipartMessage(c *fiber.Ctx, in *service.SendMessageInput) error {
	in.Kind = models.MessageKind(strings.ToUpper(strings.TrimSpace(c.FormValue("kind"))))
	if raw := c.FormValue("content"); raw != "" {
		if json.Valid([]byte(raw)) {
			in.Content = json.RawMessage(raw)
		} else {
			encoded, _ := json.Marshal(raw)
			in.Content = encoded
		}
	}

	header, err := c.FormFile("file")
	if err != nil {
		// A multipart body without a file is a plain message.
		return nil
	}
	data, err := readUpload(header, s.config.MaxUploadBytes())
	if err != nil {
		return err
	}
	mime := header.Header.Get(fiber.HeaderContentType)
	if mime == "" {
		mime = "application/octet-stream"
	}
	in.File = &service.Attachment{Name: header.Filename, MIME: mime, Data: data}
	return nil
}

// readUpload reads at most limit+1 bytes so the service can reject an
// oversized file without buffering all of it.
func readUpload(header *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, models.NewValidationError("Unreadable upload")
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, models.NewValidationError("Unreadable upload")
	}
	return data, nil
}

// SearchMessages handles GET /api/messages/search
// @Summary Search messages
// @Description Text messages containing q across the caller's conversations, newest first
// @Tags messages
// @Produce json
// @Param q query string true "Search text"
// @Param conversationId query string false "Restrict to one conversation"
// @Param take query int false "Page size (max 100)"
// @Param skip query int false "Offset"
// @Success 200 {array} models.MessageView
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /messages/search [get]
func (s *Server) SearchMessages(c *fiber.Ctx) error {
	page := parsePagination(c, 20)
	results, err := s.messages.Search(c.UserContext(), service.SearchInput{
		UserID:         middleware.CurrentUserID(c),
		Query:          c.Query("q"),
		ConversationID: c.Query("conversationId"),
		Take:           page.Take,
		Skip:           page.Skip,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(results)
}

// DeleteMessage handles DELETE /api/messages/:id
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	msg, changed, err := s.messages.Delete(ctx, id, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	if changed {
		s.gateway.PublishDeleted(ctx, msg.ConversationID, msg.ID)
	}
	return c.JSON(fiber.Map{"ok": true, "deleted": changed})
}

// ReportMessage handles POST /api/messages/:id/report
func (s *Server) ReportMessage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	report, err := s.messages.Report(c.UserContext(), id, middleware.CurrentUserID(c), req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(report)
}
