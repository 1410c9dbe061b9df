package server

import (
	"context"

	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/notifications"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// requireUpgrade rejects plain HTTP requests to the websocket endpoint.
func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketHandler serves the realtime gateway. The handshake credential
// is verified after the upgrade; any failure is reported as a
// connection:error frame before the socket is closed.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		token, _ := conn.Locals("wsToken").(string)
		userID, err := s.gateway.Authenticate(token)
		if err != nil {
			rejectSocket(conn, err)
			return
		}

		ctx := middleware.WithUserID(context.Background(), userID)
		client, err := s.gateway.Attach(ctx, userID, conn)
		if err != nil {
			rejectSocket(conn, err)
			return
		}

		go client.WritePump()
		reason := client.ReadPump()
		s.gateway.Disconnect(ctx, client, reason)
	})
}

func rejectSocket(conn *websocket.Conn, err error) {
	appErr := models.AsAppError(err)
	notifications.WriteDirect(conn, notifications.EncodeFrame(notifications.EventConnectionError, notifications.ErrorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
	}))
	_ = conn.Close()
}
