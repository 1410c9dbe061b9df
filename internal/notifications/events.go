package notifications

import (
	"encoding/json"
	"time"

	"lectern/internal/models"
)

// Inbound events.
const (
	EventConversationJoin = "conversation:join"
	EventMessageSend      = "message:send"
	EventTyping           = "typing"
	EventMessageRead      = "message:read"
)

// Outbound events.
const (
	EventConnectionOK       = "connection:ok"
	EventConnectionError    = "connection:error"
	EventPresenceUpdate     = "presence:update"
	EventConversationJoined = "conversation:joined"
	EventMessageNew         = "message:new"
	EventMessageAck         = "message:ack"
	EventMessageDeleted     = "message:deleted"
	EventErrorMessage       = "error:message"
	EventErrorConversation  = "error:conversation"
	EventMessagesDropped    = "messages:dropped"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(event string, data any) []byte {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		b, _ = json.Marshal(outFrame{Event: EventErrorMessage, Data: ErrorPayload{Code: models.CodeInternal, Message: "encode failed"}})
	}
	return b
}

// ConversationRef is the payload of conversation:join and conversation:joined.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload is the payload of message:send.
type SendPayload struct {
	ConversationID string             `json:"conversationId"`
	Kind           models.MessageKind `json:"kind"`
	Content        json.RawMessage    `json:"content"`
}

// TypingPayload is the inbound payload of typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	On             bool   `json:"on"`
}

// ReadPayload is the inbound payload of message:read.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	At             string `json:"at,omitempty"`
}

// ConnectionOK confirms an authenticated connection.
type ConnectionOK struct {
	UserID string `json:"userId"`
}

// PresenceUpdate announces a user going online or offline.
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingBroadcast is the outbound payload of typing.
type TypingBroadcast struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	On             bool   `json:"on"`
}

// ReadReceipt is the outbound payload of message:read.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	At             time.Time `json:"at"`
}

// MessageAck confirms a persisted message to its sender.
type MessageAck struct {
	MessageID string `json:"messageId"`
}

// MessageDeleted announces a soft-deleted message.
type MessageDeleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ErrorPayload is the payload of the error:* and connection:error events.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Issues  []models.Issue `json:"issues,omitempty"`
}

// ErrorFrame converts err into an error frame for event. Causes wrapped in
// an internal error are never exposed.
func ErrorFrame(event string, err error) []byte {
	appErr := models.AsAppError(err)
	return EncodeFrame(event, ErrorPayload{Code: appErr.Code, Message: appErr.Message, Issues: appErr.Issues})
}

// UserRoom is the personal room every connection of a user joins.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ConversationRoom is the room for a conversation's live events.
func ConversationRoom(conversationID string) string {
	return "conv:" + conversationID
}

// allRoom addresses every connection on every instance.
const allRoom = "all"
