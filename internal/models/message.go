package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
)

// MessageKind is the discriminator of a message's content.
type MessageKind string

const (
	KindText  MessageKind = "TEXT"
	KindImage MessageKind = "IMAGE"
	KindVideo MessageKind = "VIDEO"
	KindFile  MessageKind = "FILE"
	KindAudio MessageKind = "AUDIO"
)

// MaxTextLength bounds the text of a TEXT message, in runes.
const MaxTextLength = 10000

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile, KindAudio:
		return true
	}
	return false
}

// IsMedia reports whether the kind carries media metadata instead of text.
func (k MessageKind) IsMedia() bool {
	return k.Valid() && k != KindText
}

// KindForMIME infers a message kind from an attachment's content type.
func KindForMIME(mime string) MessageKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	default:
		return KindFile
	}
}

// Message is one entry of a conversation's log. Rows are never hard-deleted.
type Message struct {
	ID             string         `gorm:"primaryKey;size:64"`
	ConversationID string         `gorm:"size:64;not null;index:idx_messages_conv_created,priority:1"`
	SenderID       string         `gorm:"size:64;not null;index"`
	Kind           MessageKind    `gorm:"size:8;not null"`
	Content        datatypes.JSON `gorm:"not null"`
	Body           string         `gorm:"type:text"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_messages_conv_created,priority:2"`
	ReadAt         *time.Time
	DeletedAt      *time.Time
	DeletedByID    *string `gorm:"size:64"`
}

// IsDeleted reports whether the message was soft-deleted.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// MessageView is the projection sent to clients.
type MessageView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Kind           MessageKind     `json:"kind"`
	Content        json.RawMessage `json:"content"`
	CreatedAt      time.Time       `json:"createdAt"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
}

// View builds the client projection of m.
func (m *Message) View() MessageView {
	content := json.RawMessage(m.Content)
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Kind:           m.Kind,
		Content:        content,
		CreatedAt:      m.CreatedAt,
		DeletedAt:      m.DeletedAt,
	}
}

// MessagePage is one page of a cursor-paginated listing.
type MessagePage struct {
	Items      []MessageView `json:"items"`
	NextCursor *string       `json:"nextCursor"`
}

// MessageReport is a member's report about a message.
type MessageReport struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	MessageID  string    `gorm:"size:64;not null;index" json:"messageId"`
	ReporterID string    `gorm:"size:64;not null" json:"reporterId"`
	Reason     string    `gorm:"size:2000;not null" json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TextContent is the payload of a TEXT message.
type TextContent struct {
	Text string `json:"text"`
}

// MediaContent is the payload of IMAGE, VIDEO, FILE and AUDIO messages.
type MediaContent struct {
	URL          string `json:"url"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// MessageContent is a decoded, validated message payload. Exactly one of
// Text and Media is set, according to Kind.
type MessageContent struct {
	Kind  MessageKind
	Text  *TextContent
	Media *MediaContent
}

// DecodeContent validates raw against the shape required by kind. When
// hasFile is set, media metadata may be absent because the upload fills it.
func DecodeContent(kind MessageKind, raw json.RawMessage, hasFile bool) (MessageContent, []Issue) {
	out := MessageContent{Kind: kind}
	raw = bytes.TrimSpace(raw)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))

	if !kind.Valid() {
		return out, []Issue{{Path: "kind", Message: "must be one of TEXT, IMAGE, VIDEO, FILE, AUDIO"}}
	}

	if kind == KindText {
		if empty {
			return out, []Issue{{Path: "content", Message: "is required"}}
		}
		var text TextContent
		if raw[0] == '"' {
			if err := json.Unmarshal(raw, &text.Text); err != nil {
				return out, []Issue{{Path: "content", Message: "must be a string or an object with text"}}
			}
		} else if err := json.Unmarshal(raw, &text); err != nil {
			return out, []Issue{{Path: "content", Message: "must be a string or an object with text"}}
		}
		text.Text = strings.TrimSpace(text.Text)
		switch {
		case text.Text == "":
			return out, []Issue{{Path: "content.text", Message: "must not be empty"}}
		case utf8.RuneCountInString(text.Text) > MaxTextLength:
			return out, []Issue{{Path: "content.text", Message: "is too long"}}
		}
		out.Text = &text
		return out, nil
	}

	media := MediaContent{}
	if !empty {
		if err := json.Unmarshal(raw, &media); err != nil {
			return out, []Issue{{Path: "content", Message: "must be an object with url, name, size and mime"}}
		}
	}
	if !hasFile {
		var issues []Issue
		if strings.TrimSpace(media.URL) == "" {
			issues = append(issues, Issue{Path: "content.url", Message: "is required"})
		}
		if media.Size < 0 {
			issues = append(issues, Issue{Path: "content.size", Message: "must not be negative"})
		}
		if len(issues) > 0 {
			return out, issues
		}
	}
	out.Media = &media
	return out, nil
}

// Encode serializes the variant for storage.
func (c MessageContent) Encode() (datatypes.JSON, error) {
	var v any = c.Media
	if c.Kind == KindText {
		v = c.Text
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// SearchBody returns the text indexed for search.
func (c MessageContent) SearchBody() string {
	if c.Text != nil {
		return c.Text.Text
	}
	return ""
}
