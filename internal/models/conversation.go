// Package models contains data structures for the messaging domain.
package models

import (
	"time"
)

// ConversationType distinguishes one-to-one conversations from groups.
type ConversationType string

const (
	ConversationDM    ConversationType = "DM"
	ConversationGroup ConversationType = "GROUP"
)

// Role is a member's role inside a conversation.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Conversation represents a direct or group conversation.
type Conversation struct {
	ID        string           `gorm:"primaryKey;size:64" json:"id"`
	Type      ConversationType `gorm:"size:8;not null" json:"type"`
	Title     string           `gorm:"size:120" json:"title,omitempty"`
	Avatar    string           `gorm:"size:512" json:"avatar,omitempty"`
	DMKey     *string          `gorm:"size:140;uniqueIndex" json:"-"`
	CreatedBy string           `gorm:"size:64" json:"createdBy"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `gorm:"index" json:"updatedAt"`

	Members []Membership `gorm:"foreignKey:ConversationID" json:"members,omitempty"`
}

// Membership links a user to a conversation and carries the per-user
// read and clear cursors.
type Membership struct {
	ConversationID string     `gorm:"primaryKey;size:64" json:"conversationId"`
	UserID         string     `gorm:"primaryKey;size:64;index" json:"userId"`
	Role           Role       `gorm:"size:8;not null;default:MEMBER" json:"role"`
	LastReadAt     time.Time  `gorm:"not null" json:"lastReadAt"`
	ClearedAt      *time.Time `json:"clearedAt,omitempty"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
	JoinedAt       time.Time  `json:"joinedAt"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Floor returns the lower bound for messages this member may see.
func (m *Membership) Floor() time.Time {
	if m.ClearedAt != nil {
		return *m.ClearedAt
	}
	return time.Time{}
}

// UnreadFloor returns max(lastReadAt, clearedAt).
func (m *Membership) UnreadFloor() time.Time {
	if m.ClearedAt != nil && m.ClearedAt.After(m.LastReadAt) {
		return *m.ClearedAt
	}
	return m.LastReadAt
}

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation
	Role        Role       `json:"role"`
	Unread      int64      `json:"unread"`
	LastReadAt  time.Time  `json:"lastReadAt"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	MemberCount int64      `json:"memberCount"`
}

// UnreadCount is the per-conversation unread projection.
type UnreadCount struct {
	ConversationID string `json:"conversationId"`
	Unread         int64  `json:"unread"`
}

// ReadResult is returned after advancing a member's read cursor.
type ReadResult struct {
	ConversationID string    `json:"conversationId"`
	LastReadAt     time.Time `json:"lastReadAt"`
	Unread         int64     `json:"unread"`
}

// AddMembersResult reports which members were actually added.
type AddMembersResult struct {
	OK      bool     `json:"ok"`
	Message string   `json:"message,omitempty"`
	Added   []string `json:"added,omitempty"`
}

// Block records that BlockerID does not want contact with BlockedID.
type Block struct {
	BlockerID string    `gorm:"primaryKey;size:64" json:"blockerId"`
	BlockedID string    `gorm:"primaryKey;size:64;index" json:"blockedId"`
	CreatedAt time.Time `json:"createdAt"`
}

// DMKey returns the canonical key for the unordered pair (a, b).
func DMKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
