package models

import "time"

// User is the identity referenced by bearer tokens. Accounts are provisioned
// elsewhere; this service only reads them and maintains LastSeenAt.
type User struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	DisplayName string     `gorm:"size:120;not null" json:"displayName"`
	AvatarURL   string     `gorm:"size:512" json:"avatarUrl,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// PresenceEntry is one member's presence inside a conversation.
type PresenceEntry struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}
