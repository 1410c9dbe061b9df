package models

import "time"

// CallKind is the media type a call was started with.
type CallKind string

const (
	CallAudio CallKind = "AUDIO"
	CallVideo CallKind = "VIDEO"
)

// Valid reports whether k is a known call kind.
func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// CallSession is one call bound to a conversation. A session with a nil
// EndedAt is active; ended sessions are never reopened.
type CallSession struct {
	ID             string     `gorm:"primaryKey;size:64" json:"id"`
	ConversationID string     `gorm:"size:64;not null;index" json:"conversationId"`
	Kind           CallKind   `gorm:"size:8;not null" json:"kind"`
	RoomName       string     `gorm:"size:80" json:"roomName"`
	StartedBy      string     `gorm:"size:64;not null" json:"startedBy"`
	StartedAt      time.Time  `gorm:"not null" json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`

	Participants []CallParticipant `gorm:"foreignKey:CallID" json:"participants,omitempty"`
}

// IsActive reports whether the session has not ended.
func (s *CallSession) IsActive() bool {
	return s != nil && s.EndedAt == nil
}

// CallParticipant is a user's presence in an active call.
type CallParticipant struct {
	CallID     string    `gorm:"primaryKey;size:64" json:"callId"`
	UserID     string    `gorm:"primaryKey;size:64" json:"userId"`
	Microphone bool      `gorm:"not null" json:"microphone"`
	Camera     bool      `gorm:"not null" json:"camera"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// CallStartResult is returned by a start request.
type CallStartResult struct {
	Session       *CallSession `json:"session"`
	AlreadyActive bool         `json:"alreadyActive"`
}

// CallActionResult is returned by join, leave, media toggles and end.
type CallActionResult struct {
	OK           bool             `json:"ok"`
	AlreadyEnded bool             `json:"alreadyEnded,omitempty"`
	NoActiveCall bool             `json:"noActiveCall,omitempty"`
	NotJoined    bool             `json:"notJoined,omitempty"`
	Participant  *CallParticipant `json:"participant,omitempty"`
	Session      *CallSession     `json:"session,omitempty"`
}

// CallToken is the credential a client uses to join the media room.
type CallToken struct {
	Token              string `json:"token"`
	RoomName           string `json:"roomName"`
	URL                string `json:"url"`
	AudioOnlySuggested bool   `json:"audioOnlySuggested"`
}

// CallHealth reports whether the media provider is configured.
type CallHealth struct {
	Configured          bool `json:"configured"`
	URLConfigured       bool `json:"urlConfigured"`
	APIKeyConfigured    bool `json:"apiKeyConfigured"`
	APISecretConfigured bool `json:"apiSecretConfigured"`
}
