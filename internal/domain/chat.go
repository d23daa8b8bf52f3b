package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChatSessionStatus represents the status of a chat session
type ChatSessionStatus string

const (
	ChatSessionStatusWaiting ChatSessionStatus = "waiting"
	ChatSessionStatusActive  ChatSessionStatus = "active"
	ChatSessionStatusEnded   ChatSessionStatus = "ended"
)

// IsOpen reports whether the status still occupies the user's single open slot.
func (s ChatSessionStatus) IsOpen() bool {
	return s == ChatSessionStatusWaiting || s == ChatSessionStatusActive
}

// sessionTransitions lists the forward-only moves a session may make.
var sessionTransitions = map[ChatSessionStatus][]ChatSessionStatus{
	ChatSessionStatusWaiting: {ChatSessionStatusActive, ChatSessionStatusEnded},
	ChatSessionStatusActive:  {ChatSessionStatusEnded},
	ChatSessionStatusEnded:   nil,
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to ChatSessionStatus) bool {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EndReason explains why a session ended
type EndReason string

const (
	EndReasonManual            EndReason = "manual"
	EndReasonAutoTimeout       EndReason = "auto_timeout"
	EndReasonInactivityTimeout EndReason = "inactivity_timeout"
)

func (r EndReason) Valid() bool {
	switch r {
	case EndReasonManual, EndReasonAutoTimeout, EndReasonInactivityTimeout:
		return true
	}
	return false
}

// IsTimeout reports whether the session was closed by the system rather than a person.
func (r EndReason) IsTimeout() bool {
	return r == EndReasonAutoTimeout || r == EndReasonInactivityTimeout
}

// SenderType identifies which side of the conversation wrote a message
type SenderType string

const (
	SenderTypeUser       SenderType = "user"
	SenderTypeSpecialist SenderType = "specialist"
)

// MessageType represents the type of a chat message
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// ChatSession represents a support conversation between a user and at most one specialist
type ChatSession struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	UserID         int64             `json:"user_id" db:"user_id"`
	SpecialistID   *int64            `json:"specialist_id,omitempty" db:"specialist_id"`
	Status         ChatSessionStatus `json:"status" db:"status"`
	StartedAt      time.Time         `json:"started_at" db:"started_at"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty" db:"claimed_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty" db:"ended_at"`
	EndReason      *EndReason        `json:"end_reason,omitempty" db:"end_reason"`
	EndedBy        *int64            `json:"ended_by,omitempty" db:"ended_by"`
	LastActivityAt time.Time         `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// IsClaimedBy reports whether the given specialist holds the session.
func (s *ChatSession) IsClaimedBy(specialistID int64) bool {
	return s.SpecialistID != nil && *s.SpecialistID == specialistID
}

// WaitingFor returns how long a waiting session has been queued at the given moment.
func (s *ChatSession) WaitingFor(now time.Time) time.Duration {
	if s.Status != ChatSessionStatusWaiting {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// ChatMessage represents a message in a chat session
type ChatMessage struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Seq         int64           `json:"seq" db:"seq"`
	SessionID   uuid.UUID       `json:"session_id" db:"session_id"`
	SenderID    int64           `json:"sender_id" db:"sender_id"`
	SenderType  SenderType      `json:"sender_type" db:"sender_type"`
	Content     string          `json:"content" db:"content"`
	MessageType MessageType     `json:"message_type" db:"message_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	IsRead      bool            `json:"is_read" db:"is_read"`
	ReadAt      *time.Time      `json:"read_at,omitempty" db:"read_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SendMessageDTO represents the data required to append a chat message
type SendMessageDTO struct {
	SessionID   uuid.UUID       `json:"-"`
	SenderID    int64           `json:"-"`
	SenderType  SenderType      `json:"-"`
	Content     string          `json:"content" binding:"required"`
	MessageType MessageType     `json:"message_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// EndSessionDTO represents the body of an end request
type EndSessionDTO struct {
	Reason EndReason `json:"reason"`
}

// ChatSessionFilter represents filters for querying chat sessions
type ChatSessionFilter struct {
	UserID       *int64              `json:"user_id"`
	SpecialistID *int64              `json:"specialist_id"`
	Statuses     []ChatSessionStatus `json:"statuses"`
	Limit        int                 `json:"limit"`
	Offset       int                 `json:"offset"`
}

// ChatMessageFilter represents filters for querying chat messages
type ChatMessageFilter struct {
	SessionID uuid.UUID    `json:"session_id"`
	Type      *MessageType `json:"message_type"`
	Limit     int          `json:"limit"`
	Offset    int          `json:"offset"`
}

// Attachment describes an uploaded file that a message can reference in its metadata
type Attachment struct {
	// ID names the attachment within its session, e.g. in
	// GET /chat/sessions/{id}/attachments/{attachment_id}.
	ID          string `json:"id"`
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// AttachmentLink is a time-limited download link.
type AttachmentLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
