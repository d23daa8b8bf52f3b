package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ChatEventType string

const (
	ChatEventMessageInserted ChatEventType = "message_inserted"
	ChatEventSessionUpdated  ChatEventType = "session_updated"
)

// ChatEvent is a change notification for a single session.
type ChatEvent struct {
	Type       ChatEventType `json:"type"`
	SessionID  uuid.UUID     `json:"session_id"`
	Message    *ChatMessage  `json:"message,omitempty"`
	Session    *ChatSession  `json:"session,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func NewMessageInsertedEvent(message *ChatMessage) ChatEvent {
	return ChatEvent{
		Type:       ChatEventMessageInserted,
		SessionID:  message.SessionID,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

func NewSessionUpdatedEvent(session *ChatSession) ChatEvent {
	return ChatEvent{
		Type:       ChatEventSessionUpdated,
		SessionID:  session.ID,
		Session:    session,
		OccurredAt: time.Now(),
	}
}

// SessionTopic is the broker topic carrying events for one session.
func SessionTopic(sessionID uuid.UUID) string {
	return fmt.Sprintf("chat:session:%s", sessionID)
}

// ChannelName names one realtime subscription of a session. The epoch changes
// on every reconnect so a late frame from a previous socket can be told apart.
func ChannelName(sessionID uuid.UUID, epoch uint64) string {
	return fmt.Sprintf("chat:%s:%d", sessionID, epoch)
}

// ParseChannelName is the inverse of ChannelName.
func ParseChannelName(name string) (uuid.UUID, uint64, error) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 || parts[0] != "chat" {
		return uuid.Nil, 0, fmt.Errorf("malformed channel %q", name)
	}
	sessionID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("malformed channel %q: %w", name, err)
	}
	epoch, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("malformed channel %q: %w", name, err)
	}
	return sessionID, epoch, nil
}

type FrameType string

const (
	FrameSubscribed FrameType = "subscribed"
	FrameEvent      FrameType = "event"
)

// RealtimeFrame is one server-to-client message on a realtime channel.
type RealtimeFrame struct {
	Type    FrameType  `json:"type"`
	Channel string     `json:"channel"`
	Event   *ChatEvent `json:"event,omitempty"`
}
