package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

type idKind uint8

const (
	idPending idKind = iota + 1
	idConfirmed
)

// MessageID is either Pending(tempID), a local placeholder awaiting the
// server, or Confirmed(id), the durable id.
type MessageID struct {
	kind idKind
	id   uuid.UUID
}

func Pending(tempID uuid.UUID) MessageID {
	return MessageID{kind: idPending, id: tempID}
}

func Confirmed(id uuid.UUID) MessageID {
	return MessageID{kind: idConfirmed, id: id}
}

func (m MessageID) IsPending() bool   { return m.kind == idPending }
func (m MessageID) IsConfirmed() bool { return m.kind == idConfirmed }
func (m MessageID) UUID() uuid.UUID   { return m.id }

func (m MessageID) String() string {
	if m.kind == idPending {
		return "pending:" + m.id.String()
	}
	return m.id.String()
}

// Message is one entry of the visible list.
type Message struct {
	ID MessageID
	domain.ChatMessage

	order uint64
}

var ErrNoSession = errors.New("сессия не загружена")

type CoordinatorConfig struct {
	// Sender identifies the local side; optimistic entries carry it.
	Sender   domain.Actor
	Clock    Clock
	Logger   *zap.Logger
	OnChange func([]Message)
}

// Coordinator merges optimistic sends, acks and realtime events into one
// ordered list in which every message appears once.
type Coordinator struct {
	api    ChatAPI
	cfg    CoordinatorConfig
	logger *zap.Logger

	mu        sync.Mutex
	sessionID uuid.UUID
	messages  []Message
	next      uint64
}

func NewCoordinator(api ChatAPI, cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{api: api, cfg: cfg, logger: cfg.Logger}
}

func (c *Coordinator) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a copy of the visible list.
func (c *Coordinator) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Coordinator) changed(snapshot []Message) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(snapshot)
	}
}

func (c *Coordinator) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		a, b := c.messages[i], c.messages[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.order < b.order
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Load replaces the local list with the durable log of the session.
func (c *Coordinator) Load(ctx context.Context, sessionID uuid.UUID) error {
	messages, err := c.api.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("ошибка загрузки сообщений: %w", err)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.messages = c.messages[:0]
	for _, m := range messages {
		c.next++
		c.messages = append(c.messages, Message{ID: Confirmed(m.ID), ChatMessage: m, order: c.next})
	}
	c.sortLocked()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snapshot)
	return nil
}

// Reload refreshes the durable part of the list and keeps the placeholders
// of sends still in flight.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == uuid.Nil {
		return ErrNoSession
	}

	messages, err := c.api.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("ошибка перезагрузки сообщений: %w", err)
	}

	c.mu.Lock()
	if c.sessionID != sessionID {
		c.mu.Unlock()
		return nil
	}
	pending := make([]Message, 0)
	for _, m := range c.messages {
		if m.ID.IsPending() {
			pending = append(pending, m)
		}
	}
	c.messages = c.messages[:0]
	for _, m := range messages {
		c.next++
		c.messages = append(c.messages, Message{ID: Confirmed(m.ID), ChatMessage: m, order: c.next})
	}
	c.messages = append(c.messages, pending...)
	c.sortLocked()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snapshot)
	return nil
}

// Clear forgets the session and its messages.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.sessionID = uuid.Nil
	c.messages = nil
	c.mu.Unlock()

	c.changed(nil)
}

// Send shows the message at once as a placeholder, then stores it. A failed
// store removes the placeholder and returns the error; a successful one is
// reconciled straight away, so the echo that follows is a duplicate.
func (c *Coordinator) Send(ctx context.Context, params SendParams) (*domain.ChatMessage, error) {
	messageType := params.MessageType
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	c.mu.Lock()
	sessionID := c.sessionID
	if sessionID == uuid.Nil {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	tempID := uuid.New()
	c.next++
	c.messages = append(c.messages, Message{
		ID: Pending(tempID),
		ChatMessage: domain.ChatMessage{
			SessionID:   sessionID,
			SenderID:    c.cfg.Sender.UserID,
			SenderType:  c.cfg.Sender.SenderType(),
			Content:     params.Content,
			MessageType: messageType,
			Metadata:    params.Metadata,
			CreatedAt:   c.cfg.Clock.Now(),
		},
		order: c.next,
	})
	c.sortLocked()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.changed(snapshot)

	stored, err := c.api.SendMessage(ctx, sessionID, params)
	if err != nil {
		c.rollback(tempID)
		c.logger.Warn("сообщение не отправлено, черновик удален", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil, err
	}

	c.reconcile(*stored, Pending(tempID))
	return stored, nil
}

func (c *Coordinator) rollback(tempID uuid.UUID) {
	c.mu.Lock()
	removed := false
	for i, m := range c.messages {
		if m.ID == Pending(tempID) {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			removed = true
			break
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if removed {
		c.changed(snapshot)
	}
}

// Reconcile merges a message delivered by the realtime channel:
// a known durable id is ignored, otherwise the first placeholder with the
// same content and sender takes the durable form in place, otherwise the
// message is appended. It reports whether the visible list changed.
func (c *Coordinator) Reconcile(incoming domain.ChatMessage) bool {
	return c.reconcile(incoming, MessageID{})
}

// reconcile prefers the given placeholder when it is still present, so an
// ack settles exactly the entry its send created.
func (c *Coordinator) reconcile(incoming domain.ChatMessage, preferred MessageID) bool {
	c.mu.Lock()
	if incoming.SessionID != c.sessionID {
		c.mu.Unlock()
		return false
	}

	for _, m := range c.messages {
		if m.ID == Confirmed(incoming.ID) {
			c.mu.Unlock()
			return false
		}
	}

	slot := -1
	if preferred.IsPending() {
		for i, m := range c.messages {
			if m.ID == preferred {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		for i, m := range c.messages {
			if m.ID.IsPending() && m.Content == incoming.Content && m.SenderID == incoming.SenderID {
				slot = i
				break
			}
		}
	}

	if slot >= 0 {
		order := c.messages[slot].order
		c.messages[slot] = Message{ID: Confirmed(incoming.ID), ChatMessage: incoming, order: order}
	} else {
		c.next++
		c.messages = append(c.messages, Message{ID: Confirmed(incoming.ID), ChatMessage: incoming, order: c.next})
	}
	c.sortLocked()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.changed(snapshot)
	return true
}
