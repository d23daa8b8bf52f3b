package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"supportchat/internal/domain"
)

// MemoryChatRepository keeps sessions and messages in process. A single mutex
// serialises every transition, which gives the same guarantees the postgres
// implementation gets from its conditional updates.
type MemoryChatRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[uuid.UUID]*domain.ChatSession
	order    []uuid.UUID
	messages map[uuid.UUID][]*domain.ChatMessage
	seq      int64
}

func NewMemoryChatRepository(now func() time.Time) *MemoryChatRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryChatRepository{
		now:      now,
		sessions: make(map[uuid.UUID]*domain.ChatSession),
		messages: make(map[uuid.UUID][]*domain.ChatMessage),
	}
}

func copySession(s *domain.ChatSession) *domain.ChatSession {
	c := *s
	if s.SpecialistID != nil {
		v := *s.SpecialistID
		c.SpecialistID = &v
	}
	if s.ClaimedAt != nil {
		v := *s.ClaimedAt
		c.ClaimedAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		c.EndedAt = &v
	}
	if s.EndReason != nil {
		v := *s.EndReason
		c.EndReason = &v
	}
	if s.EndedBy != nil {
		v := *s.EndedBy
		c.EndedBy = &v
	}
	return &c
}

func copyMessage(m *domain.ChatMessage) *domain.ChatMessage {
	c := *m
	if m.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), m.Metadata...)
	}
	if m.ReadAt != nil {
		v := *m.ReadAt
		c.ReadAt = &v
	}
	return &c
}

func (r *MemoryChatRepository) openSessionOf(userID int64) *domain.ChatSession {
	for _, id := range r.order {
		s := r.sessions[id]
		if s.UserID == userID && s.Status.IsOpen() {
			return s
		}
	}
	return nil
}

func (r *MemoryChatRepository) StartSession(_ context.Context, userID int64) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.openSessionOf(userID); existing != nil {
		return nil, domain.NewConflict(domain.ErrSessionExists, copySession(existing))
	}

	now := r.now()
	session := &domain.ChatSession{
		ID:             uuid.New(),
		UserID:         userID,
		Status:         domain.ChatSessionStatusWaiting,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.sessions[session.ID] = session
	r.order = append(r.order, session.ID)

	return copySession(session), nil
}

func (r *MemoryChatRepository) ClaimSession(_ context.Context, sessionID uuid.UUID, specialistID int64) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}

	if err := checkTransition(session, domain.ChatSessionStatusActive); err != nil {
		return nil, err
	}

	now := r.now()
	session.Status = domain.ChatSessionStatusActive
	session.SpecialistID = &specialistID
	session.ClaimedAt = &now
	session.LastActivityAt = now
	session.UpdatedAt = now

	return copySession(session), nil
}

func (r *MemoryChatRepository) EndSession(_ context.Context, sessionID uuid.UUID, actorID *int64, reason domain.EndReason) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := checkTransition(session, domain.ChatSessionStatusEnded); err != nil {
		return nil, err
	}

	r.end(session, actorID, reason)
	return copySession(session), nil
}

// checkTransition maps a move the status table forbids to the conflict the
// caller reports, with the session as it stands.
func checkTransition(session *domain.ChatSession, to domain.ChatSessionStatus) error {
	if domain.CanTransition(session.Status, to) {
		return nil
	}
	if session.Status == domain.ChatSessionStatusEnded {
		return domain.NewConflict(domain.ErrAlreadyEnded, copySession(session))
	}
	return domain.NewConflict(domain.ErrAlreadyClaimed, copySession(session))
}

func (r *MemoryChatRepository) end(session *domain.ChatSession, actorID *int64, reason domain.EndReason) {
	now := r.now()
	session.Status = domain.ChatSessionStatusEnded
	session.EndedAt = &now
	session.EndReason = &reason
	if actorID != nil {
		v := *actorID
		session.EndedBy = &v
	}
	session.UpdatedAt = now
}

func (r *MemoryChatRepository) GetSession(_ context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copySession(session), nil
}

func sessionMatches(s *domain.ChatSession, filter domain.ChatSessionFilter) bool {
	if filter.UserID != nil && s.UserID != *filter.UserID {
		return false
	}
	if filter.SpecialistID != nil && !s.IsClaimedBy(*filter.SpecialistID) {
		return false
	}
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, status := range filter.Statuses {
		if s.Status == status {
			return true
		}
	}
	return false
}

func (r *MemoryChatRepository) filterSessions(filter domain.ChatSessionFilter) []domain.ChatSession {
	sessions := make([]domain.ChatSession, 0)
	for _, id := range r.order {
		s := r.sessions[id]
		if sessionMatches(s, filter) {
			sessions = append(sessions, *copySession(s))
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

func (r *MemoryChatRepository) ListSessions(_ context.Context, filter domain.ChatSessionFilter) ([]domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return paginate(r.filterSessions(filter), filter.Limit, filter.Offset), nil
}

func (r *MemoryChatRepository) CountSessions(_ context.Context, filter domain.ChatSessionFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return int64(len(r.filterSessions(filter))), nil
}

func (r *MemoryChatRepository) EndStaleWaiting(_ context.Context, startedBefore time.Time) ([]domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ended []domain.ChatSession
	for _, id := range r.order {
		s := r.sessions[id]
		if s.Status == domain.ChatSessionStatusWaiting && s.StartedAt.Before(startedBefore) {
			r.end(s, nil, domain.EndReasonAutoTimeout)
			ended = append(ended, *copySession(s))
		}
	}
	return ended, nil
}

func (r *MemoryChatRepository) EndInactive(_ context.Context, lastActivityBefore time.Time) ([]domain.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ended []domain.ChatSession
	for _, id := range r.order {
		s := r.sessions[id]
		if s.Status == domain.ChatSessionStatusActive && s.LastActivityAt.Before(lastActivityBefore) {
			r.end(s, nil, domain.EndReasonInactivityTimeout)
			ended = append(ended, *copySession(s))
		}
	}
	return ended, nil
}

func (r *MemoryChatRepository) AppendMessage(_ context.Context, dto domain.SendMessageDTO) (*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[dto.SessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if session.Status == domain.ChatSessionStatusEnded {
		return nil, domain.ErrSessionEnded
	}
	if !senderBelongs(dto, session.UserID, session.SpecialistID) {
		return nil, domain.ErrForbidden
	}

	metadata := dto.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	r.seq++
	now := r.now()
	message := &domain.ChatMessage{
		ID:          uuid.New(),
		Seq:         r.seq,
		SessionID:   dto.SessionID,
		SenderID:    dto.SenderID,
		SenderType:  dto.SenderType,
		Content:     dto.Content,
		MessageType: dto.MessageType,
		Metadata:    append(json.RawMessage(nil), metadata...),
		CreatedAt:   now,
	}
	r.messages[dto.SessionID] = append(r.messages[dto.SessionID], message)

	session.LastActivityAt = now
	session.UpdatedAt = now

	return copyMessage(message), nil
}

func (r *MemoryChatRepository) filterMessages(filter domain.ChatMessageFilter) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0)
	for _, m := range r.messages[filter.SessionID] {
		if filter.Type != nil && m.MessageType != *filter.Type {
			continue
		}
		messages = append(messages, *copyMessage(m))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].Seq < messages[j].Seq
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages
}

func (r *MemoryChatRepository) ListMessages(_ context.Context, filter domain.ChatMessageFilter) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return paginate(r.filterMessages(filter), filter.Limit, filter.Offset), nil
}

func (r *MemoryChatRepository) CountMessages(_ context.Context, filter domain.ChatMessageFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return int64(len(r.filterMessages(filter))), nil
}

func (r *MemoryChatRepository) MarkMessagesAsRead(_ context.Context, sessionID uuid.UUID, readerID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var marked int64
	now := r.now()
	for _, m := range r.messages[sessionID] {
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			readAt := now
			m.ReadAt = &readAt
			marked++
		}
	}
	return marked, nil
}

func (r *MemoryChatRepository) GetUnreadMessageCount(_ context.Context, sessionID uuid.UUID, readerID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, m := range r.messages[sessionID] {
		if m.SenderID != readerID && !m.IsRead {
			count++
		}
	}
	return count, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
