package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"supportchat/internal/domain"
)

const sessionColumns = `id, user_id, specialist_id, status, started_at, claimed_at, ended_at,
	end_reason, ended_by, last_activity_at, created_at, updated_at`

const messageColumns = `id, seq, session_id, sender_id, sender_type, content, message_type,
	metadata, is_read, read_at, created_at`

// startSessionAttempts bounds the retry when the open session that blocked our
// insert committed after the statement snapshot was taken and is not yet visible.
const startSessionAttempts = 3

type ChatRepositoryImpl struct {
	db *pgxpool.Pool
}

func NewChatRepository(db *pgxpool.Pool) *ChatRepositoryImpl {
	return &ChatRepositoryImpl{db: db}
}

func scanSession(row pgx.Row, extra ...any) (*domain.ChatSession, error) {
	var session domain.ChatSession
	dest := []any{
		&session.ID,
		&session.UserID,
		&session.SpecialistID,
		&session.Status,
		&session.StartedAt,
		&session.ClaimedAt,
		&session.EndedAt,
		&session.EndReason,
		&session.EndedBy,
		&session.LastActivityAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &session, nil
}

func scanMessage(row pgx.Row) (*domain.ChatMessage, error) {
	var message domain.ChatMessage
	err := row.Scan(
		&message.ID,
		&message.Seq,
		&message.SessionID,
		&message.SenderID,
		&message.SenderType,
		&message.Content,
		&message.MessageType,
		&message.Metadata,
		&message.IsRead,
		&message.ReadAt,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// Chat Sessions

func (r *ChatRepositoryImpl) StartSession(ctx context.Context, userID int64) (*domain.ChatSession, error) {
	query := `
		WITH inserted AS (
			INSERT INTO chat_sessions (id, user_id, status, started_at, last_activity_at, created_at, updated_at)
			VALUES ($1, $2, 'waiting', NOW(), NOW(), NOW(), NOW())
			ON CONFLICT (user_id) WHERE status IN ('waiting', 'active') DO NOTHING
			RETURNING ` + sessionColumns + `, TRUE AS created
		)
		SELECT * FROM inserted
		UNION ALL
		SELECT ` + sessionColumns + `, FALSE AS created
		FROM chat_sessions
		WHERE user_id = $2 AND status IN ('waiting', 'active')
			AND NOT EXISTS (SELECT 1 FROM inserted)
		LIMIT 1`

	for attempt := 0; attempt < startSessionAttempts; attempt++ {
		var created bool
		session, err := scanSession(r.db.QueryRow(ctx, query, uuid.New(), userID), &created)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка создания сессии: %w", err)
		}
		if !created {
			return nil, domain.NewConflict(domain.ErrSessionExists, session)
		}
		return session, nil
	}

	return nil, fmt.Errorf("открытая сессия пользователя %d не найдена после %d попыток", userID, startSessionAttempts)
}

func (r *ChatRepositoryImpl) ClaimSession(ctx context.Context, sessionID uuid.UUID, specialistID int64) (*domain.ChatSession, error) {
	query := `
		UPDATE chat_sessions
		SET status = 'active', specialist_id = $2, claimed_at = NOW(),
			last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'waiting'
		RETURNING ` + sessionColumns

	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID, specialistID))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка назначения специалиста: %w", err)
	}

	current, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.ChatSessionStatusEnded {
		return nil, domain.NewConflict(domain.ErrAlreadyEnded, current)
	}
	return nil, domain.NewConflict(domain.ErrAlreadyClaimed, current)
}

func (r *ChatRepositoryImpl) EndSession(ctx context.Context, sessionID uuid.UUID, actorID *int64, reason domain.EndReason) (*domain.ChatSession, error) {
	query := `
		UPDATE chat_sessions
		SET status = 'ended', ended_at = clock_timestamp(), end_reason = $2, ended_by = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'ended'
		RETURNING ` + sessionColumns

	// clock_timestamp() is read after waiting on a concurrent append, so
	// ended_at never precedes a message that got in first.
	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID, reason, actorID))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка завершения сессии: %w", err)
	}

	current, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return nil, domain.NewConflict(domain.ErrAlreadyEnded, current)
}

func (r *ChatRepositoryImpl) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}
	return session, nil
}

func sessionConditions(filter domain.ChatSessionFilter) ([]string, []any) {
	var conditions []string
	var args []any
	argCount := 1

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argCount))
		args = append(args, *filter.UserID)
		argCount++
	}

	if filter.SpecialistID != nil {
		conditions = append(conditions, fmt.Sprintf("specialist_id = $%d", argCount))
		args = append(args, *filter.SpecialistID)
		argCount++
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argCount))
		args = append(args, statuses)
	}

	return conditions, args
}

func (r *ChatRepositoryImpl) ListSessions(ctx context.Context, filter domain.ChatSessionFilter) ([]domain.ChatSession, error) {
	conditions, args := sessionConditions(filter)
	argCount := len(args) + 1

	query := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY started_at ASC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса списка сессий: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.ChatSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	return sessions, rows.Err()
}

func (r *ChatRepositoryImpl) CountSessions(ctx context.Context, filter domain.ChatSessionFilter) (int64, error) {
	conditions, args := sessionConditions(filter)

	query := "SELECT COUNT(*) FROM chat_sessions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	var count int64
	err := r.db.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func (r *ChatRepositoryImpl) EndStaleWaiting(ctx context.Context, startedBefore time.Time) ([]domain.ChatSession, error) {
	query := `
		UPDATE chat_sessions
		SET status = 'ended', ended_at = NOW(), end_reason = 'auto_timeout', updated_at = NOW()
		WHERE status = 'waiting' AND started_at < $1
		RETURNING ` + sessionColumns

	return r.collectSessions(ctx, query, startedBefore)
}

func (r *ChatRepositoryImpl) EndInactive(ctx context.Context, lastActivityBefore time.Time) ([]domain.ChatSession, error) {
	query := `
		UPDATE chat_sessions
		SET status = 'ended', ended_at = NOW(), end_reason = 'inactivity_timeout', updated_at = NOW()
		WHERE status = 'active' AND last_activity_at < $1
		RETURNING ` + sessionColumns

	return r.collectSessions(ctx, query, lastActivityBefore)
}

func (r *ChatRepositoryImpl) collectSessions(ctx context.Context, query string, args ...any) ([]domain.ChatSession, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	return sessions, rows.Err()
}

// Chat Messages

func (r *ChatRepositoryImpl) AppendMessage(ctx context.Context, dto domain.SendMessageDTO) (*domain.ChatMessage, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerID      int64
		specialistID *int64
		status       domain.ChatSessionStatus
	)
	err = tx.QueryRow(ctx,
		`SELECT user_id, specialist_id, status FROM chat_sessions WHERE id = $1 FOR UPDATE`,
		dto.SessionID,
	).Scan(&ownerID, &specialistID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка блокировки сессии: %w", err)
	}

	if status == domain.ChatSessionStatusEnded {
		return nil, domain.ErrSessionEnded
	}
	if !senderBelongs(dto, ownerID, specialistID) {
		return nil, domain.ErrForbidden
	}

	metadata := dto.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	// clock_timestamp() is taken after the row lock, so created_at follows
	// commit order within a session.
	query := `
		INSERT INTO chat_messages (id, session_id, sender_id, sender_type, content, message_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp())
		RETURNING ` + messageColumns

	message, err := scanMessage(tx.QueryRow(ctx, query,
		uuid.New(), dto.SessionID, dto.SenderID, dto.SenderType, dto.Content, dto.MessageType, metadata,
	))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания сообщения: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE chat_sessions SET last_activity_at = $2, updated_at = NOW() WHERE id = $1`,
		dto.SessionID, message.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления активности сессии: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ошибка коммита транзакции: %w", err)
	}

	return message, nil
}

func senderBelongs(dto domain.SendMessageDTO, ownerID int64, specialistID *int64) bool {
	switch dto.SenderType {
	case domain.SenderTypeUser:
		return dto.SenderID == ownerID
	case domain.SenderTypeSpecialist:
		return specialistID != nil && *specialistID == dto.SenderID
	}
	return false
}

func messageConditions(filter domain.ChatMessageFilter) ([]string, []any) {
	conditions := []string{"session_id = $1"}
	args := []any{filter.SessionID}

	if filter.Type != nil {
		conditions = append(conditions, "message_type = $2")
		args = append(args, *filter.Type)
	}

	return conditions, args
}

func (r *ChatRepositoryImpl) ListMessages(ctx context.Context, filter domain.ChatMessageFilter) ([]domain.ChatMessage, error) {
	conditions, args := messageConditions(filter)
	argCount := len(args) + 1

	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE ` + strings.Join(conditions, " AND ")
	query += " ORDER BY created_at ASC, seq ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса списка сообщений: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.ChatMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}

	return messages, rows.Err()
}

func (r *ChatRepositoryImpl) CountMessages(ctx context.Context, filter domain.ChatMessageFilter) (int64, error) {
	conditions, args := messageConditions(filter)

	var count int64
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM chat_messages WHERE "+strings.Join(conditions, " AND "),
		args...,
	).Scan(&count)
	return count, err
}

func (r *ChatRepositoryImpl) MarkMessagesAsRead(ctx context.Context, sessionID uuid.UUID, readerID int64) (int64, error) {
	query := `
		UPDATE chat_messages
		SET is_read = true, read_at = NOW()
		WHERE session_id = $1 AND sender_id != $2 AND is_read = false`

	tag, err := r.db.Exec(ctx, query, sessionID, readerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ChatRepositoryImpl) GetUnreadMessageCount(ctx context.Context, sessionID uuid.UUID, readerID int64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE session_id = $1 AND sender_id != $2 AND is_read = false`

	var count int64
	err := r.db.QueryRow(ctx, query, sessionID, readerID).Scan(&count)
	return count, err
}
