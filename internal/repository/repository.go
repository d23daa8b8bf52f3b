package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"supportchat/internal/domain"
)

type Repositories struct {
	Chat      ChatRepository
	RateLimit RateLimitRepository
}

// NewRepositories wires the durable backends. rdb may be nil, in which case
// rate limiting is tracked per process.
func NewRepositories(db *pgxpool.Pool, rdb *redis.Client) *Repositories {
	repos := &Repositories{
		Chat:      NewChatRepository(db),
		RateLimit: NewMemoryRateLimitRepository(time.Now),
	}
	if rdb != nil {
		repos.RateLimit = NewRedisRateLimitRepository(rdb)
	}
	return repos
}

func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Chat:      NewMemoryChatRepository(time.Now),
		RateLimit: NewMemoryRateLimitRepository(time.Now),
	}
}

// ChatRepository is the session registry and message store. Every method that
// changes a session is a single conditional write (or one transaction), so
// concurrent callers never need to coordinate among themselves.
type ChatRepository interface {
	// StartSession opens a waiting session for the user. If the user already
	// has an open session it returns a *domain.ConflictError wrapping
	// domain.ErrSessionExists with that session attached.
	StartSession(ctx context.Context, userID int64) (*domain.ChatSession, error)
	// ClaimSession moves a waiting session to active for the specialist.
	// Exactly one of several concurrent callers wins; the rest receive
	// domain.ErrAlreadyClaimed.
	ClaimSession(ctx context.Context, sessionID uuid.UUID, specialistID int64) (*domain.ChatSession, error)
	// EndSession closes an open session. Ending a closed session reports
	// domain.ErrAlreadyEnded with the session attached.
	EndSession(ctx context.Context, sessionID uuid.UUID, actorID *int64, reason domain.EndReason) (*domain.ChatSession, error)
	// AppendMessage stores a message if the session is open and the sender
	// belongs to it. Either the message is stored and returned or nothing is.
	AppendMessage(ctx context.Context, dto domain.SendMessageDTO) (*domain.ChatMessage, error)

	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, filter domain.ChatSessionFilter) ([]domain.ChatSession, error)
	CountSessions(ctx context.Context, filter domain.ChatSessionFilter) (int64, error)

	ListMessages(ctx context.Context, filter domain.ChatMessageFilter) ([]domain.ChatMessage, error)
	CountMessages(ctx context.Context, filter domain.ChatMessageFilter) (int64, error)
	MarkMessagesAsRead(ctx context.Context, sessionID uuid.UUID, readerID int64) (int64, error)
	GetUnreadMessageCount(ctx context.Context, sessionID uuid.UUID, readerID int64) (int64, error)

	// EndStaleWaiting ends every waiting session started before the cutoff
	// with reason auto_timeout and returns them.
	EndStaleWaiting(ctx context.Context, startedBefore time.Time) ([]domain.ChatSession, error)
	// EndInactive ends every active session idle since before the cutoff
	// with reason inactivity_timeout and returns them.
	EndInactive(ctx context.Context, lastActivityBefore time.Time) ([]domain.ChatSession, error)
}
