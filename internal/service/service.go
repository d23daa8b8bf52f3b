package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
	"supportchat/internal/realtime"
	"supportchat/internal/repository"
	"supportchat/internal/storage"
)

type Deps struct {
	Repos       *repository.Repositories
	Broker      realtime.Broker
	Logger      *zap.Logger
	Config      *config.Config
	FileStorage storage.FileStorage
}

type Services struct {
	Chat    ChatService
	Auth    AuthService
	Sweeper *Sweeper
}

func NewServices(deps Deps) *Services {
	events := newEventPublisher(deps.Broker, deps.Logger)

	return &Services{
		Chat:    NewChatService(deps.Repos.Chat, deps.Repos.RateLimit, events, deps.FileStorage, deps.Config.Chat, deps.Logger),
		Auth:    NewAuthService(deps.Config.JWT, deps.Logger),
		Sweeper: NewSweeper(deps.Repos.Chat, events, deps.Config.Chat, deps.Logger),
	}
}

type ChatService interface {
	// StartSession opens a waiting session for a user. When the user already
	// has an open session the returned error carries it (domain.ErrSessionExists).
	StartSession(ctx context.Context, actor domain.Actor) (*domain.ChatSession, error)
	// ListOpenSessions returns the caller's waiting and active sessions: own
	// sessions for a user, claimed ones for a specialist.
	ListOpenSessions(ctx context.Context, actor domain.Actor) ([]domain.ChatSession, error)
	ListWaitingSessions(ctx context.Context, actor domain.Actor, limit, offset int) ([]domain.ChatSession, int64, error)
	GetSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.ChatSession, error)
	ClaimSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.ChatSession, error)
	EndSession(ctx context.Context, actor domain.Actor, id uuid.UUID, reason domain.EndReason) (*domain.ChatSession, error)

	SendMessage(ctx context.Context, actor domain.Actor, dto domain.SendMessageDTO) (*domain.ChatMessage, error)
	ListMessages(ctx context.Context, actor domain.Actor, filter domain.ChatMessageFilter) ([]domain.ChatMessage, int64, error)
	MarkMessagesAsRead(ctx context.Context, actor domain.Actor, id uuid.UUID) (int64, error)
	GetUnreadMessageCount(ctx context.Context, actor domain.Actor, id uuid.UUID) (int64, error)
	UploadAttachment(ctx context.Context, actor domain.Actor, id uuid.UUID, data []byte, filename string) (*domain.Attachment, error)
	// GetAttachmentLink and GetAttachmentContent are open to the session's
	// participants, also after it ended.
	GetAttachmentLink(ctx context.Context, actor domain.Actor, id uuid.UUID, attachmentID string) (*domain.AttachmentLink, error)
	GetAttachmentContent(ctx context.Context, actor domain.Actor, id uuid.UUID, attachmentID string) ([]byte, error)
}

type AuthService interface {
	ParseToken(ctx context.Context, token string) (domain.Actor, error)
	GenerateToken(actor domain.Actor) (*domain.Tokens, error)
}
