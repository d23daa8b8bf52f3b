package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
	"supportchat/internal/repository"
	"supportchat/internal/storage"
	"supportchat/pkg/validator"
)

const defaultWaitingPageSize = 50

var openStatuses = []domain.ChatSessionStatus{domain.ChatSessionStatusWaiting, domain.ChatSessionStatusActive}

type ChatServiceImpl struct {
	chatRepo    repository.ChatRepository
	rateLimit   repository.RateLimitRepository
	events      *eventPublisher
	fileStorage storage.FileStorage
	cfg         config.ChatConfig
	logger      *zap.Logger
}

func NewChatService(
	chatRepo repository.ChatRepository,
	rateLimit repository.RateLimitRepository,
	events *eventPublisher,
	fileStorage storage.FileStorage,
	cfg config.ChatConfig,
	logger *zap.Logger,
) *ChatServiceImpl {
	return &ChatServiceImpl{
		chatRepo:    chatRepo,
		rateLimit:   rateLimit,
		events:      events,
		fileStorage: fileStorage,
		cfg:         cfg,
		logger:      logger,
	}
}

// Chat Sessions

func (s *ChatServiceImpl) StartSession(ctx context.Context, actor domain.Actor) (*domain.ChatSession, error) {
	if actor.Role != domain.UserRoleUser {
		return nil, fmt.Errorf("%w: сессию может начать только пользователь", domain.ErrForbidden)
	}

	session, err := s.chatRepo.StartSession(ctx, actor.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionExists) {
			s.logger.Error("ошибка создания сессии", zap.Int64("user_id", actor.UserID), zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("сессия создана",
		zap.String("session_id", session.ID.String()),
		zap.Int64("user_id", actor.UserID))
	s.events.sessionUpdated(ctx, session)

	return session, nil
}

func (s *ChatServiceImpl) ListOpenSessions(ctx context.Context, actor domain.Actor) ([]domain.ChatSession, error) {
	filter := domain.ChatSessionFilter{Statuses: openStatuses}

	switch actor.Role {
	case domain.UserRoleUser:
		filter.UserID = &actor.UserID
	case domain.UserRoleSpecialist:
		filter.SpecialistID = &actor.UserID
	default:
		return nil, domain.ErrForbidden
	}

	return s.chatRepo.ListSessions(ctx, filter)
}

func (s *ChatServiceImpl) ListWaitingSessions(ctx context.Context, actor domain.Actor, limit, offset int) ([]domain.ChatSession, int64, error) {
	if actor.Role != domain.UserRoleSpecialist {
		return nil, 0, fmt.Errorf("%w: очередь доступна только специалистам", domain.ErrForbidden)
	}

	if limit <= 0 {
		limit = defaultWaitingPageSize
	}
	if offset < 0 {
		offset = 0
	}

	filter := domain.ChatSessionFilter{
		Statuses: []domain.ChatSessionStatus{domain.ChatSessionStatusWaiting},
		Limit:    limit,
		Offset:   offset,
	}

	sessions, err := s.chatRepo.ListSessions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	count, err := s.chatRepo.CountSessions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	return sessions, count, nil
}

func (s *ChatServiceImpl) GetSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.ChatSession, error) {
	session, err := s.chatRepo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.CanAccess(session) {
		return nil, domain.ErrForbidden
	}

	return session, nil
}

// participantSession loads the session and checks the actor is one of its two sides.
func (s *ChatServiceImpl) participantSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.ChatSession, error) {
	session, err := s.chatRepo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.IsParticipant(session) {
		return nil, domain.ErrForbidden
	}

	return session, nil
}

func (s *ChatServiceImpl) ClaimSession(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.ChatSession, error) {
	if actor.Role != domain.UserRoleSpecialist {
		return nil, fmt.Errorf("%w: назначение доступно только специалистам", domain.ErrForbidden)
	}

	session, err := s.chatRepo.ClaimSession(ctx, id, actor.UserID)
	if err != nil {
		if current, ok := domain.ConflictSession(err); ok && current.IsClaimedBy(actor.UserID) && current.Status == domain.ChatSessionStatusActive {
			// a retried claim by the winner is not a conflict
			return current, nil
		}
		s.logger.Debug("сессия не назначена",
			zap.String("session_id", id.String()),
			zap.Int64("specialist_id", actor.UserID),
			zap.String("code", domain.ErrorCode(err)))
		return nil, err
	}

	s.logger.Info("специалист назначен на сессию",
		zap.String("session_id", session.ID.String()),
		zap.Int64("specialist_id", actor.UserID))
	s.events.sessionUpdated(ctx, session)

	return session, nil
}

func (s *ChatServiceImpl) EndSession(ctx context.Context, actor domain.Actor, id uuid.UUID, reason domain.EndReason) (*domain.ChatSession, error) {
	if reason == "" {
		reason = domain.EndReasonManual
	}
	if !reason.Valid() {
		return nil, domain.NewValidationError(fmt.Sprintf("неизвестная причина завершения %q", reason))
	}

	current, err := s.chatRepo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.CanEnd(current) {
		return nil, domain.ErrForbidden
	}

	session, err := s.chatRepo.EndSession(ctx, id, &actor.UserID, reason)
	if err != nil {
		return nil, err
	}

	s.logger.Info("сессия завершена",
		zap.String("session_id", session.ID.String()),
		zap.Int64("ended_by", actor.UserID),
		zap.String("reason", string(reason)))
	s.events.sessionUpdated(ctx, session)

	return session, nil
}

// Chat Messages

func (s *ChatServiceImpl) SendMessage(ctx context.Context, actor domain.Actor, dto domain.SendMessageDTO) (*domain.ChatMessage, error) {
	dto.SenderID = actor.UserID
	dto.SenderType = actor.SenderType()
	dto.Content = validator.NormalizeContent(dto.Content)

	if dto.MessageType == "" {
		dto.MessageType = domain.MessageTypeText
	}
	if !dto.MessageType.Valid() || dto.MessageType == domain.MessageTypeSystem {
		return nil, domain.NewValidationError(fmt.Sprintf("недопустимый тип сообщения %q", dto.MessageType))
	}

	if !validator.ValidateMessageContent(dto.Content, s.cfg.MaxMessageLength) {
		return nil, domain.NewValidationError(fmt.Sprintf("текст сообщения пустой или длиннее %d символов", s.cfg.MaxMessageLength))
	}

	if len(dto.Metadata) > 0 {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(dto.Metadata, &object); err != nil {
			return nil, domain.NewValidationError("metadata должна быть JSON объектом")
		}
		if object == nil {
			dto.Metadata = nil
		}
	}

	if err := s.checkSendRate(ctx, actor); err != nil {
		return nil, err
	}

	message, err := s.chatRepo.AppendMessage(ctx, dto)
	if err != nil {
		if domain.ErrorCode(err) == domain.CodeInternal {
			s.logger.Error("ошибка отправки сообщения",
				zap.String("session_id", dto.SessionID.String()),
				zap.Int64("sender_id", actor.UserID),
				zap.Error(err))
		}
		return nil, err
	}

	s.events.messageInserted(ctx, message)

	return message, nil
}

func (s *ChatServiceImpl) checkSendRate(ctx context.Context, actor domain.Actor) error {
	if s.rateLimit == nil || s.cfg.SendRateLimit <= 0 {
		return nil
	}

	key := fmt.Sprintf("chat:send:%d", actor.UserID)
	allowed, err := s.rateLimit.Allow(ctx, key, s.cfg.SendRateLimit, s.cfg.SendRateWindow)
	if err != nil {
		// limiter outage must not take the chat down
		s.logger.Warn("ошибка проверки лимита отправки", zap.Int64("user_id", actor.UserID), zap.Error(err))
		return nil
	}
	if !allowed {
		return domain.ErrRateLimited
	}

	return nil
}

func (s *ChatServiceImpl) ListMessages(ctx context.Context, actor domain.Actor, filter domain.ChatMessageFilter) ([]domain.ChatMessage, int64, error) {
	if _, err := s.GetSession(ctx, actor, filter.SessionID); err != nil {
		return nil, 0, err
	}

	if filter.Type != nil && !filter.Type.Valid() {
		return nil, 0, domain.NewValidationError(fmt.Sprintf("неизвестный тип сообщения %q", *filter.Type))
	}

	messages, err := s.chatRepo.ListMessages(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	count, err := s.chatRepo.CountMessages(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	return messages, count, nil
}

func (s *ChatServiceImpl) MarkMessagesAsRead(ctx context.Context, actor domain.Actor, id uuid.UUID) (int64, error) {
	if _, err := s.participantSession(ctx, actor, id); err != nil {
		return 0, err
	}

	return s.chatRepo.MarkMessagesAsRead(ctx, id, actor.UserID)
}

func (s *ChatServiceImpl) GetUnreadMessageCount(ctx context.Context, actor domain.Actor, id uuid.UUID) (int64, error) {
	if _, err := s.participantSession(ctx, actor, id); err != nil {
		return 0, err
	}

	return s.chatRepo.GetUnreadMessageCount(ctx, id, actor.UserID)
}

// Attachments

var extensionsByType = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// UploadAttachment stores a file for a later image or file message. The
// caller sends the message itself with the returned attachment as metadata.
func (s *ChatServiceImpl) UploadAttachment(ctx context.Context, actor domain.Actor, id uuid.UUID, data []byte, filename string) (*domain.Attachment, error) {
	if s.fileStorage == nil {
		return nil, errors.New("хранилище файлов не настроено")
	}

	session, err := s.participantSession(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.ChatSessionStatusEnded {
		return nil, domain.ErrSessionEnded
	}

	if len(data) == 0 {
		return nil, domain.NewValidationError("пустой файл")
	}
	if maxBytes := int64(s.cfg.MaxAttachmentMB) << 20; maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, domain.NewValidationError(fmt.Sprintf("файл больше %d МБ", s.cfg.MaxAttachmentMB))
	}

	contentType := http.DetectContentType(data)
	if !validator.ValidateAttachmentType(contentType) {
		return nil, domain.NewValidationError(fmt.Sprintf("недопустимый тип файла %s", contentType))
	}
	contentType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])

	filename = validator.SanitizeFileName(filename)
	if !validator.ValidateFileName(filename) {
		filename = "attachment" + extensionsByType[contentType]
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = extensionsByType[contentType]
	}

	attachmentID := uuid.NewString() + ext
	key := attachmentKey(session.ID, attachmentID)
	url, err := s.fileStorage.UploadFile(ctx, key, data, contentType)
	if err != nil {
		s.logger.Error("ошибка загрузки вложения",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
		return nil, err
	}

	// the session may have ended while the file was uploading
	current, err := s.chatRepo.GetSession(ctx, session.ID)
	if err == nil && current.Status == domain.ChatSessionStatusEnded {
		if delErr := s.fileStorage.DeleteFile(ctx, key); delErr != nil {
			s.logger.Warn("не удалось удалить вложение завершенной сессии",
				zap.String("key", key), zap.Error(delErr))
		}
		return nil, domain.ErrSessionEnded
	}

	return &domain.Attachment{
		ID:          attachmentID,
		URL:         url,
		FileName:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

func attachmentKey(sessionID uuid.UUID, attachmentID string) string {
	return fmt.Sprintf("chat/%s/%s", sessionID, attachmentID)
}

// parseAttachmentID accepts exactly what UploadAttachment hands out: a uuid
// with an optional short extension.
func parseAttachmentID(attachmentID string) error {
	ext := filepath.Ext(attachmentID)
	if _, err := uuid.Parse(strings.TrimSuffix(attachmentID, ext)); err != nil {
		return domain.NewValidationError("некорректный идентификатор вложения")
	}
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return domain.NewValidationError("некорректный идентификатор вложения")
	}
	return nil
}

func (s *ChatServiceImpl) attachmentSession(ctx context.Context, actor domain.Actor, id uuid.UUID, attachmentID string) (string, error) {
	if s.fileStorage == nil {
		return "", errors.New("хранилище файлов не настроено")
	}
	if err := parseAttachmentID(attachmentID); err != nil {
		return "", err
	}
	if _, err := s.participantSession(ctx, actor, id); err != nil {
		return "", err
	}
	return attachmentKey(id, attachmentID), nil
}

func storageError(err error) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("%w: вложение не найдено", domain.ErrNotFound)
	}
	return err
}

func (s *ChatServiceImpl) GetAttachmentLink(ctx context.Context, actor domain.Actor, id uuid.UUID, attachmentID string) (*domain.AttachmentLink, error) {
	key, err := s.attachmentSession(ctx, actor, id, attachmentID)
	if err != nil {
		return nil, err
	}

	ttl := s.cfg.AttachmentURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	link, err := s.fileStorage.GetPresignedURL(ctx, key, ttl)
	if err != nil {
		return nil, storageError(err)
	}
	return &domain.AttachmentLink{URL: link, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *ChatServiceImpl) GetAttachmentContent(ctx context.Context, actor domain.Actor, id uuid.UUID, attachmentID string) ([]byte, error) {
	key, err := s.attachmentSession(ctx, actor, id, attachmentID)
	if err != nil {
		return nil, err
	}

	data, err := s.fileStorage.GetFile(ctx, key)
	if err != nil {
		return nil, storageError(err)
	}
	return data, nil
}
