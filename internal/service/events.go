package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/realtime"
)

const publishTimeout = 2 * time.Second

// eventPublisher announces committed changes. A failed publish is logged and
// swallowed: the change is already durable and clients reload the log after
// any reconnect.
type eventPublisher struct {
	broker realtime.Broker
	logger *zap.Logger
}

func newEventPublisher(broker realtime.Broker, logger *zap.Logger) *eventPublisher {
	return &eventPublisher{broker: broker, logger: logger}
}

func (p *eventPublisher) publish(ctx context.Context, event domain.ChatEvent) {
	if p.broker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.broker.Publish(ctx, domain.SessionTopic(event.SessionID), event); err != nil {
		p.logger.Error("ошибка публикации события",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID.String()),
			zap.Error(err))
	}
}

func (p *eventPublisher) sessionUpdated(ctx context.Context, session *domain.ChatSession) {
	p.publish(ctx, domain.NewSessionUpdatedEvent(session))
}

func (p *eventPublisher) messageInserted(ctx context.Context, message *domain.ChatMessage) {
	p.publish(ctx, domain.NewMessageInsertedEvent(message))
}
