package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

// RedisBroker carries events over redis pub/sub so every server instance
// sees the changes made by the others.
type RedisBroker struct {
	rdb     *redis.Client
	bufSize int
	logger  *zap.Logger
}

func NewRedisBroker(rdb *redis.Client, bufSize int, logger *zap.Logger) *RedisBroker {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{rdb: rdb, bufSize: bufSize, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, event domain.ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("ошибка публикации события в %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topic)

	// Receive blocks until redis confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("ошибка подписки на %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan domain.ChatEvent, b.bufSize),
		done:   make(chan struct{}),
	}
	go sub.forward(topic, b.logger)

	return sub, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan domain.ChatEvent
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan domain.ChatEvent {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) forward(topic string, logger *zap.Logger) {
	s.consume(s.pubsub.ChannelWithSubscriptions(), topic, logger)
}

// consume relays messages until the subscription is closed. go-redis quietly
// reconnects and resubscribes after a lost connection, and whatever was
// published in between is gone. The first confirmation was already taken by
// Subscribe, so any later one means such a gap: the subscription is closed so
// the listener reloads instead of missing events.
func (s *redisSubscription) consume(messages <-chan interface{}, topic string, logger *zap.Logger) {
	defer close(s.ch)

	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-messages:
			if !ok {
				return
			}

			var msg *redis.Message
			switch m := raw.(type) {
			case *redis.Subscription:
				logger.Warn("соединение с redis восстановлено, подписка закрыта",
					zap.String("topic", topic),
					zap.String("kind", m.Kind))
				s.Close()
				return
			case *redis.Message:
				msg = m
			default:
				continue
			}

			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				logger.Warn("некорректное событие", zap.String("topic", topic), zap.Error(err))
				continue
			}

			select {
			case s.ch <- event:
			case <-s.done:
				return
			default:
				logger.Warn("подписчик не успевает, подписка закрыта", zap.String("topic", topic))
				s.Close()
				return
			}
		}
	}
}

func DecodeEvent(payload []byte) (domain.ChatEvent, error) {
	var event domain.ChatEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.ChatEvent{}, err
	}
	if event.Type != domain.ChatEventMessageInserted && event.Type != domain.ChatEventSessionUpdated {
		return domain.ChatEvent{}, fmt.Errorf("неизвестный тип события %q", event.Type)
	}
	return event, nil
}
