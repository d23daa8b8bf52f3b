package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"supportchat/internal/domain"
)

// MemoryBroker is an in-process broker for single instance deployments and tests.
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string]map[int]*memorySubscription
	next    int
	bufSize int
	closed  bool
	logger  *zap.Logger
}

func NewMemoryBroker(bufSize int, logger *zap.Logger) *MemoryBroker {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBroker{
		subs:    make(map[string]map[int]*memorySubscription),
		bufSize: bufSize,
		logger:  logger,
	}
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	id     int
	ch     chan domain.ChatEvent
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan domain.ChatEvent {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s)
	return nil
}

func (b *MemoryBroker) removeLocked(s *memorySubscription) {
	s.once.Do(func() {
		if topicSubs, ok := b.subs[s.topic]; ok {
			delete(topicSubs, s.id)
			if len(topicSubs) == 0 {
				delete(b.subs, s.topic)
			}
		}
		close(s.ch)
	})
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, event domain.ChatEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("подписчик не успевает, подписка закрыта",
				zap.String("topic", topic), zap.Int("subscription", sub.id))
			b.removeLocked(sub)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := &memorySubscription{
		broker: b,
		topic:  topic,
		id:     b.next,
		ch:     make(chan domain.ChatEvent, b.bufSize),
	}
	b.next++

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*memorySubscription)
	}
	b.subs[topic][sub.id] = sub

	return sub, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, topicSubs := range b.subs {
		for _, sub := range topicSubs {
			b.removeLocked(sub)
		}
	}
	return nil
}

// SubscriberCount reports how many live subscriptions a topic has.
func (b *MemoryBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
