package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
)

func messageEvent(sessionID uuid.UUID, content string) domain.ChatEvent {
	return domain.NewMessageInsertedEvent(&domain.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Content:   content,
	})
}

func receive(t *testing.T, sub Subscription) domain.ChatEvent {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return domain.ChatEvent{}
}

func TestMemoryBroker_DeliversToTopicSubscribers(t *testing.T) {
	b := NewMemoryBroker(8, nil)
	ctx := context.Background()
	sessionID := uuid.New()
	topic := domain.SessionTopic(sessionID)

	first, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer first.Close()
	second, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer second.Close()
	other, err := b.Subscribe(ctx, domain.SessionTopic(uuid.New()))
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Publish(ctx, topic, messageEvent(sessionID, "a")))
	require.NoError(t, b.Publish(ctx, topic, messageEvent(sessionID, "b")))

	for _, sub := range []Subscription{first, second} {
		assert.Equal(t, "a", receive(t, sub).Message.Content)
		assert.Equal(t, "b", receive(t, sub).Message.Content)
	}

	select {
	case evt := <-other.Events():
		t.Errorf("unexpected event on other topic: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_CloseStopsDelivery(t *testing.T) {
	b := NewMemoryBroker(8, nil)
	ctx := context.Background()
	topic := domain.SessionTopic(uuid.New())

	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount(topic))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, b.SubscriberCount(topic))

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestMemoryBroker_SlowSubscriberIsDisconnected(t *testing.T) {
	b := NewMemoryBroker(1, nil)
	ctx := context.Background()
	sessionID := uuid.New()
	topic := domain.SessionTopic(sessionID)

	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, topic, messageEvent(sessionID, "kept")))
	require.NoError(t, b.Publish(ctx, topic, messageEvent(sessionID, "overflow")))

	assert.Equal(t, "kept", receive(t, sub).Message.Content)
	_, ok := <-sub.Events()
	assert.False(t, ok, "subscription should be closed after overflow")
	assert.Equal(t, 0, b.SubscriberCount(topic))
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker(1, nil)
	ctx := context.Background()
	topic := domain.SessionTopic(uuid.New())

	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = b.Subscribe(ctx, topic)
	assert.ErrorIs(t, err, ErrBrokerClosed)
	assert.ErrorIs(t, b.Publish(ctx, topic, domain.ChatEvent{}), ErrBrokerClosed)
}
