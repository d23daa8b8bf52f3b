package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
	"supportchat/internal/realtime"
	"supportchat/internal/repository"
	"supportchat/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	alice = domain.Actor{UserID: 1, Role: domain.UserRoleUser}
	bob   = domain.Actor{UserID: 2, Role: domain.UserRoleUser}
	sam   = domain.Actor{UserID: 100, Role: domain.UserRoleSpecialist}
	kim   = domain.Actor{UserID: 101, Role: domain.UserRoleSpecialist}
)

type fixture struct {
	chat    *ChatServiceImpl
	sweeper *Sweeper
	repo    *repository.MemoryChatRepository
	broker  *realtime.MemoryBroker
	files   *storage.MemoryStorage
	clock   *testClock
	cfg     config.ChatConfig
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		StaleWaitingAfter: 10 * time.Minute,
		InactivityTimeout: 30 * time.Minute,
		SweepInterval:     time.Minute,
		MaxMessageLength:  100,
		MaxAttachmentMB:   1,
		SendRateLimit:     50,
		SendRateWindow:    time.Second,
	}
}

func newFixture(t *testing.T, mutate ...func(*config.ChatConfig)) *fixture {
	t.Helper()

	cfg := testChatConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	logger := zap.NewNop()
	repo := repository.NewMemoryChatRepository(clock.Now)
	broker := realtime.NewMemoryBroker(16, logger)
	files := storage.NewMemoryStorage()
	events := newEventPublisher(broker, logger)

	sweeper := NewSweeper(repo, events, cfg, logger)
	sweeper.now = clock.Now

	return &fixture{
		chat:    NewChatService(repo, repository.NewMemoryRateLimitRepository(clock.Now), events, files, cfg, logger),
		sweeper: sweeper,
		repo:    repo,
		broker:  broker,
		files:   files,
		clock:   clock,
		cfg:     cfg,
	}
}

func (f *fixture) subscribe(t *testing.T, session *domain.ChatSession) realtime.Subscription {
	t.Helper()
	sub, err := f.broker.Subscribe(context.Background(), domain.SessionTopic(session.ID))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func nextEvent(t *testing.T, sub realtime.Subscription) domain.ChatEvent {
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
