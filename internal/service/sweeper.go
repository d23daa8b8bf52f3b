package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"supportchat/config"
	"supportchat/internal/domain"
	"supportchat/internal/repository"
)

// Sweeper ends sessions nobody is looking after: waiting sessions no
// specialist picked up in time (auto_timeout) and active sessions that went
// quiet (inactivity_timeout).
type Sweeper struct {
	chatRepo repository.ChatRepository
	events   *eventPublisher
	cfg      config.ChatConfig
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(chatRepo repository.ChatRepository, events *eventPublisher, cfg config.ChatConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		chatRepo: chatRepo,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs the sweep loop until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for the running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks like Start followed by waiting on ctx. It suits an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce ends every session past its threshold and announces each one.
// It returns how many sessions were ended.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.now()
	ended := 0

	stale, err := s.chatRepo.EndStaleWaiting(ctx, now.Add(-s.cfg.StaleWaitingAfter))
	if err != nil {
		s.logger.Error("ошибка завершения просроченных сессий в очереди", zap.Error(err))
	}
	ended += s.announce(ctx, stale)

	if s.cfg.InactivityTimeout > 0 {
		idle, err := s.chatRepo.EndInactive(ctx, now.Add(-s.cfg.InactivityTimeout))
		if err != nil {
			s.logger.Error("ошибка завершения неактивных сессий", zap.Error(err))
		}
		ended += s.announce(ctx, idle)
	}

	return ended
}

func (s *Sweeper) announce(ctx context.Context, sessions []domain.ChatSession) int {
	for i := range sessions {
		session := &sessions[i]
		reason := ""
		if session.EndReason != nil {
			reason = string(*session.EndReason)
		}
		s.logger.Info("сессия завершена по таймауту",
			zap.String("session_id", session.ID.String()),
			zap.Int64("user_id", session.UserID),
			zap.String("reason", reason))
		s.events.sessionUpdated(ctx, session)
	}
	return len(sessions)
}
