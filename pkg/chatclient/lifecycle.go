package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

type NoticeKind string

const (
	// NoticeAlreadyClaimed: another specialist took the session first.
	NoticeAlreadyClaimed NoticeKind = "already_claimed"
	// NoticeTimedOut: the session was closed by the system, not by a person.
	NoticeTimedOut NoticeKind = "timed_out"
	NoticeEnded    NoticeKind = "ended"
)

type Notice struct {
	Kind      NoticeKind
	SessionID uuid.UUID
	Reason    domain.EndReason
}

const reloadTimeout = 10 * time.Second

// ControllerConfig wires a lifecycle controller. API and Connector are
// required; everything else has a default.
type ControllerConfig struct {
	API       ChatAPI
	Connector Connector
	Actor     domain.Actor
	// StaleAfter is how long a waiting session may go unclaimed before the
	// user side gives up on it.
	StaleAfter time.Duration
	Transport  TransportConfig
	Clock      Clock
	Logger     *zap.Logger

	OnSession  func(*domain.ChatSession)
	OnMessages func([]Message)
	OnStatus   func(ConnectionStatus)
	OnNotice   func(Notice)
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Transport.Clock == nil {
		c.Transport.Clock = c.Clock
	}
	if c.Transport.Logger == nil {
		c.Transport.Logger = c.Logger
	}
	return c
}

// controller owns the state shared by both roles: the current session, its
// transport and its message list. Close is the single teardown.
type controller struct {
	cfg         ControllerConfig
	api         ChatAPI
	coordinator *Coordinator
	logger      *zap.Logger

	mu        sync.Mutex
	session   *domain.ChatSession
	transport *Transport
	online    bool
	closed    bool
}

func newController(cfg ControllerConfig) *controller {
	cfg = cfg.withDefaults()
	return &controller{
		cfg: cfg,
		api: cfg.API,
		coordinator: NewCoordinator(cfg.API, CoordinatorConfig{
			Sender:   cfg.Actor,
			Clock:    cfg.Clock,
			Logger:   cfg.Logger,
			OnChange: cfg.OnMessages,
		}),
		logger: cfg.Logger.With(zap.Int64("user_id", cfg.Actor.UserID), zap.String("role", string(cfg.Actor.Role))),
		online: true,
	}
}

func copySession(s *domain.ChatSession) *domain.ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Session returns the current session or nil.
func (c *controller) Session() *domain.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySession(c.session)
}

func (c *controller) Messages() []Message {
	return c.coordinator.Messages()
}

func (c *controller) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ConnectionStatus{Status: StatusDisconnected}
	}
	return c.transport.Status()
}

// SetOnline forwards device network changes to the live transport.
func (c *controller) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		t.SetOnline(online)
	}
}

func (c *controller) publishSession(s *domain.ChatSession) {
	if c.cfg.OnSession != nil {
		c.cfg.OnSession(copySession(s))
	}
}

func (c *controller) notice(n Notice) {
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(n)
	}
}

// attach makes s the current session: the message log is loaded and a
// transport for it is started. A transport of a previous session is closed
// before anything of the new one is delivered.
func (c *controller) attach(ctx context.Context, s *domain.ChatSession) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("контроллер закрыт")
	}
	var previous *Transport
	if c.transport != nil && c.transport.SessionID() != s.ID {
		previous = c.transport
		c.transport = nil
	}
	c.session = copySession(s)
	c.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	c.publishSession(s)

	if err := c.coordinator.Load(ctx, s.ID); err != nil {
		return err
	}

	if s.Status == domain.ChatSessionStatusEnded {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.session == nil || c.session.ID != s.ID || c.transport != nil {
		return nil
	}
	t := NewTransport(c.cfg.Connector, s.ID, TransportHandlers{
		OnEvent:     c.handleEvent,
		OnStatus:    c.cfg.OnStatus,
		OnRecovered: c.reload,
	}, c.cfg.Transport)
	if !c.online {
		t.SetOnline(false)
	}
	c.transport = t
	t.Start()
	return nil
}

// detach drops the current session after it was durably ended.
func (c *controller) detach() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.session = nil
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.coordinator.Clear()
	c.publishSession(nil)
}

func (c *controller) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	if err := c.coordinator.Reload(ctx); err != nil {
		c.logger.Warn("ошибка перезагрузки после переподключения", zap.Error(err))
	}
}

func (c *controller) handleEvent(event domain.ChatEvent) {
	switch event.Type {
	case domain.ChatEventMessageInserted:
		if event.Message != nil {
			c.coordinator.Reconcile(*event.Message)
		}
	case domain.ChatEventSessionUpdated:
		if event.Session != nil {
			c.applySession(event.Session)
		}
	}
}

// applySession takes a server-side view of the current session.
func (c *controller) applySession(s *domain.ChatSession) {
	c.mu.Lock()
	if c.session == nil || c.session.ID != s.ID {
		c.mu.Unlock()
		return
	}
	wasOpen := c.session.Status.IsOpen()
	c.session = copySession(s)
	// a specialist watching a waiting session loses it to another's claim
	taken := s.Status == domain.ChatSessionStatusActive &&
		c.cfg.Actor.Role == domain.UserRoleSpecialist && !c.cfg.Actor.CanAccess(s)
	var t *Transport
	if s.Status == domain.ChatSessionStatusEnded || taken {
		t = c.transport
		c.transport = nil
	}
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.publishSession(s)

	if taken && t != nil {
		c.notice(Notice{Kind: NoticeAlreadyClaimed, SessionID: s.ID})
		return
	}

	if wasOpen && s.Status == domain.ChatSessionStatusEnded && s.EndReason != nil {
		kind := NoticeEnded
		if s.EndReason.IsTimeout() {
			kind = NoticeTimedOut
		}
		c.notice(Notice{Kind: kind, SessionID: s.ID, Reason: *s.EndReason})
	}
}

func (c *controller) currentSession() (*domain.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	return copySession(c.session), nil
}

// endCurrent ends the current session and clears local state only once the
// server confirmed it. A session that had already ended counts as success.
func (c *controller) endCurrent(ctx context.Context, reason domain.EndReason) (*domain.ChatSession, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}

	ended, err := c.api.EndSession(ctx, session.ID, reason)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyEnded) {
			return nil, fmt.Errorf("ошибка завершения сессии: %w", err)
		}
		ended = session
		if existing, ok := domain.ConflictSession(err); ok {
			ended = existing
		}
	}

	c.detach()
	return ended, nil
}

// Close tears down the transport and stops all callbacks.
func (c *controller) Close() {
	c.mu.Lock()
	c.closed = true
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// UserController drives the user side of a support chat.
type UserController struct {
	*controller
}

func NewUserController(cfg ControllerConfig) *UserController {
	return &UserController{controller: newController(cfg)}
}

func (u *UserController) isStale(s domain.ChatSession) bool {
	return s.Status == domain.ChatSessionStatusWaiting && s.WaitingFor(u.cfg.Clock.Now()) > u.cfg.StaleAfter
}

// endStale ends every stale waiting session in the list and returns the rest.
func (u *UserController) endStale(ctx context.Context, sessions []domain.ChatSession) ([]domain.ChatSession, error) {
	kept := make([]domain.ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if !u.isStale(s) {
			kept = append(kept, s)
			continue
		}
		_, err := u.api.EndSession(ctx, s.ID, domain.EndReasonAutoTimeout)
		if err != nil && !errors.Is(err, domain.ErrAlreadyEnded) {
			return nil, fmt.Errorf("ошибка завершения устаревшей сессии %s: %w", s.ID, err)
		}
		u.logger.Info("устаревшая ожидающая сессия завершена", zap.String("session_id", s.ID.String()))
	}
	return kept, nil
}

// Mount resumes the user's open session, preferring an active one over a
// waiting one. Waiting sessions past the staleness threshold are ended
// instead of resumed. It returns nil when nothing is left to resume.
func (u *UserController) Mount(ctx context.Context) (*domain.ChatSession, error) {
	open, err := u.api.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения открытых сессий: %w", err)
	}

	open, err = u.endStale(ctx, open)
	if err != nil {
		return nil, err
	}

	var chosen *domain.ChatSession
	for i := range open {
		s := &open[i]
		if s.Status == domain.ChatSessionStatusActive {
			chosen = s
			break
		}
		if chosen == nil && s.Status == domain.ChatSessionStatusWaiting {
			chosen = s
		}
	}
	if chosen == nil {
		return nil, nil
	}

	if err := u.attach(ctx, chosen); err != nil {
		return nil, err
	}
	return copySession(chosen), nil
}

// CheckStale ends the current session if it has waited past the threshold.
// It reports whether it did.
func (u *UserController) CheckStale(ctx context.Context) (bool, error) {
	session, err := u.currentSession()
	if err != nil || !u.isStale(*session) {
		return false, nil
	}
	if _, err := u.endCurrent(ctx, domain.EndReasonAutoTimeout); err != nil {
		return false, err
	}
	return true, nil
}

// StartSession opens a session. With forceNew, the user's stale waiting
// sessions are ended first. An existing open session is adopted.
func (u *UserController) StartSession(ctx context.Context, forceNew bool) (*domain.ChatSession, error) {
	if forceNew {
		open, err := u.api.ListOpenSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения открытых сессий: %w", err)
		}
		if _, err := u.endStale(ctx, open); err != nil {
			return nil, err
		}
	}

	session, err := u.api.StartSession(ctx)
	if err != nil {
		existing, ok := domain.ConflictSession(err)
		if !errors.Is(err, domain.ErrSessionExists) || !ok {
			return nil, fmt.Errorf("ошибка создания сессии: %w", err)
		}
		u.logger.Debug("используется уже открытая сессия", zap.String("session_id", existing.ID.String()))
		session = existing
	}

	if err := u.attach(ctx, session); err != nil {
		return nil, err
	}
	return copySession(session), nil
}

func (u *UserController) EndSession(ctx context.Context, reason domain.EndReason) (*domain.ChatSession, error) {
	if reason == "" {
		reason = domain.EndReasonManual
	}
	return u.endCurrent(ctx, reason)
}

func (u *UserController) SendMessage(ctx context.Context, params SendParams) (*domain.ChatMessage, error) {
	if _, err := u.currentSession(); err != nil {
		return nil, err
	}
	return u.coordinator.Send(ctx, params)
}

// SpecialistController drives the specialist side. Opening or writing to a
// waiting session claims it first.
type SpecialistController struct {
	*controller
}

func NewSpecialistController(cfg ControllerConfig) *SpecialistController {
	return &SpecialistController{controller: newController(cfg)}
}

// claim takes the session. Losing the race produces a notice and the
// ALREADY_CLAIMED error; it is not retried.
func (s *SpecialistController) claim(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	claimed, err := s.api.ClaimSession(ctx, id)
	if err == nil {
		return claimed, nil
	}
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		s.notice(Notice{Kind: NoticeAlreadyClaimed, SessionID: id})
	}
	return nil, fmt.Errorf("ошибка назначения сессии: %w", err)
}

// Open shows a session, claiming it if it is still waiting.
func (s *SpecialistController) Open(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	session, err := s.api.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сессии: %w", err)
	}

	if session.Status == domain.ChatSessionStatusWaiting {
		session, err = s.claim(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if err := s.attach(ctx, session); err != nil {
		return nil, err
	}
	return copySession(session), nil
}

// SendMessage claims a still-waiting session before writing to it.
func (s *SpecialistController) SendMessage(ctx context.Context, params SendParams) (*domain.ChatMessage, error) {
	session, err := s.currentSession()
	if err != nil {
		return nil, err
	}

	if session.Status == domain.ChatSessionStatusWaiting {
		claimed, err := s.claim(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		s.applySession(claimed)
	}

	return s.coordinator.Send(ctx, params)
}

func (s *SpecialistController) EndSession(ctx context.Context, reason domain.EndReason) (*domain.ChatSession, error) {
	if reason == "" {
		reason = domain.EndReasonManual
	}
	return s.endCurrent(ctx, reason)
}
