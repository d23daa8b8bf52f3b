package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ConnectionStatus is the runtime view of one session subscription.
type ConnectionStatus struct {
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt"`
}

var (
	ErrOffline          = errors.New("сеть недоступна")
	ErrChannelClosed    = errors.New("канал закрыт")
	ErrRetriesExhausted = errors.New("попытки переподключения исчерпаны")
)

// Channel is an established, acknowledged subscription. Events is closed
// when the channel fails; Err then reports why.
type Channel interface {
	Events() <-chan domain.ChatEvent
	Err() error
	Close() error
}

// Connector opens the channel with the given name. It must not return until
// the server acknowledged the subscription or ctx is done.
type Connector interface {
	Connect(ctx context.Context, sessionID uuid.UUID, channel string) (Channel, error)
}

type TransportHandlers struct {
	OnEvent  func(domain.ChatEvent)
	OnStatus func(ConnectionStatus)
	// OnRecovered runs after a reconnect that followed a drop, so the caller
	// can reload whatever was published while the channel was down.
	OnRecovered func()
}

type TransportConfig struct {
	ConnectTimeout time.Duration
	Backoff        BackoffPolicy
	Clock          Clock
	Logger         *zap.Logger
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type notification struct {
	status    *ConnectionStatus
	event     *domain.ChatEvent
	recovered bool
	epoch     uint64
}

// Transport keeps one session subscribed. Every connect attempt gets a new
// epoch and channel name; anything arriving from an older epoch is dropped.
//
// Handlers run one at a time on a dispatcher goroutine, in the order the
// underlying changes happened, and may call back into the Transport.
type Transport struct {
	connector Connector
	sessionID uuid.UUID
	handlers  TransportHandlers
	cfg       TransportConfig
	logger    *zap.Logger

	mu            sync.Mutex
	status        ConnectionStatus
	epoch         uint64
	online        bool
	started       bool
	closed        bool
	connectedOnce bool
	backoff       backoff.BackOff
	retry         Timer
	cancelConnect context.CancelFunc
	channel       Channel

	queue []notification
	wake  chan struct{}
}

func NewTransport(connector Connector, sessionID uuid.UUID, handlers TransportHandlers, cfg TransportConfig) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		connector: connector,
		sessionID: sessionID,
		handlers:  handlers,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("session_id", sessionID.String())),
		status:    ConnectionStatus{Status: StatusDisconnected},
		online:    true,
		backoff:   cfg.Backoff.NewBackOff(),
		wake:      make(chan struct{}, 1),
	}
}

func (t *Transport) SessionID() uuid.UUID {
	return t.sessionID
}

func (t *Transport) Status() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Start begins connecting. Calling it again is a no-op.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.closed {
		return
	}
	t.started = true
	go t.dispatch()
	t.connectLocked()
}

func (t *Transport) enqueueLocked(n notification) {
	t.queue = append(t.queue, n)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) setStatusLocked(status ConnectionStatus) {
	t.status = status
	t.enqueueLocked(notification{status: &status})
}

func (t *Transport) dispatch() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.mu.Unlock()
			<-t.wake
			t.mu.Lock()
		}
		if t.closed {
			t.queue = nil
			t.mu.Unlock()
			return
		}
		n := t.queue[0]
		t.queue = t.queue[1:]
		stale := n.event != nil && n.epoch != t.epoch
		t.mu.Unlock()

		switch {
		case stale:
		case n.status != nil:
			if t.handlers.OnStatus != nil {
				t.handlers.OnStatus(*n.status)
			}
		case n.event != nil:
			if t.handlers.OnEvent != nil {
				t.handlers.OnEvent(*n.event)
			}
		case n.recovered:
			if t.handlers.OnRecovered != nil {
				t.handlers.OnRecovered()
			}
		}
	}
}

// releaseLocked drops the current channel, any pending retry and any
// in-flight attempt. Bumping the epoch orphans whatever they still deliver.
func (t *Transport) releaseLocked() {
	t.epoch++
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.cancelConnect != nil {
		t.cancelConnect()
		t.cancelConnect = nil
	}
	if t.channel != nil {
		t.channel.Close()
		t.channel = nil
	}
}

func (t *Transport) connectLocked() {
	if t.closed || !t.online {
		return
	}

	t.releaseLocked()
	epoch := t.epoch
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	t.cancelConnect = cancel
	t.setStatusLocked(ConnectionStatus{Status: StatusConnecting, Attempt: t.status.Attempt})

	go t.attempt(ctx, cancel, epoch, domain.ChannelName(t.sessionID, epoch))
}

func (t *Transport) attempt(ctx context.Context, cancel context.CancelFunc, epoch uint64, name string) {
	ch, err := t.connector.Connect(ctx, t.sessionID, name)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	if epoch != t.epoch || t.closed {
		if ch != nil {
			ch.Close()
		}
		return
	}
	t.cancelConnect = nil

	if err != nil {
		if timedOut {
			err = fmt.Errorf("истекло ожидание подтверждения подписки: %w", err)
		}
		t.logger.Warn("ошибка подключения канала", zap.String("channel", name), zap.Error(err))
		t.failLocked(err)
		return
	}

	t.channel = ch
	t.backoff.Reset()
	recovered := t.connectedOnce
	t.connectedOnce = true
	t.setStatusLocked(ConnectionStatus{Status: StatusConnected})
	if recovered {
		t.enqueueLocked(notification{recovered: true})
	}
	t.logger.Debug("канал подключен", zap.String("channel", name))

	go t.pump(epoch, ch)
}

func (t *Transport) pump(epoch uint64, ch Channel) {
	for event := range ch.Events() {
		event := event
		t.mu.Lock()
		if epoch == t.epoch && !t.closed {
			t.enqueueLocked(notification{event: &event, epoch: epoch})
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if epoch != t.epoch || t.closed || t.channel != ch {
		return
	}
	t.channel = nil
	err := ch.Err()
	if err == nil {
		err = ErrChannelClosed
	}
	ch.Close()
	t.logger.Warn("канал оборван", zap.Error(err))
	t.failLocked(err)
}

func (t *Transport) failLocked(cause error) {
	// access to the session is gone; retrying cannot bring it back
	if errors.Is(cause, domain.ErrForbidden) {
		t.logger.Warn("доступ к каналу запрещен", zap.Error(cause))
		t.setStatusLocked(ConnectionStatus{
			Status:  StatusError,
			Error:   cause.Error(),
			Attempt: t.status.Attempt,
		})
		return
	}

	delay := t.backoff.NextBackOff()
	if delay == backoff.Stop {
		t.logger.Error("переподключение прекращено", zap.Int("attempts", t.status.Attempt), zap.Error(cause))
		t.setStatusLocked(ConnectionStatus{
			Status:  StatusError,
			Error:   fmt.Sprintf("%v: %v", ErrRetriesExhausted, cause),
			Attempt: t.status.Attempt,
		})
		return
	}

	epoch := t.epoch
	t.retry = t.cfg.Clock.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if epoch != t.epoch {
			return
		}
		t.retry = nil
		t.connectLocked()
	})
	t.setStatusLocked(ConnectionStatus{
		Status:  StatusError,
		Error:   cause.Error(),
		Attempt: t.status.Attempt + 1,
	})
}

// SetOnline feeds device network changes in. Going offline drops the channel
// and cancels retries; coming back resets the schedule and connects at once.
func (t *Transport) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.online == online {
		return
	}
	t.online = online

	if !online {
		t.releaseLocked()
		t.setStatusLocked(ConnectionStatus{Status: StatusDisconnected, Error: ErrOffline.Error()})
		return
	}

	t.backoff.Reset()
	t.status.Attempt = 0
	if t.started {
		t.connectLocked()
	}
}

// Reconnect abandons the current channel and starts over with a fresh
// schedule, for callers that give up on a persistent error.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.started {
		return
	}
	t.backoff.Reset()
	t.status.Attempt = 0
	t.connectLocked()
}

// Close cancels pending retries and releases the channel before returning.
// Queued callbacks are dropped.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.releaseLocked()
	t.status = ConnectionStatus{Status: StatusDisconnected}
	t.queue = nil
	select {
	case t.wake <- struct{}{}:
	default:
	}
}
