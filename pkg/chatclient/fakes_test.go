package chatclient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"supportchat/internal/domain"
)

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due, outside
// the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// pending returns the delays of timers that are armed.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

type fakeChannel struct {
	name   string
	events chan domain.ChatEvent

	mu     sync.Mutex
	closed bool
	err    error
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, events: make(chan domain.ChatEvent, 16)}
}

func (ch *fakeChannel) Events() <-chan domain.ChatEvent { return ch.events }

func (ch *fakeChannel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.closed = true
		close(ch.events)
	}
	return nil
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// send delivers an event unless the channel is already gone.
func (ch *fakeChannel) send(event domain.ChatEvent) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	ch.events <- event
	return true
}

// drop ends the channel as a network failure would.
func (ch *fakeChannel) drop(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.err = err
		ch.closed = true
		close(ch.events)
	}
}

type fakeConnector struct {
	mu       sync.Mutex
	calls    []string
	fail     error
	block    bool
	channels []*fakeChannel
}

func (c *fakeConnector) Connect(ctx context.Context, _ uuid.UUID, name string) (Channel, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	fail, block := c.fail, c.block
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}

	ch := newFakeChannel(name)
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *fakeConnector) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeConnector) callNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConnector) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

func (c *fakeConnector) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

type endCall struct {
	id     uuid.UUID
	reason domain.EndReason
}

// fakeAPI keeps sessions and messages in maps. The fn fields override a
// method when set.
type fakeAPI struct {
	mu       sync.Mutex
	clock    Clock
	sessions map[uuid.UUID]*domain.ChatSession
	messages map[uuid.UUID][]domain.ChatMessage
	ends     []endCall
	claims   []uuid.UUID
	seq      int64

	startFn func() (*domain.ChatSession, error)
	claimFn func(id uuid.UUID) (*domain.ChatSession, error)
	endFn   func(id uuid.UUID, reason domain.EndReason) (*domain.ChatSession, error)
	sendFn  func(id uuid.UUID, params SendParams) (*domain.ChatMessage, error)
	// onSend runs after a successful store, before the ack is returned.
	onSend func(stored domain.ChatMessage)
}

func newFakeAPI(clock Clock) *fakeAPI {
	return &fakeAPI{
		clock:    clock,
		sessions: make(map[uuid.UUID]*domain.ChatSession),
		messages: make(map[uuid.UUID][]domain.ChatMessage),
	}
}

func (a *fakeAPI) addSession(s domain.ChatSession) *domain.ChatSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	a.sessions[s.ID] = &s
	c := s
	return &c
}

func (a *fakeAPI) addMessage(m domain.ChatMessage) domain.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	a.seq++
	m.Seq = a.seq
	a.messages[m.SessionID] = append(a.messages[m.SessionID], m)
	return m
}

func (a *fakeAPI) endCalls() []endCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]endCall(nil), a.ends...)
}

func (a *fakeAPI) claimCalls() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uuid.UUID(nil), a.claims...)
}

func (a *fakeAPI) StartSession(context.Context) (*domain.ChatSession, error) {
	if a.startFn != nil {
		return a.startFn()
	}
	return a.addSession(domain.ChatSession{
		UserID:    1,
		Status:    domain.ChatSessionStatusWaiting,
		StartedAt: a.clock.Now(),
	}), nil
}

func (a *fakeAPI) ListOpenSessions(context.Context) ([]domain.ChatSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.ChatSession
	for _, s := range a.sessions {
		if s.Status.IsOpen() {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (a *fakeAPI) GetSession(_ context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (a *fakeAPI) ClaimSession(_ context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	a.mu.Lock()
	a.claims = append(a.claims, id)
	a.mu.Unlock()

	if a.claimFn != nil {
		return a.claimFn(id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	s.Status = domain.ChatSessionStatusActive
	specialist := int64(100)
	s.SpecialistID = &specialist
	c := *s
	return &c, nil
}

func (a *fakeAPI) EndSession(_ context.Context, id uuid.UUID, reason domain.EndReason) (*domain.ChatSession, error) {
	a.mu.Lock()
	a.ends = append(a.ends, endCall{id: id, reason: reason})
	a.mu.Unlock()

	if a.endFn != nil {
		return a.endFn(id, reason)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.Status == domain.ChatSessionStatusEnded {
		c := *s
		return nil, domain.NewConflict(domain.ErrAlreadyEnded, &c)
	}
	s.Status = domain.ChatSessionStatusEnded
	s.EndReason = &reason
	c := *s
	return &c, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, id uuid.UUID) ([]domain.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ChatMessage(nil), a.messages[id]...), nil
}

func (a *fakeAPI) SendMessage(_ context.Context, id uuid.UUID, params SendParams) (*domain.ChatMessage, error) {
	if a.sendFn != nil {
		return a.sendFn(id, params)
	}

	messageType := params.MessageType
	if messageType == "" {
		messageType = domain.MessageTypeText
	}
	stored := a.addMessage(domain.ChatMessage{
		SessionID:   id,
		SenderID:    1,
		SenderType:  domain.SenderTypeUser,
		Content:     params.Content,
		MessageType: messageType,
		CreatedAt:   a.clock.Now(),
	})
	if a.onSend != nil {
		a.onSend(stored)
	}
	return &stored, nil
}

var errNetwork = errors.New("network unreachable")
