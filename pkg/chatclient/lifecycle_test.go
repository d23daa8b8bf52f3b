package chatclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/domain"
)

var specialistActor = domain.Actor{UserID: 100, Role: domain.UserRoleSpecialist}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) list() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice(nil), l.notices...)
}

type lifecycleFixture struct {
	clock   *fakeClock
	api     *fakeAPI
	conn    *fakeConnector
	notices *noticeLog
}

func newLifecycleFixture() *lifecycleFixture {
	clock := newFakeClock()
	return &lifecycleFixture{
		clock:   clock,
		api:     newFakeAPI(clock),
		conn:    &fakeConnector{},
		notices: &noticeLog{},
	}
}

func (f *lifecycleFixture) config(actor domain.Actor) ControllerConfig {
	return ControllerConfig{
		API:       f.api,
		Connector: f.conn,
		Actor:     actor,
		Clock:     f.clock,
		Transport: TransportConfig{Backoff: testPolicy()},
		OnNotice:  f.notices.add,
	}
}

func (f *lifecycleFixture) user(t *testing.T) *UserController {
	u := NewUserController(f.config(userActor))
	t.Cleanup(u.Close)
	return u
}

func (f *lifecycleFixture) specialist(t *testing.T) *SpecialistController {
	s := NewSpecialistController(f.config(specialistActor))
	t.Cleanup(s.Close)
	return s
}

func TestUserController_MountEndsStaleWaiting(t *testing.T) {
	f := newLifecycleFixture()
	stale := f.api.addSession(domain.ChatSession{
		UserID:    1,
		Status:    domain.ChatSessionStatusWaiting,
		StartedAt: f.clock.Now().Add(-11 * time.Minute),
	})

	u := f.user(t)
	session, err := u.Mount(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.Nil(t, u.Session())

	assert.Equal(t, []endCall{{id: stale.ID, reason: domain.EndReasonAutoTimeout}}, f.api.endCalls())
	assert.Zero(t, f.conn.callCount())
}

func TestUserController_MountResumesFreshWaiting(t *testing.T) {
	f := newLifecycleFixture()
	fresh := f.api.addSession(domain.ChatSession{
		UserID:    1,
		Status:    domain.ChatSessionStatusWaiting,
		StartedAt: f.clock.Now().Add(-9 * time.Minute),
	})

	u := f.user(t)
	session, err := u.Mount(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, fresh.ID, session.ID)
	assert.Empty(t, f.api.endCalls())
	require.Eventually(t, func() bool { return u.Status().Status == StatusConnected }, waitFor, tick)
}

func TestUserController_MountPrefersActive(t *testing.T) {
	f := newLifecycleFixture()
	f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusWaiting, StartedAt: f.clock.Now().Add(-time.Minute)})
	active := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusActive, StartedAt: f.clock.Now().Add(-time.Hour)})

	u := f.user(t)
	session, err := u.Mount(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, active.ID, session.ID)
}

func TestUserController_CheckStale(t *testing.T) {
	f := newLifecycleFixture()
	u := f.user(t)

	session, err := u.StartSession(context.Background(), false)
	require.NoError(t, err)

	ended, err := u.CheckStale(context.Background())
	require.NoError(t, err)
	assert.False(t, ended)

	f.clock.Advance(11 * time.Minute)
	ended, err = u.CheckStale(context.Background())
	require.NoError(t, err)
	assert.True(t, ended)

	assert.Equal(t, []endCall{{id: session.ID, reason: domain.EndReasonAutoTimeout}}, f.api.endCalls())
	assert.Nil(t, u.Session())
}

func TestUserController_StartAdoptsExisting(t *testing.T) {
	f := newLifecycleFixture()
	existing := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusActive, StartedAt: f.clock.Now()})
	f.api.addMessage(domain.ChatMessage{SessionID: existing.ID, Content: "earlier", CreatedAt: f.clock.Now()})
	f.api.startFn = func() (*domain.ChatSession, error) {
		return nil, &APIError{StatusCode: 409, Code: domain.CodeSessionExists, err: domain.NewConflict(domain.ErrSessionExists, existing)}
	}

	u := f.user(t)
	session, err := u.StartSession(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, session.ID)
	assert.Equal(t, []string{"earlier"}, contents(u.Messages()))

	require.Eventually(t, func() bool { return f.conn.callCount() == 1 }, waitFor, tick)
	id, _, err := domain.ParseChannelName(f.conn.callNames()[0])
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id)
}

func TestUserController_StartForceNewEndsStale(t *testing.T) {
	f := newLifecycleFixture()
	stale := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusWaiting, StartedAt: f.clock.Now().Add(-20 * time.Minute)})

	u := f.user(t)
	session, err := u.StartSession(context.Background(), true)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, session.ID)
	assert.Equal(t, []endCall{{id: stale.ID, reason: domain.EndReasonAutoTimeout}}, f.api.endCalls())
}

func TestUserController_EndTreatsAlreadyEndedAsSuccess(t *testing.T) {
	f := newLifecycleFixture()
	u := f.user(t)

	session, err := u.StartSession(context.Background(), false)
	require.NoError(t, err)
	_, err = f.api.EndSession(context.Background(), session.ID, domain.EndReasonInactivityTimeout)
	require.NoError(t, err)

	ended, err := u.EndSession(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.ChatSessionStatusEnded, ended.Status)
	assert.Nil(t, u.Session())
	assert.Equal(t, StatusDisconnected, u.Status().Status)
}

func TestUserController_EndFailureKeepsState(t *testing.T) {
	f := newLifecycleFixture()
	u := f.user(t)

	session, err := u.StartSession(context.Background(), false)
	require.NoError(t, err)
	_, err = u.SendMessage(context.Background(), SendParams{Content: "keep me"})
	require.NoError(t, err)

	f.api.endFn = func(uuid.UUID, domain.EndReason) (*domain.ChatSession, error) {
		return nil, errNetwork
	}
	_, err = u.EndSession(context.Background(), domain.EndReasonManual)
	require.ErrorIs(t, err, errNetwork)

	require.NotNil(t, u.Session())
	assert.Equal(t, session.ID, u.Session().ID)
	assert.Equal(t, []string{"keep me"}, contents(u.Messages()))
}

func TestUserController_SendWithoutSession(t *testing.T) {
	f := newLifecycleFixture()
	u := f.user(t)
	_, err := u.SendMessage(context.Background(), SendParams{Content: "x"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestController_EventsFlowIntoState(t *testing.T) {
	f := newLifecycleFixture()
	u := f.user(t)

	session, err := u.StartSession(context.Background(), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return u.Status().Status == StatusConnected }, waitFor, tick)
	ch := f.conn.channel(0)

	ch.send(domain.NewMessageInsertedEvent(&domain.ChatMessage{
		ID: uuid.New(), SessionID: session.ID, SenderID: 100, Content: "hello from support", CreatedAt: f.clock.Now(),
	}))
	require.Eventually(t, func() bool { return len(u.Messages()) == 1 }, waitFor, tick)

	claimed := *session
	claimed.Status = domain.ChatSessionStatusActive
	ch.send(domain.NewSessionUpdatedEvent(&claimed))
	require.Eventually(t, func() bool { return u.Session().Status == domain.ChatSessionStatusActive }, waitFor, tick)
	assert.Empty(t, f.notices.list())
}

func TestController_TimeoutNotice(t *testing.T) {
	cases := []struct {
		reason domain.EndReason
		kind   NoticeKind
	}{
		{domain.EndReasonInactivityTimeout, NoticeTimedOut},
		{domain.EndReasonAutoTimeout, NoticeTimedOut},
		{domain.EndReasonManual, NoticeEnded},
	}

	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			f := newLifecycleFixture()
			u := f.user(t)

			session, err := u.StartSession(context.Background(), false)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return u.Status().Status == StatusConnected }, waitFor, tick)

			ended := *session
			ended.Status = domain.ChatSessionStatusEnded
			reason := tc.reason
			ended.EndReason = &reason
			f.conn.channel(0).send(domain.NewSessionUpdatedEvent(&ended))

			require.Eventually(t, func() bool { return len(f.notices.list()) == 1 }, waitFor, tick)
			n := f.notices.list()[0]
			assert.Equal(t, tc.kind, n.Kind)
			assert.Equal(t, session.ID, n.SessionID)
			assert.Equal(t, tc.reason, n.Reason)

			assert.Equal(t, domain.ChatSessionStatusEnded, u.Session().Status)
			assert.True(t, f.conn.channel(0).isClosed())
		})
	}
}

func TestSpecialistController_OpenClaimsWaiting(t *testing.T) {
	f := newLifecycleFixture()
	waiting := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusWaiting, StartedAt: f.clock.Now()})

	s := f.specialist(t)
	session, err := s.Open(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChatSessionStatusActive, session.Status)
	assert.Equal(t, []uuid.UUID{waiting.ID}, f.api.claimCalls())
}

func TestSpecialistController_LostClaimRace(t *testing.T) {
	f := newLifecycleFixture()
	waiting := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusWaiting, StartedAt: f.clock.Now()})
	f.api.claimFn = func(id uuid.UUID) (*domain.ChatSession, error) {
		other := int64(101)
		taken := *waiting
		taken.Status = domain.ChatSessionStatusActive
		taken.SpecialistID = &other
		return nil, domain.NewConflict(domain.ErrAlreadyClaimed, &taken)
	}

	s := f.specialist(t)
	_, err := s.Open(context.Background(), waiting.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	assert.Len(t, f.api.claimCalls(), 1)
	assert.Equal(t, []Notice{{Kind: NoticeAlreadyClaimed, SessionID: waiting.ID}}, f.notices.list())
	assert.Nil(t, s.Session())
	assert.Zero(t, f.conn.callCount())
}

func TestSpecialistController_OpenActiveDoesNotClaim(t *testing.T) {
	f := newLifecycleFixture()
	mine := specialistActor.UserID
	active := f.api.addSession(domain.ChatSession{UserID: 1, SpecialistID: &mine, Status: domain.ChatSessionStatusActive, StartedAt: f.clock.Now()})

	s := f.specialist(t)
	_, err := s.Open(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Empty(t, f.api.claimCalls())
}

func TestSpecialistController_SwitchingSessionsClosesOldTransport(t *testing.T) {
	f := newLifecycleFixture()
	mine := specialistActor.UserID
	first := f.api.addSession(domain.ChatSession{UserID: 1, SpecialistID: &mine, Status: domain.ChatSessionStatusActive, StartedAt: f.clock.Now()})
	second := f.api.addSession(domain.ChatSession{UserID: 2, SpecialistID: &mine, Status: domain.ChatSessionStatusActive, StartedAt: f.clock.Now()})

	s := f.specialist(t)
	_, err := s.Open(context.Background(), first.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.conn.channelCount() == 1 }, waitFor, tick)

	_, err = s.Open(context.Background(), second.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.conn.channelCount() == 2 }, waitFor, tick)

	assert.True(t, f.conn.channel(0).isClosed())
	assert.Equal(t, second.ID, s.Session().ID)

	// a late event of the first session never reaches the second
	f.conn.channel(0).send(textEvent(first.ID, "late"))
	assert.Empty(t, s.Messages())
}

func TestSpecialistController_WatchedSessionTakenByAnother(t *testing.T) {
	f := newLifecycleFixture()
	waiting := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusWaiting, StartedAt: f.clock.Now()})

	s := f.specialist(t)
	require.NoError(t, s.attach(context.Background(), waiting))
	require.Eventually(t, func() bool { return s.Status().Status == StatusConnected }, waitFor, tick)

	other := int64(101)
	taken := *waiting
	taken.Status = domain.ChatSessionStatusActive
	taken.SpecialistID = &other
	f.conn.channel(0).send(domain.NewSessionUpdatedEvent(&taken))

	require.Eventually(t, func() bool { return len(f.notices.list()) == 1 }, waitFor, tick)
	assert.Equal(t, Notice{Kind: NoticeAlreadyClaimed, SessionID: waiting.ID}, f.notices.list()[0])
	assert.True(t, f.conn.channel(0).isClosed())
	assert.Equal(t, 1, f.conn.callCount(), "no reconnect to a session held by someone else")
}

func TestSpecialistController_SendClaimsWaiting(t *testing.T) {
	f := newLifecycleFixture()
	waiting := f.api.addSession(domain.ChatSession{UserID: 1, Status: domain.ChatSessionStatusWaiting, StartedAt: f.clock.Now()})

	s := f.specialist(t)
	require.NoError(t, s.attach(context.Background(), waiting))

	_, err := s.SendMessage(context.Background(), SendParams{Content: "how can I help?"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{waiting.ID}, f.api.claimCalls())
	assert.Equal(t, domain.ChatSessionStatusActive, s.Session().Status)
	assert.Equal(t, []string{"how can I help?"}, contents(s.Messages()))
}

func TestController_OfflineBeforeAttach(t *testing.T) {
	f := newLifecycleFixture()
	u := f.user(t)
	u.SetOnline(false)

	_, err := u.StartSession(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, f.conn.callCount())

	u.SetOnline(true)
	require.Eventually(t, func() bool { return u.Status().Status == StatusConnected }, waitFor, tick)
}
