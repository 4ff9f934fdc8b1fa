package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/transport"
	"github.com/tinyland-inc/linkgate/pkg/transport/transporttest"
)

const waitFor = 2 * time.Second

// manualTimers is an AfterFunc that only fires when the test says so.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	owner   *manualTimers
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (mt *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	t := &manualTimer{owner: mt, d: d, f: f}
	mt.timers = append(mt.timers, t)
	return t
}

func (mt *manualTimers) Pending() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	n := 0
	for _, t := range mt.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Fire runs every pending timer, ignoring Stop the way a real timer that
// already fired would.
func (mt *manualTimers) Fire(includeStopped bool) int {
	mt.mu.Lock()
	var due []*manualTimer
	for _, t := range mt.timers {
		if t.fired || (t.stopped && !includeStopped) {
			continue
		}
		t.fired = true
		due = append(due, t)
	}
	mt.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// flakyStore fails saves while failSave is set and can hold purges open.
type flakyStore struct {
	*store.MemoryStore
	failSave atomic.Bool
	failLoad atomic.Bool

	mu           sync.Mutex
	purgeStarted chan struct{}
	purgeRelease chan struct{}
}

// holdPurges makes the next Purge signal started and block until release is
// called.
func (s *flakyStore) holdPurges() (started <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeStarted = make(chan struct{})
	s.purgeRelease = make(chan struct{})
	rel := s.purgeRelease
	var once sync.Once
	return s.purgeStarted, func() { once.Do(func() { close(rel) }) }
}

func (s *flakyStore) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	started, release := s.purgeStarted, s.purgeRelease
	s.purgeStarted, s.purgeRelease = nil, nil
	s.mu.Unlock()
	if started != nil {
		close(started)
		<-release
	}
	return s.MemoryStore.Purge(ctx, id)
}

func (s *flakyStore) Save(ctx context.Context, id string, creds store.Credentials) error {
	if s.failSave.Load() {
		return &store.PersistenceError{Op: "save", ID: id, Err: errors.New("disk full")}
	}
	return s.MemoryStore.Save(ctx, id, creds)
}

func (s *flakyStore) Load(ctx context.Context, id string) (store.Credentials, bool, error) {
	if s.failLoad.Load() {
		return nil, false, &store.PersistenceError{Op: "load", ID: id, Err: errors.New("io error")}
	}
	return s.MemoryStore.Load(ctx, id)
}

type harness struct {
	store  *flakyStore
	dialer *transporttest.Dialer
	timers *manualTimers

	mu    sync.Mutex
	edges [][2]State
}

func newHarness() *harness {
	return &harness{
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
		dialer: transporttest.NewDialer(),
		timers: &manualTimers{},
	}
}

func (h *harness) options() Options {
	return Options{
		Store:     h.store,
		Dialer:    h.dialer,
		AfterFunc: h.timers.AfterFunc,
		OnTransition: func(_ string, from, to State) {
			h.mu.Lock()
			h.edges = append(h.edges, [2]State{from, to})
			h.mu.Unlock()
		},
	}
}

func (h *harness) Edges() [][2]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][2]State(nil), h.edges...)
}

func (h *harness) machine(t *testing.T, id string) *Machine {
	t.Helper()
	creds, _, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	m := NewMachine(id, creds, h.options())
	t.Cleanup(m.Stop)
	return m
}

func (h *harness) open(t *testing.T, m *Machine) *transporttest.Conn {
	t.Helper()
	_, err := m.Open(context.Background())
	require.NoError(t, err)
	conn, err := h.dialer.WaitConn(waitFor)
	require.NoError(t, err)
	return conn
}

func waitPhase(t *testing.T, m *Machine, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Phase == want },
		waitFor, 5*time.Millisecond, "want phase %s, have %s", want, m.State().Phase)
}

func connect(t *testing.T, h *harness, m *Machine) *transporttest.Conn {
	t.Helper()
	conn := h.open(t, m)
	require.NoError(t, conn.Open())
	waitPhase(t, m, PhaseConnected)
	return conn
}

func TestMachine_StartsUnpaired(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")

	st := m.State()
	assert.Equal(t, PhaseUnpaired, st.Phase)
	assert.Nil(t, st.Challenge)
	_, ok := m.PendingChallenge()
	assert.False(t, ok)
	assert.Equal(t, 0, h.dialer.Dials())
}

func TestMachine_PairingFlow(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := h.open(t, m)

	require.NoError(t, conn.Challenge("qr-1"))
	waitPhase(t, m, PhasePendingPairing)
	ch, ok := m.PendingChallenge()
	require.True(t, ok)
	assert.Equal(t, "qr-1", ch.Code)

	require.NoError(t, conn.Open())
	waitPhase(t, m, PhaseConnected)
	_, ok = m.PendingChallenge()
	assert.False(t, ok, "challenge is cleared once connected")
	assert.Nil(t, m.State().Challenge)
}

func TestMachine_ChallengeFreshness(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := h.open(t, m)

	for _, code := range []string{"qr-1", "qr-2", "qr-3"} {
		require.NoError(t, conn.Challenge(code))
	}
	require.Eventually(t, func() bool {
		ch, ok := m.PendingChallenge()
		return ok && ch.Code == "qr-3"
	}, waitFor, 5*time.Millisecond)
}

func TestMachine_OpenIsIdempotent(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := h.open(t, m)

	for range 5 {
		_, err := m.Open(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, conn.Challenge("qr"))
	waitPhase(t, m, PhasePendingPairing)

	st, err := m.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhasePendingPairing, st.Phase)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestMachine_ResumesWithStoredCredentials(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.store.Save(context.Background(), "alice", store.Credentials(`{"k":1}`)))
	m := h.machine(t, "alice")
	assert.True(t, m.HasCredentials())

	conn := h.open(t, m)
	assert.Equal(t, `{"k":1}`, string(conn.Creds))

	require.NoError(t, conn.Open())
	waitPhase(t, m, PhaseConnected)
}

func TestMachine_TransientCloseReconnects(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)

	require.NoError(t, conn.Drop(transport.CodeConnectionLost, "timed out"))
	waitPhase(t, m, PhaseReconnecting)
	assert.Equal(t, 1, m.State().Attempt)
	assert.Contains(t, m.State().Reason, "timed out")
	assert.Equal(t, 1, h.timers.Pending())

	// Open while a retry is pending does not dial again.
	_, err := m.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.dialer.Dials())

	require.Equal(t, 1, h.timers.Fire(false))
	conn2, err := h.dialer.WaitConn(waitFor)
	require.NoError(t, err)
	assert.True(t, conn.IsClosed())

	require.NoError(t, conn2.Drop(transport.CodeRestartRequired, "restart"))
	require.Eventually(t, func() bool { return m.State().Attempt == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseReconnecting, m.State().Phase)
	assert.Equal(t, 1, h.timers.Pending())

	require.Equal(t, 1, h.timers.Fire(false))
	conn3, err := h.dialer.WaitConn(waitFor)
	require.NoError(t, err)
	require.NoError(t, conn3.Open())
	waitPhase(t, m, PhaseConnected)
	assert.Equal(t, 3, h.dialer.Dials())
}

func TestMachine_DialFailureRetries(t *testing.T) {
	h := newHarness()
	h.dialer.FailNextDials(errors.New("connection refused"))
	m := h.machine(t, "alice")

	_, err := m.Open(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.timers.Pending() == 1 }, waitFor, 5*time.Millisecond)

	st := m.State()
	assert.Equal(t, PhaseUnpaired, st.Phase)
	assert.Contains(t, st.Reason, "connection refused")

	h.timers.Fire(false)
	conn, err := h.dialer.WaitConn(waitFor)
	require.NoError(t, err)
	require.NoError(t, conn.Challenge("qr"))
	waitPhase(t, m, PhasePendingPairing)
	assert.Equal(t, 2, h.dialer.Dials())
}

func TestMachine_PendingCloseDiscardsChallenge(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := h.open(t, m)
	require.NoError(t, conn.Challenge("qr"))
	waitPhase(t, m, PhasePendingPairing)

	require.NoError(t, conn.Drop(transport.CodeConnectionClosed, "qr timeout"))
	waitPhase(t, m, PhaseUnpaired)
	_, ok := m.PendingChallenge()
	assert.False(t, ok)
	assert.Equal(t, 1, h.timers.Pending())
}

func TestMachine_LogoutCodePurgesCredentials(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", store.Credentials(`{"k":1}`)))
	m := h.machine(t, "alice")
	conn := connect(t, h, m)

	require.NoError(t, conn.Drop(transport.CodeLoggedOut, "device removed"))
	waitPhase(t, m, PhaseLoggedOut)

	// The purge is done by the time LoggedOut is visible.
	_, ok, err := h.store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, h.timers.Pending(), "no reconnect after logout")
	assert.False(t, m.HasCredentials())

	_, err = m.Open(ctx)
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestMachine_LoggedOutNotVisibleUntilPurged(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "alice", store.Credentials(`{"k":1}`)))
	m := h.machine(t, "alice")
	conn := connect(t, h, m)

	started, release := h.store.holdPurges()
	defer release()
	require.NoError(t, conn.Drop(transport.CodeLoggedOut, "device removed"))
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("purge never started")
	}

	assert.NotEqual(t, PhaseLoggedOut, m.State().Phase)
	finished := make(chan bool, 1)
	go func() { finished <- m.Finished() }()
	select {
	case <-finished:
		t.Fatal("Finished returned while the purge was still running")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	assert.True(t, <-finished)
	assert.Equal(t, PhaseLoggedOut, m.State().Phase)
	_, ok, err := h.store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMachine_LogoutDuringReconnectCancelsRetry(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)
	require.NoError(t, conn.Drop(transport.CodeUnavailable, "gone"))
	waitPhase(t, m, PhaseReconnecting)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, PhaseLoggedOut, m.State().Phase)
	assert.Equal(t, 0, h.timers.Pending())

	// A timer callback that raced the cancellation does nothing.
	h.timers.Fire(true)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestMachine_LogoutUnlinksDevice(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)
	require.NoError(t, conn.UpdateCreds(`{"k":2}`))
	require.Eventually(t, func() bool {
		_, ok, _ := h.store.Load(ctx, "alice")
		return ok
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Logout(ctx))
	assert.True(t, conn.LoggedOut())
	assert.Equal(t, PhaseLoggedOut, m.State().Phase)
	_, ok, err := h.store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent.
	require.NoError(t, m.Logout(ctx))
}

func TestMachine_CredentialUpdatesArePersisted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m := h.machine(t, "alice")
	conn := h.open(t, m)

	require.NoError(t, conn.UpdateCreds(`{"v":1}`))
	require.NoError(t, conn.UpdateCreds(`{"v":2}`))
	require.NoError(t, conn.Open())
	waitPhase(t, m, PhaseConnected)

	// Saves complete before the next event is handled.
	creds, ok, err := h.store.Load(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(creds))
	assert.NoError(t, m.LastPersistenceError())
}

func TestMachine_PersistenceFailureKeepsConnection(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)

	h.store.failSave.Store(true)
	require.NoError(t, conn.UpdateCreds(`{"v":1}`))
	require.Eventually(t, func() bool { return m.LastPersistenceError() != nil }, waitFor, 5*time.Millisecond)

	assert.True(t, store.IsPersistenceError(m.LastPersistenceError()))
	assert.Equal(t, PhaseConnected, m.State().Phase)
	assert.False(t, conn.IsClosed())
	require.NoError(t, m.SendText(context.Background(), "1@s.whatsapp.net", "still up"))
	assert.True(t, m.HasCredentials(), "in-memory credentials are kept")
}

func TestMachine_ChallengeWhileConnectedIsIgnored(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)

	require.NoError(t, conn.Challenge("stray"))
	require.NoError(t, conn.UpdateCreds(`{"v":1}`))
	require.Eventually(t, func() bool {
		_, ok, _ := h.store.Load(context.Background(), "alice")
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, PhaseConnected, m.State().Phase)
}

func TestMachine_StopCancelsEverything(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)
	require.NoError(t, conn.Drop(transport.CodeConnectionLost, "lost"))
	waitPhase(t, m, PhaseReconnecting)

	m.Stop()
	m.Stop()
	assert.True(t, m.Stopped())
	assert.Equal(t, 0, h.timers.Pending())

	h.timers.Fire(true)
	assert.Equal(t, 1, h.dialer.Dials(), "a timer firing after Stop does not dial")

	_, err := m.Open(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMachine_StaleEventsAreDropped(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	old := connect(t, h, m)
	require.NoError(t, old.Drop(transport.CodeConnectionLost, "lost"))
	waitPhase(t, m, PhaseReconnecting)

	h.timers.Fire(false)
	fresh, err := h.dialer.WaitConn(waitFor)
	require.NoError(t, err)

	// The superseded connection's bus is closed; nothing it says matters.
	assert.Error(t, old.Open())
	require.NoError(t, fresh.Challenge("qr"))
	waitPhase(t, m, PhasePendingPairing)
}

func TestMachine_SendText(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	ctx := context.Background()

	assert.ErrorIs(t, m.SendText(ctx, "1@s.whatsapp.net", "hi"), ErrNotConnected)

	conn := connect(t, h, m)
	require.NoError(t, m.SendText(ctx, "1@s.whatsapp.net", "hi"))
	assert.Equal(t, []transporttest.Sent{{To: "1@s.whatsapp.net", Body: "hi"}}, conn.Sent())
}

func TestMachine_SendsAreSerialized(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	conn := connect(t, h, m)
	conn.DelayFor("slow@s.whatsapp.net", 20*time.Millisecond)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.SendText(context.Background(), "slow@s.whatsapp.net", "x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, conn.MaxInflight())
	assert.Len(t, conn.Sent(), 4)
}

func TestMachine_OnlyLegalTransitions(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")

	conn := h.open(t, m)
	require.NoError(t, conn.Challenge("qr-1"))
	require.NoError(t, conn.Challenge("qr-2"))
	require.NoError(t, conn.Open())
	waitPhase(t, m, PhaseConnected)
	require.NoError(t, conn.Drop(transport.CodeConnectionLost, "lost"))
	waitPhase(t, m, PhaseReconnecting)

	h.timers.Fire(false)
	conn2, err := h.dialer.WaitConn(waitFor)
	require.NoError(t, err)
	require.NoError(t, conn2.Challenge("again"))
	waitPhase(t, m, PhasePendingPairing)
	require.NoError(t, conn2.Drop(transport.CodeLoggedOut, "removed"))
	waitPhase(t, m, PhaseLoggedOut)

	edges := h.Edges()
	require.NotEmpty(t, edges)
	for _, e := range edges {
		assert.True(t, LegalTransition(e[0].Phase, e[1].Phase), "%s -> %s", e[0].Phase, e[1].Phase)
		if e[1].Phase == PhasePendingPairing {
			assert.NotNil(t, e[1].Challenge)
		} else {
			assert.Nil(t, e[1].Challenge)
		}
	}
	assert.Equal(t, PhaseLoggedOut, edges[len(edges)-1][1].Phase)
}

func TestMachine_Subscribe(t *testing.T) {
	h := newHarness()
	m := h.machine(t, "alice")
	updates, cancel := m.Subscribe(8)
	defer cancel()

	conn := h.open(t, m)
	require.NoError(t, conn.Challenge("qr"))

	select {
	case st := <-updates:
		assert.Equal(t, PhasePendingPairing, st.Phase)
	case <-time.After(waitFor):
		t.Fatal("no state update")
	}

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestLegalTransition(t *testing.T) {
	assert.True(t, LegalTransition(PhaseUnpaired, PhasePendingPairing))
	assert.True(t, LegalTransition(PhaseConnected, PhaseReconnecting))
	assert.True(t, LegalTransition(PhaseReconnecting, PhaseReconnecting))
	assert.False(t, LegalTransition(PhaseConnected, PhasePendingPairing))
	assert.False(t, LegalTransition(PhaseUnpaired, PhaseReconnecting))
	for _, p := range []Phase{PhaseUnpaired, PhasePendingPairing, PhaseConnected, PhaseReconnecting, PhaseLoggedOut} {
		assert.False(t, LegalTransition(PhaseLoggedOut, p))
	}
}

func TestNextDelay(t *testing.T) {
	fixed := DefaultBackoff()
	assert.Equal(t, 5*time.Second, NextDelay(fixed, 1))
	assert.Equal(t, 5*time.Second, NextDelay(fixed, 10))

	exp := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, NextDelay(exp, 1))
	assert.Equal(t, 4*time.Second, NextDelay(exp, 3))
	assert.Equal(t, 5*time.Second, NextDelay(exp, 8))

	jit := BackoffConfig{InitialDelay: time.Second, Multiplier: 1, Jitter: true}
	for range 20 {
		d := NextDelay(jit, 1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}
