// Package session owns the lifecycle of paired messaging sessions.
//
// A Machine wraps one identity's transport connections with an explicit
// state machine:
//
//	Unpaired ──challenge──▶ PendingPairing ──opened──▶ Connected
//	    │                        │  ▲ challenge             │ closed(transient)
//	    └──────────opened────────┼──┼──────────────────▶    ▼
//	                             │  └──challenge── Reconnecting ◀─┐
//	                             │                  │  └──────────┘ closed(transient)
//	                             │                  └──opened──▶ Connected
//	PendingPairing ──closed(transient)──▶ Unpaired (challenge discarded, retry scheduled)
//	any ──closed(logged out)──▶ LoggedOut (terminal, credentials purged)
//
// Transitions of one machine are serialized; reads of the current state are
// lock-free. A Registry holds at most one live machine per identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/linkgate/pkg/bus"
	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/metrics"
	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/transport"
)

var (
	// ErrNotConnected is returned when sending through a session that is not Connected.
	ErrNotConnected = errors.New("session not connected")
	// ErrLoggedOut is returned by Open on a machine that reached LoggedOut.
	ErrLoggedOut = errors.New("session logged out")
	// ErrStopped is returned by operations on a stopped machine.
	ErrStopped = errors.New("session stopped")
)

const storeTimeout = 10 * time.Second

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual scheduler.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Options configures machines. Store and Dialer are required.
type Options struct {
	Store   store.CredentialStore
	Dialer  transport.Dialer
	Backoff BackoffConfig

	AfterFunc AfterFunc
	Now       func() time.Time
	// OnTransition, when set, is called under the machine lock for every
	// committed transition. It must not call back into the machine.
	OnTransition func(id string, from, to State)
}

func (o Options) withDefaults() Options {
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.AfterFunc == nil {
		o.AfterFunc = realAfterFunc
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Machine is the state machine of one session identity.
type Machine struct {
	id   string
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Pointer[State]

	mu         sync.Mutex // serializes transitions
	creds      store.Credentials
	conn       transport.Conn
	events     *bus.EventBus
	gen        uint64
	dialing    bool
	retry      Timer
	retryToken uint64
	failures   int
	stopped    bool

	credMu sync.Mutex // orders credential writes against the logout purge
	purged bool

	sendMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan State]struct{}

	persistErr atomic.Pointer[error]
}

// NewMachine builds a machine in Unpaired. creds are the credentials loaded
// for id (nil when none are stored); the machine never reads the store again.
func NewMachine(id string, creds store.Credentials, opts Options) *Machine {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		id:     id,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		creds:  slices.Clone(creds),
	}
	initial := unpairedState(opts.Now(), "")
	m.state.Store(&initial)
	return m
}

func (m *Machine) ID() string { return m.id }

// State returns the latest committed state without blocking.
func (m *Machine) State() State {
	return *m.state.Load()
}

// PendingChallenge returns the outstanding pairing challenge, if the session
// is waiting for one to be scanned.
func (m *Machine) PendingChallenge() (Challenge, bool) {
	st := m.state.Load()
	if st.Phase != PhasePendingPairing || st.Challenge == nil {
		return Challenge{}, false
	}
	return *st.Challenge, true
}

// HasCredentials reports whether the machine holds credentials to resume with.
func (m *Machine) HasCredentials() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds) > 0
}

// LastPersistenceError returns the most recent failed credential write or
// purge, or nil.
func (m *Machine) LastPersistenceError() error {
	if p := m.persistErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Subscribe returns a channel of committed states. A subscriber that falls
// behind misses updates; transitions never wait on it. cancel closes the
// channel.
func (m *Machine) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)
	m.subMu.Lock()
	if m.subs == nil {
		m.subs = make(map[chan State]struct{})
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Machine) notify(st State) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (m *Machine) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Finished reports whether the machine is stopped or logged out. It waits for
// any transition in progress, including a logout purge.
func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped || m.State().Phase == PhaseLoggedOut
}

// Open starts connecting. It is a no-op returning the current state while a
// connection is pending, pairing, connected or reconnecting.
func (m *Machine) Open(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.State()
	if m.stopped {
		return st, ErrStopped
	}
	switch st.Phase {
	case PhaseLoggedOut:
		return st, ErrLoggedOut
	case PhasePendingPairing, PhaseConnected, PhaseReconnecting:
		return st, nil
	}
	if m.dialing || m.conn != nil || m.retry != nil {
		return st, nil
	}
	m.startDialLocked()
	return st, nil
}

// Stop tears the machine down: cancels a pending reconnect, closes the live
// connection and ignores every later event or timer. Stop is idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.cancelRetryLocked()
	m.closeConnLocked()
	m.cancel()

	logger.DebugCF("session", "Session stopped", map[string]any{"id": m.id})
}

// Logout unlinks the device if the connection supports it, then applies the
// terminal logout transition.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.State().Phase == PhaseLoggedOut {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if lc, ok := conn.(transport.LogoutConn); ok {
		if err := lc.Logout(ctx); err != nil {
			logger.WarnCF("session", "Transport logout failed", map[string]any{
				"id":    m.id,
				"error": err.Error(),
			})
		}
	}

	m.mu.Lock()
	m.logoutLocked("logout requested")
	m.mu.Unlock()
	return nil
}

// SendText sends one message through the live connection. Sends are one at
// a time unless the connection declares concurrent-send support.
func (m *Machine) SendText(ctx context.Context, to, body string) error {
	if m.State().Phase != PhaseConnected {
		return ErrNotConnected
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if !transport.SupportsConcurrentSends(conn) {
		m.sendMu.Lock()
		defer m.sendMu.Unlock()
	}
	return conn.SendText(ctx, to, body)
}

func (m *Machine) startDialLocked() {
	m.gen++
	gen := m.gen
	m.dialing = true
	eb := bus.NewEventBus()
	m.events = eb
	creds := slices.Clone(m.creds)

	logger.DebugCF("session", "Dialing transport", map[string]any{
		"id":          m.id,
		"generation":  gen,
		"credentials": len(creds) > 0,
	})

	go m.dial(gen, eb, creds)
}

func (m *Machine) dial(gen uint64, eb *bus.EventBus, creds store.Credentials) {
	conn, err := m.opts.Dialer.Dial(m.ctx, m.id, creds, eb)

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		eb.Close()
		return
	}
	m.dialing = false
	if err != nil {
		m.events = nil
		m.transientLocked(fmt.Sprintf("dial: %v", err))
		m.mu.Unlock()
		eb.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	m.loop(gen, eb)
}

// loop consumes one connection's events in order until the connection closes
// or is superseded.
func (m *Machine) loop(gen uint64, eb *bus.EventBus) {
	for {
		ev, ok := eb.Consume(m.ctx)
		if !ok {
			return
		}
		m.handle(gen, ev)
		if ev.Kind == bus.EventClosed {
			return
		}
	}
}

func (m *Machine) handle(gen uint64, ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("session", "Panic while handling transport event", map[string]any{
				"id":    m.id,
				"event": string(ev.Kind),
				"panic": fmt.Sprint(r),
			})
		}
	}()

	if ev.Kind == bus.EventCredentials {
		m.persist(gen, store.Credentials(ev.Credentials))
		return
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.applyLocked(ev)
	m.mu.Unlock()
}

// applyLocked performs the transition for ev.
func (m *Machine) applyLocked(ev bus.Event) {
	cur := m.State()
	now := m.opts.Now()

	switch ev.Kind {
	case bus.EventChallenge:
		switch cur.Phase {
		case PhaseUnpaired, PhasePendingPairing, PhaseReconnecting:
			m.setLocked(pendingState(now, Challenge{Code: ev.Challenge, IssuedAt: now}))
		default:
			logger.WarnCF("session", "Ignoring pairing challenge", map[string]any{
				"id":    m.id,
				"phase": string(cur.Phase),
			})
		}

	case bus.EventOpened:
		switch cur.Phase {
		case PhaseUnpaired, PhasePendingPairing, PhaseReconnecting:
			m.failures = 0
			m.setLocked(connectedState(now))
		}

	case bus.EventClosed:
		if transport.IsLoggedOut(ev) {
			m.logoutLocked(closeReason(ev))
			return
		}
		m.closeConnLocked()
		m.transientLocked(closeReason(ev))
	}
}

// transientLocked handles a transient close or a failed dial and schedules
// the next attempt.
func (m *Machine) transientLocked(reason string) {
	cur := m.State()
	now := m.opts.Now()

	switch cur.Phase {
	case PhaseConnected:
		m.setLocked(reconnectingState(now, 1, reason))
	case PhaseReconnecting:
		m.setLocked(reconnectingState(now, cur.Attempt+1, reason))
	case PhasePendingPairing:
		m.setLocked(unpairedState(now, reason))
	case PhaseUnpaired:
		// Still unpaired; keep the reason visible to pollers.
		next := unpairedState(cur.Since, reason)
		m.state.Store(&next)
	case PhaseLoggedOut:
		return
	}

	logger.InfoCF("session", "Transport closed, will retry", map[string]any{
		"id":     m.id,
		"reason": reason,
	})
	m.scheduleRetryLocked()
}

// logoutLocked purges the stored credentials and then moves to LoggedOut.
// The purge completes before the phase is published, so anyone who observes
// LoggedOut also observes an empty store for this identity.
func (m *Machine) logoutLocked(reason string) {
	if m.State().Phase == PhaseLoggedOut {
		return
	}
	m.cancelRetryLocked()
	m.closeConnLocked()
	m.creds = nil
	m.purgeCredentials()
	m.setLocked(loggedOutState(m.opts.Now(), reason))

	logger.InfoCF("session", "Session logged out", map[string]any{
		"id":     m.id,
		"reason": reason,
	})
}

func (m *Machine) scheduleRetryLocked() {
	if m.retry != nil || m.stopped {
		return
	}
	m.failures++
	delay := NextDelay(m.opts.Backoff, m.failures)
	m.retryToken++
	token := m.retryToken
	m.retry = m.opts.AfterFunc(delay, func() { m.fireRetry(token) })
	metrics.RecordReconnectAttempt()

	logger.DebugCF("session", "Reconnect scheduled", map[string]any{
		"id":      m.id,
		"delay":   delay.String(),
		"attempt": m.failures,
	})
}

func (m *Machine) fireRetry(token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || token != m.retryToken || m.retry == nil {
		return
	}
	m.retry = nil
	if m.State().Phase == PhaseLoggedOut || m.dialing || m.conn != nil {
		return
	}
	m.startDialLocked()
}

func (m *Machine) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryToken++
}

// closeConnLocked drops the live connection and its event stream. Bumping
// the generation makes any late event from it a no-op.
func (m *Machine) closeConnLocked() {
	m.gen++
	m.dialing = false
	if m.events != nil {
		m.events.Close()
		m.events = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() { _ = conn.Close() }()
	}
}

func (m *Machine) setLocked(next State) {
	prev := m.State()
	if !LegalTransition(prev.Phase, next.Phase) {
		logger.ErrorCF("session", "Refusing illegal transition", map[string]any{
			"id":   m.id,
			"from": string(prev.Phase),
			"to":   string(next.Phase),
		})
		return
	}
	m.state.Store(&next)
	metrics.RecordTransition(string(prev.Phase), string(next.Phase))
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(m.id, prev, next)
	}
	m.notify(next)

	fields := map[string]any{
		"id":   m.id,
		"from": string(prev.Phase),
		"to":   string(next.Phase),
	}
	if next.Attempt > 0 {
		fields["attempt"] = next.Attempt
	}
	if next.Reason != "" {
		fields["reason"] = next.Reason
	}
	logger.InfoCF("session", "State changed", fields)
}

// persist writes a credential update before the next event is handled. A
// failure is logged and counted but leaves the connection up.
func (m *Machine) persist(gen uint64, creds store.Credentials) {
	if len(creds) == 0 {
		return
	}
	m.mu.Lock()
	if m.stopped || gen != m.gen || m.State().Phase == PhaseLoggedOut {
		m.mu.Unlock()
		return
	}
	m.creds = slices.Clone(creds)
	m.mu.Unlock()

	m.credMu.Lock()
	defer m.credMu.Unlock()
	if m.purged {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), storeTimeout)
	defer cancel()
	if err := m.opts.Store.Save(ctx, m.id, creds); err != nil {
		m.recordPersistFailure("Credential save failed", err)
		metrics.RecordCredentialSaveFailure()
		return
	}
	logger.DebugCF("session", "Credentials saved", map[string]any{"id": m.id, "bytes": len(creds)})
}

// purgeCredentials runs with m.mu held. persist never takes m.mu while
// holding credMu, so the lock order is always mu then credMu.
func (m *Machine) purgeCredentials() {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.purged = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), storeTimeout)
	defer cancel()
	if err := m.opts.Store.Purge(ctx, m.id); err != nil {
		m.recordPersistFailure("Credential purge failed", err)
	}
}

func (m *Machine) recordPersistFailure(msg string, err error) {
	m.persistErr.Store(&err)
	logger.ErrorCF("session", msg, map[string]any{
		"id":    m.id,
		"error": err.Error(),
	})
}

func closeReason(ev bus.Event) string {
	switch {
	case ev.Reason != "" && ev.Code != 0:
		return fmt.Sprintf("%s (code %d)", ev.Reason, ev.Code)
	case ev.Reason != "":
		return ev.Reason
	case ev.Code != 0:
		return fmt.Sprintf("code %d", ev.Code)
	default:
		return "connection closed"
	}
}
