// Package transporttest provides a scripted in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/linkgate/pkg/bus"
	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/transport"
)

// Sent records one successful SendText call.
type Sent struct {
	To   string
	Body string
}

// Dialer hands out Conns and records every dial.
type Dialer struct {
	// OnDial, when set, runs in its own goroutine after each successful dial,
	// e.g. to emit a challenge or open the connection.
	OnDial func(c *Conn)
	// Concurrent marks dialed connections as tolerating concurrent sends.
	Concurrent bool

	mu       sync.Mutex
	dialErrs []error
	conns    []*Conn
	dialed   chan *Conn
	dials    atomic.Int32
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// FailNextDials makes the next len(errs) dials return those errors in order.
func (d *Dialer) FailNextDials(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, errs...)
}

func (d *Dialer) Dial(_ context.Context, id string, creds store.Credentials, events *bus.EventBus) (transport.Conn, error) {
	d.dials.Add(1)

	d.mu.Lock()
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		ID:         id,
		Creds:      append(store.Credentials(nil), creds...),
		events:     events,
		failures:   make(map[string]error),
		concurrent: d.Concurrent,
	}
	d.conns = append(d.conns, c)
	onDial := d.OnDial
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	if onDial != nil {
		go onDial(c)
	}
	return c, nil
}

// Dials returns how many times Dial was called, including failed dials.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Conns returns every successfully dialed connection, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// WaitConn returns the next dialed connection or an error after timeout.
func (d *Dialer) WaitConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-d.dialed:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("transporttest: timed out waiting for dial")
	}
}

// Conn is a fake connection. Tests drive its lifecycle with Emit and friends.
type Conn struct {
	ID    string
	Creds store.Credentials

	events     *bus.EventBus
	concurrent bool

	mu          sync.Mutex
	sent        []Sent
	failures    map[string]error
	delays      map[string]time.Duration
	closed      bool
	loggedOut   bool
	inflight    int
	maxInflight int
}

// Emit publishes ev as if the network produced it.
func (c *Conn) Emit(ev bus.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.events.Publish(ctx, ev)
}

func (c *Conn) Challenge(code string) error { return c.Emit(bus.Challenge(code)) }
func (c *Conn) Open() error                 { return c.Emit(bus.Opened()) }
func (c *Conn) UpdateCreds(b string) error  { return c.Emit(bus.Credentials([]byte(b))) }

// Drop closes the connection from the network side with code.
func (c *Conn) Drop(code int, reason string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Emit(bus.Closed(code, reason))
}

// FailFor makes every send to address return err.
func (c *Conn) FailFor(address string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[address] = err
}

// DelayFor makes sends to address take d before completing.
func (c *Conn) DelayFor(address string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delays == nil {
		c.delays = make(map[string]time.Duration)
	}
	c.delays[address] = d
}

func (c *Conn) SendText(ctx context.Context, to, body string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnClosed
	}
	if err, ok := c.failures[to]; ok {
		c.mu.Unlock()
		return err
	}
	delay := c.delays[to]
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, Sent{To: to, Body: body})
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("logout: %w", transport.ErrConnClosed)
	}
	c.loggedOut = true
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) ConcurrentSends() bool { return c.concurrent }

// Sent returns the successful sends in completion order.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// MaxInflight is the highest number of concurrent SendText calls observed.
func (c *Conn) MaxInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

var (
	_ transport.Dialer           = (*Dialer)(nil)
	_ transport.Conn             = (*Conn)(nil)
	_ transport.LogoutConn       = (*Conn)(nil)
	_ transport.ConcurrentSender = (*Conn)(nil)
)
