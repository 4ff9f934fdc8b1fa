// Package bridge implements transport.Dialer against an external protocol
// bridge process over a websocket. One websocket carries one session
// connection: the bridge does the messaging network's handshake and reports
// challenges, credentials and closes as JSON frames.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/linkgate/pkg/bus"
	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendTimeout      = 30 * time.Second
	defaultPingInterval     = 30 * time.Second
	writeWait               = 10 * time.Second
	publishWait             = 5 * time.Second
)

// ErrSendFailed wraps a failure the bridge reported for one send.
var ErrSendFailed = errors.New("bridge send failed")

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	PingInterval     time.Duration
	// LoggedOutCode is the close code the bridge uses for an unlinked device.
	LoggedOutCode int
	// ConcurrentSends declares that the bridge accepts overlapping sends.
	ConcurrentSends bool
	Header          http.Header
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithWebsocketDialer overrides the websocket dialer (TLS config, proxies).
func WithWebsocketDialer(ws *websocket.Dialer) Option {
	return func(d *Dialer) { d.ws = ws }
}

type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
}

func NewDialer(cfg Config, opts ...Option) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.LoggedOutCode == 0 {
		cfg.LoggedOutCode = transport.CodeLoggedOut
	}
	d := &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, id string, creds store.Credentials, events *bus.EventBus) (transport.Conn, error) {
	ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing bridge %s: %w", d.cfg.URL, err)
	}

	c := &Conn{
		id:      id,
		cfg:     d.cfg,
		ws:      ws,
		events:  events,
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	if err := c.write(frame{Type: frameOpen, Session: id, Creds: creds}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("opening session on bridge: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()

	logger.DebugCF("bridge", "Bridge connection established", map[string]any{
		"id":  id,
		"url": d.cfg.URL,
	})
	return c, nil
}

// Conn is one session's websocket to the bridge.
type Conn struct {
	id     string
	cfg    Config
	ws     *websocket.Conn
	events *bus.EventBus

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	eventOnce sync.Once
}

func (c *Conn) SendText(ctx context.Context, to, body string) error {
	id := uuid.NewString()
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnClosed
	}
	c.pending[id] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Type: frameSend, ID: id, To: to, Text: body}); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("send to %s: no ack after %s", to, c.cfg.SendTimeout)
	case <-c.done:
		return transport.ErrConnClosed
	}
}

// Logout asks the bridge to unlink the device. The bridge confirms with a
// close frame carrying the logged-out code.
func (c *Conn) Logout(_ context.Context) error {
	return c.write(frame{Type: frameLogout})
}

func (c *Conn) ConcurrentSends() bool { return c.cfg.ConcurrentSends }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return transport.ErrConnClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.publishClosed(c.closeFromError(err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.WarnCF("bridge", "Dropping malformed frame", map[string]any{
				"id":    c.id,
				"error": err.Error(),
			})
			continue
		}

		switch f.Type {
		case frameQR:
			c.publish(bus.Challenge(f.QR))
		case frameOpen:
			c.publish(bus.Opened())
		case frameCreds:
			if len(f.Creds) > 0 {
				c.publish(bus.Credentials(f.Creds))
			}
		case frameAck:
			c.resolve(f.ID, f.Error)
		case frameClose:
			c.publishClosed(bus.Closed(c.mapCode(f.Code), f.Reason))
			return
		default:
			logger.DebugCF("bridge", "Ignoring unknown frame", map[string]any{
				"id":   c.id,
				"type": f.Type,
			})
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) resolve(id, errText string) {
	c.mu.Lock()
	ack, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	var err error
	if errText != "" {
		err = fmt.Errorf("%w: %s", ErrSendFailed, errText)
	}
	select {
	case ack <- err:
	default:
	}
}

func (c *Conn) publish(ev bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishWait)
	defer cancel()
	if err := c.events.Publish(ctx, ev); err != nil && !errors.Is(err, bus.ErrBusClosed) {
		logger.WarnCF("bridge", "Event not delivered", map[string]any{
			"id":    c.id,
			"event": string(ev.Kind),
			"error": err.Error(),
		})
	}
}

// publishClosed reports the end of the connection exactly once. A close we
// initiated ourselves is not reported; the session already moved on.
func (c *Conn) publishClosed(ev bus.Event) {
	c.eventOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}
		logger.InfoCF("bridge", "Bridge connection closed", map[string]any{
			"id":     c.id,
			"code":   ev.Code,
			"reason": ev.Reason,
		})
		c.publish(ev)
	})
}

func (c *Conn) mapCode(code int) int {
	switch {
	case code == c.cfg.LoggedOutCode:
		return transport.CodeLoggedOut
	case code == transport.CodeLoggedOut:
		// The bridge uses another code for logout; don't mistake this for one.
		return transport.CodeConnectionClosed
	case code == 0:
		return transport.CodeConnectionClosed
	default:
		return code
	}
}

func (c *Conn) closeFromError(err error) bus.Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return bus.Closed(c.mapCode(ce.Code), ce.Text)
	}
	return bus.Closed(transport.CodeConnectionLost, err.Error())
}

var (
	_ transport.Dialer           = (*Dialer)(nil)
	_ transport.Conn             = (*Conn)(nil)
	_ transport.LogoutConn       = (*Conn)(nil)
	_ transport.ConcurrentSender = (*Conn)(nil)
)
