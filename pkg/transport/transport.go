// Package transport defines the capability linkgate needs from whatever
// actually speaks the messaging network's wire protocol.
//
// A Dialer opens one connection per attempt and reports lifecycle events on
// the EventBus it is given: pairing challenges, "opened", credential updates,
// and a final "closed" carrying a code. The session package owns the state
// machine; transports only report what happened.
package transport

import (
	"context"
	"errors"

	"github.com/tinyland-inc/linkgate/pkg/bus"
	"github.com/tinyland-inc/linkgate/pkg/store"
)

// CodeLoggedOut is the close code meaning the device was unlinked and the
// stored credentials are dead. Transports translate their native logout
// signal to this code.
const CodeLoggedOut = 401

// Transient close codes transports commonly report. Any code other than
// CodeLoggedOut is treated as transient.
const (
	CodeConnectionClosed   = 428
	CodeConnectionLost     = 408
	CodeConnectionReplaced = 440
	CodeRestartRequired    = 515
	CodeUnavailable        = 503
)

var (
	// ErrConnClosed is returned by SendText on a closed connection.
	ErrConnClosed = errors.New("transport connection closed")
	// ErrInvalidAddress is returned when a recipient cannot be normalized.
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Dialer opens transport connections for a session identity.
//
// Dial returns once the transport-level connection exists; authentication
// progress is reported asynchronously on events. After a successful Dial the
// transport must eventually publish a closed event if the connection ends on
// its own.
type Dialer interface {
	Dial(ctx context.Context, id string, creds store.Credentials, events *bus.EventBus) (Conn, error)
}

// Conn is one live transport connection.
type Conn interface {
	SendText(ctx context.Context, to, body string) error
	Close() error
}

// LogoutConn is implemented by connections that can unlink the device.
type LogoutConn interface {
	Logout(ctx context.Context) error
}

// ConcurrentSender is implemented by connections that tolerate concurrent
// SendText calls. Connections that don't implement it get one send at a time.
type ConcurrentSender interface {
	ConcurrentSends() bool
}

// IsLoggedOut classifies a closed event. It is the only place that decides
// between terminal logout and a transient drop.
func IsLoggedOut(ev bus.Event) bool {
	return ev.Kind == bus.EventClosed && ev.Code == CodeLoggedOut
}

// SupportsConcurrentSends reports whether c declared concurrent-send support.
func SupportsConcurrentSends(c Conn) bool {
	cs, ok := c.(ConcurrentSender)
	return ok && cs.ConcurrentSends()
}
