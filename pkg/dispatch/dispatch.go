// Package dispatch fans one text message out to many recipients through a
// connected session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/metrics"
	"github.com/tinyland-inc/linkgate/pkg/session"
	"github.com/tinyland-inc/linkgate/pkg/transport"
)

const (
	DefaultMaxRecipients = 50
	DefaultConcurrency   = 4
)

var (
	// ErrNotConnected is returned when the session cannot send right now.
	ErrNotConnected = session.ErrNotConnected
	// ErrInvalidRequest is the sentinel every *InvalidRequestError wraps.
	ErrInvalidRequest = errors.New("invalid dispatch request")
)

// InvalidRequestError explains why a request was rejected before any send.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Reason }

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

func invalid(format string, args ...any) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

// Sender is the slice of a session that dispatch needs.
type Sender interface {
	ID() string
	State() session.State
	SendText(ctx context.Context, to, body string) error
}

type Request struct {
	Recipients []string `json:"numbers"`
	Body       string   `json:"message"`
}

// Status values keep the wire format existing /send clients parse.
type Status string

const (
	StatusSent   Status = "success"
	StatusFailed Status = "error"
)

// Entry is the outcome for one recipient, in request order.
type Entry struct {
	Recipient string `json:"number"`
	Address   string `json:"address,omitempty"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

type Result struct {
	RequestID string  `json:"request_id"`
	Entries   []Entry `json:"results"`
}

// Sent counts the recipients that were delivered to the transport.
func (r Result) Sent() int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == StatusSent {
			n++
		}
	}
	return n
}

func (r Result) Failed() int { return len(r.Entries) - r.Sent() }

type Config struct {
	MaxRecipients int
	Concurrency   int
	DefaultDomain string
	// SendTimeout bounds each individual send; zero means no extra bound.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DefaultDomain == "" {
		c.DefaultDomain = transport.DefaultDomain
	}
	return c
}

type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	return &Service{cfg: cfg.withDefaults()}
}

func (s *Service) MaxRecipients() int { return s.cfg.MaxRecipients }

// Dispatch sends req.Body to every recipient through sender. Validation and
// connectivity failures reject the whole request before anything is sent;
// after that, each recipient's failure is reported in its own Entry and never
// affects the others.
func (s *Service) Dispatch(ctx context.Context, sender Sender, req Request) (Result, error) {
	if sender.State().Phase != session.PhaseConnected {
		return Result{}, ErrNotConnected
	}
	if err := s.validate(req); err != nil {
		return Result{}, err
	}

	start := time.Now()
	res := Result{
		RequestID: uuid.NewString(),
		Entries:   make([]Entry, len(req.Recipients)),
	}

	logger.InfoCF("dispatch", "Dispatching message", map[string]any{
		"request_id": res.RequestID,
		"session":    sender.ID(),
		"recipients": len(req.Recipients),
	})

	// Workers never return an error, so one failure cannot cancel the rest.
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, raw := range req.Recipients {
		g.Go(func() error {
			res.Entries[i] = s.sendOne(ctx, sender, raw, req.Body)
			return nil
		})
	}
	_ = g.Wait()

	sent, failed := res.Sent(), res.Failed()
	metrics.RecordDispatch(sent, failed, time.Since(start))
	logger.InfoCF("dispatch", "Dispatch finished", map[string]any{
		"request_id": res.RequestID,
		"session":    sender.ID(),
		"sent":       sent,
		"failed":     failed,
		"elapsed":    time.Since(start).String(),
	})
	return res, nil
}

func (s *Service) sendOne(ctx context.Context, sender Sender, raw, body string) (entry Entry) {
	entry.Recipient = raw
	defer func() {
		if r := recover(); r != nil {
			entry.Status = StatusFailed
			entry.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	addr, err := transport.NormalizeAddress(raw, s.cfg.DefaultDomain)
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
		return entry
	}
	entry.Address = addr

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	if err := sender.SendText(ctx, addr, body); err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
		logger.WarnCF("dispatch", "Recipient send failed", map[string]any{
			"session": sender.ID(),
			"address": addr,
			"error":   err.Error(),
		})
		return entry
	}
	entry.Status = StatusSent
	return entry
}

func (s *Service) validate(req Request) error {
	switch n := len(req.Recipients); {
	case n == 0:
		return invalid("at least one recipient is required")
	case n > s.cfg.MaxRecipients:
		return invalid("%d recipients exceeds the limit of %d", n, s.cfg.MaxRecipients)
	}
	if strings.TrimSpace(req.Body) == "" {
		return invalid("message body is empty")
	}
	for i, r := range req.Recipients {
		if strings.TrimSpace(r) == "" {
			return invalid("recipient %d is blank", i)
		}
	}
	return nil
}
