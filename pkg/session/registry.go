package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyland-inc/linkgate/pkg/logger"
	"github.com/tinyland-inc/linkgate/pkg/metrics"
	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/utils"
)

// ErrRegistryClosed is returned by GetOrCreate after Close.
var ErrRegistryClosed = errors.New("session registry closed")

// Info is a point-in-time view of one registered session.
type Info struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

type entry struct {
	ready chan struct{} // closed once m or err is set
	m     *Machine
	err   error
}

// Registry maps identities to their single live Machine.
type Registry struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the live machine for id, constructing and opening one
// if needed. Concurrent callers for the same id share one construction. A
// machine that reached LoggedOut or was stopped is replaced by a fresh one.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Machine, error) {
	if err := utils.ValidateSessionID(id); err != nil {
		return nil, err
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		e, ok := r.entries[id]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			r.entries[id] = e
			r.mu.Unlock()
			return r.build(ctx, id, e)
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			// The builder already removed the failed entry; try again.
			continue
		}
		if !e.m.Finished() {
			return e.m, nil
		}

		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		e.m.Stop()
		logger.InfoCF("session", "Replacing finished session", map[string]any{"id": id})
	}
}

func (r *Registry) build(ctx context.Context, id string, e *entry) (*Machine, error) {
	m, err := r.construct(ctx, id)

	r.mu.Lock()
	e.m, e.err = m, err
	if err != nil || r.closed {
		if r.entries[id] == e {
			delete(r.entries, id)
		}
	}
	closed := r.closed
	live := len(r.entries)
	r.mu.Unlock()
	close(e.ready)

	if err != nil {
		return nil, err
	}
	if closed {
		m.Stop()
		return nil, ErrRegistryClosed
	}
	metrics.SetLiveSessions(live)
	return m, nil
}

func (r *Registry) construct(ctx context.Context, id string) (*Machine, error) {
	creds, _, err := r.opts.Store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %s: %w", id, err)
	}
	m := NewMachine(id, creds, r.opts)
	if _, err := m.Open(ctx); err != nil {
		m.Stop()
		return nil, err
	}

	logger.InfoCF("session", "Session created", map[string]any{
		"id":          id,
		"credentials": len(creds) > 0,
	})
	return m, nil
}

// Get returns the machine for id without blocking. A machine still being
// constructed is reported as absent.
func (r *Registry) Get(id string) (*Machine, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.m, true
}

// Remove stops the machine for id and forgets it. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	live := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}

	<-e.ready
	if e.m != nil {
		e.m.Stop()
	}
	metrics.SetLiveSessions(live)
	logger.InfoCF("session", "Session removed", map[string]any{"id": id})
}

// List returns every constructed session sorted by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.m != nil {
				machines = append(machines, e.m)
			}
		default:
		}
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(machines))
	for _, m := range machines {
		out = append(out, Info{ID: m.ID(), State: m.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore creates a session for every identity the store holds credentials
// for. Stores that cannot enumerate identities restore nothing.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	lister, ok := r.opts.Store.(store.Lister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	var errs []error
	restored := 0
	for _, id := range ids {
		if _, err := r.GetOrCreate(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		restored++
	}
	if restored > 0 {
		logger.InfoCF("session", "Restored sessions", map[string]any{"count": restored})
	}
	return restored, errors.Join(errs...)
}

// Close stops every machine. Later GetOrCreate calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.m != nil {
			e.m.Stop()
		}
	}
	metrics.SetLiveSessions(0)
}
