package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// replaceTimeout bounds how long Register waits for a pool it replaces.
const replaceTimeout = time.Hour

// ErrRegistryClosed is returned when registering on a closed registry.
var ErrRegistryClosed = errors.New("workerpool: registry closed")

// Listener observes pool lifecycles. Each pool produces exactly one
// PoolStarted and at most one PoolTerminated per listener. Listeners are
// compared with == by RemoveListener, so use pointer implementations.
type Listener interface {
	PoolStarted(p *Pool)
	PoolTerminated(p *Pool)
}

type entry struct {
	pool *Pool
	live bool
}

// Registry owns the process's worker pools by name.
//
// Construct one at startup and pass it down; nothing in this package
// reaches for a global instance. The registry holds a strong reference
// to each pool until it terminates or is unregistered.
type Registry struct {
	log   *zap.Logger
	sched *Scheduler

	mu        sync.Mutex
	entries   map[string]*entry
	listeners []Listener
	closed    bool
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log,
		sched:   NewScheduler(),
		entries: make(map[string]*entry),
	}
}

// Scheduler returns the probe scheduler shared by escalating pools.
func (r *Registry) Scheduler() *Scheduler { return r.sched }

// Register adds p under its name. A pool already registered under that
// name is stopped first (ShutdownNow, then up to an hour of waiting), so
// a name is never bound to two live pools. If that wait is aborted the
// new pool is not registered.
func (r *Registry) Register(ctx context.Context, p *Pool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	prev := r.entries[p.Name()]
	r.mu.Unlock()

	if prev != nil && prev.pool != p {
		r.log.Warn("replacing registered pool", zap.String("pool", p.Name()))
		reject(prev.pool.ShutdownNow(), ErrPoolClosed)
		wctx, cancel := context.WithTimeout(ctx, replaceTimeout)
		err := prev.pool.AwaitTermination(wctx)
		cancel()
		if err != nil {
			return fmt.Errorf("workerpool: replacing %q: %w", p.Name(), err)
		}
		r.Cleanup()
	}

	r.mu.Lock()
	if cur := r.entries[p.Name()]; cur != nil {
		r.mu.Unlock()
		if cur.pool == p {
			return nil
		}
		return fmt.Errorf("workerpool: pool %q registered concurrently", p.Name())
	}
	r.entries[p.Name()] = &entry{pool: p, live: true}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	r.log.Info("pool registered", zap.String("pool", p.Name()))
	for _, l := range listeners {
		l.PoolStarted(p)
	}
	p.onTerminate(func(*Pool) { r.Cleanup() })
	return nil
}

// NewWorkerPool creates and registers a plain pool.
func (r *Registry) NewWorkerPool(ctx context.Context, name string, opts Options) (*Pool, error) {
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	p := NewPool(name, opts)
	if err := r.Register(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// NewEscalatingPool creates and registers a pool decorated with an
// Escalator that probes on the registry's shared scheduler.
func (r *Registry) NewEscalatingPool(ctx context.Context, name string, opts Options) (*EscalatingPool, error) {
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	ep := NewEscalatingPool(name, opts, r.sched)
	if err := r.Register(ctx, ep.Pool); err != nil {
		return nil, err
	}
	return ep, nil
}

// Unregister drops the named pool from the registry without stopping
// it. Listeners are told it terminated.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		e.live = false
	}
	r.mu.Unlock()
	if ok {
		r.Cleanup()
	}
	return ok
}

// Cleanup removes entries whose pool terminated or was unregistered,
// notifying listeners before each removal.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	var gone []*Pool
	for name, e := range r.entries {
		if !e.live || e.pool.IsTerminated() {
			gone = append(gone, e.pool)
			delete(r.entries, name)
		}
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, p := range gone {
		r.log.Info("pool removed from registry", zap.String("pool", p.Name()))
		for _, l := range listeners {
			l.PoolTerminated(p)
		}
	}
}

// AddListener subscribes l and immediately reports every live pool to
// it as started.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	live := r.livePoolsLocked()
	r.mu.Unlock()
	for _, p := range live {
		l.PoolStarted(p)
	}
}

func (r *Registry) RemoveListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Lookup returns the live pool registered under name.
func (r *Registry) Lookup(name string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || !e.live || e.pool.IsTerminated() {
		return nil, false
	}
	return e.pool, true
}

// Pools returns the live pools sorted by name.
func (r *Registry) Pools() []*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.livePoolsLocked()
}

func (r *Registry) livePoolsLocked() []*Pool {
	out := make([]*Pool, 0, len(r.entries))
	for _, e := range r.entries {
		if e.live && !e.pool.IsTerminated() {
			out = append(out, e.pool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close stops every pool, waits for them within ctx and stops the probe
// scheduler. Queued tasks are rejected with ErrPoolClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pools := r.livePoolsLocked()
	r.mu.Unlock()

	var err error
	for _, p := range pools {
		reject(p.ShutdownNow(), ErrPoolClosed)
	}
	for _, p := range pools {
		if werr := p.AwaitTermination(ctx); werr != nil {
			err = multierr.Append(err, fmt.Errorf("pool %q: %w", p.Name(), werr))
		}
	}
	r.sched.Stop()
	r.Cleanup()
	return err
}
