package workerpool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Resizable is what an Escalator needs from the pool it decorates.
type Resizable interface {
	Submit(t Task) error
	CoreSize() int
	MaxSize() int
	SetCoreSize(n int) error
	QueueDepth() int
	Head() (uint64, bool)
}

// Escalator breaks apparent worker starvation.
//
// Workers blocked on storage or upstream calls can make a pool look
// deadlocked: the queue stops moving although nothing is wrong with the
// tasks themselves. After each submission the escalator makes sure a
// probe is watching the queue head. When two consecutive probes see the
// same head, nothing was dequeued in between and the core size grows by
// one. Growth never passes MaxSize. A false positive costs one idle
// worker.
type Escalator struct {
	pool     Resizable
	sched    ProbeScheduler
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	stop   func()
	marker uint64
	marked bool

	escalations atomic.Uint64
}

// NewEscalator decorates pool. interval <= 0 selects DefaultProbeInterval.
func NewEscalator(pool Resizable, sched ProbeScheduler, interval time.Duration, log *zap.Logger) *Escalator {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Escalator{pool: pool, sched: sched, interval: interval, log: log}
}

// Submit forwards t to the pool and starts a probe if the queue could
// be stalled.
func (e *Escalator) Submit(t Task) error {
	if err := e.pool.Submit(t); err != nil {
		return err
	}
	e.watch()
	return nil
}

func (e *Escalator) watch() {
	if e.pool.CoreSize() >= e.pool.MaxSize() || e.pool.QueueDepth() == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	e.marked = false
	e.stop = e.sched.Every(e.interval, e.tick)
}

// tick is one probe. It returns false to cancel the probe.
func (e *Escalator) tick() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	head, ok := e.pool.Head()
	core, max := e.pool.CoreSize(), e.pool.MaxSize()
	if !ok || core >= max {
		e.stop = nil
		e.marked = false
		return false
	}
	if e.marked && head == e.marker {
		if err := e.pool.SetCoreSize(core + 1); err != nil {
			e.log.Warn("escalation failed", zap.Error(err))
			return true
		}
		e.escalations.Add(1)
		e.log.Warn("queue head did not move; growing core size",
			zap.Int("core", core+1),
			zap.Int("max", max),
			zap.Int("queued", e.pool.QueueDepth()),
		)
		return true
	}
	e.marker, e.marked = head, true
	return true
}

// Escalations returns how many times the core size was raised.
func (e *Escalator) Escalations() uint64 { return e.escalations.Load() }

// Close cancels a pending probe.
func (e *Escalator) Close() {
	e.mu.Lock()
	stop := e.stop
	e.stop = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// EscalatingPool is a Pool whose submissions go through an Escalator.
type EscalatingPool struct {
	*Pool
	esc *Escalator
}

// NewEscalatingPool wraps a new pool in an escalator probing on sched.
func NewEscalatingPool(name string, opts Options, sched ProbeScheduler) *EscalatingPool {
	opts.FillDefaults()
	p := NewPool(name, opts)
	return &EscalatingPool{
		Pool: p,
		esc:  NewEscalator(p, sched, opts.ProbeInterval, p.log),
	}
}

func (ep *EscalatingPool) Submit(t Task) error { return ep.esc.Submit(t) }

func (ep *EscalatingPool) Escalator() *Escalator { return ep.esc }

// ShutdownNow also cancels the escalator's probe.
func (ep *EscalatingPool) ShutdownNow() []Task {
	ep.esc.Close()
	return ep.Pool.ShutdownNow()
}

func (ep *EscalatingPool) Shutdown() {
	ep.esc.Close()
	ep.Pool.Shutdown()
}
