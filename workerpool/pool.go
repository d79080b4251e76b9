package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Submit once the pool is shut down.
	ErrPoolClosed = errors.New("workerpool: pool closed")

	// ErrQueueFull is returned by Submit when a bounded queue is full
	// and the pool already runs MaxSize workers.
	ErrQueueFull = errors.New("workerpool: queue is full")

	// ErrNilTask is returned when a nil Task is submitted.
	ErrNilTask = errors.New("workerpool: task is nil")

	// ErrInvalidSize is returned by resize operations that would break
	// 0 <= core <= max, max >= 1.
	ErrInvalidSize = errors.New("workerpool: invalid pool size")

	// ErrQueueCleared is passed to Rejecter tasks dropped by ClearQueue.
	ErrQueueCleared = errors.New("workerpool: queue cleared")
)

type poolState int

const (
	stateRunning poolState = iota
	stateShutdown
	stateStop
	stateTerminated
)

func (s poolState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateShutdown:
		return "shutdown"
	case stateStop:
		return "stopping"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type runningTask struct {
	task    Task
	started time.Time
}

// Pool is a managed, introspectable worker pool over a priority-ordered
// work queue.
//
// Workers are started lazily: a submission starts a new worker while
// fewer than CoreSize are alive, otherwise the task is queued. Workers
// above CoreSize exit after KeepAlive of idleness.
type Pool struct {
	name    string
	opts    Options
	log     *zap.Logger
	metrics AtomicMetrics

	mu          sync.Mutex
	queue       *taskQueue
	core        int
	max         int
	keepAlive   time.Duration
	coreTimeout bool
	workers     int
	idle        int
	largest     int
	nextID      int
	running     map[int]runningTask
	state       poolState
	wake        chan struct{}
	done        chan struct{}
	hooks       []func(*Pool)
}

// NewPool creates a pool. No worker is started until the first Submit.
func NewPool(name string, opts Options) *Pool {
	opts.FillDefaults()
	p := &Pool{
		name:        name,
		opts:        opts,
		log:         opts.Logger.With(zap.String("pool", name)),
		queue:       newTaskQueue(opts.Less),
		core:        opts.CoreSize,
		max:         opts.MaxSize,
		keepAlive:   opts.KeepAlive,
		coreTimeout: opts.AllowCoreTimeout,
		running:     make(map[int]runningTask),
		wake:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.log.Info("pool created",
		zap.Int("core", p.core),
		zap.Int("max", p.max),
		zap.Int("queue_capacity", opts.QueueCapacity),
	)
	return p
}

// Name returns the pool's registry name.
func (p *Pool) Name() string { return p.name }

// Submit schedules t for execution.
//
// It never blocks. A closed pool returns ErrPoolClosed and a full
// bounded queue returns ErrQueueFull; callers translate those into an
// overload answer instead of propagating them.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return ErrNilTask
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateRunning {
		p.metrics.IncRejected()
		return ErrPoolClosed
	}
	switch {
	case p.workers < p.core:
		p.startWorkerLocked(t)
	case p.opts.QueueCapacity > 0 && p.queue.len() >= p.opts.QueueCapacity:
		if p.workers >= p.max {
			p.metrics.IncRejected()
			return ErrQueueFull
		}
		p.startWorkerLocked(t)
	default:
		p.queue.push(t)
		if p.workers == 0 {
			p.startWorkerLocked(nil)
		} else {
			p.signalLocked()
		}
	}
	p.metrics.IncSubmitted()
	return nil
}

// startWorkerLocked starts a worker goroutine, optionally with a first
// task that bypasses the queue.
func (p *Pool) startWorkerLocked(first Task) {
	id := p.nextID
	p.nextID++
	p.workers++
	if p.workers > p.largest {
		p.largest = p.workers
	}
	if first != nil {
		p.running[id] = runningTask{task: first, started: time.Now()}
	}
	go p.worker(id, first)
}

// signalLocked wakes every idle worker.
func (p *Pool) signalLocked() {
	if p.idle == 0 {
		return
	}
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) worker(id int, first Task) {
	labels := pprof.Labels("pool", p.name, "worker", strconv.Itoa(id))
	pprof.Do(context.Background(), labels, func(context.Context) {
		if p.opts.PinWorkers {
			if err := pinWorker(id); err != nil {
				p.reportInternalError(fmt.Errorf("pin worker %d: %w", id, err))
			}
		}
		t := first
		if t == nil {
			t = p.take(id)
		}
		for t != nil {
			p.runTask(id, t)
			t = p.take(id)
		}
	})
}

func (p *Pool) runTask(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.reportPanic(t, r)
		}
		p.metrics.IncCompleted()
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
	}()
	t.Run()
}

// take blocks until a task is available for worker id, or returns nil
// when the worker should exit. A nil return has already accounted for
// the worker's retirement.
func (p *Pool) take(id int) Task {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	expired := false

	p.mu.Lock()
	for {
		if p.state < stateStop {
			if t, ok := p.queue.pop(); ok {
				p.running[id] = runningTask{task: t, started: time.Now()}
				p.mu.Unlock()
				return t
			}
		}
		timed := p.coreTimeout || p.workers > p.core
		if p.state != stateRunning || p.workers > p.max || (timed && expired) {
			p.workers--
			hooks := p.maybeTerminateLocked()
			p.mu.Unlock()
			runHooks(p, hooks)
			return nil
		}
		wake := p.wake
		keepAlive := p.keepAlive
		p.idle++
		p.mu.Unlock()

		if timed {
			if timer == nil {
				timer = time.NewTimer(keepAlive)
			}
			select {
			case <-wake:
			case <-timer.C:
				expired = true
			}
		} else {
			<-wake
		}

		p.mu.Lock()
		p.idle--
	}
}

// maybeTerminateLocked moves a shut down pool with no workers left to
// the terminated state and returns the termination hooks to run.
func (p *Pool) maybeTerminateLocked() []func(*Pool) {
	if p.state == stateRunning || p.state == stateTerminated || p.workers > 0 {
		return nil
	}
	if p.state == stateShutdown && p.queue.len() > 0 {
		return nil
	}
	p.state = stateTerminated
	close(p.done)
	hooks := p.hooks
	p.hooks = nil
	p.log.Info("pool terminated", zap.Uint64("completed", p.metrics.Completed()))
	return hooks
}

func runHooks(p *Pool, hooks []func(*Pool)) {
	for _, h := range hooks {
		h(p)
	}
}

// onTerminate registers fn to run once the pool terminates. If it
// already has, fn runs immediately.
func (p *Pool) onTerminate(fn func(*Pool)) {
	p.mu.Lock()
	if p.state == stateTerminated {
		p.mu.Unlock()
		fn(p)
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

// Shutdown stops accepting tasks. Queued tasks still run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.state == stateRunning {
		p.state = stateShutdown
		p.log.Info("pool shutting down", zap.Int("queued", p.queue.len()))
	}
	hooks := p.maybeTerminateLocked()
	p.signalLocked()
	p.mu.Unlock()
	runHooks(p, hooks)
}

// ShutdownNow stops accepting tasks and removes every queued task,
// returning them in queue order. Running tasks are not interrupted.
func (p *Pool) ShutdownNow() []Task {
	p.mu.Lock()
	if p.state < stateStop {
		p.state = stateStop
	}
	tasks := p.queue.drain()
	p.log.Info("pool stopping", zap.Int("unexecuted", len(tasks)), zap.Int("active", len(p.running)))
	hooks := p.maybeTerminateLocked()
	p.signalLocked()
	p.mu.Unlock()
	runHooks(p, hooks)
	return tasks
}

// AwaitTermination blocks until every worker has exited or ctx is done.
// An aborted wait returns ctx.Err() and leaves the pool untouched.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the pool has terminated.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != stateRunning
}

func (p *Pool) IsTerminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// SetCoreSize changes the number of workers kept alive.
//
// Growing never blocks: workers are started for already queued tasks.
// Shrinking only affects scheduling from now on; surplus workers exit
// once they have been idle for KeepAlive.
func (p *Pool) SetCoreSize(n int) error {
	p.mu.Lock()
	if n < 0 || n > p.max {
		max := p.max
		p.mu.Unlock()
		return fmt.Errorf("%w: core %d exceeds max %d", ErrInvalidSize, n, max)
	}
	old := p.core
	p.core = n
	p.adjustLocked()
	p.mu.Unlock()
	if old != n {
		p.log.Info("core size changed", zap.Int("from", old), zap.Int("to", n))
	}
	return nil
}

// SetMaxSize changes the worker ceiling. It may not go below CoreSize.
func (p *Pool) SetMaxSize(n int) error {
	p.mu.Lock()
	if n < 1 || n < p.core {
		core := p.core
		p.mu.Unlock()
		return fmt.Errorf("%w: max %d below core %d", ErrInvalidSize, n, core)
	}
	old := p.max
	p.max = n
	p.signalLocked()
	p.mu.Unlock()
	if old != n {
		p.log.Info("max size changed", zap.Int("from", old), zap.Int("to", n))
	}
	return nil
}

// Resize sets core and max together.
func (p *Pool) Resize(core, max int) error {
	if core < 0 || max < 1 || core > max {
		return fmt.Errorf("%w: core %d, max %d", ErrInvalidSize, core, max)
	}
	p.mu.Lock()
	oldCore, oldMax := p.core, p.max
	p.core, p.max = core, max
	p.adjustLocked()
	p.mu.Unlock()
	p.log.Info("pool resized",
		zap.Int("core_from", oldCore), zap.Int("core_to", core),
		zap.Int("max_from", oldMax), zap.Int("max_to", max),
	)
	return nil
}

// adjustLocked starts workers for queued tasks up to the core size and
// wakes idle workers so surplus ones start their keep-alive countdown.
func (p *Pool) adjustLocked() {
	if p.state == stateRunning {
		for k := min(p.core-p.workers, p.queue.len()); k > 0; k-- {
			p.startWorkerLocked(nil)
		}
	}
	p.signalLocked()
}

// SetKeepAlive changes the idle timeout of surplus workers.
func (p *Pool) SetKeepAlive(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("workerpool: keep-alive must be positive, got %s", d)
	}
	p.mu.Lock()
	p.keepAlive = d
	p.signalLocked()
	p.mu.Unlock()
	p.log.Info("keep-alive changed", zap.Duration("keep_alive", d))
	return nil
}

// AllowCoreTimeout applies the keep-alive to core workers too.
func (p *Pool) AllowCoreTimeout(allow bool) {
	p.mu.Lock()
	p.coreTimeout = allow
	p.signalLocked()
	p.mu.Unlock()
}

func (p *Pool) CoreSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core
}

func (p *Pool) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

func (p *Pool) KeepAlive() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keepAlive
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len()
}

// ActiveCount returns the number of tasks currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// PoolSize returns the number of live workers.
func (p *Pool) PoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *Pool) LargestPoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.largest
}

func (p *Pool) CompletedCount() uint64 { return p.metrics.Completed() }

// Head returns the sequence number of the next task to be dequeued.
func (p *Pool) Head() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.head()
}

// Queued lists waiting tasks. The order is unspecified.
func (p *Pool) Queued() []Queued {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.snapshot()
}

// Remove takes the task with sequence number seq out of the queue.
// It reports false if a worker already dequeued it.
func (p *Pool) Remove(seq uint64) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.remove(seq)
}

// DrainOne runs the next queued task on the calling goroutine.
func (p *Pool) DrainOne() bool {
	p.mu.Lock()
	t, ok := p.queue.pop()
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.runInline(t)
	return true
}

// DrainAll runs queued tasks on the calling goroutine until the queue
// is empty and returns how many ran.
func (p *Pool) DrainAll() int {
	n := 0
	for p.DrainOne() {
		n++
	}
	return n
}

func (p *Pool) runInline(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.reportPanic(t, r)
		}
		p.metrics.IncCompleted()
	}()
	t.Run()
}

// ClearQueue discards every queued task. Tasks implementing Rejecter
// are told why.
func (p *Pool) ClearQueue() int {
	p.mu.Lock()
	tasks := p.queue.drain()
	p.mu.Unlock()
	reject(tasks, ErrQueueCleared)
	if len(tasks) > 0 {
		p.log.Warn("queue cleared", zap.Int("discarded", len(tasks)))
	}
	return len(tasks)
}

// Stats returns a snapshot of the pool's sizes and counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}
