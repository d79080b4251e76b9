package workerpool_test

import (
	"runtime"
	"sync"
	"testing"
	"time"

	wp "github.com/azargarov/ldgate/workerpool"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

// gate is a task that blocks its worker until released.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Run() {
	close(g.started)
	<-g.release
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) String() string { return "gate" }

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(time.Second):
		t.Fatal("gate task did not start")
	}
}

// recorder appends its name to a shared log when run.
type recorder struct {
	name string
	prio int
	mu   *sync.Mutex
	log  *[]string
}

func (r *recorder) Run() {
	r.mu.Lock()
	*r.log = append(*r.log, r.name)
	r.mu.Unlock()
}

func (r *recorder) String() string { return r.name }

// rejectable records the error it was rejected with.
type rejectable struct {
	mu  sync.Mutex
	err error
}

func (r *rejectable) Run() {}

func (r *rejectable) Reject(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *rejectable) rejected() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func byPrio(a, b wp.Task) bool {
	ra, aok := a.(*recorder)
	rb, bok := b.(*recorder)
	if !aok || !bok {
		return false
	}
	return ra.prio > rb.prio
}

func newSinglePool(t *testing.T, opts wp.Options) (*wp.Pool, *gate) {
	t.Helper()
	opts.CoreSize = 1
	if opts.MaxSize == 0 {
		opts.MaxSize = 1
	}
	p := wp.NewPool(t.Name(), opts)
	g := newGate()
	if err := p.Submit(g); err != nil {
		t.Fatalf("submit gate: %v", err)
	}
	g.waitStarted(t)
	t.Cleanup(func() {
		g.open()
		p.ShutdownNow()
	})
	return p, g
}
