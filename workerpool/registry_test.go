package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	wp "github.com/azargarov/ldgate/workerpool"
)

type recordingListener struct {
	mu         sync.Mutex
	started    map[*wp.Pool]int
	terminated map[*wp.Pool]int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		started:    make(map[*wp.Pool]int),
		terminated: make(map[*wp.Pool]int),
	}
}

func (l *recordingListener) PoolStarted(p *wp.Pool) {
	l.mu.Lock()
	l.started[p]++
	l.mu.Unlock()
}

func (l *recordingListener) PoolTerminated(p *wp.Pool) {
	l.mu.Lock()
	l.terminated[p]++
	l.mu.Unlock()
}

func (l *recordingListener) counts(p *wp.Pool) (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started[p], l.terminated[p]
}

func TestRegistryReplacesPoolByName(t *testing.T) {
	ctx := context.Background()
	reg := wp.NewRegistry(nil)
	defer reg.Close(ctx)

	lst := newRecordingListener()
	reg.AddListener(lst)

	first, err := reg.NewWorkerPool(ctx, "triage", wp.Options{CoreSize: 1})
	if err != nil {
		t.Fatalf("first pool: %v", err)
	}
	g := newGate()
	_ = first.Submit(g)
	g.waitStarted(t)
	queued := &rejectable{}
	_ = first.Submit(queued)

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.open()
	}()

	second, err := reg.NewWorkerPool(ctx, "triage", wp.Options{CoreSize: 1})
	if err != nil {
		t.Fatalf("second pool: %v", err)
	}
	if !first.IsTerminated() {
		t.Fatal("replaced pool not terminated")
	}
	if !errors.Is(queued.rejected(), wp.ErrPoolClosed) {
		t.Fatalf("queued task of replaced pool: got %v", queued.rejected())
	}
	if got, ok := reg.Lookup("triage"); !ok || got != second {
		t.Fatal("lookup does not return the replacement")
	}
	if s, term := lst.counts(first); s != 1 || term != 1 {
		t.Fatalf("first pool events: started=%d terminated=%d", s, term)
	}
	if s, term := lst.counts(second); s != 1 || term != 0 {
		t.Fatalf("second pool events: started=%d terminated=%d", s, term)
	}
}

func TestRegistryListenerReplay(t *testing.T) {
	ctx := context.Background()
	reg := wp.NewRegistry(nil)
	defer reg.Close(ctx)

	a, _ := reg.NewWorkerPool(ctx, "a", wp.Options{CoreSize: 1})
	b, _ := reg.NewWorkerPool(ctx, "b", wp.Options{CoreSize: 1})

	lst := newRecordingListener()
	reg.AddListener(lst)
	for _, p := range []*wp.Pool{a, b} {
		if s, _ := lst.counts(p); s != 1 {
			t.Fatalf("pool %s replayed %d times; want 1", p.Name(), s)
		}
	}

	reg.RemoveListener(lst)
	c, _ := reg.NewWorkerPool(ctx, "c", wp.Options{CoreSize: 1})
	if s, _ := lst.counts(c); s != 0 {
		t.Fatal("removed listener still notified")
	}
}

func TestRegistryTerminationNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	reg := wp.NewRegistry(nil)
	defer reg.Close(ctx)

	lst := newRecordingListener()
	reg.AddListener(lst)

	p, _ := reg.NewWorkerPool(ctx, "short", wp.Options{CoreSize: 2})
	_ = p.Submit(wp.TaskFunc(func() {}))
	p.Shutdown()
	if err := p.AwaitTermination(ctx); err != nil {
		t.Fatalf("await: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		_, term := lst.counts(p)
		return term == 1
	})
	reg.Cleanup()
	reg.Cleanup()
	if _, term := lst.counts(p); term != 1 {
		t.Fatalf("terminated reported %d times", term)
	}
	if _, ok := reg.Lookup("short"); ok {
		t.Fatal("terminated pool still registered")
	}
}

func TestRegistryUnregister(t *testing.T) {
	ctx := context.Background()
	reg := wp.NewRegistry(nil)
	defer reg.Close(ctx)

	lst := newRecordingListener()
	reg.AddListener(lst)
	p, _ := reg.NewWorkerPool(ctx, "detached", wp.Options{CoreSize: 1})
	defer p.ShutdownNow()

	if !reg.Unregister("detached") {
		t.Fatal("unregister returned false")
	}
	if reg.Unregister("detached") {
		t.Fatal("second unregister returned true")
	}
	if p.IsShutdown() {
		t.Fatal("unregister stopped the pool")
	}
	if _, term := lst.counts(p); term != 1 {
		t.Fatalf("terminated reported %d times", term)
	}
	if len(reg.Pools()) != 0 {
		t.Fatal("pool still listed")
	}
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	reg := wp.NewRegistry(nil)

	p, _ := reg.NewEscalatingPool(ctx, "esc", wp.Options{CoreSize: 1, MaxSize: 2})
	_ = p.Submit(wp.TaskFunc(func() {}))

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := reg.Close(cctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !p.IsTerminated() {
		t.Fatal("pool not terminated by close")
	}
	if _, err := reg.NewWorkerPool(ctx, "late", wp.Options{}); !errors.Is(err, wp.ErrRegistryClosed) {
		t.Fatalf("register after close: %v", err)
	}
}
