package workerpool_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	wp "github.com/azargarov/ldgate/workerpool"
)

// -----------------------------------------------------------------------------
// Options defaults
// -----------------------------------------------------------------------------

func TestFillDefaults(t *testing.T) {
	var o wp.Options
	o.FillDefaults()

	if o.CoreSize <= 0 {
		t.Fatal("expected CoreSize to be set by FillDefaults")
	}
	if o.MaxSize < o.CoreSize {
		t.Fatalf("MaxSize %d below CoreSize %d", o.MaxSize, o.CoreSize)
	}
	if o.KeepAlive != wp.DefaultKeepAlive || o.ProbeInterval != wp.DefaultProbeInterval {
		t.Fatalf("unexpected durations: %+v", o)
	}
	if o.Logger == nil {
		t.Fatal("expected a logger")
	}
}

// -----------------------------------------------------------------------------
// Pool behavior tests
// -----------------------------------------------------------------------------

func TestPoolLifecycle(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"TaskSuccess", testTaskSuccess},
		{"ShutdownTimeout", testShutdownTimeout},
		{"SubmitAfterShutdown", testSubmitAfterShutdown},
		{"PanicRecovery", testPanicRecovery},
		{"ShutdownRunsQueued", testShutdownRunsQueued},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.fn(t)
		})
	}
}

func testTaskSuccess(t *testing.T) {
	p := wp.NewPool("success", wp.Options{CoreSize: 2, MaxSize: 2})

	done := make(chan struct{})
	if err := p.Submit(wp.TaskFunc(func() { close(done) })); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("task did not complete")
	}

	p.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.AwaitTermination(ctx); err != nil {
		t.Fatalf("await termination: %v", err)
	}
	if got := p.ActiveCount(); got != 0 {
		t.Fatalf("active = %d; want 0", got)
	}
	if got := p.CompletedCount(); got != 1 {
		t.Fatalf("completed = %d; want 1", got)
	}
}

func testShutdownTimeout(t *testing.T) {
	p := wp.NewPool("timeout", wp.Options{CoreSize: 1, MaxSize: 1})
	g := newGate()
	_ = p.Submit(g)
	g.waitStarted(t)

	p.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.AwaitTermination(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded; got %v", err)
	}
	if p.IsTerminated() {
		t.Fatal("pool terminated while a task is running")
	}

	g.open()
	if err := p.AwaitTermination(context.Background()); err != nil {
		t.Fatalf("second await failed: %v", err)
	}
}

func testSubmitAfterShutdown(t *testing.T) {
	p := wp.NewPool("closed", wp.Options{CoreSize: 1, MaxSize: 1})
	p.Shutdown()

	err := p.Submit(wp.TaskFunc(func() {}))
	if !errors.Is(err, wp.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if got := p.Stats().Rejected; got != 1 {
		t.Fatalf("rejected = %d; want 1", got)
	}
}

func testPanicRecovery(t *testing.T) {
	var mu sync.Mutex
	var panics []any
	p := wp.NewPool("panic", wp.Options{
		CoreSize: 1,
		MaxSize:  1,
		OnTaskPanic: func(_ wp.Task, r any) {
			mu.Lock()
			panics = append(panics, r)
			mu.Unlock()
		},
	})
	defer p.ShutdownNow()

	secondDone := make(chan struct{})
	_ = p.Submit(wp.TaskFunc(func() { panic("boom") }))
	_ = p.Submit(wp.TaskFunc(func() { close(secondDone) }))

	select {
	case <-secondDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("second task did not execute")
	}
	waitUntil(t, 200*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(panics) == 1
	})
}

func testShutdownRunsQueued(t *testing.T) {
	p := wp.NewPool("graceful", wp.Options{CoreSize: 1, MaxSize: 1})
	g := newGate()
	_ = p.Submit(g)
	g.waitStarted(t)

	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"a", "b"} {
		_ = p.Submit(&recorder{name: name, mu: &mu, log: &ran})
	}
	p.Shutdown()
	g.open()

	if err := p.AwaitTermination(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(ran) != 2 {
		t.Fatalf("queued tasks run after Shutdown = %v; want both", ran)
	}
}

func TestPriorityOrder(t *testing.T) {
	p, g := newSinglePool(t, wp.Options{Less: byPrio})

	var mu sync.Mutex
	var ran []string
	for i, name := range []string{"low", "high", "mid", "high2"} {
		prio := []int{1, 3, 2, 3}[i]
		if err := p.Submit(&recorder{name: name, prio: prio, mu: &mu, log: &ran}); err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
	}
	g.open()
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 4
	})

	want := []string{"high", "high2", "mid", "low"}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("order = %v; want %v", ran, want)
		}
	}
}

func TestBoundedQueue(t *testing.T) {
	t.Run("RejectsWhenFull", func(t *testing.T) {
		p, _ := newSinglePool(t, wp.Options{QueueCapacity: 1})
		if err := p.Submit(wp.TaskFunc(func() {})); err != nil {
			t.Fatalf("first queued submit: %v", err)
		}
		if err := p.Submit(wp.TaskFunc(func() {})); !errors.Is(err, wp.ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	})

	t.Run("GrowsTowardMax", func(t *testing.T) {
		p, _ := newSinglePool(t, wp.Options{QueueCapacity: 1, MaxSize: 2})
		_ = p.Submit(wp.TaskFunc(func() {}))

		overflow := newGate()
		if err := p.Submit(overflow); err != nil {
			t.Fatalf("overflow submit: %v", err)
		}
		overflow.waitStarted(t)
		defer overflow.open()

		if got := p.PoolSize(); got != 2 {
			t.Fatalf("pool size = %d; want 2", got)
		}
		if got := p.CoreSize(); got != 1 {
			t.Fatalf("core size changed to %d", got)
		}
	})
}

func TestShutdownNowReturnsQueued(t *testing.T) {
	p, g := newSinglePool(t, wp.Options{})
	for range 3 {
		_ = p.Submit(wp.TaskFunc(func() {}))
	}

	tasks := p.ShutdownNow()
	if len(tasks) != 3 {
		t.Fatalf("ShutdownNow returned %d tasks; want 3", len(tasks))
	}
	if !p.IsShutdown() {
		t.Fatal("pool not shut down")
	}
	g.open()
	if err := p.AwaitTermination(context.Background()); err != nil {
		t.Fatalf("await: %v", err)
	}
	if got := p.Stats().State; got != "terminated" {
		t.Fatalf("state = %q", got)
	}
}

func TestDrainInline(t *testing.T) {
	p, _ := newSinglePool(t, wp.Options{})

	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"a", "b", "c"} {
		_ = p.Submit(&recorder{name: name, mu: &mu, log: &ran})
	}

	if !p.DrainOne() {
		t.Fatal("DrainOne found nothing")
	}
	if len(ran) != 1 || ran[0] != "a" {
		t.Fatalf("after DrainOne ran = %v", ran)
	}
	if n := p.DrainAll(); n != 2 {
		t.Fatalf("DrainAll ran %d; want 2", n)
	}
	if p.QueueDepth() != 0 || p.DrainOne() {
		t.Fatal("queue not empty after DrainAll")
	}
}

func TestRemoveQueued(t *testing.T) {
	p, _ := newSinglePool(t, wp.Options{})
	_ = p.Submit(wp.TaskFunc(func() {}))
	target := &rejectable{}
	_ = p.Submit(target)

	var seq uint64
	for _, q := range p.Queued() {
		if q.Task == wp.Task(target) {
			seq = q.Seq
		}
	}
	if seq == 0 {
		t.Fatal("target not listed in Queued")
	}
	if _, ok := p.Remove(seq); !ok {
		t.Fatal("Remove failed")
	}
	if _, ok := p.Remove(seq); ok {
		t.Fatal("second Remove succeeded")
	}
	if got := p.QueueDepth(); got != 1 {
		t.Fatalf("queue depth = %d; want 1", got)
	}
}

func TestClearQueueRejects(t *testing.T) {
	p, _ := newSinglePool(t, wp.Options{})
	r := &rejectable{}
	_ = p.Submit(r)
	_ = p.Submit(wp.TaskFunc(func() {}))

	if n := p.ClearQueue(); n != 2 {
		t.Fatalf("ClearQueue = %d; want 2", n)
	}
	if !errors.Is(r.rejected(), wp.ErrQueueCleared) {
		t.Fatalf("rejectable got %v", r.rejected())
	}
}

func TestResize(t *testing.T) {
	p := wp.NewPool("resize", wp.Options{CoreSize: 1, MaxSize: 2})
	defer p.ShutdownNow()

	if err := p.SetCoreSize(3); !errors.Is(err, wp.ErrInvalidSize) {
		t.Fatalf("core above max: %v", err)
	}
	if err := p.SetMaxSize(0); !errors.Is(err, wp.ErrInvalidSize) {
		t.Fatalf("max zero: %v", err)
	}
	if err := p.Resize(4, 3); !errors.Is(err, wp.ErrInvalidSize) {
		t.Fatalf("core > max: %v", err)
	}
	if err := p.Resize(2, 4); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if p.CoreSize() != 2 || p.MaxSize() != 4 {
		t.Fatalf("sizes = %d/%d", p.CoreSize(), p.MaxSize())
	}
	if err := p.SetKeepAlive(0); err == nil {
		t.Fatal("zero keep-alive accepted")
	}
}

func TestGrowingCoreStartsWorkersForQueue(t *testing.T) {
	p, _ := newSinglePool(t, wp.Options{MaxSize: 2})
	second := newGate()
	defer second.open()
	_ = p.Submit(second)

	if err := p.SetCoreSize(2); err != nil {
		t.Fatalf("grow: %v", err)
	}
	second.waitStarted(t)
	if got := p.ActiveCount(); got != 2 {
		t.Fatalf("active = %d; want 2", got)
	}
}

func TestCoreTimeout(t *testing.T) {
	p := wp.NewPool("idle", wp.Options{CoreSize: 1, MaxSize: 1, KeepAlive: 10 * time.Millisecond, AllowCoreTimeout: true})
	defer p.ShutdownNow()

	done := make(chan struct{})
	_ = p.Submit(wp.TaskFunc(func() { close(done) }))
	<-done
	waitUntil(t, time.Second, func() bool { return p.PoolSize() == 0 })
}

func TestDumpListsTasks(t *testing.T) {
	p, _ := newSinglePool(t, wp.Options{})
	_ = p.Submit(&recorder{name: "pending-one", mu: &sync.Mutex{}, log: &[]string{}})

	var buf bytes.Buffer
	if err := p.Dump(&buf); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"running tasks:", "gate", "pending tasks:", "pending-one", "goroutine profile"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
}
