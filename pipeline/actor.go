package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
	"github.com/azargarov/ldgate/workerpool"
)

// DefaultAdmissionThreshold is the queue depth above which a stage
// sheds its lowest-ranked queued exchange.
const DefaultAdmissionThreshold = 32

const maintenanceMessage = "Service Unavailable For Maintenance"

// taskPool is the part of a worker pool a stage drives.
type taskPool interface {
	Name() string
	Submit(t workerpool.Task) error
	QueueDepth() int
	Queued() []workerpool.Queued
	Remove(seq uint64) (workerpool.Task, bool)
	ShutdownNow() []workerpool.Task
	AwaitTermination(ctx context.Context) error
	IsShutdown() bool
	IsTerminated() bool
	Stats() workerpool.Stats
}

// processFunc is a stage's work on one exchange. foreground is set for
// embedded callers executing inline.
type processFunc func(ex *exchange.Exchange, foreground bool) error

type actor struct {
	name      string
	pool      taskPool
	process   processFunc
	finish    func(req *exchange.Request, resp *exchange.Response) *exchange.Response
	render    httperr.Renderer
	threshold int
	log       *zap.Logger
}

func newActor(name string, pool taskPool, threshold int, render httperr.Renderer, log *zap.Logger) *actor {
	if threshold <= 0 {
		threshold = DefaultAdmissionThreshold
	}
	if render == nil {
		render = httperr.NewPage()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &actor{
		name:      name,
		pool:      pool,
		threshold: threshold,
		render:    render,
		log:       log.With(zap.String("stage", name)),
	}
}

// Submit queues ex on the stage pool. It never blocks: a pool that
// refuses the task answers ex with 503, and a queue above the admission
// threshold sheds its lowest-ranked exchange.
func (a *actor) Submit(ex *exchange.Exchange) {
	if err := a.pool.Submit(newTask(a, ex)); err != nil {
		a.overloaded(ex, err)
		return
	}
	if a.pool.QueueDepth() > a.threshold {
		a.shed()
	}
}

// shed removes the lowest-ranked queued task and answers it with 503.
func (a *actor) shed() {
	var (
		worst *ScheduledTask
		seq   uint64
	)
	for _, q := range a.pool.Queued() {
		st, ok := q.Task.(*ScheduledTask)
		if !ok {
			continue
		}
		if worst == nil || worst.Before(st) {
			worst, seq = st, q.Seq
		}
	}
	if worst == nil {
		return
	}
	if _, ok := a.pool.Remove(seq); !ok {
		return
	}
	a.log.Warn("admission control shed queued exchange",
		zap.Stringer("task", worst),
		zap.Int("threshold", a.threshold),
	)
	a.respond(worst.ex, exchange.Text(http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)))
}

// Execute processes ex on the calling goroutine.
func (a *actor) Execute(ex *exchange.Exchange) { a.run(ex, true) }

func (a *actor) run(ex *exchange.Exchange, foreground bool) {
	if ex.IsCancelled() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("exchange processing panicked",
				zap.String("exchange", ex.ID().String()),
				zap.Any("panic", r),
			)
			a.fail(ex, fmt.Errorf("%s: panic: %v", a.name, r))
		}
	}()
	if err := a.process(ex, foreground); err != nil {
		a.fail(ex, err)
	}
}

// fail answers ex with the error response for err. Rendering failures
// end in a bare 500.
func (a *actor) fail(ex *exchange.Exchange, err error) {
	req := ex.Request()
	resp := httperr.Response(a.render, req, err)
	if status := resp.Status; status >= http.StatusInternalServerError {
		a.log.Error("exchange failed", zap.String("exchange", ex.ID().String()), zap.Int("status", status), zap.Error(err))
	} else {
		a.log.Info("exchange refused", zap.String("exchange", ex.ID().String()), zap.Int("status", status), zap.Error(err))
	}
	if a.finish != nil {
		resp = a.finishSafely(req, resp)
	}
	a.respond(ex, resp)
}

func (a *actor) finishSafely(req *exchange.Request, resp *exchange.Response) (out *exchange.Response) {
	defer func() {
		if r := recover(); r != nil {
			out = httperr.Bare()
		}
	}()
	return a.finish(req, resp)
}

func (a *actor) overloaded(ex *exchange.Exchange, err error) {
	a.log.Warn("exchange rejected", zap.String("exchange", ex.ID().String()), zap.Error(err))
	a.respond(ex, exchange.Text(http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)))
}

// respond submits resp and opens the verification gate so a peer
// waiting to send its body stops waiting.
func (a *actor) respond(ex *exchange.Exchange, resp *exchange.Response) {
	ex.SubmitResponse(resp)
	ex.Verified()
}

// Shutdown stops the stage pool and answers every queued exchange with
// 503 before waiting for running ones within ctx.
func (a *actor) Shutdown(ctx context.Context) error {
	tasks := a.pool.ShutdownNow()
	for _, t := range tasks {
		if st, ok := t.(*ScheduledTask); ok {
			a.respond(st.ex, exchange.Text(http.StatusServiceUnavailable, maintenanceMessage))
		}
	}
	a.log.Info("stage shutting down", zap.Int("answered", len(tasks)))
	if err := a.pool.AwaitTermination(ctx); err != nil {
		return fmt.Errorf("%s stage: %w", a.name, err)
	}
	return nil
}

func (a *actor) Name() string { return a.name }
