package workerpool

import (
	"fmt"

	"go.uber.org/zap"
)

// reportInternalError reports an internal pool error.
//
// Internal errors are non-task failures such as a worker that could
// not be pinned to its CPU. They are always logged; the handler, if
// registered, is called afterwards.
func (p *Pool) reportInternalError(e error) {
	p.log.Error("internal pool error", zap.Error(e))
	if p.opts.OnInternalError != nil {
		p.opts.OnInternalError(e)
	}
}

// reportPanic reports a value recovered from a panicking task.
//
// Panics never stop the worker that recovered them.
func (p *Pool) reportPanic(t Task, r any) {
	p.log.Error("task panicked",
		zap.String("task", describe(t)),
		zap.String("panic", fmt.Sprint(r)),
	)
	if p.opts.OnTaskPanic != nil {
		p.opts.OnTaskPanic(t, r)
	}
}
