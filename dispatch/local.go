package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/internal/ctxlog"
)

// ErrNoResponse is returned when an exchange ends without a response.
var ErrNoResponse = errors.New("dispatch: exchange produced no response")

// Executor runs exchanges on the calling goroutine.
type Executor interface {
	Execute(ex *exchange.Exchange)
}

// Local executes requests in the foreground for embedded callers acting
// as their own client. Requests bypass the stage queues and therefore
// admission control.
type Local struct {
	triage  Executor
	timeout time.Duration
	log     *zap.Logger
}

// NewLocal returns a foreground client. log is attached to each
// exchange context; nil discards stage logging.
func NewLocal(triage Executor, timeout time.Duration, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{triage: triage, timeout: timeout, log: log}
}

type syncHandle struct {
	mu   sync.Mutex
	resp *exchange.Response
}

func (h *syncHandle) Continue() {}

func (h *syncHandle) Deliver(resp *exchange.Response) {
	h.mu.Lock()
	h.resp = resp
	h.mu.Unlock()
}

func (h *syncHandle) response() *exchange.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resp
}

// Do runs req through both stages and returns its response. The caller
// owns the response body.
func (l *Local) Do(ctx context.Context, req *exchange.Request) (*exchange.Response, error) {
	ex := exchange.New(ctxlog.WithLogger(ctx, l.log), req, l.timeout)
	defer ex.Close()
	h := &syncHandle{}
	if err := ex.Bind(h); err != nil {
		return nil, err
	}
	l.triage.Execute(ex)

	if resp := h.response(); resp != nil {
		return resp, nil
	}
	ex.Cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoResponse
}
