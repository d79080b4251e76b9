package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/azargarov/ldgate/exchange"
)

// captureHandle records the final response delivered to an exchange.
type captureHandle struct {
	mu        sync.Mutex
	continued int
	resps     []*exchange.Response
	got       chan struct{}
}

func newCaptureHandle() *captureHandle {
	return &captureHandle{got: make(chan struct{}, 16)}
}

func (h *captureHandle) Continue() {
	h.mu.Lock()
	h.continued++
	h.mu.Unlock()
}

func (h *captureHandle) Deliver(resp *exchange.Response) {
	h.mu.Lock()
	h.resps = append(h.resps, resp)
	h.mu.Unlock()
	h.got <- struct{}{}
}

func (h *captureHandle) wait(t *testing.T) *exchange.Response {
	t.Helper()
	select {
	case <-h.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no response delivered")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resps[len(h.resps)-1]
}

func (h *captureHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resps)
}

func newBoundExchange(t *testing.T, method, target string) (*exchange.Exchange, *captureHandle) {
	t.Helper()
	req, err := exchange.NewRequest(method, target, nil)
	require.NoError(t, err)
	ex := exchange.New(context.Background(), req, time.Second)
	h := newCaptureHandle()
	require.NoError(t, ex.Bind(h))
	return ex, h
}

// passFilter intercepts nothing and passes requests through.
type passFilter struct {
	intercept func(req *exchange.Request) *exchange.Response
	rewrite   func(req *exchange.Request) *exchange.Request
}

func (f passFilter) Intercept(req *exchange.Request) (*exchange.Response, error) {
	if f.intercept != nil {
		return f.intercept(req), nil
	}
	return nil, nil
}

func (f passFilter) Filter(req *exchange.Request) (*exchange.Request, error) {
	if f.rewrite != nil {
		return f.rewrite(req), nil
	}
	return req, nil
}

var errBeginFailed = errors.New("begin failed")

type fakeTxn struct {
	mu        sync.Mutex
	safe      bool
	busy      int
	begins    int
	commits   int
	rollbacks int
	ended     int
	commitErr error
	beginErr  error
}

func (t *fakeTxn) Begin(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.begins++
	if t.busy > 0 {
		t.busy--
		return ErrBusy
	}
	return t.beginErr
}

func (t *fakeTxn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits++
	return t.commitErr
}

func (t *fakeTxn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	return nil
}

func (t *fakeTxn) IsSafe() bool { return t.safe }

func (t *fakeTxn) EndExchange() {
	t.mu.Lock()
	t.ended++
	t.mu.Unlock()
}

func (t *fakeTxn) counts() (begins, commits, rollbacks, ended int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.begins, t.commits, t.rollbacks, t.ended
}

// fakeStore hands out the same transaction to every request.
type fakeStore struct{ txn *fakeTxn }

func (s fakeStore) Open(req *exchange.Request) (Transaction, error) {
	s.txn.safe = req.IsSafe()
	return s.txn, nil
}

type funcHandler struct {
	verify func(op *Operation) (*exchange.Response, error)
	handle func(op *Operation) (*exchange.Response, error)
}

func (h funcHandler) Verify(_ context.Context, op *Operation) (*exchange.Response, error) {
	if h.verify != nil {
		return h.verify(op)
	}
	return nil, nil
}

func (h funcHandler) Handle(_ context.Context, op *Operation) (*exchange.Response, error) {
	if h.handle != nil {
		return h.handle(op)
	}
	return exchange.NewResponse(http.StatusOK), nil
}
