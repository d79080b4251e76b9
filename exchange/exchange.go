package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a peer waits for verification.
const DefaultTimeout = 30 * time.Second

var (
	// ErrAlreadyBound is returned by Bind on an exchange that has a handle.
	ErrAlreadyBound = errors.New("exchange: already bound")

	// ErrCancelled is returned by Bind on a cancelled exchange.
	ErrCancelled = errors.New("exchange: cancelled")
)

// State is a step of the exchange lifecycle.
type State int

const (
	Created State = iota
	Verifying
	Verified
	Bound
	Responded
	Closed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Verifying:
		return "verifying"
	case Verified:
		return "verified"
	case Bound:
		return "bound"
	case Responded:
		return "responded"
	case Closed:
		return "closed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == Closed || s == Cancelled }

// Handle is the I/O continuation attached once the peer is ready for a
// response. Both methods are called with the exchange locked and must
// not block or call back into the exchange.
type Handle interface {
	// Continue sends the interim 100 Continue.
	Continue()
	// Deliver hands over the final response. It is called at most once.
	Deliver(resp *Response)
}

// Queue is a collection that owns an exchange until it is answered or
// cancelled.
type Queue interface {
	Remove(ex *Exchange) bool
}

// Exchange is the live state of one request/response cycle.
//
// The verification gate is a channel closed once by Verified; every
// other transition happens under mu. The context is cancelled when the
// exchange is cancelled or closed and is the cancellation token handed
// to both pipeline stages.
type Exchange struct {
	id      uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	created time.Time

	verifiedCh   chan struct{}
	verifiedOnce sync.Once

	mu        sync.Mutex
	state     State
	req       *Request
	handle    Handle
	resp      *Response
	delivered bool
	expecting bool
	continued bool
	queue     Queue
	dequeued  bool
}

// New creates an exchange for req. timeout <= 0 selects DefaultTimeout.
func New(parent context.Context, req *Request, timeout time.Duration) *Exchange {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &Exchange{
		id:         uuid.New(),
		ctx:        ctx,
		cancel:     cancel,
		timeout:    timeout,
		created:    time.Now(),
		verifiedCh: make(chan struct{}),
		req:        req,
	}
}

func (e *Exchange) ID() uuid.UUID { return e.id }

// Context is cancelled once the exchange is cancelled or closed.
func (e *Exchange) Context() context.Context { return e.ctx }

func (e *Exchange) Timeout() time.Duration { return e.timeout }

func (e *Exchange) Created() time.Time { return e.created }

func (e *Exchange) Request() *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

// SetRequest replaces the request. A replacement arriving after a
// response or cancellation is closed instead.
func (e *Exchange) SetRequest(req *Request) {
	e.mu.Lock()
	if e.resp != nil || e.state.terminal() {
		e.mu.Unlock()
		req.Close()
		return
	}
	e.req = req
	e.mu.Unlock()
}

func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Exchange) IsCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Cancelled
}

// Responded reports whether a response has been submitted.
func (e *Exchange) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp != nil
}

// AwaitVerification blocks until Verified is called, timeout elapses or
// the exchange is cancelled, and reports whether verification happened.
func (e *Exchange) AwaitVerification(timeout time.Duration) bool {
	e.mu.Lock()
	if e.state == Created {
		e.state = Verifying
	}
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.verifiedCh:
		return true
	case <-timer.C:
	case <-e.ctx.Done():
	}
	select {
	case <-e.verifiedCh:
		return true
	default:
		return false
	}
}

// Verified opens the verification gate. A request expecting continuation
// on a bound exchange without a response gets its 100 Continue now.
func (e *Exchange) Verified() {
	e.verifiedOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.expecting = e.req != nil && e.req.ExpectsContinue()
		if e.state < Verified {
			e.state = Verified
		}
		close(e.verifiedCh)
		e.continueLocked()
	})
}

// IsVerified reports whether Verified was called.
func (e *Exchange) IsVerified() bool {
	select {
	case <-e.verifiedCh:
		return true
	default:
		return false
	}
}

// Bind attaches h. A stored response is delivered at once; otherwise a
// pending 100 Continue is sent.
func (e *Exchange) Bind(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.state == Cancelled:
		return ErrCancelled
	case e.handle != nil:
		return ErrAlreadyBound
	}
	e.handle = h
	if e.state < Bound {
		e.state = Bound
	}
	if e.resp != nil {
		e.deliverLocked()
		return nil
	}
	e.continueLocked()
	return nil
}

func (e *Exchange) continueLocked() {
	if e.handle == nil || e.resp != nil || !e.expecting || e.continued {
		return
	}
	e.continued = true
	e.handle.Continue()
}

// SubmitResponse records resp as the answer. The request is closed
// first. An unbound exchange keeps only the latest response; once a
// response was delivered later ones are drained.
func (e *Exchange) SubmitResponse(resp *Response) {
	e.mu.Lock()
	req := e.req
	e.mu.Unlock()
	if req != nil {
		req.Close()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.state.terminal() || e.delivered:
		resp.Drain()
		return
	case e.resp != nil:
		e.resp.Drain()
	}
	e.resp = resp
	if e.handle != nil {
		e.deliverLocked()
	}
}

func (e *Exchange) deliverLocked() {
	e.delivered = true
	e.state = Responded
	e.handle.Deliver(e.resp)
}

// Response returns the stored response, if any.
func (e *Exchange) Response() *Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp
}

// attach makes q the owning queue. An exchange that already left a
// queue, or was cancelled, cannot be attached again.
func (e *Exchange) attach(q Queue) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dequeued || e.queue != nil || e.state.terminal() {
		return false
	}
	e.queue = q
	return true
}

func (e *Exchange) detachLocked() Queue {
	q := e.queue
	e.queue = nil
	e.dequeued = true
	return q
}

// Cancel abandons the exchange because the peer is gone. No response
// is produced. Calling it again, or after Close, does nothing.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return
	}
	e.state = Cancelled
	req := e.req
	if !e.delivered && e.resp != nil {
		e.resp.Drain()
	}
	q := e.detachLocked()
	e.mu.Unlock()

	e.cancel()
	if req != nil {
		req.Close()
	}
	if q != nil {
		q.Remove(e)
	}
}

// Close ends a completed exchange once the response was written.
func (e *Exchange) Close() {
	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return
	}
	e.state = Closed
	req := e.req
	q := e.detachLocked()
	e.mu.Unlock()

	e.cancel()
	if req != nil {
		req.Close()
	}
	if q != nil {
		q.Remove(e)
	}
}
