// Package pipeline runs exchanges through two pool-backed stages.
//
// TriageStage does the cheap work: interception, request filters and
// the hand-off. TransactionStage opens a storage transaction, verifies,
// runs the handler and commits or rolls back. Both stages share the
// same actor: a submission that cannot be queued is answered with 503
// at once, a queue deeper than the admission threshold sheds its
// lowest-ranked task, and whatever goes wrong while processing becomes a
// response. An accepted exchange is always answered unless its peer
// cancels it.
package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
)

var (
	// ErrBusy reports a store that could not start a transaction yet.
	// Begin is retried while it is returned.
	ErrBusy = errors.New("pipeline: store busy")

	// ErrConflict reports a concurrent modification detected by the store.
	ErrConflict = errors.New("pipeline: conflicting update")
)

func init() {
	httperr.Register(ErrBusy, http.StatusServiceUnavailable)
	httperr.Register(ErrConflict, http.StatusConflict)
}

// Filter is the triage collaborator. Intercept returns a response to
// short-circuit the request, or nil. Filter returns the request to
// continue with, which may be a replacement.
type Filter interface {
	Intercept(req *exchange.Request) (*exchange.Response, error)
	Filter(req *exchange.Request) (*exchange.Request, error)
}

// ResponseFilter rewrites outbound responses.
type ResponseFilter interface {
	FilterResponse(req *exchange.Request, resp *exchange.Response) (*exchange.Response, error)
}

// Transaction is one exchange's unit of work against the store.
type Transaction interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	// IsSafe reports a transaction that never writes.
	IsSafe() bool
	// EndExchange releases whatever the transaction still holds.
	EndExchange()
}

// Store opens a transaction for a request.
type Store interface {
	Open(req *exchange.Request) (Transaction, error)
}

// Operation is what a Handler works on.
type Operation struct {
	Exchange *exchange.Exchange
	Request  *exchange.Request
	Txn      Transaction
}

// Handler verifies and handles operations. A non-nil response from
// Verify answers the exchange without calling Handle.
type Handler interface {
	Verify(ctx context.Context, op *Operation) (*exchange.Response, error)
	Handle(ctx context.Context, op *Operation) (*exchange.Response, error)
}

// Preparer is implemented by handlers with work to do before the
// transaction begins. Prepare sees op with a nil Txn. An error answers
// the exchange and the transaction is never begun.
type Preparer interface {
	Prepare(ctx context.Context, op *Operation) error
}
