package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/zap"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
	"github.com/azargarov/ldgate/workerpool"
)

// TransactionPoolName is the registry name of the transaction pool.
const TransactionPoolName = "transaction"

// TransactionOptions configure a TransactionStage.
type TransactionOptions struct {
	// Pool sizing. The pool is escalating, so MaxSize should leave room
	// above CoreSize for blocked handlers.
	Pool               workerpool.Options
	AdmissionThreshold int
	Retry              RetryPolicy
	Renderer           httperr.Renderer
	Logger             *zap.Logger
}

// TransactionStage runs each exchange inside a storage transaction.
type TransactionStage struct {
	*actor
	pool    *workerpool.EscalatingPool
	store   Store
	handler Handler
	filter  ResponseFilter
	retry   RetryPolicy
}

// NewTransactionStage registers the escalating transaction pool on reg.
// filter may be nil.
func NewTransactionStage(ctx context.Context, reg *workerpool.Registry, opts TransactionOptions, store Store, handler Handler, filter ResponseFilter) (*TransactionStage, error) {
	po := opts.Pool
	po.Less = taskOrder
	if po.Logger == nil {
		po.Logger = opts.Logger
	}
	pool, err := reg.NewEscalatingPool(ctx, TransactionPoolName, po)
	if err != nil {
		return nil, fmt.Errorf("transaction pool: %w", err)
	}
	s := &TransactionStage{
		actor:   newActor(TransactionPoolName, pool, opts.AdmissionThreshold, opts.Renderer, opts.Logger),
		pool:    pool,
		store:   store,
		handler: handler,
		filter:  filter,
		retry:   opts.Retry.withDefaults(),
	}
	s.process = s.transact
	s.finish = s.filterResponse
	return s, nil
}

func (s *TransactionStage) Pool() *workerpool.EscalatingPool { return s.pool }

func (s *TransactionStage) transact(ex *exchange.Exchange, _ bool) error {
	ctx := ex.Context()
	id := ex.ID().String()
	if err := ctx.Err(); err != nil {
		lg.FromContext(ctx).Info("exchange canceled before transaction", lg.String("exchange", id), lg.Any("reason", err))
		return nil
	}

	req := ex.Request()
	txn, err := s.store.Open(req)
	if err != nil {
		return fmt.Errorf("open transaction: %w", err)
	}
	defer txn.EndExchange()

	op := &Operation{Exchange: ex, Request: req}
	if p, ok := s.handler.(Preparer); ok {
		if err := p.Prepare(ctx, op); err != nil {
			return err
		}
	}
	if err := s.begin(ctx, txn, id); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	op.Txn = txn

	resp, err := s.handler.Verify(ctx, op)
	ex.Verified()
	if err != nil || resp != nil {
		s.rollback(ctx, txn, id)
		if err != nil {
			return err
		}
		s.deliver(ex, req, resp)
		return nil
	}

	resp, err = s.handler.Handle(ctx, op)
	if err != nil {
		s.rollback(ctx, txn, id)
		return err
	}
	if resp == nil {
		resp = exchange.NewResponse(http.StatusNoContent)
	}

	if resp.Status < http.StatusBadRequest && !txn.IsSafe() {
		if err := txn.Commit(); err != nil {
			resp.Drain()
			s.rollback(ctx, txn, id)
			return fmt.Errorf("commit: %w", err)
		}
	} else {
		s.rollback(ctx, txn, id)
	}
	s.deliver(ex, req, resp)
	return nil
}

// begin starts txn, backing off while the store reports ErrBusy.
func (s *TransactionStage) begin(ctx context.Context, txn Transaction, id string) error {
	logger := lg.FromContext(ctx).With(lg.String("exchange", id))
	pol := s.retry
	bo := boff.New(pol.Initial, pol.Max, time.Now().UnixNano())

	for attempt := 1; ; attempt++ {
		err := txn.Begin(ctx)
		if err == nil || !errors.Is(err, ErrBusy) || attempt >= pol.Attempts {
			return err
		}
		delay := bo.Next()
		logger.Warn("store busy; backing off",
			lg.Int("attempt", attempt),
			lg.String("sleep", delay.String()),
			lg.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (s *TransactionStage) rollback(ctx context.Context, txn Transaction, id string) {
	if err := txn.Rollback(); err != nil {
		lg.FromContext(ctx).Warn("rollback failed", lg.String("exchange", id), lg.Any("error", err))
	}
}

func (s *TransactionStage) deliver(ex *exchange.Exchange, req *exchange.Request, resp *exchange.Response) {
	s.respond(ex, s.filterResponse(req, resp))
}

// filterResponse applies the outbound filters. A filter failure turns
// into its error response, unfiltered.
func (s *TransactionStage) filterResponse(req *exchange.Request, resp *exchange.Response) *exchange.Response {
	if s.filter == nil {
		return resp
	}
	out, err := s.filter.FilterResponse(req, resp)
	if err != nil {
		resp.Drain()
		s.log.Warn("response filter failed", zap.Error(err))
		return httperr.Response(s.render, req, err)
	}
	return out
}
