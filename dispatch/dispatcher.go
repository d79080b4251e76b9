// Package dispatch connects net/http to the pipeline.
package dispatch

import (
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/internal/ctxlog"
)

// Submitter accepts exchanges for asynchronous processing.
type Submitter interface {
	Submit(ex *exchange.Exchange)
}

// Options configure a Dispatcher.
type Options struct {
	// Timeout bounds the wait for verification of requests that expect
	// 100-continue. Zero selects exchange.DefaultTimeout.
	Timeout time.Duration
	Logger  *zap.Logger
	// ExchangeLogger is attached to every exchange context for the
	// stages to log through. Nil selects Logger.
	ExchangeLogger *zap.Logger
}

// Dispatcher is the http.Handler in front of the triage stage. Each
// request becomes an exchange that is submitted before the handler
// binds to it, so queueing proceeds while the body is still arriving.
type Dispatcher struct {
	triage  Submitter
	pending *exchange.Pending
	timeout time.Duration
	log     *zap.Logger
	exLog   *zap.Logger
}

// New returns a dispatcher submitting to triage and recording in-flight
// exchanges in pending, which may be nil.
func New(triage Submitter, pending *exchange.Pending, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = exchange.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExchangeLogger == nil {
		opts.ExchangeLogger = opts.Logger
	}
	if pending == nil {
		pending = exchange.NewPending()
	}
	return &Dispatcher{
		triage:  triage,
		pending: pending,
		timeout: opts.Timeout,
		log:     opts.Logger,
		exLog:   opts.ExchangeLogger,
	}
}

func (d *Dispatcher) Pending() *exchange.Pending { return d.pending }

// chanHandle turns deliveries into channel sends. Buffers of one
// suffice: each method is called at most once per exchange.
type chanHandle struct {
	cont chan struct{}
	resp chan *exchange.Response
}

func newChanHandle() *chanHandle {
	return &chanHandle{cont: make(chan struct{}, 1), resp: make(chan *exchange.Response, 1)}
}

func (h *chanHandle) Continue() {
	select {
	case h.cont <- struct{}{}:
	default:
	}
}

func (h *chanHandle) Deliver(resp *exchange.Response) {
	select {
	case h.resp <- resp:
	default:
		resp.Drain()
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := exchange.FromHTTP(r)
	ctx := ctxlog.WithLogger(r.Context(), d.exLog.With(zap.String("remote", r.RemoteAddr)))
	ex := exchange.New(ctx, req, d.timeout)
	d.pending.Add(ex)
	defer ex.Close()

	d.triage.Submit(ex)

	if req.ExpectsContinue() && !ex.AwaitVerification(ex.Timeout()) && r.Context().Err() == nil {
		d.log.Warn("verification timed out", zap.String("exchange", ex.ID().String()))
	}

	h := newChanHandle()
	if err := ex.Bind(h); err != nil {
		return
	}
	for {
		select {
		case <-h.cont:
			w.WriteHeader(http.StatusContinue)
		case resp := <-h.resp:
			d.write(w, ex, resp)
			return
		case <-r.Context().Done():
			d.log.Info("peer left before response",
				zap.String("exchange", ex.ID().String()),
				zap.Stringer("request", req),
			)
			ex.Cancel()
			return
		}
	}
}

func (d *Dispatcher) write(w http.ResponseWriter, ex *exchange.Exchange, resp *exchange.Response) {
	hdr := w.Header()
	for k, vs := range resp.Header {
		hdr[k] = vs
	}
	w.WriteHeader(resp.Status)
	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.log.Info("writing response body failed",
			zap.String("exchange", ex.ID().String()),
			zap.Error(err),
		)
	}
}
