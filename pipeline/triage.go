package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
	"github.com/azargarov/ldgate/workerpool"
)

// TriagePoolName is the registry name of the triage pool.
const TriagePoolName = "triage"

// TriageOptions configure a TriageStage.
type TriageOptions struct {
	// Pool sizing. A zero CoreSize selects GOMAXPROCS workers.
	Pool workerpool.Options
	// AdmissionThreshold defaults to DefaultAdmissionThreshold.
	AdmissionThreshold int
	Renderer           httperr.Renderer
	Logger             *zap.Logger
}

// TriageStage answers what it can without a transaction and hands the
// rest to a TransactionStage.
type TriageStage struct {
	*actor
	pool   *workerpool.Pool
	filter Filter
	next   *TransactionStage
}

// NewTriageStage registers the triage pool on reg.
func NewTriageStage(ctx context.Context, reg *workerpool.Registry, opts TriageOptions, filter Filter, next *TransactionStage) (*TriageStage, error) {
	po := opts.Pool
	if po.CoreSize == 0 {
		po.CoreSize = runtime.GOMAXPROCS(0)
	}
	po.Less = taskOrder
	if po.Logger == nil {
		po.Logger = opts.Logger
	}
	pool, err := reg.NewWorkerPool(ctx, TriagePoolName, po)
	if err != nil {
		return nil, fmt.Errorf("triage pool: %w", err)
	}
	s := &TriageStage{
		actor:  newActor(TriagePoolName, pool, opts.AdmissionThreshold, opts.Renderer, opts.Logger),
		pool:   pool,
		filter: filter,
		next:   next,
	}
	s.process = s.triage
	return s, nil
}

func (s *TriageStage) Pool() *workerpool.Pool { return s.pool }

func (s *TriageStage) triage(ex *exchange.Exchange, foreground bool) error {
	req := ex.Request()
	resp, err := s.filter.Intercept(req)
	if err != nil {
		return err
	}
	if resp != nil {
		s.respond(ex, resp)
		return nil
	}

	filtered, err := s.filter.Filter(req)
	if err != nil {
		return err
	}
	if filtered != nil && filtered != req {
		ex.SetRequest(filtered)
	}
	if ex.IsCancelled() {
		return nil
	}
	if foreground {
		s.next.Execute(ex)
	} else {
		s.next.Submit(ex)
	}
	return nil
}
