// Package server assembles the store, filters, stages, dispatcher and
// management surface from a Config and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/azargarov/ldgate/dispatch"
	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/filters"
	"github.com/azargarov/ldgate/internal/config"
	"github.com/azargarov/ldgate/manage"
	"github.com/azargarov/ldgate/pipeline"
	"github.com/azargarov/ldgate/storage"
	"github.com/azargarov/ldgate/workerpool"
)

// Server is one assembled process.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	registry *workerpool.Registry
	store    *storage.Store
	triage   *pipeline.TriageStage
	tx       *pipeline.TransactionStage
	pending  *exchange.Pending
	dispatch *dispatch.Dispatcher
	local    *dispatch.Local
	manage   http.Handler
}

// New opens the store and starts both stage pools. On error everything
// already started is closed again.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *Server, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, log: log, pending: exchange.NewPending()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.close(context.Background()))
		}
	}()

	s.registry = workerpool.NewRegistry(log.Named("pools"))
	s.registry.AddListener(&poolLogger{log: log.Named("pools")})

	s.store, err = storage.Open(cfg.Storage.Path, storage.Options{
		BusyTimeout:  cfg.Storage.BusyTimeout,
		MaxReadConns: cfg.Storage.MaxReadConns,
		Logger:       log.Named("storage"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	chain, err := buildChain(cfg)
	if err != nil {
		return nil, err
	}

	s.tx, err = pipeline.NewTransactionStage(ctx, s.registry, pipeline.TransactionOptions{
		Pool:               poolOptions(cfg.Transaction),
		AdmissionThreshold: cfg.Transaction.AdmissionThreshold,
		Retry:              pipeline.RetryPolicy{Attempts: cfg.Transaction.RetryAttempts},
		Logger:             log.Named("transaction"),
	}, s.store, storage.Handler{MaxBody: cfg.Storage.MaxBody}, chain)
	if err != nil {
		return nil, err
	}
	s.triage, err = pipeline.NewTriageStage(ctx, s.registry, pipeline.TriageOptions{
		Pool:               poolOptions(cfg.Triage),
		AdmissionThreshold: cfg.Triage.AdmissionThreshold,
		Logger:             log.Named("triage"),
	}, chain, s.tx)
	if err != nil {
		return nil, err
	}

	s.dispatch = dispatch.New(s.triage, s.pending, dispatch.Options{
		Timeout:        cfg.Server.ExchangeTimeout,
		Logger:         log.Named("dispatch"),
		ExchangeLogger: log.Named("exchange"),
	})
	s.local = dispatch.NewLocal(s.triage, cfg.Server.ExchangeTimeout, log.Named("exchange"))

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		workerpool.NewCollector("ldgate", s.registry),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	api := &manage.API{
		Registry: s.registry,
		Pending:  s.pending,
		DumpDir:  cfg.Server.DumpDir,
		Gatherer: metrics,
		Logger:   log.Named("manage"),
	}
	if err := api.Validate(); err != nil {
		return nil, err
	}
	s.manage = api.Handler()
	return s, nil
}

func buildChain(cfg config.Config) (*filters.Chain, error) {
	fs := []any{
		filters.MethodGuard{},
		filters.TrailingSlash{Containers: cfg.Server.Containers},
		filters.NormalizeHeaders{},
	}
	for _, r := range cfg.Rewrites {
		fs = append(fs, filters.PrefixRewrite{From: r.From, To: r.To})
	}
	fs = append(fs, filters.Decompress{}, filters.Compress{}, filters.HeadStrip{})
	return filters.NewChain(fs...)
}

func poolOptions(p config.Pool) workerpool.Options {
	return workerpool.Options{
		CoreSize:         p.CoreSize,
		MaxSize:          p.MaxSize,
		KeepAlive:        p.KeepAlive,
		AllowCoreTimeout: p.AllowCoreTimeout,
		PinWorkers:       p.PinWorkers,
		ProbeInterval:    p.ProbeInterval,
	}
}

// Handler serves linked-data requests.
func (s *Server) Handler() http.Handler { return s.dispatch }

// ManageHandler serves the management API.
func (s *Server) ManageHandler() http.Handler { return s.manage }

// Local executes requests in the foreground, bypassing the stage queues.
func (s *Server) Local() *dispatch.Local { return s.local }

// Run serves both listeners until ctx is cancelled or one of them
// fails, then shuts everything down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	data, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return multierr.Append(err, s.close(ctx))
	}
	mgmt, err := net.Listen("tcp", s.cfg.Server.ManageListen)
	if err != nil {
		data.Close()
		return multierr.Append(err, s.close(ctx))
	}
	return s.Serve(ctx, data, mgmt)
}

// Serve is Run on listeners the caller opened.
func (s *Server) Serve(ctx context.Context, data, mgmt net.Listener) error {
	dataSrv := &http.Server{Handler: s.dispatch, ReadHeaderTimeout: 10 * time.Second}
	mgmtSrv := &http.Server{Handler: s.manage, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	serve := func(name string, srv *http.Server, l net.Listener) {
		g.Go(func() error {
			s.log.Info("listening", zap.String("listener", name), zap.String("addr", l.Addr().String()))
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", name, err)
			}
			return nil
		})
	}
	serve("data", dataSrv, data)
	serve("manage", mgmtSrv, mgmt)

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		// Stages first, so queued exchanges are answered while their
		// handlers are still there to write the answer.
		err := s.stopStages(sctx)
		err = multierr.Append(err, dataSrv.Shutdown(sctx))
		err = multierr.Append(err, mgmtSrv.Shutdown(sctx))
		return multierr.Append(err, s.close(sctx))
	})
	return g.Wait()
}

func (s *Server) stopStages(ctx context.Context) error {
	var err error
	if s.triage != nil {
		err = multierr.Append(err, s.triage.Shutdown(ctx))
	}
	if s.tx != nil {
		err = multierr.Append(err, s.tx.Shutdown(ctx))
	}
	return err
}

// close stops the stages, cancels what is still pending and closes the
// registry and the store.
func (s *Server) close(ctx context.Context) error {
	err := s.stopStages(ctx)
	if s.pending != nil {
		if n := s.pending.CancelAll(); n > 0 {
			s.log.Info("cancelled pending exchanges", zap.Int("count", n))
		}
	}
	if s.registry != nil {
		err = multierr.Append(err, s.registry.Close(ctx))
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
		s.store = nil
	}
	return err
}

type poolLogger struct {
	log *zap.Logger
}

func (l *poolLogger) PoolStarted(p *workerpool.Pool) {
	l.log.Info("pool started", zap.String("pool", p.Name()), zap.Int("core", p.CoreSize()), zap.Int("max", p.MaxSize()))
}

func (l *poolLogger) PoolTerminated(p *workerpool.Pool) {
	l.log.Info("pool terminated", zap.String("pool", p.Name()), zap.Uint64("completed", p.CompletedCount()))
}
