// Package storage keeps resources in SQLite and implements the
// transaction contract the pipeline runs handlers in.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
	"github.com/azargarov/ldgate/pipeline"
)

// DefaultBusyTimeout is how long SQLite waits for a lock before a
// transaction reports busy.
const DefaultBusyTimeout = 50 * time.Millisecond

var (
	ErrNotFound = errors.New("storage: resource not found")
	ErrClosed   = errors.New("storage: store closed")
)

func init() {
	httperr.Register(ErrNotFound, http.StatusNotFound)
}

// Options configure Open.
type Options struct {
	BusyTimeout  time.Duration
	MaxReadConns int
	Logger       *zap.Logger
}

func (o *Options) fillDefaults() {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	if o.MaxReadConns <= 0 {
		o.MaxReadConns = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Store is a SQLite resource store. Writers take the database lock
// when their transaction begins; readers use a separate pool of
// deferred connections and never block writers in WAL mode.
type Store struct {
	rw  *sql.DB
	ro  *sql.DB
	log *zap.Logger
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	opts.fillDefaults()
	rw, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout, "immediate"))
	if err != nil {
		return nil, err
	}
	if err := migrate(rw); err != nil {
		rw.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	ro, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout, "deferred"))
	if err != nil {
		rw.Close()
		return nil, err
	}
	ro.SetMaxOpenConns(opts.MaxReadConns)
	opts.Logger.Info("store opened", zap.String("path", path))
	return &Store{rw: rw, ro: ro, log: opts.Logger}, nil
}

func dsn(path string, busy time.Duration, txlock string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", txlock)
	return "file:" + path + "?" + q.Encode()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS resources (
			path TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			body BLOB NOT NULL,
			etag TEXT NOT NULL,
			version INTEGER NOT NULL,
			modified INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Open implements pipeline.Store.
func (s *Store) Open(req *exchange.Request) (pipeline.Transaction, error) {
	return s.Txn(req.IsSafe()), nil
}

// Txn returns an unstarted transaction.
func (s *Store) Txn(safe bool) *Txn {
	return &Txn{store: s, safe: safe}
}

func (s *Store) Close() error {
	return multierr.Combine(s.ro.Close(), s.rw.Close())
}

// Ping checks both connection pools.
func (s *Store) Ping(ctx context.Context) error {
	return multierr.Combine(s.rw.PingContext(ctx), s.ro.PingContext(ctx))
}

// classify maps SQLite lock and constraint errors to pipeline errors.
func classify(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", pipeline.ErrBusy, err)
	case sqlite3.SQLITE_CONSTRAINT:
		return fmt.Errorf("%w: %v", pipeline.ErrConflict, err)
	}
	return err
}
