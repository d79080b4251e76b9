package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/azargarov/ldgate/pipeline"
)

var errNotBegun = errors.New("storage: transaction not begun")

// Resource is a stored representation.
type Resource struct {
	Path        string
	ContentType string
	Body        []byte
	ETag        string
	Version     int64
	Modified    time.Time
}

// Txn is one exchange's transaction. Safe transactions run on the
// read pool and never write.
type Txn struct {
	store *Store
	safe  bool
	tx    *sql.Tx
	done  bool
}

// Begin starts the transaction. It is detached from ctx cancellation
// so a peer leaving mid-request does not abort work in progress.
func (t *Txn) Begin(ctx context.Context) error {
	if t.tx != nil {
		return nil
	}
	db := t.store.rw
	if t.safe {
		db = t.store.ro
	}
	tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return classify(err)
	}
	t.tx = tx
	return nil
}

func (t *Txn) Commit() error {
	if t.tx == nil {
		return errNotBegun
	}
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		err = classify(err)
		if errors.Is(err, pipeline.ErrBusy) {
			return fmt.Errorf("%w: %v", pipeline.ErrConflict, err)
		}
		return err
	}
	return nil
}

// Rollback is a no-op on a finished or unstarted transaction.
func (t *Txn) Rollback() error {
	if t.tx == nil || t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *Txn) IsSafe() bool { return t.safe }

// EndExchange rolls back whatever was left open.
func (t *Txn) EndExchange() {
	if err := t.Rollback(); err != nil {
		t.store.log.Warn("rollback at end of exchange failed", zap.Error(err))
	}
}

func (t *Txn) ready() error {
	if t.tx == nil {
		return errNotBegun
	}
	if t.done {
		return sql.ErrTxDone
	}
	return nil
}

// Get loads the resource at path.
func (t *Txn) Get(ctx context.Context, path string) (*Resource, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	row := t.tx.QueryRowContext(ctx,
		`SELECT path, content_type, body, etag, version, modified FROM resources WHERE path = ?`, path)
	var (
		res      Resource
		modified int64
	)
	if err := row.Scan(&res.Path, &res.ContentType, &res.Body, &res.ETag, &res.Version, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	res.Modified = time.Unix(0, modified)
	return &res, nil
}

// List returns the paths directly below container, which ends in "/".
func (t *Txn) List(ctx context.Context, container string) ([]string, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT path FROM resources WHERE path > ? AND path < ? ORDER BY path`,
		container, container+"\xff")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		rest := strings.TrimPrefix(p, container)
		if rest != "" && !strings.Contains(strings.TrimSuffix(rest, "/"), "/") {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// Put stores res. When expect is non-zero the stored version must still
// be expect, otherwise ErrConflict is returned. It reports whether the
// resource was created and fills in the new ETag and version.
func (t *Txn) Put(ctx context.Context, res *Resource, expect int64) (bool, error) {
	if err := t.ready(); err != nil {
		return false, err
	}
	if t.safe {
		return false, errors.New("storage: write in a read-only transaction")
	}
	res.ETag = uuid.NewString()
	res.Modified = time.Now()

	cur, err := t.Get(ctx, res.Path)
	switch {
	case errors.Is(err, ErrNotFound):
		if expect != 0 {
			return false, fmt.Errorf("%w: %s was removed", pipeline.ErrConflict, res.Path)
		}
		res.Version = 1
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO resources (path, content_type, body, etag, version, modified) VALUES (?, ?, ?, ?, ?, ?)`,
			res.Path, res.ContentType, res.Body, res.ETag, res.Version, res.Modified.UnixNano())
		return err == nil, classify(err)
	case err != nil:
		return false, err
	}

	if expect != 0 && cur.Version != expect {
		return false, fmt.Errorf("%w: %s changed", pipeline.ErrConflict, res.Path)
	}
	res.Version = cur.Version + 1
	r, err := t.tx.ExecContext(ctx,
		`UPDATE resources SET content_type = ?, body = ?, etag = ?, version = ?, modified = ? WHERE path = ? AND version = ?`,
		res.ContentType, res.Body, res.ETag, res.Version, res.Modified.UnixNano(), res.Path, cur.Version)
	if err != nil {
		return false, classify(err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: %s changed", pipeline.ErrConflict, res.Path)
	}
	return false, nil
}

// Delete removes the resource at path.
func (t *Txn) Delete(ctx context.Context, path string) error {
	if err := t.ready(); err != nil {
		return err
	}
	r, err := t.tx.ExecContext(ctx, `DELETE FROM resources WHERE path = ?`, path)
	if err != nil {
		return classify(err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
