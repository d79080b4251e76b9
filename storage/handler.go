package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/httperr"
	"github.com/azargarov/ldgate/pipeline"
)

// DefaultMaxBody limits stored representations.
const DefaultMaxBody = 8 << 20

// Handler serves resources from the transaction of each operation.
// Paths ending in "/" are containers: GET lists their members and POST
// creates a member.
type Handler struct {
	MaxBody int64
}

func (h Handler) maxBody() int64 {
	if h.MaxBody <= 0 {
		return DefaultMaxBody
	}
	return h.MaxBody
}

func txnOf(op *pipeline.Operation) (*Txn, error) {
	t, ok := op.Txn.(*Txn)
	if !ok {
		return nil, fmt.Errorf("storage: foreign transaction %T", op.Txn)
	}
	return t, nil
}

func quote(etag string) string { return `"` + etag + `"` }

// matches reports whether an If-Match or If-None-Match value names etag.
func matches(header, etag string) bool {
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, "W/")
		if v == "*" || v == quote(etag) {
			return true
		}
	}
	return false
}

// Verify evaluates If-Match and If-None-Match against the stored
// resource. A failed precondition answers 412, or 304 for a safe
// request whose representation the client already has.
func (h Handler) Verify(ctx context.Context, op *pipeline.Operation) (*exchange.Response, error) {
	req := op.Request
	ifMatch, ifNone := req.Header.Get("If-Match"), req.Header.Get("If-None-Match")
	if ifMatch == "" && ifNone == "" {
		return nil, nil
	}
	txn, err := txnOf(op)
	if err != nil {
		return nil, err
	}
	cur, err := txn.Get(ctx, req.URL.Path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if ifMatch != "" && (cur == nil || !matches(ifMatch, cur.ETag)) {
		return exchange.Text(http.StatusPreconditionFailed, "If-Match failed"), nil
	}
	if ifNone != "" && cur != nil && matches(ifNone, cur.ETag) {
		if req.IsSafe() {
			resp := exchange.NewResponse(http.StatusNotModified)
			resp.Header.Set("ETag", quote(cur.ETag))
			return resp, nil
		}
		return exchange.Text(http.StatusPreconditionFailed, "If-None-Match failed"), nil
	}
	return nil, nil
}

func (h Handler) Handle(ctx context.Context, op *pipeline.Operation) (*exchange.Response, error) {
	txn, err := txnOf(op)
	if err != nil {
		return nil, err
	}
	req := op.Request
	path := req.URL.Path
	container := strings.HasSuffix(path, "/")

	switch {
	case req.Method == http.MethodGet || req.Method == http.MethodHead:
		if container {
			return h.list(ctx, txn, path)
		}
		return h.get(ctx, txn, path)
	case req.Method == http.MethodPut && !container:
		return h.put(ctx, txn, req, path)
	case req.Method == http.MethodDelete && !container:
		if err := txn.Delete(ctx, path); err != nil {
			return nil, err
		}
		return exchange.NewResponse(http.StatusNoContent), nil
	case req.Method == http.MethodPost && container:
		return h.put(ctx, txn, req, path+uuid.NewString())
	}
	return nil, httperr.New(http.StatusMethodNotAllowed, req.Method+" not supported on "+path)
}

func (h Handler) get(ctx context.Context, txn *Txn, path string) (*exchange.Response, error) {
	res, err := txn.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	resp := exchange.NewResponse(http.StatusOK)
	resp.SetBody(res.Body)
	resp.Header.Set("Content-Type", res.ContentType)
	resp.Header.Set("ETag", quote(res.ETag))
	resp.Header.Set("Last-Modified", res.Modified.UTC().Format(http.TimeFormat))
	return resp, nil
}

func (h Handler) list(ctx context.Context, txn *Txn, path string) (*exchange.Response, error) {
	members, err := txn.List(ctx, path)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, m := range members {
		b.WriteString(m)
		b.WriteString("\r\n")
	}
	resp := exchange.NewResponse(http.StatusOK)
	resp.SetBody([]byte(b.String()))
	resp.Header.Set("Content-Type", "text/uri-list")
	return resp, nil
}

// bufferedBody serves a body read ahead of the transaction and closes
// the one it replaced.
type bufferedBody struct {
	*bytes.Reader
	orig io.Closer
}

func (b bufferedBody) Close() error { return b.orig.Close() }

// Prepare reads PUT and POST bodies before the write transaction begins
// so that a slow upload does not hold the write lock. A request that
// expects 100-continue is left streaming: reading it now would send the
// interim response before its preconditions were verified.
func (h Handler) Prepare(_ context.Context, op *pipeline.Operation) error {
	req := op.Request
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil
	}
	if req.Body == nil || req.ExpectsContinue() {
		return nil
	}
	if _, ok := req.Body.(bufferedBody); ok {
		return nil
	}
	body, err := h.readBody(req)
	if err != nil {
		return err
	}
	req.Body = bufferedBody{Reader: bytes.NewReader(body), orig: req.Body}
	return nil
}

func (h Handler) readBody(req *exchange.Request) ([]byte, error) {
	limit := h.maxBody()
	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		var he *httperr.Error
		if errors.As(err, &he) {
			return nil, err
		}
		return nil, httperr.Wrap(http.StatusBadRequest, err)
	}
	if int64(len(body)) > limit {
		return nil, httperr.New(http.StatusRequestEntityTooLarge, "body exceeds "+strconv.FormatInt(limit, 10)+" bytes")
	}
	return body, nil
}

func (h Handler) put(ctx context.Context, txn *Txn, req *exchange.Request, path string) (*exchange.Response, error) {
	body, err := h.readBody(req)
	if err != nil {
		return nil, err
	}
	ct := req.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	// A conditional write must replace the version Verify saw.
	var expect int64
	if req.Header.Get("If-Match") != "" {
		cur, err := txn.Get(ctx, path)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("%w: %s was removed", pipeline.ErrConflict, path)
		case err != nil:
			return nil, err
		}
		expect = cur.Version
	}
	res := &Resource{Path: path, ContentType: ct, Body: body}
	created, err := txn.Put(ctx, res, expect)
	if err != nil {
		return nil, err
	}
	resp := exchange.NewResponse(http.StatusNoContent)
	if created {
		resp.Status = http.StatusCreated
		resp.Header.Set("Location", path)
	}
	resp.Header.Set("ETag", quote(res.ETag))
	return resp, nil
}
