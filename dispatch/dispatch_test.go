package dispatch_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/azargarov/ldgate/dispatch"
	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/filters"
	"github.com/azargarov/ldgate/pipeline"
	"github.com/azargarov/ldgate/storage"
	"github.com/azargarov/ldgate/workerpool"
)

func newStack(t *testing.T) *pipeline.TriageStage {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "db.sqlite"), storage.Options{})
	require.NoError(t, err)

	chain, err := filters.NewChain(
		filters.MethodGuard{},
		filters.NormalizeHeaders{},
		filters.Decompress{},
		filters.Compress{},
		filters.HeadStrip{},
	)
	require.NoError(t, err)

	reg := workerpool.NewRegistry(nil)
	tx, err := pipeline.NewTransactionStage(ctx, reg, pipeline.TransactionOptions{
		Pool: workerpool.Options{CoreSize: 2, MaxSize: 4},
	}, store, storage.Handler{}, chain)
	require.NoError(t, err)
	tr, err := pipeline.NewTriageStage(ctx, reg, pipeline.TriageOptions{}, chain, tx)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		_ = store.Close()
	})
	return tr
}

func do(t *testing.T, c *http.Client, method, url, body string, hdr ...string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestDispatcherRoundTrip(t *testing.T) {
	d := dispatch.New(newStack(t), nil, dispatch.Options{})
	srv := httptest.NewServer(d)
	defer srv.Close()
	c := srv.Client()

	resp, _ := do(t, c, http.MethodPut, srv.URL+"/r/1", "<a> <b> <c> .", "Content-Type", "text/turtle")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, c, http.MethodGet, srv.URL+"/r/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<a> <b> <c> .", body)
	assert.Equal(t, "text/turtle", resp.Header.Get("Content-Type"))

	resp, _ = do(t, c, "PATCH", srv.URL+"/r/1", "x")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = do(t, c, http.MethodGet, srv.URL+"/missing", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Zero(t, d.Pending().Len())
}

func TestDispatcherExpectContinue(t *testing.T) {
	d := dispatch.New(newStack(t), nil, dispatch.Options{Timeout: time.Second})
	srv := httptest.NewServer(d)
	defer srv.Close()

	tr := &http.Transport{ExpectContinueTimeout: 5 * time.Second}
	defer tr.CloseIdleConnections()
	c := &http.Client{Transport: tr}

	start := time.Now()
	resp, _ := do(t, c, http.MethodPut, srv.URL+"/r/2", "body", "Expect", "100-continue", "Content-Type", "text/plain")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Less(t, time.Since(start), 4*time.Second, "body waited for the continue timeout")

	resp, body := do(t, c, http.MethodGet, srv.URL+"/r/2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body", body)
}

// immediate answers every exchange from Submit.
type immediate struct{ status int }

func (i immediate) Submit(ex *exchange.Exchange) {
	ex.SubmitResponse(exchange.Text(i.status, http.StatusText(i.status)))
	ex.Verified()
}

func TestDispatcherWritesEarlyResponse(t *testing.T) {
	srv := httptest.NewServer(dispatch.New(immediate{http.StatusServiceUnavailable}, nil, dispatch.Options{}))
	defer srv.Close()

	resp, body := do(t, srv.Client(), http.MethodPost, srv.URL+"/x", "payload", "Expect", "100-continue")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Service Unavailable\n", body)
}

// parked never answers and remembers what it got.
type parked struct {
	mu  sync.Mutex
	exs []*exchange.Exchange
}

func (p *parked) Submit(ex *exchange.Exchange) {
	p.mu.Lock()
	p.exs = append(p.exs, ex)
	p.mu.Unlock()
}

func (p *parked) first() *exchange.Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.exs) == 0 {
		return nil
	}
	return p.exs[0]
}

func TestDispatcherCancelsOnDisconnect(t *testing.T) {
	p := &parked{}
	d := dispatch.New(p, nil, dispatch.Options{})
	srv := httptest.NewServer(d)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", nil)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := srv.Client().Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	require.Eventually(t, func() bool { return d.Pending().Len() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	require.Eventually(t, func() bool {
		ex := p.first()
		return ex != nil && ex.IsCancelled()
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return d.Pending().Len() == 0 }, 2*time.Second, time.Millisecond)

	ex := p.first()
	late := exchange.Text(http.StatusOK, "late")
	ex.SubmitResponse(late)
	assert.Nil(t, late.Body)
}

// recordingExecutor remembers the exchanges it ran.
type recordingExecutor struct {
	next dispatch.Executor
	mu   sync.Mutex
	exs  []*exchange.Exchange
}

func (r *recordingExecutor) Execute(ex *exchange.Exchange) {
	r.mu.Lock()
	r.exs = append(r.exs, ex)
	r.mu.Unlock()
	r.next.Execute(ex)
}

// opaqueCtx hides its parent's cancellation machinery, so a derived
// context that is never cancelled keeps a propagation goroutine alive.
type opaqueCtx struct{ context.Context }

func (opaqueCtx) Value(any) any { return nil }

func TestLocalDo(t *testing.T) {
	rec := &recordingExecutor{next: newStack(t)}
	local := dispatch.NewLocal(rec, time.Second, nil)
	ctx := context.Background()

	req, err := exchange.NewRequest(http.MethodPut, "/local", strings.NewReader("embedded"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := local.Do(ctx, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)

	req, err = exchange.NewRequest(http.MethodGet, "/local", nil)
	require.NoError(t, err)
	resp, err = local.Do(ctx, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "embedded", string(body))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.exs, 2)
	for _, ex := range rec.exs {
		assert.Equal(t, exchange.Closed, ex.State())
		assert.Error(t, ex.Context().Err())
	}
}

func TestLocalDoReleasesExchangeContext(t *testing.T) {
	local := dispatch.NewLocal(immediateExecutor{}, time.Second, nil)
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := opaqueCtx{parent}

	before := runtime.NumGoroutine()
	for i := 0; i < 100; i++ {
		req, err := exchange.NewRequest(http.MethodGet, "/", nil)
		require.NoError(t, err)
		resp, err := local.Do(ctx, req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.Status)
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() < before+10
	}, 2*time.Second, 10*time.Millisecond, "goroutines: before=%d now=%d", before, runtime.NumGoroutine())
}

// immediateExecutor answers 200 on the calling goroutine.
type immediateExecutor struct{}

func (immediateExecutor) Execute(ex *exchange.Exchange) {
	ex.SubmitResponse(exchange.Text(http.StatusOK, "ok"))
}

func TestDispatcherAttachesExchangeLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := dispatch.New(loggingSubmitter{}, nil, dispatch.Options{ExchangeLogger: zap.New(core)})
	srv := httptest.NewServer(d)
	defer srv.Close()

	resp, _ := do(t, srv.Client(), http.MethodGet, srv.URL+"/x", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	entries := logs.FilterMessage("stage log").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "remote")
}

// loggingSubmitter logs through the exchange context and answers 204.
type loggingSubmitter struct{}

func (loggingSubmitter) Submit(ex *exchange.Exchange) {
	lg.FromContext(ex.Context()).Info("stage log")
	ex.SubmitResponse(exchange.NewResponse(http.StatusNoContent))
	ex.Verified()
}

type silent struct{}

func (silent) Execute(*exchange.Exchange) {}

func TestLocalDoWithoutResponse(t *testing.T) {
	req, err := exchange.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	_, err = dispatch.NewLocal(silent{}, 0, nil).Do(context.Background(), req)
	require.ErrorIs(t, err, dispatch.ErrNoResponse)
}
