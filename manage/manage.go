// Package manage serves the operational JSON surface: pool inspection
// and tuning, pending exchanges and prometheus metrics.
package manage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/azargarov/ldgate/exchange"
	"github.com/azargarov/ldgate/workerpool"
)

// API exposes a registry's pools.
type API struct {
	Registry *workerpool.Registry
	// Pending is optional.
	Pending *exchange.Pending
	// DumpDir receives thread dumps. Empty selects os.TempDir().
	DumpDir string
	// Gatherer backs /metrics; nil disables it.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (a *API) log() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Handler returns the routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pools", a.listPools)
	mux.HandleFunc("GET /pools/{name}", a.withPool(a.getPool))
	mux.HandleFunc("POST /pools/{name}/resize", a.withPool(a.resize))
	mux.HandleFunc("POST /pools/{name}/keepalive", a.withPool(a.keepAlive))
	mux.HandleFunc("POST /pools/{name}/core-timeout", a.withPool(a.coreTimeout))
	mux.HandleFunc("POST /pools/{name}/run-one", a.withPool(a.runOne))
	mux.HandleFunc("POST /pools/{name}/run-all", a.withPool(a.runAll))
	mux.HandleFunc("POST /pools/{name}/clear", a.withPool(a.clear))
	mux.HandleFunc("POST /pools/{name}/dump", a.withPool(a.dump))
	mux.HandleFunc("GET /pending", a.pending)
	if a.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

type poolHandler func(w http.ResponseWriter, r *http.Request, p *workerpool.Pool)

func (a *API) withPool(next poolHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		p, ok := a.Registry.Lookup(name)
		if !ok {
			writeError(w, http.StatusNotFound, "no pool "+name)
			return
		}
		next(w, r, p)
	}
}

func (a *API) listPools(w http.ResponseWriter, _ *http.Request) {
	pools := a.Registry.Pools()
	out := make([]workerpool.Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getPool(w http.ResponseWriter, _ *http.Request, p *workerpool.Pool) {
	writeJSON(w, http.StatusOK, p.Stats())
}

type resizeRequest struct {
	Core *int `json:"core"`
	Max  *int `json:"max"`
}

func (a *API) resize(w http.ResponseWriter, r *http.Request, p *workerpool.Pool) {
	var req resizeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	core, max := p.CoreSize(), p.MaxSize()
	if req.Core != nil {
		core = *req.Core
	}
	if req.Max != nil {
		max = *req.Max
	}
	if err := p.Resize(core, max); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	a.log().Info("pool resized through management API",
		zap.String("pool", p.Name()), zap.Int("core", core), zap.Int("max", max))
	writeJSON(w, http.StatusOK, p.Stats())
}

type keepAliveRequest struct {
	KeepAlive string `json:"keep_alive"`
}

func (a *API) keepAlive(w http.ResponseWriter, r *http.Request, p *workerpool.Pool) {
	var req keepAliveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	d, err := time.ParseDuration(req.KeepAlive)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad keep_alive: "+err.Error())
		return
	}
	if err := p.SetKeepAlive(d); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

type coreTimeoutRequest struct {
	Allow bool `json:"allow"`
}

func (a *API) coreTimeout(w http.ResponseWriter, r *http.Request, p *workerpool.Pool) {
	var req coreTimeoutRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	p.AllowCoreTimeout(req.Allow)
	writeJSON(w, http.StatusOK, p.Stats())
}

func (a *API) runOne(w http.ResponseWriter, _ *http.Request, p *workerpool.Pool) {
	writeJSON(w, http.StatusOK, map[string]any{"ran": p.DrainOne()})
}

func (a *API) runAll(w http.ResponseWriter, _ *http.Request, p *workerpool.Pool) {
	writeJSON(w, http.StatusOK, map[string]any{"ran": p.DrainAll()})
}

func (a *API) clear(w http.ResponseWriter, _ *http.Request, p *workerpool.Pool) {
	n := p.ClearQueue()
	a.log().Warn("pool queue cleared through management API", zap.String("pool", p.Name()), zap.Int("cleared", n))
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

type dumpRequest struct {
	// File is a name inside DumpDir. Empty selects <pool>-<unix>.txt.
	File string `json:"file"`
}

func (a *API) dump(w http.ResponseWriter, r *http.Request, p *workerpool.Pool) {
	var req dumpRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	dir := a.DumpDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Base(req.File)
	if req.File == "" || name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("%s-%d.txt", p.Name(), time.Now().Unix())
	}
	path := filepath.Join(dir, name)
	if err := p.DumpToFile(path); err != nil {
		a.log().Error("pool dump failed", zap.String("pool", p.Name()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dump failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": path})
}

func (a *API) pending(w http.ResponseWriter, _ *http.Request) {
	if a.Pending == nil {
		writeError(w, http.StatusNotFound, "pending exchanges are not tracked")
		return
	}
	writeJSON(w, http.StatusOK, a.Pending.Snapshot())
}

// ErrNoRegistry is returned by Validate for an API without a registry.
var ErrNoRegistry = errors.New("manage: registry is required")

// Validate checks the API is usable.
func (a *API) Validate() error {
	if a.Registry == nil {
		return ErrNoRegistry
	}
	return nil
}
