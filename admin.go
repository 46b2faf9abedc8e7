package hotswap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes the runtime's read side plus deployment triggers
// over HTTP: instance status, the audit trail, Prometheus metrics, and
// reload/rollback endpoints.
type AdminServer struct {
	runtime *Runtime
	server  *http.Server
	logger  Logger
}

// NewAdminServer builds the admin HTTP server on addr.
func NewAdminServer(addr string, rt *Runtime, logger Logger) *AdminServer {
	if logger == nil {
		logger = NoopLogger{}
	}
	a := &AdminServer{runtime: rt, logger: logger}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *AdminServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", a.handleStatuses)
	r.Get("/status/{name}", a.handleStatus)
	r.Get("/audit", a.handleAudit)
	r.Get("/metrics", promhttp.HandlerFor(a.runtime.Metrics().Registry(), promhttp.HandlerOpts{}).ServeHTTP)

	r.Get("/checkpoints/{name}", a.handleCheckpoints)

	r.Post("/modules", a.handleDeploy)
	r.Post("/modules/{name}/reload", a.handleReload)
	r.Post("/modules/{name}/rollback", a.handleRollback)
	return r
}

// Start begins serving in a background goroutine.
func (a *AdminServer) Start() {
	go func() {
		a.logger.Info("admin server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (a *AdminServer) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) handleStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.runtime.Statuses())
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, err := a.runtime.Status(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := a.runtime.Audit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *AdminServer) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	chain, err := a.runtime.Checkpoints(r.Context(), name, 50)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// reloadRequest carries the descriptor path for a deploy or reload
// triggered over the admin API. The path is resolved on the server's
// filesystem.
type reloadRequest struct {
	Descriptor string `json:"descriptor"`
}

// outcomeLoaded is reported for a successful first-ever load, where no
// reload transaction ran.
const outcomeLoaded = "Loaded"

// handleDeploy loads the module when it is new, or reloads it when an
// instance is already registered.
func (a *AdminServer) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	desc, err := LoadDescriptor(req.Descriptor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if a.runtime.live(desc.Name) {
		tx, err := a.runtime.Reload(r.Context(), desc)
		if err != nil {
			writeJSON(w, http.StatusConflict, reloadResponse{Transaction: txID(tx), Error: err.Error(), FailedPhase: failedPhase(tx)})
			return
		}
		writeJSON(w, http.StatusOK, reloadResponse{Transaction: txID(tx), Outcome: string(tx.Outcome())})
		return
	}
	if _, err := a.runtime.Load(r.Context(), desc); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Outcome: outcomeLoaded})
}

func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	desc, err := LoadDescriptor(req.Descriptor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if desc.Name != name {
		writeError(w, http.StatusBadRequest, ErrDescriptorNameMismatch)
		return
	}
	tx, err := a.runtime.Reload(r.Context(), desc)
	if err != nil {
		writeJSON(w, http.StatusConflict, reloadResponse{Transaction: txID(tx), Error: err.Error(), FailedPhase: failedPhase(tx)})
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Transaction: txID(tx), Outcome: string(tx.Outcome())})
}

// rollbackRequest optionally names a specific checkpoint; when empty
// the most recent prior checkpoint is used.
type rollbackRequest struct {
	Checkpoint string `json:"checkpoint,omitempty"`
}

func (a *AdminServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req rollbackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	tx, err := a.runtime.Rollback(r.Context(), name, CheckpointID(req.Checkpoint))
	if err != nil {
		writeJSON(w, http.StatusConflict, reloadResponse{Transaction: txID(tx), Error: err.Error(), FailedPhase: failedPhase(tx)})
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Transaction: txID(tx), Outcome: string(tx.Outcome())})
}

type reloadResponse struct {
	Transaction string `json:"transaction,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	FailedPhase string `json:"failedPhase,omitempty"`
	Error       string `json:"error,omitempty"`
}

func txID(tx *ReloadTransaction) string {
	if tx == nil {
		return ""
	}
	return strconv.FormatUint(tx.ID, 10)
}

func failedPhase(tx *ReloadTransaction) string {
	if tx == nil {
		return ""
	}
	return string(tx.FailedPhase())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
