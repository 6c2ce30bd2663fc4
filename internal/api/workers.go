package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/engine"
	"github.com/iRazvan2745/glare/internal/metrics"
	"github.com/iRazvan2745/glare/internal/notification"
	"github.com/iRazvan2745/glare/internal/store"
)

// WorkerHandler serves the worker-facing routes: heartbeat, plan catalog
// and the pull-mode run lifecycle. All routes run behind AuthenticateWorker.
type WorkerHandler struct {
	workers  store.WorkerStore
	policies store.PolicyStore
	engine   *engine.Engine
	notifier *notification.Service
	stats    *metrics.Metrics
	logger   *zap.Logger
}

// NewWorkerHandler builds the handler. notifier and stats may be nil.
func NewWorkerHandler(workers store.WorkerStore, policies store.PolicyStore, eng *engine.Engine, notifier *notification.Service, stats *metrics.Metrics, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{
		workers:  workers,
		policies: policies,
		engine:   eng,
		notifier: notifier,
		stats:    stats,
		logger:   logger.Named("api.workers"),
	}
}

// syncRequest is the heartbeat body posted by a worker.
type syncRequest struct {
	Status        string  `json:"status"`
	Endpoint      *string `json:"endpoint,omitempty"`
	UptimeMs      int64   `json:"uptimeMs"`
	RequestsTotal int64   `json:"requestsTotal"`
	ErrorTotal    int64   `json:"errorTotal"`
}

// Sync handles POST /api/workers/sync. It records the heartbeat, appends a
// sync event and, when the liveness classification changed, notifies.
func (h *WorkerHandler) Sync(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	if worker == nil {
		ErrUnauthorized(w)
		return
	}

	var req syncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != db.WorkerStatusOnline && req.Status != db.WorkerStatusDegraded {
		ErrBadRequest(w, "status must be online or degraded")
		return
	}

	now := time.Now().UTC()
	previous, err := h.workers.Heartbeat(r.Context(), worker.ID, store.HeartbeatUpdate{
		Status:        req.Status,
		Endpoint:      req.Endpoint,
		UptimeMs:      req.UptimeMs,
		RequestsTotal: req.RequestsTotal,
		ErrorTotal:    req.ErrorTotal,
	}, now)
	if err != nil {
		h.logger.Error("heartbeat failed", zap.String("worker_id", worker.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.stats != nil {
		h.stats.HeartbeatsTotal.Inc()
	}

	if previous != req.Status && h.notifier != nil {
		updated, err := h.workers.GetByID(r.Context(), worker.ID)
		if err == nil {
			h.notifier.WorkerStatusChanged(r.Context(), updated, previous)
		}
	}

	Ok(w, map[string]any{
		"workerId": worker.ID,
		"status":   req.Status,
		"syncedAt": now,
	})
}

// planView is the policy shape sent to workers. Retention rules are
// included so pull-mode workers can run forget locally when instructed.
type planView struct {
	ID           uuid.UUID  `json:"id"`
	RepositoryID uuid.UUID  `json:"repositoryId"`
	Name         string     `json:"name"`
	Cron         string     `json:"cron"`
	PathsConfig  string     `json:"pathsConfig"`
	Tags         []string   `json:"tags"`
	DryRun       bool       `json:"dryRun"`
	Enabled      bool       `json:"enabled"`
	NextRunAt    *time.Time `json:"nextRunAt,omitempty"`
}

// SyncPlans handles POST /api/workers/backup-plans/sync. It returns the
// enabled policies targeting the calling worker, the pull-mode catalog.
func (h *WorkerHandler) SyncPlans(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	if worker == nil {
		ErrUnauthorized(w)
		return
	}

	policies, err := h.policies.ListForWorker(r.Context(), worker.ID)
	if err != nil {
		h.logger.Error("plan catalog failed", zap.String("worker_id", worker.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]planView, 0, len(policies))
	for _, p := range policies {
		views = append(views, planView{
			ID:           p.ID,
			RepositoryID: p.RepositoryID,
			Name:         p.Name,
			Cron:         p.Cron,
			PathsConfig:  p.PathsConfig,
			Tags:         p.Tags,
			DryRun:       p.DryRun,
			Enabled:      p.Enabled,
			NextRunAt:    p.NextRunAt,
		})
	}
	Ok(w, map[string]any{"plans": views})
}

// claimRequest is the body of POST /api/workers/backup-runs/claim.
type claimRequest struct {
	Limit int `json:"limit,omitempty"`
}

// Claim handles POST /api/workers/backup-runs/claim. It atomically moves up
// to limit pending runs of the calling worker to running and hands back the
// queued request payloads.
func (h *WorkerHandler) Claim(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	if worker == nil {
		ErrUnauthorized(w)
		return
	}

	req := claimRequest{Limit: engine.MaxClaimLimit}
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	claimed, err := h.engine.Claim(r.Context(), worker.ID, req.Limit)
	if err != nil {
		h.logger.Error("claim failed", zap.String("worker_id", worker.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"runs": claimed})
}

// Complete handles POST /api/workers/backup-runs/{id}/complete. The
// transition is conditional on the caller owning the run and the run still
// being in state running; anything else is a 404.
func (h *WorkerHandler) Complete(w http.ResponseWriter, r *http.Request) {
	worker := workerFromCtx(r.Context())
	if worker == nil {
		ErrUnauthorized(w)
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid run id")
		return
	}

	var req engine.CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	run, err := h.engine.Complete(r.Context(), worker.ID, runID, req)
	switch {
	case errors.Is(err, engine.ErrInvalidStatus):
		ErrBadRequest(w, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
		return
	case err != nil:
		h.logger.Error("complete failed",
			zap.String("worker_id", worker.ID.String()),
			zap.String("run_id", runID.String()),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]any{
		"runId":  run.ID,
		"status": run.Status,
	})
}
