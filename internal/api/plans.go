package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/cron"
	"github.com/iRazvan2745/glare/internal/scheduler"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/sweeper"
)

// maxBulkIDs caps the number of policy ids a single bulk request may carry.
const maxBulkIDs = 200

// PlanHandler serves the operator-facing plan routes: manual fire, bulk
// operations and the on-demand reconciliation sweep.
type PlanHandler struct {
	policies  store.PolicyStore
	scheduler *scheduler.Scheduler
	sweeper   *sweeper.Sweeper
	logger    *zap.Logger
}

// NewPlanHandler builds the handler. sweeper may be nil, which disables the
// sweep route.
func NewPlanHandler(policies store.PolicyStore, sched *scheduler.Scheduler, swp *sweeper.Sweeper, logger *zap.Logger) *PlanHandler {
	return &PlanHandler{
		policies:  policies,
		scheduler: sched,
		sweeper:   swp,
		logger:    logger.Named("api.plans"),
	}
}

// Run handles POST /api/rustic/plans/{id}/run, the manual fire. 409 means
// the run lease is currently held by a scheduled fire or another trigger.
func (h *PlanHandler) Run(w http.ResponseWriter, r *http.Request) {
	policyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid plan id")
		return
	}

	err = h.scheduler.TriggerNow(r.Context(), policyID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ErrNotFound(w)
		return
	case errors.Is(err, scheduler.ErrLeaseHeld):
		ErrConflict(w, "plan is already running")
		return
	case err != nil:
		h.logger.Error("manual fire failed", zap.String("policy_id", policyID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Accepted(w, map[string]any{"planId": policyID, "triggered": true})
}

// bulkRequest is the body of POST /api/rustic/plans/bulk.
type bulkRequest struct {
	Action string      `json:"action"` // trigger | pause | resume | delete
	IDs    []uuid.UUID `json:"ids"`
}

// bulkResult reports the outcome for one id.
type bulkResult struct {
	ID    uuid.UUID `json:"id"`
	OK    bool      `json:"ok"`
	Error string    `json:"error,omitempty"`
}

// Bulk handles POST /api/rustic/plans/bulk. Each id is processed
// independently; one failure never aborts the batch.
func (h *PlanHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		ErrBadRequest(w, "ids must not be empty")
		return
	}
	if len(req.IDs) > maxBulkIDs {
		ErrBadRequest(w, "too many ids")
		return
	}

	var apply func(id uuid.UUID) error
	switch req.Action {
	case "trigger":
		apply = func(id uuid.UUID) error { return h.scheduler.TriggerNow(r.Context(), id) }
	case "pause":
		apply = func(id uuid.UUID) error { return h.setEnabled(r, id, false) }
	case "resume":
		apply = func(id uuid.UUID) error { return h.setEnabled(r, id, true) }
	case "delete":
		apply = func(id uuid.UUID) error { return h.policies.Delete(r.Context(), id) }
	default:
		ErrBadRequest(w, "action must be trigger, pause, resume or delete")
		return
	}

	results := make([]bulkResult, 0, len(req.IDs))
	for _, id := range req.IDs {
		res := bulkResult{ID: id, OK: true}
		if err := apply(id); err != nil {
			res.OK = false
			res.Error = publicError(err)
		}
		results = append(results, res)
	}
	Ok(w, map[string]any{"results": results})
}

// setEnabled pauses or resumes a plan. Resuming recomputes next_run_at from
// the cron expression so the scheduler picks the plan up again.
func (h *PlanHandler) setEnabled(r *http.Request, id uuid.UUID, enabled bool) error {
	policy, err := h.policies.GetByID(r.Context(), id)
	if err != nil {
		return err
	}

	policy.Enabled = enabled
	if enabled {
		if schedule, err := cron.Parse(policy.Cron); err == nil {
			if next, err := schedule.NextFireAfter(time.Now().UTC()); err == nil {
				policy.NextRunAt = &next
			}
		}
	} else {
		policy.NextRunAt = nil
	}
	return h.policies.Update(r.Context(), policy)
}

// sweepRequest is the body of POST /api/rustic/sweep.
type sweepRequest struct {
	UserID uuid.UUID `json:"userId"`
	Force  bool      `json:"force,omitempty"`
}

// Sweep handles POST /api/rustic/sweep, the on-demand reconciliation pass
// for one user. 429 means the per-user debounce window has not elapsed.
func (h *PlanHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		ErrNotFound(w)
		return
	}

	var req sweepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == (uuid.UUID{}) {
		ErrBadRequest(w, "userId is required")
		return
	}

	imported, err := h.sweeper.SweepUser(r.Context(), req.UserID, req.Force)
	switch {
	case errors.Is(err, sweeper.ErrDebounced):
		ErrTooManyRequests(w, "sweep already ran recently")
		return
	case err != nil:
		h.logger.Error("sweep failed", zap.String("user_id", req.UserID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]any{"imported": imported})
}

// publicError maps internal errors to messages safe to return to clients.
func publicError(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, scheduler.ErrLeaseHeld):
		return "already running"
	default:
		return "operation failed"
	}
}
