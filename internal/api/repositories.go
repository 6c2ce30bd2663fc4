package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/attribution"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/store"
)

// RepositoryHandler serves the repository read surface consumed by the
// dashboard: logical snapshot executions and open size anomalies.
type RepositoryHandler struct {
	executions *attribution.Service
	anomalies  store.AnomalyStore
	logger     *zap.Logger
}

// NewRepositoryHandler builds the handler.
func NewRepositoryHandler(executions *attribution.Service, anomalies store.AnomalyStore, logger *zap.Logger) *RepositoryHandler {
	return &RepositoryHandler{
		executions: executions,
		anomalies:  anomalies,
		logger:     logger.Named("api.repositories"),
	}
}

// userParam parses the required user query parameter. The gateway injects
// it after authenticating the dashboard session.
func userParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		ErrBadRequest(w, "user query parameter must be a uuid")
		return uuid.UUID{}, false
	}
	return userID, true
}

// Executions handles GET /api/rustic/repositories/{id}/executions. It
// reduces recent runs and events into logical snapshot executions.
func (h *RepositoryHandler) Executions(w http.ResponseWriter, r *http.Request) {
	repositoryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid repository id")
		return
	}
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	executions, err := h.executions.Executions(r.Context(), userID, repositoryID)
	if err != nil {
		h.logger.Error("executions reduction failed",
			zap.String("repository_id", repositoryID.String()),
			zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"executions": executions})
}

// anomalyView is the wire shape of one open anomaly.
type anomalyView struct {
	ID             uuid.UUID  `json:"id"`
	RepositoryID   uuid.UUID  `json:"repositoryId"`
	PolicyID       *uuid.UUID `json:"policyId,omitempty"`
	ExpectedBytes  int64      `json:"expectedBytes"`
	ActualBytes    int64      `json:"actualBytes"`
	DeviationScore float64    `json:"deviationScore"`
	Severity       string     `json:"severity"`
	Reason         string     `json:"reason"`
	DetectedAt     time.Time  `json:"detectedAt"`
}

// Anomalies handles GET /api/rustic/anomalies. It lists the user's open
// size anomalies, newest first.
func (h *RepositoryHandler) Anomalies(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	rows, total, err := h.anomalies.ListOpen(r.Context(), userID, store.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("anomaly list failed", zap.String("user_id", userID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]anomalyView, 0, len(rows))
	for _, a := range rows {
		views = append(views, toAnomalyView(a))
	}
	Ok(w, map[string]any{"anomalies": views, "total": total})
}

func toAnomalyView(a db.BackupSizeAnomaly) anomalyView {
	return anomalyView{
		ID:             a.ID,
		RepositoryID:   a.RepositoryID,
		PolicyID:       a.PolicyID,
		ExpectedBytes:  a.ExpectedBytes,
		ActualBytes:    a.ActualBytes,
		DeviationScore: a.DeviationScore,
		Severity:       a.Severity,
		Reason:         a.Reason,
		DetectedAt:     a.DetectedAt,
	}
}
