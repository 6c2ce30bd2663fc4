package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/store"
)

// MaxClaimLimit caps how many pending runs one claim call may take.
const MaxClaimLimit = 20

// ClaimedRun is one unit of work handed to a polling worker.
type ClaimedRun struct {
	ID           uuid.UUID       `json:"id"`
	PlanID       uuid.UUID       `json:"planId"`
	RepositoryID uuid.UUID       `json:"repositoryId"`
	Request      json.RawMessage `json:"request"`
}

// Claim atomically transitions up to limit oldest pending runs of a worker
// to running. On postgres the selection skips rows locked by a concurrent
// claim, so replicas sharing a worker identity never double-claim; SQLite
// serializes writers and needs no row locking. Rows whose queued payload is
// missing or malformed are auto-failed instead of being handed out.
func (e *Engine) Claim(ctx context.Context, workerID uuid.UUID, limit int) ([]ClaimedRun, error) {
	if limit <= 0 || limit > MaxClaimLimit {
		limit = MaxClaimLimit
	}

	claimed := []ClaimedRun{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("worker_id = ? AND status = ? AND type = ?",
			workerID, db.RunStatusPending, db.RunTypeBackup).
			Order("id ASC").
			Limit(limit)
		if db.IsPostgres(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []db.BackupRun
		if err := q.Find(&rows).Error; err != nil {
			return err
		}

		startedAt := time.Now().UTC()
		for i := range rows {
			row := &rows[i]

			request := queuedRequest(row.Output)
			if request == nil {
				if err := tx.Model(&db.BackupRun{}).
					Where("id = ? AND status = ?", row.ID, db.RunStatusPending).
					Updates(map[string]interface{}{
						"status":      db.RunStatusFailed,
						"error":       "Invalid queued run payload",
						"finished_at": startedAt,
					}).Error; err != nil {
					return err
				}
				e.log.Warn("auto-failed run with malformed payload",
					zap.String("runId", row.ID.String()))
				continue
			}

			res := tx.Model(&db.BackupRun{}).
				Where("id = ? AND status = ?", row.ID, db.RunStatusPending).
				Updates(map[string]interface{}{
					"status":     db.RunStatusRunning,
					"started_at": startedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			claimed = append(claimed, ClaimedRun{
				ID:           row.ID,
				PlanID:       row.PolicyID,
				RepositoryID: row.RepositoryID,
				Request:      request,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: claim runs: %w", err)
	}
	return claimed, nil
}

// queuedRequest extracts the request object from a queued run's output
// blob. nil means the payload is missing or malformed.
func queuedRequest(output string) json.RawMessage {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(output), &envelope); err != nil {
		return nil
	}
	request, ok := envelope["request"]
	if !ok {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(request, &obj); err != nil {
		return nil
	}
	return request
}

// CompleteRequest is the terminal report a pull-mode worker posts for a
// claimed run.
type CompleteRequest struct {
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	SnapshotID   string          `json:"snapshotId,omitempty"`
	SnapshotTime *time.Time      `json:"snapshotTime,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// ErrInvalidStatus rejects completion reports with a status outside the
// terminal set.
var ErrInvalidStatus = fmt.Errorf("engine: status must be %q or %q", db.RunStatusSuccess, db.RunStatusFailed)

// Complete transitions a running run to its terminal state. The transition
// is conditional on the caller owning the run and the run being in state
// running; when no row matches, store.ErrNotFound is returned. A successful
// completion feeds the storage/metric/anomaly pipeline and, once the whole
// run group is terminal, finalizes the fire.
func (e *Engine) Complete(ctx context.Context, workerID, runID uuid.UUID, req CompleteRequest) (*db.BackupRun, error) {
	if req.Status != db.RunStatusSuccess && req.Status != db.RunStatusFailed {
		return nil, ErrInvalidStatus
	}

	finishedAt := now()
	updates := map[string]interface{}{
		"status":      req.Status,
		"error":       req.Error,
		"finished_at": finishedAt,
	}
	if req.DurationMs != nil {
		updates["duration_ms"] = *req.DurationMs
	}
	if req.SnapshotID != "" {
		updates["snapshot_id"] = req.SnapshotID
	}
	if req.SnapshotTime != nil {
		updates["snapshot_time"] = *req.SnapshotTime
	}
	if len(req.Output) > 0 {
		updates["output"] = string(req.Output)
	}

	res := e.db.WithContext(ctx).Model(&db.BackupRun{}).
		Where("id = ? AND worker_id = ? AND status = ?", runID, workerID, db.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("engine: complete run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}

	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine: reload completed run: %w", err)
	}
	if run.DurationMs == nil && run.StartedAt != nil {
		run.DurationMs = ptrInt64(finishedAt.Sub(*run.StartedAt).Milliseconds())
		if err := e.runs.Update(ctx, run); err != nil {
			e.log.Error("failed to persist run duration", zap.Error(err))
		}
	}
	e.countRun(run.Status)

	if run.Status == db.RunStatusSuccess {
		e.processSuccess(ctx, run)
		e.emitEvent(ctx, &db.BackupEvent{
			UserID:       run.UserID,
			RepositoryID: run.RepositoryID,
			PolicyID:     &run.PolicyID,
			RunID:        &run.ID,
			WorkerID:     run.WorkerID,
			Type:         db.EventBackupCompleted,
			Severity:     db.SeverityInfo,
			Message:      "Backup completed",
		})
	} else {
		message := run.Error
		if message == "" {
			message = "Backup failed"
		}
		e.emitEvent(ctx, &db.BackupEvent{
			UserID:       run.UserID,
			RepositoryID: run.RepositoryID,
			PolicyID:     &run.PolicyID,
			RunID:        &run.ID,
			WorkerID:     run.WorkerID,
			Type:         db.EventBackupFailed,
			Severity:     db.SeverityError,
			Message:      message,
		})
	}

	if run.RunGroupID != nil {
		if err := e.finalizeAndRetain(ctx, run.PolicyID, *run.RunGroupID); err != nil {
			e.log.Error("failed to finalize run group", zap.Error(err))
		}
	}
	return run, nil
}
