package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/backend"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/workerapi"
)

// runRetention issues the forget+prune step after a successful fire. It is
// best-effort end to end: any failure is recorded on its own prune run and
// never alters the parent fire's outcome.
func (e *Engine) runRetention(ctx context.Context, policy *db.BackupPolicy) {
	log := e.log.With(zap.String("policyId", policy.ID.String()))

	repo, err := e.repos.GetByID(ctx, policy.UserID, policy.RepositoryID)
	if err != nil {
		log.Error("retention skipped, repository unavailable", zap.Error(err))
		return
	}

	worker := e.firstRetentionWorker(ctx, policy, repo)
	if worker == nil {
		log.Warn("retention skipped, no reachable worker")
		return
	}

	eff := backend.Normalize(repo.ID, repo.Backend, repo.Path, repo.Options)

	startedAt := now()
	run := &db.BackupRun{
		PolicyID:     policy.ID,
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		WorkerID:     &worker.ID,
		Type:         db.RunTypePrune,
		Status:       db.RunStatusRunning,
		StartedAt:    ptrTime(startedAt),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		log.Error("failed to persist prune run", zap.Error(err))
		return
	}

	req := workerapi.ForgetRequest{
		Backend:     eff.Backend,
		Options:     eff.Options,
		Repository:  eff.Path,
		Password:    string(repo.Password),
		Prune:       true,
		KeepLast:    policy.KeepLast,
		KeepDaily:   policy.KeepDaily,
		KeepWeekly:  policy.KeepWeekly,
		KeepMonthly: policy.KeepMonthly,
		KeepYearly:  policy.KeepYearly,
		KeepWithin:  policy.KeepWithin,
	}

	result, err := e.client.Forget(ctx, worker.Endpoint, string(worker.SyncToken), req)

	finishedAt := now()
	run.FinishedAt = ptrTime(finishedAt)
	run.DurationMs = ptrInt64(finishedAt.Sub(startedAt).Milliseconds())

	var (
		eventType = db.EventPruneCompleted
		severity  = db.SeverityInfo
		message   = "Retention prune completed"
	)
	switch {
	case err != nil:
		if e.stats != nil {
			e.stats.WorkerCallErrors.Inc()
		}
		run.Status = db.RunStatusFailed
		run.Error = err.Error()
		eventType, severity, message = db.EventPruneFailed, db.SeverityError, "Retention prune failed"
	case !result.Success:
		run.Status = db.RunStatusFailed
		run.Error = result.ErrorMessage
		if run.Error == "" {
			run.Error = "Prune failed"
		}
		run.Output = result.Body
		eventType, severity, message = db.EventPruneFailed, db.SeverityError, "Retention prune failed"
	default:
		run.Status = db.RunStatusSuccess
		run.Output = result.Body
	}

	if err := e.runs.Update(ctx, run); err != nil {
		log.Error("failed to persist prune outcome", zap.Error(err))
	}
	e.countRun(run.Status)

	e.emitEvent(ctx, &db.BackupEvent{
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		PolicyID:     &policy.ID,
		RunID:        &run.ID,
		WorkerID:     &worker.ID,
		Type:         eventType,
		Severity:     severity,
		Message:      message,
	})
}

// firstRetentionWorker returns the first policy worker that is attached to
// the repository and reachable (endpoint and sync token present), in the
// policy's worker order.
func (e *Engine) firstRetentionWorker(ctx context.Context, policy *db.BackupPolicy, repo *db.Repository) *db.Worker {
	policyWorkers, err := e.policies.WorkerIDs(ctx, policy.ID)
	if err != nil {
		return nil
	}
	repoWorkers, err := e.repos.BackupWorkerIDs(ctx, repo.ID)
	if err != nil {
		return nil
	}

	valid, _ := intersect(policyWorkers, repoWorkers)
	for _, id := range valid {
		worker, err := e.workers.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if worker.Endpoint != "" && worker.SyncToken != "" {
			return worker
		}
	}
	return nil
}
