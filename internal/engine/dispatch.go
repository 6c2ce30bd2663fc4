package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/backend"
	"github.com/iRazvan2745/glare/internal/cron"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/pathspec"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/workerapi"
)

// Fire executes one fire of a policy: resolve paths and workers, fan one
// run out per worker, and finalize the group once every run is terminal.
// In pull mode the fan-out only queues pending runs; finalization then
// happens as workers complete them.
func (e *Engine) Fire(ctx context.Context, policy *db.BackupPolicy) error {
	runGroupID := uuid.New()
	startedAt := now()
	log := e.log.With(
		zap.String("policyId", policy.ID.String()),
		zap.String("runGroupId", runGroupID.String()))

	if err := e.policies.MarkRunning(ctx, policy.ID); err != nil {
		return fmt.Errorf("engine: mark running: %w", err)
	}

	cfg, err := pathspec.Parse(policy.PathsConfig)
	if err != nil || cfg.Empty() {
		log.Warn("fire aborted, no backup paths configured")
		return e.failFire(ctx, policy, startedAt, "No backup paths configured", "empty_paths")
	}

	repo, err := e.repos.GetByID(ctx, policy.UserID, policy.RepositoryID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("fire aborted, repository missing")
		return e.failFire(ctx, policy, startedAt, "Repository not found", "repository_not_found")
	}
	if err != nil {
		return fmt.Errorf("engine: load repository: %w", err)
	}

	policyWorkers, err := e.policies.WorkerIDs(ctx, policy.ID)
	if err != nil {
		return fmt.Errorf("engine: load policy workers: %w", err)
	}
	repoWorkers, err := e.repos.BackupWorkerIDs(ctx, repo.ID)
	if err != nil {
		return fmt.Errorf("engine: load repository workers: %w", err)
	}

	valid, rejected := intersect(policyWorkers, repoWorkers)
	for _, workerID := range rejected {
		id := workerID
		e.emitEvent(ctx, &db.BackupEvent{
			UserID:       policy.UserID,
			RepositoryID: repo.ID,
			PolicyID:     &policy.ID,
			WorkerID:     &id,
			Type:         db.EventBackupFailed,
			Severity:     db.SeverityError,
			Message:      "Worker is not attached to the repository",
			Details:      db.JSONAny{"reason": "worker_not_attached_to_repository"},
		})
	}
	if len(valid) == 0 {
		log.Warn("fire aborted, no valid workers")
		return e.failFire(ctx, policy, startedAt, "No workers attached to the repository", "no_valid_workers")
	}

	// The PolicyWorker join is authoritative on read; the legacy single
	// worker_id column is kept mirrored to the first set member for older
	// readers.
	first := valid[0]
	if policy.WorkerID == nil || *policy.WorkerID != first {
		if err := e.db.WithContext(ctx).Model(&db.BackupPolicy{}).
			Where("id = ?", policy.ID).
			Update("worker_id", first).Error; err != nil {
			log.Error("failed to mirror legacy worker id", zap.Error(err))
		} else {
			policy.WorkerID = &first
		}
	}

	// The repository row is read once per fire; every worker sees the same
	// normalized backend tuple even if the row changes mid-fire.
	eff := backend.Normalize(repo.ID, repo.Backend, repo.Path, repo.Options)

	var wg sync.WaitGroup
	for _, workerID := range valid {
		paths := cfg.ResolveFor(workerID)
		if len(paths) == 0 {
			e.recordPathlessWorker(ctx, policy, repo, runGroupID, workerID, startedAt)
			continue
		}

		req := workerapi.BackupRequest{
			Backend:    eff.Backend,
			Options:    eff.Options,
			Repository: eff.Path,
			Password:   string(repo.Password),
			Paths:      paths,
			Tags:       policy.Tags,
			DryRun:     policy.DryRun,
		}

		if e.pushMode {
			wg.Add(1)
			id := workerID
			go func() {
				defer wg.Done()
				e.pushToWorker(ctx, policy, repo, runGroupID, id, req)
			}()
			if e.stats != nil {
				e.stats.RunsDispatched.WithLabelValues("push").Inc()
			}
		} else {
			if err := e.queueRun(ctx, policy, repo, runGroupID, workerID, req); err != nil {
				log.Error("failed to queue run", zap.Error(err))
			} else if e.stats != nil {
				e.stats.RunsDispatched.WithLabelValues("pull").Inc()
			}
		}
	}
	wg.Wait()

	return e.finalizeAndRetain(ctx, policy.ID, runGroupID)
}

// failFire records a pre-dispatch failure: no runs exist yet, so the policy
// outcome is written directly and the next fire time still advances.
func (e *Engine) failFire(ctx context.Context, policy *db.BackupPolicy, startedAt time.Time, message, reason string) error {
	e.emitEvent(ctx, &db.BackupEvent{
		UserID:       policy.UserID,
		RepositoryID: policy.RepositoryID,
		PolicyID:     &policy.ID,
		Type:         db.EventBackupFailed,
		Severity:     db.SeverityError,
		Message:      message,
		Details:      db.JSONAny{"reason": reason},
	})
	if e.stats != nil {
		e.stats.FiresTotal.WithLabelValues(db.PolicyStatusFailed).Inc()
	}

	outcome := store.FireOutcome{
		LastRunAt:  startedAt,
		LastStatus: db.PolicyStatusFailed,
		LastError:  ptrStr(message),
		NextRunAt:  e.nextFireAfter(policy, startedAt),
	}
	if err := e.policies.SetFireOutcome(ctx, policy.ID, outcome); err != nil {
		return fmt.Errorf("engine: record fire failure: %w", err)
	}
	return nil
}

// recordPathlessWorker persists the failed run for a worker whose path
// resolution came up empty, without aborting the fire.
func (e *Engine) recordPathlessWorker(ctx context.Context, policy *db.BackupPolicy, repo *db.Repository, runGroupID, workerID uuid.UUID, startedAt time.Time) {
	id := workerID
	run := &db.BackupRun{
		PolicyID:     policy.ID,
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		WorkerID:     &id,
		RunGroupID:   &runGroupID,
		Type:         db.RunTypeBackup,
		Status:       db.RunStatusFailed,
		Error:        "No backup paths configured for worker",
		StartedAt:    ptrTime(startedAt),
		FinishedAt:   ptrTime(startedAt),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		e.log.Error("failed to persist pathless run", zap.Error(err))
		return
	}
	e.countRun(db.RunStatusFailed)
	e.emitEvent(ctx, &db.BackupEvent{
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		PolicyID:     &policy.ID,
		RunID:        &run.ID,
		WorkerID:     &id,
		Type:         db.EventBackupFailed,
		Severity:     db.SeverityError,
		Message:      "No backup paths configured for worker",
		Details:      db.JSONAny{"reason": "worker_paths_missing"},
	})
}

// pushToWorker runs one synchronous push-mode dispatch. A panic anywhere in
// the exchange is converted into a failed run so one worker cannot take the
// whole fire down with it.
func (e *Engine) pushToWorker(ctx context.Context, policy *db.BackupPolicy, repo *db.Repository, runGroupID, workerID uuid.UUID, req workerapi.BackupRequest) {
	id := workerID
	startedAt := now()
	run := &db.BackupRun{
		PolicyID:     policy.ID,
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		WorkerID:     &id,
		RunGroupID:   &runGroupID,
		Type:         db.RunTypeBackup,
		Status:       db.RunStatusRunning,
		StartedAt:    ptrTime(startedAt),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		e.log.Error("failed to persist run", zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r == nil {
			return
		}
		run.Status = db.RunStatusFailed
		run.Error = "Worker execution crashed before completion"
		run.FinishedAt = ptrTime(now())
		if err := e.runs.Update(ctx, run); err != nil {
			e.log.Error("failed to persist crashed run", zap.Error(err))
		}
		e.countRun(db.RunStatusFailed)
	}()

	e.emitEvent(ctx, &db.BackupEvent{
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		PolicyID:     &policy.ID,
		RunID:        &run.ID,
		WorkerID:     &id,
		Type:         db.EventBackupRunning,
		Severity:     db.SeverityInfo,
		Message:      "Backup started",
	})

	worker, err := e.workers.GetByID(ctx, workerID)
	if err != nil || worker.Endpoint == "" {
		e.finishPushRun(ctx, policy, repo, run, startedAt, "", false, "Worker unreachable", db.EventWorkerUnreachable)
		return
	}

	result, err := e.client.Backup(ctx, worker.Endpoint, string(worker.SyncToken), req)
	if err != nil {
		if e.stats != nil {
			e.stats.WorkerCallErrors.Inc()
		}
		e.finishPushRun(ctx, policy, repo, run, startedAt, "", false, "Worker unreachable", db.EventWorkerUnreachable)
		return
	}

	if result.Success {
		e.finishPushRun(ctx, policy, repo, run, startedAt, result.Body, true, "", db.EventBackupCompleted)
		return
	}
	message := result.ErrorMessage
	if message == "" {
		message = "Backup failed"
	}
	e.finishPushRun(ctx, policy, repo, run, startedAt, result.Body, false, message, db.EventBackupFailed)
}

func (e *Engine) finishPushRun(ctx context.Context, policy *db.BackupPolicy, repo *db.Repository, run *db.BackupRun, startedAt time.Time, output string, success bool, errMsg, eventType string) {
	finishedAt := now()
	run.Output = output
	run.FinishedAt = ptrTime(finishedAt)
	run.DurationMs = ptrInt64(finishedAt.Sub(startedAt).Milliseconds())

	if success {
		run.Status = db.RunStatusSuccess
	} else {
		run.Status = db.RunStatusFailed
		run.Error = errMsg
	}
	if err := e.runs.Update(ctx, run); err != nil {
		e.log.Error("failed to persist run outcome", zap.Error(err))
		return
	}
	e.countRun(run.Status)

	severity := db.SeverityError
	message := errMsg
	if success {
		e.processSuccess(ctx, run)
		severity = db.SeverityInfo
		message = "Backup completed"
	}
	e.emitEvent(ctx, &db.BackupEvent{
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		PolicyID:     &policy.ID,
		RunID:        &run.ID,
		WorkerID:     run.WorkerID,
		Type:         eventType,
		Severity:     severity,
		Message:      message,
	})
}

// queueRun inserts a pending pull-mode run whose output blob carries the
// request payload for the worker to claim.
func (e *Engine) queueRun(ctx context.Context, policy *db.BackupPolicy, repo *db.Repository, runGroupID, workerID uuid.UUID, req workerapi.BackupRequest) error {
	payload, err := json.Marshal(map[string]any{"request": req})
	if err != nil {
		return fmt.Errorf("engine: marshal queued request: %w", err)
	}

	id := workerID
	run := &db.BackupRun{
		PolicyID:     policy.ID,
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		WorkerID:     &id,
		RunGroupID:   &runGroupID,
		Type:         db.RunTypeBackup,
		Status:       db.RunStatusPending,
		Output:       string(payload),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("engine: queue run: %w", err)
	}

	e.emitEvent(ctx, &db.BackupEvent{
		UserID:       policy.UserID,
		RepositoryID: repo.ID,
		PolicyID:     &policy.ID,
		RunID:        &run.ID,
		WorkerID:     &id,
		Type:         db.EventBackupPending,
		Severity:     db.SeverityInfo,
		Message:      "Backup queued for worker",
		Details:      db.JSONAny{"phase": "queued"},
	})
	return nil
}

// nextFireAfter evaluates the policy cron after t. Disabled policies get no
// next fire; an unparseable cron (rejected at write time, but rows predate
// validation) also yields none.
func (e *Engine) nextFireAfter(policy *db.BackupPolicy, t time.Time) *time.Time {
	if !policy.Enabled {
		return nil
	}
	schedule, err := cron.Parse(policy.Cron)
	if err != nil {
		e.log.Error("stored cron expression is invalid",
			zap.String("policyId", policy.ID.String()))
		return nil
	}
	next, err := schedule.NextFireAfter(t)
	if err != nil {
		return nil
	}
	return &next
}

// intersect splits policy workers into those attached to the repository and
// those that are not, preserving the policy's worker order.
func intersect(policyWorkers, repoWorkers []uuid.UUID) (valid, rejected []uuid.UUID) {
	attached := make(map[uuid.UUID]bool, len(repoWorkers))
	for _, id := range repoWorkers {
		attached[id] = true
	}
	for _, id := range policyWorkers {
		if attached[id] {
			valid = append(valid, id)
		} else {
			rejected = append(rejected, id)
		}
	}
	return valid, rejected
}
