package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iRazvan2745/glare/internal/db"
)

// groupSummary is the aggregate over the runs of one fire.
type groupSummary struct {
	Total      int
	Success    int
	Failure    int
	Unfinished int
	MinStart   *time.Time
	MaxFinish  *time.Time
	// LatestFailureError is the error of the most recently finished failed
	// run, empty when no failed run carries one.
	LatestFailureError string
}

// finalizeAndRetain finalizes the run group and, when the fire produced at
// least one success and the policy has retention rules, kicks off the prune
// step. Called after push fan-out and after every pull-mode completion.
func (e *Engine) finalizeAndRetain(ctx context.Context, policyID, runGroupID uuid.UUID) error {
	finalized, policy, sum, err := e.finalizeGroup(ctx, policyID, runGroupID)
	if err != nil {
		return err
	}
	if !finalized {
		return nil
	}

	status := db.PolicyStatusSuccess
	if sum.Failure > 0 {
		status = db.PolicyStatusFailed
	}
	if e.stats != nil {
		e.stats.FiresTotal.WithLabelValues(status).Inc()
	}

	if sum.Success > 0 && policy.HasRetention() {
		e.runRetention(ctx, policy)
	}
	return nil
}

// finalizeGroup computes the group aggregate and, once no run is pending or
// running, writes the policy outcome. It runs inside a transaction that
// row-locks the policy on postgres so two completions racing on the last
// two runs cannot both finalize.
func (e *Engine) finalizeGroup(ctx context.Context, policyID, runGroupID uuid.UUID) (bool, *db.BackupPolicy, groupSummary, error) {
	var (
		finalized bool
		policy    db.BackupPolicy
		sum       groupSummary
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if db.IsPostgres(tx) {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&policy, "id = ?", policyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		var runs []db.BackupRun
		if err := tx.Where("policy_id = ? AND run_group_id = ?", policyID, runGroupID).
			Find(&runs).Error; err != nil {
			return err
		}
		sum = summarize(runs)
		if sum.Total == 0 || sum.Unfinished > 0 {
			return nil
		}

		outcome := fireOutcome(sum)
		updates := map[string]interface{}{
			"last_run_at":      outcome.lastRunAt,
			"last_status":      outcome.status,
			"last_error":       outcome.lastError,
			"last_duration_ms": outcome.durationMs,
		}
		// The next slot is evaluated from the fire's start, not its finish.
		// A fire that outlasts its cron gap becomes due again immediately.
		evalFrom := outcome.lastRunAt
		if sum.MinStart != nil {
			evalFrom = *sum.MinStart
		}
		if next := e.nextFireAfter(&policy, evalFrom); next != nil {
			updates["next_run_at"] = *next
		} else {
			updates["next_run_at"] = nil
		}

		if err := tx.Model(&db.BackupPolicy{}).Where("id = ?", policyID).
			Updates(updates).Error; err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		return false, nil, sum, fmt.Errorf("engine: finalize group: %w", err)
	}

	if finalized {
		e.log.Info("fire finalized",
			zap.String("policyId", policyID.String()),
			zap.String("runGroupId", runGroupID.String()),
			zap.Int("total", sum.Total),
			zap.Int("failed", sum.Failure))
	}
	return finalized, &policy, sum, nil
}

func summarize(runs []db.BackupRun) groupSummary {
	var sum groupSummary
	var latestFailure *time.Time

	for i := range runs {
		run := &runs[i]
		sum.Total++
		switch run.Status {
		case db.RunStatusSuccess:
			sum.Success++
		case db.RunStatusFailed:
			sum.Failure++
			if run.Error != "" {
				at := run.FinishedAt
				if at == nil {
					at = &run.CreatedAt
				}
				if latestFailure == nil || at.After(*latestFailure) {
					latestFailure = at
					sum.LatestFailureError = run.Error
				}
			}
		default:
			sum.Unfinished++
		}
		if run.StartedAt != nil && (sum.MinStart == nil || run.StartedAt.Before(*sum.MinStart)) {
			sum.MinStart = run.StartedAt
		}
		if run.FinishedAt != nil && (sum.MaxFinish == nil || run.FinishedAt.After(*sum.MaxFinish)) {
			sum.MaxFinish = run.FinishedAt
		}
	}
	return sum
}

type outcome struct {
	lastRunAt  time.Time
	status     string
	lastError  *string
	durationMs int64
}

func fireOutcome(sum groupSummary) outcome {
	out := outcome{lastRunAt: now()}
	if sum.MaxFinish != nil {
		out.lastRunAt = *sum.MaxFinish
	}

	switch {
	case sum.Failure == 0:
		out.status = db.PolicyStatusSuccess
	case sum.Success == 0:
		out.status = db.PolicyStatusFailed
		msg := sum.LatestFailureError
		if msg == "" {
			msg = "Backup failed"
		}
		out.lastError = ptrStr(msg)
	default:
		out.status = db.PolicyStatusFailed
		out.lastError = ptrStr(fmt.Sprintf("%d/%d workers failed", sum.Failure, sum.Total))
	}

	if sum.MinStart != nil && sum.MaxFinish != nil {
		if d := sum.MaxFinish.Sub(*sum.MinStart).Milliseconds(); d > 0 {
			out.durationMs = d
		}
	}
	return out
}
