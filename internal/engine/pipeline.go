package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/rustic"
)

// RecordSyntheticRun persists a run synthesized outside the normal dispatch
// path (the reconciliation sweeper) and feeds it through the success
// pipeline.
func (e *Engine) RecordSyntheticRun(ctx context.Context, run *db.BackupRun) error {
	if err := e.runs.Create(ctx, run); err != nil {
		return err
	}
	e.countRun(run.Status)
	e.processSuccess(ctx, run)
	return nil
}

// processSuccess runs the post-success pipeline shared by push completions,
// pull completions, and sweeper imports: extract the primary snapshot into
// the run row, record a storage usage sample, record the run metric, and
// evaluate the size-anomaly series. Each step is best-effort; a pipeline
// hiccup never turns a successful run into a failed one.
func (e *Engine) processSuccess(ctx context.Context, run *db.BackupRun) {
	blob, err := rustic.Decode(run.Output)
	if err != nil {
		e.log.Debug("run output is not JSON, skipping extraction",
			zap.String("runId", run.ID.String()))
		blob = nil
	}

	if ref, ok := rustic.PrimarySnapshot(blob); ok {
		run.SnapshotID = ref.ID
		if ref.Time != nil {
			run.SnapshotTime = ref.Time
		}
		if err := e.runs.Update(ctx, run); err != nil {
			e.log.Error("failed to persist snapshot reference",
				zap.String("runId", run.ID.String()),
				zap.Error(err))
		}
	}

	summary, _ := rustic.ExtractSummary(blob)

	recordedAt := now()
	if run.FinishedAt != nil {
		recordedAt = *run.FinishedAt
	}
	sample := &db.StorageUsageEvent{
		UserID:       run.UserID,
		RunID:        run.ID,
		RepositoryID: run.RepositoryID,
		BytesAdded:   summary.BytesAdded,
		RecordedAt:   recordedAt,
	}
	if err := e.metrics.RecordUsageSample(ctx, sample); err != nil {
		e.log.Error("failed to record usage sample",
			zap.String("runId", run.ID.String()),
			zap.Error(err))
	}

	policyID := run.PolicyID
	metric := &db.BackupRunMetric{
		RunID:           run.ID,
		UserID:          run.UserID,
		PolicyID:        &policyID,
		RepositoryID:    run.RepositoryID,
		SnapshotID:      run.SnapshotID,
		BytesAdded:      summary.BytesAdded,
		BytesProcessed:  summary.BytesProcessed,
		FilesNew:        summary.FilesNew,
		FilesChanged:    summary.FilesChanged,
		FilesUnmodified: summary.FilesUnmodified,
	}
	if err := e.metrics.Create(ctx, metric); err != nil {
		e.log.Error("failed to record run metric",
			zap.String("runId", run.ID.String()),
			zap.Error(err))
		return
	}

	if e.detector != nil {
		opened, err := e.detector.Evaluate(ctx, metric)
		if err != nil {
			e.log.Error("anomaly evaluation failed",
				zap.String("runId", run.ID.String()),
				zap.Error(err))
		}
		if opened != nil && e.stats != nil {
			e.stats.AnomaliesOpened.Inc()
		}
	}
}
