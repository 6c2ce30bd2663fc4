// Package anomaly flags backup runs whose bytes-added deviates sharply from
// the policy's recent history. The detector uses the median absolute
// deviation, which is robust to the occasional oversized first backup that
// would wreck a mean/stddev approach.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/store"
)

const (
	// maxPriorSamples caps how far back the series reaches.
	maxPriorSamples = 30
	// minSamples is the minimum series length for a decision; below it the
	// detector stays silent.
	minSamples = 5
	// scoreThreshold is the MAD score above which a run is anomalous.
	scoreThreshold = 3.5
	// errorThreshold upgrades the anomaly severity from warning to error.
	errorThreshold = 6.0
)

// Notifier receives the anomaly event after it is persisted. Delivery is
// best-effort and must not block the caller for long.
type Notifier interface {
	EventCreated(ctx context.Context, event *db.BackupEvent)
}

// Detector evaluates each new run metric against its series.
type Detector struct {
	metrics   store.MetricStore
	anomalies store.AnomalyStore
	events    store.EventStore
	notifier  Notifier
	log       *zap.Logger
}

// NewDetector returns a Detector writing through the given stores. Notifier
// may be nil.
func NewDetector(metrics store.MetricStore, anomalies store.AnomalyStore, events store.EventStore, notifier Notifier, log *zap.Logger) *Detector {
	return &Detector{
		metrics:   metrics,
		anomalies: anomalies,
		events:    events,
		notifier:  notifier,
		log:       log.Named("anomaly"),
	}
}

// Evaluate scores the metric's bytes-added against up to 30 prior metrics of
// the same (user, policy) series, or (user, repository) when the metric has
// no policy. A score below the threshold resolves any open anomalies for the
// scope; a score at or above it opens a new anomaly row and emits a
// backup_size_anomaly event. Fewer than 5 usable samples means no decision.
// The opened anomaly is returned, nil when none was opened.
func (d *Detector) Evaluate(ctx context.Context, metric *db.BackupRunMetric) (*db.BackupSizeAnomaly, error) {
	prior, err := d.metrics.ListPrior(ctx, metric, maxPriorSamples)
	if err != nil {
		return nil, fmt.Errorf("anomaly: load series: %w", err)
	}

	samples := make([]int64, 0, len(prior))
	for _, m := range prior {
		if m.BytesAdded > 0 {
			samples = append(samples, m.BytesAdded)
		}
	}
	if len(samples) < minSamples {
		return nil, nil
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	median := samples[len(samples)/2]

	deviations := make([]int64, len(samples))
	for i, s := range samples {
		deviations[i] = abs64(s - median)
	}
	sort.Slice(deviations, func(i, j int) bool { return deviations[i] < deviations[j] })
	mad := deviations[len(deviations)/2]
	if mad < 1 {
		mad = 1
	}

	actual := metric.BytesAdded
	score := math.Abs(float64(actual-median)) / float64(mad)

	if score < scoreThreshold {
		if err := d.anomalies.ResolveOpen(ctx, metric.UserID, metric.PolicyID, metric.RepositoryID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("anomaly: resolve open: %w", err)
		}
		return nil, nil
	}

	severity := db.SeverityWarning
	if score >= errorThreshold {
		severity = db.SeverityError
	}
	reason := db.AnomalySmaller
	if actual > median {
		reason = db.AnomalyLarger
	}

	row := &db.BackupSizeAnomaly{
		MetricID:       metric.ID,
		UserID:         metric.UserID,
		PolicyID:       metric.PolicyID,
		RepositoryID:   metric.RepositoryID,
		ExpectedBytes:  median,
		ActualBytes:    actual,
		DeviationScore: score,
		Status:         db.EventStatusOpen,
		Severity:       severity,
		Reason:         reason,
		DetectedAt:     time.Now().UTC(),
	}
	if err := d.anomalies.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("anomaly: create: %w", err)
	}

	event := &db.BackupEvent{
		UserID:       metric.UserID,
		RepositoryID: metric.RepositoryID,
		PolicyID:     metric.PolicyID,
		RunID:        &metric.RunID,
		Type:         db.EventBackupSizeAnomaly,
		Status:       db.EventStatusOpen,
		Severity:     severity,
		Message:      fmt.Sprintf("Backup added %d bytes, expected around %d", actual, median),
		Details: db.JSONAny{
			"expectedBytes": median,
			"actualBytes":   actual,
			"score":         score,
		},
	}
	if err := d.events.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("anomaly: create event: %w", err)
	}
	if d.notifier != nil {
		d.notifier.EventCreated(ctx, event)
	}

	d.log.Warn("backup size anomaly detected",
		zap.String("repositoryId", metric.RepositoryID.String()),
		zap.Int64("expectedBytes", median),
		zap.Int64("actualBytes", actual),
		zap.Float64("score", score),
		zap.String("reason", reason))
	return row, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
