// Package engine is the backup orchestration core: it fires policies,
// fans runs out to workers (push) or queues them for polling workers
// (pull), reconciles outcomes into policy status, and drives the
// post-success metric and retention steps.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/anomaly"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/metrics"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/workerapi"
)

// Notifier receives events after they are persisted. Implementations fan
// out to webhooks and websocket subscribers; delivery is best-effort and
// must not block the caller for long.
type Notifier interface {
	EventCreated(ctx context.Context, event *db.BackupEvent)
}

// WorkerClient is the push-mode surface of the worker API consumed by the
// engine.
type WorkerClient interface {
	Backup(ctx context.Context, endpoint, syncToken string, req workerapi.BackupRequest) (*workerapi.Result, error)
	Forget(ctx context.Context, endpoint, syncToken string, req workerapi.ForgetRequest) (*workerapi.Result, error)
	Snapshots(ctx context.Context, endpoint, syncToken string, req workerapi.SnapshotsRequest) (*workerapi.Result, error)
}

// Config wires an Engine.
type Config struct {
	DB       *gorm.DB
	Workers  store.WorkerStore
	Repos    store.RepositoryStore
	Policies store.PolicyStore
	Runs     store.RunStore
	Events   store.EventStore
	Metrics  store.MetricStore
	Client   WorkerClient
	Detector *anomaly.Detector
	Notifier Notifier
	Stats    *metrics.Metrics
	Logger   *zap.Logger

	// PushMode dispatches runs synchronously to worker endpoints instead of
	// queueing them for polling workers.
	PushMode bool
}

// Engine executes policy fires and run completions.
type Engine struct {
	db       *gorm.DB
	workers  store.WorkerStore
	repos    store.RepositoryStore
	policies store.PolicyStore
	runs     store.RunStore
	events   store.EventStore
	metrics  store.MetricStore
	client   WorkerClient
	detector *anomaly.Detector
	notifier Notifier
	stats    *metrics.Metrics
	log      *zap.Logger
	pushMode bool
}

// New returns an Engine. Notifier and Stats may be nil.
func New(cfg Config) *Engine {
	return &Engine{
		db:       cfg.DB,
		workers:  cfg.Workers,
		repos:    cfg.Repos,
		policies: cfg.Policies,
		runs:     cfg.Runs,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		client:   cfg.Client,
		detector: cfg.Detector,
		notifier: cfg.Notifier,
		stats:    cfg.Stats,
		log:      cfg.Logger.Named("engine"),
		pushMode: cfg.PushMode,
	}
}

// PushMode reports whether the engine dispatches synchronously.
func (e *Engine) PushMode() bool { return e.pushMode }

// emitEvent persists an event and hands it to the notifier. Event emission
// never fails a fire; persistence errors are logged and swallowed.
func (e *Engine) emitEvent(ctx context.Context, event *db.BackupEvent) {
	if err := e.events.Create(ctx, event); err != nil {
		e.log.Error("failed to persist event",
			zap.String("type", event.Type),
			zap.Error(err))
		return
	}
	if e.notifier != nil {
		e.notifier.EventCreated(ctx, event)
	}
}

func (e *Engine) countRun(status string) {
	if e.stats != nil {
		e.stats.RunsFinished.WithLabelValues(status).Inc()
	}
}

func now() time.Time { return time.Now().UTC() }

func ptrTime(t time.Time) *time.Time { return &t }

func ptrInt64(v int64) *int64 { return &v }

func ptrStr(s string) *string { return &s }
