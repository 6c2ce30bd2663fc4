// Package store defines the persistence interfaces of the server and their
// GORM implementations. Every read of user-scoped data is filtered by
// user id; callers never see rows belonging to other users.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iRazvan2745/glare/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// HeartbeatUpdate carries the fields a worker reports on sync.
type HeartbeatUpdate struct {
	Status        string
	Endpoint      *string // nil = leave unchanged
	UptimeMs      int64
	RequestsTotal int64
	ErrorTotal    int64
}

// WorkerStore persists workers and their heartbeat history.
type WorkerStore interface {
	Create(ctx context.Context, worker *db.Worker) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error)
	Update(ctx context.Context, worker *db.Worker) error
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Worker, int64, error)

	// Heartbeat applies a sync update, appends a WorkerSyncEvent, and prunes
	// all but the latest 10 000 events for the worker, in one transaction.
	// It returns the worker's status before the update so callers can react
	// to transitions (e.g. online -> degraded).
	Heartbeat(ctx context.Context, id uuid.UUID, update HeartbeatUpdate, now time.Time) (previousStatus string, err error)
}

// RepositoryStore persists repositories and their backup-worker set.
type RepositoryStore interface {
	Create(ctx context.Context, repo *db.Repository) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*db.Repository, error)
	Update(ctx context.Context, repo *db.Repository) error
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Repository, int64, error)

	// ListAll returns every repository across users. Used by the
	// reconciliation sweeper, which iterates (user, repository, worker).
	ListAll(ctx context.Context) ([]db.Repository, error)

	BackupWorkerIDs(ctx context.Context, repositoryID uuid.UUID) ([]uuid.UUID, error)
	AddBackupWorker(ctx context.Context, repositoryID, workerID uuid.UUID) error
	RemoveBackupWorker(ctx context.Context, repositoryID, workerID uuid.UUID) error
}

// FireOutcome is the aggregate result of a policy fire, written by the
// run-group aggregator.
type FireOutcome struct {
	LastRunAt      time.Time
	LastStatus     string
	LastError      *string
	LastDurationMs int64
	NextRunAt      *time.Time
}

// PolicyStore persists backup policies and their worker set.
type PolicyStore interface {
	Create(ctx context.Context, policy *db.BackupPolicy) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupPolicy, error)
	Update(ctx context.Context, policy *db.BackupPolicy) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.BackupPolicy, int64, error)

	// ListDue returns enabled policies with next_run_at <= now whose
	// previous fire is not still open, ordered by next_run_at ascending
	// with ties broken by id.
	ListDue(ctx context.Context, now time.Time) ([]db.BackupPolicy, error)

	// WorkerIDs returns the authoritative worker set of a policy. When the
	// join is empty the legacy single worker_id column is used as fallback.
	WorkerIDs(ctx context.Context, policyID uuid.UUID) ([]uuid.UUID, error)
	SetWorkerIDs(ctx context.Context, policyID uuid.UUID, workerIDs []uuid.UUID) error

	// ListForWorker returns enabled policies targeting the given worker,
	// the pull-mode policy catalog.
	ListForWorker(ctx context.Context, workerID uuid.UUID) ([]db.BackupPolicy, error)

	// FirstForRepositoryWorker returns the first policy binding the given
	// repository and worker, used by the sweeper to attribute synthesized
	// runs. Returns ErrNotFound when none exists.
	FirstForRepositoryWorker(ctx context.Context, repositoryID, workerID uuid.UUID) (*db.BackupPolicy, error)

	// SetFireOutcome writes the aggregate result of a finished fire.
	SetFireOutcome(ctx context.Context, policyID uuid.UUID, outcome FireOutcome) error

	// MarkRunning sets last_status = "running" at fire start.
	MarkRunning(ctx context.Context, policyID uuid.UUID) error
}

// RunStore persists backup runs.
type RunStore interface {
	Create(ctx context.Context, run *db.BackupRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRun, error)
	Update(ctx context.Context, run *db.BackupRun) error
	ListByGroup(ctx context.Context, policyID, runGroupID uuid.UUID) ([]db.BackupRun, error)

	// ListRecentBackups returns the most recent backup-type runs for a
	// (user, repository) scope, newest first, capped at limit.
	ListRecentBackups(ctx context.Context, userID, repositoryID uuid.UUID, limit int) ([]db.BackupRun, error)

	// KnownSnapshotIDs returns the distinct non-empty snapshot ids recorded
	// for a (user, repository) scope.
	KnownSnapshotIDs(ctx context.Context, userID, repositoryID uuid.UUID) ([]string, error)
}

// EventStore persists backup events.
type EventStore interface {
	Create(ctx context.Context, event *db.BackupEvent) error
	ListRecent(ctx context.Context, userID, repositoryID uuid.UUID, limit int) ([]db.BackupEvent, error)
}

// MetricStore persists run metrics and storage usage samples.
type MetricStore interface {
	Create(ctx context.Context, metric *db.BackupRunMetric) error

	// ListPrior returns up to limit metrics recorded before the given metric
	// for the same (user, policy) scope, or (user, repository) when
	// policyID is nil, newest first.
	ListPrior(ctx context.Context, metric *db.BackupRunMetric, limit int) ([]db.BackupRunMetric, error)

	// RecordUsageSample inserts a storage usage sample, ignoring duplicates
	// for the same (user, run).
	RecordUsageSample(ctx context.Context, sample *db.StorageUsageEvent) error
}

// AnomalyStore persists size anomalies.
type AnomalyStore interface {
	Create(ctx context.Context, anomaly *db.BackupSizeAnomaly) error

	// ResolveOpen marks all open anomalies for the (user, policy|nil,
	// repository) scope as resolved.
	ResolveOpen(ctx context.Context, userID uuid.UUID, policyID *uuid.UUID, repositoryID uuid.UUID, now time.Time) error

	ListOpen(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.BackupSizeAnomaly, int64, error)
}

// SettingStore persists key-value settings.
type SettingStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// UserStore persists users.
type UserStore interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}
