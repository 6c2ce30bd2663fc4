package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User is the ownership and isolation key for everything below. Session
// handling and login live outside this server; only the rows needed to
// scope queries are modelled here.
type User struct {
	Base
	Email       string `gorm:"uniqueIndex;not null"`
	DisplayName string `gorm:"not null"`
	IsActive    bool   `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

// Worker statuses reported via the heartbeat endpoint.
const (
	WorkerStatusOnline   = "online"
	WorkerStatusDegraded = "degraded"
	WorkerStatusOffline  = "offline"
)

// OnlineWindow is the maximum heartbeat age for a worker to count as online.
const OnlineWindow = 45 * time.Second

// Worker is a remote agent that executes the snapshot tool against user
// repositories. Workers authenticate with a sync token; only its SHA-256
// hash is persisted (SyncTokenHash). The raw token is shown once at creation.
type Worker struct {
	Base
	UserID        uuid.UUID `gorm:"type:text;not null;index"`
	Name          string    `gorm:"not null"`
	Region        string    `gorm:"default:''"`
	Status        string    `gorm:"not null;default:'offline'"`
	LastSeenAt    *time.Time
	UptimeMs      int64  `gorm:"not null;default:0"`
	RequestsTotal int64  `gorm:"not null;default:0"`
	ErrorTotal    int64  `gorm:"not null;default:0"`
	Endpoint      string `gorm:"default:''"` // base URL for push dispatch; empty = pull-only

	// SyncToken is the raw bearer credential, encrypted at rest; the server
	// presents it when calling the worker in push mode. SyncTokenHash is the
	// SHA-256 used to verify tokens presented by the worker in pull mode.
	SyncToken     EncryptedString `gorm:"type:text"`
	SyncTokenHash string          `gorm:"not null;default:'';index"`
}

// Online reports whether the worker's last heartbeat is within OnlineWindow.
func (w *Worker) Online(now time.Time) bool {
	return w.LastSeenAt != nil && now.Sub(*w.LastSeenAt) <= OnlineWindow
}

// WorkerSyncEvent is one heartbeat record. Only the latest 10 000 events per
// worker are retained; older rows are pruned inside the heartbeat transaction.
type WorkerSyncEvent struct {
	Base
	WorkerID      uuid.UUID `gorm:"type:text;not null;index"`
	Status        string    `gorm:"not null"`
	UptimeMs      int64     `gorm:"not null;default:0"`
	RequestsTotal int64     `gorm:"not null;default:0"`
	ErrorTotal    int64     `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Repositories
// -----------------------------------------------------------------------------

// Repository is a snapshot store owned by a user. Options holds backend
// settings as a flat string map (e.g. s3.endpoint, rclone.config.*).
// Password is the symmetric repository secret used by the worker tool; it is
// encrypted at rest and never logged.
type Repository struct {
	Base
	UserID          uuid.UUID       `gorm:"type:text;not null;index"`
	Name            string          `gorm:"not null"`
	Backend         string          `gorm:"not null"` // "local", "s3", "b2", "sftp", "webdav", "rest", "rclone"
	Path            string          `gorm:"not null"` // wire-form repository path
	Password        EncryptedString `gorm:"type:text"`
	Options         JSONMap         `gorm:"type:text;default:'{}'"`
	InitializedAt   *time.Time
	PrimaryWorkerID *uuid.UUID `gorm:"type:text"`
}

// RepositoryWorker lists the workers allowed to back up into a repository.
// Policies may only target workers present in this set.
type RepositoryWorker struct {
	Base
	RepositoryID uuid.UUID `gorm:"type:text;not null;index:idx_repo_worker,unique"`
	WorkerID     uuid.UUID `gorm:"type:text;not null;index:idx_repo_worker,unique"`
}

// -----------------------------------------------------------------------------
// Backup policies
// -----------------------------------------------------------------------------

// Policy last-run statuses.
const (
	PolicyStatusSuccess = "success"
	PolicyStatusFailed  = "failed"
	PolicyStatusRunning = "running"
)

// BackupPolicy binds a repository, a worker set, paths, tags, a cron
// expression and retention rules. WorkerID is the legacy single-worker
// column: reads treat the PolicyWorker join as authoritative, writes persist
// the first member of the set back into WorkerID for back-compat.
type BackupPolicy struct {
	Base
	UserID       uuid.UUID  `gorm:"type:text;not null;index"`
	RepositoryID uuid.UUID  `gorm:"type:text;not null;index"`
	WorkerID     *uuid.UUID `gorm:"type:text"` // legacy, see note above
	Name         string     `gorm:"not null"`
	Cron         string     `gorm:"not null"` // 5-field cron expression
	PathsConfig  string     `gorm:"type:text;not null;default:'{}'"` // pathspec.Config JSON
	Tags         StringSlice `gorm:"type:text;default:'[]'"`
	DryRun       bool       `gorm:"not null;default:false"`
	Enabled      bool       `gorm:"not null;default:true"`

	LastRunAt      *time.Time
	NextRunAt      *time.Time `gorm:"index"`
	LastStatus     *string
	LastError      *string `gorm:"type:text"`
	LastDurationMs *int64

	Prune       bool `gorm:"not null;default:false"`
	KeepLast    *int
	KeepDaily   *int
	KeepWeekly  *int
	KeepMonthly *int
	KeepYearly  *int
	KeepWithin  *string

	// Advisory lease serializing scheduler-driven fires across replicas.
	RunLeaseUntil *time.Time
	RunLeaseOwner *string
}

// HasRetention reports whether any retention rule is set, which gates the
// post-fire prune step.
func (p *BackupPolicy) HasRetention() bool {
	return p.KeepLast != nil || p.KeepDaily != nil || p.KeepWeekly != nil ||
		p.KeepMonthly != nil || p.KeepYearly != nil || p.KeepWithin != nil
}

// PolicyWorker enumerates the workers a policy fans out to.
type PolicyWorker struct {
	Base
	PolicyID uuid.UUID `gorm:"type:text;not null;index:idx_policy_worker,unique"`
	WorkerID uuid.UUID `gorm:"type:text;not null;index:idx_policy_worker,unique"`
}

// -----------------------------------------------------------------------------
// Backup runs
// -----------------------------------------------------------------------------

// Run types and statuses. State machine: pending -> running -> success|failed,
// with pending -> failed allowed when dispatch fails before any worker starts.
const (
	RunTypeBackup = "backup"
	RunTypePrune  = "prune"

	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// BackupRun is the per-worker work unit of a single policy fire. All runs of
// one fire share RunGroupID; retention runs carry none. Output is the opaque
// worker response (or, for pending pull-mode runs, the queued request under
// an "request" key), persisted verbatim.
type BackupRun struct {
	Base
	PolicyID     uuid.UUID  `gorm:"type:text;not null;index"`
	UserID       uuid.UUID  `gorm:"type:text;not null;index"`
	RepositoryID uuid.UUID  `gorm:"type:text;not null;index"`
	WorkerID     *uuid.UUID `gorm:"type:text;index"` // nil only for pre-dispatch failures
	RunGroupID   *uuid.UUID `gorm:"type:text;index"`
	Type         string     `gorm:"not null;default:'backup'"`
	Status       string     `gorm:"not null;default:'pending';index"`
	Error        string     `gorm:"type:text;default:''"`
	DurationMs   *int64
	SnapshotID   string `gorm:"default:'';index"`
	SnapshotTime *time.Time
	Output       string `gorm:"type:text;default:''"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Backup events
// -----------------------------------------------------------------------------

// Backup event types.
const (
	EventBackupPending         = "backup_pending"
	EventBackupRunning         = "backup_running"
	EventBackupCompleted       = "backup_completed"
	EventBackupFailed          = "backup_failed"
	EventWorkerUnreachable     = "worker_unreachable"
	EventBackupSizeAnomaly     = "backup_size_anomaly"
	EventPruneCompleted        = "prune_completed"
	EventPruneFailed           = "prune_failed"
	EventManualBackupCompleted = "manual_backup_completed"
	EventSnapshotForgotten     = "snapshot_forgotten"
)

// Event statuses and severities.
const (
	EventStatusOpen     = "open"
	EventStatusResolved = "resolved"

	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// BackupEvent is an append-only notification record.
type BackupEvent struct {
	Base
	UserID       uuid.UUID  `gorm:"type:text;not null;index"`
	RepositoryID uuid.UUID  `gorm:"type:text;not null;index"`
	PolicyID     *uuid.UUID `gorm:"type:text;index"`
	RunID        *uuid.UUID `gorm:"type:text;index"`
	WorkerID     *uuid.UUID `gorm:"type:text;index"`
	Type         string     `gorm:"not null;index"`
	Status       string     `gorm:"not null;default:'open'"`
	Severity     string     `gorm:"not null;default:'info'"`
	Message      string     `gorm:"type:text;not null"`
	Details      JSONAny    `gorm:"type:text;default:'{}'"`
	ResolvedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Metrics, storage samples, anomalies
// -----------------------------------------------------------------------------

// BackupRunMetric is one row per successful run, carrying the size summary
// extracted from the worker output.
type BackupRunMetric struct {
	Base
	RunID          uuid.UUID  `gorm:"type:text;not null;uniqueIndex"`
	UserID         uuid.UUID  `gorm:"type:text;not null;index"`
	PolicyID       *uuid.UUID `gorm:"type:text;index"`
	RepositoryID   uuid.UUID  `gorm:"type:text;not null;index"`
	SnapshotID     string     `gorm:"default:''"`
	BytesAdded     int64      `gorm:"not null;default:0"`
	BytesProcessed int64      `gorm:"not null;default:0"`
	FilesNew       *int64
	FilesChanged   *int64
	FilesUnmodified *int64
}

// StorageUsageEvent is an append-only bytes-added sample used for growth
// charts. At most one sample exists per (user, run).
type StorageUsageEvent struct {
	Base
	UserID       uuid.UUID `gorm:"type:text;not null;index:idx_usage_user_run,unique"`
	RunID        uuid.UUID `gorm:"type:text;not null;index:idx_usage_user_run,unique"`
	RepositoryID uuid.UUID `gorm:"type:text;not null;index"`
	BytesAdded   int64     `gorm:"not null;default:0"`
	RecordedAt   time.Time `gorm:"not null;index"`
}

// Anomaly reasons.
const (
	AnomalyLarger  = "larger_than_expected"
	AnomalySmaller = "smaller_than_expected"
)

// BackupSizeAnomaly is an MAD-based outlier flagged on the bytes-added series
// of a policy (or repository when the metric has no policy). Open anomalies
// are resolved automatically once the series returns below the threshold.
type BackupSizeAnomaly struct {
	Base
	MetricID       uuid.UUID  `gorm:"type:text;not null;index"`
	UserID         uuid.UUID  `gorm:"type:text;not null;index"`
	PolicyID       *uuid.UUID `gorm:"type:text;index"`
	RepositoryID   uuid.UUID  `gorm:"type:text;not null;index"`
	ExpectedBytes  int64      `gorm:"not null"`
	ActualBytes    int64      `gorm:"not null"`
	DeviationScore float64    `gorm:"not null"`
	Status         string     `gorm:"not null;default:'open';index"`
	Severity       string     `gorm:"not null;default:'warning'"`
	Reason         string     `gorm:"not null"`
	DetectedAt     time.Time  `gorm:"not null"`
	ResolvedAt     *time.Time
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry (e.g. "signup.enabled",
// "webhook.url"). Sensitive values are wrapped in EncryptedString by callers.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
