// Package sweeper reconciles the run history with reality. Backups can
// reach a repository without the server seeing them finish (process restart
// mid-fire, a worker backing up out of band), so the sweeper periodically
// asks each healthy worker for the snapshots it sees and synthesizes
// successful runs for any the server does not know about.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/backend"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/engine"
	"github.com/iRazvan2745/glare/internal/metrics"
	"github.com/iRazvan2745/glare/internal/rustic"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/workerapi"
)

const (
	// Interval is the period of the background sweep.
	Interval = 30 * time.Minute
	// Debounce rejects repeated on-demand sweeps of the same user.
	Debounce = 5 * time.Minute
)

// ErrDebounced rejects an on-demand sweep that came too soon after the
// previous one for the same user.
var ErrDebounced = errors.New("sweeper: user swept recently")

// Sweeper imports snapshots discovered on workers.
type Sweeper struct {
	repos    store.RepositoryStore
	workers  store.WorkerStore
	policies store.PolicyStore
	runs     store.RunStore
	engine   *engine.Engine
	client   engine.WorkerClient
	stats    *metrics.Metrics
	log      *zap.Logger

	mu        sync.Mutex
	lastSweep map[uuid.UUID]time.Time
}

// New returns a Sweeper. Stats may be nil.
func New(repos store.RepositoryStore, workers store.WorkerStore, policies store.PolicyStore, runs store.RunStore, eng *engine.Engine, client engine.WorkerClient, stats *metrics.Metrics, log *zap.Logger) *Sweeper {
	return &Sweeper{
		repos:     repos,
		workers:   workers,
		policies:  policies,
		runs:      runs,
		engine:    eng,
		client:    client,
		stats:     stats,
		log:       log.Named("sweeper"),
		lastSweep: map[uuid.UUID]time.Time{},
	}
}

// SweepAll sweeps every repository of every user. The background loop calls
// it with force=true since the interval already spaces sweeps out.
func (s *Sweeper) SweepAll(ctx context.Context, force bool) error {
	repos, err := s.repos.ListAll(ctx)
	if err != nil {
		return err
	}

	byUser := map[uuid.UUID][]db.Repository{}
	for _, repo := range repos {
		byUser[repo.UserID] = append(byUser[repo.UserID], repo)
	}

	for userID, userRepos := range byUser {
		if err := s.sweepUser(ctx, userID, userRepos, force); err != nil && !errors.Is(err, ErrDebounced) {
			s.log.Error("user sweep failed",
				zap.String("userId", userID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// SweepUser sweeps one user on demand, honoring the per-user debounce
// unless force is set.
func (s *Sweeper) SweepUser(ctx context.Context, userID uuid.UUID, force bool) (int, error) {
	repos, _, err := s.repos.List(ctx, userID, store.ListOptions{Limit: 1000})
	if err != nil {
		return 0, err
	}
	imported, err := s.sweepUserRepos(ctx, userID, repos, force)
	return imported, err
}

func (s *Sweeper) sweepUser(ctx context.Context, userID uuid.UUID, repos []db.Repository, force bool) error {
	_, err := s.sweepUserRepos(ctx, userID, repos, force)
	return err
}

func (s *Sweeper) sweepUserRepos(ctx context.Context, userID uuid.UUID, repos []db.Repository, force bool) (int, error) {
	if !s.admitUser(userID, force) {
		return 0, ErrDebounced
	}

	imported := 0
	for i := range repos {
		n, err := s.sweepRepository(ctx, &repos[i])
		if err != nil {
			s.log.Error("repository sweep failed",
				zap.String("repositoryId", repos[i].ID.String()),
				zap.Error(err))
			continue
		}
		imported += n
	}
	return imported, nil
}

// admitUser applies the per-user debounce and records the sweep time.
func (s *Sweeper) admitUser(userID uuid.UUID, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastSweep[userID]
	if ok && !force && time.Since(last) < Debounce {
		return false
	}
	s.lastSweep[userID] = time.Now()
	return true
}

func (s *Sweeper) sweepRepository(ctx context.Context, repo *db.Repository) (int, error) {
	workerIDs, err := s.repos.BackupWorkerIDs(ctx, repo.ID)
	if err != nil {
		return 0, err
	}

	known, err := s.runs.KnownSnapshotIDs(ctx, repo.UserID, repo.ID)
	if err != nil {
		return 0, err
	}

	eff := backend.Normalize(repo.ID, repo.Backend, repo.Path, repo.Options)
	req := workerapi.SnapshotsRequest{
		Backend:    eff.Backend,
		Options:    eff.Options,
		Repository: eff.Path,
		Password:   string(repo.Password),
	}

	imported := 0
	for _, workerID := range workerIDs {
		worker, err := s.workers.GetByID(ctx, workerID)
		if err != nil {
			continue
		}
		if worker.Endpoint == "" || worker.SyncToken == "" || !worker.Online(time.Now().UTC()) {
			continue
		}

		result, err := s.client.Snapshots(ctx, worker.Endpoint, string(worker.SyncToken), req)
		if err != nil {
			s.log.Warn("snapshot listing failed",
				zap.String("workerId", workerID.String()),
				zap.Error(err))
			continue
		}
		if !result.Success {
			continue
		}

		n, err := s.importMissing(ctx, repo, worker, result.Decoded, &known)
		if err != nil {
			return imported, err
		}
		imported += n
	}
	return imported, nil
}

// importMissing synthesizes a success run for every worker snapshot the
// server has no record of. known grows as imports land so a snapshot seen
// by two workers is imported once.
func (s *Sweeper) importMissing(ctx context.Context, repo *db.Repository, worker *db.Worker, blob any, known *[]string) (int, error) {
	imported := 0
	for _, record := range rustic.ExtractSnapshotRecords(blob) {
		if snapshotKnown(*known, record.Ref.ID) {
			continue
		}

		policy, err := s.policies.FirstForRepositoryWorker(ctx, repo.ID, worker.ID)
		if errors.Is(err, store.ErrNotFound) {
			// No policy binds this pair; there is nothing to attribute the
			// run to, so the snapshot stays external.
			continue
		}
		if err != nil {
			return imported, err
		}

		at := time.Now().UTC()
		if record.Ref.Time != nil {
			at = *record.Ref.Time
		}

		output, err := json.Marshal(record.Raw)
		if err != nil {
			continue
		}

		workerID := worker.ID
		run := &db.BackupRun{
			PolicyID:     policy.ID,
			UserID:       repo.UserID,
			RepositoryID: repo.ID,
			WorkerID:     &workerID,
			Type:         db.RunTypeBackup,
			Status:       db.RunStatusSuccess,
			SnapshotID:   record.Ref.ID,
			SnapshotTime: record.Ref.Time,
			Output:       string(output),
			StartedAt:    &at,
			FinishedAt:   &at,
		}
		if err := s.engine.RecordSyntheticRun(ctx, run); err != nil {
			return imported, err
		}

		*known = append(*known, record.Ref.ID)
		imported++
		if s.stats != nil {
			s.stats.SweepRunsImported.Inc()
		}
		s.log.Info("imported snapshot discovered on worker",
			zap.String("repositoryId", repo.ID.String()),
			zap.String("workerId", worker.ID.String()),
			zap.String("snapshotId", record.Ref.ID))
	}
	return imported, nil
}

// snapshotKnown reports whether id matches a known snapshot, either exactly
// or by the 8-character short-id prefix in either direction.
func snapshotKnown(known []string, id string) bool {
	id = strings.ToLower(id)
	for _, k := range known {
		k = strings.ToLower(k)
		if k == id {
			return true
		}
		if len(k) >= 8 && len(id) >= 8 {
			if k[:8] == id[:8] {
				return true
			}
			continue
		}
		if strings.HasPrefix(k, id) || strings.HasPrefix(id, k) {
			return true
		}
	}
	return false
}
