package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/anomaly"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/db/dbtest"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/workerapi"
)

// fakeClient scripts worker responses per endpoint.
type fakeClient struct {
	mu          sync.Mutex
	backupFn    func(endpoint string, req workerapi.BackupRequest) (*workerapi.Result, error)
	forgetFn    func(endpoint string, req workerapi.ForgetRequest) (*workerapi.Result, error)
	backupCalls []workerapi.BackupRequest
	forgetCalls []workerapi.ForgetRequest
}

func (c *fakeClient) Backup(_ context.Context, endpoint, _ string, req workerapi.BackupRequest) (*workerapi.Result, error) {
	c.mu.Lock()
	c.backupCalls = append(c.backupCalls, req)
	fn := c.backupFn
	c.mu.Unlock()
	if fn == nil {
		return &workerapi.Result{StatusCode: 200, Success: true}, nil
	}
	return fn(endpoint, req)
}

func (c *fakeClient) Forget(_ context.Context, endpoint, _ string, req workerapi.ForgetRequest) (*workerapi.Result, error) {
	c.mu.Lock()
	c.forgetCalls = append(c.forgetCalls, req)
	fn := c.forgetFn
	c.mu.Unlock()
	if fn == nil {
		return &workerapi.Result{StatusCode: 200, Success: true}, nil
	}
	return fn(endpoint, req)
}

func (c *fakeClient) Snapshots(_ context.Context, _, _ string, _ workerapi.SnapshotsRequest) (*workerapi.Result, error) {
	return &workerapi.Result{StatusCode: 200, Success: true}, nil
}

type fixture struct {
	db     *gorm.DB
	engine *Engine
	client *fakeClient
	userID uuid.UUID
	repo   *db.Repository
	policy *db.BackupPolicy
}

func newFixture(t *testing.T, pushMode bool) *fixture {
	t.Helper()
	database := dbtest.Open(t)

	client := &fakeClient{}
	metricStore := store.NewMetricStore(database)
	eventStore := store.NewEventStore(database)
	eng := New(Config{
		DB:       database,
		Workers:  store.NewWorkerStore(database),
		Repos:    store.NewRepositoryStore(database),
		Policies: store.NewPolicyStore(database),
		Runs:     store.NewRunStore(database),
		Events:   eventStore,
		Metrics:  metricStore,
		Client:   client,
		Detector: anomaly.NewDetector(metricStore, store.NewAnomalyStore(database), eventStore, nil, zap.NewNop()),
		Logger:   zap.NewNop(),
		PushMode: pushMode,
	})

	userID := uuid.New()
	repo := &db.Repository{
		UserID:  userID,
		Name:    "vault",
		Backend: "local",
		Path:    "/srv/repo",
		Options: db.JSONMap{},
	}
	require.NoError(t, database.Create(repo).Error)

	policy := &db.BackupPolicy{
		UserID:       userID,
		RepositoryID: repo.ID,
		Name:         "nightly",
		Cron:         "*/5 * * * *",
		PathsConfig:  `{"defaultPaths":["/a"]}`,
		Enabled:      true,
	}
	require.NoError(t, database.Create(policy).Error)

	return &fixture{
		db:     database,
		engine: eng,
		client: client,
		userID: userID,
		repo:   repo,
		policy: policy,
	}
}

// addWorker creates a worker attached to the repository and targeted by the
// policy.
func (f *fixture) addWorker(t *testing.T, name string) *db.Worker {
	t.Helper()
	worker := &db.Worker{
		UserID:        f.userID,
		Name:          name,
		Endpoint:      "http://" + name + ".internal:8080",
		SyncToken:     db.EncryptedString("token-" + name),
		SyncTokenHash: "hash-" + name,
	}
	require.NoError(t, f.db.Create(worker).Error)
	require.NoError(t, f.db.Create(&db.RepositoryWorker{RepositoryID: f.repo.ID, WorkerID: worker.ID}).Error)
	require.NoError(t, f.db.Create(&db.PolicyWorker{PolicyID: f.policy.ID, WorkerID: worker.ID}).Error)
	return worker
}

func (f *fixture) reloadPolicy(t *testing.T) *db.BackupPolicy {
	t.Helper()
	var policy db.BackupPolicy
	require.NoError(t, f.db.First(&policy, "id = ?", f.policy.ID).Error)
	return &policy
}

func (f *fixture) groupRuns(t *testing.T) []db.BackupRun {
	t.Helper()
	var runs []db.BackupRun
	require.NoError(t, f.db.Where("policy_id = ? AND type = ?", f.policy.ID, db.RunTypeBackup).
		Order("id ASC").Find(&runs).Error)
	return runs
}

func (f *fixture) eventsOfType(t *testing.T, eventType string) []db.BackupEvent {
	t.Helper()
	var events []db.BackupEvent
	require.NoError(t, f.db.Where("type = ?", eventType).Find(&events).Error)
	return events
}

const successBody = `{"rustic":{"success":true},"summary":{"data_added":1048576}}`

func TestPushFireAllWorkersSucceed(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	runs := f.groupRuns(t)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, db.RunStatusSuccess, run.Status)
		assert.NotNil(t, run.RunGroupID)
		assert.NotNil(t, run.FinishedAt)
	}

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusSuccess, *policy.LastStatus)
	assert.Nil(t, policy.LastError)
	require.NotNil(t, policy.LastDurationMs)
	assert.GreaterOrEqual(t, *policy.LastDurationMs, int64(0))
	require.NotNil(t, policy.NextRunAt)
	assert.True(t, policy.NextRunAt.After(*policy.LastRunAt))

	assert.Len(t, f.eventsOfType(t, db.EventBackupCompleted), 2)

	var metrics []db.BackupRunMetric
	require.NoError(t, f.db.Find(&metrics).Error)
	require.Len(t, metrics, 2)
	for _, m := range metrics {
		assert.Equal(t, int64(1048576), m.BytesAdded)
	}

	var anomalies []db.BackupSizeAnomaly
	require.NoError(t, f.db.Find(&anomalies).Error)
	assert.Empty(t, anomalies, "two samples are below the series minimum")
}

func TestPushFireUnreachableWorkerIsIsolated(t *testing.T) {
	f := newFixture(t, true)
	w1 := f.addWorker(t, "w1")
	f.addWorker(t, "w2")

	f.client.backupFn = func(endpoint string, _ workerapi.BackupRequest) (*workerapi.Result, error) {
		if endpoint == w1.Endpoint {
			return nil, context.DeadlineExceeded
		}
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusFailed, *policy.LastStatus)
	require.NotNil(t, policy.LastError)
	assert.Equal(t, "1/2 workers failed", *policy.LastError)

	assert.Len(t, f.eventsOfType(t, db.EventWorkerUnreachable), 1)
	assert.Len(t, f.eventsOfType(t, db.EventBackupCompleted), 1)
}

func TestPushFireWorkerFailureUsesReportedError(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")

	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{
			StatusCode:   200,
			Body:         `{"rustic":{"success":false},"error":"repository locked"}`,
			Success:      false,
			ErrorMessage: "repository locked",
		}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	runs := f.groupRuns(t)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "repository locked", runs[0].Error)

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastError)
	assert.Equal(t, "repository locked", *policy.LastError)
}

func TestEmptyPathsFailsClosed(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")
	f.policy.PathsConfig = "{}"
	require.NoError(t, f.db.Save(f.policy).Error)

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	assert.Empty(t, f.groupRuns(t), "no runs are created when paths are empty")

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusFailed, *policy.LastStatus)
	require.NotNil(t, policy.NextRunAt, "failed fires still advance the schedule")

	events := f.eventsOfType(t, db.EventBackupFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "empty_paths", events[0].Details["reason"])
}

func TestUnattachedWorkerIsRejected(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")

	// Targeted by the policy but not attached to the repository.
	stray := &db.Worker{UserID: f.userID, Name: "stray"}
	require.NoError(t, f.db.Create(stray).Error)
	require.NoError(t, f.db.Create(&db.PolicyWorker{PolicyID: f.policy.ID, WorkerID: stray.ID}).Error)

	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	require.Len(t, f.groupRuns(t), 1, "only the attached worker runs")

	var rejected []db.BackupEvent
	require.NoError(t, f.db.Where("type = ? AND worker_id = ?", db.EventBackupFailed, stray.ID).
		Find(&rejected).Error)
	require.Len(t, rejected, 1)
	assert.Equal(t, "worker_not_attached_to_repository", rejected[0].Details["reason"])
}

func TestWorkerWithoutPathsGetsFailedRun(t *testing.T) {
	f := newFixture(t, true)
	w1 := f.addWorker(t, "w1")
	w2 := f.addWorker(t, "w2")

	// w2 backs up the defaults; w1 has an explicit empty override.
	f.policy.PathsConfig = `{"defaultPaths":[],"workerPaths":{"` + w2.ID.String() + `":["/b"]}}`
	require.NoError(t, f.db.Save(f.policy).Error)

	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	runs := f.groupRuns(t)
	require.Len(t, runs, 2)

	byWorker := map[uuid.UUID]db.BackupRun{}
	for _, run := range runs {
		byWorker[*run.WorkerID] = run
	}
	assert.Equal(t, db.RunStatusFailed, byWorker[w1.ID].Status)
	assert.Equal(t, "No backup paths configured for worker", byWorker[w1.ID].Error)
	assert.Equal(t, db.RunStatusSuccess, byWorker[w2.ID].Status)
}

func TestPullFireQueuesPendingRuns(t *testing.T) {
	f := newFixture(t, false)
	f.addWorker(t, "w1")
	f.addWorker(t, "w2")

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	runs := f.groupRuns(t)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, db.RunStatusPending, run.Status)

		var envelope map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(run.Output), &envelope))
		require.Contains(t, envelope, "request")

		var req workerapi.BackupRequest
		require.NoError(t, json.Unmarshal(envelope["request"], &req))
		assert.Equal(t, []string{"/a"}, req.Paths)
		assert.Equal(t, "/srv/repo", req.Repository)
	}

	events := f.eventsOfType(t, db.EventBackupPending)
	require.Len(t, events, 2)
	assert.Equal(t, "queued", events[0].Details["phase"])

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusRunning, *policy.LastStatus, "fire stays open until workers complete")

	assert.Empty(t, f.client.backupCalls, "pull mode never calls the worker")
}

func TestClaimTransitionsOldestPendingRuns(t *testing.T) {
	f := newFixture(t, false)
	worker := f.addWorker(t, "w1")

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	claimed, err := f.engine.Claim(context.Background(), worker.ID, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, f.policy.ID, claimed[0].PlanID)
	assert.Equal(t, f.repo.ID, claimed[0].RepositoryID)

	var req workerapi.BackupRequest
	require.NoError(t, json.Unmarshal(claimed[0].Request, &req))
	assert.Equal(t, []string{"/a"}, req.Paths)

	var run db.BackupRun
	require.NoError(t, f.db.First(&run, "id = ?", claimed[0].ID).Error)
	assert.Equal(t, db.RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)

	// A second claim finds nothing.
	claimed, err = f.engine.Claim(context.Background(), worker.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimAutoFailsMalformedPayload(t *testing.T) {
	f := newFixture(t, false)
	worker := f.addWorker(t, "w1")

	group := uuid.New()
	run := &db.BackupRun{
		PolicyID:     f.policy.ID,
		UserID:       f.userID,
		RepositoryID: f.repo.ID,
		WorkerID:     &worker.ID,
		RunGroupID:   &group,
		Type:         db.RunTypeBackup,
		Status:       db.RunStatusPending,
		Output:       `{"note":"no request key"}`,
	}
	require.NoError(t, f.db.Create(run).Error)

	claimed, err := f.engine.Claim(context.Background(), worker.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	var reloaded db.BackupRun
	require.NoError(t, f.db.First(&reloaded, "id = ?", run.ID).Error)
	assert.Equal(t, db.RunStatusFailed, reloaded.Status)
	assert.Equal(t, "Invalid queued run payload", reloaded.Error)
	assert.NotNil(t, reloaded.FinishedAt)

	assert.Empty(t, f.eventsOfType(t, db.EventBackupFailed),
		"auto-fail is bookkeeping, not a user-facing failure")
}

func TestClaimIgnoresOtherWorkersRuns(t *testing.T) {
	f := newFixture(t, false)
	w1 := f.addWorker(t, "w1")
	w2 := f.addWorker(t, "w2")

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	claimed, err := f.engine.Claim(context.Background(), w1.ID, MaxClaimLimit)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = f.engine.Claim(context.Background(), w2.ID, MaxClaimLimit)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestPullCompletionFinalizesWhenLastWorkerReports(t *testing.T) {
	f := newFixture(t, false)
	w1 := f.addWorker(t, "w1")
	w2 := f.addWorker(t, "w2")
	w3 := f.addWorker(t, "w3")

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))
	require.Len(t, f.groupRuns(t), 3)

	complete := func(worker *db.Worker, status, errMsg string) {
		claimed, err := f.engine.Claim(context.Background(), worker.ID, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		_, err = f.engine.Complete(context.Background(), worker.ID, claimed[0].ID, CompleteRequest{
			Status: status,
			Error:  errMsg,
			Output: json.RawMessage(successBody),
		})
		require.NoError(t, err)
	}

	complete(w1, db.RunStatusSuccess, "")
	complete(w2, db.RunStatusSuccess, "")

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusRunning, *policy.LastStatus, "two of three runs are terminal")

	complete(w3, db.RunStatusFailed, "disk full")

	policy = f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusFailed, *policy.LastStatus)
	require.NotNil(t, policy.LastError)
	assert.Equal(t, "1/3 workers failed", *policy.LastError)
	require.NotNil(t, policy.NextRunAt)
}

func TestCompleteIsConditionalOnOwnerAndState(t *testing.T) {
	f := newFixture(t, false)
	w1 := f.addWorker(t, "w1")
	w2 := f.addWorker(t, "w2")

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	claimedByW1, err := f.engine.Claim(context.Background(), w1.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimedByW1, 1)

	// Wrong caller.
	_, err = f.engine.Complete(context.Background(), w2.ID, claimedByW1[0].ID, CompleteRequest{Status: db.RunStatusSuccess})
	require.ErrorIs(t, err, store.ErrNotFound)

	// Right caller.
	_, err = f.engine.Complete(context.Background(), w1.ID, claimedByW1[0].ID, CompleteRequest{Status: db.RunStatusSuccess})
	require.NoError(t, err)

	// Already terminal.
	_, err = f.engine.Complete(context.Background(), w1.ID, claimedByW1[0].ID, CompleteRequest{Status: db.RunStatusFailed})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteRunsSuccessPipeline(t *testing.T) {
	f := newFixture(t, false)
	worker := f.addWorker(t, "w1")

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))
	claimed, err := f.engine.Claim(context.Background(), worker.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	output := `{"rustic":{"success":true,"snapshot":{"id":"cafe000011112222","time":"2026-08-25T02:00:00Z"}},"summary":{"data_added":2048,"total_bytes_processed":4096,"files_new":3}}`
	run, err := f.engine.Complete(context.Background(), worker.ID, claimed[0].ID, CompleteRequest{
		Status: db.RunStatusSuccess,
		Output: json.RawMessage(output),
	})
	require.NoError(t, err)

	assert.Equal(t, "cafe000011112222", run.SnapshotID)
	require.NotNil(t, run.SnapshotTime)
	require.NotNil(t, run.DurationMs)

	var metric db.BackupRunMetric
	require.NoError(t, f.db.First(&metric, "run_id = ?", run.ID).Error)
	assert.Equal(t, int64(2048), metric.BytesAdded)
	assert.Equal(t, int64(4096), metric.BytesProcessed)
	require.NotNil(t, metric.FilesNew)
	assert.Equal(t, int64(3), *metric.FilesNew)

	var sample db.StorageUsageEvent
	require.NoError(t, f.db.First(&sample, "run_id = ?", run.ID).Error)
	assert.Equal(t, int64(2048), sample.BytesAdded)
}

func TestConcurrentClaimsNeverDoubleClaim(t *testing.T) {
	f := newFixture(t, false)
	worker := f.addWorker(t, "w1")

	// Queue ten pending runs across ten fires.
	for i := 0; i < 10; i++ {
		require.NoError(t, f.engine.Fire(context.Background(), f.policy))
	}

	var (
		mu    sync.Mutex
		seen  = map[uuid.UUID]int{}
		wg    sync.WaitGroup
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := f.engine.Claim(context.Background(), worker.ID, 3)
				if !assert.NoError(t, err) {
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					seen[c.ID]++
					total++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "run %s claimed more than once", id)
	}
}

func TestRetentionRunsAfterSuccessfulFire(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")

	keepLast := 7
	f.policy.KeepLast = &keepLast
	require.NoError(t, f.db.Save(f.policy).Error)

	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	require.Len(t, f.client.forgetCalls, 1)
	assert.True(t, f.client.forgetCalls[0].Prune)
	require.NotNil(t, f.client.forgetCalls[0].KeepLast)
	assert.Equal(t, 7, *f.client.forgetCalls[0].KeepLast)

	var pruneRuns []db.BackupRun
	require.NoError(t, f.db.Where("type = ?", db.RunTypePrune).Find(&pruneRuns).Error)
	require.Len(t, pruneRuns, 1)
	assert.Equal(t, db.RunStatusSuccess, pruneRuns[0].Status)
	assert.Nil(t, pruneRuns[0].RunGroupID, "prune runs carry no run group")

	assert.Len(t, f.eventsOfType(t, db.EventPruneCompleted), 1)
}

func TestRetentionSkippedWhenAllWorkersFail(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")

	keepLast := 7
	f.policy.KeepLast = &keepLast
	require.NoError(t, f.db.Save(f.policy).Error)

	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 500, Success: false, ErrorMessage: "boom"}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	assert.Empty(t, f.client.forgetCalls)
	var pruneRuns []db.BackupRun
	require.NoError(t, f.db.Where("type = ?", db.RunTypePrune).Find(&pruneRuns).Error)
	assert.Empty(t, pruneRuns)
}

func TestRetentionFailureDoesNotTouchFireOutcome(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")

	keepLast := 3
	f.policy.KeepLast = &keepLast
	require.NoError(t, f.db.Save(f.policy).Error)

	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}
	f.client.forgetFn = func(string, workerapi.ForgetRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 500, Success: false, ErrorMessage: "prune exploded"}, nil
	}

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusSuccess, *policy.LastStatus, "retention failure never fails the fire")

	var pruneRuns []db.BackupRun
	require.NoError(t, f.db.Where("type = ?", db.RunTypePrune).Find(&pruneRuns).Error)
	require.Len(t, pruneRuns, 1)
	assert.Equal(t, db.RunStatusFailed, pruneRuns[0].Status)
	assert.Equal(t, "prune exploded", pruneRuns[0].Error)

	assert.Len(t, f.eventsOfType(t, db.EventPruneFailed), 1)
}

func TestRepositoryMissingFailsClosed(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")
	require.NoError(t, f.db.Delete(&db.Repository{}, "id = ?", f.repo.ID).Error)

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.LastError)
	assert.Equal(t, "Repository not found", *policy.LastError)
	assert.Empty(t, f.groupRuns(t))
}

func TestNextRunAtFollowsCron(t *testing.T) {
	f := newFixture(t, true)
	f.addWorker(t, "w1")
	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	before := time.Now().UTC()
	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.NextRunAt)
	assert.True(t, policy.NextRunAt.After(before))
	assert.LessOrEqual(t, policy.NextRunAt.Sub(before), 5*time.Minute+time.Minute,
		"*/5 schedule fires within the next five minutes")
	assert.Zero(t, policy.NextRunAt.Minute()%5)
}

func TestOpenPullFireIsNotListedDueAgain(t *testing.T) {
	f := newFixture(t, false)
	worker := f.addWorker(t, "w1")

	policies := store.NewPolicyStore(f.db)
	due := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.db.Model(&db.BackupPolicy{}).Where("id = ?", f.policy.ID).
		Update("next_run_at", due).Error)

	listed, err := policies.ListDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	// The queued group leaves next_run_at in the past; the open fire alone
	// keeps the policy off the due list.
	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.NextRunAt)
	assert.True(t, policy.NextRunAt.Before(time.Now().UTC()))

	listed, err = policies.ListDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, listed, "an open fire is never dispatched a second time")

	claimed, err := f.engine.Claim(context.Background(), worker.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = f.engine.Complete(context.Background(), worker.ID, claimed[0].ID, CompleteRequest{
		Status: db.RunStatusSuccess,
		Output: json.RawMessage(successBody),
	})
	require.NoError(t, err)

	policy = f.reloadPolicy(t)
	require.NotNil(t, policy.LastStatus)
	assert.Equal(t, db.PolicyStatusSuccess, *policy.LastStatus)
	require.NotNil(t, policy.NextRunAt)
	assert.True(t, policy.NextRunAt.After(due), "finalization reschedules the policy")
}

func TestFinalizeEvaluatesNextFireFromFireStart(t *testing.T) {
	f := newFixture(t, false)
	worker := f.addWorker(t, "w1")

	f.policy.Cron = "0 * * * *"
	require.NoError(t, f.db.Save(f.policy).Error)

	// A fire that started at 10:30 and ran past two hourly slots.
	group := uuid.New()
	start := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	finish := time.Date(2026, 8, 25, 12, 10, 0, 0, time.UTC)
	run := &db.BackupRun{
		PolicyID:     f.policy.ID,
		UserID:       f.userID,
		RepositoryID: f.repo.ID,
		WorkerID:     &worker.ID,
		RunGroupID:   &group,
		Type:         db.RunTypeBackup,
		Status:       db.RunStatusSuccess,
		StartedAt:    &start,
		FinishedAt:   &finish,
	}
	require.NoError(t, f.db.Create(run).Error)

	require.NoError(t, f.engine.finalizeAndRetain(context.Background(), f.policy.ID, group))

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.NextRunAt)
	want := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	assert.True(t, policy.NextRunAt.Equal(want),
		"next fire is the first slot after the fire's start, got %s", policy.NextRunAt)
}

func TestFireMirrorsLegacyWorkerColumn(t *testing.T) {
	f := newFixture(t, true)
	w1 := f.addWorker(t, "w1")
	f.addWorker(t, "w2")
	f.client.backupFn = func(string, workerapi.BackupRequest) (*workerapi.Result, error) {
		return &workerapi.Result{StatusCode: 200, Body: successBody, Success: true}, nil
	}

	require.Nil(t, f.policy.WorkerID)
	require.NoError(t, f.engine.Fire(context.Background(), f.policy))

	policy := f.reloadPolicy(t)
	require.NotNil(t, policy.WorkerID)
	assert.Equal(t, w1.ID, *policy.WorkerID, "first set member lands in the legacy column")

	// The join stays authoritative: a stale legacy value is overwritten on
	// the next fire.
	stale := uuid.New()
	require.NoError(t, f.db.Model(&db.BackupPolicy{}).Where("id = ?", f.policy.ID).
		Update("worker_id", stale).Error)
	policy = f.reloadPolicy(t)
	require.NoError(t, f.engine.Fire(context.Background(), policy))

	policy = f.reloadPolicy(t)
	require.NotNil(t, policy.WorkerID)
	assert.Equal(t, w1.ID, *policy.WorkerID)
}
