// Package attribution answers "which workers produced which logical
// snapshot" for a repository. It is a read-side reducer over recent runs and
// events: nothing here writes to the database, so the answer can be
// recomputed freely as new runs land.
package attribution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/rustic"
	"github.com/iRazvan2745/glare/internal/store"
)

// historyLimit bounds how many recent runs and events feed one reduction.
const historyLimit = 1000

// Execution is one logical snapshot execution: a group of per-worker runs
// that belong together, either by shared run-group or by producing the same
// snapshot.
type Execution struct {
	// SnapshotID is the representative snapshot: latest by time, ties broken
	// toward the lexically higher normalized id.
	SnapshotID   string     `json:"snapshotId"`
	SnapshotTime *time.Time `json:"snapshotTime,omitempty"`
	// SnapshotIDs lists every source snapshot id merged into this execution.
	SnapshotIDs  []string `json:"snapshotIds"`
	RunGroupIDs  []string `json:"runGroupIds"`
	WorkerIDs    []string `json:"workerIds"`
	RunCount     int      `json:"runCount"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
}

// Service loads the reduction inputs from the stores.
type Service struct {
	runs   store.RunStore
	events store.EventStore
}

// NewService returns an attribution service over the given stores.
func NewService(runs store.RunStore, events store.EventStore) *Service {
	return &Service{runs: runs, events: events}
}

// Executions reduces the most recent runs and events of (user, repository)
// into logical snapshot executions, sorted by snapshot time descending.
func (s *Service) Executions(ctx context.Context, userID, repositoryID uuid.UUID) ([]Execution, error) {
	runs, err := s.runs.ListRecentBackups(ctx, userID, repositoryID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("attribution: load runs: %w", err)
	}
	events, err := s.events.ListRecent(ctx, userID, repositoryID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("attribution: load events: %w", err)
	}
	return Reduce(runs, events), nil
}

// bucket accumulates per-snapshot state during the run and event passes.
type bucket struct {
	snapshotID   string // representative, original casing
	snapshotTime *time.Time
	runGroupIDs  map[string]bool
	workerIDs    map[string]bool
	total        int
	success      int
	failure      int
	startedAt    *time.Time
}

// Reduce runs the three-pass reduction: bucket runs by normalized snapshot
// id, fill gaps from events, then merge buckets that share a run-group.
func Reduce(runs []db.BackupRun, events []db.BackupEvent) []Execution {
	buckets := map[string]*bucket{}

	// Pass 1: runs. The snapshot reference comes from the output blob when
	// one can be extracted, else from the run's own snapshot id column.
	for i := range runs {
		run := &runs[i]
		if run.WorkerID == nil {
			continue
		}

		ref := runSnapshot(run)
		if ref.ID == "" {
			continue
		}

		key := strings.ToLower(ref.ID)
		b := buckets[key]
		if b == nil {
			b = &bucket{
				snapshotID:  ref.ID,
				runGroupIDs: map[string]bool{},
				workerIDs:   map[string]bool{},
			}
			buckets[key] = b
		}

		if ref.Time != nil && (b.snapshotTime == nil || ref.Time.After(*b.snapshotTime)) {
			b.snapshotTime = ref.Time
		}
		if run.RunGroupID != nil {
			b.runGroupIDs[run.RunGroupID.String()] = true
		}
		b.workerIDs[run.WorkerID.String()] = true
		b.total++
		switch run.Status {
		case db.RunStatusSuccess:
			b.success++
		case db.RunStatusFailed:
			b.failure++
		}
		if run.StartedAt != nil && (b.startedAt == nil || run.StartedAt.After(*b.startedAt)) {
			b.startedAt = run.StartedAt
		}
	}

	// Pass 2: events. Only snapshots with no run bucket are synthesized,
	// otherwise events would inflate the counts of pass 1.
	for i := range events {
		ev := &events[i]
		if ev.WorkerID == nil {
			continue
		}
		snapID, _ := ev.Details["snapshotId"].(string)
		if snapID == "" {
			continue
		}
		key := strings.ToLower(snapID)
		if _, exists := buckets[key]; exists {
			continue
		}

		b := &bucket{
			snapshotID:  snapID,
			runGroupIDs: map[string]bool{},
			workerIDs:   map[string]bool{ev.WorkerID.String(): true},
			total:       1,
		}
		if ev.Type == db.EventManualBackupCompleted || ev.Status == db.EventStatusResolved {
			b.success = 1
		} else {
			b.failure = 1
		}
		if s, ok := ev.Details["snapshotTime"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				b.snapshotTime = &ts
			}
		}
		buckets[key] = b
	}

	// Pass 3: merge by run-group. Buckets without run-groups stand alone
	// under their snapshot id.
	type group struct {
		buckets []*bucket
		keys    []string
	}
	groups := map[string]*group{}
	for key, b := range buckets {
		gk := groupKey(key, b)
		g := groups[gk]
		if g == nil {
			g = &group{}
			groups[gk] = g
		}
		g.buckets = append(g.buckets, b)
		g.keys = append(g.keys, key)
	}

	executions := make([]Execution, 0, len(groups))
	for _, g := range groups {
		executions = append(executions, mergeGroup(g.buckets))
	}

	sort.SliceStable(executions, func(i, j int) bool {
		ti, tj := executions[i].SnapshotTime, executions[j].SnapshotTime
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return executions
}

func groupKey(normalizedID string, b *bucket) string {
	if len(b.runGroupIDs) == 0 {
		return "snapshot:" + normalizedID
	}
	ids := make([]string, 0, len(b.runGroupIDs))
	for id := range b.runGroupIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "rungroups:" + strings.Join(ids, ",")
}

func mergeGroup(buckets []*bucket) Execution {
	var exec Execution
	runGroups := map[string]bool{}
	workers := map[string]bool{}
	var bucketTotal int

	for _, b := range buckets {
		exec.SnapshotIDs = append(exec.SnapshotIDs, b.snapshotID)
		for id := range b.runGroupIDs {
			runGroups[id] = true
		}
		for id := range b.workerIDs {
			workers[id] = true
		}
		bucketTotal += b.total
		exec.SuccessCount += b.success
		exec.FailureCount += b.failure

		better := exec.SnapshotID == "" ||
			laterTime(b.snapshotTime, exec.SnapshotTime) ||
			(sameTime(b.snapshotTime, exec.SnapshotTime) &&
				strings.ToLower(b.snapshotID) > strings.ToLower(exec.SnapshotID))
		if better {
			exec.SnapshotID = b.snapshotID
			exec.SnapshotTime = b.snapshotTime
		}
		if b.startedAt != nil && (exec.StartedAt == nil || b.startedAt.After(*exec.StartedAt)) {
			exec.StartedAt = b.startedAt
		}
	}

	exec.RunGroupIDs = sortedKeys(runGroups)
	exec.WorkerIDs = sortedKeys(workers)
	sort.Strings(exec.SnapshotIDs)

	// One fire that produced several snapshots collapses to one execution
	// per run-group; the per-bucket counts are then clamped so a two-worker
	// fire does not report two runs.
	if len(exec.RunGroupIDs) > 0 {
		exec.RunCount = len(exec.RunGroupIDs)
		if exec.SuccessCount > exec.RunCount {
			exec.SuccessCount = exec.RunCount
		}
		if exec.FailureCount > exec.RunCount {
			exec.FailureCount = exec.RunCount
		}
	} else {
		exec.RunCount = bucketTotal
	}
	return exec
}

func runSnapshot(run *db.BackupRun) rustic.SnapshotRef {
	if blob, err := rustic.Decode(run.Output); err == nil && blob != nil {
		if ref, ok := rustic.PrimarySnapshot(blob); ok {
			return ref
		}
	}
	if run.SnapshotID != "" {
		return rustic.SnapshotRef{ID: run.SnapshotID, Time: run.SnapshotTime}
	}
	return rustic.SnapshotRef{}
}

func laterTime(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
