package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormPolicyStore struct {
	db *gorm.DB
}

// NewPolicyStore returns a PolicyStore backed by the provided *gorm.DB.
func NewPolicyStore(database *gorm.DB) PolicyStore {
	return &gormPolicyStore{db: database}
}

func (s *gormPolicyStore) Create(ctx context.Context, policy *db.BackupPolicy) error {
	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("policies: create: %w", err)
	}
	return nil
}

func (s *gormPolicyStore) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupPolicy, error) {
	var policy db.BackupPolicy
	err := s.db.WithContext(ctx).First(&policy, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policies: get by id: %w", err)
	}
	return &policy, nil
}

func (s *gormPolicyStore) Update(ctx context.Context, policy *db.BackupPolicy) error {
	result := s.db.WithContext(ctx).Save(policy)
	if result.Error != nil {
		return fmt.Errorf("policies: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormPolicyStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("policy_id = ?", id).Delete(&db.PolicyWorker{}).Error; err != nil {
			return fmt.Errorf("policies: delete workers: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&db.BackupPolicy{})
		if result.Error != nil {
			return fmt.Errorf("policies: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *gormPolicyStore) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.BackupPolicy, int64, error) {
	var policies []db.BackupPolicy
	var total int64

	if err := s.db.WithContext(ctx).
		Model(&db.BackupPolicy{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("policies: list count: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&policies).Error; err != nil {
		return nil, 0, fmt.Errorf("policies: list: %w", err)
	}

	return policies, total, nil
}

// ListDue returns enabled policies whose next fire instant has passed,
// ordered by next_run_at ascending with ties broken by id so that replicas
// process the same backlog in the same order. Policies whose previous fire
// is still open (last_status 'running') are skipped: a queued pull-mode
// group leaves next_run_at untouched until the aggregator finalizes it, and
// listing such a policy again would queue a duplicate group every tick.
func (s *gormPolicyStore) ListDue(ctx context.Context, now time.Time) ([]db.BackupPolicy, error) {
	var policies []db.BackupPolicy
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ? AND (last_status IS NULL OR last_status <> ?)",
			true, now, db.PolicyStatusRunning).
		Order("next_run_at ASC, id ASC").
		Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("policies: list due: %w", err)
	}
	return policies, nil
}

func (s *gormPolicyStore) WorkerIDs(ctx context.Context, policyID uuid.UUID) ([]uuid.UUID, error) {
	var rows []db.PolicyWorker
	if err := s.db.WithContext(ctx).
		Where("policy_id = ?", policyID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("policies: worker ids: %w", err)
	}

	if len(rows) > 0 {
		ids := make([]uuid.UUID, len(rows))
		for i, row := range rows {
			ids[i] = row.WorkerID
		}
		return ids, nil
	}

	// Legacy fallback: policies predating the worker set carry a single
	// worker in the worker_id column.
	var policy db.BackupPolicy
	if err := s.db.WithContext(ctx).Select("worker_id").First(&policy, "id = ?", policyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policies: worker ids fallback: %w", err)
	}
	if policy.WorkerID == nil {
		return nil, nil
	}
	return []uuid.UUID{*policy.WorkerID}, nil
}

// SetWorkerIDs replaces the policy worker set and writes the first member
// back into the legacy worker_id column for back-compat readers.
func (s *gormPolicyStore) SetWorkerIDs(ctx context.Context, policyID uuid.UUID, workerIDs []uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("policy_id = ?", policyID).Delete(&db.PolicyWorker{}).Error; err != nil {
			return fmt.Errorf("policies: clear worker set: %w", err)
		}
		for _, workerID := range workerIDs {
			row := &db.PolicyWorker{PolicyID: policyID, WorkerID: workerID}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("policies: add worker: %w", err)
			}
		}

		var legacy interface{}
		if len(workerIDs) > 0 {
			legacy = workerIDs[0]
		}
		if err := tx.Model(&db.BackupPolicy{}).
			Where("id = ?", policyID).
			Update("worker_id", legacy).Error; err != nil {
			return fmt.Errorf("policies: write legacy worker id: %w", err)
		}
		return nil
	})
}

func (s *gormPolicyStore) ListForWorker(ctx context.Context, workerID uuid.UUID) ([]db.BackupPolicy, error) {
	var policies []db.BackupPolicy
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND (id IN (SELECT policy_id FROM policy_workers WHERE worker_id = ?) OR worker_id = ?)",
			true, workerID, workerID).
		Order("created_at ASC").
		Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("policies: list for worker: %w", err)
	}
	return policies, nil
}

func (s *gormPolicyStore) FirstForRepositoryWorker(ctx context.Context, repositoryID, workerID uuid.UUID) (*db.BackupPolicy, error) {
	var policy db.BackupPolicy
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND (id IN (SELECT policy_id FROM policy_workers WHERE worker_id = ?) OR worker_id = ?)",
			repositoryID, workerID, workerID).
		Order("created_at ASC").
		First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("policies: first for repository worker: %w", err)
	}
	return &policy, nil
}

func (s *gormPolicyStore) SetFireOutcome(ctx context.Context, policyID uuid.UUID, outcome FireOutcome) error {
	fields := map[string]interface{}{
		"last_run_at":      outcome.LastRunAt,
		"last_status":      outcome.LastStatus,
		"last_error":       outcome.LastError,
		"last_duration_ms": outcome.LastDurationMs,
		"next_run_at":      outcome.NextRunAt,
	}
	result := s.db.WithContext(ctx).
		Model(&db.BackupPolicy{}).
		Where("id = ?", policyID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("policies: set fire outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormPolicyStore) MarkRunning(ctx context.Context, policyID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&db.BackupPolicy{}).
		Where("id = ?", policyID).
		Update("last_status", db.PolicyStatusRunning)
	if result.Error != nil {
		return fmt.Errorf("policies: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
