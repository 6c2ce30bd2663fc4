package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormRunStore struct {
	db *gorm.DB
}

// NewRunStore returns a RunStore backed by the provided *gorm.DB.
func NewRunStore(database *gorm.DB) RunStore {
	return &gormRunStore{db: database}
}

func (s *gormRunStore) Create(ctx context.Context, run *db.BackupRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

func (s *gormRunStore) GetByID(ctx context.Context, id uuid.UUID) (*db.BackupRun, error) {
	var run db.BackupRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

func (s *gormRunStore) Update(ctx context.Context, run *db.BackupRun) error {
	result := s.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormRunStore) ListByGroup(ctx context.Context, policyID, runGroupID uuid.UUID) ([]db.BackupRun, error) {
	var runs []db.BackupRun
	if err := s.db.WithContext(ctx).
		Where("policy_id = ? AND run_group_id = ?", policyID, runGroupID).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by group: %w", err)
	}
	return runs, nil
}

func (s *gormRunStore) ListRecentBackups(ctx context.Context, userID, repositoryID uuid.UUID, limit int) ([]db.BackupRun, error) {
	var runs []db.BackupRun
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND repository_id = ? AND type = ?", userID, repositoryID, db.RunTypeBackup).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list recent backups: %w", err)
	}
	return runs, nil
}

func (s *gormRunStore) KnownSnapshotIDs(ctx context.Context, userID, repositoryID uuid.UUID) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&db.BackupRun{}).
		Distinct("snapshot_id").
		Where("user_id = ? AND repository_id = ? AND snapshot_id <> ''", userID, repositoryID).
		Pluck("snapshot_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("runs: known snapshot ids: %w", err)
	}
	return ids, nil
}
