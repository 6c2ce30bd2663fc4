package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormRepositoryStore struct {
	db *gorm.DB
}

// NewRepositoryStore returns a RepositoryStore backed by the provided *gorm.DB.
func NewRepositoryStore(database *gorm.DB) RepositoryStore {
	return &gormRepositoryStore{db: database}
}

func (s *gormRepositoryStore) Create(ctx context.Context, repo *db.Repository) error {
	if err := s.db.WithContext(ctx).Create(repo).Error; err != nil {
		return fmt.Errorf("repositories: create: %w", err)
	}
	return nil
}

func (s *gormRepositoryStore) GetByID(ctx context.Context, userID, id uuid.UUID) (*db.Repository, error) {
	var repo db.Repository
	err := s.db.WithContext(ctx).First(&repo, "id = ? AND user_id = ?", id, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repositories: get by id: %w", err)
	}
	return &repo, nil
}

func (s *gormRepositoryStore) Update(ctx context.Context, repo *db.Repository) error {
	result := s.db.WithContext(ctx).Save(repo)
	if result.Error != nil {
		return fmt.Errorf("repositories: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormRepositoryStore) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Repository, int64, error) {
	var repos []db.Repository
	var total int64

	if err := s.db.WithContext(ctx).
		Model(&db.Repository{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("repositories: list count: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&repos).Error; err != nil {
		return nil, 0, fmt.Errorf("repositories: list: %w", err)
	}

	return repos, total, nil
}

func (s *gormRepositoryStore) ListAll(ctx context.Context) ([]db.Repository, error) {
	var repos []db.Repository
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("repositories: list all: %w", err)
	}
	return repos, nil
}

func (s *gormRepositoryStore) BackupWorkerIDs(ctx context.Context, repositoryID uuid.UUID) ([]uuid.UUID, error) {
	var rows []db.RepositoryWorker
	if err := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("repositories: backup worker ids: %w", err)
	}

	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.WorkerID
	}
	return ids, nil
}

func (s *gormRepositoryStore) AddBackupWorker(ctx context.Context, repositoryID, workerID uuid.UUID) error {
	row := &db.RepositoryWorker{RepositoryID: repositoryID, WorkerID: workerID}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("repositories: add backup worker: %w", err)
	}
	return nil
}

func (s *gormRepositoryStore) RemoveBackupWorker(ctx context.Context, repositoryID, workerID uuid.UUID) error {
	if err := s.db.WithContext(ctx).
		Where("repository_id = ? AND worker_id = ?", repositoryID, workerID).
		Delete(&db.RepositoryWorker{}).Error; err != nil {
		return fmt.Errorf("repositories: remove backup worker: %w", err)
	}
	return nil
}
