package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormMetricStore struct {
	db *gorm.DB
}

// NewMetricStore returns a MetricStore backed by the provided *gorm.DB.
func NewMetricStore(database *gorm.DB) MetricStore {
	return &gormMetricStore{db: database}
}

func (s *gormMetricStore) Create(ctx context.Context, metric *db.BackupRunMetric) error {
	if err := s.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("metrics: create: %w", err)
	}
	return nil
}

// ListPrior returns up to limit metrics recorded before the given metric in
// the same anomaly scope: (user, policy) when the metric carries a policy,
// (user, repository) otherwise. Newest first. UUIDv7 ids are time-ordered,
// so "before" is expressed as id < metric.ID.
func (s *gormMetricStore) ListPrior(ctx context.Context, metric *db.BackupRunMetric, limit int) ([]db.BackupRunMetric, error) {
	query := s.db.WithContext(ctx).Where("user_id = ? AND id < ?", metric.UserID, metric.ID)

	if metric.PolicyID != nil {
		query = query.Where("policy_id = ?", *metric.PolicyID)
	} else {
		query = query.Where("policy_id IS NULL AND repository_id = ?", metric.RepositoryID)
	}

	var metrics []db.BackupRunMetric
	if err := query.Order("id DESC").Limit(limit).Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("metrics: list prior: %w", err)
	}
	return metrics, nil
}

// RecordUsageSample inserts a storage usage sample. The (user, run) unique
// index enforces at most one sample per run; duplicates are ignored rather
// than failing the success pipeline.
func (s *gormMetricStore) RecordUsageSample(ctx context.Context, sample *db.StorageUsageEvent) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(sample).Error; err != nil {
		return fmt.Errorf("metrics: record usage sample: %w", err)
	}
	return nil
}
