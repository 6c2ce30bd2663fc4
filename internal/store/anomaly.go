package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormAnomalyStore struct {
	db *gorm.DB
}

// NewAnomalyStore returns an AnomalyStore backed by the provided *gorm.DB.
func NewAnomalyStore(database *gorm.DB) AnomalyStore {
	return &gormAnomalyStore{db: database}
}

func (s *gormAnomalyStore) Create(ctx context.Context, anomaly *db.BackupSizeAnomaly) error {
	if err := s.db.WithContext(ctx).Create(anomaly).Error; err != nil {
		return fmt.Errorf("anomalies: create: %w", err)
	}
	return nil
}

func (s *gormAnomalyStore) ResolveOpen(ctx context.Context, userID uuid.UUID, policyID *uuid.UUID, repositoryID uuid.UUID, now time.Time) error {
	query := s.db.WithContext(ctx).
		Model(&db.BackupSizeAnomaly{}).
		Where("user_id = ? AND repository_id = ? AND status = ?", userID, repositoryID, db.EventStatusOpen)

	if policyID != nil {
		query = query.Where("policy_id = ?", *policyID)
	} else {
		query = query.Where("policy_id IS NULL")
	}

	if err := query.Updates(map[string]interface{}{
		"status":      db.EventStatusResolved,
		"resolved_at": now,
	}).Error; err != nil {
		return fmt.Errorf("anomalies: resolve open: %w", err)
	}
	return nil
}

func (s *gormAnomalyStore) ListOpen(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.BackupSizeAnomaly, int64, error) {
	var anomalies []db.BackupSizeAnomaly
	var total int64

	if err := s.db.WithContext(ctx).
		Model(&db.BackupSizeAnomaly{}).
		Where("user_id = ? AND status = ?", userID, db.EventStatusOpen).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("anomalies: list open count: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, db.EventStatusOpen).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("detected_at DESC").
		Find(&anomalies).Error; err != nil {
		return nil, 0, fmt.Errorf("anomalies: list open: %w", err)
	}

	return anomalies, total, nil
}
