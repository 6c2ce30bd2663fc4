package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormEventStore struct {
	db *gorm.DB
}

// NewEventStore returns an EventStore backed by the provided *gorm.DB.
func NewEventStore(database *gorm.DB) EventStore {
	return &gormEventStore{db: database}
}

func (s *gormEventStore) Create(ctx context.Context, event *db.BackupEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("events: create: %w", err)
	}
	return nil
}

func (s *gormEventStore) ListRecent(ctx context.Context, userID, repositoryID uuid.UUID, limit int) ([]db.BackupEvent, error) {
	var events []db.BackupEvent
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND repository_id = ?", userID, repositoryID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("events: list recent: %w", err)
	}
	return events, nil
}
