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

// syncEventRetention is the number of heartbeat records kept per worker.
const syncEventRetention = 10000

type gormWorkerStore struct {
	db *gorm.DB
}

// NewWorkerStore returns a WorkerStore backed by the provided *gorm.DB.
func NewWorkerStore(database *gorm.DB) WorkerStore {
	return &gormWorkerStore{db: database}
}

func (s *gormWorkerStore) Create(ctx context.Context, worker *db.Worker) error {
	if err := s.db.WithContext(ctx).Create(worker).Error; err != nil {
		return fmt.Errorf("workers: create: %w", err)
	}
	return nil
}

func (s *gormWorkerStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Worker, error) {
	var worker db.Worker
	err := s.db.WithContext(ctx).First(&worker, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by id: %w", err)
	}
	return &worker, nil
}

func (s *gormWorkerStore) Update(ctx context.Context, worker *db.Worker) error {
	result := s.db.WithContext(ctx).Save(worker)
	if result.Error != nil {
		return fmt.Errorf("workers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormWorkerStore) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Worker, int64, error) {
	var workers []db.Worker
	var total int64

	if err := s.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list count: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&workers).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list: %w", err)
	}

	return workers, total, nil
}

// Heartbeat applies the sync update, appends a WorkerSyncEvent, and prunes
// heartbeat history beyond syncEventRetention in a single transaction.
func (s *gormWorkerStore) Heartbeat(ctx context.Context, id uuid.UUID, update HeartbeatUpdate, now time.Time) (string, error) {
	var previous string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var worker db.Worker
		if err := tx.First(&worker, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		previous = worker.Status

		fields := map[string]interface{}{
			"status":         update.Status,
			"last_seen_at":   now,
			"uptime_ms":      update.UptimeMs,
			"requests_total": update.RequestsTotal,
			"error_total":    update.ErrorTotal,
		}
		if update.Endpoint != nil {
			fields["endpoint"] = *update.Endpoint
		}
		if err := tx.Model(&db.Worker{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return err
		}

		event := &db.WorkerSyncEvent{
			WorkerID:      id,
			Status:        update.Status,
			UptimeMs:      update.UptimeMs,
			RequestsTotal: update.RequestsTotal,
			ErrorTotal:    update.ErrorTotal,
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}

		// Keep only the newest syncEventRetention rows for this worker.
		// UUIDv7 ids are time-ordered, so ordering by id is chronological.
		return tx.Exec(`DELETE FROM worker_sync_events WHERE worker_id = ? AND id NOT IN (
			SELECT id FROM worker_sync_events WHERE worker_id = ? ORDER BY id DESC LIMIT ?
		)`, id, id, syncEventRetention).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("workers: heartbeat: %w", err)
	}

	return previous, nil
}
