package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iRazvan2745/glare/internal/db"
)

type gormSettingStore struct {
	db *gorm.DB
}

// NewSettingStore returns a SettingStore backed by the provided *gorm.DB.
func NewSettingStore(database *gorm.DB) SettingStore {
	return &gormSettingStore{db: database}
}

func (s *gormSettingStore) Get(ctx context.Context, key string) (string, error) {
	var setting db.Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get: %w", err)
	}
	return string(setting.Value), nil
}

func (s *gormSettingStore) Set(ctx context.Context, key, value string) error {
	setting := db.Setting{Key: key, Value: db.EncryptedString(value)}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&setting).Error; err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}
