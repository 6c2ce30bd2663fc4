// Package dbtest opens throwaway migrated SQLite databases for tests.
package dbtest

import (
	"bytes"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iRazvan2745/glare/internal/db"
)

// Open returns a fresh SQLite database in a temp directory with all
// migrations applied. The file is removed with the test's temp dir.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	if err := db.InitEncryption(bytes.Repeat([]byte("k"), 32)); err != nil {
		t.Fatalf("init encryption: %v", err)
	}

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return database
}
