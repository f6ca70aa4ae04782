// Package testutil provides per-test database fixtures: real SQLite files
// in a test temp dir, opened through the same store code production uses,
// so claim semantics and migrations are exercised rather than mocked.
package testutil

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/platform/logger"
	"github.com/yungbote/buildctl/internal/store/cachedb"
	"github.com/yungbote/buildctl/internal/store/jobdb"
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("dev")
	if err != nil {
		tb.Fatalf("init logger: %v", err)
	}
	return log
}

func JobDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := jobdb.Open(filepath.Join(tb.TempDir(), "jobs.db"), Logger(tb))
	if err != nil {
		tb.Fatalf("open job db: %v", err)
	}
	return db
}

func CacheDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := cachedb.Open(filepath.Join(tb.TempDir(), "cache.db"), Logger(tb))
	if err != nil {
		tb.Fatalf("open cache db: %v", err)
	}
	return db
}
