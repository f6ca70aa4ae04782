// Package cachedb opens and migrates the Cache DB: the durable SQLite store
// that exclusively owns results, stored issues, and the executed-notebook
// cache. Deliberately separate from the Job DB so the
// cache can be wiped without losing in-flight queue state.
package cachedb

import (
	"fmt"
	"time"

	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func Open(path string, log *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_synchronous=NORMAL",
		path,
	)

	gl := gormLogger.New(
		gormWriter{log: log},
		gormLogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("cache db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(8)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	if log != nil {
		log.Info("cache db opened", "path", path)
	}
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&build.Result{},
		&build.StoredError{},
		&build.StoredWarning{},
		&build.ExecutedNotebook{},
	)
}

type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	if w.log == nil {
		return
	}
	w.log.Debug(fmt.Sprintf(format, args...))
}
