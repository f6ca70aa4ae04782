// Package jobdb opens and migrates the Job DB: the durable SQLite store
// that exclusively owns queue and worker state.
package jobdb

import (
	"fmt"
	"time"

	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Open connects to the Job DB file at path, configuring SQLite for
// many-writer contention: WAL mode, a long busy-timeout, and
// immediate-begin transactions so get_next_job's claim semantics don't
// degrade to "begin deferred, discover a write conflict, retry from
// scratch" under concurrent workers.
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
		return nil, fmt.Errorf("open job db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("job db handle: %w", err)
	}
	// A single SQLite file with WAL mode tolerates many readers and one
	// writer; keep the pool small so writers serialize through the
	// driver rather than piling up half-open transactions.
	sqlDB.SetMaxOpenConns(8)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate job db: %w", err)
	}

	if log != nil {
		log.Info("job db opened", "path", path)
	}
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&build.Job{},
		&build.Worker{},
		&build.JobCacheEntry{},
		&build.WorkerEvent{},
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
