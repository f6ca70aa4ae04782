// Package resultcache implements the Result Cache: a content-addressed
// store of successful artifacts and cached user errors/warnings, plus the
// executed-notebook execution-reuse cache.
package resultcache

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
)

type Cache struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) *Cache {
	return &Cache{db: db, log: log}
}

// GetResult looks up a cache key; returns (nil, nil) on a miss.
func (c *Cache) GetResult(ctx context.Context, file, contentHash, outputMetadata string) (*build.Result, error) {
	var row build.Result
	err := c.db.WithContext(ctx).
		Where("input_file = ? AND content_hash = ? AND output_metadata = ?", file, contentHash, outputMetadata).
		Order("stored_at DESC").
		Limit(1).
		Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// StoreLatestResult writes the new version and prunes older versions for
// the same file down to retainCount. A successful store also invalidates
// any prior stored user-error for the same key: a key holds at most one
// fresh Result OR at most one stored user-error, never both.
func (c *Cache) StoreLatestResult(ctx context.Context, file, contentHash, outputMetadata, correlationID string, kind build.ResultKind, data []byte, sourceFile string, retainCount int) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &build.Result{
			InputFile:      file,
			ContentHash:    contentHash,
			OutputMetadata: outputMetadata,
			CorrelationID:  correlationID,
			ResultKind:     string(kind),
			ResultBlob:     data,
			SourceFile:     sourceFile,
			StoredAt:       time.Now().UTC(),
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}

		if err := tx.Where("input_file = ? AND content_hash = ? AND output_metadata = ?", file, contentHash, outputMetadata).
			Delete(&build.StoredError{}).Error; err != nil {
			return err
		}

		if retainCount > 0 {
			var stale []build.Result
			if err := tx.Where("input_file = ?", file).
				Order("stored_at DESC").
				Offset(retainCount).
				Find(&stale).Error; err != nil {
				return err
			}
			for _, s := range stale {
				if err := tx.Where("input_file = ? AND content_hash = ? AND output_metadata = ? AND stored_at = ?",
					s.InputFile, s.ContentHash, s.OutputMetadata, s.StoredAt).Delete(&build.Result{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// StoreError caches a user error so a subsequent build of the same content
// hash short-circuits to the error. Callers
// pass the already-categorized fields rather than a *buildtax.BuildError so
// this package does not need to import the errcat/buildtax layer.
func (c *Cache) StoreError(ctx context.Context, file, contentHash, outputMetadata string, errType build.ErrorType, category string, severity build.Severity, message, filePath, guidance string) error {
	row := &build.StoredError{
		InputFile:      file,
		ContentHash:    contentHash,
		OutputMetadata: outputMetadata,
		ErrorType:      string(errType),
		Category:       category,
		Severity:       string(severity),
		Message:        message,
		FilePath:       filePath,
		Guidance:       guidance,
		StoredAt:       time.Now().UTC(),
	}
	return c.db.WithContext(ctx).Create(row).Error
}

// StoreWarning always stores; warnings accompany either a cached result or
// a cached error.
func (c *Cache) StoreWarning(ctx context.Context, file, contentHash, outputMetadata string, w build.Warning) error {
	row := &build.StoredWarning{
		InputFile:      file,
		ContentHash:    contentHash,
		OutputMetadata: outputMetadata,
		Category:       w.Category,
		Message:        w.Message,
		Severity:       w.Severity,
		FilePath:       w.FilePath,
		StoredAt:       time.Now().UTC(),
	}
	return c.db.WithContext(ctx).Create(row).Error
}

// GetIssues is called on every cache hit so the reporter re-surfaces
// historical issues.
func (c *Cache) GetIssues(ctx context.Context, file, contentHash, outputMetadata string) ([]build.StoredError, []build.StoredWarning, error) {
	var errs []build.StoredError
	if err := c.db.WithContext(ctx).
		Where("input_file = ? AND content_hash = ? AND output_metadata = ?", file, contentHash, outputMetadata).
		Find(&errs).Error; err != nil {
		return nil, nil, err
	}
	var warns []build.StoredWarning
	if err := c.db.WithContext(ctx).
		Where("input_file = ? AND content_hash = ? AND output_metadata = ?", file, contentHash, outputMetadata).
		Find(&warns).Error; err != nil {
		return nil, nil, err
	}
	return errs, warns, nil
}

// CleanupAll enforces retention: prunes result versions beyond
// retainVersions per input_file and issues older than issuesDays.
func (c *Cache) CleanupAll(ctx context.Context, retainVersions int, issuesDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -issuesDays)
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("stored_at < ?", cutoff).Delete(&build.StoredError{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("stored_at < ?", cutoff).Delete(&build.StoredWarning{}).Error; err != nil {
			return err
		}

		if retainVersions <= 0 {
			return nil
		}
		var files []string
		if err := tx.Model(&build.Result{}).Distinct("input_file").Pluck("input_file", &files).Error; err != nil {
			return err
		}
		for _, f := range files {
			var stale []build.Result
			if err := tx.Where("input_file = ?", f).Order("stored_at DESC").Offset(retainVersions).Find(&stale).Error; err != nil {
				return err
			}
			for _, s := range stale {
				if err := tx.Where("input_file = ? AND content_hash = ? AND output_metadata = ? AND stored_at = ?",
					s.InputFile, s.ContentHash, s.OutputMetadata, s.StoredAt).Delete(&build.Result{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
