package resultcache

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// GetExecutedNotebook reads the execution-reuse cache. Crucially, the key
// omits kind/format: speaker execution produces the same notebook tree that
// completed derives from by filtering, so this cache is what lets one
// execution serve two HTML outputs.
func (c *Cache) GetExecutedNotebook(ctx context.Context, inputFile, contentHash, language, progLang string) (*build.ExecutedNotebook, error) {
	var row build.ExecutedNotebook
	err := c.db.WithContext(ctx).
		Where("input_file = ? AND content_hash = ? AND language = ? AND prog_lang = ?", inputFile, contentHash, language, progLang).
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

func (c *Cache) StoreExecutedNotebook(ctx context.Context, inputFile, contentHash, language, progLang string, notebook []byte) error {
	row := &build.ExecutedNotebook{
		InputFile:    inputFile,
		ContentHash:  contentHash,
		Language:     language,
		ProgLang:     progLang,
		NotebookBlob: notebook,
		StoredAt:     time.Now().UTC(),
	}
	return c.db.WithContext(ctx).Create(row).Error
}

// PruneStaleHashes drops executed-notebook entries whose content hash is no
// longer the latest one seen for that input_file/language/prog_lang triple,
// keeping only the most recent version per key.
func (c *Cache) PruneStaleHashes(ctx context.Context) error {
	type key struct {
		InputFile string
		Language  string
		ProgLang  string
	}
	var rows []build.ExecutedNotebook
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}
	latest := map[key]time.Time{}
	for _, r := range rows {
		k := key{r.InputFile, r.Language, r.ProgLang}
		if cur, ok := latest[k]; !ok || r.StoredAt.After(cur) {
			latest[k] = r.StoredAt
		}
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			k := key{r.InputFile, r.Language, r.ProgLang}
			if !r.StoredAt.Equal(latest[k]) {
				if err := tx.Where("input_file = ? AND content_hash = ? AND language = ? AND prog_lang = ? AND stored_at = ?",
					r.InputFile, r.ContentHash, r.Language, r.ProgLang, r.StoredAt).Delete(&build.ExecutedNotebook{}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
