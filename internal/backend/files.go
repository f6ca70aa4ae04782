package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// CopyFileToOutput copies one auxiliary file into the output tree. In
// incremental mode an existing destination is assumed current and skipped.
func (b *QueueBackend) CopyFileToOutput(ctx context.Context, src, dest string) error {
	if b.cfg.Incremental {
		if _, err := os.Stat(dest); err == nil {
			b.log.Debug("incremental copy skip", "dest", dest)
			return nil
		}
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := writeFileAtomic(dest, data); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dest, err)
	}
	return nil
}

// CopyDirGroupToOutput copies a group of source directories into one
// destination. Two sources providing the same relative path is reported as
// a warning; the first writer wins.
func (b *QueueBackend) CopyDirGroupToOutput(ctx context.Context, srcDirs []string, destDir string) ([]build.Warning, error) {
	var warnings []build.Warning
	seen := map[string]string{} // relative path -> first source dir

	for _, srcDir := range srcDirs {
		err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(srcDir, path)
			if err != nil {
				return err
			}
			if first, dup := seen[rel]; dup {
				warnings = append(warnings, build.Warning{
					Category: "copy",
					Message:  fmt.Sprintf("duplicate file %s (from %s, already copied from %s)", rel, srcDir, first),
					Severity: string(build.SeverityWarning),
					FilePath: path,
				})
				return nil
			}
			seen[rel] = srcDir
			return b.CopyFileToOutput(ctx, path, filepath.Join(destDir, rel))
		})
		if err != nil {
			return warnings, fmt.Errorf("copy dir %s: %w", srcDir, err)
		}
	}
	for _, w := range warnings {
		b.rep.Warning(w)
	}
	return warnings, nil
}

// writeFileAtomic matches the worker loop's convention: temp file in the
// destination directory, then rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
