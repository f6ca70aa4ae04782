// Package course loads the build's source file set from a course spec
// file. The orchestration core treats this as an external collaborator: it
// only ever sees the driver.File values produced here.
package course

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/buildctl/internal/backend"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/driver"
)

// Spec is the on-disk course description.
type Spec struct {
	Name      string   `yaml:"name"`
	SourceDir string   `yaml:"source_dir"`
	OutputDir string   `yaml:"output_dir"`
	ImageMode string   `yaml:"image_mode"`
	ProgLang  string   `yaml:"prog_lang"`
	Languages []string `yaml:"languages"`
	Kinds     []string `yaml:"kinds"`

	// Topic directories relative to source_dir; empty means the whole tree.
	Topics []string `yaml:"topics"`
}

// Load parses the spec file and walks the source tree into driver files.
func Load(specPath string) (*driver.Course, error) {
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("read course spec: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse course spec %s: %w", specPath, err)
	}
	if spec.SourceDir == "" || spec.OutputDir == "" {
		return nil, fmt.Errorf("course spec %s: source_dir and output_dir are required", specPath)
	}
	if !filepath.IsAbs(spec.SourceDir) {
		spec.SourceDir = filepath.Join(filepath.Dir(specPath), spec.SourceDir)
	}
	if !filepath.IsAbs(spec.OutputDir) {
		spec.OutputDir = filepath.Join(filepath.Dir(specPath), spec.OutputDir)
	}
	if len(spec.Languages) == 0 {
		spec.Languages = []string{"en"}
	}
	if len(spec.Kinds) == 0 {
		spec.Kinds = []string{string(build.KindSpeaker), string(build.KindCompleted), string(build.KindCodeAlong)}
	}
	if spec.ProgLang == "" {
		spec.ProgLang = "python"
	}

	course := &driver.Course{ImageMode: driver.ImageMode(spec.ImageMode)}
	if course.ImageMode == "" {
		course.ImageMode = driver.ImageModePerFile
	}

	roots := spec.Topics
	if len(roots) == 0 {
		roots = []string{"."}
	}
	seen := map[string]bool{}
	for _, topic := range roots {
		root := filepath.Join(spec.SourceDir, topic)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				course.LoadIssues = append(course.LoadIssues, build.Warning{
					Category: "course-load",
					Message:  fmt.Sprintf("unreadable path: %v", err),
					Severity: string(build.SeverityWarning),
					FilePath: path,
				})
				return nil
			}
			if info.IsDir() || seen[path] {
				return nil
			}
			seen[path] = true
			f, err := classify(path, &spec)
			if err != nil {
				return err
			}
			if f != nil {
				course.Files = append(course.Files, f)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(course.Files, func(i, j int) bool {
		return course.Files[i].Path() < course.Files[j].Path()
	})
	return course, nil
}

func classify(path string, spec *Spec) (driver.File, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ipynb":
		return newNotebookFile(path, spec)
	case ".puml", ".pu", ".plantuml":
		return newImageFile(path, spec, backend.ServicePlantUML)
	case ".drawio":
		return newImageFile(path, spec, backend.ServiceDrawio)
	default:
		return newAuxFile(path, spec), nil
	}
}

// ContentHash fingerprints file content; rendering-relevant metadata is
// folded in by the per-file operations through output_metadata, never here.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newCorrelationID() string { return uuid.New().String() }

func outputPath(spec *Spec, lang, kind, subdir, name string) string {
	return filepath.Join(spec.OutputDir, lang, kind, subdir, name)
}
