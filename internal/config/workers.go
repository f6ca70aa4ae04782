package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/buildctl/internal/domain/build"
)

// ExecutionMode selects the executor variant used to run a worker.
type ExecutionMode string

const (
	ModeManaged   ExecutionMode = "managed"
	ModeContainer ExecutionMode = "container"
)

// WorkerConfig describes one worker type's roster entry: how many runtimes
// to start and how.
type WorkerConfig struct {
	Type          build.JobType `yaml:"type"`
	Count         int           `yaml:"count"`
	ExecutionMode ExecutionMode `yaml:"execution_mode"`

	// Container-mode parameters.
	Image       string `yaml:"image,omitempty"`
	MemoryLimit string `yaml:"memory_limit,omitempty"`
	Network     string `yaml:"network,omitempty"`

	// Per-type job deadline enforced by the worker itself.
	MaxJobTime string `yaml:"max_job_time,omitempty"`
}

type workersFile struct {
	Workers []WorkerConfig `yaml:"workers"`
}

// LoadWorkersFile reads the YAML worker roster.
func LoadWorkersFile(path string) ([]WorkerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workers file: %w", err)
	}
	var f workersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse workers file %s: %w", path, err)
	}
	if len(f.Workers) == 0 {
		return nil, fmt.Errorf("workers file %s declares no workers", path)
	}
	for i := range f.Workers {
		w := &f.Workers[i]
		if err := validateWorker(w); err != nil {
			return nil, fmt.Errorf("workers file %s entry %d: %w", path, i, err)
		}
	}
	return f.Workers, nil
}

func validateWorker(w *WorkerConfig) error {
	switch w.Type {
	case build.JobTypeNotebook, build.JobTypePlantUML, build.JobTypeDrawio:
	default:
		return fmt.Errorf("unknown worker type %q", w.Type)
	}
	if w.Count < 0 {
		return fmt.Errorf("negative count %d", w.Count)
	}
	if w.Count == 0 {
		w.Count = 1
	}
	switch strings.TrimSpace(string(w.ExecutionMode)) {
	case "":
		w.ExecutionMode = ModeManaged
	case string(ModeManaged), string(ModeContainer):
	default:
		return fmt.Errorf("unknown execution_mode %q", w.ExecutionMode)
	}
	if w.ExecutionMode == ModeContainer && strings.TrimSpace(w.Image) == "" {
		return fmt.Errorf("container worker %q requires an image", w.Type)
	}
	return nil
}

// DefaultWorkers is the roster used when no workers file is configured: one
// managed subprocess per job type.
func DefaultWorkers() []WorkerConfig {
	return []WorkerConfig{
		{Type: build.JobTypeNotebook, Count: 1, ExecutionMode: ModeManaged},
		{Type: build.JobTypePlantUML, Count: 1, ExecutionMode: ModeManaged},
		{Type: build.JobTypeDrawio, Count: 1, ExecutionMode: ModeManaged},
	}
}
