package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
)

const (
	containerPrefix  = "buildctl"
	defaultNetwork   = "buildctl-net"
	containerWorkDir = "/workspace"
	containerDataDir = "/data"
)

// Container runs workers as containers via the docker CLI. The workspace is
// bind-mounted read-write, the source-data tree read-only, and the env
// contract carries host-path translation prefixes so the worker can store
// cache keys using host-visible paths.
type Container struct {
	log *logger.Logger
	cfg config.Config

	// APIURL points containerized workers back at the orchestrator's status
	// API on the host.
	APIURL string

	mu      sync.Mutex
	tracked map[string]bool // container name -> started by us
}

func NewContainer(cfg config.Config, apiURL string, log *logger.Logger) *Container {
	return &Container{
		log:     log.With("component", "ContainerExecutor"),
		cfg:     cfg,
		APIURL:  apiURL,
		tracked: map[string]bool{},
	}
}

func (c *Container) StartWorker(ctx context.Context, workerType build.JobType, index int, wc config.WorkerConfig) (string, error) {
	network := wc.Network
	if network == "" {
		network = defaultNetwork
	}
	if err := c.ensureNetwork(ctx, network); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s-%d", containerPrefix, workerType, index)
	// A leftover container under the same name blocks creation; remove it
	// first (it is either dead or orphaned from a prior session).
	_ = c.docker(ctx, "rm", "-f", name)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", containerPrefix + "=worker",
		"--network", network,
		"-v", c.cfg.WorkspaceDir + ":" + containerWorkDir + ":rw",
		"-e", EnvWorkerType + "=" + string(workerType),
		"-e", EnvJobDB + "=" + c.cfg.JobDBPath,
		"-e", EnvCacheDB + "=" + c.cfg.CacheDBPath,
		"-e", EnvWorkspace + "=" + containerWorkDir,
		"-e", EnvHostWorkspace + "=" + c.cfg.WorkspaceDir,
		"-e", EnvLogLevel + "=" + c.cfg.LogLevel,
		"-e", EnvAPIURL + "=" + c.APIURL,
	}
	if c.cfg.DataDir != "" {
		args = append(args,
			"-v", c.cfg.DataDir+":"+containerDataDir+":ro",
			"-e", EnvDataDir+"="+containerDataDir,
			"-e", EnvHostDataDir+"="+c.cfg.DataDir,
		)
	}
	if wc.MemoryLimit != "" {
		args = append(args, "--memory", wc.MemoryLimit)
	}
	args = append(args, wc.Image)

	out, err := c.dockerOutput(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("start %s container: %w", workerType, err)
	}
	containerID := strings.TrimSpace(out)

	c.mu.Lock()
	c.tracked[name] = true
	c.mu.Unlock()

	c.log.Info("container worker started",
		"worker_type", workerType, "index", index, "name", name, "container_id", short(containerID))
	return name, nil
}

func (c *Container) StopWorker(ctx context.Context, executorID string) bool {
	err := c.docker(ctx, "rm", "-f", executorID)
	c.mu.Lock()
	delete(c.tracked, executorID)
	c.mu.Unlock()
	return err == nil
}

func (c *Container) IsWorkerRunning(ctx context.Context, executorID string) bool {
	out, err := c.dockerOutput(ctx, "inspect", "-f", "{{.State.Running}}", executorID)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func (c *Container) GetWorkerStats(ctx context.Context, executorID string) *Stats {
	out, err := c.dockerOutput(ctx,
		"stats", "--no-stream", "--format", "{{.CPUPerc}};{{.MemUsage}}", executorID)
	if err != nil {
		return nil
	}
	parts := strings.SplitN(strings.TrimSpace(out), ";", 2)
	if len(parts) != 2 {
		return nil
	}
	cpu, _ := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64)
	return &Stats{CPUPercent: cpu, MemoryMB: parseMemUsageMB(parts[1]), Alive: true}
}

func (c *Container) Cleanup(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.tracked))
	for n := range c.tracked {
		names = append(names, n)
	}
	c.mu.Unlock()
	for _, n := range names {
		c.StopWorker(ctx, n)
	}
}

func (c *Container) GetContainerLogs(ctx context.Context, executorID string, tail int) string {
	if tail <= 0 {
		tail = 100
	}
	out, err := c.dockerOutput(ctx, "logs", "--tail", strconv.Itoa(tail), executorID)
	if err != nil {
		return ""
	}
	return out
}

func (c *Container) ensureNetwork(ctx context.Context, network string) error {
	if err := c.docker(ctx, "network", "inspect", network); err == nil {
		return nil
	}
	if err := c.docker(ctx, "network", "create", network); err != nil {
		return fmt.Errorf("create network %s: %w", network, err)
	}
	c.log.Info("created worker network", "network", network)
	return nil
}

func (c *Container) docker(ctx context.Context, args ...string) error {
	_, err := c.dockerOutput(ctx, args...)
	return err
}

func (c *Container) dockerOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// parseMemUsageMB parses docker's "123.4MiB / 2GiB" usage column.
func parseMemUsageMB(s string) float64 {
	s = strings.TrimSpace(strings.SplitN(s, "/", 2)[0])
	var mult float64
	switch {
	case strings.HasSuffix(s, "GiB"):
		mult, s = 1024, strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		mult, s = 1, strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		mult, s = 1.0/1024, strings.TrimSuffix(s, "KiB")
	case strings.HasSuffix(s, "B"):
		mult, s = 1.0/(1024*1024), strings.TrimSuffix(s, "B")
	default:
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v * mult
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
