package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/buildctl/internal/config"
	"github.com/yungbote/buildctl/internal/domain/build"
	"github.com/yungbote/buildctl/internal/platform/logger"
)

// Managed spawns workers as child processes of the orchestrator: the
// buildctl binary re-executed with the hidden "worker" subcommand and the
// worker env contract. Liveness is established by scanning the kernel proc
// table for the executor-id sentinel, so a different orchestrator instance
// can observe workers started by a previous session.
type Managed struct {
	log *logger.Logger
	cfg config.Config

	mu      sync.Mutex
	tracked map[string]*managedWorker // executor id -> child
}

type managedWorker struct {
	pid     int
	logFile *os.File
}

func NewManaged(cfg config.Config, log *logger.Logger) *Managed {
	return &Managed{
		log:     log.With("component", "ManagedExecutor"),
		cfg:     cfg,
		tracked: map[string]*managedWorker{},
	}
}

func (m *Managed) StartWorker(ctx context.Context, workerType build.JobType, index int, wc config.WorkerConfig) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve own binary: %w", err)
	}

	executorID := fmt.Sprintf("managed-%s-%d-%s", workerType, index, uuid.New().String()[:8])

	if err := os.MkdirAll(m.cfg.WorkerLogDir, 0o755); err != nil {
		return "", fmt.Errorf("create worker log dir: %w", err)
	}
	logPath := filepath.Join(m.cfg.WorkerLogDir, fmt.Sprintf("worker-%s-%d.log", workerType, index))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open worker log file: %w", err)
	}

	cmd := exec.Command(self, "worker", "--type", string(workerType))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		EnvWorkerType+"="+string(workerType),
		EnvExecutorID+"="+executorID,
		EnvJobDB+"="+m.cfg.JobDBPath,
		EnvCacheDB+"="+m.cfg.CacheDBPath,
		EnvWorkspace+"="+m.cfg.WorkspaceDir,
		EnvDataDir+"="+m.cfg.DataDir,
		EnvLogLevel+"="+m.cfg.LogLevel,
		EnvPlantUMLJar+"="+m.cfg.PlantUMLJar,
		EnvDrawioBinary+"="+m.cfg.DrawioBinary,
		EnvJupyterCmd+"="+m.cfg.JupyterCmd,
	)
	// Detach the child from the orchestrator's signal group so a Ctrl-C
	// aimed at the orchestrator does not tear down workers mid-job.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return "", fmt.Errorf("start %s worker: %w", workerType, err)
	}

	m.mu.Lock()
	m.tracked[executorID] = &managedWorker{pid: cmd.Process.Pid, logFile: logFile}
	m.mu.Unlock()

	// Reap the child when it exits; the DB row and /proc remain the source
	// of truth for its status.
	go func() { _ = cmd.Wait() }()

	m.log.Info("managed worker started",
		"worker_type", workerType, "index", index, "pid", cmd.Process.Pid, "log", logPath)
	return executorID, nil
}

func (m *Managed) StopWorker(ctx context.Context, executorID string) bool {
	pid := m.findPID(executorID)
	if pid <= 0 {
		m.untrack(executorID)
		return false
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		m.untrack(executorID)
		return false
	}
	// Give the loop a moment to mark itself dead, then force.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			m.untrack(executorID)
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	m.untrack(executorID)
	return true
}

func (m *Managed) IsWorkerRunning(ctx context.Context, executorID string) bool {
	return m.findPID(executorID) > 0
}

func (m *Managed) GetWorkerStats(ctx context.Context, executorID string) *Stats {
	pid := m.findPID(executorID)
	if pid <= 0 {
		return nil
	}
	cpu := sampleCPUPercent(pid, 200*time.Millisecond)
	mem := readRSSMB(pid)
	return &Stats{CPUPercent: cpu, MemoryMB: mem, Alive: true}
}

func (m *Managed) Cleanup(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopWorker(ctx, id)
	}
}

func (m *Managed) GetContainerLogs(ctx context.Context, executorID string, tail int) string {
	return ""
}

func (m *Managed) untrack(executorID string) {
	m.mu.Lock()
	if w, ok := m.tracked[executorID]; ok {
		if w.logFile != nil {
			_ = w.logFile.Close()
		}
		delete(m.tracked, executorID)
	}
	m.mu.Unlock()
}

// findPID resolves the sentinel to a live PID. The locally tracked PID is
// checked first; on a miss the kernel proc table is scanned so that workers
// started by another orchestrator session are still observable.
func (m *Managed) findPID(executorID string) int {
	m.mu.Lock()
	if w, ok := m.tracked[executorID]; ok && pidAlive(w.pid) {
		m.mu.Unlock()
		return w.pid
	}
	m.mu.Unlock()

	needle := EnvExecutorID + "=" + executorID
	matches, err := filepath.Glob("/proc/[0-9]*/environ")
	if err != nil {
		return 0
	}
	for _, envPath := range matches {
		data, err := os.ReadFile(envPath)
		if err != nil {
			continue
		}
		for _, entry := range strings.Split(string(data), "\x00") {
			if entry == needle {
				pidStr := strings.TrimPrefix(filepath.Dir(envPath), "/proc/")
				pid, _ := strconv.Atoi(pidStr)
				if pid > 0 && pidAlive(pid) {
					return pid
				}
			}
		}
	}
	return 0
}

func pidAlive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

// sampleCPUPercent reads /proc/<pid>/stat twice and converts the utime+stime
// delta into a percentage over the sample window.
func sampleCPUPercent(pid int, window time.Duration) float64 {
	first, ok := readCPUTicks(pid)
	if !ok {
		return 0
	}
	time.Sleep(window)
	second, ok := readCPUTicks(pid)
	if !ok {
		return 0
	}
	const clockTicksPerSec = 100 // USER_HZ on every supported platform
	deltaSec := float64(second-first) / clockTicksPerSec
	return deltaSec / window.Seconds() * 100
}

func readCPUTicks(pid int) (uint64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	// Field 2 (comm) may contain spaces; fields after the closing paren are
	// fixed-position.
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(s[end+1:])
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

func readRSSMB(pid int) float64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
