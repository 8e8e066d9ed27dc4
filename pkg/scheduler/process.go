package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessInfo is the subset of a process the MPI backend matches on.
type ProcessInfo struct {
	PID      int32
	Name     string
	Cmdline  []string
	Username string
}

// ProcessTable enumerates OS processes.
type ProcessTable interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// SystemProcessTable reads the live process table via gopsutil.
type SystemProcessTable struct{}

func (SystemProcessTable) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		// Processes may exit between listing and inspection.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		user, _ := p.UsernameWithContext(ctx)
		out = append(out, ProcessInfo{PID: p.Pid, Name: name, Cmdline: cmdline, Username: user})
	}
	return out, nil
}

// processAdapter runs jobs as detached local processes. A job is alive while
// a process named after it exists; the launch script arranges that name.
type processAdapter struct {
	cfg    Config
	procs  ProcessTable
	logger *zap.Logger

	mu    sync.RWMutex
	snap  []ProcessInfo
	taken bool
}

func newProcessAdapter(cfg Config, procs ProcessTable, logger *zap.Logger) *processAdapter {
	return &processAdapter{cfg: cfg, procs: procs, logger: logger}
}

func (a *processAdapter) Backend() Backend { return BackendMPI }

func (a *processAdapter) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ListTimeout)
	defer cancel()

	snap, err := a.procs.Processes(ctx)
	if err != nil {
		return fmt.Errorf("%w: list processes: %v", ErrSchedulerUnavailable, err)
	}
	a.mu.Lock()
	a.snap = snap
	a.taken = true
	a.mu.Unlock()
	return nil
}

func (a *processAdapter) IsAlive(ctx context.Context, name JobName) (bool, error) {
	a.mu.RLock()
	taken := a.taken
	a.mu.RUnlock()
	if !taken {
		if err := a.Refresh(ctx); err != nil {
			return false, err
		}
	}

	want := name.String()
	a.mu.RLock()
	defer a.mu.RUnlock()
	alive := false
	for _, p := range a.snap {
		if !matchesProcess(p, want) {
			continue
		}
		if p.Username != a.cfg.Owner {
			return false, fmt.Errorf("%w: %s (pid %d) runs as %q, expected %q", ErrOwnerMismatch, want, p.PID, p.Username, a.cfg.Owner)
		}
		alive = true
	}
	return alive, nil
}

// matchesProcess compares against the kernel process name and argv[0]. The
// kernel name is truncated on Linux, so argv[0] is the authoritative match.
func matchesProcess(p ProcessInfo, want string) bool {
	if len(p.Cmdline) > 0 && filepath.Base(p.Cmdline[0]) == want {
		return true
	}
	return p.Name == want
}

func (a *processAdapter) Submit(_ context.Context, scriptPath string) error {
	dir := filepath.Dir(scriptPath)
	logPath := strings.TrimSuffix(scriptPath, filepath.Ext(scriptPath)) + ".log"

	// #nosec G304 -- log path derives from the run directory layout
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}

	// The job must outlive this process, so it is not bound to ctx.
	cmd := exec.Command("bash", filepath.Base(scriptPath))
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("%w: start %s: %v", ErrSchedulerUnavailable, scriptPath, err)
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	a.logger.Info("job launched",
		zap.String("backend", string(BackendMPI)),
		zap.String("script", scriptPath),
		zap.Int("pid", pid))
	return nil
}
