package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// dialect captures how one queue system lists and accepts jobs. Listings are
// already scoped to the owner by the list command, and the name column comes
// last so long job names are never cut.
type dialect struct {
	listCmd   string
	listArgs  func(owner string) []string
	nameCol   string
	stateCol  string
	columns   []string
	finished  map[string]bool
	noJobs    []string
	submitCmd string
	// stdinSubmit feeds the script on stdin instead of passing its path.
	stdinSubmit bool
}

var dialects = map[Backend]dialect{
	BackendSlurm: {
		listCmd: "squeue",
		listArgs: func(owner string) []string {
			return []string{"-u", owner, "-o", "%-24i %-16T %j"}
		},
		nameCol:  "NAME",
		stateCol: "STATE",
		columns:  []string{"JOBID", "STATE", "NAME"},
		finished: map[string]bool{
			"COMPLETED": true, "CANCELLED": true, "FAILED": true, "TIMEOUT": true,
			"NODE_FAIL": true, "PREEMPTED": true, "OUT_OF_MEMORY": true, "BOOT_FAIL": true,
		},
		submitCmd: "sbatch",
	},
	BackendPBS: {
		listCmd: "qstat",
		listArgs: func(owner string) []string {
			return []string{"-u", owner, "-w"}
		},
		nameCol:   "Jobname",
		stateCol:  "S",
		columns:   []string{"Job ID", "Jobname", "S"},
		finished:  map[string]bool{"C": true, "F": true},
		submitCmd: "qsub",
	},
	BackendLSF: {
		listCmd: "bjobs",
		listArgs: func(owner string) []string {
			return []string{"-u", owner, "-o", "jobid:12 stat:8 exec_host:24 job_name"}
		},
		nameCol:     "JOB_NAME",
		stateCol:    "STAT",
		columns:     []string{"JOBID", "STAT", "JOB_NAME"},
		finished:    map[string]bool{"DONE": true, "EXIT": true},
		noJobs:      []string{"No unfinished job found", "No job found"},
		submitCmd:   "bsub",
		stdinSubmit: true,
	},
}

// queueAdapter serves the queue and batch backends: list all of the owner's
// jobs once per cycle, then match names against the snapshot.
type queueAdapter struct {
	cfg     Config
	dialect dialect
	runner  Runner
	logger  *zap.Logger

	mu    sync.RWMutex
	alive map[string]bool
	taken bool
}

func newQueueAdapter(cfg Config, d dialect, r Runner, logger *zap.Logger) *queueAdapter {
	return &queueAdapter{cfg: cfg, dialect: d, runner: r, logger: logger}
}

func (a *queueAdapter) Backend() Backend { return a.cfg.Backend }

func (a *queueAdapter) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ListTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := a.runner.Run(ctx, Command{
		Name: a.dialect.listCmd,
		Args: a.dialect.listArgs(a.cfg.Owner),
	})
	if err != nil && !a.isNoJobs(stdout, stderr) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s timed out after %s", ErrSchedulerUnavailable, a.dialect.listCmd, a.cfg.ListTimeout)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrSchedulerUnavailable, a.dialect.listCmd, err, strings.TrimSpace(string(stderr)))
	}

	alive, err := a.parse(stdout, stderr)
	if err != nil {
		return fmt.Errorf("%w: parse %s output: %v", ErrSchedulerUnavailable, a.dialect.listCmd, err)
	}

	a.mu.Lock()
	a.alive = alive
	a.taken = true
	a.mu.Unlock()

	a.logger.Debug("scheduler snapshot",
		zap.String("backend", string(a.cfg.Backend)),
		zap.Int("jobs", len(alive)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (a *queueAdapter) parse(stdout, stderr []byte) (map[string]bool, error) {
	alive := make(map[string]bool)
	if len(bytes.TrimSpace(stdout)) == 0 || a.isNoJobs(stdout, stderr) {
		return alive, nil
	}
	t, err := parseTable(string(stdout), a.dialect.columns)
	if err != nil {
		return nil, err
	}
	for _, row := range t.rows {
		if a.dialect.finished[strings.ToUpper(row[a.dialect.stateCol])] {
			continue
		}
		if name := row[a.dialect.nameCol]; name != "" {
			alive[name] = true
		}
	}
	return alive, nil
}

func (a *queueAdapter) isNoJobs(stdout, stderr []byte) bool {
	for _, msg := range a.dialect.noJobs {
		if bytes.Contains(stdout, []byte(msg)) || bytes.Contains(stderr, []byte(msg)) {
			return true
		}
	}
	return false
}

func (a *queueAdapter) IsAlive(ctx context.Context, name JobName) (bool, error) {
	a.mu.RLock()
	taken := a.taken
	a.mu.RUnlock()
	if !taken {
		if err := a.Refresh(ctx); err != nil {
			return false, err
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.alive[name.String()], nil
}

func (a *queueAdapter) Submit(ctx context.Context, scriptPath string) error {
	dir := filepath.Dir(scriptPath)
	cmd := Command{Name: a.dialect.submitCmd, Dir: dir}
	if a.dialect.stdinSubmit {
		b, err := os.ReadFile(scriptPath)
		if err != nil {
			return fmt.Errorf("read launch script: %w", err)
		}
		cmd.Stdin = bytes.NewReader(b)
	} else {
		cmd.Args = []string{filepath.Base(scriptPath)}
	}

	stdout, stderr, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v: %s", ErrSchedulerUnavailable, a.dialect.submitCmd, scriptPath, err, strings.TrimSpace(string(stderr)))
	}
	a.logger.Info("job submitted",
		zap.String("backend", string(a.cfg.Backend)),
		zap.String("script", scriptPath),
		zap.String("response", strings.TrimSpace(string(stdout))))
	return nil
}
