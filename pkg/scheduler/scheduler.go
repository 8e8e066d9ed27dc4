// Package scheduler submits launch scripts and answers liveness questions for
// the four supported execution backends.
//
// Liveness is pure polling: each poll cycle takes one snapshot of the owner's
// jobs (Refresh) and every IsAlive call is answered from it. Queue backends
// shell out to the scheduler's list command; the MPI backend walks the OS
// process table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backend selects the execution front end.
type Backend string

const (
	BackendPBS   Backend = "pbs"
	BackendSlurm Backend = "slurm"
	BackendLSF   Backend = "lsf"
	BackendMPI   Backend = "mpi"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendPBS, BackendSlurm, BackendLSF, BackendMPI:
		return b, nil
	}
	return "", fmt.Errorf("unknown scheduler backend %q (expected pbs, slurm, lsf or mpi)", s)
}

var (
	// ErrSchedulerUnavailable wraps any failure to invoke or parse the
	// scheduler's own tooling.
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")

	// ErrOwnerMismatch means a job carrying one of our names is running under
	// another OS user.
	ErrOwnerMismatch = errors.New("job owner mismatch")
)

// JobName is the only coupling between submission and liveness polling.
type JobName struct {
	Prefix   string
	JobID    string
	DomainID int
}

func (n JobName) String() string {
	return fmt.Sprintf("%s_%s_%d", n.Prefix, n.JobID, n.DomainID)
}

// Adapter is the uniform submit/poll contract every backend implements.
type Adapter interface {
	Backend() Backend

	// Refresh replaces the cached job snapshot. Call once per poll cycle.
	Refresh(ctx context.Context) error

	// IsAlive reports whether a job with the given name is queued or running.
	// It refreshes lazily when no snapshot has been taken yet.
	IsAlive(ctx context.Context, name JobName) (bool, error)

	// Submit hands a launch script to the backend. The script's directory is
	// the working directory of the job.
	Submit(ctx context.Context, scriptPath string) error
}

// Config holds the backend settings shared by all adapters.
type Config struct {
	Backend     Backend
	Owner       string
	ListTimeout time.Duration
}

// Option configures an adapter built by New.
type Option func(*options)

type options struct {
	runner Runner
	procs  ProcessTable
	logger *zap.Logger
}

// WithRunner replaces the command runner (used by tests).
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithProcessTable replaces the OS process table (used by tests).
func WithProcessTable(p ProcessTable) Option {
	return func(o *options) { o.procs = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the adapter for cfg.Backend.
func New(cfg Config, opts ...Option) (Adapter, error) {
	o := options{runner: ExecRunner{}, procs: SystemProcessTable{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return nil, errors.New("scheduler owner is required")
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 60 * time.Second
	}

	switch cfg.Backend {
	case BackendPBS, BackendSlurm, BackendLSF:
		return newQueueAdapter(cfg, dialects[cfg.Backend], o.runner, o.logger), nil
	case BackendMPI:
		return newProcessAdapter(cfg, o.procs, o.logger), nil
	}
	return nil, fmt.Errorf("unknown scheduler backend %q", cfg.Backend)
}

// Tools lists the executables a backend needs on PATH.
func Tools(b Backend) []string {
	if d, ok := dialects[b]; ok {
		return []string{d.listCmd, d.submitCmd}
	}
	if b == BackendMPI {
		return []string{"bash"}
	}
	return nil
}
