// Package orchlock keeps a single orchestrator instance per workflow stage.
//
// The lock is a plain-text marker file holding the owner's process id. It
// lives next to the run directories so it stays inspectable when the progress
// store is unreachable. The owner touches it every poll cycle as a heartbeat
// and removes it only on clean completion.
package orchlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned by Require when a live instance owns the marker.
	ErrLockHeld = errors.New("orchestrator lock held by a live instance")

	// ErrLockLost means the marker no longer names this process.
	ErrLockLost = errors.New("orchestrator lock lost")
)

// Outcome describes how Acquire resolved.
type Outcome int

const (
	// Acquired means no marker existed (or it already named us).
	Acquired Outcome = iota
	// Recovered means a marker of a dead process was taken over.
	Recovered
	// Held means a live instance owns the marker; the caller must exit quietly.
	Held
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Recovered:
		return "recovered"
	case Held:
		return "held"
	}
	return "unknown"
}

// Result is returned by Acquire.
type Result struct {
	Outcome Outcome
	// OwnerPID is the process recorded in the marker after Acquire.
	OwnerPID int
	// StalePID is the dead owner that was replaced, if any.
	StalePID int
}

// Owns reports whether this process may run the poll loop.
func (r Result) Owns() bool { return r.Outcome != Held }

// AliveFunc reports whether a process id is alive.
type AliveFunc func(ctx context.Context, pid int) (bool, error)

// ProcessAlive checks liveness through gopsutil.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Lock guards one marker path.
type Lock struct {
	path   string
	pid    int
	alive  AliveFunc
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Lock)

// WithPID overrides the pid written to the marker (used by tests).
func WithPID(pid int) Option {
	return func(l *Lock) { l.pid = pid }
}

// WithAliveFunc overrides the liveness probe (used by tests).
func WithAliveFunc(fn AliveFunc) Option {
	return func(l *Lock) { l.alive = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Lock) { l.logger = logger }
}

func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:   strings.TrimSpace(path),
		pid:    os.Getpid(),
		alive:  ProcessAlive,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

func (l *Lock) Path() string { return l.path }

func (l *Lock) PID() int { return l.pid }

// Acquire takes the marker, or recovers it from a dead owner. A live owner
// yields Outcome Held and a nil error.
func (l *Lock) Acquire(ctx context.Context) (Result, error) {
	if l.path == "" {
		return Result{}, errors.New("orchestrator lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return Result{}, fmt.Errorf("create lock dir: %w", err)
	}

	created, err := l.createExclusive()
	if err != nil {
		return Result{}, err
	}
	if created {
		l.logger.Info("orchestrator lock acquired", zap.String("path", l.path), zap.Int("pid", l.pid))
		return Result{Outcome: Acquired, OwnerPID: l.pid}, nil
	}

	owner, err := ReadPID(l.path)
	if err != nil && !errors.Is(err, errUnreadable) {
		return Result{}, err
	}
	if owner == l.pid {
		return Result{Outcome: Acquired, OwnerPID: l.pid}, nil
	}
	if owner > 0 {
		alive, err := l.alive(ctx, owner)
		if err != nil {
			return Result{}, fmt.Errorf("check orchestrator pid %d: %w", owner, err)
		}
		if alive {
			l.logger.Info("orchestrator already running", zap.String("path", l.path), zap.Int("owner_pid", owner))
			return Result{Outcome: Held, OwnerPID: owner}, nil
		}
	}

	// Owner is dead (or the marker is garbage): take over.
	return l.takeover(ctx, owner)
}

// takeover replaces a dead owner's marker. Recovering instances serialise on
// an exclusive claim file and re-read the marker once they hold it, so an
// instance that saw the dead owner late finds the winner instead.
func (l *Lock) takeover(ctx context.Context, stale int) (Result, error) {
	release, claimant, err := l.claim(ctx)
	if err != nil {
		return Result{}, err
	}
	if claimant > 0 {
		l.logger.Info("orchestrator lock recovery in progress elsewhere",
			zap.String("path", l.path), zap.Int("claimant_pid", claimant))
		return Result{Outcome: Held, OwnerPID: claimant}, nil
	}
	defer release()

	current, err := ReadPID(l.path)
	switch {
	case err == nil && current != stale && current != l.pid:
		alive, err := l.alive(ctx, current)
		if err != nil {
			return Result{}, fmt.Errorf("check orchestrator pid %d: %w", current, err)
		}
		if alive {
			l.logger.Info("orchestrator lock recovered by another instance",
				zap.String("path", l.path), zap.Int("owner_pid", current))
			return Result{Outcome: Held, OwnerPID: current}, nil
		}
		stale = current
	case err != nil && !errors.Is(err, errUnreadable) && !errors.Is(err, os.ErrNotExist):
		return Result{}, err
	}

	if err := l.writeAtomic(); err != nil {
		return Result{}, err
	}
	now, err := ReadPID(l.path)
	if err != nil {
		return Result{}, err
	}
	if now != l.pid {
		return Result{Outcome: Held, OwnerPID: now}, nil
	}
	l.logger.Warn("orchestrator lock recovered from dead owner",
		zap.String("path", l.path), zap.Int("stale_pid", stale), zap.Int("pid", l.pid))
	return Result{Outcome: Recovered, OwnerPID: l.pid, StalePID: stale}, nil
}

func (l *Lock) claimPath() string { return l.path + ".takeover" }

// claim links the claim file into place, failing if it exists. A claim left
// by a dead process is cleared and retried. A live claimant's pid is returned
// instead of a release func.
func (l *Lock) claim(ctx context.Context) (func(), int, error) {
	path := l.claimPath()
	for attempt := 0; attempt < 3; attempt++ {
		created, err := l.linkExclusive(path)
		if err != nil {
			return nil, 0, fmt.Errorf("orchestrator takeover claim: %w", err)
		}
		if created {
			return func() { _ = os.Remove(path) }, 0, nil
		}

		pid, err := ReadPID(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err == nil {
			alive, err := l.alive(ctx, pid)
			if err != nil {
				return nil, 0, fmt.Errorf("check takeover claimant pid %d: %w", pid, err)
			}
			if alive {
				return nil, pid, nil
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("clear stale takeover claim: %w", err)
		}
	}
	return nil, 0, fmt.Errorf("orchestrator takeover claim %s is contended", path)
}

// Require is Acquire that reports a live owner as ErrLockHeld.
func (l *Lock) Require(ctx context.Context) (Result, error) {
	res, err := l.Acquire(ctx)
	if err != nil {
		return res, err
	}
	if !res.Owns() {
		return res, fmt.Errorf("%w: pid %d (%s)", ErrLockHeld, res.OwnerPID, l.path)
	}
	return res, nil
}

// Touch updates the marker's modification time. It fails with ErrLockLost if
// the marker vanished or names another process.
func (l *Lock) Touch() error {
	owner, err := ReadPID(l.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	if owner != l.pid {
		return fmt.Errorf("%w: marker names pid %d", ErrLockLost, owner)
	}
	now := l.now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("touch orchestrator lock: %w", err)
	}
	return nil
}

// Release removes the marker if it still names this process.
func (l *Lock) Release() error {
	owner, err := ReadPID(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove orchestrator lock: %w", err)
	}
	l.logger.Info("orchestrator lock released", zap.String("path", l.path))
	return nil
}

var errUnreadable = errors.New("orchestrator lock marker unreadable")

// ReadPID returns the process id recorded in a marker.
func ReadPID(path string) (int, error) {
	// #nosec G304 -- marker path derives from the job directory
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", errUnreadable, strings.TrimSpace(string(b)))
	}
	return pid, nil
}

// Status describes a marker for status reporting.
type Status struct {
	Path      string    `json:"path"`
	Present   bool      `json:"present"`
	PID       int       `json:"pid,omitempty"`
	Alive     bool      `json:"alive"`
	Heartbeat time.Time `json:"heartbeat,omitempty"`
}

// Inspect reads a marker without taking it.
func Inspect(ctx context.Context, path string, alive AliveFunc) (Status, error) {
	if alive == nil {
		alive = ProcessAlive
	}
	st := Status{Path: path}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Present = true
	st.Heartbeat = info.ModTime().UTC()
	pid, err := ReadPID(path)
	if err != nil {
		return st, nil
	}
	st.PID = pid
	st.Alive, err = alive(ctx, pid)
	return st, err
}

// createExclusive links a fully written temp file into place so the marker
// never appears empty.
func (l *Lock) createExclusive() (bool, error) {
	created, err := l.linkExclusive(l.path)
	if err != nil {
		return false, fmt.Errorf("create orchestrator lock: %w", err)
	}
	return created, nil
}

// linkExclusive hard-links a temp file holding our pid to target. It reports
// false when target already exists.
func (l *Lock) linkExclusive(target string) (bool, error) {
	tmp, err := l.writeTemp()
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Lock) writeAtomic() error {
	tmp, err := l.writeTemp()
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace orchestrator lock: %w", err)
	}
	return nil
}

func (l *Lock) writeTemp() (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp lock file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(l.pid) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp lock file: %w", err)
	}
	return name, nil
}
