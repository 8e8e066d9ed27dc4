// Package rundir owns the on-disk contract of a calibration job: where each
// work unit runs, which marker files cooperating monitors look for, and how
// simulation progress is recognised from restart artifacts.
//
// Directory layout:
//
//	<job_dir>/ORCHESTRATOR.<stage>.PID
//	<job_dir>/<basin>/RUN.SPINUP/
//	<job_dir>/<basin>/RUN.CALIB/ITER_<nnnn>/
//	<job_dir>/<basin>/RUN.VALID/
//
// Each run directory may contain RUN.LOCK, run_model.sh, run_secondary.sh and
// CALIB_ITER.COMPLETE.
package rundir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/hydrocal/pkg/runstate"
)

// Marker and script names. These are part of the external monitor contract.
const (
	LockMarker        = "RUN.LOCK"
	ModelScript       = "run_model.sh"
	SecondaryScript   = "run_secondary.sh"
	SecondaryComplete = "CALIB_ITER.COMPLETE"
)

var stageDirs = map[runstate.Stage]string{
	runstate.StageSpinup:      "RUN.SPINUP",
	runstate.StageCalibration: "RUN.CALIB",
	runstate.StageValidation:  "RUN.VALID",
}

// Layout resolves paths under a job directory.
type Layout struct {
	root string
}

func NewLayout(jobDir string) Layout {
	return Layout{root: filepath.Clean(strings.TrimSpace(jobDir))}
}

func (l Layout) JobDir() string {
	return l.root
}

// StageDir is the per-basin directory holding every run of a stage.
func (l Layout) StageDir(basin string, stage runstate.Stage) string {
	return filepath.Join(l.root, basin, stageDirs[stage])
}

// RunDir is the directory the model for unit executes in.
func (l Layout) RunDir(unit runstate.WorkUnit) string {
	dir := l.StageDir(unit.Basin, unit.Stage)
	if unit.Stage.Iterative() {
		return filepath.Join(dir, fmt.Sprintf("ITER_%04d", unit.Iteration))
	}
	return dir
}

// OrchestratorPIDPath is the orchestrator lock marker for one stage of the job.
func (l Layout) OrchestratorPIDPath(stage runstate.Stage) string {
	return filepath.Join(l.root, fmt.Sprintf("ORCHESTRATOR.%s.PID", strings.ToUpper(stage.String())))
}

// HasLock reports whether the workflow lock marker exists in dir.
func HasLock(dir string) (bool, error) {
	return exists(filepath.Join(dir, LockMarker))
}

// WriteLock creates the lock marker with a short human-readable reason.
// An existing marker is left untouched.
func WriteLock(dir string, reason string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(dir, LockMarker)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("create lock marker: %w", err)
	}
	body := fmt.Sprintf("locked_at=%s\nreason=%s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write lock marker: %w", err)
	}
	return f.Close()
}

// RemoveLock deletes the lock marker. A missing marker is not an error.
func RemoveLock(dir string) (bool, error) {
	err := os.Remove(filepath.Join(dir, LockMarker))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("remove lock marker: %w", err)
}

// SecondaryAttempted reports whether the parameter-estimation stage was ever
// launched from dir. Its launch script is written exactly once, right before
// the first submission.
func SecondaryAttempted(dir string) (bool, error) {
	return exists(filepath.Join(dir, SecondaryScript))
}

// SecondaryDone reports whether the external parameter-estimation program
// left its completion artifact in dir.
func SecondaryDone(dir string) (bool, error) {
	return exists(filepath.Join(dir, SecondaryComplete))
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
