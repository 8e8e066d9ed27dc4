package rundir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hydrocal/pkg/runstate"
)

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/scratch/job7/")

	spin := runstate.WorkUnit{Basin: "01447720", Stage: runstate.StageSpinup}
	assert.Equal(t, "/scratch/job7/01447720/RUN.SPINUP", l.RunDir(spin))

	calib := runstate.WorkUnit{Basin: "01447720", Iteration: 3, Stage: runstate.StageCalibration}
	assert.Equal(t, "/scratch/job7/01447720/RUN.CALIB/ITER_0003", l.RunDir(calib))

	valid := runstate.WorkUnit{Basin: "01447720", Stage: runstate.StageValidation}
	assert.Equal(t, "/scratch/job7/01447720/RUN.VALID", l.RunDir(valid))

	assert.Equal(t, "/scratch/job7/ORCHESTRATOR.CALIBRATION.PID", l.OrchestratorPIDPath(runstate.StageCalibration))
}

func TestLockMarkerLifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")

	locked, err := HasLock(dir)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, WriteLock(dir, "failed twice"))
	locked, err = HasLock(dir)
	require.NoError(t, err)
	assert.True(t, locked)

	b, err := os.ReadFile(filepath.Join(dir, LockMarker))
	require.NoError(t, err)
	assert.Contains(t, string(b), "reason=failed twice")

	// Second write keeps the original marker.
	require.NoError(t, WriteLock(dir, "other"))
	b, err = os.ReadFile(filepath.Join(dir, LockMarker))
	require.NoError(t, err)
	assert.Contains(t, string(b), "reason=failed twice")

	removed, err := RemoveLock(dir)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = RemoveLock(dir)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSecondaryMarkers(t *testing.T) {
	dir := t.TempDir()

	attempted, err := SecondaryAttempted(dir)
	require.NoError(t, err)
	assert.False(t, attempted)

	require.NoError(t, os.WriteFile(filepath.Join(dir, SecondaryScript), []byte("#!/bin/bash\n"), 0755))
	attempted, err = SecondaryAttempted(dir)
	require.NoError(t, err)
	assert.True(t, attempted)

	done, err := SecondaryDone(dir)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, os.WriteFile(filepath.Join(dir, SecondaryComplete), nil, 0644))
	done, err = SecondaryDone(dir)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"namelist.hrldas", "hydro.namelist", "diag_hydro.00000", "diag_hydro.00001", ModelScript, LockMarker, "keep.nc"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	n, err := RemoveStale(dir, append(DefaultStalePatterns, "*.sh", "RUN.*"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, name := range []string{ModelScript, LockMarker, "keep.nc"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "%s should survive", name)
	}
	_, err = os.Stat(filepath.Join(dir, "hydro.namelist"))
	assert.True(t, os.IsNotExist(err))

	_, err = RemoveStale(dir, []string{"[unclosed"})
	assert.Error(t, err)
}
