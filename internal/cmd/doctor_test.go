package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hydrocal/internal/observability"
)

func stubLookPath(t *testing.T, found map[string]bool) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if found[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestCheckSchedulerTools(t *testing.T) {
	t.Run("no backend", func(t *testing.T) {
		got, err := checkSchedulerTools("")
		require.NoError(t, err)
		assert.Contains(t, got, "no backend configured")
	})

	t.Run("slurm tools present", func(t *testing.T) {
		stubLookPath(t, map[string]bool{"squeue": true, "sbatch": true})
		got, err := checkSchedulerTools("slurm")
		require.NoError(t, err)
		assert.Contains(t, got, "/usr/bin/squeue")
	})

	t.Run("pbs tools missing", func(t *testing.T) {
		stubLookPath(t, map[string]bool{})
		_, err := checkSchedulerTools("pbs")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found on PATH")
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := checkSchedulerTools("condor")
		assert.Error(t, err)
	})
}

func TestCheckExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "wrf_hydro.exe")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	plain := filepath.Join(dir, "namelist.hrldas")
	require.NoError(t, os.WriteFile(plain, nil, 0644))

	got, err := checkExecutable(exe)
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	_, err = checkExecutable(plain)
	assert.Error(t, err)

	_, err = checkExecutable(dir)
	assert.Error(t, err)

	_, err = checkExecutable("")
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "libsql://db.example.org", redactURL("libsql://db.example.org?authToken=secret"))
	assert.Equal(t, "file:/tmp/x.db", redactURL("file:/tmp/x.db"))
}

func TestDoctorCommand(t *testing.T) {
	// Initialize CLI logger to avoid nil pointer
	observability.InitCLILogger("test", false)
	store, _ := testEnv(t)

	dir := t.TempDir()
	exe := filepath.Join(dir, "model.exe")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	t.Setenv("HYDROCAL_MODEL_EXECUTABLE", exe)

	_, err := execute(t, "doctor", "--store", store)
	require.NoError(t, err)

	t.Setenv("HYDROCAL_MODEL_EXECUTABLE", "")
	_, err = execute(t, "doctor", "--store", store)
	require.Error(t, err)
	assert.Equal(t, exitExternalServiceUnavailable, exitCode(t, err))
}
