package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "hydrocal",
			envPrefix:  "HYDROCAL",
			configName: "hydrocal",
		},
		{
			name:       "missing binary name",
			envPrefix:  "HYDROCAL",
			configName: "hydrocal",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "hydrocal",
			configName: "hydrocal",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "hydrocal",
			envPrefix:  "HYDROCAL",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestStoreHealthChecker(t *testing.T) {
	assert.NoError(t, storeHealthChecker{store: fakePinger{}}.CheckHealth(context.Background()))

	err := storeHealthChecker{store: fakePinger{err: errors.New("disk I/O error")}}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "progress store")

	err = storeHealthChecker{}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not open")
}

func TestLockHealthChecker(t *testing.T) {
	alive := func(context.Context, int) (bool, error) { return true, nil }
	path := filepath.Join(t.TempDir(), "ORCHESTRATOR.SPINUP.PID")

	t.Run("missing marker", func(t *testing.T) {
		err := lockHealthChecker{path: path, pid: 100, alive: alive}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(100)), 0644))

	t.Run("owned by us", func(t *testing.T) {
		assert.NoError(t, lockHealthChecker{path: path, pid: 100, alive: alive}.CheckHealth(context.Background()))
	})

	t.Run("taken over", func(t *testing.T) {
		err := lockHealthChecker{path: path, pid: 200, alive: alive}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pid 100")
	})

	t.Run("stale heartbeat", func(t *testing.T) {
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(path, old, old))
		err := lockHealthChecker{path: path, pid: 100, maxIdle: time.Minute, alive: alive}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale")
	})
}

func TestSplitAddr(t *testing.T) {
	host, port, err := splitAddr("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 8080, port)

	_, _, err = splitAddr("localhost")
	assert.Error(t, err)

	_, _, err = splitAddr("localhost:http")
	assert.Error(t, err)
}
