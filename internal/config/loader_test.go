package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config search at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, 60*time.Second, cfg.Scheduler.ListTimeout)
		assert.Equal(t, 5*time.Second, cfg.Scheduler.SubmitDelay)
		assert.Equal(t, "WH", cfg.Scheduler.ModelPrefix)
		assert.Equal(t, "WC", cfg.Scheduler.SecondaryPrefix)
		assert.Equal(t, "mpiexec", cfg.Scheduler.MPICommand)

		assert.Equal(t, 60*time.Second, cfg.Poll.Interval)
		assert.Equal(t, 1, cfg.Workers)
		assert.Equal(t, 10*time.Second, cfg.Notify.Timeout)
		assert.Equal(t, 25, cfg.Notify.SMTP.Port)

		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "none", cfg.Metrics.Exporter)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.True(t, strings.HasSuffix(cfg.Store.Path, "hydrocal.db"), cfg.Store.Path)
		assert.Empty(t, cfg.Hooks.StalePatterns)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"scheduler": map[string]any{
				"backend": "SLURM",
				"queue":   "debug",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"workers": 4,
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "slurm", cfg.Scheduler.Backend, "backend is normalised")
		assert.Equal(t, "debug", cfg.Scheduler.Queue)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 4, cfg.Workers)

		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, "WH", cfg.Scheduler.ModelPrefix)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("HYDROCAL_PORT", "3000")
		t.Setenv("HYDROCAL_LOG_LEVEL", "warn")
		t.Setenv("HYDROCAL_SCHEDULER_BACKEND", "pbs")
		t.Setenv("HYDROCAL_METRICS_ENABLED", "true")
		t.Setenv("HYDROCAL_HOOKS_STALE_PATTERNS", "namelist.hrldas,*.TBL")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "pbs", cfg.Scheduler.Backend)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, []string{"namelist.hrldas", "*.TBL"}, cfg.Hooks.StalePatterns)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("HYDROCAL_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "hydrocal.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  backend: lsf
  owner: hydro
poll:
  interval: 2m
hooks:
  stale_patterns: ["namelist.*", "hydro.namelist"]
`), 0644))
		SetConfigFile(path)
		defer SetConfigFile("")

		t.Setenv("HYDROCAL_SCHEDULER_OWNER", "calib")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "lsf", cfg.Scheduler.Backend)
		assert.Equal(t, "calib", cfg.Scheduler.Owner, "env wins over file")
		assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
		assert.Equal(t, []string{"namelist.*", "hydro.namelist"}, cfg.Hooks.StalePatterns)
	})

	t.Run("UserConfigDiscovered", func(t *testing.T) {
		isolate(t)
		xdg := os.Getenv("XDG_CONFIG_HOME")
		require.NoError(t, os.MkdirAll(filepath.Join(xdg, "hydrocal"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(xdg, "hydrocal", "config.yaml"),
			[]byte("workers: 3\n"), 0644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Workers)
	})

	t.Run("MissingPinnedFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		assert.Error(t, err)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	assert.Equal(t, "HYDROCAL", Identity().EnvPrefix)
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("HYDROCAL_READ_TIMEOUT", "45s")
	t.Setenv("HYDROCAL_SCHEDULER_LIST_TIMEOUT", "5m")
	t.Setenv("HYDROCAL_POLL_INTERVAL", "90s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ListTimeout)
	assert.Equal(t, 90*time.Second, cfg.Poll.Interval)
}

func TestConfigReload(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": cfg1.Server.Port + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, cfg1.Server.Port+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := map[string]bool{}
	for _, spec := range specs {
		assert.True(t, strings.HasPrefix(spec.Name, "HYDROCAL_"), spec.Name)
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		assert.False(t, names[spec.Name], "duplicate env var %s", spec.Name)
		names[spec.Name] = true
	}

	for _, want := range []string{
		"HYDROCAL_LOG_LEVEL",
		"HYDROCAL_PORT",
		"HYDROCAL_SCHEDULER_BACKEND",
		"HYDROCAL_STORE_PATH",
		"HYDROCAL_NOTIFY_SMTP_HOST",
		"HYDROCAL_SECONDARY_COMMAND",
	} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
