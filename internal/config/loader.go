// Package config resolves hydrocal configuration.
//
// Precedence, highest first: runtime overrides (command flags), HYDROCAL_*
// environment variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and its config surfaces.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity Load installs.
var DefaultIdentity = AppIdentity{
	BinaryName: "hydrocal",
	EnvPrefix:  "HYDROCAL",
	ConfigName: "hydrocal",
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path []string
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *AppIdentity

	// configFile is set by --config; empty means search the user paths.
	configFile string
)

// SetConfigFile pins the config file. A pinned file must exist.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Identity returns the identity loaded by Load, or nil before the first Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Load resolves the configuration and caches it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	id := DefaultIdentity
	appIdentity = &id

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(strings.Join(spec.Path, "."), spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Scheduler.Backend = strings.ToLower(strings.TrimSpace(cfg.Scheduler.Backend))

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// DefaultStorePath is the progress database under the app data directory.
func DefaultStorePath() string {
	return filepath.Join(gfconfig.GetAppDataDir(DefaultIdentity.ConfigName), "hydrocal.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("scheduler.backend", "")
	v.SetDefault("scheduler.owner", "")
	v.SetDefault("scheduler.queue", "")
	v.SetDefault("scheduler.account", "")
	v.SetDefault("scheduler.walltime", "")
	v.SetDefault("scheduler.list_timeout", "60s")
	v.SetDefault("scheduler.submit_delay", "5s")
	v.SetDefault("scheduler.model_prefix", "WH")
	v.SetDefault("scheduler.secondary_prefix", "WC")
	v.SetDefault("scheduler.mpi_command", "mpiexec")

	v.SetDefault("poll.interval", "60s")
	v.SetDefault("workers", 1)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 25)
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.exporter", "none")
	v.SetDefault("metrics.endpoint", "")
	v.SetDefault("metrics.insecure", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("hooks.prepare", "")
	v.SetDefault("hooks.prepare_timeout", "10m")
	v.SetDefault("hooks.stale_patterns", []string{})

	v.SetDefault("model.executable", "")
	v.SetDefault("secondary.command", "")
}

// getEnvSpecs lists the supported environment variables. The short names
// (LOG_LEVEL, PORT) follow the workhorse convention; the rest mirror the key.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return nil
	}
	p := appIdentity.EnvPrefix + "_"
	short := []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: []string{"logging", "level"}},
		{Name: p + "LOG_PROFILE", Path: []string{"logging", "profile"}},
		{Name: p + "HOST", Path: []string{"server", "host"}},
		{Name: p + "PORT", Path: []string{"server", "port"}},
		{Name: p + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}},
		{Name: p + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}},
		{Name: p + "WORKERS", Path: []string{"workers"}},
		{Name: p + "POLL_INTERVAL", Path: []string{"poll", "interval"}},
	}

	keyed := [][]string{
		{"store", "path"}, {"store", "url"}, {"store", "auth_token"},
		{"scheduler", "backend"}, {"scheduler", "owner"}, {"scheduler", "queue"},
		{"scheduler", "account"}, {"scheduler", "walltime"}, {"scheduler", "list_timeout"},
		{"scheduler", "submit_delay"}, {"scheduler", "model_prefix"},
		{"scheduler", "secondary_prefix"}, {"scheduler", "mpi_command"},
		{"notify", "webhook_url"}, {"notify", "timeout"},
		{"notify", "smtp", "host"}, {"notify", "smtp", "port"}, {"notify", "smtp", "from"},
		{"notify", "smtp", "username"}, {"notify", "smtp", "password"},
		{"metrics", "enabled"}, {"metrics", "exporter"}, {"metrics", "endpoint"},
		{"metrics", "insecure"},
		{"hooks", "prepare"}, {"hooks", "prepare_timeout"}, {"hooks", "stale_patterns"},
		{"model", "executable"}, {"secondary", "command"},
	}
	specs := short
	for _, path := range keyed {
		specs = append(specs, EnvSpec{
			Name: p + strings.ToUpper(strings.Join(path, "_")),
			Path: path,
		})
	}
	return specs
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appIdentity.ConfigName, "config.yaml"))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, appIdentity.ConfigName, "config.yaml")
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}
	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat config %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys so each value
// is Set individually and wins over env.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
