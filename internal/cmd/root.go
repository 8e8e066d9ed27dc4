// Package cmd is the hydrocal command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/internal/config"
	"github.com/3leaps/hydrocal/internal/observability"
	"github.com/3leaps/hydrocal/internal/server/handlers"
	"github.com/3leaps/hydrocal/pkg/progress"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hydrocal",
	Short: "Orchestrate hydrological model calibration on HPC schedulers",
	Long: `hydrocal drives a multi-basin calibration workflow (spinup, calibration,
validation) through a batch scheduler. Each invocation of 'run' polls every
basin's work units until the stage is complete, restarting a failed run once
and locking it for human review on a second failure.

Progress lives in a SQLite/libsql store, so an interrupted orchestrator
resumes exactly where it stopped.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initialize,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default $XDG_CONFIG_HOME/hydrocal/config.yaml)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-profile", "", "Log profile: STRUCTURED (json) or CONSOLE")
	pf.BoolP("verbose", "v", false, "Shorthand for --log-level=debug")
	pf.String("store", "", "Progress database path")
	pf.String("store-url", "", "libsql URL of a shared progress database")
	pf.String("backend", "", "Scheduler backend: pbs, slurm, lsf, mpi")
}

// SetVersionInfo is called from main with linker-provided values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved during initialization, or nil
// before any command ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// flagOverrides maps explicitly set persistent flags onto config keys.
// Unset flags never override env or file values.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(flag string, path ...string) {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			return
		}
		m := out
		for _, p := range path[:len(path)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[path[len(path)-1]] = f.Value.String()
	}
	set("log-level", "logging", "level")
	set("log-profile", "logging", "profile")
	set("store", "store", "path")
	set("store-url", "store", "url")
	set("backend", "scheduler", "backend")

	if f := cmd.Flags().Lookup("verbose"); f != nil && f.Changed && f.Value.String() == "true" {
		logging, _ := out["logging"].(map[string]any)
		if logging == nil {
			logging = map[string]any{}
			out["logging"] = logging
		}
		logging["level"] = "debug"
	}
	return out
}

func initialize(cmd *cobra.Command, _ []string) error {
	if f := cmd.Flags().Lookup("config"); f != nil {
		config.SetConfigFile(strings.TrimSpace(f.Value.String()))
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, flagOverrides(cmd))
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to load configuration", err)
	}
	appConfig = cfg
	appIdentity = config.Identity()

	if err := observability.ConfigureCLILogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*progress.Store, error) {
	store, err := progress.OpenStore(ctx, progress.Config{
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, exitError(exitExternalServiceUnavailable, "Failed to open progress store", err)
	}
	return store, nil
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	code := 1
	var ee *ExitError
	if errors.As(err, &ee) {
		code = ee.Code
	}
	logger := observability.CLILogger
	if logger == nil || logger.Core() == nil {
		logger = zap.NewNop()
	}
	logger.Error(err.Error(), zap.Int("exit_code", code))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return code
}
