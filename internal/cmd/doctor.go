package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/internal/config"
	"github.com/3leaps/hydrocal/internal/observability"
	"github.com/3leaps/hydrocal/pkg/scheduler"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment a hydrocal orchestrator needs:
scheduler tools on PATH, the model executable, the progress store and the
config directory.

Examples:
  hydrocal doctor
  hydrocal doctor --backend slurm`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	checks := doctorChecks(appConfig)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" ❌ "+err.Error(), zap.String("check", c.name), zap.Error(err))
			continue
		}
		log.Info(prefix+" ✅ "+detail, zap.String("check", c.name))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.", zap.Int("failed", failed))
		log.Info("=== End Diagnostics ===")
		return exitError(exitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	log.Info("=== End Diagnostics ===")
	return nil
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	return []doctorCheck{
		{name: "Go version", run: func(context.Context) (string, error) {
			v := runtime.Version()
			return fmt.Sprintf("%s %s/%s", v, runtime.GOOS, runtime.GOARCH), nil
		}},
		{name: "Crucible access", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "", fmt.Errorf("cannot access Crucible")
			}
			return fmt.Sprintf("crucible v%s gofulmen v%s", v.Crucible, v.Gofulmen), nil
		}},
		{name: "scheduler tools", run: func(context.Context) (string, error) {
			return checkSchedulerTools(cfg.Scheduler.Backend)
		}},
		{name: "model executable", run: func(context.Context) (string, error) {
			return checkExecutable(cfg.Model.Executable)
		}},
		{name: "progress store", run: func(ctx context.Context) (string, error) {
			store, err := openStore(ctx, cfg)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if err := store.Ping(ctx); err != nil {
				return "", err
			}
			if cfg.Store.URL != "" {
				return "libsql " + redactURL(cfg.Store.URL), nil
			}
			return cfg.Store.Path, nil
		}},
		{name: "config directory", run: func(context.Context) (string, error) {
			dir, err := os.UserConfigDir()
			if err != nil {
				return "", err
			}
			return dir, nil
		}},
	}
}

func checkSchedulerTools(backendName string) (string, error) {
	if strings.TrimSpace(backendName) == "" {
		return "no backend configured (set scheduler.backend or pass --backend)", nil
	}
	backend, err := scheduler.ParseBackend(backendName)
	if err != nil {
		return "", err
	}
	var found []string
	for _, tool := range scheduler.Tools(backend) {
		path, err := lookPath(tool)
		if err != nil {
			return "", fmt.Errorf("%s not found on PATH", tool)
		}
		found = append(found, path)
	}
	return fmt.Sprintf("%s: %s", backend, strings.Join(found, ", ")), nil
}

func checkExecutable(executable string) (string, error) {
	executable = strings.TrimSpace(executable)
	if executable == "" {
		return "", fmt.Errorf("model.executable is not configured")
	}
	info, err := os.Stat(executable)
	if err != nil {
		return "", err
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%s is not executable", executable)
	}
	return executable, nil
}

// redactURL drops everything after the host so tokens never reach logs.
func redactURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
