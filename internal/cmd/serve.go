package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/internal/observability"
	"github.com/3leaps/hydrocal/internal/server"
	"github.com/3leaps/hydrocal/internal/server/handlers"
	"github.com/3leaps/hydrocal/pkg/orchlock"
	"github.com/3leaps/hydrocal/pkg/progress"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve read-only job status over HTTP",
	Long: `Start an HTTP server exposing health probes, version and the status report
of one job. It reads the progress store only and never submits work, so it can
run next to a cron-driven orchestrator.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /status

Examples:
  hydrocal serve --job 42
  hydrocal serve --job 42 --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("job", "", "Job id to report (required)")
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	_ = serveCmd.MarkFlagRequired("job")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	jobID, _ := cmd.Flags().GetString("job")
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = cfg.Server.Host
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signals", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	health.RegisterChecker("store", storeHealthChecker{store: store})

	logger := observability.CLILogger
	srv := server.New(host, port,
		server.WithLogger(logger),
		server.WithHealthManager(health),
		server.WithStatusProvider(statusProvider(store, jobID)),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", zap.String("addr", srv.Addr()), zap.String("job_id", jobID))
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(exitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down status server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return exitError(exitExternalServiceUnavailable, "Graceful shutdown failed", err)
	}
	return nil
}

// signalHealthChecker reports healthy while the process is serving; shutdown
// is handled by the signal context, not by failing this check.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

type storeHealthChecker struct {
	store pinger
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("progress store not open")
	}
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("progress store: %w", err)
	}
	return nil
}

var _ pinger = (*progress.Store)(nil)

// lockHealthChecker fails once another process has taken over the
// orchestrator marker or the heartbeat stopped.
type lockHealthChecker struct {
	path    string
	pid     int
	maxIdle time.Duration
	alive   orchlock.AliveFunc
}

func (c lockHealthChecker) CheckHealth(ctx context.Context) error {
	st, err := orchlock.Inspect(ctx, c.path, c.alive)
	if err != nil {
		return err
	}
	if !st.Present {
		return errors.New("orchestrator lock marker missing")
	}
	if st.PID != c.pid {
		return fmt.Errorf("orchestrator lock owned by pid %d", st.PID)
	}
	if c.maxIdle > 0 && time.Since(st.Heartbeat) > c.maxIdle {
		return fmt.Errorf("orchestrator heartbeat stale since %s", st.Heartbeat.Format(time.RFC3339))
	}
	return nil
}
