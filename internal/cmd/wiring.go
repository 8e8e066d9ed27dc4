package cmd

import (
	"context"
	"fmt"
	"net"
	"os/user"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/hydrocal/internal/config"
	"github.com/3leaps/hydrocal/internal/server"
	"github.com/3leaps/hydrocal/internal/server/handlers"
	"github.com/3leaps/hydrocal/internal/telemetry"
	"github.com/3leaps/hydrocal/pkg/controller"
	"github.com/3leaps/hydrocal/pkg/coordinator"
	"github.com/3leaps/hydrocal/pkg/notify"
	"github.com/3leaps/hydrocal/pkg/orchlock"
	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/runstate"
	"github.com/3leaps/hydrocal/pkg/scheduler"
)

// resolveBackend prefers the configured backend over the one stored with
// the job, so an operator can move a job between clusters.
func resolveBackend(cfg *config.Config, job *progress.JobRecord) (scheduler.Backend, error) {
	name := cfg.Scheduler.Backend
	if name == "" {
		name = job.Backend
	}
	return scheduler.ParseBackend(name)
}

var lookupCurrentUser = func() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// resolveOwner picks the OS user every job must belong to.
func resolveOwner(cfg *config.Config, job *progress.JobRecord) (string, error) {
	if o := strings.TrimSpace(cfg.Scheduler.Owner); o != "" {
		return o, nil
	}
	if o := strings.TrimSpace(job.Owner); o != "" {
		return o, nil
	}
	return lookupCurrentUser()
}

// newPacer spaces submissions by submit_delay. Zero disables pacing.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func newNotifier(cfg *config.Config, job *progress.JobRecord, logger *zap.Logger) *notify.Notifier {
	sinks := []notify.Sink{notify.LogSink{Logger: logger}}

	webhook := strings.TrimSpace(job.ChatWebhook)
	if webhook == "" {
		webhook = strings.TrimSpace(cfg.Notify.WebhookURL)
	}
	if webhook != "" {
		sinks = append(sinks, notify.WebhookSink{URL: webhook})
	}
	if cfg.Notify.SMTP.Host != "" {
		sinks = append(sinks, notify.MailSink{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			From:     cfg.Notify.SMTP.From,
			To:       job.Email,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
		})
	}
	return notify.New(logger, cfg.Notify.Timeout, sinks...)
}

func telemetryConfig(cfg *config.Config, jobID string, stage runstate.Stage) (telemetry.Config, error) {
	exporter, err := telemetry.ParseExporter(cfg.Metrics.Exporter)
	if err != nil {
		return telemetry.Config{}, err
	}
	return telemetry.Config{
		Enabled:        cfg.Metrics.Enabled,
		ServiceVersion: versionInfo.Version,
		ExporterType:   exporter,
		Endpoint:       cfg.Metrics.Endpoint,
		Insecure:       cfg.Metrics.Insecure,
		JobID:          jobID,
		Stage:          stage.String(),
	}, nil
}

func newConfigurer(cfg *config.Config, logger *zap.Logger) controller.Configurer {
	if strings.TrimSpace(cfg.Hooks.Prepare) == "" {
		return controller.NopConfigurer{}
	}
	return controller.HookConfigurer{
		Command: cfg.Hooks.Prepare,
		Timeout: cfg.Hooks.PrepareTimeout,
		Logger:  logger,
	}
}

func controllerSettings(cfg *config.Config, job *progress.JobRecord) controller.Settings {
	s := controller.Settings{
		JobID:            job.JobID,
		ModelPrefix:      cfg.Scheduler.ModelPrefix,
		SecondaryPrefix:  cfg.Scheduler.SecondaryPrefix,
		Executable:       cfg.Model.Executable,
		MPICommand:       cfg.Scheduler.MPICommand,
		SecondaryCommand: cfg.Secondary.Command,
		Cores:            job.Cores,
		Nodes:            job.Nodes,
		Queue:            cfg.Scheduler.Queue,
		Account:          cfg.Scheduler.Account,
		Walltime:         cfg.Scheduler.Walltime,
		Contact:          job.Email,
	}
	if len(cfg.Hooks.StalePatterns) > 0 {
		s.StalePatterns = cfg.Hooks.StalePatterns
	}
	return s
}

func statusProvider(store coordinator.ReportSource, jobID string) handlers.StatusProvider {
	return handlers.StatusProviderFunc(func(ctx context.Context) (*coordinator.Report, error) {
		return coordinator.BuildReport(ctx, store, jobID)
	})
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// startStatusServer serves the read-only status endpoints in the background.
// The returned stop function shuts the server down.
func startStatusServer(addr string, cfg *config.Config, store *progress.Store, jobID string, lock *orchlock.Lock, logger *zap.Logger) (func(), error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("store", storeHealthChecker{store: store})
	health.RegisterChecker("signals", signalHealthChecker{})
	if lock != nil {
		health.RegisterChecker("orchestrator_lock", lockHealthChecker{path: lock.Path(), pid: lock.PID()})
	}

	srv := server.New(host, port,
		server.WithLogger(logger),
		server.WithHealthManager(health),
		server.WithStatusProvider(statusProvider(store, jobID)),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()

	return func() {
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
