package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hydrocal/internal/errors"
	"github.com/3leaps/hydrocal/internal/observability"
	"github.com/3leaps/hydrocal/internal/telemetry"
	"github.com/3leaps/hydrocal/pkg/controller"
	"github.com/3leaps/hydrocal/pkg/coordinator"
	"github.com/3leaps/hydrocal/pkg/notify"
	"github.com/3leaps/hydrocal/pkg/orchlock"
	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/rundir"
	"github.com/3leaps/hydrocal/pkg/runstate"
	"github.com/3leaps/hydrocal/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run <spinup|calibration|validation>",
	Short: "Drive one workflow stage to completion",
	Long: `Poll every work unit of a stage until all are COMPLETE.

Only one orchestrator may run a stage of a job at a time. If another live
instance holds the stage's PID marker this command exits 0 without doing
anything, so it is safe to launch from cron.

A unit whose job dies is restarted once from its last restart file; a second
failure writes RUN.LOCK in its run directory and notifies the job contact.
Remove the lock with 'hydrocal unlock' after fixing the cause.

Examples:
  hydrocal run spinup --job 42
  hydrocal run calibration --job 42 --workers 8 --status-addr 127.0.0.1:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runStage,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("job", "", "Job id (required)")
	runCmd.Flags().Int("workers", 0, "Basins evaluated concurrently (default from config)")
	runCmd.Flags().Duration("interval", 0, "Sleep between poll cycles (default from config)")
	runCmd.Flags().Int("max-cycles", 0, "Stop after N cycles (0 = until complete)")
	runCmd.Flags().String("status-addr", "", "Serve read-only status on host:port while running")
	_ = runCmd.MarkFlagRequired("job")
}

func runStage(cmd *cobra.Command, args []string) error {
	stage, err := runstate.ParseStage(args[0])
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid stage", err)
	}
	jobID, _ := cmd.Flags().GetString("job")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return exitError(exitInvalidArgument, "Invalid --job value", errors.New("job id is required"))
	}
	cfg := appConfig

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.Workers
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = cfg.Poll.Interval
	}
	maxCycles, _ := cmd.Flags().GetInt("max-cycles")
	if maxCycles < 0 {
		return exitError(exitInvalidArgument, "Invalid --max-cycles value", fmt.Errorf("max-cycles must be >= 0"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.CLILogger.With(zap.String("job_id", jobID), zap.String("stage", stage.String()))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, progress.ErrJobNotFound) {
			return exitError(exitInvalidArgument, "Unknown job (run 'hydrocal init' first)", err)
		}
		return exitError(exitExternalServiceUnavailable, "Failed to read job", err)
	}
	if err := checkRunnable(cfg.Model.Executable, cfg.Secondary.Command, job, stage); err != nil {
		return exitError(exitInvalidArgument, "Stage cannot run", err)
	}

	backend, err := resolveBackend(cfg, job)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid scheduler backend", err)
	}
	owner, err := resolveOwner(cfg, job)
	if err != nil {
		return exitError(exitInvalidArgument, "Cannot determine job owner", err)
	}

	layout := rundir.NewLayout(job.JobDir)
	lock := orchlock.New(layout.OrchestratorPIDPath(stage), orchlock.WithLogger(logger))
	res, err := lock.Acquire(ctx)
	if err != nil {
		return exitError(exitFileWriteError, "Failed to take orchestrator lock", err)
	}
	if !res.Owns() {
		logger.Info("stage already driven by a live orchestrator; nothing to do",
			zap.Int("owner_pid", res.OwnerPID))
		return nil
	}

	tcfg, err := telemetryConfig(cfg, jobID, stage)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid metrics configuration", err)
	}
	providers, err := telemetry.Setup(ctx, tcfg)
	if err != nil {
		return exitError(exitExternalServiceUnavailable, "Failed to start telemetry", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	notifier := newNotifier(cfg, job, logger)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout+time.Second)
		defer cancel()
		notifier.Close(cctx)
	}()

	sched, err := scheduler.New(scheduler.Config{
		Backend:     backend,
		Owner:       owner,
		ListTimeout: cfg.Scheduler.ListTimeout,
	}, scheduler.WithLogger(logger))
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid scheduler configuration", err)
	}

	ctrl, err := controller.New(controllerSettings(cfg, job), controller.Deps{
		Scheduler:  sched,
		Layout:     layout,
		Pacer:      newPacer(cfg.Scheduler.SubmitDelay),
		Configurer: newConfigurer(cfg, logger),
		Notifier:   notifier,
		Metrics:    providers.Metrics,
		Tracer:     providers.Tracer.Trace(),
		Logger:     logger,
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid controller configuration", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		JobID:        jobID,
		Stage:        stage,
		PollInterval: interval,
		Workers:      workers,
		MaxCycles:    maxCycles,
	}, coordinator.Deps{
		Store:      store,
		Controller: ctrl,
		Scheduler:  sched,
		Heartbeat:  lock,
		Notifier:   notifier,
		Metrics:    providers.Metrics,
		Tracer:     providers.Tracer.Trace(),
		Logger:     logger,
	})
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid coordinator configuration", err)
	}

	if addr, _ := cmd.Flags().GetString("status-addr"); addr != "" {
		stopServer, err := startStatusServer(addr, cfg, store, jobID, lock, logger)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid --status-addr value", err)
		}
		defer stopServer()
	}

	logger.Info("orchestrator started",
		zap.String("backend", string(backend)),
		zap.String("owner", owner),
		zap.String("lock", res.Outcome.String()),
		zap.Int("workers", workers),
		zap.Duration("interval", interval))

	sum, err := coord.Run(ctx)
	if err != nil {
		// The PID marker stays behind on failure; the next launch sees a
		// dead owner and recovers it.
		return classifyRunError(err, jobID, stage, job, notifier)
	}
	if err := lock.Release(); err != nil {
		logger.Warn("failed to release orchestrator lock", zap.Error(err))
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job=%s stage=%s complete=%d/%d done=%t\n",
		jobID, stage, sum.Complete(), sum.Total, sum.Done())
	return nil
}

// checkRunnable rejects a stage before any lock or scheduler work happens.
func checkRunnable(executable, secondary string, job *progress.JobRecord, stage runstate.Stage) error {
	if _, _, ok := job.Window(stage); !ok {
		return fmt.Errorf("job %s has no %s window", job.JobID, stage)
	}
	if prev, ok := stage.Previous(); ok && !job.StageComplete(prev) {
		return fmt.Errorf("%w: %s must finish before %s", coordinator.ErrStageNotReady, prev, stage)
	}
	if strings.TrimSpace(executable) == "" {
		return errors.New("model.executable is not configured")
	}
	if stage.Iterative() && strings.TrimSpace(secondary) == "" {
		return errors.New("secondary.command is required for the calibration stage")
	}
	return nil
}

// classifyRunError maps a coordinator failure to an exit code. Every fatal
// stop other than an interrupt is reported to the job's contacts.
func classifyRunError(err error, jobID string, stage runstate.Stage, job *progress.JobRecord, notifier controller.Notifier) error {
	if errors.Is(err, context.Canceled) {
		return exitError(exitSignalInt, "Interrupted", err)
	}

	var exit error
	body := "The orchestrator stopped: " + err.Error()
	switch {
	case errors.Is(err, coordinator.ErrStageNotReady):
		exit = exitError(exitInvalidArgument, "Stage cannot run", err)
	case errors.Is(err, scheduler.ErrOwnerMismatch):
		body = "A scheduler job with this workflow's name belongs to another user: " + err.Error()
		exit = exitError(exitInvalidArgument, "Job owner mismatch",
			apperrors.NewPolicyViolationError(err, "job owned by another user"))
	case errors.Is(err, orchlock.ErrLockLost):
		body = "Another orchestrator took over this stage: " + err.Error()
		exit = exitError(exitFileWriteError, "Orchestrator lock lost", err)
	default:
		exit = exitError(exitExternalServiceUnavailable, "Orchestrator stopped",
			apperrors.WrapExternalService(err, "poll cycle failed"))
	}

	if notifier != nil {
		notifier.Notify(notify.Message{
			Severity: notify.SeverityError,
			Subject:  fmt.Sprintf("hydrocal %s: %s aborted", jobID, stage),
			Body:     body,
			To:       job.Email,
		})
	}
	return exit
}
