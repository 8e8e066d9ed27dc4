package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/internal/observability"
	"github.com/3leaps/hydrocal/pkg/coordinator"
	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/rundir"
	"github.com/3leaps/hydrocal/pkg/runstate"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove the RUN.LOCK marker of a locked work unit",
	Long: `Remove the lock marker a unit received after failing twice. The next poll
cycle moves the unit back to NOT_STARTED and decides again from what is on
disk. A unit with no output is submitted fresh. A unit with partial output
goes to FAILED_ONCE and restarts from its last restart file, and it locks
again if that single attempt also fails. A unit whose model already finished
continues with its calibration step.

Fix the cause of the failure before unlocking.

Examples:
  hydrocal unlock --job 42 --stage spinup --basin 01013500
  hydrocal unlock --job 42 --stage calibration --basin 01013500 --iteration 3
  hydrocal unlock --job 42 --all`,
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
	unlockCmd.Flags().String("job", "", "Job id (required)")
	unlockCmd.Flags().String("stage", "", "Stage of the unit")
	unlockCmd.Flags().String("basin", "", "Basin (gage id) of the unit")
	unlockCmd.Flags().Int("iteration", 0, "Calibration iteration of the unit")
	unlockCmd.Flags().Bool("all", false, "Unlock every LOCKED unit of the job")
	_ = unlockCmd.MarkFlagRequired("job")
}

func runUnlock(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jobID, _ := cmd.Flags().GetString("job")
	all, _ := cmd.Flags().GetBool("all")

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	job, err := store.GetJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		if errors.Is(err, progress.ErrJobNotFound) {
			return exitError(exitInvalidArgument, "Unknown job", err)
		}
		return exitError(exitExternalServiceUnavailable, "Failed to read job", err)
	}
	layout := rundir.NewLayout(job.JobDir)

	var units []runstate.WorkUnit
	if all {
		report, err := coordinator.BuildReport(ctx, store, job.JobID)
		if err != nil {
			return exitError(exitExternalServiceUnavailable, "Failed to read progress", err)
		}
		for _, u := range report.Locked() {
			units = append(units, u.WorkUnit)
		}
	} else {
		unit, err := unitFromFlags(cmd)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid unit", err)
		}
		units = append(units, unit)
	}

	removed := 0
	for _, u := range units {
		dir := layout.RunDir(u)
		ok, err := rundir.RemoveLock(dir)
		if err != nil {
			return exitError(exitFileWriteError, "Failed to remove lock marker", err)
		}
		if !ok {
			observability.CLILogger.Warn("no lock marker found", zap.String("unit", u.String()), zap.String("run_dir", dir))
			continue
		}
		removed++
		observability.CLILogger.Info("unit unlocked", zap.String("unit", u.String()), zap.String("run_dir", dir))
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job=%s unlocked=%d\n", job.JobID, removed)
	return nil
}

func unitFromFlags(cmd *cobra.Command) (runstate.WorkUnit, error) {
	stageName, _ := cmd.Flags().GetString("stage")
	basin, _ := cmd.Flags().GetString("basin")
	iteration, _ := cmd.Flags().GetInt("iteration")

	stage, err := runstate.ParseStage(stageName)
	if err != nil {
		return runstate.WorkUnit{}, err
	}
	basin = strings.TrimSpace(basin)
	if basin == "" {
		return runstate.WorkUnit{}, errors.New("--basin is required unless --all is set")
	}
	if iteration < 0 {
		return runstate.WorkUnit{}, errors.New("--iteration must be >= 0")
	}
	if !stage.Iterative() && iteration != 0 {
		return runstate.WorkUnit{}, fmt.Errorf("--iteration only applies to calibration, got stage %s", stage)
	}
	return runstate.WorkUnit{Basin: basin, Iteration: iteration, Stage: stage}, nil
}
