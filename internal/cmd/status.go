package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/hydrocal/pkg/coordinator"
	"github.com/3leaps/hydrocal/pkg/orchlock"
	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/rundir"
	"github.com/3leaps/hydrocal/pkg/runstate"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-stage progress of a job",
	Long: `Print unit counts per status for every stage of a job, the state of each
stage's orchestrator lock, and every LOCKED unit that needs attention.

Examples:
  hydrocal status --job 42
  hydrocal status --job 42 --json
  hydrocal status --job 42 --events 20`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("job", "", "Job id (required)")
	statusCmd.Flags().Bool("json", false, "Emit the report as JSON")
	statusCmd.Flags().Int("events", 0, "Also show the N most recent transitions")
	_ = statusCmd.MarkFlagRequired("job")
}

// statusOutput is the --json document.
type statusOutput struct {
	*coordinator.Report
	Orchestrators map[string]orchlock.Status `json:"orchestrators"`
	Events        []progress.Event           `json:"events,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jobID, _ := cmd.Flags().GetString("job")
	asJSON, _ := cmd.Flags().GetBool("json")
	events, _ := cmd.Flags().GetInt("events")

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	report, err := coordinator.BuildReport(ctx, store, strings.TrimSpace(jobID))
	if err != nil {
		if errors.Is(err, progress.ErrJobNotFound) {
			return exitError(exitInvalidArgument, "Unknown job", err)
		}
		return exitError(exitExternalServiceUnavailable, "Failed to read progress", err)
	}
	job, err := store.GetJob(ctx, report.JobID)
	if err != nil {
		return exitError(exitExternalServiceUnavailable, "Failed to read job", err)
	}

	out := statusOutput{Report: report, Orchestrators: map[string]orchlock.Status{}}
	layout := rundir.NewLayout(job.JobDir)
	for _, s := range report.Stages {
		st, err := orchlock.Inspect(ctx, layout.OrchestratorPIDPath(s.Stage), nil)
		if err != nil {
			return exitError(exitFileReadError, "Failed to inspect orchestrator lock", err)
		}
		out.Orchestrators[s.Stage.String()] = st
	}
	if events > 0 {
		out.Events, err = store.RecentEvents(ctx, report.JobID, events)
		if err != nil {
			return exitError(exitExternalServiceUnavailable, "Failed to read events", err)
		}
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return writeStatusTable(cmd.OutOrStdout(), out)
}

func writeStatusTable(w io.Writer, out statusOutput) error {
	_, _ = fmt.Fprintf(w, "job %s  owner=%s  backend=%s\n\n", out.JobID, out.Owner, out.Backend)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"STAGE", "WINDOW", "DONE"}
	for _, st := range runstate.AllStatuses() {
		header = append(header, st.String())
	}
	header = append(header, "ORCHESTRATOR")
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, s := range out.Stages {
		row := []string{
			s.Stage.String(),
			s.Begin.Format("2006-01-02") + ".." + s.End.Format("2006-01-02"),
			fmt.Sprintf("%t", s.Complete),
		}
		for _, st := range runstate.AllStatuses() {
			row = append(row, fmt.Sprintf("%d", s.Counts[st]))
		}
		row = append(row, orchestratorLabel(out.Orchestrators[s.Stage.String()]))
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if locked := out.Locked(); len(locked) > 0 {
		_, _ = fmt.Fprintf(w, "\nLOCKED units (%d):\n", len(locked))
		for _, u := range locked {
			_, _ = fmt.Fprintf(w, "  %s\n", u.WorkUnit)
		}
	}

	if len(out.Events) > 0 {
		_, _ = fmt.Fprintln(w, "\nRecent transitions:")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, ev := range out.Events {
			_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s -> %s\t%s\n",
				ev.OccurredAt.Format("2006-01-02 15:04:05"), ev.Unit, ev.From, ev.To, ev.Action)
		}
		return tw.Flush()
	}
	return nil
}

func orchestratorLabel(st orchlock.Status) string {
	switch {
	case !st.Present:
		return "-"
	case st.Alive:
		return fmt.Sprintf("running (pid %d)", st.PID)
	case st.PID > 0:
		return fmt.Sprintf("stale (pid %d)", st.PID)
	}
	return "unreadable"
}
