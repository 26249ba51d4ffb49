package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adw-run/adw/internal/history"
	"github.com/adw-run/adw/internal/queue"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	Run     string // --run <run_id>, empty means show all runs
	JSON    bool   // --json for structured output
	Verbose bool   // --verbose for per-phase retry counts and last error kind
}

// statusPhaseOutput is the JSON output type for a single queued phase.
type statusPhaseOutput struct {
	PhaseNumber   int    `json:"phase_number"`
	PhaseName     string `json:"phase_name"`
	Status        string `json:"status"`
	RetryCount    int    `json:"retry_count"`
	LastErrorKind string `json:"last_error_kind,omitempty"`
}

// statusRunOutput is the JSON output type for a single run.
type statusRunOutput struct {
	RunID     string              `json:"run_id"`
	Total     int                 `json:"total"`
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
	Blocked   int                 `json:"blocked"`
	Running   int                 `json:"running"`
	Queued    int                 `json:"queued"`
	Percent   float64             `json:"percent"`
	Phases    []statusPhaseOutput `json:"phases,omitempty"`
}

// statusOutput is the top-level JSON output type for the status command.
type statusOutput struct {
	ProjectName string            `json:"project_name"`
	Runs        []statusRunOutput `json:"runs"`
}

// newStatusCmd creates the "adw status" command.
func newStatusCmd() *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run and phase status from the phase queue",
		Long: `Display the status of one or all runs tracked by the phase queue.
Each run shows its phases, their statuses, and how far the pipeline has
progressed. Use --run to inspect a single run in detail.`,
		Example: `  # Show all known runs
  adw status

  # Show one run's phase-by-phase status
  adw status --run a1b2c3d4

  # Structured JSON output
  adw status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Run, "run", "", "Show detail for a single run ID")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output structured JSON to stdout")
	cmd.Flags().BoolVar(&flags.Verbose, "verbose", false, "Show per-phase retry counts and last error kind")

	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

// runStatus is the command's RunE function. It opens the phase queue (and,
// best-effort, the history recorder) and renders either a roll-up across all
// runs or the phase-by-phase detail of a single run.
func runStatus(cmd *cobra.Command, flags statusFlags) error {
	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := resolved.Config

	q, err := queue.Open(cfg.Queue.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening phase queue: %w", err)
	}
	defer q.Close() //nolint:errcheck

	// History is used only to annotate completed runs with duration/cost;
	// its absence should not prevent status from reporting queue state.
	var recorder *history.Recorder
	if rec, err := history.Open(cfg.History.DatabasePath); err == nil {
		recorder = rec
		defer recorder.Close() //nolint:errcheck
	}

	ctx := context.Background()

	var runIDs []string
	if flags.Run != "" {
		runIDs = []string{flags.Run}
	} else {
		runIDs, err = q.ListRunIDs(ctx)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
	}

	if len(runIDs) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
		return nil
	}

	runs := make([]statusRunOutput, 0, len(runIDs))
	for _, runID := range runIDs {
		entries, err := q.GetByRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading run %q: %w", runID, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("run %q not found", runID)
		}
		runs = append(runs, buildRunOutput(runID, entries))
	}

	if flags.JSON {
		return renderStatusJSON(cmd.OutOrStdout(), cfg.Project.Name, runs)
	}

	out := cmd.ErrOrStderr()
	projectName := cfg.Project.Name
	if projectName == "" {
		projectName = "adw"
	}

	if flags.Run != "" {
		fmt.Fprintln(out, renderRunDetail(runs[0], flags.Verbose))
		if recorder != nil {
			if row, err := recorder.Get(ctx, flags.Run); err == nil && row != nil {
				fmt.Fprintln(out, renderHistoryRow(row))
			}
		}
		return nil
	}

	fmt.Fprintln(out, renderRunList(projectName, runs))
	return nil
}

// buildRunOutput summarizes one run's phase_queue entries into the status
// counts and the per-phase detail.
func buildRunOutput(runID string, entries []queue.Entry) statusRunOutput {
	out := statusRunOutput{RunID: runID, Total: len(entries)}

	for _, e := range entries {
		switch e.Status {
		case queue.StatusCompleted:
			out.Completed++
		case queue.StatusFailed:
			out.Failed++
		case queue.StatusBlocked:
			out.Blocked++
		case queue.StatusRunning:
			out.Running++
		case queue.StatusQueued, queue.StatusReady:
			out.Queued++
		}

		phase := statusPhaseOutput{
			PhaseNumber: e.PhaseNumber,
			PhaseName:   e.PhaseName,
			Status:      string(e.Status),
			RetryCount:  e.RetryCount,
		}
		if e.LastErrorKind.Valid {
			phase.LastErrorKind = e.LastErrorKind.String
		}
		out.Phases = append(out.Phases, phase)
	}

	if out.Total > 0 {
		out.Percent = float64(out.Completed) / float64(out.Total) * 100
	}
	return out
}

// renderStatusJSON serialises the run list to JSON and writes it to w.
func renderStatusJSON(w io.Writer, projectName string, runs []statusRunOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusOutput{ProjectName: projectName, Runs: runs})
}

// renderRunList returns a table of all known runs and their progress.
//
//	adw Status - my-project
//	========================
//	RUN ID        PHASES  DONE  RUNNING  BLOCKED  FAILED  PERCENT
//	a1b2c3d4      10      7     1        0        0       70%
func renderRunList(projectName string, runs []statusRunOutput) string {
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })

	title := fmt.Sprintf("adw Status - %s", projectName)

	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", len(title)))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%-14s %7s %5s %8s %8s %7s %8s\n",
		"RUN ID", "PHASES", "DONE", "RUNNING", "BLOCKED", "FAILED", "PERCENT"))

	for _, r := range runs {
		sb.WriteString(fmt.Sprintf("%-14s %7d %5d %8d %8d %7d %7.0f%%\n",
			r.RunID, r.Total, r.Completed, r.Running, r.Blocked, r.Failed, r.Percent))
	}

	return sb.String()
}

// renderRunDetail returns the phase-by-phase breakdown of one run.
//
//	Run a1b2c3d4
//	------------
//	1  Plan        completed
//	2  Validate    completed
//	3  Build       running   (retry 1)
//	4  Lint        queued
func renderRunDetail(r statusRunOutput, verbose bool) string {
	header := fmt.Sprintf("Run %s", r.RunID)

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", len(header)))
	sb.WriteString("\n")

	for _, p := range r.Phases {
		sb.WriteString(fmt.Sprintf("%-3d %-12s %-10s", p.PhaseNumber, p.PhaseName, p.Status))
		if verbose {
			if p.RetryCount > 0 {
				sb.WriteString(fmt.Sprintf("  (retry %d)", p.RetryCount))
			}
			if p.LastErrorKind != "" {
				sb.WriteString(fmt.Sprintf("  [%s]", p.LastErrorKind))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("%d/%d phases completed (%.0f%%)\n", r.Completed, r.Total, r.Percent))
	return sb.String()
}

// renderHistoryRow formats a terminal run's recorded history summary.
func renderHistoryRow(row *history.Row) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Outcome: %s, duration: %.1fs, cost: $%.4f\n",
		row.Outcome, row.DurationSeconds, row.CostTotalUSD))
	if row.BottleneckPhase != nil {
		sb.WriteString(fmt.Sprintf("Bottleneck phase: %s\n", *row.BottleneckPhase))
	}
	sb.WriteString(fmt.Sprintf("Scores: clarity=%.2f cost=%.2f performance=%.2f quality=%.2f\n",
		row.ClarityScore, row.CostEfficiencyScore, row.PerformanceScore, row.QualityScore))
	return sb.String()
}
