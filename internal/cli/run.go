package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adw-run/adw/internal/history"
	"github.com/adw-run/adw/internal/logging"
	"github.com/adw-run/adw/internal/phaserunner"
	"github.com/adw-run/adw/internal/queue"
	"github.com/adw-run/adw/internal/runstate"
)

var runFlags struct {
	RunID string
}

// runCmd implements "adw run --run-id <id>": drives a single run's ready
// phases to completion in the foreground, without standing up the webhook
// gateway or websocket broadcast hub that "adw serve" provides. Useful for
// local testing and one-off backfills.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a single run's ready phases to completion",
	Long: `Repeatedly claim and execute whichever of a run's phases are ready,
in the foreground, until the run reaches a terminal state (every phase
completed, or a phase fails). Unlike "adw serve", this does not poll for
new work afterward and does not serve the webhook or broadcast endpoints --
it exits once the named run stops making progress.`,
	Args: cobra.NoArgs,
	RunE: runRunCmd,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.RunID, "run-id", "", "Run ID to drive (required; see \"adw intake\" or \"adw status\")")
	rootCmd.AddCommand(runCmd)
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	if runFlags.RunID == "" {
		return fmt.Errorf("--run-id is required")
	}

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

	ctx := cmd.Context()
	if entries, err := q.GetByRun(ctx, runFlags.RunID); err != nil {
		return fmt.Errorf("loading run %q: %w", runFlags.RunID, err)
	} else if len(entries) == 0 {
		return fmt.Errorf("run %q not found", runFlags.RunID)
	}

	states := runstate.New(cfg.Project.AgentsDir)

	reg, err := buildAgentRegistry(cfg.Agents)
	if err != nil {
		return fmt.Errorf("building agent registry: %w", err)
	}

	var recorder *history.Recorder
	if rec, err := history.Open(cfg.History.DatabasePath); err == nil {
		recorder = rec
		defer recorder.Close() //nolint:errcheck
	}

	alloc := buildAllocator(cfg)
	phases, err := buildPhases(cfg, reg, recorder, alloc, nil)
	if err != nil {
		return fmt.Errorf("building phases: %w", err)
	}

	runner := phaserunner.New(q, states, logging.New("phaserunner"))
	out := cmd.ErrOrStderr()

	for {
		entries, err := q.GetByRun(ctx, runFlags.RunID)
		if err != nil {
			return fmt.Errorf("loading run %q: %w", runFlags.RunID, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("run %q not found", runFlags.RunID)
		}

		var next *queue.Entry
		for i := range entries {
			if entries[i].Status == queue.StatusReady {
				next = &entries[i]
				break
			}
		}
		if next == nil {
			break
		}

		phase, ok := phases[next.PhaseNumber]
		if !ok {
			return fmt.Errorf("no phase wired for phase number %d (%s)", next.PhaseNumber, next.PhaseName)
		}

		fmt.Fprintf(out, "Running phase %d (%s)...\n", next.PhaseNumber, next.PhaseName)
		outcome := runner.Run(ctx, next.QueueID, phase)
		fmt.Fprintf(out, "  -> %s\n", outcome.Status)
		if outcome.Status == queue.StatusFailed {
			return fmt.Errorf("phase %d (%s) failed: %w", next.PhaseNumber, next.PhaseName, outcome.Err)
		}
	}

	fmt.Fprintf(out, "Run %s has no more ready phases.\n", runFlags.RunID)
	return nil
}
