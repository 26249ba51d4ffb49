package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adw-run/adw/internal/queue"
	"github.com/adw-run/adw/internal/runstate"
)

var intakeFlags struct {
	IssueID          int64
	WorkflowTemplate string
}

// intakeCmd implements "adw intake": the CLI-side equivalent of POST
// /intake, for admitting an issue into the phase queue without standing up
// the webhook gateway (local testing, scripted backfills).
var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Enqueue a new run for an issue",
	Long: `Admit an issue into the phase queue by enqueueing its Plan phase as
ready. This is the CLI equivalent of a signed POST to /intake -- useful for
local testing or scripted backfills where standing up the webhook gateway
isn't warranted.`,
	Args: cobra.NoArgs,
	RunE: runIntake,
}

func init() {
	intakeCmd.Flags().Int64Var(&intakeFlags.IssueID, "issue-id", 0, "External issue ID to drive through the pipeline (required)")
	intakeCmd.Flags().StringVar(&intakeFlags.WorkflowTemplate, "workflow-template", "full-sdlc", "Workflow template name to record on the run")
	rootCmd.AddCommand(intakeCmd)
}

func runIntake(cmd *cobra.Command, args []string) error {
	if intakeFlags.IssueID == 0 {
		return fmt.Errorf("--issue-id is required")
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

	runID := uuid.NewString()

	states := runstate.New(cfg.Project.AgentsDir)
	if err := states.Update(runID, map[string]any{
		"issue_id":          intakeFlags.IssueID,
		"workflow_template": intakeFlags.WorkflowTemplate,
	}); err != nil {
		return fmt.Errorf("seeding run state: %w", err)
	}

	if _, err := q.Enqueue(cmd.Context(), runID, 1, "Plan", nil); err != nil {
		return fmt.Errorf("enqueueing run: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", runID)
	fmt.Fprintf(cmd.ErrOrStderr(), "Enqueued run %s for issue %d (workflow_template=%s)\n",
		runID, intakeFlags.IssueID, intakeFlags.WorkflowTemplate)
	return nil
}
