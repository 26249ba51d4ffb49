package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/adw-run/adw/internal/agent"
	"github.com/adw-run/adw/internal/allocator"
	"github.com/adw-run/adw/internal/broadcast"
	"github.com/adw-run/adw/internal/config"
	"github.com/adw-run/adw/internal/git"
	"github.com/adw-run/adw/internal/history"
	"github.com/adw-run/adw/internal/jsonutil"
	"github.com/adw-run/adw/internal/logging"
	"github.com/adw-run/adw/internal/phaserunner"
	"github.com/adw-run/adw/internal/runstate"
	"github.com/adw-run/adw/internal/vcsport"
)

// verifyPhaseNumber is the final phase in the pipeline. Its successful
// completion is the signal that a run's history.RunSummary can be recorded.
// planPhaseNumber and cleanupPhaseNumber bracket the run's resource
// allocation lifetime: Plan reserves the worktree and port pair, Cleanup
// releases them.
const (
	verifyPhaseNumber  = 10
	planPhaseNumber    = 1
	reviewPhaseNumber  = 6
	shipPhaseNumber    = 8
	cleanupPhaseNumber = 9
)

// phaseNames is the fixed Plan..Verify pipeline, in dispatch order. Index 0
// is phase number 1.
var phaseNames = []string{
	"Plan", "Validate", "Build", "Lint", "Test",
	"Review", "Document", "Ship", "Cleanup", "Verify",
}

// buildAgentRegistry constructs an agent.Registry from the [agents.<name>]
// sections of adw.toml. The section key selects which concrete adapter
// backs it: "claude", "codex", or "gemini". Unknown keys are skipped with a
// logged warning rather than failing startup, since a project may carry
// config for an adapter this build doesn't know about yet.
func buildAgentRegistry(cfgAgents map[string]config.AgentConfig) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	for name, ac := range cfgAgents {
		aconf := agent.AgentConfig{
			Command:        ac.Command,
			Model:          ac.Model,
			Effort:         ac.Effort,
			PromptTemplate: ac.PromptTemplate,
			AllowedTools:   ac.AllowedTools,
		}

		var a agent.Agent
		switch name {
		case "claude":
			a = agent.NewClaudeAgent(aconf, logging.New("agent.claude"))
		case "codex":
			a = agent.NewCodexAgent(aconf, logging.New("agent.codex"))
		case "gemini":
			a = agent.NewGeminiAgent(aconf)
		default:
			logging.New("agent.registry").Warn("skipping unrecognized agent config section", "name", name)
			continue
		}

		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("registering agent %q: %w", name, err)
		}
	}
	return reg, nil
}

// firstConfiguredAgentName returns the project's default_agent if set,
// otherwise the first registered agent in alphabetical order. Used when a
// phase has no more specific agent assignment of its own.
func firstConfiguredAgentName(cfg *config.Config, reg *agent.Registry) (string, error) {
	if cfg.Project.DefaultAgent != "" && reg.Has(cfg.Project.DefaultAgent) {
		return cfg.Project.DefaultAgent, nil
	}
	names := reg.List()
	if len(names) == 0 {
		return "", fmt.Errorf("no agents configured: add at least one [agents.<name>] section to adw.toml")
	}
	return names[0], nil
}

// buildAllocator constructs the Resource Allocator backing Plan/Cleanup's
// worktree and port-pair lifecycle. Its pool state lives alongside the
// run-state documents at agents/port_allocations.json. A git binary or
// repository is not strictly required -- if NewGitClient fails (no git
// installed, or repo_path isn't a git repository yet) the allocator falls
// back to plain directories for worktrees, which is enough for local
// experimentation against a non-git project.
func buildAllocator(cfg *config.Config) *allocator.Allocator {
	statePath := filepath.Join(cfg.Project.AgentsDir, "port_allocations.json")

	var gitClient git.Client
	if gc, err := git.NewGitClient(cfg.Project.RepoPath); err == nil {
		gitClient = gc
	} else {
		logging.New("allocator").Warn("git client unavailable, worktrees will be plain directories", "err", err)
	}

	a, err := allocator.New(
		statePath, cfg.Project.WorktreeBase, gitClient, cfg.Project.DefaultBranch,
		cfg.Allocator.BackendPortMin, cfg.Allocator.BackendPortMax,
		cfg.Allocator.FrontendPortMin, cfg.Allocator.FrontendPortMax,
	)
	if err != nil {
		logging.New("allocator").Warn("resource allocator unavailable, Plan/Cleanup will not manage worktrees or ports", "err", err)
		return nil
	}
	return a
}

// buildVCSClient constructs the VCS port Review/Ship talk to. Returns nil
// (rather than an error) when no owner/repo is configured, since a project
// may legitimately run its pipeline locally with no PR-creation step yet --
// Review/Ship then fall back to recording whatever the agent itself reports.
func buildVCSClient(cfg *config.Config) vcsport.Port {
	if cfg.VCS.Owner == "" || cfg.VCS.Repo == "" {
		return nil
	}

	opts := []vcsport.Option{}
	if cfg.VCS.BaseURL != "" {
		opts = append(opts, vcsport.WithBaseURL(cfg.VCS.BaseURL))
	}
	if cfg.VCS.MaxRetryAttempts > 0 {
		opts = append(opts, vcsport.WithMaxRetries(uint64(cfg.VCS.MaxRetryAttempts)))
	}
	if cfg.VCS.RateLimitPerHour > 0 {
		opts = append(opts, vcsport.WithRateLimit(float64(cfg.VCS.RateLimitPerHour)/3600.0, 5))
	}
	if cfg.VCS.RequestTimeout > 0 {
		opts = append(opts, vcsport.WithHTTPClient(&http.Client{Timeout: cfg.VCS.RequestTimeout}))
	}
	return vcsport.New(cfg.VCS.Owner, cfg.VCS.Repo, cfg.VCS.Token, opts...)
}

// buildPhases wires the ten pipeline phases into phaserunner.Phase values,
// ready to hand to orchestrator.New. Each phase's Work function invokes the
// default configured agent with a phase-specific prompt and folds the
// result into the run's state document; Repair re-invokes the same agent
// with the prior error appended to the prompt, giving it a chance to
// correct course before the phase is surfaced as failed.
func buildPhases(cfg *config.Config, reg *agent.Registry, recorder *history.Recorder, alloc *allocator.Allocator, hub *broadcast.Hub) (map[int]*phaserunner.Phase, error) {
	agentName, err := firstConfiguredAgentName(cfg, reg)
	if err != nil {
		return nil, err
	}

	vcs := buildVCSClient(cfg)

	phases := make(map[int]*phaserunner.Phase, len(phaseNames))
	for i, name := range phaseNames {
		number := i + 1
		work := makePhaseWork(reg, agentName, number, name)
		switch {
		case number == planPhaseNumber && alloc != nil:
			work = withAllocation(work, alloc, cfg.Project.BranchTemplate)
		case number == reviewPhaseNumber && vcs != nil:
			work = withReviewPR(work, vcs, cfg.Project.DefaultBranch)
		case number == shipPhaseNumber && vcs != nil:
			work = withShipMerge(work, vcs)
		case number == cleanupPhaseNumber && alloc != nil:
			work = withRelease(work, alloc)
		case number == verifyPhaseNumber && recorder != nil:
			work = withHistoryRecording(work, recorder)
		}
		if hub != nil {
			work = withBroadcast(work, hub, number, name)
		}
		repair := makePhaseRepair(reg, agentName, number, name)
		phases[number] = phaserunner.NewPhase(number, name, work, repair)
	}
	return phases, nil
}

// withReviewPR wraps the Review phase's Work function: once the agent has
// produced its review narrative, it opens the pull request against base for
// the run's branch and folds the resulting URL into pr_url, matching the
// phase's "branch_name, issue_id -> pr_url, review_results" contract.
func withReviewPR(next phaserunner.Work, vcs vcsport.Port, base string) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		outputs, err := next(ctx, doc)
		if err != nil {
			return outputs, err
		}

		pr, err := vcs.CreatePullRequest(ctx, vcsport.PullRequestOpts{
			Title: fmt.Sprintf("adw: %s", doc.BranchName),
			Body:  fmt.Sprintf("Automated pull request for run %s.", doc.RunID),
			Head:  doc.BranchName,
			Base:  base,
		})
		if err != nil {
			return nil, fmt.Errorf("phase %d (Review): creating pull request: %w", reviewPhaseNumber, err)
		}

		if outputs == nil {
			outputs = make(map[string]any, 1)
		}
		outputs["pr_url"] = pr.URL
		return outputs, nil
	}
}

// withShipMerge wraps the Ship phase's Work function: once the agent has
// signed off, it merges the pull request recorded in doc.PRURL and folds the
// resulting commit SHA and timestamp into the document, matching the
// phase's "pr_url, branch_name -> shipped_at, merge_commit_sha" contract.
func withShipMerge(next phaserunner.Work, vcs vcsport.Port) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		outputs, err := next(ctx, doc)
		if err != nil {
			return outputs, err
		}

		prNumber, err := vcsport.ParsePRNumber(doc.PRURL)
		if err != nil {
			return nil, fmt.Errorf("phase %d (Ship): parsing pr_url %q: %w", shipPhaseNumber, doc.PRURL, err)
		}

		result, err := vcs.MergePullRequest(ctx, prNumber, vcsport.MergeOpts{MergeMethod: "squash"})
		if err != nil {
			return nil, fmt.Errorf("phase %d (Ship): merging pull request: %w", shipPhaseNumber, err)
		}

		now := time.Now().UTC()
		if outputs == nil {
			outputs = make(map[string]any, 2)
		}
		outputs["shipped_at"] = now
		outputs["merge_commit_sha"] = result.SHA
		return outputs, nil
	}
}

// withBroadcast wraps a phase's Work function so every phase transition is
// published onto the broadcast hub's queue topic, keyed by run ID so a
// dashboard subscribing to "?topic=queue" can render live progress for any
// run without polling "adw status".
func withBroadcast(next phaserunner.Work, hub *broadcast.Hub, number int, name string) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		outputs, err := next(ctx, doc)

		status := "completed"
		errMsg := ""
		if err != nil {
			status = "failed"
			errMsg = err.Error()
		}
		hub.Publish(broadcast.TopicQueue, "phase_transition", map[string]any{
			"run_id":       doc.RunID,
			"phase_number": number,
			"phase_name":   name,
			"status":       status,
			"error":        errMsg,
		})

		return outputs, err
	}
}

// withAllocation wraps the Plan phase's Work function: once the agent has
// produced a plan, it reserves the run's isolated worktree and backend/
// frontend port pair and folds them into the outputs so the Build/Lint/Test
// phases that follow run against that worktree rather than the shared repo
// checkout. branchTemplate is the project's branch_template with "{run_id}"
// substituted for the run's ID.
func withAllocation(next phaserunner.Work, alloc *allocator.Allocator, branchTemplate string) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		outputs, err := next(ctx, doc)
		if err != nil {
			return outputs, err
		}

		branch := strings.ReplaceAll(branchTemplate, "{run_id}", doc.RunID)
		a, err := alloc.Allocate(ctx, doc.RunID, branch)
		if err != nil {
			return nil, fmt.Errorf("phase %d (Plan): allocating worktree and ports: %w", planPhaseNumber, err)
		}

		if outputs == nil {
			outputs = make(map[string]any, 4)
		}
		outputs["branch_name"] = a.Branch
		outputs["worktree_path"] = a.WorktreePath
		outputs["backend_port"] = a.BackendPort
		outputs["frontend_port"] = a.FrontendPort
		return outputs, nil
	}
}

// withRelease wraps the Cleanup phase's Work function: after the agent has
// reported its cleanup summary, it releases the run's worktree and port
// pair back to the pool so a later run can reuse them.
func withRelease(next phaserunner.Work, alloc *allocator.Allocator) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		outputs, err := next(ctx, doc)
		if err != nil {
			return outputs, err
		}
		if relErr := alloc.Release(ctx, doc.RunID); relErr != nil {
			return outputs, fmt.Errorf("phase %d (Cleanup): releasing worktree and ports: %w", cleanupPhaseNumber, relErr)
		}
		return outputs, nil
	}
}

// withHistoryRecording wraps the Verify phase's Work function so that a
// successful run also lands a history.RunSummary row. StartedAt falls back
// to the document's last update time, since the run state document does not
// itself track when phase 1 first began -- a true run-start timestamp is an
// open item for a future Plan-phase enrichment.
func withHistoryRecording(next phaserunner.Work, recorder *history.Recorder) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		outputs, err := next(ctx, doc)
		if err != nil {
			return outputs, err
		}

		startedAt := doc.UpdatedAt
		if startedAt.IsZero() {
			startedAt = time.Now().UTC()
		}

		var issueID *int64
		if doc.IssueID != 0 {
			issueID = &doc.IssueID
		}

		summary := history.RunSummary{
			RunID:            doc.RunID,
			IssueID:          issueID,
			WorkflowTemplate: doc.WorkflowTemplate,
			Outcome:          "completed",
			StartedAt:        startedAt,
			CompletedAt:      time.Now().UTC(),
		}
		if recErr := recorder.Record(ctx, summary); recErr != nil {
			logging.New("history").Warn("recording run summary failed", "run_id", doc.RunID, "err", recErr)
		}
		return outputs, nil
	}
}

// phasePrompt builds the instruction sent to the agent for a given phase,
// grounding it in whatever the run's state document has accumulated so far.
func phasePrompt(name string, doc *runstate.Document, extra string) string {
	base := fmt.Sprintf("You are executing the %q phase of run %s.\n", name, doc.RunID)
	if doc.PlanFilePath != "" {
		base += fmt.Sprintf("Plan file: %s\n", doc.PlanFilePath)
	}
	if doc.BranchName != "" {
		base += fmt.Sprintf("Branch: %s\n", doc.BranchName)
	}
	if doc.WorktreePath != "" {
		base += fmt.Sprintf("Worktree: %s\n", doc.WorktreePath)
	}
	if extra != "" {
		base += "\n" + extra
	}
	return base
}

// makePhaseWork returns the Work function for a single phase. Every phase
// runs the same agent invocation shape (prompt in, stdout/outcome out); what
// differs is which runstate.Document field the result is folded into.
func makePhaseWork(reg *agent.Registry, agentName string, number int, name string) phaserunner.Work {
	return func(ctx context.Context, doc *runstate.Document) (map[string]any, error) {
		a, err := reg.Get(agentName)
		if err != nil {
			return nil, fmt.Errorf("phase %d (%s): %w", number, name, err)
		}

		result, err := a.Run(ctx, agent.RunOpts{
			Prompt:       phasePrompt(name, doc, ""),
			OutputFormat: agent.OutputFormatJSON,
			WorkDir:      doc.WorktreePath,
		})
		if err != nil {
			return nil, fmt.Errorf("phase %d (%s): running agent %q: %w", number, name, agentName, err)
		}
		if !result.Success() {
			return nil, fmt.Errorf("phase %d (%s): agent %q exited %d: %s", number, name, agentName, result.ExitCode, result.Stderr)
		}

		return outputsFor(number, result), nil
	}
}

// makePhaseRepair returns the Repair function for a single phase: one more
// agent invocation with the prior failure appended to the prompt, attempted
// at most once per distinct error by the phase runner's cascade policy.
func makePhaseRepair(reg *agent.Registry, agentName string, number int, name string) phaserunner.Repair {
	return func(ctx context.Context, doc *runstate.Document, lastErr error) (bool, error) {
		a, err := reg.Get(agentName)
		if err != nil {
			return false, err
		}

		extra := fmt.Sprintf("The previous attempt at this phase failed with:\n%s\nDiagnose and correct it.", lastErr)
		result, err := a.Run(ctx, agent.RunOpts{
			Prompt:       phasePrompt(name, doc, extra),
			OutputFormat: agent.OutputFormatJSON,
			WorkDir:      doc.WorktreePath,
		})
		if err != nil {
			return true, fmt.Errorf("phase %d (%s) repair: %w", number, name, err)
		}
		if !result.Success() {
			return true, fmt.Errorf("phase %d (%s) repair: agent %q exited %d: %s", number, name, agentName, result.ExitCode, result.Stderr)
		}
		return true, nil
	}
}

// extractAgentObject pulls the first JSON object out of an agent's stdout.
// Agents are invoked with OutputFormatJSON but, like any CLI, may still
// wrap their JSON in log preamble or a markdown fence; jsonutil.Extract
// handles both. Returns nil if the stdout carries no parseable object, in
// which case callers fall back to the raw text.
func extractAgentObject(stdout string) map[string]any {
	raw, err := jsonutil.Extract(stdout)
	if err != nil {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// stringField returns obj[key] as a string if present, otherwise fallback.
func stringField(obj map[string]any, key, fallback string) string {
	if obj == nil {
		return fallback
	}
	if v, ok := obj[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// outputsFor maps an agent result onto the runstate.Document field the
// phase is contractually responsible for populating. When the agent's
// stdout carries a parseable JSON object (the common case, since every
// phase is invoked with OutputFormatJSON), phase-specific keys are read out
// of it; otherwise the raw stdout is kept as the phase's output.
func outputsFor(number int, result *agent.RunResult) map[string]any {
	now := time.Now().UTC()
	obj := extractAgentObject(result.Stdout)

	switch number {
	case 1: // Plan
		return map[string]any{
			"plan_file_path":    stringField(obj, "plan_file_path", result.Stdout),
			"issue_class":       stringField(obj, "issue_class", "feature"),
			"workflow_template": stringField(obj, "workflow_template", "full-sdlc"),
		}
	case 2: // Validate
		return map[string]any{"baseline_errors": map[string]any{"output": result.Stdout, "exit_code": result.ExitCode}}
	case 3: // Build
		return map[string]any{"external_build_results": map[string]any{"output": result.Stdout, "exit_code": result.ExitCode}}
	case 4: // Lint
		return map[string]any{"lint_results": map[string]any{"output": result.Stdout, "exit_code": result.ExitCode}}
	case 5: // Test
		return map[string]any{"test_results": map[string]any{"output": result.Stdout, "exit_code": result.ExitCode}}
	case 6: // Review
		return map[string]any{
			"review_results": map[string]any{"output": result.Stdout, "exit_code": result.ExitCode},
			// Fallback only: withReviewPR overwrites this with the real PR URL
			// once a vcsport.Port is configured.
			"pr_url": stringField(obj, "pr_url", ""),
		}
	case 7: // Document
		return map[string]any{"doc_files_paths": []string{}}
	case 8: // Ship
		// Fallback only: withShipMerge overwrites shipped_at/merge_commit_sha
		// once a vcsport.Port is configured.
		return map[string]any{"shipped_at": now, "merge_commit_sha": stringField(obj, "merge_commit_sha", "")}
	case 9: // Cleanup
		return map[string]any{"cleanup_summary": map[string]any{"output": result.Stdout}}
	case 10: // Verify
		return map[string]any{"verification_results": map[string]any{"output": result.Stdout, "exit_code": result.ExitCode}}
	default:
		return nil
	}
}
