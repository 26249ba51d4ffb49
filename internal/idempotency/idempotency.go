// Package idempotency implements the Idempotency Gate: given a phase and its
// Run State Document, decide whether to Skip (reuse existing outputs),
// Execute (run the phase fresh), or Resume (continue partially-completed
// work) per the per-phase policy pinned in the specification's Open
// Questions resolution.
package idempotency

import (
	"os"

	"github.com/adw-run/adw/internal/runstate"
	"github.com/adw-run/adw/internal/validator"
)

// Decision is the Idempotency Gate's verdict for one phase invocation.
type Decision string

const (
	// Skip means every Produces field is already valid; reuse existing outputs.
	Skip Decision = "skip"

	// Execute means the phase has no usable prior output and must run fresh.
	Execute Decision = "execute"

	// Resume means partial output exists and the phase may continue from it
	// instead of starting over. Only Plan and Ship resume; every other phase
	// either skips or executes per policy.
	Resume Decision = "resume"
)

// minPlanFileBytes is the minimum size a plan file must reach to count as a
// valid, non-truncated artifact.
const minPlanFileBytes = 100

// policy captures the per-phase override to the default
// "all Produces fields valid => Skip, else Execute" rule.
type policy func(doc *runstate.Document) Decision

var phasePolicies = map[int]policy{
	1: planPolicy,
	5: alwaysExecute, // Test always re-executes.
	8: shipPolicy,
}

// Gate evaluates idempotency decisions for phase invocations.
type Gate struct {
	v *validator.Validator
}

// New returns a Gate backed by a Validator for checking Produces fields.
func New() *Gate {
	return &Gate{v: validator.New()}
}

// Evaluate decides what the Phase Runner should do before launching phase
// work for the run described by doc.
func (g *Gate) Evaluate(phaseNumber int, doc *runstate.Document) Decision {
	if p, ok := phasePolicies[phaseNumber]; ok {
		return p(doc)
	}
	return g.defaultPolicy(phaseNumber, doc)
}

// defaultPolicy implements "every expected output present, path-typed
// outputs exist on disk => Skip; otherwise Execute." No size checks are
// made here.
func (g *Gate) defaultPolicy(phaseNumber int, doc *runstate.Document) Decision {
	violations := g.v.CheckPost(phaseNumber, doc)
	if len(violations) == 0 {
		return Skip
	}
	return Execute
}

// planPolicy resumes worktree creation when a worktree already exists but
// the plan file itself is missing or under the minimum size — the plan is
// always regenerated, but the worktree need not be recreated.
func planPolicy(doc *runstate.Document) Decision {
	worktreeExists := doc.WorktreePath != "" && pathExists(doc.WorktreePath)
	planValid := doc.PlanFilePath != "" && fileAtLeast(doc.PlanFilePath, minPlanFileBytes)

	switch {
	case worktreeExists && planValid && doc.BranchName != "":
		return Skip
	case worktreeExists:
		return Resume
	default:
		return Execute
	}
}

// alwaysExecute implements "Test always re-executes": prior test_results
// are never trusted as a substitute for running tests again.
func alwaysExecute(*runstate.Document) Decision {
	return Execute
}

// shipPolicy checks for an existing open PR before creating a new one: if
// pr_url is already set and shipped_at/merge_commit_sha are not, Ship must
// resume (reuse the existing PR) rather than open a duplicate.
func shipPolicy(doc *runstate.Document) Decision {
	if doc.MergeCommitSHA != "" && doc.ShippedAt != nil {
		return Skip
	}
	if doc.PRURL != "" {
		return Resume
	}
	return Execute
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func fileAtLeast(p string, minBytes int64) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Size() >= minBytes
}
