// Package phaserunner implements the Phase Runner: it executes exactly one
// phase for one queue entry — pre-validate, idempotency check, run the
// phase's work with cascading resolution on failure, write outputs, then
// post-validate — generalizing the teacher's workflow.Engine step-execution
// loop from "one step of a single in-process pipeline" to "one phase of a
// durably-queued, resumable run."
package phaserunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"

	"github.com/adw-run/adw/internal/adwerr"
	"github.com/adw-run/adw/internal/idempotency"
	"github.com/adw-run/adw/internal/queue"
	"github.com/adw-run/adw/internal/runstate"
	"github.com/adw-run/adw/internal/validator"
)

// MaxExternalAttempts bounds Layer 1 (external tool) retries per invocation.
const MaxExternalAttempts = 3

// MaxIdenticalErrorRepeats is the circuit-breaker threshold on repeated
// identical error fingerprints before the runner gives up with Looping.
const MaxIdenticalErrorRepeats = 4

// breakerTripThreshold is deliberately larger than one cascade's worst-case
// Execute count (MaxExternalAttempts attempts, each possibly followed by one
// repair re-verify, i.e. MaxExternalAttempts*2), so
// the per-phase gobreaker trips on failures spanning separate phase
// invocations (e.g. repeated queue retries) rather than mid-cascade, where
// the fingerprint-based Looping check already governs.
const breakerTripThreshold = MaxExternalAttempts*2 + 2

// Outcome is the Phase Runner's public result for one run(queue_id) call.
type Outcome struct {
	Status queue.Status // StatusCompleted or StatusFailed
	Kind   adwerr.Kind  // zero value when Status == StatusCompleted
	Err    error
}

// Work is the phase-specific unit of execution the runner invokes at step 4
// of the flow: "invoke the external agent subprocess, shell tool, or
// internal pure function." It returns the fields to merge into the Run
// State Document on success.
type Work func(ctx context.Context, doc *runstate.Document) (outputs map[string]any, err error)

// Repair is the Layer-2 agent invoked once per error fingerprint when Work
// keeps failing. It returns true if it believes the underlying issue is
// fixed and Layer 1 should be re-verified.
type Repair func(ctx context.Context, doc *runstate.Document, lastErr error) (attempted bool, err error)

// Phase bundles a phase's identity with its Work/Repair functions and the
// breaker guarding its external-tool calls.
type Phase struct {
	Number  int
	Name    string
	Work    Work
	Repair  Repair // nil if the phase has no repair agent (e.g. Cleanup)
	breaker *gobreaker.CircuitBreaker
}

// Runner executes phases against the Queue and Run State Store, applying the
// Validator and Idempotency Gate at the documented points in the flow.
type Runner struct {
	q      *queue.Queue
	states *runstate.Store
	v      *validator.Validator
	gate   *idempotency.Gate
	logger *log.Logger
}

// New returns a Runner wired to q and states.
func New(q *queue.Queue, states *runstate.Store, logger *log.Logger) *Runner {
	return &Runner{
		q:      q,
		states: states,
		v:      validator.New(),
		gate:   idempotency.New(),
		logger: logger,
	}
}

// NewPhase wraps work/repair with a circuit breaker scoped to this phase, so
// repeated external-tool failures across invocations of the SAME phase
// (not just within one cascading-resolution run) still trip independently
// per phase.
func NewPhase(number int, name string, work Work, repair Repair) *Phase {
	return &Phase{
		Number: number,
		Name:   name,
		Work:   work,
		Repair: repair,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripThreshold
			},
		}),
	}
}

// Run executes phase for queueID: transition ready->running, validate pre,
// consult idempotency, run work with cascading resolution, write outputs,
// validate post, transition to completed or failed.
func (r *Runner) Run(ctx context.Context, queueID string, phase *Phase) Outcome {
	entry, err := r.q.GetByID(ctx, queueID)
	if err != nil {
		return Outcome{Status: queue.StatusFailed, Kind: adwerr.ContractBreach, Err: err}
	}

	if err := r.q.Transition(ctx, queueID, queue.StatusReady, queue.StatusRunning, nil); err != nil {
		return Outcome{Status: queue.StatusFailed, Kind: adwerr.ContractBreach, Err: err}
	}

	doc, err := r.states.Load(entry.RunID)
	if err != nil {
		return r.fail(ctx, queueID, entry.RunID, phase.Number, adwerr.ContractBreach, err)
	}

	if violations := r.v.CheckPre(phase.Number, doc); len(violations) > 0 {
		breachErr := validator.AsError(entry.RunID, phase.Number, violations)
		return r.fail(ctx, queueID, entry.RunID, phase.Number, adwerr.ContractBreach, breachErr)
	}

	decision := r.gate.Evaluate(phase.Number, doc)
	var outputs map[string]any
	if decision != idempotency.Skip {
		outputs, err = r.executeWithCascade(ctx, phase, doc, entry.RunID)
		if err != nil {
			kind, looping := classify(err)
			if looping {
				kind = adwerr.Looping
			}
			return r.fail(ctx, queueID, entry.RunID, phase.Number, kind, err)
		}
		if len(outputs) > 0 {
			if err := r.states.Update(entry.RunID, outputs); err != nil {
				return r.fail(ctx, queueID, entry.RunID, phase.Number, adwerr.ContractBreach, err)
			}
			doc, err = r.states.Load(entry.RunID)
			if err != nil {
				return r.fail(ctx, queueID, entry.RunID, phase.Number, adwerr.ContractBreach, err)
			}
		}
	}

	if violations := r.v.CheckPost(phase.Number, doc); len(violations) > 0 {
		breachErr := validator.AsError(entry.RunID, phase.Number, violations)
		return r.fail(ctx, queueID, entry.RunID, phase.Number, adwerr.ContractBreach, breachErr)
	}

	if err := r.q.Transition(ctx, queueID, queue.StatusRunning, queue.StatusCompleted, nil); err != nil {
		return Outcome{Status: queue.StatusFailed, Kind: adwerr.ContractBreach, Err: err}
	}
	if err := r.q.MarkDependentsReady(ctx, entry.RunID, phase.Number); err != nil {
		r.logf("phase %d run %s: marking dependents ready: %v", phase.Number, entry.RunID, err)
	}

	return Outcome{Status: queue.StatusCompleted}
}

// executeWithCascade implements the three-layer cascading resolution from
// the Phase Runner flow: Layer 1 (external tool retries), Layer 2 (repair
// agent, once per fingerprint), Layer 3 (surface failed to the caller). A
// SHA-256 fingerprint of normalized error text drives both the "once per
// fingerprint" repair gate and the identical-error circuit breaker.
func (r *Runner) executeWithCascade(ctx context.Context, phase *Phase, doc *runstate.Document, runID string) (map[string]any, error) {
	var lastErr error
	seenFingerprints := make(map[string]int)
	repairedFingerprints := make(map[string]bool)

	for attempt := 0; attempt < MaxExternalAttempts; attempt++ {
		result, err := phase.breaker.Execute(func() (any, error) {
			return phase.Work(ctx, doc)
		})
		if err == nil {
			outputs, _ := result.(map[string]any)
			return outputs, nil
		}
		lastErr = err

		fp := fingerprint(err)
		seenFingerprints[fp]++
		if seenFingerprints[fp] >= MaxIdenticalErrorRepeats {
			return nil, &loopingError{fingerprint: fp, cause: err}
		}

		if phase.Repair != nil && !repairedFingerprints[fp] {
			repairedFingerprints[fp] = true
			attempted, repairErr := phase.Repair(ctx, doc, err)
			if repairErr != nil {
				lastErr = repairErr
				continue
			}
			if attempted {
				// Re-verify by re-executing Layer 1 immediately, without
				// consuming an extra attempt slot for the repair itself. The
				// re-verification failure still counts toward the identical
				// error fingerprint tally, since a repair that doesn't
				// change the error is itself a sign of looping.
				result, err := phase.breaker.Execute(func() (any, error) {
					return phase.Work(ctx, doc)
				})
				if err == nil {
					outputs, _ := result.(map[string]any)
					return outputs, nil
				}
				reverifyFP := fingerprint(err)
				seenFingerprints[reverifyFP]++
				if seenFingerprints[reverifyFP] >= MaxIdenticalErrorRepeats {
					return nil, &loopingError{fingerprint: reverifyFP, cause: err}
				}
				lastErr = adwerr.New(adwerr.AgentFailure, runID, phase.Number, err)
			}
		}
	}

	return nil, adwerr.New(adwerr.ExternalToolFailure, runID, phase.Number, lastErr)
}

// loopingError marks that the circuit breaker fired on an identical
// fingerprint; executeWithCascade's caller maps it to adwerr.Looping.
type loopingError struct {
	fingerprint string
	cause       error
}

func (e *loopingError) Error() string {
	return fmt.Sprintf("identical error fingerprint %s repeated %d times: %v", e.fingerprint, MaxIdenticalErrorRepeats, e.cause)
}
func (e *loopingError) Unwrap() error { return e.cause }

func classify(err error) (adwerr.Kind, bool) {
	var looping *loopingError
	if errors.As(err, &looping) {
		return adwerr.Looping, true
	}
	var phaseErr *adwerr.PhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr.Kind, false
	}
	return adwerr.ExternalToolFailure, false
}

// fingerprint computes a SHA-256 digest over normalized error text: lower
// cased, whitespace collapsed. Two errors that differ only in letter case or
// whitespace hash identically; any other difference, such as a timestamp,
// gives a different fingerprint.
func fingerprint(err error) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(err.Error())), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func (r *Runner) fail(ctx context.Context, queueID, runID string, phaseNumber int, kind adwerr.Kind, cause error) Outcome {
	kindStr := string(kind)
	if err := r.q.Transition(ctx, queueID, queue.StatusRunning, queue.StatusFailed, &kindStr); err != nil {
		r.logf("phase %d run %s: transitioning to failed: %v", phaseNumber, runID, err)
	}
	return Outcome{Status: queue.StatusFailed, Kind: kind, Err: adwerr.New(kind, runID, phaseNumber, cause)}
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Error(fmt.Sprintf(format, args...))
}
