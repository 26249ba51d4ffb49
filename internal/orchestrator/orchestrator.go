// Package orchestrator drives the Phase Queue with a bounded pool of
// concurrent workers, generalizing the teacher's PipelineOrchestrator from a
// single in-process phase sequence into a dispatcher over many independent,
// durably-queued runs.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/adw-run/adw/internal/phaserunner"
	"github.com/adw-run/adw/internal/queue"
)

// PollInterval is how often the dispatcher checks the queue for ready work
// when there is spare worker capacity.
const PollInterval = 250 * time.Millisecond

// cleanupPhaseNumber is the phase forced onto the queue when a run aborts,
// matching §4.7's "abort the run; Cleanup is still invoked" rule.
const cleanupPhaseNumber = 9

// DefaultMaxPhaseRetryAttempts is used when an Orchestrator is constructed
// with a non-positive maxPhaseRetryAttempts, so a zero-value caller still
// gets a sane retry budget instead of aborting on the first failure.
const DefaultMaxPhaseRetryAttempts = 3

// Orchestrator claims ready phase_queue entries one at a time and runs each
// through the Phase Runner, never exceeding maxConcurrent in flight.
type Orchestrator struct {
	q                     *queue.Queue
	runner                *phaserunner.Runner
	phases                map[int]*phaserunner.Phase
	sem                   *semaphore.Weighted
	maxConcurrent         int64
	maxPhaseRetryAttempts int
	logger                *log.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a charmbracelet/log Logger for dispatch-loop diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New returns an Orchestrator bounded to maxConcurrent simultaneous phase
// executions, dispatching onto the phases registered by phase number. A
// phase that fails with a recoverable error kind is retried (transitioned
// back to ready) until its retry_count reaches maxPhaseRetryAttempts, after
// which -- or immediately for a non-recoverable kind -- the run is aborted
// and Cleanup is forced onto the queue.
func New(q *queue.Queue, runner *phaserunner.Runner, phases map[int]*phaserunner.Phase, maxConcurrent int64, maxPhaseRetryAttempts int, opts ...Option) *Orchestrator {
	if maxPhaseRetryAttempts <= 0 {
		maxPhaseRetryAttempts = DefaultMaxPhaseRetryAttempts
	}
	o := &Orchestrator{
		q:                     q,
		runner:                runner,
		phases:                phases,
		sem:                   semaphore.NewWeighted(maxConcurrent),
		maxConcurrent:         maxConcurrent,
		maxPhaseRetryAttempts: maxPhaseRetryAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run polls the queue for ready entries and dispatches each onto its own
// goroutine, bounded by maxConcurrent via the semaphore. It blocks until ctx
// is cancelled, then waits for in-flight phase executions to finish before
// returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-ticker.C:
			if err := o.dispatchNext(gctx, g); err != nil {
				if ctx.Err() != nil {
					return g.Wait()
				}
				o.logf("orchestrator: dispatch: %v", err)
			}
		}
	}
}

// dispatchNext claims the oldest ready entry, if any, and spawns its
// execution on g once a worker slot is free. A nil entry (empty queue) is not
// an error.
func (o *Orchestrator) dispatchNext(ctx context.Context, g *errgroup.Group) error {
	entry, err := o.q.GetNextReady(ctx)
	if err != nil {
		return fmt.Errorf("fetching next ready entry: %w", err)
	}
	if entry == nil {
		return nil
	}

	phase, ok := o.phases[entry.PhaseNumber]
	if !ok {
		return fmt.Errorf("no phase registered for number %d (run %s)", entry.PhaseNumber, entry.RunID)
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	g.Go(func() error {
		defer o.sem.Release(1)
		outcome := o.runner.Run(ctx, entry.QueueID, phase)
		if outcome.Err != nil {
			o.handleFailure(ctx, entry, phase, outcome)
		}
		return nil
	})
	return nil
}

// handleFailure implements §4.7's retry-vs-abort decision: a recoverable
// error kind with retry budget remaining goes back to ready (incrementing
// retry_count); anything else -- retries exhausted, or a non-recoverable
// kind such as Looping or ContractBreach -- aborts the run and forces
// Cleanup onto the queue.
func (o *Orchestrator) handleFailure(ctx context.Context, entry *queue.Entry, phase *phaserunner.Phase, outcome phaserunner.Outcome) {
	o.logf("phase %s run %s: %v", phase.Name, entry.RunID, outcome.Err)

	if outcome.Kind.Recoverable() && entry.RetryCount < o.maxPhaseRetryAttempts {
		if err := o.q.Transition(ctx, entry.QueueID, queue.StatusFailed, queue.StatusReady, nil); err != nil {
			o.logf("run %s: requeuing phase %s for retry: %v", entry.RunID, phase.Name, err)
		}
		return
	}

	o.logf("run %s: aborting after phase %s failed (kind=%s, retry_count=%d)",
		entry.RunID, phase.Name, outcome.Kind, entry.RetryCount)
	o.abortRun(ctx, entry.RunID, phase.Number)
}

// abortRun forces Cleanup onto the queue for runID, unless the phase that
// just failed was Cleanup itself (nothing left to invoke) or a Cleanup
// entry already exists for this run.
func (o *Orchestrator) abortRun(ctx context.Context, runID string, failedPhase int) {
	if failedPhase == cleanupPhaseNumber {
		return
	}

	entries, err := o.q.GetByRun(ctx, runID)
	if err != nil {
		o.logf("run %s: loading entries to force Cleanup: %v", runID, err)
		return
	}
	for _, e := range entries {
		if e.PhaseNumber == cleanupPhaseNumber {
			return
		}
	}

	if _, err := o.q.Enqueue(ctx, runID, cleanupPhaseNumber, "Cleanup", nil); err != nil {
		o.logf("run %s: forcing Cleanup after abort: %v", runID, err)
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Error(fmt.Sprintf(format, args...))
}
