// Package queue implements the Phase Queue: the durable, ordered record of
// (run, phase) work items that is the sole authority on coordination status.
// It is backed by SQLite through jmoiron/sqlx, with status transitions
// written as "UPDATE ... WHERE status = ?" so a zero-rows-affected result
// signals a lost race to the caller rather than silently clobbering a
// concurrent writer.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"
)

// Status is one state in the Phase Queue's status DAG.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// validEdges enumerates the legal (from, to) pairs in the status DAG from
// §4.3. cancelled is terminal and reachable from any non-terminal state;
// completed has no outgoing edges.
var validEdges = map[Status]map[Status]bool{
	StatusQueued:    {StatusReady: true, StatusBlocked: true, StatusCancelled: true},
	StatusReady:     {StatusRunning: true, StatusBlocked: true, StatusCancelled: true},
	StatusBlocked:   {StatusReady: true, StatusCancelled: true},
	StatusRunning:   {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:    {StatusReady: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

// ErrIllegalTransition is returned by Transition when (from, to) is not an
// edge in the status DAG.
var ErrIllegalTransition = fmt.Errorf("queue: illegal status transition")

// ErrLostRace is returned by Transition when the row's status no longer
// matches the expected "from" value — another worker transitioned it first.
var ErrLostRace = fmt.Errorf("queue: lost race on status transition")

// ErrNotFound is returned by GetByID when no row matches queue_id.
var ErrNotFound = fmt.Errorf("queue: entry not found")

// Entry is one row of the phase_queue table.
type Entry struct {
	QueueID            string     `db:"queue_id"`
	RunID              string     `db:"run_id"`
	ParentIssue         sql.NullInt64 `db:"parent_issue"`
	PhaseNumber        int        `db:"phase_number"`
	PhaseName          string     `db:"phase_name"`
	Status             Status     `db:"status"`
	DependsOnPhase     sql.NullInt64 `db:"depends_on_phase"`
	WebhookFingerprint sql.NullString `db:"webhook_fingerprint"`
	CreatedAt          time.Time  `db:"created_at"`
	ReadyAt            sql.NullTime `db:"ready_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
	RetryCount         int        `db:"retry_count"`
	LastErrorKind      sql.NullString `db:"last_error_kind"`
}

const schema = `
CREATE TABLE IF NOT EXISTS phase_queue (
	queue_id            TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL,
	parent_issue        INTEGER,
	phase_number        INTEGER NOT NULL,
	phase_name          TEXT NOT NULL,
	status              TEXT NOT NULL,
	depends_on_phase    INTEGER,
	webhook_fingerprint TEXT,
	created_at          DATETIME NOT NULL,
	ready_at            DATETIME,
	started_at          DATETIME,
	completed_at        DATETIME,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	last_error_kind     TEXT
);
CREATE INDEX IF NOT EXISTS idx_phase_queue_run_id ON phase_queue(run_id);
CREATE INDEX IF NOT EXISTS idx_phase_queue_status_created ON phase_queue(status, created_at);
`

// Queue wraps a sqlx.DB handle scoped to the phase_queue table.
type Queue struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at dsn (a file path, or ":memory:"
// for tests) and ensures the phase_queue schema exists.
func Open(dsn string) (*Queue, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: connecting to %q: %w", dsn, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// errors under the queue's row-level optimistic-concurrency pattern.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("queue: applying schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a new queue_id for (run_id, phase_number). The initial
// status is "ready" when dependsOnPhase is nil, otherwise "blocked" until
// the dependency completes and calls MarkDependentsReady.
func (q *Queue) Enqueue(ctx context.Context, runID string, phaseNumber int, phaseName string, dependsOnPhase *int) (string, error) {
	queueID := uuid.NewString()
	now := time.Now().UTC()

	status := StatusReady
	var readyAt sql.NullTime
	if dependsOnPhase != nil {
		status = StatusBlocked
	} else {
		readyAt = sql.NullTime{Time: now, Valid: true}
	}

	var dep sql.NullInt64
	if dependsOnPhase != nil {
		dep = sql.NullInt64{Int64: int64(*dependsOnPhase), Valid: true}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO phase_queue (queue_id, run_id, phase_number, phase_name, status, depends_on_phase, created_at, ready_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, queueID, runID, phaseNumber, phaseName, status, dep, now, readyAt)
	if err != nil {
		return "", fmt.Errorf("queue: enqueuing run %q phase %d: %w", runID, phaseNumber, err)
	}
	return queueID, nil
}

// GetByID fetches one entry by primary key.
func (q *Queue) GetByID(ctx context.Context, queueID string) (*Entry, error) {
	var e Entry
	err := q.db.GetContext(ctx, &e, `SELECT * FROM phase_queue WHERE queue_id = ?`, queueID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: fetching %q: %w", queueID, err)
	}
	return &e, nil
}

// GetByRun returns every entry for runID, ordered by phase_number ascending.
func (q *Queue) GetByRun(ctx context.Context, runID string) ([]Entry, error) {
	var entries []Entry
	err := q.db.SelectContext(ctx, &entries,
		`SELECT * FROM phase_queue WHERE run_id = ? ORDER BY phase_number ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("queue: listing run %q: %w", runID, err)
	}
	return entries, nil
}

// ListRunIDs returns every distinct run_id present in the queue, most
// recently created first. Used by status surfaces that need to enumerate
// in-flight and historical runs without knowing a run_id up front.
func (q *Queue) ListRunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := q.db.SelectContext(ctx, &ids, `
		SELECT run_id FROM phase_queue
		GROUP BY run_id
		ORDER BY MIN(created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: listing run ids: %w", err)
	}
	return ids, nil
}

// GetNextReady returns the oldest "ready" entry (stable by created_at, ties
// broken by queue_id ascending), or nil if none is ready.
func (q *Queue) GetNextReady(ctx context.Context) (*Entry, error) {
	var e Entry
	err := q.db.GetContext(ctx, &e, `
		SELECT * FROM phase_queue
		WHERE status = ?
		ORDER BY created_at ASC, queue_id ASC
		LIMIT 1
	`, StatusReady)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: selecting next ready: %w", err)
	}
	return &e, nil
}

// Transition moves queueID from its current status to to, using
// "UPDATE ... WHERE status = ?" to enforce that the caller's view of "from"
// is still current. Returns ErrIllegalTransition if (from, to) is not a DAG
// edge, or ErrLostRace if zero rows were affected (another worker already
// transitioned the row away from "from").
func (q *Queue) Transition(ctx context.Context, queueID string, from, to Status, errorKind *string) error {
	if !validEdges[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	now := time.Now().UTC()
	var timestampCol string
	switch to {
	case StatusReady:
		timestampCol = "ready_at"
	case StatusRunning:
		timestampCol = "started_at"
	case StatusCompleted, StatusFailed, StatusCancelled:
		timestampCol = "completed_at"
	}

	var ek sql.NullString
	if errorKind != nil {
		ek = sql.NullString{String: *errorKind, Valid: true}
	}

	retryIncrement := ""
	if from == StatusFailed && to == StatusReady {
		retryIncrement = ", retry_count = retry_count + 1"
	}

	query := fmt.Sprintf(`
		UPDATE phase_queue
		SET status = ?, last_error_kind = ?%s%s
		WHERE queue_id = ? AND status = ?
	`, timestampSet(timestampCol), retryIncrement)

	args := []any{to, ek}
	if timestampCol != "" {
		args = append(args, now)
	}
	args = append(args, queueID, from)

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("queue: transitioning %q %s->%s: %w", queueID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: checking rows affected for %q: %w", queueID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: queue_id=%s expected=%s", ErrLostRace, queueID, from)
	}
	return nil
}

func timestampSet(col string) string {
	if col == "" {
		return ""
	}
	return fmt.Sprintf(", %s = ?", col)
}

// MarkDependentsReady finds every blocked entry in runID that depends on
// completedPhaseNumber and transitions it to ready.
func (q *Queue) MarkDependentsReady(ctx context.Context, runID string, completedPhaseNumber int) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		UPDATE phase_queue
		SET status = ?, ready_at = ?
		WHERE run_id = ? AND depends_on_phase = ? AND status = ?
	`, StatusReady, now, runID, completedPhaseNumber, StatusBlocked)
	if err != nil {
		return fmt.Errorf("queue: marking dependents ready for run %q phase %d: %w", runID, completedPhaseNumber, err)
	}
	return nil
}
