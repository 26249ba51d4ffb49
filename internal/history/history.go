// Package history implements the History Recorder: an append-only analytics
// table enriched once per terminal run, generalizing the teacher's
// StateManager atomic read-modify-write idiom from a single mutable
// per-task row to a durable, queryable table of completed runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_history (
	run_id             TEXT PRIMARY KEY,
	issue_id           INTEGER,
	workflow_template  TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	error_category     TEXT,
	started_at         DATETIME NOT NULL,
	completed_at       DATETIME NOT NULL,
	duration_seconds   REAL NOT NULL,
	bottleneck_phase   TEXT,
	cost_total_usd     REAL NOT NULL DEFAULT 0,
	cache_hit_tokens   INTEGER NOT NULL DEFAULT 0,
	cache_total_tokens INTEGER NOT NULL DEFAULT 0,
	cache_efficiency   REAL NOT NULL DEFAULT 0,
	hour_of_day        INTEGER NOT NULL,
	day_of_week        INTEGER NOT NULL,
	clarity_score      REAL NOT NULL,
	cost_efficiency_score REAL NOT NULL,
	performance_score  REAL NOT NULL,
	quality_score      REAL NOT NULL,
	phase_durations    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_history_outcome ON workflow_history(outcome);
CREATE INDEX IF NOT EXISTS idx_workflow_history_completed_at ON workflow_history(completed_at);
`

// PhaseDuration records how long one phase took within a run.
type PhaseDuration struct {
	PhaseNumber int           `json:"phase_number"`
	PhaseName   string        `json:"phase_name"`
	Duration    time.Duration `json:"duration_ns"`
}

// CostReport is the subset of a phase's agent cost report the recorder
// aggregates across a run. Fields beyond these (e.g. per-model breakdowns)
// are the agent's concern, not history's.
type CostReport struct {
	TotalUSD         float64
	CacheHitTokens   int64
	CacheTotalTokens int64
}

// RunSummary is everything the Phase Runner/Orchestrator know about one
// terminal run, handed to Record to compute the derived enrichment fields.
type RunSummary struct {
	RunID            string
	IssueID          *int64
	WorkflowTemplate string
	Outcome          string // "completed" or "failed"
	ErrorCategory    string // empty when Outcome == "completed"
	StartedAt        time.Time
	CompletedAt      time.Time
	PhaseDurations   []PhaseDuration
	Cost             CostReport
}

// Recorder owns the workflow_history table.
type Recorder struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at dsn and ensures workflow_history
// exists.
func Open(dsn string) (*Recorder, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connecting to %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("history: applying schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record enriches and appends summary as a single row. Writes are
// append-only: a run_id already present is left untouched rather than
// overwritten, since a terminal run is recorded exactly once.
func (r *Recorder) Record(ctx context.Context, summary RunSummary) error {
	enriched := enrich(summary)

	var issueID any
	if summary.IssueID != nil {
		issueID = *summary.IssueID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_history (
			run_id, issue_id, workflow_template, outcome, error_category,
			started_at, completed_at, duration_seconds, bottleneck_phase,
			cost_total_usd, cache_hit_tokens, cache_total_tokens, cache_efficiency,
			hour_of_day, day_of_week,
			clarity_score, cost_efficiency_score, performance_score, quality_score,
			phase_durations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		summary.RunID, issueID, summary.WorkflowTemplate, summary.Outcome, nullIfEmpty(summary.ErrorCategory),
		summary.StartedAt.UTC(), summary.CompletedAt.UTC(), enriched.DurationSeconds, nullIfEmpty(enriched.BottleneckPhase),
		summary.Cost.TotalUSD, summary.Cost.CacheHitTokens, summary.Cost.CacheTotalTokens, enriched.CacheEfficiency,
		enriched.HourOfDay, enriched.DayOfWeek,
		enriched.ClarityScore, enriched.CostEfficiencyScore, enriched.PerformanceScore, enriched.QualityScore,
		encodePhaseDurations(summary.PhaseDurations),
	)
	if err != nil {
		return fmt.Errorf("history: recording run %q: %w", summary.RunID, err)
	}
	return nil
}

// Row is one workflow_history record as stored, including the derived
// enrichment fields.
type Row struct {
	RunID               string    `db:"run_id"`
	IssueID             *int64    `db:"issue_id"`
	WorkflowTemplate    string    `db:"workflow_template"`
	Outcome             string    `db:"outcome"`
	ErrorCategory       *string   `db:"error_category"`
	StartedAt           time.Time `db:"started_at"`
	CompletedAt         time.Time `db:"completed_at"`
	DurationSeconds     float64   `db:"duration_seconds"`
	BottleneckPhase     *string   `db:"bottleneck_phase"`
	CostTotalUSD        float64   `db:"cost_total_usd"`
	CacheHitTokens      int64     `db:"cache_hit_tokens"`
	CacheTotalTokens    int64     `db:"cache_total_tokens"`
	CacheEfficiency     float64   `db:"cache_efficiency"`
	HourOfDay           int       `db:"hour_of_day"`
	DayOfWeek           int       `db:"day_of_week"`
	ClarityScore        float64   `db:"clarity_score"`
	CostEfficiencyScore float64   `db:"cost_efficiency_score"`
	PerformanceScore    float64   `db:"performance_score"`
	QualityScore        float64   `db:"quality_score"`
	PhaseDurations      string    `db:"phase_durations"`
}

// Get returns the recorded row for runID, or nil if no terminal run has been
// recorded for it yet.
func (r *Recorder) Get(ctx context.Context, runID string) (*Row, error) {
	var row Row
	err := r.db.GetContext(ctx, &row, `SELECT * FROM workflow_history WHERE run_id = ?`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: fetching run %q: %w", runID, err)
	}
	return &row, nil
}

// Recent returns up to limit rows ordered by completed_at descending, for
// the analytics roll-ups the spec treats as an external collaborator.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Row, error) {
	var rows []Row
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflow_history ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: listing recent runs: %w", err)
	}
	return rows, nil
}

// Enrichment is the set of fields derived from a RunSummary by enrich.
type Enrichment struct {
	DurationSeconds     float64
	BottleneckPhase     string
	CacheEfficiency     float64
	HourOfDay           int
	DayOfWeek           int
	ClarityScore        float64
	CostEfficiencyScore float64
	PerformanceScore    float64
	QualityScore        float64
}

// enrich computes the derived fields the History Recorder adds on top of a
// raw RunSummary, per §4.10: duration, bottleneck phase, cache efficiency,
// temporal fields, and the four derived scores.
func enrich(s RunSummary) Enrichment {
	e := Enrichment{
		DurationSeconds: s.CompletedAt.Sub(s.StartedAt).Seconds(),
		HourOfDay:       s.StartedAt.UTC().Hour(),
		DayOfWeek:       int(s.StartedAt.UTC().Weekday()),
	}

	if len(s.PhaseDurations) > 0 {
		sorted := append([]PhaseDuration(nil), s.PhaseDurations...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Duration > sorted[j].Duration })
		e.BottleneckPhase = sorted[0].PhaseName
	}

	if s.Cost.CacheTotalTokens > 0 {
		e.CacheEfficiency = float64(s.Cost.CacheHitTokens) / float64(s.Cost.CacheTotalTokens)
	}

	e.ClarityScore = clarityScore(s)
	e.CostEfficiencyScore = costEfficiencyScore(s)
	e.PerformanceScore = performanceScore(e.DurationSeconds, len(s.PhaseDurations))
	e.QualityScore = qualityScore(s)

	return e
}

// clarityScore is a proxy for how unambiguous the originating issue was: 1.0
// for a completed run, 0.2 for a run that failed with ContractBreach, and 0.5
// for a run that failed with any other category.
func clarityScore(s RunSummary) float64 {
	if s.Outcome != "completed" {
		if s.ErrorCategory == "ContractBreach" {
			return 0.2
		}
		return 0.5
	}
	return 1.0
}

// costEfficiencyScore rewards low cost per completed phase, clamped to
// [0, 1]; a run with no cost data and no phases is treated as perfectly
// efficient rather than dividing by zero.
func costEfficiencyScore(s RunSummary) float64 {
	if len(s.PhaseDurations) == 0 {
		return 1.0
	}
	costPerPhase := s.Cost.TotalUSD / float64(len(s.PhaseDurations))
	const referenceCostPerPhase = 0.50
	score := 1.0 - (costPerPhase / referenceCostPerPhase)
	return clamp01(score)
}

// performanceScore rewards runs that finish close to a 10-minute-per-phase
// budget; slower runs score lower, never below 0.
func performanceScore(durationSeconds float64, phaseCount int) float64 {
	if phaseCount == 0 {
		return 1.0
	}
	const budgetSecondsPerPhase = 600.0
	budget := budgetSecondsPerPhase * float64(phaseCount)
	return clamp01(budget / durationSeconds)
}

// qualityScore rewards runs that completed over ones that failed, scaled by
// how many phases they reached (later failures still reflect meaningful
// partial progress).
func qualityScore(s RunSummary) float64 {
	if s.Outcome == "completed" {
		return 1.0
	}
	if len(s.PhaseDurations) == 0 {
		return 0
	}
	return clamp01(float64(len(s.PhaseDurations)) / 10.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodePhaseDurations serializes phase durations as JSON for storage in the
// phase_durations column.
func encodePhaseDurations(durations []PhaseDuration) string {
	b, err := json.Marshal(durations)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodePhaseDurations is the inverse of encodePhaseDurations, exposed for
// callers that read workflow_history rows back (e.g. analytics roll-ups).
func DecodePhaseDurations(raw string) ([]PhaseDuration, error) {
	var durations []PhaseDuration
	if raw == "" {
		return durations, nil
	}
	if err := json.Unmarshal([]byte(raw), &durations); err != nil {
		return nil, fmt.Errorf("history: decoding phase durations: %w", err)
	}
	return durations, nil
}
