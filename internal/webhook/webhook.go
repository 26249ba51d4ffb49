// Package webhook implements the Webhook Gateway: two HMAC-signed HTTP
// endpoints that admit external work into the Phase Queue and report phase
// completion, deduplicated against a SQLite-backed events table, following
// the teacher's go-chi/chi router conventions.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/adw-run/adw/internal/queue"
	"github.com/adw-run/adw/internal/runstate"
)

// DedupWindow is how long a webhook_id is treated as "already processed"
// before an identical delivery is accepted as a retry rather than a repeat.
const DedupWindow = 30 * time.Second

// RetentionPeriod bounds how long webhook_events rows are kept before Sweep
// removes them.
const RetentionPeriod = 7 * 24 * time.Hour

// Source identifies which endpoint produced a webhook event.
type Source string

const (
	SourceExternalIssue     Source = "external_issue"
	SourceWorkflowComplete  Source = "workflow_complete"
)

const schema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	webhook_id     TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	received_at    DATETIME NOT NULL,
	payload_digest TEXT NOT NULL,
	run_id         TEXT,
	issue_id       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at);
`

// IntakePayload is the body of POST /intake: a new external issue to drive
// through the pipeline.
type IntakePayload struct {
	IssueID          int64  `json:"issue_id"`
	WorkflowTemplate string `json:"workflow_template"`
}

// CompletePayload is the body of POST /workflow-complete.
type CompletePayload struct {
	RunID       string `json:"run_id"`
	QueueID     string `json:"queue_id"`
	PhaseNumber int    `json:"phase_number"`
	Status      string `json:"status"`
	TriggerNext bool   `json:"trigger_next,omitempty"`
}

// Gateway serves the webhook endpoints and owns the dedup store.
type Gateway struct {
	db     *sqlx.DB
	q      *queue.Queue
	states *runstate.Store
	secret []byte
}

// Open connects to the SQLite dedup store at dsn and wires the gateway to q,
// verifying inbound signatures against secret. Admitted runs get their
// initial state seeded under agentsDir so Plan's precondition check (which
// requires issue_id) can be satisfied.
func Open(dsn string, q *queue.Queue, agentsDir string, secret []byte) (*Gateway, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("webhook: connecting to %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("webhook: applying schema: %w", err)
	}
	return &Gateway{db: db, q: q, states: runstate.New(agentsDir), secret: secret}, nil
}

// Close releases the dedup store's database handle.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Router returns the chi.Router serving /intake and /workflow-complete,
// CORS-enabled the way the teacher's HTTP surfaces are.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"POST"},
		AllowedHeaders:   []string{"Content-Type", "X-Hub-Signature-256"},
		MaxAge:           300,
	}))
	r.Post("/intake", g.handleIntake)
	r.Post("/workflow-complete", g.handleWorkflowComplete)
	return r
}

func (g *Gateway) handleIntake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad_request"})
		return
	}

	if !g.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
		return
	}

	var payload IntakePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.IssueID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad_request"})
		return
	}
	if payload.WorkflowTemplate == "" {
		payload.WorkflowTemplate = "full-sdlc"
	}

	webhookID := fingerprint(string(SourceExternalIssue), strconv.FormatInt(payload.IssueID, 10), payload.WorkflowTemplate, "")
	digest := contentDigest(body)

	dup, err := g.alreadyProcessed(r.Context(), webhookID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	if dup {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	runID := uuid.NewString()
	if err := g.states.Update(runID, map[string]any{
		"issue_id":          payload.IssueID,
		"workflow_template": payload.WorkflowTemplate,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	if _, err := g.q.Enqueue(r.Context(), runID, 1, "Plan", nil); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	if err := g.record(r.Context(), webhookID, SourceExternalIssue, digest, runID, &payload.IssueID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "run_id": runID})
}

func (g *Gateway) handleWorkflowComplete(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad_request"})
		return
	}

	if !g.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
		return
	}

	var payload CompletePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.QueueID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad_request"})
		return
	}

	webhookID := fingerprint(string(SourceWorkflowComplete), payload.RunID, payload.Status, payload.QueueID)
	digest := contentDigest(body)

	dup, err := g.alreadyProcessed(r.Context(), webhookID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}
	if dup {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := g.applyCompletion(r.Context(), payload); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	if err := g.record(r.Context(), webhookID, SourceWorkflowComplete, digest, payload.RunID, nil); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// applyCompletion transitions the referenced queue entry to the reported
// status and unblocks any dependent phase when it completed successfully.
func (g *Gateway) applyCompletion(ctx context.Context, payload CompletePayload) error {
	entry, err := g.q.GetByID(ctx, payload.QueueID)
	if err != nil {
		return fmt.Errorf("webhook: looking up queue entry %q: %w", payload.QueueID, err)
	}

	target := queue.Status(strings.ToLower(payload.Status))
	if err := g.q.Transition(ctx, payload.QueueID, entry.Status, target, nil); err != nil {
		return fmt.Errorf("webhook: transitioning %q: %w", payload.QueueID, err)
	}

	if target == queue.StatusCompleted {
		if err := g.q.MarkDependentsReady(ctx, entry.RunID, entry.PhaseNumber); err != nil {
			return fmt.Errorf("webhook: unblocking dependents of run %q phase %d: %w", entry.RunID, entry.PhaseNumber, err)
		}
	}
	return nil
}

func (g *Gateway) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	got := mac.Sum(nil)

	return subtle.ConstantTimeCompare(want, got) == 1
}

func (g *Gateway) alreadyProcessed(ctx context.Context, webhookID string) (bool, error) {
	var count int
	cutoff := time.Now().Add(-DedupWindow).UTC()
	err := g.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM webhook_events WHERE webhook_id = ? AND received_at > ?`,
		webhookID, cutoff)
	if err != nil {
		return false, fmt.Errorf("webhook: checking dedup for %q: %w", webhookID, err)
	}
	return count > 0, nil
}

func (g *Gateway) record(ctx context.Context, webhookID string, source Source, digest, runID string, issueID *int64) error {
	var ri sql.NullInt64
	if issueID != nil {
		ri = sql.NullInt64{Int64: *issueID, Valid: true}
	}
	var rid sql.NullString
	if runID != "" {
		rid = sql.NullString{String: runID, Valid: true}
	}

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO webhook_events (webhook_id, source, received_at, payload_digest, run_id, issue_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(webhook_id) DO UPDATE SET received_at = excluded.received_at
	`, webhookID, source, time.Now().UTC(), digest, rid, ri)
	if err != nil {
		return fmt.Errorf("webhook: recording %q: %w", webhookID, err)
	}
	return nil
}

// Sweep deletes webhook_events rows older than RetentionPeriod. Callers run
// it periodically (e.g. from a ticker goroutine); it never blocks a request.
func (g *Gateway) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-RetentionPeriod).UTC()
	res, err := g.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("webhook: sweeping expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("webhook: counting swept rows: %w", err)
	}
	return n, nil
}

// fingerprint computes webhook_id = hash(source, run_id, status, queue_id).
// For intake events, where no run_id/queue_id exists yet, callers pass the
// deterministic proxy (issue_id, workflow_template) in those slots so that
// retried deliveries of the same issue collide on the same id.
func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func contentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
