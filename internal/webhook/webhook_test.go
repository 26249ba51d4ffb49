package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adw-run/adw/internal/queue"
)

var testSecret = []byte("test-secret")

func newHarness(t *testing.T) (*Gateway, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	g, err := Open(":memory:", q, t.TempDir(), testSecret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	return g, q
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func doRequest(t *testing.T, handler http.Handler, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIntake_AcceptsSignedPayloadAndEnqueuesPlan(t *testing.T) {
	t.Parallel()
	g, q := newHarness(t)

	body, err := json.Marshal(IntakePayload{IssueID: 42, WorkflowTemplate: "full-sdlc"})
	require.NoError(t, err)

	rec := doRequest(t, g.Router(), "/intake", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	require.NotEmpty(t, resp["run_id"])

	entries, err := q.GetByRun(context.Background(), resp["run_id"])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].PhaseNumber)
	assert.Equal(t, queue.StatusReady, entries[0].Status)

	doc, err := g.states.Load(resp["run_id"])
	require.NoError(t, err)
	assert.EqualValues(t, 42, doc.IssueID)
	assert.Equal(t, "full-sdlc", doc.WorkflowTemplate)
}

func TestIntake_RejectsBadSignature(t *testing.T) {
	t.Parallel()
	g, _ := newHarness(t)

	body, err := json.Marshal(IntakePayload{IssueID: 42})
	require.NoError(t, err)

	rec := doRequest(t, g.Router(), "/intake", body, "sha256="+hex.EncodeToString([]byte("not-the-real-mac-not-the-real-mac-no!!")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIntake_MissingSignatureRejected(t *testing.T) {
	t.Parallel()
	g, _ := newHarness(t)

	body, err := json.Marshal(IntakePayload{IssueID: 42})
	require.NoError(t, err)

	rec := doRequest(t, g.Router(), "/intake", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIntake_DuplicateDeliveryWithinWindowIsDeduped(t *testing.T) {
	t.Parallel()
	g, q := newHarness(t)

	body, err := json.Marshal(IntakePayload{IssueID: 7})
	require.NoError(t, err)
	sig := sign(body)

	first := doRequest(t, g.Router(), "/intake", body, sig)
	require.Equal(t, http.StatusOK, first.Code)
	var firstResp map[string]string
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := doRequest(t, g.Router(), "/intake", body, sig)
	assert.Equal(t, http.StatusOK, second.Code)
	var secondResp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, "duplicate", secondResp["status"])

	entries, err := q.GetByRun(context.Background(), firstResp["run_id"])
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a duplicate delivery must not enqueue a second phase")
}

func TestWorkflowComplete_TransitionsQueueEntryAndUnblocksDependent(t *testing.T) {
	t.Parallel()
	g, q := newHarness(t)
	ctx := context.Background()

	planID, err := q.Enqueue(ctx, "run-1", 1, "Plan", nil)
	require.NoError(t, err)
	depPhase := 1
	validateID, err := q.Enqueue(ctx, "run-1", 2, "Validate", &depPhase)
	require.NoError(t, err)

	require.NoError(t, q.Transition(ctx, planID, queue.StatusReady, queue.StatusRunning, nil))

	payload := CompletePayload{RunID: "run-1", QueueID: planID, PhaseNumber: 1, Status: "completed"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := doRequest(t, g.Router(), "/workflow-complete", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	entry, err := q.GetByID(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, entry.Status)

	dependent, err := q.GetByID(ctx, validateID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusReady, dependent.Status)
}

func TestWorkflowComplete_DuplicateWithinWindowSkipsReapplyingTransition(t *testing.T) {
	t.Parallel()
	g, q := newHarness(t)
	ctx := context.Background()

	planID, err := q.Enqueue(ctx, "run-2", 1, "Plan", nil)
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, planID, queue.StatusReady, queue.StatusRunning, nil))

	payload := CompletePayload{RunID: "run-2", QueueID: planID, PhaseNumber: 1, Status: "completed"}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	sig := sign(body)

	first := doRequest(t, g.Router(), "/workflow-complete", body, sig)
	require.Equal(t, http.StatusOK, first.Code)

	// Replaying the identical delivery must not attempt a second "running ->
	// completed" transition, which would otherwise fail with ErrLostRace.
	second := doRequest(t, g.Router(), "/workflow-complete", body, sig)
	assert.Equal(t, http.StatusOK, second.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["status"])
}

func TestSweep_RemovesOnlyExpiredEvents(t *testing.T) {
	t.Parallel()
	g, _ := newHarness(t)
	ctx := context.Background()

	require.NoError(t, g.record(ctx, "fresh-id", SourceExternalIssue, "digest-a", "run-x", nil))

	stale := time.Now().Add(-RetentionPeriod - time.Hour).UTC()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO webhook_events (webhook_id, source, received_at, payload_digest, run_id, issue_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, "stale-id", SourceExternalIssue, stale, "digest-b", "run-y", nil)
	require.NoError(t, err)

	swept, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	dupFresh, err := g.alreadyProcessed(ctx, "fresh-id")
	require.NoError(t, err)
	assert.True(t, dupFresh)

	dupStale, err := g.alreadyProcessed(ctx, "stale-id")
	require.NoError(t, err)
	assert.False(t, dupStale)
}
