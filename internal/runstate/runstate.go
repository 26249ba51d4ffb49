// Package runstate implements the Run State Store: one JSON document per run
// under "<agents_dir>/<run_id>/state.json", holding per-phase execution
// context and outputs. Coordination status never lives here; that belongs to
// the Phase Queue.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// reservedFields lists Document keys the store refuses to accept through
// Update. Coordination state (status, current_phase) is the Phase Queue's
// sole responsibility; letting it leak into the state document would give
// two authorities for the same fact.
var reservedFields = map[string]bool{
	"status":        true,
	"current_phase": true,
}

// Document is the Run State Document for a single run. Fields are additive:
// once set by a phase, later phases only add further fields, never remove
// them, matching the append-only history requirement in the phase contract
// table.
type Document struct {
	RunID             string            `json:"run_id"`
	IssueID           int64             `json:"issue_id,omitempty"`
	WorkflowTemplate  string            `json:"workflow_template,omitempty"`
	PlanFilePath      string            `json:"plan_file_path,omitempty"`
	BranchName        string            `json:"branch_name,omitempty"`
	WorktreePath      string            `json:"worktree_path,omitempty"`
	IssueClass        string            `json:"issue_class,omitempty"`
	BackendPort       int               `json:"backend_port,omitempty"`
	FrontendPort      int               `json:"frontend_port,omitempty"`
	BaselineErrors    map[string]any    `json:"baseline_errors,omitempty"`
	ExternalBuild     map[string]any    `json:"external_build_results,omitempty"`
	LintResults       map[string]any    `json:"lint_results,omitempty"`
	TestResults       map[string]any    `json:"test_results,omitempty"`
	PRURL             string            `json:"pr_url,omitempty"`
	ReviewResults     map[string]any    `json:"review_results,omitempty"`
	DocFilesPaths     []string          `json:"doc_files_paths,omitempty"`
	ShippedAt         *time.Time        `json:"shipped_at,omitempty"`
	MergeCommitSHA    string            `json:"merge_commit_sha,omitempty"`
	CleanupSummary    map[string]any    `json:"cleanup_summary,omitempty"`
	VerificationRes   map[string]any    `json:"verification_results,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Extra             map[string]any    `json:"extra,omitempty"`
}

// Store manages Run State Documents under a base directory, one subdirectory
// per run_id. Writes are serialized per-run by a per-run mutex and made
// durable through the write-temp-then-rename idiom.
type Store struct {
	baseDir string

	mu      sync.Mutex // guards runLocks map
	runLock map[string]*sync.Mutex
}

// New creates a Store rooted at baseDir (the project's agents_dir).
func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		runLock: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.runLock[runID]
	if !ok {
		l = &sync.Mutex{}
		s.runLock[runID] = l
	}
	return l
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.baseDir, runID, "state.json")
}

// Load reads the Run State Document for runID. If no document exists yet, it
// returns a zero-value Document with RunID populated (not an error) — the
// Plan phase is expected to be the first writer.
func (s *Store) Load(runID string) (*Document, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()
	return s.load(runID)
}

func (s *Store) load(runID string) (*Document, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{RunID: runID}, nil
		}
		return nil, fmt.Errorf("runstate: loading %q: %w", runID, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("runstate: decoding %q: %w", runID, err)
	}
	return &doc, nil
}

// Update merges fields into the existing document for runID and writes it
// atomically. fields is applied on top of a struct-to-map projection of the
// current document so repeated calls are additive; reserved coordination
// keys are rejected outright.
func (s *Store) Update(runID string, fields map[string]any) error {
	for k := range fields {
		if reservedFields[k] {
			return fmt.Errorf("runstate: field %q is reserved for the phase queue", k)
		}
	}

	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.load(runID)
	if err != nil {
		return err
	}

	merged, err := mergeFields(doc, fields)
	if err != nil {
		return fmt.Errorf("runstate: merging fields for %q: %w", runID, err)
	}
	merged.RunID = runID
	merged.UpdatedAt = time.Now().UTC()

	return s.writeAtomic(runID, merged)
}

// Save writes doc verbatim, tagging UpdatedAt. checkpointTag is accepted for
// call-site documentation purposes (e.g. "post-build") and is not persisted
// as a distinct field; the audit trail of checkpoints lives in the Phase
// Queue and History Recorder, not here.
func (s *Store) Save(runID string, doc *Document, checkpointTag string) error {
	_ = checkpointTag

	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	doc.RunID = runID
	doc.UpdatedAt = time.Now().UTC()
	return s.writeAtomic(runID, doc)
}

// mergeFields re-marshals doc to a map, applies fields on top (last write
// wins per key, matching §3's "Update is additive" semantics), and decodes
// back into a Document.
func mergeFields(doc *Document, fields map[string]any) (*Document, error) {
	base, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(base, &asMap); err != nil {
		return nil, err
	}
	for k, v := range fields {
		asMap[k] = v
	}
	merged, err := json.Marshal(asMap)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// writeAtomic serializes doc to "<baseDir>/<runID>/state.json" using a
// temp-file-then-rename write so readers never observe a torn document.
func (s *Store) writeAtomic(runID string, doc *Document) error {
	dir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runstate: creating run directory %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: encoding document: %w", err)
	}

	target := s.path(runID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstate: writing temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("runstate: renaming temp file to %q: %w", target, err)
	}
	return nil
}
