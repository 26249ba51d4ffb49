// Package validator implements the pre/post-phase contract checker. Each of
// the ten phases has a static contract of Requires/Produces fields against
// the Run State Document; the validator checks presence, type, filesystem
// existence for path-typed fields, and port range bounds.
package validator

import (
	"fmt"
	"os"
	"reflect"

	"github.com/adw-run/adw/internal/adwerr"
	"github.com/adw-run/adw/internal/runstate"
)

// FailureMode is the reason a single field check failed.
type FailureMode string

const (
	MissingInput FailureMode = "MissingInput"
	WrongType    FailureMode = "WrongType"
	PathNotFound FailureMode = "PathNotFound"
	OutOfRange   FailureMode = "OutOfRange"
)

// Field describes one field a contract requires or produces.
type Field struct {
	Name string
	Kind FieldKind
}

// FieldKind tells the validator how to check a field's value.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindPath   // string field whose value must exist on disk
	KindPort   // int field whose value must be a valid TCP port
	KindMap    // map[string]any field, presence-only
	KindSlice  // []string field, presence-only
)

// Contract is the Requires/Produces pair for one phase.
type Contract struct {
	PhaseNumber int
	PhaseName   string
	Requires    []Field
	Produces    []Field
}

// Violation is a single failed field check.
type Violation struct {
	Field string
	Mode  FailureMode
	Msg   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Mode, v.Msg)
}

// Contracts is the authoritative phase-contract table from the phase
// contract summary: field names match the Run State Document's JSON tags.
var Contracts = map[int]Contract{
	1: {
		PhaseNumber: 1, PhaseName: "Plan",
		Requires: []Field{{"issue_id", KindInt}},
		Produces: []Field{
			{"plan_file_path", KindPath}, {"branch_name", KindString},
			{"worktree_path", KindPath}, {"backend_port", KindPort},
			{"frontend_port", KindPort}, {"issue_class", KindString},
			{"workflow_template", KindString},
		},
	},
	2: {
		PhaseNumber: 2, PhaseName: "Validate",
		Requires: []Field{
			{"worktree_path", KindPath}, {"plan_file_path", KindPath},
		},
		Produces: []Field{{"baseline_errors", KindMap}},
	},
	3: {
		PhaseNumber: 3, PhaseName: "Build",
		Requires: []Field{
			{"plan_file_path", KindPath}, {"worktree_path", KindPath},
			{"baseline_errors", KindMap}, {"backend_port", KindPort},
			{"frontend_port", KindPort},
		},
		Produces: []Field{{"external_build_results", KindMap}},
	},
	4: {
		PhaseNumber: 4, PhaseName: "Lint",
		Requires: []Field{{"worktree_path", KindPath}},
		Produces: []Field{{"lint_results", KindMap}},
	},
	5: {
		PhaseNumber: 5, PhaseName: "Test",
		Requires: []Field{
			{"worktree_path", KindPath}, {"backend_port", KindPort},
			{"frontend_port", KindPort},
		},
		Produces: []Field{{"test_results", KindMap}},
	},
	6: {
		PhaseNumber: 6, PhaseName: "Review",
		Requires: []Field{{"branch_name", KindString}, {"issue_id", KindInt}},
		Produces: []Field{{"pr_url", KindString}, {"review_results", KindMap}},
	},
	7: {
		PhaseNumber: 7, PhaseName: "Document",
		Requires: []Field{{"plan_file_path", KindPath}, {"worktree_path", KindPath}},
		Produces: []Field{{"doc_files_paths", KindSlice}},
	},
	8: {
		PhaseNumber: 8, PhaseName: "Ship",
		Requires: []Field{{"pr_url", KindString}, {"branch_name", KindString}},
		Produces: []Field{{"shipped_at", KindString}, {"merge_commit_sha", KindString}},
	},
	9: {
		PhaseNumber: 9, PhaseName: "Cleanup",
		Requires: []Field{{"worktree_path", KindPath}},
		Produces: []Field{{"cleanup_summary", KindMap}},
	},
	10: {
		PhaseNumber: 10, PhaseName: "Verify",
		Requires: []Field{{"merge_commit_sha", KindString}, {"issue_id", KindInt}},
		Produces: []Field{{"verification_results", KindMap}},
	},
}

// Validator checks Run State Documents against the Contracts table.
type Validator struct{}

// New returns a Validator. It holds no state: contracts are a package-level
// static table and field values come from the Document passed to each call.
func New() *Validator { return &Validator{} }

// CheckPre validates a phase's Requires fields against doc before the phase
// is allowed to run. A non-empty violation list means the caller must abort
// with adwerr.ContractBreach without invoking the phase's work.
func (v *Validator) CheckPre(phaseNumber int, doc *runstate.Document) []Violation {
	contract, ok := Contracts[phaseNumber]
	if !ok {
		return []Violation{{Field: "phase", Mode: MissingInput, Msg: fmt.Sprintf("no contract for phase %d", phaseNumber)}}
	}
	return checkFields(contract.Requires, doc)
}

// CheckPost validates a phase's Produces fields against doc after the phase
// claims to have finished successfully.
func (v *Validator) CheckPost(phaseNumber int, doc *runstate.Document) []Violation {
	contract, ok := Contracts[phaseNumber]
	if !ok {
		return []Violation{{Field: "phase", Mode: MissingInput, Msg: fmt.Sprintf("no contract for phase %d", phaseNumber)}}
	}
	return checkFields(contract.Produces, doc)
}

// AsError converts a non-empty violation list into a *adwerr.PhaseError with
// Kind ContractBreach. Callers should only call this when len(violations) > 0.
func AsError(runID string, phaseNumber int, violations []Violation) *adwerr.PhaseError {
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.String())
	}
	return adwerr.New(adwerr.ContractBreach, runID, phaseNumber, fmt.Errorf("%v", msgs))
}

func checkFields(fields []Field, doc *runstate.Document) []Violation {
	m := toMap(doc)
	var violations []Violation

	for _, f := range fields {
		val, present := m[f.Name]
		if !present || isZero(val) {
			violations = append(violations, Violation{Field: f.Name, Mode: MissingInput, Msg: "field is missing or empty"})
			continue
		}

		switch f.Kind {
		case KindString:
			if _, ok := val.(string); !ok {
				violations = append(violations, Violation{Field: f.Name, Mode: WrongType, Msg: "expected string"})
			}
		case KindInt:
			if !isNumeric(val) {
				violations = append(violations, Violation{Field: f.Name, Mode: WrongType, Msg: "expected integer"})
			}
		case KindPath:
			s, ok := val.(string)
			if !ok {
				violations = append(violations, Violation{Field: f.Name, Mode: WrongType, Msg: "expected string path"})
				continue
			}
			if _, err := os.Stat(s); err != nil {
				violations = append(violations, Violation{Field: f.Name, Mode: PathNotFound, Msg: s})
			}
		case KindPort:
			if !isNumeric(val) {
				violations = append(violations, Violation{Field: f.Name, Mode: WrongType, Msg: "expected integer port"})
				continue
			}
			port := toInt(val)
			if port < 1 || port > 65535 {
				violations = append(violations, Violation{Field: f.Name, Mode: OutOfRange, Msg: fmt.Sprintf("port %d out of range", port)})
			}
		case KindMap:
			if _, ok := val.(map[string]any); !ok {
				violations = append(violations, Violation{Field: f.Name, Mode: WrongType, Msg: "expected object"})
			}
		case KindSlice:
			if _, ok := val.([]string); !ok {
				if _, ok := val.([]any); !ok {
					violations = append(violations, Violation{Field: f.Name, Mode: WrongType, Msg: "expected list"})
				}
			}
		}
	}
	return violations
}

// isZero reports whether v should be treated as "missing" for a Requires/
// Produces check. Map and slice fields come out of toMap as typed nils
// (e.g. map[string]any(nil) boxed into any) when a phase never set them, so
// a plain "case nil" switch never matches -- reflection is needed to see
// through the concrete type to the underlying nil.
func isZero(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case nil:
		return true
	}

	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

// toMap projects a Document's relevant fields into a name -> value map using
// the same field names as the JSON tags, so the contract table can be kept
// in one place regardless of Go field naming.
func toMap(doc *runstate.Document) map[string]any {
	return map[string]any{
		"issue_id":                doc.IssueID,
		"workflow_template":       doc.WorkflowTemplate,
		"plan_file_path":          doc.PlanFilePath,
		"branch_name":             doc.BranchName,
		"worktree_path":           doc.WorktreePath,
		"issue_class":             doc.IssueClass,
		"backend_port":            doc.BackendPort,
		"frontend_port":           doc.FrontendPort,
		"baseline_errors":         doc.BaselineErrors,
		"external_build_results":  doc.ExternalBuild,
		"lint_results":            doc.LintResults,
		"test_results":            doc.TestResults,
		"pr_url":                  doc.PRURL,
		"review_results":          doc.ReviewResults,
		"doc_files_paths":         doc.DocFilesPaths,
		"shipped_at":              shippedAtString(doc),
		"merge_commit_sha":        doc.MergeCommitSHA,
		"cleanup_summary":         doc.CleanupSummary,
		"verification_results":    doc.VerificationRes,
	}
}

func shippedAtString(doc *runstate.Document) string {
	if doc.ShippedAt == nil {
		return ""
	}
	return doc.ShippedAt.String()
}
