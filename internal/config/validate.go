package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ValidationSeverity indicates whether a validation issue is an error or warning.
type ValidationSeverity string

const (
	// SeverityError indicates a fatal validation issue; the configuration is unusable.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates an informational validation issue; the configuration works
	// but may have problems.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity
	Field    string // dotted path, e.g., "project.name"
	Message  string
}

// ValidationResult holds all validation findings.
type ValidationResult struct {
	Issues []ValidationIssue
}

// HasErrors returns true if any issue has error severity.
func (vr *ValidationResult) HasErrors() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any issue has warning severity.
func (vr *ValidationResult) HasWarnings() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Errors returns only error-severity issues.
func (vr *ValidationResult) Errors() []ValidationIssue {
	var errs []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	return errs
}

// Warnings returns only warning-severity issues.
func (vr *ValidationResult) Warnings() []ValidationIssue {
	var warns []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}
	return warns
}

// validEfforts is the set of valid values for agent effort.
var validEfforts = map[string]bool{
	"":       true,
	"low":    true,
	"medium": true,
	"high":   true,
}

// Validate checks the configuration for correctness and completeness.
//
// Parameters:
//   - cfg: the configuration to validate
//   - meta: TOML metadata from BurntSushi/toml (may be nil if no file was loaded)
//
// Returns validation results. Check HasErrors() to determine if the config is usable.
func Validate(cfg *Config, meta *toml.MetaData) *ValidationResult {
	vr := &ValidationResult{}

	if cfg == nil {
		addError(vr, "", "configuration is nil")
		return vr
	}

	validateQueue(vr, &cfg.Queue)
	validateAllocator(vr, &cfg.Allocator)
	validateAgents(vr, cfg.Agents)
	validateVCS(vr, &cfg.VCS)
	validateUnknownKeys(vr, meta)

	return vr
}

// validateQueue checks the [queue] section for errors.
func validateQueue(vr *ValidationResult, q *QueueConfig) {
	if q.MaxPhaseRetryAttempts < 0 {
		addError(vr, "queue.max_phase_retry_attempts", "must not be negative")
	}
	if q.MaxExternalAttempts < 0 {
		addError(vr, "queue.max_external_attempts", "must not be negative")
	}
	if q.MaxIdenticalErrorRepeats < 0 {
		addError(vr, "queue.max_identical_error_repeats", "must not be negative")
	}
	if q.MaxConcurrentRuns < 0 {
		addError(vr, "queue.max_concurrent_runs", "must not be negative")
	}
}

// validateAllocator checks the [allocator] section: port ranges must be
// well-formed and fall within the 1-65535 range.
func validateAllocator(vr *ValidationResult, a *AllocatorConfig) {
	checkRange := func(field string, min, max int) {
		if min == 0 && max == 0 {
			return
		}
		if min <= 0 || max <= 0 || min > max {
			addError(vr, field, fmt.Sprintf("invalid port range [%d, %d]", min, max))
			return
		}
		if max > 65535 {
			addError(vr, field, fmt.Sprintf("port %d exceeds 65535", max))
		}
	}
	checkRange("allocator.backend_port_range", a.BackendPortMin, a.BackendPortMax)
	checkRange("allocator.frontend_port_range", a.FrontendPortMin, a.FrontendPortMax)
}

// validateAgents checks all [agents.*] sections.
func validateAgents(vr *ValidationResult, agents map[string]AgentConfig) {
	for name, agent := range agents {
		prefix := "agents." + name

		if agent.Command == "" {
			addError(vr, prefix+".command", "must not be empty")
		}
		if !validEfforts[agent.Effort] {
			addError(vr, prefix+".effort",
				fmt.Sprintf("unrecognized effort %q; must be one of: low, medium, high, or empty", agent.Effort))
		}
	}
}

// validateVCS checks the [vcs] section.
func validateVCS(vr *ValidationResult, v *VCSConfig) {
	if v.BaseURL == "" {
		return // VCS port is optional until Review/Ship phases are reached.
	}
	if v.Owner == "" {
		addError(vr, "vcs.owner", "must not be empty when vcs.base_url is set")
	}
	if v.Repo == "" {
		addError(vr, "vcs.repo", "must not be empty when vcs.base_url is set")
	}
	if v.RateLimitPerHour < 0 {
		addError(vr, "vcs.rate_limit_per_hour", "must not be negative")
	}
}

// validateUnknownKeys checks for TOML keys that did not map to any config struct field.
func validateUnknownKeys(vr *ValidationResult, meta *toml.MetaData) {
	if meta == nil {
		return
	}

	for _, key := range meta.Undecoded() {
		path := strings.Join(key, ".")
		addWarning(vr, path, "unknown configuration key")
	}
}

// addError appends an error-severity issue to the validation result.
func addError(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityError,
		Field:    field,
		Message:  message,
	})
}

// addWarning appends a warning-severity issue to the validation result.
func addWarning(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityWarning,
		Field:    field,
		Message:  message,
	})
}
