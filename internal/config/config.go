// Package config loads and validates adw.toml, the ADW orchestrator's
// project-level configuration file.
package config

import "time"

// Config is the top-level configuration structure mapping to adw.toml.
type Config struct {
	Project   ProjectConfig          `toml:"project"`
	Queue     QueueConfig            `toml:"queue"`
	Allocator AllocatorConfig        `toml:"allocator"`
	Webhook   WebhookConfig          `toml:"webhook"`
	Broadcast BroadcastConfig        `toml:"broadcast"`
	History   HistoryConfig          `toml:"history"`
	Agents    map[string]AgentConfig `toml:"agents"`
	VCS       VCSConfig              `toml:"vcs"`
}

// ProjectConfig maps to the [project] section in adw.toml.
type ProjectConfig struct {
	Name           string `toml:"name"`
	RepoPath       string `toml:"repo_path"`
	DefaultBranch  string `toml:"default_branch"`
	WorktreeBase   string `toml:"worktree_base"`
	AgentsDir      string `toml:"agents_dir"`
	LogDir         string `toml:"log_dir"`
	DefaultAgent   string `toml:"default_agent"`
	BranchTemplate string `toml:"branch_template"`
}

// QueueConfig maps to the [queue] section. It governs retry/circuit-breaker
// thresholds and the database backing the Phase Queue.
type QueueConfig struct {
	DatabasePath             string        `toml:"database_path"`
	MaxPhaseRetryAttempts    int           `toml:"max_phase_retry_attempts"`
	MaxExternalAttempts      int           `toml:"max_external_attempts"`
	MaxIdenticalErrorRepeats int           `toml:"max_identical_error_repeats"`
	MaxConcurrentRuns        int           `toml:"max_concurrent_runs"`
	DefaultPhaseTimeout      time.Duration `toml:"default_phase_timeout"`
}

// AllocatorConfig maps to the [allocator] section: the backend/frontend port
// ranges managed by the Resource Allocator.
type AllocatorConfig struct {
	BackendPortMin  int `toml:"backend_port_min"`
	BackendPortMax  int `toml:"backend_port_max"`
	FrontendPortMin int `toml:"frontend_port_min"`
	FrontendPortMax int `toml:"frontend_port_max"`
}

// WebhookConfig maps to the [webhook] section.
type WebhookConfig struct {
	ListenAddr      string        `toml:"listen_addr"`
	Secret          string        `toml:"secret"`
	DedupWindow     time.Duration `toml:"dedup_window"`
	DedupRetention  time.Duration `toml:"dedup_retention"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
}

// BroadcastConfig maps to the [broadcast] section.
type BroadcastConfig struct {
	ListenAddr        string        `toml:"listen_addr"`
	ReconnectBaseWait time.Duration `toml:"reconnect_base_wait"`
	ReconnectMaxWait  time.Duration `toml:"reconnect_max_wait"`
	ReconnectMaxTries int           `toml:"reconnect_max_tries"`
}

// HistoryConfig maps to the [history] section.
type HistoryConfig struct {
	DatabasePath string `toml:"database_path"`
}

// AgentConfig maps to an [agents.<name>] section in adw.toml.
type AgentConfig struct {
	Command        string `toml:"command"`
	Model          string `toml:"model"`
	Effort         string `toml:"effort"`
	PromptTemplate string `toml:"prompt_template"`
	AllowedTools   string `toml:"allowed_tools"`
}

// VCSConfig maps to the [vcs] section: the external issue-tracker/VCS port.
type VCSConfig struct {
	BaseURL          string        `toml:"base_url"`
	Token            string        `toml:"token"`
	Owner            string        `toml:"owner"`
	Repo             string        `toml:"repo"`
	RateLimitPerHour int           `toml:"rate_limit_per_hour"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	MaxRetryAttempts int           `toml:"max_retry_attempts"`
}
