package config

import "time"

// NewDefaults returns a Config populated with the orchestrator's built-in
// defaults, matching the environment knobs listed in spec.md §6.
func NewDefaults() *Config {
	return &Config{
		Project: ProjectConfig{
			DefaultBranch:  "main",
			WorktreeBase:   "worktree_base",
			AgentsDir:      "agents",
			LogDir:         "logs",
			DefaultAgent:   "claude",
			BranchTemplate: "adw/{run_id}",
		},
		Queue: QueueConfig{
			DatabasePath:             "agents/adw.db",
			MaxPhaseRetryAttempts:    3,
			MaxExternalAttempts:      3,
			MaxIdenticalErrorRepeats: 4,
			MaxConcurrentRuns:        4,
			DefaultPhaseTimeout:      30 * time.Minute,
		},
		Allocator: AllocatorConfig{
			BackendPortMin:  9100,
			BackendPortMax:  9114,
			FrontendPortMin: 9200,
			FrontendPortMax: 9214,
		},
		Webhook: WebhookConfig{
			ListenAddr:     ":8787",
			DedupWindow:    30 * time.Second,
			DedupRetention: 7 * 24 * time.Hour,
		},
		Broadcast: BroadcastConfig{
			ListenAddr:        ":8788",
			ReconnectBaseWait: time.Second,
			ReconnectMaxWait:  30 * time.Second,
			ReconnectMaxTries: 10,
		},
		History: HistoryConfig{
			DatabasePath: "agents/adw.db",
		},
		Agents: map[string]AgentConfig{},
		VCS: VCSConfig{
			RateLimitPerHour: 5000,
			RequestTimeout:   30 * time.Second,
			MaxRetryAttempts: 3,
		},
	}
}
