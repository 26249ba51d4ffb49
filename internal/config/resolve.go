package config

// ConfigSource identifies where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates the value came from built-in defaults.
	SourceDefault ConfigSource = "default"
	// SourceFile indicates the value came from the adw.toml config file.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates the value came from an environment variable.
	SourceEnv ConfigSource = "env"
	// SourceCLI indicates the value came from a CLI flag.
	SourceCLI ConfigSource = "cli"
)

// ResolvedConfig holds the fully-resolved configuration with source tracking.
// The Config field contains the merged values; Sources tracks where each came from.
type ResolvedConfig struct {
	Config  *Config
	Sources map[string]ConfigSource // key is dotted path, e.g., "project.name"
	Path    string                  // path to the config file used (empty if none)
}

// CLIOverrides captures flag values that can override configuration. Nil
// fields mean "not set" (do not override). A *string that is nil means "not
// overridden"; a *string pointing to "" means "override to empty string."
//
// These mirror the knobs operators most often need to flip at invocation
// time without editing adw.toml: where the orchestrator listens, which VCS
// token to use, and the model/effort of every configured agent.
type CLIOverrides struct {
	ProjectName    *string
	LogDir         *string
	WebhookAddr    *string
	BroadcastAddr  *string
	VCSToken       *string
	AgentModel     *string
	AgentEffort    *string
	MaxConcurrency *int
}

// EnvFunc is a function that looks up environment variables.
// Default implementation is os.LookupEnv. Injected for testability.
type EnvFunc func(key string) (string, bool)

// Resolve merges configuration from all sources in priority order:
// CLI flags > environment variables > config file > defaults.
//
// Parameters:
//   - defaults: built-in default config (from NewDefaults())
//   - fileConfig: parsed config from adw.toml (nil if no file found)
//   - envFn: function to look up environment variables
//   - overrides: CLI flag values (nil fields mean "not set")
//
// Returns the fully-resolved config with source annotations.
func Resolve(defaults *Config, fileConfig *Config, envFn EnvFunc, overrides *CLIOverrides) *ResolvedConfig {
	rc := &ResolvedConfig{
		Config:  &Config{},
		Sources: make(map[string]ConfigSource),
	}

	if defaults == nil {
		defaults = &Config{}
	}
	if envFn == nil {
		envFn = func(string) (string, bool) { return "", false }
	}
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	// Layer 1: start with defaults as the base.
	*rc.Config = *defaults
	resolveAgentsFromDefaults(rc, defaults)
	markDefaultSources(rc)

	// Layer 2: merge file config on top.
	if fileConfig != nil {
		resolveProjectFromFile(rc, fileConfig)
		resolveQueueFromFile(rc, fileConfig)
		resolveAllocatorFromFile(rc, fileConfig)
		resolveWebhookFromFile(rc, fileConfig)
		resolveBroadcastFromFile(rc, fileConfig)
		resolveHistoryFromFile(rc, fileConfig)
		resolveVCSFromFile(rc, fileConfig)
		resolveAgentsFromFile(rc, fileConfig)
	}

	// Layer 3: merge environment variables on top.
	resolveFromEnv(rc, envFn)

	// Layer 4: merge CLI overrides on top.
	resolveFromCLI(rc, overrides)

	return rc
}

// --- Layer 1: Defaults ---

func resolveAgentsFromDefaults(rc *ResolvedConfig, defaults *Config) {
	rc.Config.Agents = make(map[string]AgentConfig, len(defaults.Agents))
	for name, agent := range defaults.Agents {
		rc.Config.Agents[name] = agent
		setAgentSources(rc.Sources, name, SourceDefault)
	}
}

// markDefaultSources records the listed field paths as default-sourced
// before any file/env/CLI layer has had a chance to override them. Fields
// not in the list get no Sources entry from this layer.
func markDefaultSources(rc *ResolvedConfig) {
	for _, path := range []string{
		"project.name", "project.repo_path", "project.default_branch",
		"project.worktree_base", "project.agents_dir", "project.log_dir",
		"project.default_agent", "project.branch_template",
		"queue.database_path", "queue.max_phase_retry_attempts",
		"queue.max_external_attempts", "queue.max_identical_error_repeats",
		"queue.max_concurrent_runs", "queue.default_phase_timeout",
		"allocator.backend_port_range", "allocator.frontend_port_range",
		"webhook.listen_addr", "webhook.secret", "webhook.dedup_window",
		"broadcast.listen_addr", "history.database_path",
		"vcs.base_url", "vcs.token", "vcs.owner", "vcs.repo",
	} {
		rc.Sources[path] = SourceDefault
	}
}

// --- Layer 2: File ---

func resolveProjectFromFile(rc *ResolvedConfig, file *Config) {
	p := &rc.Config.Project
	f := &file.Project

	mergeString(&p.Name, f.Name, "project.name", SourceFile, rc.Sources)
	mergeString(&p.RepoPath, f.RepoPath, "project.repo_path", SourceFile, rc.Sources)
	mergeString(&p.DefaultBranch, f.DefaultBranch, "project.default_branch", SourceFile, rc.Sources)
	mergeString(&p.WorktreeBase, f.WorktreeBase, "project.worktree_base", SourceFile, rc.Sources)
	mergeString(&p.AgentsDir, f.AgentsDir, "project.agents_dir", SourceFile, rc.Sources)
	mergeString(&p.LogDir, f.LogDir, "project.log_dir", SourceFile, rc.Sources)
	mergeString(&p.DefaultAgent, f.DefaultAgent, "project.default_agent", SourceFile, rc.Sources)
	mergeString(&p.BranchTemplate, f.BranchTemplate, "project.branch_template", SourceFile, rc.Sources)
}

func resolveQueueFromFile(rc *ResolvedConfig, file *Config) {
	q := &rc.Config.Queue
	f := &file.Queue

	mergeString(&q.DatabasePath, f.DatabasePath, "queue.database_path", SourceFile, rc.Sources)
	mergeInt(&q.MaxPhaseRetryAttempts, f.MaxPhaseRetryAttempts, "queue.max_phase_retry_attempts", SourceFile, rc.Sources)
	mergeInt(&q.MaxExternalAttempts, f.MaxExternalAttempts, "queue.max_external_attempts", SourceFile, rc.Sources)
	mergeInt(&q.MaxIdenticalErrorRepeats, f.MaxIdenticalErrorRepeats, "queue.max_identical_error_repeats", SourceFile, rc.Sources)
	mergeInt(&q.MaxConcurrentRuns, f.MaxConcurrentRuns, "queue.max_concurrent_runs", SourceFile, rc.Sources)
	if f.DefaultPhaseTimeout != 0 {
		q.DefaultPhaseTimeout = f.DefaultPhaseTimeout
		rc.Sources["queue.default_phase_timeout"] = SourceFile
	}
}

func resolveAllocatorFromFile(rc *ResolvedConfig, file *Config) {
	if file.Allocator.BackendPortMin != 0 {
		rc.Config.Allocator.BackendPortMin = file.Allocator.BackendPortMin
		rc.Config.Allocator.BackendPortMax = file.Allocator.BackendPortMax
		rc.Sources["allocator.backend_port_range"] = SourceFile
	}
	if file.Allocator.FrontendPortMin != 0 {
		rc.Config.Allocator.FrontendPortMin = file.Allocator.FrontendPortMin
		rc.Config.Allocator.FrontendPortMax = file.Allocator.FrontendPortMax
		rc.Sources["allocator.frontend_port_range"] = SourceFile
	}
}

func resolveWebhookFromFile(rc *ResolvedConfig, file *Config) {
	w := &rc.Config.Webhook
	f := &file.Webhook

	mergeString(&w.ListenAddr, f.ListenAddr, "webhook.listen_addr", SourceFile, rc.Sources)
	mergeString(&w.Secret, f.Secret, "webhook.secret", SourceFile, rc.Sources)
	if f.DedupWindow != 0 {
		w.DedupWindow = f.DedupWindow
		rc.Sources["webhook.dedup_window"] = SourceFile
	}
	if f.DedupRetention != 0 {
		w.DedupRetention = f.DedupRetention
	}
	if len(f.AllowedOrigins) > 0 {
		w.AllowedOrigins = append([]string(nil), f.AllowedOrigins...)
	}
}

func resolveBroadcastFromFile(rc *ResolvedConfig, file *Config) {
	b := &rc.Config.Broadcast
	f := &file.Broadcast

	mergeString(&b.ListenAddr, f.ListenAddr, "broadcast.listen_addr", SourceFile, rc.Sources)
	if f.ReconnectBaseWait != 0 {
		b.ReconnectBaseWait = f.ReconnectBaseWait
	}
	if f.ReconnectMaxWait != 0 {
		b.ReconnectMaxWait = f.ReconnectMaxWait
	}
	if f.ReconnectMaxTries != 0 {
		b.ReconnectMaxTries = f.ReconnectMaxTries
	}
}

func resolveHistoryFromFile(rc *ResolvedConfig, file *Config) {
	mergeString(&rc.Config.History.DatabasePath, file.History.DatabasePath, "history.database_path", SourceFile, rc.Sources)
}

func resolveVCSFromFile(rc *ResolvedConfig, file *Config) {
	v := &rc.Config.VCS
	f := &file.VCS

	mergeString(&v.BaseURL, f.BaseURL, "vcs.base_url", SourceFile, rc.Sources)
	mergeString(&v.Token, f.Token, "vcs.token", SourceFile, rc.Sources)
	mergeString(&v.Owner, f.Owner, "vcs.owner", SourceFile, rc.Sources)
	mergeString(&v.Repo, f.Repo, "vcs.repo", SourceFile, rc.Sources)
	mergeInt(&v.RateLimitPerHour, f.RateLimitPerHour, "vcs.rate_limit_per_hour", SourceFile, rc.Sources)
	if f.RequestTimeout != 0 {
		v.RequestTimeout = f.RequestTimeout
	}
	mergeInt(&v.MaxRetryAttempts, f.MaxRetryAttempts, "vcs.max_retry_attempts", SourceFile, rc.Sources)
}

func resolveAgentsFromFile(rc *ResolvedConfig, file *Config) {
	for name, agent := range file.Agents {
		rc.Config.Agents[name] = agent
		setAgentSources(rc.Sources, name, SourceFile)
	}
}

// --- Layer 3: Environment ---

// Environment variable mapping:
//
//	ADW_PROJECT_NAME    -> project.name
//	ADW_LOG_DIR         -> project.log_dir
//	ADW_WEBHOOK_ADDR    -> webhook.listen_addr
//	ADW_BROADCAST_ADDR  -> broadcast.listen_addr
//	ADW_VCS_TOKEN       -> vcs.token
//	ADW_AGENT_MODEL     -> agents.*.model (applies to all configured agents)
//	ADW_AGENT_EFFORT    -> agents.*.effort (applies to all configured agents)
func resolveFromEnv(rc *ResolvedConfig, envFn EnvFunc) {
	if val, ok := envFn("ADW_PROJECT_NAME"); ok {
		rc.Config.Project.Name = val
		rc.Sources["project.name"] = SourceEnv
	}
	if val, ok := envFn("ADW_LOG_DIR"); ok {
		rc.Config.Project.LogDir = val
		rc.Sources["project.log_dir"] = SourceEnv
	}
	if val, ok := envFn("ADW_WEBHOOK_ADDR"); ok {
		rc.Config.Webhook.ListenAddr = val
		rc.Sources["webhook.listen_addr"] = SourceEnv
	}
	if val, ok := envFn("ADW_BROADCAST_ADDR"); ok {
		rc.Config.Broadcast.ListenAddr = val
		rc.Sources["broadcast.listen_addr"] = SourceEnv
	}
	if val, ok := envFn("ADW_VCS_TOKEN"); ok {
		rc.Config.VCS.Token = val
		rc.Sources["vcs.token"] = SourceEnv
	}

	modelVal, modelSet := envFn("ADW_AGENT_MODEL")
	effortVal, effortSet := envFn("ADW_AGENT_EFFORT")
	if modelSet || effortSet {
		for name, agent := range rc.Config.Agents {
			if modelSet {
				agent.Model = modelVal
				rc.Sources["agents."+name+".model"] = SourceEnv
			}
			if effortSet {
				agent.Effort = effortVal
				rc.Sources["agents."+name+".effort"] = SourceEnv
			}
			rc.Config.Agents[name] = agent
		}
	}
}

// --- Layer 4: CLI overrides ---

func resolveFromCLI(rc *ResolvedConfig, overrides *CLIOverrides) {
	if overrides.ProjectName != nil {
		rc.Config.Project.Name = *overrides.ProjectName
		rc.Sources["project.name"] = SourceCLI
	}
	if overrides.LogDir != nil {
		rc.Config.Project.LogDir = *overrides.LogDir
		rc.Sources["project.log_dir"] = SourceCLI
	}
	if overrides.WebhookAddr != nil {
		rc.Config.Webhook.ListenAddr = *overrides.WebhookAddr
		rc.Sources["webhook.listen_addr"] = SourceCLI
	}
	if overrides.BroadcastAddr != nil {
		rc.Config.Broadcast.ListenAddr = *overrides.BroadcastAddr
		rc.Sources["broadcast.listen_addr"] = SourceCLI
	}
	if overrides.VCSToken != nil {
		rc.Config.VCS.Token = *overrides.VCSToken
		rc.Sources["vcs.token"] = SourceCLI
	}
	if overrides.MaxConcurrency != nil {
		rc.Config.Queue.MaxConcurrentRuns = *overrides.MaxConcurrency
		rc.Sources["queue.max_concurrent_runs"] = SourceCLI
	}

	if overrides.AgentModel != nil || overrides.AgentEffort != nil {
		for name, agent := range rc.Config.Agents {
			if overrides.AgentModel != nil {
				agent.Model = *overrides.AgentModel
				rc.Sources["agents."+name+".model"] = SourceCLI
			}
			if overrides.AgentEffort != nil {
				agent.Effort = *overrides.AgentEffort
				rc.Sources["agents."+name+".effort"] = SourceCLI
			}
			rc.Config.Agents[name] = agent
		}
	}
}

// --- Helpers ---

// mergeString overwrites the target only if value is non-empty. An empty
// string in the file layer means "not set in file", so it must not override
// whatever the previous layer established.
func mergeString(target *string, value string, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != "" {
		*target = value
		sources[path] = source
	}
}

// mergeInt overwrites the target only if value is non-zero.
func mergeInt(target *int, value int, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != 0 {
		*target = value
		sources[path] = source
	}
}

// setAgentSources records the source for all fields of a named agent.
func setAgentSources(sources map[string]ConfigSource, name string, source ConfigSource) {
	prefix := "agents." + name
	sources[prefix+".command"] = source
	sources[prefix+".model"] = source
	sources[prefix+".effort"] = source
	sources[prefix+".prompt_template"] = source
	sources[prefix+".allowed_tools"] = source
}
