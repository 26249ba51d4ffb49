package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the name of the ADW orchestrator configuration file.
const ConfigFileName = "adw.toml"

// FindConfigFile walks up from the given directory to find adw.toml.
// Returns the absolute path to the config file, or an empty string if not
// found. Stops at the filesystem root.
func FindConfigFile(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root.
			return "", nil
		}
		dir = parent
	}
}

// LoadFromFile parses the TOML file at the given path and returns the
// configuration and TOML metadata. The metadata can be used to detect
// unknown keys via MetaData.Undecoded().
func LoadFromFile(path string) (*Config, toml.MetaData, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, md, fmt.Errorf("loading config %s: %w", path, err)
	}
	return &cfg, md, nil
}

// Load finds and parses adw.toml starting from startDir, merging it over the
// built-in defaults. If no config file is found, the defaults are returned
// unmodified and path is empty.
func Load(startDir string) (cfg *Config, path string, err error) {
	path, err = FindConfigFile(startDir)
	if err != nil {
		return nil, "", err
	}
	defaults := NewDefaults()
	if path == "" {
		return defaults, "", nil
	}
	fileCfg, md, err := LoadFromFile(path)
	if err != nil {
		return nil, path, err
	}
	result := Validate(fileCfg, &md)
	if result.HasErrors() {
		return nil, path, fmt.Errorf("config %s: %d validation error(s): %s", path, len(result.Errors()), result.Errors()[0].Message)
	}
	merged := mergeOverDefaults(defaults, fileCfg)
	return merged, path, nil
}

// mergeOverDefaults layers non-zero fields from file on top of defaults.
// The project, queue, webhook and history fields are merged one by one. The
// [allocator] section is taken whole from file when backend_port_min is set,
// and the [vcs] section when base_url is set; fields left unset in those two
// sections are then zero rather than the defaults. Of [broadcast], only
// listen_addr is merged; the reconnect settings keep their defaults.
func mergeOverDefaults(defaults, file *Config) *Config {
	merged := *defaults

	if file.Project.Name != "" {
		merged.Project.Name = file.Project.Name
	}
	if file.Project.RepoPath != "" {
		merged.Project.RepoPath = file.Project.RepoPath
	}
	if file.Project.DefaultBranch != "" {
		merged.Project.DefaultBranch = file.Project.DefaultBranch
	}
	if file.Project.WorktreeBase != "" {
		merged.Project.WorktreeBase = file.Project.WorktreeBase
	}
	if file.Project.AgentsDir != "" {
		merged.Project.AgentsDir = file.Project.AgentsDir
	}
	if file.Project.LogDir != "" {
		merged.Project.LogDir = file.Project.LogDir
	}
	if file.Project.DefaultAgent != "" {
		merged.Project.DefaultAgent = file.Project.DefaultAgent
	}
	if file.Project.BranchTemplate != "" {
		merged.Project.BranchTemplate = file.Project.BranchTemplate
	}

	if file.Queue.DatabasePath != "" {
		merged.Queue.DatabasePath = file.Queue.DatabasePath
	}
	if file.Queue.MaxPhaseRetryAttempts != 0 {
		merged.Queue.MaxPhaseRetryAttempts = file.Queue.MaxPhaseRetryAttempts
	}
	if file.Queue.MaxExternalAttempts != 0 {
		merged.Queue.MaxExternalAttempts = file.Queue.MaxExternalAttempts
	}
	if file.Queue.MaxIdenticalErrorRepeats != 0 {
		merged.Queue.MaxIdenticalErrorRepeats = file.Queue.MaxIdenticalErrorRepeats
	}
	if file.Queue.MaxConcurrentRuns != 0 {
		merged.Queue.MaxConcurrentRuns = file.Queue.MaxConcurrentRuns
	}
	if file.Queue.DefaultPhaseTimeout != 0 {
		merged.Queue.DefaultPhaseTimeout = file.Queue.DefaultPhaseTimeout
	}

	if file.Allocator.BackendPortMin != 0 {
		merged.Allocator = file.Allocator
	}

	if file.Webhook.ListenAddr != "" {
		merged.Webhook.ListenAddr = file.Webhook.ListenAddr
	}
	if file.Webhook.Secret != "" {
		merged.Webhook.Secret = file.Webhook.Secret
	}
	if file.Webhook.DedupWindow != 0 {
		merged.Webhook.DedupWindow = file.Webhook.DedupWindow
	}
	if file.Webhook.DedupRetention != 0 {
		merged.Webhook.DedupRetention = file.Webhook.DedupRetention
	}
	if len(file.Webhook.AllowedOrigins) > 0 {
		merged.Webhook.AllowedOrigins = file.Webhook.AllowedOrigins
	}

	if file.Broadcast.ListenAddr != "" {
		merged.Broadcast.ListenAddr = file.Broadcast.ListenAddr
	}

	if file.History.DatabasePath != "" {
		merged.History.DatabasePath = file.History.DatabasePath
	}

	if len(file.Agents) > 0 {
		merged.Agents = make(map[string]AgentConfig, len(file.Agents))
		for k, v := range file.Agents {
			merged.Agents[k] = v
		}
	}

	if file.VCS.BaseURL != "" {
		merged.VCS = file.VCS
	}

	return &merged
}
