package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
)

// minimalValidTOML is a complete adw.toml fixture that passes Validate with
// no errors. Directory and file paths intentionally use non-existent paths so
// that the benchmark does not depend on the host filesystem layout.
const minimalValidTOML = `
[project]
name = "bench-project"
repo_path = "."
default_branch = "main"
worktree_base = "worktree_base"
agents_dir = "agents"
log_dir = "logs"
default_agent = "claude"
branch_template = "adw/{run_id}"

[queue]
database_path = "agents/adw.db"
max_phase_retry_attempts = 3
max_external_attempts = 3
max_identical_error_repeats = 4
max_concurrent_runs = 4

[allocator]
backend_port_min = 9100
backend_port_max = 9114
frontend_port_min = 9200
frontend_port_max = 9214

[agents.claude]
command = "claude"
model = "claude-opus-4-6"
effort = "high"
prompt_template = "prompts/implement.md"
allowed_tools = "Edit,Write,Read"

[vcs]
base_url = "https://git.example.com/api/v4"
owner = "acme"
repo = "bench-project"
rate_limit_per_hour = 5000
`

// writeBenchConfig writes minimalValidTOML to a temp file and returns the path.
// The file is created once per benchmark; b.TempDir() cleans up automatically.
func writeBenchConfig(b *testing.B) string {
	b.Helper()
	dir := b.TempDir()
	path := filepath.Join(dir, "adw.toml")
	if err := os.WriteFile(path, []byte(minimalValidTOML), 0o644); err != nil {
		b.Fatalf("writing bench config: %v", err)
	}
	return path
}

// BenchmarkLoadFromFile measures the cost of parsing a TOML config file from
// disk, including file I/O and TOML decoding.
func BenchmarkLoadFromFile(b *testing.B) {
	path := writeBenchConfig(b)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		cfg, _, err := LoadFromFile(path)
		if err != nil {
			b.Fatalf("LoadFromFile: %v", err)
		}
		_ = cfg
	}
}

// BenchmarkValidate measures the cost of validating a fully-populated Config
// against TOML metadata. Setup is excluded from the measured region.
func BenchmarkValidate(b *testing.B) {
	path := writeBenchConfig(b)
	cfg, md, err := LoadFromFile(path)
	if err != nil {
		b.Fatalf("LoadFromFile: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		result := Validate(cfg, &md)
		_ = result
	}
}

// BenchmarkValidate_NilMeta measures Validate when no TOML metadata is
// available (the unknown-key detection path is skipped).
func BenchmarkValidate_NilMeta(b *testing.B) {
	cfg := &Config{
		Project: ProjectConfig{Name: "bench-project", DefaultBranch: "main"},
		Queue:   QueueConfig{MaxConcurrentRuns: 4},
		Agents: map[string]AgentConfig{
			"claude": {Command: "claude", Model: "claude-opus-4-6", Effort: "high"},
		},
	}
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		result := Validate(cfg, nil)
		_ = result
	}
}

// BenchmarkNewDefaults measures the cost of constructing a default Config.
func BenchmarkNewDefaults(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		cfg := NewDefaults()
		_ = cfg
	}
}

// BenchmarkLoadAndValidate measures the end-to-end hot path: loading a config
// file from disk and immediately validating it.
func BenchmarkLoadAndValidate(b *testing.B) {
	path := writeBenchConfig(b)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		cfg, md, err := LoadFromFile(path)
		if err != nil {
			b.Fatalf("LoadFromFile: %v", err)
		}
		result := Validate(cfg, &md)
		_ = result
	}
}

// BenchmarkValidate_ManyAgents measures Validate when the config contains a
// large number of agent entries, stressing the per-agent validation loop.
func BenchmarkValidate_ManyAgents(b *testing.B) {
	cfg := &Config{
		Project: ProjectConfig{Name: "bench-project"},
		Agents:  make(map[string]AgentConfig, 20),
	}
	for i := 0; i < 20; i++ {
		name := string(rune('a'+i)) + "-agent"
		cfg.Agents[name] = AgentConfig{
			Command: "claude",
			Model:   "claude-opus-4-6",
			Effort:  "high",
		}
	}
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		result := Validate(cfg, nil)
		_ = result
	}
}

// BenchmarkResolve measures the cost of the four-layer config resolution
// (defaults, file, env, CLI) for a config with several configured agents.
func BenchmarkResolve(b *testing.B) {
	defaults := NewDefaults()
	fileConfig := &Config{
		Project: ProjectConfig{Name: "bench-project"},
		Agents: map[string]AgentConfig{
			"claude": {Command: "claude", Model: "claude-opus-4-6"},
			"codex":  {Command: "codex", Model: "gpt-5.3-codex"},
		},
	}
	envFn := func(string) (string, bool) { return "", false }
	overrides := &CLIOverrides{AgentEffort: func() *string { s := "high"; return &s }()}

	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		rc := Resolve(defaults, fileConfig, envFn, overrides)
		_ = rc
	}
}

// BenchmarkDecodeAndValidate measures the cost of decoding raw TOML bytes in
// memory and validating the result, isolating the TOML parse and validation
// costs from disk I/O.
func BenchmarkDecodeAndValidate(b *testing.B) {
	raw := []byte(minimalValidTOML)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		var cfg Config
		md, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			b.Fatalf("toml.Decode: %v", err)
		}
		result := Validate(&cfg, &md)
		_ = result
	}
}
