package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/adw-run/adw/internal/config"
)

// configCmd is the parent "config" namespace command. It has no action of its
// own -- it groups debug and validate subcommands.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Inspect, validate, and debug adw configuration.",
	// RunE shows help when invoked with no subcommand.
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// configDebugCmd implements "adw config debug".
// It prints the fully-resolved configuration with source annotations.
var configDebugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Show resolved configuration with source annotations",
	Long: `Display the fully-resolved configuration showing each value and
the source where it came from (cli flag, environment variable, config file, or default).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, _, err := loadAndResolveConfig()
		if err != nil {
			return err
		}
		printResolvedConfig(cmd, resolved)
		return nil
	},
}

// configValidateCmd implements "adw config validate".
// It validates the resolved configuration and reports all errors and warnings.
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and report issues",
	Long:  "Check the configuration for errors and warnings.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, meta, err := loadAndResolveConfig()
		if err != nil {
			return err
		}
		result := config.Validate(resolved.Config, meta)
		printValidationResult(cmd, result)
		if result.HasErrors() {
			return fmt.Errorf("configuration has %d error(s)", len(result.Errors()))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configDebugCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// loadAndResolveConfig loads and resolves the configuration from all sources
// (file, env, CLI flags). It returns the resolved config, the TOML metadata
// (nil when no file was found), and any loading error.
//
// When flagConfig is set, that path is used directly. Otherwise,
// config.FindConfigFile searches upward from the current directory.
func loadAndResolveConfig() (*config.ResolvedConfig, *toml.MetaData, error) {
	var (
		fileCfg *config.Config
		meta    *toml.MetaData
		cfgPath string
	)

	if flagConfig != "" {
		// Explicit --config path provided.
		cfgPath = flagConfig
		fc, md, err := config.LoadFromFile(cfgPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		fileCfg = fc
		meta = &md
	} else {
		// Auto-detect adw.toml by walking up from cwd.
		found, err := config.FindConfigFile(".")
		if err != nil {
			return nil, nil, fmt.Errorf("finding config file: %w", err)
		}
		if found != "" {
			cfgPath = found
			fc, md, err := config.LoadFromFile(cfgPath)
			if err != nil {
				return nil, nil, fmt.Errorf("loading config: %w", err)
			}
			fileCfg = fc
			meta = &md
		}
	}

	resolved := config.Resolve(config.NewDefaults(), fileCfg, os.LookupEnv, nil)
	resolved.Path = cfgPath

	return resolved, meta, nil
}

// ---- printResolvedConfig ----------------------------------------------------

const fieldWidth = 24 // column width for field names

// printResolvedConfig writes the formatted resolved configuration to cmd's
// output writer (stdout by default). Plain text: no styling library sits
// between this command and the terminal.
func printResolvedConfig(cmd *cobra.Command, rc *config.ResolvedConfig) {
	out := cmd.OutOrStdout()

	const header = "Configuration Debug"
	fmt.Fprintln(out, header)
	fmt.Fprintln(out, strings.Repeat("=", len(header)))
	fmt.Fprintln(out)

	if rc.Path != "" {
		fmt.Fprintf(out, "Config file: %s\n", rc.Path)
	} else {
		fmt.Fprintln(out, "Config file: none found")
	}
	fmt.Fprintln(out)

	// --- [project] ---
	fmt.Fprintln(out, "[project]")
	p := rc.Config.Project
	printField(out, "name", fmtStr(p.Name), rc.Sources["project.name"])
	printField(out, "repo_path", fmtStr(p.RepoPath), rc.Sources["project.repo_path"])
	printField(out, "default_branch", fmtStr(p.DefaultBranch), rc.Sources["project.default_branch"])
	printField(out, "worktree_base", fmtStr(p.WorktreeBase), rc.Sources["project.worktree_base"])
	printField(out, "agents_dir", fmtStr(p.AgentsDir), rc.Sources["project.agents_dir"])
	printField(out, "log_dir", fmtStr(p.LogDir), rc.Sources["project.log_dir"])
	printField(out, "default_agent", fmtStr(p.DefaultAgent), rc.Sources["project.default_agent"])
	printField(out, "branch_template", fmtStr(p.BranchTemplate), rc.Sources["project.branch_template"])
	fmt.Fprintln(out)

	// --- [queue] ---
	fmt.Fprintln(out, "[queue]")
	q := rc.Config.Queue
	printField(out, "database_path", fmtStr(q.DatabasePath), rc.Sources["queue.database_path"])
	printField(out, "max_phase_retry_attempts", fmt.Sprint(q.MaxPhaseRetryAttempts), rc.Sources["queue.max_phase_retry_attempts"])
	printField(out, "max_external_attempts", fmt.Sprint(q.MaxExternalAttempts), rc.Sources["queue.max_external_attempts"])
	printField(out, "max_identical_error_repeats", fmt.Sprint(q.MaxIdenticalErrorRepeats), rc.Sources["queue.max_identical_error_repeats"])
	printField(out, "max_concurrent_runs", fmt.Sprint(q.MaxConcurrentRuns), rc.Sources["queue.max_concurrent_runs"])
	printField(out, "default_phase_timeout", q.DefaultPhaseTimeout.String(), rc.Sources["queue.default_phase_timeout"])
	fmt.Fprintln(out)

	// --- [allocator] ---
	fmt.Fprintln(out, "[allocator]")
	a := rc.Config.Allocator
	printField(out, "backend_port_min", fmt.Sprint(a.BackendPortMin), rc.Sources["allocator.backend_port_range"])
	printField(out, "backend_port_max", fmt.Sprint(a.BackendPortMax), rc.Sources["allocator.backend_port_range"])
	printField(out, "frontend_port_min", fmt.Sprint(a.FrontendPortMin), rc.Sources["allocator.frontend_port_range"])
	printField(out, "frontend_port_max", fmt.Sprint(a.FrontendPortMax), rc.Sources["allocator.frontend_port_range"])
	fmt.Fprintln(out)

	// --- [webhook] ---
	fmt.Fprintln(out, "[webhook]")
	wh := rc.Config.Webhook
	printField(out, "listen_addr", fmtStr(wh.ListenAddr), rc.Sources["webhook.listen_addr"])
	printField(out, "dedup_window", wh.DedupWindow.String(), rc.Sources["webhook.dedup_window"])
	printField(out, "dedup_retention", wh.DedupRetention.String(), rc.Sources["webhook.dedup_retention"])
	printField(out, "allowed_origins", fmtSlice(wh.AllowedOrigins), rc.Sources["webhook.allowed_origins"])
	fmt.Fprintln(out)

	// --- [broadcast] ---
	fmt.Fprintln(out, "[broadcast]")
	b := rc.Config.Broadcast
	printField(out, "listen_addr", fmtStr(b.ListenAddr), rc.Sources["broadcast.listen_addr"])
	printField(out, "reconnect_base_wait", b.ReconnectBaseWait.String(), rc.Sources["broadcast.reconnect_base_wait"])
	printField(out, "reconnect_max_wait", b.ReconnectMaxWait.String(), rc.Sources["broadcast.reconnect_max_wait"])
	printField(out, "reconnect_max_tries", fmt.Sprint(b.ReconnectMaxTries), rc.Sources["broadcast.reconnect_max_tries"])
	fmt.Fprintln(out)

	// --- [history] ---
	fmt.Fprintln(out, "[history]")
	h := rc.Config.History
	printField(out, "database_path", fmtStr(h.DatabasePath), rc.Sources["history.database_path"])
	fmt.Fprintln(out)

	// --- [vcs] ---
	fmt.Fprintln(out, "[vcs]")
	v := rc.Config.VCS
	printField(out, "base_url", fmtStr(v.BaseURL), rc.Sources["vcs.base_url"])
	printField(out, "owner", fmtStr(v.Owner), rc.Sources["vcs.owner"])
	printField(out, "repo", fmtStr(v.Repo), rc.Sources["vcs.repo"])
	printField(out, "rate_limit_per_hour", fmt.Sprint(v.RateLimitPerHour), rc.Sources["vcs.rate_limit_per_hour"])
	printField(out, "request_timeout", v.RequestTimeout.String(), rc.Sources["vcs.request_timeout"])
	printField(out, "max_retry_attempts", fmt.Sprint(v.MaxRetryAttempts), rc.Sources["vcs.max_retry_attempts"])
	fmt.Fprintln(out)

	// --- [agents.*] (sorted for determinism) ---
	if len(rc.Config.Agents) > 0 {
		names := make([]string, 0, len(rc.Config.Agents))
		for n := range rc.Config.Agents {
			names = append(names, n)
		}
		sort.Strings(names)

		for _, name := range names {
			agent := rc.Config.Agents[name]
			prefix := "agents." + name
			fmt.Fprintln(out, fmt.Sprintf("[agents.%s]", name))
			printField(out, "command", fmtStr(agent.Command), rc.Sources[prefix+".command"])
			printField(out, "model", fmtStr(agent.Model), rc.Sources[prefix+".model"])
			printField(out, "effort", fmtStr(agent.Effort), rc.Sources[prefix+".effort"])
			printField(out, "prompt_template", fmtStr(agent.PromptTemplate), rc.Sources[prefix+".prompt_template"])
			printField(out, "allowed_tools", fmtStr(agent.AllowedTools), rc.Sources[prefix+".allowed_tools"])
			fmt.Fprintln(out)
		}
	}
}

// printField writes a single key = value (source: ...) line.
func printField(out io.Writer, name, value string, src config.ConfigSource) {
	// Left-pad the field name to fieldWidth.
	padded := fmt.Sprintf("  %-*s", fieldWidth, name)
	line := fmt.Sprintf("%s = %-40s (source: %s)\n", padded, value, src)
	fmt.Fprint(out, line)
}

// fmtStr formats a string value for display (quoted).
func fmtStr(s string) string {
	return fmt.Sprintf("%q", s)
}

// fmtSlice formats a string slice for display.
func fmtSlice(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// ---- printValidationResult --------------------------------------------------

// printValidationResult writes the formatted validation report to cmd's
// output writer.
func printValidationResult(cmd *cobra.Command, result *config.ValidationResult) {
	out := cmd.OutOrStdout()

	const header = "Configuration Validation"
	fmt.Fprintln(out, header)
	fmt.Fprintln(out, strings.Repeat("=", len(header)))
	fmt.Fprintln(out)

	errs := result.Errors()
	warns := result.Warnings()

	if len(errs) == 0 && len(warns) == 0 {
		fmt.Fprintln(out, "No issues found.")
		return
	}

	if len(errs) > 0 {
		fmt.Fprintln(out, "Errors:")
		for _, issue := range errs {
			fmt.Fprintf(out, "  [%s] %s\n", issue.Field, issue.Message)
		}
		fmt.Fprintln(out)
	}

	if len(warns) > 0 {
		fmt.Fprintln(out, "Warnings:")
		for _, issue := range warns {
			fmt.Fprintf(out, "  [%s] %s\n", issue.Field, issue.Message)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "%d error(s), %d warning(s)\n", len(errs), len(warns))
}
