package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adw-run/adw/internal/broadcast"
	"github.com/adw-run/adw/internal/history"
	"github.com/adw-run/adw/internal/logging"
	"github.com/adw-run/adw/internal/orchestrator"
	"github.com/adw-run/adw/internal/phaserunner"
	"github.com/adw-run/adw/internal/queue"
	"github.com/adw-run/adw/internal/runstate"
	"github.com/adw-run/adw/internal/webhook"
)

// serveCmd implements "adw serve": the long-running process that accepts
// webhook deliveries, dispatches queued phases through the orchestrator, and
// streams progress to subscribed dashboards.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway and phase orchestrator",
	Long: `Start the durable orchestrator: it serves the /intake and
/workflow-complete webhook endpoints, dispatches ready phases from the
phase queue against the configured agents, and broadcasts progress over
websockets for any connected dashboard.

serve blocks until interrupted (SIGINT/SIGTERM).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// shutdownGrace bounds how long serve waits for in-flight webhook requests
// to drain on SIGINT/SIGTERM before the process exits.
const shutdownGrace = 5 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := resolved.Config

	q, err := queue.Open(cfg.Queue.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening phase queue: %w", err)
	}
	defer q.Close() //nolint:errcheck

	states := runstate.New(cfg.Project.AgentsDir)

	reg, err := buildAgentRegistry(cfg.Agents)
	if err != nil {
		return fmt.Errorf("building agent registry: %w", err)
	}

	var recorder *history.Recorder
	if rec, err := history.Open(cfg.History.DatabasePath); err == nil {
		recorder = rec
		defer recorder.Close() //nolint:errcheck
	} else {
		logging.New("history").Warn("history recorder unavailable, run summaries will not be persisted", "err", err)
	}

	alloc := buildAllocator(cfg)
	hub := broadcast.New(logging.New("broadcast"))

	phases, err := buildPhases(cfg, reg, recorder, alloc, hub)
	if err != nil {
		return fmt.Errorf("building phases: %w", err)
	}

	runnerLog := logging.New("phaserunner")
	runner := phaserunner.New(q, states, runnerLog)

	maxConcurrent := int64(cfg.Queue.MaxConcurrentRuns)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	orch := orchestrator.New(q, runner, phases, maxConcurrent, cfg.Queue.MaxPhaseRetryAttempts, orchestrator.WithLogger(logging.New("orchestrator")))

	gw, err := webhook.Open(cfg.Queue.DatabasePath+"-webhook", q, cfg.Project.AgentsDir, []byte(cfg.Webhook.Secret))
	if err != nil {
		return fmt.Errorf("opening webhook gateway: %w", err)
	}
	defer gw.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/", gw.Router())
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(broadcast.Topic(r.URL.Query().Get("topic")), w, r)
	})

	listenAddr := cfg.Webhook.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8787"
	}
	httpServer := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		logging.New("serve").Info("webhook gateway listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()
	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("orchestrator: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logging.New("serve").Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
