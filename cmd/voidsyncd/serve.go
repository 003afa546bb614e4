package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voidsync/voidsync/internal/agents"
	"github.com/voidsync/voidsync/internal/api"
	"github.com/voidsync/voidsync/internal/changes"
	"github.com/voidsync/voidsync/internal/config"
	"github.com/voidsync/voidsync/internal/diffengine"
	"github.com/voidsync/voidsync/internal/eventbus"
	"github.com/voidsync/voidsync/internal/fingerprint"
	"github.com/voidsync/voidsync/internal/locks"
	"github.com/voidsync/voidsync/internal/logging"
	"github.com/voidsync/voidsync/internal/metrics"
	"github.com/voidsync/voidsync/internal/plugins"
	"github.com/voidsync/voidsync/internal/push"
	"github.com/voidsync/voidsync/internal/ratelimit"
	"github.com/voidsync/voidsync/internal/sandbox"
	"github.com/voidsync/voidsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gatekeeper HTTP + websocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.IsValid(); err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Debug: cfg.DebugLogging})

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SandboxRoot, 0o755); err != nil {
		return err
	}

	// Initialization order follows the dependency chain: Store first since
	// every other component persists through it, then the registries and
	// rate limiter that read it back at startup, then the pipeline, then
	// the Change manager that ties them together, and finally the
	// transports (push, API, metrics) that front it.
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := cmd.Context()

	// Singleton construction order: Store -> Fingerprinter -> Lock registry
	// -> Rate limiter -> Plugin pipeline -> Change manager -> Push manager.
	fingerprinter := fingerprint.New(st)

	lockRegistry, err := locks.NewRegistry(ctx, st)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLimiter(ctx, st, cfg.RateLimitWindow, cfg.RateLimitMax)
	if err != nil {
		return err
	}

	pipeline := plugins.New(logging.Component(logger, "plugins"))
	registerBuiltinPlugins(pipeline)

	agentRegistry := agents.NewRegistry(st, logging.Component(logger, "agents"))
	diffEngine := diffengine.New(cfg.DiffContextLines)
	tree := sandbox.New(cfg.WorkspaceRoot, cfg.SandboxRoot)
	bus := eventbus.NewBus()
	defer bus.Close()

	metricsRegistry := metrics.New(bus)
	limits := changes.Limits{
		SubmitTimeout:  cfg.SubmitTimeout,
		ApproveTimeout: cfg.ApproveTimeout,
		PluginTimeout:  cfg.PluginTimeout,
		MaxFileSize:    cfg.MaxFileSize,
	}
	manager := changes.New(st, agentRegistry, limiter, lockRegistry, pipeline, fingerprinter, diffEngine, tree, bus, logging.Component(logger, "changes"), metricsRegistry, limits)

	pushServer := push.New(bus, logging.Component(logger, "push"))
	apiServer := api.New(manager, lockRegistry, logging.Component(logger, "api"))

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", metricsRegistry.Middleware(apiServer.Router()))
	mux.Handle(cfg.PushPath, pushServer)
	mux.HandleFunc("/metrics", metricsRegistry.HandleMetrics)
	mux.HandleFunc("/healthz", metricsRegistry.HandleHealthz)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("voidsyncd: listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		logger.Info("voidsyncd: shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// defaultLintRules is the baseline rule table for the built-in LintPlugin.
// It blocks content an agent should never be proposing and warns on markers
// that need a human's attention before approval.
var defaultLintRules = []plugins.LintRule{
	{
		Pattern:  regexp.MustCompile(`(?m)^(<{7}|={7}|>{7})`),
		Message:  "unresolved merge conflict markers",
		Severity: plugins.LintError,
	},
	{
		Pattern:  regexp.MustCompile(`(?i)(api[_-]?key|secret|password)\s*[:=]\s*['"][^'"]{8,}['"]`),
		Message:  "possible hardcoded credential",
		Severity: plugins.LintError,
	},
	{
		Pattern:  regexp.MustCompile(`(?i)\b(TODO|FIXME)\b`),
		Message:  "leftover TODO/FIXME marker",
		Severity: plugins.LintWarning,
	},
}

// registerBuiltinPlugins wires the validators shipped with the binary. Every
// deployment gets the same baseline checks; site-specific rule tables are
// not yet configurable from cfg.
func registerBuiltinPlugins(pipeline *plugins.Pipeline) {
	pipeline.Register(plugins.NewSyntaxValidator(nil))
	pipeline.Register(plugins.NewSecurityValidator(nil))
	pipeline.Register(plugins.NewJSONFormatter())
	pipeline.Register(plugins.NewAccessibilityValidator())
	pipeline.Register(plugins.NewLintPlugin(defaultLintRules, nil))
}
