// Keel is a turn-based orchestration daemon for tool-using assistants.
//
// It manages the full lifecycle of a conversation turn: context window
// budgeting with archival compression, long-term memory, per-scope task
// tracking, continuation-protocol enforcement, and validated concurrent
// tool execution. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	keel serve            Start the API server
//	keel ask <question>   Run a single turn (for testing)
//	keel version          Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fenwick-labs/keel/internal/agent"
	"github.com/fenwick-labs/keel/internal/archive"
	"github.com/fenwick-labs/keel/internal/buildinfo"
	"github.com/fenwick-labs/keel/internal/config"
	"github.com/fenwick-labs/keel/internal/contextwin"
	"github.com/fenwick-labs/keel/internal/conversation"
	"github.com/fenwick-labs/keel/internal/embeddings"
	"github.com/fenwick-labs/keel/internal/events"
	"github.com/fenwick-labs/keel/internal/llm"
	"github.com/fenwick-labs/keel/internal/memory"
	"github.com/fenwick-labs/keel/internal/metrics"
	"github.com/fenwick-labs/keel/internal/protocol"
	"github.com/fenwick-labs/keel/internal/todo"
	"github.com/fenwick-labs/keel/internal/tools"
	"github.com/fenwick-labs/keel/internal/web"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which interferes with
// calling run concurrently from tests, and the argument surface is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: keel ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Keel - turn orchestration daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: keel [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run a single turn (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildinfo.Info())
}

// loadConfig discovers and loads configuration, falling back to
// defaults when no file exists and none was requested explicitly.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})), nil
}

// core bundles the wired application graph.
type core struct {
	orchestrator  *agent.Orchestrator
	conversations *conversation.Store
	bus           *events.Bus
	registry      *prometheus.Registry
	closers       []io.Closer
}

func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i].Close()
	}
}

// buildCore constructs the stores, window manager, tool registry, and
// orchestrator from configuration.
func buildCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	c := &core{bus: events.New(), registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(c.registry)

	conv, err := conversation.NewStore(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, conv)
	c.conversations = conv

	todos, err := todo.NewMachine(filepath.Join(cfg.DataDir, "todos.db"))
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, todos)

	arch, err := archive.NewStore(filepath.Join(cfg.DataDir, "archive.db"), logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, arch)

	var embedder embeddings.Embedder = embeddings.HashEmbedder{}
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	}
	mem, err := memory.NewStore(filepath.Join(cfg.DataDir, "memory.db"), embedder)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, mem)

	client := llm.NewHTTPClient(cfg.Model.BaseURL)

	var summarizer contextwin.Summarizer
	if cfg.Window.Summarize {
		summarizer = contextwin.NewModelSummarizer(client, cfg.Model.Name)
	}
	window := contextwin.NewManager(conv, arch, summarizer, contextwin.Config{
		MaxTokens:    cfg.Window.MaxTokens,
		TriggerRatio: cfg.Window.TriggerRatio,
		KeepRecent:   cfg.Window.KeepRecent,
		Summarize:    cfg.Window.Summarize,
	}, logger, m, c.bus)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, tools.Builtins{Todos: todos, Archive: arch, Memory: mem})

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{
		Timeout:     cfg.ToolTimeout(),
		CancelGrace: cfg.CancelGrace(),
		Serial:      cfg.Tools.Serial,
	}, logger, m, c.bus)

	c.orchestrator = agent.New(agent.Options{
		Client:        client,
		Model:         cfg.Model.Name,
		ModelTimeout:  cfg.ModelTimeout(),
		Conversations: conv,
		Todos:         todos,
		Window:        window,
		Tracker:       protocol.NewTracker(cfg.Orchestrator.MaxViolations),
		Registry:      registry,
		Executor:      executor,
		Retriever: agent.NewRetriever(mem, arch, conv,
			cfg.Orchestrator.MemoryResults, cfg.Orchestrator.ArchiveResults, logger),
		MaxIterations: cfg.Orchestrator.MaxIterations,
		Logger:        logger,
		Metrics:       m,
		Bus:           c.bus,
	})
	return c, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	srv := web.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		c.orchestrator, c.conversations, c.bus, c.registry, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runAsk boots the full core against a temporary conversation and runs
// one turn. Useful for smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	outcome, err := c.orchestrator.RunTurn(ctx, "ask", question)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, outcome.FinalText)
	if outcome.State != agent.StateAwaitingUser {
		return fmt.Errorf("turn ended %s (%s) after %d iteration(s)",
			outcome.State, outcome.Reason, outcome.Iterations)
	}
	return nil
}
