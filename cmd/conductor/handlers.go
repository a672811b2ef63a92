// handlers.go contains the command handlers and the composition root that
// wires config, transport, tools, and the harness together.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/transports"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/tools/cache"
	"github.com/haasonsaas/conductor/internal/tools/render"
	"github.com/haasonsaas/conductor/internal/tools/writer"
	"github.com/haasonsaas/conductor/pkg/blocks"
)

// app holds the composed harness and its supporting pieces.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	harness *agent.Harness
	broker  *agent.ApprovalBroker
	store   *cache.Store

	shutdown []func(context.Context) error
}

func (a *app) close(ctx context.Context) {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

// buildApp is the composition root: config, logger, transport, store,
// executors, registry, broker, observability, harness.
func buildApp(ctx context.Context, configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}

	renderExec, err := render.NewExecutor(logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	readExec := cache.NewReader(store, logger)
	writeExec := writer.New(store, cfg.Writer.Dir, logger)

	registry := agent.NewRegistry()
	registry.RegisterAll(renderExec.Definitions(), agent.CategoryRender)
	registry.RegisterAll(readExec.Definitions(), agent.CategoryRead)
	registry.RegisterAll(writeExec.Definitions(), agent.CategoryWrite)

	router := agent.NewRouter(renderExec, readExec, writeExec, logger)
	broker := agent.NewApprovalBroker(logger)

	a := &app{
		cfg:    cfg,
		logger: logger,
		broker: broker,
		store:  store,
	}
	a.shutdown = append(a.shutdown, func(context.Context) error { return store.Close() })

	var metrics *observability.Metrics
	if cfg.Observability.MetricsAddr != "" {
		metrics = observability.NewMetrics(nil)
		a.shutdown = append(a.shutdown, startMetricsServer(cfg.Observability.MetricsAddr, logger))
	}

	tracer, stopTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.shutdown = append(a.shutdown, stopTracer)

	a.harness = agent.NewHarness(transport, registry, router, agent.Options{
		MaxTokens: cfg.LLM.MaxTokens,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})

	return a, nil
}

func setupLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildTransport(cfg *config.Config) (agent.Transport, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return transports.NewAnthropicTransport(transports.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			DefaultModel: cfg.LLM.Model,
		})
	case "openai":
		return transports.NewOpenAITransport(cfg.LLM.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func startMetricsServer(addr string, logger *slog.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server.Shutdown
}

// chatSession holds the REPL's conversation state.
type chatSession struct {
	app            *app
	conversationID string
	system         string
	messages       []agent.Message
	out            io.Writer

	// lines delivers user input. Exactly one goroutine reads the
	// underlying stream (see readLines); the REPL prompt and the approval
	// prompt both receive from this channel, so an abandoned approval
	// never leaves a competing read pending on stdin.
	lines   <-chan string
	readErr <-chan error

	// remembered holds write tools the user approved for the session.
	remembered map[string]bool
}

// readLines owns an input stream: it feeds each line to the returned channel
// and closes it on EOF. A read failure other than EOF is delivered on the
// error channel.
func readLines(r io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errc <- err
		}
	}()
	return lines, errc
}

// runChat drives the interactive REPL: one line in, one agent turn out.
func runChat(ctx context.Context, configPath, system string, debug bool) error {
	a, err := buildApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	lines, readErr := readLines(os.Stdin)
	session := &chatSession{
		app:            a,
		conversationID: uuid.NewString(),
		system:         system,
		out:            os.Stdout,
		lines:          lines,
		readErr:        readErr,
		remembered:     make(map[string]bool),
	}

	fmt.Fprintf(session.out, "conductor %s — model %s (%s)\n", version, a.cfg.LLM.Model, a.cfg.LLM.Provider)
	fmt.Fprintln(session.out, `Type a message and press enter. Ctrl-C interrupts a turn; "exit" quits.`)

	for {
		fmt.Fprint(session.out, "\n> ")
		line, ok := <-session.lines
		if !ok {
			select {
			case err := <-session.readErr:
				return err
			default:
				return nil
			}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		if err := session.runTurn(ctx, line); err != nil {
			fmt.Fprintf(session.out, "\nturn failed: %v\n", err)
		}
	}
}

func (s *chatSession) runTurn(ctx context.Context, input string) error {
	// Ctrl-C cancels the turn but not the REPL.
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s.messages = append(s.messages, agent.Message{Role: agent.RoleUser, Content: input})

	result, err := s.app.harness.Run(turnCtx, &agent.TurnRequest{
		ConversationID: s.conversationID,
		Model:          s.app.cfg.LLM.Model,
		System:         s.system,
		Messages:       s.messages,
		ThinkingBudget: s.app.cfg.LLM.ThinkingBudget,
		Approver:       s.approve,
		Callbacks: agent.Callbacks{
			OnText: func(text string) {
				fmt.Fprint(s.out, text)
			},
			OnBlock: func(b *blocks.Block) {
				fmt.Fprintf(s.out, "\n[%s]\n", b.Summary())
			},
			OnToolActivity: func(toolName string, stage agent.ToolStage) {
				if stage == agent.ToolStageStarted {
					fmt.Fprintf(s.out, "\n… %s\n", toolName)
				}
			},
		},
	})
	if err != nil {
		// Drop the failed user message so a retry starts clean.
		s.messages = s.messages[:len(s.messages)-1]
		return err
	}

	// Carry the full transcript forward so tool pairing survives.
	s.messages = result.Messages
	if result.Interrupted {
		fmt.Fprintln(s.out, "\n[turn interrupted]")
	} else {
		fmt.Fprintln(s.out)
	}
	fmt.Fprintf(s.out, "[tokens: %d in / %d out]\n", result.InputTokens, result.OutputTokens)
	return nil
}

// approve prompts the user for a write-tool decision through the broker, so
// timeouts auto-deny even if nobody is at the keyboard.
func (s *chatSession) approve(ctx context.Context, toolName string, input map[string]any) (bool, error) {
	if s.remembered[toolName] {
		return true, nil
	}

	approvalID := uuid.NewString()
	timeout := time.Duration(s.app.cfg.Approval.TimeoutSeconds) * time.Second

	decisions, err := s.app.broker.Register(approvalID, agent.ApprovalMetadata{
		ConversationID: s.conversationID,
		ToolName:       toolName,
	}, timeout)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(s.out, "\nApprove %s %s? [y=yes / a=always / N=no]: ", toolName, compactJSON(input))

	// The answer, the broker's decision (possibly a timeout auto-deny),
	// and cancellation all race; whichever resolves first wins, and no
	// read on the input stream is left pending afterward.
	lines := s.lines
	for {
		select {
		case answer, ok := <-lines:
			if !ok {
				lines = nil
				s.app.broker.Resolve(approvalID, false, false)
				continue
			}
			switch strings.ToLower(strings.TrimSpace(answer)) {
			case "y", "yes":
				s.app.broker.Resolve(approvalID, true, false)
			case "a", "always":
				s.app.broker.Resolve(approvalID, true, true)
			default:
				s.app.broker.Resolve(approvalID, false, false)
			}
		case decision := <-decisions:
			if decision.Approved && decision.Remember {
				s.remembered[toolName] = true
			}
			if !decision.Approved {
				fmt.Fprintln(s.out, "denied")
			}
			return decision.Approved, nil
		case <-ctx.Done():
			s.app.broker.Resolve(approvalID, false, false)
			return false, ctx.Err()
		}
	}
}

func compactJSON(input map[string]any) string {
	payload, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	const maxShown = 200
	if len(payload) > maxShown {
		return string(payload[:maxShown]) + "…"
	}
	return string(payload)
}

// runTools prints the tool catalog grouped by category.
func runTools(out io.Writer, configPath string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	renderExec, err := render.NewExecutor(logger)
	if err != nil {
		return err
	}
	store, err := cache.NewStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	registry := agent.NewRegistry()
	registry.RegisterAll(renderExec.Definitions(), agent.CategoryRender)
	registry.RegisterAll(cache.NewReader(store, logger).Definitions(), agent.CategoryRead)
	registry.RegisterAll(writer.New(store, "", logger).Definitions(), agent.CategoryWrite)

	for _, category := range []agent.ToolCategory{agent.CategoryRender, agent.CategoryRead, agent.CategoryWrite} {
		fmt.Fprintf(out, "%s:\n", category)
		for _, def := range registry.DefinitionsByCategory(category) {
			marker := ""
			if registry.RequiresApproval(def.Name) {
				marker = " (requires approval)"
			}
			fmt.Fprintf(out, "  %-20s %s%s\n", def.Name, def.Description, marker)
		}
		fmt.Fprintln(out)
	}
	return nil
}
