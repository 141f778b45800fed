// Command tark runs the agent core headless: one prompt in, a driven
// model ↔ tool loop, approvals on the terminal, and a saved session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/thoughtoinnovate/tark/pkg/agent"
	"github.com/thoughtoinnovate/tark/pkg/config"
	"github.com/thoughtoinnovate/tark/pkg/conversation"
	"github.com/thoughtoinnovate/tark/pkg/logging"
	"github.com/thoughtoinnovate/tark/pkg/model"
	"github.com/thoughtoinnovate/tark/pkg/policy"
	"github.com/thoughtoinnovate/tark/pkg/session"
	"github.com/thoughtoinnovate/tark/pkg/storage"
	"github.com/thoughtoinnovate/tark/pkg/telemetry"
	"github.com/thoughtoinnovate/tark/pkg/tool"
	"github.com/thoughtoinnovate/tark/pkg/tool/builtin"
)

var (
	flagWorkspace = flag.String("workspace", ".", "workspace directory")
	flagPrompt    = flag.String("prompt", "", "user prompt to run (required unless -list-sessions)")
	flagMode      = flag.String("mode", "build", "agent mode: ask, plan, build")
	flagTrust     = flag.String("trust", "balanced", "trust level: manual, balanced, careful")
	flagModel     = flag.String("model", "gpt-4.1", "model id")
	flagSession   = flag.String("session", "", "resume an existing session id")
	flagList      = flag.Bool("list-sessions", false, "list sessions in the workspace and exit")
	flagAudit     = flag.String("audit", "", "print audit entries for a correlation id and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tark:", err)
		os.Exit(1)
	}
}

func run() error {
	workspace, err := filepath.Abs(*flagWorkspace)
	if err != nil {
		return err
	}

	mode, err := policy.ParseMode(*flagMode)
	if err != nil {
		return err
	}
	trust, err := policy.ParseTrust(*flagTrust)
	if err != nil {
		return err
	}

	configDir, err := config.UserConfigDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(filepath.Join(configDir, "config.toml"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tarkDir := filepath.Join(workspace, session.TarkDir)
	debugDir := filepath.Join(tarkDir, "debug")
	log := logging.New(debugDir)
	defer log.Close()

	if err := os.MkdirAll(debugDir, 0o700); err != nil {
		return err
	}
	traceFile, err := os.OpenFile(filepath.Join(debugDir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer traceFile.Close()
	shutdownTracing, err := telemetry.Setup(traceFile)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	store, err := storage.New(filepath.Join(tarkDir, "policy.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := policy.NewEngine(store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// User pattern and MCP override files feed the engine; the patterns
	// file reloads live while the agent runs.
	patternsPath := filepath.Join(configDir, "policy", "patterns.toml")
	if pf, err := config.LoadPatterns(patternsPath); err == nil {
		reportImportErrors(engine.ImportUserPatterns(ctx, pf))
	} else {
		fmt.Fprintln(os.Stderr, "tark: patterns file:", err)
	}
	if mf, err := config.LoadMCP(filepath.Join(configDir, "policy", "mcp.toml")); err == nil {
		reportImportErrors(engine.ImportMCPOverrides(ctx, mf))
	} else {
		fmt.Fprintln(os.Stderr, "tark: mcp overrides:", err)
	}
	err = config.WatchPatterns(ctx, patternsPath,
		func(pf *config.PatternsFile) { reportImportErrors(engine.ImportUserPatterns(ctx, pf)) },
		func(err error) { fmt.Fprintln(os.Stderr, "tark: patterns reload:", err) })
	if err != nil {
		fmt.Fprintln(os.Stderr, "tark: patterns watch unavailable:", err)
	}

	manager, err := session.NewManager(workspace, store)
	if err != nil {
		return err
	}

	if *flagList {
		return listSessions(manager)
	}
	if *flagAudit != "" {
		return printAudit(ctx, store, *flagAudit)
	}
	if *flagPrompt == "" {
		return fmt.Errorf("a -prompt is required")
	}

	mediator := newTerminalApprover(os.Stdin, os.Stdout)
	defer mediator.Close()

	registry := tool.NewRegistry(engine, mediator.Mediator, store, log)
	if err := builtin.RegisterAll(ctx, registry); err != nil {
		return err
	}
	if err := engine.Reload(ctx); err != nil {
		return err
	}
	registry.SetWorkdir(workspace)

	adapters, err := model.BuildAdapters(cfg)
	if err != nil {
		return err
	}
	adapter, ok := adapters[cfg.LLM.DefaultProvider]
	if !ok {
		for _, a := range adapters {
			adapter = a
			break
		}
	}

	var conv *conversation.Conversation
	if *flagSession != "" {
		conv, err = manager.Load(*flagSession)
		if err != nil {
			return err
		}
	} else {
		conv = manager.Create(adapter.ID(), *flagModel, string(mode), string(trust), workspace)
	}

	var thinking *model.ThinkingOptions
	if enabled, budget, effort := cfg.ThinkingFor(conv.Model); enabled {
		thinking = &model.ThinkingOptions{Enabled: true, BudgetTokens: budget, Effort: effort}
	}

	loop := &agent.Loop{
		Conv:          conv,
		Adapter:       adapter,
		Executor:      registry,
		Log:           log,
		Estimator:     conversation.NewEstimator(),
		MaxIterations: cfg.Agent.MaxIterations,
		Thinking:      thinking,
	}

	status, runErr := loop.Run(ctx, *flagPrompt)

	// Persist the turn whatever happened; session patterns die with the
	// conversation only on explicit deletion, not per turn.
	saveCtx := context.WithoutCancel(ctx)
	if err := manager.Save(saveCtx, conv); err != nil {
		fmt.Fprintln(os.Stderr, "tark: save session:", err)
	}

	printTranscriptTail(conv)
	fmt.Printf("\nsession %s finished: %s\n", conv.ID, status)

	if runErr != nil && status == agent.StatusErrored {
		return runErr
	}
	return nil
}

func reportImportErrors(errs []error) {
	for _, err := range errs {
		fmt.Fprintln(os.Stderr, "tark: pattern import:", err)
	}
}

func listSessions(manager *session.Manager) error {
	ids, err := manager.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func printAudit(ctx context.Context, store *storage.Store, correlationID string) error {
	entries, err := store.ListAudit(ctx, correlationID, 100)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Printf("%s  %-14s %-22s %-10s %5dms  %s\n",
			entry.TS.Format("15:04:05"), entry.ToolID, entry.Decision, entry.Outcome,
			entry.LatencyMS, entry.Classification)
	}
	return nil
}

func printTranscriptTail(conv *conversation.Conversation) {
	snapshot := conv.Snapshot()
	for _, msg := range snapshot.Messages {
		if msg.Role != conversation.RoleAssistant && msg.Role != conversation.RoleSystem {
			continue
		}
		for _, part := range msg.Parts {
			if part.Kind == conversation.PartText && part.Text != "" {
				fmt.Printf("[%s] %s\n", msg.Role, part.Text)
			}
		}
	}
}
