// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/a2aconn"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/actuator"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/history"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/loop"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/mcpconn"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/model"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/singleton"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/store"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/tools"
)

var (
	configPath      = flag.String("config", "", "Path to YAML config file (default: <data-dir>/config.yaml)")
	prompt          = flag.String("prompt", "", "Task prompt (may also be passed as positional arguments)")
	taskID          = flag.String("task-id", "", "Task id for result history (default: generated)")
	taskTimeout     = flag.Duration("timeout", 10*time.Minute, "Overall task timeout")
	logLevel        = flag.String("log-level", "", "Logging level: debug, info, warn, error, fatal")
	logFile         = flag.String("log-file", "", "Log file path (default: stderr)")
	version         = flag.Bool("version", false, "Show version information and exit")
	aiProvider      = flag.String("ai-provider", "", "AI provider: openai or anthropic (default: anthropic)")
	aiBaseURL       = flag.String("ai-base-url", "", "Custom base URL for OpenAI-compatible endpoints")
	aiModel         = flag.String("ai-model", "", "Model to use for the task")
	maxTurns        = flag.Int("max-turns", 0, "Maximum loop turns per task")
	actuatorURL     = flag.String("actuator-url", "", "URL of the browser actuator bridge")
	connectionsPath = flag.String("connections-path", "", "Path to JSON file listing MCP servers and A2A agents")
	dbPath          = flag.String("db-path", "", "Path to SQLite database for result history")
)

func main() {
	flag.Parse()

	cfg := loadConfig()

	if *version {
		log.Printf("%s version %s", cfg.App.Name, cfg.App.Version)
		os.Exit(0)
	}

	logger := logging.New(logging.Options{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.FilePath,
	})
	logging.SetDefaultLogger(logger)
	defer func() { _ = logger.Sync() }()

	task := taskPrompt()
	if task == "" {
		fmt.Fprintln(os.Stderr, "usage: agentd [flags] <prompt>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Cancel the task on interrupt; an in-flight tool call is allowed to
	// finish, but no new turn starts.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Infof("Received termination signal, cancelling task")
		cancel()
	}()

	app, err := createApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer app.Close()

	events := loop.Events{
		OnText:      func(text string) { fmt.Println(text) },
		OnToolStart: func(call chat.ToolCall) { logger.Infof("Calling tool %s", call.Name) },
	}

	result := app.executor.ExecuteTask(ctx, *taskID, task, *taskTimeout, events)
	if result.Error != "" {
		logger.Errorf("Task failed: %s", result.Error)
		app.Close()
		os.Exit(1)
	}
}

// loadConfig layers defaults, config file, environment, and flags.
func loadConfig() *config.Config {
	cfg := config.DefaultConfig()

	path := *configPath
	if path == "" {
		path = filepath.Join(cfg.App.DataDir, "config.yaml")
	}
	if err := config.LoadFile(cfg, path); err != nil {
		log.Fatalf("Invalid config file: %v", err)
	}

	config.FromEnv(cfg)
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

func applyFlags(cfg *config.Config) {
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.FilePath = *logFile
	}
	if *aiProvider != "" {
		cfg.AI.Provider = *aiProvider
	}
	if *aiBaseURL != "" {
		cfg.AI.BaseURL = *aiBaseURL
	}
	if *aiModel != "" {
		cfg.AI.Model = *aiModel
	}
	if *maxTurns > 0 {
		cfg.AI.MaxTurns = *maxTurns
	}
	if *actuatorURL != "" {
		cfg.Actuator.URL = *actuatorURL
	}
	if *connectionsPath != "" {
		cfg.App.ConnectionsPath = *connectionsPath
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
}

// taskPrompt resolves the prompt from the flag or positional arguments.
func taskPrompt() string {
	if *prompt != "" {
		return *prompt
	}
	return strings.TrimSpace(strings.Join(flag.Args(), " "))
}

// Application wires one session: provider, catalog, connections, and the
// loop executor.
type Application struct {
	executor    *loop.Executor
	mcpManager  *mcpconn.Manager
	resultStore model.ResultStore
	lock        *singleton.Lock
	logger      *logging.Logger
}

// createApp builds the session. Connection failures to individual servers
// are logged, never fatal.
func createApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Application, error) {
	app := &Application{logger: logger}

	// Only the lock holder persists results; a second instance runs without
	// touching the shared database.
	if cfg.Store.Enabled {
		lock, acquired, err := singleton.TryAcquire(cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		if !acquired {
			logger.Warnf("Another instance holds the result database; running without persistence")
		} else {
			app.lock = lock
			resultStore, err := store.NewSQLiteStore(cfg.Store.DBPath)
			if err != nil {
				_ = lock.Release()
				return nil, fmt.Errorf("create result store: %w", err)
			}
			app.resultStore = resultStore
		}
	}

	catalog := tools.NewCatalog(logger)

	var act actuator.Actuator
	if cfg.Actuator.URL != "" {
		act = actuator.NewHTTPActuator(cfg.Actuator, logger)
		catalog.RegisterActuator(actuator.Definitions())
	}

	conns, err := config.LoadConnections(cfg.App.ConnectionsPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("load connections file: %w", err)
	}

	app.mcpManager = mcpconn.NewManager(catalog, logger)
	if failed := app.mcpManager.ConnectAll(ctx, conns.Servers); len(failed) > 0 {
		logger.Warnf("%d of %d MCP servers failed to connect", len(failed), len(conns.Servers))
	}

	agents := a2aconn.NewRegistry(logger)
	for _, spec := range conns.Agents {
		agent := a2aconn.Agent{ID: spec.ID, Name: spec.Name, URL: spec.URL}
		if err := agents.Register(agent); err != nil {
			logger.Warnf("Skipping agent %s: %v", spec.ID, err)
			continue
		}
		name := spec.Name
		if name == "" {
			name = spec.ID
		}
		catalog.RegisterAgent(spec.ID, name)
	}

	provider, err := chat.NewProviderFromConfig(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	historyMgr := history.NewManager(cfg.History, provider, cfg.AI.SummaryModel, logger)

	engine := loop.NewEngine(cfg, loop.Deps{
		Provider: provider,
		History:  historyMgr,
		Catalog:  catalog,
		Actuator: act,
		Servers:  app.mcpManager,
		Agents:   agents,
		Logger:   logger,
	})
	app.executor = loop.NewExecutor(engine, app.resultStore, cfg.AI.SystemPrompt, logger)

	return app, nil
}

// Close tears down connections and releases the database.
func (a *Application) Close() {
	if a.mcpManager != nil {
		a.mcpManager.Teardown()
	}
	if a.resultStore != nil {
		if err := a.resultStore.Close(); err != nil {
			a.logger.Errorf("Error closing result store: %v", err)
		}
		a.resultStore = nil
	}
	if a.lock != nil {
		_ = a.lock.Release()
		a.lock = nil
	}
}
