package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mtaverner/toolgate/internal/api"
	"github.com/mtaverner/toolgate/internal/auth"
	"github.com/mtaverner/toolgate/internal/cleanup"
	"github.com/mtaverner/toolgate/internal/config"
	"github.com/mtaverner/toolgate/internal/dispatch"
	"github.com/mtaverner/toolgate/internal/events"
	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/invoke"
	"github.com/mtaverner/toolgate/internal/lock"
	"github.com/mtaverner/toolgate/internal/log"
	"github.com/mtaverner/toolgate/internal/status"
	"github.com/mtaverner/toolgate/internal/storage"
	"github.com/mtaverner/toolgate/internal/tool"
	"github.com/mtaverner/toolgate/internal/tui/watch"
)

const version = "0.1.0"

const defaultConfigPath = "./toolgate.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "tool":
		os.Exit(runToolNoun(args))

	// --- ROOT COMMANDS ---
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("toolgate version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`toolgate - Async tool execution gateway

Usage:
  toolgate <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  tool      Registered tool catalog

System Commands:
  system start      Start the gateway service in foreground
  system watch      Live execution monitor TUI

Tool Commands:
  tool list         Show registered tools

General:
  version           Show version information
  help              Show this help message
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: toolgate system start [--config PATH]")
			return 0
		}
		return runStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: toolgate system watch [--api URL] [--key TOKEN]")
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runToolNoun(args []string) int {
	if len(args) < 1 {
		printToolNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printToolNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "list":
		return runToolList()
	case "help":
		printToolNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown tool action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: toolgate system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printToolNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: toolgate tool <action>")
	fmt.Fprintln(w, "Actions: list")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("toolgate starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	registry, err := tool.NewRegistry(builtinTools())
	if err != nil {
		logger.Error("tool registration failed", "error", err)
		return 1
	}
	logger.Info("tool registry loaded", "count", registry.Len())

	hub := events.NewHub(256)
	store := execution.NewStore(db)
	dispatcher := dispatch.New(store, cfg, hub)
	statusSvc := status.New(store, hub)
	invoker := invoke.New(registry, store, dispatcher, hub)
	sweeper := cleanup.New(cfg.Blobs.Root, cfg.Service.CleanupInterval.Std())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go sweeper.Start(ctx)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.Auth.APIKey,
			Tokens:         tokens,
			CallbackSecret: cfg.Worker.CallbackSecret,
		}
		apiServer := api.New(apiConfig, invoker, registry, statusSvc, store, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("toolgate running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("toolgate stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Gateway API base URL")
	apiKey := fs.String("key", os.Getenv("TOOLGATE_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}

func runToolList() int {
	registry, err := tool.NewRegistry(builtinTools())
	if err != nil {
		fmt.Fprintf(os.Stderr, "tool registration failed: %v\n", err)
		return 1
	}
	for _, d := range registry.List() {
		mode := "sync"
		if d.Async {
			mode = "async"
		}
		fmt.Printf("%-16s %-10s %-5s %s\n", d.Name, d.Category, mode, d.Description)
	}
	return 0
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	nameWithoutExt := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, nameWithoutExt+".pid")
}
