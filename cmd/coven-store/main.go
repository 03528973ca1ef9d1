// ABOUTME: Entry point for the coven-store inspection tool
// ABOUTME: Opens the state and crypto databases, prints a summary, runs audits

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/2389/coven-matrix-store/internal/config"
	"github.com/2389/coven-matrix-store/internal/cryptostore"
	"github.com/2389/coven-matrix-store/internal/statestore"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │   ┏━╸┏━┓╻ ╻┏━╸┏┓╻   ┏━┓╺┳╸┏━┓    │
    │   ┃  ┃ ┃┃┏┛┣╸ ┃┗┫   ┗━┓ ┃ ┃ ┃    │
    │   ┗━╸┗━┛┗┛ ┗━╸╹ ╹   ┗━┛ ╹ ┗━┛    │
    │                                  │
    │      coven matrix store tool     │
    │                                  │
    ╰──────────────────────────────────╯
`

// getConfigPath returns the path to the store config file.
// Priority: COVEN_STORE_CONFIG env var > XDG_CONFIG_HOME/coven/store.yaml > ~/.config/coven/store.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_STORE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "store.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "store.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	slog.SetDefault(setupLogger(cfg.Logging))

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("State DB:  %s\n", cfg.Storage.StatePath)
	green.Print("    ▶ ")
	fmt.Printf("Crypto DB: %s\n", cfg.Storage.CryptoPath)
	fmt.Println()

	state, err := statestore.New(cfg.Storage.StatePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer state.Close()

	crypto, err := cryptostore.New(cfg.Storage.CryptoPath)
	if err != nil {
		return fmt.Errorf("opening crypto store: %w", err)
	}
	defer crypto.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "check" {
		return runAudit(ctx, state, crypto)
	}

	return printSummary(ctx, state, crypto)
}

func printSummary(ctx context.Context, state *statestore.Store, crypto *cryptostore.Store) error {
	rooms, err := state.ListRoomIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing rooms: %w", err)
	}

	sessions, err := crypto.CountGroupSessions(ctx)
	if err != nil {
		return fmt.Errorf("counting group sessions: %w", err)
	}

	tracked, err := crypto.ListTrackedUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing tracked users: %w", err)
	}

	pending, err := crypto.UsersPendingKeyQuery(ctx)
	if err != nil {
		return fmt.Errorf("listing pending key queries: %w", err)
	}

	fmt.Printf("Rooms:              %d\n", len(rooms))
	fmt.Printf("Group sessions:     %d\n", sessions)
	fmt.Printf("Tracked users:      %d\n", len(tracked))
	fmt.Printf("Pending key query:  %d\n", len(pending))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
