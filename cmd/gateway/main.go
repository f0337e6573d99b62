// Command gateway is the llmhub chat-completion gateway.
//
// It reads configuration from environment variables (or config.yaml) and
// serves an OpenAI-compatible API that routes each prompt to the backend
// best suited for it and bills the caller's credit balance.
//
// Quick-start (SQLite ledger, no Redis required):
//
//	JWT_SECRET=change-me ./gateway migrate
//	JWT_SECRET=change-me ./gateway token --user alice
//	JWT_SECRET=change-me ./gateway
//
// See config.example.yaml for the backend list.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/llmhub/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "gateway",
		Short:   "OpenAI-compatible gateway that routes prompts to the best backend",
		Version: version,
		// Running without a subcommand serves.
		RunE:         runServe,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newTokenCmd(), newMigrateCmd())
	return root
}

// loadConfig loads configuration and installs the shared logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
