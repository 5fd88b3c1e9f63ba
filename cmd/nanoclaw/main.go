// Package main provides the nanoclaw binary entry point.
// Nanoclaw is a chat-driven operations orchestrator: it plans actions with a
// language model, holds them for human approval, and dispatches approved
// batches to a signed-webhook runner.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/nanoclaw/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nanoclaw"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "nanoclaw",
		Short: "Chat-driven operations orchestrator",
		Long: `Nanoclaw bridges group chats to an operations runner.

Inbound messages are routed to a planning model; any actions the model
proposes are held for human approval and, once approved, dispatched to the
runner over a signed webhook. Scheduled tasks and filesystem IPC feed the
same loop.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath, logLevel)
			if err != nil {
				return err
			}
			return runServe(cfg, metricsAddr, logger)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "Admin listener address for /metrics and /healthz (empty disables)")
	cmd.AddCommand(serveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "runner",
		Short: "Run the action runner service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath, logLevel)
			if err != nil {
				return err
			}
			return runRunner(cfg, logger)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup configures logging and loads the layered configuration.
func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, nil, fmt.Errorf("apply env overrides: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	return cfg, logger, nil
}
