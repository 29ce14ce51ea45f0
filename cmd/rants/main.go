// Package main provides the CLI entry point for the RANTS inference gateway.
//
// RANTS exposes an OpenAI-compatible surface backed by a recursive language
// model loop: a generator emits user-facing text with optional tool intents,
// a dedicated compiler model turns intents into validated tool calls, and
// the gateway executes tools inside a sandboxed workspace.
//
// Start the server:
//
//	rants serve --config config.yaml
//
// Configuration keys can be overridden with RANTS_-prefixed environment
// variables, e.g. RANTS_SERVER__PORT=9000.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rantslabs/rants/internal/audit"
	"github.com/rantslabs/rants/internal/backend"
	"github.com/rantslabs/rants/internal/compiler"
	"github.com/rantslabs/rants/internal/config"
	"github.com/rantslabs/rants/internal/httpapi"
	"github.com/rantslabs/rants/internal/orchestrator"
	"github.com/rantslabs/rants/internal/store"
	"github.com/rantslabs/rants/internal/tools"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rants",
		Short:         "RANTS recursive language model gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg.Logging)

	st, err := store.Open(cfg.State.SQLitePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	registry, err := tools.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	generator := backend.New(cfg.Models.Generator, cfg.Resilience)
	compilerBackend := backend.New(cfg.Models.ToolCompiler, cfg.Resilience)
	comp := compiler.New(compilerBackend, registry, cfg.Models.ToolCompiler.Model)

	if !cfg.Models.ToolCompiler.HasCapability("tool_compilation") {
		log.Warn("tool compiler endpoint does not declare tool_compilation capability")
	}

	backends := map[string]backend.Backend{
		"generator":     generator,
		"tool_compiler": compilerBackend,
	}
	if cfg.Models.Vision.Configured() {
		backends["vision"] = backend.New(cfg.Models.Vision, cfg.Resilience)
	}

	orch := orchestrator.New(cfg, st, registry, generator, comp, audit.NewLogger(log), log)
	server := httpapi.NewServer(cfg, orch, backends, log)
	if err := server.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
