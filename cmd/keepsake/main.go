// Command keepsake runs the chat agent: branching per-user conversations
// with sliding-window short-term memory and vector-backed long-term recall,
// served over a websocket gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keepsakebot/keepsake/chat"
	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/llm"
	"github.com/keepsakebot/keepsake/memory"
	"github.com/keepsakebot/keepsake/memory/embedder/mock"
	"github.com/keepsakebot/keepsake/memory/store/chromem"
	"github.com/keepsakebot/keepsake/transport"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		jsonLog    bool
	)

	cmd := &cobra.Command{
		Use:           "keepsake",
		Short:         "Persistent chat agent with branching history and long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel, jsonLog)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "keepsake.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&jsonLog, "json-log", false, "emit JSON logs instead of colorized text")

	return cmd
}

func run(ctx context.Context, configPath, logLevel string, jsonLog bool) error {
	_ = godotenv.Load()

	logger, err := newLogger(logLevel, jsonLog)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cfgStore, err := config.NewStore(configPath, logger)
	if err != nil {
		return err
	}
	cfg := cfgStore.Snapshot()

	client := anthropic.NewClient()
	model := llm.NewAnthropicModel(&client, cfg.LLM.Model)

	facts, err := chromem.New(logger)
	if err != nil {
		return err
	}
	defer facts.Close()

	embedder, err := newEmbedder(cfg.Memory)
	if err != nil {
		return err
	}

	cache, err := memory.NewEmbeddingCache()
	if err != nil {
		return errors.Wrap(err, "embedding cache")
	}

	deps := chat.Deps{
		Config:   cfgStore,
		Facts:    facts,
		Embedder: embedder,
		Model:    model,
		Cache:    cache,
		Logger:   logger,
	}

	var gateway *transport.Gateway
	deps.Notify = func(user, text string) { gateway.Notify(user, text) }

	registry := chat.NewRegistry(deps)
	gateway = transport.NewGateway(registry, logger)

	logger.Info("starting keepsake",
		"bot", cfg.Prompt.BotName,
		"addr", cfg.Listen,
		"embedder", cfg.Memory.Embedder)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := cfgStore.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return gateway.Run(gctx, cfg.Listen)
	})

	return g.Wait()
}

func newLogger(level string, jsonLog bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	if jsonLog {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	})), nil
}

func newEmbedder(cfg config.MemoryConfig) (memory.Embedder, error) {
	switch cfg.Embedder {
	case "mock":
		return mock.New(), nil
	case "onnx":
		return newONNXEmbedder(cfg)
	default:
		return nil, errors.Errorf("unknown embedder %q", cfg.Embedder)
	}
}
