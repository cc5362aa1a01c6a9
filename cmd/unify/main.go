// Command unify is the multi-provider conversational gateway.
//
// Usage:
//
//	unify serve
//	unify serve --port 8000 --db ./conversations.db
//	unify version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/TanyuSylvain/unify-llm/pkg/config"
	"github.com/TanyuSylvain/unify-llm/pkg/llms"
	"github.com/TanyuSylvain/unify-llm/pkg/logger"
	"github.com/TanyuSylvain/unify-llm/pkg/observability"
	"github.com/TanyuSylvain/unify-llm/pkg/server"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the gateway."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to YAML config file." type:"path"`
	EnvFile   string `help:"Path to .env file."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("unify %s\n", version)
	return nil
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Port int    `help:"Port to listen on (overrides PORT)."`
	DB   string `help:"SQLite database path (overrides DB_PATH)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(exitConfigError)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.DB != "" {
		cfg.Storage.Path = c.DB
	}

	if len(cfg.Providers) == 0 {
		slog.Error("No provider API keys configured; set at least one of the *_API_KEY variables")
		os.Exit(exitConfigError)
	}

	obs, err := observability.Init("unify-llm")
	if err != nil {
		slog.Error("Observability init failed", "error", err)
		os.Exit(exitConfigError)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		slog.Error("Storage open failed", "path", cfg.Storage.Path, "error", err)
		os.Exit(exitConfigError)
	}
	defer st.Close()

	registry, err := llms.BuildRegistry(cfg)
	if err != nil {
		slog.Error("Provider registry build failed", "error", err)
		os.Exit(exitConfigError)
	}
	if registry.Empty() {
		slog.Error("No providers available")
		os.Exit(exitConfigError)
	}
	slog.Info("Providers registered",
		"providers", registry.Providers(), "models", len(registry.Models()))

	srv := server.New(cfg, st, registry, obs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, server.ErrBind) {
			slog.Error("Listener bind failed", "addr", cfg.Server.Address(), "error", err)
			os.Exit(exitBindError)
		}
		return err
	}

	obs.Shutdown(context.Background())
	slog.Info("Shutdown complete")
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("unify"),
		kong.Description("Multi-provider conversational gateway with debate orchestration."),
		kong.UsageOnError(),
	)

	if err := config.LoadDotEnv(cli.EnvFile, cli.Config); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(exitConfigError)
	}

	closer, err := logger.Setup(logger.Options{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
		File:   cli.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(exitConfigError)
	}
	if closer != nil {
		defer closer.Close()
	}

	if err := kctx.Run(cli); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}
