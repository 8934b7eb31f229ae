// Command draftsync reviews generated drafts as they arrive, either in a
// terminal UI or as an MCP tool server on stdio.
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
	"go.uber.org/zap"

	"github.com/jwulff/draftsync/internal/app"
	"github.com/jwulff/draftsync/internal/backend"
	"github.com/jwulff/draftsync/internal/client"
	"github.com/jwulff/draftsync/internal/config"
	"github.com/jwulff/draftsync/internal/db"
	"github.com/jwulff/draftsync/internal/logging"
	"github.com/jwulff/draftsync/internal/mcpserver"
	"github.com/jwulff/draftsync/internal/realtime"
	"github.com/jwulff/draftsync/internal/regen"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	mode := flag.String("mode", "tui", "tui or mcp")
	userID := flag.String("user", "", "user id to subscribe as (overrides user_id)")
	flag.Parse()

	if err := run(*configPath, *mode, *userID); err != nil {
		fmt.Fprintf(os.Stderr, "draftsync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, mode, userID string) error {
	if mode != "tui" && mode != "mcp" {
		return fmt.Errorf("unknown mode %q: want tui or mcp", mode)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if userID != "" {
		cfg.UserID = userID
	}
	if cfg.UserID == "" {
		return fmt.Errorf("no user id: set user_id, DRAFTSYNC_USER_ID or -user")
	}

	logFile := cfg.Log.File
	if logFile == "" && mode == "tui" {
		home, _ := os.UserHomeDir()
		logFile = filepath.Join(home, ".draftsync", "draftsync.log")
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development, logFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	be := backend.New(cfg.API.BaseURL, cfg.API.Token,
		backend.WithTimeout(cfg.API.Timeout),
		backend.WithLogger(log.Named("backend")),
	)

	deps := client.Deps{
		Tokens:    be,
		Commander: be,
		Lister:    be,
		Saver:     be,
	}

	switch cfg.Realtime.Transport {
	case config.TransportSocket:
		deps.Transport = realtime.NewSocketTransport(cfg.Realtime.SocketNetwork, cfg.Realtime.SocketAddr)
	default:
		deps.Transport = realtime.NewRedisTransport(cfg.Realtime.RedisAddr, cfg.Realtime.RedisUsername)
	}

	if cfg.Drafts.Source == config.SourceSQLite {
		path := cfg.Drafts.DBPath
		if path == "" {
			path = db.DefaultDBPath()
		}
		store, err := db.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Lister = store
	}

	c, err := client.New(deps,
		client.WithLogger(log),
		client.WithManagerOptions(
			realtime.WithBackoff(cfg.Realtime.BackoffInitial, cfg.Realtime.BackoffMax),
			realtime.WithRefreshMargin(cfg.Realtime.RefreshMargin),
		),
		client.WithRegenConfig(regen.Config{
			PollAttempts: cfg.Regen.PollAttempts,
			PollInterval: cfg.Regen.PollInterval,
			ClockSkew:    cfg.Regen.ClockSkew,
		}),
		client.WithResyncSchedule(cfg.Resync.Schedule),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Subscribe(ctx, cfg.UserID); err != nil {
		return err
	}
	log.Info("subscribed", zap.String("user_id", cfg.UserID), zap.String("mode", mode))

	if mode == "mcp" {
		return mcpserver.New(c, version, mcpserver.WithLogger(log.Named("mcp"))).ServeStdio()
	}
	return runTUI(ctx, c)
}

func runTUI(ctx context.Context, c *client.Client) error {
	p := tea.NewProgram(app.New(c), tea.WithAltScreen(), tea.WithContext(ctx))
	cancel := app.Bridge(c, p.Send)
	defer cancel()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
