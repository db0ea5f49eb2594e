package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	slash "github.com/tempvox/tempvox/pkg/tempvox/commands"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/dispatch"
	"github.com/tempvox/tempvox/pkg/tempvox/ownership"
	"github.com/tempvox/tempvox/pkg/tempvox/platform"
	"github.com/tempvox/tempvox/pkg/tempvox/prefs"
	"github.com/tempvox/tempvox/pkg/tempvox/reconcile"
	"github.com/tempvox/tempvox/pkg/tempvox/rooms"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
	"github.com/tempvox/tempvox/pkg/tempvox/tracker"
	"github.com/tempvox/tempvox/pkg/tempvox/voice"
)

const defaultConfigPath = "config.yaml"

// newServeCmd creates the `tempvox serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Connect to Discord and manage ephemeral voice rooms for the
configured guild until interrupted.

Examples:
  tempvox serve
  tempvox serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	token := config.ResolveToken(&cfg, logger)
	if token == "" {
		return fmt.Errorf("no bot token found; set TEMPVOX_TOKEN or run 'tempvox setup'")
	}

	// ── Storage ──
	st, err := store.Open(store.Config{
		Backend: store.BackendType(cfg.Database.Backend),
		Path:    cfg.Database.Path,
		DSN:     cfg.Database.DSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ca, err := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer ca.Close()

	// ── Discord ──
	plat, err := platform.Connect(token, logger)
	if err != nil {
		return err
	}
	defer plat.Close()

	// ── Core wiring ──
	app := prefs.New(st, ca, plat, &cfg, logger)
	own := ownership.New(st, ca, plat, app, &cfg, logger)
	tr := tracker.New(st, ca, &cfg, logger)
	rq := rooms.New(st, ca, plat, app, &cfg, logger)
	handler := voice.New(st, ca, plat, tr, app, own, rq, &cfg, logger)
	rec := reconcile.New(st, ca, plat, own, &cfg, logger)
	svc := slash.New(st, ca, plat, own, app, &cfg, logger)

	disp := dispatch.New(logger)
	handler.Attach(disp)
	plat.Attach(disp, cfg.GuildID)

	gateway := slash.NewGateway(svc, plat.Session(), &cfg, logger)
	if err := gateway.Register(); err != nil {
		return err
	}
	gateway.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The creation queue must account for rooms that survived a restart
	// before the cap applies to new ones.
	liveRooms, err := st.UserRoomCount(ctx, cfg.GuildID)
	if err != nil {
		return fmt.Errorf("counting live rooms: %w", err)
	}
	rq.Prime(liveRooms)
	go rq.Run(ctx)

	// Events received during the startup pass queue up and are consumed
	// once the workers start.
	if err := rec.Startup(ctx); err != nil {
		return err
	}
	disp.Start(ctx)
	if err := rec.Start(ctx); err != nil {
		return err
	}

	logger.Info("tempvox running, press Ctrl+C to stop",
		"guild_id", cfg.GuildID,
		"spawn_channels", len(cfg.SpawnChannelIDs),
		"live_rooms", liveRooms,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		rec.Stop()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := disp.Drain(drainCtx); err != nil {
			logger.Warn("dispatcher drain", "error", err)
		}
		drainCancel()
		disp.Stop()
		cancel()
		closeOpenSessions(st, cfg.GuildID, logger)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// closeOpenSessions marks every open session as ended now, so the next
// start does not inherit ghost presence. The reconciler would repair this
// anyway; closing here keeps durations honest.
func closeOpenSessions(st *store.Store, guildID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := st.AllActiveSessions(ctx, guildID)
	if err != nil {
		logger.Warn("listing open sessions at shutdown", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, s := range sessions {
		if err := st.CloseSession(ctx, s.UserID, s.ChannelID, now); err != nil {
			logger.Warn("closing session at shutdown", "user_id", s.UserID, "error", err)
		}
	}
	if len(sessions) > 0 {
		logger.Info("closed open sessions at shutdown", "count", len(sessions))
	}
}

// resolveConfig loads the config from the --config flag or the default
// path.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = os.Getenv("TEMPVOX_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Config{}, fmt.Errorf(
			"no configuration at %s; run 'tempvox setup' to create one", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger builds the slog logger from the config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
