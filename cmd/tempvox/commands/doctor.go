package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tempvox/tempvox/pkg/tempvox/cache"
	"github.com/tempvox/tempvox/pkg/tempvox/config"
	"github.com/tempvox/tempvox/pkg/tempvox/store"
)

// newDoctorCmd creates the `tempvox doctor` command that checks every
// dependency the daemon needs before it starts.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Long: `Verifies the configuration file, the database, Redis, the OS
keyring and the bot token without connecting to Discord.

Examples:
  tempvox doctor
  tempvox doctor --config ./config.yaml`,
		RunE: runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("  [FAIL] %-12s %v\n", name, err)
			return
		}
		fmt.Printf("  [ ok ] %s\n", name)
	}

	fmt.Println("tempvox doctor")
	fmt.Println()

	cfg, err := resolveConfig(cmd)
	check("config", err)
	if err != nil {
		return fmt.Errorf("%d check(s) failed", failures)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(store.Config{
		Backend: store.BackendType(cfg.Database.Backend),
		Path:    cfg.Database.Path,
		DSN:     cfg.Database.DSN,
	}, quiet)
	check("database", err)
	if err == nil {
		st.Close()
	}

	ca, err := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, quiet)
	check("redis", err)
	if err == nil {
		check("redis ping", ca.Ping(ctx))
		ca.Close()
	}

	if config.KeyringAvailable() {
		fmt.Println("  [ ok ] keyring")
	} else {
		fmt.Println("  [warn] keyring      not available; use TEMPVOX_TOKEN")
	}

	if token := config.ResolveToken(&cfg, quiet); token == "" {
		failures++
		fmt.Println("  [FAIL] token        no bot token found")
	} else {
		fmt.Println("  [ ok ] token")
	}

	fmt.Println()
	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println("All checks passed.")
	return nil
}
