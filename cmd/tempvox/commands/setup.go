package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tempvox/tempvox/pkg/tempvox/config"
)

// newSetupCmd creates the `tempvox setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create the initial config.yaml.
Asks for the guild, spawn channels, storage backends and the bot token.
The token is stored in the OS keyring, never in plaintext.

Examples:
  tempvox setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.Default()

	var (
		guildID   string
		spawnIDs  string
		afkIDs    string
		template  = cfg.RoomNameTemplate
		maxRooms  = strconv.Itoa(cfg.MaxConcurrentRooms)
		backend   = cfg.Database.Backend
		sqlPath   = cfg.Database.Path
		pgDSN     string
		redisAddr = cfg.Redis.Addr
		token     string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Guild ID").
				Description("The Discord server this daemon manages.").
				Value(&guildID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("the guild ID is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Spawn channel IDs").
				Description("Voice channels that create rooms, comma separated.").
				Value(&spawnIDs).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one spawn channel is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("AFK channel IDs").
				Description("Never tracked. Optional, comma separated.").
				Value(&afkIDs),
			huh.NewInput().
				Title("Room name template").
				Description("{display_name} is replaced with the owner's name.").
				Value(&template),
			huh.NewInput().
				Title("Maximum concurrent rooms").
				Value(&maxRooms).
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n <= 0 {
						return fmt.Errorf("enter a positive number")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Database backend").
				Options(
					huh.NewOption("SQLite (zero configuration)", "sqlite"),
					huh.NewOption("PostgreSQL", "postgres"),
				).
				Value(&backend),
			huh.NewInput().
				Title("SQLite path").
				Value(&sqlPath),
			huh.NewInput().
				Title("PostgreSQL DSN").
				Description("Only used with the postgres backend.").
				Value(&pgDSN),
			huh.NewInput().
				Title("Redis address").
				Value(&redisAddr),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bot token").
				Description("Stored in the OS keyring, not in config.yaml.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	cfg.GuildID = strings.TrimSpace(guildID)
	cfg.SpawnChannelIDs = splitIDs(spawnIDs)
	cfg.AFKChannelIDs = splitIDs(afkIDs)
	cfg.RoomNameTemplate = template
	cfg.MaxConcurrentRooms, _ = strconv.Atoi(strings.TrimSpace(maxRooms))
	cfg.Database.Backend = backend
	cfg.Database.Path = sqlPath
	cfg.Database.DSN = strings.TrimSpace(pgDSN)
	cfg.Redis.Addr = strings.TrimSpace(redisAddr)

	if err := cfg.Validate(); err != nil {
		return err
	}

	tokenStored := false
	if token != "" {
		if err := config.StoreToken(token); err != nil {
			fmt.Println("Could not reach the OS keyring; the token goes into config.yaml instead.")
			cfg.Token = token
		} else {
			tokenStored = true
		}
	}

	target := defaultConfigPath
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
		if !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := cfg.Save(target); err != nil {
		return err
	}

	fmt.Printf("\n%s created.\n", target)
	if tokenStored {
		fmt.Println("Bot token stored in the OS keyring.")
	} else if token == "" {
		fmt.Println("No token configured yet; set TEMPVOX_TOKEN before starting.")
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Run: tempvox doctor")
	fmt.Println("  2. Run: tempvox serve")
	return nil
}

// splitIDs splits a comma-separated ID list, dropping empty entries.
func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}
