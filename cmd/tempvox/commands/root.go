// Package commands implements the tempvox CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tempvox",
		Short: "Tempvox - ephemeral voice rooms for Discord",
		Long: `Tempvox manages ephemeral voice rooms on a Discord server: members
join a spawn channel, get a room of their own, and the room disappears
when the last member leaves.

Examples:
  tempvox setup
  tempvox serve --config ./config.yaml
  tempvox doctor`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newDoctorCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
