// Package commands provides the CLI commands for the livesync server.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configPath string
	logLevel   string
	logPretty  bool
)

var rootCmd = &cobra.Command{
	Use:   "livesync-server",
	Short: "Livesync - server-authoritative component synchronization",
	Long: `Livesync keeps client component trees synchronized with
server-authoritative state: method dispatch, snapshot hydration, scoped
events, offline action replay and conflict resolution over one duplex
channel.

Run 'livesync-server serve' to start the synchronization server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// .env is optional; real environment always wins.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable console logging")

	rootCmd.SetVersionTemplate(fmt.Sprintf("livesync-server %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
