// Package commands implements the kiseki CLI: config/logger wiring and
// a start subcommand that brings up the data path and keeps the
// process alive.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "kiseki",
	Short: "kiseki - a JuiceFS-lineage filesystem data path",
	Long: `kiseki implements the slice/block object-store data path of a
JuiceFS-style POSIX filesystem client: a memory-mapped page pool,
chunked slice writers and readers, a background flusher, and the
upper vfs interface that ties them to a metadata engine.

Use "kiseki [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/kiseki/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
