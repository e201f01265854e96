package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kisekifs/kiseki/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `config loads configuration the same way start does (file,
environment, defaults) and prints the fully resolved result, so it can
be inspected or saved as a starting point for a config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(GetConfigFile())
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}
