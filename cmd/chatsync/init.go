package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-base> [ws-base]",
	Short: "Store backend endpoints in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the REST base URL and, optionally,\na separate realtime base URL in the local configuration file.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIBase = args[0]
		if len(args) == 2 {
			cfg.Default.WSBase = args[1]
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Endpoints saved to %s\n", path)
		return nil
	},
}
