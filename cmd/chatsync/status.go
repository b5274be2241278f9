package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and, when logged in, the live unread total.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  API base:  %s\n", valueOrDefault(cfg.Default.APIBase, "(not set)"))
		fmt.Printf("  WS base:   %s\n", valueOrDefault(cfg.Default.WSBase, "(same as API base)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Log.Level, "warn"))
		if cfg.Log.File != "" {
			fmt.Printf("  Log file:  %s\n", cfg.Log.File)
		}
		if cfg.Cache.Disabled {
			fmt.Println("  Cache:     disabled")
		} else {
			fmt.Printf("  Cache:     %s\n", valueOrDefault(cfg.Cache.Path, "~/.chatsync/cache.db"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  User ID: %d\n", cfg.Auth.UserID)
			fmt.Printf("  Token:   %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:   (not logged in)")
		}

		if requireSession(cfg) != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := newStore(cfg, newLogger(cfg))
		if err := store.LoadDialogs(ctx); err != nil {
			fmt.Printf("  Error fetching dialogs: %v\n", err)
			return nil
		}
		fmt.Printf("  Dialogs: %d\n", len(store.Dialogs()))
		fmt.Printf("  Unread:  %d\n", store.UnreadTotal())
		return nil
	},
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
