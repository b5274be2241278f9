package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var loginVerify bool

func init() {
	loginCmd.Flags().BoolVar(&loginVerify, "verify", true, "Check the token against the backend before saving")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token> <user-id>",
	Short: "Store the session token",
	Long:  "Store the auth token and user id issued by the backend in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		userID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || userID <= 0 {
			return fmt.Errorf("user-id must be a positive integer")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.APIBase == "" {
			return fmt.Errorf("no API base configured; run 'chatsync init <api-base>' first")
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = userID

		if loginVerify {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			store := newStore(cfg, newLogger(cfg))
			if err := store.LoadDialogs(ctx); err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login saved.")
		fmt.Printf("  User ID: %d\n", userID)
		fmt.Printf("  Token:   %s\n", maskKey(token))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the session and its cached data",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		userID := cfg.Auth.UserID
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if userID != 0 {
			snap, err := openSnapshot(cfg)
			if err != nil {
				return err
			}
			if snap != nil {
				defer snap.Close()
				if err := snap.Purge(context.Background(), userID); err != nil {
					return fmt.Errorf("failed to purge cache: %w", err)
				}
			}
		}

		fmt.Println("Logged out.")
		return nil
	},
}
