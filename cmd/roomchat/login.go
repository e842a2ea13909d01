package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	loginToken    string
	loginUsername string
	loginNoVerify bool
)

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Bearer token issued by the roomchat server (required)")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display name used for optimistic messages")
	loginCmd.Flags().BoolVar(&loginNoVerify, "no-verify", false, "Store the token without checking it against the server")
	_ = loginCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Store a session token",
	Long:  "Verify a session token with the server and store it with the user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = loginToken
		cfg.Auth.UserID = args[0]
		cfg.Auth.Username = loginUsername

		if !loginNoVerify {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := newClient(cfg).ValidateToken(ctx); err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as user %s\n", args[0])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}
