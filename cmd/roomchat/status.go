package main

import (
	"context"
	"fmt"
	"time"

	roomchat "github.com/roomchat/roomchat/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check the stored token against the server and ping the push channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, roomchat.DefaultBaseURL+" (default)"))
		fmt.Fprintf(out, "  Debounce:    %s\n", valueOrDefault(cfg.Default.Debounce, roomchat.DefaultLoadDebounce.String()+" (default)"))
		fmt.Fprintf(out, "  Optimistic:  %v\n", cfg.Default.Optimistic)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not logged in)"))
		if cfg.Auth.Username != "" {
			fmt.Fprintf(out, "  Username:    %s\n", cfg.Auth.Username)
		}
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  Token:       (not set)")
			return nil
		}
		fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client := newClient(cfg)
		if err := client.ValidateToken(ctx); err != nil {
			fmt.Fprintf(out, "  Token:       invalid (%v)\n", err)
			return nil
		}
		fmt.Fprintln(out, "  Token:       valid")

		if session, err := requireSession(cfg); err == nil {
			rooms, err := client.ListRooms(ctx, session.UserID)
			if err != nil {
				fmt.Fprintf(out, "  Rooms:       error (%v)\n", err)
			} else {
				fmt.Fprintf(out, "  Rooms:       %d\n", len(rooms))
			}
		}

		rt := client.Realtime(&roomchat.RealtimeConfig{Logger: newLogger()})
		if err := rt.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  Push:        unavailable (%v)\n", err)
			return nil
		}
		defer rt.Disconnect()
		start := time.Now()
		if err := rt.Ping(ctx); err != nil {
			fmt.Fprintf(out, "  Push:        connected, ping failed (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Push:        connected (ping %s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
