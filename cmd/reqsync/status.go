package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reqdesk/reqsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and gateway status",
	Long:  "Display the current configuration, check if the token is expired, and query the gateway.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, reqsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, string(reqsync.TransportWebSocket)))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.ActorID != "" {
			role := "customer"
			if cfg.Auth.IsOperator {
				role = "operator"
			}
			fmt.Printf("  Actor:       %s (%s)\n", cfg.Auth.ActorID, role)
		} else {
			fmt.Println("  Actor:       (unknown)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		store, _, err := getStore()
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := store.Health(ctx); err != nil {
			fmt.Printf("  Gateway:     UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Println("  Gateway:     HEALTHY")

		actor, err := store.Actor(ctx)
		if err != nil {
			fmt.Printf("  Error reading token: %v\n", err)
			return nil
		}
		counts, err := store.UnreadCounts(ctx, actor.ID)
		if err != nil {
			fmt.Printf("  Error fetching unread counts: %v\n", describeError(err))
			return nil
		}
		total := 0
		for _, c := range counts {
			total += c.Count
		}
		fmt.Printf("  Unread:      %d in %d conversation(s)\n", total, len(counts))
		return nil
	},
}
