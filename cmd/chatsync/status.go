package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chatsync "github.com/yash-surviantllc/fixrx-chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the current configuration, check the pull channel and try the configured push channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Realtime.Transport, "ws"))
		if cfg.Realtime.Transport == "nats" {
			fmt.Printf("  NATS URL:    %s\n", valueOrDefault(cfg.Realtime.NATSURL, "(not set)"))
		}

		if cfg.Default.Token == "" || cfg.Default.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		log := newLogger(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		res, err := getClient(cfg).ListConversations(ctx, chatsync.ListOptions{Limit: 1})
		switch {
		case err != nil:
			fmt.Printf("  Pull channel:  error: %v\n", err)
		case !res.OK:
			fmt.Printf("  Pull channel:  API error: %v\n", res.Err())
		default:
			fmt.Printf("  Pull channel:  ok (%s)\n", time.Since(start).Round(time.Millisecond))
		}

		rt, err := newTransport(cfg, &log)
		if err != nil {
			fmt.Printf("  Push channel:  %v\n", err)
			return nil
		}
		if rt == nil {
			fmt.Println("  Push channel:  disabled")
			return nil
		}
		start = time.Now()
		if err := rt.Connect(ctx); err != nil {
			fmt.Printf("  Push channel:  error: %v\n", err)
			return nil
		}
		defer rt.Close()
		fmt.Printf("  Push channel:  %s (connected %s)\n", rt.State(), humanize.RelTime(start, time.Now(), "ago", "from now"))
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
