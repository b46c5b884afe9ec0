package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/yash-surviantllc/fixrx-chatsync"
)

var (
	conversationsLimit  int
	conversationsOffset int
	conversationsUnread bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 20, "Number of conversations to fetch")
	conversationsCmd.Flags().IntVar(&conversationsOffset, "offset", 0, "Offset into the conversation list")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only show conversations with unread messages")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)
		eng := chatsync.NewEngine(getClient(cfg), nil, cfg.Default.UserID, chatsync.WithLogger(log))
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := eng.ListConversations(ctx, conversationsLimit, conversationsOffset)
		if err != nil {
			return err
		}
		if conversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if jsonOutput {
			data, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			fmt.Println(formatConversation(c, cfg.Default.UserID))
		}
		return nil
	},
}
