package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/yash-surviantllc/fixrx-chatsync"
)

var (
	messagesLimit  int
	messagesBefore string
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", chatsync.DefaultPageSize, "Page size")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Only messages created before this RFC 3339 time")
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a page of messages and mark the conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		var before time.Time
		if messagesBefore != "" {
			t, err := time.Parse(time.RFC3339, messagesBefore)
			if err != nil {
				return fmt.Errorf("invalid --before: %w", err)
			}
			before = t
		}

		cfg := mustConfig()
		log := newLogger(cfg)
		eng := chatsync.NewEngine(getClient(cfg), nil, cfg.Default.UserID,
			chatsync.WithLogger(log),
			chatsync.WithPageSize(messagesLimit),
		)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := eng.OpenConversation(convID); err != nil {
			return err
		}
		var msgs []chatsync.Message
		var err error
		if before.IsZero() {
			msgs, err = eng.LoadInitialPage(ctx, convID)
		} else {
			msgs, err = eng.LoadOlderPage(ctx, convID, before)
		}
		if err != nil {
			return err
		}
		return printMessages(msgs, cfg.Default.UserID)
	},
}

func printMessages(msgs []chatsync.Message, self string) error {
	if jsonOutput {
		data, err := json.MarshalIndent(msgs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Println(formatMessage(m, self))
	}
	return nil
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, text := args[0], strings.Join(args[1:], " ")

		cfg := mustConfig()
		log := newLogger(cfg)
		eng := chatsync.NewEngine(getClient(cfg), nil, cfg.Default.UserID, chatsync.WithLogger(log))
		defer eng.Close()

		if err := eng.OpenConversation(convID); err != nil {
			return err
		}
		_, outcome, err := eng.SendMessage(context.Background(), convID, chatsync.TextBody{Text: text})
		if err != nil {
			return err
		}
		res := <-outcome
		if res.Err != nil {
			return res.Err
		}

		if jsonOutput {
			data, err := json.MarshalIndent(res.Message, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Sent %s\n", res.Message.ServiceMessageID)
		return nil
	},
}
