package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chatsync "github.com/yash-surviantllc/fixrx-chatsync"
)

var (
	followMetricsAddr string
	followNoInput     bool
)

func init() {
	rootCmd.AddCommand(followCmd)
	followCmd.Flags().StringVar(&followMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	followCmd.Flags().BoolVar(&followNoInput, "no-input", false, "Do not read messages to send from stdin")
}

var followCmd = &cobra.Command{
	Use:   "follow [conversation-id]",
	Short: "Follow live updates, optionally chatting in one conversation",
	Long: "Connect the push channel and print updates as they arrive. With a\n" +
		"conversation id, its messages are shown and every line read from stdin\n" +
		"is sent to it.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		log := newLogger(cfg)
		self := cfg.Default.UserID

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatsync.NewMetrics(reg)
		if followMetricsAddr != "" {
			srv := &http.Server{Addr: followMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		rt, err := newTransport(cfg, &log)
		if err != nil {
			return err
		}
		eng := chatsync.NewEngine(getClient(cfg), rt, self,
			chatsync.WithLogger(log),
			chatsync.WithMetrics(metrics),
			chatsync.WithAutoMarkRead(true),
		)
		defer eng.Close()

		p := &printer{eng: eng, self: self, seen: make(map[string]chatsync.MessageStatus)}
		if len(args) > 0 {
			p.convID = args[0]
		}
		defer eng.Subscribe(p.handle)()

		if rt != nil {
			connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := rt.Connect(connectCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer rt.Close()
		}

		if _, err := eng.ListConversations(ctx, 50, 0); err != nil {
			log.Warn().Err(err).Msg("could not list conversations")
		}

		if len(args) == 0 {
			for _, c := range eng.Conversations() {
				fmt.Println(formatConversation(c, self))
			}
			<-ctx.Done()
			return nil
		}

		convID := args[0]
		if err := eng.OpenConversation(convID); err != nil {
			return err
		}
		if _, err := eng.LoadInitialPage(ctx, convID); err != nil {
			log.Warn().Err(err).Msg("could not load messages")
		}

		if !followNoInput {
			go readInput(ctx, eng, convID)
		}
		<-ctx.Done()
		return nil
	},
}

// readInput sends each stdin line to convID.
func readInput(ctx context.Context, eng *chatsync.Engine, convID string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		_ = eng.Keystroke(convID)
		if text == "" {
			continue
		}
		_, outcome, err := eng.SendMessage(ctx, convID, chatsync.TextBody{Text: text})
		if err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			continue
		}
		go func() {
			if res := <-outcome; res.Err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", res.Err)
			}
		}()
	}
}

// printer renders engine changes. It runs on the notification goroutine.
type printer struct {
	eng    *chatsync.Engine
	self   string
	convID string
	seen   map[string]chatsync.MessageStatus
	typing bool
}

func (p *printer) handle(c chatsync.Change) {
	switch c.Kind {
	case chatsync.ChangeConnection:
		fmt.Fprintf(os.Stderr, "* connection %s\n", p.eng.ConnectionState())
	case chatsync.ChangeMessages:
		for _, m := range p.eng.Messages() {
			if st, ok := p.seen[m.ID]; ok && st == m.Status {
				continue
			}
			p.seen[m.ID] = m.Status
			fmt.Println(formatMessage(m, p.self))
		}
	case chatsync.ChangeTyping:
		if typing := p.eng.OtherTyping(); typing != p.typing {
			p.typing = typing
			if typing {
				fmt.Fprintln(os.Stderr, "* typing…")
			}
		}
	case chatsync.ChangeConversations:
		if p.convID != "" && c.ConversationID == p.convID {
			return
		}
		for _, conv := range p.eng.Conversations() {
			if conv.ID == c.ConversationID && conv.UnreadCount > 0 {
				fmt.Fprintf(os.Stderr, "* %s\n", formatConversation(conv, p.self))
			}
		}
	case chatsync.ChangeError, chatsync.ChangeSendFailed:
		fmt.Fprintf(os.Stderr, "* error: %v\n", c.Err)
	}
}
