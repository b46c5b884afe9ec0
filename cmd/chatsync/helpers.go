package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	chatsync "github.com/yash-surviantllc/fixrx-chatsync"
)

// mustConfig loads the effective configuration and exits when no
// credentials are set.
func mustConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" || cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'chatsync init <token> <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// newLogger writes human-readable logs to stderr. The --log-level flag
// wins over the configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	name := cfg.Log.Level
	if logLevel != "" {
		name = logLevel
	}
	if name != "" {
		if l, err := zerolog.ParseLevel(name); err == nil {
			level = l
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// getClient creates a REST client authenticated with the configured token.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithAgent("chatsync-cli"))
	return chatsync.NewClient(cfg.Default.Token, opts...)
}

// newTransport creates the configured push channel, or nil for "none".
func newTransport(cfg *Config, log *zerolog.Logger) (chatsync.Transport, error) {
	rc := &chatsync.RealtimeConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: true,
		Logger:        log,
	}
	switch cfg.Realtime.Transport {
	case "", "ws":
		base := cfg.Default.BaseURL
		if base == "" {
			base = chatsync.DefaultBaseURL
		}
		return chatsync.NewWSTransport(base, rc), nil
	case "nats":
		if cfg.Realtime.NATSURL == "" {
			return nil, fmt.Errorf("realtime.nats_url is required for the nats transport")
		}
		var opts []chatsync.NATSOption
		if cfg.Realtime.SubjectPrefix != "" {
			opts = append(opts, chatsync.WithSubjectPrefix(cfg.Realtime.SubjectPrefix))
		}
		return chatsync.NewNATSTransport(cfg.Realtime.NATSURL, cfg.Default.UserID, rc, opts...), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, nats, none)", cfg.Realtime.Transport)
	}
}

// ============================================================================
// Formatting
// ============================================================================

func conversationTitle(c chatsync.Conversation, self string) string {
	if c.Title != "" {
		return c.Title
	}
	if p := c.Counterpart(self); p != nil {
		if p.DisplayName != "" {
			return p.DisplayName
		}
		return p.UserID
	}
	return c.ID
}

func formatConversation(c chatsync.Conversation, self string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %s", c.ID, conversationTitle(c, self))
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%s unread)", humanize.Comma(int64(c.UnreadCount)))
	}
	if m := c.LastMessage; m != nil {
		fmt.Fprintf(&b, "\n%38s%s: %s", "", humanize.Time(m.CreatedAt), truncate(m.Text(), 60))
	}
	return b.String()
}

func formatMessage(m chatsync.Message, self string) string {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	text := m.Text()
	if m.Deleted {
		text = "(deleted)"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), who, text)
	switch m.Status {
	case chatsync.StatusOptimistic:
		line += "  (sending)"
	case chatsync.StatusFailed:
		line += "  (failed: " + m.Error + ")"
	}
	return line
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
