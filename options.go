package chatsync

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultPageSize       = 50
	DefaultRequestTimeout = 15 * time.Second
)

type engineConfig struct {
	log            zerolog.Logger
	metrics        *Metrics
	clock          Clock
	pageSize       int
	typingTimeout  time.Duration
	requestTimeout time.Duration
	hydrateLimit   rate.Limit
	hydrateBurst   int
	autoMarkRead   bool
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		log:            zerolog.Nop(),
		clock:          realClock{},
		pageSize:       DefaultPageSize,
		typingTimeout:  DefaultTypingTimeout,
		requestTimeout: DefaultRequestTimeout,
		hydrateLimit:   rate.Limit(2),
		hydrateBurst:   4,
	}
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

func WithLogger(log zerolog.Logger) EngineOption {
	return func(c *engineConfig) { c.log = log }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(c *engineConfig) { c.metrics = m }
}

func WithClock(clock Clock) EngineOption {
	return func(c *engineConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithPageSize sets the number of messages fetched per page (default 50).
func WithPageSize(n int) EngineOption {
	return func(c *engineConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithTypingTimeout sets the inactivity period after which typing stops
// (default 2s).
func WithTypingTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		if d > 0 {
			c.typingTimeout = d
		}
	}
}

// WithRequestTimeout bounds background pull calls (send, mark-read,
// hydration, typing fallback).
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithHydrateRate limits placeholder hydration fetches.
func WithHydrateRate(limit rate.Limit, burst int) EngineOption {
	return func(c *engineConfig) {
		c.hydrateLimit = limit
		c.hydrateBurst = max(burst, 1)
	}
}

// WithAutoMarkRead marks the open, focused conversation read as messages
// from others arrive.
func WithAutoMarkRead(enabled bool) EngineOption {
	return func(c *engineConfig) { c.autoMarkRead = enabled }
}
