package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	me   = "user-me"
	peer = "user-peer"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func svcID() string { return uuid.NewString() }

// confirmed builds a server message.
func confirmed(id, conv, sender string, created time.Time, text string) Message {
	return Message{
		ID:               id,
		ServiceMessageID: id,
		ConversationID:   conv,
		SenderID:         sender,
		Type:             MessageText,
		Body:             TextBody{Text: text},
		CreatedAt:        created,
		Status:           StatusConfirmed,
	}
}

// echo builds a server message carrying an idempotency key.
func echo(id, key, conv string, created time.Time, text string) Message {
	m := confirmed(id, conv, me, created, text)
	m.Metadata = map[string]any{idempotencyKeyField: key}
	return m
}

func optimistic(localID, conv string, created time.Time, text string) Message {
	return Message{
		ID:             localID,
		ConversationID: conv,
		SenderID:       me,
		Type:           MessageText,
		Body:           TextBody{Text: text},
		Metadata:       map[string]any{idempotencyKeyField: localID},
		CreatedAt:      created,
		Status:         StatusOptimistic,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func convIDs(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

// ============================================================================
// Fake clock
// ============================================================================

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
