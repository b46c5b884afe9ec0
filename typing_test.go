package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalRecord struct {
	typing bool
	at     time.Duration
}

func newTestTyping(t *testing.T) (*TypingController, *fakeClock, *[]signalRecord) {
	t.Helper()
	clock := newFakeClock(t0)
	var signals []signalRecord
	c := NewTypingController(me, clock, DefaultTypingTimeout, func(typing bool) {
		signals = append(signals, signalRecord{typing: typing, at: clock.Now().Sub(t0)})
	}, nil)
	return c, clock, &signals
}

func TestTypingDebounce(t *testing.T) {
	c, clock, signals := newTestTyping(t)

	c.Keystroke()
	clock.Advance(500 * time.Millisecond)
	c.Keystroke()
	clock.Advance(400 * time.Millisecond)
	c.Keystroke()
	clock.Advance(10 * time.Second)

	require.Len(t, *signals, 2)
	assert.Equal(t, signalRecord{typing: true, at: 0}, (*signals)[0])
	assert.Equal(t, signalRecord{typing: false, at: 2900 * time.Millisecond}, (*signals)[1])
	assert.Equal(t, TypingIdle, c.State())
}

func TestTypingStop(t *testing.T) {
	t.Run("cancels pending timer", func(t *testing.T) {
		c, clock, signals := newTestTyping(t)
		c.Keystroke()
		clock.Advance(time.Second)
		c.Stop()
		assert.Zero(t, clock.Pending())

		clock.Advance(10 * time.Second)
		require.Len(t, *signals, 2)
		assert.False(t, (*signals)[1].typing)
		assert.Equal(t, time.Second, (*signals)[1].at)
	})

	t.Run("idle stop is silent", func(t *testing.T) {
		c, _, signals := newTestTyping(t)
		c.Stop()
		assert.Empty(t, *signals)
	})

	t.Run("typing again after stop starts a new period", func(t *testing.T) {
		c, clock, signals := newTestTyping(t)
		c.Keystroke()
		c.Stop()
		c.Keystroke()
		clock.Advance(3 * time.Second)
		require.Len(t, *signals, 4)
		assert.True(t, (*signals)[2].typing)
		assert.False(t, (*signals)[3].typing)
	})
}

func TestTypingStaleExpiry(t *testing.T) {
	clock := newFakeClock(t0)
	var queued []func()
	var signals []bool
	c := NewTypingController(me, clock, time.Second, func(typing bool) { signals = append(signals, typing) },
		func(fn func()) { queued = append(queued, fn) })

	c.Keystroke()
	clock.Advance(time.Second)
	require.Len(t, queued, 1)

	// Input arrives before the queued expiry runs.
	c.Keystroke()
	queued[0]()
	assert.Equal(t, TypingActive, c.State())
	assert.Equal(t, []bool{true}, signals)
}

func TestTypingRemote(t *testing.T) {
	c, _, _ := newTestTyping(t)

	assert.False(t, c.Remote(TypingEvent{ConversationID: "c", UserID: me, IsTyping: true}))
	assert.False(t, c.OtherTyping())

	assert.True(t, c.Remote(TypingEvent{ConversationID: "c", UserID: peer, IsTyping: true}))
	assert.True(t, c.OtherTyping())
	assert.False(t, c.Remote(TypingEvent{ConversationID: "c", UserID: peer, IsTyping: true}))

	assert.True(t, c.Remote(TypingEvent{ConversationID: "c", UserID: peer, IsTyping: false}))
	assert.False(t, c.OtherTyping())

	c.Remote(TypingEvent{ConversationID: "c", UserID: peer, IsTyping: true})
	assert.True(t, c.ResetRemote())
	assert.False(t, c.OtherTyping())
}
