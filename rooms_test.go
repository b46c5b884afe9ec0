package chatsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomManagerJoin(t *testing.T) {
	m := NewRoomManager()

	token := m.BeginJoin("a")
	require.NotZero(t, token)
	assert.Zero(t, m.BeginJoin("a"), "pending join is not repeated")
	assert.False(t, m.Joined("a"))

	assert.True(t, m.FinishJoin("a", token, nil))
	assert.True(t, m.Joined("a"))
	assert.Zero(t, m.BeginJoin("a"), "joined room is not rejoined")
	assert.Equal(t, []string{"a"}, m.Rooms())
}

func TestRoomManagerFailedJoin(t *testing.T) {
	m := NewRoomManager()
	token := m.BeginJoin("a")
	assert.False(t, m.FinishJoin("a", token, errors.New("nope")))
	assert.False(t, m.Joined("a"))
	assert.NotZero(t, m.BeginJoin("a"), "failed join can be retried")
}

func TestRoomManagerCancelledJoin(t *testing.T) {
	t.Run("leave while pending", func(t *testing.T) {
		m := NewRoomManager()
		token := m.BeginJoin("a")
		assert.True(t, m.BeginLeave("a"))
		assert.False(t, m.FinishJoin("a", token, nil))
		assert.False(t, m.Joined("a"))
	})

	t.Run("reset while pending", func(t *testing.T) {
		m := NewRoomManager()
		token := m.BeginJoin("a")
		m.Reset()
		assert.False(t, m.FinishJoin("a", token, nil))

		next := m.BeginJoin("a")
		assert.NotEqual(t, token, next)
		assert.False(t, m.FinishJoin("a", token, nil), "old token cannot complete new join")
		assert.True(t, m.FinishJoin("a", next, nil))
	})
}

func TestRoomManagerLeave(t *testing.T) {
	m := NewRoomManager()
	assert.False(t, m.BeginLeave("a"), "leaving an unknown room needs no signal")

	for _, id := range []string{"c", "a", "b"} {
		m.FinishJoin(id, m.BeginJoin(id), nil)
	}
	pending := m.BeginJoin("d")
	require.NotZero(t, pending)

	assert.True(t, m.BeginLeave("b"))
	assert.Equal(t, []string{"a", "c"}, m.Rooms())

	assert.Equal(t, []string{"a", "c", "d"}, m.LeaveAll())
	assert.Empty(t, m.Rooms())
	assert.Empty(t, m.LeaveAll())
}

func TestRoomManagerStale(t *testing.T) {
	m := NewRoomManager()
	for _, id := range []string{"a", "b"} {
		m.FinishJoin(id, m.BeginJoin(id), nil)
	}
	m.BeginJoin("c")

	stale := m.Stale(map[string]struct{}{"a": {}})
	assert.Equal(t, []string{"b", "c"}, stale)
}
