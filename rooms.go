package chatsync

import (
	"slices"
)

// ============================================================================
// Connection Lifecycle Manager
// ============================================================================

// RoomManager tracks push-room membership for one connection. A join is
// pending from BeginJoin until FinishJoin; a join that was cancelled by a
// leave or a reset in between is not recorded when it completes.
//
// A RoomManager is not safe for concurrent use.
type RoomManager struct {
	joined  map[string]struct{}
	pending map[string]uint64
	next    uint64
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		joined:  make(map[string]struct{}),
		pending: make(map[string]uint64),
	}
}

// BeginJoin starts a join and returns its token, or 0 when the room is
// already joined or being joined.
func (m *RoomManager) BeginJoin(conversationID string) uint64 {
	if _, ok := m.joined[conversationID]; ok {
		return 0
	}
	if _, ok := m.pending[conversationID]; ok {
		return 0
	}
	m.next++
	m.pending[conversationID] = m.next
	return m.next
}

// FinishJoin records the outcome of the join identified by token and
// reports whether the room is now joined.
func (m *RoomManager) FinishJoin(conversationID string, token uint64, err error) bool {
	if t, ok := m.pending[conversationID]; !ok || t != token {
		return false
	}
	delete(m.pending, conversationID)
	if err != nil {
		return false
	}
	m.joined[conversationID] = struct{}{}
	return true
}

// BeginLeave forgets the room and reports whether a leave signal is due.
func (m *RoomManager) BeginLeave(conversationID string) bool {
	_, joined := m.joined[conversationID]
	_, pending := m.pending[conversationID]
	delete(m.joined, conversationID)
	delete(m.pending, conversationID)
	return joined || pending
}

// LeaveAll forgets every room and returns those that need a leave signal.
func (m *RoomManager) LeaveAll() []string {
	out := m.Rooms()
	for id := range m.pending {
		if _, ok := m.joined[id]; !ok {
			out = append(out, id)
		}
	}
	m.Reset()
	slices.Sort(out)
	return out
}

// Reset forgets all membership without signalling; used when the
// connection that held it is gone.
func (m *RoomManager) Reset() {
	clear(m.joined)
	clear(m.pending)
}

// Joined reports whether the room is joined.
func (m *RoomManager) Joined(conversationID string) bool {
	_, ok := m.joined[conversationID]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (m *RoomManager) Rooms() []string {
	out := make([]string, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Stale returns joined or pending rooms that are not in want.
func (m *RoomManager) Stale(want map[string]struct{}) []string {
	var out []string
	for id := range m.joined {
		if _, ok := want[id]; !ok {
			out = append(out, id)
		}
	}
	for id := range m.pending {
		if _, ok := want[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
