package chatsync

import (
	"github.com/google/uuid"
)

// ============================================================================
// Read-Receipt Tracker
// ============================================================================

type readMarker struct {
	id  string
	seq uint64
}

// ReadTracker decides when a conversation should be marked read on the
// server. Messages are ranked by the order in which they were observed, not
// by timestamp, so a late delivery of an old message cannot move the marker
// backwards.
//
// A ReadTracker is not safe for concurrent use.
type ReadTracker struct {
	next     uint64
	arrivals map[string]map[string]uint64
	markers  map[string]readMarker
}

func NewReadTracker() *ReadTracker {
	return &ReadTracker{
		arrivals: make(map[string]map[string]uint64),
		markers:  make(map[string]readMarker),
	}
}

// Observe records the arrival of a message. Re-observing keeps the first
// arrival rank.
func (t *ReadTracker) Observe(conversationID, messageID string) uint64 {
	if messageID == "" {
		return 0
	}
	seen := t.arrivals[conversationID]
	if seen == nil {
		seen = make(map[string]uint64)
		t.arrivals[conversationID] = seen
	}
	if seq, ok := seen[messageID]; ok {
		return seq
	}
	t.next++
	seen[messageID] = t.next
	return t.next
}

// Advance moves the marker to candidate and reports whether a mark-read call
// should be issued. It refuses empty candidates, the current marker,
// anything that is not a server id, and anything that arrived before the
// current marker.
func (t *ReadTracker) Advance(conversationID, candidate string) bool {
	if candidate == "" || !IsServiceMessageID(candidate) {
		return false
	}
	cur, ok := t.markers[conversationID]
	if ok && cur.id == candidate {
		return false
	}
	seq := t.Observe(conversationID, candidate)
	if ok && seq < cur.seq {
		return false
	}
	t.markers[conversationID] = readMarker{id: candidate, seq: seq}
	return true
}

// Marker returns the message id the conversation was last marked read at.
func (t *ReadTracker) Marker(conversationID string) string {
	return t.markers[conversationID].id
}

// IsServiceMessageID reports whether id has the shape of a server-assigned
// message id: a canonical, hyphenated version 4 UUID.
func IsServiceMessageID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.Variant() == uuid.RFC4122
}
