package chatsync

import (
	"slices"
	"time"
)

// ============================================================================
// Conversation Store
// ============================================================================

const seenWindow = 256

// seenSet remembers the most recent message ids of one conversation so that
// re-delivered messages are not counted twice.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	pos  int
}

func (s *seenSet) add(id string) bool {
	if s.ids == nil {
		s.ids = make(map[string]struct{}, seenWindow)
		s.ring = make([]string, 0, seenWindow)
	}
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.ring) < seenWindow {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.pos])
		s.ring[s.pos] = id
		s.pos = (s.pos + 1) % seenWindow
	}
	s.ids[id] = struct{}{}
	return true
}

// ConversationStore holds the summary state of every known conversation,
// ordered most recently active first.
//
// A ConversationStore is not safe for concurrent use.
type ConversationStore struct {
	self  string
	now   func() time.Time
	convs map[string]*Conversation
	order []string
	seen  map[string]*seenSet
}

// NewConversationStore creates an empty store for the local user self.
func NewConversationStore(self string, now func() time.Time) *ConversationStore {
	if now == nil {
		now = time.Now
	}
	return &ConversationStore{
		self:  self,
		now:   now,
		convs: make(map[string]*Conversation),
		seen:  make(map[string]*seenSet),
	}
}

// Len returns the number of conversations.
func (s *ConversationStore) Len() int { return len(s.order) }

// Has reports whether the conversation is known.
func (s *ConversationStore) Has(id string) bool {
	_, ok := s.convs[id]
	return ok
}

// Get returns a copy of one conversation.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// IDs returns the conversation ids in display order.
func (s *ConversationStore) IDs() []string {
	return slices.Clone(s.order)
}

// List returns copies of all conversations in display order.
func (s *ConversationStore) List() []Conversation {
	out := make([]Conversation, len(s.order))
	for i, id := range s.order {
		out[i] = s.convs[id].clone()
	}
	return out
}

// Replace installs a freshly fetched list. Placeholders that the list does
// not mention yet are kept until they are hydrated.
func (s *ConversationStore) Replace(list []Conversation) {
	next := make(map[string]*Conversation, len(list))
	order := make([]string, 0, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if _, dup := next[c.ID]; dup {
			continue
		}
		merged := mergeConversation(s.convs[c.ID], c)
		next[c.ID] = &merged
		order = append(order, c.ID)
		s.remember(&merged)
	}
	for _, id := range s.order {
		if c := s.convs[id]; c.Placeholder && next[id] == nil {
			next[id] = c
			order = append(order, id)
		}
	}
	for id := range s.seen {
		if next[id] == nil {
			delete(s.seen, id)
		}
	}
	s.convs = next
	s.order = order
	s.sort()
}

// Upsert merges one fetched or pushed conversation and clears its
// placeholder flag.
func (s *ConversationStore) Upsert(c Conversation) {
	if c.ID == "" {
		return
	}
	existing, ok := s.convs[c.ID]
	merged := mergeConversation(existing, c)
	s.convs[c.ID] = &merged
	if !ok {
		s.order = append([]string{c.ID}, s.order...)
	}
	s.remember(&merged)
	s.sort()
}

// ApplyIncomingMessage folds a pushed message into its conversation's
// summary. An unknown conversation gets a placeholder at the head of the
// list. It reports whether a placeholder was created.
func (s *ConversationStore) ApplyIncomingMessage(m Message) bool {
	key := m.ServiceMessageID
	if key == "" {
		key = m.ID
	}
	c, ok := s.convs[m.ConversationID]
	if !ok {
		updated := m.CreatedAt
		if now := s.now(); now.After(updated) {
			updated = now
		}
		msg := m.clone()
		c = &Conversation{
			ID:           m.ConversationID,
			Participants: []Participant{{UserID: m.SenderID}},
			LastMessage:  &msg,
			UpdatedAt:    updated,
			Placeholder:  true,
		}
		if m.SenderID != s.self {
			c.UnreadCount = 1
		}
		s.convs[m.ConversationID] = c
		s.order = append([]string{m.ConversationID}, s.order...)
		s.seenFor(m.ConversationID).add(key)
		s.sort()
		return true
	}

	fresh := s.seenFor(m.ConversationID).add(key)
	if c.LastMessage == nil || lastKey(c.LastMessage) == key || !m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		msg := m.clone()
		c.LastMessage = &msg
	}
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	if fresh && m.SenderID != s.self {
		c.UnreadCount++
	}
	s.sort()
	return false
}

// ApplyReadReceipt records that userID has read the conversation. For the
// local user the unread count drops to zero; for others only the
// participant's read marker moves. It reports whether anything changed.
func (s *ConversationStore) ApplyReadReceipt(rr ReadReceipt) bool {
	c, ok := s.convs[rr.ConversationID]
	if !ok {
		return false
	}
	changed := false
	if rr.UserID == s.self && c.UnreadCount != 0 {
		c.UnreadCount = 0
		changed = true
	}
	if p := c.Participant(rr.UserID); p != nil {
		if rr.ReadAt.IsZero() || !rr.ReadAt.Before(p.LastReadAt) {
			if rr.LastMessageID != "" && p.LastReadMessageID != rr.LastMessageID {
				p.LastReadMessageID = rr.LastMessageID
				changed = true
			}
			if !rr.ReadAt.IsZero() && !rr.ReadAt.Equal(p.LastReadAt) {
				p.LastReadAt = rr.ReadAt
				changed = true
			}
		}
	}
	return changed
}

// MarkReadLocal sets the unread count to zero and reports whether it was
// non-zero.
func (s *ConversationStore) MarkReadLocal(id string) bool {
	c, ok := s.convs[id]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

// ApplyLastMessage updates the summary from a fetched message without
// touching the unread count.
func (s *ConversationStore) ApplyLastMessage(m Message) bool {
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return false
	}
	s.seenFor(m.ConversationID).add(lastKey(&m))
	if c.LastMessage != nil && m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return false
	}
	msg := m.clone()
	c.LastMessage = &msg
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	s.sort()
	return true
}

func (s *ConversationStore) seenFor(id string) *seenSet {
	set := s.seen[id]
	if set == nil {
		set = &seenSet{}
		s.seen[id] = set
	}
	return set
}

func (s *ConversationStore) remember(c *Conversation) {
	if c.LastMessage != nil {
		s.seenFor(c.ID).add(lastKey(c.LastMessage))
	}
}

// sort orders by latest activity, newest first, keeping the previous order
// among equals.
func (s *ConversationStore) sort() {
	slices.SortStableFunc(s.order, func(a, b string) int {
		return s.convs[b].activity().Compare(s.convs[a].activity())
	})
}

func lastKey(m *Message) string {
	if m.ServiceMessageID != "" {
		return m.ServiceMessageID
	}
	return m.ID
}

// mergeConversation combines a fetched conversation with what is already
// known. The fetched state wins unless the local summary has seen a newer
// message, in which case that message and the higher unread count are kept.
func mergeConversation(existing *Conversation, incoming Conversation) Conversation {
	out := incoming.clone()
	out.Placeholder = false
	out.UnreadCount = max(out.UnreadCount, 0)
	if existing == nil {
		return out
	}
	if existing.LastMessage != nil &&
		(out.LastMessage == nil || existing.LastMessage.CreatedAt.After(out.LastMessage.CreatedAt)) {
		m := existing.LastMessage.clone()
		out.LastMessage = &m
		out.UnreadCount = max(out.UnreadCount, existing.UnreadCount)
	}
	if existing.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = existing.UpdatedAt
	}
	if len(out.Participants) == 0 {
		out.Participants = append([]Participant(nil), existing.Participants...)
	}
	return out
}
