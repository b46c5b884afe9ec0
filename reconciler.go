package chatsync

import (
	"cmp"
	"slices"
	"time"
)

// ============================================================================
// Message Stream Reconciler
// ============================================================================

// ApplyResult reports what ApplyIncoming did with a message.
type ApplyResult int

const (
	// Inserted means the message was new to the list.
	Inserted ApplyResult = iota
	// Updated means an entry with the same server id was overwritten.
	Updated
	// Resolved means an optimistic entry was replaced by its confirmation.
	Resolved
)

// clockSkew bounds how far a server timestamp may trail the local clock when
// a page entry is matched to a local send by position.
const clockSkew = 2 * time.Minute

type entry struct {
	msg Message
	seq uint64
}

// Reconciler holds the ordered message list of one conversation. The list
// is sorted by CreatedAt, ties broken by insertion order, and deduplicated by
// server id when present, else by local id.
//
// A Reconciler is not safe for concurrent use.
type Reconciler struct {
	self    string
	entries []entry
	nextSeq uint64
}

// NewReconciler creates an empty list for the local user self.
func NewReconciler(self string) *Reconciler {
	return &Reconciler{self: self}
}

// Messages returns a copy of the ordered list.
func (r *Reconciler) Messages() []Message {
	out := make([]Message, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.msg.clone()
	}
	return out
}

// Len returns the number of entries.
func (r *Reconciler) Len() int { return len(r.entries) }

// Find returns the entry with local id id.
func (r *Reconciler) Find(id string) (Message, bool) {
	if i := r.indexLocal(id); i >= 0 {
		return r.entries[i].msg.clone(), true
	}
	return Message{}, false
}

// LastConfirmed returns the newest entry that has a server id.
func (r *Reconciler) LastConfirmed() (Message, bool) {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].msg.ServiceMessageID != "" {
			return r.entries[i].msg.clone(), true
		}
	}
	return Message{}, false
}

// Oldest returns the CreatedAt of the first confirmed entry, for paging.
func (r *Reconciler) Oldest() (time.Time, bool) {
	for _, e := range r.entries {
		if e.msg.ServiceMessageID != "" {
			return e.msg.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// Replace installs a freshly fetched most-recent page. Local entries that
// the server has not confirmed yet are kept, as are confirmed entries newer
// than everything in the page (they arrived after the page was produced).
// Page entries already in the list keep their local id.
//
// A kept local entry is dropped when the page holds its confirmation: the
// page entry echoing its idempotency key, or else the oldest page entry
// from the local user that the list did not know about. The page entry
// takes over the local id.
func (r *Reconciler) Replace(page []Message) {
	var newest time.Time
	for _, m := range page {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}

	known := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		if e.msg.ServiceMessageID != "" {
			known[e.msg.ServiceMessageID] = e.msg.ID
		}
	}

	old := r.entries
	r.entries = make([]entry, 0, len(page)+len(old))
	for _, m := range page {
		if id, ok := known[m.ServiceMessageID]; ok {
			m.ID = id
		}
		r.merge(m)
	}
	r.sort()

	taken := make(map[string]bool)
	for _, e := range old {
		switch {
		case e.msg.ServiceMessageID == "":
			i := r.indexEcho(e.msg.ID)
			if i < 0 && e.msg.Status == StatusOptimistic {
				i = r.unclaimedSelf(e.msg.CreatedAt, known, taken)
			}
			if i >= 0 {
				r.entries[i].msg.ID = e.msg.ID
				taken[r.entries[i].msg.ServiceMessageID] = true
				continue
			}
			r.entries = append(r.entries, e)
		case len(page) == 0 || e.msg.CreatedAt.After(newest):
			if r.indexService(e.msg.ServiceMessageID) < 0 {
				r.entries = append(r.entries, e)
			}
		}
	}
	r.sort()
}

// Prepend merges an older page. Entries already present are overwritten in
// place; new ones are inserted in sorted position. It returns the number of
// entries added.
func (r *Reconciler) Prepend(page []Message) int {
	added := 0
	for _, m := range page {
		if r.merge(m) {
			added++
		}
	}
	r.sort()
	return added
}

// merge overwrites the entry with the same server id (or local id when m
// has none) or appends m. It does not sort. It reports whether m was
// appended.
func (r *Reconciler) merge(m Message) bool {
	var i int
	if m.ServiceMessageID != "" {
		i = r.indexService(m.ServiceMessageID)
	} else {
		i = r.indexLocal(m.ID)
	}
	if i >= 0 {
		m.ID = r.entries[i].msg.ID
		r.entries[i].msg = m
		return false
	}
	r.append(m)
	return true
}

// AddOptimistic appends a locally created message.
func (r *Reconciler) AddOptimistic(m Message) {
	m.Status = StatusOptimistic
	m.ServiceMessageID = ""
	r.append(m)
	r.sort()
}

// ApplyIncoming merges a pushed message.
//
// An entry with the same server id is overwritten; if the message echoes the
// key of an entry still waiting for confirmation, that entry is folded into
// it and the result is Resolved. Otherwise a message from
// the local user is matched first by its echoed idempotency key, then
// positionally against the oldest still-optimistic entry from the local
// user. Anything else is inserted in sorted position.
func (r *Reconciler) ApplyIncoming(m Message) (ApplyResult, string) {
	if i := r.indexService(m.ServiceMessageID); i >= 0 {
		res := Updated
		if key := m.IdempotencyKey(); key != "" && r.indexKey(key) >= 0 {
			i, res = r.adopt(i, key), Resolved
		}
		m.ID = r.entries[i].msg.ID
		r.entries[i].msg = m
		r.sort()
		return res, m.ID
	}
	if m.SenderID == r.self {
		i := -1
		if key := m.IdempotencyKey(); key != "" {
			i = r.indexKey(key)
		} else {
			i = r.oldestOptimistic()
		}
		if i >= 0 {
			m.ID = r.entries[i].msg.ID
			r.entries[i].msg = m
			r.sort()
			return Resolved, m.ID
		}
	}
	r.append(m)
	r.sort()
	return Inserted, m.ID
}

// Confirm applies the direct response to the send of localID.
//
// If the confirmed message is already in the list (a push or a page got
// there first), that entry is overwritten and takes over localID, and any
// entry still waiting under localID is folded into it. Otherwise the entry
// for localID is replaced if it is still unconfirmed. If another message
// from the local user already took that entry, the entry is re-keyed to
// its server id and the confirmation is inserted under localID. With no
// entry for localID at all, the oldest still-optimistic entry from the
// local user is replaced, and failing that the confirmation is inserted.
func (r *Reconciler) Confirm(localID string, m Message) string {
	if i := r.indexService(m.ServiceMessageID); i >= 0 {
		i = r.adopt(i, localID)
		m.ID = r.entries[i].msg.ID
		r.entries[i].msg = m
		r.sort()
		return m.ID
	}
	i := r.indexLocal(localID)
	if i >= 0 && r.entries[i].msg.ServiceMessageID != "" {
		r.entries[i].msg.ID = r.entries[i].msg.ServiceMessageID
		m.ID = localID
		r.append(m)
		r.sort()
		return m.ID
	}
	if i < 0 {
		i = r.oldestOptimistic()
	}
	if i >= 0 {
		m.ID = r.entries[i].msg.ID
		r.entries[i].msg = m
		r.sort()
		return m.ID
	}
	m.ID = localID
	r.append(m)
	r.sort()
	return m.ID
}

// adopt folds the unconfirmed entry for localID into the confirmed entry i
// and returns the new index of i. The confirmed entry takes localID. If it
// was holding the slot of another local send, the unconfirmed entry keeps
// waiting under that send's id instead of being dropped.
func (r *Reconciler) adopt(i int, localID string) int {
	j := r.indexKey(localID)
	if j < 0 || j == i {
		return i
	}
	hit := r.entries[i].msg
	if hit.ID != hit.ServiceMessageID {
		r.entries[j].msg.ID = hit.ID
	} else {
		r.entries = slices.Delete(r.entries, j, j+1)
		if j < i {
			i--
		}
	}
	r.entries[i].msg.ID = localID
	return i
}

// Fail marks an unconfirmed entry as failed.
func (r *Reconciler) Fail(localID, reason string) bool {
	i := r.indexLocal(localID)
	if i < 0 || r.entries[i].msg.ServiceMessageID != "" {
		return false
	}
	r.entries[i].msg.Status = StatusFailed
	r.entries[i].msg.Error = reason
	return true
}

// Retry moves a failed entry back to optimistic at the tail of the list.
func (r *Reconciler) Retry(localID string, now time.Time) (Message, error) {
	i := r.indexLocal(localID)
	if i < 0 {
		return Message{}, ErrUnknownMessage
	}
	if r.entries[i].msg.Status != StatusFailed {
		return Message{}, ErrNotFailed
	}
	e := r.entries[i]
	r.entries = slices.Delete(r.entries, i, i+1)
	e.msg.Status = StatusOptimistic
	e.msg.Error = ""
	e.msg.CreatedAt = now
	r.append(e.msg)
	r.sort()
	return e.msg.clone(), nil
}

// Discard removes a failed entry.
func (r *Reconciler) Discard(localID string) error {
	i := r.indexLocal(localID)
	if i < 0 {
		return ErrUnknownMessage
	}
	if r.entries[i].msg.Status != StatusFailed {
		return ErrNotFailed
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return nil
}

func (r *Reconciler) append(m Message) {
	r.nextSeq++
	r.entries = append(r.entries, entry{msg: m, seq: r.nextSeq})
}

func (r *Reconciler) sort() {
	slices.SortFunc(r.entries, func(a, b entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

func (r *Reconciler) indexService(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(r.entries, func(e entry) bool { return e.msg.ServiceMessageID == id })
}

func (r *Reconciler) indexLocal(id string) int {
	return slices.IndexFunc(r.entries, func(e entry) bool { return e.msg.ID == id })
}

// indexKey finds the unconfirmed entry whose local id is key.
func (r *Reconciler) indexKey(key string) int {
	return slices.IndexFunc(r.entries, func(e entry) bool {
		return e.msg.ID == key && e.msg.ServiceMessageID == ""
	})
}

// indexEcho finds the confirmed entry that echoes idempotency key key.
func (r *Reconciler) indexEcho(key string) int {
	return slices.IndexFunc(r.entries, func(e entry) bool {
		return e.msg.ServiceMessageID != "" && e.msg.IdempotencyKey() == key
	})
}

// unclaimedSelf finds the oldest confirmed entry from the local user that
// was not in the previous list, carries no idempotency key and is not in
// taken. Entries older than since by more than clockSkew are history, not
// a confirmation of a send made at since.
func (r *Reconciler) unclaimedSelf(since time.Time, known map[string]string, taken map[string]bool) int {
	floor := since.Add(-clockSkew)
	return slices.IndexFunc(r.entries, func(e entry) bool {
		m := e.msg
		if m.ServiceMessageID == "" || m.SenderID != r.self || m.IdempotencyKey() != "" || taken[m.ServiceMessageID] {
			return false
		}
		if _, ok := known[m.ServiceMessageID]; ok {
			return false
		}
		return !m.CreatedAt.Before(floor)
	})
}

// oldestOptimistic finds the oldest entry still waiting for confirmation
// that was sent by the local user. Failed entries are not candidates.
func (r *Reconciler) oldestOptimistic() int {
	best := -1
	for i, e := range r.entries {
		if e.msg.Status != StatusOptimistic || e.msg.SenderID != r.self || e.msg.ServiceMessageID != "" {
			continue
		}
		if best < 0 || e.seq < r.entries[best].seq {
			best = i
		}
	}
	return best
}
