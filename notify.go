package chatsync

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChangeKind names what part of the presented state changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangeConnection    ChangeKind = "connection"
	ChangeError         ChangeKind = "error"
	ChangeSendFailed    ChangeKind = "send_failed"
)

// Change is one notification delivered to subscribers. Read the new state
// from the engine getters.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	Err            error
}

// ============================================================================
// Serial queue
// ============================================================================

// serialQueue runs functions one at a time, in push order, on its own
// goroutine. Pushing never blocks. Panics are recovered and logged.
type serialQueue struct {
	name  string
	log   *zerolog.Logger
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSerialQueue(name string, log *zerolog.Logger) *serialQueue {
	q := &serialQueue{
		name: name,
		log:  log,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *serialQueue) loop() {
	defer close(q.done)
	for {
		items := q.take()
		for _, fn := range items {
			q.run(fn)
		}
		if len(items) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.quit:
			for _, fn := range q.take() {
				q.run(fn)
			}
			return
		}
	}
}

func (q *serialQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("queue", q.name).Interface("panic", r).Msg("queued callback panicked")
		}
	}()
	fn()
}

// close runs what is already queued and stops, waiting at most timeout.
func (q *serialQueue) close(timeout time.Duration) {
	q.once.Do(func() { close(q.quit) })
	select {
	case <-q.done:
	case <-time.After(timeout):
		q.log.Warn().Str("queue", q.name).Msg("queue did not drain before close")
	}
}

// ============================================================================
// Subscribers
// ============================================================================

type subscribers struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(Change)
}

func (s *subscribers) add(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Change))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) snapshot() []func(Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = s.fns[id]
	}
	return out
}
