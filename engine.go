package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Presentation types
// ============================================================================

// Snapshot is an immutable view of the engine state. Callers must not
// modify it.
type Snapshot struct {
	Conversations      []Conversation
	OpenConversationID string
	Messages           []Message
	OtherTyping        bool
	Connection         ConnectionState
	Rooms              []string
	Err                error
	ListErr            error
}

// SendOutcome is delivered once per send attempt. On success Message is the
// confirmed message carrying the local id it replaced.
type SendOutcome struct {
	Message Message
	Err     error
}

type conversationView struct {
	id      string
	gen     uint64
	msgs    *Reconciler
	typing  *TypingController
	focused bool
	err     error
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps conversations and the open conversation's messages in sync
// across the pull and push channels.
//
// All state is owned by one goroutine; public methods hand work to it and
// never block on the network themselves, except the fetch methods, which
// block the calling goroutine for the duration of their request. Getters
// read the last published snapshot.
type Engine struct {
	api  API
	rt   Transport
	self string
	cfg  engineConfig
	log  zerolog.Logger

	ops       chan func()
	done      chan struct{}
	postMu    sync.RWMutex // held by post while queueing; Close takes it to seal ops
	closed    atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	side      *serialQueue
	notifier  *serialQueue
	subs      subscribers
	hydration *rate.Limiter
	unsubs    []func()
	snap      atomic.Pointer[Snapshot]

	// Owned by run.
	store     *ConversationStore
	rooms     *RoomManager
	reads     *ReadTracker
	view      *conversationView
	viewGen   uint64
	conn      ConnectionState
	listErr   error
	hydrating map[string]bool
	pending   []Change
	dirty     bool
}

// NewEngine creates an engine for the local user self. rt may be nil for a
// pull-only engine. The engine does not connect or close rt.
func NewEngine(api API, rt Transport, self string, opts ...EngineOption) *Engine {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		api:       api,
		rt:        rt,
		self:      self,
		cfg:       cfg,
		log:       cfg.log.With().Str("component", "engine").Str("user", self).Logger(),
		ops:       make(chan func(), 256),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		hydration: rate.NewLimiter(cfg.hydrateLimit, cfg.hydrateBurst),
		store:     NewConversationStore(self, cfg.clock.Now),
		rooms:     NewRoomManager(),
		reads:     NewReadTracker(),
		conn:      StateDisconnected,
		hydrating: make(map[string]bool),
	}
	e.side = newSerialQueue("signals", &e.log)
	e.notifier = newSerialQueue("notify", &e.log)
	e.publish()

	if rt != nil {
		e.unsubs = append(e.unsubs,
			rt.On(EventMessageNew, e.onMessageNew),
			rt.On(EventConversationTyping, e.onTyping),
			rt.On(EventConversationRead, e.onRead),
			rt.On(EventConversationCreated, e.onCreated),
			rt.OnStateChange(e.onStateChange),
		)
	}
	go e.run()
	if rt != nil {
		e.post(func() { e.setConnection(rt.State()) })
	}
	return e
}

// Close leaves all rooms, stops typing and releases the engine. Operations
// queued before Close still run. Sends whose response arrives after Close
// report ErrEngineClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		_ = e.do(func() {
			e.closeView()
			for _, id := range e.rooms.LeaveAll() {
				e.signalLeave(id)
			}
		})
		for _, u := range e.unsubs {
			u()
		}
		e.postMu.Lock()
		e.closed.Store(true)
		e.postMu.Unlock()
		e.side.close(2 * time.Second)
		e.cancel()
		close(e.done)
		e.notifier.close(time.Second)
	})
	return nil
}

// ============================================================================
// Actor plumbing
// ============================================================================

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.ops:
			fn()
			e.flush()
		case <-e.done:
			// Nothing can be queued once done is closed; run what was.
			for {
				select {
				case fn := <-e.ops:
					fn()
					e.flush()
				default:
					return
				}
			}
		}
	}
}

// post queues fn for the owning goroutine. It must not be called from it.
func (e *Engine) post(fn func()) bool {
	e.postMu.RLock()
	defer e.postMu.RUnlock()
	if e.closed.Load() {
		return false
	}
	select {
	case e.ops <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the owning goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	ch := make(chan struct{})
	if !e.post(func() {
		defer close(ch)
		fn()
		e.flush()
	}) {
		return ErrEngineClosed
	}
	select {
	case <-ch:
		return nil
	case <-e.done:
		select {
		case <-ch:
			return nil
		default:
			return ErrEngineClosed
		}
	}
}

func (e *Engine) changed(kind ChangeKind, conversationID string) {
	e.pending = append(e.pending, Change{Kind: kind, ConversationID: conversationID})
	e.dirty = true
}

func (e *Engine) changedWith(c Change) {
	e.pending = append(e.pending, c)
	e.dirty = true
}

func (e *Engine) flush() {
	if !e.dirty {
		return
	}
	e.dirty = false
	e.publish()
	changes := e.pending
	e.pending = nil
	for _, c := range changes {
		c := c
		e.notifier.push(func() {
			for _, fn := range e.subs.snapshot() {
				e.notifier.run(func() { fn(c) })
			}
		})
	}
}

func (e *Engine) publish() {
	s := &Snapshot{
		Conversations: e.store.List(),
		Connection:    e.conn,
		Rooms:         e.rooms.Rooms(),
		ListErr:       e.listErr,
	}
	if v := e.view; v != nil {
		s.OpenConversationID = v.id
		s.Messages = v.msgs.Messages()
		s.OtherTyping = v.typing.OtherTyping()
		s.Err = v.err
	}
	e.snap.Store(s)
}

func (e *Engine) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.cfg.requestTimeout)
}

// ============================================================================
// Presentation boundary
// ============================================================================

// Snapshot returns the last published state.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// Conversations returns the conversation list, most recently active first.
func (e *Engine) Conversations() []Conversation {
	return slices.Clone(e.snap.Load().Conversations)
}

// Messages returns the open conversation's ordered messages.
func (e *Engine) Messages() []Message {
	return slices.Clone(e.snap.Load().Messages)
}

// OtherTyping reports whether the peer in the open conversation is typing.
func (e *Engine) OtherTyping() bool { return e.snap.Load().OtherTyping }

// ConnectionState returns the push connection state.
func (e *Engine) ConnectionState() ConnectionState { return e.snap.Load().Connection }

// Err returns the last fetch error of the open conversation.
func (e *Engine) Err() error { return e.snap.Load().Err }

// ListErr returns the last conversation list fetch error.
func (e *Engine) ListErr() error { return e.snap.Load().ListErr }

// Subscribe registers fn for change notifications. Notifications are
// delivered in order on a dedicated goroutine; fn may call back into the
// engine.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	return e.subs.add(fn)
}

// ============================================================================
// Conversation list
// ============================================================================

// ListConversations fetches conversations and merges them into the store.
// A first page (offset 0) replaces the list; later pages are merged. Push
// rooms are re-synchronized with the new set. On failure the previous list
// is kept and the error is also exposed through ListErr.
func (e *Engine) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	res, err := e.api.ListConversations(ctx, ListOptions{Limit: limit, Offset: offset})
	var list []Conversation
	if err = resultErr(res, err); err == nil {
		list, err = DecodeConversations(res)
	}
	if err != nil {
		fe := &FetchError{Op: "list conversations", Err: err}
		if derr := e.do(func() {
			e.listErr = fe
			e.changedWith(Change{Kind: ChangeError, Err: fe})
		}); derr != nil {
			return nil, derr
		}
		return nil, fe
	}

	var out []Conversation
	err = e.do(func() {
		if offset > 0 {
			for _, c := range list {
				e.store.Upsert(c)
			}
		} else {
			e.store.Replace(list)
		}
		e.listErr = nil
		e.syncRooms()
		out = e.store.List()
		e.changed(ChangeConversations, "")
	})
	return out, err
}

// ============================================================================
// Open conversation
// ============================================================================

// OpenConversation makes id the conversation with a detailed message list,
// releasing any other. In-flight fetches for the previous view are dropped
// when they complete.
func (e *Engine) OpenConversation(id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}
	return e.do(func() { e.openView(id) })
}

// CloseConversation releases the open conversation, stopping typing.
func (e *Engine) CloseConversation() error {
	return e.do(e.closeView)
}

// Focus marks the open conversation as visible.
func (e *Engine) Focus() error {
	return e.do(func() {
		v := e.view
		if v == nil {
			return
		}
		v.focused = true
		if e.cfg.autoMarkRead {
			e.markLatest(v)
		}
	})
}

// Blur marks the open conversation as hidden and stops typing.
func (e *Engine) Blur() error {
	return e.do(func() {
		if v := e.view; v != nil {
			v.focused = false
			v.typing.Stop()
		}
	})
}

func (e *Engine) openView(id string) {
	if v := e.view; v != nil && v.id == id {
		v.focused = true
		return
	}
	e.closeView()
	e.viewGen++
	v := &conversationView{
		id:      id,
		gen:     e.viewGen,
		msgs:    NewReconciler(e.self),
		focused: true,
	}
	v.typing = NewTypingController(e.self, e.cfg.clock, e.cfg.typingTimeout,
		func(typing bool) { e.signalTyping(id, typing) },
		func(fn func()) { e.post(fn) },
	)
	e.view = v
	e.ensureJoined(id)
	e.changed(ChangeMessages, id)
}

func (e *Engine) closeView() {
	v := e.view
	if v == nil {
		return
	}
	v.typing.Stop()
	if !e.store.Has(v.id) {
		e.leave(v.id)
	}
	e.view = nil
	e.viewGen++
	e.changed(ChangeMessages, v.id)
}

func (e *Engine) isCurrent(id string, gen uint64) bool {
	return e.view != nil && e.view.id == id && e.view.gen == gen
}

// openView returns the view for id, or ErrConversationNotOpen.
func (e *Engine) openFor(id string) (*conversationView, error) {
	if e.view == nil || e.view.id != id {
		return nil, ErrConversationNotOpen
	}
	return e.view, nil
}

func (e *Engine) viewToken(id string) (uint64, error) {
	var gen uint64
	var opErr error
	if err := e.do(func() {
		v, err := e.openFor(id)
		if err != nil {
			opErr = err
			return
		}
		gen = v.gen
	}); err != nil {
		return 0, err
	}
	return gen, opErr
}

// ============================================================================
// Message pages
// ============================================================================

// LoadInitialPage fetches the most recent page of the open conversation,
// replaces its list and advances the read marker to the newest message. On
// failure the previous list is kept.
func (e *Engine) LoadInitialPage(ctx context.Context, conversationID string) ([]Message, error) {
	gen, err := e.viewToken(conversationID)
	if err != nil {
		return nil, err
	}
	res, err := e.api.GetMessages(ctx, conversationID, PageOptions{Limit: e.cfg.pageSize})
	page, err := decodePage(res, err)
	if err != nil {
		return nil, e.fetchFailed("load initial page", conversationID, gen, err)
	}

	var out []Message
	stale := false
	if err := e.do(func() {
		if newest, ok := newestMessage(page); ok && e.store.ApplyLastMessage(newest) {
			e.changed(ChangeConversations, conversationID)
		}
		if !e.isCurrent(conversationID, gen) {
			stale = true
			e.cfg.metrics.stale("initial_page")
			e.log.Debug().Str("conversation", conversationID).Msg("dropping stale initial page")
			return
		}
		v := e.view
		v.msgs.Replace(page)
		for _, m := range v.msgs.Messages() {
			e.reads.Observe(conversationID, m.ServiceMessageID)
		}
		v.err = nil
		e.markLatest(v)
		out = v.msgs.Messages()
		e.changed(ChangeMessages, conversationID)
	}); err != nil {
		return nil, err
	}
	if stale {
		return nil, ErrConversationNotOpen
	}
	return out, nil
}

// LoadOlderPage fetches messages strictly older than before and merges them
// into the open conversation. A zero before pages back from the oldest
// confirmed message; with nothing confirmed yet there is nothing older and
// no request is made. It returns the fetched page in ascending order.
func (e *Engine) LoadOlderPage(ctx context.Context, conversationID string, before time.Time) ([]Message, error) {
	var gen uint64
	var opErr error
	empty := false
	if err := e.do(func() {
		v, err := e.openFor(conversationID)
		if err != nil {
			opErr = err
			return
		}
		gen = v.gen
		if before.IsZero() {
			var ok bool
			before, ok = v.msgs.Oldest()
			empty = !ok
		}
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	if empty {
		return []Message{}, nil
	}

	res, err := e.api.GetMessages(ctx, conversationID, PageOptions{Limit: e.cfg.pageSize, Before: before})
	page, err := decodePage(res, err)
	if err != nil {
		return nil, e.fetchFailed("load older page", conversationID, gen, err)
	}

	stale := false
	if err := e.do(func() {
		if !e.isCurrent(conversationID, gen) {
			stale = true
			e.cfg.metrics.stale("older_page")
			return
		}
		if e.view.msgs.Prepend(page) > 0 {
			e.changed(ChangeMessages, conversationID)
		}
	}); err != nil {
		return nil, err
	}
	if stale {
		return nil, ErrConversationNotOpen
	}
	slices.SortStableFunc(page, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return page, nil
}

func (e *Engine) fetchFailed(op, conversationID string, gen uint64, err error) error {
	fe := &FetchError{Op: op, ConversationID: conversationID, Err: err}
	e.log.Debug().Err(err).Str("op", op).Str("conversation", conversationID).Msg("fetch failed")
	if derr := e.do(func() {
		if e.isCurrent(conversationID, gen) {
			e.view.err = fe
			e.changedWith(Change{Kind: ChangeError, ConversationID: conversationID, Err: fe})
		}
	}); derr != nil {
		return derr
	}
	return fe
}

func decodePage(res *Result, err error) ([]Message, error) {
	if err := resultErr(res, err); err != nil {
		return nil, err
	}
	return DecodeMessages(res)
}

func newestMessage(page []Message) (Message, bool) {
	if len(page) == 0 {
		return Message{}, false
	}
	best := page[0]
	for _, m := range page[1:] {
		if m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	return best, true
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage inserts an optimistic message at the tail of the open
// conversation, stops typing and sends it in the background. The returned
// channel receives exactly one outcome.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, body MessageBody) (Message, <-chan SendOutcome, error) {
	out := make(chan SendOutcome, 1)
	var msg Message
	var opErr error
	err := e.do(func() {
		v, err := e.openFor(conversationID)
		if err != nil {
			opErr = err
			return
		}
		v.typing.Stop()
		localID := "temp-" + uuid.NewString()
		msgType := MessageText
		if body != nil {
			msgType = body.Type()
		}
		msg = Message{
			ID:             localID,
			ConversationID: conversationID,
			SenderID:       e.self,
			Type:           msgType,
			Body:           body,
			Metadata:       map[string]any{idempotencyKeyField: localID},
			CreatedAt:      e.cfg.clock.Now(),
			Status:         StatusOptimistic,
		}
		v.msgs.AddOptimistic(msg)
		e.changed(ChangeMessages, conversationID)
		e.deliver(ctx, msg, out)
	})
	if err != nil {
		return Message{}, nil, err
	}
	if opErr != nil {
		return Message{}, nil, opErr
	}
	return msg, out, nil
}

// RetrySend re-sends a failed message with its original idempotency key.
func (e *Engine) RetrySend(ctx context.Context, conversationID, localID string) (<-chan SendOutcome, error) {
	out := make(chan SendOutcome, 1)
	var opErr error
	err := e.do(func() {
		v, err := e.openFor(conversationID)
		if err != nil {
			opErr = err
			return
		}
		m, err := v.msgs.Retry(localID, e.cfg.clock.Now())
		if err != nil {
			opErr = err
			return
		}
		e.changed(ChangeMessages, conversationID)
		e.deliver(ctx, m, out)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return out, nil
}

// DiscardMessage removes a failed message from the open conversation.
func (e *Engine) DiscardMessage(conversationID, localID string) error {
	var opErr error
	if err := e.do(func() {
		v, err := e.openFor(conversationID)
		if err != nil {
			opErr = err
			return
		}
		if opErr = v.msgs.Discard(localID); opErr == nil {
			e.changed(ChangeMessages, conversationID)
		}
	}); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) deliver(ctx context.Context, local Message, out chan SendOutcome) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.requestTimeout)
		defer cancel()
		res, err := e.api.SendMessage(cctx, local.ConversationID, SendPayload{
			Type:     local.Type,
			Body:     local.Body,
			Metadata: map[string]any{idempotencyKeyField: local.ID},
		})
		var confirmed *Message
		if err = resultErr(res, err); err == nil {
			confirmed, err = DecodeMessage(res)
		}
		if !e.post(func() { e.finishSend(local, confirmed, err, out) }) {
			out <- SendOutcome{Message: local, Err: ErrEngineClosed}
			close(out)
		}
	}()
}

func (e *Engine) finishSend(local Message, confirmed *Message, err error, out chan SendOutcome) {
	var outcome SendOutcome
	defer func() {
		e.flush()
		out <- outcome
		close(out)
	}()
	convID := local.ConversationID

	if err != nil {
		se := &SendError{ConversationID: convID, LocalID: local.ID, Err: err}
		e.cfg.metrics.send("failed")
		e.log.Warn().Err(err).Str("conversation", convID).Str("local_id", local.ID).Msg("send failed")
		failed := local
		failed.Status = StatusFailed
		failed.Error = err.Error()
		if v := e.view; v != nil && v.id == convID && v.msgs.Fail(local.ID, err.Error()) {
			e.changedWith(Change{Kind: ChangeSendFailed, ConversationID: convID, MessageID: local.ID, Err: se})
		}
		outcome = SendOutcome{Message: failed, Err: se}
		return
	}

	m := *confirmed
	if m.ConversationID == "" {
		m.ConversationID = convID
	}
	if m.SenderID == "" {
		m.SenderID = e.self
	}
	e.cfg.metrics.send("confirmed")
	e.reads.Observe(convID, m.ServiceMessageID)
	if e.store.ApplyIncomingMessage(m) {
		e.scheduleHydrate(convID)
	}
	e.changed(ChangeConversations, convID)

	m.ID = local.ID
	if v := e.view; v != nil && v.id == convID {
		m.ID = v.msgs.Confirm(local.ID, m)
		e.changed(ChangeMessages, convID)
	}
	outcome = SendOutcome{Message: m}
}

// ============================================================================
// Read markers
// ============================================================================

// MarkRead advances the read marker of conversationID to candidateMessageID
// and reports whether a mark-read call was issued. Calls are only issued
// for server ids that differ from, and arrived after, the current marker.
func (e *Engine) MarkRead(conversationID, candidateMessageID string) (bool, error) {
	issued := false
	err := e.do(func() { issued = e.maybeMarkRead(conversationID, candidateMessageID) })
	return issued, err
}

func (e *Engine) markLatest(v *conversationView) {
	if m, ok := v.msgs.LastConfirmed(); ok {
		e.maybeMarkRead(v.id, m.ServiceMessageID)
	}
}

func (e *Engine) maybeMarkRead(conversationID, candidate string) bool {
	if !e.reads.Advance(conversationID, candidate) {
		e.cfg.metrics.markRead("skipped")
		return false
	}
	e.cfg.metrics.markRead("issued")
	if e.store.MarkReadLocal(conversationID) {
		e.changed(ChangeConversations, conversationID)
	}
	go func() {
		ctx, cancel := e.callCtx()
		defer cancel()
		res, err := e.api.MarkConversationRead(ctx, conversationID, candidate)
		if err := resultErr(res, err); err != nil {
			e.cfg.metrics.markRead("failed")
			e.log.Warn().Err(err).Str("conversation", conversationID).Str("message", candidate).Msg("mark read failed")
		}
	}()
	return true
}

// ============================================================================
// Typing
// ============================================================================

// Keystroke registers local input in the open conversation.
func (e *Engine) Keystroke(conversationID string) error {
	var opErr error
	if err := e.do(func() {
		v, err := e.openFor(conversationID)
		if err != nil {
			opErr = err
			return
		}
		v.typing.Keystroke()
	}); err != nil {
		return err
	}
	return opErr
}

// signalTyping sends a typing signal over the push channel when connected
// and over the pull channel otherwise. Signals are sent in order.
func (e *Engine) signalTyping(conversationID string, typing bool) {
	viaPush := e.rt != nil && e.conn == StateConnected
	e.side.push(func() {
		ctx, cancel := e.callCtx()
		defer cancel()
		var err error
		switch {
		case viaPush && typing:
			err = e.rt.StartTyping(ctx, conversationID)
		case viaPush:
			err = e.rt.StopTyping(ctx, conversationID)
		default:
			res, cerr := e.api.SetTyping(ctx, conversationID, typing)
			err = resultErr(res, cerr)
		}
		if err != nil {
			e.log.Debug().Err(err).Str("conversation", conversationID).Bool("typing", typing).Msg("typing signal failed")
		}
	})
}

// ============================================================================
// Rooms
// ============================================================================

// EnsureJoined joins the conversation's push room unless it is already
// joined or being joined.
func (e *Engine) EnsureJoined(conversationID string) error {
	return e.do(func() { e.ensureJoined(conversationID) })
}

// Leave leaves the conversation's push room.
func (e *Engine) Leave(conversationID string) error {
	return e.do(func() { e.leave(conversationID) })
}

// LeaveAll leaves every joined push room.
func (e *Engine) LeaveAll() error {
	return e.do(func() {
		for _, id := range e.rooms.LeaveAll() {
			e.signalLeave(id)
		}
		e.dirty = true
	})
}

// Rooms returns the joined push rooms.
func (e *Engine) Rooms() []string {
	return slices.Clone(e.snap.Load().Rooms)
}

func (e *Engine) ensureJoined(id string) {
	if e.rt == nil || e.conn != StateConnected {
		return
	}
	token := e.rooms.BeginJoin(id)
	if token == 0 {
		return
	}
	e.side.push(func() {
		ctx, cancel := e.callCtx()
		defer cancel()
		err := e.rt.JoinConversation(ctx, id)
		e.post(func() {
			if e.rooms.FinishJoin(id, token, err) {
				e.dirty = true
				return
			}
			if err != nil {
				e.log.Warn().Err(err).Str("conversation", id).Msg("join failed")
			}
		})
	})
}

func (e *Engine) leave(id string) {
	if e.rooms.BeginLeave(id) {
		e.signalLeave(id)
		e.dirty = true
	}
}

func (e *Engine) signalLeave(id string) {
	if e.rt == nil || e.conn != StateConnected {
		return
	}
	e.side.push(func() {
		ctx, cancel := e.callCtx()
		defer cancel()
		if err := e.rt.LeaveConversation(ctx, id); err != nil {
			e.log.Debug().Err(err).Str("conversation", id).Msg("leave failed")
		}
	})
}

// interest is every conversation whose events the engine wants: the open
// conversation plus all list items.
func (e *Engine) interest() []string {
	ids := e.store.IDs()
	if v := e.view; v != nil && !e.store.Has(v.id) {
		ids = append([]string{v.id}, ids...)
	}
	return ids
}

func (e *Engine) syncRooms() {
	ids := e.interest()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, id := range e.rooms.Stale(want) {
		e.leave(id)
	}
	for _, id := range ids {
		e.ensureJoined(id)
	}
}

func (e *Engine) setConnection(s ConnectionState) {
	if s == e.conn {
		return
	}
	e.log.Info().Str("from", string(e.conn)).Str("to", string(s)).Msg("connection state changed")
	e.conn = s
	e.cfg.metrics.connection(s)
	e.rooms.Reset()
	e.changed(ChangeConnection, "")
	if v := e.view; v != nil && s != StateConnected && v.typing.ResetRemote() {
		e.changed(ChangeTyping, v.id)
	}
	if s == StateConnected {
		for _, id := range e.interest() {
			e.ensureJoined(id)
		}
	}
}

// ============================================================================
// Push events
// ============================================================================

func (e *Engine) onStateChange(s ConnectionState) {
	e.post(func() { e.setConnection(s) })
}

func (e *Engine) onMessageNew(payload json.RawMessage) {
	m, err := decodeMessageEvent(payload)
	if err != nil {
		e.cfg.metrics.event(EventMessageNew, "malformed")
		e.log.Debug().Err(err).Msg("dropping push event")
		return
	}
	e.post(func() { e.applyMessage(m) })
}

func (e *Engine) applyMessage(m Message) {
	convID := m.ConversationID
	e.cfg.metrics.event(EventMessageNew, "applied")
	e.reads.Observe(convID, m.ServiceMessageID)
	if e.store.ApplyIncomingMessage(m) {
		e.ensureJoined(convID)
	}
	if c, ok := e.store.Get(convID); ok && c.Placeholder {
		e.scheduleHydrate(convID)
	}
	e.changed(ChangeConversations, convID)

	v := e.view
	if v == nil || v.id != convID {
		return
	}
	res, _ := v.msgs.ApplyIncoming(m)
	e.changed(ChangeMessages, convID)
	if res != Inserted || m.SenderID == e.self {
		return
	}
	// The open conversation is being viewed; its summary stays read.
	e.store.MarkReadLocal(convID)
	if e.cfg.autoMarkRead && v.focused {
		e.maybeMarkRead(convID, m.ServiceMessageID)
	}
}

func (e *Engine) onTyping(payload json.RawMessage) {
	ev, err := decodeTypingEvent(payload)
	if err != nil {
		e.cfg.metrics.event(EventConversationTyping, "malformed")
		e.log.Debug().Err(err).Msg("dropping push event")
		return
	}
	e.post(func() {
		v := e.view
		if v == nil || v.id != ev.ConversationID {
			e.cfg.metrics.event(EventConversationTyping, "ignored")
			return
		}
		e.cfg.metrics.event(EventConversationTyping, "applied")
		if v.typing.Remote(ev) {
			e.changed(ChangeTyping, ev.ConversationID)
		}
	})
}

func (e *Engine) onRead(payload json.RawMessage) {
	rr, err := decodeReadEvent(payload)
	if err != nil {
		e.cfg.metrics.event(EventConversationRead, "malformed")
		e.log.Debug().Err(err).Msg("dropping push event")
		return
	}
	e.post(func() {
		e.cfg.metrics.event(EventConversationRead, "applied")
		if rr.ReadAt.IsZero() {
			rr.ReadAt = e.cfg.clock.Now()
		}
		if rr.UserID == e.self && rr.LastMessageID != "" {
			e.reads.Advance(rr.ConversationID, rr.LastMessageID)
		}
		if e.store.ApplyReadReceipt(rr) {
			e.changed(ChangeConversations, rr.ConversationID)
		}
	})
}

func (e *Engine) onCreated(payload json.RawMessage) {
	c, err := decodeConversationEvent(payload)
	if err != nil {
		e.cfg.metrics.event(EventConversationCreated, "malformed")
		e.log.Debug().Err(err).Msg("dropping push event")
		return
	}
	e.post(func() {
		e.cfg.metrics.event(EventConversationCreated, "applied")
		e.store.Upsert(c)
		e.ensureJoined(c.ID)
		e.changed(ChangeConversations, c.ID)
	})
}

// ============================================================================
// Hydration
// ============================================================================

// scheduleHydrate fetches a placeholder conversation in the background,
// at most once at a time per conversation and rate limited overall.
func (e *Engine) scheduleHydrate(id string) {
	if e.hydrating[id] {
		return
	}
	e.hydrating[id] = true
	go func() {
		if err := e.hydration.Wait(e.ctx); err != nil {
			e.post(func() { delete(e.hydrating, id) })
			return
		}
		ctx, cancel := e.callCtx()
		defer cancel()
		res, err := e.api.GetConversation(ctx, id)
		var c *Conversation
		if err = resultErr(res, err); err == nil {
			c, err = DecodeConversation(res)
		}
		e.post(func() {
			delete(e.hydrating, id)
			if err != nil {
				e.cfg.metrics.hydration("failed")
				e.log.Debug().Err(err).Str("conversation", id).Msg("hydration failed")
				return
			}
			e.cfg.metrics.hydration("ok")
			e.store.Upsert(*c)
			e.changed(ChangeConversations, id)
		})
	}()
}
