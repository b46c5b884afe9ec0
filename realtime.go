package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Push events consumed by the engine.
const (
	EventMessageNew          = "message:new"
	EventConversationTyping  = "conversation:typing"
	EventConversationRead    = "conversation:read"
	EventConversationCreated = "conversation:created"
)

// EventHandler receives the raw payload of one push event.
type EventHandler func(payload json.RawMessage)

// Transport is the push channel consumed by the engine. Room membership is a
// property of the connection and does not survive a reconnect.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	On(event string, h EventHandler) (unsubscribe func())
	OnStateChange(h func(ConnectionState)) (unsubscribe func())
	State() ConnectionState
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
}

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures push transports.
//
// MaxReconnectAttempts defaults to 10; a negative value retries forever.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// ConnectionState represents the push connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type handlerEntry struct {
	id uint64
	h  EventHandler
}

type stateEntry struct {
	id uint64
	h  func(ConnectionState)
}

// eventDispatcher fans events out to registered handlers. Handlers run on
// the caller's goroutine in registration order; a panicking handler is
// recovered and does not affect the others.
type eventDispatcher struct {
	mu      sync.RWMutex
	nextID  atomic.Uint64
	events  map[string][]handlerEntry
	onState []stateEntry
	log     *zerolog.Logger
}

func newEventDispatcher(log *zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		events: make(map[string][]handlerEntry),
		log:    log,
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	id := d.nextID.Add(1)
	d.mu.Lock()
	d.events[event] = append(d.events[event], handlerEntry{id: id, h: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		hs := d.events[event]
		for i, e := range hs {
			if e.id == id {
				d.events[event] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (d *eventDispatcher) onStateChange(h func(ConnectionState)) func() {
	id := d.nextID.Add(1)
	d.mu.Lock()
	d.onState = append(d.onState, stateEntry{id: id, h: h})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.onState {
			if e.id == id {
				d.onState = append(d.onState[:i:i], d.onState[i+1:]...)
				return
			}
		}
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]handlerEntry(nil), d.events[env.Type]...)
	d.mu.RUnlock()
	for _, e := range handlers {
		d.safeCall(env.Type, func() { e.h(env.Payload) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]stateEntry(nil), d.onState...)
	d.mu.RUnlock()
	for _, e := range handlers {
		d.safeCall("state", func() { e.h(s) })
	}
}

func (d *eventDispatcher) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", event).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential in the attempt number with up to 50% jitter of
// the base delay, capped at maxDelay. A connection that stayed up for more
// than a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push transport with auto-reconnect and heartbeat.
type WSTransport struct {
	baseURL    string
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector
	log        zerolog.Logger

	life   context.Context
	stop   context.CancelFunc
	pingID atomic.Uint64

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	cancelConn       context.CancelFunc

	pendingMu    sync.Mutex
	pendingPings map[string]chan pongPayload
}

// NewWSTransport creates a WebSocket transport for baseURL (http(s) or
// ws(s) scheme). Connect must be called before use.
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	life, stop := context.WithCancel(context.Background())
	return &WSTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		dispatcher:   newEventDispatcher(config.Logger),
		recon:        newReconnector(config),
		log:          config.Logger.With().Str("component", "ws").Logger(),
		life:         life,
		stop:         stop,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan pongPayload),
	}
}

// On registers a handler for a push event.
func (ws *WSTransport) On(event string, h EventHandler) func() {
	return ws.dispatcher.on(event, h)
}

// OnStateChange registers a handler for connection state transitions.
func (ws *WSTransport) OnStateChange(h func(ConnectionState)) func() {
	return ws.dispatcher.onStateChange(h)
}

// State returns the current connection state.
func (ws *WSTransport) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSTransport) setState(s ConnectionState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.dispatcher.emitState(s)
	}
}

func (ws *WSTransport) url() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + ws.config.Token
}

// Connect establishes the WebSocket connection and waits for the server's
// "authenticated" greeting.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.setState(StateConnecting)

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSTransport) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, ws.url(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(ws.life)
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelConn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(StateConnected)
	ws.log.Info().Str("url", ws.baseURL).Msg("push channel connected")

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Close gracefully closes the connection and stops reconnecting. A closed
// transport cannot be connected again.
func (ws *WSTransport) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelConn != nil {
		ws.cancelConn()
		ws.cancelConn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	ws.stop()

	ws.clearPendingPings()
	ws.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation joins a conversation room.
func (ws *WSTransport) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &Command{
		Type:    "conversation:join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation leaves a conversation room.
func (ws *WSTransport) LeaveConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &Command{
		Type:    "conversation:leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StartTyping sends a typing start indicator.
func (ws *WSTransport) StartTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &Command{
		Type:    "typing:start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *WSTransport) StopTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &Command{
		Type:    "typing:stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *WSTransport) Send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSTransport) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", ws.pingID.Add(1))

	ch := make(chan pongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	err := ws.Send(ctx, &Command{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			if ws.cancelConn != nil {
				ws.cancelConn()
				ws.cancelConn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.log.Warn().Err(err).Msg("push channel lost")
			ws.setState(StateDisconnected)

			if ws.config.AutoReconnect {
				go ws.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			ws.log.Debug().Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}

		if env.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				if ch, ok := ws.pendingPings[p.RequestID]; ok {
					select {
					case ch <- p:
					default:
					}
				}
				ws.pendingMu.Unlock()
			}
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.log.Warn().Err(err).Msg("heartbeat failed")
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSTransport) reconnectLoop() {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info().Int("attempt", ws.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ws.life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ws.setState(StateConnecting)
		if err := ws.dial(ws.life); err != nil {
			ws.log.Warn().Err(err).Msg("reconnect failed")
			continue
		}
		return
	}
	ws.setState(StateDisconnected)
	ws.recon.reset()
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
