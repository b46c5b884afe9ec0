package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ============================================================================
// NATSTransport
// ============================================================================

const DefaultSubjectPrefix = "chat"

// NATSOption configures a NATSTransport.
type NATSOption func(*NATSTransport)

// WithSubjectPrefix sets the root of every subject (default "chat").
func WithSubjectPrefix(prefix string) NATSOption {
	return func(t *NATSTransport) { t.prefix = prefix }
}

// NATSTransport is a push transport over core NATS. Joining a room
// subscribes to the conversation subject; the user inbox subject is
// subscribed for the lifetime of the connection.
//
// Subjects:
//
//	<prefix>.conv.<conversationId>         events for one conversation
//	<prefix>.conv.<conversationId>.typing  typing commands from clients
//	<prefix>.user.<userId>                 events addressed to one user
type NATSTransport struct {
	url        string
	userID     string
	prefix     string
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	log        zerolog.Logger

	mu    sync.Mutex
	nc    *nats.Conn
	inbox *nats.Subscription
	rooms map[string]*nats.Subscription
	state ConnectionState
}

// NewNATSTransport creates a transport for the NATS server at url acting
// on behalf of userID.
func NewNATSTransport(url, userID string, config *RealtimeConfig, opts ...NATSOption) *NATSTransport {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	t := &NATSTransport{
		url:        url,
		userID:     userID,
		prefix:     DefaultSubjectPrefix,
		config:     config,
		dispatcher: newEventDispatcher(config.Logger),
		log:        config.Logger.With().Str("component", "nats").Logger(),
		rooms:      make(map[string]*nats.Subscription),
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *NATSTransport) conversationSubject(conversationID string) string {
	return fmt.Sprintf("%s.conv.%s", t.prefix, conversationID)
}

func (t *NATSTransport) typingSubject(conversationID string) string {
	return t.conversationSubject(conversationID) + ".typing"
}

func (t *NATSTransport) userSubject() string {
	return fmt.Sprintf("%s.user.%s", t.prefix, t.userID)
}

// On registers a handler for a push event.
func (t *NATSTransport) On(event string, h EventHandler) func() {
	return t.dispatcher.on(event, h)
}

// OnStateChange registers a handler for connection state transitions.
func (t *NATSTransport) OnStateChange(h func(ConnectionState)) func() {
	return t.dispatcher.onStateChange(h)
}

// State returns the current connection state.
func (t *NATSTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *NATSTransport) setState(s ConnectionState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.dispatcher.emitState(s)
	}
}

// Connect dials the NATS server and subscribes to the user inbox.
func (t *NATSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.nc != nil && !t.nc.IsClosed() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	t.setState(StateConnecting)

	maxReconnects := -1
	if !t.config.AutoReconnect {
		maxReconnects = 0
	} else if t.config.MaxReconnectAttempts > 0 {
		maxReconnects = t.config.MaxReconnectAttempts
	}

	opts := []nats.Option{
		nats.Name("chatsync-" + t.userID),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(t.config.ReconnectBaseDelay),
		nats.PingInterval(t.config.HeartbeatInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Warn().Err(err).Msg("push channel lost")
			t.dropRooms()
			t.setState(StateReconnecting)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info().Str("url", nc.ConnectedUrl()).Msg("push channel reconnected")
			t.setState(StateConnected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.setState(StateDisconnected)
		}),
	}
	if t.config.Token != "" {
		opts = append(opts, nats.Token(t.config.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	inbox, err := nc.Subscribe(t.userSubject(), t.deliver)
	if err != nil {
		nc.Close()
		t.setState(StateDisconnected)
		return fmt.Errorf("failed to subscribe to '%s': %w", t.userSubject(), err)
	}

	t.mu.Lock()
	t.nc = nc
	t.inbox = inbox
	t.mu.Unlock()
	t.log.Info().Str("url", nc.ConnectedUrl()).Msg("push channel connected")
	t.setState(StateConnected)
	return nil
}

// deliver decodes one NATS message as an Envelope and dispatches it.
func (t *NATSTransport) deliver(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		t.log.Debug().Str("subject", msg.Subject).Msg("dropping undecodable message")
		return
	}
	t.dispatcher.dispatch(env)
}

// dropRooms forgets room subscriptions; callers re-join after reconnect.
func (t *NATSTransport) dropRooms() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.rooms {
		_ = sub.Unsubscribe()
		delete(t.rooms, id)
	}
}

// Close drains subscriptions and closes the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.nc = nil
	t.inbox = nil
	t.rooms = make(map[string]*nats.Subscription)
	t.mu.Unlock()
	if nc == nil {
		return nil
	}
	nc.Close()
	t.setState(StateDisconnected)
	return nil
}

func (t *NATSTransport) conn() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nc == nil || !t.nc.IsConnected() {
		return nil, ErrNotConnected
	}
	return t.nc, nil
}

// JoinConversation subscribes to the conversation subject.
func (t *NATSTransport) JoinConversation(ctx context.Context, conversationID string) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	t.mu.Lock()
	_, joined := t.rooms[conversationID]
	t.mu.Unlock()
	if joined {
		return nil
	}
	sub, err := nc.Subscribe(t.conversationSubject(conversationID), t.deliver)
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversation '%s': %w", conversationID, err)
	}
	t.mu.Lock()
	t.rooms[conversationID] = sub
	t.mu.Unlock()
	return nil
}

// LeaveConversation unsubscribes from the conversation subject.
func (t *NATSTransport) LeaveConversation(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	sub, ok := t.rooms[conversationID]
	delete(t.rooms, conversationID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// StartTyping publishes a typing start command.
func (t *NATSTransport) StartTyping(ctx context.Context, conversationID string) error {
	return t.publishTyping(conversationID, "typing:start")
}

// StopTyping publishes a typing stop command.
func (t *NATSTransport) StopTyping(ctx context.Context, conversationID string) error {
	return t.publishTyping(conversationID, "typing:stop")
}

func (t *NATSTransport) publishTyping(conversationID, kind string) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(&Command{
		Type: kind,
		Payload: map[string]string{
			"conversationId": conversationID,
			"userId":         t.userID,
		},
	})
	if err != nil {
		return err
	}
	if err := nc.Publish(t.typingSubject(conversationID), data); err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", t.typingSubject(conversationID), err)
	}
	return nil
}
