// Package chatsync keeps a client's view of conversations and messages
// consistent across a pull channel (REST) and a push channel (WebSocket or
// NATS) while the local user sends messages optimistically.
//
// Example:
//
//	api := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	rt := chatsync.NewWSTransport("https://chat.example.com", &chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//	eng := chatsync.NewEngine(api, rt, userID)
//	defer eng.Close()
//
//	eng.ListConversations(ctx, 20, 0)
//	eng.OpenConversation(convID)
//	eng.LoadInitialPage(ctx, convID)
//	msg, outcome, _ := eng.SendMessage(ctx, convID, chatsync.TextBody{Text: "hi"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// API
// ============================================================================

// API is the pull channel consumed by the engine. Every call returns the
// uniform envelope; a non-nil error means the call did not complete.
type API interface {
	ListConversations(ctx context.Context, opts ListOptions) (*Result, error)
	GetConversation(ctx context.Context, conversationID string) (*Result, error)
	GetMessages(ctx context.Context, conversationID string, opts PageOptions) (*Result, error)
	SendMessage(ctx context.Context, conversationID string, payload SendPayload) (*Result, error)
	MarkConversationRead(ctx context.Context, conversationID, lastMessageID string) (*Result, error)
	SetTyping(ctx context.Context, conversationID string, typing bool) (*Result, error)
}

// SendPayload is the body of a send call.
type SendPayload struct {
	Type        MessageType
	Body        MessageBody
	Attachments []Attachment
	Metadata    map[string]any
}

func (p SendPayload) wire() map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if out["type"] == "" {
		out["type"] = string(MessageText)
	}
	if p.Body != nil {
		out["content"] = p.Body.content()
	}
	if len(p.Attachments) > 0 {
		out["attachments"] = p.Attachments
	}
	if len(p.Metadata) > 0 {
		out["metadata"] = p.Metadata
	}
	return out
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST implementation of API.
type Client struct {
	token      string
	baseURL    string
	agent      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithAgent(agent string) ClientOption {
	return func(c *Client) { c.agent = agent }
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.agent != "" {
		req.Header.Set("X-Client-Agent", c.agent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 400 {
			return &Result{Error: &APIError{
				Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
				Message: http.StatusText(resp.StatusCode),
			}}, nil
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// API Methods
// ============================================================================

func (c *Client) ListConversations(ctx context.Context, opts ListOptions) (*Result, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	return c.do(ctx, http.MethodGet, "/api/im/conversations", nil, q)
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/api/im/conversations/"+url.PathEscape(conversationID), nil, nil)
}

func (c *Client) GetMessages(ctx context.Context, conversationID string, opts PageOptions) (*Result, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	return c.do(ctx, http.MethodGet, "/api/im/messages/"+url.PathEscape(conversationID), nil, q)
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, payload SendPayload) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/im/messages/"+url.PathEscape(conversationID), payload.wire(), nil)
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID, lastMessageID string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/im/conversations/"+url.PathEscape(conversationID)+"/read",
		map[string]string{"lastMessageId": lastMessageID}, nil)
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/api/im/conversations/"+url.PathEscape(conversationID)+"/typing",
		map[string]bool{"isTyping": typing}, nil)
}

// ============================================================================
// Envelope decoding
// ============================================================================

// DecodeConversations reads a conversation list from data, which is either
// an array or an object with a "conversations" array.
func DecodeConversations(res *Result) ([]Conversation, error) {
	var out []Conversation
	if err := json.Unmarshal(unwrapData(res.Data, "conversations"), &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

// DecodeConversation reads one conversation, bare or under "conversation".
func DecodeConversation(res *Result) (*Conversation, error) {
	var out Conversation
	if err := json.Unmarshal(unwrapData(res.Data, "conversation"), &out); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("decode conversation: missing id")
	}
	return &out, nil
}

// DecodeMessages reads a message page, bare or under "messages".
func DecodeMessages(res *Result) ([]Message, error) {
	var out []Message
	if err := json.Unmarshal(unwrapData(res.Data, "messages"), &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}

// DecodeMessage reads one message, bare or under "message".
func DecodeMessage(res *Result) (*Message, error) {
	var out Message
	if err := json.Unmarshal(unwrapData(res.Data, "message"), &out); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if out.ServiceMessageID == "" {
		return nil, fmt.Errorf("decode message: missing id")
	}
	return &out, nil
}

func unwrapData(data json.RawMessage, key string) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	if v := gjson.GetBytes(data, key); v.Exists() && (v.IsArray() || v.IsObject()) {
		return []byte(v.Raw)
	}
	return data
}
