package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the uniform pull-channel response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error, or nil when the call succeeded.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request was not successful"}
}

// PageOptions selects a page of messages.
type PageOptions struct {
	Limit  int
	Before time.Time
}

// ListOptions selects a page of conversations.
type ListOptions struct {
	Limit  int
	Offset int
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationType tags a conversation.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID            string    `json:"userId"`
	Role              string    `json:"role,omitempty"`
	DisplayName       string    `json:"displayName,omitempty"`
	AvatarURL         string    `json:"avatarUrl,omitempty"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
	LastReadAt        time.Time `json:"lastReadAt"`
}

// Conversation is the summary state of one conversation.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type,omitempty"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	UpdatedAt    time.Time        `json:"updatedAt"`

	// Placeholder is set for conversations synthesized from a push event
	// that have not been hydrated from the pull channel yet.
	Placeholder bool `json:"-"`
}

// Counterpart returns the first participant that is not self. For two-party
// conversations this is the header identity.
func (c *Conversation) Counterpart(self string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID != self {
			return &c.Participants[i]
		}
	}
	return nil
}

// Participant returns the participant with the given user id.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// activity is the re-sort key: the later of the last message and updatedAt.
func (c *Conversation) activity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

func (c Conversation) clone() Conversation {
	out := c
	if c.Participants != nil {
		out.Participants = append([]Participant(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		out.LastMessage = &m
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

// MessageType tags the body of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// MessageStatus is the lifecycle state of a message in a reconciled list.
type MessageStatus string

const (
	StatusOptimistic MessageStatus = "optimistic"
	StatusConfirmed  MessageStatus = "confirmed"
	StatusFailed     MessageStatus = "failed"
)

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one entry of a conversation.
//
// ID is client-local and always set: "temp-<uuid>" for local sends, the
// server id for everything that came from the server. ServiceMessageID is
// set once the server has confirmed the message.
type Message struct {
	ID               string
	ServiceMessageID string
	ConversationID   string
	SenderID         string
	Type             MessageType
	Body             MessageBody
	Attachments      []Attachment
	Metadata         map[string]any
	CreatedAt        time.Time
	Status           MessageStatus
	Deleted          bool
	Error            string
}

// Text returns the display text of the body, or "" when there is none.
func (m *Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return m.Body.String()
}

// IdempotencyKey returns the client key echoed back in metadata, if any.
func (m *Message) IdempotencyKey() string {
	if m.Metadata == nil {
		return ""
	}
	k, _ := m.Metadata[idempotencyKeyField].(string)
	return k
}

func (m Message) clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

const idempotencyKeyField = "_idempotencyKey"

// ============================================================================
// Typing / Receipts
// ============================================================================

// TypingEvent is a remote typing signal.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt reports that a user has read a conversation up to a message.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}
