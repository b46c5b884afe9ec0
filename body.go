package chatsync

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// MessageBody is the typed content of a message. The concrete type is one of
// TextBody, ImageBody or SystemBody; a nil body means the message has no
// content (for instance a deleted message).
type MessageBody interface {
	Type() MessageType
	String() string
	content() any
}

// TextBody is the body of a text message.
type TextBody struct {
	Text string
}

func (TextBody) Type() MessageType { return MessageText }
func (b TextBody) String() string  { return b.Text }
func (b TextBody) content() any    { return b.Text }

// ImageBody is the body of an image message.
type ImageBody struct {
	URL     string
	Caption string
	Width   int
	Height  int
}

func (ImageBody) Type() MessageType { return MessageImage }

func (b ImageBody) String() string {
	if b.Caption != "" {
		return b.Caption
	}
	return "[image] " + b.URL
}

func (b ImageBody) content() any {
	out := map[string]any{"url": b.URL}
	if b.Caption != "" {
		out["caption"] = b.Caption
	}
	if b.Width > 0 && b.Height > 0 {
		out["width"] = b.Width
		out["height"] = b.Height
	}
	return out
}

// SystemBody is the body of a server-generated system message.
type SystemBody struct {
	Event string
	Text  string
}

func (SystemBody) Type() MessageType { return MessageSystem }
func (b SystemBody) String() string  { return b.Text }

func (b SystemBody) content() any {
	if b.Event == "" {
		return b.Text
	}
	return map[string]any{"event": b.Event, "text": b.Text}
}

// decodeBody maps wire content to the body variant for t. Content may be a
// plain string or an object, depending on the message type and server.
func decodeBody(t MessageType, raw json.RawMessage) MessageBody {
	if len(raw) == 0 {
		return nil
	}
	c := gjson.ParseBytes(raw)
	if !c.Exists() || c.Type == gjson.Null {
		return nil
	}
	switch t {
	case MessageImage:
		if c.IsObject() {
			return ImageBody{
				URL:     c.Get("url").String(),
				Caption: c.Get("caption").String(),
				Width:   int(c.Get("width").Int()),
				Height:  int(c.Get("height").Int()),
			}
		}
		return ImageBody{URL: c.String()}
	case MessageSystem:
		if c.IsObject() {
			return SystemBody{Event: c.Get("event").String(), Text: c.Get("text").String()}
		}
		return SystemBody{Text: c.String()}
	default:
		if c.IsObject() {
			return TextBody{Text: c.Get("text").String()}
		}
		return TextBody{Text: c.String()}
	}
}

// ============================================================================
// Wire format
// ============================================================================

type wireMessage struct {
	ID             string          `json:"id"`
	LocalID        string          `json:"localId,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Type           MessageType     `json:"type"`
	Content        json.RawMessage `json:"content,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	IsDeleted      bool            `json:"isDeleted,omitempty"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
	Status         MessageStatus   `json:"status,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// UnmarshalJSON decodes a server message. Messages coming from the server
// are confirmed unless the payload carries its own status.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		w.Type = MessageText
	}
	*m = Message{
		ID:               w.ID,
		ServiceMessageID: w.ID,
		ConversationID:   w.ConversationID,
		SenderID:         w.SenderID,
		Type:             w.Type,
		Body:             decodeBody(w.Type, w.Content),
		Attachments:      w.Attachments,
		Metadata:         w.Metadata,
		CreatedAt:        w.CreatedAt,
		Status:           StatusConfirmed,
		Deleted:          w.IsDeleted || w.DeletedAt != nil,
		Error:            w.Error,
	}
	if w.LocalID != "" {
		m.ID = w.LocalID
	}
	if w.Status != "" {
		m.Status = w.Status
	}
	if m.Status == StatusOptimistic || m.Status == StatusFailed {
		m.ServiceMessageID = ""
	}
	return nil
}

// MarshalJSON encodes the message in the server shape plus its local id and
// status.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:             m.ServiceMessageID,
		LocalID:        m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           m.Type,
		Attachments:    m.Attachments,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
		IsDeleted:      m.Deleted,
		Status:         m.Status,
		Error:          m.Error,
	}
	if m.Body != nil {
		c, err := json.Marshal(m.Body.content())
		if err != nil {
			return nil, err
		}
		w.Content = c
	}
	return json.Marshal(w)
}
