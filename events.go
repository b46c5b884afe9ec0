package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// errMalformedPayload marks push payloads that are dropped without effect.
var errMalformedPayload = errors.New("malformed push payload")

func malformed(event, reason string) error {
	return fmt.Errorf("%w: %s: %s", errMalformedPayload, event, reason)
}

// decodeMessageEvent reads a message:new payload. The message may be the
// payload itself or nested under "message".
func decodeMessageEvent(payload json.RawMessage) (Message, error) {
	if !gjson.ValidBytes(payload) {
		return Message{}, malformed(EventMessageNew, "invalid json")
	}
	raw := unwrapData(payload, "message")
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Message{}, malformed(EventMessageNew, "not an object")
	}
	if doc.Get("id").String() == "" {
		return Message{}, malformed(EventMessageNew, "missing id")
	}
	convID := doc.Get("conversationId").String()
	if convID == "" {
		convID = gjson.GetBytes(payload, "conversationId").String()
	}
	if convID == "" {
		return Message{}, malformed(EventMessageNew, "missing conversationId")
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, malformed(EventMessageNew, err.Error())
	}
	m.ConversationID = convID
	m.Status = StatusConfirmed
	if m.ServiceMessageID == "" {
		m.ServiceMessageID = m.ID
	}
	return m, nil
}

func decodeTypingEvent(payload json.RawMessage) (TypingEvent, error) {
	if !gjson.ValidBytes(payload) {
		return TypingEvent{}, malformed(EventConversationTyping, "invalid json")
	}
	doc := gjson.ParseBytes(payload)
	ev := TypingEvent{
		ConversationID: doc.Get("conversationId").String(),
		UserID:         doc.Get("userId").String(),
		IsTyping:       doc.Get("isTyping").Bool(),
	}
	if ev.ConversationID == "" {
		return TypingEvent{}, malformed(EventConversationTyping, "missing conversationId")
	}
	if ev.UserID == "" {
		return TypingEvent{}, malformed(EventConversationTyping, "missing userId")
	}
	return ev, nil
}

func decodeReadEvent(payload json.RawMessage) (ReadReceipt, error) {
	if !gjson.ValidBytes(payload) {
		return ReadReceipt{}, malformed(EventConversationRead, "invalid json")
	}
	doc := gjson.ParseBytes(payload)
	rr := ReadReceipt{
		ConversationID: doc.Get("conversationId").String(),
		UserID:         doc.Get("userId").String(),
		LastMessageID:  doc.Get("lastMessageId").String(),
	}
	if rr.ConversationID == "" {
		return ReadReceipt{}, malformed(EventConversationRead, "missing conversationId")
	}
	if rr.UserID == "" {
		return ReadReceipt{}, malformed(EventConversationRead, "missing userId")
	}
	if s := doc.Get("readAt").String(); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rr.ReadAt = t
		}
	}
	return rr, nil
}

// decodeConversationEvent reads a conversation:created payload, bare or
// nested under "conversation".
func decodeConversationEvent(payload json.RawMessage) (Conversation, error) {
	if !gjson.ValidBytes(payload) {
		return Conversation{}, malformed(EventConversationCreated, "invalid json")
	}
	raw := unwrapData(payload, "conversation")
	if gjson.GetBytes(raw, "id").String() == "" {
		return Conversation{}, malformed(EventConversationCreated, "missing id")
	}
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conversation{}, malformed(EventConversationCreated, err.Error())
	}
	return c, nil
}
