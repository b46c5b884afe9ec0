package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name string
		typ  MessageType
		raw  string
		want MessageBody
	}{
		{"text string", MessageText, `"hello"`, TextBody{Text: "hello"}},
		{"text object", MessageText, `{"text":"hello"}`, TextBody{Text: "hello"}},
		{"image url", MessageImage, `"https://x/y.png"`, ImageBody{URL: "https://x/y.png"}},
		{"image object", MessageImage, `{"url":"u","caption":"c","width":4,"height":3}`, ImageBody{URL: "u", Caption: "c", Width: 4, Height: 3}},
		{"system object", MessageSystem, `{"event":"member_added","text":"A joined"}`, SystemBody{Event: "member_added", Text: "A joined"}},
		{"system string", MessageSystem, `"A left"`, SystemBody{Text: "A left"}},
		{"null", MessageText, `null`, nil},
		{"empty", MessageText, ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeBody(tt.typ, json.RawMessage(tt.raw)))
		})
	}
}

func TestMessageJSON(t *testing.T) {
	t.Run("server message", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"id":"srv-1","conversationId":"c","senderId":"u","createdAt":"2026-01-01T12:00:00Z","content":"x"}`), &m))
		assert.Equal(t, MessageText, m.Type)
		assert.Equal(t, StatusConfirmed, m.Status)
		assert.Equal(t, "srv-1", m.ServiceMessageID)
	})

	t.Run("soft deleted", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"id":"srv-1","deletedAt":"2026-01-01T12:00:00Z","content":null}`), &m))
		assert.True(t, m.Deleted)
		assert.Nil(t, m.Body)
		assert.Empty(t, m.Text())
	})

	t.Run("local round trip keeps ids and status", func(t *testing.T) {
		in := optimistic("temp-1", "c", t0, "pending")
		in.Status = StatusFailed
		in.Error = "timeout"
		data, err := json.Marshal(in)
		require.NoError(t, err)

		var out Message
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, "temp-1", out.ID)
		assert.Empty(t, out.ServiceMessageID)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, "timeout", out.Error)
		assert.Equal(t, "pending", out.Text())
	})
}
