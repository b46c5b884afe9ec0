package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Agent  string
	Body   map[string]any
}

func newTestAPI(t *testing.T, status int, response string) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.Method = r.Method
		rec.Path = r.URL.Path
		rec.Query = r.URL.RawQuery
		rec.Auth = r.Header.Get("Authorization")
		rec.Agent = r.Header.Get("X-Client-Agent")
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL+"/"), WithAgent("chatsync-test"), WithTimeout(5*time.Second)), rec
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()
	ok := `{"ok":true,"data":{}}`

	t.Run("list conversations", func(t *testing.T) {
		c, rec := newTestAPI(t, 200, ok)
		_, err := c.ListConversations(ctx, ListOptions{Limit: 20, Offset: 40})
		require.NoError(t, err)
		assert.Equal(t, "GET", rec.Method)
		assert.Equal(t, "/api/im/conversations", rec.Path)
		assert.Equal(t, "limit=20&offset=40", rec.Query)
		assert.Equal(t, "Bearer tok", rec.Auth)
		assert.Equal(t, "chatsync-test", rec.Agent)
	})

	t.Run("get messages before", func(t *testing.T) {
		c, rec := newTestAPI(t, 200, ok)
		_, err := c.GetMessages(ctx, "c 1", PageOptions{Limit: 50, Before: t0})
		require.NoError(t, err)
		assert.Equal(t, "/api/im/messages/c 1", rec.Path)
		assert.Equal(t, "before=2026-01-01T12%3A00%3A00Z&limit=50", rec.Query)
	})

	t.Run("send message", func(t *testing.T) {
		c, rec := newTestAPI(t, 200, ok)
		_, err := c.SendMessage(ctx, "c", SendPayload{
			Type:     MessageImage,
			Body:     ImageBody{URL: "u", Caption: "look"},
			Metadata: map[string]any{idempotencyKeyField: "temp-1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "POST", rec.Method)
		assert.Equal(t, "image", rec.Body["type"])
		assert.Equal(t, map[string]any{"url": "u", "caption": "look"}, rec.Body["content"])
		assert.Equal(t, map[string]any{"_idempotencyKey": "temp-1"}, rec.Body["metadata"])
	})

	t.Run("mark read", func(t *testing.T) {
		c, rec := newTestAPI(t, 200, ok)
		_, err := c.MarkConversationRead(ctx, "c", "m-1")
		require.NoError(t, err)
		assert.Equal(t, "/api/im/conversations/c/read", rec.Path)
		assert.Equal(t, map[string]any{"lastMessageId": "m-1"}, rec.Body)
	})

	t.Run("typing fallback", func(t *testing.T) {
		c, rec := newTestAPI(t, 200, ok)
		_, err := c.SetTyping(ctx, "c", true)
		require.NoError(t, err)
		assert.Equal(t, "/api/im/conversations/c/typing", rec.Path)
		assert.Equal(t, map[string]any{"isTyping": true}, rec.Body)
	})
}

func TestClientEnvelope(t *testing.T) {
	ctx := context.Background()

	t.Run("api error", func(t *testing.T) {
		c, _ := newTestAPI(t, 404, `{"ok":false,"error":{"code":"NOT_FOUND","message":"no such conversation"}}`)
		res, err := c.GetConversation(ctx, "x")
		require.NoError(t, err)
		var apiErr *APIError
		require.ErrorAs(t, resultErr(res, err), &apiErr)
		assert.Equal(t, "NOT_FOUND", apiErr.Code)
	})

	t.Run("non-json error body", func(t *testing.T) {
		c, _ := newTestAPI(t, 502, `<html>bad gateway</html>`)
		res, err := c.GetConversation(ctx, "x")
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, "HTTP_502", res.Error.Code)
	})

	t.Run("non-json success body", func(t *testing.T) {
		c, _ := newTestAPI(t, 200, `hello`)
		_, err := c.GetConversation(ctx, "x")
		assert.Error(t, err)
	})

	t.Run("not ok without error", func(t *testing.T) {
		assert.Error(t, resultErr(&Result{}, nil))
		assert.Error(t, resultErr(nil, nil))
	})
}

func TestDecoders(t *testing.T) {
	t.Run("conversations bare and nested", func(t *testing.T) {
		for _, data := range []string{
			`[{"id":"a","unreadCount":2},{"id":"b"}]`,
			`{"conversations":[{"id":"a","unreadCount":2},{"id":"b"}],"total":2}`,
		} {
			list, err := DecodeConversations(&Result{OK: true, Data: json.RawMessage(data)})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, convIDs(list))
			assert.Equal(t, 2, list[0].UnreadCount)
		}
	})

	t.Run("conversation requires id", func(t *testing.T) {
		_, err := DecodeConversation(&Result{OK: true, Data: json.RawMessage(`{"conversation":{"title":"x"}}`)})
		assert.Error(t, err)

		c, err := DecodeConversation(&Result{OK: true, Data: json.RawMessage(`{"conversation":{"id":"c","lastMessage":{"id":"m","content":"hi"}}}`)})
		require.NoError(t, err)
		require.NotNil(t, c.LastMessage)
		assert.Equal(t, "hi", c.LastMessage.Text())
	})

	t.Run("messages", func(t *testing.T) {
		msgs, err := DecodeMessages(&Result{OK: true, Data: json.RawMessage(`{"messages":[{"id":"m1","content":"a"},{"id":"m2","type":"image","content":{"url":"u"}}]}`)})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, ImageBody{URL: "u"}, msgs[1].Body)
	})

	t.Run("message requires server id", func(t *testing.T) {
		_, err := DecodeMessage(&Result{OK: true, Data: json.RawMessage(`{"content":"a"}`)})
		assert.Error(t, err)

		m, err := DecodeMessage(&Result{OK: true, Data: json.RawMessage(`{"message":{"id":"srv-1","content":"a"}}`)})
		require.NoError(t, err)
		assert.Equal(t, "srv-1", m.ServiceMessageID)
	})
}
