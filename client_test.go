package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, "test-token")
}

func TestClientListDialogs(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chats", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"user_id":2,"full_name":"Ann","avatar_url":"a.png","last_message":"hi",
			"last_message_at":"2026-03-01T12:00:00Z","unread_count":3}]`))
	})

	dialogs, err := client.ListDialogs(context.Background())
	require.NoError(t, err)
	require.Len(t, dialogs, 1)
	assert.Equal(t, int64(2), dialogs[0].UserID)
	assert.Equal(t, "Ann", dialogs[0].FullName)
	assert.Equal(t, 3, dialogs[0].UnreadCount)
	assert.True(t, dialogs[0].LastMessageAt.Equal(t0))
}

func TestClientListMessages(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("receiver_id"))
		w.Write([]byte(`[{"id":1,"sender_id":7,"receiver_id":1,"content":"yo","created_at":"2026-03-01T12:00:00Z"}]`))
	})

	msgs, err := client.ListMessages(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "yo", msgs[0].Content)
	assert.Nil(t, msgs[0].ReadAt)
}

func TestClientSendMessage(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"receiver_id":2,"content":"ping"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Message{ID: 10, SenderID: 1, ReceiverID: 2, Content: "ping", CreatedAt: t0})
	})

	msg, err := client.SendMessage(context.Background(), 2, "ping")
	require.NoError(t, err)
	assert.Equal(t, int64(10), msg.ID)
	assert.Empty(t, msg.ClientID)
}

func TestClientMarkRead(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/messages/read", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"receiver_id":4}`, string(body))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.MarkRead(context.Background(), 4))
}

func TestClientAPIError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	})

	_, err := client.ListDialogs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRestCallFailed))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "invalid token", apiErr.Message)
	assert.Equal(t, "HTTP 401: invalid token", apiErr.Error())
}

func TestClientNonJSONError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	err := client.MarkRead(context.Background(), 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "HTTP 502", apiErr.Error())
}

func TestClientTokenSwap(t *testing.T) {
	var got []string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	})

	_, err := client.ListDialogs(context.Background())
	require.NoError(t, err)
	client.SetToken("")
	_, err = client.ListDialogs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer test-token", ""}, got)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", WithTimeout(20*time.Millisecond))
	_, err := client.ListDialogs(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestCallFailed)
}
