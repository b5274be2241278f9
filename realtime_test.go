package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestConnectWithoutToken(t *testing.T) {
	dialer := &fakeDialer{}
	rt := newFakeRealtime(t, "", dialer, &fakeTimers{}, nil)

	err := rt.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, 0, dialer.callCount())
	assert.Equal(t, StateDisconnected, rt.State())
}

func TestSendRequiresOpenConnection(t *testing.T) {
	rt := newFakeRealtime(t, "tok", &fakeDialer{}, &fakeTimers{}, nil)

	err := rt.Send(context.Background(), map[string]any{"type": "ping"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestSendWritesJSON(t *testing.T) {
	conn := newFakeConn()
	rt := newFakeRealtime(t, "tok", &fakeDialer{results: []*fakeConn{conn}}, &fakeTimers{}, nil)
	require.NoError(t, rt.Connect(context.Background()))

	require.NoError(t, rt.Send(context.Background(), map[string]any{"type": "typing", "data": map[string]int{"receiver_id": 2}}))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.JSONEq(t, `{"type":"typing","data":{"receiver_id":2}}`, string(conn.written[0]))
}

func TestConnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []*fakeConn{conn}}
	rt := newFakeRealtime(t, "tok", dialer, &fakeTimers{}, nil)

	require.NoError(t, rt.Connect(context.Background()))
	require.NoError(t, rt.Connect(context.Background()))
	assert.Equal(t, 1, dialer.callCount())
	assert.Equal(t, "ws://chat.test/ws?token=tok", dialer.urls[0])
}

func TestCloseIsIdempotentAndClearsListeners(t *testing.T) {
	conn := newFakeConn()
	rt := newFakeRealtime(t, "tok", &fakeDialer{results: []*fakeConn{conn}}, &fakeTimers{}, nil)
	require.NoError(t, rt.Connect(context.Background()))

	rt.On(EventMessage, func(Event) {})
	var sinkCalls atomic.Int32
	rt.router.sink(EventMessage, func(Event) { sinkCalls.Add(1) })

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	assert.True(t, conn.isClosed())
	assert.Equal(t, StateDisconnected, rt.State())
	assert.Equal(t, 0, rt.router.Listeners(EventMessage))
	require.NoError(t, rt.router.Dispatch([]byte(`{"type":"message","data":{}}`)))
	assert.Equal(t, int32(1), sinkCalls.Load(), "internal sinks survive Close")
}

func TestFramesReachListenersInOrder(t *testing.T) {
	conn := newFakeConn()
	rt := newFakeRealtime(t, "tok", &fakeDialer{results: []*fakeConn{conn}}, &fakeTimers{}, nil)

	var mu sync.Mutex
	var got []string
	rt.On(EventNotification, func(ev Event) {
		var n Notification
		assert.NoError(t, ev.Decode(&n))
		mu.Lock()
		got = append(got, n.Content)
		mu.Unlock()
	})
	require.NoError(t, rt.Connect(context.Background()))

	conn.frames <- []byte(`{"type":"notification","data":{"id":1,"content":"a"}}`)
	conn.frames <- []byte(`not json`)
	conn.frames <- []byte(`{"type":"typing","data":{}}`)
	conn.frames <- []byte(`{"type":"notification","data":{"id":2,"content":"b"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, StateOpen, rt.State(), "bad frames never drop the connection")
}

func TestHeartbeatFailureReconnects(t *testing.T) {
	conn := newFakeConn()
	conn.pingErr = context.DeadlineExceeded
	timers := &fakeTimers{}
	rt := newFakeRealtime(t, "tok", &fakeDialer{results: []*fakeConn{conn}}, timers,
		&RealtimeConfig{HeartbeatInterval: 5 * time.Millisecond})

	require.NoError(t, rt.Connect(context.Background()))
	waitTimers(t, timers, 1)

	assert.True(t, conn.isClosed())
	assert.Equal(t, StateReconnecting, rt.State())
}

func TestCloseWhileDialing(t *testing.T) {
	conn := newFakeConn()
	started := make(chan struct{})
	release := make(chan struct{})
	rt := newFakeRealtime(t, "tok", &fakeDialer{}, &fakeTimers{}, nil)
	rt.dial = func(ctx context.Context, url string) (wsConn, error) {
		close(started)
		<-release
		return conn, nil
	}

	done := make(chan error, 1)
	go func() { done <- rt.Connect(context.Background()) }()
	<-started
	require.NoError(t, rt.Close())
	close(release)

	require.NoError(t, <-done)
	assert.True(t, conn.isClosed(), "late connection is discarded")
	assert.Equal(t, StateDisconnected, rt.State())
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"https://api.example.com/", "wss://api.example.com/ws?token=a%2Bb"},
		{"http://localhost:8080", "ws://localhost:8080/ws?token=a%2Bb"},
		{"wss://rt.example.com", "wss://rt.example.com/ws?token=a%2Bb"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			rt := NewRealtimeClient(tt.base, func() string { return "a+b" }, NewRouter(zerolog.Nop()), nil, zerolog.Nop())
			assert.Equal(t, tt.want, rt.endpoint("a+b"))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// ============================================================================
// Against a real websocket server
// ============================================================================

func TestRealtimeEndToEnd(t *testing.T) {
	var conns atomic.Int32
	received := make(chan []byte, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("token") != "secret" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ctx := r.Context()

		frame, _ := json.Marshal(Event{Type: EventMessage, Data: json.RawMessage(`{"id":1,"sender_id":2,"receiver_id":1,"content":"hi"}`)})
		if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
		if n == 1 {
			_, data, err := c.Read(ctx)
			if err == nil {
				received <- data
			}
			// Drop the first connection to force a reconnect.
			c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		c.Read(ctx) // hold until the client leaves
	}))
	defer srv.Close()

	router := NewRouter(zerolog.Nop())
	rt := NewRealtimeClient(srv.URL, func() string { return "secret" }, router,
		&RealtimeConfig{ReconnectBaseDelay: 10 * time.Millisecond, HeartbeatInterval: -1}, zerolog.Nop())
	defer rt.Close()

	msgs := make(chan Message, 4)
	rt.On(EventMessage, func(ev Event) {
		var m Message
		if ev.Decode(&m) == nil {
			msgs <- m
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))

	select {
	case m := <-msgs:
		assert.Equal(t, "hi", m.Content)
	case <-ctx.Done():
		t.Fatal("no frame from server")
	}

	require.NoError(t, rt.Send(ctx, map[string]string{"type": "ping"}))
	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"ping"}`, string(data))
	case <-ctx.Done():
		t.Fatal("server got nothing")
	}

	require.Eventually(t, func() bool {
		return conns.Load() == 2 && rt.State() == StateOpen
	}, 3*time.Second, 5*time.Millisecond, "client reconnects after server drop")
	assert.Equal(t, 0, rt.Status().Attempt)
}

func TestRealtimeDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt := NewRealtimeClient(srv.URL, func() string { return "bad" }, NewRouter(zerolog.Nop()),
		&RealtimeConfig{HeartbeatInterval: -1}, zerolog.Nop())
	timers := &fakeTimers{}
	rt.recon.after = timers.after
	defer rt.Close()

	err := rt.Connect(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, StateReconnecting, rt.State())
	assert.Equal(t, []time.Duration{5 * time.Second}, timers.scheduled())
	assert.Error(t, rt.LastError())
}
