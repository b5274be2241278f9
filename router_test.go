package chatsync

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatchOrder(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var calls []string
	r.sink(EventMessage, func(Event) { calls = append(calls, "sink") })
	r.On(EventMessage, func(Event) { calls = append(calls, "first") })
	r.On(EventMessage, func(Event) { calls = append(calls, "second") })
	r.On(EventNotification, func(Event) { calls = append(calls, "other") })

	require.NoError(t, r.Dispatch([]byte(`{"type":"message","data":{"id":1}}`)))
	assert.Equal(t, []string{"sink", "first", "second"}, calls)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(zerolog.Nop())

	var a, b int
	offA := r.On(EventAvatarUpdated, func(Event) { a++ })
	r.On(EventAvatarUpdated, func(Event) { b++ })

	frame := []byte(`{"type":"avatar_updated","data":{"user_id":2,"avatar_url":"x.png"}}`)
	require.NoError(t, r.Dispatch(frame))
	offA()
	offA()
	require.NoError(t, r.Dispatch(frame))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, r.Listeners(EventAvatarUpdated))
}

func TestRouterDropsBadFrames(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	called := false
	r.On(EventMessage, func(Event) { called = true })

	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{"malformed", `{"type":`, "malformed json"},
		{"unknown type", `{"type":"typing","data":{}}`, "unknown type typing"},
		{"missing type", `{"data":{}}`, "unknown type "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch([]byte(tt.frame))
			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.reason, perr.Reason)
			assert.Equal(t, tt.frame, string(perr.Frame))
		})
	}
	assert.False(t, called)
}

func TestRouterRecoversListenerPanic(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	after := false
	r.On(EventChatStarted, func(Event) { panic("boom") })
	r.On(EventChatStarted, func(Event) { after = true })

	assert.NotPanics(t, func() {
		_ = r.Dispatch([]byte(`{"type":"chat:started","data":{"receiver_id":3}}`))
	})
	assert.True(t, after)
}

func TestRouterClearKeepsSinks(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	var sink, listener int
	r.sink(EventMessage, func(Event) { sink++ })
	r.On(EventMessage, func(Event) { listener++ })

	r.Clear()
	require.NoError(t, r.Dispatch([]byte(`{"type":"message","data":{}}`)))

	assert.Equal(t, 1, sink)
	assert.Equal(t, 0, listener)

	// Listeners can be added again after Clear.
	r.On(EventMessage, func(Event) { listener++ })
	require.NoError(t, r.Dispatch([]byte(`{"type":"message","data":{}}`)))
	assert.Equal(t, 1, listener)
}

func TestEventDecode(t *testing.T) {
	ev := Event{Type: EventChatStarted}
	var c ChatStarted
	require.NoError(t, ev.Decode(&c), "empty data decodes to zero value")
	assert.Zero(t, c.ReceiverID)

	ev.Data = []byte(`{"receiver_id":7}`)
	require.NoError(t, ev.Decode(&c))
	assert.Equal(t, int64(7), c.ReceiverID)
}
