package chatsync

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Listener registry
// ============================================================================

// listenerSet is an ordered set of callbacks with per-listener removal.
type listenerSet[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	ids    []uint64
	fns    map[uint64]func(T)
}

func (l *listenerSet[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.ids = append(l.ids, id)
	l.fns[id] = fn

	var once sync.Once
	return func() { once.Do(func() { l.remove(id) }) }
}

func (l *listenerSet[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.fns[id]; !ok {
		return
	}
	delete(l.fns, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i:i], l.ids[i+1:]...)
			break
		}
	}
}

func (l *listenerSet[T]) snapshot() []func(T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]func(T), 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.fns[id])
	}
	return out
}

func (l *listenerSet[T]) clear() {
	l.mu.Lock()
	l.ids = nil
	l.fns = nil
	l.mu.Unlock()
}

func (l *listenerSet[T]) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// emit calls every listener in registration order. A panicking listener is
// logged and skipped so it cannot take down the caller's goroutine.
func (l *listenerSet[T]) emit(log zerolog.Logger, v T) {
	for _, fn := range l.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					frameErrorsTotal.WithLabelValues("listener_panic").Inc()
					log.Error().Interface("panic", r).Msg("listener panicked")
				}
			}()
			fn(v)
		}()
	}
}

// ============================================================================
// Event Router
// ============================================================================

// EventHandler receives one decoded realtime frame.
type EventHandler func(Event)

// Router classifies inbound frames by type and dispatches them
// synchronously, in arrival order.
type Router struct {
	log zerolog.Logger

	mu        sync.RWMutex
	sinks     map[EventType]*listenerSet[Event]
	listeners map[EventType]*listenerSet[Event]
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		log:       logger.With().Str("component", "router").Logger(),
		sinks:     make(map[EventType]*listenerSet[Event]),
		listeners: make(map[EventType]*listenerSet[Event]),
	}
}

// On registers a listener for one event type and returns its unsubscribe
// func. Listeners registered here are dropped by Clear.
func (r *Router) On(t EventType, h EventHandler) func() {
	return r.set(r.listeners, t).add(h)
}

// sink registers internal wiring that survives Clear.
func (r *Router) sink(t EventType, h EventHandler) func() {
	return r.set(r.sinks, t).add(h)
}

func (r *Router) set(m map[EventType]*listenerSet[Event], t EventType) *listenerSet[Event] {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := m[t]
	if !ok {
		ls = &listenerSet[Event]{}
		m[t] = ls
	}
	return ls
}

// Clear removes every listener registered through On.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ls := range r.listeners {
		ls.clear()
	}
}

// Listeners returns the number of On listeners for t.
func (r *Router) Listeners(t EventType) int {
	r.mu.RLock()
	ls, ok := r.listeners[t]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return ls.count()
}

// Dispatch parses one frame and delivers it. Malformed frames and unknown
// types are logged and dropped; the returned *ParseError is informational.
func (r *Router) Dispatch(frame []byte) error {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		frameErrorsTotal.WithLabelValues("malformed").Inc()
		perr := &ParseError{Reason: "malformed json", Frame: frame, Err: err}
		r.log.Warn().Err(err).Bytes("frame", truncate(frame, 256)).Msg("dropping frame")
		return perr
	}
	if !ev.Type.Known() {
		frameErrorsTotal.WithLabelValues("unknown_type").Inc()
		r.log.Debug().Str("type", string(ev.Type)).Msg("dropping frame of unknown type")
		return &ParseError{Reason: "unknown type " + string(ev.Type), Frame: frame}
	}

	framesTotal.WithLabelValues(string(ev.Type)).Inc()
	r.deliver(ev)
	return nil
}

func (r *Router) deliver(ev Event) {
	r.mu.RLock()
	sinks := r.sinks[ev.Type]
	listeners := r.listeners[ev.Type]
	r.mu.RUnlock()

	if sinks != nil {
		sinks.emit(r.log, ev)
	}
	if listeners != nil {
		listeners.emit(r.log, ev)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
