package chatsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// persistDelay coalesces bursts of store changes into one snapshot write.
const persistDelay = 500 * time.Millisecond

type engineOptions struct {
	logger     zerolog.Logger
	snapshot   *Snapshot
	realtime   *RealtimeConfig
	httpClient *http.Client
	api        ChatAPI
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = logger }
}

// WithSnapshot persists dialogs and open threads to s and seeds the store
// from it on login.
func WithSnapshot(s *Snapshot) EngineOption {
	return func(o *engineOptions) { o.snapshot = s }
}

// WithRealtimeConfig overrides transport and reconnection settings.
func WithRealtimeConfig(c *RealtimeConfig) EngineOption {
	return func(o *engineOptions) { o.realtime = c }
}

// WithRESTClient sets the HTTP client used for REST calls.
func WithRESTClient(c *http.Client) EngineOption {
	return func(o *engineOptions) { o.httpClient = c }
}

// WithChatAPI replaces the REST backend.
func WithChatAPI(api ChatAPI) EngineOption {
	return func(o *engineOptions) { o.api = api }
}

// ============================================================================
// Engine
// ============================================================================

// Engine ties the realtime transport, the event router and the chat store
// to one session.
type Engine struct {
	log      zerolog.Logger
	session  sessionHolder
	client   *Client
	router   *Router
	rt       *RealtimeClient
	store    *Store
	snapshot *Snapshot

	persistMu    sync.Mutex
	dirtyMu      sync.Mutex
	dirtyDialogs bool
	dirtyThreads map[int64]bool
	persistCh    chan struct{}
	stopCh       chan struct{}
	doneCh       chan struct{}
	stopOnce     sync.Once
}

// NewEngine creates a logged-out engine for the backend at apiBase with its
// realtime endpoint at wsBase. Call OnAuthChange to log in.
func NewEngine(apiBase, wsBase string, opts ...EngineOption) *Engine {
	o := &engineOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		log:          o.logger.With().Str("component", "engine").Logger(),
		snapshot:     o.snapshot,
		dirtyThreads: make(map[int64]bool),
		persistCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	clientOpts := []ClientOption{WithClientLogger(o.logger)}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(o.httpClient))
	}
	e.client = NewClient(apiBase, "", clientOpts...)

	api := o.api
	if api == nil {
		api = e.client
	}
	e.store = NewStore(api, o.logger)
	e.router = NewRouter(o.logger)
	e.rt = NewRealtimeClient(wsBase, e.session.token, e.router, o.realtime, o.logger)

	e.wire()
	if e.snapshot != nil {
		e.store.OnChange(e.markDirty)
		go e.persistLoop()
	} else {
		close(e.doneCh)
	}
	return e
}

// wire routes decoded frames into the store. These survive Close.
func (e *Engine) wire() {
	e.router.sink(EventMessage, func(ev Event) {
		var msg Message
		if err := ev.Decode(&msg); err != nil {
			frameErrorsTotal.WithLabelValues("bad_payload").Inc()
			e.log.Warn().Err(err).Msg("bad message payload")
			return
		}
		if msg.ID == 0 {
			e.log.Warn().Msg("message frame without id")
			return
		}
		e.store.HandleInboundMessage(msg)
	})
	e.router.sink(EventAvatarUpdated, func(ev Event) {
		var u AvatarUpdate
		if err := ev.Decode(&u); err != nil {
			frameErrorsTotal.WithLabelValues("bad_payload").Inc()
			e.log.Warn().Err(err).Msg("bad avatar payload")
			return
		}
		e.store.HandleAvatarUpdate(u)
	})
	e.router.sink(EventChatStarted, func(ev Event) {
		var c ChatStarted
		if err := ev.Decode(&c); err != nil {
			frameErrorsTotal.WithLabelValues("bad_payload").Inc()
			e.log.Warn().Err(err).Msg("bad chat:started payload")
			return
		}
		e.store.HandleChatStarted(c)
	})
}

// Store returns the chat state store.
func (e *Engine) Store() *Store { return e.store }

// Client returns the REST client.
func (e *Engine) Client() *Client { return e.client }

// Session returns the current session.
func (e *Engine) Session() Session { return e.session.get() }

// Dialogs is shorthand for Store().Dialogs().
func (e *Engine) Dialogs() []Dialog { return e.store.Dialogs() }

// Messages is shorthand for Store().Messages(id).
func (e *Engine) Messages(counterpartID int64) []Message { return e.store.Messages(counterpartID) }

// UnreadTotal is shorthand for Store().UnreadTotal().
func (e *Engine) UnreadTotal() int { return e.store.UnreadTotal() }

// Status returns the transport status.
func (e *Engine) Status() Status { return e.rt.Status() }

// OnStatus registers a transport status listener.
func (e *Engine) OnStatus(h func(Status)) func() { return e.rt.OnStatus(h) }

// OnEvent registers a listener for one frame type. Close drops it.
func (e *Engine) OnEvent(t EventType, h EventHandler) func() { return e.router.On(t, h) }

// Connect opens the realtime connection for the current session.
func (e *Engine) Connect(ctx context.Context) error { return e.rt.Connect(ctx) }

// Close closes the realtime connection and drops OnEvent listeners.
func (e *Engine) Close() error { return e.rt.Close() }

// Send writes payload to the realtime connection.
func (e *Engine) Send(ctx context.Context, payload any) error { return e.rt.Send(ctx, payload) }

// OnAuthChange applies a login, token refresh, user switch or logout.
//
// An empty token logs out: the connection is closed, reconnect timers are
// cancelled, the store is reset and the previous user's snapshot purged.
// Otherwise the connection is re-established under the new token; the
// store is reset (and seeded from the snapshot) only when the user changed.
func (e *Engine) OnAuthChange(ctx context.Context, s Session) error {
	prev := e.session.swap(s)
	e.client.SetToken(s.Token)

	if !s.LoggedIn() {
		_ = e.rt.Close()
		e.store.Reset(0)
		e.discardDirty()
		if e.snapshot != nil && prev.UserID != 0 {
			e.persistMu.Lock()
			err := e.snapshot.Purge(ctx, prev.UserID)
			e.persistMu.Unlock()
			if err != nil {
				e.log.Warn().Err(err).Int64("user", prev.UserID).Msg("snapshot purge failed")
			}
		}
		e.log.Info().Msg("logged out")
		return nil
	}

	if prev == s {
		return e.rt.Connect(ctx)
	}

	_ = e.rt.teardown(false)
	if prev.UserID != s.UserID {
		e.store.Reset(s.UserID)
		e.discardDirty()
		e.seed(ctx, s.UserID)
	}
	e.log.Info().Int64("user", s.UserID).Msg("session changed")
	return e.rt.Connect(ctx)
}

// Shutdown closes the connection, flushes pending snapshot writes and
// stops the background writer. The engine must not be used afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.rt.Close()
	e.stopOnce.Do(func() { close(e.stopCh) })
	select {
	case <-e.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// ============================================================================
// Snapshot persistence
// ============================================================================

func (e *Engine) seed(ctx context.Context, userID int64) {
	if e.snapshot == nil {
		return
	}
	dialogs, err := e.snapshot.LoadDialogs(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Msg("snapshot load failed")
		return
	}
	if len(dialogs) > 0 {
		e.store.Seed(dialogs)
		e.discardDirty()
	}
}

func (e *Engine) markDirty(c Change) {
	e.dirtyMu.Lock()
	switch c.Kind {
	case ChangeDialogs:
		e.dirtyDialogs = true
	case ChangeMessages:
		e.dirtyThreads[c.CounterpartID] = true
	default:
		e.dirtyMu.Unlock()
		return
	}
	e.dirtyMu.Unlock()

	select {
	case e.persistCh <- struct{}{}:
	default:
	}
}

func (e *Engine) discardDirty() {
	e.dirtyMu.Lock()
	e.dirtyDialogs = false
	e.dirtyThreads = make(map[int64]bool)
	e.dirtyMu.Unlock()
}

func (e *Engine) persistLoop() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			e.persist()
			return
		case <-e.persistCh:
			select {
			case <-time.After(persistDelay):
			case <-e.stopCh:
			}
			e.persist()
		}
	}
}

// persist writes dirty parts of the store to the snapshot.
func (e *Engine) persist() {
	e.dirtyMu.Lock()
	dialogs := e.dirtyDialogs
	threads := e.dirtyThreads
	e.dirtyDialogs = false
	e.dirtyThreads = make(map[int64]bool)
	e.dirtyMu.Unlock()

	if !dialogs && len(threads) == 0 {
		return
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	st := e.store.persistState(threads)
	if st.owner == 0 {
		return
	}
	// The session moved on; the store is about to be reset.
	if st.owner != e.session.get().UserID {
		e.log.Debug().Int64("owner", st.owner).Msg("session changed, snapshot write dropped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dialogs {
		if err := e.snapshot.SaveDialogs(ctx, st.owner, st.dialogs); err != nil {
			e.log.Warn().Err(err).Msg("snapshot dialogs failed")
		}
	}
	for cp, msgs := range st.threads {
		if err := e.snapshot.SaveMessages(ctx, st.owner, cp, msgs); err != nil {
			e.log.Warn().Err(err).Int64("counterpart", cp).Msg("snapshot thread failed")
		}
	}
}
