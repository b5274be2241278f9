package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transport.
type RealtimeConfig struct {
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	DialTimeout          time.Duration
	// HeartbeatInterval is the websocket ping period. Negative disables it.
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// State represents the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the transport. Attempt and Delay are set while
// reconnecting; GaveUp is set once the reconnection policy stopped.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	GaveUp  bool
}

// wsConn is the part of *websocket.Conn the transport uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single realtime socket of a session, feeds its
// frames to a Router and reconnects with exponential backoff.
type RealtimeClient struct {
	wsBase string
	token  func() string
	config *RealtimeConfig
	router *Router
	log    zerolog.Logger
	dial   dialFunc

	mu       sync.Mutex
	state    State
	conn     wsConn
	cancelFn context.CancelFunc
	gen      uint64
	recon    *reconnector
	gaveUp   bool
	lastErr  error
	status   Status
	onStatus listenerSet[Status]
}

// NewRealtimeClient creates a transport bound to {wsBase}/ws?token=...
// token is consulted on every (re)connect.
func NewRealtimeClient(wsBase string, token func() string, router *Router, config *RealtimeConfig, logger zerolog.Logger) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	ws := &RealtimeClient{
		wsBase: strings.TrimRight(wsBase, "/"),
		token:  token,
		config: &cfg,
		router: router,
		log:    logger.With().Str("component", "realtime").Logger(),
		recon:  newReconnector(&cfg),
	}
	ws.dial = ws.dialWebsocket
	return ws
}

// Status returns the current connection status.
func (ws *RealtimeClient) Status() Status {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.status
}

// State returns the current connection state.
func (ws *RealtimeClient) State() State {
	return ws.Status().State
}

// LastError returns the most recent transport error, if any.
func (ws *RealtimeClient) LastError() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.lastErr
}

// OnStatus registers a status-change listener.
func (ws *RealtimeClient) OnStatus(h func(Status)) func() {
	return ws.onStatus.add(h)
}

// On registers a frame listener; see Router.On.
func (ws *RealtimeClient) On(t EventType, h EventHandler) func() {
	return ws.router.On(t, h)
}

// Connect opens the socket. It is a no-op while open or connecting. Without
// a token it logs and returns ErrNoToken. A failed dial is handed to the
// reconnection policy and also returned.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateOpen || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	token := ws.token()
	if token == "" {
		ws.lastErr = ErrNoToken
		ws.mu.Unlock()
		ws.log.Warn().Msg("no auth token, connect skipped")
		return ErrNoToken
	}
	if ws.state == StateDisconnected {
		ws.recon.reset()
		ws.gaveUp = false
	}
	ws.recon.cancel()
	ws.gen++
	gen := ws.gen
	st := ws.setStateLocked(StateConnecting, ws.recon.attempt, 0)
	ws.mu.Unlock()
	ws.emitStatus(st)

	return ws.dialAndServe(ctx, gen, token)
}

// Close tears the connection down: pending reconnect timer, socket, router
// listeners and attempt counter. It is idempotent.
func (ws *RealtimeClient) Close() error {
	return ws.teardown(true)
}

// teardown closes the connection, keeping On listeners unless
// clearListeners is set.
func (ws *RealtimeClient) teardown(clearListeners bool) error {
	ws.mu.Lock()
	ws.gen++
	ws.recon.cancel()
	ws.recon.reset()
	ws.gaveUp = false
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	changed := ws.state != StateDisconnected || ws.status.GaveUp
	st := ws.setStateLocked(StateDisconnected, 0, 0)
	ws.mu.Unlock()

	if clearListeners {
		ws.router.Clear()
	}
	if changed {
		ws.log.Info().Msg("connection closed by client")
		ws.emitStatus(st)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send JSON-encodes payload and writes it as a text frame.
func (ws *RealtimeClient) Send(ctx context.Context, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	open := ws.state == StateOpen
	ws.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		ws.recordError(err)
		return fmt.Errorf("%w: write: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (ws *RealtimeClient) endpoint(token string) string {
	base := ws.wsBase
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?token=" + url.QueryEscape(token)
}

func (ws *RealtimeClient) dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(ws.config.ReadLimit)
	return conn, nil
}

func (ws *RealtimeClient) dialAndServe(ctx context.Context, gen uint64, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, ws.config.DialTimeout)
	conn, err := ws.dial(dialCtx, ws.endpoint(token))
	cancel()

	ws.mu.Lock()
	if gen != ws.gen {
		// Closed or superseded while dialing.
		ws.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		if err != nil {
			return fmt.Errorf("%w: websocket dial: %w", ErrTransportUnavailable, err)
		}
		return nil
	}
	if err != nil {
		ws.lastErr = err
		ws.mu.Unlock()
		ws.log.Warn().Err(err).Msg("websocket dial failed")
		ws.scheduleReconnect(gen)
		return fmt.Errorf("%w: websocket dial: %w", ErrTransportUnavailable, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.cancelFn = connCancel
	ws.recon.reset()
	ws.gaveUp = false
	st := ws.setStateLocked(StateOpen, 0, 0)
	ws.mu.Unlock()

	ws.log.Info().Msg("websocket connected")
	ws.emitStatus(st)

	go ws.readLoop(connCtx, conn, gen)
	if ws.config.HeartbeatInterval > 0 {
		go ws.heartbeatLoop(connCtx, conn)
	}
	return nil
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.handleDrop(gen, err)
			return
		}
		// Parse errors are logged and counted by the router.
		_ = ws.router.Dispatch(data)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, force close so the read loop reconnects.
				ws.recordError(err)
				ws.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop runs when the read loop of connection gen ends. Drops of a
// connection the caller closed are ignored.
func (ws *RealtimeClient) handleDrop(gen uint64, err error) {
	ws.mu.Lock()
	if gen != ws.gen {
		ws.mu.Unlock()
		return
	}
	ws.lastErr = err
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	st := ws.setStateLocked(StateDisconnected, 0, 0)
	ws.mu.Unlock()

	ws.log.Warn().Err(err).Msg("connection lost")
	ws.emitStatus(st)
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "")
	}
	ws.scheduleReconnect(gen)
}

func (ws *RealtimeClient) scheduleReconnect(gen uint64) {
	ws.mu.Lock()
	if gen != ws.gen {
		ws.mu.Unlock()
		return
	}
	if ws.config.DisableReconnect {
		st := ws.setStateLocked(StateDisconnected, 0, 0)
		ws.mu.Unlock()
		ws.emitStatus(st)
		return
	}

	attempt, delay, ok := ws.recon.next()
	if !ok {
		ws.gaveUp = true
		ws.lastErr = ErrReconnectExhausted
		st := ws.setStateLocked(StateDisconnected, attempt, 0)
		ws.mu.Unlock()
		reconnectExhausted.Inc()
		ws.log.Error().Int("attempts", attempt).Msg("giving up reconnecting")
		ws.emitStatus(st)
		return
	}

	reconnectAttempts.Inc()
	st := ws.setStateLocked(StateReconnecting, attempt, delay)
	ws.recon.schedule(delay, func() { ws.reconnect(gen) })
	ws.mu.Unlock()

	ws.log.Info().Int("attempt", attempt).Int("max", ws.config.MaxReconnectAttempts).
		Dur("delay", delay).Msg("reconnect scheduled")
	ws.emitStatus(st)
}

// reconnect is the timer callback for attempts scheduled on connection gen.
func (ws *RealtimeClient) reconnect(gen uint64) {
	ws.mu.Lock()
	if gen != ws.gen || ws.state != StateReconnecting {
		ws.mu.Unlock()
		return
	}
	ws.recon.stop = nil
	token := ws.token()
	if token == "" {
		st := ws.setStateLocked(StateDisconnected, 0, 0)
		ws.mu.Unlock()
		ws.log.Warn().Msg("token gone, reconnect abandoned")
		ws.emitStatus(st)
		return
	}
	ws.gen++
	gen = ws.gen
	st := ws.setStateLocked(StateConnecting, ws.recon.attempt, 0)
	ws.mu.Unlock()
	ws.emitStatus(st)

	_ = ws.dialAndServe(context.Background(), gen, token)
}

func (ws *RealtimeClient) setStateLocked(s State, attempt int, delay time.Duration) Status {
	ws.state = s
	ws.status = Status{State: s, Attempt: attempt, Delay: delay, GaveUp: ws.gaveUp}
	connectionState.Set(float64(s))
	return ws.status
}

func (ws *RealtimeClient) emitStatus(st Status) {
	ws.onStatus.emit(ws.log, st)
}

func (ws *RealtimeClient) recordError(err error) {
	ws.mu.Lock()
	ws.lastErr = err
	ws.mu.Unlock()
}
