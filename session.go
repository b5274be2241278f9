package chatsync

import "sync"

// Session is the authentication context the engine runs under. An empty
// Token means logged out.
type Session struct {
	Token  string
	UserID int64
}

// LoggedIn reports whether the session carries a token.
func (s Session) LoggedIn() bool {
	return s.Token != ""
}

// sessionHolder is the shared, mutable session read by the transport on
// every (re)connect.
type sessionHolder struct {
	mu      sync.RWMutex
	session Session
}

func (h *sessionHolder) get() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// swap replaces the session and returns the previous one.
func (h *sessionHolder) swap(s Session) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.session
	h.session = s
	return prev
}

func (h *sessionHolder) token() string {
	return h.get().Token
}
