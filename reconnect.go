package chatsync

import "time"

// ============================================================================
// Reconnector
// ============================================================================

// afterFunc schedules f after d and returns a func that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// reconnector is the backoff state machine. It is not goroutine-safe; the
// owning RealtimeClient serializes access under its mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxAttempts int
	attempt     int
	after       afterFunc
	stop        func() bool
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxAttempts: config.MaxReconnectAttempts,
		after:       timeAfterFunc,
	}
}

// next advances to the following attempt and returns its 1-indexed number
// and delay. ok is false once maxAttempts have been used.
func (r *reconnector) next() (attempt int, delay time.Duration, ok bool) {
	if r.attempt >= r.maxAttempts {
		return r.attempt, 0, false
	}
	r.attempt++
	return r.attempt, r.delay(r.attempt), true
}

// delay is baseDelay * 2^(n-1).
func (r *reconnector) delay(n int) time.Duration {
	return r.baseDelay << (n - 1)
}

// schedule arms the timer, replacing any pending one.
func (r *reconnector) schedule(d time.Duration, f func()) {
	r.cancel()
	r.stop = r.after(d, f)
}

// cancel disarms a pending timer. It reports whether one was pending.
func (r *reconnector) cancel() bool {
	if r.stop == nil {
		return false
	}
	stopped := r.stop()
	r.stop = nil
	return stopped
}

func (r *reconnector) pending() bool {
	return r.stop != nil
}

// reset clears the attempt counter after a healthy connection or an
// explicit teardown.
func (r *reconnector) reset() {
	r.attempt = 0
}
