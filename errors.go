package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is the parent of every "socket cannot be used
	// right now" condition. It is never fatal.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNoToken is returned by Connect when the session has no auth token.
	ErrNoToken = fmt.Errorf("%w: no auth token", ErrTransportUnavailable)

	// ErrNotConnected is returned by Send when the socket is not open.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransportUnavailable)

	// ErrReconnectExhausted is recorded when the reconnection policy gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrRestCallFailed wraps every failed backend call.
	ErrRestCallFailed = errors.New("rest call failed")
)

// ParseError describes an inbound frame that was dropped.
type ParseError struct {
	Reason string
	Frame  []byte
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "parse frame: " + e.Reason + ": " + e.Err.Error()
	}
	return "parse frame: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// restError wraps err so that errors.Is(err, ErrRestCallFailed) holds while
// the underlying *APIError stays reachable through errors.As.
func restError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRestCallFailed, err)
}
