package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the realtime package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("realtime: API key is required")

	// ErrNotConnected indicates the client has no open socket.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConnected indicates Dial was called twice.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrClosedByPeer indicates the service sent a close frame.
	ErrClosedByPeer = errors.New("realtime: connection closed by peer")
)

// APIError is an `error` event reported by the service. It does not end the session.
type APIError struct {
	Type    string
	Code    string
	Message string
	EventID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: API error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: API error: %s", e.Message)
}

// ConnectionError is a dial or socket failure.
type ConnectionError struct {
	Reason     string
	StatusCode int // handshake status, 0 when unknown
	Cause      error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("realtime: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("realtime: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether dialing again may succeed.
func (e *ConnectionError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsPeerClose reports whether err means the service closed the socket cleanly, as opposed
// to a transport failure.
func IsPeerClose(err error) bool {
	return errors.Is(err, ErrClosedByPeer)
}
