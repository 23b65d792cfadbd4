package session

import "github.com/cockroachdb/errors"

var (
	// ErrProtocol marks a corrupted or out-of-order event stream: an exit that
	// matches no open invocation, a signature mismatch, a negative duration.
	ErrProtocol = errors.New("protocol violation")
	// ErrSessionFailed is returned for every event of a thread whose session
	// was stopped by a sink failure or a strict-mode protocol violation.
	ErrSessionFailed = errors.New("session failed")
)
