package protocol

import "fmt"

// ProtocolError marks a malformed or oversized frame. The connection that
// produced it is dropped.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// AuthError marks a failed or rate-limited handshake. The attempt is recorded
// and the connection dropped.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// ValidationError marks a bad request payload. Reported to the caller; the
// connection stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// StoreError marks a local storage failure. The caller sees a generic
// failure; the detail goes to the log.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error during %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }
