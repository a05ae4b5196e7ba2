package protocol

import (
	"errors"
	"fmt"
)

// ProtocolError reports malformed input. It never carries game meaning:
// the offending message is dropped and the sender is told why.
type ProtocolError struct {
	Reason string
	Err    error
	// Fatal is set when the stream can no longer be re-synchronised and
	// the connection must be closed.
	Fatal bool
}

// Error implements error.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

// Unwrap returns the underlying decode error, if any.
func (e *ProtocolError) Unwrap() error { return e.Err }

func malformed(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
