package engine

import (
	"errors"
	"fmt"

	"github.com/secure-chat-hub/secure-chat-hub/pkg/protocol"
)

// Handler is a pluggable consumer of messages. Handlers classify their own
// failures: a TransientError is eligible for retry, anything else is
// permanent.
type Handler interface {
	Name() string
	CanHandle(msgType string) bool
	Handle(msg *protocol.Message) error
}

// TransientError marks a failure worth retrying (timeouts, checkout
// failures). PermanentError marks one that never will be.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
