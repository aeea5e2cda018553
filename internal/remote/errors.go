package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TransportError is a network, timeout, or server-side failure. Always
// retryable up to the configured attempt limit; the remote may or may
// not have applied the mutation, which is why deliveries carry
// idempotency keys.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError reports that the record changed server-side since the
// operation's base version. Never retried automatically; routed to the
// conflict resolver. RemoteDeleted distinguishes a record that
// disappeared remotely from one that merely moved on.
type ConflictError struct {
	RemoteSnapshot json.RawMessage
	RemoteVersion  int64
	RemoteDeleted  bool
}

func (e *ConflictError) Error() string {
	if e.RemoteDeleted {
		return "conflict: record deleted remotely"
	}
	return fmt.Sprintf("conflict: remote at version %d", e.RemoteVersion)
}

// ValidationError means the remote rejected the payload as malformed.
// Terminal: retrying the same bytes cannot succeed.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validation: %s: %s", e.Code, e.Message)
	}
	return "validation: " + e.Code
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
