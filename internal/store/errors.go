package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks store-level failures: disk full, corruption, a
// write lock that cannot be acquired. Callers must treat it as a hard
// stop for the affected operation, never as a reason to drop it.
var ErrUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when an operation or cache entry does not exist.
var ErrNotFound = errors.New("not found")

// unavailable wraps a low-level failure so callers can match ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
