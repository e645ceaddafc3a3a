package store

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrNotFound: no row matched.
	ErrNotFound = errors.New("store: row not found")
	// ErrConflict: a unique constraint rejected the write.
	ErrConflict = errors.New("store: conflict")
	// ErrDenied: the store's authorization rules rejected the write.
	// The store is the enforcement point; callers must not assume a
	// write succeeded.
	ErrDenied = errors.New("store: denied")
	// ErrTransient: the call failed for network-ish reasons and may
	// succeed if retried.
	ErrTransient = errors.New("store: transient failure")
)

// IsTransient classifies failures the retry path may reattempt. Denied
// and conflict are authoritative answers, not failures to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrDenied) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
