package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors returned by remote operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, remote.ErrUnauthorized) {
//	    // leave the operation queued until the session is fixed
//	}
var (
	// ErrUnauthorized is returned when the authority rejects the caller's
	// credentials or the caller does not own the row it is writing.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotConfigured is returned when no remote authority is configured.
	ErrNotConfigured = errors.New("remote not configured")

	// ErrUnavailable wraps transport and server failures that are expected
	// to clear up on retry.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrNotFound is returned when a profile, blob or RPC target does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownFunction is returned by Call for an unregistered RPC.
	ErrUnknownFunction = errors.New("unknown remote function")
)

// Classify maps a raw driver error onto the taxonomy above. Errors already
// in the taxonomy and context errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnknownFunction) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 28: invalid authorization specification.
		// 42501: insufficient_privilege (row level security).
		if strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "42501" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsUnauthorized returns true if the operation should stay queued until the
// session is re-established.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrUnknownFunction) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
