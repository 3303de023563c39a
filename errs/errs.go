// Package errs defines the error taxonomy shared by the engine packages.
//
// Sentinels are compared with errors.Is. FetchError and MutationError carry
// the key/mutation they belong to and unwrap to the underlying cause, so a
// caller can match both the category (ErrFetchFailed) and the transport's own
// error value.
package errs

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidKey is returned when a query key contains a segment outside the
	// supported set (functions, channels, structs, NaN, ...).
	ErrInvalidKey = errors.New("querycache: invalid key")

	// ErrFetchFailed is the category of every error produced by an injected fetch function.
	ErrFetchFailed = errors.New("querycache: fetch failed")

	// ErrMutationFailed is the category of every error produced by an injected mutation function.
	ErrMutationFailed = errors.New("querycache: mutation failed")

	// ErrTimeout marks a fetch attempt or mutation that exceeded its deadline.
	// It is a subtype of ErrFetchFailed / ErrMutationFailed.
	ErrTimeout = errors.New("querycache: timeout")

	// ErrStaleResponse is internal bookkeeping for a superseded fetch. It is
	// never returned to callers.
	ErrStaleResponse = errors.New("querycache: stale response discarded")

	// ErrCanceled is returned to callers attached to a fetch that was explicitly cancelled.
	ErrCanceled = errors.New("querycache: fetch canceled")

	// ErrNoFetcher is returned when no fetch function is registered for a key's resource.
	ErrNoFetcher = errors.New("querycache: no fetcher registered")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("querycache: closed")
)

// FetchError is stored in a cache entry once the retry budget is exhausted.
type FetchError struct {
	Key      string // canonical key
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("querycache: fetch %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports category membership; the cause is reached through Unwrap.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// MutationError is returned by Mutate when the injected mutation function fails.
// RolledBack reports whether optimistic patches were restored before returning.
type MutationError struct {
	ID         string
	RolledBack bool
	Err        error
}

func (e *MutationError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("querycache: mutation %s failed (rolled back): %v", e.ID, e.Err)
	}
	return fmt.Sprintf("querycache: mutation %s failed: %v", e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool {
	return target == ErrMutationFailed
}

// timeoutError wraps a context deadline so it matches both ErrTimeout and the cause.
type timeoutError struct{ err error }

func (e *timeoutError) Error() string        { return "querycache: timeout: " + e.err.Error() }
func (e *timeoutError) Unwrap() error        { return e.err }
func (e *timeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout marks err as a timeout. Nil stays nil.
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return &timeoutError{err: err}
}

// permanent marks an error the retry loop must not retry.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// NonRetriable marks err as a permanent failure (e.g. a 4xx client error).
// The marker survives further wrapping.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsRetriable is the default retry predicate: everything is retried except
// errors marked NonRetriable, invalid keys and cancellation.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanent
	switch {
	case errors.As(err, &p):
		return false
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return false
	}
	return true
}
