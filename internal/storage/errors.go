package storage

import (
	"errors"
	"fmt"
)

// Storage error types.
var (
	ErrPathEscape     = errors.New("path escapes tenant root")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("name already exists")
	ErrCrypto         = errors.New("content cipher failure")
	ErrIO             = errors.New("storage i/o failure")
	ErrInvalidPath    = errors.New("invalid path")
	ErrTooLarge       = errors.New("upload too large")
	ErrPartialDelete  = errors.New("delete partially completed")
	errReservationEnd = errors.New("reservation already settled")
)

// PathEscapeError is returned when a relative path normalizes outside the
// tenant root.
type PathEscapeError struct {
	Root     string
	Relative string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes root %q", e.Relative, e.Root)
}

func (e *PathEscapeError) Is(target error) bool { return target == ErrPathEscape }

// QuotaExceededError carries the byte counts of a rejected reservation.
type QuotaExceededError struct {
	TenantID  int64
	Attempted int64
	Used      int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: used %d + %d > limit %d", e.Used, e.Attempted, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Available returns the bytes still free under the limit.
func (e *QuotaExceededError) Available() int64 {
	if avail := e.Limit - e.Used; avail > 0 {
		return avail
	}
	return 0
}

// IOError wraps a failed filesystem operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioFailure(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// PartialDeleteError reports a recursive delete that stopped midway.
// Descendants removed before the failure stay removed.
type PartialDeleteError struct {
	Path  string
	Freed int64
	Err   error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("delete %s stopped after freeing %d bytes: %v", e.Path, e.Freed, e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }

func (e *PartialDeleteError) Is(target error) bool { return target == ErrPartialDelete }
