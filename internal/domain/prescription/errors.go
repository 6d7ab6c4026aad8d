package prescription

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound              = errors.New("order not found")
	ErrDuplicateTrackingCode = errors.New("duplicate tracking code")
	ErrIllegalTransition     = errors.New("illegal transition")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrForbidden             = errors.New("forbidden")
	ErrStorageFailure        = errors.New("storage failure")
	// ErrLockTimeout is wrapped in a StorageError when the order row stays
	// locked past the configured wait.
	ErrLockTimeout = errors.New("order lock wait timed out")
)

// DuplicateTrackingCodeError carries the id of the order that already owns
// the code.
type DuplicateTrackingCodeError struct {
	TrackingCode string
	ExistingID   uuid.UUID
}

func (e *DuplicateTrackingCodeError) Error() string {
	return fmt.Sprintf("tracking code %q already used by order %s", e.TrackingCode, e.ExistingID)
}

func (e *DuplicateTrackingCodeError) Is(target error) bool { return target == ErrDuplicateTrackingCode }

// TransitionError reports a from/to pair that is not in the table, or a
// pair that is only reachable through another entry point (Reserved).
type TransitionError struct {
	From     Status
	To       Status
	Reserved bool
	Via      Entry
}

func (e *TransitionError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("moving order from %s to %s is reserved for %s and cannot be requested directly", e.From, e.To, e.Via)
	}
	next := AllowedNext(e.From)
	names := make([]string, len(next))
	for i, s := range next {
		names[i] = string(s)
	}
	allowed := "none"
	if len(names) > 0 {
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("cannot move order from %s to %s (allowed: %s)", e.From, e.To, allowed)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// PayloadError names the field that failed validation.
type PayloadError struct {
	Field  string
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *PayloadError) Is(target error) bool { return target == ErrInvalidPayload }

// ForbiddenError reports an actor acting outside its role or scope.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Reason }

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// StorageError wraps an infrastructure failure. The order is unchanged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// domainError reports whether err is one of the package's own outcomes, as
// opposed to an infrastructure failure that must be wrapped.
func domainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateTrackingCode) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrStorageFailure)
}
