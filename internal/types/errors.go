package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a lease request overlaps an incompatible
	// active lease. Retry after backoff or after the blocking lease expires.
	ErrConflict = errors.New("lock conflict")
	// ErrLeaseExpired is returned for heartbeats on expired or unknown leases.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrUnauthorized is returned when an operation is submitted without a
	// covering lease.
	ErrUnauthorized = errors.New("no covering lease")
	// ErrLockViolation marks operations rejected at apply time because another
	// session holds an exclusive lease on the target path.
	ErrLockViolation = errors.New("lock violation")
	// ErrStoreUnavailable reports a transient Lease Store or persistence
	// failure. Callers fail closed.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCorruption reports a vector clock or causal invariant violation found
	// while resolving; the twin's resolver halts.
	ErrCorruption = errors.New("causal invariant violated")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrStarved         = errors.New("operation unresolved past starvation timeout")
	ErrResolverHalted  = errors.New("resolver halted")
)

// ConflictError names the lease blocking an acquire.
type ConflictError struct {
	Twin    TwinID
	Lease   LeaseID
	Holder  HolderID
	Session SessionID
	Kind    LockKind
	Path    ComponentPath
	Reason  string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("lock conflict on %s: %s (held by %s/%s)", e.Path, e.Reason, e.Holder, e.Session)
	}
	return fmt.Sprintf("lock conflict on %s: %s lease %s held by %s/%s", e.Path, e.Kind, e.Lease, e.Holder, e.Session)
}

// Is lets errors.Is match ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// RejectionError carries the rule an operation violated.
type RejectionError struct {
	Err       error
	Operation OperationID
	Path      ComponentPath
	Rule      string
	Holder    HolderID
	Session   SessionID
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("%v: %s on %s", e.Err, e.Rule, e.Path)
	if e.Session != "" {
		msg += fmt.Sprintf(" (held by %s/%s)", e.Holder, e.Session)
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return e.Err }

// StoreError wraps a backend failure as ErrStoreUnavailable while keeping the
// cause inspectable.
func StoreError(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, cause)
}
