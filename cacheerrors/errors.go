// Package cacheerrors defines the sentinel error taxonomy shared by every layer
// of the caching runtime, so callers can branch on error kind with errors.Is
// regardless of which component raised it.
package cacheerrors

import "errors"

var (
	// ErrTransientStorage marks an L2 or backplane failure that must never
	// propagate to a caller: reads degrade to miss, writes are logged and
	// dropped.
	ErrTransientStorage = errors.New("cacheerrors: transient storage error")

	// ErrSerialization marks an encode/decode failure in a Serializer.
	ErrSerialization = errors.New("cacheerrors: serialization error")

	// ErrTypeMismatch marks a stored payload whose type tag does not match
	// what the caller requested. The offending entry is removed.
	ErrTypeMismatch = errors.New("cacheerrors: type mismatch")

	// ErrIdempotencyViolation is raised when a policy requires idempotent
	// callers and the caller declared otherwise.
	ErrIdempotencyViolation = errors.New("cacheerrors: idempotency violation")

	// ErrLockTimeout marks a StripedLock/DistributedLock acquisition that
	// exceeded its configured timeout. Callers fall through to direct
	// factory execution.
	ErrLockTimeout = errors.New("cacheerrors: lock acquisition timed out")

	// ErrUnhashableArgument is raised by a KeyGenerator when an argument
	// exposes no canonical encoding.
	ErrUnhashableArgument = errors.New("cacheerrors: argument has no canonical encoding")

	// ErrHttpValidationFailure marks a failed HTTP revalidation round-trip
	// that is not eligible for stale-if-error.
	ErrHttpValidationFailure = errors.New("cacheerrors: http validation failure")

	// ErrNotFound is returned by storage and policy lookups on a clean miss.
	ErrNotFound = errors.New("cacheerrors: not found")

	// ErrCancelled wraps context cancellation observed at a suspension
	// point; callers must not cache a partial result.
	ErrCancelled = errors.New("cacheerrors: operation cancelled")

	// ErrRateLimited is raised by a public mutating endpoint whose caller has
	// exceeded its token bucket allowance.
	ErrRateLimited = errors.New("cacheerrors: rate limit exceeded")
)

// FactoryError wraps an error returned by user-supplied factory code. It is
// never treated as a cache failure: InvocationCore propagates it verbatim
// and never writes a value for the call that produced it.
type FactoryError struct {
	MethodID string
	Err      error
}

func (e *FactoryError) Error() string {
	return "cacheerrors: factory for " + e.MethodID + " failed: " + e.Err.Error()
}

func (e *FactoryError) Unwrap() error { return e.Err }

// NewFactoryError wraps err as a FactoryError for methodID. Returns nil if
// err is nil.
func NewFactoryError(methodID string, err error) error {
	if err == nil {
		return nil
	}
	return &FactoryError{MethodID: methodID, Err: err}
}
