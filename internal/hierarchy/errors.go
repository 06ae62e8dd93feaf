package hierarchy

import "errors"

// Typed errors raised by the context engine. All are recoverable by
// the caller; boundary layers translate them into protocol failures
// (404 for not-found, 409 for already-exists/concurrent-modification,
// 400 for invalid level or delegation target).
var (
	// ErrContextNotFound is returned when the requested context does
	// not exist within the caller's scope.
	ErrContextNotFound = errors.New("context not found")

	// ErrContextAlreadyExists is returned by create when a context
	// with the same (level, id) already exists. Create is not
	// idempotent; upsert is.
	ErrContextAlreadyExists = errors.New("context already exists")

	// ErrInvalidLevel is returned when a level name or value is not
	// one of global/project/branch/task.
	ErrInvalidLevel = errors.New("invalid context level")

	// ErrInvalidDelegationTarget is returned when a delegation names a
	// target level that is not a strict ancestor of the source level.
	ErrInvalidDelegationTarget = errors.New("invalid delegation target")

	// ErrInheritanceCycle is returned when resolution revisits a
	// context it has already merged. Level ordering makes this
	// impossible for well-formed data; the resolver still guards
	// against corrupt parent references.
	ErrInheritanceCycle = errors.New("inheritance cycle detected")

	// ErrConcurrentModification is returned when an update loses the
	// optimistic version check. Callers may reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrUnknownOperation is returned by the batch executor for an
	// operation type it does not recognize.
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrOperationFailed wraps unexpected persistence failures that
	// are none of the above.
	ErrOperationFailed = errors.New("context operation failed")
)
