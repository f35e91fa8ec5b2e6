package engine

import "errors"

// Domain error taxonomy. Handlers map these to HTTP statuses; everything
// else surfaces as an internal error.
var (
	// ErrNotFound covers tenant-scoped lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrInstanceNotRunning rejects operations against terminal instances.
	ErrInstanceNotRunning = errors.New("instance is not running")

	// ErrTaskNotActive rejects completion of a task that is not in the
	// state the operation requires.
	ErrTaskNotActive = errors.New("task is not active")

	// ErrNoMatchingBranch reports an exclusive gateway where no condition
	// matched and no default flow exists. It fails the instance.
	ErrNoMatchingBranch = errors.New("no matching gateway branch")

	// ErrInvalidSignature rejects a callback whose HMAC does not verify.
	ErrInvalidSignature = errors.New("invalid callback signature")

	// ErrStaleTimestamp rejects a callback outside the freshness window.
	ErrStaleTimestamp = errors.New("stale callback timestamp")

	// ErrServiceTaskTimeout reports a synchronous invocation that did not
	// return a success in time. The task stays retryable.
	ErrServiceTaskTimeout = errors.New("service task invocation timed out")

	// ErrStorageUnavailable wraps storage failures the caller may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrIdempotencyConflict reports a replayed idempotency key whose
	// request fingerprint differs from the recorded one.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrMissingCatalogBinding reports a service task start with no
	// resolvable catalog binding.
	ErrMissingCatalogBinding = errors.New("missing catalog binding")

	// ErrCatalogBindingConflict reports explicit binding ids that
	// contradict the binding already recorded on the task.
	ErrCatalogBindingConflict = errors.New("catalog binding conflict")

	// ErrInvalidCallbackPayload reports a callback body that verified but
	// does not carry a usable status.
	ErrInvalidCallbackPayload = errors.New("invalid callback payload")
)
