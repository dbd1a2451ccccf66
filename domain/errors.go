package domain

// The three business-level outcomes every mutating operation can surface.
// They are returned, inspected with errors.As and mapped to HTTP statuses at
// the gateway; only unexpected storage failures propagate as plain errors.

// ConflictError reports a stale expected version or an idempotency key whose
// original request is still in flight. Safe to retry after refetching state
// or after the in-flight request settles.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// BadRequestError reports a request that can never succeed as submitted:
// idempotency key reuse with a different payload, a self-dependency or a
// cycle-creating edge. The caller must change the request.
type BadRequestError struct {
	Reason string
}

func (e BadRequestError) Error() string { return e.Reason }

// NotFoundError reports that the target entity does not exist.
type NotFoundError struct {
	Entity string
}

func (e NotFoundError) Error() string { return e.Entity + " not found" }
