package domain

import "time"

// Idempotency record lifecycle. A record is created pending when a mutating
// request first claims its key, becomes completed (and immutable) on
// success, is purged on server-side failure or hash mismatch cleanup, and is
// reaped by the periodic sweep once ExpiresAt passes.
const (
	IdempotencyPending   = "pending"
	IdempotencyCompleted = "completed"
)

// IdempotencyRecord is the durable dedup row for one (OwnerID, Key) pair.
// At most one record exists per pair at any time; the storage engine's
// insert-unless-exists is what serializes concurrent claims.
type IdempotencyRecord struct {
	OwnerID        string
	Key            string
	RequestHash    string
	Status         string
	ResponseStatus int
	ResponseBody   []byte
	ExpiresAt      time.Time
}
