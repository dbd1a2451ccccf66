package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"tessera-api/domain"
)

// DecisionKind classifies the outcome of claiming an idempotency key.
type DecisionKind int

const (
	// KeyClaimed means this request owns the key and must execute the
	// operation, then call Resolve.
	KeyClaimed DecisionKind = iota
	// KeyReplayed means an identical request already completed; the stored
	// response must be returned byte for byte.
	KeyReplayed
	// KeyInFlight means another execution under this key has not finished.
	// Retryable once it settles.
	KeyInFlight
	// KeyMismatch means the key was reused with a different request payload.
	// Permanent client error.
	KeyMismatch
)

// Decision is the result of BeginOrReplay. ResponseStatus and ResponseBody
// are populated only for KeyReplayed.
type Decision struct {
	Outcome        DecisionKind
	ResponseStatus int
	ResponseBody   []byte
}

// IdempotencyGuard deduplicates retried mutating requests through durable
// per-(owner, key) records. All instances share the record store, so
// concurrent duplicate submissions are serialized by the store's atomic
// insert-unless-exists rather than by any in-process mutex.
type IdempotencyGuard struct {
	store RecordStore
	ttl   time.Duration
}

// NewIdempotencyGuard creates a guard whose records expire after ttl.
func NewIdempotencyGuard(store RecordStore, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{store: store, ttl: ttl}
}

// RequestHash digests the parts of a request an idempotency key is scoped
// to. Reusing a key with a different digest is rejected.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// BeginOrReplay claims the key for this request or classifies why it cannot
// be claimed. The claim is an atomic conditional insert whose failure is
// itself the signal that a concurrent request already owns the key.
func (g *IdempotencyGuard) BeginOrReplay(ctx context.Context, ownerID, key, requestHash string) (Decision, error) {
	rec, err := g.store.GetIdempotencyRecord(ctx, ownerID, key)
	if err != nil {
		return Decision{}, err
	}
	if rec == nil {
		claimed, err := g.store.ClaimIdempotencyKey(ctx, domain.IdempotencyRecord{
			OwnerID:     ownerID,
			Key:         key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyPending,
			ExpiresAt:   time.Now().UTC().Add(g.ttl),
		})
		if err != nil {
			return Decision{}, err
		}
		if !claimed {
			// Lost the insert race; the other request is executing right now.
			return Decision{Outcome: KeyInFlight}, nil
		}
		return Decision{Outcome: KeyClaimed}, nil
	}

	if rec.Status == domain.IdempotencyCompleted {
		if rec.RequestHash != requestHash {
			return Decision{Outcome: KeyMismatch}, nil
		}
		return Decision{
			Outcome:        KeyReplayed,
			ResponseStatus: rec.ResponseStatus,
			ResponseBody:   rec.ResponseBody,
		}, nil
	}
	return Decision{Outcome: KeyInFlight}, nil
}

// Resolve finishes the record after the wrapped operation ran. Server-side
// failures purge the pending record so the client may retry with the same
// key; everything else freezes the response snapshot as completed.
func (g *IdempotencyGuard) Resolve(ctx context.Context, ownerID, key string, status int, body []byte) error {
	if status >= 500 {
		return g.store.PurgeIdempotencyRecord(ctx, ownerID, key)
	}
	if err := g.store.CompleteIdempotencyRecord(ctx, ownerID, key, status, body); err != nil {
		// Leaving the record pending would block retries until the TTL
		// sweep; purging lets the client retry immediately.
		if perr := g.store.PurgeIdempotencyRecord(ctx, ownerID, key); perr != nil {
			return perr
		}
		return err
	}
	return nil
}
