package api

import (
	"context"
	"time"

	"tessera-api/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	InsertBoard(ctx context.Context, ownerID string, b domain.Board) error
	GetBoard(ctx context.Context, ownerID, id string) (domain.Board, error)
	UpdateBoard(ctx context.Context, ownerID, id string, expected int64, patch domain.BoardPatch) (domain.Board, error)

	InsertColumn(ctx context.Context, ownerID string, col domain.Column) error
	GetColumn(ctx context.Context, ownerID, id string) (domain.Column, error)
	UpdateColumn(ctx context.Context, ownerID, id string, expected int64, patch domain.ColumnPatch) (domain.Column, error)

	InsertTask(ctx context.Context, ownerID string, t domain.Task) error
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, ownerID, id string, expected int64, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error)

	InsertEdge(ctx context.Context, ownerID string, e domain.DependencyEdge) error
	RemoveEdge(ctx context.Context, ownerID, edgeID string) (domain.DependencyEdge, error)
	FetchEdges(ctx context.Context, ownerID string) ([]domain.DependencyEdge, error)
}

// RecordStore persists idempotency records. ClaimIdempotencyKey must be a
// single atomic insert-unless-exists at the storage engine, not a
// check-then-insert.
type RecordStore interface {
	ClaimIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (bool, error)
	GetIdempotencyRecord(ctx context.Context, ownerID, key string) (*domain.IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, ownerID, key string, status int, body []byte) error
	PurgeIdempotencyRecord(ctx context.Context, ownerID, key string) error
	SweepExpiredIdempotency(ctx context.Context, now time.Time) (int, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Notifier hands accepted-mutation events to the outbound event boundary.
// Fire and forget: callers never wait on or fail because of delivery.
type Notifier interface {
	Notify(ownerID string, events ...domain.Event)
}
