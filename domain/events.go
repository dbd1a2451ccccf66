package domain

import "github.com/bytedance/sonic"

// Domain event types handed to the outbound events queue after an accepted
// mutation. Delivery is fire-and-forget; the consistency core never waits on
// or rolls back because of the notifier.
const (
	BoardCreated      = "board-created"
	BoardUpdated      = "board-updated"
	ColumnCreated     = "column-created"
	ColumnUpdated     = "column-updated"
	TaskCreated       = "task-created"
	TaskUpdated       = "task-updated"
	TaskDeleted       = "task-deleted"
	DependencyCreated = "dependency-created"
	DependencyDeleted = "dependency-deleted"
)

// Event describes one accepted mutation.
type Event struct {
	ID         string                 `json:"id"`
	EntityID   string                 `json:"entityId"`
	EntityType string                 `json:"entityType"`
	Type       string                 `json:"type"`
	Data       sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// EventEnvelope wraps an event with the user whose mutation produced it.
type EventEnvelope struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}
