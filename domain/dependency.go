package domain

import "time"

// Edge types mirror the scheduling vocabulary: the blocking task's
// finish/start constrains the blocked task's start/finish.
const (
	EdgeFinishToStart  = "finish_to_start"
	EdgeStartToStart   = "start_to_start"
	EdgeFinishToFinish = "finish_to_finish"
)

// DependencyEdge is a directed ordering constraint between two tasks:
// BlockingTaskID must progress before BlockedTaskID. Edges are immutable;
// changing the type is modelled as delete plus create.
type DependencyEdge struct {
	ID             string    `json:"id"`
	BlockingTaskID string    `json:"blockingTaskId"`
	BlockedTaskID  string    `json:"blockedTaskId"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ValidEdgeType reports whether t is one of the supported edge types.
func ValidEdgeType(t string) bool {
	switch t {
	case EdgeFinishToStart, EdgeStartToStart, EdgeFinishToFinish:
		return true
	}
	return false
}
