package domain

import "time"

// Board is the top of the hierarchy. Boards, columns and tasks are all
// versioned: Version starts at 1 on creation and grows by exactly one on
// every accepted mutation. The persisted row is authoritative; any copy a
// caller holds may be stale.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Column groups tasks inside a board.
type Column struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task is a board item and simultaneously a node in the dependency graph.
type Task struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	ColumnID  string    `json:"columnId"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	Position  int       `json:"position"`
	Done      bool      `json:"done,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BoardPatch carries the mutable board fields. Nil means "leave unchanged".
type BoardPatch struct {
	Name *string `json:"name,omitempty"`
}

// ColumnPatch carries the mutable column fields.
type ColumnPatch struct {
	Name     *string `json:"name,omitempty"`
	Position *int    `json:"position,omitempty"`
}

// TaskPatch carries the mutable task fields.
type TaskPatch struct {
	ColumnID *string `json:"columnId,omitempty"`
	Title    *string `json:"title,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Position *int    `json:"position,omitempty"`
	Done     *bool   `json:"done,omitempty"`
}
