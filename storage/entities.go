package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"tessera-api/domain"
)

type boardRow struct {
	tableEntity
	Name      string `json:"Name"`
	Version   int64  `json:"Version"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

type columnRow struct {
	tableEntity
	BoardID   string `json:"BoardID"`
	Name      string `json:"Name"`
	Position  int    `json:"Position"`
	Version   int64  `json:"Version"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

type taskRow struct {
	tableEntity
	BoardID   string `json:"BoardID"`
	ColumnID  string `json:"ColumnID"`
	Title     string `json:"Title"`
	Notes     string `json:"Notes"`
	Position  int    `json:"Position"`
	Done      bool   `json:"Done"`
	Version   int64  `json:"Version"`
	CreatedAt string `json:"CreatedAt"`
	UpdatedAt string `json:"UpdatedAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r boardRow) toDomain() domain.Board {
	return domain.Board{
		ID:        r.RowKey,
		Name:      r.Name,
		Version:   r.Version,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

func (r columnRow) toDomain() domain.Column {
	return domain.Column{
		ID:        r.RowKey,
		BoardID:   r.BoardID,
		Name:      r.Name,
		Position:  r.Position,
		Version:   r.Version,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

func (r taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:        r.RowKey,
		BoardID:   r.BoardID,
		ColumnID:  r.ColumnID,
		Title:     r.Title,
		Notes:     r.Notes,
		Position:  r.Position,
		Done:      r.Done,
		Version:   r.Version,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

func (s *Storage) insertRow(ctx context.Context, table *aztables.Client, entityName string, row any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = table.AddEntity(ctx, payload, nil)
	if isStatus(err, 409) {
		return domain.ConflictError{Reason: entityName + " already exists"}
	}
	return err
}

// InsertBoard persists a freshly created board at version 1.
func (s *Storage) InsertBoard(ctx context.Context, ownerID string, b domain.Board) error {
	return s.insertRow(ctx, s.boardTable, "board", boardRow{
		tableEntity: tableEntity{PartitionKey: ownerID, RowKey: b.ID},
		Name:        b.Name,
		Version:     b.Version,
		CreatedAt:   formatTime(b.CreatedAt),
		UpdatedAt:   formatTime(b.UpdatedAt),
	})
}

// InsertColumn persists a freshly created column at version 1.
func (s *Storage) InsertColumn(ctx context.Context, ownerID string, col domain.Column) error {
	return s.insertRow(ctx, s.columnTable, "column", columnRow{
		tableEntity: tableEntity{PartitionKey: ownerID, RowKey: col.ID},
		BoardID:     col.BoardID,
		Name:        col.Name,
		Position:    col.Position,
		Version:     col.Version,
		CreatedAt:   formatTime(col.CreatedAt),
		UpdatedAt:   formatTime(col.UpdatedAt),
	})
}

// InsertTask persists a freshly created task at version 1.
func (s *Storage) InsertTask(ctx context.Context, ownerID string, t domain.Task) error {
	return s.insertRow(ctx, s.taskTable, "task", taskRow{
		tableEntity: tableEntity{PartitionKey: ownerID, RowKey: t.ID},
		BoardID:     t.BoardID,
		ColumnID:    t.ColumnID,
		Title:       t.Title,
		Notes:       t.Notes,
		Position:    t.Position,
		Done:        t.Done,
		Version:     t.Version,
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	})
}

// GetBoard retrieves a single board.
func (s *Storage) GetBoard(ctx context.Context, ownerID, id string) (domain.Board, error) {
	ent, err := s.boardTable.GetEntity(ctx, ownerID, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Board{}, domain.NotFoundError{Entity: "board"}
		}
		return domain.Board{}, err
	}
	var row boardRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return domain.Board{}, err
	}
	return row.toDomain(), nil
}

// GetColumn retrieves a single column.
func (s *Storage) GetColumn(ctx context.Context, ownerID, id string) (domain.Column, error) {
	ent, err := s.columnTable.GetEntity(ctx, ownerID, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Column{}, domain.NotFoundError{Entity: "column"}
		}
		return domain.Column{}, err
	}
	var row columnRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return domain.Column{}, err
	}
	return row.toDomain(), nil
}

// GetTask retrieves a single task.
func (s *Storage) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, ownerID, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Task{}, domain.NotFoundError{Entity: "task"}
		}
		return domain.Task{}, err
	}
	var row taskRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return domain.Task{}, err
	}
	return row.toDomain(), nil
}

// FetchTasks retrieves all tasks for the provided user.
func (s *Storage) FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	filter := partitionFilter(ownerID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var row taskRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			tasks = append(tasks, row.toDomain())
		}
	}
	return tasks, nil
}

// DeleteTask removes a task together with every dependency edge touching it,
// and returns the deleted task. Edge removal cannot introduce a cycle, so no
// graph check is needed on this path.
func (s *Storage) DeleteTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	task, err := s.GetTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.DeleteEntity(ctx, ownerID, id, nil); err != nil && !isStatus(err, 404) {
		return domain.Task{}, err
	}

	edges, err := s.FetchEdges(ctx, ownerID)
	if err != nil {
		return domain.Task{}, err
	}
	for _, e := range edges {
		if e.BlockingTaskID != id && e.BlockedTaskID != id {
			continue
		}
		if _, err := s.edgeTable.DeleteEntity(ctx, ownerID, e.ID, nil); err != nil && !isStatus(err, 404) {
			return domain.Task{}, err
		}
	}
	return task, nil
}
