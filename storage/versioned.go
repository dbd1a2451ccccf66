package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"tessera-api/domain"
)

// casAttempts bounds the retry loop for unconditional (last-writer-wins)
// updates. Guarded updates never retry: a lost race is the caller's conflict.
const casAttempts = 3

// updateConditional is the optimistic-concurrency core shared by all
// versioned entities. One round is: read the row (capturing its ETag and
// Version), let mutate rewrite it, then write it back conditioned on the
// captured ETag. The engine's ETag compare-and-swap is the single atomic
// statement; there is no window for a second writer between the version
// check and the write.
//
// expected > 0 demands that exact stored version; expected == 0 runs the
// update unconditionally, still bumping Version by one per accepted write.
func (s *Storage) updateConditional(ctx context.Context, table *aztables.Client, entityName, pk, rk string, expected int64, mutate func(raw []byte) ([]byte, error)) ([]byte, error) {
	attempts := 1
	if expected == 0 {
		attempts = casAttempts
	}
	for i := 0; i < attempts; i++ {
		resp, err := table.GetEntity(ctx, pk, rk, nil)
		if err != nil {
			if isStatus(err, 404) {
				return nil, domain.NotFoundError{Entity: entityName}
			}
			return nil, err
		}
		var stamp struct {
			Version int64 `json:"Version"`
		}
		if err := json.Unmarshal(resp.Value, &stamp); err != nil {
			return nil, err
		}
		if expected > 0 && stamp.Version != expected {
			return nil, domain.ConflictError{Reason: entityName + " modified by another user"}
		}

		next, err := mutate(resp.Value)
		if err != nil {
			return nil, err
		}
		etag := resp.ETag
		_, err = table.UpdateEntity(ctx, next, &aztables.UpdateEntityOptions{
			IfMatch:    &etag,
			UpdateMode: aztables.UpdateModeReplace,
		})
		if err == nil {
			return next, nil
		}
		if isStatus(err, 404) {
			return nil, domain.NotFoundError{Entity: entityName}
		}
		if !isStatus(err, 412) {
			return nil, err
		}
		// Precondition failed: another writer advanced the row between our
		// read and write.
		if expected > 0 {
			if _, gerr := table.GetEntity(ctx, pk, rk, nil); gerr != nil && isStatus(gerr, 404) {
				return nil, domain.NotFoundError{Entity: entityName}
			}
			return nil, domain.ConflictError{Reason: entityName + " modified by another user"}
		}
	}
	return nil, domain.ConflictError{Reason: entityName + " update contention"}
}

// UpdateBoard applies the patch to the board, guarded by expected when it is
// non-zero (see updateConditional).
func (s *Storage) UpdateBoard(ctx context.Context, ownerID, id string, expected int64, patch domain.BoardPatch) (domain.Board, error) {
	raw, err := s.updateConditional(ctx, s.boardTable, "board", ownerID, id, expected, func(cur []byte) ([]byte, error) {
		var row boardRow
		if err := json.Unmarshal(cur, &row); err != nil {
			return nil, err
		}
		if patch.Name != nil {
			row.Name = *patch.Name
		}
		row.Version++
		row.UpdatedAt = formatTime(time.Now().UTC())
		row.PartitionKey, row.RowKey = ownerID, id
		return json.Marshal(row)
	})
	if err != nil {
		return domain.Board{}, err
	}
	var row boardRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.Board{}, err
	}
	return row.toDomain(), nil
}

// UpdateColumn applies the patch to the column under the same guard rules.
func (s *Storage) UpdateColumn(ctx context.Context, ownerID, id string, expected int64, patch domain.ColumnPatch) (domain.Column, error) {
	raw, err := s.updateConditional(ctx, s.columnTable, "column", ownerID, id, expected, func(cur []byte) ([]byte, error) {
		var row columnRow
		if err := json.Unmarshal(cur, &row); err != nil {
			return nil, err
		}
		if patch.Name != nil {
			row.Name = *patch.Name
		}
		if patch.Position != nil {
			row.Position = *patch.Position
		}
		row.Version++
		row.UpdatedAt = formatTime(time.Now().UTC())
		row.PartitionKey, row.RowKey = ownerID, id
		return json.Marshal(row)
	})
	if err != nil {
		return domain.Column{}, err
	}
	var row columnRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.Column{}, err
	}
	return row.toDomain(), nil
}

// UpdateTask applies the patch to the task under the same guard rules.
func (s *Storage) UpdateTask(ctx context.Context, ownerID, id string, expected int64, patch domain.TaskPatch) (domain.Task, error) {
	raw, err := s.updateConditional(ctx, s.taskTable, "task", ownerID, id, expected, func(cur []byte) ([]byte, error) {
		var row taskRow
		if err := json.Unmarshal(cur, &row); err != nil {
			return nil, err
		}
		if patch.ColumnID != nil {
			row.ColumnID = *patch.ColumnID
		}
		if patch.Title != nil {
			row.Title = *patch.Title
		}
		if patch.Notes != nil {
			row.Notes = *patch.Notes
		}
		if patch.Position != nil {
			row.Position = *patch.Position
		}
		if patch.Done != nil {
			row.Done = *patch.Done
		}
		row.Version++
		row.UpdatedAt = formatTime(time.Now().UTC())
		row.PartitionKey, row.RowKey = ownerID, id
		return json.Marshal(row)
	})
	if err != nil {
		return domain.Task{}, err
	}
	var row taskRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.Task{}, err
	}
	return row.toDomain(), nil
}
