package storage

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"tessera-api/domain"
)

type edgeRow struct {
	tableEntity
	BlockingTaskID string `json:"BlockingTaskID"`
	BlockedTaskID  string `json:"BlockedTaskID"`
	Type           string `json:"Type"`
	CreatedAt      string `json:"CreatedAt"`
}

func (r edgeRow) toDomain() domain.DependencyEdge {
	return domain.DependencyEdge{
		ID:             r.RowKey,
		BlockingTaskID: r.BlockingTaskID,
		BlockedTaskID:  r.BlockedTaskID,
		Type:           r.Type,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

// InsertEdge persists a dependency edge. The cycle check happens before this
// call, against an edge list read from the same partition.
func (s *Storage) InsertEdge(ctx context.Context, ownerID string, e domain.DependencyEdge) error {
	return s.insertRow(ctx, s.edgeTable, "dependency", edgeRow{
		tableEntity:    tableEntity{PartitionKey: ownerID, RowKey: e.ID},
		BlockingTaskID: e.BlockingTaskID,
		BlockedTaskID:  e.BlockedTaskID,
		Type:           e.Type,
		CreatedAt:      formatTime(e.CreatedAt),
	})
}

// RemoveEdge deletes an edge unconditionally and returns it. Removal can
// never introduce a cycle, so it needs no graph check.
func (s *Storage) RemoveEdge(ctx context.Context, ownerID, edgeID string) (domain.DependencyEdge, error) {
	ent, err := s.edgeTable.GetEntity(ctx, ownerID, edgeID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.DependencyEdge{}, domain.NotFoundError{Entity: "dependency"}
		}
		return domain.DependencyEdge{}, err
	}
	var row edgeRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return domain.DependencyEdge{}, err
	}
	if _, err := s.edgeTable.DeleteEntity(ctx, ownerID, edgeID, nil); err != nil && !isStatus(err, 404) {
		return domain.DependencyEdge{}, err
	}
	return row.toDomain(), nil
}

// FetchEdges retrieves every dependency edge owned by the user in one
// partition scan.
func (s *Storage) FetchEdges(ctx context.Context, ownerID string) ([]domain.DependencyEdge, error) {
	filter := partitionFilter(ownerID)
	pager := s.edgeTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	edges := []domain.DependencyEdge{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var row edgeRow
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			edges = append(edges, row.toDomain())
		}
	}
	return edges, nil
}
