package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"tessera-api/domain"
)

const edmDateTime = "Edm.DateTime"

type idempotencyRow struct {
	tableEntity
	RequestHash    string `json:"RequestHash"`
	Status         string `json:"Status"`
	ResponseStatus int    `json:"ResponseStatus"`
	ResponseBody   string `json:"ResponseBody"`
	ExpiresAt      string `json:"ExpiresAt"`
	ExpiresAtType  string `json:"ExpiresAt@odata.type,omitempty"`
}

func (r idempotencyRow) toDomain() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		OwnerID:        r.PartitionKey,
		Key:            r.RowKey,
		RequestHash:    r.RequestHash,
		Status:         r.Status,
		ResponseStatus: r.ResponseStatus,
		ResponseBody:   []byte(r.ResponseBody),
		ExpiresAt:      parseTime(r.ExpiresAt),
	}
}

// edmTime renders the second-resolution form Table Storage expects for
// Edm.DateTime properties and filter literals.
func edmTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ClaimIdempotencyKey inserts a pending record for (OwnerID, Key) and
// reports whether the insert won. The engine's uniqueness constraint makes
// this a single atomic insert-unless-exists: a 409 means a concurrent
// request already owns the key, which is the signal, not a failure.
func (s *Storage) ClaimIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	row := idempotencyRow{
		tableEntity:   tableEntity{PartitionKey: rec.OwnerID, RowKey: rec.Key},
		RequestHash:   rec.RequestHash,
		Status:        domain.IdempotencyPending,
		ExpiresAt:     edmTime(rec.ExpiresAt),
		ExpiresAtType: edmDateTime,
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	if _, err := s.idempotencyTable.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, 409) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetIdempotencyRecord retrieves the record for (ownerID, key), or nil when
// none exists.
func (s *Storage) GetIdempotencyRecord(ctx context.Context, ownerID, key string) (*domain.IdempotencyRecord, error) {
	ent, err := s.idempotencyTable.GetEntity(ctx, ownerID, key, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	var row idempotencyRow
	if err := json.Unmarshal(ent.Value, &row); err != nil {
		return nil, err
	}
	rec := row.toDomain()
	return &rec, nil
}

// CompleteIdempotencyRecord transitions the pending record to completed with
// the response snapshot. Completed records are never rewritten afterwards.
func (s *Storage) CompleteIdempotencyRecord(ctx context.Context, ownerID, key string, status int, body []byte) error {
	row := struct {
		tableEntity
		Status         string `json:"Status"`
		ResponseStatus int    `json:"ResponseStatus"`
		ResponseBody   string `json:"ResponseBody"`
	}{
		tableEntity:    tableEntity{PartitionKey: ownerID, RowKey: key},
		Status:         domain.IdempotencyCompleted,
		ResponseStatus: status,
		ResponseBody:   string(body),
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.idempotencyTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return err
}

// PurgeIdempotencyRecord deletes the record so the client may retry with the
// same key. A missing record is fine: purge is best effort cleanup.
func (s *Storage) PurgeIdempotencyRecord(ctx context.Context, ownerID, key string) error {
	_, err := s.idempotencyTable.DeleteEntity(ctx, ownerID, key, nil)
	if err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// SweepExpiredIdempotency deletes every record whose ExpiresAt has passed
// and returns how many were removed. Safe to run alongside normal traffic:
// it only touches rows already outside their validity window.
func (s *Storage) SweepExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	filter := fmt.Sprintf("ExpiresAt lt datetime'%s'", edmTime(now))
	pager := s.idempotencyTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	removed := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return removed, err
		}
		for _, e := range resp.Entities {
			var row idempotencyRow
			if err := json.Unmarshal(e, &row); err != nil {
				return removed, err
			}
			if _, err := s.idempotencyTable.DeleteEntity(ctx, row.PartitionKey, row.RowKey, nil); err != nil {
				if isStatus(err, 404) {
					continue
				}
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
