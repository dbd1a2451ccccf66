package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"tessera-api/domain"
)

// Storage provides access to the underlying persistence mechanisms. Every
// coordination decision is pushed down into a single conditional statement
// against Table Storage; no application-level locks exist.
type Storage struct {
	boardTable       *aztables.Client
	columnTable      *aztables.Client
	taskTable        *aztables.Client
	edgeTable        *aztables.Client
	idempotencyTable *aztables.Client
	eventsQueue      *azqueue.QueueClient
}

// Config names the tables and queue a Storage operates on.
type Config struct {
	BoardsTable       string
	ColumnsTable      string
	TasksTable        string
	DependenciesTable string
	IdempotencyTable  string
	EventsQueue       string
}

// New creates a Storage instance from the given connection string.
func New(connStr string, cfg Config) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, cfg.EventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boardTable:       svc.NewClient(cfg.BoardsTable),
		columnTable:      svc.NewClient(cfg.ColumnsTable),
		taskTable:        svc.NewClient(cfg.TasksTable),
		edgeTable:        svc.NewClient(cfg.DependenciesTable),
		idempotencyTable: svc.NewClient(cfg.IdempotencyTable),
		eventsQueue:      eq,
	}, nil
}

// tableEntity is the key pair every row carries. Rows are partitioned by
// owner so a partition scan sees exactly one user's data.
type tableEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// partitionFilter builds the one-owner scan filter. Single quotes in the
// owner ID (it comes straight from the token's sub claim) are doubled, the
// OData escape, so they cannot terminate the string literal.
func partitionFilter(ownerID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(ownerID, "'", "''") + "'"
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// EnqueueEvents hands accepted-mutation events to the outbound events queue.
func (s *Storage) EnqueueEvents(ctx context.Context, userID string, events []domain.Event) error {
	for _, ev := range events {
		env := domain.EventEnvelope{UserID: userID, Event: ev}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := s.eventsQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}
