package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"tessera-api/domain"
)

// EventSink is the outbound boundary events are drained into.
type EventSink interface {
	EnqueueEvents(ctx context.Context, ownerID string, events []domain.Event) error
}

type eventJob struct {
	ownerID string
	events  []domain.Event
}

// QueueNotifier fans accepted-mutation events out to the sink through a
// buffered channel drained by a worker pool. Notify never blocks the request
// path beyond a short handoff window and never reports delivery problems
// back to it; a saturated buffer drops the event with an error log.
type QueueNotifier struct {
	sink        EventSink
	logger      *log.Logger
	jobs        chan eventJob
	sendTimeout time.Duration
	handoff     time.Duration
	workerWG    sync.WaitGroup
}

// NewQueueNotifier creates and starts a notifier. Worker count, buffer size
// and timeouts are env-tunable.
func NewQueueNotifier(sink EventSink, logger *log.Logger) *QueueNotifier {
	if sink == nil {
		panic("event sink is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	n := &QueueNotifier{
		sink:        sink,
		logger:      logger,
		jobs:        make(chan eventJob, envInt("NOTIFY_BUFFER", 4096)),
		sendTimeout: envDur("NOTIFY_TIMEOUT", 60*time.Second),
		handoff:     envDur("NOTIFY_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}
	workers := envInt("NOTIFY_WORKERS", 16)
	for i := 0; i < workers; i++ {
		n.workerWG.Add(1)
		go n.worker(i)
	}
	logger.Infof("event notifier started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workers, cap(n.jobs), n.sendTimeout, n.handoff)
	return n
}

// Notify stamps the events and hands them to the worker pool.
func (n *QueueNotifier) Notify(ownerID string, events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	stamped := make([]domain.Event, len(events))
	copy(stamped, events)
	for i := range stamped {
		if stamped[i].ID == "" {
			stamped[i].ID = uuid.NewString()
		}
		stamped[i].Timestamp = nextTimestamp()
	}

	job := eventJob{ownerID: ownerID, events: stamped}
	select {
	case n.jobs <- job:
		return
	default:
	}

	if n.handoff > 0 {
		timer := time.NewTimer(n.handoff)
		defer timer.Stop()
		select {
		case n.jobs <- job:
			return
		case <-timer.C:
		}
	}
	n.logger.Errorf("notifier buffer saturated, dropping %d event(s), user: %s", len(stamped), ownerID)
}

func (n *QueueNotifier) worker(id int) {
	defer n.workerWG.Done()
	for j := range n.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
		err := n.sink.EnqueueEvents(ctx, j.ownerID, j.events)
		cancel()
		if err != nil {
			n.logger.Errorf("event enqueue failed, err: %v, user: %s, count: %d, worker: %d", err, j.ownerID, len(j.events), id)
		}
	}
}

// Shutdown drains buffered events and stops the workers.
func (n *QueueNotifier) Shutdown() {
	close(n.jobs)
	n.workerWG.Wait()
}
