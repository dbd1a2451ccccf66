package api

import (
	"context"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"tessera-api/domain"
)

type fakeSink struct {
	mu     sync.Mutex
	owners []string
	events []domain.Event
}

func (f *fakeSink) EnqueueEvents(_ context.Context, ownerID string, events []domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, ownerID)
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeSink) snapshot() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNotifierDeliversStampedEvents(t *testing.T) {
	sink := &fakeSink{}
	logger, _ := logrustest.NewNullLogger()
	n := NewQueueNotifier(sink, logger)
	defer n.Shutdown()

	n.Notify("alice",
		domain.Event{EntityID: "t1", EntityType: "task", Type: domain.TaskCreated},
		domain.Event{EntityID: "t1", EntityType: "task", Type: domain.TaskUpdated},
	)

	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })
	for _, ev := range sink.snapshot() {
		if ev.ID == "" {
			t.Fatal("event must be stamped with an ID")
		}
		if ev.Timestamp == 0 {
			t.Fatal("event must be stamped with a timestamp")
		}
	}
}

func TestNotifierTimestampsAreMonotonic(t *testing.T) {
	sink := &fakeSink{}
	logger, _ := logrustest.NewNullLogger()
	n := NewQueueNotifier(sink, logger)
	defer n.Shutdown()

	events := make([]domain.Event, 5)
	for i := range events {
		events[i] = domain.Event{EntityID: "t1", EntityType: "task", Type: domain.TaskUpdated}
	}
	n.Notify("alice", events...)

	waitFor(t, func() bool { return len(sink.snapshot()) == 5 })
	got := sink.snapshot()
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp <= got[i-1].Timestamp {
			t.Fatalf("timestamps must strictly increase within a batch: %d then %d", got[i-1].Timestamp, got[i].Timestamp)
		}
	}
}

func TestNotifierIgnoresEmptyBatch(t *testing.T) {
	sink := &fakeSink{}
	logger, _ := logrustest.NewNullLogger()
	n := NewQueueNotifier(sink, logger)
	n.Notify("alice")
	n.Shutdown()

	if len(sink.snapshot()) != 0 {
		t.Fatal("empty batch must not reach the sink")
	}
}

func TestNotifierShutdownDrainsBuffer(t *testing.T) {
	sink := &fakeSink{}
	logger, _ := logrustest.NewNullLogger()
	n := NewQueueNotifier(sink, logger)

	for i := 0; i < 10; i++ {
		n.Notify("alice", domain.Event{EntityID: "t1", EntityType: "task", Type: domain.TaskUpdated})
	}
	n.Shutdown()

	if got := len(sink.snapshot()); got != 10 {
		t.Fatalf("shutdown must drain every buffered event, delivered %d of 10", got)
	}
}
