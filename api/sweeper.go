package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sweeper periodically reaps idempotency records past their expiry. It is
// the self-heal path for pending records orphaned by crashed requests.
type Sweeper struct {
	store    RecordStore
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartSweeper launches the sweep loop on its own timer, independent of
// request handling.
func StartSweeper(store RecordStore, interval time.Duration, logger *log.Logger) *Sweeper {
	if store == nil {
		panic("record store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	s := &Sweeper{
		store:    store,
		interval: interval,
		timeout:  envDur("IDEMPOTENCY_SWEEP_TIMEOUT", time.Minute),
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	removed, err := s.store.SweepExpiredIdempotency(ctx, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).Error("idempotency sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Infof("idempotency sweep removed %d expired record(s)", removed)
	}
}

// Shutdown stops the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Shutdown() {
	close(s.stopCh)
	<-s.doneCh
}
