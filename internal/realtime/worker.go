package realtime

import (
	"context"
	"sync"
	"time"
)

// FlushWorker periodically drains the pending queues and sweeps stale
// typing entries. Start and Stop are idempotent.
type FlushWorker struct {
	svc      *Service
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newFlushWorker(svc *Service, interval time.Duration) *FlushWorker {
	return &FlushWorker{svc: svc, interval: interval}
}

// Start launches the flush loop. Calling Start on a running worker does
// nothing.
func (w *FlushWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)

	w.svc.logger.Info().Dur("interval", w.interval).Msg("flush worker started")
}

// Stop ends the loop and waits for it to exit. A flush already in progress
// runs to completion.
func (w *FlushWorker) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	w.svc.logger.Info().Msg("flush worker stopped")
}

// Running reports whether the loop is active.
func (w *FlushWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stop != nil
}

func (w *FlushWorker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// not tied to stop, so a tick in progress finishes its writes
			ctx := context.Background()
			w.svc.FlushAll(ctx)
			w.svc.CleanupStaleTyping(ctx)
		}
	}
}

// StartFlushWorker starts the background flush loop.
func (s *Service) StartFlushWorker() {
	s.worker.Start()
}

// StopFlushWorker stops the background flush loop and waits for it to exit.
func (s *Service) StopFlushWorker() {
	s.worker.Stop()
}

// FlushWorkerRunning reports whether the background flush loop is active.
func (s *Service) FlushWorkerRunning() bool {
	return s.worker.Running()
}
