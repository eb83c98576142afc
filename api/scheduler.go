/*
scheduler.go - Periodic background reconciliation

PURPOSE:
  Optionally batch-reconciles all clients on a fixed interval so drift is
  surfaced without anyone asking. Runs in report-only mode: corrections stay
  an explicit operator decision via the API.

DESIGN:
  - One background goroutine on a ticker
  - Each sweep is independent; no state carries over between sweeps
  - Stop() waits for an in-flight sweep to finish

USAGE:
  scheduler := api.NewScheduler(reconciler, time.Hour)
  scheduler.Start()
  defer scheduler.Stop()
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cambio/ledger-engine/reconcile"
)

// Scheduler periodically runs a report-only batch reconciliation.
type Scheduler struct {
	Reconciler    *reconcile.Reconciler
	CheckInterval time.Duration
	Parallelism   int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(rec *reconcile.Reconciler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		Reconciler:    rec,
		CheckInterval: interval,
		Parallelism:   4,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[scheduler] started with check interval %v", s.CheckInterval)
}

// Stop stops the scheduler and waits for any in-flight sweep. Safe to call
// more than once; only the first call does anything.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.stop)
	s.wg.Wait()
	log.Println("[scheduler] stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Sweep immediately on start.
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.Reconciler.ReconcileAll(ctx, false, s.Parallelism)
	if err != nil {
		log.Printf("[scheduler] WARNING: sweep failed: %v", err)
		return
	}
	if drifted := result.Drifted(); drifted > 0 {
		log.Printf("[scheduler] sweep found drift on %d client(s)", drifted)
	}
}
