/*
scheduler.go - Automated overdue sweep

PURPOSE:
  Optionally reclassifies Active loans whose due day has passed as Overdue
  on a timer, so listings and metrics stay current without a client calling
  GET /api/loans/overdue. That endpoint still sweeps on every call.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - A failed sweep is logged and retried on the next tick
  - Loans changed concurrently are skipped by the sweep itself

CONFIGURATION:
  - CheckInterval: How often to sweep (SWEEP_INTERVAL, off when 0)
  - Enabled: Whether scheduler is active

USAGE:
  scheduler := NewOverdueScheduler(lib.Loans, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ListOverdueLoans (sweep on demand)
  - circulation/loans.go: Loans.Sweep
*/
package api

//go:generate mockgen -source=scheduler.go -destination=mocks/mocks.go -package=mocks Sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// Sweeper is satisfied by *circulation.Loans.
type Sweeper interface {
	Sweep(ctx context.Context) ([]circulation.Loan, error)
}

// OverdueScheduler runs the overdue sweep on a ticker.
type OverdueScheduler struct {
	Loans         Sweeper
	CheckInterval time.Duration
	Enabled       bool
	// Timeout bounds a single sweep.
	Timeout time.Duration

	log    *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewOverdueScheduler(loans Sweeper, log *slog.Logger) *OverdueScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &OverdueScheduler{
		Loans:         loans,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Timeout:       1 * time.Minute,
		log:           log.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.log.Info("overdue sweep disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("overdue sweep started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("overdue sweep stopped")
}

func (s *OverdueScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many loans are overdue after it.
func (s *OverdueScheduler) RunNow(ctx context.Context) int {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	overdue, err := s.Loans.Sweep(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "overdue sweep failed", "error", err)
		return 0
	}
	s.log.DebugContext(ctx, "overdue sweep completed",
		"overdue", len(overdue), "duration", time.Since(start))
	return len(overdue)
}
