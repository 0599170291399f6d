/*
scheduler.go - Periodic overdue sweep

PURPOSE:
  Periodically lists on-loan copies, counts the overdue ones, publishes the
  count to the overdue gauge and logs each overdue copy. The sweep never
  changes a copy: being overdue is derived, not a status.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Keeps the result of the last sweep for the admin view

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewOverdueScheduler(ledger, clock)
  scheduler.Gauge = promMetrics
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - circulation/overdue.go: IsOverdue
  - handlers.go: ListOverdue endpoint (on-demand report)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/circulation"
)

// OverdueGauge receives the overdue count of each sweep.
type OverdueGauge interface {
	SetOverdue(n int)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	At      time.Time
	Today   circulation.Date
	OnLoan  int
	Overdue []circulation.Copy
}

// OverdueScheduler runs the overdue sweep on a ticker.
type OverdueScheduler struct {
	Ledger        circulation.AdminLedger
	Clock         circulation.Clock
	Gauge         OverdueGauge // optional
	Logger        zerolog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *SweepResult
}

// NewOverdueScheduler creates a new scheduler.
func NewOverdueScheduler(ledger circulation.AdminLedger, clock circulation.Clock) *OverdueScheduler {
	return &OverdueScheduler{
		Ledger:        ledger,
		Clock:         clock,
		Logger:        zerolog.Nop(),
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *OverdueScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("overdue scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan bool)
	s.wg.Add(1)

	go s.run()

	s.Logger.Info().Dur("interval", s.CheckInterval).Msg("overdue scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *OverdueScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info().Msg("overdue scheduler stopped")
	}
}

func (s *OverdueScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *OverdueScheduler) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx)
}

// Last returns the most recent sweep, if any.
func (s *OverdueScheduler) Last() (SweepResult, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return SweepResult{}, false
	}
	return *s.last, true
}

func (s *OverdueScheduler) sweep(ctx context.Context) (SweepResult, error) {
	today := s.Clock.Today()

	onLoan, err := s.Ledger.ListByStatus(ctx, circulation.StatusOnLoan)
	if err != nil {
		s.Logger.Error().Err(err).Msg("overdue sweep: failed to list on-loan copies")
		return SweepResult{}, err
	}

	overdue := circulation.FilterOverdue(onLoan, today)
	circulation.SortByDueBack(overdue)

	for _, c := range overdue {
		s.Logger.Info().
			Str("copy_id", string(c.ID)).
			Str("title", string(c.TitleRef)).
			Str("holder", string(c.Holder)).
			Str("due_back", c.DueBack.String()).
			Int("days_overdue", circulation.DaysOverdue(c, today)).
			Msg("copy overdue")
	}
	if s.Gauge != nil {
		s.Gauge.SetOverdue(len(overdue))
	}

	result := SweepResult{At: time.Now().UTC(), Today: today, OnLoan: len(onLoan), Overdue: overdue}
	s.lastMu.Lock()
	s.last = &result
	s.lastMu.Unlock()

	s.Logger.Debug().Int("on_loan", len(onLoan)).Int("overdue", len(overdue)).Msg("overdue sweep completed")
	return result, nil
}
