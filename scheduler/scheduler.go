// Package scheduler promotes scheduled distributions when their time
// arrives. It runs a single tick loop against the record store; records
// are claimed through conditional status swaps, so running more than
// one scheduler never double-dispatches a record.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Promoter dispatches due scheduled records. distribution.Dispatcher
// satisfies this via DispatchDue.
type Promoter interface {
	DispatchDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due records.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithBatchSize caps how many due records one tick promotes.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// Scheduler drives scheduled distributions on a tick loop.
type Scheduler struct {
	promoter Promoter
	logger   *slog.Logger

	tickInterval time.Duration
	batchSize    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler ticking every second by default.
func New(promoter Promoter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		promoter:     promoter,
		logger:       logger,
		tickInterval: 1 * time.Second,
		batchSize:    100,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("distribution scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the loop to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("distribution scheduler stopped")
	return nil
}

// tickLoop fires on each tick interval and promotes due records.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	n, err := s.promoter.DispatchDue(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("promote due distributions error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Debug("promoted scheduled distributions", slog.Int("count", n))
	}
}
