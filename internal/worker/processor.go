package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweepable removes upload scopes not touched since cutoff.
type Sweepable interface {
	SweepStale(cutoff time.Time) (int, error)
}

type SweeperConfig struct {
	Storage      Sweepable
	Logger       *zap.Logger
	PollInterval time.Duration
	// StaleAfter is how long a scope may sit idle before it counts as
	// orphaned by a crashed upload.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Sweeper periodically deletes temporary upload scopes left behind when
// the process died before their cleanup ran.
type Sweeper struct {
	config *SweeperConfig
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSweeper(config *SweeperConfig) *Sweeper {
	if config.PollInterval == 0 {
		config.PollInterval = 10 * time.Minute
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = time.Hour
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Sweeper{
		config: config,
		done:   make(chan struct{}),
	}
}

// Start runs one sweep immediately, then one per poll interval until Stop
// is called or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.config.Logger.Info("stale upload sweeper started",
		zap.Duration("interval", s.config.PollInterval),
		zap.Duration("stale_after", s.config.StaleAfter),
	)
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	s.config.Logger.Info("stale upload sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.SweepOnce()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce removes every scope idle for longer than StaleAfter.
func (s *Sweeper) SweepOnce() int {
	cutoff := s.config.Now().Add(-s.config.StaleAfter)
	removed, err := s.config.Storage.SweepStale(cutoff)
	if err != nil {
		s.config.Logger.Warn("stale upload sweep incomplete", zap.Int("removed", removed), zap.Error(err))
	}
	if removed > 0 {
		s.config.Logger.Info("removed stale upload scopes", zap.Int("removed", removed))
	}
	return removed
}
