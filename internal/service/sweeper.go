package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionSweeper is the sweep operation the sweeper drives.
type SessionSweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically deletes old inactive sessions.
type Sweeper struct {
	target   SessionSweeper
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(target SessionSweeper, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{target: target, interval: interval, log: log}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.Info("session sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session sweeper stopped")
			return
		case <-t.C:
			if _, err := s.target.Sweep(ctx, time.Now().UTC()); err != nil {
				s.log.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}
