package turns

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/playperu/tabletop/internal/tabletop"
)

// Sweeper periodically pokes users whose pending actions aged out of the
// recency window, so live counters drop without anyone moving.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
}

func NewSweeper(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		last:     tracker.now().Add(-interval),
	}
}

// Sweep pokes every user with a match that crossed the window boundary
// since the previous sweep and returns how many were poked.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tracker.now()
	from, to := s.last.Add(-tabletop.RecencyWindow), now.Add(-tabletop.RecencyWindow)
	ids, err := s.tracker.store.AgedOut(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("listing aged out users: %w", err)
	}
	s.last = now

	poked := 0
	for _, id := range ids {
		if err := s.tracker.Poke(ctx, tabletop.User{ID: id}); err != nil {
			s.logger.Warn("sweep poke failed", "user_id", id, "error", err)
			continue
		}
		poked++
	}
	return poked, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("turn sweep failed", "error", err)
				return
			}
			if n > 0 {
				s.logger.Info("turn sweep", "poked", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	sched.Start()
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	return nil
}
