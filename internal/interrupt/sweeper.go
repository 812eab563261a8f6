package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions, an optional
// seconds field, and descriptors like @every and @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// SweeperConfig configures periodic interrupt maintenance.
type SweeperConfig struct {
	// Schedule is a cron expression for sweep runs.
	// Default: "@every 1m".
	Schedule string

	// RetainResolved is how long resolved interrupts stay queryable
	// before deletion. Default: 24h.
	RetainResolved time.Duration

	// Logger for sweep results. Defaults to slog.Default().
	Logger *slog.Logger
}

// Sweeper periodically expires overdue pending interrupts as timed out
// and deletes old resolved ones.
type Sweeper struct {
	coordinator *Coordinator
	schedule    cron.Schedule
	retain      time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper over the coordinator. The schedule is
// parsed eagerly so a bad expression fails at startup.
func NewSweeper(coordinator *Coordinator, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.RetainResolved <= 0 {
		cfg.RetainResolved = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}

	return &Sweeper{
		coordinator: coordinator,
		schedule:    schedule,
		retain:      cfg.RetainResolved,
		logger:      logger.With("component", "interrupt-sweeper"),
	}, nil
}

// Start begins the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep runs one maintenance pass: expire overdue pending interrupts,
// then delete resolved ones past the retention window.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	expired, err := s.coordinator.ExpirePending(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire pending interrupts", "error", err)
	}

	pruned, err := s.coordinator.PruneResolved(ctx, now.Add(-s.retain))
	if err != nil {
		s.logger.Error("failed to prune resolved interrupts", "error", err)
	}

	if expired > 0 || pruned > 0 {
		s.logger.Info("interrupt sweep finished",
			"expired", expired,
			"pruned", pruned)
	}
}
