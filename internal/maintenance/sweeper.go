// Package maintenance runs the periodic housekeeping sweep: sessions
// idle beyond a horizon are archived, and messages of archived sessions
// past the retention window are purged. Archived sessions come back to
// life on next contact, so sweeping is always safe.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dyzdyz010/clawd/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper's schedule and horizons.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	CronExpr string // defaults to "0 4 * * *"

	ArchiveIdle     time.Duration // sessions idle longer are archived
	RetentionWindow time.Duration // archived messages older are purged
	CheckInterval   time.Duration // schedule poll granularity; defaults to 1 minute
}

// Sweeper fires the housekeeping sweep whenever the cron schedule is due.
type Sweeper struct {
	store     *persistence.Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	archive   time.Duration
	retention time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. The cron expression is validated here so a
// misconfiguration fails at startup, not at 4am.
func New(cfg Config) (*Sweeper, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "0 4 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     cfg.Store,
		logger:    logger,
		schedule:  schedule,
		archive:   cfg.ArchiveIdle,
		retention: cfg.RetentionWindow,
		interval:  interval,
	}, nil
}

// Start begins the schedule loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance sweeper started", "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// One pass at startup, then per schedule.
	now := time.Now()
	s.Sweep(ctx, now)
	next := s.schedule.Next(now)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if now.Before(next) {
				continue
			}
			s.Sweep(ctx, now)
			next = s.schedule.Next(now)
		}
	}
}

// Sweep runs one housekeeping pass. Exposed so operators (and tests)
// can force a run outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	if s.archive > 0 {
		archived, err := s.store.ArchiveIdleSessions(ctx, now.Add(-s.archive))
		if err != nil {
			s.logger.Error("archive idle sessions", "error", err)
		} else if archived > 0 {
			s.logger.Info("archived idle sessions", "count", archived)
		}
	}
	if s.retention > 0 {
		purged, err := s.store.PurgeArchivedMessages(ctx, now.Add(-s.retention))
		if err != nil {
			s.logger.Error("purge archived messages", "error", err)
		} else if purged > 0 {
			s.logger.Info("purged archived messages", "count", purged)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
