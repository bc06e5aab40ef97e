package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a cycle at the top of every hour.
const DefaultSchedule = "@hourly"

// Scheduler runs monitoring cycles on a cron schedule. A tick that arrives
// while the previous cycle is still running is skipped.
type Scheduler struct {
	engine       *Engine
	store        RuleLister
	schedule     string
	cycleTimeout time.Duration
	logger       *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	entry   cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@hourly" or "@every 30m".
	Schedule string
	// CycleTimeout bounds one cycle. Zero means no bound.
	CycleTimeout time.Duration
	Timezone     string
	Logger       *slog.Logger
}

// NewScheduler validates the schedule and creates a stopped Scheduler.
func NewScheduler(engine *Engine, store RuleLister, cfg SchedulerConfig) (*Scheduler, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", spec, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tz := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("invalid timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		} else {
			tz = loc
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:       engine,
		store:        store,
		schedule:     spec,
		cycleTimeout: cfg.CycleTimeout,
		logger:       logger,
		cron: cron.New(
			cron.WithLocation(tz),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start registers the cycle job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, s.runCycle)
	if err != nil {
		return fmt.Errorf("scheduling monitor cycle: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true

	s.logger.Info("monitor scheduler started", "schedule", s.schedule)
	return nil
}

// Stop cancels the running cycle, if any, and waits for it to return. A
// stopped Scheduler is not restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.running = false
	s.logger.Info("monitor scheduler stopped")
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the time of the next scheduled cycle.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// RunNow runs one cycle immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) error {
	_, err := s.engine.RunCycle(ctx, s.store)
	return err
}

func (s *Scheduler) runCycle() {
	ctx := s.ctx
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}
	if _, err := s.engine.RunCycle(ctx, s.store); err != nil {
		s.logger.Error("monitoring cycle failed", "error", err)
	}
}
