package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WindowResetter resets minute- and day-scoped usage counters
type WindowResetter interface {
	ResetMinuteWindows(ctx context.Context) error
	ResetDayWindows(ctx context.Context) error
}

// RunSweeper polls tracked asynchronous runs to completion
type RunSweeper interface {
	Sweep(ctx context.Context) error
}

// BillingFlusher reports accumulated usage to the billing provider
type BillingFlusher interface {
	Flush(ctx context.Context) error
}

// MeteringScheduler drives the four periodic metering jobs, each on its own
// ticker so a slow cycle of one never delays the others.
type MeteringScheduler struct {
	resets    WindowResetter
	sweeper   RunSweeper
	flusher   BillingFlusher
	logger    *zap.Logger
	config    MeteringSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// MeteringSchedulerConfig holds configuration for the metering scheduler
type MeteringSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// MinuteResetInterval is the minute-window reset cadence
	MinuteResetInterval time.Duration

	// DayResetInterval is the day-window reset cadence
	DayResetInterval time.Duration

	// RunSweepInterval is the pending-run poll cadence
	RunSweepInterval time.Duration

	// BillingInterval is the billing flush cadence
	BillingInterval time.Duration

	// JobTimeout bounds a single cycle of any job
	JobTimeout time.Duration
}

// DefaultMeteringSchedulerConfig returns default configuration
func DefaultMeteringSchedulerConfig() MeteringSchedulerConfig {
	return MeteringSchedulerConfig{
		Enabled:             true,
		MinuteResetInterval: time.Minute,
		DayResetInterval:    24 * time.Hour,
		RunSweepInterval:    5 * time.Minute,
		BillingInterval:     30 * time.Minute,
		JobTimeout:          time.Minute,
	}
}

// NewMeteringScheduler creates a new metering scheduler
func NewMeteringScheduler(
	resets WindowResetter,
	sweeper RunSweeper,
	flusher BillingFlusher,
	logger *zap.Logger,
	config MeteringSchedulerConfig,
) (*MeteringScheduler, error) {
	if config.MinuteResetInterval <= 0 || config.DayResetInterval <= 0 ||
		config.RunSweepInterval <= 0 || config.BillingInterval <= 0 ||
		config.JobTimeout <= 0 {
		return nil, ErrInvalidConfig
	}
	return &MeteringScheduler{
		resets:  resets,
		sweeper: sweeper,
		flusher: flusher,
		logger:  logger,
		config:  config,
	}, nil
}

// Start starts the metering scheduler
func (s *MeteringScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Metering scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(4)
	go s.runLoop(ctx, "minute_reset", s.config.MinuteResetInterval, s.resets.ResetMinuteWindows)
	go s.runLoop(ctx, "day_reset", s.config.DayResetInterval, s.resets.ResetDayWindows)
	go s.runLoop(ctx, "run_sweep", s.config.RunSweepInterval, s.sweeper.Sweep)
	go s.runLoop(ctx, "billing_flush", s.config.BillingInterval, s.flusher.Flush)

	s.logger.Info("Metering scheduler started",
		zap.Duration("minute_reset_interval", s.config.MinuteResetInterval),
		zap.Duration("day_reset_interval", s.config.DayResetInterval),
		zap.Duration("run_sweep_interval", s.config.RunSweepInterval),
		zap.Duration("billing_interval", s.config.BillingInterval),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *MeteringScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	// Wait for goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Metering scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Metering scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the scheduler is running
func (s *MeteringScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// TriggerBillingFlush triggers an immediate billing flush
func (s *MeteringScheduler) TriggerBillingFlush(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate billing flush")

	go func() {
		defer s.wg.Done()
		s.execute(ctx, "billing_flush_manual", s.flusher.Flush)
	}()

	return nil
}

// runLoop runs one job on its ticker until the context is cancelled
func (s *MeteringScheduler) runLoop(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Job loop stopping", zap.String("job", job))
			return
		case <-ticker.C:
			s.execute(ctx, job, fn)
		}
	}
}

// execute runs one job cycle under the configured timeout
func (s *MeteringScheduler) execute(ctx context.Context, job string, fn func(context.Context) error) {
	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	startTime := time.Now()
	err := fn(jobCtx)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Scheduled job failed",
			zap.String("job", job),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Scheduled job completed",
		zap.String("job", job),
		zap.Duration("duration", duration),
	)
}
