// Package scheduler owns the periodic triggers: the interval batch refresh
// and the daily usage reset at a fixed wall-clock time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credkeeper/credkeeper/internal/logging"
)

// BatchRunner runs one full refresh pass.
type BatchRunner interface {
	RunBatch(ctx context.Context) error
}

// ResetRunner runs the daily usage-count reset.
type ResetRunner interface {
	DailyReset(ctx context.Context) (int, error)
}

// Config controls the trigger cadence.
type Config struct {
	// Interval is the period of the batch trigger.
	Interval time.Duration
	// PollInterval is the coarse cadence at which due triggers are checked.
	PollInterval time.Duration
	// DailyResetTime is the wall-clock reset time in "HH:MM" format.
	DailyResetTime string
	// Timezone resolves the wall-clock time; empty means UTC.
	Timezone string
}

// Scheduler is a single cooperative run loop that polls its two triggers on
// a coarse cadence and fires whichever is due. A second Start is a logged
// no-op; a panic inside the loop stops the loop and is not auto-restarted.
type Scheduler struct {
	batch  BatchRunner
	reset  ResetRunner
	config Config
	tz     *time.Location
	logger *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a scheduler over the given runners.
func New(batch BatchRunner, reset ResetRunner, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 600 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 60 * time.Second
	}
	if config.DailyResetTime == "" {
		config.DailyResetTime = "00:00"
	}
	tz, err := time.LoadLocation(config.Timezone)
	if err != nil || config.Timezone == "" {
		tz = time.UTC
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		batch:  batch,
		reset:  reset,
		config: config,
		tz:     tz,
		logger: logging.NewLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the run loop. The batch trigger fires once immediately so
// a restart does not wait a full interval for its first pass.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("scheduler already running, start ignored")
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started",
		"interval", s.config.Interval.String(),
		"poll_interval", s.config.PollInterval.String(),
		"daily_reset_time", s.config.DailyResetTime)
}

// Stop stops the loop cooperatively. In-flight work is not interrupted;
// the loop simply dispatches nothing further.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the loop is alive.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler loop terminated by panic", "panic", r)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	// Immediate first pass before the loop begins.
	s.runBatch()

	now := time.Now()
	nextBatch := now.Add(s.config.Interval)
	nextReset := s.nextResetTime(now)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if !now.Before(nextBatch) {
				s.runBatch()
				nextBatch = now.Add(s.config.Interval)
			}
			if !now.Before(nextReset) {
				if _, err := s.reset.DailyReset(s.ctx); err != nil {
					s.logger.Error("daily reset trigger failed", "error", err.Error())
				}
				nextReset = s.nextResetTime(now)
			}
		}
	}
}

func (s *Scheduler) runBatch() {
	if err := s.batch.RunBatch(s.ctx); err != nil {
		s.logger.Error("batch trigger failed", "error", err.Error())
	}
}

// nextResetTime returns the next occurrence of the configured wall-clock
// reset time strictly after now.
func (s *Scheduler) nextResetTime(now time.Time) time.Time {
	var hour, minute int
	if _, err := fmt.Sscanf(s.config.DailyResetTime, "%d:%d", &hour, &minute); err != nil {
		hour, minute = 0, 0
	}

	local := now.In(s.tz)
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.tz)
	if !target.After(local) {
		target = target.Add(24 * time.Hour)
	}
	return target
}
