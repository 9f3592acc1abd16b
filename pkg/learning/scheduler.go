package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultPruneInterval is how often the scheduler applies retention when
// no interval option is given.
const defaultPruneInterval = time.Hour

// RetentionScheduler applies the engine's retention policy on a fixed
// interval in the background.
//
// All public methods are safe for concurrent use. The running state is
// guarded by a mutex so Start and Stop cannot race.
type RetentionScheduler struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// SchedulerOption configures a RetentionScheduler.
type SchedulerOption func(*RetentionScheduler)

// WithPruneInterval sets how often retention runs. Defaults to one hour.
func WithPruneInterval(interval time.Duration) SchedulerOption {
	return func(s *RetentionScheduler) {
		s.interval = interval
	}
}

// WithPruneTimeout bounds how long a single retention pass may take.
// Defaults to five minutes.
func WithPruneTimeout(timeout time.Duration) SchedulerOption {
	return func(s *RetentionScheduler) {
		s.timeout = timeout
	}
}

// NewRetentionScheduler creates a scheduler over the given engine. It does
// not start automatically; call Start.
func NewRetentionScheduler(engine *Engine, logger *zap.Logger, opts ...SchedulerOption) (*RetentionScheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RetentionScheduler{
		engine:   engine,
		logger:   logger,
		interval: defaultPruneInterval,
		timeout:  5 * time.Minute,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("prune interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// Start launches the background retention loop. Calling Start on a running
// scheduler returns an error without spawning a second goroutine.
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("retention scheduler is already running")
	}

	// Fresh channel per run so a stopped scheduler can be restarted.
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("retention scheduler started",
		zap.Duration("interval", s.interval),
		zap.String("policy", s.engine.retention.String()),
	)

	go s.run(s.stopCh)
	return nil
}

// Stop signals the loop to exit. Stopping a scheduler that is not running
// is a no-op.
func (s *RetentionScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("retention scheduler stopped")
	return nil
}

// run is the scheduler loop. Prune errors are logged and the loop keeps
// going; only Stop ends it.
func (s *RetentionScheduler) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runPrune()
		case <-stopCh:
			return
		}
	}
}

func (s *RetentionScheduler) runPrune() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("retention pass panicked, scheduler continues",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	pruned, err := s.engine.Prune(ctx)
	if err != nil {
		s.logger.Error("scheduled retention pass failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Info("scheduled retention pass complete", zap.Int("pruned", pruned))
	}
}
