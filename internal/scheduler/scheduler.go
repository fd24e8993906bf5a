package scheduler

import (
	"context"
	"time"

	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/circuit"
	"tradeagent/internal/types"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) *types.Run
}

type Config struct {
	Interval         time.Duration
	Offset           time.Duration
	RunOnce          bool
	RunImmediately   bool
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// CycleScheduler runs the pipeline on interval boundaries (plus Offset), one
// run at a time. After BreakerThreshold consecutive failed runs, ticks are
// skipped until the cooldown lets a trial run through.
type CycleScheduler struct {
	cfg     Config
	runner  Runner
	breaker *circuit.Breaker

	// OnRun is called after every completed run.
	OnRun func(*types.Run)

	nowFn func() time.Time
	wait  func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config, runner Runner) *CycleScheduler {
	s := &CycleScheduler{
		cfg:     cfg,
		runner:  runner,
		breaker: circuit.New("pipeline", cfg.BreakerThreshold, cfg.BreakerCooldown),
		nowFn:   time.Now,
		wait:    waitFor,
	}
	s.breaker.OnStateChange(func(name string, from, to circuit.State) {
		logger.Warnf("CycleScheduler: breaker %s %s -> %s", name, from, to)
	})
	return s
}

// Start blocks until ctx is done, or returns after one run when RunOnce is set.
func (s *CycleScheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	if s.cfg.RunOnce {
		s.Tick(ctx)
		return
	}
	if s.cfg.Interval <= 0 {
		logger.Warnf("CycleScheduler: invalid interval=%s, exit", s.cfg.Interval)
		return
	}
	if s.cfg.Offset < 0 {
		logger.Warnf("CycleScheduler: negative offset=%s, clamp to 0", s.cfg.Offset)
		s.cfg.Offset = 0
	}

	startAt := s.nowFn().UTC()
	logger.Infof("CycleScheduler: started interval=%s offset=%s run_immediately=%v at=%s",
		s.cfg.Interval, s.cfg.Offset, s.cfg.RunImmediately, startAt.Format(time.RFC3339))

	if s.cfg.RunImmediately {
		s.Tick(ctx)
	}
	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.nextTimes(now)
		logger.Infof("CycleScheduler: 下一轮=%s (in %s) | uptime=%s",
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))
		if !s.wait(ctx, wait) {
			logger.Infof("CycleScheduler: ctx done, exit")
			return
		}
		s.Tick(ctx)
	}
}

// Tick runs the pipeline once unless the breaker is open. It returns nil when
// the tick was skipped.
func (s *CycleScheduler) Tick(ctx context.Context) *types.Run {
	if !s.breaker.Allow() {
		logger.Warnf("CycleScheduler: breaker open, skip cycle")
		return nil
	}
	run := s.runner.Run(ctx)
	if run == nil {
		s.breaker.RecordFailure()
		return nil
	}
	if run.Status == types.RunSuccess {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
	if s.OnRun != nil {
		s.OnRun(run)
	}
	return run
}

// BreakerState reports the breaker state for health output.
func (s *CycleScheduler) BreakerState() circuit.State {
	return s.breaker.State()
}

// BreakerSnapshot reports failure count and retry time alongside the state.
func (s *CycleScheduler) BreakerSnapshot() circuit.Snapshot {
	return s.breaker.Snapshot()
}

func (s *CycleScheduler) nextTimes(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	wakeAt = now.Truncate(s.cfg.Interval).Add(s.cfg.Interval).Add(s.cfg.Offset)
	if wakeAt.Sub(now) > s.cfg.Interval {
		wakeAt = wakeAt.Add(-s.cfg.Interval)
	}
	return wakeAt, wakeAt.Sub(now)
}

func waitFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
