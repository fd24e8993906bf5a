package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/pkg/circuit"
	"tradeagent/internal/types"
)

type scriptedRunner struct {
	mu       sync.Mutex
	statuses []types.RunStatus
	calls    int
}

func (r *scriptedRunner) Run(context.Context) *types.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := types.RunSuccess
	if r.calls < len(r.statuses) {
		status = r.statuses[r.calls]
	}
	r.calls++
	run := types.NewRun("r", time.Now())
	run.Finish(status, nil, time.Now())
	return run
}

func TestRunOnce(t *testing.T) {
	r := &scriptedRunner{}
	s := New(Config{RunOnce: true}, r)
	var seen []*types.Run
	s.OnRun = func(run *types.Run) { seen = append(seen, run) }

	s.Start(context.Background())
	assert.Equal(t, 1, r.calls)
	assert.Len(t, seen, 1)
}

func TestBreakerSkipsAfterConsecutiveFailures(t *testing.T) {
	r := &scriptedRunner{statuses: []types.RunStatus{types.RunFailed, types.RunAborted}}
	s := New(Config{Interval: time.Hour, BreakerThreshold: 2, BreakerCooldown: time.Hour}, r)
	ctx := context.Background()

	require.NotNil(t, s.Tick(ctx))
	require.NotNil(t, s.Tick(ctx))
	assert.Equal(t, circuit.StateOpen, s.BreakerState())
	assert.Nil(t, s.Tick(ctx))
	assert.Equal(t, 2, r.calls)
}

func TestSuccessResetsBreaker(t *testing.T) {
	r := &scriptedRunner{statuses: []types.RunStatus{types.RunFailed, types.RunSuccess, types.RunFailed}}
	s := New(Config{Interval: time.Hour, BreakerThreshold: 2, BreakerCooldown: time.Hour}, r)
	for i := 0; i < 3; i++ {
		require.NotNil(t, s.Tick(context.Background()))
	}
	assert.Equal(t, circuit.StateClosed, s.BreakerState())
}

func TestLoopRunsUntilCanceled(t *testing.T) {
	r := &scriptedRunner{}
	s := New(Config{Interval: time.Hour, RunImmediately: true, BreakerThreshold: 3}, r)
	ctx, cancel := context.WithCancel(context.Background())
	waits := 0
	s.wait = func(context.Context, time.Duration) bool {
		waits++
		if waits > 2 {
			cancel()
			return false
		}
		return true
	}
	s.Start(ctx)
	assert.Equal(t, 3, r.calls)
}

func TestNextTimesAligns(t *testing.T) {
	s := New(Config{Interval: 4 * time.Hour, Offset: 30 * time.Second}, &scriptedRunner{})
	now := time.Date(2026, 1, 1, 5, 10, 0, 0, time.UTC)
	wake, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2026, 1, 1, 8, 0, 30, 0, time.UTC), wake)
	assert.Equal(t, 2*time.Hour+50*time.Minute+30*time.Second, wait)
}
