package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("cycle", 2, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	snap := b.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.Equal(t, 2, snap.Failures)
	assert.Equal(t, now.Add(time.Minute), snap.RetryAt)

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial while half-open")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Snapshot{State: "CLOSED"}, b.Snapshot())
}

func TestBreakerTransitionsReported(t *testing.T) {
	var seen []State
	b := New("cycle", 1, 0)
	b.OnStateChange(func(_ string, _, to State) { seen = append(seen, to) })
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, seen)
}
