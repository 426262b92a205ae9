// SPDX-License-Identifier: MIT

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestBreaker(clk *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("test", 3, 5, time.Minute, 30*time.Second,
		WithClock(clk), WithHalfOpenSuccessThreshold(2))
}

func TestBreakerStaysClosedBelowMinAttempts(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateClosed, cb.GetState(), "too few attempts to judge")
	assert.True(t, cb.AllowRequest())
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	cb.RecordSuccess()
	cb.RecordSuccess()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	cb.RecordSuccess()
	cb.RecordSuccess()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.GetState())

	// Reset timeout elapses: probes are allowed again.
	clk.advance(31 * time.Second)
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	cb.RecordSuccess()
	cb.RecordSuccess()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clk.advance(31 * time.Second)
	assert.True(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerWindowPrunesOldEvents(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	cb := newTestBreaker(clk)

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	// The old failures age out of the window; fresh traffic alone must not trip.
	clk.advance(2 * time.Minute)
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState())
}
