// SPDX-License-Identifier: MIT

package throttle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeparr/sweeparr/internal/store"
)

func newTestThrottler(t *testing.T) (*Throttler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func createConnector(t *testing.T, st *store.Store, profileID *int64) store.Connector {
	t.Helper()
	c, err := st.CreateConnector(context.Background(), store.Connector{
		Dialect:           store.DialectRadarr,
		Name:              "radarr",
		BaseURL:           "https://r.lan",
		APIKeyCiphertext:  []byte{0x01},
		Enabled:           true,
		ThrottleProfileID: profileID,
	})
	require.NoError(t, err)
	return c
}

func createProfile(t *testing.T, st *store.Store, p store.ThrottleProfile) store.ThrottleProfile {
	t.Helper()
	created, err := st.CreateThrottleProfile(context.Background(), p)
	require.NoError(t, err)
	return created
}

func TestValidateProfileBounds(t *testing.T) {
	valid := store.ThrottleProfile{
		Name: "p", RequestsPerMinute: 30, BatchSize: 10,
		BatchCooldownSeconds: 60, RateLimitPauseSeconds: 300,
	}
	require.NoError(t, ValidateProfile(valid))

	cases := []struct {
		name   string
		mutate func(*store.ThrottleProfile)
	}{
		{"rpm too low", func(p *store.ThrottleProfile) { p.RequestsPerMinute = 0 }},
		{"rpm too high", func(p *store.ThrottleProfile) { p.RequestsPerMinute = 61 }},
		{"budget too small", func(p *store.ThrottleProfile) { v := 5; p.DailyBudget = &v }},
		{"batch too big", func(p *store.ThrottleProfile) { p.BatchSize = 51 }},
		{"cooldown too short", func(p *store.ThrottleProfile) { p.BatchCooldownSeconds = 5 }},
		{"pause too short", func(p *store.ThrottleProfile) { p.RateLimitPauseSeconds = 30 }},
		{"pause too long", func(p *store.ThrottleProfile) { p.RateLimitPauseSeconds = 7200 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			assert.Error(t, ValidateProfile(p))
		})
	}
}

func TestMayDispatchPerMinuteLimit(t *testing.T) {
	ctx := context.Background()
	th, st := newTestThrottler(t)
	p := createProfile(t, st, store.ThrottleProfile{
		Name: "rpm5", RequestsPerMinute: 5, BatchSize: 50,
		BatchCooldownSeconds: 60, RateLimitPauseSeconds: 300,
	})
	c := createConnector(t, st, &p.ID)

	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	for i := 0; i < 5; i++ {
		d, err := th.MayDispatch(ctx, c, now)
		require.NoError(t, err)
		assert.True(t, d.Allow, "dispatch %d", i)
	}

	d, err := th.MayDispatch(ctx, c, now)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonPerMinute, d.Reason)
	assert.Equal(t, now.Truncate(time.Minute).Add(time.Minute), d.DenyUntil)

	// The next minute rolls the window.
	d, err = th.MayDispatch(ctx, c, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMayDispatchDailyBudget(t *testing.T) {
	ctx := context.Background()
	th, st := newTestThrottler(t)
	budget := 10
	p := createProfile(t, st, store.ThrottleProfile{
		Name: "budget", RequestsPerMinute: 60, DailyBudget: &budget, BatchSize: 50,
		BatchCooldownSeconds: 60, RateLimitPauseSeconds: 300,
	})
	c := createConnector(t, st, &p.ID)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	granted := 0
	for i := 0; i < 15; i++ {
		// Spread over minutes so the rpm limit never interferes.
		d, err := th.MayDispatch(ctx, c, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		if d.Allow {
			granted++
		} else {
			assert.Equal(t, ReasonDailyBudget, d.Reason)
			assert.True(t, d.DenyUntil.After(base.Add(24*time.Hour)))
		}
	}
	assert.Equal(t, 10, granted)

	// A new UTC day resets the budget.
	d, err := th.MayDispatch(ctx, c, base.Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMayDispatchBatchCooldown(t *testing.T) {
	ctx := context.Background()
	th, st := newTestThrottler(t)
	p := createProfile(t, st, store.ThrottleProfile{
		Name: "batch", RequestsPerMinute: 60, BatchSize: 3,
		BatchCooldownSeconds: 30, RateLimitPauseSeconds: 300,
	})
	c := createConnector(t, st, &p.ID)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		d, err := th.MayDispatch(ctx, c, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, d.Allow)
	}

	d, err := th.MayDispatch(ctx, c, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonBatch, d.Reason)

	// After the cooldown the batch window resets.
	d, err = th.MayDispatch(ctx, c, now.Add(40*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMayDispatchQueuePaused(t *testing.T) {
	ctx := context.Background()
	th, st := newTestThrottler(t)
	c := createConnector(t, st, nil)
	c.QueuePaused = true

	d, err := th.MayDispatch(ctx, c, time.Now())
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonPaused, d.Reason)
}

func TestRecordRateLimitedEngagesPause(t *testing.T) {
	ctx := context.Background()
	th, st := newTestThrottler(t)
	p := createProfile(t, st, store.ThrottleProfile{
		Name: "p", RequestsPerMinute: 60, BatchSize: 50,
		BatchCooldownSeconds: 60, RateLimitPauseSeconds: 120,
	})
	c := createConnector(t, st, &p.ID)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until, err := th.RecordRateLimited(ctx, c, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute), until)

	d, err := th.MayDispatch(ctx, c, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, until, d.DenyUntil)

	// Pause elapsed: dispatch allowed again and the pause is cleared.
	d, err = th.MayDispatch(ctx, c, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allow)

	state, err := st.GetThrottleState(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, state.PausedUntil)
}

func TestProfileFallbacks(t *testing.T) {
	ctx := context.Background()
	th, st := newTestThrottler(t)
	c := createConnector(t, st, nil)

	// No assigned profile, no stored default: the builtin applies.
	p, err := th.ProfileFor(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "builtin", p.Name)

	def := createProfile(t, st, store.ThrottleProfile{
		Name: "site-default", RequestsPerMinute: 20, BatchSize: 10,
		BatchCooldownSeconds: 60, RateLimitPauseSeconds: 300, IsDefault: true,
	})
	p, err = th.ProfileFor(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, def.ID, p.ID)
}
