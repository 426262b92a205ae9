// SPDX-License-Identifier: MIT

// Package throttle paces per-connector dispatch: requests per minute, an
// optional daily budget, batch windows with cooldowns, and remote rate-limit
// pauses. Counter state is persisted so restarts do not reset budgets.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
)

// Deny reasons surfaced on decisions and counters.
const (
	ReasonPaused      = "paused"
	ReasonRateLimited = "rate-limited"
	ReasonPerMinute   = "per-minute"
	ReasonDailyBudget = "daily-budget"
	ReasonBatch       = "batch-cooldown"
)

// Decision is the outcome of MayDispatch.
type Decision struct {
	Allow     bool
	DenyUntil time.Time
	Reason    string
}

// Throttler gates dispatch per connector.
type Throttler struct {
	store *store.Store
	log   zerolog.Logger
}

// New builds a throttler.
func New(st *store.Store) *Throttler {
	return &Throttler{store: st, log: log.WithComponent("throttle")}
}

// BuiltinProfile is used when a connector has no profile assigned and no
// stored default exists.
func BuiltinProfile() store.ThrottleProfile {
	return store.ThrottleProfile{
		Name:                  "builtin",
		RequestsPerMinute:     10,
		BatchSize:             20,
		BatchCooldownSeconds:  60,
		RateLimitPauseSeconds: 300,
	}
}

// ValidateProfile checks operator-supplied profile parameters.
func ValidateProfile(p store.ThrottleProfile) error {
	if p.RequestsPerMinute < 1 || p.RequestsPerMinute > 60 {
		return fmt.Errorf("throttle: requestsPerMinute %d out of range 1..60", p.RequestsPerMinute)
	}
	if p.DailyBudget != nil && *p.DailyBudget < 10 {
		return fmt.Errorf("throttle: dailyBudget %d below minimum 10", *p.DailyBudget)
	}
	if p.BatchSize < 1 || p.BatchSize > 50 {
		return fmt.Errorf("throttle: batchSize %d out of range 1..50", p.BatchSize)
	}
	if p.BatchCooldownSeconds < 10 || p.BatchCooldownSeconds > 3600 {
		return fmt.Errorf("throttle: batchCooldownSeconds %d out of range 10..3600", p.BatchCooldownSeconds)
	}
	if p.RateLimitPauseSeconds < 60 || p.RateLimitPauseSeconds > 3600 {
		return fmt.Errorf("throttle: rateLimitPauseSeconds %d out of range 60..3600", p.RateLimitPauseSeconds)
	}
	return nil
}

// ProfileFor resolves the effective profile for a connector: its assigned
// profile, else the stored default, else the builtin.
func (t *Throttler) ProfileFor(ctx context.Context, c store.Connector) (store.ThrottleProfile, error) {
	if c.ThrottleProfileID != nil {
		p, err := t.store.GetThrottleProfile(ctx, *c.ThrottleProfileID)
		if err == nil {
			return p, nil
		}
		if err != store.ErrNotFound {
			return store.ThrottleProfile{}, err
		}
	}
	p, err := t.store.GetDefaultThrottleProfile(ctx)
	if err == nil {
		return p, nil
	}
	if err != store.ErrNotFound {
		return store.ThrottleProfile{}, err
	}
	return BuiltinProfile(), nil
}

// MayDispatch decides whether one command may go out now. On allow, the
// minute, daily and batch counters are incremented and persisted in the same
// step; the per-connector dispatcher singleton serialises access to the row.
func (t *Throttler) MayDispatch(ctx context.Context, c store.Connector, now time.Time) (Decision, error) {
	if c.QueuePaused {
		// Operator pause has no natural end; re-probe after a minute.
		return t.deny(ReasonPaused, now.Add(time.Minute)), nil
	}

	profile, err := t.ProfileFor(ctx, c)
	if err != nil {
		return Decision{}, err
	}
	st, err := t.store.GetThrottleState(ctx, c.ID)
	if err != nil {
		return Decision{}, err
	}

	if st.PausedUntil != nil && st.PausedUntil.After(now) {
		reason := ReasonRateLimited
		if st.PauseReason != nil && *st.PauseReason != "" {
			reason = *st.PauseReason
		}
		return t.deny(reason, *st.PausedUntil), nil
	}

	// Roll the minute window.
	minuteStart := now.Truncate(time.Minute)
	if st.MinuteStart == nil || st.MinuteStart.Before(minuteStart) {
		st.MinuteStart = &minuteStart
		st.RequestsThisMinute = 0
	}
	if st.RequestsThisMinute >= profile.RequestsPerMinute {
		return t.deny(ReasonPerMinute, minuteStart.Add(time.Minute)), nil
	}

	// Roll the UTC day window.
	dayStart := now.UTC().Truncate(24 * time.Hour)
	if st.DayStart == nil || st.DayStart.Before(dayStart) {
		st.DayStart = &dayStart
		st.RequestsToday = 0
	}
	if profile.DailyBudget != nil && st.RequestsToday >= *profile.DailyBudget {
		return t.deny(ReasonDailyBudget, dayStart.Add(24*time.Hour).Add(time.Second)), nil
	}

	// Batch window: once batchSize dispatches have gone out, hold until the
	// cooldown anchored at the moment the batch filled has elapsed.
	if st.RequestsThisBatch >= profile.BatchSize {
		cooldownEnd := now
		if st.BatchStart != nil {
			cooldownEnd = st.BatchStart.Add(time.Duration(profile.BatchCooldownSeconds) * time.Second)
		}
		if cooldownEnd.After(now) {
			return t.deny(ReasonBatch, cooldownEnd), nil
		}
		st.RequestsThisBatch = 0
		st.BatchStart = nil
	}

	st.RequestsThisMinute++
	st.RequestsToday++
	st.RequestsThisBatch++
	if st.RequestsThisBatch >= profile.BatchSize {
		anchor := now
		st.BatchStart = &anchor
	}
	st.PausedUntil = nil
	st.PauseReason = nil

	if err := t.store.PutThrottleState(ctx, st); err != nil {
		return Decision{}, err
	}
	return Decision{Allow: true}, nil
}

func (t *Throttler) deny(reason string, until time.Time) Decision {
	metrics.RecordThrottleDenied(reason)
	return Decision{Allow: false, DenyUntil: until, Reason: reason}
}

// RecordRateLimited engages the remote rate-limit pause so the dispatcher
// stops re-probing a 429ing upstream.
func (t *Throttler) RecordRateLimited(ctx context.Context, c store.Connector, now time.Time) (time.Time, error) {
	profile, err := t.ProfileFor(ctx, c)
	if err != nil {
		return time.Time{}, err
	}
	st, err := t.store.GetThrottleState(ctx, c.ID)
	if err != nil {
		return time.Time{}, err
	}
	until := now.Add(time.Duration(profile.RateLimitPauseSeconds) * time.Second)
	reason := ReasonRateLimited
	st.PausedUntil = &until
	st.PauseReason = &reason
	if err := t.store.PutThrottleState(ctx, st); err != nil {
		return time.Time{}, err
	}
	t.log.Warn().
		Int64("connector_id", c.ID).
		Time("paused_until", until).
		Msg("upstream rate limit engaged")
	return until, nil
}
