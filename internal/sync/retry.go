// SPDX-License-Identifier: MIT

package sync

import (
	"context"
	"time"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/upstream"
)

// Retry bounds for a whole sync invocation.
const (
	MaxSyncRetries = 3

	baseBackoff = 30 * time.Second
	maxBackoff  = 5 * time.Minute
)

// RetryConfig overrides the retry bounds, mainly for tests.
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns the production retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: MaxSyncRetries, BaseBackoff: baseBackoff, MaxBackoff: maxBackoff}
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := rc.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	if d > rc.MaxBackoff {
		d = rc.MaxBackoff
	}
	return d
}

// RunWithRetry wraps a sync invocation with the retry policy: up to
// MaxRetries attempts with exponential backoff, short-circuiting on
// non-retryable error categories. The connector health is recomputed after
// the terminal attempt.
func (e *Engine) RunWithRetry(ctx context.Context, c store.Connector, mode Mode, opts Options, rc RetryConfig) Result {
	logger := log.WithContext(ctx, e.log)
	opts = opts.withDefaults()

	maxAttempts := rc.MaxRetries
	if maxAttempts < 1 || opts.SkipRetry {
		maxAttempts = 1
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		res, err = e.run(ctx, c, mode, opts)
		res.Attempts = attempt
		if err == nil {
			break
		}

		kind := upstream.KindOf(err)
		if !kind.Retryable() || attempt == maxAttempts {
			logger.Error().
				Int64("connector_id", c.ID).
				Str("mode", string(mode)).
				Int("attempt", attempt).
				Str("error_class", string(kind)).
				Err(err).
				Msg("sync failed")
			break
		}

		wait := rc.backoff(attempt)
		logger.Warn().
			Int64("connector_id", c.ID).
			Str("mode", string(mode)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Str("error_class", string(kind)).
			Msg("sync attempt failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		}
	}

	// Terminal attempt: recompute connector health.
	if res.Err == nil {
		if err := e.connectors.ApplySyncSuccess(ctx, c.ID, mode == ModeReconcile, time.Now()); err != nil {
			logger.Error().Err(err).Int64("connector_id", c.ID).Msg("failed to record sync success")
		}
		res.Health = store.HealthHealthy
	} else {
		health, err := e.connectors.ApplySyncFailure(ctx, c.ID, upstream.KindOf(res.Err))
		if err != nil {
			logger.Error().Err(err).Int64("connector_id", c.ID).Msg("failed to record sync failure")
		}
		res.Health = health
	}
	return res
}
