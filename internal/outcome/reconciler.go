// SPDX-License-Identifier: MIT

// Package outcome closes the loop on dispatched searches. The system never
// asks an upstream whether a search succeeded; it observes the consequence:
// a file appearing in the mirror is matched back to the oldest in-flight
// command for that content, and commands that never produce a file are swept
// to not-found after a timeout.
package outcome

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
	syncengine "github.com/sweeparr/sweeparr/internal/sync"
)

// DefaultCommandTimeout is how long a pending command may wait for its file
// before being swept to not-found.
const DefaultCommandTimeout = 24 * time.Hour

// DefaultRetryDelay is the cooldown applied to a registry row whose command
// timed out.
const DefaultRetryDelay = time.Hour

// Reconciler matches sync observations to in-flight commands.
type Reconciler struct {
	store          *store.Store
	commandTimeout time.Duration
	retryDelay     time.Duration
	log            zerolog.Logger
}

// Option tunes the reconciler.
type Option func(*Reconciler)

// WithCommandTimeout overrides the pending-command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.commandTimeout = d }
}

// WithRetryDelay overrides the post-timeout cooldown.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.retryDelay = d }
}

// NewReconciler builds the outcome reconciler.
func NewReconciler(st *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:          st,
		commandTimeout: DefaultCommandTimeout,
		retryDelay:     DefaultRetryDelay,
		log:            log.WithComponent("outcome"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileAcquired processes the file-acquisition transitions one sync run
// observed: each is matched to the oldest open command for its content; on a
// match the command closes as success and the registry row is deleted.
func (r *Reconciler) ReconcileAcquired(ctx context.Context, connectorID int64, acquired []syncengine.Acquired) (int, error) {
	logger := log.WithContext(ctx, r.log)
	closed := 0

	for _, item := range acquired {
		cmd, err := r.store.OldestOpenCommand(ctx, connectorID, item.Kind, item.ContentID)
		if errors.Is(err, store.ErrNotFound) {
			// File appeared without a search of ours in flight; the resolved
			// sweep of the next discovery run reaps any registry row.
			continue
		}
		if err != nil {
			return closed, err
		}

		if err := r.store.MarkCommandAcquired(ctx, cmd.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // already claimed
			}
			return closed, err
		}

		elapsed := time.Since(cmd.DispatchedAt).Milliseconds()
		var (
			searchType = store.SearchGap
			attempt    = 0
		)
		if cmd.RegistryID != nil {
			if entry, err := r.store.GetRegistryEntry(ctx, *cmd.RegistryID); err == nil {
				searchType = entry.SearchType
				attempt = entry.AttemptCount
			}
		}
		if err := r.store.AppendHistory(ctx, store.HistoryRow{
			ConnectorID: connectorID,
			ContentKind: item.Kind,
			ContentID:   item.ContentID,
			SearchType:  searchType,
			Outcome:     store.OutcomeSuccess,
			Attempt:     attempt,
			ElapsedMS:   &elapsed,
		}); err != nil {
			return closed, err
		}

		// Success means the registry row ceases to exist.
		if cmd.RegistryID != nil {
			if err := r.store.DeleteRegistryEntry(ctx, *cmd.RegistryID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return closed, err
			}
		}
		if err := r.store.DeletePendingCommand(ctx, cmd.ID); err != nil {
			return closed, err
		}

		metrics.OutcomeSuccessTotal.Inc()
		closed++
		logger.Info().
			Int64("connector_id", connectorID).
			Str("content_kind", string(item.Kind)).
			Int64("content_id", item.ContentID).
			Int64("elapsed_ms", elapsed).
			Msg("search closed as success")
	}
	return closed, nil
}

// SweepExpired moves commands older than the timeout to not-found: a history
// row is appended and the registry row cools down with its attempt counter
// bumped.
func (r *Reconciler) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	logger := log.WithContext(ctx, r.log)
	expired, err := r.store.ListExpiredCommands(ctx, now.Add(-r.commandTimeout))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, cmd := range expired {
		var (
			searchType = store.SearchGap
			attempt    = 0
		)
		if cmd.RegistryID != nil {
			entry, err := r.store.GetRegistryEntry(ctx, *cmd.RegistryID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Registry row already gone (content deleted); just drop the command.
			case err != nil:
				return swept, err
			default:
				searchType = entry.SearchType
				attempt = entry.AttemptCount + 1
				if err := r.store.MarkCooldown(ctx, entry.ID, now.Add(r.retryDelay), "timeout"); err != nil &&
					!errors.Is(err, store.ErrNotFound) {
					return swept, err
				}
			}
		}

		if err := r.store.AppendHistory(ctx, store.HistoryRow{
			ConnectorID: cmd.ConnectorID,
			ContentKind: cmd.ContentKind,
			ContentID:   cmd.ContentID,
			SearchType:  searchType,
			Outcome:     store.OutcomeNotFound,
			Attempt:     attempt,
		}); err != nil {
			return swept, err
		}
		if err := r.store.DeletePendingCommand(ctx, cmd.ID); err != nil {
			return swept, err
		}
		metrics.OutcomeTimeoutTotal.Inc()
		swept++
	}

	if swept > 0 {
		logger.Info().Int("swept", swept).Msg("expired commands swept to not-found")
	}
	return swept, nil
}

// PruneHistory enforces the history retention horizon.
func (r *Reconciler) PruneHistory(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	return r.store.PruneHistory(ctx, now.Add(-retention))
}
