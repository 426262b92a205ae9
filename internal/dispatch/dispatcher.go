// SPDX-License-Identifier: MIT

// Package dispatch consumes the search registry: one cooperative task per
// connector pops pending entries in priority order, gates them through the
// throttler, and issues upstream search commands.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/throttle"
	"github.com/sweeparr/sweeparr/internal/upstream"
)

const (
	// DefaultAttemptCeiling exhausts an entry after this many attempts.
	DefaultAttemptCeiling = 6

	// idleDelay is how long the loop sleeps when nothing is dispatchable.
	idleDelay = 10 * time.Second

	// dispatchTimeout bounds one upstream command call.
	dispatchTimeout = 30 * time.Second

	baseRetryBackoff = 5 * time.Minute
	maxRetryBackoff  = 6 * time.Hour
)

// backoffFor computes the jittered exponential cooldown for the given
// attempt count.
func backoffFor(attempts int) time.Duration {
	d := baseRetryBackoff
	for i := 0; i < attempts && d < maxRetryBackoff; i++ {
		d *= 2
	}
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	// Up to 10% jitter so cooldowns do not align.
	jitter := time.Duration(rand.Int63n(int64(d) / 10))
	return d + jitter
}

// Dispatcher is the single consumer for one connector's queue.
type Dispatcher struct {
	store      *store.Store
	connectors *connector.Service
	throttler  *throttle.Throttler

	connectorID    int64
	attemptCeiling int
	log            zerolog.Logger
}

// NewDispatcher builds the per-connector consumer.
func NewDispatcher(st *store.Store, cs *connector.Service, th *throttle.Throttler, connectorID int64) *Dispatcher {
	return &Dispatcher{
		store:          st,
		connectors:     cs,
		throttler:      th,
		connectorID:    connectorID,
		attemptCeiling: DefaultAttemptCeiling,
		log:            log.WithComponent("dispatch").With().Int64("connector_id", connectorID).Logger(),
	}
}

// Run loops until the context is cancelled. Every suspension point observes
// cancellation.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Msg("dispatcher started")
	defer d.log.Info().Msg("dispatcher stopped")

	for {
		wait, err := d.iterate(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("dispatch iteration failed")
			wait = idleDelay
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// iterate processes at most one registry entry and returns how long to sleep
// before the next iteration.
func (d *Dispatcher) iterate(ctx context.Context) (time.Duration, error) {
	now := time.Now()

	if _, err := d.store.ReleaseCooldowns(ctx, d.connectorID, now); err != nil {
		return idleDelay, err
	}

	c, err := d.connectors.Get(ctx, d.connectorID)
	if err != nil {
		return idleDelay, err
	}

	entry, err := d.store.PopNextPending(ctx, d.connectorID, now)
	if errors.Is(err, store.ErrNotFound) {
		return idleDelay, nil
	}
	if err != nil {
		return idleDelay, err
	}

	gate, err := d.throttler.MayDispatch(ctx, c, now)
	if err != nil {
		return idleDelay, err
	}
	if !gate.Allow {
		metrics.RecordDispatch("denied")
		if err := d.store.DeferEntry(ctx, entry.ID, gate.DenyUntil); err != nil {
			return idleDelay, err
		}
		return time.Until(gate.DenyUntil), nil
	}

	if err := d.store.MarkSearching(ctx, entry.ID, now); err != nil {
		return 0, err
	}
	return 0, d.dispatch(ctx, c, entry, now)
}

// dispatch issues the upstream search for one entry already in state
// searching.
func (d *Dispatcher) dispatch(ctx context.Context, c store.Connector, entry store.RegistryEntry, now time.Time) error {
	client, err := d.connectors.NewClient(c)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	var (
		commandID  int64
		seasonPack bool
	)
	switch entry.ContentKind {
	case store.KindMovie:
		movie, err := d.store.GetMovie(ctx, entry.ContentID)
		if errors.Is(err, store.ErrNotFound) {
			return d.store.DeleteRegistryEntry(ctx, entry.ID)
		}
		if err != nil {
			return err
		}
		commandID, err = client.SearchMovie(callCtx, movie.UpstreamID)
		if err != nil {
			return d.handleRejection(ctx, c, entry, seasonPack, err, now)
		}
	case store.KindEpisode:
		episode, err := d.store.GetEpisode(ctx, entry.ContentID)
		if errors.Is(err, store.ErrNotFound) {
			return d.store.DeleteRegistryEntry(ctx, entry.ID)
		}
		if err != nil {
			return err
		}
		commandID, seasonPack, err = d.searchEpisode(callCtx, client, entry, episode)
		if err != nil {
			return d.handleRejection(ctx, c, entry, seasonPack, err, now)
		}
	default:
		return d.store.MarkExhausted(ctx, entry.ID, string(upstream.KindValidation))
	}

	if _, err := d.store.CreatePendingCommand(ctx, store.PendingCommand{
		ConnectorID:  c.ID,
		RegistryID:   &entry.ID,
		ContentKind:  entry.ContentKind,
		ContentID:    entry.ContentID,
		CommandID:    commandID,
		DispatchedAt: now,
	}); err != nil {
		return err
	}

	metrics.RecordDispatch("dispatched")
	d.log.Debug().
		Int64("registry_id", entry.ID).
		Str("content_kind", string(entry.ContentKind)).
		Int64("content_id", entry.ContentID).
		Int64("command_id", commandID).
		Bool("season_pack", seasonPack).
		Msg("search command dispatched")
	return nil
}

// searchEpisode prefers a season-pack search when a whole monitored season is
// missing and no prior pack attempt failed; otherwise it searches the single
// episode.
func (d *Dispatcher) searchEpisode(ctx context.Context, client upstream.Client, entry store.RegistryEntry, episode store.Episode) (int64, bool, error) {
	if entry.SearchType == store.SearchGap && !entry.SeasonPackFailed {
		stats, err := d.store.GetSeasonGapStats(ctx, episode.SeasonID)
		if err == nil && stats.Total > 1 && stats.Missing == stats.Total {
			season, serr := d.store.GetSeason(ctx, episode.SeasonID)
			series, xerr := d.store.GetSeries(ctx, episode.SeriesID)
			if serr == nil && xerr == nil {
				id, err := client.SearchSeason(ctx, series.UpstreamID, season.SeasonNumber)
				if err != nil {
					return 0, true, err
				}
				return id, true, nil
			}
		}
	}
	id, err := client.SearchEpisode(ctx, episode.UpstreamID)
	return id, false, err
}

// handleRejection applies the state machine after a rejected command.
func (d *Dispatcher) handleRejection(ctx context.Context, c store.Connector, entry store.RegistryEntry, seasonPack bool, cmdErr error, now time.Time) error {
	kind := upstream.KindOf(cmdErr)

	if seasonPack {
		// A failed pack search makes subsequent attempts fall back to
		// per-episode search.
		if err := d.store.SetSeasonPackFailed(ctx, entry.ID, true); err != nil {
			return err
		}
	}

	switch {
	case kind == upstream.KindRateLimited:
		until, err := d.throttler.RecordRateLimited(ctx, c, now)
		if err != nil {
			return err
		}
		metrics.RecordDispatch("cooldown")
		return d.store.MarkCooldown(ctx, entry.ID, until, string(kind))

	case kind.Retryable() && entry.AttemptCount+1 < d.attemptCeiling:
		metrics.RecordDispatch("cooldown")
		return d.store.MarkCooldown(ctx, entry.ID, now.Add(backoffFor(entry.AttemptCount)), string(kind))

	case seasonPack && entry.AttemptCount+1 < d.attemptCeiling:
		// Non-retryable pack rejection: cool down briefly so the fallback
		// per-episode search gets its chance instead of exhausting the entry.
		metrics.RecordDispatch("cooldown")
		return d.store.MarkCooldown(ctx, entry.ID, now.Add(time.Minute), string(kind))

	default:
		metrics.RecordDispatch("exhausted")
		if err := d.store.MarkExhausted(ctx, entry.ID, string(kind)); err != nil {
			return err
		}
		outcome := store.OutcomeFailed
		if entry.AttemptCount+1 >= d.attemptCeiling {
			outcome = store.OutcomeExhausted
		}
		return d.store.AppendHistory(ctx, store.HistoryRow{
			ConnectorID: c.ID,
			ContentKind: entry.ContentKind,
			ContentID:   entry.ContentID,
			SearchType:  entry.SearchType,
			Outcome:     outcome,
			Attempt:     entry.AttemptCount + 1,
			Detail:      strPtr(string(kind)),
		})
	}
}

func strPtr(s string) *string { return &s }
