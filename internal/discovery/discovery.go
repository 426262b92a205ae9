// SPDX-License-Identifier: MIT

// Package discovery derives search candidates from the content mirror and
// maintains the search registry idempotently: resolved entries are reaped,
// missing ones are inserted with conflict-ignore.
package discovery

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
)

// Options tunes one discovery run.
type Options struct {
	BatchSize int // conflict-ignore insert batch size (default 1000)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	return o
}

// Result reports one discovery run.
type Result struct {
	ConnectorID int64
	SearchType  store.SearchType

	Created  int // registry rows inserted
	Skipped  int // candidates that already had a registry row
	Resolved int // registry rows reaped because the condition cleared
}

// Engine runs discovery sweeps.
type Engine struct {
	store *store.Store
	log   zerolog.Logger
}

// NewEngine builds a discovery engine.
func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st, log: log.WithComponent("discovery")}
}

func kindFor(d store.Dialect) store.ContentKind {
	if d.IsTV() {
		return store.KindEpisode
	}
	return store.KindMovie
}

// RunDiscoverGaps reaps resolved gap entries (content now has a file) and
// inserts pending gap entries for every monitored row without one.
func (e *Engine) RunDiscoverGaps(ctx context.Context, c store.Connector, opts Options) (Result, error) {
	opts = opts.withDefaults()
	kind := kindFor(c.Dialect)
	res := Result{ConnectorID: c.ID, SearchType: store.SearchGap}

	resolved, err := e.store.DeleteResolvedGapEntries(ctx, c.ID, kind)
	if err != nil {
		return res, err
	}
	res.Resolved = resolved

	candidates, err := e.store.CountGapCandidates(ctx, c.ID, kind)
	if err != nil {
		return res, err
	}

	created, err := e.store.InsertGapEntries(ctx, c.ID, kind, opts.BatchSize)
	if err != nil {
		return res, err
	}
	res.Created = created
	res.Skipped = candidates - created
	if res.Skipped < 0 {
		res.Skipped = 0
	}

	metrics.DiscoveryEntriesTotal.WithLabelValues(string(store.SearchGap)).Add(float64(created))
	metrics.DiscoveryResolvedTotal.WithLabelValues(string(store.SearchGap)).Add(float64(resolved))
	e.logResult(ctx, res)
	return res, nil
}

// RunDiscoverUpgrades is the upgrade analogue of RunDiscoverGaps. The
// resolved sweep only reaps rows that have been searched at least once, so a
// fresh discovery is never removed before its first attempt.
func (e *Engine) RunDiscoverUpgrades(ctx context.Context, c store.Connector, opts Options) (Result, error) {
	opts = opts.withDefaults()
	kind := kindFor(c.Dialect)
	res := Result{ConnectorID: c.ID, SearchType: store.SearchUpgrade}

	resolved, err := e.store.DeleteResolvedUpgradeEntries(ctx, c.ID, kind)
	if err != nil {
		return res, err
	}
	res.Resolved = resolved

	candidates, err := e.store.CountUpgradeCandidates(ctx, c.ID, kind)
	if err != nil {
		return res, err
	}

	created, err := e.store.InsertUpgradeEntries(ctx, c.ID, kind, opts.BatchSize)
	if err != nil {
		return res, err
	}
	res.Created = created
	res.Skipped = candidates - created
	if res.Skipped < 0 {
		res.Skipped = 0
	}

	metrics.DiscoveryEntriesTotal.WithLabelValues(string(store.SearchUpgrade)).Add(float64(created))
	metrics.DiscoveryResolvedTotal.WithLabelValues(string(store.SearchUpgrade)).Add(float64(resolved))
	e.logResult(ctx, res)
	return res, nil
}

// Run performs both sweeps for one connector.
func (e *Engine) Run(ctx context.Context, c store.Connector, opts Options) (gaps Result, upgrades Result, err error) {
	gaps, err = e.RunDiscoverGaps(ctx, c, opts)
	if err != nil {
		return gaps, upgrades, err
	}
	upgrades, err = e.RunDiscoverUpgrades(ctx, c, opts)
	return gaps, upgrades, err
}

func (e *Engine) logResult(ctx context.Context, res Result) {
	logger := log.WithContext(ctx, e.log)
	logger.Info().
		Int64("connector_id", res.ConnectorID).
		Str("search_type", string(res.SearchType)).
		Int("created", res.Created).
		Int("skipped", res.Skipped).
		Int("resolved", res.Resolved).
		Msg("discovery sweep completed")
}
