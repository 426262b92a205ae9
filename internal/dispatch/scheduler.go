// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"math/rand"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/discovery"
	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/outcome"
	"github.com/sweeparr/sweeparr/internal/store"
	syncengine "github.com/sweeparr/sweeparr/internal/sync"
	"github.com/sweeparr/sweeparr/internal/throttle"
)

// SchedulerConfig carries the sweep cadence and per-run options.
type SchedulerConfig struct {
	SyncInterval      time.Duration
	ReconcileInterval time.Duration
	CommandSweepEvery time.Duration
	HistoryPruneEvery time.Duration
	HistoryRetention  time.Duration

	SyncOptions      syncengine.Options
	SyncRetry        syncengine.RetryConfig
	DiscoveryOptions discovery.Options
}

// DefaultSchedulerConfig returns the production cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncInterval:      15 * time.Minute,
		ReconcileInterval: 24 * time.Hour,
		CommandSweepEvery: 10 * time.Minute,
		HistoryPruneEvery: 24 * time.Hour,
		HistoryRetention:  90 * 24 * time.Hour,
		SyncRetry:         syncengine.DefaultRetryConfig(),
	}
}

// Scheduler owns the per-connector dispatcher tasks and fires the
// time-triggered sweeps: incremental sync, reconcile, discovery, the
// pending-command timeout sweep, and history retention.
type Scheduler struct {
	store      *store.Store
	connectors *connector.Service
	syncer     *syncengine.Engine
	discoverer *discovery.Engine
	reconciler *outcome.Reconciler
	throttler  *throttle.Throttler
	cfg        SchedulerConfig
	log        zerolog.Logger

	mu      stdsync.Mutex
	runners map[int64]context.CancelFunc
	wg      stdsync.WaitGroup
}

// NewScheduler wires the scheduler over its collaborators.
func NewScheduler(st *store.Store, cs *connector.Service, se *syncengine.Engine,
	de *discovery.Engine, rec *outcome.Reconciler, th *throttle.Throttler, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      st,
		connectors: cs,
		syncer:     se,
		discoverer: de,
		reconciler: rec,
		throttler:  th,
		cfg:        cfg,
		log:        log.WithComponent("scheduler"),
		runners:    make(map[int64]context.CancelFunc),
	}
}

// Run blocks until ctx is cancelled, then drains every task.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("sync_interval", s.cfg.SyncInterval).
		Dur("reconcile_interval", s.cfg.ReconcileInterval).
		Msg("scheduler started")

	s.reconcileDispatchers(ctx)

	// A short jitter keeps connector sweeps from aligning across restarts.
	syncTicker := time.NewTicker(s.cfg.SyncInterval + jitter(s.cfg.SyncInterval/10))
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval + jitter(s.cfg.ReconcileInterval/20))
	commandTicker := time.NewTicker(s.cfg.CommandSweepEvery)
	pruneTicker := time.NewTicker(s.cfg.HistoryPruneEvery)
	dispatcherTicker := time.NewTicker(30 * time.Second)
	defer syncTicker.Stop()
	defer reconcileTicker.Stop()
	defer commandTicker.Stop()
	defer pruneTicker.Stop()
	defer dispatcherTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.log.Info().Msg("scheduler stopped")
			return
		case <-syncTicker.C:
			s.sweepAll(ctx, syncengine.ModeIncremental)
		case <-reconcileTicker.C:
			s.sweepAll(ctx, syncengine.ModeReconcile)
		case <-commandTicker.C:
			if _, err := s.reconciler.SweepExpired(ctx, time.Now()); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("command timeout sweep failed")
			}
		case <-pruneTicker.C:
			if _, err := s.reconciler.PruneHistory(ctx, s.cfg.HistoryRetention, time.Now()); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("history prune failed")
			}
		case <-dispatcherTicker.C:
			s.reconcileDispatchers(ctx)
		}
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// sweepAll runs one sync mode over every enabled connector sequentially;
// per-connector pacing lives in the sync engine and the upstream client.
func (s *Scheduler) sweepAll(ctx context.Context, mode syncengine.Mode) {
	connectors, err := s.connectors.ListEnabled(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list connectors for sweep")
		return
	}
	for _, c := range connectors {
		if ctx.Err() != nil {
			return
		}
		s.SweepConnector(ctx, c, mode)
	}
}

// SweepConnector runs one full sweep for one connector: sync with retry,
// then outcome reconciliation of observed acquisitions, then discovery.
// It is also the entry point for the operator's "run sync now".
func (s *Scheduler) SweepConnector(ctx context.Context, c store.Connector, mode syncengine.Mode) syncengine.Result {
	ctx = log.ContextWithJobID(ctx, uuid.New().String())
	ctx = log.ContextWithConnectorID(ctx, c.ID)
	logger := log.WithContext(ctx, s.log)

	res := s.syncer.RunWithRetry(ctx, c, mode, s.cfg.SyncOptions, s.cfg.SyncRetry)
	if res.Err != nil {
		return res
	}

	if len(res.AcquiredItems) > 0 {
		if _, err := s.reconciler.ReconcileAcquired(ctx, c.ID, res.AcquiredItems); err != nil {
			logger.Error().Err(err).Msg("outcome reconciliation failed")
		}
	}

	if _, _, err := s.discoverer.Run(ctx, c, s.cfg.DiscoveryOptions); err != nil {
		logger.Error().Err(err).Msg("discovery failed")
	}

	logger.Info().
		Str("mode", string(mode)).
		Int("series", res.SeriesSynced).
		Int("episodes", res.EpisodesSynced).
		Int("movies", res.MoviesSynced).
		Int("deleted", res.Deleted).
		Int("acquired", len(res.AcquiredItems)).
		Int64("duration_ms", res.DurationMS).
		Msg("sweep completed")
	return res
}

// reconcileDispatchers starts a dispatcher task per enabled connector and
// stops tasks whose connector was disabled or deleted.
func (s *Scheduler) reconcileDispatchers(ctx context.Context) {
	connectors, err := s.connectors.ListEnabled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("failed to list connectors for dispatchers")
		}
		return
	}

	want := make(map[int64]struct{}, len(connectors))
	for _, c := range connectors {
		want[c.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cancel := range s.runners {
		if _, ok := want[id]; !ok {
			cancel()
			delete(s.runners, id)
		}
	}
	for _, c := range connectors {
		if _, ok := s.runners[c.ID]; ok {
			continue
		}
		runCtx, cancel := context.WithCancel(ctx)
		s.runners[c.ID] = cancel
		d := NewDispatcher(s.store, s.connectors, s.throttler, c.ID)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			d.Run(runCtx)
		}()
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.runners {
		cancel()
		delete(s.runners, id)
	}
}

// ActiveDispatchers reports how many dispatcher tasks are running.
func (s *Scheduler) ActiveDispatchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}
