// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/discovery"
	"github.com/sweeparr/sweeparr/internal/outcome"
	"github.com/sweeparr/sweeparr/internal/store"
	syncengine "github.com/sweeparr/sweeparr/internal/sync"
)

func newScheduler(f *fixture) *Scheduler {
	cfg := DefaultSchedulerConfig()
	cfg.SyncInterval = time.Hour
	cfg.ReconcileInterval = time.Hour
	cfg.CommandSweepEvery = time.Hour
	cfg.HistoryPruneEvery = time.Hour
	return NewScheduler(f.store, f.connectors,
		syncengine.NewEngine(f.store, f.connectors),
		discovery.NewEngine(f.store),
		outcome.NewReconciler(f.store),
		f.throttler, cfg)
}

func TestSchedulerStartsAndStopsDispatchers(t *testing.T) {
	// The sql pool keeps maintenance goroutines until the store closes in
	// the fixture cleanup, which runs after this check.
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
	)

	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)

	s := newScheduler(f)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return s.ActiveDispatchers() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Disabling the connector retires its dispatcher on the next reconcile.
	disabled := false
	_, err := f.connectors.Update(ctx, c.ID, connector.UpdateInput{Enabled: &disabled})
	require.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, s.ActiveDispatchers())
}

func TestSweepConnectorRunsDiscovery(t *testing.T) {
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)

	// The fake client lists no movies; the sweep must still succeed and
	// leave an empty registry.
	s := newScheduler(f)
	res := s.SweepConnector(context.Background(), c, syncengine.ModeIncremental)
	require.NoError(t, res.Err)
	assert.Equal(t, store.HealthHealthy, res.Health)

	counts, err := f.store.CountRegistryByState(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
