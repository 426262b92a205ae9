// SPDX-License-Identifier: MIT

package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/upstream"
	"github.com/sweeparr/sweeparr/internal/vault"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fixture struct {
	store      *store.Store
	connectors *connector.Service
	engine     *Engine
	mock       *upstream.MockServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.New(testKey)
	require.NoError(t, err)

	mock := upstream.NewMockServer("api-key")
	t.Cleanup(mock.Close)

	cs := connector.NewService(st, v, func(dialect store.Dialect, baseURL, apiKey string) (upstream.Client, error) {
		return upstream.New(dialect, baseURL, apiKey, upstream.Options{})
	})

	return &fixture{
		store:      st,
		connectors: cs,
		engine:     NewEngine(st, cs),
		mock:       mock,
	}
}

func (f *fixture) createConnector(t *testing.T, dialect store.Dialect) store.Connector {
	t.Helper()
	c, err := f.connectors.Create(context.Background(), connector.CreateInput{
		Dialect: dialect,
		Name:    "conn-" + string(dialect),
		BaseURL: f.mock.URL(),
		APIKey:  "api-key",
		Enabled: true,
	})
	require.NoError(t, err)
	return c
}

func TestIncrementalMovieSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.Movies = []upstream.RemoteMovie{
		{ID: 1, Title: "A", Monitored: true, HasFile: false},
		{ID: 2, Title: "B", Monitored: true, HasFile: true},
	}
	c := f.createConnector(t, store.DialectRadarr)

	res, err := f.engine.RunIncremental(ctx, c, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MoviesSynced)
	assert.Empty(t, res.AcquiredItems, "first observation is not a transition")

	movies, err := f.store.ListMovies(ctx, store.ContentFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, movies, 2)
}

func TestIncrementalReportsAcquisitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.Movies = []upstream.RemoteMovie{{ID: 1, Title: "A", Monitored: true, HasFile: false}}
	c := f.createConnector(t, store.DialectRadarr)

	_, err := f.engine.RunIncremental(ctx, c, Options{})
	require.NoError(t, err)

	f.mock.SetMovieHasFile(1, true)
	res, err := f.engine.RunIncremental(ctx, c, Options{})
	require.NoError(t, err)
	require.Len(t, res.AcquiredItems, 1)
	assert.Equal(t, store.KindMovie, res.AcquiredItems[0].Kind)

	movies, err := f.store.ListMovies(ctx, store.ContentFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, movies, 1)
	assert.NotNil(t, movies[0].FirstDownloadedAt)
}

func TestIncrementalNeverDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.Movies = []upstream.RemoteMovie{
		{ID: 1, Title: "A", Monitored: true},
		{ID: 2, Title: "B", Monitored: true},
	}
	c := f.createConnector(t, store.DialectRadarr)

	_, err := f.engine.RunIncremental(ctx, c, Options{})
	require.NoError(t, err)

	f.mock.RemoveMovie(2)
	res, err := f.engine.RunIncremental(ctx, c, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)

	movies, err := f.store.ListMovies(ctx, store.ContentFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	assert.Len(t, movies, 2, "incremental sync never deletes")
}

func TestReconcileDeletesAndCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.Movies = []upstream.RemoteMovie{
		{ID: 1, Title: "A", Monitored: true},
		{ID: 2, Title: "B", Monitored: true},
	}
	c := f.createConnector(t, store.DialectRadarr)

	_, err := f.engine.RunIncremental(ctx, c, Options{})
	require.NoError(t, err)

	// Both movies become gap entries.
	created, err := f.store.InsertGapEntries(ctx, c.ID, store.KindMovie, 100)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	f.mock.RemoveMovie(2)
	res, err := f.engine.RunReconcile(ctx, c, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	movies, err := f.store.ListMovies(ctx, store.ContentFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, movies, 1)
	assert.EqualValues(t, 1, movies[0].UpstreamID)

	// The vanished movie's registry row is cleaned up explicitly.
	entries, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, movies[0].ID, entries[0].ContentID)
}

func TestTVSyncBuildsHierarchy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.Series = []upstream.RemoteSeries{
		{ID: 1, Title: "Show", Monitored: true,
			Seasons: []upstream.RemoteSeason{{SeasonNumber: 1, Monitored: true}}},
	}
	f.mock.Episodes[1] = []upstream.RemoteEpisode{
		{ID: 100, SeriesID: 1, SeasonNumber: 1, Title: "E1", Monitored: true, HasFile: false},
		{ID: 101, SeriesID: 1, SeasonNumber: 1, Title: "E2", Monitored: true, HasFile: true},
	}
	c := f.createConnector(t, store.DialectSonarr)

	res, err := f.engine.RunIncremental(ctx, c, Options{Concurrency: 2, RequestDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SeriesSynced)
	assert.Equal(t, 2, res.EpisodesSynced)

	episodes, err := f.store.ListEpisodes(ctx, store.ContentFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, episodes, 2)

	got := map[int64]bool{}
	for _, e := range episodes {
		got[e.UpstreamID] = e.HasFile
	}
	want := map[int64]bool{100: false, 101: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("episode hasFile mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryWrapperShortCircuitsOnAuth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr)

	f.mock.ForceStatus = 401

	start := time.Now()
	res := f.engine.RunWithRetry(ctx, c, ModeIncremental, Options{},
		RetryConfig{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Second})
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts, "auth failures must not be retried")
	assert.Less(t, time.Since(start), time.Second, "no backoff waits expected")
	assert.Equal(t, store.HealthUnhealthy, res.Health)

	got, err := f.connectors.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.HealthUnhealthy, got.Health)
}

func TestRetryWrapperRetriesServerErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr)

	f.mock.ForceStatus = 503

	res := f.engine.RunWithRetry(ctx, c, ModeIncremental, Options{},
		RetryConfig{MaxRetries: 2, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	require.Error(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, store.HealthDegraded, res.Health)
}

func TestRetryWrapperSuccessRecordsSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.Movies = []upstream.RemoteMovie{{ID: 1, Title: "A", Monitored: true}}
	c := f.createConnector(t, store.DialectRadarr)

	res := f.engine.RunWithRetry(ctx, c, ModeIncremental, Options{}, DefaultRetryConfig())
	require.NoError(t, res.Err)
	assert.Equal(t, store.HealthHealthy, res.Health)

	got, err := f.connectors.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, got.Health)
	assert.NotNil(t, got.LastSyncAt)
}

func TestBackoffProgression(t *testing.T) {
	rc := RetryConfig{BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute}
	assert.Equal(t, 30*time.Second, rc.backoff(1))
	assert.Equal(t, time.Minute, rc.backoff(2))
	assert.Equal(t, 2*time.Minute, rc.backoff(3))
	assert.Equal(t, 4*time.Minute, rc.backoff(4))
	assert.Equal(t, 5*time.Minute, rc.backoff(5))
	assert.Equal(t, 5*time.Minute, rc.backoff(10))
}
