// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/throttle"
	"github.com/sweeparr/sweeparr/internal/upstream"
	"github.com/sweeparr/sweeparr/internal/vault"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeClient scripts upstream command behaviour for dispatcher tests.
type fakeClient struct {
	dialect store.Dialect

	searchErr     error
	nextCommandID int64

	episodeSearches []int64
	seasonSearches  []int
	movieSearches   []int64
}

func (f *fakeClient) Dialect() store.Dialect { return f.dialect }

func (f *fakeClient) ListSeries(context.Context) ([]upstream.RemoteSeries, error) {
	return nil, nil
}

func (f *fakeClient) ListEpisodes(context.Context, int64) ([]upstream.RemoteEpisode, error) {
	return nil, nil
}

func (f *fakeClient) ListMovies(context.Context) ([]upstream.RemoteMovie, error) {
	return nil, nil
}

func (f *fakeClient) SearchEpisode(_ context.Context, id int64) (int64, error) {
	if f.searchErr != nil {
		return 0, f.searchErr
	}
	f.episodeSearches = append(f.episodeSearches, id)
	f.nextCommandID++
	return f.nextCommandID, nil
}

func (f *fakeClient) SearchSeason(_ context.Context, _ int64, seasonNumber int) (int64, error) {
	if f.searchErr != nil {
		return 0, f.searchErr
	}
	f.seasonSearches = append(f.seasonSearches, seasonNumber)
	f.nextCommandID++
	return f.nextCommandID, nil
}

func (f *fakeClient) SearchMovie(_ context.Context, id int64) (int64, error) {
	if f.searchErr != nil {
		return 0, f.searchErr
	}
	f.movieSearches = append(f.movieSearches, id)
	f.nextCommandID++
	return f.nextCommandID, nil
}

func (f *fakeClient) Health(context.Context) error { return nil }

type fixture struct {
	store      *store.Store
	connectors *connector.Service
	throttler  *throttle.Throttler
	client     *fakeClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.New(testKey)
	require.NoError(t, err)

	client := &fakeClient{nextCommandID: 100}
	cs := connector.NewService(st, v, func(dialect store.Dialect, _, _ string) (upstream.Client, error) {
		client.dialect = dialect
		return client, nil
	})

	return &fixture{store: st, connectors: cs, throttler: throttle.New(st), client: client}
}

func (f *fixture) createConnector(t *testing.T, dialect store.Dialect, profileID *int64) store.Connector {
	t.Helper()
	c, err := f.connectors.Create(context.Background(), connector.CreateInput{
		Dialect: dialect, Name: "conn", BaseURL: "https://u.lan", APIKey: "k", Enabled: true,
	})
	require.NoError(t, err)
	if profileID != nil {
		c, err = f.connectors.Update(context.Background(), c.ID, connector.UpdateInput{ProfileID: profileID})
		require.NoError(t, err)
	}
	return c
}

func (f *fixture) seedMovieGaps(t *testing.T, c store.Connector, n int64) {
	t.Helper()
	ctx := context.Background()
	for i := int64(1); i <= n; i++ {
		_, _, err := f.store.UpsertMovie(ctx, store.Movie{ConnectorID: c.ID, UpstreamID: i, Monitored: true})
		require.NoError(t, err)
	}
	created, err := f.store.InsertGapEntries(ctx, c.ID, store.KindMovie, 1000)
	require.NoError(t, err)
	require.EqualValues(t, n, created)
}

func TestThrottleCapsDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	profile, err := f.store.CreateThrottleProfile(ctx, store.ThrottleProfile{
		Name: "rpm5", RequestsPerMinute: 5, BatchSize: 50,
		BatchCooldownSeconds: 60, RateLimitPauseSeconds: 300,
	})
	require.NoError(t, err)
	c := f.createConnector(t, store.DialectRadarr, &profile.ID)
	f.seedMovieGaps(t, c, 10)

	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	for i := 0; i < 10; i++ {
		_, err := d.iterate(ctx)
		require.NoError(t, err)
	}

	counts, err := f.store.CountRegistryByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[store.StateSearching], "exactly rpm dispatches go out")
	assert.Equal(t, 5, counts[store.StatePending])
	assert.Len(t, f.client.movieSearches, 5)

	// The held-back entries are scheduled at or after the minute boundary.
	boundary := time.Now().Truncate(time.Minute).Add(time.Minute)
	entries, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID, State: store.StatePending})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		var scheduled int64
		require.NoError(t, f.store.DB().QueryRowContext(ctx,
			`SELECT scheduled_at FROM request_queue WHERE registry_id = ?`, e.ID).Scan(&scheduled))
		assert.GreaterOrEqual(t, scheduled, boundary.Unix(), "entry %d", e.ID)
	}

	// Nothing further dispatches inside the same minute.
	_, err = d.iterate(ctx)
	require.NoError(t, err)
	counts, err = f.store.CountRegistryByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[store.StateSearching])
	_ = boundary
}

func TestDispatchCreatesPendingCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)
	f.seedMovieGaps(t, c, 1)

	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	_, err := d.iterate(ctx)
	require.NoError(t, err)

	entries, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.StateSearching, entries[0].State)
	assert.NotNil(t, entries[0].LastSearchedAt)

	cmd, err := f.store.OldestOpenCommand(ctx, c.ID, store.KindMovie, entries[0].ContentID)
	require.NoError(t, err)
	assert.Positive(t, cmd.CommandID)
	require.NotNil(t, cmd.RegistryID)
	assert.Equal(t, entries[0].ID, *cmd.RegistryID)
}

func TestRetryableRejectionCoolsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)
	f.seedMovieGaps(t, c, 1)
	f.client.searchErr = &upstream.Error{Kind: upstream.KindServer, Op: "search_movie", Status: 503}

	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	_, err := d.iterate(ctx)
	require.NoError(t, err)

	entries, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.StateCooldown, entries[0].State)
	assert.Equal(t, 1, entries[0].AttemptCount)
	require.NotNil(t, entries[0].NextEligibleAt)
	assert.True(t, entries[0].NextEligibleAt.After(time.Now()))
}

func TestNonRetryableRejectionExhausts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)
	f.seedMovieGaps(t, c, 1)
	f.client.searchErr = &upstream.Error{Kind: upstream.KindValidation, Op: "search_movie", Status: 400}

	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	_, err := d.iterate(ctx)
	require.NoError(t, err)

	entries, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.StateExhausted, entries[0].State)
	assert.Nil(t, entries[0].NextEligibleAt)

	history, err := f.store.ListHistory(ctx, store.HistoryFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.OutcomeFailed, history[0].Outcome)
}

func TestRateLimitedRejectionEngagesPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)
	f.seedMovieGaps(t, c, 2)
	f.client.searchErr = &upstream.Error{Kind: upstream.KindRateLimited, Op: "search_movie", Status: 429}

	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	_, err := d.iterate(ctx)
	require.NoError(t, err)

	cooled, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID, State: store.StateCooldown})
	require.NoError(t, err)
	require.Len(t, cooled, 1)

	// The pause holds the second entry back without dispatching.
	f.client.searchErr = nil
	_, err = d.iterate(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.client.movieSearches)

	counts, err := f.store.CountRegistryByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, counts[store.StateSearching])
}

func TestSeasonPackFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectSonarr, nil)

	sr, err := f.store.UpsertSeries(ctx, store.Series{ConnectorID: c.ID, UpstreamID: 1, Monitored: true})
	require.NoError(t, err)
	sn, err := f.store.UpsertSeason(ctx, store.Season{ConnectorID: c.ID, SeriesID: sr.ID, SeasonNumber: 2, Monitored: true})
	require.NoError(t, err)
	for i := int64(1); i <= 2; i++ {
		_, _, err := f.store.UpsertEpisode(ctx, store.Episode{
			ConnectorID: c.ID, SeriesID: sr.ID, SeasonID: sn.ID, UpstreamID: i, Monitored: true,
		})
		require.NoError(t, err)
	}
	_, err = f.store.InsertGapEntries(ctx, c.ID, store.KindEpisode, 1000)
	require.NoError(t, err)

	// A whole monitored season missing prefers the season-pack search.
	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	_, err = d.iterate(ctx)
	require.NoError(t, err)
	require.Len(t, f.client.seasonSearches, 1)
	assert.Equal(t, 2, f.client.seasonSearches[0])
	assert.Empty(t, f.client.episodeSearches)

	// Fail the next pack attempt; the entry falls back to per-episode search.
	entries, err := f.store.ListRegistry(ctx, store.RegistryFilter{ConnectorID: c.ID, State: store.StatePending})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f.client.searchErr = &upstream.Error{Kind: upstream.KindNotFound, Op: "search_season", Status: 404}
	_, err = d.iterate(ctx)
	require.NoError(t, err)
	f.client.searchErr = nil

	failed, err := f.store.GetRegistryEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.True(t, failed.SeasonPackFailed)
	assert.Equal(t, store.StateCooldown, failed.State)

	// Once re-queued the same entry dispatches as a plain episode search.
	requeued, err := f.store.BulkQueue(ctx, []int64{failed.ID})
	require.NoError(t, err)
	require.Equal(t, 1, requeued.Affected)

	_, err = d.iterate(ctx)
	require.NoError(t, err)
	assert.Len(t, f.client.episodeSearches, 1)
}

func TestDispatchDeletesEntryForVanishedContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, store.DialectRadarr, nil)
	f.seedMovieGaps(t, c, 1)

	movies, err := f.store.ListMovies(ctx, store.ContentFilter{ConnectorID: c.ID})
	require.NoError(t, err)
	_, err = f.store.DeleteContentByIDs(ctx, "movies", []int64{movies[0].ID})
	require.NoError(t, err)

	d := NewDispatcher(f.store, f.connectors, f.throttler, c.ID)
	_, err = d.iterate(ctx)
	require.NoError(t, err)

	counts, err := f.store.CountRegistryByState(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, counts, "orphaned registry entry is deleted, not dispatched")
}
