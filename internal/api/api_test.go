// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/discovery"
	"github.com/sweeparr/sweeparr/internal/dispatch"
	"github.com/sweeparr/sweeparr/internal/outcome"
	"github.com/sweeparr/sweeparr/internal/search"
	"github.com/sweeparr/sweeparr/internal/store"
	syncengine "github.com/sweeparr/sweeparr/internal/sync"
	"github.com/sweeparr/sweeparr/internal/throttle"
	"github.com/sweeparr/sweeparr/internal/upstream"
	"github.com/sweeparr/sweeparr/internal/vault"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fixture struct {
	server *Server
	store  *store.Store
	mock   *upstream.MockServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.New(testKey)
	require.NoError(t, err)
	require.NoError(t, v.EnsureVerifier(dataDir))

	mock := upstream.NewMockServer("api-key")
	t.Cleanup(mock.Close)

	cs := connector.NewService(st, v, func(dialect store.Dialect, baseURL, apiKey string) (upstream.Client, error) {
		return upstream.New(dialect, baseURL, apiKey, upstream.Options{})
	})
	th := throttle.New(st)
	sched := dispatch.NewScheduler(st, cs,
		syncengine.NewEngine(st, cs),
		discovery.NewEngine(st),
		outcome.NewReconciler(st),
		th, dispatch.DefaultSchedulerConfig())

	server := NewServer(Config{
		ListenAddr: ":0", Version: "test", DataDir: dataDir, RateLimitRPM: 10000,
	}, st, cs, search.NewService(st), sched, v)

	return &fixture{server: server, store: st, mock: mock}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (f *fixture) createConnector(t *testing.T, name string) connectorDTO {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/connectors", map[string]any{
		"dialect": "movie-radarr",
		"name":    name,
		"baseUrl": f.mock.URL() + "/",
		"apiKey":  "api-key",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[connectorDTO](t, rec)
}

func TestConnectorCRUD(t *testing.T) {
	f := newFixture(t)

	created := f.createConnector(t, "movies")
	assert.Equal(t, f.mock.URL(), created.BaseURL, "trailing slash is stripped")
	assert.Equal(t, "unknown", created.Health)
	assert.True(t, created.Enabled)

	// Duplicate names conflict.
	rec := f.do(t, http.MethodPost, "/api/connectors", map[string]any{
		"dialect": "tv-sonarr", "name": "movies", "baseUrl": "http://x.lan", "apiKey": "k",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// List and get.
	rec = f.do(t, http.MethodGet, "/api/connectors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]connectorDTO](t, rec)
	require.Len(t, list, 1)

	rec = f.do(t, http.MethodGet, "/api/connectors/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Update renames and pauses.
	rec = f.do(t, http.MethodPut, "/api/connectors/1", map[string]any{
		"name": "movies-4k", "queuePaused": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[connectorDTO](t, rec)
	assert.Equal(t, "movies-4k", updated.Name)
	assert.True(t, updated.QueuePaused)

	// Delete.
	rec = f.do(t, http.MethodDelete, "/api/connectors/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/connectors/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectorTestEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/connectors/test", map[string]any{
		"dialect": "movie-radarr", "baseUrl": f.mock.URL(), "apiKey": "api-key",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, true, res["reachable"])

	rec = f.do(t, http.MethodPost, "/api/connectors/test", map[string]any{
		"dialect": "movie-radarr", "baseUrl": f.mock.URL(), "apiKey": "wrong",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[map[string]any](t, rec)
	assert.Equal(t, false, res["reachable"])
	assert.Equal(t, "auth", res["errorClass"])
}

func TestProfileValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/profiles", map[string]any{
		"name": "bad", "requestsPerMinute": 600, "batchSize": 10,
		"batchCooldownSeconds": 60, "rateLimitPauseSeconds": 300,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/profiles", map[string]any{
		"name": "good", "requestsPerMinute": 30, "batchSize": 10,
		"batchCooldownSeconds": 60, "rateLimitPauseSeconds": 300, "isDefault": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[profileDTO](t, rec)
	assert.True(t, p.IsDefault)

	rec = f.do(t, http.MethodGet, "/api/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]profileDTO](t, rec), 1)
}

func TestRegistryListingAndBulkOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, "movies")

	for i := int64(1); i <= 3; i++ {
		_, _, err := f.store.UpsertMovie(ctx, store.Movie{ConnectorID: c.ID, UpstreamID: i, Monitored: true})
		require.NoError(t, err)
	}
	_, err := f.store.InsertGapEntries(ctx, c.ID, store.KindMovie, 1000)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/connectors/1/registry?state=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]registryDTO](t, rec)
	require.Len(t, entries, 3)

	rec = f.do(t, http.MethodPost, "/api/registry/bulk/priority", map[string]any{
		"ids": []int64{entries[0].ID, entries[1].ID}, "priority": 80,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]int](t, rec)
	assert.Equal(t, 2, res["affected"])
	assert.Zero(t, res["skipped"])

	rec = f.do(t, http.MethodPost, "/api/registry/bulk/exhaust", map[string]any{
		"ids": []int64{entries[2].ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/connectors/1/registry/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[map[string]int](t, rec)
	assert.Equal(t, 2, counts["pending"])
	assert.Equal(t, 1, counts["exhausted"])

	// Out-of-range priority is rejected.
	rec = f.do(t, http.MethodPost, "/api/registry/bulk/priority", map[string]any{
		"ids": []int64{entries[0].ID}, "priority": 101,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Clear-failed resets the exhausted entry.
	rec = f.do(t, http.MethodPost, "/api/connectors/1/searches/clear-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[map[string]int](t, rec)
	assert.Equal(t, 1, res["affected"])
}

func TestContentListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, "movies")

	_, _, err := f.store.UpsertMovie(ctx, store.Movie{ConnectorID: c.ID, UpstreamID: 1, Title: "Alpha", Monitored: true})
	require.NoError(t, err)
	_, _, err = f.store.UpsertMovie(ctx, store.Movie{ConnectorID: c.ID, UpstreamID: 2, Title: "Beta", Monitored: true, HasFile: true})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/connectors/1/content?hasFile=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	content := decode[[]contentDTO](t, rec)
	require.Len(t, content, 1)
	assert.Equal(t, "Alpha", content[0].Title)

	rec = f.do(t, http.MethodGet, "/api/connectors/1/content?title=Bet", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	content = decode[[]contentDTO](t, rec)
	require.Len(t, content, 1)
	assert.Equal(t, "Beta", content[0].Title)
}

func TestPauseResumeAndQueueClear(t *testing.T) {
	f := newFixture(t)
	f.createConnector(t, "movies")

	rec := f.do(t, http.MethodPost, "/api/connectors/1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[connectorDTO](t, rec).QueuePaused)

	rec = f.do(t, http.MethodPost, "/api/connectors/1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[connectorDTO](t, rec).QueuePaused)

	rec = f.do(t, http.MethodPost, "/api/connectors/1/queue/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[map[string]int](t, rec)["cleared"])
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)
	f.createConnector(t, "movies")

	rec := f.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, "test", status["version"])
	assert.EqualValues(t, 1, status["connectors"])
	assert.Equal(t, true, status["vaultKeyVerified"])
}

func TestHistoryListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createConnector(t, "movies")

	require.NoError(t, f.store.AppendHistory(ctx, store.HistoryRow{
		ConnectorID: c.ID, ContentKind: store.KindMovie, ContentID: 1,
		SearchType: store.SearchGap, Outcome: store.OutcomeSuccess, Attempt: 1,
	}))
	require.NoError(t, f.store.AppendHistory(ctx, store.HistoryRow{
		ConnectorID: c.ID, ContentKind: store.KindMovie, ContentID: 2,
		SearchType: store.SearchGap, Outcome: store.OutcomeNotFound, Attempt: 2,
	}))

	rec := f.do(t, http.MethodGet, "/api/history?outcome=success", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]historyDTO](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "success", rows[0].Outcome)
}

func TestRunSyncAccepted(t *testing.T) {
	f := newFixture(t)
	f.mock.Movies = []upstream.RemoteMovie{{ID: 1, Title: "A", Monitored: true}}
	f.createConnector(t, "movies")

	rec := f.do(t, http.MethodGet, "/api/connectors/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/connectors/1/sync", runSyncRequest{Mode: "incremental"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The sweep runs detached; the mirror fills in shortly after.
	require.Eventually(t, func() bool {
		movies, err := f.store.ListMovies(context.Background(), store.ContentFilter{ConnectorID: 1})
		return err == nil && len(movies) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
