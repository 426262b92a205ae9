// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeparr/sweeparr/internal/store"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{400, KindValidation},
		{422, KindValidation},
		{429, KindRateLimited},
		{500, KindServer},
		{503, KindServer},
		{418, KindValidation},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyStatus(tc.status), "status %d", tc.status)
	}
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTransport.Retryable())
	assert.True(t, KindServer.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindTLS.Retryable())
}

func TestErrorUnwrapsToSentinel(t *testing.T) {
	err := &Error{Kind: KindAuth, Op: "list_movies", Status: 401}
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, KindAuth, KindOf(err))

	wrapped := errors.Join(errors.New("outer"), err)
	assert.Equal(t, KindAuth, KindOf(wrapped))
}

func TestMovieClientListAndSearch(t *testing.T) {
	mock := NewMockServer("key-1")
	defer mock.Close()
	mock.Movies = []RemoteMovie{
		{ID: 10, Title: "A", Monitored: true, HasFile: false},
		{ID: 11, Title: "B", Monitored: true, HasFile: true,
			MovieFile: &remoteQuality{}},
	}
	mock.Movies[1].MovieFile.Quality.Name = "Bluray-1080p"

	c, err := New(store.DialectRadarr, mock.URL(), "key-1", Options{})
	require.NoError(t, err)

	movies, err := c.ListMovies(context.Background())
	require.NoError(t, err)
	require.Len(t, movies, 2)
	assert.Equal(t, "Bluray-1080p", movies[1].Quality)

	cmdID, err := c.SearchMovie(context.Background(), 10)
	require.NoError(t, err)
	assert.Positive(t, cmdID)

	cmds := mock.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "MoviesSearch", cmds[0]["name"])
}

func TestTVClientEpisodes(t *testing.T) {
	mock := NewMockServer("key-1")
	defer mock.Close()
	mock.Series = []RemoteSeries{{ID: 1, Title: "Show", Monitored: true,
		Seasons: []RemoteSeason{{SeasonNumber: 1, Monitored: true}}}}
	ep := RemoteEpisode{ID: 100, SeriesID: 1, SeasonNumber: 1, Monitored: true, HasFile: true,
		EpisodeFile: &remoteQuality{}}
	ep.EpisodeFile.Quality.Name = "WEBDL-720p"
	mock.Episodes[1] = []RemoteEpisode{ep}

	c, err := New(store.DialectSonarr, mock.URL(), "key-1", Options{})
	require.NoError(t, err)

	series, err := c.ListSeries(context.Background())
	require.NoError(t, err)
	require.Len(t, series, 1)

	eps, err := c.ListEpisodes(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "WEBDL-720p", eps[0].Quality)
}

func TestAuthFailureClassified(t *testing.T) {
	mock := NewMockServer("right-key")
	defer mock.Close()

	c, err := New(store.DialectRadarr, mock.URL(), "wrong-key", Options{})
	require.NoError(t, err)

	_, err = c.ListMovies(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(store.DialectRadarr, srv.URL, "k", Options{})
	require.NoError(t, err)

	_, err = c.ListMovies(context.Background())
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestTransportFailureClassified(t *testing.T) {
	c, err := New(store.DialectRadarr, "http://127.0.0.1:1", "k", Options{})
	require.NoError(t, err)

	_, err = c.ListMovies(context.Background())
	require.ErrorIs(t, err, ErrTransport)
}

func TestDialectMismatchRejected(t *testing.T) {
	c, err := New(store.DialectRadarr, "http://example.invalid", "k", Options{})
	require.NoError(t, err)

	_, err = c.ListSeries(context.Background())
	require.ErrorIs(t, err, ErrValidation)

	tv, err := New(store.DialectWhisparr, "http://example.invalid", "k", Options{})
	require.NoError(t, err)
	_, err = tv.ListMovies(context.Background())
	require.ErrorIs(t, err, ErrValidation)
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	core := newCore(store.DialectRadarr, "https://r.lan///", "k", Options{})
	assert.Equal(t, "https://r.lan", core.base)
}
