// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sweeparr/sweeparr/internal/store"
)

// tvClient implements the Sonarr-style v3 API, which the Whisparr dialect
// also speaks.
type tvClient struct {
	core *httpCore
}

// movieClient implements the Radarr v3 API.
type movieClient struct {
	core *httpCore
}

// New builds a dialect client for a connector's stored configuration.
func New(dialect store.Dialect, baseURL, apiKey string, opts Options) (Client, error) {
	switch dialect {
	case store.DialectSonarr, store.DialectWhisparr:
		return &tvClient{core: newCore(dialect, baseURL, apiKey, opts)}, nil
	case store.DialectRadarr:
		return &movieClient{core: newCore(dialect, baseURL, apiKey, opts)}, nil
	default:
		return nil, fmt.Errorf("upstream: unknown dialect %q", dialect)
	}
}

func (c *tvClient) Dialect() store.Dialect { return c.core.dialect }

func (c *tvClient) ListSeries(ctx context.Context) ([]RemoteSeries, error) {
	var out []RemoteSeries
	if err := c.core.doJSON(ctx, "list_series", "GET", "/api/v3/series", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *tvClient) ListEpisodes(ctx context.Context, seriesID int64) ([]RemoteEpisode, error) {
	q := url.Values{"seriesId": {fmt.Sprintf("%d", seriesID)}}
	var out []RemoteEpisode
	if err := c.core.doJSON(ctx, "list_episodes", "GET", "/api/v3/episode", q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].EpisodeFile != nil {
			out[i].Quality = out[i].EpisodeFile.Quality.Name
		}
	}
	return out, nil
}

func (c *tvClient) ListMovies(ctx context.Context) ([]RemoteMovie, error) {
	return nil, &Error{Kind: KindValidation, Op: "list_movies",
		Err: fmt.Errorf("dialect %s has no movie library", c.core.dialect)}
}

func (c *tvClient) SearchEpisode(ctx context.Context, episodeID int64) (int64, error) {
	var resp commandResponse
	body := map[string]any{"name": "EpisodeSearch", "episodeIds": []int64{episodeID}}
	if err := c.core.doJSON(ctx, "search_episode", "POST", "/api/v3/command", nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *tvClient) SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (int64, error) {
	var resp commandResponse
	body := map[string]any{"name": "SeasonSearch", "seriesId": seriesID, "seasonNumber": seasonNumber}
	if err := c.core.doJSON(ctx, "search_season", "POST", "/api/v3/command", nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *tvClient) SearchMovie(ctx context.Context, movieID int64) (int64, error) {
	return 0, &Error{Kind: KindValidation, Op: "search_movie",
		Err: fmt.Errorf("dialect %s has no movie library", c.core.dialect)}
}

func (c *tvClient) Health(ctx context.Context) error {
	return c.core.doJSON(ctx, "health", "GET", "/api/v3/health", nil, nil, nil)
}

func (c *movieClient) Dialect() store.Dialect { return c.core.dialect }

func (c *movieClient) ListSeries(ctx context.Context) ([]RemoteSeries, error) {
	return nil, &Error{Kind: KindValidation, Op: "list_series",
		Err: fmt.Errorf("dialect %s has no series library", c.core.dialect)}
}

func (c *movieClient) ListEpisodes(ctx context.Context, seriesID int64) ([]RemoteEpisode, error) {
	return nil, &Error{Kind: KindValidation, Op: "list_episodes",
		Err: fmt.Errorf("dialect %s has no series library", c.core.dialect)}
}

func (c *movieClient) ListMovies(ctx context.Context) ([]RemoteMovie, error) {
	var out []RemoteMovie
	if err := c.core.doJSON(ctx, "list_movies", "GET", "/api/v3/movie", nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].MovieFile != nil {
			out[i].Quality = out[i].MovieFile.Quality.Name
		}
	}
	return out, nil
}

func (c *movieClient) SearchEpisode(ctx context.Context, episodeID int64) (int64, error) {
	return 0, &Error{Kind: KindValidation, Op: "search_episode",
		Err: fmt.Errorf("dialect %s has no series library", c.core.dialect)}
}

func (c *movieClient) SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (int64, error) {
	return 0, &Error{Kind: KindValidation, Op: "search_season",
		Err: fmt.Errorf("dialect %s has no series library", c.core.dialect)}
}

func (c *movieClient) SearchMovie(ctx context.Context, movieID int64) (int64, error) {
	var resp commandResponse
	body := map[string]any{"name": "MoviesSearch", "movieIds": []int64{movieID}}
	if err := c.core.doJSON(ctx, "search_movie", "POST", "/api/v3/command", nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *movieClient) Health(ctx context.Context) error {
	return c.core.doJSON(ctx, "health", "GET", "/api/v3/health", nil, nil, nil)
}

// Factory builds clients for connectors; the registry and sync engine depend
// on this instead of the concrete constructor so tests can substitute fakes.
type Factory func(dialect store.Dialect, baseURL, apiKey string) (Client, error)

// DefaultFactory builds real HTTP clients with default pacing.
func DefaultFactory(dialect store.Dialect, baseURL, apiKey string) (Client, error) {
	return New(dialect, baseURL, apiKey, Options{RequestsPerSecond: 10, Burst: 10, EnableBreaker: true})
}
