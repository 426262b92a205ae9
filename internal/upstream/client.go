// SPDX-License-Identifier: MIT

// Package upstream talks to media-automation instances over their REST APIs.
// Three dialects share one HTTP core; every call returns a classified error.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/resilience"
	"github.com/sweeparr/sweeparr/internal/store"
)

const (
	// maxErrBody caps the response body captured for error reporting.
	maxErrBody = 8 * 1024

	// maxDrainBytes caps the drain before closing a body so connections can
	// be reused without stalling on unbounded payloads.
	maxDrainBytes = 4096

	defaultTimeout = 60 * time.Second
)

// RemoteSeason is the per-season subset of a series listing.
type RemoteSeason struct {
	SeasonNumber int  `json:"seasonNumber"`
	Monitored    bool `json:"monitored"`
}

// RemoteSeries is one series row as reported by a TV dialect.
type RemoteSeries struct {
	ID        int64          `json:"id"`
	Title     string         `json:"title"`
	Monitored bool           `json:"monitored"`
	Seasons   []RemoteSeason `json:"seasons"`
}

// remoteQuality is the nested quality descriptor the dialects share.
type remoteQuality struct {
	Quality struct {
		Name string `json:"name"`
	} `json:"quality"`
}

// RemoteEpisode is one episode row as reported by a TV dialect.
type RemoteEpisode struct {
	ID                  int64 `json:"id"`
	SeriesID            int64 `json:"seriesId"`
	SeasonNumber        int   `json:"seasonNumber"`
	Title               string `json:"title"`
	Monitored           bool  `json:"monitored"`
	HasFile             bool  `json:"hasFile"`
	QualityCutoffNotMet bool  `json:"qualityCutoffNotMet"`
	Quality             string `json:"-"`

	EpisodeFile *remoteQuality `json:"episodeFile"`
}

// RemoteMovie is one movie row as reported by the movie dialect.
type RemoteMovie struct {
	ID                  int64 `json:"id"`
	Title               string `json:"title"`
	Monitored           bool  `json:"monitored"`
	HasFile             bool  `json:"hasFile"`
	QualityCutoffNotMet bool  `json:"qualityCutoffNotMet"`
	Quality             string `json:"-"`

	MovieFile *remoteQuality `json:"movieFile"`
}

// Client is the dialect-neutral contract the sync engine and dispatcher use.
type Client interface {
	Dialect() store.Dialect
	ListSeries(ctx context.Context) ([]RemoteSeries, error)
	ListEpisodes(ctx context.Context, seriesID int64) ([]RemoteEpisode, error)
	ListMovies(ctx context.Context) ([]RemoteMovie, error)
	SearchEpisode(ctx context.Context, episodeID int64) (int64, error)
	SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (int64, error)
	SearchMovie(ctx context.Context, movieID int64) (int64, error)
	Health(ctx context.Context) error
}

// Options tunes the shared HTTP core.
type Options struct {
	Timeout time.Duration

	// Pacing toward the upstream instance; zero disables the limiter.
	RequestsPerSecond rate.Limit
	Burst             int

	// EnableBreaker trips the client open after sustained server/transport
	// failures so a struggling upstream is not hammered.
	EnableBreaker bool
}

// httpCore is the hardened transport shared by every dialect.
type httpCore struct {
	dialect store.Dialect
	base    string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
	limiter *rate.Limiter
	cb      *resilience.CircuitBreaker
}

func newCore(dialect store.Dialect, baseURL, apiKey string, opts Options) *httpCore {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxConnsPerHost:       10,
		MaxIdleConnsPerHost:   2,
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RequestsPerSecond, burst)
	}

	var cb *resilience.CircuitBreaker
	if opts.EnableBreaker {
		cb = resilience.NewCircuitBreaker("upstream:"+trimmed, 5, 8, time.Minute, 30*time.Second)
	}

	return &httpCore{
		dialect: dialect,
		base:    trimmed,
		apiKey:  apiKey,
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		log:     log.WithComponent("upstream").With().Str("dialect", string(dialect)).Logger(),
		limiter: limiter,
		cb:      cb,
	}
}

// doJSON performs one classified request. Retrying is the caller's concern;
// this layer only paces, classifies, and decodes.
func (c *httpCore) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.cb != nil && !c.cb.AllowRequest() {
		metrics.RecordUpstreamFailure(string(c.dialect), op, string(KindTransport))
		return &Error{Kind: KindTransport, Op: op, Err: resilience.ErrCircuitOpen}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTransport, Op: op, Err: err}
		}
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: err}
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Err: err}
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		metrics.UpstreamRequestDuration.WithLabelValues(string(c.dialect), op, "error").
			Observe(time.Since(start).Seconds())
		metrics.RecordUpstreamFailure(string(c.dialect), op, string(kind))
		c.recordBreaker(kind)
		return &Error{Kind: kind, Op: op, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	metrics.UpstreamRequestDuration.WithLabelValues(string(c.dialect), op, fmt.Sprintf("%d", resp.StatusCode)).
		Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := classifyStatus(resp.StatusCode)
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		metrics.RecordUpstreamFailure(string(c.dialect), op, string(kind))
		c.recordBreaker(kind)
		c.log.Debug().
			Str("operation", op).
			Int("status", resp.StatusCode).
			Str("error_class", string(kind)).
			Msg("upstream request failed")
		return &Error{Kind: kind, Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			metrics.RecordUpstreamFailure(string(c.dialect), op, string(KindServer))
			c.recordBreaker(KindServer)
			return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Err: err}
		}
	}
	if c.cb != nil {
		c.cb.RecordSuccess()
	}
	return nil
}

// recordBreaker feeds only upstream-health failures into the breaker; auth
// and validation rejections say nothing about the instance being down.
func (c *httpCore) recordBreaker(kind Kind) {
	if c.cb == nil {
		return
	}
	switch kind {
	case KindServer, KindTransport, KindRateLimited:
		c.cb.RecordFailure()
	default:
		c.cb.RecordSuccess()
	}
}

// commandResponse is the accepted-command acknowledgement the dialects share.
type commandResponse struct {
	ID int64 `json:"id"`
}
