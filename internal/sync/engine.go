// SPDX-License-Identifier: MIT

// Package sync pulls upstream library state into the local content mirror.
// Incremental runs only upsert; reconcile runs additionally delete mirror
// rows the upstream no longer reports, with explicit search-registry cleanup.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/upstream"
)

const (
	incrementalTimeout = 60 * time.Second
	reconcileTimeout   = 120 * time.Second
)

// Mode selects the sync behaviour.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeReconcile   Mode = "reconcile"
)

func (m Mode) callTimeout() time.Duration {
	if m == ModeReconcile {
		return reconcileTimeout
	}
	return incrementalTimeout
}

// Options tunes one sync run.
type Options struct {
	Concurrency  int           // parallel episode fetches (default 5)
	RequestDelay time.Duration // inter-start spacing for episode fetches (default 100ms)
	SkipRetry    bool          // run a single attempt regardless of engine retry config
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.RequestDelay <= 0 {
		o.RequestDelay = 100 * time.Millisecond
	}
	return o
}

// Acquired identifies a content row whose file appeared during this run; the
// outcome reconciler matches these against in-flight commands.
type Acquired struct {
	Kind      store.ContentKind
	ContentID int64
}

// Result is the terminal report of one sync invocation.
type Result struct {
	Mode        Mode
	ConnectorID int64

	SeriesSynced   int
	EpisodesSynced int
	MoviesSynced   int
	Deleted        int

	AcquiredItems []Acquired

	Attempts   int
	Health     store.Health
	DurationMS int64
	Err        error
}

// Engine runs syncs against one upstream at a time.
type Engine struct {
	store      *store.Store
	connectors *connector.Service
	log        zerolog.Logger
}

// NewEngine builds a sync engine.
func NewEngine(st *store.Store, cs *connector.Service) *Engine {
	return &Engine{
		store:      st,
		connectors: cs,
		log:        log.WithComponent("sync"),
	}
}

// RunIncremental upserts the upstream listing into the mirror. It never
// deletes.
func (e *Engine) RunIncremental(ctx context.Context, c store.Connector, opts Options) (Result, error) {
	return e.run(ctx, c, ModeIncremental, opts)
}

// RunReconcile upserts like incremental and additionally deletes mirror rows
// absent upstream, cascading by hand into the search registry.
func (e *Engine) RunReconcile(ctx context.Context, c store.Connector, opts Options) (Result, error) {
	return e.run(ctx, c, ModeReconcile, opts)
}

func (e *Engine) run(ctx context.Context, c store.Connector, mode Mode, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()
	res := Result{Mode: mode, ConnectorID: c.ID, Attempts: 1}

	client, err := e.connectors.NewClient(c)
	if err != nil {
		res.Err = err
		res.DurationMS = time.Since(start).Milliseconds()
		return res, err
	}

	if c.Dialect.IsTV() {
		err = e.syncTV(ctx, c, client, mode, opts, &res)
	} else {
		err = e.syncMovies(ctx, c, client, mode, &res)
	}

	res.DurationMS = time.Since(start).Milliseconds()
	res.Err = err
	result := "success"
	if err != nil {
		result = string(upstream.KindOf(err))
	}
	metrics.RecordSync(string(mode), result, time.Since(start).Seconds())
	return res, err
}

func (e *Engine) syncMovies(ctx context.Context, c store.Connector, client upstream.Client, mode Mode, res *Result) error {
	callCtx, cancel := context.WithTimeout(ctx, mode.callTimeout())
	movies, err := client.ListMovies(callCtx)
	cancel()
	if err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(movies))
	for _, m := range movies {
		seen[m.ID] = struct{}{}
		row, transition, err := e.store.UpsertMovie(ctx, store.Movie{
			ConnectorID:         c.ID,
			UpstreamID:          m.ID,
			Title:               m.Title,
			Monitored:           m.Monitored,
			HasFile:             m.HasFile,
			QualityCutoffNotMet: m.QualityCutoffNotMet,
			Quality:             m.Quality,
		})
		if err != nil {
			return err
		}
		res.MoviesSynced++
		if transition == store.FileAcquired {
			res.AcquiredItems = append(res.AcquiredItems, Acquired{Kind: store.KindMovie, ContentID: row.ID})
		}
	}

	if mode == ModeReconcile {
		return e.reconcileMovies(ctx, c, seen, res)
	}
	return nil
}

func (e *Engine) reconcileMovies(ctx context.Context, c store.Connector, seen map[int64]struct{}, res *Result) error {
	mirror, err := e.store.ListMovieUpstreamIDs(ctx, c.ID)
	if err != nil {
		return err
	}
	var doomed []int64
	for upstreamID, localID := range mirror {
		if _, ok := seen[upstreamID]; !ok {
			doomed = append(doomed, localID)
		}
	}
	if len(doomed) == 0 {
		return nil
	}

	// contentId is not a referential FK: registry rows go first, by hand.
	if _, err := e.store.DeleteRegistryByContent(ctx, store.KindMovie, doomed); err != nil {
		return err
	}
	n, err := e.store.DeleteContentByIDs(ctx, "movies", doomed)
	if err != nil {
		return err
	}
	res.Deleted += int(n)
	return nil
}

// episodeBatch is one series' fetched episodes, handed from the worker pool
// back to the single upserting goroutine.
type episodeBatch struct {
	series   store.Series
	episodes []upstream.RemoteEpisode
	err      error
}

func (e *Engine) syncTV(ctx context.Context, c store.Connector, client upstream.Client, mode Mode, opts Options, res *Result) error {
	callCtx, cancel := context.WithTimeout(ctx, mode.callTimeout())
	series, err := client.ListSeries(callCtx)
	cancel()
	if err != nil {
		return err
	}

	logger := log.WithContext(ctx, e.log)

	seenSeries := make(map[int64]struct{}, len(series))
	seenEpisodes := make(map[int64]struct{})
	localSeries := make([]store.Series, 0, len(series))
	seasonIDs := make(map[int64]map[int]int64, len(series)) // series local id -> season number -> season id

	for _, sr := range series {
		seenSeries[sr.ID] = struct{}{}
		row, err := e.store.UpsertSeries(ctx, store.Series{
			ConnectorID: c.ID,
			UpstreamID:  sr.ID,
			Title:       sr.Title,
			Monitored:   sr.Monitored,
		})
		if err != nil {
			return err
		}
		res.SeriesSynced++
		localSeries = append(localSeries, row)

		numbers := make(map[int]int64, len(sr.Seasons))
		for _, season := range sr.Seasons {
			sn, err := e.store.UpsertSeason(ctx, store.Season{
				ConnectorID:  c.ID,
				SeriesID:     row.ID,
				SeasonNumber: season.SeasonNumber,
				Monitored:    season.Monitored,
			})
			if err != nil {
				return err
			}
			numbers[season.SeasonNumber] = sn.ID
		}
		seasonIDs[row.ID] = numbers
	}

	// Episode listings are fetched per series with a bounded pool and
	// inter-start spacing so the upstream is not hammered. Upserts happen on
	// this goroutine only.
	upstreamBySeries := make(map[int64]int64, len(localSeries)) // local series id -> upstream id
	for _, sr := range localSeries {
		upstreamBySeries[sr.ID] = sr.UpstreamID
	}

	batches := make(chan episodeBatch, len(localSeries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	var launcherWG sync.WaitGroup
	launcherWG.Add(1)
	go func() {
		defer launcherWG.Done()
		for _, sr := range localSeries {
			sr := sr
			select {
			case <-gctx.Done():
				return
			case <-time.After(opts.RequestDelay):
			}
			g.Go(func() error {
				fetchCtx, cancel := context.WithTimeout(gctx, mode.callTimeout())
				defer cancel()
				eps, err := client.ListEpisodes(fetchCtx, sr.UpstreamID)
				batches <- episodeBatch{series: sr, episodes: eps, err: err}
				return nil
			})
		}
	}()

	go func() {
		launcherWG.Wait()
		_ = g.Wait()
		close(batches)
	}()

	var fetchErr error
	for batch := range batches {
		if batch.err != nil {
			// Skip this series for this sync; the failure degrades the run
			// as a whole so the retry wrapper can have another go.
			logger.Warn().
				Int64("series_id", batch.series.UpstreamID).
				Err(batch.err).
				Msg("episode fetch failed, series skipped")
			if fetchErr == nil {
				fetchErr = batch.err
			}
			continue
		}
		for _, ep := range batch.episodes {
			seasonID, ok := seasonIDs[batch.series.ID][ep.SeasonNumber]
			if !ok {
				sn, err := e.store.UpsertSeason(ctx, store.Season{
					ConnectorID:  c.ID,
					SeriesID:     batch.series.ID,
					SeasonNumber: ep.SeasonNumber,
					Monitored:    ep.Monitored,
				})
				if err != nil {
					return err
				}
				seasonIDs[batch.series.ID][ep.SeasonNumber] = sn.ID
				seasonID = sn.ID
			}

			row, transition, err := e.store.UpsertEpisode(ctx, store.Episode{
				ConnectorID:         c.ID,
				SeriesID:            batch.series.ID,
				SeasonID:            seasonID,
				UpstreamID:          ep.ID,
				Title:               ep.Title,
				Monitored:           ep.Monitored,
				HasFile:             ep.HasFile,
				QualityCutoffNotMet: ep.QualityCutoffNotMet,
				Quality:             ep.Quality,
			})
			if err != nil {
				return err
			}
			seenEpisodes[ep.ID] = struct{}{}
			res.EpisodesSynced++
			if transition == store.FileAcquired {
				res.AcquiredItems = append(res.AcquiredItems, Acquired{Kind: store.KindEpisode, ContentID: row.ID})
			}
		}
	}

	if fetchErr != nil {
		return fetchErr
	}

	if mode == ModeReconcile {
		return e.reconcileTV(ctx, c, seenSeries, seenEpisodes, res)
	}
	return nil
}

func (e *Engine) reconcileTV(ctx context.Context, c store.Connector, seenSeries, seenEpisodes map[int64]struct{}, res *Result) error {
	// Whole series that vanished upstream: their episodes' registry rows are
	// cleaned up explicitly before the cascading delete takes the mirror rows.
	seriesMirror, err := e.store.ListSeriesUpstreamIDs(ctx, c.ID)
	if err != nil {
		return err
	}
	var doomedSeries []int64
	for upstreamID, localID := range seriesMirror {
		if _, ok := seenSeries[upstreamID]; !ok {
			doomedSeries = append(doomedSeries, localID)
		}
	}
	if len(doomedSeries) > 0 {
		episodeIDs, err := e.store.EpisodeIDsForSeries(ctx, doomedSeries)
		if err != nil {
			return err
		}
		if _, err := e.store.DeleteRegistryByContent(ctx, store.KindEpisode, episodeIDs); err != nil {
			return err
		}
		n, err := e.store.DeleteContentByIDs(ctx, "series", doomedSeries)
		if err != nil {
			return err
		}
		res.Deleted += int(n) + len(episodeIDs)
	}

	// Individual episodes that vanished from surviving series.
	episodeMirror, err := e.store.ListEpisodeUpstreamIDs(ctx, c.ID)
	if err != nil {
		return err
	}
	var doomedEpisodes []int64
	for upstreamID, localID := range episodeMirror {
		if _, ok := seenEpisodes[upstreamID]; !ok {
			doomedEpisodes = append(doomedEpisodes, localID)
		}
	}
	if len(doomedEpisodes) == 0 {
		return nil
	}
	if _, err := e.store.DeleteRegistryByContent(ctx, store.KindEpisode, doomedEpisodes); err != nil {
		return err
	}
	n, err := e.store.DeleteContentByIDs(ctx, "episodes", doomedEpisodes)
	if err != nil {
		return err
	}
	res.Deleted += int(n)
	return nil
}
