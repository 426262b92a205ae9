// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertSeries inserts or refreshes a mirrored series row keyed by
// (connector, upstream id) and returns its local id.
func (s *Store) UpsertSeries(ctx context.Context, sr Series) (Series, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO series (connector_id, upstream_id, title, monitored)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connector_id, upstream_id) DO UPDATE SET
			title = excluded.title,
			monitored = excluded.monitored`,
		sr.ConnectorID, sr.UpstreamID, sr.Title, boolToInt(sr.Monitored))
	if err != nil {
		return Series{}, fmt.Errorf("store: upsert series: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM series WHERE connector_id = ? AND upstream_id = ?`,
		sr.ConnectorID, sr.UpstreamID).Scan(&sr.ID)
	if err != nil {
		return Series{}, fmt.Errorf("store: upsert series: %w", err)
	}
	return sr, nil
}

// UpsertSeason inserts or refreshes a season row and returns its local id.
func (s *Store) UpsertSeason(ctx context.Context, sn Season) (Season, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seasons (connector_id, series_id, season_number, monitored)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connector_id, series_id, season_number) DO UPDATE SET
			monitored = excluded.monitored`,
		sn.ConnectorID, sn.SeriesID, sn.SeasonNumber, boolToInt(sn.Monitored))
	if err != nil {
		return Season{}, fmt.Errorf("store: upsert season: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM seasons WHERE connector_id = ? AND series_id = ? AND season_number = ?`,
		sn.ConnectorID, sn.SeriesID, sn.SeasonNumber).Scan(&sn.ID)
	if err != nil {
		return Season{}, fmt.Errorf("store: upsert season: %w", err)
	}
	return sn, nil
}

// FileTransition describes what happened to a content row's file between two
// sync observations.
type FileTransition int

const (
	FileUnchanged FileTransition = iota
	FileAcquired                 // hasFile went false -> true
	FileLost                     // hasFile went true -> false
)

// UpsertEpisode inserts or refreshes an episode. File acquisition and loss
// transitions are detected against the previous observation:
// first_downloaded_at is set once, file_lost_at and file_loss_count track
// losses. The returned transition tells the caller whether a file appeared.
func (s *Store) UpsertEpisode(ctx context.Context, e Episode) (Episode, FileTransition, error) {
	var (
		transition = FileUnchanged
		row        Episode
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		prev, err := getEpisodeByUpstream(ctx, tx, e.ConnectorID, e.UpstreamID)
		now := time.Now()
		switch {
		case errors.Is(err, ErrNotFound):
			if e.HasFile && e.FirstDownloadedAt == nil {
				e.FirstDownloadedAt = &now
			}
		case err != nil:
			return err
		default:
			e.FirstDownloadedAt = prev.FirstDownloadedAt
			e.FileLostAt = prev.FileLostAt
			e.FileLossCount = prev.FileLossCount
			if !prev.HasFile && e.HasFile {
				transition = FileAcquired
				if e.FirstDownloadedAt == nil {
					e.FirstDownloadedAt = &now
				}
			}
			if prev.HasFile && !e.HasFile {
				transition = FileLost
				e.FileLostAt = &now
				e.FileLossCount++
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO episodes (connector_id, series_id, season_id, upstream_id, title,
				monitored, has_file, quality_cutoff_not_met, quality,
				first_downloaded_at, file_lost_at, file_loss_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (connector_id, upstream_id) DO UPDATE SET
				series_id = excluded.series_id,
				season_id = excluded.season_id,
				title = excluded.title,
				monitored = excluded.monitored,
				has_file = excluded.has_file,
				quality_cutoff_not_met = excluded.quality_cutoff_not_met,
				quality = excluded.quality,
				first_downloaded_at = excluded.first_downloaded_at,
				file_lost_at = excluded.file_lost_at,
				file_loss_count = excluded.file_loss_count`,
			e.ConnectorID, e.SeriesID, e.SeasonID, e.UpstreamID, e.Title,
			boolToInt(e.Monitored), boolToInt(e.HasFile), boolToInt(e.QualityCutoffNotMet),
			e.Quality, toNullUnix(e.FirstDownloadedAt), toNullUnix(e.FileLostAt), e.FileLossCount)
		if err != nil {
			return fmt.Errorf("store: upsert episode: %w", err)
		}

		row, err = getEpisodeByUpstream(ctx, tx, e.ConnectorID, e.UpstreamID)
		return err
	})
	if err != nil {
		return Episode{}, FileUnchanged, err
	}
	return row, transition, nil
}

// UpsertMovie is the movie analogue of UpsertEpisode.
func (s *Store) UpsertMovie(ctx context.Context, m Movie) (Movie, FileTransition, error) {
	var (
		transition = FileUnchanged
		row        Movie
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		prev, err := getMovieByUpstream(ctx, tx, m.ConnectorID, m.UpstreamID)
		now := time.Now()
		switch {
		case errors.Is(err, ErrNotFound):
			if m.HasFile && m.FirstDownloadedAt == nil {
				m.FirstDownloadedAt = &now
			}
		case err != nil:
			return err
		default:
			m.FirstDownloadedAt = prev.FirstDownloadedAt
			m.FileLostAt = prev.FileLostAt
			m.FileLossCount = prev.FileLossCount
			if !prev.HasFile && m.HasFile {
				transition = FileAcquired
				if m.FirstDownloadedAt == nil {
					m.FirstDownloadedAt = &now
				}
			}
			if prev.HasFile && !m.HasFile {
				transition = FileLost
				m.FileLostAt = &now
				m.FileLossCount++
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO movies (connector_id, upstream_id, title, monitored, has_file,
				quality_cutoff_not_met, quality, first_downloaded_at, file_lost_at, file_loss_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (connector_id, upstream_id) DO UPDATE SET
				title = excluded.title,
				monitored = excluded.monitored,
				has_file = excluded.has_file,
				quality_cutoff_not_met = excluded.quality_cutoff_not_met,
				quality = excluded.quality,
				first_downloaded_at = excluded.first_downloaded_at,
				file_lost_at = excluded.file_lost_at,
				file_loss_count = excluded.file_loss_count`,
			m.ConnectorID, m.UpstreamID, m.Title, boolToInt(m.Monitored), boolToInt(m.HasFile),
			boolToInt(m.QualityCutoffNotMet), m.Quality,
			toNullUnix(m.FirstDownloadedAt), toNullUnix(m.FileLostAt), m.FileLossCount)
		if err != nil {
			return fmt.Errorf("store: upsert movie: %w", err)
		}

		row, err = getMovieByUpstream(ctx, tx, m.ConnectorID, m.UpstreamID)
		return err
	})
	if err != nil {
		return Movie{}, FileUnchanged, err
	}
	return row, transition, nil
}

const episodeColumns = `id, connector_id, series_id, season_id, upstream_id, title,
	monitored, has_file, quality_cutoff_not_met, quality,
	first_downloaded_at, file_lost_at, file_loss_count`

const movieColumns = `id, connector_id, upstream_id, title, monitored, has_file,
	quality_cutoff_not_met, quality, first_downloaded_at, file_lost_at, file_loss_count`

func scanEpisode(row interface{ Scan(...any) error }) (Episode, error) {
	var (
		e                          Episode
		monitored, hasFile, cutoff int
		firstDL, lost              sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.ConnectorID, &e.SeriesID, &e.SeasonID, &e.UpstreamID, &e.Title,
		&monitored, &hasFile, &cutoff, &e.Quality, &firstDL, &lost, &e.FileLossCount)
	if err != nil {
		return Episode{}, err
	}
	e.Monitored = monitored != 0
	e.HasFile = hasFile != 0
	e.QualityCutoffNotMet = cutoff != 0
	e.FirstDownloadedAt = fromNullUnix(firstDL)
	e.FileLostAt = fromNullUnix(lost)
	return e, nil
}

func scanMovie(row interface{ Scan(...any) error }) (Movie, error) {
	var (
		m                          Movie
		monitored, hasFile, cutoff int
		firstDL, lost              sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.ConnectorID, &m.UpstreamID, &m.Title,
		&monitored, &hasFile, &cutoff, &m.Quality, &firstDL, &lost, &m.FileLossCount)
	if err != nil {
		return Movie{}, err
	}
	m.Monitored = monitored != 0
	m.HasFile = hasFile != 0
	m.QualityCutoffNotMet = cutoff != 0
	m.FirstDownloadedAt = fromNullUnix(firstDL)
	m.FileLostAt = fromNullUnix(lost)
	return m, nil
}

func getEpisodeByUpstream(ctx context.Context, q querier, connectorID, upstreamID int64) (Episode, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE connector_id = ? AND upstream_id = ?`,
		connectorID, upstreamID)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Episode{}, ErrNotFound
	}
	if err != nil {
		return Episode{}, fmt.Errorf("store: get episode: %w", err)
	}
	return e, nil
}

func getMovieByUpstream(ctx context.Context, q querier, connectorID, upstreamID int64) (Movie, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+movieColumns+` FROM movies WHERE connector_id = ? AND upstream_id = ?`,
		connectorID, upstreamID)
	m, err := scanMovie(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Movie{}, ErrNotFound
	}
	if err != nil {
		return Movie{}, fmt.Errorf("store: get movie: %w", err)
	}
	return m, nil
}

// GetEpisode fetches one episode by local id.
func (s *Store) GetEpisode(ctx context.Context, id int64) (Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Episode{}, ErrNotFound
	}
	if err != nil {
		return Episode{}, fmt.Errorf("store: get episode: %w", err)
	}
	return e, nil
}

// GetMovie fetches one movie by local id.
func (s *Store) GetMovie(ctx context.Context, id int64) (Movie, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+movieColumns+` FROM movies WHERE id = ?`, id)
	m, err := scanMovie(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Movie{}, ErrNotFound
	}
	if err != nil {
		return Movie{}, fmt.Errorf("store: get movie: %w", err)
	}
	return m, nil
}

// GetSeason fetches one season by local id.
func (s *Store) GetSeason(ctx context.Context, id int64) (Season, error) {
	var (
		sn        Season
		monitored int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, connector_id, series_id, season_number, monitored FROM seasons WHERE id = ?`, id).
		Scan(&sn.ID, &sn.ConnectorID, &sn.SeriesID, &sn.SeasonNumber, &monitored)
	if errors.Is(err, sql.ErrNoRows) {
		return Season{}, ErrNotFound
	}
	if err != nil {
		return Season{}, fmt.Errorf("store: get season: %w", err)
	}
	sn.Monitored = monitored != 0
	return sn, nil
}

// GetSeries fetches one series by local id.
func (s *Store) GetSeries(ctx context.Context, id int64) (Series, error) {
	var (
		sr        Series
		monitored int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, connector_id, upstream_id, title, monitored FROM series WHERE id = ?`, id).
		Scan(&sr.ID, &sr.ConnectorID, &sr.UpstreamID, &sr.Title, &monitored)
	if errors.Is(err, sql.ErrNoRows) {
		return Series{}, ErrNotFound
	}
	if err != nil {
		return Series{}, fmt.Errorf("store: get series: %w", err)
	}
	sr.Monitored = monitored != 0
	return sr, nil
}

// SeasonGapStats reports how a monitored season's episodes break down; the
// dispatcher uses it to decide on season-pack search.
type SeasonGapStats struct {
	Total   int
	Missing int
}

// GetSeasonGapStats counts monitored episodes and missing files in a season.
func (s *Store) GetSeasonGapStats(ctx context.Context, seasonID int64) (SeasonGapStats, error) {
	var st SeasonGapStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN has_file = 0 THEN 1 ELSE 0 END), 0)
		FROM episodes WHERE season_id = ? AND monitored = 1`, seasonID).
		Scan(&st.Total, &st.Missing)
	if err != nil {
		return SeasonGapStats{}, fmt.Errorf("store: season gap stats: %w", err)
	}
	return st, nil
}

// ContentFilter narrows ListEpisodes / ListMovies for the admin surface.
type ContentFilter struct {
	ConnectorID int64
	Monitored   *bool
	HasFile     *bool
	CutoffNotMet *bool
	TitleLike   string
	Limit       int
	Offset      int
}

func (f ContentFilter) clauses() (string, []any) {
	conds := []string{`connector_id = ?`}
	args := []any{f.ConnectorID}
	if f.Monitored != nil {
		conds = append(conds, `monitored = ?`)
		args = append(args, boolToInt(*f.Monitored))
	}
	if f.HasFile != nil {
		conds = append(conds, `has_file = ?`)
		args = append(args, boolToInt(*f.HasFile))
	}
	if f.CutoffNotMet != nil {
		conds = append(conds, `quality_cutoff_not_met = ?`)
		args = append(args, boolToInt(*f.CutoffNotMet))
	}
	if f.TitleLike != "" {
		conds = append(conds, `title LIKE ?`)
		args = append(args, "%"+f.TitleLike+"%")
	}
	return strings.Join(conds, " AND "), args
}

func (f ContentFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// ListEpisodes returns episodes matching the filter ordered by id.
func (s *Store) ListEpisodes(ctx context.Context, f ContentFilter) ([]Episode, error) {
	where, args := f.clauses()
	args = append(args, f.limit(), f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list episodes: %w", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list episodes: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListMovies returns movies matching the filter ordered by id.
func (s *Store) ListMovies(ctx context.Context, f ContentFilter) ([]Movie, error) {
	where, args := f.clauses()
	args = append(args, f.limit(), f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+movieColumns+` FROM movies WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list movies: %w", err)
	}
	defer rows.Close()

	var out []Movie
	for rows.Next() {
		m, err := scanMovie(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list movies: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMovieUpstreamIDs returns all mirrored (upstreamID -> localID) pairs for
// a connector; reconcile diffs them against the upstream listing.
func (s *Store) ListMovieUpstreamIDs(ctx context.Context, connectorID int64) (map[int64]int64, error) {
	return s.listUpstreamIDs(ctx, "movies", connectorID)
}

// ListEpisodeUpstreamIDs is the episode analogue of ListMovieUpstreamIDs.
func (s *Store) ListEpisodeUpstreamIDs(ctx context.Context, connectorID int64) (map[int64]int64, error) {
	return s.listUpstreamIDs(ctx, "episodes", connectorID)
}

// ListSeriesUpstreamIDs is the series analogue of ListMovieUpstreamIDs.
func (s *Store) ListSeriesUpstreamIDs(ctx context.Context, connectorID int64) (map[int64]int64, error) {
	return s.listUpstreamIDs(ctx, "series", connectorID)
}

func (s *Store) listUpstreamIDs(ctx context.Context, table string, connectorID int64) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upstream_id, id FROM `+table+` WHERE connector_id = ?`, connectorID)
	if err != nil {
		return nil, fmt.Errorf("store: list %s ids: %w", table, err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var upstream, local int64
		if err := rows.Scan(&upstream, &local); err != nil {
			return nil, fmt.Errorf("store: list %s ids: %w", table, err)
		}
		out[upstream] = local
	}
	return out, rows.Err()
}

// EpisodeIDsForSeries returns local episode ids belonging to the given series
// rows, for explicit registry cleanup before a cascading series delete.
func (s *Store) EpisodeIDsForSeries(ctx context.Context, seriesIDs []int64) ([]int64, error) {
	var out []int64
	for _, chunk := range chunkInt64(seriesIDs, 500) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM episodes WHERE series_id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("store: episode ids for series: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: episode ids for series: %w", err)
			}
			out = append(out, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// DeleteContentByIDs hard-deletes mirror rows by local id. Series deletions
// cascade to seasons and episodes via foreign keys.
func (s *Store) DeleteContentByIDs(ctx context.Context, table string, ids []int64) (int64, error) {
	switch table {
	case "series", "episodes", "movies":
	default:
		return 0, fmt.Errorf("store: delete content: bad table %q", table)
	}
	var total int64
	for _, chunk := range chunkInt64(ids, 500) {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...)
		if err != nil {
			return total, fmt.Errorf("store: delete %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func chunkInt64(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
