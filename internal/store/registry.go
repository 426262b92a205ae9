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

const registryColumns = `id, connector_id, content_kind, content_id, state, search_type,
	priority, attempt_count, failure_category, next_eligible_at, season_pack_failed,
	last_searched_at, created_at, updated_at`

func scanRegistry(row interface{ Scan(...any) error }) (RegistryEntry, error) {
	var (
		e          RegistryEntry
		failure    sql.NullString
		next, last sql.NullInt64
		packFailed int
		created    int64
		updated    int64
	)
	err := row.Scan(&e.ID, &e.ConnectorID, &e.ContentKind, &e.ContentID, &e.State, &e.SearchType,
		&e.Priority, &e.AttemptCount, &failure, &next, &packFailed, &last, &created, &updated)
	if err != nil {
		return RegistryEntry{}, err
	}
	e.FailureCategory = fromNullString(failure)
	e.NextEligibleAt = fromNullUnix(next)
	e.SeasonPackFailed = packFailed != 0
	e.LastSearchedAt = fromNullUnix(last)
	e.CreatedAt = fromUnix(created)
	e.UpdatedAt = fromUnix(updated)
	return e, nil
}

func contentTable(kind ContentKind) (string, error) {
	switch kind {
	case KindEpisode:
		return "episodes", nil
	case KindMovie:
		return "movies", nil
	}
	return "", fmt.Errorf("store: bad content kind %q", kind)
}

// CountGapCandidates counts mirror rows currently matching the gap predicate.
func (s *Store) CountGapCandidates(ctx context.Context, connectorID int64, kind ContentKind) (int, error) {
	table, err := contentTable(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE connector_id = ? AND monitored = 1 AND has_file = 0`,
		connectorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count gap candidates: %w", err)
	}
	return n, nil
}

// CountUpgradeCandidates counts mirror rows matching the upgrade predicate.
func (s *Store) CountUpgradeCandidates(ctx context.Context, connectorID int64, kind ContentKind) (int, error) {
	table, err := contentTable(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE connector_id = ? AND monitored = 1 AND has_file = 1 AND quality_cutoff_not_met = 1`,
		connectorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count upgrade candidates: %w", err)
	}
	return n, nil
}

// InsertGapEntries inserts pending gap registry rows for every mirror row that
// matches the gap predicate and has no registry row yet. Inserts run in
// batches with conflict-ignore so races against a concurrent sync are
// absorbed by the unique index. Returns the number of rows created.
func (s *Store) InsertGapEntries(ctx context.Context, connectorID int64, kind ContentKind, batchSize int) (int, error) {
	return s.insertDiscoveryEntries(ctx, connectorID, kind, SearchGap,
		`monitored = 1 AND has_file = 0`, batchSize)
}

// InsertUpgradeEntries is the upgrade analogue of InsertGapEntries.
func (s *Store) InsertUpgradeEntries(ctx context.Context, connectorID int64, kind ContentKind, batchSize int) (int, error) {
	return s.insertDiscoveryEntries(ctx, connectorID, kind, SearchUpgrade,
		`monitored = 1 AND has_file = 1 AND quality_cutoff_not_met = 1`, batchSize)
}

func (s *Store) insertDiscoveryEntries(ctx context.Context, connectorID int64, kind ContentKind, st SearchType, predicate string, batchSize int) (int, error) {
	table, err := contentTable(kind)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	created := 0
	for {
		now := toUnix(time.Now())
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO search_registry
				(connector_id, content_kind, content_id, state, search_type, priority, created_at, updated_at)
			SELECT c.connector_id, ?, c.id, 'pending', ?, 0, ?, ?
			FROM `+table+` c
			WHERE c.connector_id = ? AND `+predicate+`
				AND NOT EXISTS (
					SELECT 1 FROM search_registry r
					WHERE r.connector_id = c.connector_id
						AND r.content_kind = ?
						AND r.content_id = c.id)
			LIMIT ?`,
			kind, st, now, now, connectorID, kind, batchSize)
		if err != nil {
			return created, fmt.Errorf("store: insert %s entries: %w", st, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, fmt.Errorf("store: insert %s entries: %w", st, err)
		}
		created += int(n)
		if int(n) < batchSize {
			return created, nil
		}
	}
}

// DeleteResolvedGapEntries removes gap rows whose content meanwhile has a file.
func (s *Store) DeleteResolvedGapEntries(ctx context.Context, connectorID int64, kind ContentKind) (int, error) {
	table, err := contentTable(kind)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM search_registry
		WHERE connector_id = ? AND content_kind = ? AND search_type = 'gap'
			AND content_id IN (SELECT id FROM `+table+` WHERE connector_id = ? AND has_file = 1)`,
		connectorID, kind, connectorID)
	if err != nil {
		return 0, fmt.Errorf("store: delete resolved gaps: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteResolvedUpgradeEntries removes upgrade rows whose quality reached
// cutoff. Rows never searched are kept so fresh discoveries are not reaped
// before their first attempt.
func (s *Store) DeleteResolvedUpgradeEntries(ctx context.Context, connectorID int64, kind ContentKind) (int, error) {
	table, err := contentTable(kind)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM search_registry
		WHERE connector_id = ? AND content_kind = ? AND search_type = 'upgrade'
			AND last_searched_at IS NOT NULL
			AND content_id IN (SELECT id FROM `+table+` WHERE connector_id = ? AND quality_cutoff_not_met = 0)`,
		connectorID, kind, connectorID)
	if err != nil {
		return 0, fmt.Errorf("store: delete resolved upgrades: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteRegistryByContent is the hand-rolled cascade: contentId is not a
// referential FK, so reconcile calls this per kind before deleting mirror rows.
func (s *Store) DeleteRegistryByContent(ctx context.Context, kind ContentKind, contentIDs []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkInt64(contentIDs, 500) {
		args := append([]any{kind}, int64Args(chunk)...)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM search_registry WHERE content_kind = ? AND content_id IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return total, fmt.Errorf("store: delete registry by content: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// GetRegistryEntry fetches one registry row.
func (s *Store) GetRegistryEntry(ctx context.Context, id int64) (RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM search_registry WHERE id = ?`, id)
	e, err := scanRegistry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("store: get registry entry: %w", err)
	}
	return e, nil
}

// GetRegistryEntryByContent fetches the registry row for one content item.
func (s *Store) GetRegistryEntryByContent(ctx context.Context, connectorID int64, kind ContentKind, contentID int64) (RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+registryColumns+` FROM search_registry
		WHERE connector_id = ? AND content_kind = ? AND content_id = ?`,
		connectorID, kind, contentID)
	e, err := scanRegistry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("store: get registry entry: %w", err)
	}
	return e, nil
}

// ReleaseCooldowns moves cooldown rows whose nextEligible has passed back to
// pending. Returns the number of rows released.
func (s *Store) ReleaseCooldowns(ctx context.Context, connectorID int64, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_registry SET state = 'pending', updated_at = ?
		WHERE connector_id = ? AND state = 'cooldown'
			AND next_eligible_at IS NOT NULL AND next_eligible_at <= ?`,
		toUnix(now), connectorID, toUnix(now))
	if err != nil {
		return 0, fmt.Errorf("store: release cooldowns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PopNextPending atomically selects the next dispatchable pending entry,
// flips it to queued, and upserts its request-queue row. Ordering:
// priority DESC, scheduledAt ASC NULLS LAST, createdAt ASC, then insertion
// order. Returns ErrNotFound when nothing is eligible.
func (s *Store) PopNextPending(ctx context.Context, connectorID int64, now time.Time) (RegistryEntry, error) {
	var entry RegistryEntry
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+prefixColumns("r", registryColumns)+`
			FROM search_registry r
			LEFT JOIN request_queue q ON q.registry_id = r.id
			WHERE r.connector_id = ?1 AND r.state = 'pending'
				AND (r.next_eligible_at IS NULL OR r.next_eligible_at <= ?2)
				AND (q.scheduled_at IS NULL OR q.scheduled_at <= ?2)
			ORDER BY r.priority DESC,
				CASE WHEN q.scheduled_at IS NULL THEN 1 ELSE 0 END,
				q.scheduled_at ASC,
				r.created_at ASC,
				r.id ASC
			LIMIT 1`, connectorID, toUnix(now))
		e, err := scanRegistry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: pop pending: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE search_registry SET state = 'queued', updated_at = ? WHERE id = ?`,
			toUnix(now), e.ID); err != nil {
			return fmt.Errorf("store: pop pending: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO request_queue (registry_id, connector_id, priority, scheduled_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (registry_id) DO UPDATE SET
				priority = excluded.priority,
				scheduled_at = excluded.scheduled_at`,
			e.ID, e.ConnectorID, e.Priority, toUnix(now), toUnix(now)); err != nil {
			return fmt.Errorf("store: pop pending: %w", err)
		}

		e.State = StateQueued
		entry = e
		return nil
	})
	if err != nil {
		return RegistryEntry{}, err
	}
	return entry, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// DeferEntry rolls a queued entry back to pending with a future schedule
// (throttle denial path); the queue row keeps the scheduledAt instant used
// for ordering.
func (s *Store) DeferEntry(ctx context.Context, registryID int64, until time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE search_registry SET state = 'pending', updated_at = ? WHERE id = ? AND state = 'queued'`,
			toUnix(time.Now()), registryID); err != nil {
			return fmt.Errorf("store: defer entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE request_queue SET scheduled_at = ? WHERE registry_id = ?`,
			toUnix(until), registryID); err != nil {
			return fmt.Errorf("store: defer entry: %w", err)
		}
		return nil
	})
}

// MarkSearching transitions a queued entry to searching and stamps
// lastSearched.
func (s *Store) MarkSearching(ctx context.Context, registryID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_registry SET state = 'searching', last_searched_at = ?, updated_at = ?
		WHERE id = ? AND state = 'queued'`,
		toUnix(now), toUnix(now), registryID)
	if err != nil {
		return fmt.Errorf("store: mark searching: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCooldown parks a searching entry until nextEligible, bumping the
// attempt counter and removing its queue row.
func (s *Store) MarkCooldown(ctx context.Context, registryID int64, nextEligible time.Time, failureCategory string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE search_registry SET state = 'cooldown', attempt_count = attempt_count + 1,
				failure_category = ?, next_eligible_at = ?, updated_at = ?
			WHERE id = ?`,
			failureCategory, toUnix(nextEligible), toUnix(time.Now()), registryID)
		if err != nil {
			return fmt.Errorf("store: mark cooldown: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM request_queue WHERE registry_id = ?`, registryID)
		return err
	})
}

// MarkExhausted terminates a searching entry; nextEligible is cleared and the
// queue row removed.
func (s *Store) MarkExhausted(ctx context.Context, registryID int64, failureCategory string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE search_registry SET state = 'exhausted', failure_category = ?,
				next_eligible_at = NULL, updated_at = ?
			WHERE id = ?`,
			failureCategory, toUnix(time.Now()), registryID)
		if err != nil {
			return fmt.Errorf("store: mark exhausted: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM request_queue WHERE registry_id = ?`, registryID)
		return err
	})
}

// SetSeasonPackFailed records that a season-pack search failed for a TV entry.
func (s *Store) SetSeasonPackFailed(ctx context.Context, registryID int64, failed bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE search_registry SET season_pack_failed = ?, updated_at = ? WHERE id = ?`,
		boolToInt(failed), toUnix(time.Now()), registryID)
	if err != nil {
		return fmt.Errorf("store: set season pack failed: %w", err)
	}
	return nil
}

// DeleteRegistryEntry removes a registry row; its queue row cascades.
func (s *Store) DeleteRegistryEntry(ctx context.Context, registryID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_registry WHERE id = ?`, registryID)
	if err != nil {
		return fmt.Errorf("store: delete registry entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkResult reports how many rows a bulk admin operation touched and how
// many it skipped (rows in state searching, or missing).
type BulkResult struct {
	Affected int
	Skipped  int
}

func (s *Store) bulkUpdate(ctx context.Context, ids []int64, set string, extraArgs ...any) (BulkResult, error) {
	affected := 0
	for _, chunk := range chunkInt64(ids, 500) {
		args := append(append([]any{}, extraArgs...), toUnix(time.Now()))
		args = append(args, int64Args(chunk)...)
		res, err := s.db.ExecContext(ctx, `
			UPDATE search_registry SET `+set+`, updated_at = ?
			WHERE state != 'searching' AND id IN (`+placeholders(len(chunk))+`)`,
			args...)
		if err != nil {
			return BulkResult{}, fmt.Errorf("store: bulk update: %w", err)
		}
		n, _ := res.RowsAffected()
		affected += int(n)
	}
	return BulkResult{Affected: affected, Skipped: len(ids) - affected}, nil
}

// BulkSetPriority updates priority on the given rows, skipping searching ones.
func (s *Store) BulkSetPriority(ctx context.Context, ids []int64, priority int) (BulkResult, error) {
	return s.bulkUpdate(ctx, ids, `priority = ?`, priority)
}

// BulkExhaust forces rows to exhausted, skipping searching ones.
func (s *Store) BulkExhaust(ctx context.Context, ids []int64) (BulkResult, error) {
	res, err := s.bulkUpdate(ctx, ids, `state = 'exhausted', next_eligible_at = NULL`)
	if err != nil {
		return res, err
	}
	// Exhausted rows are no longer dispatchable.
	for _, chunk := range chunkInt64(ids, 500) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM request_queue WHERE registry_id IN (`+placeholders(len(chunk))+`)
				AND registry_id IN (SELECT id FROM search_registry WHERE state = 'exhausted')`,
			int64Args(chunk)...); err != nil {
			return res, fmt.Errorf("store: bulk exhaust: %w", err)
		}
	}
	return res, nil
}

// BulkClear resets failed rows to a fresh pending state: attempt counter,
// failure category, eligibility and the season-pack flag all reset. Searching
// rows are skipped.
func (s *Store) BulkClear(ctx context.Context, ids []int64) (BulkResult, error) {
	res, err := s.bulkUpdate(ctx, ids,
		`state = 'pending', attempt_count = 0, failure_category = NULL,
		 next_eligible_at = NULL, season_pack_failed = 0`)
	if err != nil {
		return res, err
	}
	for _, chunk := range chunkInt64(ids, 500) {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE request_queue SET scheduled_at = NULL WHERE registry_id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...); err != nil {
			return res, fmt.Errorf("store: bulk clear: %w", err)
		}
	}
	return res, nil
}

// BulkQueue makes rows immediately eligible for dispatch, skipping searching
// ones: state pending, no eligibility gate, no schedule deferral.
func (s *Store) BulkQueue(ctx context.Context, ids []int64) (BulkResult, error) {
	res, err := s.bulkUpdate(ctx, ids, `state = 'pending', next_eligible_at = NULL`)
	if err != nil {
		return res, err
	}
	for _, chunk := range chunkInt64(ids, 500) {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE request_queue SET scheduled_at = NULL WHERE registry_id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...); err != nil {
			return res, fmt.Errorf("store: bulk queue: %w", err)
		}
	}
	return res, nil
}

// RegistryFilter narrows ListRegistry.
type RegistryFilter struct {
	ConnectorID int64
	State       SearchState
	SearchType  SearchType
	ContentKind ContentKind
	Limit       int
	Offset      int
}

// ListRegistry returns registry rows for the admin surface, ordered by the
// dispatch ordering rule.
func (s *Store) ListRegistry(ctx context.Context, f RegistryFilter) ([]RegistryEntry, error) {
	conds := []string{`r.connector_id = ?`}
	args := []any{f.ConnectorID}
	if f.State != "" {
		conds = append(conds, `r.state = ?`)
		args = append(args, f.State)
	}
	if f.SearchType != "" {
		conds = append(conds, `r.search_type = ?`)
		args = append(args, f.SearchType)
	}
	if f.ContentKind != "" {
		conds = append(conds, `r.content_kind = ?`)
		args = append(args, f.ContentKind)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("r", registryColumns)+`
		FROM search_registry r
		LEFT JOIN request_queue q ON q.registry_id = r.id
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY r.priority DESC,
			CASE WHEN q.scheduled_at IS NULL THEN 1 ELSE 0 END,
			q.scheduled_at ASC,
			r.created_at ASC,
			r.id ASC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list registry: %w", err)
	}
	defer rows.Close()

	var out []RegistryEntry
	for rows.Next() {
		e, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list registry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountRegistryByState returns a state -> row count map for one connector.
func (s *Store) CountRegistryByState(ctx context.Context, connectorID int64) (map[SearchState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM search_registry WHERE connector_id = ? GROUP BY state`,
		connectorID)
	if err != nil {
		return nil, fmt.Errorf("store: count registry: %w", err)
	}
	defer rows.Close()

	out := make(map[SearchState]int)
	for rows.Next() {
		var (
			st SearchState
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("store: count registry: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// RegistryIDsByStates returns ids of a connector's rows in any of the given
// states, in insertion order.
func (s *Store) RegistryIDsByStates(ctx context.Context, connectorID int64, states ...SearchState) ([]int64, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := []any{connectorID}
	for _, st := range states {
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM search_registry WHERE connector_id = ? AND state IN (`+placeholders(len(states))+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("store: registry ids by state: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: registry ids by state: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClearConnectorQueue removes all queue rows for a connector and rolls queued
// entries back to pending (operator "clear dispatch" action). Searching rows
// are left alone.
func (s *Store) ClearConnectorQueue(ctx context.Context, connectorID int64) (int, error) {
	var cleared int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE search_registry SET state = 'pending', updated_at = ?
			WHERE connector_id = ? AND state = 'queued'`,
			toUnix(time.Now()), connectorID)
		if err != nil {
			return fmt.Errorf("store: clear queue: %w", err)
		}
		n, _ := res.RowsAffected()
		cleared = int(n)
		_, err = tx.ExecContext(ctx, `
			DELETE FROM request_queue WHERE connector_id = ?
				AND registry_id NOT IN (SELECT id FROM search_registry WHERE state = 'searching')`,
			connectorID)
		return err
	})
	return cleared, err
}
