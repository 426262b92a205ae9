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

const connectorColumns = `id, dialect, name, base_url, api_key, enabled, health,
	throttle_profile_id, queue_paused, last_sync_at, created_at, updated_at`

func scanConnector(row interface{ Scan(...any) error }) (Connector, error) {
	var (
		c         Connector
		enabled   int
		paused    int
		profileID sql.NullInt64
		lastSync  sql.NullInt64
		created   int64
		updated   int64
	)
	err := row.Scan(&c.ID, &c.Dialect, &c.Name, &c.BaseURL, &c.APIKeyCiphertext,
		&enabled, &c.Health, &profileID, &paused, &lastSync, &created, &updated)
	if err != nil {
		return Connector{}, err
	}
	c.Enabled = enabled != 0
	c.QueuePaused = paused != 0
	c.ThrottleProfileID = fromNullInt64(profileID)
	c.LastSyncAt = fromNullUnix(lastSync)
	c.CreatedAt = fromUnix(created)
	c.UpdatedAt = fromUnix(updated)
	return c, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// the driver's error codes are not exported as a stable Go type.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateConnector inserts a connector with default health=unknown. The API key
// must already be encrypted by the caller.
func (s *Store) CreateConnector(ctx context.Context, c Connector) (Connector, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO connectors (dialect, name, base_url, api_key, enabled, health,
			throttle_profile_id, queue_paused, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.Dialect, c.Name, c.BaseURL, c.APIKeyCiphertext, boolToInt(c.Enabled),
		HealthUnknown, toNullInt64(c.ThrottleProfileID), toUnix(now), toUnix(now))
	if err != nil {
		if isUniqueViolation(err) {
			return Connector{}, fmt.Errorf("%w: %s", ErrDuplicateName, c.Name)
		}
		return Connector{}, fmt.Errorf("store: create connector: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Connector{}, fmt.Errorf("store: create connector: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (connector_id) VALUES (?)`, id); err != nil {
		return Connector{}, fmt.Errorf("store: create sync state: %w", err)
	}
	return s.GetConnector(ctx, id)
}

// GetConnector fetches one connector by id.
func (s *Store) GetConnector(ctx context.Context, id int64) (Connector, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE id = ?`, id)
	c, err := scanConnector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Connector{}, ErrNotFound
	}
	if err != nil {
		return Connector{}, fmt.Errorf("store: get connector: %w", err)
	}
	return c, nil
}

// ConnectorFilter narrows ListConnectors.
type ConnectorFilter struct {
	EnabledOnly bool
	HealthyOnly bool // enabled AND health in (healthy, degraded)
}

// ListConnectors returns connectors matching the filter, ordered by name.
func (s *Store) ListConnectors(ctx context.Context, f ConnectorFilter) ([]Connector, error) {
	q := `SELECT ` + connectorColumns + ` FROM connectors`
	var conds []string
	if f.EnabledOnly || f.HealthyOnly {
		conds = append(conds, `enabled = 1`)
	}
	if f.HealthyOnly {
		conds = append(conds, `health IN ('healthy','degraded')`)
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list connectors: %w", err)
	}
	defer rows.Close()

	var out []Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list connectors: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConnectorUpdate holds the mutable subset of connector fields. Nil means
// leave unchanged.
type ConnectorUpdate struct {
	Name              *string
	BaseURL           *string
	APIKeyCiphertext  []byte
	Enabled           *bool
	Health            *Health
	ThrottleProfileID *int64
	ClearProfile      bool
	QueuePaused       *bool
}

// UpdateConnector applies a partial update and bumps updated_at.
func (s *Store) UpdateConnector(ctx context.Context, id int64, u ConnectorUpdate) (Connector, error) {
	sets := []string{`updated_at = ?`}
	args := []any{toUnix(time.Now())}

	if u.Name != nil {
		sets = append(sets, `name = ?`)
		args = append(args, *u.Name)
	}
	if u.BaseURL != nil {
		sets = append(sets, `base_url = ?`)
		args = append(args, *u.BaseURL)
	}
	if u.APIKeyCiphertext != nil {
		sets = append(sets, `api_key = ?`)
		args = append(args, u.APIKeyCiphertext)
	}
	if u.Enabled != nil {
		sets = append(sets, `enabled = ?`)
		args = append(args, boolToInt(*u.Enabled))
	}
	if u.Health != nil {
		sets = append(sets, `health = ?`)
		args = append(args, *u.Health)
	}
	if u.ClearProfile {
		sets = append(sets, `throttle_profile_id = NULL`)
	} else if u.ThrottleProfileID != nil {
		sets = append(sets, `throttle_profile_id = ?`)
		args = append(args, *u.ThrottleProfileID)
	}
	if u.QueuePaused != nil {
		sets = append(sets, `queue_paused = ?`)
		args = append(args, boolToInt(*u.QueuePaused))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE connectors SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return Connector{}, ErrDuplicateName
		}
		return Connector{}, fmt.Errorf("store: update connector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Connector{}, ErrNotFound
	}
	return s.GetConnector(ctx, id)
}

// UpdateConnectorHealth transitions only the health column.
func (s *Store) UpdateConnectorHealth(ctx context.Context, id int64, h Health) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connectors SET health = ?, updated_at = ? WHERE id = ?`,
		h, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: update health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastSync records a successful sync instant on the connector.
func (s *Store) UpdateLastSync(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connectors SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		toUnix(at), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: update last sync: %w", err)
	}
	return nil
}

// DeleteConnector removes the connector; every owned row (mirror content,
// sync state, registry, queue, commands, history, throttle state) cascades
// via foreign keys.
func (s *Store) DeleteConnector(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete connector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConnectorStats summarises discovery and queue pressure for one connector.
type ConnectorStats struct {
	ConnectorID int64
	Gaps        int
	Upgrades    int
	QueueDepth  int
}

// GetConnectorStats counts gaps, upgrade candidates and queue depth.
func (s *Store) GetConnectorStats(ctx context.Context, id int64) (ConnectorStats, error) {
	st := ConnectorStats{ConnectorID: id}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM episodes WHERE connector_id = ?1 AND monitored = 1 AND has_file = 0) +
			(SELECT COUNT(*) FROM movies   WHERE connector_id = ?1 AND monitored = 1 AND has_file = 0),
			(SELECT COUNT(*) FROM episodes WHERE connector_id = ?1 AND monitored = 1 AND has_file = 1 AND quality_cutoff_not_met = 1) +
			(SELECT COUNT(*) FROM movies   WHERE connector_id = ?1 AND monitored = 1 AND has_file = 1 AND quality_cutoff_not_met = 1),
			(SELECT COUNT(*) FROM request_queue WHERE connector_id = ?1)`, id)
	if err := row.Scan(&st.Gaps, &st.Upgrades, &st.QueueDepth); err != nil {
		return ConnectorStats{}, fmt.Errorf("store: connector stats: %w", err)
	}
	return st, nil
}

// GetSyncState fetches per-connector sync bookkeeping.
func (s *Store) GetSyncState(ctx context.Context, connectorID int64) (SyncState, error) {
	var (
		st          SyncState
		incremental sql.NullInt64
		reconcile   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT connector_id, last_incremental_at, last_reconcile_at, consecutive_failures
		FROM sync_state WHERE connector_id = ?`, connectorID).
		Scan(&st.ConnectorID, &incremental, &reconcile, &st.ConsecutiveFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("store: get sync state: %w", err)
	}
	st.LastIncrementalAt = fromNullUnix(incremental)
	st.LastReconcileAt = fromNullUnix(reconcile)
	return st, nil
}

// RecordSyncSuccess stamps the mode's instant and resets the failure counter.
func (s *Store) RecordSyncSuccess(ctx context.Context, connectorID int64, reconcile bool, at time.Time) error {
	col := "last_incremental_at"
	if reconcile {
		col = "last_reconcile_at"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state SET `+col+` = ?, consecutive_failures = 0
		WHERE connector_id = ?`, toUnix(at), connectorID)
	if err != nil {
		return fmt.Errorf("store: record sync success: %w", err)
	}
	return nil
}

// BumpSyncFailures increments and returns the consecutive failure counter.
func (s *Store) BumpSyncFailures(ctx context.Context, connectorID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sync_state SET consecutive_failures = consecutive_failures + 1
		WHERE connector_id = ?
		RETURNING consecutive_failures`, connectorID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: bump sync failures: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
