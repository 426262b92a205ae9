// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const profileColumns = `id, name, requests_per_minute, daily_budget, batch_size,
	batch_cooldown_seconds, rate_limit_pause_seconds, is_default`

func scanProfile(row interface{ Scan(...any) error }) (ThrottleProfile, error) {
	var (
		p         ThrottleProfile
		budget    sql.NullInt64
		isDefault int
	)
	err := row.Scan(&p.ID, &p.Name, &p.RequestsPerMinute, &budget, &p.BatchSize,
		&p.BatchCooldownSeconds, &p.RateLimitPauseSeconds, &isDefault)
	if err != nil {
		return ThrottleProfile{}, err
	}
	p.DailyBudget = fromNullInt(budget)
	p.IsDefault = isDefault != 0
	return p, nil
}

// CreateThrottleProfile inserts a profile. Marking it default clears the flag
// on every other profile.
func (s *Store) CreateThrottleProfile(ctx context.Context, p ThrottleProfile) (ThrottleProfile, error) {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if p.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE throttle_profiles SET is_default = 0`); err != nil {
				return fmt.Errorf("store: create throttle profile: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO throttle_profiles
				(name, requests_per_minute, daily_budget, batch_size, batch_cooldown_seconds,
				 rate_limit_pause_seconds, is_default)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Name, p.RequestsPerMinute, toNullInt(p.DailyBudget), p.BatchSize,
			p.BatchCooldownSeconds, p.RateLimitPauseSeconds, boolToInt(p.IsDefault))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
			}
			return fmt.Errorf("store: create throttle profile: %w", err)
		}
		p.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return ThrottleProfile{}, err
	}
	return p, nil
}

// GetThrottleProfile fetches one profile by id.
func (s *Store) GetThrottleProfile(ctx context.Context, id int64) (ThrottleProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM throttle_profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ThrottleProfile{}, ErrNotFound
	}
	if err != nil {
		return ThrottleProfile{}, fmt.Errorf("store: get throttle profile: %w", err)
	}
	return p, nil
}

// GetDefaultThrottleProfile fetches the profile marked default, if any.
func (s *Store) GetDefaultThrottleProfile(ctx context.Context) (ThrottleProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM throttle_profiles WHERE is_default = 1 LIMIT 1`)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ThrottleProfile{}, ErrNotFound
	}
	if err != nil {
		return ThrottleProfile{}, fmt.Errorf("store: get default throttle profile: %w", err)
	}
	return p, nil
}

// ListThrottleProfiles returns all profiles ordered by name.
func (s *Store) ListThrottleProfiles(ctx context.Context) ([]ThrottleProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM throttle_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list throttle profiles: %w", err)
	}
	defer rows.Close()

	var out []ThrottleProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list throttle profiles: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateThrottleProfile replaces a profile's parameters.
func (s *Store) UpdateThrottleProfile(ctx context.Context, p ThrottleProfile) (ThrottleProfile, error) {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if p.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE throttle_profiles SET is_default = 0 WHERE id != ?`, p.ID); err != nil {
				return fmt.Errorf("store: update throttle profile: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE throttle_profiles SET name = ?, requests_per_minute = ?, daily_budget = ?,
				batch_size = ?, batch_cooldown_seconds = ?, rate_limit_pause_seconds = ?, is_default = ?
			WHERE id = ?`,
			p.Name, p.RequestsPerMinute, toNullInt(p.DailyBudget), p.BatchSize,
			p.BatchCooldownSeconds, p.RateLimitPauseSeconds, boolToInt(p.IsDefault), p.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateName
			}
			return fmt.Errorf("store: update throttle profile: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return ThrottleProfile{}, err
	}
	return p, nil
}

// DeleteThrottleProfile removes a profile; connectors referencing it fall
// back to defaults via ON DELETE SET NULL.
func (s *Store) DeleteThrottleProfile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM throttle_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete throttle profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetThrottleState fetches (creating if absent) the live counter state for a
// connector.
func (s *Store) GetThrottleState(ctx context.Context, connectorID int64) (ThrottleState, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO throttle_state (connector_id) VALUES (?)`, connectorID); err != nil {
		return ThrottleState{}, fmt.Errorf("store: get throttle state: %w", err)
	}
	var (
		st                               ThrottleState
		minuteStart, dayStart, batchStart sql.NullInt64
		pausedUntil                      sql.NullInt64
		pauseReason                      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT connector_id, minute_start, requests_this_minute, day_start, requests_today,
			batch_start, requests_this_batch, paused_until, pause_reason
		FROM throttle_state WHERE connector_id = ?`, connectorID).
		Scan(&st.ConnectorID, &minuteStart, &st.RequestsThisMinute, &dayStart, &st.RequestsToday,
			&batchStart, &st.RequestsThisBatch, &pausedUntil, &pauseReason)
	if err != nil {
		return ThrottleState{}, fmt.Errorf("store: get throttle state: %w", err)
	}
	st.MinuteStart = fromNullUnix(minuteStart)
	st.DayStart = fromNullUnix(dayStart)
	st.BatchStart = fromNullUnix(batchStart)
	st.PausedUntil = fromNullUnix(pausedUntil)
	st.PauseReason = fromNullString(pauseReason)
	return st, nil
}

// PutThrottleState persists the full counter state for a connector.
func (s *Store) PutThrottleState(ctx context.Context, st ThrottleState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO throttle_state (connector_id, minute_start, requests_this_minute,
			day_start, requests_today, batch_start, requests_this_batch, paused_until, pause_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connector_id) DO UPDATE SET
			minute_start = excluded.minute_start,
			requests_this_minute = excluded.requests_this_minute,
			day_start = excluded.day_start,
			requests_today = excluded.requests_today,
			batch_start = excluded.batch_start,
			requests_this_batch = excluded.requests_this_batch,
			paused_until = excluded.paused_until,
			pause_reason = excluded.pause_reason`,
		st.ConnectorID, toNullUnix(st.MinuteStart), st.RequestsThisMinute,
		toNullUnix(st.DayStart), st.RequestsToday, toNullUnix(st.BatchStart),
		st.RequestsThisBatch, toNullUnix(st.PausedUntil), toNullString(st.PauseReason))
	if err != nil {
		return fmt.Errorf("store: put throttle state: %w", err)
	}
	return nil
}
