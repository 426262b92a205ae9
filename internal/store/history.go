// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendHistory records one terminal search outcome.
func (s *Store) AppendHistory(ctx context.Context, h HistoryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_history (connector_id, content_kind, content_id, search_type,
			outcome, attempt, elapsed_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ConnectorID, h.ContentKind, h.ContentID, h.SearchType, h.Outcome,
		h.Attempt, toNullInt64(h.ElapsedMS), toNullString(h.Detail), toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("store: append history: %w", err)
	}
	return nil
}

// HistoryFilter narrows ListHistory.
type HistoryFilter struct {
	ConnectorID int64 // 0 means all connectors
	Outcome     Outcome
	Limit       int
	Offset      int
}

// ListHistory returns history rows newest first.
func (s *Store) ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	var (
		conds []string
		args  []any
	)
	if f.ConnectorID != 0 {
		conds = append(conds, `connector_id = ?`)
		args = append(args, f.ConnectorID)
	}
	if f.Outcome != "" {
		conds = append(conds, `outcome = ?`)
		args = append(args, f.Outcome)
	}
	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector_id, content_kind, content_id, search_type, outcome,
			attempt, elapsed_ms, detail, created_at
		FROM search_history`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			h       HistoryRow
			elapsed sql.NullInt64
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&h.ID, &h.ConnectorID, &h.ContentKind, &h.ContentID,
			&h.SearchType, &h.Outcome, &h.Attempt, &elapsed, &detail, &created); err != nil {
			return nil, fmt.Errorf("store: list history: %w", err)
		}
		h.ElapsedMS = fromNullInt64(elapsed)
		h.Detail = fromNullString(detail)
		h.CreatedAt = fromUnix(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneHistory deletes rows older than the cutoff and returns the count.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM search_history WHERE created_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
