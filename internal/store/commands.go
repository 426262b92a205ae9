// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const commandColumns = `id, connector_id, registry_id, content_kind, content_id,
	command_id, dispatched_at, file_acquired`

func scanCommand(row interface{ Scan(...any) error }) (PendingCommand, error) {
	var (
		c          PendingCommand
		registryID sql.NullInt64
		dispatched int64
		acquired   int
	)
	err := row.Scan(&c.ID, &c.ConnectorID, &registryID, &c.ContentKind, &c.ContentID,
		&c.CommandID, &dispatched, &acquired)
	if err != nil {
		return PendingCommand{}, err
	}
	c.RegistryID = fromNullInt64(registryID)
	c.DispatchedAt = fromUnix(dispatched)
	c.FileAcquired = acquired != 0
	return c, nil
}

// CreatePendingCommand records a dispatched upstream search command.
func (s *Store) CreatePendingCommand(ctx context.Context, c PendingCommand) (PendingCommand, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_commands (connector_id, registry_id, content_kind, content_id,
			command_id, dispatched_at, file_acquired)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		c.ConnectorID, toNullInt64(c.RegistryID), c.ContentKind, c.ContentID,
		c.CommandID, toUnix(c.DispatchedAt))
	if err != nil {
		return PendingCommand{}, fmt.Errorf("store: create pending command: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return PendingCommand{}, fmt.Errorf("store: create pending command: %w", err)
	}
	return c, nil
}

// OldestOpenCommand returns the oldest not-yet-acquired command for one
// content item, used by the outcome reconciler.
func (s *Store) OldestOpenCommand(ctx context.Context, connectorID int64, kind ContentKind, contentID int64) (PendingCommand, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+` FROM pending_commands
		WHERE connector_id = ? AND content_kind = ? AND content_id = ? AND file_acquired = 0
		ORDER BY dispatched_at ASC, id ASC
		LIMIT 1`, connectorID, kind, contentID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingCommand{}, ErrNotFound
	}
	if err != nil {
		return PendingCommand{}, fmt.Errorf("store: oldest open command: %w", err)
	}
	return c, nil
}

// MarkCommandAcquired flips fileAcquired exactly once; a second call reports
// ErrNotFound because the guard no longer matches.
func (s *Store) MarkCommandAcquired(ctx context.Context, commandRowID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_commands SET file_acquired = 1 WHERE id = ? AND file_acquired = 0`,
		commandRowID)
	if err != nil {
		return fmt.Errorf("store: mark command acquired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingCommand removes a command row after reconciliation.
func (s *Store) DeletePendingCommand(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_commands WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete pending command: %w", err)
	}
	return nil
}

// ListExpiredCommands returns open commands dispatched before the cutoff.
func (s *Store) ListExpiredCommands(ctx context.Context, cutoff time.Time) ([]PendingCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM pending_commands
		WHERE file_acquired = 0 AND dispatched_at < ?
		ORDER BY dispatched_at ASC`, toUnix(cutoff))
	if err != nil {
		return nil, fmt.Errorf("store: list expired commands: %w", err)
	}
	defer rows.Close()

	var out []PendingCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list expired commands: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
