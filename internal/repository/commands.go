package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/device-gateway/internal/db"
)

// InsertCommand enqueues a pending command; id and created_at are written back
func (r *Repository) InsertCommand(ctx context.Context, cmd *db.Command) error {
	params, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal command parameters: %w", err)
	}

	query := `
		INSERT INTO device_commands (device_id, command_type, parameters, is_pending, created_at)
		VALUES ($1, $2, $3, TRUE, $4)
		RETURNING id
	`

	if err := r.pool.QueryRow(ctx, query, cmd.DeviceID, cmd.CommandType, params, cmd.CreatedAt).Scan(&cmd.ID); err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	cmd.IsPending = true
	return nil
}

// ClaimNextCommand atomically flips the oldest pending command to non-pending.
// FOR UPDATE SKIP LOCKED lets concurrent pollers pass over a row another transaction holds,
// so each command is returned to exactly one caller. Returns nil when the queue is empty.
func (r *Repository) ClaimNextCommand(ctx context.Context, deviceID int64, claimedAt time.Time) (*db.Command, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE device_commands
		SET is_pending = FALSE, claimed_at = $2
		WHERE id = (
			SELECT id FROM device_commands
			WHERE device_id = $1 AND is_pending
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, device_id, command_type, parameters, is_pending, created_at, claimed_at
	`

	var cmd db.Command
	var params []byte
	err = tx.QueryRow(ctx, query, deviceID, claimedAt).Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.CommandType,
		&params,
		&cmd.IsPending,
		&cmd.CreatedAt,
		&cmd.ClaimedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim command: %w", err)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &cmd.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode command parameters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &cmd, nil
}
