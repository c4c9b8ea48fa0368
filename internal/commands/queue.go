// Package commands is the per-device FIFO of pending control commands.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/db"
)

// SetRelayState switches a power monitor relay; parameters carry "state" = ON|OFF
const SetRelayState = "set_relay_state"

// NoCommand is what a poll returns when the queue is empty
const NoCommand = "no_command"

// Store is the persistence the queue needs.
// ClaimNextCommand must flip exactly one pending row per call, atomically with respect to other callers.
type Store interface {
	InsertCommand(ctx context.Context, cmd *db.Command) error
	ClaimNextCommand(ctx context.Context, deviceID int64, claimedAt time.Time) (*db.Command, error)
}

// Queue enqueues and hands out commands
type Queue struct {
	store Store
	now   func() time.Time
}

// NewQueue creates a queue over store
func NewQueue(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// WithClock replaces the time source, used by tests
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue appends a pending command. Identical pending commands are not collapsed.
func (q *Queue) Enqueue(ctx context.Context, deviceID int64, commandType string, parameters map[string]any) (*db.Command, error) {
	if commandType == "" {
		return nil, apperr.Validation("command is required")
	}
	if parameters == nil {
		parameters = map[string]any{}
	}

	cmd := &db.Command{
		DeviceID:    deviceID,
		CommandType: commandType,
		Parameters:  parameters,
		CreatedAt:   q.now().UTC(),
	}
	if err := q.store.InsertCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}
	return cmd, nil
}

// ClaimNext hands the oldest pending command to this caller and marks it delivered.
// It returns nil when nothing is pending; a claimed command is never handed out again.
func (q *Queue) ClaimNext(ctx context.Context, deviceID int64) (*db.Command, error) {
	cmd, err := q.store.ClaimNextCommand(ctx, deviceID, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim next command: %w", err)
	}
	if cmd != nil && cmd.Parameters == nil {
		cmd.Parameters = map[string]any{}
	}
	return cmd, nil
}
