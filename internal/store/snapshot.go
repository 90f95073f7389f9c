package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// ErrNoSnapshot is returned by LoadSnapshot on a fresh database.
var ErrNoSnapshot = errors.New("no persisted snapshot")

// SaveSnapshot replaces the persisted canonical state in one statement.
func (s *Store) SaveSnapshot(ctx context.Context, state entitlement.SubscriptionState, version uint64) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_snapshot (id, payload, version, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, version = excluded.version, updated_at = excluded.updated_at`,
		string(payload), int64(version), state.LastUpdated.Unix())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted canonical state and its version.
// Undecodable or invariant-violating payloads yield ErrPersistedStateCorrupt.
func (s *Store) LoadSnapshot(ctx context.Context) (entitlement.SubscriptionState, uint64, error) {
	const op = "load_snapshot"
	var (
		payload string
		version int64
		state   entitlement.SubscriptionState
	)
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM state_snapshot WHERE id = 1`).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return state, 0, ErrNoSnapshot
	}
	if err != nil {
		return state, 0, fmt.Errorf("query snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return entitlement.SubscriptionState{}, 0, enterrors.New(enterrors.KindPersistedStateCorrupt, op, err)
	}
	if err := state.Validate(); err != nil {
		return entitlement.SubscriptionState{}, 0, enterrors.New(enterrors.KindPersistedStateCorrupt, op, err)
	}
	if version < 0 {
		version = 0
	}
	return state, uint64(version), nil
}
