package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const metaDeviceID = "device_id"

// MarkWebhookProcessed records eventID. It returns false when the event was
// already processed, in which case it must not be applied again.
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_webhooks (event_id, event_type, processed_at) VALUES (?, ?, ?)`,
		eventID, eventType, at.Unix())
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	return n == 1, nil
}

// PruneWebhooks forgets processed event ids older than before.
func (s *Store) PruneWebhooks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_webhooks WHERE processed_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune webhooks: %w", err)
	}
	return res.RowsAffected()
}

// DeviceID returns the persisted device identifier, generating one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaDeviceID).Scan(&id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("query device id: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, metaDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	// Another writer may have won the insert.
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaDeviceID).Scan(&id); err != nil {
		return "", fmt.Errorf("query device id: %w", err)
	}
	return id, nil
}

// SetDeviceID pins the device identifier, e.g. from configuration.
func (s *Store) SetDeviceID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, metaDeviceID, id); err != nil {
		return fmt.Errorf("set device id: %w", err)
	}
	return nil
}
