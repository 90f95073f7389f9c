package store

import (
	"context"
	"fmt"
	"time"
)

// PendingValidation is a validation that could not complete and waits for
// the next scheduled reconciliation.
type PendingValidation struct {
	TransactionID string    `json:"transactionId"`
	ProductID     string    `json:"productId,omitempty"`
	QueuedAt      time.Time `json:"queuedAt"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
}

// QueueValidation adds transactionID to the queue. Re-queueing an existing
// entry bumps its attempt count and keeps the original queue time.
func (s *Store) QueueValidation(ctx context.Context, p PendingValidation) error {
	if p.TransactionID == "" {
		return fmt.Errorf("queue validation: transaction id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_validations (transaction_id, product_id, queued_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			attempts = pending_validations.attempts + 1,
			last_error = excluded.last_error,
			product_id = CASE WHEN excluded.product_id != '' THEN excluded.product_id ELSE pending_validations.product_id END`,
		p.TransactionID, p.ProductID, p.QueuedAt.Unix(), p.Attempts, p.LastError)
	if err != nil {
		return fmt.Errorf("queue validation: %w", err)
	}
	return nil
}

// PendingValidations returns queued validations oldest first.
func (s *Store) PendingValidations(ctx context.Context) ([]PendingValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, product_id, queued_at, attempts, last_error
		FROM pending_validations ORDER BY queued_at, transaction_id`)
	if err != nil {
		return nil, fmt.Errorf("list pending validations: %w", err)
	}
	defer rows.Close()

	var out []PendingValidation
	for rows.Next() {
		var (
			p        PendingValidation
			queuedAt int64
		)
		if err := rows.Scan(&p.TransactionID, &p.ProductID, &queuedAt, &p.Attempts, &p.LastError); err != nil {
			return nil, fmt.Errorf("scan pending validation: %w", err)
		}
		p.QueuedAt = unixTime(queuedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemovePendingValidation drops transactionID from the queue.
func (s *Store) RemovePendingValidation(ctx context.Context, transactionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_validations WHERE transaction_id = ?`, transactionID); err != nil {
		return fmt.Errorf("remove pending validation: %w", err)
	}
	return nil
}
