package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-ledger/internal/models"

	"github.com/jmoiron/sqlx"
)

const refundJobColumns = `order_id, account_id, attempts, done, needs_attention, last_error, next_attempt_at, created_at, completed_at`

// insertRefundJob is idempotent per order: a second cancellation path cannot owe a second refund
func insertRefundJob(ctx context.Context, tx *sqlx.Tx, orderID, accountID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO refund_jobs (order_id, account_id, attempts, done, needs_attention, next_attempt_at, created_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`),
		orderID, accountID, false, false, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue refund: %w", err)
	}
	return nil
}

// ReopenRefundJob makes the refund of an order due again. A settled job is
// reopened; a pending one keeps its attempts and schedule; a missing one is created.
func (s *Store) ReopenRefundJob(ctx context.Context, orderID, accountID string) error {
	now := s.Now()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO refund_jobs (order_id, account_id, attempts, done, needs_attention, next_attempt_at, created_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE
		SET done = excluded.done, completed_at = NULL, next_attempt_at = excluded.next_attempt_at
		WHERE refund_jobs.done = ?`),
		orderID, accountID, false, false, now, now, true)
	if err != nil {
		return fmt.Errorf("failed to reopen refund: %w", err)
	}
	return nil
}

// ClaimDueRefundJobs leases pending refund jobs whose next attempt is due
func (s *Store) ClaimDueRefundJobs(ctx context.Context, limit int, lease time.Duration) ([]models.RefundJob, error) {
	now := s.Now()

	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT order_id FROM refund_jobs
		WHERE done = ? AND next_attempt_at <= ?
		ORDER BY created_at
		LIMIT ?`), false, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due refund jobs: %w", err)
	}

	claimed := make([]models.RefundJob, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE refund_jobs SET next_attempt_at = ?
			WHERE order_id = ? AND done = ? AND next_attempt_at <= ?`),
			now.Add(lease), id, false, now)
		if err != nil {
			return claimed, fmt.Errorf("failed to lease refund job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}

		job, err := s.GetRefundJob(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// GetRefundJob retrieves the refund job of an order
func (s *Store) GetRefundJob(ctx context.Context, orderID string) (*models.RefundJob, error) {
	var job models.RefundJob
	err := s.db.GetContext(ctx, &job,
		s.db.Rebind(`SELECT `+refundJobColumns+` FROM refund_jobs WHERE order_id = ?`), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund job %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompleteRefundJob marks a refund as posted
func (s *Store) CompleteRefundJob(ctx context.Context, orderID string, attempts int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE refund_jobs SET done = ?, attempts = ?, completed_at = ?
		WHERE order_id = ?`),
		true, attempts, s.Now(), orderID)
	return err
}

// FailRefundJob records a failed attempt; needsAttention sticks once set
func (s *Store) FailRefundJob(ctx context.Context, orderID string, attempts int, next time.Time, lastErr string, needsAttention bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE refund_jobs
		SET attempts = ?, next_attempt_at = ?, last_error = ?, needs_attention = (needs_attention OR ?)
		WHERE order_id = ? AND done = ?`),
		attempts, next.UTC(), strPtr(lastErr), needsAttention, orderID, false)
	return err
}

// GetAttentionRefundJobs lists refunds flagged for follow-up
func (s *Store) GetAttentionRefundJobs(ctx context.Context) ([]models.RefundJob, error) {
	var jobs []models.RefundJob
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(`
		SELECT `+refundJobColumns+` FROM refund_jobs
		WHERE needs_attention = ? ORDER BY created_at`), true)
	return jobs, err
}
