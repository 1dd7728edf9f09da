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

const eventColumns = `id, subject_type, subject_id, payload, targets, delivered, attempts, downgraded,
	needs_attention, last_error, next_attempt_at, created_at, delivered_at`

func insertEvent(ctx context.Context, tx *sqlx.Tx, e *models.NotificationEvent) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO notification_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.SubjectType, e.SubjectID, e.Payload, e.Targets, e.Delivered, e.Attempts,
		e.Downgraded, e.NeedsAttention, e.LastError, e.NextAttemptAt, e.CreatedAt, e.DeliveredAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification event: %w", err)
	}
	return nil
}

// ClaimDueEvents leases up to limit undelivered events whose next attempt is due.
// A claimed event is invisible to other claimers until the lease runs out.
func (s *Store) ClaimDueEvents(ctx context.Context, limit int, lease time.Duration) ([]models.NotificationEvent, error) {
	now := s.Now()

	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		SELECT id FROM notification_events
		WHERE delivered = ? AND next_attempt_at <= ?
		ORDER BY created_at
		LIMIT ?`), false, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due events: %w", err)
	}

	claimed := make([]models.NotificationEvent, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE notification_events SET next_attempt_at = ?
			WHERE id = ? AND delivered = ? AND next_attempt_at <= ?`),
			now.Add(lease), id, false, now)
		if err != nil {
			return claimed, fmt.Errorf("failed to lease event: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}

		event, err := s.GetEvent(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *event)
	}
	return claimed, nil
}

// GetEvent retrieves a notification event by ID
func (s *Store) GetEvent(ctx context.Context, id string) (*models.NotificationEvent, error) {
	var event models.NotificationEvent
	err := s.db.GetContext(ctx, &event,
		s.db.Rebind(`SELECT `+eventColumns+` FROM notification_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetEventsBySubject lists the notification events of one subject in creation order
func (s *Store) GetEventsBySubject(ctx context.Context, subjectType, subjectID string) ([]models.NotificationEvent, error) {
	var events []models.NotificationEvent
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT `+eventColumns+` FROM notification_events
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY created_at`), subjectType, subjectID)
	return events, err
}

// MarkEventDelivered closes an event. Downgraded events went out through push only.
func (s *Store) MarkEventDelivered(ctx context.Context, id string, attempts int, downgraded bool, lastErr string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_events
		SET delivered = ?, attempts = ?, downgraded = ?, needs_attention = ?, last_error = ?, delivered_at = ?
		WHERE id = ?`),
		true, attempts, downgraded, downgraded, strPtr(lastErr), s.Now(), id)
	return err
}

// RescheduleEvent records a failed attempt and when to try again
func (s *Store) RescheduleEvent(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE notification_events SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND delivered = ?`),
		attempts, next.UTC(), strPtr(lastErr), id, false)
	return err
}

// GetAttentionEvents lists events that were downgraded after exhausting real-time retries
func (s *Store) GetAttentionEvents(ctx context.Context) ([]models.NotificationEvent, error) {
	var events []models.NotificationEvent
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT `+eventColumns+` FROM notification_events
		WHERE needs_attention = ? ORDER BY created_at`), true)
	return events, err
}
