package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, customer_id, store_id, wallet_account_id, status, version, needs_attention, created_at, updated_at`

const historyColumns = `id, order_id, seq, from_status, status, description, is_automatic, actor_id, actor_role, created_at`

// Transition describes the change a TransitionFunc wants committed
type Transition struct {
	To            models.OrderStatus
	Description   string
	Automatic     bool
	Actor         models.Actor
	EnqueueRefund bool
}

// TransitionFunc inspects the locked, freshly read order and either rejects
// the change with an error or returns the transition to apply.
type TransitionFunc func(current *models.Order) (*Transition, error)

// TransitionResult is what a committed transition produced
type TransitionResult struct {
	Before  models.Order
	Order   *models.Order
	History *models.OrderStatusHistory
	Event   *models.NotificationEvent
}

// CreateOrder inserts an order in its initial status with its first history entry and notification
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, actor models.Actor) (*models.OrderStatusHistory, error) {
	now := s.Now()
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	order.Status = models.OrderStatusCreated
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now

	history := &models.OrderStatusHistory{
		ID:          uuid.New().String(),
		OrderID:     order.ID,
		Seq:         order.Version,
		Status:      order.Status,
		Description: "order created",
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		CreatedAt:   now,
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			order.ID, order.CustomerID, order.StoreID, order.WalletAccountID,
			order.Status, order.Version, order.NeedsAttention, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}

		event, err := orderEvent(models.EventTypeOrderCreated, "", order, false, now)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, s.db.Rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByStatus lists orders currently sitting in status
func (s *Store) GetOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		s.db.Rebind(`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY updated_at`), status)
	return orders, err
}

// TransitionOrder locks the order row, lets check validate the fresh state and, if it
// approves, commits the status change, its history entry, the notification outbox row
// and an optional refund job in one transaction.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, check TransitionFunc) (*TransitionResult, error) {
	var result *TransitionResult

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current models.Order
		err := tx.GetContext(ctx, &current,
			tx.Rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`+s.forUpdate()), orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		t, err := check(&current)
		if err != nil {
			return err
		}

		now := s.Now()
		if now.Before(current.UpdatedAt) {
			now = current.UpdatedAt
		}

		updated := current
		updated.Status = t.To
		updated.Version = current.Version + 1
		updated.UpdatedAt = now

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE orders SET status = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`),
			updated.Status, updated.Version, updated.UpdatedAt, current.ID, current.Version)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return ErrVersionMismatch
		}

		history := &models.OrderStatusHistory{
			ID:          uuid.New().String(),
			OrderID:     current.ID,
			Seq:         updated.Version,
			FromStatus:  current.Status,
			Status:      t.To,
			Description: t.Description,
			IsAutomatic: t.Automatic,
			ActorID:     t.Actor.ID,
			ActorRole:   t.Actor.Role,
			CreatedAt:   now,
		}
		if err := insertHistory(ctx, tx, history); err != nil {
			return err
		}

		event, err := orderEvent(models.EventTypeOrderStatusChanged, current.Status, &updated, t.Automatic, now)
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}

		if t.EnqueueRefund && current.WalletAccountID != nil {
			if err := insertRefundJob(ctx, tx, current.ID, *current.WalletAccountID, now); err != nil {
				return err
			}
		}

		result = &TransitionResult{Before: current, Order: &updated, History: history, Event: event}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrderHistory returns the status history of an order in commit order
func (s *Store) GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	var history []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &history,
		s.db.Rebind(`SELECT `+historyColumns+` FROM order_status_history WHERE order_id = ? ORDER BY created_at, seq`),
		orderID)
	return history, err
}

// FlagOrderAttention marks an order for operational follow-up
func (s *Store) FlagOrderAttention(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE orders SET needs_attention = ? WHERE id = ?`), true, orderID)
	return err
}

// GetAttentionOrders lists orders flagged for follow-up
func (s *Store) GetAttentionOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		s.db.Rebind(`SELECT `+orderColumns+` FROM orders WHERE needs_attention = ? ORDER BY updated_at`), true)
	return orders, err
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, h *models.OrderStatusHistory) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO order_status_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		h.ID, h.OrderID, h.Seq, h.FromStatus, h.Status, h.Description,
		h.IsAutomatic, h.ActorID, h.ActorRole, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

func orderEvent(eventType string, from models.OrderStatus, order *models.Order, automatic bool, now time.Time) (*models.NotificationEvent, error) {
	id := uuid.New().String()
	payload, err := json.Marshal(models.OrderStatusChanged{
		BaseEvent: models.BaseEvent{
			EventID:   id,
			EventType: eventType,
			Timestamp: now,
		},
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		StoreID:     order.StoreID,
		OldStatus:   from,
		NewStatus:   order.Status,
		Version:     order.Version,
		IsAutomatic: automatic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order event: %w", err)
	}

	return &models.NotificationEvent{
		ID:            id,
		SubjectType:   models.SubjectOrder,
		SubjectID:     order.ID,
		Payload:       payload,
		Targets:       models.Targets{models.CustomerTarget(order.CustomerID), models.StoreTarget(order.StoreID)},
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}
