package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/store"
	"order-ledger/internal/util"

	"go.uber.org/zap"
)

// OrderPayments is the slice of the wallet ledger the state machine calls into
type OrderPayments interface {
	GetBalance(ctx context.Context, accountID string) (*models.WalletAccount, error)
	SpendForOrder(ctx context.Context, accountID, orderID string, amount int64) (*store.PostResult, error)
}

// OrderService is the order state machine. It holds no order state of its own;
// every mutation goes through the store under a row lock.
type OrderService struct {
	store     OrderStore
	payments  OrderPayments
	policy    *Policy
	autoRules map[models.OrderStatus]AutoRule
	scheduler Scheduler
	now       Clock
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	payments OrderPayments,
	policy *Policy,
	rules []AutoRule,
) *OrderService {
	if policy == nil {
		policy = DefaultPolicy()
	}
	autoRules := make(map[models.OrderStatus]AutoRule, len(rules))
	for _, r := range rules {
		autoRules[r.From] = r
	}
	return &OrderService{
		store:     store,
		payments:  payments,
		policy:    policy,
		autoRules: autoRules,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// SetScheduler wires the auto-transition scheduler. Schedulers call back into
// the service, so they are attached after construction.
func (s *OrderService) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID      string `json:"customer_id" binding:"required"`
	StoreID         string `json:"store_id" binding:"required"`
	WalletAccountID string `json:"wallet_account_id,omitempty"`
}

// CreateOrder creates an order in the created status
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest, actor models.Actor) (_ *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer func() { util.EndSpan(span, err) }()

	if actor.Role == models.ActorCustomer && actor.ID != req.CustomerID {
		return nil, fmt.Errorf("%w: customers may only order for themselves", ErrUnauthorized)
	}

	order := &models.Order{
		CustomerID: req.CustomerID,
		StoreID:    req.StoreID,
	}
	if req.WalletAccountID != "" {
		if err := s.checkWallet(ctx, req.WalletAccountID, req.CustomerID); err != nil {
			return nil, err
		}
		walletID := req.WalletAccountID
		order.WalletAccountID = &walletID
	}

	if _, err := s.store.CreateOrder(ctx, order, actor); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("store_id", order.StoreID))
	return order, nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	return order, translate(err)
}

// History returns the status history of an order
func (s *OrderService) History(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.GetOrderHistory(ctx, orderID)
}

// RequestTransition moves order to the status `to`. The order passed in is the
// caller's snapshot: if the stored order moved on since it was read, the call
// fails with ErrConflict and the caller should retry from a fresh read.
func (s *OrderService) RequestTransition(
	ctx context.Context,
	order *models.Order,
	to models.OrderStatus,
	actor models.Actor,
	description string,
	automatic bool,
) (_ *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RequestTransition")
	defer func() { util.EndSpan(span, err) }()

	if order == nil || order.ID == "" {
		return nil, fmt.Errorf("%w: order is required", ErrNotFound)
	}

	result, err := s.store.TransitionOrder(ctx, order.ID, func(current *models.Order) (*store.Transition, error) {
		edge := Edge{From: current.Status, To: to}
		if !to.Valid() || !CanTransition(current.Status, to) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, edge)
		}
		if !s.policy.Allows(edge, actor.Role) {
			return nil, fmt.Errorf("%w: %s may not perform %s", ErrUnauthorized, actor.Role, edge)
		}
		if actor.Role == models.ActorCustomer && actor.ID != current.CustomerID {
			return nil, fmt.Errorf("%w: order belongs to another customer", ErrUnauthorized)
		}
		if order.Version != 0 && order.Version != current.Version {
			return nil, fmt.Errorf("%w: order %s is at version %d, caller read %d",
				ErrConflict, current.ID, current.Version, order.Version)
		}
		return &store.Transition{
			To:            to,
			Description:   description,
			Automatic:     automatic,
			Actor:         actor,
			EnqueueRefund: to == models.OrderStatusCancelled,
		}, nil
	})
	if err != nil {
		err = translate(err)
		util.OrderTransitionsRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(
		string(result.Before.Status), string(to), strconv.FormatBool(automatic)).Inc()
	s.logger.Info("Order transitioned",
		zap.String("order_id", result.Order.ID),
		zap.String("from", string(result.Before.Status)),
		zap.String("to", string(to)),
		zap.Bool("automatic", automatic),
		zap.String("actor", actor.ID))

	s.afterCommit(ctx, result)
	return result.Order, nil
}

// TransitionByID reads the order and requests the transition. expectedVersion,
// when nonzero, pins the caller's view so a stale client gets ErrConflict.
func (s *OrderService) TransitionByID(
	ctx context.Context,
	orderID string,
	to models.OrderStatus,
	actor models.Actor,
	description string,
	expectedVersion int64,
) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 {
		order.Version = expectedVersion
	}
	return s.RequestTransition(ctx, order, to, actor, description, false)
}

// afterCommit runs the follow-ups of a committed transition. Failures here are
// logged and flagged, never returned: the transition already happened.
func (s *OrderService) afterCommit(ctx context.Context, result *store.TransitionResult) {
	if s.scheduler == nil {
		return
	}
	order := result.Order

	if err := s.scheduler.Cancel(ctx, order.ID); err != nil {
		s.logger.Warn("Failed to cancel auto-transition",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	rule, ok := s.autoRules[order.Status]
	if !ok {
		return
	}
	t := AutoTransition{
		OrderID: order.ID,
		From:    rule.From,
		To:      rule.To,
		Version: order.Version,
		DueAt:   order.UpdatedAt.Add(rule.After),
	}
	if err := s.scheduler.Schedule(ctx, t); err != nil {
		s.logger.Error("Failed to schedule auto-transition, order needs attention",
			zap.String("order_id", order.ID), zap.Error(err))
		if flagErr := s.store.FlagOrderAttention(ctx, order.ID); flagErr != nil {
			s.logger.Error("Failed to flag order", zap.String("order_id", order.ID), zap.Error(flagErr))
		}
	}
}

// FireAutoTransition is called by a scheduler when a timer is due. An order that
// already moved on is not an error: there is simply nothing to do.
func (s *OrderService) FireAutoTransition(ctx context.Context, t AutoTransition) error {
	snapshot := &models.Order{ID: t.OrderID, Status: t.From, Version: t.Version}
	description := fmt.Sprintf("automatically moved to %s after timeout", t.To)

	_, err := s.RequestTransition(ctx, snapshot, t.To, models.SystemActor, description, true)
	switch {
	case err == nil:
		util.AutoTransitionsFired.WithLabelValues("applied").Inc()
		return nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		util.AutoTransitionsFired.WithLabelValues("superseded").Inc()
		s.logger.Info("Auto-transition superseded",
			zap.String("order_id", t.OrderID), zap.String("to", string(t.To)), zap.Error(err))
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnauthorized):
		util.AutoTransitionsFired.WithLabelValues("rejected").Inc()
		return Permanent(err)
	default:
		util.AutoTransitionsFired.WithLabelValues("error").Inc()
		return err
	}
}

// RecoverAutoTransitions re-arms timers for orders sitting in an auto-rule status,
// e.g. after a restart lost the in-process timers or a crash lost a claimed
// durable timer. Overdue orders fire right away.
func (s *OrderService) RecoverAutoTransitions(ctx context.Context) (int, error) {
	if s.scheduler == nil {
		return 0, nil
	}
	count := 0
	for _, rule := range s.autoRules {
		orders, err := s.store.GetOrdersByStatus(ctx, rule.From)
		if err != nil {
			return count, fmt.Errorf("failed to list %s orders: %w", rule.From, err)
		}
		for _, o := range orders {
			t := AutoTransition{
				OrderID: o.ID,
				From:    rule.From,
				To:      rule.To,
				Version: o.Version,
				DueAt:   o.UpdatedAt.Add(rule.After),
			}
			if err := s.rearm(ctx, t); err != nil {
				return count, fmt.Errorf("failed to schedule order %s: %w", o.ID, err)
			}
			count++
		}
	}
	s.logger.Info("Auto-transitions recovered", zap.Int("count", count))
	return count, nil
}

// rearm schedules t during recovery. Durable schedulers keep a timer that is
// still armed, so a pending retry is not reset.
func (s *OrderService) rearm(ctx context.Context, t AutoTransition) error {
	if r, ok := s.scheduler.(Rearmer); ok {
		return r.Rearm(ctx, t)
	}
	return s.scheduler.Schedule(ctx, t)
}

// PayWithWallet debits the order's wallet account. The debit is keyed by the
// order, so paying twice charges once.
func (s *OrderService) PayWithWallet(ctx context.Context, orderID string, amount int64, actor models.Actor) (_ *store.PostResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PayWithWallet")
	defer func() { util.EndSpan(span, err) }()

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.ActorCustomer && actor.ID != order.CustomerID {
		return nil, fmt.Errorf("%w: order belongs to another customer", ErrUnauthorized)
	}
	if order.WalletAccountID == nil {
		return nil, fmt.Errorf("%w: order %s has no wallet account", ErrInvalidAmount, orderID)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, order.Status)
	}
	if err := s.checkWallet(ctx, *order.WalletAccountID, order.CustomerID); err != nil {
		return nil, err
	}

	result, err := s.payments.SpendForOrder(ctx, *order.WalletAccountID, order.ID, amount)
	if err != nil {
		return nil, err
	}

	// the order was read without a lock: a cancellation, and its refund, may
	// have committed while the debit was in flight
	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.OrderStatusCancelled {
		return result, nil
	}
	if err := s.store.ReopenRefundJob(ctx, order.ID, *order.WalletAccountID); err != nil {
		s.logger.Error("Failed to reopen refund of cancelled order, order needs attention",
			zap.String("order_id", order.ID), zap.Error(err))
		if flagErr := s.store.FlagOrderAttention(ctx, order.ID); flagErr != nil {
			s.logger.Error("Failed to flag order", zap.String("order_id", order.ID), zap.Error(flagErr))
		}
		return nil, fmt.Errorf("failed to reopen refund: %w", err)
	}
	s.logger.Warn("Order cancelled during payment, refund reopened",
		zap.String("order_id", order.ID),
		zap.Int64("amount", amount))
	return nil, fmt.Errorf("%w: order %s was cancelled during payment, the charge will be refunded",
		ErrInvalidTransition, orderID)
}

// checkWallet rejects wallets that do not belong to the order's customer
func (s *OrderService) checkWallet(ctx context.Context, accountID, customerID string) error {
	account, err := s.payments.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	if account.OwnerID != customerID {
		return fmt.Errorf("%w: wallet %s does not belong to customer %s", ErrUnauthorized, accountID, customerID)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
