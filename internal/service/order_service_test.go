package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrder(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	assert.Equal(t, models.OrderStatusCreated, order.Status)
	assert.Equal(t, int64(1), order.Version)

	_, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "someone-else", StoreID: "store-1"}, customer)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHistoryIsValidWalk(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	walk(t, svc, order,
		models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady, models.OrderStatusCompleted)

	history, err := svc.History(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)

	assert.Equal(t, models.OrderStatusCreated, history[0].Status)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].Status, history[i].FromStatus)
		assert.True(t, CanTransition(history[i].FromStatus, history[i].Status))
		assert.Equal(t, history[i-1].Seq+1, history[i].Seq)
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}

	final, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, history[len(history)-1].Status, final.Status)
}

func TestRequestTransitionInvalid(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")

	_, err := svc.RequestTransition(ctx, order, models.OrderStatusReady, staff, "", false)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.RequestTransition(ctx, order, models.OrderStatusCreated, staff, "", false)
	assert.ErrorIs(t, err, ErrInvalidTransition, "re-applying the current status")

	_, err = svc.RequestTransition(ctx, order, "teleported", staff, "", false)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done := walk(t, svc, order, models.OrderStatusCancelled)
	_, err = svc.RequestTransition(ctx, done, models.OrderStatusAccepted, staff, "", false)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	history, err := svc.History(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRequestTransitionUnauthorized(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")

	_, err := svc.RequestTransition(ctx, order, models.OrderStatusAccepted, customer, "", false)
	assert.ErrorIs(t, err, ErrUnauthorized)

	stranger := models.Actor{ID: "cust-2", Role: models.ActorCustomer}
	_, err = svc.RequestTransition(ctx, order, models.OrderStatusCancelled, stranger, "", false)
	assert.ErrorIs(t, err, ErrUnauthorized)

	accepted := walk(t, svc, order, models.OrderStatusAccepted)
	_, err = svc.RequestTransition(ctx, accepted, models.OrderStatusCancelled, customer, "changed my mind", false)
	assert.ErrorIs(t, err, ErrUnauthorized)

	current, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAccepted, current.Status)
}

func TestCustomerCancelsOwnNewOrder(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)

	order := newOrder(t, svc, "")
	cancelled, err := svc.RequestTransition(context.Background(), order, models.OrderStatusCancelled, customer, "changed my mind", false)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
}

func TestRequestTransitionStaleSnapshot(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	stale := *order
	walk(t, svc, order, models.OrderStatusAccepted)

	// accepted > cancelled is a legal edge, but the caller read version 1
	_, err := svc.RequestTransition(ctx, &stale, models.OrderStatusCancelled, staff, "", false)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.TransitionByID(ctx, order.ID, models.OrderStatusPreparing, staff, "", 1)
	assert.ErrorIs(t, err, ErrConflict)

	moved, err := svc.TransitionByID(ctx, order.ID, models.OrderStatusPreparing, staff, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved.Version)
}

func TestConcurrentTransitions(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	targets := []models.OrderStatus{models.OrderStatusAccepted, models.OrderStatusCancelled}
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to models.OrderStatus) {
			defer wg.Done()
			snapshot := *order
			_, errs[i] = svc.RequestTransition(ctx, &snapshot, to, staff, "", false)
		}(i, to)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition), err)
	}
	assert.Equal(t, 1, succeeded)

	history, err := svc.History(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAutoCompleteReadyOrder(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), 50*time.Millisecond)
	timers := NewTimerScheduler(svc, s, SchedulerOptions{RetryBase: time.Millisecond})
	svc.SetScheduler(timers)
	t.Cleanup(timers.Stop)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	walk(t, svc, order, models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)
	assert.True(t, timers.Pending(order.ID))

	require.Eventually(t, func() bool {
		o, err := svc.GetOrder(ctx, order.ID)
		return err == nil && o.Status == models.OrderStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	history, err := svc.History(ctx, order.ID)
	require.NoError(t, err)

	var transitions []models.OrderStatusHistory
	for _, h := range history {
		if h.FromStatus != "" {
			transitions = append(transitions, h)
		}
	}
	require.Len(t, transitions, 4)
	last := transitions[3]
	assert.Equal(t, models.OrderStatusReady, last.FromStatus)
	assert.Equal(t, models.OrderStatusCompleted, last.Status)
	assert.True(t, last.IsAutomatic)
	assert.Equal(t, models.ActorSystem, last.ActorRole)
	for _, h := range transitions[:3] {
		assert.False(t, h.IsAutomatic)
	}
	assert.False(t, timers.Pending(order.ID))
}

func TestCancelBeforeAutoComplete(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), 100*time.Millisecond)
	timers := NewTimerScheduler(svc, s, SchedulerOptions{RetryBase: time.Millisecond})
	svc.SetScheduler(timers)
	t.Cleanup(timers.Stop)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	ready := walk(t, svc, order, models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)
	require.True(t, timers.Pending(order.ID))

	_, err := svc.RequestTransition(ctx, ready, models.OrderStatusCancelled, staff, "customer left", false)
	require.NoError(t, err)
	assert.False(t, timers.Pending(order.ID))

	time.Sleep(250 * time.Millisecond)

	final, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, final.Status)

	history, err := svc.History(ctx, order.ID)
	require.NoError(t, err)
	for _, h := range history {
		assert.NotEqual(t, models.OrderStatusCompleted, h.Status)
		assert.False(t, h.IsAutomatic)
	}
	assert.False(t, final.NeedsAttention)
}

func TestFireAutoTransitionToleratesSupersededOrder(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Hour)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	ready := walk(t, svc, order, models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)
	walk(t, svc, ready, models.OrderStatusCancelled)

	err := svc.FireAutoTransition(ctx, AutoTransition{
		OrderID: order.ID,
		From:    models.OrderStatusReady,
		To:      models.OrderStatusCompleted,
		Version: ready.Version,
	})
	assert.NoError(t, err)

	err = svc.FireAutoTransition(ctx, AutoTransition{OrderID: "missing", From: models.OrderStatusReady, To: models.OrderStatusCompleted})
	assert.True(t, IsPermanent(err))
}

func TestTransitionSchedulesAndCancelsTimers(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), 30*time.Minute)
	sched := newRecordingScheduler()
	svc.SetScheduler(sched)

	order := newOrder(t, svc, "")
	ready := walk(t, svc, order, models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)

	armed, ok := sched.get(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCompleted, armed.To)
	assert.Equal(t, ready.Version, armed.Version)
	assert.WithinDuration(t, ready.UpdatedAt.Add(30*time.Minute), armed.DueAt, time.Second)

	walk(t, svc, ready, models.OrderStatusCompleted)
	_, ok = sched.get(order.ID)
	assert.False(t, ok)
}

func TestScheduleFailureFlagsOrder(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Minute)
	sched := newRecordingScheduler()
	sched.fail = errors.New("redis down")
	svc.SetScheduler(sched)
	ctx := context.Background()

	order := newOrder(t, svc, "")
	ready := walk(t, svc, order, models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)
	assert.Equal(t, models.OrderStatusReady, ready.Status)

	stored, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, stored.NeedsAttention)
}

func TestRecoverAutoTransitions(t *testing.T) {
	s := newTestStore(t)
	svc := newOrders(s, newLedger(s, nil), time.Minute)
	ctx := context.Background()

	first := walk(t, svc, newOrder(t, svc, ""), models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)
	walk(t, svc, newOrder(t, svc, ""), models.OrderStatusAccepted)

	sched := newRecordingScheduler()
	svc.SetScheduler(sched)
	n, err := svc.RecoverAutoTransitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	armed, ok := sched.get(first.ID)
	require.True(t, ok)
	assert.Equal(t, first.Version, armed.Version)
}

func TestPayWithWallet(t *testing.T) {
	s := newTestStore(t)
	ledger := newLedger(s, nil)
	svc := newOrders(s, ledger, time.Hour)
	ctx := context.Background()

	account := fund(t, ledger, customer.ID, 1000)
	order := newOrder(t, svc, account.ID)

	res, err := svc.PayWithWallet(ctx, order.ID, 400, customer)
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.Balance)
	assert.Equal(t, int64(-400), res.Entry.Amount)

	again, err := svc.PayWithWallet(ctx, order.ID, 400, customer)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Entry.ID, again.Entry.ID)

	balance, err := ledger.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.Balance)

	poor := newOrder(t, svc, account.ID)
	_, err = svc.PayWithWallet(ctx, poor.ID, 5000, customer)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	noWallet := newOrder(t, svc, "")
	_, err = svc.PayWithWallet(ctx, noWallet.ID, 10, customer)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateOrderRejectsForeignWallet(t *testing.T) {
	s := newTestStore(t)
	ledger := newLedger(s, nil)
	svc := newOrders(s, ledger, time.Hour)
	ctx := context.Background()

	victim := fund(t, ledger, "cust-2", 1000)

	_, err := svc.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID: customer.ID, StoreID: "store-1", WalletAccountID: victim.ID,
	}, customer)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// staff cannot attach someone else's wallet either
	_, err = svc.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID: customer.ID, StoreID: "store-1", WalletAccountID: victim.ID,
	}, staff)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID: customer.ID, StoreID: "store-1", WalletAccountID: "missing",
	}, customer)
	assert.ErrorIs(t, err, ErrNotFound)

	orders, err := s.GetOrdersByStatus(ctx, models.OrderStatusCreated)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPayWithWalletRejectsForeignWallet(t *testing.T) {
	s := newTestStore(t)
	ledger := newLedger(s, nil)
	svc := newOrders(s, ledger, time.Hour)
	ctx := context.Background()

	victim := fund(t, ledger, "cust-2", 1000)

	// an order that points at another customer's wallet, written past CreateOrder
	order := &models.Order{CustomerID: customer.ID, StoreID: "store-1", WalletAccountID: &victim.ID}
	_, err := s.CreateOrder(ctx, order, customer)
	require.NoError(t, err)

	_, err = svc.PayWithWallet(ctx, order.ID, 500, customer)
	assert.ErrorIs(t, err, ErrUnauthorized)

	balance, err := ledger.GetBalance(ctx, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Balance)

	entries, err := ledger.Entries(ctx, victim.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// cancelDuringSpend cancels the order and settles its refund right before the
// debit lands, the interleaving an unlocked read allows
type cancelDuringSpend struct {
	*LedgerService
	beforeSpend func()
}

func (c *cancelDuringSpend) SpendForOrder(ctx context.Context, accountID, orderID string, amount int64) (*store.PostResult, error) {
	c.beforeSpend()
	return c.LedgerService.SpendForOrder(ctx, accountID, orderID, amount)
}

func TestPayWithWalletRacingCancelIsRefunded(t *testing.T) {
	s := newTestStore(t)
	ledger := newLedger(s, nil)
	payments := &cancelDuringSpend{LedgerService: ledger}
	svc := NewOrderService(s, payments, DefaultPolicy(), DefaultAutoRules(time.Hour))
	comp := NewCompensationService(s, ledger, CompensationOptions{})
	ctx := context.Background()

	account := fund(t, ledger, customer.ID, 1000)
	order := newOrder(t, svc, account.ID)

	payments.beforeSpend = func() {
		walk(t, svc, order, models.OrderStatusCancelled)
		n, err := comp.ProcessDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		job, err := s.GetRefundJob(ctx, order.ID)
		require.NoError(t, err)
		require.True(t, job.Done, "nothing was captured yet")
	}

	_, err := svc.PayWithWallet(ctx, order.ID, 500, customer)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	job, err := s.GetRefundJob(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, job.Done)

	n, err := comp.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = s.GetRefundJob(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, job.Done)

	balance, err := ledger.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Balance)

	entries, err := ledger.Entries(ctx, account.ID)
	require.NoError(t, err)
	var refunded int64
	for _, e := range entries {
		if e.Kind == models.EntryRefund {
			refunded += e.Amount
		}
	}
	assert.Equal(t, int64(500), refunded)
}
