package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetries = SchedulerOptions{MaxAttempts: 3, RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond}

func dueIn(orderID string, d time.Duration, version int64) AutoTransition {
	return AutoTransition{
		OrderID: orderID,
		From:    models.OrderStatusReady,
		To:      models.OrderStatusCompleted,
		Version: version,
		DueAt:   time.Now().Add(d),
	}
}

func newTimerScheduler(t *testing.T, firer AutoTransitionFirer, flagger AttentionFlagger) *TimerScheduler {
	t.Helper()
	s := NewTimerScheduler(firer, flagger, fastRetries)
	t.Cleanup(s.Stop)
	return s
}

func TestTimerSchedulerFires(t *testing.T) {
	firer := &countingFirer{}
	s := newTimerScheduler(t, firer, &recordingFlagger{})

	require.NoError(t, s.Schedule(context.Background(), dueIn("o1", 20*time.Millisecond, 4)))
	assert.True(t, s.Pending("o1"))

	assert.Eventually(t, func() bool {
		_, fired := firer.count()
		return fired == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("o1"))
	assert.Equal(t, int64(4), firer.fired[0].Version)
}

func TestTimerSchedulerOverdueFiresImmediately(t *testing.T) {
	firer := &countingFirer{}
	s := newTimerScheduler(t, firer, &recordingFlagger{})

	require.NoError(t, s.Schedule(context.Background(), dueIn("o1", -time.Hour, 1)))
	assert.Eventually(t, func() bool {
		_, fired := firer.count()
		return fired == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTimerSchedulerCancel(t *testing.T) {
	firer := &countingFirer{}
	s := newTimerScheduler(t, firer, &recordingFlagger{})
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, dueIn("o1", 30*time.Millisecond, 1)))
	require.NoError(t, s.Cancel(ctx, "o1"))
	assert.False(t, s.Pending("o1"))

	time.Sleep(80 * time.Millisecond)
	calls, _ := firer.count()
	assert.Zero(t, calls)
}

func TestTimerSchedulerReplace(t *testing.T) {
	firer := &countingFirer{}
	s := newTimerScheduler(t, firer, &recordingFlagger{})
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, dueIn("o1", 20*time.Millisecond, 1)))
	require.NoError(t, s.Schedule(ctx, dueIn("o1", 20*time.Millisecond, 2)))

	assert.Eventually(t, func() bool {
		_, fired := firer.count()
		return fired == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	calls, _ := firer.count()
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), firer.fired[0].Version)
}

func TestTimerSchedulerRetries(t *testing.T) {
	firer := &countingFirer{failures: 2}
	flagger := &recordingFlagger{}
	s := newTimerScheduler(t, firer, flagger)

	require.NoError(t, s.Schedule(context.Background(), dueIn("o1", 0, 1)))
	assert.Eventually(t, func() bool {
		_, fired := firer.count()
		return fired == 1
	}, time.Second, 5*time.Millisecond)

	calls, _ := firer.count()
	assert.Equal(t, 3, calls)
	assert.Empty(t, flagger.list())
}

func TestTimerSchedulerGivesUpAndFlags(t *testing.T) {
	firer := &countingFirer{failures: 100}
	flagger := &recordingFlagger{}
	s := newTimerScheduler(t, firer, flagger)

	require.NoError(t, s.Schedule(context.Background(), dueIn("o1", 0, 1)))
	assert.Eventually(t, func() bool {
		return len(flagger.list()) == 1
	}, time.Second, 5*time.Millisecond)

	calls, fired := firer.count()
	assert.Equal(t, 3, calls)
	assert.Zero(t, fired)
	assert.Equal(t, []string{"o1"}, flagger.list())
}

func TestTimerSchedulerPermanentErrorIsNotRetried(t *testing.T) {
	firer := &countingFirer{failures: 100, err: Permanent(ErrUnauthorized)}
	flagger := &recordingFlagger{}
	s := newTimerScheduler(t, firer, flagger)

	require.NoError(t, s.Schedule(context.Background(), dueIn("o1", 0, 1)))
	assert.Eventually(t, func() bool {
		return len(flagger.list()) == 1
	}, time.Second, 5*time.Millisecond)

	calls, _ := firer.count()
	assert.Equal(t, 1, calls)
}

func TestTimerSchedulerMissingOrderIsNotFlagged(t *testing.T) {
	firer := &countingFirer{failures: 100, err: Permanent(ErrNotFound)}
	flagger := &recordingFlagger{}
	s := newTimerScheduler(t, firer, flagger)

	require.NoError(t, s.Schedule(context.Background(), dueIn("gone", 0, 1)))
	assert.Eventually(t, func() bool {
		calls, _ := firer.count()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, flagger.list())
}

func TestTimerSchedulerStop(t *testing.T) {
	firer := &countingFirer{}
	s := NewTimerScheduler(firer, &recordingFlagger{}, fastRetries)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, dueIn("o1", 30*time.Millisecond, 1)))
	s.Stop()
	assert.False(t, s.Pending("o1"))
	assert.Error(t, s.Schedule(ctx, dueIn("o2", 0, 1)))

	time.Sleep(60 * time.Millisecond)
	calls, _ := firer.count()
	assert.Zero(t, calls)
}

func newRedisQueue(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisSchedulerPoll(t *testing.T) {
	queue, _ := newRedisQueue(t)
	firer := &countingFirer{}
	s := NewRedisScheduler(queue, firer, &recordingFlagger{}, fastRetries)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, dueIn("due", -time.Second, 3)))
	require.NoError(t, s.Schedule(ctx, dueIn("later", time.Hour, 1)))
	require.NoError(t, s.Schedule(ctx, dueIn("cancelled", -time.Second, 1)))
	require.NoError(t, s.Cancel(ctx, "cancelled"))

	n, err := s.Poll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, firer.fired, 1)
	assert.Equal(t, "due", firer.fired[0].OrderID)
	assert.Equal(t, int64(3), firer.fired[0].Version)

	pending, err := queue.PendingAutoTransitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRedisSchedulerRequeuesThenGivesUp(t *testing.T) {
	queue, _ := newRedisQueue(t)
	firer := &countingFirer{failures: 100}
	flagger := &recordingFlagger{}
	s := NewRedisScheduler(queue, firer, flagger, fastRetries)
	ctx := context.Background()

	require.NoError(t, s.Schedule(ctx, dueIn("o1", -time.Second, 1)))

	for i := 0; i < 3; i++ {
		assert.Eventually(t, func() bool {
			n, err := s.Poll(ctx, 10)
			return err == nil && n == 1
		}, time.Second, 2*time.Millisecond)
	}

	calls, _ := firer.count()
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"o1"}, flagger.list())

	pending, err := queue.PendingAutoTransitions(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisSchedulerCompletesReadyOrder(t *testing.T) {
	st := newTestStore(t)
	queue, _ := newRedisQueue(t)
	orders := newOrders(st, newLedger(st, nil), time.Millisecond)
	sched := NewRedisScheduler(queue, orders, st, fastRetries)
	orders.SetScheduler(sched)
	ctx := context.Background()

	order := walk(t, orders, newOrder(t, orders, ""),
		models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)

	assert.Eventually(t, func() bool {
		n, err := sched.Poll(ctx, 10)
		return err == nil && n == 1
	}, time.Second, 2*time.Millisecond)

	stored, err := orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, stored.Status)

	history, err := orders.History(ctx, order.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.True(t, last.IsAutomatic)
	assert.Equal(t, models.SystemActor.ID, last.ActorID)
}

func TestRecoverRearmsLostRedisTimersOnly(t *testing.T) {
	st := newTestStore(t)
	queue, _ := newRedisQueue(t)
	orders := newOrders(st, newLedger(st, nil), time.Hour)
	sched := NewRedisScheduler(queue, orders, st, fastRetries)
	orders.SetScheduler(sched)
	ctx := context.Background()

	lost := walk(t, orders, newOrder(t, orders, ""),
		models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)
	retrying := walk(t, orders, newOrder(t, orders, ""),
		models.OrderStatusAccepted, models.OrderStatusPreparing, models.OrderStatusReady)

	// a worker claimed this timer and died before firing it
	require.NoError(t, queue.CancelAutoTransition(ctx, lost.ID))

	// this one is waiting out a retry
	armed := dueIn(retrying.ID, time.Minute, retrying.Version)
	armed.Attempts = 2
	payload, err := json.Marshal(armed)
	require.NoError(t, err)
	require.NoError(t, queue.ScheduleAutoTransition(ctx, retrying.ID, payload, armed.DueAt, true))

	pending, err := queue.PendingAutoTransitions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	n, err := orders.RecoverAutoTransitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err = queue.PendingAutoTransitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	raw, err := queue.GetClient().HGet(ctx, "auto_transitions:payload", retrying.ID).Result()
	require.NoError(t, err)
	var kept AutoTransition
	require.NoError(t, json.Unmarshal([]byte(raw), &kept))
	assert.Equal(t, 2, kept.Attempts)

	raw, err = queue.GetClient().HGet(ctx, "auto_transitions:payload", lost.ID).Result()
	require.NoError(t, err)
	var rearmed AutoTransition
	require.NoError(t, json.Unmarshal([]byte(raw), &rearmed))
	assert.Equal(t, lost.Version, rearmed.Version)
	assert.Zero(t, rearmed.Attempts)
}

func TestRedisSchedulerDropsMalformedPayload(t *testing.T) {
	queue, _ := newRedisQueue(t)
	firer := &countingFirer{}
	s := NewRedisScheduler(queue, firer, &recordingFlagger{}, fastRetries)
	ctx := context.Background()

	require.NoError(t, queue.ScheduleAutoTransition(ctx, "o1", []byte("not json"), time.Now().Add(-time.Second), true))
	n, err := s.Poll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls, _ := firer.count()
	assert.Zero(t, calls)
}
