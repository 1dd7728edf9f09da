package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// AutoTransition is one armed timer: move OrderID from From to To at DueAt,
// provided the order is still at Version.
type AutoTransition struct {
	OrderID  string             `json:"order_id"`
	From     models.OrderStatus `json:"from"`
	To       models.OrderStatus `json:"to"`
	Version  int64              `json:"version"`
	DueAt    time.Time          `json:"due_at"`
	Attempts int                `json:"attempts,omitempty"`
}

// SchedulerOptions tunes how failed firings are retried
type SchedulerOptions struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Minute
	}
	return o
}

func (o SchedulerOptions) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryBase
	b.MaxInterval = o.RetryMax
	return b
}

// TimerScheduler keeps auto-transition timers in process. Timers are lost on
// restart; OrderService.RecoverAutoTransitions re-arms them from the database.
type TimerScheduler struct {
	firer   AutoTransitionFirer
	flagger AttentionFlagger
	opts    SchedulerOptions
	now     Clock
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	gen    uint64
	timers map[string]*armedTimer
}

type armedTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewTimerScheduler creates an in-process scheduler
func NewTimerScheduler(firer AutoTransitionFirer, flagger AttentionFlagger, opts SchedulerOptions) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		firer:   firer,
		flagger: flagger,
		opts:    opts.withDefaults(),
		now:     time.Now,
		logger:  util.GetLogger(),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*armedTimer),
	}
}

// Schedule arms a timer for t, replacing any timer already armed for the order
func (s *TimerScheduler) Schedule(_ context.Context, t AutoTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return errors.New("scheduler stopped")
	}
	if existing, ok := s.timers[t.OrderID]; ok {
		existing.timer.Stop()
	}

	delay := t.DueAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen := s.gen
	s.timers[t.OrderID] = &armedTimer{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { s.fire(t, gen) }),
	}
	return nil
}

// Cancel disarms the timer of an order, if any
func (s *TimerScheduler) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[orderID]; ok {
		existing.timer.Stop()
		delete(s.timers, orderID)
	}
	return nil
}

// Pending reports whether a timer is armed for the order
func (s *TimerScheduler) Pending(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[orderID]
	return ok
}

// Stop disarms every timer and waits for firings in progress
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	for id, armed := range s.timers {
		armed.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *TimerScheduler) fire(t AutoTransition, gen uint64) {
	s.mu.Lock()
	armed, ok := s.timers[t.OrderID]
	if !ok || armed.gen != gen || s.ctx.Err() != nil {
		// cancelled or replaced after the timer went off
		s.mu.Unlock()
		return
	}
	delete(s.timers, t.OrderID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	_, err := backoff.Retry(s.ctx, func() (struct{}, error) {
		err := s.firer.FireAutoTransition(s.ctx, t)
		if err != nil && IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(s.opts.backOff()),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("Auto-transition failed, retrying",
				zap.String("order_id", t.OrderID),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		giveUp(s.ctx, s.flagger, s.logger, t, err)
	}
}

// AutoTransitionQueue is a durable store of armed timers keyed by order
type AutoTransitionQueue interface {
	ScheduleAutoTransition(ctx context.Context, orderID string, payload []byte, dueAt time.Time, replace bool) error
	CancelAutoTransition(ctx context.Context, orderID string) error
	ClaimDueAutoTransitions(ctx context.Context, now time.Time, limit int) ([][]byte, error)
}

// RedisScheduler keeps timers in a durable queue, so they survive restarts.
// Due timers are claimed and fired by Poll, called from a worker loop. A timer
// claimed by a process that dies before firing is gone from the queue;
// OrderService.RecoverAutoTransitions re-arms it at start-up.
type RedisScheduler struct {
	queue   AutoTransitionQueue
	firer   AutoTransitionFirer
	flagger AttentionFlagger
	opts    SchedulerOptions
	now     Clock
	logger  *zap.Logger
}

// NewRedisScheduler creates a queue-backed scheduler
func NewRedisScheduler(queue AutoTransitionQueue, firer AutoTransitionFirer, flagger AttentionFlagger, opts SchedulerOptions) *RedisScheduler {
	return &RedisScheduler{
		queue:   queue,
		firer:   firer,
		flagger: flagger,
		opts:    opts.withDefaults(),
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// Schedule stores t, replacing the order's previous timer
func (s *RedisScheduler) Schedule(ctx context.Context, t AutoTransition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal auto-transition: %w", err)
	}
	return s.queue.ScheduleAutoTransition(ctx, t.OrderID, payload, t.DueAt, true)
}

// Rearm stores t unless the order already has a timer, which may carry retry state
func (s *RedisScheduler) Rearm(ctx context.Context, t AutoTransition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal auto-transition: %w", err)
	}
	return s.queue.ScheduleAutoTransition(ctx, t.OrderID, payload, t.DueAt, false)
}

// Cancel drops the order's timer
func (s *RedisScheduler) Cancel(ctx context.Context, orderID string) error {
	return s.queue.CancelAutoTransition(ctx, orderID)
}

// Poll claims up to limit due timers and fires them. A failed firing is put
// back with a delay unless a newer timer for the order took its place.
func (s *RedisScheduler) Poll(ctx context.Context, limit int) (int, error) {
	payloads, err := s.queue.ClaimDueAutoTransitions(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to claim auto-transitions: %w", err)
	}

	for _, payload := range payloads {
		var t AutoTransition
		if err := json.Unmarshal(payload, &t); err != nil {
			s.logger.Error("Dropping malformed auto-transition", zap.ByteString("payload", payload), zap.Error(err))
			continue
		}

		err := s.firer.FireAutoTransition(ctx, t)
		if err == nil {
			continue
		}
		t.Attempts++
		if IsPermanent(err) || t.Attempts >= s.opts.MaxAttempts {
			giveUp(ctx, s.flagger, s.logger, t, err)
			continue
		}

		delay := retryDelay(s.opts.RetryBase, s.opts.RetryMax, t.Attempts)
		t.DueAt = s.now().Add(delay)
		retry, _ := json.Marshal(t)
		if err := s.queue.ScheduleAutoTransition(ctx, t.OrderID, retry, t.DueAt, false); err != nil {
			s.logger.Error("Failed to requeue auto-transition", zap.String("order_id", t.OrderID), zap.Error(err))
			giveUp(ctx, s.flagger, s.logger, t, err)
			continue
		}
		s.logger.Warn("Auto-transition failed, requeued",
			zap.String("order_id", t.OrderID),
			zap.Int("attempts", t.Attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
	}
	return len(payloads), nil
}

// retryDelay is the wait after the given number of failed attempts: base,
// doubled per further failure, capped at maxDelay
func retryDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()
	delay := base
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func giveUp(ctx context.Context, flagger AttentionFlagger, logger *zap.Logger, t AutoTransition, cause error) {
	util.AutoTransitionsFired.WithLabelValues("exhausted").Inc()
	logger.Error("Auto-transition abandoned, order needs attention",
		zap.String("order_id", t.OrderID),
		zap.String("to", string(t.To)),
		zap.Error(cause))
	if errors.Is(cause, ErrNotFound) || flagger == nil {
		return
	}
	if err := flagger.FlagOrderAttention(context.WithoutCancel(ctx), t.OrderID); err != nil {
		logger.Error("Failed to flag order", zap.String("order_id", t.OrderID), zap.Error(err))
	}
}
