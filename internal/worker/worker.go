package worker

import (
	"context"
	"sync"
	"time"

	"order-ledger/internal/broker"
	"order-ledger/internal/models"
	"order-ledger/internal/service"
	"order-ledger/internal/util"

	"go.uber.org/zap"
)

// poller runs one unit of work per tick until stopped
type poller struct {
	name     string
	interval time.Duration
	step     func(ctx context.Context) (int, error)
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newPoller(name string, interval time.Duration, step func(ctx context.Context) (int, error)) *poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &poller{
		name:     name,
		interval: interval,
		step:     step,
		logger:   util.GetLogger(),
		done:     make(chan struct{}),
	}
}

// Start runs the loop in the background
func (p *poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("Starting worker", zap.String("worker", p.name))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			// drain while there is work, then wait for the next tick
			for {
				n, err := p.step(ctx)
				if err != nil {
					p.logger.Error("Worker step failed", zap.String("worker", p.name), zap.Error(err))
					break
				}
				if n == 0 || ctx.Err() != nil {
					break
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the loop and waits for the step in progress
func (p *poller) Stop() {
	p.once.Do(func() {
		p.logger.Info("Stopping worker", zap.String("worker", p.name))
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
}

// OutboxWorker drains the notification outbox
type OutboxWorker struct {
	*poller
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(fanout *service.Fanout, interval time.Duration) *OutboxWorker {
	return &OutboxWorker{poller: newPoller("outbox", interval, fanout.DispatchDue)}
}

// AutoTransitionWorker fires due timers of the Redis scheduler
type AutoTransitionWorker struct {
	*poller
}

// NewAutoTransitionWorker creates a new auto-transition worker
func NewAutoTransitionWorker(scheduler *service.RedisScheduler, interval time.Duration, batch int) *AutoTransitionWorker {
	return &AutoTransitionWorker{poller: newPoller("auto-transition", interval, func(ctx context.Context) (int, error) {
		return scheduler.Poll(ctx, batch)
	})}
}

// CallbackWorker consumes gateway callbacks and reward draws from Kafka
type CallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	ledger       *service.LedgerService
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer *broker.Consumer, ledger *service.LedgerService) *CallbackWorker {
	w := &CallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		ledger:       ledger,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentTopup(w.handleTopup)
	w.eventHandler.OnRewardDrawn(w.handleReward)
	return w
}

// Handler exposes the routing of the worker
func (w *CallbackWorker) Handler() *broker.EventHandler {
	return w.eventHandler
}

func (w *CallbackWorker) handleTopup(ctx context.Context, event *models.PaymentTopupEvent) error {
	_, err := w.ledger.HandlePaymentCallback(ctx, service.PaymentCallback{
		ExternalRef: event.ExternalRef,
		AccountID:   event.AccountID,
		Amount:      event.Amount,
		Signature:   event.Signature,
	})
	return err
}

func (w *CallbackWorker) handleReward(ctx context.Context, event *models.RewardDrawnEvent) error {
	_, err := w.ledger.CreditReward(ctx, event.AccountID, event.Tier, event.DrawID)
	return err
}

// Start starts the worker; it blocks until ctx is cancelled
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage, service.IsPermanent)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.consumer.Close()
}
