package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/util"

	"go.uber.org/zap"
)

// ChannelPrefix namespaces the live channels of notification targets
const ChannelPrefix = "orders:"

// FanoutOptions tunes outbox delivery
type FanoutOptions struct {
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Fanout delivers outbox events: real-time first, push for customers who are
// not connected. It runs after the originating commit and never undoes it.
type Fanout struct {
	outbox   OutboxStore
	realtime RealtimePublisher
	push     PushSender
	opts     FanoutOptions
	now      Clock
	logger   *zap.Logger
}

// NewFanout creates a new notification fanout
func NewFanout(outbox OutboxStore, realtime RealtimePublisher, push PushSender, opts FanoutOptions) *Fanout {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Minute
	}
	return &Fanout{
		outbox:   outbox,
		realtime: realtime,
		push:     push,
		opts:     opts,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// DispatchDue leases a batch of due events and delivers each. It returns how
// many events were claimed; delivery failures are rescheduled, not returned.
func (f *Fanout) DispatchDue(ctx context.Context) (int, error) {
	events, err := f.outbox.ClaimDueEvents(ctx, f.opts.BatchSize, f.opts.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim events: %w", err)
	}
	for i := range events {
		if err := f.Deliver(ctx, &events[i]); err != nil && !errors.Is(err, ErrDeliveryFailure) {
			f.logger.Error("Failed to record delivery outcome",
				zap.String("event_id", events[i].ID), zap.Error(err))
		}
	}
	return len(events), nil
}

// Deliver makes one delivery attempt for event and records the outcome
func (f *Fanout) Deliver(ctx context.Context, event *models.NotificationEvent) error {
	attempts := event.Attempts + 1

	message, err := realtimeMessage(event)
	if err != nil {
		// an unreadable payload will not get better; give up on the live channel
		f.logger.Error("Undecodable notification payload", zap.String("event_id", event.ID), zap.Error(err))
		return f.downgrade(ctx, event, attempts, err)
	}

	var (
		publishErrs []error
		offline     []string
	)
	for _, target := range event.Targets {
		delivered, err := f.realtime.Publish(ctx, ChannelPrefix+target, message)
		switch {
		case err != nil:
			util.NotificationDeliveries.WithLabelValues("realtime", "error").Inc()
			publishErrs = append(publishErrs, fmt.Errorf("%s: %w", target, err))
		case delivered:
			util.NotificationDeliveries.WithLabelValues("realtime", "delivered").Inc()
		default:
			util.NotificationDeliveries.WithLabelValues("realtime", "offline").Inc()
			offline = append(offline, target)
		}
	}

	if len(publishErrs) > 0 {
		cause := fmt.Errorf("%w: %v", ErrDeliveryFailure, errors.Join(publishErrs...))
		if attempts >= f.opts.MaxAttempts {
			return f.downgrade(ctx, event, attempts, cause)
		}

		next := f.now().Add(retryDelay(f.opts.RetryBase, f.opts.RetryMax, attempts))
		if err := f.outbox.RescheduleEvent(ctx, event.ID, attempts, next, cause.Error()); err != nil {
			return fmt.Errorf("failed to reschedule event %s: %w", event.ID, err)
		}
		f.logger.Warn("Real-time delivery failed, will retry",
			zap.String("event_id", event.ID),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(cause))
		return cause
	}

	for _, target := range offline {
		f.pushTo(ctx, target, event)
	}
	return f.outbox.MarkEventDelivered(ctx, event.ID, attempts, false, "")
}

// downgrade stops real-time delivery of event, sends push to its customers
// and marks it delivered with a flag for operators.
func (f *Fanout) downgrade(ctx context.Context, event *models.NotificationEvent, attempts int, cause error) error {
	for _, target := range event.Targets {
		f.pushTo(ctx, target, event)
	}
	util.NotificationDowngrades.Inc()
	f.logger.Error("Notification downgraded to push, needs attention",
		zap.String("event_id", event.ID),
		zap.String("subject_id", event.SubjectID),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	if err := f.outbox.MarkEventDelivered(ctx, event.ID, attempts, true, cause.Error()); err != nil {
		return fmt.Errorf("failed to mark event %s: %w", event.ID, err)
	}
	return cause
}

// pushTo sends a push to the customer behind target. Store channels have no
// push recipient. Push failures are logged only.
func (f *Fanout) pushTo(ctx context.Context, target string, event *models.NotificationEvent) {
	userID, ok := models.CustomerFromTarget(target)
	if !ok {
		f.logger.Info("No push recipient for target, skipping",
			zap.String("event_id", event.ID), zap.String("target", target))
		return
	}

	title, body := pushText(event)
	if err := f.push.SendPush(ctx, userID, title, body); err != nil {
		util.NotificationDeliveries.WithLabelValues("push", "error").Inc()
		f.logger.Warn("Push failed",
			zap.String("event_id", event.ID),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	util.NotificationDeliveries.WithLabelValues("push", "sent").Inc()
}

func realtimeMessage(event *models.NotificationEvent) ([]byte, error) {
	msg := models.RealtimeMessage{
		SubjectType: event.SubjectType,
		SubjectID:   event.SubjectID,
		Timestamp:   event.CreatedAt,
	}
	switch event.SubjectType {
	case models.SubjectOrder:
		var p models.OrderStatusChanged
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return nil, err
		}
		msg.NewStatus = p.NewStatus
		msg.Version = p.Version
	case models.SubjectWallet:
		var p models.WalletPosted
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return nil, err
		}
		balance := p.NewBalance
		msg.NewBalance = &balance
	default:
		return nil, fmt.Errorf("unknown subject type %q", event.SubjectType)
	}
	return json.Marshal(msg)
}

func pushText(event *models.NotificationEvent) (string, string) {
	switch event.SubjectType {
	case models.SubjectOrder:
		var p models.OrderStatusChanged
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			short := shortID(p.OrderID)
			if p.EventType == models.EventTypeOrderCreated {
				return "Order received", fmt.Sprintf("Order %s has been placed", short)
			}
			return "Order update", fmt.Sprintf("Order %s is now %s", short, p.NewStatus)
		}
	case models.SubjectWallet:
		var p models.WalletPosted
		if err := json.Unmarshal(event.Payload, &p); err == nil {
			return "Wallet update", fmt.Sprintf("%s of %d posted, balance %d", p.Kind, p.Amount, p.NewBalance)
		}
	}
	return "Update", "You have a new update"
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
