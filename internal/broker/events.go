package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the write side of a topic
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher hands push notifications to the push delivery service
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// SendPush publishes a push notification for userID. Messages for one user
// share a key, so they stay ordered.
func (ep *EventPublisher) SendPush(ctx context.Context, userID, title, body string) error {
	event := &models.PushMessage{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePush,
			Timestamp: time.Now().UTC(),
		},
		UserID: userID,
		Title:  title,
		Body:   body,
	}
	return ep.producer.PublishEvent(ctx, "user-"+userID, event)
}

// EventHandler routes inbound events to their handlers
type EventHandler struct {
	onPaymentTopup func(context.Context, *models.PaymentTopupEvent) error
	onRewardDrawn  func(context.Context, *models.RewardDrawnEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentTopup registers a handler for gateway top-up callbacks
func (eh *EventHandler) OnPaymentTopup(handler func(context.Context, *models.PaymentTopupEvent) error) {
	eh.onPaymentTopup = handler
}

// OnRewardDrawn registers a handler for reward draws
func (eh *EventHandler) OnRewardDrawn(handler func(context.Context, *models.RewardDrawnEvent) error) {
	eh.onRewardDrawn = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return &MalformedError{Cause: fmt.Errorf("failed to unmarshal base event: %w", err)}
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentTopup:
		if eh.onPaymentTopup != nil {
			var event models.PaymentTopupEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return &MalformedError{Cause: fmt.Errorf("failed to unmarshal PaymentTopup event: %w", err)}
			}
			return eh.onPaymentTopup(ctx, &event)
		}

	case models.EventTypeRewardDrawn:
		if eh.onRewardDrawn != nil {
			var event models.RewardDrawnEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return &MalformedError{Cause: fmt.Errorf("failed to unmarshal RewardDrawn event: %w", err)}
			}
			return eh.onRewardDrawn(ctx, &event)
		}

	default:
		eh.logger.Info("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}

// MalformedError marks a message that can never be handled
type MalformedError struct {
	Cause error
}

func (e *MalformedError) Error() string { return e.Cause.Error() }

func (e *MalformedError) Unwrap() error { return e.Cause }
