package service

import (
	"context"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/store"
)

// OrderStore is the durable side of the order state machine
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order, actor models.Actor) (*models.OrderStatusHistory, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	TransitionOrder(ctx context.Context, orderID string, check store.TransitionFunc) (*store.TransitionResult, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error)
	FlagOrderAttention(ctx context.Context, orderID string) error
	ReopenRefundJob(ctx context.Context, orderID, accountID string) error
}

// LedgerStore is the durable side of the wallet ledger
type LedgerStore interface {
	CreateAccount(ctx context.Context, ownerID string) (*models.WalletAccount, bool, error)
	GetAccount(ctx context.Context, id string) (*models.WalletAccount, error)
	PostEntry(ctx context.Context, p store.EntryParams) (*store.PostResult, error)
	GetEntryByRef(ctx context.Context, ref string) (*models.LedgerEntry, error)
	GetEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)
	OrderNetCapture(ctx context.Context, accountID, orderID string) (int64, error)
}

// OutboxStore feeds the notification fanout
type OutboxStore interface {
	ClaimDueEvents(ctx context.Context, limit int, lease time.Duration) ([]models.NotificationEvent, error)
	MarkEventDelivered(ctx context.Context, id string, attempts int, downgraded bool, lastErr string) error
	RescheduleEvent(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
}

// RefundJobStore holds compensating refunds owed for cancelled orders
type RefundJobStore interface {
	ClaimDueRefundJobs(ctx context.Context, limit int, lease time.Duration) ([]models.RefundJob, error)
	CompleteRefundJob(ctx context.Context, orderID string, attempts int) error
	FailRefundJob(ctx context.Context, orderID string, attempts int, next time.Time, lastErr string, needsAttention bool) error
}

// RealtimePublisher delivers a message to a named live channel. delivered is
// false when nobody is connected to the channel.
type RealtimePublisher interface {
	Publish(ctx context.Context, channel string, message []byte) (delivered bool, err error)
}

// PushSender is the push notification collaborator
type PushSender interface {
	SendPush(ctx context.Context, userID, title, body string) error
}

// SignatureVerifier authenticates gateway callbacks
type SignatureVerifier interface {
	Verify(cb PaymentCallback) error
}

// CallbackDeduper remembers processed gateway refs at the transport boundary
type CallbackDeduper interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// RewardDrawer is the gamification draw: a pure function of tier and seed
type RewardDrawer interface {
	Draw(tier string, seed int64) (int64, error)
}

// Scheduler arms and disarms auto-transition timers
type Scheduler interface {
	Schedule(ctx context.Context, t AutoTransition) error
	Cancel(ctx context.Context, orderID string) error
}

// Rearmer is a scheduler that can arm a timer only when none is armed for the order
type Rearmer interface {
	Rearm(ctx context.Context, t AutoTransition) error
}

// AutoTransitionFirer is what a scheduler calls when a timer is due
type AutoTransitionFirer interface {
	FireAutoTransition(ctx context.Context, t AutoTransition) error
}

// AttentionFlagger records that an order needs operational follow-up
type AttentionFlagger interface {
	FlagOrderAttention(ctx context.Context, orderID string) error
}

// Clock returns the current time
type Clock func() time.Time
