package models

import "time"

// OrderStatus is a member of the fixed order status set
type OrderStatus string

// Order statuses
const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s belongs to the status set
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusAccepted, OrderStatusPreparing,
		OrderStatusReady, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Order represents a customer order
type Order struct {
	ID              string      `db:"id" json:"id"`
	CustomerID      string      `db:"customer_id" json:"customer_id"`
	StoreID         string      `db:"store_id" json:"store_id"`
	WalletAccountID *string     `db:"wallet_account_id" json:"wallet_account_id,omitempty"`
	Status          OrderStatus `db:"status" json:"status"`
	Version         int64       `db:"version" json:"version"`
	NeedsAttention  bool        `db:"needs_attention" json:"needs_attention"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderStatusHistory is one append-only entry of an order's status log
type OrderStatusHistory struct {
	ID          string      `db:"id" json:"id"`
	OrderID     string      `db:"order_id" json:"order_id"`
	Seq         int64       `db:"seq" json:"seq"`
	FromStatus  OrderStatus `db:"from_status" json:"from_status,omitempty"`
	Status      OrderStatus `db:"status" json:"status"`
	Description string      `db:"description" json:"description"`
	IsAutomatic bool        `db:"is_automatic" json:"is_automatic"`
	ActorID     string      `db:"actor_id" json:"actor_id"`
	ActorRole   ActorRole   `db:"actor_role" json:"actor_role"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// ActorRole is the authorization class of whoever requests a change
type ActorRole string

const (
	ActorCustomer ActorRole = "customer"
	ActorStaff    ActorRole = "staff"
	ActorSystem   ActorRole = "system"
)

// Actor identifies the caller of a state-changing operation
type Actor struct {
	ID   string    `json:"id"`
	Role ActorRole `json:"role"`
}

// SystemActor is used for automatic transitions and compensations
var SystemActor = Actor{ID: "system", Role: ActorSystem}

// WalletAccount holds a stored-value balance in minor units
type WalletAccount struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Balance   int64     `db:"balance" json:"balance"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// EntryKind classifies a ledger entry
type EntryKind string

// Ledger entry kinds
const (
	EntryTopup      EntryKind = "topup"
	EntrySpend      EntryKind = "spend"
	EntryRefund     EntryKind = "refund"
	EntryAdjustment EntryKind = "adjustment"
	EntryReward     EntryKind = "reward"
)

// Valid reports whether k is a known entry kind
func (k EntryKind) Valid() bool {
	switch k {
	case EntryTopup, EntrySpend, EntryRefund, EntryAdjustment, EntryReward:
		return true
	}
	return false
}

// LedgerEntry is an immutable signed movement on a wallet account
type LedgerEntry struct {
	ID             string    `db:"id" json:"id"`
	AccountID      string    `db:"account_id" json:"account_id"`
	Seq            int64     `db:"seq" json:"seq"`
	Amount         int64     `db:"amount" json:"amount"`
	Kind           EntryKind `db:"kind" json:"kind"`
	ExternalRef    *string   `db:"external_ref" json:"external_ref,omitempty"`
	RelatedOrderID *string   `db:"related_order_id" json:"related_order_id,omitempty"`
	BalanceAfter   int64     `db:"balance_after" json:"balance_after"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Notification subjects
const (
	SubjectOrder  = "order"
	SubjectWallet = "wallet"
)

// NotificationEvent is an outbox row consumed by the fanout worker
type NotificationEvent struct {
	ID             string     `db:"id" json:"id"`
	SubjectType    string     `db:"subject_type" json:"subject_type"`
	SubjectID      string     `db:"subject_id" json:"subject_id"`
	Payload        Payload    `db:"payload" json:"payload"`
	Targets        Targets    `db:"targets" json:"targets"`
	Delivered      bool       `db:"delivered" json:"delivered"`
	Attempts       int        `db:"attempts" json:"attempts"`
	Downgraded     bool       `db:"downgraded" json:"downgraded"`
	NeedsAttention bool       `db:"needs_attention" json:"needs_attention"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt  time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
}

// RefundJob is the durable record of a compensating refund owed for a cancelled order
type RefundJob struct {
	OrderID        string     `db:"order_id" json:"order_id"`
	AccountID      string     `db:"account_id" json:"account_id"`
	Attempts       int        `db:"attempts" json:"attempts"`
	Done           bool       `db:"done" json:"done"`
	NeedsAttention bool       `db:"needs_attention" json:"needs_attention"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt  time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
