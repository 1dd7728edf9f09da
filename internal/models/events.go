package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeWalletPosted       = "WALLET_POSTED"
	EventTypePaymentTopup       = "PAYMENT_TOPUP"
	EventTypeRewardDrawn        = "REWARD_DRAWN"
	EventTypePush               = "PUSH_NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChanged is the outbox payload of an order transition
type OrderStatusChanged struct {
	BaseEvent
	OrderID     string      `json:"order_id"`
	CustomerID  string      `json:"customer_id"`
	StoreID     string      `json:"store_id"`
	OldStatus   OrderStatus `json:"old_status,omitempty"`
	NewStatus   OrderStatus `json:"new_status"`
	Version     int64       `json:"version"`
	IsAutomatic bool        `json:"is_automatic"`
}

// WalletPosted is the outbox payload of a ledger posting
type WalletPosted struct {
	BaseEvent
	AccountID  string    `json:"account_id"`
	OwnerID    string    `json:"owner_id"`
	EntryID    string    `json:"entry_id"`
	Kind       EntryKind `json:"kind"`
	Amount     int64     `json:"amount"`
	NewBalance int64     `json:"new_balance"`
}

// RealtimeMessage is what subscribers receive on a live channel.
// Clients converge on the latest state by comparing Version/NewBalance
// with what they already hold.
type RealtimeMessage struct {
	SubjectType string      `json:"subject_type"`
	SubjectID   string      `json:"subject_id"`
	NewStatus   OrderStatus `json:"new_status,omitempty"`
	NewBalance  *int64      `json:"new_balance,omitempty"`
	Version     int64       `json:"version,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// PushMessage is handed to the push notification collaborator
type PushMessage struct {
	BaseEvent
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// PaymentTopupEvent is a gateway callback delivered through the message bus
type PaymentTopupEvent struct {
	BaseEvent
	ExternalRef string `json:"external_ref"`
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Signature   string `json:"signature"`
}

// RewardDrawnEvent asks the ledger to credit the result of a gamification draw
type RewardDrawnEvent struct {
	BaseEvent
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
	DrawID    string `json:"draw_id"`
}

// Target prefixes
const (
	TargetCustomerPrefix = "customer:"
	TargetStorePrefix    = "store:"
)

// CustomerTarget names the channel of one customer
func CustomerTarget(customerID string) string {
	return TargetCustomerPrefix + customerID
}

// StoreTarget names the staff channel of one store
func StoreTarget(storeID string) string {
	return TargetStorePrefix + storeID
}

// CustomerFromTarget returns the user id behind a customer target
func CustomerFromTarget(target string) (string, bool) {
	if !strings.HasPrefix(target, TargetCustomerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(target, TargetCustomerPrefix), true
}

// Targets is a set of channel identifiers persisted as a JSON array
type Targets []string

// Value implements driver.Valuer
func (t Targets) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (t *Targets) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported targets type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode targets: %w", err)
	}
	*t = out
	return nil
}

// Payload is a JSON document stored as text
type Payload []byte

// Value implements driver.Valuer
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	return string(p), nil
}

// Scan implements sql.Scanner
func (p *Payload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return nil
}

// MarshalJSON emits the stored document verbatim
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON keeps a copy of the raw document
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append(Payload(nil), data...)
	return nil
}
