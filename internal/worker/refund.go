package worker

import (
	"time"

	"order-ledger/internal/service"
)

// RefundWorker settles refunds owed for cancelled orders
type RefundWorker struct {
	*poller
}

// NewRefundWorker creates a new refund worker
func NewRefundWorker(compensation *service.CompensationService, interval time.Duration) *RefundWorker {
	return &RefundWorker{poller: newPoller("refund", interval, compensation.ProcessDue)}
}
