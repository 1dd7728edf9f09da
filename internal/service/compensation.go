package service

import (
	"context"
	"fmt"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/store"
	"order-ledger/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Refunder posts the compensating refund of a cancelled order
type Refunder interface {
	RefundOrder(ctx context.Context, accountID, orderID string) (*store.PostResult, error)
}

// CompensationOptions tunes refund retries
type CompensationOptions struct {
	BatchSize      int
	Lease          time.Duration
	InlineTries    int
	InlineBackoff  time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	AttentionAfter int
}

// CompensationService settles refunds owed for cancelled orders. A job stays
// pending until its refund posts; flagging it for attention does not stop retries.
type CompensationService struct {
	jobs     RefundJobStore
	refunder Refunder
	opts     CompensationOptions
	now      Clock
	logger   *zap.Logger
}

// NewCompensationService creates a new compensation service
func NewCompensationService(jobs RefundJobStore, refunder Refunder, opts CompensationOptions) *CompensationService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.InlineTries <= 0 {
		opts.InlineTries = 3
	}
	if opts.InlineBackoff <= 0 {
		opts.InlineBackoff = 100 * time.Millisecond
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Minute
	}
	if opts.AttentionAfter <= 0 {
		opts.AttentionAfter = 10
	}
	return &CompensationService{
		jobs:     jobs,
		refunder: refunder,
		opts:     opts,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// ProcessDue leases due refund jobs and works each of them
func (c *CompensationService) ProcessDue(ctx context.Context) (int, error) {
	jobs, err := c.jobs.ClaimDueRefundJobs(ctx, c.opts.BatchSize, c.opts.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim refund jobs: %w", err)
	}
	for i := range jobs {
		if err := c.ProcessJob(ctx, &jobs[i]); err != nil {
			c.logger.Warn("Refund not settled yet",
				zap.String("order_id", jobs[i].OrderID), zap.Error(err))
		}
	}
	return len(jobs), nil
}

// ProcessJob attempts the refund of one job, retrying a few times in place
// before handing the job back to the queue with a delay.
func (c *CompensationService) ProcessJob(ctx context.Context, job *models.RefundJob) (err error) {
	ctx, span := util.StartSpan(ctx, "CompensationService.ProcessJob")
	defer func() { util.EndSpan(span, err) }()

	attempts := job.Attempts
	result, err := backoff.Retry(ctx, func() (*store.PostResult, error) {
		attempts++
		res, err := c.refunder.RefundOrder(ctx, job.AccountID, job.OrderID)
		if err != nil {
			util.RefundAttemptsTotal.WithLabelValues("error").Inc()
			if IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.InlineBackoff)),
		backoff.WithMaxTries(uint(c.opts.InlineTries)),
	)

	if err == nil {
		if err := c.jobs.CompleteRefundJob(ctx, job.OrderID, attempts); err != nil {
			return fmt.Errorf("failed to complete refund job: %w", err)
		}
		util.RefundAttemptsTotal.WithLabelValues("settled").Inc()
		fields := []zap.Field{zap.String("order_id", job.OrderID), zap.Int("attempts", attempts)}
		if result != nil {
			fields = append(fields, zap.Int64("amount", result.Entry.Amount), zap.Bool("replayed", result.Replayed))
		}
		c.logger.Info("Refund settled", fields...)
		return nil
	}

	needsAttention := attempts >= c.opts.AttentionAfter
	next := c.now().Add(retryDelay(c.opts.RetryBase, c.opts.RetryMax, attempts))
	if ferr := c.jobs.FailRefundJob(ctx, job.OrderID, attempts, next, err.Error(), needsAttention); ferr != nil {
		return fmt.Errorf("failed to record refund failure: %w", ferr)
	}
	if needsAttention {
		c.logger.Error("Refund keeps failing, needs attention",
			zap.String("order_id", job.OrderID),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	return err
}
