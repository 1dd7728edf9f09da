package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/store"
	"order-ledger/internal/util"

	"go.uber.org/zap"
)

// LedgerService is the wallet ledger
type LedgerService struct {
	store    LedgerStore
	verifier SignatureVerifier
	deduper  CallbackDeduper
	drawer   RewardDrawer
	dedupTTL time.Duration
	logger   *zap.Logger
}

// NewLedgerService creates a new ledger service. deduper may be nil; the
// database stays the authority on duplicates either way.
func NewLedgerService(
	store LedgerStore,
	verifier SignatureVerifier,
	deduper CallbackDeduper,
	drawer RewardDrawer,
	dedupTTL time.Duration,
) *LedgerService {
	return &LedgerService{
		store:    store,
		verifier: verifier,
		deduper:  deduper,
		drawer:   drawer,
		dedupTTL: dedupTTL,
		logger:   util.GetLogger(),
	}
}

// PostEntryRequest represents a single posting
type PostEntryRequest struct {
	AccountID      string           `json:"account_id"`
	Amount         int64            `json:"amount"`
	Kind           models.EntryKind `json:"kind"`
	ExternalRef    string           `json:"external_ref,omitempty"`
	RelatedOrderID string           `json:"related_order_id,omitempty"`
}

func (r *PostEntryRequest) validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidAmount)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, r.Kind)
	}
	switch {
	case r.Amount == 0:
		return fmt.Errorf("%w: amount must be nonzero", ErrInvalidAmount)
	case r.Kind == models.EntrySpend && r.Amount > 0:
		return fmt.Errorf("%w: spend must be a debit", ErrInvalidAmount)
	case (r.Kind == models.EntryTopup || r.Kind == models.EntryRefund || r.Kind == models.EntryReward) && r.Amount < 0:
		return fmt.Errorf("%w: %s must be a credit", ErrInvalidAmount, r.Kind)
	}
	return nil
}

// OpenAccount returns the owner's wallet account, creating it on first use
func (s *LedgerService) OpenAccount(ctx context.Context, ownerID string) (*models.WalletAccount, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidAmount)
	}
	account, created, err := s.store.CreateAccount(ctx, ownerID)
	if err != nil {
		return nil, translate(err)
	}
	if created {
		s.logger.Info("Wallet account opened",
			zap.String("account_id", account.ID),
			zap.String("owner_id", ownerID))
	}
	return account, nil
}

// PostEntry appends an entry and returns it with the resulting balance.
// Posting an external ref a second time returns the first entry unchanged.
func (s *LedgerService) PostEntry(ctx context.Context, req *PostEntryRequest) (_ *store.PostResult, err error) {
	ctx, span := util.StartSpan(ctx, "LedgerService.PostEntry")
	defer func() { util.EndSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.store.PostEntry(ctx, store.EntryParams{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		ExternalRef:    req.ExternalRef,
		RelatedOrderID: req.RelatedOrderID,
		AllowNegative:  req.Kind == models.EntryAdjustment,
	})
	util.LedgerPostingLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, store.ErrDuplicateRef) {
		// lost a race on the ref against a posting to another account, or the
		// commit itself collided; the stored entry decides
		result, err = s.replay(ctx, req)
	}
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			util.LedgerInsufficientFunds.Inc()
			s.logger.Info("Posting rejected, insufficient funds",
				zap.String("account_id", req.AccountID),
				zap.Int64("amount", req.Amount))
		}
		return nil, translate(err)
	}

	if result.Replayed {
		if err := sameParams(result.Entry, req); err != nil {
			return nil, err
		}
		util.LedgerReplaysTotal.Inc()
		s.logger.Info("Posting replayed",
			zap.String("external_ref", req.ExternalRef),
			zap.String("entry_id", result.Entry.ID))
		return result, nil
	}

	util.LedgerPostingsTotal.WithLabelValues(string(req.Kind)).Inc()
	s.logger.Info("Ledger entry posted",
		zap.String("account_id", req.AccountID),
		zap.String("entry_id", result.Entry.ID),
		zap.String("kind", string(req.Kind)),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", result.Balance))
	return result, nil
}

func (s *LedgerService) replay(ctx context.Context, req *PostEntryRequest) (*store.PostResult, error) {
	if req.ExternalRef == "" {
		return nil, store.ErrDuplicateRef
	}
	prior, err := s.store.GetEntryByRef(ctx, req.ExternalRef)
	if err != nil {
		return nil, err
	}
	return &store.PostResult{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}, nil
}

func sameParams(entry *models.LedgerEntry, req *PostEntryRequest) error {
	if entry.AccountID != req.AccountID || entry.Amount != req.Amount || entry.Kind != req.Kind {
		return fmt.Errorf("%w: %s", ErrRefMismatch, req.ExternalRef)
	}
	return nil
}

// GetBalance returns the cached balance of an account
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (*models.WalletAccount, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	return account, translate(err)
}

// Entries lists an account's entries in posting order
func (s *LedgerService) Entries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	if _, err := s.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.GetEntries(ctx, accountID)
}

// Reconciliation compares the cached balance with the sum of entries
type Reconciliation struct {
	AccountID  string `json:"account_id"`
	Cached     int64  `json:"cached"`
	Derived    int64  `json:"derived"`
	Consistent bool   `json:"consistent"`
}

// Reconcile recomputes an account's balance from its entries
func (s *LedgerService) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	account, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	derived, err := s.store.SumEntries(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum entries: %w", err)
	}

	rec := &Reconciliation{
		AccountID:  accountID,
		Cached:     account.Balance,
		Derived:    derived,
		Consistent: account.Balance == derived,
	}
	if !rec.Consistent {
		s.logger.Error("Balance drift detected",
			zap.String("account_id", accountID),
			zap.Int64("cached", rec.Cached),
			zap.Int64("derived", rec.Derived))
	}
	return rec, nil
}

// PaymentCallback is a top-up confirmation from the payment gateway
type PaymentCallback struct {
	ExternalRef string `json:"external_ref" binding:"required"`
	AccountID   string `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Signature   string `json:"signature"`
}

// CallbackResult reports how a callback was handled
type CallbackResult struct {
	Entry     *models.LedgerEntry `json:"entry"`
	Balance   int64               `json:"balance"`
	Duplicate bool                `json:"duplicate"`
}

// HandlePaymentCallback verifies and posts a gateway top-up. The gateway
// retries until it sees success, so a ref processed before is a success too.
func (s *LedgerService) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) (_ *CallbackResult, err error) {
	ctx, span := util.StartSpan(ctx, "LedgerService.HandlePaymentCallback")
	defer func() { util.EndSpan(span, err) }()

	if err := s.verifier.Verify(cb); err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("invalid_signature").Inc()
		s.logger.Warn("Rejected payment callback",
			zap.String("external_ref", cb.ExternalRef), zap.Error(err))
		return nil, err
	}
	if cb.ExternalRef == "" {
		return nil, fmt.Errorf("%w: external ref is required", ErrInvalidAmount)
	}

	if s.deduper != nil {
		seen, err := s.deduper.CheckIdempotencyKey(ctx, callbackKey(cb.ExternalRef))
		if err != nil {
			s.logger.Warn("Callback dedupe lookup failed", zap.Error(err))
		} else if seen {
			if prior, err := s.store.GetEntryByRef(ctx, cb.ExternalRef); err == nil {
				if err := sameParams(prior, topupRequest(cb)); err != nil {
					util.PaymentCallbacksTotal.WithLabelValues("mismatch").Inc()
					return nil, err
				}
				return s.duplicate(prior), nil
			}
		}
	}

	result, err := s.PostEntry(ctx, topupRequest(cb))
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if s.deduper != nil {
		if err := s.deduper.SetIdempotencyKey(ctx, callbackKey(cb.ExternalRef), result.Entry.ID, s.dedupTTL); err != nil {
			s.logger.Warn("Failed to remember callback", zap.Error(err))
		}
	}

	if result.Replayed {
		return s.duplicate(result.Entry), nil
	}
	util.PaymentCallbacksTotal.WithLabelValues("posted").Inc()
	return &CallbackResult{Entry: result.Entry, Balance: result.Balance}, nil
}

func topupRequest(cb PaymentCallback) *PostEntryRequest {
	return &PostEntryRequest{
		AccountID:   cb.AccountID,
		Amount:      cb.Amount,
		Kind:        models.EntryTopup,
		ExternalRef: cb.ExternalRef,
	}
}

func (s *LedgerService) duplicate(entry *models.LedgerEntry) *CallbackResult {
	util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
	s.logger.Info("Payment callback already processed",
		zap.String("external_ref", deref(entry.ExternalRef)),
		zap.Error(ErrDuplicateCallback))
	return &CallbackResult{Entry: entry, Balance: entry.BalanceAfter, Duplicate: true}
}

// CreditReward credits the outcome of a reward draw. The draw is identified by
// drawID, so a redelivered draw credits once. A zero prize posts nothing.
func (s *LedgerService) CreditReward(ctx context.Context, accountID, tier, drawID string) (*store.PostResult, error) {
	if drawID == "" {
		return nil, fmt.Errorf("%w: draw id is required", ErrInvalidAmount)
	}
	h := fnv.New64a()
	h.Write([]byte(drawID))
	amount, err := s.drawer.Draw(tier, int64(h.Sum64()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount == 0 {
		s.logger.Info("Reward draw won nothing", zap.String("draw_id", drawID), zap.String("tier", tier))
		return nil, nil
	}
	return s.PostEntry(ctx, &PostEntryRequest{
		AccountID:   accountID,
		Amount:      amount,
		Kind:        models.EntryReward,
		ExternalRef: "reward:" + drawID,
	})
}

// SpendForOrder debits an order payment, keyed by the order
func (s *LedgerService) SpendForOrder(ctx context.Context, accountID, orderID string, amount int64) (*store.PostResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: payment must be positive", ErrInvalidAmount)
	}
	return s.PostEntry(ctx, &PostEntryRequest{
		AccountID:      accountID,
		Amount:         -amount,
		Kind:           models.EntrySpend,
		ExternalRef:    orderRef(orderID, "spend"),
		RelatedOrderID: orderID,
	})
}

// RefundOrder returns what an order captured from the account. It is keyed by
// the order, so retrying after a lost response refunds once. Returns nil when
// nothing was captured.
func (s *LedgerService) RefundOrder(ctx context.Context, accountID, orderID string) (*store.PostResult, error) {
	ref := orderRef(orderID, "refund")
	if prior, err := s.store.GetEntryByRef(ctx, ref); err == nil {
		return &store.PostResult{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	captured, err := s.store.OrderNetCapture(ctx, accountID, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute capture: %w", err)
	}
	if captured <= 0 {
		s.logger.Info("Nothing to refund", zap.String("order_id", orderID))
		return nil, nil
	}
	return s.PostEntry(ctx, &PostEntryRequest{
		AccountID:      accountID,
		Amount:         captured,
		Kind:           models.EntryRefund,
		ExternalRef:    ref,
		RelatedOrderID: orderID,
	})
}

func orderRef(orderID, what string) string {
	return fmt.Sprintf("order:%s:%s", orderID, what)
}

func callbackKey(ref string) string {
	return "payment-callback:" + ref
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
