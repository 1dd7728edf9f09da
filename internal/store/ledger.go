package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const accountColumns = `id, owner_id, balance, version, created_at, updated_at`

const entryColumns = `id, account_id, seq, amount, kind, external_ref, related_order_id, balance_after, created_at`

// EntryParams describes one posting
type EntryParams struct {
	AccountID      string
	Amount         int64
	Kind           models.EntryKind
	ExternalRef    string
	RelatedOrderID string
	AllowNegative  bool
}

// PostResult is the outcome of a posting; Replayed is set when the external ref
// already existed and the prior entry is returned unchanged.
type PostResult struct {
	Entry    *models.LedgerEntry
	Balance  int64
	Replayed bool
}

// CreateAccount opens a wallet account; an owner has at most one
func (s *Store) CreateAccount(ctx context.Context, ownerID string) (*models.WalletAccount, bool, error) {
	now := s.Now()
	account := &models.WalletAccount{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO wallet_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		account.ID, account.OwnerID, account.Balance, account.Version, account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err) {
		existing, getErr := s.GetAccountByOwner(ctx, ownerID)
		return existing, false, getErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}
	return account, true, nil
}

// GetAccount retrieves a wallet account by ID
func (s *Store) GetAccount(ctx context.Context, id string) (*models.WalletAccount, error) {
	var account models.WalletAccount
	err := s.db.GetContext(ctx, &account,
		s.db.Rebind(`SELECT `+accountColumns+` FROM wallet_accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccountByOwner retrieves the wallet account of an owner
func (s *Store) GetAccountByOwner(ctx context.Context, ownerID string) (*models.WalletAccount, error) {
	var account models.WalletAccount
	err := s.db.GetContext(ctx, &account,
		s.db.Rebind(`SELECT `+accountColumns+` FROM wallet_accounts WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account for owner %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// PostEntry appends one entry under the account row lock. The cached balance,
// the entry and the wallet notification commit together. A known external ref
// replays the stored entry without writing anything.
func (s *Store) PostEntry(ctx context.Context, p EntryParams) (*PostResult, error) {
	var result *PostResult

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var account models.WalletAccount
		err := tx.GetContext(ctx, &account,
			tx.Rebind(`SELECT `+accountColumns+` FROM wallet_accounts WHERE id = ?`+s.forUpdate()), p.AccountID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", p.AccountID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		if p.ExternalRef != "" {
			prior, err := getEntryByRef(ctx, tx, p.ExternalRef)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if prior != nil {
				result = &PostResult{Entry: prior, Balance: prior.BalanceAfter, Replayed: true}
				return nil
			}
		}

		newBalance := account.Balance + p.Amount
		if newBalance < 0 && !p.AllowNegative {
			return ErrInsufficientFunds
		}

		now := s.Now()
		entry := &models.LedgerEntry{
			ID:             uuid.New().String(),
			AccountID:      account.ID,
			Seq:            account.Version + 1,
			Amount:         p.Amount,
			Kind:           p.Kind,
			ExternalRef:    strPtr(p.ExternalRef),
			RelatedOrderID: strPtr(p.RelatedOrderID),
			BalanceAfter:   newBalance,
			CreatedAt:      now,
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			entry.ID, entry.AccountID, entry.Seq, entry.Amount, entry.Kind,
			entry.ExternalRef, entry.RelatedOrderID, entry.BalanceAfter, entry.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateRef
		}
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE wallet_accounts SET balance = ?, version = ?, updated_at = ?
			WHERE id = ?`),
			newBalance, entry.Seq, now, account.ID)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		event, err := walletEvent(&account, entry, now)
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}

		result = &PostResult{Entry: entry, Balance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetEntryByRef retrieves the entry carrying an external ref
func (s *Store) GetEntryByRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.GetContext(ctx, &entry,
		s.db.Rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE external_ref = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetEntries lists the entries of an account in posting order
func (s *Store) GetEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.SelectContext(ctx, &entries,
		s.db.Rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = ? ORDER BY seq`), accountID)
	return entries, err
}

// SumEntries derives an account balance from its entries
func (s *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum,
		s.db.Rebind(`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ?`), accountID)
	return sum, err
}

// OrderNetCapture returns the net amount an order has taken from an account:
// spends minus refunds already returned, as a positive number.
func (s *Store) OrderNetCapture(ctx context.Context, accountID, orderID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, s.db.Rebind(`
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE account_id = ? AND related_order_id = ? AND kind IN (?, ?)`),
		accountID, orderID, models.EntrySpend, models.EntryRefund)
	if err != nil {
		return 0, err
	}
	return -sum, nil
}

func getEntryByRef(ctx context.Context, tx *sqlx.Tx, ref string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := tx.GetContext(ctx, &entry,
		tx.Rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE external_ref = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up external ref: %w", err)
	}
	return &entry, nil
}

func walletEvent(account *models.WalletAccount, entry *models.LedgerEntry, now time.Time) (*models.NotificationEvent, error) {
	id := uuid.New().String()
	payload, err := json.Marshal(models.WalletPosted{
		BaseEvent: models.BaseEvent{
			EventID:   id,
			EventType: models.EventTypeWalletPosted,
			Timestamp: now,
		},
		AccountID:  account.ID,
		OwnerID:    account.OwnerID,
		EntryID:    entry.ID,
		Kind:       entry.Kind,
		Amount:     entry.Amount,
		NewBalance: entry.BalanceAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet event: %w", err)
	}

	return &models.NotificationEvent{
		ID:            id,
		SubjectType:   models.SubjectWallet,
		SubjectID:     account.ID,
		Payload:       payload,
		Targets:       models.Targets{models.CustomerTarget(account.OwnerID)},
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}
