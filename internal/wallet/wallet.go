// Package wallet owns every legal balance transition. Each mutation writes
// exactly one ledger entry per balance field touched, inside the caller's
// unit of work, so balance+locked never changes without an audit record.
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
)

// Manager applies balance transitions to wallets.
type Manager struct {
	log *zap.Logger
}

// NewManager creates a wallet manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{log: log}
}

// EnsureWallet returns the wallet for the (owner, currency) pair, creating
// it with zero funds on first reference. Idempotent.
func (m *Manager) EnsureWallet(ctx context.Context, tx storage.Tx, userID, currency string) (*models.Wallet, error) {
	w, err := tx.GetWalletByOwner(ctx, userID, currency)
	if err == nil {
		return w, nil
	}
	if !exerr.Is(err, exerr.NotFound) {
		return nil, err
	}

	w = &models.Wallet{
		UserID:   userID,
		Currency: currency,
		Balance:  decimal.Zero,
		Locked:   decimal.Zero,
	}
	if err := tx.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	m.log.Info("wallet created", zap.String("wallet_id", w.ID), zap.String("user_id", userID), zap.String("currency", currency))
	return w, nil
}

// AdjustBalance unconditionally credits or debits the available balance and
// appends one ledger entry. Debit callers must have validated sufficiency
// upstream; the storage constraint still rejects a negative result.
func (m *Manager) AdjustBalance(ctx context.Context, tx storage.Tx, walletID string, amount decimal.Decimal, entryType, direction, refType, refID string) error {
	if !amount.IsPositive() {
		return exerr.New(exerr.InvalidState, "amount must be positive")
	}

	w, err := tx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}

	balance := w.Balance.Add(amount)
	if direction == models.DirectionDebit {
		balance = w.Balance.Sub(amount)
	}
	if err := tx.UpdateWalletFunds(ctx, walletID, balance, w.Locked); err != nil {
		return err
	}
	return tx.AppendLedgerEntry(ctx, &models.LedgerEntry{
		WalletID:  walletID,
		Type:      entryType,
		Amount:    amount,
		Direction: direction,
		RefType:   refType,
		RefID:     refID,
	})
}

// LockFunds moves amount from balance to locked. The wallet row is read
// with an exclusive lock, so the sufficiency check and the mutation are
// atomic with respect to concurrent locks and adjustments.
func (m *Manager) LockFunds(ctx context.Context, tx storage.Tx, walletID string, amount decimal.Decimal, refType, refID string) error {
	if !amount.IsPositive() {
		return exerr.New(exerr.InvalidState, "amount must be positive")
	}

	w, err := tx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	if w.Balance.LessThan(amount) {
		return exerr.New(exerr.InsufficientFunds, "insufficient balance: have %s, need %s", w.Balance, amount)
	}

	if err := tx.UpdateWalletFunds(ctx, walletID, w.Balance.Sub(amount), w.Locked.Add(amount)); err != nil {
		return err
	}
	return tx.AppendLedgerEntry(ctx, &models.LedgerEntry{
		WalletID:  walletID,
		Type:      models.EntryEscrowLock,
		Amount:    amount,
		Direction: models.DirectionDebit,
		RefType:   refType,
		RefID:     refID,
	})
}

// ReleaseFunds removes amount from locked without touching balance; the
// recipient credit is a separate AdjustBalance call by the escrow engine.
// The caller must only release amounts it previously locked, which the
// engine enforces through the escrow lock record.
func (m *Manager) ReleaseFunds(ctx context.Context, tx storage.Tx, walletID string, amount decimal.Decimal, refType, refID string) error {
	if !amount.IsPositive() {
		return exerr.New(exerr.InvalidState, "amount must be positive")
	}

	w, err := tx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	if w.Locked.LessThan(amount) {
		return exerr.New(exerr.InvalidState, "locked funds %s below release amount %s", w.Locked, amount)
	}

	if err := tx.UpdateWalletFunds(ctx, walletID, w.Balance, w.Locked.Sub(amount)); err != nil {
		return err
	}
	return tx.AppendLedgerEntry(ctx, &models.LedgerEntry{
		WalletID:  walletID,
		Type:      models.EntryEscrowRelease,
		Amount:    amount,
		Direction: models.DirectionCredit,
		RefType:   refType,
		RefID:     refID,
	})
}

// Replay folds a wallet's ledger entries into the balance/locked split they
// produce. Used for reconciliation against the stored wallet row.
func Replay(entries []models.LedgerEntry) (balance, locked decimal.Decimal) {
	balance, locked = decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case models.EntryEscrowLock:
			balance = balance.Sub(e.Amount)
			locked = locked.Add(e.Amount)
		case models.EntryEscrowRelease:
			locked = locked.Sub(e.Amount)
		default:
			if e.Direction == models.DirectionCredit {
				balance = balance.Add(e.Amount)
			} else {
				balance = balance.Sub(e.Amount)
			}
		}
	}
	return balance, locked
}
