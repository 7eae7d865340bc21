// Package storage defines the persistence contract for the exchange core.
// All multi-record mutations run through Store.RunTx, a single atomic unit
// of work: either every effect lands or none do. Rows read for mutation are
// taken with exclusive locks via the ForUpdate getters, so concurrent units
// of work on the same wallet or trade serialize.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/p2p60/exchange/internal/models"
)

// OrderFilter narrows ListActiveOrders.
type OrderFilter struct {
	Side          string
	BaseCurrency  string
	QuoteCurrency string
}

// Querier is the read-only surface, available both on the Store
// (auto-commit reads) and inside a transaction.
type Querier interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	GetWallet(ctx context.Context, id string) (*models.Wallet, error)
	GetWalletByOwner(ctx context.Context, userID, currency string) (*models.Wallet, error)
	ListWalletsForUser(ctx context.Context, userID string) ([]models.Wallet, error)
	LedgerForWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error)

	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListActiveOrders(ctx context.Context, f OrderFilter) ([]models.Order, error)

	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	ListTradesForUser(ctx context.Context, userID string) ([]models.Trade, error)
	GetEscrowLockByTrade(ctx context.Context, tradeID string) (*models.EscrowLock, error)
}

// Tx is the mutable surface of one unit of work. Create methods fill in
// the record's ID and CreatedAt. ForUpdate getters hold an exclusive lock
// on the row until the unit of work ends.
type Tx interface {
	Querier

	CreateUser(ctx context.Context, u *models.User) error
	UpdateUserTOTP(ctx context.Context, userID, secret string, enabled bool) error
	GetUserForUpdate(ctx context.Context, id string) (*models.User, error)
	UpdateUserRating(ctx context.Context, userID string, avg decimal.Decimal, count int) error

	CreateWallet(ctx context.Context, w *models.Wallet) error
	GetWalletForUpdate(ctx context.Context, id string) (*models.Wallet, error)
	UpdateWalletFunds(ctx context.Context, id string, balance, locked decimal.Decimal) error
	AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) error

	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderFill(ctx context.Context, id string, filled decimal.Decimal, status string) error
	UpdateOrderStatus(ctx context.Context, id, status string) error

	CreateOffer(ctx context.Context, o *models.Offer) error

	CreateTrade(ctx context.Context, t *models.Trade) error
	GetTradeForUpdate(ctx context.Context, id string) (*models.Trade, error)
	UpdateTradeStatus(ctx context.Context, id, status string) error

	CreateEscrowLock(ctx context.Context, l *models.EscrowLock) error
	UpdateEscrowLockStatus(ctx context.Context, id, status string) error

	CreateDispute(ctx context.Context, d *models.Dispute) error
	CreateBankTransfer(ctx context.Context, t *models.BankTransfer) error
	CreateRating(ctx context.Context, r *models.Rating) error
}

// Store is the storage backend. RunTx rolls everything back if fn returns
// an error; the error is returned unchanged so business outcomes survive.
type Store interface {
	Querier

	RunTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
