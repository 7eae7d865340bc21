package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses.
const (
	OrderActive = "active"
	OrderFilled = "filled"
	OrderClosed = "closed"
)

// Trade statuses. Released and dispute are terminal.
const (
	TradeLocked         = "locked"
	TradeBuyerConfirmed = "buyer_confirmed"
	TradeReleased       = "released"
	TradeDispute        = "dispute"
)

// Escrow lock statuses.
const (
	EscrowActive   = "active"
	EscrowReleased = "released"
)

// Ledger entry directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Ledger entry types. ESCROW_LOCK and ESCROW_RELEASE move funds between
// the balance and locked columns of the seller's wallet; TRADE_CREDIT is
// the buyer-side balance credit at settlement.
const (
	EntryDeposit       = "DEPOSIT"
	EntryWithdraw      = "WITHDRAW"
	EntryEscrowLock    = "ESCROW_LOCK"
	EntryEscrowRelease = "ESCROW_RELEASE"
	EntryTradeCredit   = "TRADE_CREDIT"
)

// Ledger reference types.
const (
	RefTrade        = "trade"
	RefBankTransfer = "bank_transfer"
)

// Bank transfer types.
const (
	TransferDeposit  = "deposit"
	TransferWithdraw = "withdraw"
)

// User represents a registered user
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	TOTPSecret   string          `json:"-"`
	TOTPEnabled  bool            `json:"totp_enabled"`
	RatingAvg    decimal.Decimal `json:"rating_avg"`
	RatingCount  int             `json:"rating_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Wallet holds the available/locked funds of one (owner, currency) pair.
// Both columns stay non-negative at all times; balance+locked only changes
// together with a matching ledger entry.
type Wallet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Locked    decimal.Decimal `json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntry is an immutable audit record of a single balance-affecting
// event. Entries are appended, never updated or deleted; replaying them in
// creation order reproduces the wallet's balance/locked split.
type LedgerEntry struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"` // positive magnitude
	Direction string          `json:"direction"`
	RefType   string          `json:"ref_type,omitempty"`
	RefID     string          `json:"ref_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Order is a resting offer to buy or sell an amount of base currency at a
// fixed price, with per-trade limits and cumulative fill tracking.
type Order struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Side          string          `json:"side"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	MinLimit      decimal.Decimal `json:"min_limit"`
	MaxLimit      decimal.Decimal `json:"max_limit"`
	Filled        decimal.Decimal `json:"filled"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Offer is a counter-party's proposal against an order. The price is
// snapshotted from the order at acceptance time; offers are immutable.
type Offer struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Trade is the escrow unit between a buyer and a seller. FeeAmount is
// frozen at open time and retained by the platform at release.
type Trade struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	OfferID       string          `json:"offer_id"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EscrowLock references the wallet whose funds back an open trade.
type EscrowLock struct {
	ID           string          `json:"id"`
	TradeID      string          `json:"trade_id"`
	WalletID     string          `json:"wallet_id"`
	LockedAmount decimal.Decimal `json:"locked_amount"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Dispute freezes a trade until an administrative resolution outside this
// service.
type Dispute struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"trade_id"`
	OpenedBy  string    `json:"opened_by"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BankTransfer records a deposit or withdrawal handed to the bank provider.
type BankTransfer struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	ProviderRef string          `json:"provider_ref"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Rating is post-trade feedback from one party about the other.
type Rating struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"trade_id"`
	FromUser  string    `json:"from_user"`
	ToUser    string    `json:"to_user"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
