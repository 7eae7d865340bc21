// Package memory is an in-memory storage backend with the same unit-of-work
// guarantees as the postgres one: a single mutex serializes units of work,
// and a snapshot taken at the start of each one restores the previous state
// if it fails. Used by tests and demo runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
)

type state struct {
	users         map[string]models.User
	usersByEmail  map[string]string
	wallets       map[string]models.Wallet
	walletByOwner map[string]string
	ledger        []models.LedgerEntry
	orders        map[string]models.Order
	orderSeq      []string
	offers        map[string]models.Offer
	trades        map[string]models.Trade
	tradeSeq      []string
	escrows       map[string]models.EscrowLock
	escrowByTrade map[string]string
	disputes      map[string]models.Dispute
	transfers     map[string]models.BankTransfer
	ratings       map[string]models.Rating
}

func newState() *state {
	return &state{
		users:         make(map[string]models.User),
		usersByEmail:  make(map[string]string),
		wallets:       make(map[string]models.Wallet),
		walletByOwner: make(map[string]string),
		orders:        make(map[string]models.Order),
		offers:        make(map[string]models.Offer),
		trades:        make(map[string]models.Trade),
		escrows:       make(map[string]models.EscrowLock),
		escrowByTrade: make(map[string]string),
		disputes:      make(map[string]models.Dispute),
		transfers:     make(map[string]models.BankTransfer),
		ratings:       make(map[string]models.Rating),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		users:         cloneMap(s.users),
		usersByEmail:  cloneMap(s.usersByEmail),
		wallets:       cloneMap(s.wallets),
		walletByOwner: cloneMap(s.walletByOwner),
		ledger:        append([]models.LedgerEntry(nil), s.ledger...),
		orders:        cloneMap(s.orders),
		orderSeq:      append([]string(nil), s.orderSeq...),
		offers:        cloneMap(s.offers),
		trades:        cloneMap(s.trades),
		tradeSeq:      append([]string(nil), s.tradeSeq...),
		escrows:       cloneMap(s.escrows),
		escrowByTrade: cloneMap(s.escrowByTrade),
		disputes:      cloneMap(s.disputes),
		transfers:     cloneMap(s.transfers),
		ratings:       cloneMap(s.ratings),
	}
}

// Store implements storage.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// RunTx serializes units of work behind the store mutex and restores the
// pre-transaction snapshot if fn fails.
func (s *Store) RunTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memTx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

func ownerKey(userID, currency string) string { return userID + "/" + currency }

// Reads shared between the store (auto-commit) and an open transaction.

func (s *state) getUser(id string) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "user %s not found", id)
	}
	return &u, nil
}

func (s *state) getUserByEmail(email string) (*models.User, error) {
	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "user %s not found", email)
	}
	return s.getUser(id)
}

func (s *state) getWallet(id string) (*models.Wallet, error) {
	w, ok := s.wallets[id]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "wallet %s not found", id)
	}
	return &w, nil
}

func (s *state) getWalletByOwner(userID, currency string) (*models.Wallet, error) {
	id, ok := s.walletByOwner[ownerKey(userID, currency)]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "wallet for user %s in %s not found", userID, currency)
	}
	return s.getWallet(id)
}

func (s *state) listWalletsForUser(userID string) []models.Wallet {
	var out []models.Wallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out
}

func (s *state) ledgerForWallet(walletID string) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out
}

func (s *state) getOrder(id string) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "order %s not found", id)
	}
	return &o, nil
}

func (s *state) listActiveOrders(f storage.OrderFilter) []models.Order {
	var out []models.Order
	// newest first
	for i := len(s.orderSeq) - 1; i >= 0 && len(out) < 50; i-- {
		o := s.orders[s.orderSeq[i]]
		if o.Status != models.OrderActive {
			continue
		}
		if f.Side != "" && o.Side != f.Side {
			continue
		}
		if f.BaseCurrency != "" && o.BaseCurrency != f.BaseCurrency {
			continue
		}
		if f.QuoteCurrency != "" && o.QuoteCurrency != f.QuoteCurrency {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (s *state) getTrade(id string) (*models.Trade, error) {
	t, ok := s.trades[id]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "trade %s not found", id)
	}
	return &t, nil
}

func (s *state) listTradesForUser(userID string) []models.Trade {
	var out []models.Trade
	for i := len(s.tradeSeq) - 1; i >= 0; i-- {
		t := s.trades[s.tradeSeq[i]]
		if t.BuyerID == userID || t.SellerID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (s *state) getEscrowLockByTrade(tradeID string) (*models.EscrowLock, error) {
	id, ok := s.escrowByTrade[tradeID]
	if !ok {
		return nil, exerr.New(exerr.NotFound, "escrow lock for trade %s not found", tradeID)
	}
	l := s.escrows[id]
	return &l, nil
}

// Store-level reads take the mutex so they never observe a unit of work in
// progress.

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getUser(id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getUserByEmail(email)
}

func (s *Store) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getWallet(id)
}

func (s *Store) GetWalletByOwner(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getWalletByOwner(userID, currency)
}

func (s *Store) ListWalletsForUser(ctx context.Context, userID string) ([]models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listWalletsForUser(userID), nil
}

func (s *Store) LedgerForWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ledgerForWallet(walletID), nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getOrder(id)
}

func (s *Store) ListActiveOrders(ctx context.Context, f storage.OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listActiveOrders(f), nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getTrade(id)
}

func (s *Store) ListTradesForUser(ctx context.Context, userID string) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listTradesForUser(userID), nil
}

func (s *Store) GetEscrowLockByTrade(ctx context.Context, tradeID string) (*models.EscrowLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getEscrowLockByTrade(tradeID)
}

// memTx runs with the store mutex held by RunTx, so plain reads double as
// locked reads.
type memTx struct {
	st *state
}

func (t *memTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	return t.st.getUser(id)
}

func (t *memTx) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return t.st.getUserByEmail(email)
}

func (t *memTx) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	return t.st.getWallet(id)
}

func (t *memTx) GetWalletByOwner(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	return t.st.getWalletByOwner(userID, currency)
}

func (t *memTx) ListWalletsForUser(ctx context.Context, userID string) ([]models.Wallet, error) {
	return t.st.listWalletsForUser(userID), nil
}

func (t *memTx) LedgerForWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	return t.st.ledgerForWallet(walletID), nil
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return t.st.getOrder(id)
}

func (t *memTx) ListActiveOrders(ctx context.Context, f storage.OrderFilter) ([]models.Order, error) {
	return t.st.listActiveOrders(f), nil
}

func (t *memTx) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	return t.st.getTrade(id)
}

func (t *memTx) ListTradesForUser(ctx context.Context, userID string) ([]models.Trade, error) {
	return t.st.listTradesForUser(userID), nil
}

func (t *memTx) GetEscrowLockByTrade(ctx context.Context, tradeID string) (*models.EscrowLock, error) {
	return t.st.getEscrowLockByTrade(tradeID)
}

func (t *memTx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	return t.st.getUser(id)
}

func (t *memTx) GetWalletForUpdate(ctx context.Context, id string) (*models.Wallet, error) {
	return t.st.getWallet(id)
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return t.st.getOrder(id)
}

func (t *memTx) GetTradeForUpdate(ctx context.Context, id string) (*models.Trade, error) {
	return t.st.getTrade(id)
}

func (t *memTx) CreateUser(ctx context.Context, u *models.User) error {
	if _, ok := t.st.usersByEmail[u.Email]; ok {
		return exerr.New(exerr.InvalidState, "email %s already registered", u.Email)
	}
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()
	t.st.users[u.ID] = *u
	t.st.usersByEmail[u.Email] = u.ID
	return nil
}

func (t *memTx) UpdateUserTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	u, err := t.st.getUser(userID)
	if err != nil {
		return err
	}
	u.TOTPSecret = secret
	u.TOTPEnabled = enabled
	t.st.users[userID] = *u
	return nil
}

func (t *memTx) UpdateUserRating(ctx context.Context, userID string, avg decimal.Decimal, count int) error {
	u, err := t.st.getUser(userID)
	if err != nil {
		return err
	}
	u.RatingAvg = avg
	u.RatingCount = count
	t.st.users[userID] = *u
	return nil
}

func (t *memTx) CreateWallet(ctx context.Context, w *models.Wallet) error {
	w.ID = uuid.NewString()
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	t.st.wallets[w.ID] = *w
	t.st.walletByOwner[ownerKey(w.UserID, w.Currency)] = w.ID
	return nil
}

func (t *memTx) UpdateWalletFunds(ctx context.Context, id string, balance, locked decimal.Decimal) error {
	w, err := t.st.getWallet(id)
	if err != nil {
		return err
	}
	w.Balance = balance
	w.Locked = locked
	w.UpdatedAt = time.Now().UTC()
	t.st.wallets[id] = *w
	return nil
}

func (t *memTx) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) error {
	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UTC()
	t.st.orders[o.ID] = *o
	t.st.orderSeq = append(t.st.orderSeq, o.ID)
	return nil
}

func (t *memTx) UpdateOrderFill(ctx context.Context, id string, filled decimal.Decimal, status string) error {
	o, err := t.st.getOrder(id)
	if err != nil {
		return err
	}
	o.Filled = filled
	o.Status = status
	t.st.orders[id] = *o
	return nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, id, status string) error {
	o, err := t.st.getOrder(id)
	if err != nil {
		return err
	}
	o.Status = status
	t.st.orders[id] = *o
	return nil
}

func (t *memTx) CreateOffer(ctx context.Context, o *models.Offer) error {
	o.ID = uuid.NewString()
	o.CreatedAt = time.Now().UTC()
	t.st.offers[o.ID] = *o
	return nil
}

func (t *memTx) CreateTrade(ctx context.Context, tr *models.Trade) error {
	tr.ID = uuid.NewString()
	tr.CreatedAt = time.Now().UTC()
	t.st.trades[tr.ID] = *tr
	t.st.tradeSeq = append(t.st.tradeSeq, tr.ID)
	return nil
}

func (t *memTx) UpdateTradeStatus(ctx context.Context, id, status string) error {
	tr, err := t.st.getTrade(id)
	if err != nil {
		return err
	}
	tr.Status = status
	t.st.trades[id] = *tr
	return nil
}

func (t *memTx) CreateEscrowLock(ctx context.Context, l *models.EscrowLock) error {
	l.ID = uuid.NewString()
	l.CreatedAt = time.Now().UTC()
	t.st.escrows[l.ID] = *l
	t.st.escrowByTrade[l.TradeID] = l.ID
	return nil
}

func (t *memTx) UpdateEscrowLockStatus(ctx context.Context, id, status string) error {
	l, ok := t.st.escrows[id]
	if !ok {
		return exerr.New(exerr.NotFound, "escrow lock %s not found", id)
	}
	l.Status = status
	t.st.escrows[id] = l
	return nil
}

func (t *memTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	d.ID = uuid.NewString()
	d.CreatedAt = time.Now().UTC()
	t.st.disputes[d.ID] = *d
	return nil
}

func (t *memTx) CreateBankTransfer(ctx context.Context, bt *models.BankTransfer) error {
	bt.ID = uuid.NewString()
	bt.CreatedAt = time.Now().UTC()
	t.st.transfers[bt.ID] = *bt
	return nil
}

func (t *memTx) CreateRating(ctx context.Context, r *models.Rating) error {
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC()
	t.st.ratings[r.ID] = *r
	return nil
}
