// Package postgres implements the storage contract on PostgreSQL. Units of
// work map to transactions; ForUpdate getters use SELECT ... FOR UPDATE so
// concurrent units of work touching the same wallet or trade row serialize.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore initializes a new database connection pool.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool. The caller keeps ownership.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RunTx executes fn inside a single transaction. Any error from fn rolls
// the whole unit of work back and is returned unchanged; begin/commit
// failures surface as transient errors.
func (s *Store) RunTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to commit transaction")
	}
	return nil
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func notFoundOr(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return exerr.New(exerr.NotFound, format, args...)
	}
	return exerr.Wrap(exerr.Transient, err, fmt.Sprintf(format, args...))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const userCols = "id, email, password_hash, COALESCE(totp_secret, ''), totp_enabled, rating_avg, rating_count, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TOTPSecret, &u.TOTPEnabled, &u.RatingAvg, &u.RatingCount, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

const walletCols = "id, user_id, currency, balance, locked, created_at, updated_at"

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.Locked, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

const orderCols = "id, user_id, side, base_currency, quote_currency, price, amount, min_limit, max_limit, filled, COALESCE(payment_method, ''), status, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.BaseCurrency, &o.QuoteCurrency, &o.Price, &o.Amount,
		&o.MinLimit, &o.MaxLimit, &o.Filled, &o.PaymentMethod, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

const tradeCols = "id, order_id, offer_id, buyer_id, seller_id, base_currency, quote_currency, amount, price, fee_amount, status, created_at"

func scanTrade(row pgx.Row) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(&t.ID, &t.OrderID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.BaseCurrency, &t.QuoteCurrency,
		&t.Amount, &t.Price, &t.FeeAmount, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Reads shared between the pool and an open transaction.

func getUser(ctx context.Context, q querier, id string) (*models.User, error) {
	u, err := scanUser(q.QueryRow(ctx, "SELECT "+userCols+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, notFoundOr(err, "user %s not found", id)
	}
	return u, nil
}

func getUserByEmail(ctx context.Context, q querier, email string) (*models.User, error) {
	u, err := scanUser(q.QueryRow(ctx, "SELECT "+userCols+" FROM users WHERE email = $1", email))
	if err != nil {
		return nil, notFoundOr(err, "user %s not found", email)
	}
	return u, nil
}

func getWallet(ctx context.Context, q querier, id string, forUpdate bool) (*models.Wallet, error) {
	sql := "SELECT " + walletCols + " FROM wallets WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	w, err := scanWallet(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFoundOr(err, "wallet %s not found", id)
	}
	return w, nil
}

func getWalletByOwner(ctx context.Context, q querier, userID, currency string) (*models.Wallet, error) {
	w, err := scanWallet(q.QueryRow(ctx,
		"SELECT "+walletCols+" FROM wallets WHERE user_id = $1 AND currency = $2", userID, currency))
	if err != nil {
		return nil, notFoundOr(err, "wallet for user %s in %s not found", userID, currency)
	}
	return w, nil
}

func listWalletsForUser(ctx context.Context, q querier, userID string) ([]models.Wallet, error) {
	rows, err := q.Query(ctx, "SELECT "+walletCols+" FROM wallets WHERE user_id = $1 ORDER BY currency", userID)
	if err != nil {
		return nil, exerr.Wrap(exerr.Transient, err, "failed to list wallets")
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, exerr.Wrap(exerr.Transient, err, "failed to scan wallet")
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func ledgerForWallet(ctx context.Context, q querier, walletID string) ([]models.LedgerEntry, error) {
	rows, err := q.Query(ctx,
		"SELECT id, wallet_id, type, amount, direction, COALESCE(ref_type, ''), COALESCE(ref_id::text, ''), created_at "+
			"FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at, id", walletID)
	if err != nil {
		return nil, exerr.Wrap(exerr.Transient, err, "failed to list ledger entries")
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Type, &e.Amount, &e.Direction, &e.RefType, &e.RefID, &e.CreatedAt); err != nil {
			return nil, exerr.Wrap(exerr.Transient, err, "failed to scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*models.Order, error) {
	sql := "SELECT " + orderCols + " FROM orders WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFoundOr(err, "order %s not found", id)
	}
	return o, nil
}

func listActiveOrders(ctx context.Context, q querier, f storage.OrderFilter) ([]models.Order, error) {
	sql := "SELECT " + orderCols + " FROM orders WHERE status = 'active'"
	args := []any{}
	if f.Side != "" {
		args = append(args, f.Side)
		sql += fmt.Sprintf(" AND side = $%d", len(args))
	}
	if f.BaseCurrency != "" {
		args = append(args, f.BaseCurrency)
		sql += fmt.Sprintf(" AND base_currency = $%d", len(args))
	}
	if f.QuoteCurrency != "" {
		args = append(args, f.QuoteCurrency)
		sql += fmt.Sprintf(" AND quote_currency = $%d", len(args))
	}
	sql += " ORDER BY created_at DESC LIMIT 50"

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, exerr.Wrap(exerr.Transient, err, "failed to list orders")
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, exerr.Wrap(exerr.Transient, err, "failed to scan order")
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func getTrade(ctx context.Context, q querier, id string, forUpdate bool) (*models.Trade, error) {
	sql := "SELECT " + tradeCols + " FROM trades WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	t, err := scanTrade(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFoundOr(err, "trade %s not found", id)
	}
	return t, nil
}

func listTradesForUser(ctx context.Context, q querier, userID string) ([]models.Trade, error) {
	rows, err := q.Query(ctx,
		"SELECT "+tradeCols+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, exerr.Wrap(exerr.Transient, err, "failed to list trades")
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, exerr.Wrap(exerr.Transient, err, "failed to scan trade")
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func getEscrowLockByTrade(ctx context.Context, q querier, tradeID string) (*models.EscrowLock, error) {
	l := &models.EscrowLock{}
	err := q.QueryRow(ctx,
		"SELECT id, trade_id, wallet_id, locked_amount, status, created_at FROM escrow_locks WHERE trade_id = $1",
		tradeID).Scan(&l.ID, &l.TradeID, &l.WalletID, &l.LockedAmount, &l.Status, &l.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "escrow lock for trade %s not found", tradeID)
	}
	return l, nil
}

// Store-level (auto-commit) reads.

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return getUser(ctx, s.pool, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return getUserByEmail(ctx, s.pool, email)
}

func (s *Store) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	return getWallet(ctx, s.pool, id, false)
}

func (s *Store) GetWalletByOwner(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	return getWalletByOwner(ctx, s.pool, userID, currency)
}

func (s *Store) ListWalletsForUser(ctx context.Context, userID string) ([]models.Wallet, error) {
	return listWalletsForUser(ctx, s.pool, userID)
}

func (s *Store) LedgerForWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	return ledgerForWallet(ctx, s.pool, walletID)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

func (s *Store) ListActiveOrders(ctx context.Context, f storage.OrderFilter) ([]models.Order, error) {
	return listActiveOrders(ctx, s.pool, f)
}

func (s *Store) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	return getTrade(ctx, s.pool, id, false)
}

func (s *Store) ListTradesForUser(ctx context.Context, userID string) ([]models.Trade, error) {
	return listTradesForUser(ctx, s.pool, userID)
}

func (s *Store) GetEscrowLockByTrade(ctx context.Context, tradeID string) (*models.EscrowLock, error) {
	return getEscrowLockByTrade(ctx, s.pool, tradeID)
}

// pgTx is one open unit of work.
type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	return getUser(ctx, t.q, id)
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return getUserByEmail(ctx, t.q, email)
}

func (t *pgTx) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	return getWallet(ctx, t.q, id, false)
}

func (t *pgTx) GetWalletByOwner(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	return getWalletByOwner(ctx, t.q, userID, currency)
}

func (t *pgTx) ListWalletsForUser(ctx context.Context, userID string) ([]models.Wallet, error) {
	return listWalletsForUser(ctx, t.q, userID)
}

func (t *pgTx) LedgerForWallet(ctx context.Context, walletID string) ([]models.LedgerEntry, error) {
	return ledgerForWallet(ctx, t.q, walletID)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, t.q, id, false)
}

func (t *pgTx) ListActiveOrders(ctx context.Context, f storage.OrderFilter) ([]models.Order, error) {
	return listActiveOrders(ctx, t.q, f)
}

func (t *pgTx) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	return getTrade(ctx, t.q, id, false)
}

func (t *pgTx) ListTradesForUser(ctx context.Context, userID string) ([]models.Trade, error) {
	return listTradesForUser(ctx, t.q, userID)
}

func (t *pgTx) GetEscrowLockByTrade(ctx context.Context, tradeID string) (*models.EscrowLock, error) {
	return getEscrowLockByTrade(ctx, t.q, tradeID)
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(t.q.QueryRow(ctx, "SELECT "+userCols+" FROM users WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, notFoundOr(err, "user %s not found", id)
	}
	return u, nil
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, id string) (*models.Wallet, error) {
	return getWallet(ctx, t.q, id, true)
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *pgTx) GetTradeForUpdate(ctx context.Context, id string) (*models.Trade, error) {
	return getTrade(ctx, t.q, id, true)
}

func (t *pgTx) CreateUser(ctx context.Context, u *models.User) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id, created_at",
		u.Email, u.PasswordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create user")
	}
	return nil
}

func (t *pgTx) UpdateUserTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE users SET totp_secret = $1, totp_enabled = $2 WHERE id = $3", nullable(secret), enabled, userID)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update totp")
	}
	if tag.RowsAffected() == 0 {
		return exerr.New(exerr.NotFound, "user %s not found", userID)
	}
	return nil
}

func (t *pgTx) UpdateUserRating(ctx context.Context, userID string, avg decimal.Decimal, count int) error {
	_, err := t.q.Exec(ctx,
		"UPDATE users SET rating_avg = $1, rating_count = $2 WHERE id = $3", avg, count, userID)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update rating")
	}
	return nil
}

func (t *pgTx) CreateWallet(ctx context.Context, w *models.Wallet) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO wallets (user_id, currency, balance, locked) VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at",
		w.UserID, w.Currency, w.Balance, w.Locked).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create wallet")
	}
	return nil
}

func (t *pgTx) UpdateWalletFunds(ctx context.Context, id string, balance, locked decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE wallets SET balance = $1, locked = $2, updated_at = NOW() WHERE id = $3", balance, locked, id)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update wallet funds")
	}
	if tag.RowsAffected() == 0 {
		return exerr.New(exerr.NotFound, "wallet %s not found", id)
	}
	return nil
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO ledger_entries (wallet_id, type, amount, direction, ref_type, ref_id) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at",
		e.WalletID, e.Type, e.Amount, e.Direction, nullable(e.RefType), nullable(e.RefID)).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to append ledger entry")
	}
	return nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO orders (user_id, side, base_currency, quote_currency, price, amount, min_limit, max_limit, payment_method, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id, filled, created_at`,
		o.UserID, o.Side, o.BaseCurrency, o.QuoteCurrency, o.Price, o.Amount, o.MinLimit, o.MaxLimit,
		nullable(o.PaymentMethod), o.Status).Scan(&o.ID, &o.Filled, &o.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create order")
	}
	return nil
}

func (t *pgTx) UpdateOrderFill(ctx context.Context, id string, filled decimal.Decimal, status string) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE orders SET filled = $1, status = $2 WHERE id = $3", filled, status, id)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update order fill")
	}
	if tag.RowsAffected() == 0 {
		return exerr.New(exerr.NotFound, "order %s not found", id)
	}
	return nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id, status string) error {
	tag, err := t.q.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update order status")
	}
	if tag.RowsAffected() == 0 {
		return exerr.New(exerr.NotFound, "order %s not found", id)
	}
	return nil
}

func (t *pgTx) CreateOffer(ctx context.Context, o *models.Offer) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO offers (order_id, user_id, amount, price) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		o.OrderID, o.UserID, o.Amount, o.Price).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create offer")
	}
	return nil
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *models.Trade) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO trades (order_id, offer_id, buyer_id, seller_id, base_currency, quote_currency, amount, price, fee_amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id, created_at`,
		tr.OrderID, tr.OfferID, tr.BuyerID, tr.SellerID, tr.BaseCurrency, tr.QuoteCurrency,
		tr.Amount, tr.Price, tr.FeeAmount, tr.Status).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create trade")
	}
	return nil
}

func (t *pgTx) UpdateTradeStatus(ctx context.Context, id, status string) error {
	tag, err := t.q.Exec(ctx, "UPDATE trades SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update trade status")
	}
	if tag.RowsAffected() == 0 {
		return exerr.New(exerr.NotFound, "trade %s not found", id)
	}
	return nil
}

func (t *pgTx) CreateEscrowLock(ctx context.Context, l *models.EscrowLock) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO escrow_locks (trade_id, wallet_id, locked_amount, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		l.TradeID, l.WalletID, l.LockedAmount, l.Status).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create escrow lock")
	}
	return nil
}

func (t *pgTx) UpdateEscrowLockStatus(ctx context.Context, id, status string) error {
	tag, err := t.q.Exec(ctx, "UPDATE escrow_locks SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to update escrow lock")
	}
	if tag.RowsAffected() == 0 {
		return exerr.New(exerr.NotFound, "escrow lock %s not found", id)
	}
	return nil
}

func (t *pgTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO disputes (trade_id, opened_by, reason) VALUES ($1, $2, $3) RETURNING id, created_at",
		d.TradeID, d.OpenedBy, nullable(d.Reason)).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create dispute")
	}
	return nil
}

func (t *pgTx) CreateBankTransfer(ctx context.Context, bt *models.BankTransfer) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO bank_transfers (user_id, type, amount, currency, status, provider_ref) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at",
		bt.UserID, bt.Type, bt.Amount, bt.Currency, bt.Status, nullable(bt.ProviderRef)).Scan(&bt.ID, &bt.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create bank transfer")
	}
	return nil
}

func (t *pgTx) CreateRating(ctx context.Context, r *models.Rating) error {
	err := t.q.QueryRow(ctx,
		"INSERT INTO ratings (trade_id, from_user, to_user, score, comment) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
		r.TradeID, r.FromUser, r.ToUser, r.Score, nullable(r.Comment)).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return exerr.Wrap(exerr.Transient, err, "failed to create rating")
	}
	return nil
}
