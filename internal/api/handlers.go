package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/auth"
	"github.com/p2p60/exchange/internal/bank"
	"github.com/p2p60/exchange/internal/escrow"
	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/rates"
	"github.com/p2p60/exchange/internal/storage"
	"github.com/p2p60/exchange/internal/wallet"
)

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Store   storage.Store
	Engine  *escrow.Engine
	Wallets *wallet.Manager
	Auth    *auth.Service
	Bank    bank.Provider
	Rates   *rates.Service
	Log     *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(store storage.Store, engine *escrow.Engine, wallets *wallet.Manager, authSvc *auth.Service, bankProvider bank.Provider, ratesSvc *rates.Service, log *zap.Logger) *Handler {
	return &Handler{
		Store:   store,
		Engine:  engine,
		Wallets: wallets,
		Auth:    authSvc,
		Bank:    bankProvider,
		Rates:   ratesSvc,
		Log:     log,
	}
}

// Typed request payloads, one per operation. Validated here before anything
// reaches the core.

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type enable2FARequest struct {
	Code string `json:"code"`
}

type transferRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	AccountID string          `json:"account_id"`
}

type createOrderRequest struct {
	Side          string          `json:"side"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	MinLimit      decimal.Decimal `json:"min_limit"`
	MaxLimit      decimal.Decimal `json:"max_limit"`
	PaymentMethod string          `json:"payment_method,omitempty"`
}

type openTradeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type disputeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type rateTradeRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCoreError maps the core error taxonomy onto HTTP statuses.
func respondCoreError(w http.ResponseWriter, err error) {
	kind := exerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case exerr.NotFound:
		status = http.StatusNotFound
	case exerr.Forbidden:
		status = http.StatusForbidden
	case exerr.InvalidState, exerr.OutOfLimits, exerr.InsufficientFunds:
		status = http.StatusBadRequest
	case exerr.Transient:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"error": err.Error(), "code": kind.String()})
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.Log.Warn("registration failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to register user")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": user.ID, "email": user.Email})
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Setup2FA starts TOTP enrollment for the caller.
func (h *Handler) Setup2FA(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	url, err := h.Auth.Setup2FA(r.Context(), userID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"otpauth_url": url})
}

// Enable2FA confirms TOTP enrollment with a first valid code.
func (h *Handler) Enable2FA(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req enable2FARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Auth.Enable2FA(r.Context(), userID, req.Code); err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

// GetRates returns the current quote snapshot.
func (h *Handler) GetRates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Rates.Current())
}

// ListWallets returns the caller's wallets.
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	wallets, err := h.Store.ListWalletsForUser(r.Context(), userID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wallets)
}

// GetWalletLedger returns the full ledger of one of the caller's wallets.
func (h *Handler) GetWalletLedger(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	walletID := chi.URLParam(r, "id")

	wlt, err := h.Store.GetWallet(r.Context(), walletID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	if wlt.UserID != userID {
		respondError(w, http.StatusForbidden, "wallet not owned by caller")
		return
	}

	entries, err := h.Store.LedgerForWallet(r.Context(), walletID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// Deposit credits the caller's wallet after the bank provider acknowledged
// the transfer.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, models.TransferDeposit)
}

// Withdraw debits the caller's wallet. Sufficiency is checked against the
// wallet row under an exclusive lock before the debit.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, models.TransferWithdraw)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request, kind string) {
	userID, _ := UserID(r.Context())
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Amount.IsPositive() || req.Currency == "" {
		respondError(w, http.StatusBadRequest, "amount and currency required")
		return
	}

	bankReq := bank.TransferRequest{UserID: userID, Amount: req.Amount, Currency: req.Currency, AccountID: req.AccountID}
	var (
		resp bank.TransferResponse
		err  error
	)
	if kind == models.TransferDeposit {
		resp, err = h.Bank.InitiateDeposit(r.Context(), bankReq)
	} else {
		resp, err = h.Bank.InitiateWithdrawal(r.Context(), bankReq)
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "bank provider error")
		return
	}

	transfer := &models.BankTransfer{
		UserID:      userID,
		Type:        kind,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      resp.Status,
		ProviderRef: resp.ProviderRef,
	}
	err = h.Store.RunTx(r.Context(), func(tx storage.Tx) error {
		if err := tx.CreateBankTransfer(r.Context(), transfer); err != nil {
			return err
		}
		wlt, err := h.Wallets.EnsureWallet(r.Context(), tx, userID, req.Currency)
		if err != nil {
			return err
		}
		if kind == models.TransferDeposit {
			return h.Wallets.AdjustBalance(r.Context(), tx, wlt.ID, req.Amount,
				models.EntryDeposit, models.DirectionCredit, models.RefBankTransfer, transfer.ID)
		}

		locked, err := tx.GetWalletForUpdate(r.Context(), wlt.ID)
		if err != nil {
			return err
		}
		if locked.Balance.LessThan(req.Amount) {
			return exerr.New(exerr.InsufficientFunds, "insufficient balance: have %s, need %s", locked.Balance, req.Amount)
		}
		return h.Wallets.AdjustBalance(r.Context(), tx, wlt.ID, req.Amount,
			models.EntryWithdraw, models.DirectionDebit, models.RefBankTransfer, transfer.ID)
	})
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transfer)
}

// CreateOrder posts a resting order.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.Engine.CreateOrder(r.Context(), escrow.CreateOrderCmd{
		UserID:        userID,
		Side:          req.Side,
		BaseCurrency:  req.BaseCurrency,
		QuoteCurrency: req.QuoteCurrency,
		Price:         req.Price,
		Amount:        req.Amount,
		MinLimit:      req.MinLimit,
		MaxLimit:      req.MaxLimit,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

// ListOrders returns active marketplace orders, optionally filtered.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := storage.OrderFilter{
		Side:          r.URL.Query().Get("side"),
		BaseCurrency:  r.URL.Query().Get("base"),
		QuoteCurrency: r.URL.Query().Get("quote"),
	}
	orders, err := h.Store.ListActiveOrders(r.Context(), filter)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

// CloseOrder closes one of the caller's active orders.
func (h *Handler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	order, err := h.Engine.CloseOrder(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// OpenTrade opens a trade against an order, locking seller funds in escrow.
func (h *Handler) OpenTrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req openTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	trade, err := h.Engine.OpenTrade(r.Context(), escrow.OpenTradeCmd{
		OrderID: chi.URLParam(r, "id"),
		TakerID: userID,
		Amount:  req.Amount,
	})
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, trade)
}

// ConfirmPayment marks a trade as paid by the buyer.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	trade, err := h.Engine.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

// ReleaseEscrow settles a confirmed trade.
func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	trade, err := h.Engine.ReleaseEscrow(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

// OpenDispute freezes a trade pending administrative resolution.
func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req disputeRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	trade, err := h.Engine.OpenDispute(r.Context(), chi.URLParam(r, "id"), userID, req.Reason)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

// RateTrade records post-trade feedback.
func (h *Handler) RateTrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	var req rateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Engine.RateTrade(r.Context(), chi.URLParam(r, "id"), userID, req.Score, req.Comment); err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListTrades returns the caller's trade history.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	trades, err := h.Store.ListTradesForUser(r.Context(), userID)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
