// Package escrow implements the trade state machine:
//
//	locked --confirm(buyer)--> buyer_confirmed --release(seller)--> released
//	{locked, buyer_confirmed} --dispute(either party)--> dispute
//
// Released and dispute are terminal. Every transition that touches more
// than one record runs in a single unit of work with the trade (or order)
// row locked for its duration, so two concurrent attempts at the same
// transition serialize and the loser observes the post-transition state.
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/fees"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
	"github.com/p2p60/exchange/internal/wallet"
)

// Engine drives orders through trades and escrow. It is the only component
// that may lock or unlock wallet funds for trade purposes.
type Engine struct {
	store   storage.Store
	wallets *wallet.Manager
	fees    *fees.Calculator
	pub     Publisher
	log     *zap.Logger

	minOrderAmount decimal.Decimal
	maxOrderAmount decimal.Decimal
}

// NewEngine creates an engine. pub may be nil.
func NewEngine(store storage.Store, wallets *wallet.Manager, calc *fees.Calculator, pub Publisher, log *zap.Logger, minOrder, maxOrder decimal.Decimal) *Engine {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Engine{
		store:          store,
		wallets:        wallets,
		fees:           calc,
		pub:            pub,
		log:            log,
		minOrderAmount: minOrder,
		maxOrderAmount: maxOrder,
	}
}

// CreateOrderCmd posts a resting buy or sell order.
type CreateOrderCmd struct {
	UserID        string
	Side          string
	BaseCurrency  string
	QuoteCurrency string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	MinLimit      decimal.Decimal
	MaxLimit      decimal.Decimal
	PaymentMethod string
}

// CreateOrder validates and inserts an active order.
func (e *Engine) CreateOrder(ctx context.Context, cmd CreateOrderCmd) (*models.Order, error) {
	if cmd.Side != models.SideBuy && cmd.Side != models.SideSell {
		return nil, exerr.New(exerr.InvalidState, "side must be 'buy' or 'sell'")
	}
	if !cmd.Price.IsPositive() {
		return nil, exerr.New(exerr.InvalidState, "price must be positive")
	}
	if cmd.Amount.LessThan(e.minOrderAmount) {
		return nil, exerr.New(exerr.OutOfLimits, "amount below minimum %s", e.minOrderAmount)
	}
	if cmd.Amount.GreaterThan(e.maxOrderAmount) {
		return nil, exerr.New(exerr.OutOfLimits, "amount above maximum %s", e.maxOrderAmount)
	}
	if !cmd.MinLimit.IsPositive() || cmd.MaxLimit.LessThan(cmd.MinLimit) {
		return nil, exerr.New(exerr.InvalidState, "invalid min/max limits")
	}

	order := &models.Order{
		UserID:        cmd.UserID,
		Side:          cmd.Side,
		BaseCurrency:  cmd.BaseCurrency,
		QuoteCurrency: cmd.QuoteCurrency,
		Price:         cmd.Price,
		Amount:        cmd.Amount,
		MinLimit:      cmd.MinLimit,
		MaxLimit:      cmd.MaxLimit,
		Filled:        decimal.Zero,
		PaymentMethod: cmd.PaymentMethod,
		Status:        models.OrderActive,
	}
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("side", order.Side),
		zap.String("pair", order.BaseCurrency+"/"+order.QuoteCurrency))
	return order, nil
}

// CloseOrder closes an active order. Only the owner may close it.
func (e *Engine) CloseOrder(ctx context.Context, orderID, callerID string) (*models.Order, error) {
	var order *models.Order
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != callerID {
			return exerr.New(exerr.Forbidden, "order %s is not owned by caller", orderID)
		}
		if order.Status != models.OrderActive {
			return exerr.New(exerr.InvalidState, "order %s is not active", orderID)
		}
		order.Status = models.OrderClosed
		return tx.UpdateOrderStatus(ctx, orderID, models.OrderClosed)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// OpenTradeCmd opens a trade against a resting order.
type OpenTradeCmd struct {
	OrderID string
	TakerID string
	Amount  decimal.Decimal
}

// OpenTrade creates the offer, locks the seller's funds in the order's base
// currency, creates the trade in the locked state with its escrow lock, and
// advances the order's fill. All of it is one unit of work: either every
// effect lands or none do. The fee is frozen into the trade row at the
// taker rate and not recomputed at release.
func (e *Engine) OpenTrade(ctx context.Context, cmd OpenTradeCmd) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderActive {
			return exerr.New(exerr.InvalidState, "order %s is not active", order.ID)
		}
		if cmd.Amount.LessThan(order.MinLimit) || cmd.Amount.GreaterThan(order.MaxLimit) {
			return exerr.New(exerr.OutOfLimits, "amount %s outside limits [%s, %s]", cmd.Amount, order.MinLimit, order.MaxLimit)
		}

		offer := &models.Offer{
			OrderID: order.ID,
			UserID:  cmd.TakerID,
			Amount:  cmd.Amount,
			Price:   order.Price,
		}
		if err := tx.CreateOffer(ctx, offer); err != nil {
			return err
		}

		sellerID, buyerID := order.UserID, cmd.TakerID
		if order.Side == models.SideBuy {
			sellerID, buyerID = cmd.TakerID, order.UserID
		}

		sellerWallet, err := e.wallets.EnsureWallet(ctx, tx, sellerID, order.BaseCurrency)
		if err != nil {
			return err
		}

		feeAmount := e.fees.Fee(cmd.Amount, false)

		if err := e.wallets.LockFunds(ctx, tx, sellerWallet.ID, cmd.Amount, models.RefTrade, offer.ID); err != nil {
			return err
		}

		trade = &models.Trade{
			OrderID:       order.ID,
			OfferID:       offer.ID,
			BuyerID:       buyerID,
			SellerID:      sellerID,
			BaseCurrency:  order.BaseCurrency,
			QuoteCurrency: order.QuoteCurrency,
			Amount:        cmd.Amount,
			Price:         order.Price,
			FeeAmount:     feeAmount,
			Status:        models.TradeLocked,
		}
		if err := tx.CreateTrade(ctx, trade); err != nil {
			return err
		}
		if err := tx.CreateEscrowLock(ctx, &models.EscrowLock{
			TradeID:      trade.ID,
			WalletID:     sellerWallet.ID,
			LockedAmount: cmd.Amount,
			Status:       models.EscrowActive,
		}); err != nil {
			return err
		}

		filled := order.Filled.Add(cmd.Amount)
		status := order.Status
		if filled.GreaterThanOrEqual(order.Amount) {
			status = models.OrderFilled
		}
		return tx.UpdateOrderFill(ctx, order.ID, filled, status)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("trade opened",
		zap.String("trade_id", trade.ID),
		zap.String("order_id", trade.OrderID),
		zap.String("amount", trade.Amount.String()))
	e.pub.PublishTrade(TradeEvent{Type: EventTradeLocked, Trade: *trade, OccurredAt: time.Now().UTC()})
	return trade, nil
}

// ConfirmPayment records the buyer's assertion that the off-band payment
// happened. No funds move.
func (e *Engine) ConfirmPayment(ctx context.Context, tradeID, callerID string) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		var err error
		trade, err = tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != callerID {
			return exerr.New(exerr.Forbidden, "only the buyer can confirm payment")
		}
		if trade.Status != models.TradeLocked {
			return exerr.New(exerr.InvalidState, "trade %s is not in locked state", tradeID)
		}
		trade.Status = models.TradeBuyerConfirmed
		return tx.UpdateTradeStatus(ctx, tradeID, models.TradeBuyerConfirmed)
	})
	if err != nil {
		return nil, err
	}

	e.pub.PublishTrade(TradeEvent{Type: EventTradeBuyerConfirmed, Trade: *trade, OccurredAt: time.Now().UTC()})
	return trade, nil
}

// ReleaseEscrow settles a confirmed trade: the seller's locked funds are
// released, the buyer is credited amount minus the frozen fee, and the
// trade and its escrow lock become terminal. The trade row stays locked for
// the whole unit of work, so a second concurrent release observes the
// released status and fails with InvalidState. The fee is retained by the
// platform and reconciled by external accounting.
func (e *Engine) ReleaseEscrow(ctx context.Context, tradeID, callerID string) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		var err error
		trade, err = tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.SellerID != callerID {
			return exerr.New(exerr.Forbidden, "only the seller can release escrow")
		}
		if trade.Status != models.TradeBuyerConfirmed {
			return exerr.New(exerr.InvalidState, "trade %s is not confirmed by the buyer", tradeID)
		}

		lock, err := tx.GetEscrowLockByTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if lock.Status != models.EscrowActive {
			return exerr.New(exerr.InvalidState, "escrow lock for trade %s is not active", tradeID)
		}

		buyerWallet, err := e.wallets.EnsureWallet(ctx, tx, trade.BuyerID, trade.BaseCurrency)
		if err != nil {
			return err
		}
		if err := e.wallets.ReleaseFunds(ctx, tx, lock.WalletID, lock.LockedAmount, models.RefTrade, trade.ID); err != nil {
			return err
		}
		credit := lock.LockedAmount.Sub(trade.FeeAmount)
		if err := e.wallets.AdjustBalance(ctx, tx, buyerWallet.ID, credit,
			models.EntryTradeCredit, models.DirectionCredit, models.RefTrade, trade.ID); err != nil {
			return err
		}

		if err := tx.UpdateEscrowLockStatus(ctx, lock.ID, models.EscrowReleased); err != nil {
			return err
		}
		trade.Status = models.TradeReleased
		return tx.UpdateTradeStatus(ctx, tradeID, models.TradeReleased)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("escrow released",
		zap.String("trade_id", trade.ID),
		zap.String("fee", trade.FeeAmount.String()))
	e.pub.PublishTrade(TradeEvent{Type: EventTradeReleased, Trade: *trade, OccurredAt: time.Now().UTC()})
	return trade, nil
}

// OpenDispute freezes a non-terminal trade. Locked funds stay locked;
// resolution is an administrative action outside this engine.
func (e *Engine) OpenDispute(ctx context.Context, tradeID, callerID, reason string) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		var err error
		trade, err = tx.GetTradeForUpdate(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != callerID && trade.SellerID != callerID {
			return exerr.New(exerr.Forbidden, "only a trade party can open a dispute")
		}
		if trade.Status == models.TradeReleased || trade.Status == models.TradeDispute {
			return exerr.New(exerr.InvalidState, "trade %s is already %s", tradeID, trade.Status)
		}

		if err := tx.CreateDispute(ctx, &models.Dispute{
			TradeID:  tradeID,
			OpenedBy: callerID,
			Reason:   reason,
		}); err != nil {
			return err
		}
		trade.Status = models.TradeDispute
		return tx.UpdateTradeStatus(ctx, tradeID, models.TradeDispute)
	})
	if err != nil {
		return nil, err
	}

	e.log.Warn("dispute opened", zap.String("trade_id", trade.ID), zap.String("opened_by", callerID))
	e.pub.PublishTrade(TradeEvent{Type: EventTradeDispute, Trade: *trade, OccurredAt: time.Now().UTC()})
	return trade, nil
}

// RateTrade records post-trade feedback and folds it into the
// counterparty's rating aggregate. Released trades only.
func (e *Engine) RateTrade(ctx context.Context, tradeID, callerID string, score int, comment string) error {
	if score < 1 || score > 5 {
		return exerr.New(exerr.InvalidState, "score must be between 1 and 5")
	}
	return e.store.RunTx(ctx, func(tx storage.Tx) error {
		trade, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != callerID && trade.SellerID != callerID {
			return exerr.New(exerr.Forbidden, "only a trade party can rate")
		}
		if trade.Status != models.TradeReleased {
			return exerr.New(exerr.InvalidState, "trade %s is not completed", tradeID)
		}

		toUser := trade.SellerID
		if callerID == trade.SellerID {
			toUser = trade.BuyerID
		}
		if err := tx.CreateRating(ctx, &models.Rating{
			TradeID:  tradeID,
			FromUser: callerID,
			ToUser:   toUser,
			Score:    score,
			Comment:  comment,
		}); err != nil {
			return err
		}

		u, err := tx.GetUserForUpdate(ctx, toUser)
		if err != nil {
			return err
		}
		count := u.RatingCount + 1
		avg := u.RatingAvg.Mul(decimal.NewFromInt(int64(u.RatingCount))).
			Add(decimal.NewFromInt(int64(score))).
			Div(decimal.NewFromInt(int64(count))).Round(2)
		return tx.UpdateUserRating(ctx, toUser, avg, count)
	})
}
