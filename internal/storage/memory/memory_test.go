package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
)

func TestRunTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	user := &models.User{Email: "alice@test.com", PasswordHash: "hash"}
	require.NoError(t, s.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, user)
	}))

	boom := errors.New("boom")
	err := s.RunTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateWallet(ctx, &models.Wallet{
			UserID:   user.ID,
			Currency: "USDT",
			Balance:  decimal.NewFromInt(100),
		}); err != nil {
			return err
		}
		if err := tx.AppendLedgerEntry(ctx, &models.LedgerEntry{
			WalletID:  "w",
			Type:      models.EntryDeposit,
			Amount:    decimal.NewFromInt(100),
			Direction: models.DirectionCredit,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing written inside the failed unit of work survives.
	_, err = s.GetWalletByOwner(ctx, user.ID, "USDT")
	assert.True(t, exerr.Is(err, exerr.NotFound))
	entries, err := s.LedgerForWallet(ctx, "w")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// State from before the failed unit of work is intact.
	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, got.Email)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, &models.User{Email: "alice@test.com", PasswordHash: "hash"})
	}))
	err := s.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, &models.User{Email: "alice@test.com", PasswordHash: "other"})
	})
	assert.True(t, exerr.Is(err, exerr.InvalidState))
}

func TestListActiveOrdersFiltering(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	mkOrder := func(side, base, status string) {
		require.NoError(t, s.RunTx(ctx, func(tx storage.Tx) error {
			o := &models.Order{
				UserID:        "u1",
				Side:          side,
				BaseCurrency:  base,
				QuoteCurrency: "VES",
				Price:         decimal.NewFromInt(1),
				Amount:        decimal.NewFromInt(100),
				MinLimit:      decimal.NewFromInt(1),
				MaxLimit:      decimal.NewFromInt(100),
				Status:        models.OrderActive,
			}
			if err := tx.CreateOrder(ctx, o); err != nil {
				return err
			}
			if status != models.OrderActive {
				return tx.UpdateOrderStatus(ctx, o.ID, status)
			}
			return nil
		}))
	}

	mkOrder(models.SideSell, "USDT", models.OrderActive)
	mkOrder(models.SideBuy, "USDT", models.OrderActive)
	mkOrder(models.SideSell, "BTC", models.OrderActive)
	mkOrder(models.SideSell, "USDT", models.OrderClosed)

	all, err := s.ListActiveOrders(ctx, storage.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "closed orders excluded")

	sells, err := s.ListActiveOrders(ctx, storage.OrderFilter{Side: models.SideSell, BaseCurrency: "USDT"})
	require.NoError(t, err)
	require.Len(t, sells, 1)
	assert.Equal(t, models.SideSell, sells[0].Side)
	assert.Equal(t, "USDT", sells[0].BaseCurrency)
}

func TestListTradesForUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var first, second string
	require.NoError(t, s.RunTx(ctx, func(tx storage.Tx) error {
		a := &models.Trade{BuyerID: "b", SellerID: "s", Amount: decimal.NewFromInt(1), Status: models.TradeLocked}
		if err := tx.CreateTrade(ctx, a); err != nil {
			return err
		}
		first = a.ID
		b := &models.Trade{BuyerID: "b", SellerID: "other", Amount: decimal.NewFromInt(2), Status: models.TradeLocked}
		if err := tx.CreateTrade(ctx, b); err != nil {
			return err
		}
		second = b.ID
		return nil
	}))

	trades, err := s.ListTradesForUser(ctx, "b")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, second, trades[0].ID)
	assert.Equal(t, first, trades[1].ID)

	trades, err = s.ListTradesForUser(ctx, "s")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, first, trades[0].ID)
}
