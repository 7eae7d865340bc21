package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
	"github.com/p2p60/exchange/internal/storage/memory"
)

func newTestUser(t *testing.T, store *memory.Store, email string) string {
	t.Helper()
	user := &models.User{Email: email, PasswordHash: "hash"}
	err := store.RunTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateUser(context.Background(), user)
	})
	require.NoError(t, err)
	return user.ID
}

func TestManager_EnsureWallet(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := NewManager(zap.NewNop())
	userID := newTestUser(t, store, "alice@test.com")

	var first, second *models.Wallet
	err := store.RunTx(ctx, func(tx storage.Tx) error {
		var err error
		first, err = m.EnsureWallet(ctx, tx, userID, "USDT")
		if err != nil {
			return err
		}
		second, err = m.EnsureWallet(ctx, tx, userID, "USDT")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "EnsureWallet must be idempotent")
	assert.True(t, first.Balance.IsZero())
	assert.True(t, first.Locked.IsZero())
}

func TestManager_LockFunds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		deposit  string
		lock     string
		wantKind exerr.Kind
	}{
		{"Success", "1000", "100", exerr.Unknown},
		{"ExactBalance", "100", "100", exerr.Unknown},
		{"Insufficient", "50", "100", exerr.InsufficientFunds},
		{"ZeroAmount", "1000", "0", exerr.InvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			m := NewManager(zap.NewNop())
			userID := newTestUser(t, store, "alice@test.com")

			var walletID string
			err := store.RunTx(ctx, func(tx storage.Tx) error {
				w, err := m.EnsureWallet(ctx, tx, userID, "USDT")
				if err != nil {
					return err
				}
				walletID = w.ID
				return m.AdjustBalance(ctx, tx, w.ID, decimal.RequireFromString(tt.deposit),
					models.EntryDeposit, models.DirectionCredit, "", "")
			})
			require.NoError(t, err)

			err = store.RunTx(ctx, func(tx storage.Tx) error {
				return m.LockFunds(ctx, tx, walletID, decimal.RequireFromString(tt.lock), models.RefTrade, "offer-1")
			})

			w, getErr := store.GetWallet(ctx, walletID)
			require.NoError(t, getErr)

			if tt.wantKind == exerr.Unknown {
				require.NoError(t, err)
				lock := decimal.RequireFromString(tt.lock)
				deposit := decimal.RequireFromString(tt.deposit)
				assert.True(t, w.Balance.Equal(deposit.Sub(lock)), "balance: got %s", w.Balance)
				assert.True(t, w.Locked.Equal(lock), "locked: got %s", w.Locked)
			} else {
				assert.True(t, exerr.Is(err, tt.wantKind), "want %s, got %v", tt.wantKind, err)
				// Failed lock must leave the wallet untouched.
				assert.True(t, w.Balance.Equal(decimal.RequireFromString(tt.deposit)))
				assert.True(t, w.Locked.IsZero())
			}
		})
	}
}

func TestManager_LockThenReleaseRestoresLocked(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := NewManager(zap.NewNop())
	userID := newTestUser(t, store, "alice@test.com")

	var walletID string
	err := store.RunTx(ctx, func(tx storage.Tx) error {
		w, err := m.EnsureWallet(ctx, tx, userID, "USDT")
		if err != nil {
			return err
		}
		walletID = w.ID
		return m.AdjustBalance(ctx, tx, w.ID, decimal.NewFromInt(1000),
			models.EntryDeposit, models.DirectionCredit, "", "")
	})
	require.NoError(t, err)

	amount := decimal.NewFromInt(250)
	err = store.RunTx(ctx, func(tx storage.Tx) error {
		if err := m.LockFunds(ctx, tx, walletID, amount, models.RefTrade, "offer-1"); err != nil {
			return err
		}
		return m.ReleaseFunds(ctx, tx, walletID, amount, models.RefTrade, "trade-1")
	})
	require.NoError(t, err)

	w, err := store.GetWallet(ctx, walletID)
	require.NoError(t, err)
	// Release does not credit balance; only locked returns to its prior value.
	assert.True(t, w.Locked.IsZero(), "locked: got %s", w.Locked)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(750)), "balance: got %s", w.Balance)
}

func TestManager_ReleaseMoreThanLocked(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := NewManager(zap.NewNop())
	userID := newTestUser(t, store, "alice@test.com")

	var walletID string
	err := store.RunTx(ctx, func(tx storage.Tx) error {
		w, err := m.EnsureWallet(ctx, tx, userID, "USDT")
		if err != nil {
			return err
		}
		walletID = w.ID
		return nil
	})
	require.NoError(t, err)

	err = store.RunTx(ctx, func(tx storage.Tx) error {
		return m.ReleaseFunds(ctx, tx, walletID, decimal.NewFromInt(10), models.RefTrade, "trade-1")
	})
	assert.True(t, exerr.Is(err, exerr.InvalidState))
}

func TestLedgerReplayReconciles(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := NewManager(zap.NewNop())
	userID := newTestUser(t, store, "alice@test.com")

	var walletID string
	err := store.RunTx(ctx, func(tx storage.Tx) error {
		w, err := m.EnsureWallet(ctx, tx, userID, "USDT")
		if err != nil {
			return err
		}
		walletID = w.ID

		steps := []func() error{
			func() error {
				return m.AdjustBalance(ctx, tx, walletID, decimal.NewFromInt(1000), models.EntryDeposit, models.DirectionCredit, "", "")
			},
			func() error {
				return m.LockFunds(ctx, tx, walletID, decimal.NewFromInt(300), models.RefTrade, "offer-1")
			},
			func() error {
				return m.ReleaseFunds(ctx, tx, walletID, decimal.NewFromInt(300), models.RefTrade, "trade-1")
			},
			func() error {
				return m.AdjustBalance(ctx, tx, walletID, decimal.NewFromInt(120), models.EntryWithdraw, models.DirectionDebit, "", "")
			},
			func() error {
				return m.LockFunds(ctx, tx, walletID, decimal.NewFromInt(80), models.RefTrade, "offer-2")
			},
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	w, err := store.GetWallet(ctx, walletID)
	require.NoError(t, err)
	entries, err := store.LedgerForWallet(ctx, walletID)
	require.NoError(t, err)
	require.Len(t, entries, 5, "one entry per balance mutation")

	balance, locked := Replay(entries)
	assert.True(t, balance.Equal(w.Balance), "replayed balance %s, wallet has %s", balance, w.Balance)
	assert.True(t, locked.Equal(w.Locked), "replayed locked %s, wallet has %s", locked, w.Locked)
	assert.True(t, w.Balance.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, w.Locked.GreaterThanOrEqual(decimal.Zero))
}
