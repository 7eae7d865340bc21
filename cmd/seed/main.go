package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/config"
	"github.com/p2p60/exchange/internal/escrow"
	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/fees"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
	"github.com/p2p60/exchange/internal/storage/postgres"
	"github.com/p2p60/exchange/internal/wallet"
)

// Seed the database with demo users, funded wallets, and a few resting
// orders.
func main() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	log := zap.NewNop()
	wallets := wallet.NewManager(log)
	calc := fees.NewCalculator(cfg.MakerFee(), cfg.TakerFee())
	engine := escrow.NewEngine(store, wallets, calc, nil, log, cfg.MinTrade(), cfg.MaxTrade())

	// bcrypt hash of "password"
	const passwordHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

	seller := seedUser(ctx, store, "seller@example.com", passwordHash)
	buyer := seedUser(ctx, store, "buyer@example.com", passwordHash)

	err = store.RunTx(ctx, func(tx storage.Tx) error {
		w, err := wallets.EnsureWallet(ctx, tx, seller, "USDT")
		if err != nil {
			return err
		}
		return wallets.AdjustBalance(ctx, tx, w.ID, decimal.NewFromInt(10000),
			models.EntryDeposit, models.DirectionCredit, "", "")
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to fund seller wallet: %v\n", err)
		os.Exit(1)
	}

	order, err := engine.CreateOrder(ctx, escrow.CreateOrderCmd{
		UserID:        seller,
		Side:          models.SideSell,
		BaseCurrency:  "USDT",
		QuoteCurrency: "USD",
		Price:         decimal.NewFromInt(1),
		Amount:        decimal.NewFromInt(5000),
		MinLimit:      decimal.NewFromInt(50),
		MaxLimit:      decimal.NewFromInt(1000),
		PaymentMethod: "bank_transfer",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create order: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeded users %s (seller) and %s (buyer), order %s\n", seller, buyer, order.ID)
}

func seedUser(ctx context.Context, store storage.Store, email, passwordHash string) string {
	existing, err := store.GetUserByEmail(ctx, email)
	if err == nil {
		return existing.ID
	}
	if !exerr.Is(err, exerr.NotFound) {
		fmt.Fprintf(os.Stderr, "failed to look up user %s: %v\n", email, err)
		os.Exit(1)
	}

	user := &models.User{Email: email, PasswordHash: passwordHash}
	err = store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create user %s: %v\n", email, err)
		os.Exit(1)
	}
	return user.ID
}
