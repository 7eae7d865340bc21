package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/p2p60/exchange/internal/api"
	"github.com/p2p60/exchange/internal/auth"
	"github.com/p2p60/exchange/internal/bank"
	"github.com/p2p60/exchange/internal/config"
	"github.com/p2p60/exchange/internal/escrow"
	"github.com/p2p60/exchange/internal/fees"
	"github.com/p2p60/exchange/internal/notify"
	"github.com/p2p60/exchange/internal/rates"
	"github.com/p2p60/exchange/internal/storage/postgres"
	"github.com/p2p60/exchange/internal/wallet"
)

// fanout sends each trade event to every registered publisher.
type fanout []escrow.Publisher

func (f fanout) PublishTrade(ev escrow.TradeEvent) {
	for _, p := range f {
		p.PublishTrade(ev)
	}
}

// metricsPublisher counts committed trade transitions.
type metricsPublisher struct{}

func (metricsPublisher) PublishTrade(ev escrow.TradeEvent) {
	api.CountTradeTransition(ev.Type)
}

// Main entry point: sets up storage, the escrow engine, and the HTTP server.
func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	wallets := wallet.NewManager(log)
	calc := fees.NewCalculator(cfg.MakerFee(), cfg.TakerFee())
	webhook := notify.NewWebhook(cfg.WebhookURL, log)
	engine := escrow.NewEngine(store, wallets, calc, fanout{metricsPublisher{}, webhook}, log, cfg.MinTrade(), cfg.MaxTrade())

	authSvc := auth.NewService(store, cfg.JWTSecret, cfg.TwoFAIssuer)
	ratesSvc := rates.NewService(cfg.RateProviderURL, cfg.RateRefresh, log)
	go ratesSvc.Start(ctx)

	handler := api.NewHandler(store, engine, wallets, authSvc, bank.MockProvider{}, ratesSvc, log)
	feed := api.NewOrderFeed(store, log)
	go feed.Run(ctx, 5*time.Second)

	registry := api.NewMetricsRegistry()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(api.MetricsMiddleware)

	r.Get("/healthz", handler.Healthz)
	r.Handle("/metrics", api.MetricsHandler(registry))
	r.Get("/ws", feed.Handler)

	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/rates", handler.GetRates)
	r.Get("/orders", handler.ListOrders)

	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/auth/2fa/setup", handler.Setup2FA)
		r.Post("/auth/2fa/enable", handler.Enable2FA)
		r.Get("/wallets", handler.ListWallets)
		r.Get("/wallets/{id}/ledger", handler.GetWalletLedger)
		r.Post("/wallets/deposit", handler.Deposit)
		r.Post("/wallets/withdraw", handler.Withdraw)
		r.Post("/orders", handler.CreateOrder)
		r.Delete("/orders/{id}", handler.CloseOrder)
		r.Post("/orders/{id}/trades", handler.OpenTrade)
		r.Get("/trades", handler.ListTrades)
		r.Post("/trades/{id}/confirm", handler.ConfirmPayment)
		r.Post("/trades/{id}/release", handler.ReleaseEscrow)
		r.Post("/trades/{id}/dispute", handler.OpenDispute)
		r.Post("/trades/{id}/rate", handler.RateTrade)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", zap.String("addr", cfg.ListenAddr), zap.String("env", cfg.Env))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
