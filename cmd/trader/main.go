package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kalitrade-go/internal/config"
	"kalitrade-go/internal/database"
	"kalitrade-go/internal/gateway"
	"kalitrade-go/internal/logger"
	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/orders"
	"kalitrade-go/internal/portfolio"
	tradesignal "kalitrade-go/internal/signal"
	"kalitrade-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Market data with a TTL cache in front of the upstream client
	client := marketdata.NewClient(&cfg.MarketData, log)
	cache := marketdata.NewTTLCache(time.Duration(cfg.MarketData.CacheTTLSeconds) * time.Second)
	market := marketdata.NewCachedProvider(client, cache)

	// Gateway registry over the configured exchanges
	creds := gateway.NewStaticCredentialProvider(cfg.Exchanges)
	registry := gateway.NewRegistry()
	for name, exchangeCfg := range cfg.Exchanges {
		exchangeCfg := exchangeCfg
		switch name {
		case "binance":
			registry.Register(gateway.NewBinanceExchange(&exchangeCfg, creds, log))
		case "kraken":
			registry.Register(gateway.NewKrakenExchange(&exchangeCfg, creds, log))
		case "coinbase":
			registry.Register(gateway.NewCoinbaseExchange(&exchangeCfg, creds, log))
		default:
			log.Warn("Unknown exchange in config, skipping", zap.String("exchange", name))
		}
	}
	log.Info("Exchange gateways registered", zap.Strings("exchanges", registry.Names()))

	// Core services
	store := orders.NewStore(db)
	orchestrator := orders.NewOrchestrator(store, registry, market, cfg.Trading.DryRun, log)
	ledger := portfolio.NewLedger(store, registry, market, cfg.Trading.QuoteCurrency, log)
	rebalancer := portfolio.NewRebalancer(market, cfg.Trading.DefaultExchange, cfg.Trading.RebalanceThresholdPct, log)
	signals := tradesignal.NewEngine(log)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// API server
	apiServer := trader.NewAPIServer(cfg.Server.Port, store, orchestrator, ledger, rebalancer, signals, market, log)
	apiServer.Start()

	// Reconciliation engine runs until the context is cancelled
	interval := time.Duration(cfg.Trading.ReconcileIntervalSeconds) * time.Second
	engine := trader.NewEngine(store, orchestrator, registry, market, interval, log)
	engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Trader has been shut down.")
}
