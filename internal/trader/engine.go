package trader

import (
	"context"
	"time"

	"kalitrade-go/internal/gateway"
	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"
	"kalitrade-go/internal/orders"

	"go.uber.org/zap"
)

// Engine drives the periodic reconciliation loop: every tick it pulls
// fresh status for open orders and re-prices trailing stops against the
// latest ticker.
type Engine struct {
	logger       *zap.Logger
	store        *orders.Store
	orchestrator *orders.Orchestrator
	registry     *gateway.Registry
	market       marketdata.Provider
	interval     time.Duration
}

// NewEngine creates a new reconciliation engine.
func NewEngine(store *orders.Store, orchestrator *orders.Orchestrator, registry *gateway.Registry, market marketdata.Provider, interval time.Duration, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Engine{
		logger:       logger.Named("engine"),
		store:        store,
		orchestrator: orchestrator,
		registry:     registry,
		market:       market,
		interval:     interval,
	}
}

// Run starts the engine's main loop.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("Starting reconciliation loop", zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping reconciliation engine...")
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				e.logger.Error("Reconcile tick failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one tick: refresh every open order, then walk the
// still-open trailing stops and push their triggers forward. Failures
// on individual orders are logged and do not stop the sweep.
func (e *Engine) Reconcile(ctx context.Context) error {
	open, err := e.store.Open()
	if err != nil {
		return err
	}

	for i := range open {
		order := &open[i]
		refreshed, err := e.orchestrator.RefreshStatus(ctx, order.ID)
		if err != nil {
			e.logger.Error("Status refresh failed",
				zap.Uint("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		*order = *refreshed

		if order.Intent == models.IntentTrailingStop && !order.IsTerminal() && order.ExchangeOrderID != "" {
			if err := e.trail(ctx, order); err != nil {
				e.logger.Error("Trailing stop update failed",
					zap.Uint("order_id", order.ID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// trail advances one trailing stop. The high water mark only moves in
// the favorable direction; the trigger follows it at the configured
// distance through the venue's own amendment path.
func (e *Engine) trail(ctx context.Context, order *models.Order) error {
	ticker, err := e.market.GetTicker(ctx, order.Symbol)
	if err != nil {
		return err
	}

	price := ticker.Price
	improved := false
	if order.Side == models.SideSell && price > order.TrailHighWater {
		improved = true
	}
	if order.Side == models.SideBuy && (order.TrailHighWater == 0 || price < order.TrailHighWater) {
		improved = true
	}
	if !improved {
		return nil
	}

	newTrigger := price - order.TrailDistance
	if order.Side == models.SideBuy {
		newTrigger = price + order.TrailDistance
	}

	ex, err := e.registry.Get(order.Exchange)
	if err != nil {
		return err
	}
	newID, err := ex.UpdateTriggerPrice(ctx, order.UserID, order.Symbol, order.ExchangeOrderID, newTrigger)
	if err != nil {
		return err
	}

	order.TrailHighWater = price
	order.StopPrice = newTrigger
	if newID != "" {
		order.ExchangeOrderID = newID
	}
	if err := e.store.Save(order); err != nil {
		return err
	}

	e.logger.Info("Trailing stop advanced",
		zap.Uint("order_id", order.ID),
		zap.Float64("high_water", price),
		zap.Float64("trigger", newTrigger),
		zap.String("exchange_order_id", order.ExchangeOrderID),
	)
	return nil
}
