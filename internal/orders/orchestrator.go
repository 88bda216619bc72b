package orders

import (
	"context"
	"errors"
	"fmt"

	"kalitrade-go/internal/gateway"
	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConditionalConfig describes the derived orders to attach to a
// primary placement. Nil members are skipped.
type ConditionalConfig struct {
	StopLoss     *StopLossConfig     `json:"stop_loss,omitempty"`
	TakeProfit   *TakeProfitConfig   `json:"take_profit,omitempty"`
	TrailingStop *TrailingStopConfig `json:"trailing_stop,omitempty"`
	DCA          *DCAConfig          `json:"dca,omitempty"`
}

// StopLossConfig places an opposite-side stop-limit at the trigger.
type StopLossConfig struct {
	TriggerPrice float64 `json:"trigger_price"`
	LimitPrice   float64 `json:"limit_price,omitempty"`
}

// TakeProfitConfig places an opposite-side limit at the target.
type TakeProfitConfig struct {
	TargetPrice float64 `json:"target_price"`
}

// TrailingStopConfig places a stop whose trigger follows the favorable
// extreme at a fixed distance. Re-pricing happens on the engine tick.
type TrailingStopConfig struct {
	Distance float64 `json:"distance"`
}

// DCAConfig splits the requested quantity into a ladder of equal limit
// legs stepped away from the current price, either by an absolute step
// or a percentage per level.
type DCAConfig struct {
	Levels   int     `json:"levels"`
	StepSize float64 `json:"step_size,omitempty"`
	StepPct  float64 `json:"step_pct,omitempty"`
}

// LegOutcome reports one derived leg of a placement.
type LegOutcome struct {
	Intent string        `json:"intent"`
	Order  *models.Order `json:"order,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// PlacementResult is the structured outcome of PlaceOrder. When a leg
// fails the primary is not rolled back; callers see every outcome.
type PlacementResult struct {
	GroupID string        `json:"group_id"`
	Primary *models.Order `json:"primary"`
	Legs    []LegOutcome  `json:"legs,omitempty"`
}

// Orchestrator places primary orders with their conditional legs,
// owns group cancellation cascades and status reconciliation.
type Orchestrator struct {
	store    *Store
	registry *gateway.Registry
	market   marketdata.Provider
	validate *Validator
	dryRun   bool
	logger   *zap.Logger
}

// NewOrchestrator creates a new execution orchestrator. With dryRun
// set, orders are simulated locally and never reach an exchange.
func NewOrchestrator(store *Store, registry *gateway.Registry, market marketdata.Provider, dryRun bool, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		registry: registry,
		market:   market,
		validate: NewValidator(store, market),
		dryRun:   dryRun,
		logger:   logger.Named("orchestrator"),
	}
}

// PlaceOrder validates the request, places the primary order and then
// each configured conditional leg, all linked under one group id. The
// primary is always placed and persisted before any leg is attempted.
// Leg failures are isolated: they never roll back placed legs, and the
// result reports each one; the returned error wraps
// ErrPartialExecution when at least one leg failed.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req *PlaceRequest, cond *ConditionalConfig) (*PlacementResult, error) {
	if err := o.validate.Validate(ctx, req); err != nil {
		return nil, err
	}

	ex, err := o.registry.Get(req.Exchange)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrValidation)
	}

	// Market orders execute at whatever the venue gives us; resolve a
	// reference price now for derived-leg pricing and slippage context.
	refPrice := req.Price
	if req.Type == models.TypeMarket || refPrice <= 0 {
		ticker, err := o.market.GetTicker(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("no execution price for %s: %v: %w", req.Symbol, err, models.ErrUpstreamUnavailable)
		}
		refPrice = ticker.Price
	}

	groupID := uuid.NewString()
	result := &PlacementResult{GroupID: groupID}

	if cond != nil && cond.DCA != nil {
		return o.placeDCALadder(ctx, ex, req, cond.DCA, refPrice, result)
	}

	primary := &models.Order{
		UserID:        req.UserID,
		Exchange:      req.Exchange,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		GroupID:       groupID,
		Intent:        models.IntentPrimary,
		ClientOrderID: uuid.NewString(),
	}
	if err := o.placeAndPersist(ctx, ex, primary); err != nil {
		return nil, err
	}
	result.Primary = primary

	legFailed := false
	for _, leg := range o.deriveLegs(req, cond, refPrice, groupID) {
		outcome := LegOutcome{Intent: leg.Intent}
		if err := o.placeAndPersist(ctx, ex, leg); err != nil {
			o.logger.Error("Derived leg failed",
				zap.String("intent", leg.Intent),
				zap.String("group_id", groupID),
				zap.Error(err),
			)
			outcome.Error = err.Error()
			legFailed = true
		} else {
			outcome.Order = leg
		}
		result.Legs = append(result.Legs, outcome)
	}

	if legFailed {
		return result, fmt.Errorf("group %s: %w", groupID, models.ErrPartialExecution)
	}
	return result, nil
}

// deriveLegs builds the conditional orders for a primary placement.
func (o *Orchestrator) deriveLegs(req *PlaceRequest, cond *ConditionalConfig, refPrice float64, groupID string) []*models.Order {
	if cond == nil {
		return nil
	}

	var legs []*models.Order
	opposite := models.OppositeSide(req.Side)

	if cond.StopLoss != nil {
		limit := cond.StopLoss.LimitPrice
		if limit <= 0 {
			limit = cond.StopLoss.TriggerPrice
		}
		legs = append(legs, &models.Order{
			UserID:        req.UserID,
			Exchange:      req.Exchange,
			Symbol:        req.Symbol,
			Side:          opposite,
			Type:          models.TypeStopLimit,
			Quantity:      req.Quantity,
			Price:         limit,
			StopPrice:     cond.StopLoss.TriggerPrice,
			GroupID:       groupID,
			Intent:        models.IntentStopLoss,
			ClientOrderID: uuid.NewString(),
		})
	}

	if cond.TakeProfit != nil {
		legs = append(legs, &models.Order{
			UserID:        req.UserID,
			Exchange:      req.Exchange,
			Symbol:        req.Symbol,
			Side:          opposite,
			Type:          models.TypeLimit,
			Quantity:      req.Quantity,
			Price:         cond.TakeProfit.TargetPrice,
			GroupID:       groupID,
			Intent:        models.IntentTakeProfit,
			ClientOrderID: uuid.NewString(),
		})
	}

	if cond.TrailingStop != nil {
		trigger := refPrice - cond.TrailingStop.Distance
		if req.Side == models.SideSell {
			trigger = refPrice + cond.TrailingStop.Distance
		}
		legs = append(legs, &models.Order{
			UserID:         req.UserID,
			Exchange:       req.Exchange,
			Symbol:         req.Symbol,
			Side:           opposite,
			Type:           models.TypeStop,
			Quantity:       req.Quantity,
			StopPrice:      trigger,
			GroupID:        groupID,
			Intent:         models.IntentTrailingStop,
			TrailDistance:  cond.TrailingStop.Distance,
			TrailHighWater: refPrice,
			ClientOrderID:  uuid.NewString(),
		})
	}

	return legs
}

// placeDCALadder splits the requested quantity into equal limit legs
// stepped away from the reference price. The ladder replaces a single
// primary order; its legs share one group id.
func (o *Orchestrator) placeDCALadder(ctx context.Context, ex gateway.Exchange, req *PlaceRequest, cfg *DCAConfig, refPrice float64, result *PlacementResult) (*PlacementResult, error) {
	if cfg.Levels <= 0 {
		return nil, fmt.Errorf("dca levels must be positive, got %d: %w", cfg.Levels, models.ErrValidation)
	}
	if cfg.StepSize <= 0 && cfg.StepPct <= 0 {
		return nil, fmt.Errorf("dca needs step_size or step_pct: %w", models.ErrValidation)
	}

	legQuantity := req.Quantity / float64(cfg.Levels)
	legFailed := false

	for level := 1; level <= cfg.Levels; level++ {
		step := cfg.StepSize * float64(level)
		if cfg.StepPct > 0 {
			step = refPrice * cfg.StepPct / 100 * float64(level)
		}
		// Buy ladders step below the price, sell ladders above.
		price := refPrice - step
		if req.Side == models.SideSell {
			price = refPrice + step
		}

		leg := &models.Order{
			UserID:        req.UserID,
			Exchange:      req.Exchange,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          models.TypeLimit,
			Quantity:      legQuantity,
			Price:         price,
			GroupID:       result.GroupID,
			Intent:        models.IntentDCALeg,
			IntentLevel:   level,
			IntentTotal:   cfg.Levels,
			ClientOrderID: uuid.NewString(),
		}

		outcome := LegOutcome{Intent: leg.Intent}
		if err := o.placeAndPersist(ctx, ex, leg); err != nil {
			o.logger.Error("DCA leg failed",
				zap.Int("level", level),
				zap.String("group_id", result.GroupID),
				zap.Error(err),
			)
			outcome.Error = err.Error()
			legFailed = true
		} else {
			outcome.Order = leg
			if result.Primary == nil {
				result.Primary = leg
			}
		}
		result.Legs = append(result.Legs, outcome)
	}

	if result.Primary == nil {
		// Every leg failed; nothing was placed that needs linking.
		return nil, fmt.Errorf("dca ladder %s placed no legs: %w", result.GroupID, models.ErrUpstreamUnavailable)
	}
	if legFailed {
		return result, fmt.Errorf("group %s: %w", result.GroupID, models.ErrPartialExecution)
	}
	return result, nil
}

// placeAndPersist sends one order to the exchange and persists it with
// the gateway's immediate response status. On an ambiguous transport
// outcome the record is kept PENDING without an exchange id so that a
// later reconciliation can resolve it; placement is never retried.
func (o *Orchestrator) placeAndPersist(ctx context.Context, ex gateway.Exchange, order *models.Order) error {
	if o.dryRun {
		return o.simulatePlacement(ctx, order)
	}

	res, err := ex.PlaceOrder(ctx, order.UserID, &gateway.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		if errors.Is(err, models.ErrUpstreamUnavailable) {
			order.Status = models.StatusPending
			order.FailureReason = "placement outcome unknown"
		} else {
			order.Status = models.StatusRejected
			order.FailureReason = err.Error()
		}
		if persistErr := o.store.Create(order); persistErr != nil {
			o.logger.Error("Failed to persist failed order", zap.Error(persistErr))
		}
		return err
	}

	order.ExchangeOrderID = res.ExchangeOrderID
	order.Status = res.Status
	order.FilledQuantity = res.FilledQuantity
	order.AvgFillPrice = res.AvgFillPrice
	if err := o.store.Create(order); err != nil {
		// The exchange accepted the order; losing the record would
		// orphan it, so surface loudly.
		o.logger.Error("Order placed but not persisted",
			zap.String("exchange_order_id", res.ExchangeOrderID),
			zap.Error(err),
		)
		return fmt.Errorf("order %s placed but not persisted: %w", res.ExchangeOrderID, models.ErrInconsistentState)
	}

	o.logger.Info("Order persisted",
		zap.Uint("order_id", order.ID),
		zap.String("intent", order.Intent),
		zap.String("group_id", order.GroupID),
		zap.String("status", order.Status),
	)
	return nil
}

// simulatePlacement records the order without calling any venue.
// Market orders fill instantly at the latest ticker price; resting
// orders stay pending under a synthetic exchange id.
func (o *Orchestrator) simulatePlacement(ctx context.Context, order *models.Order) error {
	order.IsSimulation = true
	order.ExchangeOrderID = "sim-" + uuid.NewString()
	order.Status = models.StatusPending

	if order.Type == models.TypeMarket {
		ticker, err := o.market.GetTicker(ctx, order.Symbol)
		if err != nil {
			return fmt.Errorf("no simulated fill price for %s: %v: %w", order.Symbol, err, models.ErrUpstreamUnavailable)
		}
		order.Status = models.StatusFilled
		order.FilledQuantity = order.Quantity
		order.AvgFillPrice = ticker.Price
	}

	if err := o.store.Create(order); err != nil {
		return err
	}
	o.logger.Info("Order simulated",
		zap.Uint("order_id", order.ID),
		zap.String("intent", order.Intent),
		zap.String("status", order.Status),
	)
	return nil
}

// CancelOrder cancels the order at its exchange and then cascades over
// every sibling sharing its group id, so a stop-loss or take-profit
// never outlives its primary. The fan-out is best effort: a sibling
// that fails to cancel is logged and left for reconciliation.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID uint) (*models.Order, error) {
	order, err := o.store.ByID(orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return order, fmt.Errorf("order %d already %s: %w", orderID, order.Status, models.ErrValidation)
	}

	ex, err := o.registry.Get(order.Exchange)
	if err != nil {
		return nil, err
	}

	if err := o.cancelOne(ctx, ex, order); err != nil {
		return nil, err
	}

	siblings, err := o.store.ByGroup(order.GroupID)
	if err != nil {
		return order, err
	}
	for i := range siblings {
		sibling := &siblings[i]
		if sibling.ID == order.ID || sibling.IsTerminal() {
			continue
		}
		if err := o.cancelOne(ctx, ex, sibling); err != nil {
			o.logger.Error("Cascade cancel failed, sibling left for reconciliation",
				zap.Uint("order_id", sibling.ID),
				zap.String("group_id", order.GroupID),
				zap.Error(err),
			)
		}
	}

	return order, nil
}

func (o *Orchestrator) cancelOne(ctx context.Context, ex gateway.Exchange, order *models.Order) error {
	// Simulated orders and orders that never reached the exchange only
	// need a local update.
	if order.ExchangeOrderID != "" && !order.IsSimulation {
		if err := ex.CancelOrder(ctx, order.UserID, order.Symbol, order.ExchangeOrderID); err != nil {
			return err
		}
	}
	order.Status = models.StatusCancelled
	if err := o.store.Save(order); err != nil {
		return err
	}
	o.logger.Info("Order cancelled",
		zap.Uint("order_id", order.ID),
		zap.String("intent", order.Intent),
	)
	return nil
}

// RefreshStatus pulls the authoritative order state from the exchange
// and updates the local record. It is idempotent: refreshing a
// terminal order is a no-op, and a venue response that would regress a
// terminal local status surfaces ErrInconsistentState instead of
// silently overwriting history.
func (o *Orchestrator) RefreshStatus(ctx context.Context, orderID uint) (*models.Order, error) {
	order, err := o.store.ByID(orderID)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() || order.IsSimulation {
		return order, nil
	}

	ex, err := o.registry.Get(order.Exchange)
	if err != nil {
		return nil, err
	}

	if order.ExchangeOrderID == "" {
		// Ambiguous placement that never got an id; resolve it through
		// the client order id sent at placement.
		return o.adoptByClientID(ctx, ex, order)
	}

	remote, err := ex.GetOrderStatus(ctx, order.UserID, order.Symbol, order.ExchangeOrderID)
	if err != nil {
		return nil, fmt.Errorf("refresh order %d: %w", orderID, err)
	}

	if remote.FilledQuantity < order.FilledQuantity {
		o.logger.Warn("Exchange reports less filled than recorded",
			zap.Uint("order_id", order.ID),
			zap.Float64("local", order.FilledQuantity),
			zap.Float64("remote", remote.FilledQuantity),
		)
		return order, fmt.Errorf("order %d fill regression: %w", orderID, models.ErrInconsistentState)
	}

	order.Status = remote.Status
	order.FilledQuantity = remote.FilledQuantity
	if remote.AvgFillPrice > 0 {
		order.AvgFillPrice = remote.AvgFillPrice
	}
	if err := o.store.Save(order); err != nil {
		return nil, err
	}
	return order, nil
}

// adoptByClientID resolves a placement whose outcome was lost. When
// the venue knows the client order id, the record adopts the exchange
// state; when the venue definitively does not, the placement never
// happened and the record is rejected. An unreachable venue leaves the
// record pending for the next sweep.
func (o *Orchestrator) adoptByClientID(ctx context.Context, ex gateway.Exchange, order *models.Order) (*models.Order, error) {
	remote, err := ex.FindOrderByClientID(ctx, order.UserID, order.Symbol, order.ClientOrderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			order.Status = models.StatusRejected
			order.FailureReason = "placement never reached the exchange"
			if saveErr := o.store.Save(order); saveErr != nil {
				return nil, saveErr
			}
			o.logger.Info("Unresolved placement rejected",
				zap.Uint("order_id", order.ID),
				zap.String("client_order_id", order.ClientOrderID),
			)
			return order, nil
		}
		return nil, fmt.Errorf("resolve order %d by client id: %w", order.ID, err)
	}

	order.ExchangeOrderID = remote.ExchangeOrderID
	order.Status = remote.Status
	order.FilledQuantity = remote.FilledQuantity
	if remote.AvgFillPrice > 0 {
		order.AvgFillPrice = remote.AvgFillPrice
	}
	order.FailureReason = ""
	if err := o.store.Save(order); err != nil {
		return nil, err
	}
	o.logger.Info("Unresolved placement adopted",
		zap.Uint("order_id", order.ID),
		zap.String("exchange_order_id", order.ExchangeOrderID),
		zap.String("status", order.Status),
	)
	return order, nil
}
