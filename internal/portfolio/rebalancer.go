package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"

	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"

	"go.uber.org/zap"
)

// ProposedOrder is a rebalancing suggestion. Nothing is executed; the
// caller decides whether to route proposals through the orchestrator.
type ProposedOrder struct {
	Exchange   string  `json:"exchange"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	CurrentPct float64 `json:"current_pct"`
	TargetPct  float64 `json:"target_pct"`
	DiffValue  float64 `json:"diff_value"`
}

// Rebalancer turns a snapshot plus target weights into trade proposals.
type Rebalancer struct {
	market          marketdata.Provider
	defaultExchange string
	thresholdPct    float64
	logger          *zap.Logger
}

// NewRebalancer creates a rebalancer. Drifts below thresholdPct
// percentage points are considered immaterial and produce no proposal.
func NewRebalancer(market marketdata.Provider, defaultExchange string, thresholdPct float64, logger *zap.Logger) *Rebalancer {
	if thresholdPct <= 0 {
		thresholdPct = 1.0
	}
	return &Rebalancer{
		market:          market,
		defaultExchange: defaultExchange,
		thresholdPct:    thresholdPct,
		logger:          logger.Named("rebalancer"),
	}
}

// Propose compares the snapshot against the target weights and returns
// one proposal per symbol whose drift exceeds the materiality
// threshold. Held symbols missing from the target are treated as
// target zero. Running the proposals to completion and proposing again
// yields nothing.
func (r *Rebalancer) Propose(ctx context.Context, snapshot *Snapshot, target map[string]float64) ([]ProposedOrder, error) {
	if snapshot.TotalValue <= 0 {
		return nil, nil
	}

	current := map[string]float64{}
	exchangeFor := map[string]string{}
	priceFor := map[string]float64{}
	for _, position := range snapshot.Positions {
		current[position.Symbol] += position.AllocationPct
		exchangeFor[position.Symbol] = position.Exchange
		priceFor[position.Symbol] = position.CurrentPrice
	}

	symbols := map[string]bool{}
	for symbol := range target {
		symbols[symbol] = true
	}
	for symbol := range current {
		symbols[symbol] = true
	}

	ordered := make([]string, 0, len(symbols))
	for symbol := range symbols {
		ordered = append(ordered, symbol)
	}
	sort.Strings(ordered)

	var proposals []ProposedOrder
	for _, symbol := range ordered {
		if symbol == snapshot.QuoteCurrency {
			continue
		}
		targetPct := target[symbol]
		currentPct := current[symbol]
		drift := targetPct - currentPct
		if math.Abs(drift) <= r.thresholdPct {
			continue
		}

		price := priceFor[symbol]
		if price <= 0 {
			ticker, err := r.market.GetTicker(ctx, symbol)
			if err != nil {
				return nil, fmt.Errorf("cannot price rebalance target %s: %w", symbol, err)
			}
			price = ticker.Price
		}
		if price <= 0 {
			continue
		}

		exchange := exchangeFor[symbol]
		if exchange == "" {
			exchange = r.defaultExchange
		}

		diffValue := drift / 100 * snapshot.TotalValue
		side := models.SideBuy
		if diffValue < 0 {
			side = models.SideSell
		}

		proposals = append(proposals, ProposedOrder{
			Exchange:   exchange,
			Symbol:     symbol,
			Side:       side,
			Quantity:   math.Abs(diffValue) / price,
			Price:      price,
			CurrentPct: currentPct,
			TargetPct:  targetPct,
			DiffValue:  diffValue,
		})
	}

	if len(proposals) > 0 {
		r.logger.Info("Rebalance proposals generated",
			zap.Int("count", len(proposals)),
			zap.Float64("total_value", snapshot.TotalValue),
		)
	}
	return proposals, nil
}
