package portfolio

import (
	"context"
	"fmt"
	"time"

	"kalitrade-go/internal/gateway"
	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/orders"

	"go.uber.org/zap"
)

// Position is one held asset valued at the latest price.
type Position struct {
	Exchange         string  `json:"exchange"`
	Symbol           string  `json:"symbol"`
	Asset            string  `json:"asset"`
	Quantity         float64 `json:"quantity"`
	CurrentPrice     float64 `json:"current_price"`
	Value            float64 `json:"value"`
	CostBasis        float64 `json:"cost_basis"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	AllocationPct    float64 `json:"allocation_pct"`
	Stale            bool    `json:"stale,omitempty"`
}

// Snapshot is the full portfolio state for one user at a point in time.
type Snapshot struct {
	UserID        string       `json:"user_id"`
	QuoteCurrency string       `json:"quote_currency"`
	QuoteBalance  float64      `json:"quote_balance"`
	TotalValue    float64      `json:"total_value"`
	Positions     []Position   `json:"positions"`
	Risk          *RiskMetrics `json:"risk"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// Ledger values holdings across every connected exchange.
type Ledger struct {
	store    *orders.Store
	registry *gateway.Registry
	market   marketdata.Provider
	quote    string
	logger   *zap.Logger
}

// NewLedger creates a portfolio ledger valuing assets in quote currency.
func NewLedger(store *orders.Store, registry *gateway.Registry, market marketdata.Provider, quote string, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		registry: registry,
		market:   market,
		quote:    quote,
		logger:   logger.Named("ledger"),
	}
}

// GetSnapshot aggregates balances from every active connection, values
// each nonzero asset against the quote currency and attaches cost
// basis and risk metrics. An exchange whose balance call fails
// contributes zero instead of failing the whole snapshot.
func (l *Ledger) GetSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	conns, err := l.store.ActiveConnections(userID)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		UserID:        userID,
		QuoteCurrency: l.quote,
		GeneratedAt:   time.Now(),
		Positions:     []Position{},
	}

	for _, conn := range conns {
		ex, err := l.registry.Get(conn.Exchange)
		if err != nil {
			l.logger.Warn("Connection references unknown exchange",
				zap.String("exchange", conn.Exchange))
			continue
		}

		balances, err := ex.GetBalances(ctx, userID)
		if err != nil {
			l.logger.Error("Balance fetch failed, exchange counted as zero",
				zap.String("exchange", conn.Exchange),
				zap.Error(err),
			)
			continue
		}

		for _, balance := range balances {
			quantity := balance.Free + balance.Locked
			if quantity <= 0 {
				continue
			}
			if balance.Asset == l.quote {
				snapshot.QuoteBalance += quantity
				snapshot.TotalValue += quantity
				continue
			}

			position, err := l.buildPosition(ctx, conn.Exchange, userID, balance.Asset, quantity)
			if err != nil {
				l.logger.Warn("Skipping unpriceable asset",
					zap.String("asset", balance.Asset),
					zap.String("exchange", conn.Exchange),
					zap.Error(err),
				)
				continue
			}
			snapshot.Positions = append(snapshot.Positions, *position)
			snapshot.TotalValue += position.Value
		}
	}

	if snapshot.TotalValue > 0 {
		for i := range snapshot.Positions {
			snapshot.Positions[i].AllocationPct = snapshot.Positions[i].Value / snapshot.TotalValue * 100
		}
	}

	snapshot.Risk = l.riskMetrics(snapshot, userID)
	return snapshot, nil
}

func (l *Ledger) buildPosition(ctx context.Context, exchange, userID, asset string, quantity float64) (*Position, error) {
	symbol := asset + l.quote
	ticker, err := l.market.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("no price for %s: %w", symbol, err)
	}

	position := &Position{
		Exchange:     exchange,
		Symbol:       symbol,
		Asset:        asset,
		Quantity:     quantity,
		CurrentPrice: ticker.Price,
		Value:        quantity * ticker.Price,
		Stale:        ticker.Stale,
	}

	costBasis, err := l.costBasis(userID, exchange, symbol)
	if err != nil {
		return nil, err
	}
	position.CostBasis = costBasis
	if costBasis > 0 {
		position.UnrealizedPnL = (ticker.Price - costBasis) * quantity
		position.UnrealizedPnLPct = (ticker.Price - costBasis) / costBasis * 100
	}
	return position, nil
}

// costBasis is the quantity-weighted average price over the
// chronological filled buys for one symbol. Replaying the full history
// keeps the value stable across repeated snapshots.
func (l *Ledger) costBasis(userID, exchange, symbol string) (float64, error) {
	fills, err := l.store.FilledBuys(userID, exchange, symbol)
	if err != nil {
		return 0, err
	}

	var totalQuantity, totalCost float64
	for _, fill := range fills {
		price := fill.AvgFillPrice
		if price <= 0 {
			price = fill.Price
		}
		totalQuantity += fill.FilledQuantity
		totalCost += fill.FilledQuantity * price
	}
	if totalQuantity <= 0 {
		return 0, nil
	}
	return totalCost / totalQuantity, nil
}

// Allocation returns the portfolio weight per symbol in percent, with
// the quote currency listed under its own name.
func Allocation(snapshot *Snapshot) map[string]float64 {
	allocation := make(map[string]float64, len(snapshot.Positions)+1)
	if snapshot.TotalValue <= 0 {
		return allocation
	}
	for _, position := range snapshot.Positions {
		allocation[position.Symbol] += position.AllocationPct
	}
	if snapshot.QuoteBalance > 0 {
		allocation[snapshot.QuoteCurrency] = snapshot.QuoteBalance / snapshot.TotalValue * 100
	}
	return allocation
}

// EquityPoint is one day of the replayed equity curve.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
}

// Performance summarizes realized results over a period.
type Performance struct {
	Period      string        `json:"period"`
	RealizedPnL float64       `json:"realized_pnl"`
	ReturnPct   float64       `json:"return_pct"`
	MaxDrawdown float64       `json:"max_drawdown"`
	Curve       []EquityPoint `json:"curve"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Performance replays the user's fills into a daily equity curve and
// reports realized profit over the requested period.
func (l *Ledger) Performance(_ context.Context, userID, period string) (*Performance, error) {
	curve, err := l.equityCurve(userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if start := periodStart(period, now); !start.IsZero() {
		trimmed := curve[:0:0]
		for _, point := range curve {
			if !point.Date.Before(start) {
				trimmed = append(trimmed, point)
			}
		}
		curve = trimmed
	}

	perf := &Performance{
		Period:      period,
		Curve:       curve,
		GeneratedAt: now,
	}
	if len(curve) > 0 {
		first, last := curve[0].Equity, curve[len(curve)-1].Equity
		perf.RealizedPnL = last - first
		if first > 0 {
			perf.ReturnPct = (last - first) / first * 100
		}
		perf.MaxDrawdown = maxDrawdown(curve)
	}
	return perf, nil
}

func periodStart(period string, now time.Time) time.Time {
	switch period {
	case "24h":
		return now.Add(-24 * time.Hour)
	case "7d":
		return now.AddDate(0, 0, -7)
	case "30d":
		return now.AddDate(0, 0, -30)
	case "90d":
		return now.AddDate(0, 0, -90)
	}
	return time.Time{}
}
