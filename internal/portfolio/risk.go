package portfolio

import (
	"math"
	"sort"
	"time"

	"kalitrade-go/internal/models"

	"go.uber.org/zap"
)

// Risk levels, from calm to alarming.
const (
	RiskLow     = "LOW"
	RiskMedium  = "MEDIUM"
	RiskHigh    = "HIGH"
	RiskExtreme = "EXTREME"
)

// RiskMetrics describes how exposed the portfolio currently is.
// Volatility and VaR95 are daily-return figures from the replayed
// equity curve; concentration is the Herfindahl sum of squared
// allocation fractions.
type RiskMetrics struct {
	Concentration float64 `json:"concentration"`
	Volatility    float64 `json:"volatility"`
	VaR95         float64 `json:"var_95"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	Level         string  `json:"level"`
}

// Realized profit is replayed against a fixed notional so that
// percentage returns are well defined even for small accounts.
const equityBaseline = 10000.0

func (l *Ledger) riskMetrics(snapshot *Snapshot, userID string) *RiskMetrics {
	metrics := &RiskMetrics{Level: RiskLow}

	if snapshot.TotalValue > 0 {
		var herfindahl float64
		for _, position := range snapshot.Positions {
			fraction := position.Value / snapshot.TotalValue
			herfindahl += fraction * fraction
		}
		if snapshot.QuoteBalance > 0 {
			fraction := snapshot.QuoteBalance / snapshot.TotalValue
			herfindahl += fraction * fraction
		}
		metrics.Concentration = herfindahl
	}

	curve, err := l.equityCurve(userID)
	if err != nil {
		l.logger.Warn("Equity replay failed, volatility metrics omitted", zap.Error(err))
	} else if len(curve) >= 2 {
		returns := dailyReturns(curve)
		metrics.Volatility = stdev(returns)
		metrics.VaR95 = math.Abs(percentile(returns, 5))
		metrics.MaxDrawdown = maxDrawdown(curve)
	}

	metrics.Level = riskLevel(metrics.Volatility, metrics.Concentration)
	return metrics
}

// riskLevel maps volatility and concentration into coarse bands. The
// worse of the two dimensions wins.
func riskLevel(volatility, concentration float64) string {
	switch {
	case volatility >= 0.08 || concentration >= 0.8:
		return RiskExtreme
	case volatility >= 0.05 || concentration >= 0.6:
		return RiskHigh
	case volatility >= 0.02 || concentration >= 0.35:
		return RiskMedium
	}
	return RiskLow
}

// equityCurve replays the user's fills chronologically, realizing
// profit on sells against the running average cost, and samples the
// resulting equity once per day.
func (l *Ledger) equityCurve(userID string) ([]EquityPoint, error) {
	fills, err := l.store.FilledOrders(userID)
	if err != nil {
		return nil, err
	}
	if len(fills) == 0 {
		return nil, nil
	}

	type lot struct {
		quantity float64
		avgCost  float64
	}
	lots := map[string]*lot{}

	var curve []EquityPoint
	equity := equityBaseline
	currentDay := fills[0].CreatedAt.Truncate(24 * time.Hour)

	flush := func(day time.Time) {
		curve = append(curve, EquityPoint{Date: day, Equity: equity})
	}

	for _, fill := range fills {
		day := fill.CreatedAt.Truncate(24 * time.Hour)
		if day.After(currentDay) {
			flush(currentDay)
			currentDay = day
		}

		price := fill.AvgFillPrice
		if price <= 0 {
			price = fill.Price
		}
		quantity := fill.FilledQuantity
		if quantity <= 0 {
			quantity = fill.Quantity
		}
		key := fill.Exchange + "/" + fill.Symbol

		holding := lots[key]
		if holding == nil {
			holding = &lot{}
			lots[key] = holding
		}

		if fill.Side == models.SideBuy {
			totalCost := holding.avgCost*holding.quantity + price*quantity
			holding.quantity += quantity
			if holding.quantity > 0 {
				holding.avgCost = totalCost / holding.quantity
			}
			continue
		}

		// Sells realize against the running average cost. Selling
		// more than the tracked quantity realizes only the tracked
		// part; deposits arriving outside the order history have no
		// basis to realize against.
		realizable := math.Min(quantity, holding.quantity)
		if realizable > 0 {
			equity += (price - holding.avgCost) * realizable
			holding.quantity -= realizable
		}
	}
	flush(currentDay)

	return curve, nil
}

func dailyReturns(curve []EquityPoint) []float64 {
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	return returns
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}

// percentile returns the p-th percentile by nearest-rank.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// maxDrawdown is the largest peak-to-trough fraction on the curve.
func maxDrawdown(curve []EquityPoint) float64 {
	var worst float64
	peak := math.Inf(-1)
	for _, point := range curve {
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak > 0 {
			drawdown := (peak - point.Equity) / peak
			if drawdown > worst {
				worst = drawdown
			}
		}
	}
	return worst
}
