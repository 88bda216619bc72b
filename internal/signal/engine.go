package signal

import (
	"fmt"
	"math"
	"time"

	"kalitrade-go/internal/models"

	"go.uber.org/zap"
)

// Recommendation tiers.
const (
	StrongBuy  = "STRONG_BUY"
	Buy        = "BUY"
	Hold       = "HOLD"
	Sell       = "SELL"
	StrongSell = "STRONG_SELL"
)

const (
	confidenceScale = 15.0
	confidenceCap   = 95.0

	// Kelly sizing assumptions, matching the default 15% take-profit
	// and 5% stop-loss distances.
	kellyAvgWin   = 0.15
	kellyAvgLoss  = 0.05
	kellyCapLimit = 0.25
)

// Signal is a scored directional recommendation for a symbol.
type Signal struct {
	Symbol            string             `json:"symbol"`
	Recommendation    string             `json:"recommendation"`
	Confidence        float64            `json:"confidence"`
	Score             int                `json:"score"`
	Indicators        map[string]float64 `json:"indicators"`
	Reasons           []string           `json:"reasons"`
	SuggestedFraction float64            `json:"suggested_fraction"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Engine scores a price series into a trade recommendation.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new signal engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("signal")}
}

// Compute evaluates the composite signal for a symbol. The price
// series must be ordered oldest to newest and hold at least 26 points;
// shorter series return a DataInsufficient error rather than a
// fabricated recommendation. Sub-signals whose own lookback exceeds
// the series length (SMA50, MACD signal line) simply do not fire.
func (e *Engine) Compute(symbol string, prices []float64, currentPrice, change24h float64) (*Signal, error) {
	if len(prices) < macdSlowPeriod {
		return nil, fmt.Errorf("signal for %s: %d prices, need %d: %w",
			symbol, len(prices), macdSlowPeriod, models.ErrDataInsufficient)
	}

	score := 0
	reasons := make([]string, 0, 6)
	indicators := make(map[string]float64)

	if sma20, err := SMA(prices, 20); err == nil {
		indicators["sma20"] = sma20
		if currentPrice > sma20 {
			score++
			reasons = append(reasons, fmt.Sprintf("price %.2f above SMA20 %.2f", currentPrice, sma20))
		} else {
			score--
			reasons = append(reasons, fmt.Sprintf("price %.2f below SMA20 %.2f", currentPrice, sma20))
		}
	}

	if sma50, err := SMA(prices, 50); err == nil {
		indicators["sma50"] = sma50
		if currentPrice > sma50 {
			score++
			reasons = append(reasons, fmt.Sprintf("price %.2f above SMA50 %.2f", currentPrice, sma50))
		} else {
			score--
			reasons = append(reasons, fmt.Sprintf("price %.2f below SMA50 %.2f", currentPrice, sma50))
		}
	}

	if rsi, err := RSI(prices, rsiPeriod); err == nil {
		indicators["rsi"] = rsi
		switch {
		case rsi < 30:
			score += 2
			reasons = append(reasons, fmt.Sprintf("RSI %.1f oversold", rsi))
		case rsi > 70:
			score -= 2
			reasons = append(reasons, fmt.Sprintf("RSI %.1f overbought", rsi))
		}
	}

	if macdLine, signalLine, err := MACD(prices); err == nil && len(signalLine) > 0 {
		macd := macdLine[len(macdLine)-1]
		sig := signalLine[len(signalLine)-1]
		indicators["macd"] = macd
		indicators["macd_signal"] = sig
		if macd > sig {
			score++
			reasons = append(reasons, fmt.Sprintf("MACD %.4f above signal %.4f", macd, sig))
		} else {
			score--
			reasons = append(reasons, fmt.Sprintf("MACD %.4f below signal %.4f", macd, sig))
		}
	}

	if math.Abs(change24h) > 5 {
		if change24h > 0 {
			score++
			reasons = append(reasons, fmt.Sprintf("strong 24h momentum +%.1f%%", change24h))
		} else {
			score--
			reasons = append(reasons, fmt.Sprintf("strong 24h decline %.1f%%", change24h))
		}
	}

	recommendation := tierFor(score)
	confidence := math.Min(confidenceCap, math.Abs(float64(score))*confidenceScale)

	s := &Signal{
		Symbol:            symbol,
		Recommendation:    recommendation,
		Confidence:        confidence,
		Score:             score,
		Indicators:        indicators,
		Reasons:           reasons,
		SuggestedFraction: KellyFraction(confidence/100, kellyAvgWin, kellyAvgLoss),
		GeneratedAt:       time.Now().UTC(),
	}

	e.logger.Debug("Computed signal",
		zap.String("symbol", symbol),
		zap.String("recommendation", recommendation),
		zap.Int("score", score),
		zap.Float64("confidence", confidence),
	)

	return s, nil
}

func tierFor(score int) string {
	switch {
	case score >= 5:
		return StrongBuy
	case score >= 3:
		return Buy
	case score <= -5:
		return StrongSell
	case score <= -3:
		return Sell
	default:
		return Hold
	}
}

// KellyFraction returns the capped Kelly criterion fraction for a win
// rate and the average win/loss sizes. Negative edges return zero.
func KellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 {
		return 0
	}
	b := avgWin / avgLoss
	kelly := (b*winRate - (1 - winRate)) / b
	if kelly < 0 {
		return 0
	}
	return math.Min(kelly, kellyCapLimit)
}
