package signal

import (
	"fmt"

	"kalitrade-go/internal/models"
)

// Standard lookbacks for the composite signal.
const (
	rsiPeriod      = 14
	macdFastPeriod = 12
	macdSlowPeriod = 26
	macdSignalSpan = 9
)

// SMA returns the simple moving average of the last period prices.
func SMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma period must be positive: %w", models.ErrDataInsufficient)
	}
	if len(prices) < period {
		return 0, fmt.Errorf("sma(%d) needs %d prices, got %d: %w", period, period, len(prices), models.ErrDataInsufficient)
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period), nil
}

// emaSeries computes the exponential moving average series. The first
// value is seeded with the SMA of the first period prices, so the
// returned slice has len(prices)-period+1 entries, the last one being
// the current EMA.
func emaSeries(prices []float64, period int) []float64 {
	if len(prices) < period {
		return nil
	}
	seed := 0.0
	for _, p := range prices[:period] {
		seed += p
	}
	seed /= float64(period)

	k := 2.0 / (float64(period) + 1.0)
	out := make([]float64, 0, len(prices)-period+1)
	out = append(out, seed)
	ema := seed
	for _, p := range prices[period:] {
		ema = p*k + ema*(1.0-k)
		out = append(out, ema)
	}
	return out
}

// EMA returns the current exponential moving average over period.
func EMA(prices []float64, period int) (float64, error) {
	series := emaSeries(prices, period)
	if series == nil {
		return 0, fmt.Errorf("ema(%d) needs %d prices, got %d: %w", period, period, len(prices), models.ErrDataInsufficient)
	}
	return series[len(series)-1], nil
}

// RSI returns the relative strength index over the last period price
// changes. A lookback with no losses yields 100, one with no gains 0.
func RSI(prices []float64, period int) (float64, error) {
	if len(prices) < period+1 {
		return 0, fmt.Errorf("rsi(%d) needs %d prices, got %d: %w", period, period+1, len(prices), models.ErrDataInsufficient)
	}

	var gains, losses float64
	start := len(prices) - period - 1
	for i := start + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	meanGain := gains / float64(period)
	meanLoss := losses / float64(period)
	if meanLoss == 0 {
		return 100, nil
	}

	rs := meanGain / meanLoss
	return 100 - 100/(1+rs), nil
}

// MACD returns the MACD line (EMA12-EMA26) and its signal line (EMA9
// of the MACD series). The signal line is nil when fewer than 34
// prices are available.
func MACD(prices []float64) (macdLine, signalLine []float64, err error) {
	if len(prices) < macdSlowPeriod {
		return nil, nil, fmt.Errorf("macd needs %d prices, got %d: %w", macdSlowPeriod, len(prices), models.ErrDataInsufficient)
	}

	fast := emaSeries(prices, macdFastPeriod)
	slow := emaSeries(prices, macdSlowPeriod)

	// Align the fast series to the slow one; both end at the current price.
	offset := len(fast) - len(slow)
	macdLine = make([]float64, len(slow))
	for i := range slow {
		macdLine[i] = fast[i+offset] - slow[i]
	}

	signalLine = emaSeries(macdLine, macdSignalSpan)
	return macdLine, signalLine, nil
}
