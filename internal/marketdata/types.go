package marketdata

import (
	"context"
	"time"
)

// Ticker is the latest price snapshot for a symbol. Stale is set when
// the value was served from cache past a failed upstream refresh.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"`
	Volume    float64   `json:"volume"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale,omitempty"`
}

// Kline is a single OHLC candle.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Provider serves latest prices and price history.
type Provider interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetPriceHistory(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// ClosePrices extracts the close series from candles, oldest first.
func ClosePrices(klines []Kline) []float64 {
	prices := make([]float64, len(klines))
	for i, k := range klines {
		prices[i] = k.Close
	}
	return prices
}
