package models

import "gorm.io/gorm"

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	TypeMarket     = "MARKET"
	TypeLimit      = "LIMIT"
	TypeStop       = "STOP"
	TypeStopLimit  = "STOP_LIMIT"
	TypeTakeProfit = "TAKE_PROFIT"
)

// Order statuses. FILLED, CANCELLED and REJECTED are terminal.
const (
	StatusPending         = "PENDING"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

// Order intents describe the role an order plays within its group.
const (
	IntentPrimary      = "PRIMARY"
	IntentStopLoss     = "STOP_LOSS"
	IntentTakeProfit   = "TAKE_PROFIT"
	IntentTrailingStop = "TRAILING_STOP"
	IntentDCALeg       = "DCA_LEG"
)

// Order represents a single order record. A primary order and the
// conditional orders derived from it share one GroupID so they can be
// cancelled as a unit.
type Order struct {
	gorm.Model
	UserID          string  `gorm:"index" json:"user_id"`
	Exchange        string  `gorm:"index" json:"exchange"`
	Symbol          string  `gorm:"index" json:"symbol"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	StopPrice       float64 `json:"stop_price,omitempty"`
	Status          string  `gorm:"index" json:"status"`
	FilledQuantity  float64 `json:"filled_quantity"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
	GroupID         string  `gorm:"index" json:"group_id"`
	Intent          string  `json:"intent"`
	IntentLevel     int     `json:"intent_level,omitempty"`
	IntentTotal     int     `json:"intent_total,omitempty"`
	TrailDistance   float64 `json:"trail_distance,omitempty"`
	TrailHighWater  float64 `json:"trail_high_water,omitempty"`
	ClientOrderID   string  `gorm:"uniqueIndex" json:"client_order_id"`
	ExchangeOrderID string  `gorm:"index" json:"exchange_order_id"`
	IsSimulation    bool    `json:"is_simulation"`
	FailureReason   string  `json:"failure_reason,omitempty"`
}

// IsTerminal reports whether the order has reached a final status.
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// IsTerminalStatus reports whether a status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// TypeRequiresPrice reports whether an order type needs a limit price.
func TypeRequiresPrice(orderType string) bool {
	switch orderType {
	case TypeLimit, TypeStopLimit, TypeTakeProfit:
		return true
	}
	return false
}

// OppositeSide returns SELL for BUY and BUY for SELL.
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
