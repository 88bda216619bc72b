package orders

import (
	"fmt"
	"time"

	"kalitrade-go/internal/models"
)

// Statistics summarizes order activity over a period.
type Statistics struct {
	Period       string         `json:"period"`
	TotalOrders  int            `json:"total_orders"`
	ByStatus     map[string]int `json:"by_status"`
	BySide       map[string]int `json:"by_side"`
	ByExchange   map[string]int `json:"by_exchange"`
	FilledVolume float64        `json:"filled_volume"`
	FillRate     float64        `json:"fill_rate"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// periodStart maps a period name to its cutoff. Unknown periods fall
// back to all time.
func periodStart(period string, now time.Time) time.Time {
	switch period {
	case "24h":
		return now.Add(-24 * time.Hour)
	case "7d":
		return now.AddDate(0, 0, -7)
	case "30d":
		return now.AddDate(0, 0, -30)
	}
	return time.Time{}
}

// Statistics aggregates the user's orders created since the period
// cutoff. Filled volume is quantity times average fill price summed
// over filled and partially filled orders.
func (s *Store) Statistics(userID, period string) (*Statistics, error) {
	now := time.Now()
	query := s.db.Model(&models.Order{}).Where("user_id = ?", userID)
	if start := periodStart(period, now); !start.IsZero() {
		query = query.Where("created_at >= ?", start)
	}

	var orders []models.Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to load orders for statistics: %w", err)
	}

	stats := &Statistics{
		Period:      period,
		TotalOrders: len(orders),
		ByStatus:    map[string]int{},
		BySide:      map[string]int{},
		ByExchange:  map[string]int{},
		GeneratedAt: now,
	}

	filled := 0
	for _, order := range orders {
		stats.ByStatus[order.Status]++
		stats.BySide[order.Side]++
		stats.ByExchange[order.Exchange]++
		if order.Status == models.StatusFilled {
			filled++
		}
		if order.FilledQuantity > 0 {
			stats.FilledVolume += order.FilledQuantity * order.AvgFillPrice
		}
	}
	if len(orders) > 0 {
		stats.FillRate = float64(filled) / float64(len(orders))
	}
	return stats, nil
}
