package orders

import (
	"errors"
	"fmt"

	"kalitrade-go/internal/models"

	"gorm.io/gorm"
)

// Store wraps order and connection persistence.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new order store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create persists a new order record.
func (s *Store) Create(order *models.Order) error {
	if err := s.db.Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Save persists changes to an existing order record.
func (s *Store) Save(order *models.Order) error {
	if err := s.db.Save(order).Error; err != nil {
		return fmt.Errorf("failed to save order %d: %w", order.ID, err)
	}
	return nil
}

// ByID loads one order.
func (s *Store) ByID(id uint) (*models.Order, error) {
	var order models.Order
	if err := s.db.First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %d not found", id)
		}
		return nil, fmt.Errorf("failed to load order %d: %w", id, err)
	}
	return &order, nil
}

// ByGroup loads every order sharing a group id, oldest first.
func (s *Store) ByGroup(groupID string) ([]models.Order, error) {
	var group []models.Order
	if err := s.db.Where("group_id = ?", groupID).Order("id asc").Find(&group).Error; err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	return group, nil
}

// Open returns all orders that have not reached a terminal status.
func (s *Store) Open() ([]models.Order, error) {
	var open []models.Order
	err := s.db.
		Where("status IN ?", []string{models.StatusPending, models.StatusPartiallyFilled}).
		Order("id asc").
		Find(&open).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}
	return open, nil
}

// HistoryFilter narrows an order history query. Zero values match all.
type HistoryFilter struct {
	UserID   string
	Exchange string
	Symbol   string
	Status   string
	Limit    int
}

// History returns order records matching the filter, newest first.
func (s *Store) History(filter HistoryFilter) ([]models.Order, error) {
	query := s.db.Model(&models.Order{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Exchange != "" {
		query = query.Where("exchange = ?", filter.Exchange)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var history []models.Order
	if err := query.Order("id desc").Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to load order history: %w", err)
	}
	return history, nil
}

// FilledBuys returns the chronological FILLED buy orders for one
// (user, exchange, symbol), the replay source for cost basis.
func (s *Store) FilledBuys(userID, exchange, symbol string) ([]models.Order, error) {
	var fills []models.Order
	err := s.db.
		Where("user_id = ? AND exchange = ? AND symbol = ? AND side = ? AND status = ?",
			userID, exchange, symbol, models.SideBuy, models.StatusFilled).
		Order("id asc").
		Find(&fills).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load filled buys for %s: %w", symbol, err)
	}
	return fills, nil
}

// FilledOrders returns every FILLED order for a user, oldest first.
func (s *Store) FilledOrders(userID string) ([]models.Order, error) {
	var fills []models.Order
	err := s.db.
		Where("user_id = ? AND status = ?", userID, models.StatusFilled).
		Order("id asc").
		Find(&fills).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load fills for user %s: %w", userID, err)
	}
	return fills, nil
}

// ActiveConnection loads the active connection for (user, exchange).
func (s *Store) ActiveConnection(userID, exchange string) (*models.ExchangeConnection, error) {
	var conn models.ExchangeConnection
	err := s.db.
		Where("user_id = ? AND exchange = ? AND is_active = ?", userID, exchange, true).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no active connection for %s on %s: %w", userID, exchange, models.ErrNoActiveConnection)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return &conn, nil
}

// ActiveConnections loads every active connection for a user.
func (s *Store) ActiveConnections(userID string) ([]models.ExchangeConnection, error) {
	var conns []models.ExchangeConnection
	err := s.db.
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load connections for %s: %w", userID, err)
	}
	return conns, nil
}
