package models

import "gorm.io/gorm"

// ExchangeConnection records that a user has linked an exchange
// account. Token lifecycle is owned by the credential provider; the
// core only reads the exchange name and the active flag.
type ExchangeConnection struct {
	gorm.Model
	UserID   string `gorm:"uniqueIndex:idx_user_exchange" json:"user_id"`
	Exchange string `gorm:"uniqueIndex:idx_user_exchange" json:"exchange"`
	IsActive bool   `gorm:"default:true" json:"is_active"`
	Label    string `json:"label,omitempty"`
}
