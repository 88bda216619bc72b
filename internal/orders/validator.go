package orders

import (
	"context"
	"fmt"

	"kalitrade-go/internal/marketdata"
	"kalitrade-go/internal/models"
)

// PlaceRequest is a request to place a primary order.
type PlaceRequest struct {
	UserID    string  `json:"user_id"`
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Type      string  `json:"type"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// Validator runs the pre-flight checks on a placement request. It is
// side-effect-free and must pass before any exchange call is made.
type Validator struct {
	store  *Store
	market marketdata.Provider
}

// NewValidator creates a new validator.
func NewValidator(store *Store, market marketdata.Provider) *Validator {
	return &Validator{store: store, market: market}
}

// Validate checks the request in a fixed order: active connection,
// quantity, price presence, symbol resolution. The first failure wins.
func (v *Validator) Validate(ctx context.Context, req *PlaceRequest) error {
	if _, err := v.store.ActiveConnection(req.UserID, req.Exchange); err != nil {
		return err
	}

	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %v: %w", req.Quantity, models.ErrValidation)
	}

	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("unknown side %q: %w", req.Side, models.ErrValidation)
	}

	if models.TypeRequiresPrice(req.Type) && req.Price <= 0 {
		return fmt.Errorf("order type %s requires a price: %w", req.Type, models.ErrValidation)
	}

	if _, err := v.market.GetTicker(ctx, req.Symbol); err != nil {
		return fmt.Errorf("symbol %s did not resolve: %v: %w", req.Symbol, err, models.ErrValidation)
	}

	return nil
}
