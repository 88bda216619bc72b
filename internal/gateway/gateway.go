package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"kalitrade-go/internal/models"
)

// OrderRequest is a normalized request to place an order on a venue.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	StopPrice     float64
	ClientOrderID string
}

// OrderResult is the normalized outcome of a placement or status query.
type OrderResult struct {
	ExchangeOrderID string
	Status          string
	FilledQuantity  float64
	AvgFillPrice    float64
}

// Balance is a single asset balance on a venue.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Exchange is the capability interface every venue implements. Each
// implementation owns its signing scheme and status mapping; callers
// above this layer never branch on exchange identity.
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, userID string, req *OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, userID, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, userID, symbol, exchangeOrderID string) (*OrderResult, error)
	// FindOrderByClientID resolves an order whose exchange id was never
	// learned, by the client order id sent at placement. A definitive
	// venue answer that no such order exists surfaces ErrOrderNotFound;
	// an unreachable venue surfaces ErrUpstreamUnavailable instead.
	FindOrderByClientID(ctx context.Context, userID, symbol, clientOrderID string) (*OrderResult, error)
	GetBalances(ctx context.Context, userID string) ([]Balance, error)
	// UpdateTriggerPrice moves a stop trigger and returns the order id
	// that now carries it, which differs from the input on venues that
	// can only cancel-and-replace.
	UpdateTriggerPrice(ctx context.Context, userID, symbol, exchangeOrderID string, trigger float64) (string, error)
}

// Credentials are the secrets a venue call is signed with. Passphrase
// is only set for venues whose scheme requires one.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// CredentialProvider hands out valid credentials per (exchange, user).
// Token lifecycle lives behind this interface; the gateway only asks
// for a refresh once when a call comes back with expired auth.
type CredentialProvider interface {
	GetCredentials(ctx context.Context, exchange, userID string) (Credentials, error)
	RefreshCredentials(ctx context.Context, exchange, userID string) (Credentials, error)
}

// withAuthRetry runs fn with current credentials and, on expired
// authentication, refreshes exactly once and replays. A second auth
// failure surfaces ErrAuthenticationExpired to the caller.
func withAuthRetry(ctx context.Context, provider CredentialProvider, exchange, userID string, fn func(Credentials) error) error {
	creds, err := provider.GetCredentials(ctx, exchange, userID)
	if err != nil {
		return fmt.Errorf("get credentials for %s: %w", exchange, err)
	}

	err = fn(creds)
	if !errors.Is(err, models.ErrAuthenticationExpired) {
		return err
	}

	creds, refreshErr := provider.RefreshCredentials(ctx, exchange, userID)
	if refreshErr != nil {
		return fmt.Errorf("credential refresh for %s failed: %w", exchange, models.ErrAuthenticationExpired)
	}

	return fn(creds)
}

// Registry maps exchange names to implementations.
type Registry struct {
	exchanges map[string]Exchange
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{exchanges: make(map[string]Exchange)}
}

// Register adds an exchange under its own name.
func (r *Registry) Register(ex Exchange) {
	r.exchanges[ex.Name()] = ex
}

// Get returns the exchange registered under name.
func (r *Registry) Get(name string) (Exchange, error) {
	ex, ok := r.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
	return ex, nil
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.exchanges))
	for name := range r.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
