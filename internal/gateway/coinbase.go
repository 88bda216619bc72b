package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"kalitrade-go/internal/config"
	"kalitrade-go/internal/models"

	"go.uber.org/zap"
)

const coinbaseBaseURL = "https://api.exchange.coinbase.com"

// CoinbaseExchange signs requests with HMAC-SHA256 over
// timestamp+method+path+body and authenticates with the CB-ACCESS-*
// headers, including an API passphrase.
type CoinbaseExchange struct {
	transport
	creds CredentialProvider
	now   func() time.Time
}

var _ Exchange = (*CoinbaseExchange)(nil)

// NewCoinbaseExchange creates the Coinbase gateway implementation.
func NewCoinbaseExchange(cfg *config.Exchange, creds CredentialProvider, logger *zap.Logger) *CoinbaseExchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = coinbaseBaseURL
	}
	return &CoinbaseExchange{
		transport: newTransport(baseURL, cfg.RateLimit, cfg.RateLimitBurst, logger.Named("gateway.coinbase")),
		creds:     creds,
		now:       time.Now,
	}
}

// Name returns the registry key for this exchange.
func (c *CoinbaseExchange) Name() string { return "coinbase" }

// sign builds the CB-ACCESS-SIGN header value.
func (c *CoinbaseExchange) sign(secret, timestamp, method, path, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("coinbase secret is not base64: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// signed executes a signed call against a private endpoint.
func (c *CoinbaseExchange) signed(ctx context.Context, creds Credentials, method, path string, body any, out any, idempotent bool) error {
	bodyJSON := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyJSON = string(raw)
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	signature, err := c.sign(creds.APISecret, timestamp, method, path, bodyJSON)
	if err != nil {
		return err
	}

	req := c.client.R().
		SetHeader("CB-ACCESS-KEY", creds.APIKey).
		SetHeader("CB-ACCESS-SIGN", signature).
		SetHeader("CB-ACCESS-TIMESTAMP", timestamp).
		SetHeader("CB-ACCESS-PASSPHRASE", creds.Passphrase).
		SetHeader("Content-Type", "application/json")
	if bodyJSON != "" {
		req.SetBody(bodyJSON)
	}
	if out != nil {
		req.SetResult(out)
	}

	_, err = c.do(ctx, method, path, req, idempotent)
	return err
}

func coinbaseStatus(status, doneReason string) string {
	switch status {
	case "pending", "open", "active", "received":
		return models.StatusPending
	case "done":
		if doneReason == "canceled" {
			return models.StatusCancelled
		}
		return models.StatusFilled
	case "rejected":
		return models.StatusRejected
	}
	return models.StatusPending
}

// coinbaseOrderResponse covers placement and status payloads.
type coinbaseOrderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DoneReason    string `json:"done_reason"`
	FilledSize    string `json:"filled_size"`
	ExecutedValue string `json:"executed_value"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	Side          string `json:"side"`
	StopPrice     string `json:"stop_price"`
}

func (r *coinbaseOrderResponse) toResult() *OrderResult {
	filled, _ := strconv.ParseFloat(r.FilledSize, 64)
	executed, _ := strconv.ParseFloat(r.ExecutedValue, 64)
	avg := 0.0
	if filled > 0 {
		avg = executed / filled
	}
	status := coinbaseStatus(r.Status, r.DoneReason)
	if status == models.StatusPending && filled > 0 {
		status = models.StatusPartiallyFilled
	}
	return &OrderResult{
		ExchangeOrderID: r.ID,
		Status:          status,
		FilledQuantity:  filled,
		AvgFillPrice:    avg,
	}
}

// coinbaseOrderBody builds the placement payload. Stop semantics ride
// on a limit or market order via the stop/stop_price fields.
func coinbaseOrderBody(orderReq *OrderRequest) (map[string]any, error) {
	body := map[string]any{
		"product_id": orderReq.Symbol,
		"side":       coinbaseSide(orderReq.Side),
		"size":       strconv.FormatFloat(orderReq.Quantity, 'f', -1, 64),
	}
	if orderReq.ClientOrderID != "" {
		body["client_oid"] = orderReq.ClientOrderID
	}

	switch orderReq.Type {
	case models.TypeMarket:
		body["type"] = "market"
	case models.TypeLimit, models.TypeTakeProfit:
		body["type"] = "limit"
		body["price"] = strconv.FormatFloat(orderReq.Price, 'f', -1, 64)
	case models.TypeStop:
		body["type"] = "market"
		body["stop"] = "loss"
		body["stop_price"] = strconv.FormatFloat(orderReq.StopPrice, 'f', -1, 64)
	case models.TypeStopLimit:
		body["type"] = "limit"
		body["price"] = strconv.FormatFloat(orderReq.Price, 'f', -1, 64)
		body["stop"] = "loss"
		body["stop_price"] = strconv.FormatFloat(orderReq.StopPrice, 'f', -1, 64)
	default:
		return nil, fmt.Errorf("unsupported order type %q", orderReq.Type)
	}
	return body, nil
}

// PlaceOrder places a new order. Placement is never retried.
func (c *CoinbaseExchange) PlaceOrder(ctx context.Context, userID string, orderReq *OrderRequest) (*OrderResult, error) {
	body, err := coinbaseOrderBody(orderReq)
	if err != nil {
		return nil, err
	}

	var result *OrderResult
	err = withAuthRetry(ctx, c.creds, c.Name(), userID, func(creds Credentials) error {
		var response coinbaseOrderResponse
		if err := c.signed(ctx, creds, "POST", "/orders", body, &response, false); err != nil {
			return err
		}
		result = response.toResult()
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", orderReq.Symbol),
		)
		return nil, fmt.Errorf("coinbase place order: %w", err)
	}

	c.logger.Info("Order placed",
		zap.String("symbol", orderReq.Symbol),
		zap.String("exchange_order_id", result.ExchangeOrderID),
		zap.String("status", result.Status),
	)
	return result, nil
}

// CancelOrder cancels an open order.
func (c *CoinbaseExchange) CancelOrder(ctx context.Context, userID, _, exchangeOrderID string) error {
	err := withAuthRetry(ctx, c.creds, c.Name(), userID, func(creds Credentials) error {
		return c.signed(ctx, creds, "DELETE", "/orders/"+exchangeOrderID, nil, nil, true)
	})
	if err != nil {
		return fmt.Errorf("coinbase cancel order %s: %w", exchangeOrderID, err)
	}
	return nil
}

// GetOrderStatus queries the current state of an order.
func (c *CoinbaseExchange) GetOrderStatus(ctx context.Context, userID, _, exchangeOrderID string) (*OrderResult, error) {
	var result *OrderResult
	err := withAuthRetry(ctx, c.creds, c.Name(), userID, func(creds Credentials) error {
		var response coinbaseOrderResponse
		if err := c.signed(ctx, creds, "GET", "/orders/"+exchangeOrderID, nil, &response, true); err != nil {
			return err
		}
		result = response.toResult()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coinbase order status %s: %w", exchangeOrderID, err)
	}
	return result, nil
}

// FindOrderByClientID looks an order up by the client oid sent at
// placement, for reconciling placements whose response was lost.
func (c *CoinbaseExchange) FindOrderByClientID(ctx context.Context, userID, _, clientOrderID string) (*OrderResult, error) {
	var result *OrderResult
	err := withAuthRetry(ctx, c.creds, c.Name(), userID, func(creds Credentials) error {
		var response coinbaseOrderResponse
		if err := c.signed(ctx, creds, "GET", "/orders/client:"+clientOrderID, nil, &response, true); err != nil {
			return err
		}
		result = response.toResult()
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrUpstreamUnavailable) || errors.Is(err, models.ErrAuthenticationExpired) {
			return nil, fmt.Errorf("coinbase find order %s: %w", clientOrderID, err)
		}
		// A definitive venue rejection means no such order exists.
		return nil, fmt.Errorf("coinbase knows no order %s: %v: %w", clientOrderID, err, models.ErrOrderNotFound)
	}
	return result, nil
}

type coinbaseAccount struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

// GetBalances fetches account balances, omitting zero entries.
func (c *CoinbaseExchange) GetBalances(ctx context.Context, userID string) ([]Balance, error) {
	var balances []Balance
	err := withAuthRetry(ctx, c.creds, c.Name(), userID, func(creds Credentials) error {
		var accounts []coinbaseAccount
		if err := c.signed(ctx, creds, "GET", "/accounts", nil, &accounts, true); err != nil {
			return err
		}

		balances = balances[:0]
		for _, account := range accounts {
			free, _ := strconv.ParseFloat(account.Available, 64)
			locked, _ := strconv.ParseFloat(account.Hold, 64)
			if free == 0 && locked == 0 {
				continue
			}
			balances = append(balances, Balance{Asset: account.Currency, Free: free, Locked: locked})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coinbase balances: %w", err)
	}
	return balances, nil
}

// UpdateTriggerPrice moves a stop trigger. Coinbase has no amend call,
// so this cancels and re-places the order at the new trigger.
func (c *CoinbaseExchange) UpdateTriggerPrice(ctx context.Context, userID, symbol, exchangeOrderID string, trigger float64) (string, error) {
	existing, err := c.GetOrderStatus(ctx, userID, symbol, exchangeOrderID)
	if err != nil {
		return "", err
	}
	if models.IsTerminalStatus(existing.Status) {
		return "", fmt.Errorf("order %s already terminal: %w", exchangeOrderID, models.ErrInconsistentState)
	}

	var detail coinbaseOrderResponse
	err = withAuthRetry(ctx, c.creds, c.Name(), userID, func(creds Credentials) error {
		return c.signed(ctx, creds, "GET", "/orders/"+exchangeOrderID, nil, &detail, true)
	})
	if err != nil {
		return "", fmt.Errorf("coinbase update trigger %s: %w", exchangeOrderID, err)
	}

	if err := c.CancelOrder(ctx, userID, symbol, exchangeOrderID); err != nil {
		return "", err
	}

	quantity, _ := strconv.ParseFloat(detail.Size, 64)
	price, _ := strconv.ParseFloat(detail.Price, 64)
	side := models.SideSell
	if detail.Side == "buy" {
		side = models.SideBuy
	}
	replacement := &OrderRequest{
		Symbol:    symbol,
		Side:      side,
		Type:      models.TypeStopLimit,
		Quantity:  quantity,
		Price:     price,
		StopPrice: trigger,
	}
	if price <= 0 {
		replacement.Type = models.TypeStop
	}

	placed, err := c.PlaceOrder(ctx, userID, replacement)
	if err != nil {
		return "", err
	}
	return placed.ExchangeOrderID, nil
}

func coinbaseSide(side string) string {
	if side == models.SideBuy {
		return "buy"
	}
	return "sell"
}
