package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"kalitrade-go/internal/config"
	"kalitrade-go/internal/models"

	"go.uber.org/zap"
)

const (
	binanceBaseURL        = "https://api.binance.com/api/v3"
	binanceTestnetBaseURL = "https://testnet.binance.vision/api/v3"
	binanceRecvWindow     = "5000" // How long a request is valid in milliseconds
)

// BinanceExchange signs requests with HMAC-SHA256 over the encoded
// query string and authenticates with the X-MBX-APIKEY header.
type BinanceExchange struct {
	transport
	creds CredentialProvider
}

var _ Exchange = (*BinanceExchange)(nil)

// NewBinanceExchange creates the Binance gateway implementation.
func NewBinanceExchange(cfg *config.Exchange, creds CredentialProvider, logger *zap.Logger) *BinanceExchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Testnet {
			baseURL = binanceTestnetBaseURL
		} else {
			baseURL = binanceBaseURL
		}
	}
	return &BinanceExchange{
		transport: newTransport(baseURL, cfg.RateLimit, cfg.RateLimitBurst, logger.Named("gateway.binance")),
		creds:     creds,
	}
}

// Name returns the registry key for this exchange.
func (b *BinanceExchange) Name() string { return "binance" }

// sign creates a HMAC-SHA256 signature over the query string.
func (b *BinanceExchange) sign(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BinanceExchange) signedParams(secret string, params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", binanceRecvWindow)
	queryString := params.Encode()
	signature := b.sign(secret, queryString)
	params.Set("signature", signature)
	return params.Encode()
}

func binanceOrderType(orderType string) (string, error) {
	switch orderType {
	case models.TypeMarket:
		return "MARKET", nil
	case models.TypeLimit:
		return "LIMIT", nil
	case models.TypeStop:
		return "STOP_LOSS", nil
	case models.TypeStopLimit:
		return "STOP_LOSS_LIMIT", nil
	case models.TypeTakeProfit:
		return "TAKE_PROFIT_LIMIT", nil
	}
	return "", fmt.Errorf("unsupported order type %q", orderType)
}

func binanceStatus(status string) string {
	switch status {
	case "NEW":
		return models.StatusPending
	case "PARTIALLY_FILLED":
		return models.StatusPartiallyFilled
	case "FILLED":
		return models.StatusFilled
	case "CANCELED", "EXPIRED":
		return models.StatusCancelled
	case "REJECTED":
		return models.StatusRejected
	}
	return models.StatusPending
}

// binanceOrderResponse covers both placement and status payloads.
type binanceOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Side                string `json:"side"`
	StopPrice           string `json:"stopPrice"`
}

func (r *binanceOrderResponse) toResult() *OrderResult {
	executed, _ := strconv.ParseFloat(r.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64)
	avg := 0.0
	if executed > 0 {
		avg = quote / executed
	}
	return &OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		Status:          binanceStatus(r.Status),
		FilledQuantity:  executed,
		AvgFillPrice:    avg,
	}
}

// PlaceOrder places a new order. Placement is never retried.
func (b *BinanceExchange) PlaceOrder(ctx context.Context, userID string, orderReq *OrderRequest) (*OrderResult, error) {
	orderType, err := binanceOrderType(orderReq.Type)
	if err != nil {
		return nil, err
	}

	var result *OrderResult
	err = withAuthRetry(ctx, b.creds, b.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("symbol", orderReq.Symbol)
		params.Set("side", orderReq.Side)
		params.Set("type", orderType)
		params.Set("quantity", strconv.FormatFloat(orderReq.Quantity, 'f', -1, 64))
		if orderReq.Price > 0 {
			params.Set("price", strconv.FormatFloat(orderReq.Price, 'f', -1, 64))
			params.Set("timeInForce", "GTC")
		}
		if orderReq.StopPrice > 0 {
			params.Set("stopPrice", strconv.FormatFloat(orderReq.StopPrice, 'f', -1, 64))
		}
		if orderReq.ClientOrderID != "" {
			params.Set("newClientOrderId", orderReq.ClientOrderID)
		}

		var response binanceOrderResponse
		req := b.client.R().
			SetHeader("X-MBX-APIKEY", creds.APIKey).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(b.signedParams(creds.APISecret, params)).
			SetResult(&response)

		if _, err := b.do(ctx, "POST", "/order", req, false); err != nil {
			return err
		}
		result = response.toResult()
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", orderReq.Symbol),
		)
		return nil, fmt.Errorf("binance place order: %w", err)
	}

	b.logger.Info("Order placed",
		zap.String("symbol", orderReq.Symbol),
		zap.String("exchange_order_id", result.ExchangeOrderID),
		zap.String("status", result.Status),
	)
	return result, nil
}

// CancelOrder cancels an open order. Cancellation is idempotent and
// may be retried by the transport.
func (b *BinanceExchange) CancelOrder(ctx context.Context, userID, symbol, exchangeOrderID string) error {
	err := withAuthRetry(ctx, b.creds, b.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("orderId", exchangeOrderID)

		req := b.client.R().
			SetHeader("X-MBX-APIKEY", creds.APIKey).
			SetQueryParamsFromValues(mustParseQuery(b.signedParams(creds.APISecret, params)))

		_, err := b.do(ctx, "DELETE", "/order", req, true)
		return err
	})
	if err != nil {
		return fmt.Errorf("binance cancel order %s: %w", exchangeOrderID, err)
	}
	return nil
}

// GetOrderStatus queries the current state of an order.
func (b *BinanceExchange) GetOrderStatus(ctx context.Context, userID, symbol, exchangeOrderID string) (*OrderResult, error) {
	var result *OrderResult
	err := withAuthRetry(ctx, b.creds, b.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("orderId", exchangeOrderID)

		var response binanceOrderResponse
		req := b.client.R().
			SetHeader("X-MBX-APIKEY", creds.APIKey).
			SetQueryParamsFromValues(mustParseQuery(b.signedParams(creds.APISecret, params))).
			SetResult(&response)

		if _, err := b.do(ctx, "GET", "/order", req, true); err != nil {
			return err
		}
		result = response.toResult()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("binance order status %s: %w", exchangeOrderID, err)
	}
	return result, nil
}

// FindOrderByClientID queries an order by the client order id sent at
// placement, for reconciling placements whose response was lost.
func (b *BinanceExchange) FindOrderByClientID(ctx context.Context, userID, symbol, clientOrderID string) (*OrderResult, error) {
	var result *OrderResult
	err := withAuthRetry(ctx, b.creds, b.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("origClientOrderId", clientOrderID)

		var response binanceOrderResponse
		req := b.client.R().
			SetHeader("X-MBX-APIKEY", creds.APIKey).
			SetQueryParamsFromValues(mustParseQuery(b.signedParams(creds.APISecret, params))).
			SetResult(&response)

		if _, err := b.do(ctx, "GET", "/order", req, true); err != nil {
			return err
		}
		result = response.toResult()
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrUpstreamUnavailable) || errors.Is(err, models.ErrAuthenticationExpired) {
			return nil, fmt.Errorf("binance find order %s: %w", clientOrderID, err)
		}
		// A definitive venue rejection means no such order exists.
		return nil, fmt.Errorf("binance knows no order %s: %v: %w", clientOrderID, err, models.ErrOrderNotFound)
	}
	return result, nil
}

type binanceAccountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetBalances fetches account balances, omitting zero entries.
func (b *BinanceExchange) GetBalances(ctx context.Context, userID string) ([]Balance, error) {
	var balances []Balance
	err := withAuthRetry(ctx, b.creds, b.Name(), userID, func(creds Credentials) error {
		var response binanceAccountResponse
		req := b.client.R().
			SetHeader("X-MBX-APIKEY", creds.APIKey).
			SetQueryParamsFromValues(mustParseQuery(b.signedParams(creds.APISecret, url.Values{}))).
			SetResult(&response)

		if _, err := b.do(ctx, "GET", "/account", req, true); err != nil {
			return err
		}

		balances = balances[:0]
		for _, entry := range response.Balances {
			free, _ := strconv.ParseFloat(entry.Free, 64)
			locked, _ := strconv.ParseFloat(entry.Locked, 64)
			if free == 0 && locked == 0 {
				continue
			}
			balances = append(balances, Balance{Asset: entry.Asset, Free: free, Locked: locked})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("binance balances: %w", err)
	}
	return balances, nil
}

// UpdateTriggerPrice moves a stop trigger. Binance spot has no amend
// call, so this cancels and re-places the order at the new trigger and
// returns the replacement order id.
func (b *BinanceExchange) UpdateTriggerPrice(ctx context.Context, userID, symbol, exchangeOrderID string, trigger float64) (string, error) {
	var existing *binanceOrderResponse
	err := withAuthRetry(ctx, b.creds, b.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("orderId", exchangeOrderID)

		var response binanceOrderResponse
		req := b.client.R().
			SetHeader("X-MBX-APIKEY", creds.APIKey).
			SetQueryParamsFromValues(mustParseQuery(b.signedParams(creds.APISecret, params))).
			SetResult(&response)

		if _, err := b.do(ctx, "GET", "/order", req, true); err != nil {
			return err
		}
		existing = &response
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("binance update trigger %s: %w", exchangeOrderID, err)
	}

	if models.IsTerminalStatus(binanceStatus(existing.Status)) {
		return "", fmt.Errorf("order %s already terminal: %w", exchangeOrderID, models.ErrInconsistentState)
	}

	if err := b.CancelOrder(ctx, userID, symbol, exchangeOrderID); err != nil {
		return "", err
	}

	quantity, _ := strconv.ParseFloat(existing.OrigQuantity, 64)
	price, _ := strconv.ParseFloat(existing.Price, 64)
	replacement := &OrderRequest{
		Symbol:    symbol,
		Side:      existing.Side,
		Type:      models.TypeStopLimit,
		Quantity:  quantity,
		Price:     price,
		StopPrice: trigger,
	}
	if price <= 0 {
		replacement.Type = models.TypeStop
	}

	placed, err := b.PlaceOrder(ctx, userID, replacement)
	if err != nil {
		return "", err
	}
	return placed.ExchangeOrderID, nil
}

// mustParseQuery re-parses an encoded query string into values. The
// input is always produced by url.Values.Encode, so it cannot fail.
func mustParseQuery(encoded string) url.Values {
	values, _ := url.ParseQuery(encoded)
	return values
}
