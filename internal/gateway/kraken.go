package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"kalitrade-go/internal/config"
	"kalitrade-go/internal/models"

	"go.uber.org/zap"
)

const krakenBaseURL = "https://api.kraken.com"

// KrakenExchange signs private calls with HMAC-SHA512 over the URI
// path concatenated with SHA256(nonce + POST body), keyed by the
// base64-decoded API secret.
type KrakenExchange struct {
	transport
	creds CredentialProvider
	nonce func() int64
}

var _ Exchange = (*KrakenExchange)(nil)

// NewKrakenExchange creates the Kraken gateway implementation.
func NewKrakenExchange(cfg *config.Exchange, creds CredentialProvider, logger *zap.Logger) *KrakenExchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = krakenBaseURL
	}
	return &KrakenExchange{
		transport: newTransport(baseURL, cfg.RateLimit, cfg.RateLimitBurst, logger.Named("gateway.kraken")),
		creds:     creds,
		nonce:     func() int64 { return time.Now().UnixNano() },
	}
}

// Name returns the registry key for this exchange.
func (k *KrakenExchange) Name() string { return "kraken" }

// sign builds the API-Sign header value for a private endpoint.
func (k *KrakenExchange) sign(secret, path, nonce, postData string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("kraken secret is not base64: %w", err)
	}

	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// krakenEnvelope is the common response wrapper.
type krakenEnvelope struct {
	Error  []string       `json:"error"`
	Result map[string]any `json:"result"`
}

// private executes a signed private call and returns the result map.
func (k *KrakenExchange) private(ctx context.Context, creds Credentials, path string, params url.Values, idempotent bool) (map[string]any, error) {
	nonce := strconv.FormatInt(k.nonce(), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()

	signature, err := k.sign(creds.APISecret, path, nonce, postData)
	if err != nil {
		return nil, err
	}

	var envelope krakenEnvelope
	req := k.client.R().
		SetHeader("API-Key", creds.APIKey).
		SetHeader("API-Sign", signature).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(postData).
		SetResult(&envelope)

	if _, err := k.do(ctx, "POST", path, req, idempotent); err != nil {
		return nil, err
	}
	if len(envelope.Error) > 0 {
		return nil, k.mapAPIError(envelope.Error)
	}
	return envelope.Result, nil
}

// mapAPIError classifies Kraken's in-band error strings.
func (k *KrakenExchange) mapAPIError(apiErrors []string) error {
	for _, e := range apiErrors {
		switch e {
		case "EAPI:Invalid key", "EAPI:Invalid signature", "EAPI:Invalid nonce":
			return fmt.Errorf("kraken: %s: %w", e, models.ErrAuthenticationExpired)
		case "EService:Unavailable", "EService:Busy":
			return fmt.Errorf("kraken: %s: %w", e, models.ErrUpstreamUnavailable)
		}
	}
	return fmt.Errorf("kraken api error: %v", apiErrors)
}

func krakenOrderType(orderType string) (string, error) {
	switch orderType {
	case models.TypeMarket:
		return "market", nil
	case models.TypeLimit:
		return "limit", nil
	case models.TypeStop:
		return "stop-loss", nil
	case models.TypeStopLimit:
		return "stop-loss-limit", nil
	case models.TypeTakeProfit:
		return "take-profit-limit", nil
	}
	return "", fmt.Errorf("unsupported order type %q", orderType)
}

func krakenStatus(status string, volExec float64) string {
	switch status {
	case "pending", "open":
		if volExec > 0 {
			return models.StatusPartiallyFilled
		}
		return models.StatusPending
	case "closed":
		return models.StatusFilled
	case "canceled", "expired":
		return models.StatusCancelled
	}
	return models.StatusPending
}

// PlaceOrder places a new order. Placement is never retried.
func (k *KrakenExchange) PlaceOrder(ctx context.Context, userID string, orderReq *OrderRequest) (*OrderResult, error) {
	orderType, err := krakenOrderType(orderReq.Type)
	if err != nil {
		return nil, err
	}

	var result *OrderResult
	err = withAuthRetry(ctx, k.creds, k.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("pair", orderReq.Symbol)
		params.Set("type", krakenSide(orderReq.Side))
		params.Set("ordertype", orderType)
		params.Set("volume", strconv.FormatFloat(orderReq.Quantity, 'f', -1, 64))
		switch orderReq.Type {
		case models.TypeLimit:
			params.Set("price", strconv.FormatFloat(orderReq.Price, 'f', -1, 64))
		case models.TypeStop:
			params.Set("price", strconv.FormatFloat(orderReq.StopPrice, 'f', -1, 64))
		case models.TypeStopLimit, models.TypeTakeProfit:
			params.Set("price", strconv.FormatFloat(orderReq.StopPrice, 'f', -1, 64))
			params.Set("price2", strconv.FormatFloat(orderReq.Price, 'f', -1, 64))
		}
		if orderReq.ClientOrderID != "" {
			params.Set("userref", krakenUserref(orderReq.ClientOrderID))
		}

		res, err := k.private(ctx, creds, "/0/private/AddOrder", params, false)
		if err != nil {
			return err
		}

		txids, _ := res["txid"].([]any)
		if len(txids) == 0 {
			return fmt.Errorf("kraken add order returned no txid: %w", models.ErrInconsistentState)
		}
		txid, _ := txids[0].(string)
		result = &OrderResult{
			ExchangeOrderID: txid,
			Status:          models.StatusPending,
		}
		return nil
	})
	if err != nil {
		k.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", orderReq.Symbol),
		)
		return nil, fmt.Errorf("kraken place order: %w", err)
	}

	k.logger.Info("Order placed",
		zap.String("symbol", orderReq.Symbol),
		zap.String("exchange_order_id", result.ExchangeOrderID),
	)
	return result, nil
}

// CancelOrder cancels an open order.
func (k *KrakenExchange) CancelOrder(ctx context.Context, userID, _, exchangeOrderID string) error {
	err := withAuthRetry(ctx, k.creds, k.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("txid", exchangeOrderID)
		_, err := k.private(ctx, creds, "/0/private/CancelOrder", params, true)
		return err
	})
	if err != nil {
		return fmt.Errorf("kraken cancel order %s: %w", exchangeOrderID, err)
	}
	return nil
}

// GetOrderStatus queries the current state of an order.
func (k *KrakenExchange) GetOrderStatus(ctx context.Context, userID, _, exchangeOrderID string) (*OrderResult, error) {
	var result *OrderResult
	err := withAuthRetry(ctx, k.creds, k.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("txid", exchangeOrderID)

		res, err := k.private(ctx, creds, "/0/private/QueryOrders", params, true)
		if err != nil {
			return err
		}

		info, ok := res[exchangeOrderID].(map[string]any)
		if !ok {
			return fmt.Errorf("kraken knows no order %s: %w", exchangeOrderID, models.ErrInconsistentState)
		}

		volExec := krakenFloat(info["vol_exec"])
		result = &OrderResult{
			ExchangeOrderID: exchangeOrderID,
			Status:          krakenStatus(fmt.Sprint(info["status"]), volExec),
			FilledQuantity:  volExec,
			AvgFillPrice:    krakenFloat(info["price"]),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kraken order status %s: %w", exchangeOrderID, err)
	}
	return result, nil
}

// FindOrderByClientID resolves an order by the numeric userref derived
// from its client order id, scanning open then closed orders. Kraken
// filters server-side on userref, so any returned entry matches.
func (k *KrakenExchange) FindOrderByClientID(ctx context.Context, userID, _, clientOrderID string) (*OrderResult, error) {
	userref := krakenUserref(clientOrderID)
	var result *OrderResult
	err := withAuthRetry(ctx, k.creds, k.Name(), userID, func(creds Credentials) error {
		lookups := []struct{ path, key string }{
			{"/0/private/OpenOrders", "open"},
			{"/0/private/ClosedOrders", "closed"},
		}
		for _, lookup := range lookups {
			params := url.Values{}
			params.Set("userref", userref)

			res, err := k.private(ctx, creds, lookup.path, params, true)
			if err != nil {
				return err
			}
			entries, _ := res[lookup.key].(map[string]any)
			for txid, raw := range entries {
				info, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				volExec := krakenFloat(info["vol_exec"])
				result = &OrderResult{
					ExchangeOrderID: txid,
					Status:          krakenStatus(fmt.Sprint(info["status"]), volExec),
					FilledQuantity:  volExec,
					AvgFillPrice:    krakenFloat(info["price"]),
				}
				return nil
			}
		}
		return fmt.Errorf("kraken knows no order with userref %s: %w", userref, models.ErrOrderNotFound)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetBalances fetches account balances, omitting zero entries.
func (k *KrakenExchange) GetBalances(ctx context.Context, userID string) ([]Balance, error) {
	var balances []Balance
	err := withAuthRetry(ctx, k.creds, k.Name(), userID, func(creds Credentials) error {
		res, err := k.private(ctx, creds, "/0/private/Balance", url.Values{}, true)
		if err != nil {
			return err
		}

		balances = balances[:0]
		for asset, raw := range res {
			amount := krakenFloat(raw)
			if amount == 0 {
				continue
			}
			balances = append(balances, Balance{Asset: asset, Free: amount})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kraken balances: %w", err)
	}
	return balances, nil
}

// UpdateTriggerPrice amends the stop trigger in place via EditOrder,
// which assigns a new transaction id.
func (k *KrakenExchange) UpdateTriggerPrice(ctx context.Context, userID, symbol, exchangeOrderID string, trigger float64) (string, error) {
	var newID string
	err := withAuthRetry(ctx, k.creds, k.Name(), userID, func(creds Credentials) error {
		params := url.Values{}
		params.Set("txid", exchangeOrderID)
		params.Set("pair", symbol)
		params.Set("price", strconv.FormatFloat(trigger, 'f', -1, 64))

		res, err := k.private(ctx, creds, "/0/private/EditOrder", params, false)
		if err != nil {
			return err
		}
		newID, _ = res["txid"].(string)
		if newID == "" {
			newID = exchangeOrderID
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("kraken update trigger %s: %w", exchangeOrderID, err)
	}
	return newID, nil
}

func krakenSide(side string) string {
	if side == models.SideBuy {
		return "buy"
	}
	return "sell"
}

// krakenUserref derives a numeric userref from a client order id.
func krakenUserref(clientOrderID string) string {
	var sum uint32
	for _, r := range clientOrderID {
		sum = sum*31 + uint32(r)
	}
	return strconv.FormatUint(uint64(sum%1_000_000_000), 10)
}

func krakenFloat(raw any) float64 {
	switch v := raw.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	}
	return 0
}
