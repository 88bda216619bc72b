package gateway

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"kalitrade-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxReadRetries = 3

// transport wraps a resty client with rate limiting and the shared
// retry/normalization policy. Every venue client embeds one.
type transport struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

func newTransport(baseURL string, rateLimit float64, burst int, logger *zap.Logger) transport {
	if rateLimit <= 0 {
		rateLimit = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return transport{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), burst),
	}
}

// do executes the request and normalizes transport failures into the
// shared error taxonomy. Only idempotent calls (reads, cancels) are
// retried; a placement executes at most once because a retried
// placement after an ambiguous timeout risks double-execution.
func (t *transport) do(ctx context.Context, method, url string, req *resty.Request, idempotent bool) (*resty.Response, error) {
	attempts := 1
	if idempotent {
		attempts = maxReadRetries
	}

	var resp *resty.Response
	var err error

	for i := 0; i < attempts; i++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		t.logger.Debug("Executing request", zap.String("method", method), zap.String("url", t.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		normalized := t.normalize(resp, err)
		retryable := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
				retryable = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			}
		} else {
			// Network failure or timeout: outcome unknown.
			retryable = true
		}

		if !retryable || !idempotent || i == attempts-1 {
			return nil, normalized
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		t.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(normalized),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, t.normalize(resp, err)
}

// normalize maps a raw transport outcome to the error taxonomy. No
// raw network error crosses above the gateway.
func (t *transport) normalize(resp *resty.Response, err error) error {
	if resp == nil || resp.StatusCode() == 0 {
		return fmt.Errorf("transport failure: %v: %w", err, models.ErrUpstreamUnavailable)
	}

	statusCode := resp.StatusCode()
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("status %d: %s: %w", statusCode, resp.String(), models.ErrAuthenticationExpired)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("status %d: %s: %w", statusCode, resp.String(), models.ErrUpstreamUnavailable)
	default:
		return fmt.Errorf("request rejected with status %s: %s", resp.Status(), resp.String())
	}
}
