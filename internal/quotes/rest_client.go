package quotes

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"riskengine/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RestClient fetches quotes from the price service over HTTP. Fresh
// quotes are cached so that a valuation pass touching many positions
// on the same symbol costs one round-trip.
// It implements the Source interface.
type RestClient struct {
	client   *resty.Client
	logger   *zap.Logger
	limiter  *rate.Limiter
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]Quote
}

// ensure RestClient implements the interface
var _ Source = (*RestClient)(nil)

// NewRestClient creates a quote client for the configured price source.
func NewRestClient(cfg *config.Quotes, logger *zap.Logger) *RestClient {
	client := resty.New().SetBaseURL(cfg.BaseURL)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:   client,
		logger:   logger,
		limiter:  limiter,
		cacheTTL: time.Duration(cfg.CacheTTL) * time.Second,
		cache:    make(map[string]Quote),
	}
}

// quoteResponse is the wire shape of a single quote.
type quoteResponse struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

// GetQuote returns the latest quote for a symbol, serving from cache
// when within the TTL and fetching remotely otherwise.
func (c *RestClient) GetQuote(symbol string) (Quote, error) {
	c.mu.RLock()
	cached, ok := c.cache[symbol]
	c.mu.RUnlock()
	if ok && time.Since(cached.At) < c.cacheTTL {
		return cached, nil
	}

	q, err := c.fetch(symbol)
	if err != nil {
		c.logger.Warn("Quote fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	if !q.Valid() {
		return Quote{}, fmt.Errorf("%w: %s: zero bid/ask", ErrQuoteUnavailable, symbol)
	}

	c.mu.Lock()
	c.cache[symbol] = q
	c.mu.Unlock()
	return q, nil
}

func (c *RestClient) fetch(symbol string) (Quote, error) {
	var body quoteResponse
	req := c.client.R().
		SetResult(&body).
		SetHeader("Content-Type", "application/json").
		SetPathParam("symbol", symbol)

	_, err := c.doRequest(context.Background(), "GET", "/quotes/{symbol}", req)
	if err != nil {
		return Quote{}, err
	}

	bid, err1 := strconv.ParseFloat(body.Bid, 64)
	ask, err2 := strconv.ParseFloat(body.Ask, 64)
	if err1 != nil || err2 != nil {
		return Quote{}, fmt.Errorf("unparseable quote for %s: bid=%q ask=%q", symbol, body.Bid, body.Ask)
	}

	return Quote{Symbol: symbol, Bid: bid, Ask: ask, At: time.Now()}, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
