package binance

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

const (
	maxRetries       = 3
	baseRetryDelay   = 500 * time.Millisecond
	maxRetryDelay    = 8 * time.Second
	transportTimeout = 10 * time.Second
)

// MarketClient is the unauthenticated REST client for public market data.
type MarketClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	exchangeInfoOnce sync.Once
	exchangeInfo     *ExchangeInfo
	exchangeInfoErr  error
}

// NewMarketClient creates a public market data client.
func NewMarketClient(testnet bool) *MarketClient {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	return &MarketClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: transportTimeout},
		log:        logging.Component("market_client"),
	}
}

// GetKlines retrieves closed candlestick data for a symbol and interval.
func (c *MarketClient) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet("/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 11 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:                 asInt64(raw[0]),
			Open:                     asFloat(raw[1]),
			High:                     asFloat(raw[2]),
			Low:                      asFloat(raw[3]),
			Close:                    asFloat(raw[4]),
			Volume:                   asFloat(raw[5]),
			CloseTime:                asInt64(raw[6]),
			QuoteAssetVolume:         asFloat(raw[7]),
			NumberOfTrades:           int(asInt64(raw[8])),
			TakerBuyBaseAssetVolume:  asFloat(raw[9]),
			TakerBuyQuoteAssetVolume: asFloat(raw[10]),
		})
	}

	return klines, nil
}

// GetPrice retrieves the current ticker price for a symbol.
func (c *MarketClient) GetPrice(symbol string) (float64, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/price", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}

	return priceResp.Price, nil
}

// GetServerTime retrieves the exchange's server time in milliseconds.
func (c *MarketClient) GetServerTime() (int64, error) {
	resp, err := c.publicGet("/fapi/v1/time", nil)
	if err != nil {
		return 0, fmt.Errorf("error fetching server time: %w", err)
	}

	var timeResp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp, &timeResp); err != nil {
		return 0, fmt.Errorf("error parsing server time: %w", err)
	}

	return timeResp.ServerTime, nil
}

// GetExchangeInfo retrieves the exchange metadata, cached once per process.
func (c *MarketClient) GetExchangeInfo() (*ExchangeInfo, error) {
	c.exchangeInfoOnce.Do(func() {
		resp, err := c.publicGet("/fapi/v1/exchangeInfo", nil)
		if err != nil {
			c.exchangeInfoErr = fmt.Errorf("error fetching exchange info: %w", err)
			return
		}

		var info ExchangeInfo
		if err := json.Unmarshal(resp, &info); err != nil {
			c.exchangeInfoErr = fmt.Errorf("error parsing exchange info: %w", err)
			return
		}
		c.exchangeInfo = &info
	})
	return c.exchangeInfo, c.exchangeInfoErr
}

// publicGet performs an unauthenticated GET with bounded exponential backoff.
// Transport failures and retryable HTTP statuses are retried up to maxRetries
// times; a 429 honours the Retry-After header when present.
func (c *MarketClient) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		reqURL += "?" + values.Encode()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseRetryDelay
	policy.MaxInterval = maxRetryDelay

	var body []byte
	operation := func() error {
		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			c.log.Warn().Str("endpoint", endpoint).Err(err).Msg("public GET failed, retrying")
			return &NetworkError{Err: err}
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return &NetworkError{Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseAPIError(resp, body)
			if IsTransient(apiErr) {
				c.log.Warn().
					Str("endpoint", endpoint).
					Int("status", resp.StatusCode).
					Msg("public GET returned retryable status")
				if ra, ok := RetryAfter(apiErr); ok {
					// The retry policy has no per-error wait hint, so the
					// Retry-After pause happens here before the next attempt.
					time.Sleep(ra)
				}
				return apiErr
			}
			return backoff.Permanent(error(apiErr))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(policy, maxRetries)); err != nil {
		return nil, err
	}
	return body, nil
}

// parseAPIError maps an exchange error response body to an *APIError.
func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(body)}

	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != 0 {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Msg
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = 30 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
