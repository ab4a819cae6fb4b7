package binance

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"binance-futures-engine/internal/logging"
)

func marketClientFor(server *httptest.Server) *MarketClient {
	return &MarketClient{
		baseURL:    server.URL,
		httpClient: server.Client(),
		log:        logging.Component("market_client"),
	}
}

func TestGetKlinesParsesArrayRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q; want BTCUSDT", got)
		}
		w.Write([]byte(`[
			[1700000000000,"42000.1","42100.5","41900.0","42050.3","123.45",1700000059999,"5187000.2",321,"60.1","2526000.7","0"],
			[1700000060000,"42050.3","42200.0","42000.0","42150.0","98.76",1700000119999,"4160000.0",210,"48.2","2032000.0","0"]
		]`))
	}))
	defer server.Close()

	klines, err := marketClientFor(server).GetKlines("BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("got %d klines; want 2", len(klines))
	}

	k := klines[0]
	if k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Errorf("times = %d, %d", k.OpenTime, k.CloseTime)
	}
	if k.Open != 42000.1 || k.High != 42100.5 || k.Low != 41900.0 || k.Close != 42050.3 {
		t.Errorf("OHLC = %v %v %v %v", k.Open, k.High, k.Low, k.Close)
	}
	if k.Volume != 123.45 || k.NumberOfTrades != 321 {
		t.Errorf("volume = %v trades = %d", k.Volume, k.NumberOfTrades)
	}
}

func TestGetKlinesSkipsShortRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1700000000000,"1","1","1","1","1"]]`))
	}))
	defer server.Close()

	klines, err := marketClientFor(server).GetKlines("BTCUSDT", "1m", 1)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if len(klines) != 0 {
		t.Errorf("truncated rows should be skipped, got %d", len(klines))
	}
}

func TestGetPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"42123.45"}`))
	}))
	defer server.Close()

	price, err := marketClientFor(server).GetPrice("BTCUSDT")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price != 42123.45 {
		t.Errorf("price = %v; want 42123.45", price)
	}
}

func TestPublicGetDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	_, err := marketClientFor(server).GetPrice("NOPEUSDT")
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != CodeInvalidSymbol {
		t.Errorf("code = %d; want %d", apiErr.Code, CodeInvalidSymbol)
	}
	if calls != 1 {
		t.Errorf("client errors must not be retried, got %d calls", calls)
	}
}

func TestPublicGetRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"100"}`))
	}))
	defer server.Close()

	price, err := marketClientFor(server).GetPrice("BTCUSDT")
	if err != nil {
		t.Fatalf("GetPrice after retry: %v", err)
	}
	if price != 100 {
		t.Errorf("price = %v; want 100", price)
	}
	if calls != 2 {
		t.Errorf("expected one retry, got %d calls", calls)
	}
}

func TestPublicGetHonorsRetryAfterHeader(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"100"}`))
	}))
	defer server.Close()

	start := time.Now()
	price, err := marketClientFor(server).GetPrice("BTCUSDT")
	if err != nil {
		t.Fatalf("GetPrice after rate limit: %v", err)
	}
	if price != 100 {
		t.Errorf("price = %v; want 100", price)
	}
	if calls != 2 {
		t.Errorf("expected one retry, got %d calls", calls)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retry waited %v; want at least the 1s Retry-After", elapsed)
	}
}

func TestParseAPIErrorRateLimit(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
	}
	apiErr := parseAPIError(resp, []byte(`{"code":-1003,"msg":"Too many requests."}`))

	if !IsRateLimit(apiErr) {
		t.Error("429 should classify as rate limit")
	}
	if apiErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v; want header value 7s", apiErr.RetryAfter)
	}

	noHeader := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	apiErr = parseAPIError(noHeader, nil)
	if apiErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter default = %v; want 30s", apiErr.RetryAfter)
	}
}
