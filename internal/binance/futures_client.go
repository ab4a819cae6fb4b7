package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/circuit"
	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/logging"
)

// Defaults used when a symbol is missing from the metadata cache.
const (
	defaultQuantityPrecision = 3
	defaultMinNotional       = 5.0
)

// SymbolMeta is the cached trading constraints for one symbol.
type SymbolMeta struct {
	StepSize    float64
	Precision   int
	MinNotional float64
}

// ClientConfig configures an authenticated futures client.
type ClientConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// SkipTimeSync disables the startup server-time fetch. Set in tests and
	// offline environments.
	SkipTimeSync bool
	Breaker      circuit.Config
	Bus          *events.Bus
}

// Client is the authenticated REST client for one API credential. It is safe
// for concurrent use; mutable caches are guarded internally and no lock is
// ever held across an I/O call.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	market     *MarketClient
	breaker    *circuit.Breaker
	bus        *events.Bus
	log        zerolog.Logger

	mu           sync.Mutex
	timeOffsetMs int64
	symbolMeta   map[string]SymbolMeta
}

// NewClient creates an authenticated futures client. Outside test
// environments it synchronizes with the exchange clock on construction; a
// failed sync is logged and tolerated.
func NewClient(cfg ClientConfig) *Client {
	baseURL := FuturesBaseURL
	if cfg.Testnet {
		baseURL = FuturesTestnetURL
	}

	c := &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: transportTimeout},
		market:     NewMarketClient(cfg.Testnet),
		bus:        cfg.Bus,
		log:        logging.Component("futures_client"),
		symbolMeta: make(map[string]SymbolMeta),
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 && breakerCfg.SuccessThreshold == 0 && breakerCfg.Timeout == 0 {
		breakerCfg = circuit.DefaultConfig()
	}
	breakerCfg.IsFailure = IsTransient
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		c.log.Warn().
			Str("breaker", name).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("circuit breaker state change")
		if c.bus != nil {
			c.bus.PublishBreakerState(name, string(from), string(to))
		}
	}
	c.breaker = circuit.NewBreaker("binance_futures", breakerCfg)

	if !cfg.SkipTimeSync {
		if err := c.syncTime(); err != nil {
			c.log.Warn().Err(err).Msg("server time sync failed, using local clock")
		}
	}

	return c
}

// BreakerState exposes the breaker state for monitoring.
func (c *Client) BreakerState() circuit.State {
	return c.breaker.State()
}

// TimeOffset returns the cached local-minus-server clock offset in ms.
func (c *Client) TimeOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeOffsetMs
}

// ==================== TIME SYNC ====================

// syncTime fetches server time and records the local-server offset. The
// offset is informational; request signing always uses the system clock.
func (c *Client) syncTime() error {
	serverTime, err := c.market.GetServerTime()
	if err != nil {
		return err
	}

	offset := time.Now().UnixMilli() - serverTime
	c.mu.Lock()
	c.timeOffsetMs = offset
	c.mu.Unlock()

	abs := offset
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 1000:
		c.log.Error().Int64("offset_ms", offset).Msg("local clock badly out of sync with exchange, fix NTP")
	case abs > 500:
		c.log.Warn().Int64("offset_ms", offset).Msg("local clock drifting from exchange time")
	default:
		c.log.Debug().Int64("offset_ms", offset).Msg("server time synced")
	}
	return nil
}

// resyncAndWait refreshes the clock offset after a -1021 reject and sleeps
// long enough for the skew to clear before the retry.
func (c *Client) resyncAndWait() {
	if err := c.syncTime(); err != nil {
		c.log.Warn().Err(err).Msg("time resync failed")
	}
	offset := float64(c.TimeOffset())
	wait := math.Max(1.5, math.Abs(offset)/1000+0.5)
	time.Sleep(time.Duration(wait * float64(time.Second)))
}

// ==================== SYMBOL METADATA ====================

// SymbolMetadata returns the cached step size, precision and minimum
// notional for a symbol, loading exchange info on first use. Misses fall
// back to conservative defaults.
func (c *Client) SymbolMetadata(symbol string) SymbolMeta {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	meta, ok := c.symbolMeta[symbol]
	c.mu.Unlock()
	if ok {
		return meta
	}

	meta = SymbolMeta{Precision: defaultQuantityPrecision, MinNotional: defaultMinNotional}

	info, err := c.market.GetExchangeInfo()
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("exchange info unavailable, using default symbol metadata")
		return meta
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				if step, err := strconv.ParseFloat(f.StepSize, 64); err == nil && step > 0 {
					meta.StepSize = step
					meta.Precision = precisionFromStep(f.StepSize)
				}
			case "MIN_NOTIONAL":
				if mn, err := strconv.ParseFloat(f.MinNotional, 64); err == nil && mn > 0 {
					meta.MinNotional = mn
				}
			}
		}
		break
	}

	c.mu.Lock()
	c.symbolMeta[symbol] = meta
	c.mu.Unlock()
	return meta
}

// RoundQuantity floors a quantity to the symbol's step precision.
func (c *Client) RoundQuantity(symbol string, qty float64) float64 {
	meta := c.SymbolMetadata(symbol)
	return RoundToPrecision(qty, meta.Precision)
}

// RoundToPrecision floors a value to the given number of decimal places.
func RoundToPrecision(v float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Floor(v*factor) / factor
}

// precisionFromStep derives decimal precision from a step size string like
// "0.001" (3) or "1" (0).
func precisionFromStep(step string) int {
	step = strings.TrimRight(step, "0")
	if i := strings.Index(step, "."); i >= 0 {
		return len(step) - i - 1
	}
	return 0
}

// ==================== MARKET DATA ====================

// GetPrice retrieves the current price behind the circuit breaker.
func (c *Client) GetPrice(symbol string) (float64, error) {
	var price float64
	err := c.breaker.Call(func() error {
		var err error
		price, err = c.market.GetPrice(symbol)
		return err
	})
	return price, err
}

// GetKlines retrieves closed candles behind the circuit breaker.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	var klines []Kline
	err := c.breaker.Call(func() error {
		var err error
		klines, err = c.market.GetKlines(symbol, interval, limit)
		return err
	})
	return klines, err
}

// ==================== ACCOUNT ====================

// GetAccountInfo retrieves the futures account state.
func (c *Client) GetAccountInfo() (*AccountInfo, error) {
	resp, err := c.signedGet("/fapi/v2/account", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var info AccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	return &info, nil
}

// GetUSDTBalance fetches the USDT wallet balance from the futures account.
func (c *Client) GetUSDTBalance() (float64, error) {
	info, err := c.GetAccountInfo()
	if err != nil {
		return 0, err
	}
	for _, asset := range info.Assets {
		if asset.Asset == "USDT" {
			return asset.WalletBalance, nil
		}
	}
	return 0, nil
}

// GetPosition retrieves the position for a symbol. A flat position is
// returned with PositionAmt zero, never as an error.
func (c *Client) GetPosition(symbol string) (*Position, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{
		"symbol": strings.ToUpper(symbol),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}

	if len(positions) == 0 {
		return &Position{Symbol: strings.ToUpper(symbol)}, nil
	}

	// Hedge mode reports one entry per side; prefer the non-flat one.
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}
	return &positions[0], nil
}

// GetOpenOrders retrieves open orders, optionally filtered by symbol.
func (c *Client) GetOpenOrders(symbol string) ([]OrderRecord, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = strings.ToUpper(symbol)
	}

	resp, err := c.signedGet("/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}

	var wires []orderWire
	if err := json.Unmarshal(resp, &wires); err != nil {
		return nil, fmt.Errorf("error parsing open orders: %w", err)
	}

	orders := make([]OrderRecord, len(wires))
	for i := range wires {
		orders[i] = wires[i].toRecord()
	}
	return orders, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(symbol string, leverage int) error {
	_, err := c.signedPost("/fapi/v1/leverage", map[string]string{
		"symbol":   strings.ToUpper(symbol),
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// GetFundingFees retrieves recent funding fee payments. Failures are
// non-fatal: they are logged and an empty slice is returned.
func (c *Client) GetFundingFees(symbol string, limit int) []IncomeRecord {
	params := map[string]string{
		"incomeType": "FUNDING_FEE",
		"limit":      strconv.Itoa(limit),
	}
	if symbol != "" {
		params["symbol"] = strings.ToUpper(symbol)
	}

	resp, err := c.signedGet("/fapi/v1/income", params)
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("funding fee fetch failed")
		return nil
	}

	var records []IncomeRecord
	if err := json.Unmarshal(resp, &records); err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("funding fee parse failed")
		return nil
	}
	for i := range records {
		records[i].Timestamp = time.UnixMilli(records[i].Time)
	}
	return records
}

// ==================== TRADING ====================

// orderWire mirrors the exchange's order response fields.
type orderWire struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	StopPrice     float64 `json:"stopPrice,string"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

func (w *orderWire) toRecord() OrderRecord {
	rec := OrderRecord{
		OrderID:       w.OrderID,
		ClientOrderID: w.ClientOrderID,
		Symbol:        w.Symbol,
		Side:          OrderSide(w.Side),
		Type:          OrderType(w.Type),
		Status:        OrderStatus(w.Status),
		Price:         w.Price,
		AvgPrice:      w.AvgPrice,
		ExecutedQty:   w.ExecutedQty,
		ReduceOnly:    w.ReduceOnly,
		Timestamp:     w.Time,
		UpdateTime:    w.UpdateTime,
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = w.UpdateTime
	}
	price := w.AvgPrice
	if price == 0 {
		price = w.Price
	}
	qty := w.ExecutedQty
	if qty == 0 {
		qty = w.OrigQty
	}
	rec.Notional = price * qty
	return rec
}

// PlaceOrder submits an order behind the circuit breaker. The quantity is
// floored to the symbol's step before submission. A market order reported
// as NEW with zero fills is requeried once after a short pause so callers
// see the settled state. The record is enriched with leverage, margin type
// and initial margin from the position read; that enrichment is best effort.
func (c *Client) PlaceOrder(req OrderRequest) (*OrderRecord, error) {
	symbol := strings.ToUpper(req.Symbol)
	qty := c.RoundQuantity(symbol, req.Quantity)

	params := map[string]string{
		"symbol": symbol,
		"side":   string(req.Side),
		"type":   string(req.Type),
	}
	if !req.ClosePosition {
		params["quantity"] = strconv.FormatFloat(qty, 'f', -1, 64)
	}
	if req.Type == OrderTypeLimit {
		if req.Price <= 0 {
			return nil, fmt.Errorf("limit order requires a price")
		}
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		params["timeInForce"] = string(TimeInForceGTC)
	}
	if req.StopPrice > 0 {
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.ReduceOnly && !req.ClosePosition {
		params["reduceOnly"] = "true"
	}
	if req.ClosePosition {
		params["closePosition"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	var resp []byte
	err := c.breaker.Call(func() error {
		var err error
		resp, err = c.signedPost("/fapi/v1/order", params)
		return err
	})
	if err != nil {
		return nil, err
	}

	var wire orderWire
	if err := json.Unmarshal(resp, &wire); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	// Market fills are sometimes reported as NEW on the placement response.
	if wire.Type == string(OrderTypeMarket) && wire.Status == string(StatusNew) && wire.ExecutedQty == 0 {
		time.Sleep(300 * time.Millisecond)
		if fresh, err := c.GetOrder(symbol, wire.OrderID); err == nil {
			return c.enrich(fresh), nil
		}
	}

	rec := wire.toRecord()
	return c.enrich(&rec), nil
}

// userTradeWire mirrors one fill from the account trade list.
type userTradeWire struct {
	OrderID         int64   `json:"orderId"`
	Price           float64 `json:"price,string"`
	Qty             float64 `json:"qty,string"`
	Commission      float64 `json:"commission,string"`
	CommissionAsset string  `json:"commissionAsset"`
	Time            int64   `json:"time"`
}

// attachCommission sums the commissions of the fills behind an executed
// order. Order endpoints do not report commission, only the trade list
// does. Lookup failures leave the record without commission data.
func (c *Client) attachCommission(rec *OrderRecord) *OrderRecord {
	if rec == nil || rec.ExecutedQty == 0 {
		return rec
	}

	resp, err := c.signedGet("/fapi/v1/userTrades", map[string]string{
		"symbol":  strings.ToUpper(rec.Symbol),
		"orderId": strconv.FormatInt(rec.OrderID, 10),
	})
	if err != nil {
		c.log.Debug().Int64("order_id", rec.OrderID).Err(err).Msg("commission lookup failed")
		return rec
	}

	var fills []userTradeWire
	if err := json.Unmarshal(resp, &fills); err != nil {
		c.log.Debug().Int64("order_id", rec.OrderID).Err(err).Msg("commission parse failed")
		return rec
	}
	for _, f := range fills {
		rec.Commission += f.Commission
		if f.CommissionAsset != "" {
			rec.CommissionAsset = f.CommissionAsset
		}
	}
	return rec
}

// enrich attaches fill commissions plus leverage, margin type and initial
// margin from the current position. Failures leave the record as is.
func (c *Client) enrich(rec *OrderRecord) *OrderRecord {
	rec = c.attachCommission(rec)
	pos, err := c.GetPosition(rec.Symbol)
	if err != nil {
		c.log.Debug().Str("symbol", rec.Symbol).Err(err).Msg("order enrichment skipped")
		return rec
	}
	rec.Leverage = pos.Leverage
	rec.MarginType = pos.MarginType
	rec.InitialMargin = pos.InitialMargin
	return rec
}

// PlaceStopMarket places a reduce-only STOP_MARKET order at a trigger price.
func (c *Client) PlaceStopMarket(symbol string, side OrderSide, stopPrice, quantity float64, closePosition bool) (*OrderRecord, error) {
	return c.PlaceOrder(OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          OrderTypeStopMarket,
		Quantity:      quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClosePosition: closePosition,
	})
}

// PlaceTakeProfitMarket places a reduce-only TAKE_PROFIT_MARKET order at a
// trigger price.
func (c *Client) PlaceTakeProfitMarket(symbol string, side OrderSide, stopPrice, quantity float64, closePosition bool) (*OrderRecord, error) {
	return c.PlaceOrder(OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          OrderTypeTakeProfitMarket,
		Quantity:      quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClosePosition: closePosition,
	})
}

// GetOrder retrieves one order by exchange order ID.
func (c *Client) GetOrder(symbol string, orderID int64) (*OrderRecord, error) {
	resp, err := c.signedGet("/fapi/v1/order", map[string]string{
		"symbol":  strings.ToUpper(symbol),
		"orderId": strconv.FormatInt(orderID, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var wire orderWire
	if err := json.Unmarshal(resp, &wire); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	rec := wire.toRecord()
	return &rec, nil
}

// GetOrderByClientID retrieves one order by its client order ID. Used to
// reconcile idempotent placements after a duplicate reject.
func (c *Client) GetOrderByClientID(symbol, clientOrderID string) (*OrderRecord, error) {
	resp, err := c.signedGet("/fapi/v1/order", map[string]string{
		"symbol":            strings.ToUpper(symbol),
		"origClientOrderId": clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching order by client id: %w", err)
	}

	var wire orderWire
	if err := json.Unmarshal(resp, &wire); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	rec := wire.toRecord()
	return &rec, nil
}

// CancelOrder cancels one order behind the circuit breaker.
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	return c.breaker.Call(func() error {
		_, err := c.signedDelete("/fapi/v1/order", map[string]string{
			"symbol":  strings.ToUpper(symbol),
			"orderId": strconv.FormatInt(orderID, 10),
		})
		if err != nil {
			return fmt.Errorf("error canceling order: %w", err)
		}
		return nil
	})
}

// CancelAllOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOrders(symbol string) error {
	return c.breaker.Call(func() error {
		_, err := c.signedDelete("/fapi/v1/allOpenOrders", map[string]string{
			"symbol": strings.ToUpper(symbol),
		})
		if err != nil {
			return fmt.Errorf("error canceling all orders: %w", err)
		}
		return nil
	})
}

// ClosePosition reads the current position and, when non-zero, flattens it
// with a reduce-only market order in the opposing direction, tagged with the
// given client order ID. A flat position returns (nil, nil).
func (c *Client) ClosePosition(symbol, clientOrderID string) (*OrderRecord, error) {
	pos, err := c.GetPosition(symbol)
	if err != nil {
		return nil, err
	}
	if pos.IsFlat() {
		return nil, nil
	}

	side := SideSell
	if pos.PositionAmt < 0 {
		side = SideBuy
	}

	return c.PlaceOrder(OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          OrderTypeMarket,
		Quantity:      math.Abs(pos.PositionAmt),
		ReduceOnly:    true,
		ClientOrderID: clientOrderID,
	})
}

// ==================== HTTP HELPERS ====================

// sign creates an HMAC-SHA256 signature for the given query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodGet, endpoint, params)
}

func (c *Client) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPost, endpoint, params)
}

func (c *Client) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, endpoint, params)
}

// signedRequest performs an authenticated request with bounded retries for
// transient failures. A -1021 timestamp reject triggers one resync-and-retry
// on top of the normal retry budget.
func (c *Client) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	body, err := c.signedAttempts(method, endpoint, params)
	if IsTimestampOutOfSync(err) {
		c.log.Warn().Str("endpoint", endpoint).Msg("timestamp rejected by exchange, resyncing clock")
		c.resyncAndWait()
		body, err = c.signedAttempts(method, endpoint, params)
	}
	return body, err
}

func (c *Client) signedAttempts(method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay(attempt - 1))
		}

		body, err := c.signedOnce(method, endpoint, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		c.log.Warn().
			Str("method", method).
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Err(err).
			Msg("signed request failed, retrying")
	}
	return nil, lastErr
}

func (c *Client) signedOnce(method, endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	// Fresh timestamp per attempt; recvWindow tolerates moderate clock skew.
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", "10000")

	query := values.Encode()
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequest(method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp, body)
	}
	return body, nil
}

// retryDelay returns an exponential delay with jitter for the given attempt.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}
