package binance

import (
	"strings"
	"time"
)

// Kline represents a closed candlestick. CloseTime is the semantic key and is
// monotonic within a stream.
type Kline struct {
	OpenTime                 int64   `json:"open_time"`
	Open                     float64 `json:"open"`
	High                     float64 `json:"high"`
	Low                      float64 `json:"low"`
	Close                    float64 `json:"close"`
	Volume                   float64 `json:"volume"`
	CloseTime                int64   `json:"close_time"`
	QuoteAssetVolume         float64 `json:"quote_asset_volume"`
	NumberOfTrades           int     `json:"number_of_trades"`
	TakerBuyBaseAssetVolume  float64 `json:"taker_buy_base_asset_volume"`
	TakerBuyQuoteAssetVolume float64 `json:"taker_buy_quote_asset_volume"`
}

// OrderSide is the order direction
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce for limit orders
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
)

// OrderStatus as reported by the exchange
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64 // required for LIMIT
	StopPrice     float64 // trigger price for conditional orders
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// OrderRecord is the enriched result of placing or querying an order.
type OrderRecord struct {
	OrderID         int64       `json:"order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Symbol          string      `json:"symbol"`
	Side            OrderSide   `json:"side"`
	Type            OrderType   `json:"type"`
	Status          OrderStatus `json:"status"`
	Price           float64     `json:"price"`
	AvgPrice        float64     `json:"avg_price"`
	ExecutedQty     float64     `json:"executed_qty"`
	Commission      float64     `json:"commission"`
	CommissionAsset string      `json:"commission_asset"`
	ReduceOnly      bool        `json:"reduce_only"`
	Leverage        int         `json:"leverage"`
	MarginType      string      `json:"margin_type"`
	InitialMargin   float64     `json:"initial_margin"`
	Timestamp       int64       `json:"timestamp"`
	UpdateTime      int64       `json:"update_time"`
	Notional        float64     `json:"notional"`
}

// Position represents an open futures position for one symbol.
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	InitialMargin    float64 `json:"initialMargin,string"`
}

// IsFlat reports whether the position amount is zero.
func (p *Position) IsFlat() bool {
	return p == nil || p.PositionAmt == 0
}

// Side returns "LONG", "SHORT" or "" for a flat position.
func (p *Position) Side() string {
	switch {
	case p == nil || p.PositionAmt == 0:
		return ""
	case p.PositionAmt > 0:
		return "LONG"
	default:
		return "SHORT"
	}
}

// AccountAsset is one asset entry of the futures account.
type AccountAsset struct {
	Asset         string  `json:"asset"`
	WalletBalance float64 `json:"walletBalance,string"`
}

// AccountInfo holds the fields of the futures account the engine consumes.
type AccountInfo struct {
	Assets []AccountAsset `json:"assets"`
}

// SymbolFilter is one entry of a symbol's filter list.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"notional"`
}

// SymbolInfo is the per-symbol slice of exchange info the engine consumes.
type SymbolInfo struct {
	Symbol       string         `json:"symbol"`
	Status       string         `json:"status"`
	QuoteAsset   string         `json:"quoteAsset"`
	ContractType string         `json:"contractType"`
	Filters      []SymbolFilter `json:"filters"`
}

// ExchangeInfo is the exchange metadata response.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// IncomeRecord is one income history entry (funding fees etc.).
type IncomeRecord struct {
	Symbol     string    `json:"symbol"`
	IncomeType string    `json:"incomeType"`
	Income     float64   `json:"income,string"`
	Asset      string    `json:"asset"`
	Time       int64     `json:"time"`
	Timestamp  time.Time `json:"-"`
}

// intervalSeconds maps accepted kline intervals to their length.
var intervalSeconds = map[string]int{
	"1s": 1, "3s": 3, "5s": 5, "10s": 10, "30s": 30,
	"1m": 60, "3m": 180, "5m": 300, "15m": 900, "30m": 1800,
	"1h": 3600, "2h": 7200, "4h": 14400, "6h": 21600, "8h": 28800,
	"12h": 43200, "1d": 86400,
}

// IntervalSeconds returns the interval length in seconds and whether the
// interval is recognized.
func IntervalSeconds(interval string) (int, bool) {
	secs, ok := intervalSeconds[strings.ToLower(interval)]
	return secs, ok
}

// NormalizeInterval validates an interval string, falling back to 1m for
// unknown values. The second return reports whether the input was valid.
func NormalizeInterval(interval string) (string, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if _, ok := intervalSeconds[interval]; ok {
		return interval, true
	}
	return "1m", false
}
