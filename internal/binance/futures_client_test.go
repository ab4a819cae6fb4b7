package binance

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"binance-futures-engine/internal/circuit"
	"binance-futures-engine/internal/logging"
)

func futuresClientFor(server *httptest.Server) *Client {
	cfg := circuit.DefaultConfig()
	cfg.IsFailure = IsTransient
	return &Client{
		apiKey:     "test-key",
		secretKey:  "test-secret",
		baseURL:    server.URL,
		httpClient: server.Client(),
		breaker:    circuit.NewBreaker("test", cfg),
		log:        logging.Component("futures_client"),
		symbolMeta: map[string]SymbolMeta{"BTCUSDT": {StepSize: 0.001, Precision: 3, MinNotional: 5}},
	}
}

func TestPlaceOrderAttachesCommissionFromFills(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderId":77,"clientOrderId":"abc","symbol":"BTCUSDT","side":"BUY","type":"MARKET","status":"FILLED","price":"0","avgPrice":"100.2","origQty":"2","executedQty":"2","updateTime":1700000060100}`))
	})
	mux.HandleFunc("/fapi/v1/userTrades", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("orderId"); got != "77" {
			t.Errorf("orderId = %q; want 77", got)
		}
		w.Write([]byte(`[
			{"orderId":77,"price":"100.1","qty":"1","commission":"0.25","commissionAsset":"USDT","time":1700000060100},
			{"orderId":77,"price":"100.3","qty":"1","commission":"0.5","commissionAsset":"USDT","time":1700000060100}
		]`))
	})
	mux.HandleFunc("/fapi/v2/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"2","entryPrice":"100.2","markPrice":"100.2","unRealizedProfit":"0","leverage":"5","marginType":"cross","initialMargin":"40.08"}]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	rec, err := futuresClientFor(server).PlaceOrder(OrderRequest{
		Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: 2,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Commission != 0.75 {
		t.Errorf("commission = %v; want the summed fills 0.75", rec.Commission)
	}
	if rec.CommissionAsset != "USDT" {
		t.Errorf("commission asset = %q; want USDT", rec.CommissionAsset)
	}
	if rec.Leverage != 5 {
		t.Errorf("leverage = %d; want enriched 5", rec.Leverage)
	}
}

func TestClosePositionTagsOrderWithClientID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v2/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"1.5","entryPrice":"100","markPrice":"101","unRealizedProfit":"1.5","leverage":"5","marginType":"cross","initialMargin":"30"}]`))
	})
	mux.HandleFunc("/fapi/v1/userTrades", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("newClientOrderId"); got != "X-05JAN-00042" {
			t.Errorf("newClientOrderId = %q; want X-05JAN-00042", got)
		}
		if got := q.Get("side"); got != "SELL" {
			t.Errorf("side = %q; a long must be closed with SELL", got)
		}
		if got := q.Get("reduceOnly"); got != "true" {
			t.Errorf("reduceOnly = %q; want true", got)
		}
		w.Write([]byte(`{"orderId":88,"clientOrderId":"X-05JAN-00042","symbol":"BTCUSDT","side":"SELL","type":"MARKET","status":"FILLED","price":"0","avgPrice":"101","origQty":"1.5","executedQty":"1.5","updateTime":1700000060100}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	rec, err := futuresClientFor(server).ClosePosition("BTCUSDT", "X-05JAN-00042")
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if rec == nil || rec.ClientOrderID != "X-05JAN-00042" {
		t.Fatalf("record = %+v; want the tagged close order", rec)
	}
}

func TestClosePositionWhenFlat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"100","unRealizedProfit":"0","leverage":"5","marginType":"cross","initialMargin":"0"}]`))
	}))
	defer server.Close()

	rec, err := futuresClientFor(server).ClosePosition("BTCUSDT", "X-R-deadbeef")
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if rec != nil {
		t.Errorf("flat position must close to (nil, nil), got %+v", rec)
	}
}
