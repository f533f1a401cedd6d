package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type orderCapture struct {
	mu    sync.Mutex
	order map[string]any
}

func (c *orderCapture) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}

func newOandaFixture(t *testing.T) (*OandaBroker, *orderCapture) {
	t.Helper()
	captured := &orderCapture{}
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("/v3/accounts/P-1/pricing", auth(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instruments"); got != "EUR_USD,USD_JPY" {
			t.Errorf("unexpected instruments %q", got)
		}
		_, _ = w.Write([]byte(`{"prices":[
            {"instrument":"EUR_USD","time":"2024-05-01T12:00:00.000000000Z","bids":[{"price":"1.10000"}],"asks":[{"price":"1.10020"}]},
            {"instrument":"USD_JPY","time":"2024-05-01T12:00:00.000000000Z","bids":[],"asks":[]}]}`))
	}))
	mux.HandleFunc("/v3/accounts/A-1/openTrades", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"trades":[{"id":"77","instrument":"EUR_USD","price":"1.10020","openTime":"2024-05-01T12:00:00Z",
            "currentUnits":"-250000","unrealizedPL":"-12.5","clientExtensions":{"tag":"fx-aggressive"},"stopLossOrder":{"price":"1.10220"},"takeProfitOrder":{"price":"1.09620"}}]}`))
	}))
	mux.HandleFunc("/v3/accounts/A-1/orders", auth(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Order map[string]any `json:"order"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		captured.mu.Lock()
		captured.order = body.Order
		captured.mu.Unlock()
		if body.Order["instrument"] == "GBP_USD" {
			_, _ = w.Write([]byte(`{"orderCancelTransaction":{"reason":"INSUFFICIENT_MARGIN"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"orderFillTransaction":{"id":"101","orderID":"100","price":"1.10021","units":"250000",
            "time":"2024-05-01T12:00:01Z","tradeOpened":{"tradeID":"102"}}}`))
	}))
	mux.HandleFunc("/v3/accounts/A-1/trades/77/close", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("close uses %s", r.Method)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	mux.HandleFunc("/v3/accounts/A-1/trades/gone/close", auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errorMessage":"The Trade specified does not exist"}`))
	}))
	mux.HandleFunc("/v3/accounts/A-1/summary", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account":{"currency":"USD","balance":"10000.50","NAV":"9990.25","marginUsed":"5500","openTradeCount":1}}`))
	}))
	mux.HandleFunc("/v3/accounts/DOWN/summary", auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewOandaBroker(srv.URL+"/", "tok", "P-1", time.Second), captured
}

func TestOandaPricing(t *testing.T) {
	o, _ := newOandaFixture(t)
	q, err := o.GetCurrentPrices(context.Background(), []string{"EUR_USD", "USD_JPY"})
	if err != nil {
		t.Fatalf("GetCurrentPrices: %v", err)
	}
	if len(q) != 1 {
		t.Fatalf("expected the empty book to be skipped, got %v", q)
	}
	eu := q["EUR_USD"]
	if eu.Bid != 1.1 || eu.Ask != 1.1002 || eu.Time.IsZero() {
		t.Errorf("unexpected quote %+v", eu)
	}

	noAcct := NewOandaBroker("http://127.0.0.1:0", "tok", "", time.Second)
	if _, err := noAcct.GetCurrentPrices(context.Background(), []string{"EUR_USD"}); err == nil {
		t.Error("expected a configuration error without a pricing account")
	}
}

func TestOandaOpenTradesAndSummary(t *testing.T) {
	o, _ := newOandaFixture(t)
	ctx := context.Background()
	trades, err := o.GetOpenTrades(ctx, "A-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ID != "77" || tr.Units != -250000 || tr.Side() != SideSell || tr.StopLoss != 1.1022 || tr.TakeProfit != 1.0962 || tr.StrategyTag != "fx-aggressive" || tr.Paper {
		t.Errorf("unexpected trade %+v", tr)
	}

	sum, err := o.GetAccountSummary(ctx, "A-1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Balance != 10000.5 || sum.NAV != 9990.25 || sum.MarginUsed != 5500 || sum.OpenTrades != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	if _, err := o.GetAccountSummary(ctx, "DOWN"); !IsTransient(err) {
		t.Errorf("expected a transient error for 503, got %v", err)
	}
}

func TestOandaPlaceMarketOrder(t *testing.T) {
	o, capture := newOandaFixture(t)
	ctx := context.Background()

	f, err := o.PlaceMarketOrder(ctx, OrderRequest{
		AccountID: "A-1", Instrument: "EUR_USD", Units: 250000,
		StopLoss: 1.0982, TakeProfit: 1.1042, StrategyTag: "fx-aggressive",
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if f.OrderID != "100" || f.TradeID != "102" || f.Price != 1.10021 || f.Units != 250000 || f.Simulated {
		t.Errorf("unexpected fill %+v", f)
	}
	order := capture.last()
	if order["type"] != "MARKET" || order["timeInForce"] != "FOK" || order["units"] != "250000" {
		t.Errorf("unexpected order body %v", order)
	}
	sl, _ := order["stopLossOnFill"].(map[string]any)
	if sl["price"] != "1.09820" {
		t.Errorf("expected stop at quote precision, got %v", sl["price"])
	}

	_, err = o.PlaceMarketOrder(ctx, OrderRequest{AccountID: "A-1", Instrument: "GBP_USD", Units: -1000})
	if err == nil {
		t.Fatal("expected the cancel reason as an error")
	}
	if _, err := o.PlaceMarketOrder(ctx, OrderRequest{AccountID: "A-1", Instrument: "EUR_USD"}); err == nil {
		t.Error("expected an error for zero units")
	}
}

func TestOandaCloseTrade(t *testing.T) {
	o, _ := newOandaFixture(t)
	ctx := context.Background()
	if ok, err := o.CloseTrade(ctx, "A-1", "77", 0); err != nil || !ok {
		t.Errorf("expected close ok, got %v, %v", ok, err)
	}
	if ok, err := o.CloseTrade(ctx, "A-1", "gone", 0); err != nil || ok {
		t.Errorf("expected (false, nil) for an unknown trade, got %v, %v", ok, err)
	}
}
