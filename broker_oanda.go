// FILE: broker_oanda.go
// Package main – OANDA v20 REST broker.
//
//   • GetCurrentPrices:  GET /v3/accounts/{pricing}/pricing?instruments=...
//   • GetOpenTrades:     GET /v3/accounts/{id}/openTrades
//   • PlaceMarketOrder:  POST /v3/accounts/{id}/orders (MARKET, FOK, SL/TP on fill)
//   • CloseTrade:        PUT /v3/accounts/{id}/trades/{trade}/close {"units":"ALL"|"n"}
//   • SetStopLoss:       PUT /v3/accounts/{id}/trades/{trade}/orders {"stopLoss":{...}}
//   • GetAccountSummary: GET /v3/accounts/{id}/summary
//
// Every call is bounded by the client timeout (HTTP_TIMEOUT_SEC, default 10s)
// and is never retried here: 5xx/429 and timeouts come back as
// TransientAPIError and the next poll or cycle tries again.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OandaBroker struct {
	base           string
	token          string
	pricingAccount string
	hc             *http.Client
}

// NewOandaBroker builds a v20 client. Pricing is account-scoped on OANDA;
// pricingAccount is the account used for GetCurrentPrices.
func NewOandaBroker(base, token, pricingAccount string, timeout time.Duration) *OandaBroker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OandaBroker{
		base:           strings.TrimRight(strings.TrimSpace(base), "/"),
		token:          token,
		pricingAccount: pricingAccount,
		hc:             &http.Client{Timeout: timeout},
	}
}

func (o *OandaBroker) Name() string { return "oanda" }

// do sends a request and decodes a 2xx JSON body into out (may be nil).
// It returns the HTTP status so callers can special-case 404.
func (o *OandaBroker) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.base+path, rd)
	if err != nil {
		return 0, fmt.Errorf("oanda newrequest: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	res, err := o.hc.Do(req)
	if err != nil {
		return 0, &TransientAPIError{Op: "oanda " + method + " " + path, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 8<<10))
		return res.StatusCode, transientFromStatus("oanda "+method+" "+path, res.StatusCode, string(b))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("oanda decode %s: %w", path, err)
	}
	return res.StatusCode, nil
}

func accountPath(accountID, suffix string) string {
	return "/v3/accounts/" + url.PathEscape(accountID) + suffix
}

func parseNum(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// formatPrice renders price at the instrument's quote precision.
func formatPrice(instrument string, price float64) string {
	return decimal.NewFromFloat(price).StringFixed(priceDecimals(instrument))
}

type oandaPriceBucket struct {
	Price string `json:"price"`
}

func (o *OandaBroker) GetCurrentPrices(ctx context.Context, instruments []string) (map[string]Quote, error) {
	if len(instruments) == 0 {
		return map[string]Quote{}, nil
	}
	if o.pricingAccount == "" {
		return nil, &ConfigurationError{Field: "OANDA_ACCOUNT_ID", Reason: "pricing needs an account id"}
	}
	var out struct {
		Prices []struct {
			Instrument string             `json:"instrument"`
			Time       time.Time          `json:"time"`
			Bids       []oandaPriceBucket `json:"bids"`
			Asks       []oandaPriceBucket `json:"asks"`
			Tradeable  bool               `json:"tradeable"`
		} `json:"prices"`
	}
	path := accountPath(o.pricingAccount, "/pricing?instruments="+url.QueryEscape(strings.Join(instruments, ",")))
	if _, err := o.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	quotes := make(map[string]Quote, len(out.Prices))
	for _, p := range out.Prices {
		if len(p.Bids) == 0 || len(p.Asks) == 0 {
			continue
		}
		quotes[p.Instrument] = Quote{
			Instrument: p.Instrument,
			Bid:        parseNum(p.Bids[0].Price),
			Ask:        parseNum(p.Asks[0].Price),
			Time:       p.Time.UTC(),
		}
	}
	return quotes, nil
}

func (o *OandaBroker) GetOpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	var out struct {
		Trades []struct {
			ID               string    `json:"id"`
			Instrument       string    `json:"instrument"`
			Price            string    `json:"price"`
			OpenTime         time.Time `json:"openTime"`
			CurrentUnits     string    `json:"currentUnits"`
			UnrealizedPL     string    `json:"unrealizedPL"`
			ClientExtensions *struct {
				Tag string `json:"tag"`
			} `json:"clientExtensions"`
			StopLossOrder *struct {
				Price string `json:"price"`
			} `json:"stopLossOrder"`
			TakeProfitOrder *struct {
				Price string `json:"price"`
			} `json:"takeProfitOrder"`
		} `json:"trades"`
	}
	if _, err := o.do(ctx, http.MethodGet, accountPath(accountID, "/openTrades"), nil, &out); err != nil {
		return nil, err
	}
	trades := make([]Trade, 0, len(out.Trades))
	for _, t := range out.Trades {
		tr := Trade{
			ID:           t.ID,
			AccountID:    accountID,
			Instrument:   t.Instrument,
			Units:        parseNum(t.CurrentUnits),
			Price:        parseNum(t.Price),
			UnrealizedPL: parseNum(t.UnrealizedPL),
			OpenTime:     t.OpenTime.UTC(),
		}
		if t.ClientExtensions != nil {
			tr.StrategyTag = t.ClientExtensions.Tag
		}
		if t.StopLossOrder != nil {
			tr.StopLoss = parseNum(t.StopLossOrder.Price)
		}
		if t.TakeProfitOrder != nil {
			tr.TakeProfit = parseNum(t.TakeProfitOrder.Price)
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

func (o *OandaBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if req.Units == 0 {
		return nil, errors.New("oanda: units must be non-zero")
	}
	order := map[string]any{
		"type":         "MARKET",
		"instrument":   req.Instrument,
		"units":        strconv.FormatFloat(req.Units, 'f', 0, 64),
		"timeInForce":  "FOK",
		"positionFill": "DEFAULT",
	}
	if req.StopLoss > 0 {
		order["stopLossOnFill"] = map[string]string{"price": formatPrice(req.Instrument, req.StopLoss), "timeInForce": "GTC"}
	}
	if req.TakeProfit > 0 {
		order["takeProfitOnFill"] = map[string]string{"price": formatPrice(req.Instrument, req.TakeProfit), "timeInForce": "GTC"}
	}
	if req.StrategyTag != "" {
		order["tradeClientExtensions"] = map[string]string{"tag": req.StrategyTag}
	}

	var out struct {
		OrderFillTransaction *struct {
			ID          string    `json:"id"`
			OrderID     string    `json:"orderID"`
			Price       string    `json:"price"`
			Units       string    `json:"units"`
			Time        time.Time `json:"time"`
			TradeOpened *struct {
				TradeID string `json:"tradeID"`
			} `json:"tradeOpened"`
		} `json:"orderFillTransaction"`
		OrderCancelTransaction *struct {
			Reason string `json:"reason"`
		} `json:"orderCancelTransaction"`
	}
	if _, err := o.do(ctx, http.MethodPost, accountPath(req.AccountID, "/orders"), map[string]any{"order": order}, &out); err != nil {
		return nil, err
	}
	if out.OrderFillTransaction == nil {
		reason := "no fill"
		if out.OrderCancelTransaction != nil {
			reason = out.OrderCancelTransaction.Reason
		}
		return nil, fmt.Errorf("oanda order %s %s: %s", req.Instrument, strconv.FormatFloat(req.Units, 'f', 0, 64), reason)
	}
	ft := out.OrderFillTransaction
	f := &Fill{
		OrderID:    ft.OrderID,
		AccountID:  req.AccountID,
		Instrument: req.Instrument,
		Side:       sideFromUnits(req.Units),
		Units:      parseNum(ft.Units),
		Price:      parseNum(ft.Price),
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		CreateTime: ft.Time.UTC(),
	}
	if f.OrderID == "" {
		f.OrderID = ft.ID
	}
	if ft.TradeOpened != nil {
		f.TradeID = ft.TradeOpened.TradeID
	}
	return f, nil
}

func (o *OandaBroker) CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (bool, error) {
	body := map[string]string{"units": "ALL"}
	if units > 0 {
		body["units"] = strconv.FormatFloat(units, 'f', 0, 64)
	}
	status, err := o.do(ctx, http.MethodPut, accountPath(accountID, "/trades/"+url.PathEscape(tradeID)+"/close"), body, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (o *OandaBroker) SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error {
	// price arrives at quote precision (breakeven = the fill price).
	body := map[string]any{"stopLoss": map[string]string{
		"price":       strconv.FormatFloat(price, 'f', -1, 64),
		"timeInForce": "GTC",
	}}
	_, err := o.do(ctx, http.MethodPut, accountPath(accountID, "/trades/"+url.PathEscape(tradeID)+"/orders"), body, nil)
	return err
}

func (o *OandaBroker) GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error) {
	var out struct {
		Account struct {
			Currency       string `json:"currency"`
			Balance        string `json:"balance"`
			NAV            string `json:"NAV"`
			MarginUsed     string `json:"marginUsed"`
			OpenTradeCount int    `json:"openTradeCount"`
		} `json:"account"`
	}
	if _, err := o.do(ctx, http.MethodGet, accountPath(accountID, "/summary"), nil, &out); err != nil {
		return AccountSummary{}, err
	}
	return AccountSummary{
		AccountID:  accountID,
		Currency:   out.Account.Currency,
		Balance:    parseNum(out.Account.Balance),
		NAV:        parseNum(out.Account.NAV),
		MarginUsed: parseNum(out.Account.MarginUsed),
		OpenTrades: out.Account.OpenTradeCount,
	}, nil
}
