// FILE: broker_alpaca.go
// Package main – Alpaca broker (equities) on alpaca-trade-api-go v3.
//
// Alpaca nets positions per symbol, so a Trade here is a position and its id
// is the symbol. Entries are bracket market orders (OrderClass=bracket with
// stop_loss/take_profit legs); closes cancel the symbol's open legs and send
// an opposite-side market order; the breakeven shift replaces the stop leg.
//
// One API key pair is one Alpaca account, so accountID only labels results.
// The SDK calls take no context: ctx is checked before each call.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// alpacaTrading is the subset of *alpaca.Client in use.
type alpacaTrading interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	CancelOrder(orderID string) error
	ReplaceOrder(orderID string, req alpaca.ReplaceOrderRequest) (*alpaca.Order, error)
}

// alpacaMarket is the subset of *marketdata.Client in use.
type alpacaMarket interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

type AlpacaBroker struct {
	api alpacaTrading
	md  alpacaMarket
}

func NewAlpacaBroker(key, secret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		api: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    key,
			APISecret: secret,
			BaseURL:   baseURL,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    key,
			APISecret: secret,
		}),
	}
}

func (a *AlpacaBroker) Name() string { return "alpaca" }

func f64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (a *AlpacaBroker) GetCurrentPrices(ctx context.Context, instruments []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(instruments))
	var errs []error
	for _, sym := range instruments {
		if err := ctx.Err(); err != nil {
			return nil, &TransientAPIError{Op: "alpaca quotes", Err: err}
		}
		q, err := a.md.GetLatestQuote(sym, marketdata.GetLatestQuoteRequest{})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		if q.BidPrice <= 0 || q.AskPrice <= 0 {
			continue
		}
		out[sym] = Quote{Instrument: sym, Bid: q.BidPrice, Ask: q.AskPrice, Time: q.Timestamp.UTC()}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, &TransientAPIError{Op: "alpaca quotes", Err: errors.Join(errs...)}
	}
	return out, nil
}

func (a *AlpacaBroker) GetOpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := a.api.GetPositions()
	if err != nil {
		return nil, &TransientAPIError{Op: "alpaca positions", Err: err}
	}
	stops := a.stopLegs(positionSymbols(positions))
	trades := make([]Trade, 0, len(positions))
	for _, p := range positions {
		units := f64(p.Qty)
		if strings.EqualFold(p.Side, "short") && units > 0 {
			units = -units
		}
		t := Trade{
			ID:         p.Symbol,
			AccountID:  accountID,
			Instrument: p.Symbol,
			Units:      units,
			Price:      f64(p.AvgEntryPrice),
		}
		if leg, ok := stops[p.Symbol]; ok && leg.StopPrice != nil {
			t.StopLoss = f64(*leg.StopPrice)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func positionSymbols(ps []alpaca.Position) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Symbol)
	}
	return out
}

// stopLegs returns the open stop order per symbol (bracket legs included).
func (a *AlpacaBroker) stopLegs(symbols []string) map[string]alpaca.Order {
	out := map[string]alpaca.Order{}
	if len(symbols) == 0 {
		return out
	}
	orders, err := a.api.GetOrders(alpaca.GetOrdersRequest{Status: "open", Symbols: symbols, Nested: true})
	if err != nil {
		return out
	}
	var walk func(o alpaca.Order)
	walk = func(o alpaca.Order) {
		if o.Type == alpaca.Stop {
			out[o.Symbol] = o
		}
		for _, leg := range o.Legs {
			walk(leg)
		}
	}
	for _, o := range orders {
		walk(o)
	}
	return out
}

func (a *AlpacaBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if req.Units == 0 {
		return nil, errors.New("alpaca: units must be non-zero")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	side := alpaca.Buy
	if req.Units < 0 {
		side = alpaca.Sell
	}
	qty := decimal.NewFromFloat(math.Abs(req.Units)).Floor()
	sl := decimal.NewFromFloat(req.StopLoss).Round(2)
	tp := decimal.NewFromFloat(req.TakeProfit).Round(2)

	order, err := a.api.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Instrument,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		OrderClass:    alpaca.Bracket,
		StopLoss:      &alpaca.StopLoss{StopPrice: &sl},
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tp},
		ClientOrderID: clientOrderID(req.StrategyTag),
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca place order %s: %w", req.Instrument, err)
	}

	f := &Fill{
		OrderID:    order.ID,
		TradeID:    req.Instrument,
		AccountID:  req.AccountID,
		Instrument: req.Instrument,
		Side:       sideFromUnits(req.Units),
		Units:      req.Units,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		CreateTime: order.CreatedAt.UTC(),
	}
	if order.FilledAvgPrice != nil {
		f.Price = f64(*order.FilledAvgPrice)
	}
	// Market orders usually report the fill asynchronously.
	if f.Price == 0 {
		if tr, err := a.md.GetLatestTrade(req.Instrument, marketdata.GetLatestTradeRequest{}); err == nil {
			f.Price = tr.Price
		}
	}
	return f, nil
}

// clientOrderID tags orders with the strategy; Alpaca requires uniqueness.
func clientOrderID(tag string) string {
	if tag == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", tag, time.Now().UnixNano())
}

func (a *AlpacaBroker) CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	positions, err := a.api.GetPositions()
	if err != nil {
		return false, &TransientAPIError{Op: "alpaca positions", Err: err}
	}
	var pos *alpaca.Position
	for i := range positions {
		if positions[i].Symbol == tradeID {
			pos = &positions[i]
			break
		}
	}
	if pos == nil || pos.Qty.IsZero() {
		return false, nil
	}

	// Bracket legs reserve the position quantity; they go first.
	if orders, err := a.api.GetOrders(alpaca.GetOrdersRequest{Status: "open", Symbols: []string{tradeID}}); err == nil {
		for _, o := range orders {
			_ = a.api.CancelOrder(o.ID)
		}
	}

	held := pos.Qty.Abs()
	qty := held
	if units > 0 {
		if u := decimal.NewFromFloat(units).Floor(); u.LessThan(held) && u.IsPositive() {
			qty = u
		}
	}
	side := alpaca.Sell
	if pos.Qty.IsNegative() || strings.EqualFold(pos.Side, "short") {
		side = alpaca.Buy
	}
	if _, err := a.api.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      tradeID,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	}); err != nil {
		return false, fmt.Errorf("alpaca close %s: %w", tradeID, err)
	}
	return true, nil
}

func (a *AlpacaBroker) SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	leg, ok := a.stopLegs([]string{tradeID})[tradeID]
	if !ok {
		return fmt.Errorf("alpaca: no open stop order for %s", tradeID)
	}
	stop := decimal.NewFromFloat(price).Round(2)
	if _, err := a.api.ReplaceOrder(leg.ID, alpaca.ReplaceOrderRequest{StopPrice: &stop}); err != nil {
		return fmt.Errorf("alpaca replace stop %s: %w", tradeID, err)
	}
	return nil
}

func (a *AlpacaBroker) GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error) {
	if err := ctx.Err(); err != nil {
		return AccountSummary{}, err
	}
	acct, err := a.api.GetAccount()
	if err != nil {
		return AccountSummary{}, &TransientAPIError{Op: "alpaca account", Err: err}
	}
	return AccountSummary{
		AccountID:  accountID,
		Currency:   acct.Currency,
		Balance:    f64(acct.Cash),
		NAV:        f64(acct.Equity),
		MarginUsed: f64(acct.InitialMargin),
	}, nil
}
