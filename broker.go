// FILE: broker.go
// Package main – Broker abstractions shared by all execution backends.
//
// This file defines the minimal surface the scanner, the gate and the position
// monitor need from a broker (paper or real):
//   • Broker interface: prices, open trades, bracket market orders, closes,
//     stop-loss modification and an account summary
//   • Common types: OrderSide, Quote, Trade, OrderRequest, Fill, AccountSummary
//
// Concrete implementations live in separate files:
//   • broker_paper.go   – in-memory paper ledger (no external calls)
//   • broker_oanda.go   – OANDA v20 REST client
//   • broker_alpaca.go  – Alpaca trading + market data client
//   • cache.go          – CachingBroker decorator (price TTL cache, API usage)
package main

import (
	"context"
	"math"
	"time"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the closing side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// sideFromUnits maps signed units to a side; zero maps to BUY.
func sideFromUnits(units float64) OrderSide {
	if units < 0 {
		return SideSell
	}
	return SideBuy
}

// Quote is the current top of book for one instrument.
type Quote struct {
	Instrument string
	Bid        float64
	Ask        float64
	Time       time.Time
}

func (q Quote) Mid() float64    { return (q.Bid + q.Ask) / 2 }
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// ExitPrice is the price a position on side would close at.
func (q Quote) ExitPrice(side OrderSide) float64 {
	if side == SideSell {
		if q.Ask > 0 {
			return q.Ask
		}
	} else if q.Bid > 0 {
		return q.Bid
	}
	return q.Mid()
}

// Trade is an open position as reported by the broker (or the paper ledger).
// Units carry the direction: positive is long, negative is short.
type Trade struct {
	ID           string
	AccountID    string
	Instrument   string
	Units        float64
	Price        float64
	UnrealizedPL float64
	OpenTime     time.Time
	StopLoss     float64
	TakeProfit   float64
	StrategyTag  string
	Paper        bool
}

// Side derives the direction from the sign of Units.
func (t Trade) Side() OrderSide { return sideFromUnits(t.Units) }

// AbsUnits is |Units|.
func (t Trade) AbsUnits() float64 { return math.Abs(t.Units) }

// OrderRequest is a bracket market order: entry at market with attached
// absolute stop-loss and take-profit prices. Units are signed.
type OrderRequest struct {
	AccountID   string
	Instrument  string
	Units       float64
	StopLoss    float64
	TakeProfit  float64
	StrategyTag string
}

// Fill is a normalized view of a filled market order. Paper fills have the
// same shape with Simulated set.
type Fill struct {
	OrderID    string
	TradeID    string
	AccountID  string
	Instrument string
	Side       OrderSide
	Units      float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Simulated  bool
	CreateTime time.Time
}

// AccountSummary is the subset of account state the risk gate needs.
type AccountSummary struct {
	AccountID  string
	Currency   string
	Balance    float64
	NAV        float64
	MarginUsed float64
	OpenTrades int
}

// Broker is the minimal surface the bot needs to operate.
type Broker interface {
	Name() string
	GetCurrentPrices(ctx context.Context, instruments []string) (map[string]Quote, error)
	GetOpenTrades(ctx context.Context, accountID string) ([]Trade, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Fill, error)
	// CloseTrade closes units of a trade (units <= 0 closes it fully). An
	// unknown or already-closed trade id returns false with a nil error.
	CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (bool, error)
	SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error
	GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error)
}
