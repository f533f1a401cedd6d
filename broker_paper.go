// FILE: broker_paper.go
// Package main – In-memory paper broker (no external dependencies).
//
// The paper broker simulates execution against the latest quote it has seen.
// It has two jobs:
//   • the paper ledger behind the ExecutionGate: simulated fills are recorded
//     here so the position monitor manages paper trades like live ones
//   • a full Broker for replays and tests (SetQuote drives its prices)
//
// Every quote update also works the bracket legs: a trade whose exit-side
// price reaches its stop or target is closed at that level, the way a broker
// fills SL/TP orders server-side. The monitor then sees it disappear.
//
// Closing an unknown or already-closed trade returns (false, nil).
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperBroker keeps simulated trades and the last quote per instrument.
type PaperBroker struct {
	mu       sync.Mutex
	quotes   map[string]Quote
	trades   map[string]*Trade
	realized map[string]float64
	balance  float64
	now      func() time.Time
}

func NewPaperBroker(startBalance float64) *PaperBroker {
	return &PaperBroker{
		quotes:   make(map[string]Quote),
		trades:   make(map[string]*Trade),
		realized: make(map[string]float64),
		balance:  startBalance,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperBroker) Name() string { return "paper" }

// SetClock swaps the time source (replays run on a simulated clock).
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// BracketFill is a stop or target leg filled by a quote update.
type BracketFill struct {
	TradeID    string
	AccountID  string
	Instrument string
	Reason     string // ReasonStopLoss | ReasonTakeProfit
	Units      float64
	Price      float64
	PL         float64
	At         time.Time
}

// SetQuote updates the simulated top of book for an instrument and fills any
// bracket leg the new price reaches.
func (p *PaperBroker) SetQuote(q Quote) []BracketFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q.Time.IsZero() {
		q.Time = p.now()
	}
	p.quotes[q.Instrument] = q

	var fills []BracketFill
	for id, t := range p.trades {
		if t.Instrument != q.Instrument {
			continue
		}
		reason, level := bracketHit(*t, q.ExitPrice(t.Side()))
		if reason == "" {
			continue
		}
		units := t.AbsUnits()
		pl := p.closeLocked(id, t, units, level)
		fills = append(fills, BracketFill{
			TradeID: id, AccountID: t.AccountID, Instrument: t.Instrument,
			Reason: reason, Units: units, Price: level, PL: pl, At: q.Time,
		})
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].TradeID < fills[j].TradeID })
	return fills
}

// bracketHit reports which leg exit reaches, stop first. Zero levels are unset.
func bracketHit(t Trade, exit float64) (string, float64) {
	if exit <= 0 {
		return "", 0
	}
	if t.Side() == SideSell {
		switch {
		case t.StopLoss > 0 && exit >= t.StopLoss:
			return ReasonStopLoss, t.StopLoss
		case t.TakeProfit > 0 && exit <= t.TakeProfit:
			return ReasonTakeProfit, t.TakeProfit
		}
		return "", 0
	}
	switch {
	case t.StopLoss > 0 && exit <= t.StopLoss:
		return ReasonStopLoss, t.StopLoss
	case t.TakeProfit > 0 && exit >= t.TakeProfit:
		return ReasonTakeProfit, t.TakeProfit
	}
	return "", 0
}

func (p *PaperBroker) GetCurrentPrices(ctx context.Context, instruments []string) (map[string]Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Quote, len(instruments))
	for _, inst := range instruments {
		if q, ok := p.quotes[inst]; ok {
			out[inst] = q
		}
	}
	if len(out) == 0 && len(instruments) > 0 {
		return nil, fmt.Errorf("paper: no quotes for %v", instruments)
	}
	return out, nil
}

func (p *PaperBroker) GetOpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Trade, 0)
	for _, t := range p.trades {
		if t.AccountID != accountID {
			continue
		}
		tr := *t
		if q, ok := p.quotes[tr.Instrument]; ok {
			tr.UnrealizedPL = (q.ExitPrice(tr.Side()) - tr.Price) * tr.Units
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

// PlaceMarketOrder simulates a market fill at the current ask (BUY) or bid (SELL).
func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if req.Units == 0 {
		return nil, errors.New("paper: units must be non-zero")
	}
	p.mu.Lock()
	q, ok := p.quotes[req.Instrument]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper: no quote for %s", req.Instrument)
	}
	side := sideFromUnits(req.Units)
	price := q.Ask
	if side == SideSell {
		price = q.Bid
	}
	return p.Record(req, price), nil
}

// Record books a simulated fill at price and returns it. The gate uses this
// for paper-mode orders so the fill shape matches a live one.
func (p *PaperBroker) Record(req OrderRequest, price float64) *Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	tradeID := uuid.New().String()
	p.trades[tradeID] = &Trade{
		ID:          tradeID,
		AccountID:   req.AccountID,
		Instrument:  req.Instrument,
		Units:       req.Units,
		Price:       price,
		OpenTime:    now,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		StrategyTag: req.StrategyTag,
		Paper:       true,
	}
	return &Fill{
		OrderID:    uuid.New().String(),
		TradeID:    tradeID,
		AccountID:  req.AccountID,
		Instrument: req.Instrument,
		Side:       sideFromUnits(req.Units),
		Units:      req.Units,
		Price:      price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Simulated:  true,
		CreateTime: now,
	}
}

// CloseTrade closes units (<= 0 means all) of a paper trade at the current quote.
func (p *PaperBroker) CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trades[tradeID]
	if !ok || t.AccountID != accountID {
		return false, nil
	}
	closeAbs := t.AbsUnits()
	if units > 0 && units < closeAbs {
		closeAbs = units
	}
	exit := t.Price
	if q, ok := p.quotes[t.Instrument]; ok {
		exit = q.ExitPrice(t.Side())
	}
	p.closeLocked(tradeID, t, closeAbs, exit)
	return true, nil
}

// closeLocked books the P/L of closing closeAbs units at exit and returns it.
func (p *PaperBroker) closeLocked(tradeID string, t *Trade, closeAbs, exit float64) float64 {
	pl := (exit - t.Price) * closeAbs * t.Side().Sign()
	p.realized[t.AccountID] += pl
	p.balance += pl

	remaining := t.AbsUnits() - closeAbs
	if remaining <= 1e-9 {
		delete(p.trades, tradeID)
		return pl
	}
	t.Units = remaining * t.Side().Sign()
	return pl
}

func (p *PaperBroker) SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trades[tradeID]
	if !ok || t.AccountID != accountID {
		return fmt.Errorf("paper: trade %s not open", tradeID)
	}
	t.StopLoss = price
	return nil
}

// GetAccountSummary reports the shared paper balance and a notional margin
// estimate for the account's open paper trades.
func (p *PaperBroker) GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := AccountSummary{AccountID: accountID, Currency: "USD", Balance: p.balance}
	for _, t := range p.trades {
		if t.AccountID != accountID {
			continue
		}
		sum.OpenTrades++
		sum.MarginUsed += math.Abs(t.Units) * t.Price * defaultMarginRate
	}
	sum.NAV = sum.Balance
	return sum, nil
}

// RealizedPL returns the realized paper P/L for an account.
func (p *PaperBroker) RealizedPL(accountID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized[accountID]
}
