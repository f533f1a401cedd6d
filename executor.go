// FILE: executor.go
// Package main – OrderExecutor: validated signal → bracket order via the gate.
//
// Execute never returns an error for ordinary market conditions (price fetch
// failure, broker rejection, insufficient margin); those come back as
// ExecutionResult{Success:false}. Only a gate denial (*ExecutionBlockedError)
// is returned as an error, because it means the safety configuration said no.
package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecutionResult is the normalized outcome of one entry attempt.
type ExecutionResult struct {
	Success   bool
	OrderID   string
	TradeID   string
	FillPrice float64
	Units     float64
	Mode      Mode
	Error     string
}

// BracketPrices returns direction-correct absolute stop-loss and take-profit
// prices: BUY has stop below and target above entry, SELL the mirror image.
// Prices are rounded to the instrument's quote precision.
func BracketPrices(dir OrderSide, entry, stopDist, tpDist float64, instrument string) (stopLoss, takeProfit float64) {
	places := priceDecimals(instrument)
	e := decimal.NewFromFloat(entry)
	s := decimal.NewFromFloat(stopDist)
	t := decimal.NewFromFloat(tpDist)
	var sl, tp decimal.Decimal
	if dir == SideSell {
		sl, tp = e.Add(s), e.Sub(t)
	} else {
		sl, tp = e.Sub(s), e.Add(t)
	}
	stopLoss, _ = sl.Round(places).Float64()
	takeProfit, _ = tp.Round(places).Float64()
	return stopLoss, takeProfit
}

type OrderExecutor struct {
	gate   *ExecutionGate
	broker Broker
	log    *zap.Logger
}

func NewOrderExecutor(gate *ExecutionGate, broker Broker, log *zap.Logger) *OrderExecutor {
	return &OrderExecutor{gate: gate, broker: broker, log: log}
}

func failed(format string, args ...any) ExecutionResult {
	return ExecutionResult{Error: fmt.Sprintf(format, args...)}
}

// Execute places sig with signed units. The bracket is re-anchored on the
// current price, keeping the signal's stop and target distances.
func (e *OrderExecutor) Execute(ctx context.Context, sig *TradeSignal, units float64) (ExecutionResult, error) {
	if err := sig.Validate(); err != nil {
		return failed("%v", err), nil
	}
	if units == 0 || sideFromUnits(units) != sig.Direction {
		return failed("units %.0f do not match direction %s", units, sig.Direction), nil
	}

	quotes, err := e.broker.GetCurrentPrices(ctx, []string{sig.Instrument})
	if err != nil {
		e.log.Warn("[EXEC] price fetch failed", zap.String("instrument", sig.Instrument), zap.Error(err))
		return failed("price fetch: %v", err), nil
	}
	q, ok := quotes[sig.Instrument]
	if !ok || q.Bid <= 0 || q.Ask <= 0 {
		return failed("no price for %s", sig.Instrument), nil
	}
	entry := q.Ask
	if sig.Direction == SideSell {
		entry = q.Bid
	}
	sl, tp := BracketPrices(sig.Direction, entry, sig.StopDistance(), sig.TakeProfitDistance(), sig.Instrument)

	req := OrderRequest{
		AccountID:   sig.AccountID,
		Instrument:  sig.Instrument,
		Units:       units,
		StopLoss:    sl,
		TakeProfit:  tp,
		StrategyTag: sig.StrategyID,
	}
	fill, err := e.gate.PlaceMarketOrder(ctx, OrderIntent{OrderRequest: req, RefPrice: entry}, func(ctx context.Context) (*Fill, error) {
		return e.broker.PlaceMarketOrder(ctx, req)
	})
	if err != nil {
		if IsExecutionBlocked(err) {
			return ExecutionResult{Error: err.Error()}, err
		}
		e.log.Warn("[EXEC] order rejected",
			zap.String("account", sig.AccountID), zap.String("instrument", sig.Instrument),
			zap.Float64("units", units), zap.Error(err))
		return failed("order: %v", err), nil
	}

	if c, ok := e.broker.(interface{ InvalidatePrices() }); ok {
		c.InvalidatePrices()
	}

	mode := ModeLive
	if fill.Simulated {
		mode = ModePaper
	}
	e.log.Info("[EXEC] filled",
		zap.String("account", sig.AccountID), zap.String("instrument", sig.Instrument),
		zap.String("side", string(sig.Direction)), zap.Float64("units", fill.Units),
		zap.Float64("price", fill.Price), zap.Float64("sl", sl), zap.Float64("tp", tp),
		zap.String("mode", string(mode)), zap.String("trade_id", fill.TradeID))
	return ExecutionResult{
		Success:   true,
		OrderID:   fill.OrderID,
		TradeID:   fill.TradeID,
		FillPrice: fill.Price,
		Units:     fill.Units,
		Mode:      mode,
	}, nil
}
