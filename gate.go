// FILE: gate.go
// Package main – ExecutionGate: the single choke point for every order action.
//
// Decision rules, evaluated in order on EVERY call (never cached):
//   1) KILL_SWITCH set                       → allowed=false (mode irrelevant)
//   2) requested live without BOTH
//      LIVE_TRADING_ENABLED and
//      LIVE_TRADING_CONFIRMED                → mode=paper, allowed=true, "not dual-enabled"
//   3) otherwise                             → requested mode
//
// Order actions:
//   • PlaceMarketOrder – denied → *ExecutionBlockedError; paper → simulated Fill
//     booked in the paper ledger, exec never invoked; live → exec, logged,
//     errors returned unchanged after logging
//   • CloseTrade / ModifyStop – same decision; paper trades are always handled
//     by the ledger, live trades need a live decision
//
// Every decision and outcome is written as one structured [GATE] record and
// mirrored into the audit journal when one is configured.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ExecutionDecision is the gate verdict for one attempt.
type ExecutionDecision struct {
	Mode    Mode
	Allowed bool
	Reason  string
	At      time.Time
}

// GateSettingsProvider supplies the current safety flags. *Config reads them
// from env at call time.
type GateSettingsProvider interface {
	GateSettings() GateSettings
}

// GateSettingsFunc adapts a plain func.
type GateSettingsFunc func() GateSettings

func (f GateSettingsFunc) GateSettings() GateSettings { return f() }

// OrderIntent is a bracket order plus the price a simulated fill should use.
type OrderIntent struct {
	OrderRequest
	RefPrice float64
}

// ExecFunc performs the real broker call for a live order.
type ExecFunc func(ctx context.Context) (*Fill, error)

type ExecutionGate struct {
	settings GateSettingsProvider
	paper    *PaperBroker
	journal  *Journal
	log      *zap.Logger
	now      func() time.Time
}

func NewExecutionGate(settings GateSettingsProvider, paper *PaperBroker, journal *Journal, log *zap.Logger) *ExecutionGate {
	return &ExecutionGate{
		settings: settings,
		paper:    paper,
		journal:  journal,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Decision evaluates the flags as they are right now.
func (g *ExecutionGate) Decision() ExecutionDecision {
	s := g.settings.GateSettings()
	d := ExecutionDecision{At: g.now()}
	switch {
	case s.KillSwitch:
		d.Mode, d.Allowed, d.Reason = s.Requested, false, "kill switch active"
	case s.Requested == ModeLive && !(s.LiveEnabled && s.LiveConfirmed):
		d.Mode, d.Allowed, d.Reason = ModePaper, true, "not dual-enabled"
	case s.Requested == ModeLive:
		d.Mode, d.Allowed, d.Reason = ModeLive, true, "live dual-enabled"
	case s.Requested == ModePaper:
		d.Mode, d.Allowed, d.Reason = ModePaper, true, "paper requested"
	default:
		d.Mode, d.Allowed, d.Reason = ModePaper, true, fmt.Sprintf("unknown mode %q, using paper", s.Requested)
	}
	mtxGateDecisions.WithLabelValues(string(d.Mode), fmt.Sprint(d.Allowed)).Inc()
	return d
}

// PlaceMarketOrder routes an entry order through the current decision.
func (g *ExecutionGate) PlaceMarketOrder(ctx context.Context, in OrderIntent, exec ExecFunc) (*Fill, error) {
	d := g.Decision()
	rec := auditRecord{action: "open", account: in.AccountID, instrument: in.Instrument, units: in.Units, strategy: in.StrategyTag}
	if !d.Allowed {
		g.audit(d, rec, "blocked", nil)
		return nil, &ExecutionBlockedError{Decision: d, Instrument: in.Instrument, AccountID: in.AccountID}
	}
	side := string(sideFromUnits(in.Units))
	if d.Mode == ModePaper {
		f := g.paper.Record(in.OrderRequest, in.RefPrice)
		rec.tradeID = f.TradeID
		g.audit(d, rec, "simulated", nil)
		g.journal.RecordFill(*f, in.StrategyTag)
		mtxOrders.WithLabelValues(string(ModePaper), side).Inc()
		return f, nil
	}
	f, err := exec(ctx)
	if err != nil {
		g.audit(d, rec, "failed", err)
		return nil, err
	}
	rec.tradeID = f.TradeID
	g.audit(d, rec, "filled", nil)
	g.journal.RecordFill(*f, in.StrategyTag)
	mtxOrders.WithLabelValues(string(ModeLive), side).Inc()
	return f, nil
}

// CloseTrade closes units of t (<= 0 means all). exec performs the live close.
// The bool mirrors Broker.CloseTrade: false with nil error means the trade
// was already gone.
func (g *ExecutionGate) CloseTrade(ctx context.Context, t Trade, units float64, reason string, exec func(ctx context.Context) (bool, error)) (bool, error) {
	d := g.Decision()
	rec := auditRecord{action: "close", account: t.AccountID, instrument: t.Instrument, units: units, tradeID: t.ID, reason: reason, strategy: t.StrategyTag}
	if units <= 0 {
		rec.units = t.Units
	}
	if err := g.allowManage(d, t, rec); err != nil {
		return false, err
	}
	var (
		ok  bool
		err error
	)
	if t.Paper {
		ok, err = g.paper.CloseTrade(ctx, t.AccountID, t.ID, units)
	} else {
		ok, err = exec(ctx)
	}
	switch {
	case err != nil:
		g.audit(d, rec, "failed", err)
	case !ok:
		g.audit(d, rec, "not_found", nil)
	default:
		g.audit(d, rec, "closed", nil)
	}
	return ok, err
}

// ModifyStop moves the stop-loss of t to price.
func (g *ExecutionGate) ModifyStop(ctx context.Context, t Trade, price float64, exec func(ctx context.Context) error) error {
	d := g.Decision()
	rec := auditRecord{action: "modify_stop", account: t.AccountID, instrument: t.Instrument, units: t.Units, tradeID: t.ID, price: price, strategy: t.StrategyTag}
	if err := g.allowManage(d, t, rec); err != nil {
		return err
	}
	var err error
	if t.Paper {
		err = g.paper.SetStopLoss(ctx, t.AccountID, t.ID, price)
	} else {
		err = exec(ctx)
	}
	if err != nil {
		g.audit(d, rec, "failed", err)
		return err
	}
	g.audit(d, rec, "modified", nil)
	return nil
}

// allowManage: the kill switch blocks everything; a live trade can only be
// touched under a live decision.
func (g *ExecutionGate) allowManage(d ExecutionDecision, t Trade, rec auditRecord) error {
	if !d.Allowed {
		g.audit(d, rec, "blocked", nil)
		return &ExecutionBlockedError{Decision: d, Instrument: t.Instrument, AccountID: t.AccountID}
	}
	if !t.Paper && d.Mode != ModeLive {
		blocked := d
		blocked.Allowed = false
		blocked.Reason = "live trade requires live mode (" + d.Reason + ")"
		g.audit(blocked, rec, "blocked", nil)
		return &ExecutionBlockedError{Decision: blocked, Instrument: t.Instrument, AccountID: t.AccountID}
	}
	return nil
}

type auditRecord struct {
	action     string
	account    string
	instrument string
	units      float64
	tradeID    string
	price      float64
	reason     string
	strategy   string
}

func (g *ExecutionGate) audit(d ExecutionDecision, r auditRecord, outcome string, err error) {
	fields := []zap.Field{
		zap.String("action", r.action),
		zap.String("mode", string(d.Mode)),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", d.Reason),
		zap.String("instrument", r.instrument),
		zap.Float64("units", r.units),
		zap.String("account", r.account),
		zap.Time("ts", d.At),
		zap.String("outcome", outcome),
	}
	if r.tradeID != "" {
		fields = append(fields, zap.String("trade_id", r.tradeID))
	}
	if r.price != 0 {
		fields = append(fields, zap.Float64("price", r.price))
	}
	if r.reason != "" {
		fields = append(fields, zap.String("exit_reason", r.reason))
	}
	if err != nil {
		g.log.Error("[GATE] decision", append(fields, zap.Error(err))...)
	} else {
		g.log.Info("[GATE] decision", fields...)
	}
	g.journal.RecordDecision(DecisionRecord{
		At:         d.At,
		Action:     r.action,
		AccountID:  r.account,
		Instrument: r.instrument,
		Units:      r.units,
		TradeID:    r.tradeID,
		Mode:       string(d.Mode),
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		Outcome:    outcome,
		Error:      errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
