// FILE: monitor.go
// Package main – PositionMonitor: exit rules and the profit-taking ladder.
//
// Runs on its own fixed interval, independent of the scanner. Each tick, for
// every open position (broker trades plus paper-ledger trades):
//
//   move_pct      = (exit price − entry) / entry × 100, sign-corrected
//   time_in_trade = now − open time
//
// Hard exits, first match wins:
//   1) EARLY_LOSS          move_pct ≤ −early_close_loss_pct   → close all
//   2) MAX_LOSS_HOLD_TIME  move_pct < 0 and held ≥ max_loss   → close all
//   3) QUICK_PROFIT        move_pct ≥ early_close_profit_pct  → close all
//   4) MAX_HOLD_TIME       held ≥ max_hold                    → close all
// Otherwise the ladder, one step per tick:
//   breakeven shift → fractional closes (of the ORIGINAL size) → trailing stop
//   on the remainder once every fraction is done.
//
// Position states: OPEN → BREAKEVEN_SET → PARTIAL_CLOSED(n) → CLOSED. A trade
// that vanishes from the broker (SL/TP hit) moves straight to CLOSED.
//
// A failed action is logged and reported for that position only; the tick
// always continues with the remaining positions. ActionsTaken counts
// successes only.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LadderStep closes Fraction of the original size once move_pct ≥ AtPct.
type LadderStep struct {
	AtPct    float64
	Fraction float64
}

// ExitPolicy holds the exit thresholds. Percentages are in percent units;
// a zero value disables that rule.
type ExitPolicy struct {
	EarlyCloseLossPct   float64 // magnitude; the sign is ignored
	MaxLossHold         time.Duration
	EarlyCloseProfitPct float64
	MaxHold             time.Duration
	BreakevenAtPct      float64
	Ladder              []LadderStep
	TrailPct            float64
}

func (p ExitPolicy) validate() error {
	if p.EarlyCloseProfitPct < 0 {
		return &ConfigurationError{Field: "EXIT_QUICK_PROFIT_PCT", Reason: "must be >= 0"}
	}
	if p.MaxHold < 0 || p.MaxLossHold < 0 {
		return &ConfigurationError{Field: "EXIT_MAX_HOLD_MIN", Reason: "hold limits must be >= 0"}
	}
	if p.TrailPct < 0 || p.BreakevenAtPct < 0 {
		return &ConfigurationError{Field: "EXIT_TRAIL_PCT", Reason: "must be >= 0"}
	}
	return nil
}

// earlyLossThreshold is −|EarlyCloseLossPct| so both "0.15" and "-0.15" mean
// "close at a 0.15% adverse move".
func (p ExitPolicy) earlyLossThreshold() float64 { return -math.Abs(p.EarlyCloseLossPct) }

// Exit reasons and ladder actions.
const (
	ReasonEarlyLoss    = "EARLY_LOSS"
	ReasonMaxLossHold  = "MAX_LOSS_HOLD_TIME"
	ReasonQuickProfit  = "QUICK_PROFIT"
	ReasonMaxHold      = "MAX_HOLD_TIME"
	ReasonLadder       = "LADDER_PARTIAL"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonBreakeven    = "BREAKEVEN"
	ReasonShutdown     = "SHUTDOWN"
	ReasonStopLoss     = "STOP_LOSS"   // paper bracket leg
	ReasonTakeProfit   = "TAKE_PROFIT" // paper bracket leg
)

// PositionPhase is the lifecycle state of a monitored trade.
type PositionPhase int

const (
	PhaseOpen PositionPhase = iota
	PhaseBreakevenSet
	PhasePartialClosed
	PhaseClosed
)

// PositionState is what the monitor remembers about one trade between ticks.
type PositionState struct {
	TradeID      string
	AccountID    string
	Instrument   string
	Side         OrderSide
	Entry        float64
	InitialUnits float64 // absolute, at first sight
	OpenTime     time.Time
	Phase        PositionPhase
	Partials     int
	Breakeven    bool
	PeakMovePct  float64
}

func (s *PositionState) String() string {
	switch s.Phase {
	case PhaseBreakevenSet:
		return "BREAKEVEN_SET"
	case PhasePartialClosed:
		return fmt.Sprintf("PARTIAL_CLOSED(%d)", s.Partials)
	case PhaseClosed:
		return "CLOSED"
	default:
		return "OPEN"
	}
}

// ActionKind is what the monitor decided for a position this tick.
type ActionKind int

const (
	ActNone ActionKind = iota
	ActClose
	ActPartial
	ActBreakeven
)

// ExitAction is the output of Evaluate.
type ExitAction struct {
	Kind      ActionKind
	Reason    string
	Units     float64 // absolute units to close (ActPartial)
	StopPrice float64 // new stop (ActBreakeven)
}

// MovePct is the sign-corrected move from entry to the exit-side price, in percent.
func MovePct(side OrderSide, entry, current float64) float64 {
	if entry == 0 {
		return 0
	}
	return (current - entry) / entry * 100 * side.Sign()
}

// Evaluate applies the rules to one position. It reads st but never mutates it.
func (p ExitPolicy) Evaluate(st *PositionState, t Trade, movePct float64, held time.Duration) ExitAction {
	switch {
	case p.EarlyCloseLossPct != 0 && movePct <= p.earlyLossThreshold():
		return ExitAction{Kind: ActClose, Reason: ReasonEarlyLoss}
	case p.MaxLossHold > 0 && movePct < 0 && held >= p.MaxLossHold:
		return ExitAction{Kind: ActClose, Reason: ReasonMaxLossHold}
	case p.EarlyCloseProfitPct > 0 && movePct >= p.EarlyCloseProfitPct:
		return ExitAction{Kind: ActClose, Reason: ReasonQuickProfit}
	case p.MaxHold > 0 && held >= p.MaxHold:
		return ExitAction{Kind: ActClose, Reason: ReasonMaxHold}
	}

	if p.BreakevenAtPct > 0 && !st.Breakeven && movePct >= p.BreakevenAtPct {
		return ExitAction{Kind: ActBreakeven, Reason: ReasonBreakeven, StopPrice: st.Entry}
	}
	if st.Partials < len(p.Ladder) {
		step := p.Ladder[st.Partials]
		if movePct >= step.AtPct {
			units := math.Floor(st.InitialUnits * step.Fraction)
			if units < 1 {
				units = 1
			}
			if units >= t.AbsUnits() {
				return ExitAction{Kind: ActClose, Reason: ReasonLadder}
			}
			return ExitAction{Kind: ActPartial, Reason: ReasonLadder, Units: units}
		}
		return ExitAction{}
	}
	if len(p.Ladder) > 0 && p.TrailPct > 0 && movePct <= st.PeakMovePct-p.TrailPct {
		return ExitAction{Kind: ActClose, Reason: ReasonTrailingStop}
	}
	return ExitAction{}
}

// PositionSource yields open trades and exit-side quotes.
type PositionSource interface {
	OpenTrades(ctx context.Context, accountID string) ([]Trade, error)
	Quotes(ctx context.Context, instruments []string) (map[string]Quote, error)
}

// LedgerView merges broker trades with the paper ledger and keeps the
// ledger's quotes current so paper P/L follows the market.
type LedgerView struct {
	broker Broker
	paper  *PaperBroker
}

// NewLedgerView merges broker and paper trades. When broker is the paper
// ledger itself (BROKER=paper, replay), trades are read once.
func NewLedgerView(broker Broker, paper *PaperBroker) *LedgerView {
	return &LedgerView{broker: broker, paper: paper}
}

func (v *LedgerView) same() bool {
	b := v.broker
	if cb, ok := b.(*CachingBroker); ok {
		b = cb.Unwrap()
	}
	pb, ok := b.(*PaperBroker)
	return ok && pb == v.paper
}

func (v *LedgerView) OpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	var out []Trade
	if !v.same() {
		live, err := v.broker.GetOpenTrades(ctx, accountID)
		if err != nil {
			return nil, err
		}
		out = append(out, live...)
	}
	if v.paper != nil {
		paper, err := v.paper.GetOpenTrades(ctx, accountID)
		if err != nil {
			return nil, err
		}
		out = append(out, paper...)
	}
	return out, nil
}

func (v *LedgerView) Quotes(ctx context.Context, instruments []string) (map[string]Quote, error) {
	qs, err := v.broker.GetCurrentPrices(ctx, instruments)
	if err != nil {
		return nil, err
	}
	if v.paper != nil && !v.same() {
		for _, q := range qs {
			v.paper.SetQuote(q)
		}
	}
	return qs, nil
}

// Summary is the broker's account summary with paper-ledger margin and
// trade count folded in.
func (v *LedgerView) Summary(ctx context.Context, accountID string) (AccountSummary, error) {
	sum, err := v.broker.GetAccountSummary(ctx, accountID)
	if err != nil {
		return sum, err
	}
	if v.paper != nil && !v.same() {
		ps, _ := v.paper.GetAccountSummary(ctx, accountID)
		sum.MarginUsed += ps.MarginUsed
		sum.OpenTrades += ps.OpenTrades
	}
	return sum, nil
}

// ActionReport describes one attempted action.
type ActionReport struct {
	TradeID    string
	AccountID  string
	Instrument string
	Reason     string
	Units      float64
	MovePct    float64
	Success    bool
	Error      string
}

// TickReport summarizes one monitor pass.
type TickReport struct {
	At           time.Time
	Positions    int
	ActionsTaken int
	Actions      []ActionReport
	Errors       map[string]string // account or trade id → error
}

type PositionMonitor struct {
	source   PositionSource
	broker   Broker
	gate     *ExecutionGate
	policy   ExitPolicy
	accounts func() []string
	journal  *Journal
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*PositionState
}

func NewPositionMonitor(source PositionSource, broker Broker, gate *ExecutionGate, policy ExitPolicy,
	accounts func() []string, journal *Journal, log *zap.Logger) *PositionMonitor {
	return &PositionMonitor{
		source:   source,
		broker:   broker,
		gate:     gate,
		policy:   policy,
		accounts: accounts,
		journal:  journal,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		states:   map[string]*PositionState{},
	}
}

// State returns a copy of the tracked state for a trade.
func (m *PositionMonitor) State(tradeID string) (PositionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[tradeID]
	if !ok {
		return PositionState{}, false
	}
	return *st, true
}

type accountTrades struct {
	account string
	trades  []Trade
}

// collect loads every account's open trades; failures are recorded per account.
func (m *PositionMonitor) collect(ctx context.Context, rep *TickReport) ([]accountTrades, []string) {
	var (
		out   []accountTrades
		insts []string
		seen  = map[string]bool{}
	)
	for _, id := range m.accounts() {
		trades, err := m.source.OpenTrades(ctx, id)
		if err != nil {
			rep.Errors[id] = err.Error()
			m.log.Warn("[MONITOR] open trades failed", zap.String("account", id), zap.Error(err))
			continue
		}
		for i := range trades {
			if trades[i].AccountID == "" {
				trades[i].AccountID = id
			}
			if !seen[trades[i].Instrument] {
				seen[trades[i].Instrument] = true
				insts = append(insts, trades[i].Instrument)
			}
		}
		out = append(out, accountTrades{account: id, trades: trades})
	}
	sort.Strings(insts)
	return out, insts
}

// Tick runs one pass over every open position.
func (m *PositionMonitor) Tick(ctx context.Context) TickReport {
	now := m.now()
	rep := TickReport{At: now, Errors: map[string]string{}}

	books, insts := m.collect(ctx, &rep)
	m.reconcile(books)

	var quotes map[string]Quote
	if len(insts) > 0 {
		var err error
		quotes, err = m.source.Quotes(ctx, insts)
		if err != nil {
			rep.Errors["pricing"] = err.Error()
			m.log.Warn("[MONITOR] pricing failed", zap.Strings("instruments", insts), zap.Error(err))
			return rep
		}
	}

	for _, b := range books {
		for _, t := range b.trades {
			rep.Positions++
			q, ok := quotes[t.Instrument]
			if !ok {
				rep.Errors[t.ID] = "no quote for " + t.Instrument
				continue
			}
			if ar, acted := m.managePosition(ctx, t, q, now); acted {
				rep.Actions = append(rep.Actions, ar)
				if ar.Success {
					rep.ActionsTaken++
				} else {
					rep.Errors[t.ID] = ar.Error
				}
			}
		}
	}
	mtxOpenPositions.Set(float64(rep.Positions))
	return rep
}

// reconcile marks trades that disappeared from a polled account as CLOSED.
// A CLOSED state stays visible through State for one tick, then is dropped.
func (m *PositionMonitor) reconcile(books []accountTrades) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range books {
		open := map[string]bool{}
		for _, t := range b.trades {
			open[t.ID] = true
		}
		for id, st := range m.states {
			if st.AccountID != b.account {
				continue
			}
			switch {
			case st.Phase == PhaseClosed:
				delete(m.states, id)
			case !open[id]:
				st.Phase = PhaseClosed
				m.log.Info("[MONITOR] position gone (broker-side close)",
					zap.String("trade_id", id), zap.String("account", st.AccountID), zap.String("instrument", st.Instrument))
			}
		}
	}
}

func (m *PositionMonitor) stateFor(t Trade) *PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[t.ID]
	if !ok {
		open := t.OpenTime
		if open.IsZero() {
			open = m.now()
		}
		st = &PositionState{
			TradeID:      t.ID,
			AccountID:    t.AccountID,
			Instrument:   t.Instrument,
			Side:         t.Side(),
			Entry:        t.Price,
			InitialUnits: t.AbsUnits(),
			OpenTime:     open,
			Breakeven:    t.StopLoss != 0 && t.StopLoss == t.Price,
		}
		if st.Breakeven {
			st.Phase = PhaseBreakevenSet
		}
		m.states[t.ID] = st
	}
	return st
}

// managePosition evaluates and acts on one trade. The bool reports whether an
// action was attempted.
func (m *PositionMonitor) managePosition(ctx context.Context, t Trade, q Quote, now time.Time) (ActionReport, bool) {
	st := m.stateFor(t)
	move := MovePct(t.Side(), t.Price, q.ExitPrice(t.Side()))
	held := now.Sub(st.OpenTime)

	m.mu.Lock()
	if move > st.PeakMovePct {
		st.PeakMovePct = move
	}
	snapshot := *st
	m.mu.Unlock()

	act := m.policy.Evaluate(&snapshot, t, move, held)
	if act.Kind == ActNone {
		return ActionReport{}, false
	}

	ar := ActionReport{TradeID: t.ID, AccountID: t.AccountID, Instrument: t.Instrument, Reason: act.Reason, MovePct: move}
	var err error
	switch act.Kind {
	case ActClose:
		ar.Units = t.AbsUnits()
		err = m.close(ctx, t, 0, act.Reason)
	case ActPartial:
		ar.Units = act.Units
		err = m.close(ctx, t, act.Units, act.Reason)
	case ActBreakeven:
		err = m.gate.ModifyStop(ctx, t, act.StopPrice, func(ctx context.Context) error {
			return m.broker.SetStopLoss(ctx, t.AccountID, t.ID, act.StopPrice)
		})
	}

	ar.Success = err == nil
	if err != nil {
		ar.Error = err.Error()
		m.log.Error("[MONITOR] action failed",
			zap.String("trade_id", t.ID), zap.String("account", t.AccountID), zap.String("instrument", t.Instrument),
			zap.String("reason", act.Reason), zap.Float64("move_pct", move), zap.Error(err))
	} else {
		m.advance(t, act)
		m.log.Info("[MONITOR] action",
			zap.String("trade_id", t.ID), zap.String("account", t.AccountID), zap.String("instrument", t.Instrument),
			zap.String("reason", act.Reason), zap.Float64("move_pct", move), zap.Duration("held", held), zap.Float64("units", ar.Units))
	}
	if act.Kind != ActBreakeven {
		mtxExitReasons.WithLabelValues(act.Reason, string(t.Side())).Inc()
	}
	m.journal.RecordExit(ExitRecord{
		At: now, AccountID: t.AccountID, TradeID: t.ID, Instrument: t.Instrument,
		Units: ar.Units, Reason: act.Reason, MovePct: move, Success: ar.Success, Error: ar.Error,
	})
	return ar, true
}

var errAlreadyClosed = errors.New("trade not open (already closed)")

// close routes a (partial) close through the gate. A close that finds the
// trade already gone is a failure, and the state is marked CLOSED.
func (m *PositionMonitor) close(ctx context.Context, t Trade, units float64, reason string) error {
	ok, err := m.gate.CloseTrade(ctx, t, units, reason, func(ctx context.Context) (bool, error) {
		return m.broker.CloseTrade(ctx, t.AccountID, t.ID, units)
	})
	if err != nil {
		return err
	}
	if !ok {
		m.mu.Lock()
		if st, tracked := m.states[t.ID]; tracked {
			st.Phase = PhaseClosed
		}
		m.mu.Unlock()
		return errAlreadyClosed
	}
	return nil
}

// advance moves the state machine after a successful action.
func (m *PositionMonitor) advance(t Trade, act ExitAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[t.ID]
	if !ok {
		return
	}
	switch act.Kind {
	case ActClose:
		st.Phase = PhaseClosed
	case ActPartial:
		st.Partials++
		st.Phase = PhasePartialClosed
	case ActBreakeven:
		st.Breakeven = true
		if st.Phase == PhaseOpen {
			st.Phase = PhaseBreakevenSet
		}
	}
}

// CloseAll closes every open position through the gate (shutdown path).
func (m *PositionMonitor) CloseAll(ctx context.Context, reason string) TickReport {
	rep := TickReport{At: m.now(), Errors: map[string]string{}}
	books, _ := m.collect(ctx, &rep)
	for _, b := range books {
		for _, t := range b.trades {
			rep.Positions++
			ar := ActionReport{TradeID: t.ID, AccountID: t.AccountID, Instrument: t.Instrument, Reason: reason, Units: t.AbsUnits()}
			if err := m.close(ctx, t, 0, reason); err != nil {
				ar.Error = err.Error()
				rep.Errors[t.ID] = ar.Error
			} else {
				ar.Success = true
				rep.ActionsTaken++
				m.advance(t, ExitAction{Kind: ActClose})
			}
			rep.Actions = append(rep.Actions, ar)
		}
	}
	return rep
}

// OpenCount returns the number of open positions across accounts. Any account
// that cannot be read makes the count unreliable and returns an error.
func (m *PositionMonitor) OpenCount(ctx context.Context) (int, error) {
	rep := TickReport{Errors: map[string]string{}}
	books, _ := m.collect(ctx, &rep)
	if len(rep.Errors) > 0 {
		return 0, fmt.Errorf("open position check: %d account(s) unreadable", len(rep.Errors))
	}
	n := 0
	for _, b := range books {
		n += len(b.trades)
	}
	return n, nil
}

// Run ticks every interval until ctx is done.
func (m *PositionMonitor) Run(ctx context.Context, interval time.Duration) {
	m.log.Info("[MONITOR] started", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rep := m.Tick(ctx)
		if rep.ActionsTaken > 0 || len(rep.Errors) > 0 {
			m.log.Info("[MONITOR] tick", zap.Int("positions", rep.Positions),
				zap.Int("actions", rep.ActionsTaken), zap.Int("errors", len(rep.Errors)))
		} else {
			m.log.Debug("[MONITOR] tick", zap.Int("positions", rep.Positions))
		}
		select {
		case <-ctx.Done():
			m.log.Info("[MONITOR] stopped")
			return
		case <-t.C:
		}
	}
}
