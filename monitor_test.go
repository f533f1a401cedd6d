package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMovePct(t *testing.T) {
	if got := MovePct(SideBuy, 100, 101); got != 1 {
		t.Errorf("BUY up 1%%: got %v", got)
	}
	if got := MovePct(SideSell, 100, 101); got != -1 {
		t.Errorf("SELL against 1%%: got %v", got)
	}
	if got := MovePct(SideBuy, 0, 1); got != 0 {
		t.Errorf("zero entry: got %v", got)
	}
}

func TestExitPolicyEvaluate(t *testing.T) {
	hard := ExitPolicy{
		EarlyCloseLossPct:   0.15,
		MaxLossHold:         time.Hour,
		EarlyCloseProfitPct: 0.10,
		MaxHold:             4 * time.Hour,
	}
	ladder := ExitPolicy{
		BreakevenAtPct: 0.10,
		Ladder:         []LadderStep{{AtPct: 0.20, Fraction: 0.30}, {AtPct: 0.35, Fraction: 0.30}},
		TrailPct:       0.10,
	}
	trade := Trade{ID: "t1", Units: 1000, Price: 1.1}

	tests := []struct {
		name       string
		policy     ExitPolicy
		st         PositionState
		trade      Trade
		move       float64
		held       time.Duration
		wantKind   ActionKind
		wantReason string
		wantUnits  float64
	}{
		{name: "early loss", policy: hard, move: -0.20, wantKind: ActClose, wantReason: ReasonEarlyLoss},
		{name: "early loss with negative threshold", policy: ExitPolicy{EarlyCloseLossPct: -0.15}, move: -0.15, wantKind: ActClose, wantReason: ReasonEarlyLoss},
		{name: "small gain below quick profit", policy: hard, move: 0.05, wantKind: ActNone},
		{name: "losing too long", policy: hard, move: -0.05, held: 2 * time.Hour, wantKind: ActClose, wantReason: ReasonMaxLossHold},
		{name: "quick profit", policy: hard, move: 0.12, wantKind: ActClose, wantReason: ReasonQuickProfit},
		{name: "max hold", policy: hard, move: 0.01, held: 5 * time.Hour, wantKind: ActClose, wantReason: ReasonMaxHold},
		{name: "early loss beats max hold", policy: hard, move: -0.30, held: 5 * time.Hour, wantKind: ActClose, wantReason: ReasonEarlyLoss},
		{
			name: "breakeven first", policy: ladder,
			st:   PositionState{Entry: 1.1, InitialUnits: 1000},
			move: 0.15, wantKind: ActBreakeven, wantReason: ReasonBreakeven,
		},
		{
			name: "first ladder step", policy: ladder,
			st:   PositionState{Entry: 1.1, InitialUnits: 1000, Breakeven: true},
			move: 0.25, wantKind: ActPartial, wantReason: ReasonLadder, wantUnits: 300,
		},
		{
			name: "ladder step below threshold", policy: ladder,
			st:   PositionState{Entry: 1.1, InitialUnits: 1000, Breakeven: true, Partials: 1},
			move: 0.30, wantKind: ActNone,
		},
		{
			name: "ladder fraction larger than remainder closes all", policy: ladder,
			st:    PositionState{Entry: 1.1, InitialUnits: 1000, Breakeven: true, Partials: 1},
			trade: Trade{ID: "t1", Units: 200, Price: 1.1},
			move:  0.40, wantKind: ActClose, wantReason: ReasonLadder,
		},
		{
			name: "trailing stop after ladder", policy: ladder,
			st:   PositionState{Entry: 1.1, InitialUnits: 1000, Breakeven: true, Partials: 2, PeakMovePct: 0.50},
			move: 0.38, wantKind: ActClose, wantReason: ReasonTrailingStop,
		},
		{
			name: "trailing stop not hit", policy: ladder,
			st:   PositionState{Entry: 1.1, InitialUnits: 1000, Breakeven: true, Partials: 2, PeakMovePct: 0.50},
			move: 0.45, wantKind: ActNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.trade
			if tr.ID == "" {
				tr = trade
			}
			st := tt.st
			got := tt.policy.Evaluate(&st, tr, tt.move, tt.held)
			if got.Kind != tt.wantKind || got.Reason != tt.wantReason {
				t.Fatalf("expected kind=%d reason=%q, got %+v", tt.wantKind, tt.wantReason, got)
			}
			if tt.wantUnits != 0 && got.Units != tt.wantUnits {
				t.Errorf("expected units %v, got %v", tt.wantUnits, got.Units)
			}
			if got.Kind == ActBreakeven && got.StopPrice != st.Entry {
				t.Errorf("expected breakeven stop at entry %v, got %v", st.Entry, got.StopPrice)
			}
		})
	}
}

func newPaperMonitor(policy ExitPolicy) (*PositionMonitor, *PaperBroker) {
	paper := NewPaperBroker(100000)
	gate := NewExecutionGate(fixedSettings(GateSettings{Requested: ModePaper}), paper, nil, zap.NewNop())
	m := NewPositionMonitor(NewLedgerView(paper, paper), paper, gate, policy,
		func() []string { return []string{"a1"} }, nil, zap.NewNop())
	return m, paper
}

// openPaper books a trade with a bracket 100 pips either side of price.
func openPaper(p *PaperBroker, units, price float64) string {
	sl, tp := price-0.01, price+0.02
	if units < 0 {
		sl, tp = price+0.01, price-0.02
	}
	f := p.Record(OrderRequest{AccountID: "a1", Instrument: "EUR_USD", Units: units, StopLoss: sl, TakeProfit: tp}, price)
	return f.TradeID
}

func TestMonitorEarlyLossCloses(t *testing.T) {
	m, paper := newPaperMonitor(ExitPolicy{EarlyCloseLossPct: 0.15, EarlyCloseProfitPct: 0.10})
	id := openPaper(paper, 1000, 1.1000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.0975, Ask: 1.0977})

	rep := m.Tick(context.Background())
	if rep.Positions != 1 || rep.ActionsTaken != 1 {
		t.Fatalf("expected 1 position and 1 action, got %+v", rep)
	}
	if a := rep.Actions[0]; a.Reason != ReasonEarlyLoss || !a.Success || a.TradeID != id {
		t.Errorf("unexpected action %+v", a)
	}
	if open, _ := paper.GetOpenTrades(context.Background(), "a1"); len(open) != 0 {
		t.Error("trade still open after EARLY_LOSS")
	}
	if st, ok := m.State(id); !ok || st.String() != "CLOSED" {
		t.Errorf("expected CLOSED until the next tick, got %v (tracked=%v)", st.String(), ok)
	}
	m.Tick(context.Background())
	if _, ok := m.State(id); ok {
		t.Error("closed trade still tracked after the next tick")
	}
}

func TestMonitorSmallGainNoAction(t *testing.T) {
	m, paper := newPaperMonitor(ExitPolicy{EarlyCloseLossPct: 0.15, EarlyCloseProfitPct: 0.10})
	id := openPaper(paper, 1000, 1.1000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.10055, Ask: 1.10065})

	rep := m.Tick(context.Background())
	if rep.Positions != 1 || rep.ActionsTaken != 0 || len(rep.Actions) != 0 {
		t.Fatalf("expected no action on a +0.05%% move, got %+v", rep)
	}
	st, ok := m.State(id)
	if !ok || st.String() != "OPEN" {
		t.Errorf("expected OPEN state, got %v (tracked=%v)", st.String(), ok)
	}
}

// alreadyClosedSource reports a paper trade the ledger no longer holds.
type alreadyClosedSource struct{}

func (alreadyClosedSource) OpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	return []Trade{{ID: "gone", AccountID: accountID, Instrument: "EUR_USD", Units: 1000, Price: 1.1, Paper: true}}, nil
}

func (alreadyClosedSource) Quotes(ctx context.Context, instruments []string) (map[string]Quote, error) {
	return map[string]Quote{"EUR_USD": {Instrument: "EUR_USD", Bid: 1.09, Ask: 1.0902}}, nil
}

func TestMonitorAlreadyClosedIsFailure(t *testing.T) {
	paper := NewPaperBroker(100000)
	gate := NewExecutionGate(fixedSettings(GateSettings{Requested: ModePaper}), paper, nil, zap.NewNop())
	m := NewPositionMonitor(alreadyClosedSource{}, paper, gate, ExitPolicy{EarlyCloseLossPct: 0.15},
		func() []string { return []string{"a1"} }, nil, zap.NewNop())

	rep := m.Tick(context.Background())
	if len(rep.Actions) != 1 {
		t.Fatalf("expected one attempted action, got %+v", rep.Actions)
	}
	if rep.Actions[0].Success {
		t.Error("closing an already-closed trade must not succeed")
	}
	if rep.ActionsTaken != 0 {
		t.Errorf("expected ActionsTaken 0, got %d", rep.ActionsTaken)
	}
	if rep.Errors["gone"] == "" {
		t.Error("expected a per-trade error entry")
	}
}

func TestMonitorLadderAndBreakeven(t *testing.T) {
	m, paper := newPaperMonitor(ExitPolicy{
		BreakevenAtPct: 0.10,
		Ladder:         []LadderStep{{AtPct: 0.20, Fraction: 0.30}},
	})
	id := openPaper(paper, 10000, 1.1000)
	ctx := context.Background()

	// +0.136%: stop moves to entry.
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1015, Ask: 1.1017})
	rep := m.Tick(ctx)
	if rep.ActionsTaken != 1 || rep.Actions[0].Reason != ReasonBreakeven {
		t.Fatalf("expected breakeven, got %+v", rep.Actions)
	}
	trades, _ := paper.GetOpenTrades(ctx, "a1")
	if len(trades) != 1 || trades[0].StopLoss != 1.1 {
		t.Fatalf("expected stop at entry, got %+v", trades)
	}
	if st, _ := m.State(id); st.String() != "BREAKEVEN_SET" {
		t.Errorf("expected BREAKEVEN_SET, got %s", st.String())
	}

	// +0.227%: 30% of the original 10,000 units closes.
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1025, Ask: 1.1027})
	rep = m.Tick(ctx)
	if rep.ActionsTaken != 1 || rep.Actions[0].Reason != ReasonLadder || rep.Actions[0].Units != 3000 {
		t.Fatalf("expected 3000-unit ladder close, got %+v", rep.Actions)
	}
	trades, _ = paper.GetOpenTrades(ctx, "a1")
	if len(trades) != 1 || trades[0].Units != 7000 {
		t.Fatalf("expected 7000 units left, got %+v", trades)
	}
	if st, _ := m.State(id); st.String() != "PARTIAL_CLOSED(1)" || st.InitialUnits != 10000 {
		t.Errorf("unexpected state %s initial=%v", st.String(), st.InitialUnits)
	}
	if paper.RealizedPL("a1") <= 0 {
		t.Errorf("expected realized profit, got %v", paper.RealizedPL("a1"))
	}
}

func TestMonitorForgetsBrokerSideClose(t *testing.T) {
	m, paper := newPaperMonitor(ExitPolicy{EarlyCloseLossPct: 0.5})
	id := openPaper(paper, 1000, 1.1000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002})
	ctx := context.Background()

	m.Tick(ctx)
	if _, ok := m.State(id); !ok {
		t.Fatal("expected state after first tick")
	}
	if ok, _ := paper.CloseTrade(ctx, "a1", id, 0); !ok {
		t.Fatal("direct close failed")
	}
	m.Tick(ctx)
	if st, ok := m.State(id); !ok || st.String() != "CLOSED" {
		t.Fatalf("expected CLOSED after the trade vanished, got %v (tracked=%v)", st.String(), ok)
	}
	m.Tick(ctx)
	if _, ok := m.State(id); ok {
		t.Error("state kept for a trade closed outside the monitor")
	}
}

func TestMonitorSeesBracketFill(t *testing.T) {
	m, paper := newPaperMonitor(ExitPolicy{BreakevenAtPct: 0.10})
	id := openPaper(paper, 1000, 1.1000)
	ctx := context.Background()

	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1015, Ask: 1.1017})
	if rep := m.Tick(ctx); rep.ActionsTaken != 1 || rep.Actions[0].Reason != ReasonBreakeven {
		t.Fatalf("expected breakeven, got %+v", rep.Actions)
	}

	fills := paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.0990, Ask: 1.0992})
	if len(fills) != 1 || fills[0].Reason != ReasonStopLoss || fills[0].Price != 1.1 || fills[0].PL != 0 {
		t.Fatalf("expected the moved stop to fill flat at entry, got %+v", fills)
	}
	rep := m.Tick(ctx)
	if rep.Positions != 0 || len(rep.Actions) != 0 {
		t.Errorf("expected nothing left to manage, got %+v", rep)
	}
	if st, ok := m.State(id); !ok || st.Phase != PhaseClosed {
		t.Errorf("expected CLOSED, got %+v (tracked=%v)", st, ok)
	}
}

func TestMonitorCloseAll(t *testing.T) {
	m, paper := newPaperMonitor(ExitPolicy{})
	openPaper(paper, 1000, 1.1000)
	openPaper(paper, -2000, 1.1000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002})
	ctx := context.Background()

	if n, err := m.OpenCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 open, got %d (%v)", n, err)
	}
	rep := m.CloseAll(ctx, ReasonShutdown)
	if rep.ActionsTaken != 2 || len(rep.Errors) != 0 {
		t.Fatalf("expected 2 closes, got %+v", rep)
	}
	if n, err := m.OpenCount(ctx); err != nil || n != 0 {
		t.Errorf("expected flat book, got %d (%v)", n, err)
	}
}
