package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type staticAccounts struct {
	snap *AccountSnapshot
	err  error
}

func (s staticAccounts) Snapshot() (*AccountSnapshot, error) { return s.snap, s.err }

type countingSink struct {
	mu    sync.Mutex
	sends int
	last  string
}

func (c *countingSink) Send(_ context.Context, text string) NotifyResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	c.last = text
	return NotifyResult{Sink: "test", Delivered: true}
}

// alwaysBuy emits a 20/40-pip BUY on whatever instrument it is shown and
// counts calls per instrument.
type alwaysBuy struct {
	mu    sync.Mutex
	calls map[string]int
}

func (a *alwaysBuy) analyze(snap MarketSnapshot) (*TradeSignal, error) {
	inst := snap.Instruments()[0]
	a.mu.Lock()
	a.calls[inst]++
	a.mu.Unlock()
	q := snap.Quotes[inst]
	return &TradeSignal{
		Instrument: inst, Direction: SideBuy, Confidence: 0.6,
		Entry: q.Ask, StopLoss: q.Ask - 0.0020, TakeProfit: q.Ask + 0.0040,
	}, nil
}

func scannerAccount(id string, instruments ...string) Account {
	return Account{
		ID: id, StrategyID: "stub", Instruments: instruments, Active: true,
		Risk: RiskSettings{PerTradePct: 1, MaxRiskPct: 10},
	}
}

type scannerFixture struct {
	scanner *Scanner
	paper   *PaperBroker
	risk    *RiskGate
	sink    *countingSink
	book    *StrategyBook
}

func newScannerFixture(settings GateSettings, src AccountSource) *scannerFixture {
	log := zap.NewNop()
	paper := NewPaperBroker(10000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1000, Ask: 1.1002})
	paper.SetQuote(Quote{Instrument: "GBP_USD", Bid: 1.2500, Ask: 1.2502})
	gate := NewExecutionGate(fixedSettings(settings), paper, nil, log)
	risk := NewRiskGate(1000, 0, 0, log)
	sink := &countingSink{}
	book := NewStrategyBook()
	s := NewScanner(ScannerDeps{
		Accounts: src,
		Broker:   paper,
		View:     NewLedgerView(paper, paper),
		Book:     book,
		Risk:     risk,
		Executor: NewOrderExecutor(gate, paper, log),
		Gate:     gate,
		Notifier: sink,
		Workers:  2,
		Log:      log,
	})
	return &scannerFixture{scanner: s, paper: paper, risk: risk, sink: sink, book: book}
}

func TestScannerOneSignalPerPair(t *testing.T) {
	acct := scannerAccount("a1", "EUR_USD", "GBP_USD")
	fx := newScannerFixture(GateSettings{Requested: ModePaper}, staticAccounts{snap: &AccountSnapshot{Accounts: []Account{acct}}})
	strat := &alwaysBuy{calls: map[string]int{}}
	fx.book.Register("a1", SnapshotFunc{Name: "stub", AccountID: "a1", Fn: strat.analyze})
	ctx := context.Background()

	rep := fx.scanner.RunCycle(ctx)
	if rep.Err != nil {
		t.Fatalf("unexpected cycle error: %v", rep.Err)
	}
	if len(rep.Accounts) != 1 {
		t.Fatalf("expected 1 account report, got %d", len(rep.Accounts))
	}
	a := rep.Accounts[0]
	if a.SignalsGenerated != 2 || a.TradesExecuted != 2 {
		t.Fatalf("expected 2 signals and 2 trades, got %+v", a)
	}
	for inst, n := range strat.calls {
		if n != 1 {
			t.Errorf("%s analyzed %d times in one cycle", inst, n)
		}
	}
	trades, _ := fx.paper.GetOpenTrades(ctx, "a1")
	if len(trades) != 2 {
		t.Fatalf("expected 2 open trades, got %d", len(trades))
	}
	if got := fx.risk.TradesToday("a1"); got != 2 {
		t.Errorf("expected 2 trades counted today, got %d", got)
	}

	// Second cycle: both pairs already hold a position.
	rep = fx.scanner.RunCycle(ctx)
	a = rep.Accounts[0]
	if a.TradesExecuted != 0 {
		t.Errorf("expected no new trades while holding, got %d", a.TradesExecuted)
	}
	held := 0
	for _, r := range a.Reasons {
		if strings.Contains(r, "position already open") {
			held++
		}
	}
	if held != 2 {
		t.Errorf("expected 2 holding reasons, got %v", a.Reasons)
	}
	if fx.sink.sends != 2 {
		t.Errorf("expected one notification per cycle, got %d", fx.sink.sends)
	}
}

func TestScannerNotifiesOnQuietCycle(t *testing.T) {
	acct := scannerAccount("a1", "EUR_USD")
	fx := newScannerFixture(GateSettings{Requested: ModePaper}, staticAccounts{snap: &AccountSnapshot{Accounts: []Account{acct}}})
	fx.book.Register("a1", SnapshotFunc{Name: "stub", AccountID: "a1", Fn: func(MarketSnapshot) (*TradeSignal, error) { return nil, nil }})

	rep := fx.scanner.RunCycle(context.Background())
	if sig, trades, rej, errs := rep.Totals(); sig+trades+rej+errs != 0 {
		t.Fatalf("expected an empty cycle, got %d/%d/%d/%d", sig, trades, rej, errs)
	}
	if fx.sink.sends != 1 {
		t.Fatalf("expected 1 notification, got %d", fx.sink.sends)
	}
	if !strings.Contains(fx.sink.last, "no opportunities") {
		t.Errorf("summary missing the quiet-cycle line: %q", fx.sink.last)
	}
	if !rep.Notified.Delivered {
		t.Error("expected Notified.Delivered")
	}
}

func TestScannerIsolatesAccountFailures(t *testing.T) {
	snap := &AccountSnapshot{Accounts: []Account{
		scannerAccount("a1", "EUR_USD"),
		scannerAccount("a2", "GBP_USD"),
		{ID: "a3", StrategyID: "stub", Instruments: []string{"EUR_USD"}, Active: false},
	}}
	fx := newScannerFixture(GateSettings{Requested: ModePaper}, staticAccounts{snap: snap})
	fx.book.Register("a1", SnapshotFunc{Name: "stub", AccountID: "a1", Fn: func(MarketSnapshot) (*TradeSignal, error) {
		return nil, errors.New("indicator blew up")
	}})
	strat := &alwaysBuy{calls: map[string]int{}}
	fx.book.Register("a2", SnapshotFunc{Name: "stub", AccountID: "a2", Fn: strat.analyze})

	rep := fx.scanner.RunCycle(context.Background())
	if len(rep.Accounts) != 2 {
		t.Fatalf("expected only active accounts, got %d", len(rep.Accounts))
	}
	var pf *PartialFailure
	if !errors.As(rep.Err, &pf) || len(pf.Failed) != 1 {
		t.Fatalf("expected a partial failure with one entry, got %v", rep.Err)
	}
	if rep.Accounts[0].AccountID != "a1" || len(rep.Accounts[0].Errors) != 1 {
		t.Errorf("expected a1 to carry the error, got %+v", rep.Accounts[0])
	}
	if rep.Accounts[1].TradesExecuted != 1 {
		t.Errorf("expected a2 to trade despite a1 failing, got %+v", rep.Accounts[1])
	}
	if fx.sink.sends != 1 {
		t.Errorf("expected 1 notification, got %d", fx.sink.sends)
	}
}

func TestScanAllBoundsWorkers(t *testing.T) {
	var accts []Account
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		accts = append(accts, scannerAccount(id, "EUR_USD"))
	}
	snap := &AccountSnapshot{Accounts: accts}
	fx := newScannerFixture(GateSettings{Requested: ModePaper}, staticAccounts{snap: snap})
	var (
		mu             sync.Mutex
		inFlight, peak int
	)
	for _, a := range accts {
		fx.book.Register(a.ID, SnapshotFunc{Name: "stub", AccountID: a.ID, Fn: func(MarketSnapshot) (*TradeSignal, error) {
			mu.Lock()
			inFlight++
			peak = max(peak, inFlight)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil, nil
		}})
	}

	reps := fx.scanner.scanAll(context.Background(), snap)
	if len(reps) != 5 || reps[0].AccountID != "a1" || reps[4].AccountID != "a5" {
		t.Fatalf("expected five reports in account order, got %+v", reps)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 accounts in flight, saw %d", peak)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, r := range fx.scanner.scanAll(ctx, snap) {
		if len(r.Errors) != 1 || !strings.HasPrefix(r.Errors[0], "not scanned") {
			t.Errorf("expected %s marked not scanned, got %+v", r.AccountID, r)
		}
	}
}

func TestScannerRiskRejectionIsNotAnError(t *testing.T) {
	acct := scannerAccount("a1", "EUR_USD")
	acct.Risk.MaxUnits = 1000
	fx := newScannerFixture(GateSettings{Requested: ModePaper}, staticAccounts{snap: &AccountSnapshot{Accounts: []Account{acct}}})
	strat := &alwaysBuy{calls: map[string]int{}}
	fx.book.Register("a1", SnapshotFunc{Name: "stub", AccountID: "a1", Fn: strat.analyze})

	rep := fx.scanner.RunCycle(context.Background())
	a := rep.Accounts[0]
	if a.SignalsGenerated != 1 || a.Rejected != 1 || a.TradesExecuted != 0 {
		t.Fatalf("expected 1 signal rejected by risk, got %+v", a)
	}
	if rep.Err != nil {
		t.Errorf("a risk rejection is not a failure, got %v", rep.Err)
	}
}

func TestScannerKillSwitchBlocksEntries(t *testing.T) {
	acct := scannerAccount("a1", "EUR_USD")
	fx := newScannerFixture(GateSettings{KillSwitch: true, Requested: ModePaper}, staticAccounts{snap: &AccountSnapshot{Accounts: []Account{acct}}})
	strat := &alwaysBuy{calls: map[string]int{}}
	fx.book.Register("a1", SnapshotFunc{Name: "stub", AccountID: "a1", Fn: strat.analyze})

	rep := fx.scanner.RunCycle(context.Background())
	if rep.Decision.Allowed {
		t.Fatal("expected a blocked decision")
	}
	a := rep.Accounts[0]
	if a.TradesExecuted != 0 || len(a.Errors) != 1 {
		t.Fatalf("expected one blocked entry, got %+v", a)
	}
	if fx.risk.Exposure() != 0 {
		t.Errorf("blocked order must release its reservation, exposure %v", fx.risk.Exposure())
	}
	if !strings.Contains(fx.sink.last, "EXECUTION BLOCKED") {
		t.Errorf("summary should flag the block: %q", fx.sink.last)
	}
}

func TestScannerConfigErrorStillNotifies(t *testing.T) {
	fx := newScannerFixture(GateSettings{Requested: ModePaper}, staticAccounts{err: &ConfigurationError{Field: "ACCOUNTS_FILE", Reason: "no files"}})

	rep := fx.scanner.RunCycle(context.Background())
	if rep.ConfigErr == "" {
		t.Fatal("expected ConfigErr to be set")
	}
	if fx.sink.sends != 1 {
		t.Errorf("expected 1 notification, got %d", fx.sink.sends)
	}
}
