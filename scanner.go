// FILE: scanner.go
// Package main – Scanner: one cycle per interval over every active account.
//
// Per account (one pool task, bounded by SCAN_WORKERS, with its own timeout):
//   prices → snapshot → strategy (one instrument at a time) → risk → executor
//
// At most one order per signal: every instrument is processed under an
// "account|instrument" key lock, and the strategy sees one instrument per
// call, so a cycle yields at most one signal per pair.
//
// Failure isolation: an error in one account (or one instrument) is recorded
// in its AccountReport and the cycle continues. Exactly one summary goes to
// the notification sink per cycle, including cycles with zero signals.
// Cycles never overlap: Run scans, then sleeps.
package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AccountReport is the per-account outcome of one cycle.
type AccountReport struct {
	AccountID        string
	StrategyID       string
	SignalsGenerated int
	TradesExecuted   int
	Rejected         int
	Reasons          []string
	Errors           []string
	Duration         time.Duration
}

// CycleReport aggregates one scanner cycle.
type CycleReport struct {
	ID        string
	Started   time.Time
	Finished  time.Time
	Decision  ExecutionDecision
	Accounts  []AccountReport
	ConfigErr string
	Err       error // *PartialFailure when any account or instrument failed
	Notified  NotifyResult
}

// Totals sums the per-account counters.
func (r CycleReport) Totals() (signals, trades, rejected, errs int) {
	for _, a := range r.Accounts {
		signals += a.SignalsGenerated
		trades += a.TradesExecuted
		rejected += a.Rejected
		errs += len(a.Errors)
	}
	if r.ConfigErr != "" {
		errs++
	}
	return
}

// AccountSource yields the account snapshot for a cycle.
type AccountSource interface {
	Snapshot() (*AccountSnapshot, error)
}

// MarketView is what the scanner reads besides prices: open trades (broker
// and paper) and the account summary.
type MarketView interface {
	OpenTrades(ctx context.Context, accountID string) ([]Trade, error)
	Summary(ctx context.Context, accountID string) (AccountSummary, error)
}

type Scanner struct {
	accounts AccountSource
	broker   Broker
	view     MarketView
	book     *StrategyBook
	risk     *RiskGate
	exec     *OrderExecutor
	gate     *ExecutionGate
	notifier NotificationSink
	locks    *KeyedLock
	workers  int
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

type ScannerDeps struct {
	Accounts       AccountSource
	Broker         Broker
	View           MarketView
	Book           *StrategyBook
	Risk           *RiskGate
	Executor       *OrderExecutor
	Gate           *ExecutionGate
	Notifier       NotificationSink
	Workers        int
	AccountTimeout time.Duration
	Log            *zap.Logger
}

func NewScanner(d ScannerDeps) *Scanner {
	if d.Book == nil {
		d.Book = NewStrategyBook()
	}
	if d.AccountTimeout <= 0 {
		d.AccountTimeout = 15 * time.Second
	}
	return &Scanner{
		accounts: d.Accounts,
		broker:   d.Broker,
		view:     d.View,
		book:     d.Book,
		risk:     d.Risk,
		exec:     d.Executor,
		gate:     d.Gate,
		notifier: d.Notifier,
		locks:    NewKeyedLock(),
		workers:  d.Workers,
		timeout:  d.AccountTimeout,
		log:      d.Log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle scans every active account once and emits one summary.
func (s *Scanner) RunCycle(ctx context.Context) CycleReport {
	rep := CycleReport{ID: uuid.NewString(), Started: s.now(), Decision: s.gate.Decision()}
	defer func() {
		mtxCycleSeconds.Observe(rep.Finished.Sub(rep.Started).Seconds())
	}()

	snap, err := s.accounts.Snapshot()
	if err != nil {
		rep.ConfigErr = err.Error()
		s.log.Error("[SCAN] account snapshot", zap.Error(err))
	}
	if snap != nil {
		rep.Accounts = s.scanAll(ctx, snap)
	}
	rep.Finished = s.now()

	failed := map[string]error{}
	for _, a := range rep.Accounts {
		for i, e := range a.Errors {
			failed[fmt.Sprintf("%s#%d", a.AccountID, i)] = errors.New(e)
		}
	}
	if len(failed) > 0 {
		rep.Err = &PartialFailure{Failed: failed}
	}

	sig, trades, rej, errs := rep.Totals()
	s.log.Info("[SCAN] cycle complete",
		zap.String("cycle", rep.ID), zap.String("mode", string(rep.Decision.Mode)), zap.Bool("allowed", rep.Decision.Allowed),
		zap.Int("accounts", len(rep.Accounts)), zap.Int("signals", sig), zap.Int("trades", trades),
		zap.Int("rejected", rej), zap.Int("errors", errs), zap.Duration("took", rep.Finished.Sub(rep.Started)))

	rep.Notified = s.notifier.Send(ctx, FormatCycleSummary(rep))
	if !rep.Notified.Delivered {
		s.log.Warn("[NOTIFY] cycle summary not delivered", zap.Error(rep.Notified.Err))
	}
	return rep
}

func (s *Scanner) scanAll(ctx context.Context, snap *AccountSnapshot) []AccountReport {
	active := snap.Active()
	out := make([]AccountReport, len(active))
	var g errgroup.Group
	g.SetLimit(max(1, s.workers))
	for i, acct := range active {
		if err := ctx.Err(); err != nil {
			out[i] = AccountReport{AccountID: acct.ID, StrategyID: acct.StrategyID, Errors: []string{"not scanned: " + err.Error()}}
			continue
		}
		i, acct := i, acct
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			out[i] = s.scanAccountSafe(actx, acct, snap)
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// scanAccountSafe turns a panic in one account's task into an error entry.
func (s *Scanner) scanAccountSafe(ctx context.Context, acct Account, snap *AccountSnapshot) (rep AccountReport) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("[SCAN] account task panicked", zap.String("account", acct.ID),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			rep.Errors = append(rep.Errors, fmt.Sprintf("panic: %v", r))
		}
		rep.AccountID, rep.StrategyID = acct.ID, acct.StrategyID
		rep.Duration = s.now().Sub(start)
	}()
	return s.scanAccount(ctx, acct, snap)
}

func (s *Scanner) scanAccount(ctx context.Context, acct Account, snap *AccountSnapshot) AccountReport {
	rep := AccountReport{AccountID: acct.ID, StrategyID: acct.StrategyID}
	fail := func(stage string, err error) AccountReport {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", stage, err))
		s.log.Warn("[SCAN] account failed", zap.String("account", acct.ID), zap.String("stage", stage),
			zap.Bool("transient", IsTransient(err)), zap.Error(err))
		return rep
	}

	strat, err := s.book.For(acct, snap)
	if err != nil {
		return fail("strategy", err)
	}
	quotes, err := s.broker.GetCurrentPrices(ctx, acct.Instruments)
	if err != nil {
		return fail("prices", err)
	}
	sum, err := s.view.Summary(ctx, acct.ID)
	if err != nil {
		return fail("summary", err)
	}
	s.risk.Observe(sum)
	SetEquityMetric(acct.ID, sum.NAV)
	trades, err := s.view.OpenTrades(ctx, acct.ID)
	if err != nil {
		return fail("open trades", err)
	}
	openCount := len(trades)
	holding := map[string]bool{}
	for _, t := range trades {
		holding[t.Instrument] = true
	}

	market := NewMarketSnapshot(quotes, s.now())
	for _, inst := range acct.Instruments {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", inst, ctx.Err()))
			break
		}
		if _, ok := quotes[inst]; !ok {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: no price", inst))
			continue
		}
		unlock, ok := s.locks.TryLock(pairKey(acct.ID, inst))
		if !ok {
			rep.Reasons = append(rep.Reasons, inst+": pair busy")
			continue
		}
		opened := s.scanInstrument(ctx, acct, strat, market.Only(inst), sum, openCount, holding[inst], &rep)
		unlock()
		if opened {
			openCount++
			holding[inst] = true
		}
	}
	return rep
}

// scanInstrument runs strategy → risk → executor for one pair and reports
// whether a position was opened.
func (s *Scanner) scanInstrument(ctx context.Context, acct Account, strat Strategy, market MarketSnapshot,
	sum AccountSummary, openCount int, holding bool, rep *AccountReport) bool {
	inst := market.Instruments()[0]
	sig, err := strat.Analyze(market)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: analyze: %v", inst, err))
		return false
	}
	if sig == nil {
		return false
	}
	if err := sig.Validate(); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", inst, err))
		return false
	}
	rep.SignalsGenerated++
	mtxSignals.WithLabelValues(sig.StrategyID, string(sig.Direction)).Inc()
	s.log.Info("[SCAN] signal",
		zap.String("account", acct.ID), zap.String("instrument", inst), zap.String("side", string(sig.Direction)),
		zap.Float64("entry", sig.Entry), zap.Float64("sl", sig.StopLoss), zap.Float64("tp", sig.TakeProfit),
		zap.Float64("confidence", sig.Confidence), zap.String("why", sig.Reason))

	if holding {
		rep.Reasons = append(rep.Reasons, inst+": position already open")
		return false
	}

	size, err := s.risk.Size(sig, acct, sum, openCount)
	if err != nil {
		var vf *ValidationFailure
		if errors.As(err, &vf) {
			rep.Rejected++
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("%s: %s", inst, vf.Error()))
			s.log.Info("[RISK] rejected", zap.String("account", acct.ID), zap.String("instrument", inst),
				zap.String("rule", vf.Rule), zap.String("detail", vf.Detail))
			return false
		}
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: risk: %v", inst, err))
		return false
	}

	res, err := s.exec.Execute(ctx, sig, size.Units)
	if err != nil {
		s.risk.Release(acct.ID, size.Margin)
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", inst, err))
		return false
	}
	if !res.Success {
		s.risk.Release(acct.ID, size.Margin)
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: execution: %s", inst, res.Error))
		return false
	}
	s.risk.RecordTrade(acct.ID)
	rep.TradesExecuted++
	rep.Reasons = append(rep.Reasons, fmt.Sprintf("%s: %s %.0f @ %.5f (%s, potential %.2f)",
		inst, sig.Direction, size.Units, res.FillPrice, res.Mode, size.PotentialProfit))
	return true
}

// Run scans, sleeps for interval, and repeats until ctx is done. A cycle in
// progress always finishes before the next begins.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	s.log.Info("[SCAN] started", zap.Duration("interval", interval), zap.Int("workers", s.workers))
	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("[SCAN] stopped")
			return
		case <-time.After(interval):
		}
	}
}
