// FILE: backtest.go
// Package main – Quote CSV loader and the paper replay runner.
//
// What’s here:
//   • loadQuotesCSV(r) -> []Quote : reads time,instrument,bid,ask
//   • RunReplay(ctx, quotes, accounts, cfg, log)
//       - drives the real scanner, risk gate, executor, gate and monitor
//         against a PaperBroker on a simulated clock
//       - monitor ticks on every timestamp; the scanner runs once per
//         ScanEvery of simulated time
//       - stop/target legs fill inside the paper ledger as quotes arrive
//       - reports signals, trades, rejections, exits and realized P/L
//
// Notes:
//   • Time column accepts RFC3339 (with or without fractional seconds) or UNIX seconds.
//   • Unknown columns are ignored; headers are case-insensitive.
//   • The gate is pinned to paper: a replay can never reach a real broker.

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// loadQuotesCSV reads a quote CSV with headers:
// time|timestamp, instrument|symbol, bid, ask
func loadQuotesCSV(rd io.Reader) ([]Quote, error) {
	r := csv.NewReader(rd)
	r.FieldsPerRecord = -1

	var out []Quote
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := first(row, "time", "timestamp")
		inst := first(row, "instrument", "symbol")
		bp := first(row, "bid")
		ap := first(row, "ask")
		if ts == "" || inst == "" || bp == "" || ap == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		bid, err1 := strconv.ParseFloat(bp, 64)
		ask, err2 := strconv.ParseFloat(ap, 64)
		if err1 != nil || err2 != nil || bid <= 0 || ask < bid {
			continue
		}
		out = append(out, Quote{Instrument: inst, Bid: bid, Ask: ask, Time: tt})
		rowIdx++
	}

	sortQuotes(out)
	return out, nil
}

func loadQuotesFile(path string) ([]Quote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return loadQuotesCSV(f)
}

// parseTimeFlexible supports RFC3339 or UNIX seconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// sortQuotes ensures ascending time, keeping file order for ties.
func sortQuotes(q []Quote) {
	sort.SliceStable(q, func(i, j int) bool { return q[i].Time.Before(q[j].Time) })
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// ReplayReport summarizes a replay run.
type ReplayReport struct {
	Start, End time.Time
	Rows       int
	Steps      int
	Cycles     int
	Signals    int
	Trades     int
	Rejected   int
	Errors     int
	Exits      map[string]int
	RealizedPL map[string]float64
	OpenAtEnd  int
}

type ReplayOptions struct {
	ScanEvery  time.Duration // simulated time between scanner cycles
	CloseAtEnd bool
}

// RunReplay feeds quotes through the live pipeline on a simulated clock.
func RunReplay(ctx context.Context, quotes []Quote, accounts AccountSource, cfg Config, opt ReplayOptions, log *zap.Logger) (ReplayReport, error) {
	rep := ReplayReport{Rows: len(quotes), Exits: map[string]int{}, RealizedPL: map[string]float64{}}
	if len(quotes) == 0 {
		return rep, errors.New("replay: no quotes")
	}
	snap, err := accounts.Snapshot()
	if err != nil {
		return rep, err
	}
	if opt.ScanEvery <= 0 {
		opt.ScanEvery = cfg.ScanInterval
	}

	clock := quotes[0].Time
	now := func() time.Time { return clock }

	paper := NewPaperBroker(cfg.PaperBalance)
	paper.SetClock(now)
	gate := NewExecutionGate(GateSettingsFunc(func() GateSettings {
		return GateSettings{Requested: ModePaper}
	}), paper, nil, log)
	gate.now = now
	risk := NewRiskGate(cfg.MinProfitUSD, cfg.MaxExposureUSD, cfg.MarginRate, log)
	risk.now = now
	risk.day = midnightUTC(clock)
	view := NewLedgerView(paper, paper)

	scanner := NewScanner(ScannerDeps{
		Accounts: accounts,
		Broker:   paper,
		View:     view,
		Risk:     risk,
		Executor: NewOrderExecutor(gate, paper, log),
		Gate:     gate,
		Notifier: LogSink{log: zap.NewNop()},
		Workers:  1,
		Log:      log,
	})
	scanner.now = now

	ids := make([]string, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		ids = append(ids, a.ID)
	}
	monitor := NewPositionMonitor(view, paper, gate, cfg.Exit, func() []string { return ids }, nil, log)
	monitor.now = now

	countExits := func(tr TickReport) {
		for _, a := range tr.Actions {
			if a.Success && a.Reason != ReasonBreakeven {
				rep.Exits[a.Reason]++
			}
		}
	}

	rep.Start = clock
	var lastScan time.Time
	for i := 0; i < len(quotes); {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ts := quotes[i].Time
		for ; i < len(quotes) && quotes[i].Time.Equal(ts); i++ {
			for _, f := range paper.SetQuote(quotes[i]) {
				rep.Exits[f.Reason]++
			}
		}
		clock = ts
		rep.Steps++

		countExits(monitor.Tick(ctx))

		if lastScan.IsZero() || ts.Sub(lastScan) >= opt.ScanEvery {
			lastScan = ts
			c := scanner.RunCycle(ctx)
			sig, trades, rej, errs := c.Totals()
			rep.Cycles++
			rep.Signals += sig
			rep.Trades += trades
			rep.Rejected += rej
			rep.Errors += errs
		}
	}
	rep.End = clock

	if opt.CloseAtEnd {
		countExits(monitor.CloseAll(ctx, ReasonShutdown))
	}
	if n, err := monitor.OpenCount(ctx); err == nil {
		rep.OpenAtEnd = n
	}
	for _, id := range ids {
		rep.RealizedPL[id] = paper.RealizedPL(id)
	}
	log.Info("[REPLAY] done",
		zap.Time("start", rep.Start), zap.Time("end", rep.End), zap.Int("steps", rep.Steps),
		zap.Int("cycles", rep.Cycles), zap.Int("signals", rep.Signals), zap.Int("trades", rep.Trades),
		zap.Int("rejected", rep.Rejected), zap.Int("open_at_end", rep.OpenAtEnd))
	return rep, nil
}
