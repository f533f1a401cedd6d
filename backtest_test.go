package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const quotesCSV = `Timestamp,Symbol,Bid,Ask,Venue
2024-01-01T00:00:02Z,EUR_USD,1.1000,1.1002,x
1704067200,EUR_USD,1.0999,1.1001,x
yesterday,EUR_USD,1.1,1.1,x
2024-01-01T00:00:03Z,EUR_USD,1.2000,1.1000,x
2024-01-01T00:00:04Z,,1.1000,1.1002,x
2024-01-01T00:00:01.500Z,GBP_USD,1.2500,1.2502
`

func TestLoadQuotesCSV(t *testing.T) {
	q, err := loadQuotesCSV(strings.NewReader(quotesCSV))
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 3 {
		t.Fatalf("expected 3 usable rows, got %d: %+v", len(q), q)
	}
	want := []struct {
		inst string
		at   time.Time
	}{
		{"EUR_USD", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"GBP_USD", time.Date(2024, 1, 1, 0, 0, 1, 500_000_000, time.UTC)},
		{"EUR_USD", time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)},
	}
	for i, w := range want {
		if q[i].Instrument != w.inst || !q[i].Time.Equal(w.at) {
			t.Errorf("row %d: expected %s at %v, got %+v", i, w.inst, w.at, q[i])
		}
	}
}

func TestParseTimeFlexible(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2024-03-10T08:00:00Z", time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), false},
		{"2024-03-10T09:00:00+01:00", time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), false},
		{"1710057600", time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), false},
		{"10/03/2024", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseTimeFlexible(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: expected error=%v, got %v", tt.in, tt.wantErr, err)
			continue
		}
		if !got.Equal(tt.want) || (err == nil && got.Location() != time.UTC) {
			t.Errorf("%s: expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestRunReplayNoQuotes(t *testing.T) {
	_, err := RunReplay(context.Background(), nil, staticAccounts{}, Config{}, ReplayOptions{}, zap.NewNop())
	if err == nil {
		t.Error("expected an error for an empty replay")
	}
}

func TestRunReplayTrendingMarket(t *testing.T) {
	snap := &AccountSnapshot{Accounts: []Account{{
		ID: "a1", StrategyID: "aggressive", Instruments: []string{"EUR_USD"}, Active: true,
		Risk: RiskSettings{PerTradePct: 1, MaxRiskPct: 10},
	}}}
	cfg := Config{PaperBalance: 100000, MinProfitUSD: 100, ScanInterval: time.Minute}
	quotes := zigzag("EUR_USD", 1.1, true, 45)

	rep, err := RunReplay(context.Background(), quotes, staticAccounts{snap: snap}, cfg,
		ReplayOptions{CloseAtEnd: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if rep.Rows != 45 || rep.Steps != 45 || rep.Cycles != 45 {
		t.Errorf("expected one step and one cycle per minute, got %+v", rep)
	}
	if rep.Signals < 1 || rep.Errors != 0 {
		t.Fatalf("expected signals without errors, got %+v", rep)
	}
	if rep.Trades != 1 {
		t.Errorf("expected one trade while the position stays open, got %d", rep.Trades)
	}
	if rep.Exits[ReasonShutdown] != 1 || rep.OpenAtEnd != 0 {
		t.Errorf("expected the open trade closed at the end, got exits %v open %d", rep.Exits, rep.OpenAtEnd)
	}
	if !rep.Start.Equal(quotes[0].Time) || !rep.End.Equal(quotes[44].Time) {
		t.Errorf("unexpected replay window %v..%v", rep.Start, rep.End)
	}
	if _, ok := rep.RealizedPL["a1"]; !ok {
		t.Error("expected realized P/L for a1")
	}
}

func TestRunReplayStopFillsInLedger(t *testing.T) {
	snap := &AccountSnapshot{Accounts: []Account{{
		ID: "a1", StrategyID: "aggressive", Instruments: []string{"EUR_USD"}, Active: true,
		Risk: RiskSettings{PerTradePct: 1, MaxRiskPct: 10},
	}}}
	cfg := Config{PaperBalance: 100000, MinProfitUSD: 100, ScanInterval: time.Minute}
	quotes := zigzag("EUR_USD", 1.1, true, 41)
	last := quotes[len(quotes)-1]
	crash := last.Bid - 0.0100
	quotes = append(quotes, Quote{Instrument: "EUR_USD", Bid: crash, Ask: crash + 0.0001, Time: last.Time.Add(time.Minute)})

	rep, err := RunReplay(context.Background(), quotes, staticAccounts{snap: snap}, cfg, ReplayOptions{}, zap.NewNop())
	if err != nil {
		t.Fatalf("RunReplay: %v", err)
	}
	if rep.Trades < 1 {
		t.Fatalf("expected an entry before the drop, got %+v", rep)
	}
	if rep.Exits[ReasonStopLoss] != 1 {
		t.Errorf("expected the stop leg to fill on the drop, got exits %v", rep.Exits)
	}
	if rep.RealizedPL["a1"] >= 0 {
		t.Errorf("expected a realized loss from the stop, got %v", rep.RealizedPL["a1"])
	}
}
