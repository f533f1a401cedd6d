package main

import (
	"context"
	"testing"
	"time"
)

// countingPrices records how many instruments each pricing call asked for.
type countingPrices struct {
	*PaperBroker
	calls [][]string
}

func (c *countingPrices) GetCurrentPrices(ctx context.Context, instruments []string) (map[string]Quote, error) {
	c.calls = append(c.calls, append([]string(nil), instruments...))
	return c.PaperBroker.GetCurrentPrices(ctx, instruments)
}

func TestCachingBrokerServesFreshQuotes(t *testing.T) {
	paper := NewPaperBroker(1000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002})
	paper.SetQuote(Quote{Instrument: "GBP_USD", Bid: 1.25, Ask: 1.2502})
	inner := &countingPrices{PaperBroker: paper}

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCachingBroker(inner, 2*time.Second, 0)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	if _, err := c.GetCurrentPrices(ctx, []string{"EUR_USD"}); err != nil {
		t.Fatal(err)
	}
	q, err := c.GetCurrentPrices(ctx, []string{"EUR_USD", "GBP_USD"})
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(q))
	}
	if len(inner.calls) != 2 || len(inner.calls[1]) != 1 || inner.calls[1][0] != "GBP_USD" {
		t.Fatalf("expected second call to fetch only GBP_USD, got %v", inner.calls)
	}

	clock = clock.Add(3 * time.Second)
	if _, err := c.GetCurrentPrices(ctx, []string{"EUR_USD"}); err != nil {
		t.Fatal(err)
	}
	if len(inner.calls) != 3 {
		t.Errorf("expected a refetch after the TTL, got %d calls", len(inner.calls))
	}
	if got := c.Usage()["pricing"]; got != 3 {
		t.Errorf("expected 3 pricing calls counted, got %d", got)
	}

	c.InvalidatePrices()
	if n := c.cachedLen(); n != 0 {
		t.Errorf("expected empty cache after invalidate, got %d", n)
	}
}

func TestCachingBrokerEvictsOldest(t *testing.T) {
	paper := NewPaperBroker(1000)
	for _, inst := range []string{"EUR_USD", "GBP_USD", "USD_JPY"} {
		paper.SetQuote(Quote{Instrument: inst, Bid: 1, Ask: 1.01})
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCachingBroker(paper, time.Minute, 2)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	for _, inst := range []string{"EUR_USD", "GBP_USD", "USD_JPY"} {
		clock = clock.Add(time.Second)
		if _, err := c.GetCurrentPrices(ctx, []string{inst}); err != nil {
			t.Fatal(err)
		}
	}
	if n := c.cachedLen(); n != 2 {
		t.Fatalf("expected cache capped at 2, got %d", n)
	}
	c.pmu.Lock()
	_, stale := c.prices["EUR_USD"]
	c.pmu.Unlock()
	if stale {
		t.Error("oldest entry should have been evicted")
	}
}

func TestCachingBrokerUnwrapForLedgerView(t *testing.T) {
	paper := NewPaperBroker(1000)
	paper.SetQuote(Quote{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002})
	paper.Record(OrderRequest{AccountID: "a1", Instrument: "EUR_USD", Units: 1000}, 1.1002)

	v := NewLedgerView(NewCachingBroker(paper, time.Second, 0), paper)
	trades, err := v.OpenTrades(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Errorf("paper trade listed %d times through the cache", len(trades))
	}
}
