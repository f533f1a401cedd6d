// FILE: cache.go
// Package main – CachingBroker decorator.
//
// Wraps any Broker with two shared resources, each behind its own mutex:
//   • a TTL price cache keyed by instrument; over capacity, the entries with
//     the oldest fetch time are evicted first
//   • an API-usage counter per operation (also exported as bot_api_calls_total)
//
// Scanner workers for different accounts often ask for the same instruments
// inside one cycle; the cache collapses those into one pricing call.
package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

type cachedQuote struct {
	q       Quote
	fetched time.Time
}

// CachingBroker decorates a Broker with a price cache and usage counters.
type CachingBroker struct {
	inner Broker
	ttl   time.Duration
	max   int
	now   func() time.Time

	pmu    sync.Mutex
	prices map[string]cachedQuote

	umu   sync.Mutex
	usage map[string]int64
}

func NewCachingBroker(inner Broker, ttl time.Duration, max int) *CachingBroker {
	if max <= 0 {
		max = 256
	}
	return &CachingBroker{
		inner:  inner,
		ttl:    ttl,
		max:    max,
		now:    time.Now,
		prices: make(map[string]cachedQuote),
		usage:  make(map[string]int64),
	}
}

func (c *CachingBroker) Name() string { return c.inner.Name() }

// Unwrap returns the decorated broker.
func (c *CachingBroker) Unwrap() Broker { return c.inner }

func (c *CachingBroker) count(op string) {
	c.umu.Lock()
	c.usage[op]++
	c.umu.Unlock()
	mtxAPICalls.WithLabelValues(c.inner.Name(), op).Inc()
}

// Usage returns a copy of the per-operation call counts.
func (c *CachingBroker) Usage() map[string]int64 {
	c.umu.Lock()
	defer c.umu.Unlock()
	out := make(map[string]int64, len(c.usage))
	for k, v := range c.usage {
		out[k] = v
	}
	return out
}

// GetCurrentPrices serves fresh entries from the cache and fetches the rest
// in a single upstream call.
func (c *CachingBroker) GetCurrentPrices(ctx context.Context, instruments []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(instruments))
	var missing []string

	c.pmu.Lock()
	now := c.now()
	for _, inst := range instruments {
		if e, ok := c.prices[inst]; ok && c.ttl > 0 && now.Sub(e.fetched) < c.ttl {
			out[inst] = e.q
			continue
		}
		missing = append(missing, inst)
	}
	c.pmu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	c.count("pricing")
	fresh, err := c.inner.GetCurrentPrices(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.pmu.Lock()
	fetched := c.now()
	for inst, q := range fresh {
		out[inst] = q
		c.prices[inst] = cachedQuote{q: q, fetched: fetched}
	}
	c.evictLocked()
	c.pmu.Unlock()
	return out, nil
}

func (c *CachingBroker) evictLocked() {
	over := len(c.prices) - c.max
	if over <= 0 {
		return
	}
	type kv struct {
		k string
		t time.Time
	}
	all := make([]kv, 0, len(c.prices))
	for k, e := range c.prices {
		all = append(all, kv{k, e.fetched})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].t.Before(all[j].t) })
	for _, e := range all[:over] {
		delete(c.prices, e.k)
	}
}

// InvalidatePrices drops every cached quote (after a fill the next read must be fresh).
func (c *CachingBroker) InvalidatePrices() {
	c.pmu.Lock()
	c.prices = make(map[string]cachedQuote)
	c.pmu.Unlock()
}

func (c *CachingBroker) cachedLen() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.prices)
}

func (c *CachingBroker) GetOpenTrades(ctx context.Context, accountID string) ([]Trade, error) {
	c.count("open_trades")
	return c.inner.GetOpenTrades(ctx, accountID)
}

func (c *CachingBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	c.count("order")
	return c.inner.PlaceMarketOrder(ctx, req)
}

func (c *CachingBroker) CloseTrade(ctx context.Context, accountID, tradeID string, units float64) (bool, error) {
	c.count("close")
	return c.inner.CloseTrade(ctx, accountID, tradeID, units)
}

func (c *CachingBroker) SetStopLoss(ctx context.Context, accountID, tradeID string, price float64) error {
	c.count("stop_loss")
	return c.inner.SetStopLoss(ctx, accountID, tradeID, price)
}

func (c *CachingBroker) GetAccountSummary(ctx context.Context, accountID string) (AccountSummary, error) {
	c.count("summary")
	return c.inner.GetAccountSummary(ctx, accountID)
}
