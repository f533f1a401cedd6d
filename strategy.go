// FILE: strategy.go
// Package main – Market snapshots, trade signals and the strategy variants.
//
// A Strategy turns a MarketSnapshot into zero or one TradeSignal. Each account
// gets its own Strategy instance, which keeps a short bar history per
// instrument built from successive snapshots (one bar per poll: open = prior
// close, high = ask, low = bid, close = mid).
//
// Variants share the same indicator logic and differ only in gating:
//   • aggressive   – EMA(fast) vs EMA(slow) direction agreeing with RSI side
//                    of 50, inside the RSI band
//   • conservative – the same, plus ADX ≥ adx_min and volatility ≤ vol_max_pct
//
// Legacy one- and two-argument analyzers are wrapped by explicit adapters
// (SnapshotFunc, AccountSnapshotFunc) rather than inspected at runtime.
package main

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Candle is the normalized OHLCV row the indicators consume.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketSnapshot is instrument → quote at one poll. Never persisted.
type MarketSnapshot struct {
	At     time.Time
	Quotes map[string]Quote
}

func NewMarketSnapshot(quotes map[string]Quote, at time.Time) MarketSnapshot {
	return MarketSnapshot{At: at, Quotes: quotes}
}

// Only narrows the snapshot to one instrument.
func (s MarketSnapshot) Only(instrument string) MarketSnapshot {
	out := MarketSnapshot{At: s.At, Quotes: map[string]Quote{}}
	if q, ok := s.Quotes[instrument]; ok {
		out.Quotes[instrument] = q
	}
	return out
}

// Instruments lists the snapshot's instruments in sorted order.
func (s MarketSnapshot) Instruments() []string {
	out := make([]string, 0, len(s.Quotes))
	for k := range s.Quotes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TradeSignal is one account's intent on one instrument.
type TradeSignal struct {
	AccountID  string
	Instrument string
	Direction  OrderSide
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Confidence float64
	StrategyID string
	Reason     string
	At         time.Time
}

// Validate checks that the signal is fully populated and direction-correct.
func (s *TradeSignal) Validate() error {
	switch {
	case s.AccountID == "" || s.Instrument == "":
		return errors.New("signal: account and instrument are required")
	case s.Direction != SideBuy && s.Direction != SideSell:
		return fmt.Errorf("signal: bad direction %q", s.Direction)
	case s.Entry <= 0 || s.StopLoss <= 0 || s.TakeProfit <= 0:
		return errors.New("signal: entry, stop-loss and take-profit must be set")
	case s.Confidence < 0 || s.Confidence > 1 || math.IsNaN(s.Confidence):
		return fmt.Errorf("signal: confidence %.3f outside [0,1]", s.Confidence)
	}
	if s.Direction == SideBuy && !(s.StopLoss < s.Entry && s.Entry < s.TakeProfit) {
		return errors.New("signal: BUY needs stop < entry < take-profit")
	}
	if s.Direction == SideSell && !(s.TakeProfit < s.Entry && s.Entry < s.StopLoss) {
		return errors.New("signal: SELL needs take-profit < entry < stop")
	}
	return nil
}

// StopDistance and TakeProfitDistance are absolute price distances from entry.
func (s *TradeSignal) StopDistance() float64       { return math.Abs(s.Entry - s.StopLoss) }
func (s *TradeSignal) TakeProfitDistance() float64 { return math.Abs(s.TakeProfit - s.Entry) }

// Strategy is the single required signature for every signal source.
type Strategy interface {
	ID() string
	Analyze(snap MarketSnapshot) (*TradeSignal, error)
}

// StrategyParams are the tunable thresholds of a variant. Every number is
// policy; none is canonical.
type StrategyParams struct {
	Type           string  `yaml:"type" validate:"oneof=aggressive conservative"`
	EMAFast        int     `yaml:"ema_fast" validate:"gt=0"`
	EMASlow        int     `yaml:"ema_slow" validate:"gtfield=EMAFast"`
	RSIPeriod      int     `yaml:"rsi_period" validate:"gt=1"`
	RSIOversold    float64 `yaml:"rsi_oversold" validate:"gte=0,lt=50"`
	RSIOverbought  float64 `yaml:"rsi_overbought" validate:"gt=50,lte=100"`
	ADXPeriod      int     `yaml:"adx_period" validate:"gte=0"`
	ADXMin         float64 `yaml:"adx_min" validate:"gte=0"`
	VolPeriod      int     `yaml:"vol_period" validate:"gte=0"`
	VolMaxPct      float64 `yaml:"vol_max_pct" validate:"gte=0"`
	StopPips       float64 `yaml:"stop_pips" validate:"gt=0"`
	TakeProfitPips float64 `yaml:"take_profit_pips" validate:"gt=0"`
	MaxSpreadPips  float64 `yaml:"max_spread_pips" validate:"gte=0"` // 0 disables
}

func defaultStrategyParams(kind string) StrategyParams {
	p := StrategyParams{
		Type:           kind,
		EMAFast:        9,
		EMASlow:        21,
		RSIPeriod:      14,
		RSIOversold:    30,
		RSIOverbought:  70,
		StopPips:       20,
		TakeProfitPips: 40,
	}
	if kind == "conservative" {
		p.RSIOversold, p.RSIOverbought = 35, 65
		p.ADXPeriod, p.ADXMin = 14, 25
		p.VolPeriod, p.VolMaxPct = 20, 0.05
		p.MaxSpreadPips = 3
	}
	return p
}

// withDefaults fills zero fields from the variant defaults.
func (p StrategyParams) withDefaults() StrategyParams {
	if p.Type == "" {
		p.Type = "aggressive"
	}
	d := defaultStrategyParams(p.Type)
	if p.EMAFast == 0 {
		p.EMAFast = d.EMAFast
	}
	if p.EMASlow == 0 {
		p.EMASlow = d.EMASlow
	}
	if p.RSIPeriod == 0 {
		p.RSIPeriod = d.RSIPeriod
	}
	if p.RSIOversold == 0 {
		p.RSIOversold = d.RSIOversold
	}
	if p.RSIOverbought == 0 {
		p.RSIOverbought = d.RSIOverbought
	}
	if p.ADXPeriod == 0 {
		p.ADXPeriod = d.ADXPeriod
	}
	if p.ADXMin == 0 {
		p.ADXMin = d.ADXMin
	}
	if p.VolPeriod == 0 {
		p.VolPeriod = d.VolPeriod
	}
	if p.VolMaxPct == 0 {
		p.VolMaxPct = d.VolMaxPct
	}
	if p.StopPips == 0 {
		p.StopPips = d.StopPips
	}
	if p.TakeProfitPips == 0 {
		p.TakeProfitPips = d.TakeProfitPips
	}
	if p.MaxSpreadPips == 0 {
		p.MaxSpreadPips = d.MaxSpreadPips
	}
	return p
}

// maxBars bounds the per-instrument history.
const maxBars = 500

// IndicatorStrategy implements both variants; conservative adds the trend
// strength and volatility gates.
type IndicatorStrategy struct {
	id           string
	accountID    string
	params       StrategyParams
	conservative bool

	mu      sync.Mutex
	history map[string][]Candle
}

func NewAggressiveStrategy(accountID, id string, p StrategyParams) *IndicatorStrategy {
	return &IndicatorStrategy{id: id, accountID: accountID, params: p, history: map[string][]Candle{}}
}

func NewConservativeStrategy(accountID, id string, p StrategyParams) *IndicatorStrategy {
	s := NewAggressiveStrategy(accountID, id, p)
	s.conservative = true
	return s
}

func (s *IndicatorStrategy) ID() string { return s.id }

// minBars is the history needed before every gate has a value.
func (s *IndicatorStrategy) minBars() int {
	n := s.params.EMASlow
	if r := s.params.RSIPeriod + 1; r > n {
		n = r
	}
	if s.conservative {
		if a := 2 * s.params.ADXPeriod; a > n {
			n = a
		}
		if v := s.params.VolPeriod + 1; v > n {
			n = v
		}
	}
	return n + 1
}

// push appends one bar for q; a quote with the same timestamp as the last bar
// refreshes that bar instead.
func (s *IndicatorStrategy) push(q Quote) []Candle {
	h := s.history[q.Instrument]
	mid := q.Mid()
	if n := len(h); n > 0 && !q.Time.IsZero() && q.Time.Equal(h[n-1].Time) {
		last := &h[n-1]
		last.High = math.Max(last.High, q.Ask)
		last.Low = math.Min(last.Low, q.Bid)
		last.Close = mid
		return h
	}
	open := mid
	if n := len(h); n > 0 {
		open = h[n-1].Close
	}
	h = append(h, Candle{
		Time:  q.Time,
		Open:  open,
		High:  math.Max(q.Ask, open),
		Low:   math.Min(q.Bid, open),
		Close: mid,
	})
	if len(h) > maxBars {
		h = h[len(h)-maxBars:]
	}
	s.history[q.Instrument] = h
	return h
}

// Analyze updates every instrument's history and returns the strongest
// qualifying signal, or nil.
func (s *IndicatorStrategy) Analyze(snap MarketSnapshot) (*TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *TradeSignal
	for _, inst := range snap.Instruments() {
		q := snap.Quotes[inst]
		if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
			return nil, fmt.Errorf("%s: bad quote bid=%v ask=%v", inst, q.Bid, q.Ask)
		}
		bars := s.push(q)
		sig := s.evaluate(q, bars, snap.At)
		if sig != nil && (best == nil || sig.Confidence > best.Confidence) {
			best = sig
		}
	}
	return best, nil
}

func (s *IndicatorStrategy) evaluate(q Quote, bars []Candle, at time.Time) *TradeSignal {
	p := s.params
	if len(bars) < s.minBars() {
		return nil
	}
	pip := PipSize(q.Instrument)
	if p.MaxSpreadPips > 0 && q.Spread()/pip > p.MaxSpreadPips {
		return nil
	}
	i := len(bars) - 1
	cl := closes(bars)
	fast := EMA(cl, p.EMAFast)[i]
	slow := EMA(cl, p.EMASlow)[i]
	rsi := RSI(bars, p.RSIPeriod)[i]
	if math.IsNaN(fast) || math.IsNaN(slow) || math.IsNaN(rsi) {
		return nil
	}

	var dir OrderSide
	switch {
	case fast > slow && rsi > 50 && rsi < p.RSIOverbought:
		dir = SideBuy
	case fast < slow && rsi < 50 && rsi > p.RSIOversold:
		dir = SideSell
	default:
		return nil
	}
	strength := math.Abs(rsi-50) / 50
	conf := 0.5 + 0.5*strength
	reason := fmt.Sprintf("ema%d=%.5f ema%d=%.5f rsi=%.1f", p.EMAFast, fast, p.EMASlow, slow, rsi)

	if s.conservative {
		adx := ADX(bars, p.ADXPeriod)[i]
		vol := Volatility(bars, p.VolPeriod)[i]
		if math.IsNaN(adx) || adx < p.ADXMin {
			return nil
		}
		if math.IsNaN(vol) || vol > p.VolMaxPct {
			return nil
		}
		conf = 0.4 + 0.3*strength + 0.3*math.Min(adx/50, 1)
		reason += fmt.Sprintf(" adx=%.1f vol=%.4f%%", adx, vol)
	}

	entry := q.Ask
	if dir == SideSell {
		entry = q.Bid
	}
	sl, tp := BracketPrices(dir, entry, p.StopPips*pip, p.TakeProfitPips*pip, q.Instrument)
	ts := at
	if ts.IsZero() {
		ts = q.Time
	}
	return &TradeSignal{
		AccountID:  s.accountID,
		Instrument: q.Instrument,
		Direction:  dir,
		Entry:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Confidence: math.Max(0, math.Min(1, conf)),
		StrategyID: s.id,
		Reason:     reason,
		At:         ts,
	}
}

// --- Adapters for legacy call shapes ---

// SnapshotFunc wraps a one-argument analyzer.
type SnapshotFunc struct {
	Name      string
	AccountID string
	Fn        func(MarketSnapshot) (*TradeSignal, error)
}

func (f SnapshotFunc) ID() string { return f.Name }

func (f SnapshotFunc) Analyze(snap MarketSnapshot) (*TradeSignal, error) {
	sig, err := f.Fn(snap)
	return stampSignal(sig, err, f.AccountID, f.Name)
}

// AccountSnapshotFunc wraps a two-argument analyzer that also takes the account id.
type AccountSnapshotFunc struct {
	Name      string
	AccountID string
	Fn        func(accountID string, snap MarketSnapshot) (*TradeSignal, error)
}

func (f AccountSnapshotFunc) ID() string { return f.Name }

func (f AccountSnapshotFunc) Analyze(snap MarketSnapshot) (*TradeSignal, error) {
	sig, err := f.Fn(f.AccountID, snap)
	return stampSignal(sig, err, f.AccountID, f.Name)
}

// stampSignal fills the ownership fields a legacy analyzer may leave empty and
// rejects anything not fully populated.
func stampSignal(sig *TradeSignal, err error, accountID, strategyID string) (*TradeSignal, error) {
	if err != nil || sig == nil {
		return nil, err
	}
	out := *sig
	if out.AccountID == "" {
		out.AccountID = accountID
	}
	if out.StrategyID == "" {
		out.StrategyID = strategyID
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Registry ---

// StrategyFactory builds a per-account strategy instance.
type StrategyFactory func(accountID, strategyID string, p StrategyParams) Strategy

var strategyRegistry = map[string]StrategyFactory{
	"aggressive": func(a, id string, p StrategyParams) Strategy { return NewAggressiveStrategy(a, id, p) },
	"conservative": func(a, id string, p StrategyParams) Strategy {
		return NewConservativeStrategy(a, id, p)
	},
}

// StrategyBook keeps one strategy instance per account and rebuilds it when
// the account's binding or parameters change.
type StrategyBook struct {
	mu      sync.Mutex
	entries map[string]bookEntry
}

type bookEntry struct {
	strategyID string
	params     StrategyParams
	strategy   Strategy
	custom     bool
}

func NewStrategyBook() *StrategyBook {
	return &StrategyBook{entries: map[string]bookEntry{}}
}

// Register pins a custom Strategy (for example an adapter) to an account.
func (b *StrategyBook) Register(accountID string, s Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[accountID] = bookEntry{strategyID: s.ID(), strategy: s, custom: true}
}

// For returns the account's strategy, building it from snap on first use.
func (b *StrategyBook) For(acct Account, snap *AccountSnapshot) (Strategy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, have := b.entries[acct.ID]
	if have && e.custom {
		return e.strategy, nil
	}
	p, ok := snap.Params(acct.StrategyID)
	if !ok {
		return nil, &ConfigurationError{Field: acct.ID, Reason: fmt.Sprintf("unknown strategy %q", acct.StrategyID)}
	}
	if have && e.strategyID == acct.StrategyID && e.params == p {
		return e.strategy, nil
	}
	f, ok := strategyRegistry[p.Type]
	if !ok {
		return nil, &ConfigurationError{Field: acct.ID, Reason: fmt.Sprintf("unknown strategy type %q", p.Type)}
	}
	s := f(acct.ID, acct.StrategyID, p)
	b.entries[acct.ID] = bookEntry{strategyID: acct.StrategyID, params: p, strategy: s}
	return s, nil
}
