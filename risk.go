// FILE: risk.go
// Package main – RiskGate: profit floor, sizing and exposure caps.
//
// Order of checks for a signal (first failure wins, all are *ValidationFailure):
//   1) daily trade cap (per account, reset at UTC midnight)
//   2) max concurrent positions (per account)
//   3) size: risk-%-of-balance base size, scaled UP until the take-profit
//      clears the profit floor, capped by max_units
//   4) per-trade risk: after scaling, the loss at the stop must stay within
//      max_risk_pct of balance
//   5) profit floor re-check on the final size
//   6) aggregate exposure: reported margin + reservations across all
//      accounts must stay under MAX_EXPOSURE_USD
//
// Money math runs in shopspring/decimal so the floor comparison is exact
// (100,000 units × 0.0001 × 100 pips is exactly 1,000). Profit is expressed in
// the instrument's quote currency and compared against the USD floor as-is.
package main

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// defaultMarginRate is the notional margin fraction used for exposure
// estimates when the broker does not report one (50:1 leverage).
const defaultMarginRate = 0.02

// PipSize returns the price of one pip for an instrument:
// JPY-quoted FX 0.01, XAU 0.01, XAG 0.001, other FX 0.0001, equities 0.01.
func PipSize(instrument string) float64 {
	base, quote, fx := splitInstrument(instrument)
	switch {
	case base == "XAU":
		return 0.01
	case base == "XAG":
		return 0.001
	case fx && quote == "JPY":
		return 0.01
	case fx:
		return 0.0001
	default:
		return 0.01
	}
}

// priceDecimals is the quote precision implied by the pip (one extra digit).
func priceDecimals(instrument string) int32 {
	pip := decimal.NewFromFloat(PipSize(instrument))
	return -pip.Exponent() + 1
}

// splitInstrument accepts EUR_USD, EUR/USD or EURUSD. Anything else is treated
// as a single-leg (equity) symbol.
func splitInstrument(instrument string) (base, quote string, fx bool) {
	s := strings.ToUpper(strings.TrimSpace(instrument))
	for _, sep := range []string{"_", "/", "-"} {
		if b, q, ok := strings.Cut(s, sep); ok && len(b) == 3 && len(q) == 3 {
			return b, q, true
		}
	}
	if len(s) == 6 && isLetters(s) && isCurrencyish(s[3:]) {
		return s[:3], s[3:], true
	}
	return s, "", false
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

var quoteCurrencies = map[string]bool{
	"USD": true, "EUR": true, "JPY": true, "GBP": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SEK": true, "NOK": true,
}

func isCurrencyish(s string) bool { return quoteCurrencies[s] }

// ProfitCheck is the result of the profit-floor test.
type ProfitCheck struct {
	Valid           bool
	PotentialProfit float64
	Floor           float64
}

// SizeDecision is an approved order size.
type SizeDecision struct {
	Units           float64 // signed
	PotentialProfit float64
	RiskAtStop      float64
	Margin          float64
	StopPips        float64
	TakeProfitPips  float64
}

type RiskGate struct {
	floor       decimal.Decimal
	maxExposure float64
	marginRate  float64
	log         *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	reported map[string]float64 // account → margin used at last summary
	reserved map[string]float64 // account → margin reserved since then
	daily    map[string]int
	day      time.Time
}

func NewRiskGate(minProfitUSD, maxExposureUSD, marginRate float64, log *zap.Logger) *RiskGate {
	if marginRate <= 0 {
		marginRate = defaultMarginRate
	}
	return &RiskGate{
		floor:       decimal.NewFromFloat(minProfitUSD),
		maxExposure: maxExposureUSD,
		marginRate:  marginRate,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		reported:    map[string]float64{},
		reserved:    map[string]float64{},
		daily:       map[string]int{},
		day:         midnightUTC(time.Now().UTC()),
	}
}

func midnightUTC(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ValidateProfitPotential computes |units| × pip × tpPips and compares it
// with the floor.
func (r *RiskGate) ValidateProfitPotential(instrument string, units, tpPips float64, strategyID string) ProfitCheck {
	pot := decimal.NewFromFloat(math.Abs(units)).
		Mul(decimal.NewFromFloat(PipSize(instrument))).
		Mul(decimal.NewFromFloat(tpPips))
	pf, _ := pot.Float64()
	ff, _ := r.floor.Float64()
	ok := pot.GreaterThanOrEqual(r.floor)
	if !ok {
		mtxRiskRejections.WithLabelValues("profit_floor").Inc()
		r.log.Debug("[RISK] below profit floor",
			zap.String("instrument", instrument), zap.String("strategy", strategyID),
			zap.Float64("units", units), zap.Float64("tp_pips", tpPips),
			zap.String("potential", pot.StringFixed(2)), zap.Float64("floor", ff))
	}
	return ProfitCheck{Valid: ok, PotentialProfit: pf, Floor: ff}
}

// Observe records the margin the broker reports for an account and clears
// its reservations (they are now part of the reported figure).
func (r *RiskGate) Observe(sum AccountSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported[sum.AccountID] = sum.MarginUsed
	r.reserved[sum.AccountID] = 0
}

func (r *RiskGate) rollLocked() {
	if d := midnightUTC(r.now()); !d.Equal(r.day) {
		r.day = d
		r.daily = map[string]int{}
	}
}

// TradesToday returns the account's counted trades for the current UTC day.
func (r *RiskGate) TradesToday(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollLocked()
	return r.daily[accountID]
}

// RecordTrade counts an executed entry against the daily cap.
func (r *RiskGate) RecordTrade(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollLocked()
	r.daily[accountID]++
}

// Release returns a reservation after a failed execution.
func (r *RiskGate) Release(accountID string, margin float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[accountID] = math.Max(0, r.reserved[accountID]-margin)
}

// Exposure is the aggregate margin estimate across accounts.
func (r *RiskGate) Exposure() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exposureLocked()
}

func (r *RiskGate) exposureLocked() float64 {
	total := 0.0
	for _, v := range r.reported {
		total += v
	}
	for _, v := range r.reserved {
		total += v
	}
	return total
}

func reject(rule, format string, args ...any) error {
	mtxRiskRejections.WithLabelValues(rule).Inc()
	return &ValidationFailure{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Size approves a position size for sig or returns a *ValidationFailure. On
// success the margin is reserved; call Release if the order then fails.
func (r *RiskGate) Size(sig *TradeSignal, acct Account, sum AccountSummary, openTrades int) (SizeDecision, error) {
	rs := acct.Risk
	r.mu.Lock()
	r.rollLocked()
	today := r.daily[acct.ID]
	r.mu.Unlock()

	if rs.DailyTradeCap > 0 && today >= rs.DailyTradeCap {
		return SizeDecision{}, reject("daily_trade_cap", "%d trades today, cap %d", today, rs.DailyTradeCap)
	}
	if rs.MaxConcurrent > 0 && openTrades >= rs.MaxConcurrent {
		return SizeDecision{}, reject("max_concurrent", "%d open, cap %d", openTrades, rs.MaxConcurrent)
	}

	pip := PipSize(sig.Instrument)
	stopDist := sig.StopDistance()
	tpDist := sig.TakeProfitDistance()
	if stopDist <= 0 || tpDist <= 0 {
		return SizeDecision{}, reject("bracket", "stop and take-profit distances must be positive")
	}
	// Distances are rounded to a tenth of a pip so float noise in the
	// bracket prices cannot push a floor-sized order under the floor.
	tpPips, _ := decimal.NewFromFloat(tpDist).Div(decimal.NewFromFloat(pip)).Round(1).Float64()
	if tpPips <= 0 {
		return SizeDecision{}, reject("bracket", "take-profit under a tenth of a pip")
	}

	budget := decimal.NewFromFloat(sum.Balance).Mul(decimal.NewFromFloat(rs.PerTradePct)).Div(decimal.NewFromInt(100))
	base := budget.Div(decimal.NewFromFloat(stopDist)).Floor()
	need := r.floor.Div(decimal.NewFromFloat(pip).Mul(decimal.NewFromFloat(tpPips))).Ceil()
	units := decimal.Max(base, need)

	if rs.MaxUnits > 0 && units.GreaterThan(decimal.NewFromFloat(rs.MaxUnits)) {
		return SizeDecision{}, reject("max_units", "%s units needed for the floor, cap %.0f", units.String(), rs.MaxUnits)
	}
	if units.Sign() <= 0 {
		return SizeDecision{}, reject("size", "computed size is zero (balance %.2f)", sum.Balance)
	}

	ceiling := decimal.NewFromFloat(sum.Balance).Mul(decimal.NewFromFloat(rs.MaxRiskPct)).Div(decimal.NewFromInt(100))
	riskAtStop := units.Mul(decimal.NewFromFloat(stopDist))
	if riskAtStop.GreaterThan(ceiling.Add(decimal.NewFromFloat(0.005))) {
		return SizeDecision{}, reject("per_trade_risk", "loss at stop %s exceeds %.2f%% of balance (%s)",
			riskAtStop.StringFixed(2), rs.MaxRiskPct, ceiling.StringFixed(2))
	}

	u, _ := units.Float64()
	pc := r.ValidateProfitPotential(sig.Instrument, u, tpPips, sig.StrategyID)
	if !pc.Valid {
		return SizeDecision{}, &ValidationFailure{Rule: "profit_floor", Detail: fmt.Sprintf("potential %.2f below floor %.2f", pc.PotentialProfit, pc.Floor)}
	}

	margin := u * sig.Entry * r.marginRate
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxExposure > 0 {
		if total := r.exposureLocked(); total+margin > r.maxExposure {
			return SizeDecision{}, reject("exposure", "aggregate margin %.2f + %.2f exceeds %.2f", total, margin, r.maxExposure)
		}
	}
	r.reserved[acct.ID] += margin

	risk, _ := riskAtStop.Float64()
	return SizeDecision{
		Units:           u * sig.Direction.Sign(),
		PotentialProfit: pc.PotentialProfit,
		RiskAtStop:      risk,
		Margin:          margin,
		StopPips:        stopDist / pip,
		TakeProfitPips:  tpPips,
	}, nil
}
