// FILE: indicators.go
// Package main – Technical indicators used by the strategy variants.
//
//   • SMA(c, n)        – Simple Moving Average of Close
//   • EMA(x, n)        – Exponential Moving Average of a float series
//   • RSI(c, n)        – Relative Strength Index (Wilder’s smoothing)
//   • ADX(c, n)        – Average Directional Index (trend strength, 0..100)
//   • Volatility(c, n) – rolling stdev of close-to-close returns, in percent
//
// Notes
//   - All functions accept a slice of Candle (defined in strategy.go).
//   - Outputs are aligned to input length; unavailable lookbacks emit NaN.
//   - Keep these allocation-light; they run for every instrument every cycle.
package main

import (
	"math"
)

// SMA returns the n-period simple moving average of Close, aligned to c.
// For indices < n-1, the function returns NaN.
func SMA(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range c {
		sum += c[i].Close
		if i >= n {
			sum -= c[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// EMA seeds with the SMA of the first n values; earlier indices are NaN.
func EMA(x []float64, n int) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(x) < n {
		return out
	}
	var seed float64
	for i := 0; i < n; i++ {
		seed += x[i]
	}
	out[n-1] = seed / float64(n)
	k := 2.0 / float64(n+1)
	for i := n; i < len(x); i++ {
		out[i] = x[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder’s smoothing.
// Indices before the first full window are NaN. A window with no losses is 100.
func RSI(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(c) <= n {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		d := c[i].Close - c[i-1].Close
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	out[n] = rsiFrom(avgGain, avgLoss)
	for i := n + 1; i < len(c); i++ {
		d := c[i].Close - c[i-1].Close
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100.0 - (100.0 / (1.0 + gain/loss))
}

// ADX returns Wilder's Average Directional Index. The first valid value sits
// at index 2n-1; earlier indices are NaN.
func ADX(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 0 || len(c) < 2*n {
		return out
	}
	var trS, plusS, minusS float64
	dx := make([]float64, len(c))
	for i := 1; i < len(c); i++ {
		up := c[i].High - c[i-1].High
		down := c[i-1].Low - c[i].Low
		plus, minus := 0.0, 0.0
		if up > down && up > 0 {
			plus = up
		}
		if down > up && down > 0 {
			minus = down
		}
		tr := math.Max(c[i].High-c[i].Low, math.Max(math.Abs(c[i].High-c[i-1].Close), math.Abs(c[i].Low-c[i-1].Close)))
		if i <= n {
			trS += tr
			plusS += plus
			minusS += minus
		} else {
			trS = trS - trS/float64(n) + tr
			plusS = plusS - plusS/float64(n) + plus
			minusS = minusS - minusS/float64(n) + minus
		}
		if i < n || trS == 0 {
			continue
		}
		pdi := 100 * plusS / trS
		mdi := 100 * minusS / trS
		if pdi+mdi > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}
	var sum float64
	for i := n; i < 2*n; i++ {
		sum += dx[i]
	}
	out[2*n-1] = sum / float64(n)
	for i := 2 * n; i < len(c); i++ {
		out[i] = (out[i-1]*float64(n-1) + dx[i]) / float64(n)
	}
	return out
}

// Volatility is the rolling standard deviation of simple returns over n bars,
// expressed in percent (0.05 means 0.05%).
func Volatility(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	for i := range out {
		out[i] = math.NaN()
	}
	if n <= 1 || len(c) <= n {
		return out
	}
	ret := make([]float64, len(c))
	for i := 1; i < len(c); i++ {
		if c[i-1].Close != 0 {
			ret[i] = (c[i].Close - c[i-1].Close) / c[i-1].Close
		}
	}
	for i := n; i < len(c); i++ {
		var sum, sumSq float64
		for j := i - n + 1; j <= i; j++ {
			sum += ret[j]
			sumSq += ret[j] * ret[j]
		}
		mean := sum / float64(n)
		variance := sumSq/float64(n) - mean*mean
		out[i] = math.Sqrt(math.Max(variance, 0)) * 100
	}
	return out
}

// closes extracts the Close series.
func closes(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Close
	}
	return out
}
