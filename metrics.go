// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes primary metrics the bot updates during operation:
//   • bot_orders_total{mode,side}            – Orders filled (mode: paper|live)
//   • bot_gate_decisions_total{mode,allowed} – Execution gate verdicts
//   • bot_signals_total{strategy,side}       – Signals produced by strategies
//   • bot_risk_rejections_total{rule}        – Signals dropped by the risk gate
//   • bot_exit_reasons_total{reason,side}    – Monitor exits split by reason and side
//   • bot_cycle_seconds                      – Scanner cycle duration
//   • bot_api_calls_total{broker,op}         – Upstream broker calls
//   • bot_notify_total{sink,result}          – Notification outcomes (ok|failed)
//   • bot_open_positions                     – Positions seen by the last monitor tick
//   • bot_equity_usd{account}                – Account NAV at the last scan
//   • bot_broker_up                          – 1 when the last health probe passed
//
// These are registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	mtxGateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_gate_decisions_total",
			Help: "Execution gate decisions by effective mode and verdict",
		},
		[]string{"mode", "allowed"},
	)

	mtxSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Trade signals produced",
		},
		[]string{"strategy", "side"},
	)

	mtxRiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_risk_rejections_total",
			Help: "Signals rejected by the risk gate, by rule",
		},
		[]string{"rule"},
	)

	// Reasons are the monitor's exit codes (EARLY_LOSS, LADDER_PARTIAL, ...).
	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Total exits split by reason and side",
		},
		[]string{"reason", "side"}, // side: BUY|SELL (the side of the closed position)
	)

	mtxCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_cycle_seconds",
			Help:    "Scanner cycle duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	mtxAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_api_calls_total",
			Help: "Broker API calls by operation",
		},
		[]string{"broker", "op"},
	)

	mtxNotify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_notify_total",
			Help: "Notification sends by sink and result",
		},
		[]string{"sink", "result"},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open positions seen by the last monitor tick",
		},
	)

	mtxPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Equity in USD",
		},
		[]string{"account"},
	)

	mtxBrokerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_broker_up",
			Help: "1 if the last broker health probe succeeded, else 0",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxGateDecisions, mtxSignals, mtxRiskRejections)
	prometheus.MustRegister(mtxExitReasons, mtxCycleSeconds)
	prometheus.MustRegister(mtxAPICalls, mtxNotify)
	prometheus.MustRegister(mtxOpenPositions, mtxPnL, mtxBrokerUp)
}

func SetEquityMetric(accountID string, nav float64) { mtxPnL.WithLabelValues(accountID).Set(nav) }

func SetBrokerUpMetric(up bool) {
	if up {
		mtxBrokerUp.Set(1)
		return
	}
	mtxBrokerUp.Set(0)
}
