// FILE: health.go
// Package main – Broker health supervisor.
//
// Probes the broker on its own loop (independent of scanner and monitor).
// After a failure the next probe waits twice as long, capped at
// HEALTH_MAX_BACKOFF_SEC; a success resets the wait to HEALTH_INTERVAL_SEC.
// The schedule is a backoff.ExponentialBackOff without jitter.
// The last result drives /healthz and bot_broker_up.
package main

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// HealthStatus is the last probe outcome.
type HealthStatus struct {
	Healthy     bool
	LastCheck   time.Time
	LastError   string
	Failures    int
	NextBackoff time.Duration
}

type HealthSupervisor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	log      *zap.Logger

	mu      sync.RWMutex
	status  HealthStatus
	backoff *backoff.ExponentialBackOff
}

// NewHealthSupervisor probes with a one-instrument pricing call. A caching
// wrapper is peeled off so every check reaches the upstream API.
func NewHealthSupervisor(b Broker, probeInstrument string, interval, max time.Duration, log *zap.Logger) *HealthSupervisor {
	if w, ok := b.(interface{ Unwrap() Broker }); ok {
		b = w.Unwrap()
	}
	return newHealthSupervisor(func(ctx context.Context) error {
		if probeInstrument == "" {
			return nil
		}
		_, err := b.GetCurrentPrices(ctx, []string{probeInstrument})
		return err
	}, interval, max, log)
}

func newHealthSupervisor(probe func(ctx context.Context) error, interval, max time.Duration, log *zap.Logger) *HealthSupervisor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if max < interval {
		max = interval
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(2*interval, max)
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &HealthSupervisor{probe: probe, interval: interval, log: log, backoff: bo,
		status: HealthStatus{Healthy: true, NextBackoff: interval}}
}

// Status returns the last probe outcome.
func (h *HealthSupervisor) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Check runs one probe and returns the wait before the next one.
func (h *HealthSupervisor) Check(ctx context.Context) time.Duration {
	pctx, cancel := context.WithTimeout(ctx, h.interval)
	err := h.probe(pctx)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.LastCheck = time.Now().UTC()
	if err != nil {
		h.status.Healthy = false
		h.status.Failures++
		h.status.LastError = err.Error()
		h.status.NextBackoff = h.backoff.NextBackOff()
		h.log.Warn("[HEALTH] broker probe failed", zap.Int("failures", h.status.Failures),
			zap.Duration("next", h.status.NextBackoff), zap.Bool("transient", IsTransient(err)), zap.Error(err))
	} else {
		if !h.status.Healthy {
			h.log.Info("[HEALTH] broker recovered", zap.Int("after_failures", h.status.Failures))
		}
		h.backoff.Reset()
		h.status = HealthStatus{Healthy: true, LastCheck: h.status.LastCheck, NextBackoff: h.interval}
	}
	SetBrokerUpMetric(h.status.Healthy)
	return h.status.NextBackoff
}

// Run probes until ctx is done.
func (h *HealthSupervisor) Run(ctx context.Context) {
	for {
		wait := h.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
