// FILE: shutdown.go
// Package main – Pre-shutdown flat check.
//
// On SIGINT/SIGTERM the scanner stops first. The monitor keeps managing
// positions and WaitFlat blocks until every account is flat, or until
// SHUTDOWN_MAX_WAIT_SEC elapses. With CLOSE_ON_SHUTDOWN=true every open
// position is closed through the gate before waiting.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FlatChecker is the part of the monitor shutdown needs.
type FlatChecker interface {
	OpenCount(ctx context.Context) (int, error)
	CloseAll(ctx context.Context, reason string) TickReport
}

type ShutdownPlan struct {
	CloseAll bool
	MaxWait  time.Duration
	Poll     time.Duration
}

// WaitFlat returns the number of positions still open when it gave up (0 when
// flat). An unreadable account counts as not flat.
func WaitFlat(ctx context.Context, m FlatChecker, plan ShutdownPlan, log *zap.Logger) int {
	if plan.Poll <= 0 {
		plan.Poll = 5 * time.Second
	}
	if plan.CloseAll {
		rep := m.CloseAll(ctx, ReasonShutdown)
		log.Info("[SHUTDOWN] close-all", zap.Int("positions", rep.Positions),
			zap.Int("closed", rep.ActionsTaken), zap.Int("errors", len(rep.Errors)))
	}

	deadline := time.Now().Add(plan.MaxWait)
	open := -1
	for {
		n, err := m.OpenCount(ctx)
		switch {
		case err != nil:
			log.Warn("[SHUTDOWN] flat check failed", zap.Error(err))
		case n == 0:
			log.Info("[SHUTDOWN] all accounts flat")
			return 0
		default:
			open = n
			log.Info("[SHUTDOWN] waiting for open positions", zap.Int("open", n),
				zap.Duration("remaining", time.Until(deadline).Round(time.Second)))
		}
		if !time.Now().Before(deadline) {
			if open < 0 {
				open = 1
			}
			log.Warn("[SHUTDOWN] max wait reached with positions open", zap.Int("open", open))
			return open
		}
		select {
		case <-ctx.Done():
			if open < 0 {
				open = 1
			}
			return open
		case <-time.After(min(plan.Poll, time.Until(deadline))):
		}
	}
}
