// FILE: live.go
// Package main – Service wiring and the live loops.
//
// NewService builds the whole pipeline from Config:
//   broker (oanda|alpaca|paper) → CachingBroker
//   PaperBroker ledger + Journal → ExecutionGate
//   AccountStore → StrategyBook → RiskGate → OrderExecutor → Scanner
//   LedgerView → PositionMonitor, HealthSupervisor
//
// RunLive runs three independent loops (scanner, monitor, health). On ctx
// cancellation the scanner stops first; the monitor keeps running until the
// flat check finishes (see shutdown.go).

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Service struct {
	cfg      Config
	log      *zap.Logger
	broker   *CachingBroker
	paper    *PaperBroker
	journal  *Journal
	accounts *AccountStore
	gate     *ExecutionGate
	risk     *RiskGate
	view     *LedgerView
	scanner  *Scanner
	monitor  *PositionMonitor
	health   *HealthSupervisor
}

// newBroker picks the upstream broker. BROKER=paper uses the ledger itself.
func newBroker(cfg Config, paper *PaperBroker, pricingAccount string) (Broker, error) {
	switch cfg.Broker {
	case "oanda":
		return NewOandaBroker(cfg.OandaURL, cfg.OandaToken, pricingAccount, cfg.HTTPTimeout), nil
	case "alpaca":
		return NewAlpacaBroker(cfg.AlpacaKey, cfg.AlpacaSecret, cfg.AlpacaURL), nil
	case "paper":
		return paper, nil
	}
	return nil, &ConfigurationError{Field: "BROKER", Reason: fmt.Sprintf("unknown broker %q", cfg.Broker)}
}

// NewService validates config and account records and wires every
// component. Any error is a *ConfigurationError or a journal open failure.
func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	accounts := NewAccountStore(cfg.AccountsPath, log)
	snap, err := accounts.Snapshot()
	if err != nil {
		return nil, err
	}

	var journal *Journal
	if cfg.JournalDB != "" {
		if journal, err = OpenJournal(cfg.JournalDB, log); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	paper := NewPaperBroker(cfg.PaperBalance)
	pricing := cfg.OandaAccount
	if pricing == "" {
		if active := snap.Active(); len(active) > 0 {
			pricing = active[0].ID
		}
	}
	upstream, err := newBroker(cfg, paper, pricing)
	if err != nil {
		return nil, err
	}
	broker := NewCachingBroker(upstream, cfg.PriceCacheTTL, cfg.PriceCacheMax)

	s := &Service{cfg: cfg, log: log, broker: broker, paper: paper, journal: journal, accounts: accounts}
	s.gate = NewExecutionGate(&cfg, paper, journal, log)
	s.risk = NewRiskGate(cfg.MinProfitUSD, cfg.MaxExposureUSD, cfg.MarginRate, log)
	s.view = NewLedgerView(broker, paper)
	s.scanner = NewScanner(ScannerDeps{
		Accounts:       accounts,
		Broker:         broker,
		View:           s.view,
		Risk:           s.risk,
		Executor:       NewOrderExecutor(s.gate, broker, log),
		Gate:           s.gate,
		Notifier:       NewNotifier(cfg, log),
		Workers:        cfg.ScanWorkers,
		AccountTimeout: cfg.AccountTimeout,
		Log:            log,
	})
	s.monitor = NewPositionMonitor(s.view, broker, s.gate, cfg.Exit, s.accountIDs, journal, log)

	probe := ""
	for _, a := range snap.Active() {
		if len(a.Instruments) > 0 {
			probe = a.Instruments[0]
			break
		}
	}
	s.health = NewHealthSupervisor(broker, probe, cfg.HealthInterval, cfg.HealthMaxBackof, log)
	return s, nil
}

// accountIDs lists every configured account, active or not: an inactive
// account may still hold positions the monitor has to manage.
func (s *Service) accountIDs() []string {
	snap, err := s.accounts.Snapshot()
	if snap == nil {
		if err != nil {
			s.log.Warn("[MONITOR] no account snapshot", zap.Error(err))
		}
		return nil
	}
	ids := make([]string, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		ids = append(ids, a.ID)
	}
	return ids
}

func (s *Service) Close() error { return s.journal.Close() }

// Banner logs the effective safety settings once at boot.
func (s *Service) Banner() {
	d := s.gate.Decision()
	snap, _ := s.accounts.Snapshot()
	n := 0
	if snap != nil {
		n = len(snap.Active())
	}
	s.log.Info("[SAFETY] execution",
		zap.String("requested", string(s.cfg.Mode)), zap.String("effective", string(d.Mode)),
		zap.Bool("allowed", d.Allowed), zap.String("reason", d.Reason),
		zap.String("broker", s.broker.Name()), zap.Int("active_accounts", n),
		zap.Float64("min_profit_usd", s.cfg.MinProfitUSD), zap.Float64("max_exposure_usd", s.cfg.MaxExposureUSD),
		zap.Duration("scan_interval", s.cfg.ScanInterval), zap.Duration("monitor_interval", s.cfg.MonitorInterval))
}

// RunLive blocks until ctx is done and the flat check has finished. It
// returns the number of positions left open.
func (s *Service) RunLive(ctx context.Context) int {
	s.Banner()

	bg, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.monitor.Run(bg, s.cfg.MonitorInterval) }()
	go func() { defer wg.Done(); s.health.Run(bg) }()

	s.scanner.Run(ctx, s.cfg.ScanInterval)

	s.log.Info("[SHUTDOWN] scanner stopped; checking open positions",
		zap.Bool("close_all", s.cfg.CloseOnShutdown), zap.Duration("max_wait", s.cfg.ShutdownMaxWait))
	waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownMaxWait+30*time.Second)
	open := WaitFlat(waitCtx, s.monitor, ShutdownPlan{
		CloseAll: s.cfg.CloseOnShutdown,
		MaxWait:  s.cfg.ShutdownMaxWait,
		Poll:     s.cfg.MonitorInterval,
	}, s.log)
	cancel()

	stop()
	wg.Wait()
	return open
}

// RunMonitorOnly manages open positions without scanning for new ones.
func (s *Service) RunMonitorOnly(ctx context.Context) {
	s.Banner()
	go s.health.Run(ctx)
	s.monitor.Run(ctx, s.cfg.MonitorInterval)
}
