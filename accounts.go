// FILE: accounts.go
// Package main – Account and strategy records.
//
// Records come from one or more YAML files matched by ACCOUNTS_FILE (a path or
// a doublestar glob such as "config/accounts/**/*.yaml"). Example:
//
//	accounts:
//	  - id: 101-001-1234567-001
//	    strategy: fx-aggressive
//	    instruments: [EUR_USD, GBP_USD]
//	    active: true
//	    risk: {per_trade_pct: 1.0, daily_trade_cap: 20, max_concurrent: 3}
//	strategies:
//	  fx-aggressive:
//	    type: aggressive
//	    rsi_period: 14
//
// The store caches the parsed result and reloads only when a file's mtime (or
// the matched file set) changes. Each reload produces a new immutable
// AccountSnapshot; the scanner takes one per cycle so an edit never lands
// half-way through a cycle.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RiskSettings are the per-account sizing limits.
type RiskSettings struct {
	PerTradePct   float64 `yaml:"per_trade_pct" validate:"gt=0,lte=100"`
	MaxRiskPct    float64 `yaml:"max_risk_pct" validate:"gtefield=PerTradePct,lte=100"` // ceiling after scale-up
	DailyTradeCap int     `yaml:"daily_trade_cap" validate:"gte=0"`                      // 0 = unlimited
	MaxConcurrent int     `yaml:"max_concurrent" validate:"gte=0"`                       // 0 = unlimited
	MaxUnits      float64 `yaml:"max_units" validate:"gte=0"`                            // 0 = unlimited
}

// Account is one broker account bound to a strategy.
type Account struct {
	ID          string       `yaml:"id" validate:"required"`
	StrategyID  string       `yaml:"strategy" validate:"required"`
	Instruments []string     `yaml:"instruments" validate:"required,min=1,dive,required"`
	Active      bool         `yaml:"active"`
	Risk        RiskSettings `yaml:"risk"`
}

type accountsFile struct {
	Accounts   []Account                 `yaml:"accounts"`
	Strategies map[string]StrategyParams `yaml:"strategies"`
}

// AccountSnapshot is an immutable view of every record at load time.
type AccountSnapshot struct {
	Accounts   []Account
	Strategies map[string]StrategyParams
	LoadedAt   time.Time
}

// Active returns the accounts with active set, in file order.
func (s *AccountSnapshot) Active() []Account {
	out := make([]Account, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

// Params resolves a strategy id: a named entry from the file first, then a
// built-in variant name with default parameters.
func (s *AccountSnapshot) Params(strategyID string) (StrategyParams, bool) {
	if p, ok := s.Strategies[strategyID]; ok {
		return p, true
	}
	if _, ok := strategyRegistry[strategyID]; ok {
		return defaultStrategyParams(strategyID), true
	}
	return StrategyParams{}, false
}

// AccountStore loads and caches account records.
type AccountStore struct {
	pattern  string
	log      *zap.Logger
	validate *validator.Validate

	mu     sync.Mutex
	mtimes map[string]time.Time
	snap   *AccountSnapshot
}

func NewAccountStore(pattern string, log *zap.Logger) *AccountStore {
	return &AccountStore{
		pattern:  pattern,
		log:      log,
		validate: validator.New(),
	}
}

// Snapshot returns the current records, reloading when the source changed.
// A failed reload keeps serving the previous snapshot and reports the error;
// with no previous snapshot the error is a *ConfigurationError.
func (s *AccountStore) Snapshot() (*AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, mtimes, err := s.scan()
	if err == nil && s.snap != nil && sameMtimes(s.mtimes, mtimes) {
		return s.snap, nil
	}
	if err == nil {
		var snap *AccountSnapshot
		snap, err = s.load(files)
		if err == nil {
			s.snap, s.mtimes = snap, mtimes
			s.log.Info("[CONFIG] accounts loaded",
				zap.Int("files", len(files)), zap.Int("accounts", len(snap.Accounts)), zap.Int("active", len(snap.Active())))
			return snap, nil
		}
	}
	if s.snap != nil {
		s.log.Warn("[CONFIG] account reload failed; keeping previous snapshot", zap.Error(err))
		return s.snap, err
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		err = &ConfigurationError{Field: "ACCOUNTS_FILE", Reason: err.Error()}
	}
	return nil, err
}

func (s *AccountStore) scan() ([]string, map[string]time.Time, error) {
	files, err := doublestar.FilepathGlob(s.pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("glob %q: %w", s.pattern, err)
	}
	if len(files) == 0 {
		return nil, nil, &ConfigurationError{Field: "ACCOUNTS_FILE", Reason: fmt.Sprintf("no files match %q", s.pattern)}
	}
	sort.Strings(files)
	mtimes := make(map[string]time.Time, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, nil, err
		}
		mtimes[f] = info.ModTime()
	}
	return files, mtimes, nil
}

func sameMtimes(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || !w.Equal(v) {
			return false
		}
	}
	return true
}

func (s *AccountStore) load(files []string) (*AccountSnapshot, error) {
	snap := &AccountSnapshot{Strategies: map[string]StrategyParams{}, LoadedAt: time.Now().UTC()}
	seen := map[string]string{}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		var doc accountsFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, &ConfigurationError{Field: f, Reason: err.Error()}
		}
		for name, p := range doc.Strategies {
			p = p.withDefaults()
			if err := s.validate.Struct(p); err != nil {
				return nil, &ConfigurationError{Field: fmt.Sprintf("%s: strategies.%s", f, name), Reason: err.Error()}
			}
			snap.Strategies[name] = p
		}
		for i, a := range doc.Accounts {
			if a.Risk.PerTradePct == 0 {
				a.Risk.PerTradePct = 1.0
			}
			if a.Risk.MaxRiskPct == 0 {
				a.Risk.MaxRiskPct = 2 * a.Risk.PerTradePct
			}
			if err := s.validate.Struct(a); err != nil {
				return nil, &ConfigurationError{Field: fmt.Sprintf("%s: accounts[%d]", f, i), Reason: err.Error()}
			}
			if prev, dup := seen[a.ID]; dup {
				return nil, &ConfigurationError{Field: a.ID, Reason: fmt.Sprintf("duplicate account id (also in %s)", prev)}
			}
			seen[a.ID] = f
			snap.Accounts = append(snap.Accounts, a)
		}
	}
	for _, a := range snap.Accounts {
		if _, ok := snap.Params(a.StrategyID); !ok {
			return nil, &ConfigurationError{Field: a.ID, Reason: fmt.Sprintf("unknown strategy %q", a.StrategyID)}
		}
	}
	return snap, nil
}
