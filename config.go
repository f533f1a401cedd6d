// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// Config holds every process-level knob (broker selection, loop cadence, exit
// policy, risk floor, notification and journal targets). Per-account records
// live in the accounts file instead (see accounts.go).
//
// Typical flow (see main.go):
//   loadBotEnv(path, log)
//   cfg := loadConfigFromEnv()
//   if err := cfg.Validate(); err != nil { fatal }
//
// The gate flags are deliberately NOT frozen into the struct: GateSettings()
// re-reads them from the environment on every call, falling back to the
// values captured at boot. KILL_SWITCH is also re-read from the .env file, so
// writing KILL_SWITCH=true there halts new entries without a restart;
// releasing it takes a restart.
package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode is the requested execution mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config holds all runtime knobs for trading and operations.
type Config struct {
	// Execution safety
	Mode          Mode // requested mode; the gate may downgrade it
	KillSwitch    bool
	LiveEnabled   bool // first of the two live confirmations
	LiveConfirmed bool // second of the two live confirmations

	// Broker
	Broker       string // paper | oanda | alpaca
	OandaURL     string
	OandaToken   string
	OandaAccount string // pricing account; defaults to the first active account
	AlpacaKey    string
	AlpacaSecret string
	AlpacaURL    string
	HTTPTimeout  time.Duration

	// Accounts & strategies
	AccountsPath string // file path or doublestar glob

	// Loops
	ScanInterval    time.Duration
	ScanWorkers     int
	AccountTimeout  time.Duration
	MonitorInterval time.Duration

	// Exit policy (percentages: 0.15 means 0.15%)
	Exit ExitPolicy

	// Risk
	MinProfitUSD   float64
	MaxExposureUSD float64 // aggregate margin estimate across accounts; 0 disables
	MarginRate     float64

	// Paper
	PaperBalance float64

	// Caches
	PriceCacheTTL time.Duration
	PriceCacheMax int

	// Notification
	TelegramToken  string
	TelegramChatID string
	SlackWebhook   string
	NotifyTimeout  time.Duration

	// Ops
	Port            int
	JournalDB       string
	LogLevel        string
	LogFormat       string
	HealthInterval  time.Duration
	HealthMaxBackof time.Duration
	ShutdownMaxWait time.Duration
	CloseOnShutdown bool
	EnvFile         string // re-read for KILL_SWITCH on every gate decision; "" skips it
}

// loadConfigFromEnv reads the process env (already hydrated by loadBotEnv())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() Config {
	cfg := Config{
		Mode:          Mode(strings.ToLower(getEnv("TRADING_MODE", string(ModePaper)))),
		KillSwitch:    getEnvBool("KILL_SWITCH", false),
		LiveEnabled:   getEnvBool("LIVE_TRADING_ENABLED", false),
		LiveConfirmed: getEnvBool("LIVE_TRADING_CONFIRMED", false),

		Broker:       strings.ToLower(getEnv("BROKER", "paper")),
		OandaURL:     getEnv("OANDA_API_URL", "https://api-fxpractice.oanda.com"),
		OandaToken:   getEnv("OANDA_API_TOKEN", ""),
		OandaAccount: getEnv("OANDA_ACCOUNT_ID", ""),
		AlpacaKey:    getEnv("ALPACA_API_KEY", ""),
		AlpacaSecret: getEnv("ALPACA_SECRET_KEY", ""),
		AlpacaURL:    getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		HTTPTimeout:  getEnvSeconds("HTTP_TIMEOUT_SEC", 10*time.Second),

		AccountsPath: getEnv("ACCOUNTS_FILE", "config/accounts.yaml"),

		ScanInterval:    getEnvSeconds("SCAN_INTERVAL_SEC", 180*time.Second),
		ScanWorkers:     getEnvInt("SCAN_WORKERS", 4),
		AccountTimeout:  getEnvSeconds("SCAN_ACCOUNT_TIMEOUT_SEC", 15*time.Second),
		MonitorInterval: getEnvSeconds("MONITOR_INTERVAL_SEC", 10*time.Second),

		Exit: ExitPolicy{
			EarlyCloseLossPct:   getEnvFloat("EXIT_EARLY_LOSS_PCT", 0.15),
			MaxLossHold:         time.Duration(getEnvInt("EXIT_MAX_LOSS_HOLD_MIN", 45)) * time.Minute,
			EarlyCloseProfitPct: getEnvFloat("EXIT_QUICK_PROFIT_PCT", 0.60),
			MaxHold:             time.Duration(getEnvInt("EXIT_MAX_HOLD_MIN", 240)) * time.Minute,
			BreakevenAtPct:      getEnvFloat("EXIT_BREAKEVEN_PCT", 0.10),
			TrailPct:            getEnvFloat("EXIT_TRAIL_PCT", 0.10),
		},

		MinProfitUSD:   getEnvFloat("MIN_PROFIT_USD", 1000),
		MaxExposureUSD: getEnvFloat("MAX_EXPOSURE_USD", 0),
		MarginRate:     getEnvFloat("RISK_MARGIN_RATE", defaultMarginRate),

		PaperBalance: getEnvFloat("PAPER_BALANCE", 100000),

		PriceCacheTTL: time.Duration(getEnvInt("PRICE_CACHE_TTL_MS", 2000)) * time.Millisecond,
		PriceCacheMax: getEnvInt("PRICE_CACHE_MAX", 256),

		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
		SlackWebhook:   getEnv("SLACK_WEBHOOK", ""),
		NotifyTimeout:  getEnvSeconds("NOTIFY_TIMEOUT_SEC", 5*time.Second),

		Port:            getEnvInt("PORT", 8080),
		JournalDB:       getEnv("JOURNAL_DB", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		HealthInterval:  getEnvSeconds("HEALTH_INTERVAL_SEC", 30*time.Second),
		HealthMaxBackof: getEnvSeconds("HEALTH_MAX_BACKOFF_SEC", 300*time.Second),
		ShutdownMaxWait: getEnvSeconds("SHUTDOWN_MAX_WAIT_SEC", 600*time.Second),
		CloseOnShutdown: getEnvBool("CLOSE_ON_SHUTDOWN", false),
	}

	ladder, err := parseLadder(getEnv("LADDER_STEPS", "0.20:0.30,0.35:0.30,0.50:0.20"))
	if err == nil {
		cfg.Exit.Ladder = ladder
	}
	return cfg
}

// Validate fails closed: anything that would leave live/paper ambiguous or a
// live broker without credentials is a ConfigurationError.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return &ConfigurationError{Field: "TRADING_MODE", Reason: fmt.Sprintf("must be paper or live, got %q", c.Mode)}
	}
	switch c.Broker {
	case "paper":
		if c.Mode == ModeLive {
			return &ConfigurationError{Field: "BROKER", Reason: "live mode requires a real broker"}
		}
	case "oanda":
		if c.OandaToken == "" || c.OandaURL == "" {
			return &ConfigurationError{Field: "OANDA_API_TOKEN", Reason: "oanda broker requires OANDA_API_URL and OANDA_API_TOKEN"}
		}
	case "alpaca":
		if c.AlpacaKey == "" || c.AlpacaSecret == "" {
			return &ConfigurationError{Field: "ALPACA_API_KEY", Reason: "alpaca broker requires ALPACA_API_KEY and ALPACA_SECRET_KEY"}
		}
	default:
		return &ConfigurationError{Field: "BROKER", Reason: fmt.Sprintf("unknown broker %q", c.Broker)}
	}
	if _, err := parseLadder(getEnv("LADDER_STEPS", "0.20:0.30,0.35:0.30,0.50:0.20")); err != nil {
		return &ConfigurationError{Field: "LADDER_STEPS", Reason: err.Error()}
	}
	for _, key := range []string{"KILL_SWITCH", "LIVE_TRADING_ENABLED", "LIVE_TRADING_CONFIRMED"} {
		if _, _, err := lookupEnvBool(key); err != nil {
			return &ConfigurationError{Field: key, Reason: err.Error()}
		}
	}
	if c.ScanWorkers < 1 {
		return &ConfigurationError{Field: "SCAN_WORKERS", Reason: "must be >= 1"}
	}
	if c.MinProfitUSD < 0 {
		return &ConfigurationError{Field: "MIN_PROFIT_USD", Reason: "must be >= 0"}
	}
	return c.Exit.validate()
}

// GateSettings is what the execution gate evaluates on every decision.
type GateSettings struct {
	KillSwitch    bool
	Requested     Mode
	LiveEnabled   bool
	LiveConfirmed bool
}

// GateSettings re-reads the safety flags from env at call time. The live
// confirmations fall back to false on an unreadable value; the kill switch
// counts as engaged.
func (c *Config) GateSettings() GateSettings {
	return GateSettings{
		KillSwitch:    c.killSwitchEngaged(),
		Requested:     Mode(strings.ToLower(getEnv("TRADING_MODE", string(c.Mode)))),
		LiveEnabled:   getEnvBool("LIVE_TRADING_ENABLED", c.LiveEnabled),
		LiveConfirmed: getEnvBool("LIVE_TRADING_CONFIRMED", c.LiveConfirmed),
	}
}

// killSwitchEngaged is true when the process env or the current env file sets
// KILL_SWITCH, or holds a value that does not parse. The file can only engage
// it: loadBotEnv exported the boot value, which still wins over a later false.
func (c *Config) killSwitchEngaged() bool {
	on, set, err := lookupEnvBool("KILL_SWITCH")
	switch {
	case err != nil:
		return true
	case set && on:
		return true
	case !set && c.KillSwitch:
		return true
	}
	if c.EnvFile == "" {
		return false
	}
	vals, rerr := godotenv.Read(c.EnvFile)
	if rerr != nil {
		return false
	}
	raw, ok := vals["KILL_SWITCH"]
	if !ok || strings.TrimSpace(raw) == "" {
		return false
	}
	fileOn, perr := parseFlag(raw)
	return perr != nil || fileOn
}

// parseLadder parses "at:fraction,at:fraction" (percent move : fraction of
// the original size), sorted by trigger.
func parseLadder(s string) ([]LadderStep, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var steps []LadderStep
	total := 0.0
	for _, part := range strings.Split(s, ",") {
		at, frac, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("ladder step %q: want at:fraction", part)
		}
		a, err := strconv.ParseFloat(strings.TrimSpace(at), 64)
		if err != nil {
			return nil, fmt.Errorf("ladder step %q: %w", part, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(frac), 64)
		if err != nil {
			return nil, fmt.Errorf("ladder step %q: %w", part, err)
		}
		if a <= 0 || f <= 0 || f >= 1 {
			return nil, fmt.Errorf("ladder step %q: trigger must be > 0 and fraction in (0,1)", part)
		}
		total += f
		steps = append(steps, LadderStep{AtPct: a, Fraction: f})
	}
	if total >= 1 {
		return nil, fmt.Errorf("ladder fractions sum to %.2f; the remainder must stay open for trailing", total)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].AtPct < steps[j].AtPct })
	return steps, nil
}
