// FILE: env.go
// Package main – Environment helpers for the trading bot.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, floats, bools, durations in seconds).
//   2) loadBotEnv, which reads the bot's .env file via godotenv and sets only
//      the keys the bot knows about, never overriding an exported variable.
//
// Notes:
//   • The bot never requires `export $(cat .env ...)`.
//   • Dashboard/deploy secrets that share the file are ignored.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v, set, err := lookupEnvBool(key)
	if !set || err != nil {
		return def
	}
	return v
}

// lookupEnvBool reports whether key is set and, if so, whether it parses as a
// flag. Callers that guard money decide for themselves what an unreadable
// value means.
func lookupEnvBool(key string) (val, set bool, err error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false, nil
	}
	val, err = parseFlag(raw)
	return val, true, err
}

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "y", "yes", "on":
		return true, nil
	case "0", "false", "n", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a boolean flag", raw)
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvSeconds reads an integer number of seconds; non-positive falls back to def.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	n := getEnvInt(key, 0)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// --------- .env loader (bot-only) ---------

// botEnvPrefixes are the key families the bot reads; anything else in the
// file is left alone.
var botEnvPrefixes = []string{
	"TRADING_", "LIVE_TRADING_", "KILL_SWITCH", "BROKER", "OANDA_", "ALPACA_",
	"ACCOUNTS_", "SCAN_", "MONITOR_", "EXIT_", "LADDER_", "MIN_PROFIT", "MAX_",
	"RISK_", "PAPER_", "TELEGRAM_", "SLACK_", "NOTIFY_", "JOURNAL_", "LOG_",
	"PORT", "HEALTH_", "SHUTDOWN_", "CLOSE_ON_SHUTDOWN", "PRICE_CACHE_", "HTTP_",
}

func wantedEnvKey(key string) bool {
	for _, p := range botEnvPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// loadBotEnv reads path and exports the bot's keys that are not already set.
// A missing file is not an error; the process env is used as-is.
func loadBotEnv(path string, log *zap.Logger) {
	vals, err := godotenv.Read(path)
	if err != nil {
		log.Info("[BOOT] env file not found, relying on process env", zap.String("path", path))
		return
	}
	n := 0
	for key, val := range vals {
		if !wantedEnvKey(key) {
			continue
		}
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
			n++
		}
	}
	log.Info("[BOOT] env loaded", zap.String("path", path), zap.Int("keys", n))
}
