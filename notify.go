// FILE: notify.go
// Package main – Notification sinks for cycle summaries.
//
// Sinks never panic or return errors into trading control flow: Send returns a
// NotifyResult that the caller logs and counts. Each send is bounded by the
// context deadline (NOTIFY_TIMEOUT_SEC) and is not retried.
//
//   • TelegramSink – Bot API sendMessage
//   • SlackSink    – incoming webhook {"text": ...}
//   • LogSink      – writes the summary to the zap logger (always on)
//   • MultiSink    – fans out; delivered if any sink delivered
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NotifyResult is the explicit outcome of a send.
type NotifyResult struct {
	Sink      string
	Delivered bool
	Err       error
}

type NotificationSink interface {
	Send(ctx context.Context, text string) NotifyResult
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) (int, []byte, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, rb, nil
}

// TelegramSink posts to a chat through the Bot API.
type TelegramSink struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

func NewTelegramSink(token, chatID string, timeout time.Duration) *TelegramSink {
	return &TelegramSink{token: token, chatID: chatID, baseURL: "https://api.telegram.org", client: &http.Client{Timeout: timeout}}
}

func (t *TelegramSink) Send(ctx context.Context, text string) NotifyResult {
	res := NotifyResult{Sink: "telegram"}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)
	status, body, err := postJSON(ctx, t.client, url, map[string]any{"chat_id": t.chatID, "text": text})
	if err != nil {
		res.Err = &TransientAPIError{Op: "telegram sendMessage", Err: err}
		return res
	}
	if status != http.StatusOK {
		res.Err = transientFromStatus("telegram sendMessage", status, string(body))
		return res
	}
	var ack struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &ack); err != nil || !ack.OK {
		res.Err = fmt.Errorf("telegram sendMessage: not ok: %s", ack.Description)
		return res
	}
	res.Delivered = true
	return res
}

// SlackSink posts to an incoming webhook.
type SlackSink struct {
	hook   string
	client *http.Client
}

func NewSlackSink(hook string, timeout time.Duration) *SlackSink {
	return &SlackSink{hook: hook, client: &http.Client{Timeout: timeout}}
}

func (s *SlackSink) Send(ctx context.Context, text string) NotifyResult {
	res := NotifyResult{Sink: "slack"}
	status, body, err := postJSON(ctx, s.client, s.hook, map[string]string{"text": text})
	if err != nil {
		res.Err = &TransientAPIError{Op: "slack webhook", Err: err}
		return res
	}
	if status < 200 || status >= 300 {
		res.Err = transientFromStatus("slack webhook", status, string(body))
		return res
	}
	res.Delivered = true
	return res
}

// LogSink writes the text to the logger.
type LogSink struct{ log *zap.Logger }

func (l LogSink) Send(_ context.Context, text string) NotifyResult {
	l.log.Info("[NOTIFY] " + text)
	return NotifyResult{Sink: "log", Delivered: true}
}

// MultiSink sends to every sink.
type MultiSink struct {
	sinks []NotificationSink
	log   *zap.Logger
}

func (m *MultiSink) Send(ctx context.Context, text string) NotifyResult {
	res := NotifyResult{Sink: "multi"}
	var errs []error
	for _, s := range m.sinks {
		r := s.Send(ctx, text)
		if r.Delivered {
			res.Delivered = true
			mtxNotify.WithLabelValues(r.Sink, "ok").Inc()
			continue
		}
		mtxNotify.WithLabelValues(r.Sink, "failed").Inc()
		m.log.Warn("[NOTIFY] send failed", zap.String("sink", r.Sink), zap.Error(r.Err))
		errs = append(errs, fmt.Errorf("%s: %w", r.Sink, r.Err))
	}
	res.Err = errors.Join(errs...)
	return res
}

// NewNotifier builds the configured sinks. The log sink is always present so
// every cycle summary lands somewhere.
func NewNotifier(cfg Config, log *zap.Logger) NotificationSink {
	m := &MultiSink{log: log, sinks: []NotificationSink{LogSink{log: log}}}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		m.sinks = append(m.sinks, NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotifyTimeout))
	}
	if cfg.SlackWebhook != "" {
		m.sinks = append(m.sinks, NewSlackSink(cfg.SlackWebhook, cfg.NotifyTimeout))
	}
	return m
}

// FormatCycleSummary renders a plain-text cycle summary. Zero-signal cycles
// still produce a message so silence means the bot is not running.
func FormatCycleSummary(r CycleReport) string {
	sig, trades, rej, errs := r.Totals()
	var b strings.Builder
	fmt.Fprintf(&b, "Scan %s [%s] %d accounts: %d signals, %d trades, %d rejected, %d errors (%s)",
		r.Started.UTC().Format("15:04:05Z"), r.Decision.Mode, len(r.Accounts), sig, trades, rej, errs,
		r.Finished.Sub(r.Started).Round(time.Millisecond))
	if !r.Decision.Allowed {
		fmt.Fprintf(&b, "\nEXECUTION BLOCKED: %s", r.Decision.Reason)
	}
	if r.ConfigErr != "" {
		fmt.Fprintf(&b, "\nconfig: %s", r.ConfigErr)
	}
	accts := append([]AccountReport(nil), r.Accounts...)
	sort.Slice(accts, func(i, j int) bool { return accts[i].AccountID < accts[j].AccountID })
	for _, a := range accts {
		fmt.Fprintf(&b, "\n- %s (%s): %d sig / %d exec / %d rej", a.AccountID, a.StrategyID, a.SignalsGenerated, a.TradesExecuted, a.Rejected)
		for _, reason := range a.Reasons {
			fmt.Fprintf(&b, "\n    %s", reason)
		}
		for _, e := range a.Errors {
			fmt.Fprintf(&b, "\n    error: %s", e)
		}
	}
	if sig == 0 && errs == 0 {
		b.WriteString("\nno opportunities this cycle")
	}
	return b.String()
}
