package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTelegramSink(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSink("TOKEN", "42", time.Second)
	s.baseURL = srv.URL
	res := s.Send(context.Background(), "hello")
	if !res.Delivered || res.Err != nil {
		t.Fatalf("expected delivery, got %+v", res)
	}
	if got["chat_id"] != "42" || got["text"] != "hello" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestTelegramSinkNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSink("TOKEN", "42", time.Second)
	s.baseURL = srv.URL
	res := s.Send(context.Background(), "hello")
	if res.Delivered || res.Err == nil || !strings.Contains(res.Err.Error(), "chat not found") {
		t.Errorf("expected a not-ok failure, got %+v", res)
	}
}

func TestSlackSinkStatus(t *testing.T) {
	tests := []struct {
		status        int
		wantDelivered bool
		wantTransient bool
	}{
		{http.StatusOK, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusServiceUnavailable, false, true},
		{http.StatusTooManyRequests, false, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		res := NewSlackSink(srv.URL, time.Second).Send(context.Background(), "x")
		srv.Close()
		if res.Delivered != tt.wantDelivered {
			t.Errorf("status %d: expected delivered=%v, got %+v", tt.status, tt.wantDelivered, res)
		}
		if IsTransient(res.Err) != tt.wantTransient {
			t.Errorf("status %d: expected transient=%v, got %v", tt.status, tt.wantTransient, res.Err)
		}
	}
}

type failingSink struct{}

func (failingSink) Send(context.Context, string) NotifyResult {
	return NotifyResult{Sink: "broken", Err: &TransientAPIError{Op: "send", Err: context.DeadlineExceeded}}
}

func TestMultiSinkDeliveredIfAny(t *testing.T) {
	m := &MultiSink{log: zap.NewNop(), sinks: []NotificationSink{failingSink{}, LogSink{log: zap.NewNop()}}}
	res := m.Send(context.Background(), "summary")
	if !res.Delivered {
		t.Error("expected delivered when one sink succeeds")
	}
	if res.Err == nil {
		t.Error("expected the failing sink's error to be reported")
	}

	m = &MultiSink{log: zap.NewNop(), sinks: []NotificationSink{failingSink{}}}
	if res := m.Send(context.Background(), "summary"); res.Delivered {
		t.Error("expected not delivered when every sink fails")
	}
}

func TestFormatCycleSummary(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	rep := CycleReport{
		Started:  start,
		Finished: start.Add(1500 * time.Millisecond),
		Decision: ExecutionDecision{Mode: ModePaper, Allowed: true},
		Accounts: []AccountReport{
			{AccountID: "b", StrategyID: "fx-conservative", SignalsGenerated: 1, Rejected: 1, Reasons: []string{"EUR_USD: below floor"}},
			{AccountID: "a", StrategyID: "fx-aggressive", SignalsGenerated: 1, TradesExecuted: 1, Errors: []string{"GBP_USD: no price"}},
		},
	}
	out := FormatCycleSummary(rep)
	for _, want := range []string{
		"Scan 09:30:00Z [paper] 2 accounts: 2 signals, 1 trades, 1 rejected, 1 errors (1.5s)",
		"- a (fx-aggressive): 1 sig / 1 exec / 0 rej",
		"error: GBP_USD: no price",
		"EUR_USD: below floor",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "- a (") > strings.Index(out, "- b (") {
		t.Error("accounts should be listed in id order")
	}
	if strings.Contains(out, "no opportunities") {
		t.Error("busy cycle flagged as quiet")
	}
}

func TestNewNotifierAlwaysLogs(t *testing.T) {
	n := NewNotifier(Config{}, zap.NewNop())
	if res := n.Send(context.Background(), "x"); !res.Delivered {
		t.Errorf("log sink should always deliver, got %+v", res)
	}
	m := NewNotifier(Config{TelegramToken: "t", TelegramChatID: "c", SlackWebhook: "http://127.0.0.1:0"}, zap.NewNop()).(*MultiSink)
	if len(m.sinks) != 3 {
		t.Errorf("expected log, telegram and slack sinks, got %d", len(m.sinks))
	}
}
