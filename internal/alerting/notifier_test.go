package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testEvent() TriggerEvent {
	return TriggerEvent{
		ID:             "evt-1",
		SubscriptionID: "sub-1",
		Owner:          "trader@example.com",
		Asset:          "USDY",
		Threshold:      decimal.NewFromInt(2),
		Spread:         decimal.RequireFromString("1.8"),
		Venues:         2,
		BestBid:        PriceLevel{Venue: "Kraken", Price: decimal.RequireFromString("1.0012"), TradeURL: "https://kraken.example/USDY"},
		BestAsk:        PriceLevel{Venue: "Bybit", Price: decimal.RequireFromString("1.0018")},
		TriggeredAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "1.8000%") || !strings.Contains(text, "Kraken") {
		t.Fatalf("消息内容不完整: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testEvent()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestEmailNotifierPostmark(t *testing.T) {
	var got postmarkMessage
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Postmark-Server-Token")
		if r.URL.Path != "/email" {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"ErrorCode": 0, "MessageID": "m-1"})
	}))
	defer srv.Close()

	n := NewEmailNotifier(EmailOptions{ServerToken: "pm-token", From: "alerts@example.com", BaseURL: srv.URL}, testLogger())
	if err := n.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("邮件发送应成功: %v", err)
	}
	if token != "pm-token" {
		t.Fatalf("缺少 Postmark token 头: %q", token)
	}
	if got.To != "trader@example.com" || got.MessageStream != "outbound" {
		t.Fatalf("收件人或消息流错误: %+v", got)
	}
	if !strings.Contains(got.HTMLBody, "Sell on Kraken") || got.TextBody == "" {
		t.Fatalf("邮件正文不完整: %+v", got)
	}
}

func TestEmailNotifierPostmarkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"ErrorCode": 300, "Message": "Invalid email request"})
	}))
	defer srv.Close()

	n := NewEmailNotifier(EmailOptions{ServerToken: "pm-token", BaseURL: srv.URL}, testLogger())
	err := n.Notify(context.Background(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "Invalid email request") {
		t.Fatalf("Postmark 错误应返回, 实际 %v", err)
	}
}

func TestEmailNotifierDevModeLogsOnly(t *testing.T) {
	n := NewEmailNotifier(EmailOptions{BaseURL: "http://127.0.0.1:0"}, testLogger())
	if err := n.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("未配置 token 时只记录日志, 不应报错: %v", err)
	}
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Notify(context.Context, TriggerEvent) error {
	s.calls++
	return s.err
}

func TestMultiNotifierContinuesAfterFailure(t *testing.T) {
	bad := &stubNotifier{err: errors.New("down")}
	good := &stubNotifier{}
	m := NewMultiNotifier(testLogger(), Channel{Name: "email", Notifier: bad}, Channel{Name: "log", Notifier: good})

	err := m.Notify(context.Background(), testEvent())
	if err == nil || !strings.Contains(err.Error(), "email") {
		t.Fatalf("应返回失败渠道的错误: %v", err)
	}
	if good.calls != 1 {
		t.Fatal("一个渠道失败不应阻止其它渠道")
	}
	if strings.Join(m.Names(), ",") != "email,log" {
		t.Fatalf("渠道名称错误: %v", m.Names())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
