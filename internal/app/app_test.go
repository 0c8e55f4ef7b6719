package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/cache"
	"spread-alerts/internal/config"
	"spread-alerts/internal/storage"
	"spread-alerts/internal/venue"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "spreadwatch.db")},
		Pricing: config.PricingConfig{
			Assets:           []string{"USDY"},
			Staleness:        time.Minute,
			VenueTimeout:     time.Second,
			FailureThreshold: 3,
		},
		Scheduler: config.SchedulerConfig{FetchInterval: time.Second, AlertInterval: time.Second, Workers: 1},
		Venues: config.VenuesConfig{
			Static: []config.StaticVenueConfig{
				{Name: "OTC", Levels: map[string]config.StaticLevel{"usdy": {Bid: "1.00", Ask: "1.02"}}},
				{Name: "Desk", Levels: map[string]config.StaticLevel{"usdy": {Bid: "1.01", Ask: "1.03"}}},
			},
		},
		Alerting: config.AlertingConfig{
			Enabled:         true,
			ThresholdMin:    0.5,
			ThresholdMax:    10,
			DefaultCooldown: time.Hour,
			MaxCooldown:     168 * time.Hour,
			Channels:        []string{"log", "telegram"},
		},
	}
}

func TestQuotePrintsBestPrice(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	var out bytes.Buffer
	if err := a.Quote(context.Background(), "usdy", &out); err != nil {
		t.Fatalf("quote 失败: %v", err)
	}
	got := out.String()
	// best bid Desk 1.01, best ask OTC 1.02
	if !strings.Contains(got, "best bid 1.01 @ Desk") || !strings.Contains(got, "best ask 1.02 @ OTC") {
		t.Fatalf("最优价格输出错误:\n%s", got)
	}
	if !strings.Contains(got, "0.9852%") {
		t.Fatalf("价差输出错误:\n%s", got)
	}

	out.Reset()
	if err := a.Quote(context.Background(), "PAXG", &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no fresh quotes") {
		t.Fatalf("无报价应明确输出:\n%s", out.String())
	}
}

func TestAlertLifecycle(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	ctx := context.Background()
	var out bytes.Buffer

	err := a.AddAlert(ctx, AddAlertOptions{Owner: "ops@example.com", Asset: "usdy", Threshold: decimal.NewFromInt(2)}, &out)
	if err != nil {
		t.Fatalf("新增订阅失败: %v", err)
	}
	if err := a.AddAlert(ctx, AddAlertOptions{Owner: "ops@example.com", Asset: "usdy", Threshold: decimal.NewFromInt(50)}, &out); err == nil {
		t.Fatal("超出范围的阈值应被拒绝")
	}

	store, err := a.openPersistentStore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	subs, _ := store.ListSubscriptions(ctx, storage.SubscriptionFilter{})
	_ = store.Close()
	if len(subs) != 1 || subs[0].Cooldown != time.Hour {
		t.Fatalf("订阅应使用默认冷却: %+v", subs)
	}
	id := subs[0].ID

	if err := a.SetAlertThreshold(ctx, id, decimal.NewFromInt(3), &out); err != nil {
		t.Fatalf("修改阈值失败: %v", err)
	}
	if err := a.SetAlertThreshold(ctx, id, decimal.NewFromInt(50), &out); err == nil {
		t.Fatal("超出范围的新阈值应被拒绝")
	}

	if err := a.SetAlertStatus(ctx, id, alerting.StatusPaused, &out); err != nil {
		t.Fatalf("暂停失败: %v", err)
	}
	if err := a.SetAlertStatus(ctx, id, alerting.StatusDeleted, &out); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if err := a.SetAlertStatus(ctx, id, alerting.StatusActive, &out); err == nil {
		t.Fatal("已删除订阅不能重新激活")
	}
	if err := a.SetAlertThreshold(ctx, id, decimal.NewFromInt(4), &out); !errors.Is(err, alerting.ErrDeleted) {
		t.Fatalf("已删除订阅不能修改阈值: %v", err)
	}

	out.Reset()
	if err := a.ListAlerts(ctx, storage.SubscriptionFilter{IncludeDeleted: true}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), string(alerting.StatusDeleted)) {
		t.Fatalf("列表应包含已删除订阅:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "USDY   3 ") {
		t.Fatalf("列表应显示新阈值:\n%s", out.String())
	}
}

func TestListAlertsShowsCooldownEnd(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	ctx := context.Background()

	if err := a.AddAlert(ctx, AddAlertOptions{Owner: "ops@example.com", Asset: "USDY", Threshold: decimal.NewFromInt(2)}, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	subs, _ := store.ListSubscriptions(ctx, storage.SubscriptionFilter{})
	at := time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Second)
	if ok, err := store.MarkTriggered(ctx, subs[0].ID, at); err != nil || !ok {
		t.Fatalf("标记触发失败: %v %v", ok, err)
	}
	_ = store.Close()

	var out bytes.Buffer
	if err := a.ListAlerts(ctx, storage.SubscriptionFilter{}, &out); err != nil {
		t.Fatal(err)
	}
	want := at.Add(time.Hour).Format(time.RFC3339)
	if !strings.Contains(out.String(), "Quiet Until") || !strings.Contains(out.String(), want) {
		t.Fatalf("列表应显示冷却结束时间 %s:\n%s", want, out.String())
	}
}

func TestPrintSnapshot(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printSnapshot(&out, cache.Snapshot{
		Asset: "USDY", BestBidVenue: "Desk", BestBid: "1.01", BestAskVenue: "OTC", BestAsk: "1.02",
		SpreadPct: "0.9852", Venues: 2, TsMs: ts.UnixMilli(),
		Quotes: []cache.QuoteRecord{{Venue: "Desk", Bid: "1.01", Ask: "1.03", ObservedMs: ts.UnixMilli()}},
	})
	got := out.String()
	if !strings.Contains(got, "best bid 1.01 @ Desk") || !strings.Contains(got, "spread 0.9852%") || !strings.Contains(got, "2025-03-01T12:00:00Z") {
		t.Fatalf("缓存输出错误:\n%s", got)
	}

	out.Reset()
	printSnapshot(&out, cache.Snapshot{Asset: "USDY", Empty: true, TsMs: ts.UnixMilli()})
	if !strings.Contains(out.String(), "no fresh quotes") {
		t.Fatalf("空快照应明确输出:\n%s", out.String())
	}
}

func TestCachedQuoteRequiresRedis(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	if err := a.CachedQuote(context.Background(), "USDY", &bytes.Buffer{}); err == nil {
		t.Fatal("未启用 redis 时应报错")
	}
}

func TestAlertCommandsRequirePersistentStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = ""
	a := NewApp(cfg, zerolog.Nop())
	if err := a.ListAlerts(context.Background(), storage.SubscriptionFilter{}, &bytes.Buffer{}); err == nil {
		t.Fatal("内存存储下应拒绝管理订阅")
	}
}

func TestSimulateAlertTriggers(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	prev := decimal.RequireFromString("2.5")
	var out bytes.Buffer
	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Asset:     "USDY",
		Owner:     "ops@example.com",
		Threshold: decimal.NewFromInt(2),
		Previous:  &prev,
		Levels: map[string]venue.Level{
			"Kraken": {Bid: decimal.RequireFromString("1.00"), Ask: decimal.RequireFromString("1.01")},
		},
	}, &out)
	if err != nil {
		t.Fatalf("模拟失败: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "alert triggered") {
		t.Fatalf("应触发告警:\n%s", out.String())
	}
}

func TestNewNotifierSkipsDisabledChannels(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	n := a.newNotifier()
	if n.Len() != 1 || n.Names()[0] != "log" {
		t.Fatalf("未启用的 telegram 应被跳过: %v", n.Names())
	}
}

func TestVenuesMarksTrackedAssets(t *testing.T) {
	a := NewApp(testConfig(t), zerolog.Nop())
	var out bytes.Buffer
	if err := a.Venues(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "OTC") || !strings.Contains(out.String(), "USDY*") {
		t.Fatalf("场所列表错误:\n%s", out.String())
	}
}
