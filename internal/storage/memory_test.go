package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/market"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quoteSet(t *testing.T) market.QuoteSet {
	t.Helper()
	vol := decimal.NewFromInt(10)
	a, err := market.NewQuote("Kraken", "USDY", decimal.RequireFromString("1.0012"), decimal.RequireFromString("1.0020"), &vol, t0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := market.NewQuote("Bybit", "USDY", decimal.RequireFromString("1.0008"), decimal.RequireFromString("1.0018"), nil, t0)
	if err != nil {
		t.Fatal(err)
	}
	return market.QuoteSet{a, b}
}

func TestMemoryStoreSnapshot(t *testing.T) {
	m := NewMemoryStore()
	m.now = func() time.Time { return t0 }
	ctx := context.Background()

	set := quoteSet(t)
	if err := m.StoreSnapshot(ctx, "usdy", market.ComputeBest(set), set); err != nil {
		t.Fatal(err)
	}
	rec, ok := m.LatestBestPrice("USDY")
	if !ok {
		t.Fatal("应保存最优价格")
	}
	if rec.BestBidVenue != "Kraken" || rec.BestAskVenue != "Bybit" || !rec.SpreadPct.Equal(decimal.RequireFromString("0.0599")) {
		t.Fatalf("最优价格记录错误: %+v", rec)
	}
	if hist := m.QuoteHistory("USDY"); len(hist) != 2 || hist[0].Volume24h == nil {
		t.Fatalf("报价历史错误: %+v", hist)
	}

	// no-data cycle clears the live row but keeps history
	if err := m.StoreSnapshot(ctx, "USDY", market.BestPrice{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.LatestBestPrice("USDY"); ok {
		t.Fatal("无数据周期后不应有最新价格")
	}
	if len(m.QuoteHistory("USDY")) != 2 || m.SnapshotCount() != 2 {
		t.Fatal("历史应保留")
	}
}

func TestMemoryStoreSubscriptions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	b := alerting.DefaultBounds()

	a, _ := alerting.NewSubscription("a@example.com", "USDY", decimal.NewFromInt(2), time.Hour, b, t0)
	c, _ := alerting.NewSubscription("c@example.com", "PAXG", decimal.NewFromInt(3), time.Hour, b, t0.Add(time.Minute))
	for _, s := range []alerting.Subscription{a, c} {
		if err := m.SaveSubscription(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	paused, _ := c.Pause(t0)
	_ = m.SaveSubscription(ctx, paused)

	active, err := m.ListActive(ctx)
	if err != nil || len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("活跃订阅错误: %+v %v", active, err)
	}

	_ = m.SaveSubscription(ctx, a.Delete(t0))
	all, _ := m.ListSubscriptions(ctx, SubscriptionFilter{})
	if len(all) != 1 {
		t.Fatalf("默认不应列出已删除订阅: %d", len(all))
	}
	withDeleted, _ := m.ListSubscriptions(ctx, SubscriptionFilter{IncludeDeleted: true, Owner: "a@example.com"})
	if len(withDeleted) != 1 || withDeleted[0].Status != alerting.StatusDeleted {
		t.Fatalf("逻辑删除的订阅应保留: %+v", withDeleted)
	}

	if _, err := m.GetSubscription(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestMemoryStoreMarkTriggeredOnlyWhileActive(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	sub, _ := alerting.NewSubscription("a@example.com", "USDY", decimal.NewFromInt(2), time.Hour, alerting.DefaultBounds(), t0)
	_ = m.SaveSubscription(ctx, sub)

	ok, err := m.MarkTriggered(ctx, sub.ID, t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("活跃订阅应可标记触发: %v %v", ok, err)
	}
	got, _ := m.GetSubscription(ctx, sub.ID)
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("触发时间错误: %v", got.LastTriggeredAt)
	}

	_ = m.SaveSubscription(ctx, got.Delete(t0.Add(2*time.Minute)))
	ok, err = m.MarkTriggered(ctx, sub.ID, t0.Add(3*time.Minute))
	if err != nil || ok {
		t.Fatalf("已删除订阅不应被标记: %v %v", ok, err)
	}
	got, _ = m.GetSubscription(ctx, sub.ID)
	if got.Status != alerting.StatusDeleted || !got.LastTriggeredAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("删除状态应保持: %+v", got)
	}

	if ok, _ := m.MarkTriggered(ctx, "missing", t0); ok {
		t.Fatal("未知订阅不应被标记")
	}
}

func TestMemoryStoreEvaluationStatesSkipDeleted(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	sub, _ := alerting.NewSubscription("a@example.com", "USDY", decimal.NewFromInt(2), time.Hour, alerting.DefaultBounds(), t0)
	_ = m.SaveSubscription(ctx, sub)
	_ = m.SaveEvaluationState(ctx, EvaluationState{SubscriptionID: sub.ID, PreviousSpread: decimal.RequireFromString("2.5"), EvaluatedAt: t0})

	states, _ := m.LoadEvaluationStates(ctx)
	if len(states) != 1 || !states[0].PreviousSpread.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("评估状态错误: %+v", states)
	}

	_ = m.SaveSubscription(ctx, sub.Delete(t0))
	if states, _ := m.LoadEvaluationStates(ctx); len(states) != 0 {
		t.Fatal("已删除订阅的状态不应加载")
	}
}

func TestMemoryStoreAlertEvents(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	ev := alerting.TriggerEvent{ID: "e1", SubscriptionID: "s1", Asset: "USDY", TriggeredAt: t0}

	_ = m.InsertAlertEvent(ctx, NewAlertEvent(ev, []string{"log"}, nil))
	_ = m.InsertAlertEvent(ctx, NewAlertEvent(ev, []string{"log"}, nil))
	ev2 := ev
	ev2.ID, ev2.TriggeredAt = "e2", t0.Add(time.Hour)
	_ = m.InsertAlertEvent(ctx, NewAlertEvent(ev2, []string{"email"}, errors.New("smtp down")))

	recent, _ := m.ListRecentAlertEvents(ctx, 10)
	if len(recent) != 2 || recent[0].ID != "e2" {
		t.Fatalf("告警事件错误: %+v", recent)
	}
	if recent[0].Delivered || recent[0].Error == nil {
		t.Fatal("投递失败应被记录")
	}

	_ = m.DeleteAlertEventsBefore(ctx, t0.Add(time.Minute))
	if recent, _ := m.ListRecentAlertEvents(ctx, 10); len(recent) != 1 {
		t.Fatalf("清理后应剩 1 条, 实际 %d", len(recent))
	}
}

type failingSink struct{ calls int }

func (f *failingSink) StoreSnapshot(context.Context, string, market.BestPrice, market.QuoteSet) error {
	f.calls++
	return errors.New("down")
}

func TestMultiSinkAttemptsAll(t *testing.T) {
	bad := &failingSink{}
	mem := NewMemoryStore()
	sink := NewMultiSink(bad, nil, mem)

	set := quoteSet(t)
	if err := sink.StoreSnapshot(context.Background(), "USDY", market.ComputeBest(set), set); err == nil {
		t.Fatal("应返回失败 sink 的错误")
	}
	if mem.SnapshotCount() != 1 || bad.calls != 1 {
		t.Fatal("所有 sink 都应被调用")
	}
}
