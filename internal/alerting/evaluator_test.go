package alerting

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEvaluator(c *clock) *Evaluator {
	e := NewEvaluator(testLogger())
	e.SetClock(c.Now)
	return e
}

func testSub(t *testing.T, threshold string, cooldown time.Duration) Subscription {
	t.Helper()
	sub, err := NewSubscription("Trader@Example.com", "usdy", decimal.RequireFromString(threshold), cooldown, DefaultBounds(), t0)
	if err != nil {
		t.Fatalf("创建订阅失败: %v", err)
	}
	return sub
}

// bestWithSpread builds a single-venue result whose spread is exactly pct.
func bestWithSpread(t *testing.T, pct string) market.BestPrice {
	t.Helper()
	q, err := market.NewQuote("Kraken", "USDY", decimal.NewFromInt(1), decimal.NewFromInt(1), nil, t0)
	if err != nil {
		t.Fatalf("构造报价失败: %v", err)
	}
	sp := market.SpreadFromPercentage(decimal.RequireFromString(pct))
	return market.BestPrice{Asset: "USDY", BestBid: &q, BestAsk: &q, Spread: sp, Venues: 1}
}

func TestEvaluatorCrossingScenario(t *testing.T) {
	c := &clock{now: t0}
	e := newTestEvaluator(c)
	sub := testSub(t, "2.0", time.Hour)
	e.Seed(sub.ID, decimal.RequireFromString("2.5"))

	d := e.Evaluate(sub, bestWithSpread(t, "1.8"))
	if !d.Trigger || d.Reason != ReasonCrossedBelow {
		t.Fatalf("2.5 -> 1.8 应触发: %+v", d)
	}
	if d.Event == nil || d.Event.Asset != "USDY" || d.Event.BestBid.Venue != "Kraken" {
		t.Fatalf("告警事件内容错误: %+v", d.Event)
	}
	sub = d.Subscription
	if sub.LastTriggeredAt == nil || !sub.LastTriggeredAt.Equal(t0) {
		t.Fatal("触发后应记录触发时间")
	}

	c.Advance(5 * time.Minute)
	d = e.Evaluate(sub, bestWithSpread(t, "1.5"))
	if d.Trigger || d.Reason != ReasonCooldown {
		t.Fatalf("冷却期内不应触发: %+v", d)
	}

	c.Advance(2 * time.Hour)
	d = e.Evaluate(sub, bestWithSpread(t, "1.5"))
	if d.Trigger || d.Reason != ReasonStillBelow {
		t.Fatalf("冷却结束但没有新的穿越, 不应再次触发: %+v", d)
	}
}

func TestEvaluatorFirstObservation(t *testing.T) {
	c := &clock{now: t0}
	e := newTestEvaluator(c)

	below := testSub(t, "2.0", time.Hour)
	if d := e.Evaluate(below, bestWithSpread(t, "1.0")); !d.Trigger || d.Reason != ReasonFirstBelow {
		t.Fatalf("首次观察已低于阈值应触发: %+v", d)
	}

	above := testSub(t, "2.0", time.Hour)
	if d := e.Evaluate(above, bestWithSpread(t, "3.0")); d.Trigger {
		t.Fatalf("首次观察高于阈值不应触发: %+v", d)
	}
	if d := e.Evaluate(above, bestWithSpread(t, "2.0")); d.Trigger {
		t.Fatal("等于阈值不算低于")
	}
	if d := e.Evaluate(above, bestWithSpread(t, "1.9999")); !d.Trigger {
		t.Fatal("从 >= 阈值穿越到 < 阈值应触发")
	}
}

func TestEvaluatorSkipsInactive(t *testing.T) {
	e := newTestEvaluator(&clock{now: t0})
	sub := testSub(t, "2.0", time.Hour)
	paused, err := sub.Pause(t0)
	if err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(paused, bestWithSpread(t, "1.0"))
	if d.Trigger || d.MemoryUpdated || d.Reason != ReasonInactive {
		t.Fatalf("暂停的订阅不应评估: %+v", d)
	}
	if _, ok := e.Previous(sub.ID); ok {
		t.Fatal("暂停的订阅不应写入记忆")
	}

	deleted := sub.Delete(t0)
	if _, err := deleted.Activate(t0); !errors.Is(err, ErrDeleted) {
		t.Fatalf("已删除订阅不可恢复: %v", err)
	}
}

func TestEvaluatorNoDataLeavesStateUntouched(t *testing.T) {
	c := &clock{now: t0}
	e := newTestEvaluator(c)
	sub := testSub(t, "2.0", time.Hour)
	e.Seed(sub.ID, decimal.RequireFromString("2.5"))

	d := e.Evaluate(sub, market.BestPrice{})
	if d.Trigger || d.MemoryUpdated || d.Reason != ReasonNoData {
		t.Fatalf("无数据周期应跳过: %+v", d)
	}
	if d.Subscription.LastTriggeredAt != nil {
		t.Fatal("无数据不应消耗冷却")
	}
	prev, ok := e.Previous(sub.ID)
	if !ok || !prev.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("无数据不应覆盖记忆: %s", prev)
	}

	// the crossing is still detected on the next real reading
	if d := e.Evaluate(sub, bestWithSpread(t, "1.8")); !d.Trigger {
		t.Fatal("恢复数据后应检测到穿越")
	}
}

func TestEvaluatorNeverTriggersTwiceWithinCooldown(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 50; round++ {
		c := &clock{now: t0}
		e := newTestEvaluator(c)
		cooldown := time.Duration(1+rng.Intn(6)) * time.Hour
		sub := testSub(t, "2.0", cooldown)

		var last *time.Time
		for step := 0; step < 200; step++ {
			c.Advance(time.Duration(1+rng.Intn(60)) * time.Minute)
			var best market.BestPrice
			if rng.Intn(10) > 0 {
				best = bestWithSpread(t, decimal.NewFromFloat(rng.Float64()*4).StringFixed(4))
			}
			d := e.Evaluate(sub, best)
			if !d.Trigger {
				continue
			}
			if last != nil && c.now.Sub(*last) < cooldown {
				t.Fatalf("冷却期内重复触发: last=%s now=%s cooldown=%s", last, c.now, cooldown)
			}
			now := c.now
			last = &now
			sub = d.Subscription
		}
	}
}

func TestEvaluatorConcurrentSubscriptions(t *testing.T) {
	e := newTestEvaluator(&clock{now: t0})
	subs := make([]Subscription, 32)
	for i := range subs {
		subs[i] = testSub(t, "2.0", time.Hour)
	}
	best := bestWithSpread(t, "1.0")

	var wg sync.WaitGroup
	triggered := make([]bool, len(subs))
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			triggered[i] = e.Evaluate(subs[i], best).Trigger
		}(i)
	}
	wg.Wait()

	for i, ok := range triggered {
		if !ok {
			t.Fatalf("订阅 %d 首次低于阈值应触发", i)
		}
	}
}

func TestNewSubscriptionValidation(t *testing.T) {
	b := DefaultBounds()
	if _, err := NewSubscription("not-an-email", "USDY", decimal.NewFromInt(1), time.Hour, b, t0); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("非法邮箱应被拒绝: %v", err)
	}
	if _, err := NewSubscription("a@b.co", "USDY", decimal.RequireFromString("0.4"), time.Hour, b, t0); !errors.Is(err, ErrThresholdOutOfRange) {
		t.Fatalf("阈值过低应被拒绝: %v", err)
	}
	if _, err := NewSubscription("a@b.co", "USDY", decimal.NewFromInt(11), time.Hour, b, t0); !errors.Is(err, ErrThresholdOutOfRange) {
		t.Fatalf("阈值过高应被拒绝: %v", err)
	}
	if _, err := NewSubscription("a@b.co", "USDY", decimal.NewFromInt(1), 169*time.Hour, b, t0); !errors.Is(err, ErrInvalidCooldown) {
		t.Fatalf("冷却时间过长应被拒绝: %v", err)
	}

	sub, err := NewSubscription("A@B.co", " usdy ", decimal.NewFromInt(1), 0, b, t0)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Owner != "a@b.co" || sub.Asset != "USDY" || sub.Status != StatusActive || sub.ID == "" {
		t.Fatalf("订阅字段错误: %+v", sub)
	}
	if sub.InCooldown(t0) {
		t.Fatal("未触发过的订阅不在冷却期")
	}
}

func TestEvaluatorTrackedAndForget(t *testing.T) {
	e := NewEvaluator(testLogger())
	e.Seed("a", decimal.NewFromInt(3))
	e.Seed("b", decimal.NewFromInt(1))

	ids := e.Tracked()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("跟踪列表错误: %v", ids)
	}

	e.Forget("a")
	if _, ok := e.Previous("a"); ok {
		t.Fatal("Forget 后不应保留记忆")
	}
	if ids := e.Tracked(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("跟踪列表错误: %v", ids)
	}
}
