package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
	"spread-alerts/internal/venue"
)

type fakeAdapter struct {
	name    string
	assets  map[string]bool
	bid     string
	ask     string
	delay   time.Duration
	err     error
	raw     *market.Quote
	calls   int
	ignores bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Supports(asset string) bool { return f.assets[asset] }

func (f *fakeAdapter) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	f.calls++
	if f.delay > 0 {
		if f.ignores {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return market.Quote{}, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return market.Quote{}, f.err
	}
	if f.raw != nil {
		return *f.raw, nil
	}
	return market.NewQuote(f.name, asset, decimal.RequireFromString(f.bid), decimal.RequireFromString(f.ask), nil, time.Now())
}

func usdyOnly() map[string]bool { return map[string]bool{"USDY": true} }

func TestFetchAllOneVenueTimesOut(t *testing.T) {
	fast := &fakeAdapter{name: "Kraken", assets: usdyOnly(), bid: "1.0012", ask: "1.0020"}
	slow := &fakeAdapter{name: "Slow", assets: usdyOnly(), bid: "1.0008", ask: "1.0018", delay: 500 * time.Millisecond, ignores: true}

	reg := NewRegistry([]venue.Adapter{fast, slow}, Options{Timeout: 50 * time.Millisecond}, zerolog.Nop())
	start := time.Now()
	res := reg.FetchAll(context.Background(), "usdy")
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("超时未生效, 耗时 %s", elapsed)
	}

	if len(res.Quotes) != 1 || res.Quotes[0].Venue != "Kraken" {
		t.Fatalf("只应保留未超时的场所: %+v", res.Quotes)
	}
	if len(res.Excluded) != 1 || res.Excluded[0].Venue != "Slow" || res.Excluded[0].Reason != ReasonTimeout {
		t.Fatalf("超时场所应被排除: %+v", res.Excluded)
	}

	best := market.ComputeBest(res.Quotes)
	if best.Venues != 1 || best.Empty() {
		t.Fatalf("应由唯一存活场所计算: %+v", best)
	}
}

func TestFetchAllSkipsUnsupportedAdapters(t *testing.T) {
	a := &fakeAdapter{name: "A", assets: usdyOnly(), bid: "1", ask: "1.01"}
	b := &fakeAdapter{name: "B", assets: map[string]bool{"BTC": true}, bid: "1", ask: "1.01"}

	reg := NewRegistry([]venue.Adapter{a, b}, Options{}, zerolog.Nop())
	res := reg.FetchAll(context.Background(), "USDY")
	if res.Attempted != 1 || b.calls != 0 {
		t.Fatalf("不支持的场所不应被调用: attempted=%d calls=%d", res.Attempted, b.calls)
	}
}

func TestFetchAllExcludesInvalidQuotes(t *testing.T) {
	crossed := market.Quote{Venue: "Bad", Asset: "USDY", Bid: decimal.RequireFromString("1.02"), Ask: decimal.RequireFromString("1.01"), ObservedAt: time.Now()}
	wrongAsset := market.Quote{Venue: "Wrong", Asset: "BTC", Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1), ObservedAt: time.Now()}
	reg := NewRegistry([]venue.Adapter{
		&fakeAdapter{name: "Bad", assets: usdyOnly(), raw: &crossed},
		&fakeAdapter{name: "Wrong", assets: usdyOnly(), raw: &wrongAsset},
		&fakeAdapter{name: "Err", assets: usdyOnly(), err: errors.New("boom")},
		&fakeAdapter{name: "Good", assets: usdyOnly(), bid: "1", ask: "1.01"},
	}, Options{}, zerolog.Nop())

	res := reg.FetchAll(context.Background(), "USDY")
	if len(res.Quotes) != 1 || res.Quotes[0].Venue != "Good" {
		t.Fatalf("只应保留有效报价: %+v", res.Quotes)
	}
	reasons := map[string]string{}
	for _, ex := range res.Excluded {
		reasons[ex.Venue] = ex.Reason
	}
	if reasons["Bad"] != ReasonInvalidQuote || reasons["Wrong"] != ReasonInvalidQuote || reasons["Err"] != ReasonError {
		t.Fatalf("排除原因错误: %v", reasons)
	}
}

func TestDegradedAfterThresholdAndRecovers(t *testing.T) {
	flaky := &fakeAdapter{name: "Flaky", assets: usdyOnly(), bid: "1", ask: "1.01", err: errors.New("503")}
	reg := NewRegistry([]venue.Adapter{flaky}, Options{FailureThreshold: 3}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		reg.FetchAll(context.Background(), "USDY")
	}
	if reg.Degraded("Flaky", "USDY") {
		t.Fatal("两次失败不应标记为降级")
	}
	reg.FetchAll(context.Background(), "USDY")
	if !reg.Degraded("Flaky", "USDY") {
		t.Fatal("连续三次失败应标记为降级")
	}

	// degraded venues stay eligible
	flaky.err = nil
	res := reg.FetchAll(context.Background(), "USDY")
	if len(res.Quotes) != 1 {
		t.Fatal("降级场所仍应在下个周期重试")
	}
	if reg.Degraded("Flaky", "USDY") {
		t.Fatal("成功后应恢复")
	}
	h := reg.Health()
	if len(h) != 1 || h[0].ConsecutiveFailures != 0 || h[0].LastSuccess.IsZero() {
		t.Fatalf("健康快照错误: %+v", h)
	}
	if flaky.calls != 4 {
		t.Fatalf("每周期每场所只应尝试一次, 实际 %d", flaky.calls)
	}
}

func TestFetchAllNoAdapters(t *testing.T) {
	reg := NewRegistry(nil, Options{}, zerolog.Nop())
	res := reg.FetchAll(context.Background(), "USDY")
	if len(res.Quotes) != 0 || res.Attempted != 0 {
		t.Fatalf("没有场所时应返回空结果: %+v", res)
	}
	if !market.ComputeBest(res.Quotes).Empty() {
		t.Fatal("空报价集应得到空哨兵")
	}
}
