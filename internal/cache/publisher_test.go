package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
	"spread-alerts/internal/storage"
)

type published struct {
	channel string
	payload string
}

// memRedis answers commands from a map through client hooks, so no server is dialled.
type memRedis struct {
	mu        sync.Mutex
	values    map[string]string
	expiry    map[string]string
	published []published
	batches   [][]string
	failWith  error
}

func newMemRedis() (*memRedis, *redis.Client) {
	m := &memRedis{values: make(map[string]string), expiry: make(map[string]string)}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(m)
	return m, client
}

func (m *memRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (m *memRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.apply(cmd)
	}
}

func (m *memRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.failWith != nil {
			return m.failWith
		}
		names := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			names = append(names, cmd.Name())
			if err := m.apply(cmd); err != nil {
				return err
			}
		}
		m.batches = append(m.batches, names)
		return nil
	}
}

func (m *memRedis) apply(cmd redis.Cmder) error {
	args := cmd.Args()
	switch cmd.Name() {
	case "set":
		key := argString(args[1])
		m.values[key] = argString(args[2])
		if len(args) >= 5 {
			m.expiry[key] = fmt.Sprintf("%v %v", args[3], args[4])
		}
	case "publish":
		m.published = append(m.published, published{channel: argString(args[1]), payload: argString(args[2])})
	case "get":
		sc, ok := cmd.(*redis.StringCmd)
		if !ok {
			return fmt.Errorf("unexpected get command %T", cmd)
		}
		v, found := m.values[argString(args[1])]
		if !found {
			sc.SetErr(redis.Nil)
			return redis.Nil
		}
		sc.SetVal(v)
	}
	return nil
}

func argString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestBuildSnapshot(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a, _ := market.NewQuote("Kraken", "USDY", decimal.RequireFromString("1.0012"), decimal.RequireFromString("1.0020"), nil, now)
	b, _ := market.NewQuote("Bybit", "USDY", decimal.RequireFromString("1.0008"), decimal.RequireFromString("1.0018"), nil, now)
	set := market.QuoteSet{a, b}

	snap := buildSnapshot("usdy", market.ComputeBest(set), set, now)
	if snap.Empty || snap.Asset != "USDY" || snap.Venues != 2 {
		t.Fatalf("快照字段错误: %+v", snap)
	}
	if snap.SpreadPct != "0.0599" || snap.BestBidVenue != "Kraken" || snap.BestAskVenue != "Bybit" {
		t.Fatalf("最优价格错误: %+v", snap)
	}
	if len(snap.Quotes) != 2 || snap.TsMs != now.UnixMilli() {
		t.Fatalf("报价列表错误: %+v", snap.Quotes)
	}

	empty := buildSnapshot("USDY", market.BestPrice{}, nil, now)
	if !empty.Empty || empty.SpreadPct != "" || empty.Venues != 0 {
		t.Fatalf("空结果应显式标记: %+v", empty)
	}
}

func TestPublisherDefaults(t *testing.T) {
	p := New(NewClient("127.0.0.1:0", "", 0), Options{}, zerolog.Nop())
	if p.opts.Channel != "spreadwatch:best:pub" {
		t.Fatalf("默认频道错误: %s", p.opts.Channel)
	}
	if got := p.key("usdy"); got != "spreadwatch:best:USDY" {
		t.Fatalf("键名错误: %s", got)
	}
}

func TestStoreSnapshotSetsAndPublishes(t *testing.T) {
	mem, client := newMemRedis()
	defer client.Close()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := New(client, Options{TTL: 2 * time.Minute}, zerolog.Nop())
	p.now = func() time.Time { return now }

	a, _ := market.NewQuote("Kraken", "USDY", decimal.RequireFromString("1.0012"), decimal.RequireFromString("1.0020"), nil, now)
	b, _ := market.NewQuote("Bybit", "USDY", decimal.RequireFromString("1.0008"), decimal.RequireFromString("1.0018"), nil, now)
	set := market.QuoteSet{a, b}

	ctx := context.Background()
	if err := p.StoreSnapshot(ctx, "usdy", market.ComputeBest(set), set); err != nil {
		t.Fatalf("写入快照失败: %v", err)
	}

	if len(mem.batches) != 1 || !contains(mem.batches[0], "set") || !contains(mem.batches[0], "publish") {
		t.Fatalf("SET 与 PUBLISH 应在同一事务管道中: %v", mem.batches)
	}
	stored, ok := mem.values["spreadwatch:best:USDY"]
	if !ok {
		t.Fatalf("缓存键缺失: %v", mem.values)
	}
	if mem.expiry["spreadwatch:best:USDY"] != "ex 120" {
		t.Fatalf("过期时间错误: %q", mem.expiry["spreadwatch:best:USDY"])
	}
	if len(mem.published) != 1 || mem.published[0].channel != "spreadwatch:best:pub" || mem.published[0].payload != stored {
		t.Fatalf("发布内容错误: %+v", mem.published)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(stored), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.SpreadPct != "0.0599" || snap.Empty {
		t.Fatalf("缓存快照错误: %+v", snap)
	}

	got, err := p.Latest(ctx, "USDY")
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if got.BestBidVenue != "Kraken" || got.BestAskVenue != "Bybit" || got.TsMs != now.UnixMilli() {
		t.Fatalf("读取内容错误: %+v", got)
	}
}

func TestLatestMissingIsNotFound(t *testing.T) {
	_, client := newMemRedis()
	defer client.Close()
	p := New(client, Options{}, zerolog.Nop())

	if _, err := p.Latest(context.Background(), "PAXG"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestStoreSnapshotPipelineError(t *testing.T) {
	mem, client := newMemRedis()
	defer client.Close()
	mem.failWith = errors.New("connection reset")
	p := New(client, Options{}, zerolog.Nop())

	err := p.StoreSnapshot(context.Background(), "USDY", market.BestPrice{}, nil)
	if err == nil || !errors.Is(err, mem.failWith) {
		t.Fatalf("管道错误应透传: %v", err)
	}
	if len(mem.values) != 0 || len(mem.published) != 0 {
		t.Fatal("失败时不应写入任何内容")
	}
}
