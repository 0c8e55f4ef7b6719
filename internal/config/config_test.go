package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Scheduler.FetchInterval != 30*time.Second || cfg.Scheduler.AlertInterval != 5*time.Minute {
		t.Fatalf("默认周期错误: %+v", cfg.Scheduler)
	}
	if cfg.Pricing.Staleness != time.Minute || cfg.Pricing.VenueTimeout != 10*time.Second || cfg.Pricing.FailureThreshold != 3 {
		t.Fatalf("默认定价参数错误: %+v", cfg.Pricing)
	}
	b := cfg.Bounds()
	if !b.ThresholdMin.Equal(decimal.RequireFromString("0.5")) || !b.ThresholdMax.Equal(decimal.NewFromInt(10)) || b.MaxCooldown != 168*time.Hour {
		t.Fatalf("默认阈值范围错误: %+v", b)
	}
	if cfg.Alerting.DefaultCooldown != time.Hour {
		t.Fatalf("默认冷却错误: %s", cfg.Alerting.DefaultCooldown)
	}
	if err := cfg.ValidateRun(); err == nil {
		t.Fatal("未配置资产时 run 应失败")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("SPREADWATCH_PRICING_STALENESS", "2m")
	path := writeConfig(t, `
pricing:
  assets: [usdy, PAXG, USDY]
venues:
  kraken:
    symbols:
      USDY: USDYUSD
  coinbase:
    enabled: true
    api_key: key
  static:
    - name: OTC
      levels:
        usdy:
          bid: "1.01"
          ask: "1.02"
alerting:
  channels: log,email
  email:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Pricing.Staleness != 2*time.Minute {
		t.Fatalf("环境变量未覆盖: %s", cfg.Pricing.Staleness)
	}
	if got := strings.Join(cfg.TrackedAssets(), ","); got != "USDY,PAXG" {
		t.Fatalf("资产去重错误: %s", got)
	}
	if cfg.Venues.Coinbase.APIKey != "key" || cfg.Venues.Coinbase.BaseURL != "https://api.coinbase.com" {
		t.Fatalf("coinbase 配置错误: %+v", cfg.Venues.Coinbase)
	}
	if len(cfg.Venues.Static) != 1 || cfg.Venues.Static[0].Name != "OTC" {
		t.Fatalf("静态场所配置错误: %+v", cfg.Venues.Static)
	}
	if len(cfg.Alerting.Channels) != 2 {
		t.Fatalf("渠道解析错误: %v", cfg.Alerting.Channels)
	}
	if err := cfg.ValidateRun(); err != nil {
		t.Fatalf("run 校验失败: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Scheduler: SchedulerConfig{FetchInterval: time.Second, AlertInterval: time.Minute, Workers: 1},
			Pricing:   PricingConfig{Staleness: time.Minute, VenueTimeout: time.Second, FailureThreshold: 3},
			Alerting:  AlertingConfig{ThresholdMin: 0.5, ThresholdMax: 10, DefaultCooldown: time.Hour, MaxCooldown: 168 * time.Hour},
		}
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("基础配置应有效: %v", err)
	}

	cases := map[string]func(*Config){
		"zero fetch interval":   func(c *Config) { c.Scheduler.FetchInterval = 0 },
		"zero workers":          func(c *Config) { c.Scheduler.Workers = 0 },
		"zero staleness":        func(c *Config) { c.Pricing.Staleness = 0 },
		"min above max":         func(c *Config) { c.Alerting.ThresholdMin = 12 },
		"max above 100":         func(c *Config) { c.Alerting.ThresholdMax = 150 },
		"cooldown above max":    func(c *Config) { c.Alerting.DefaultCooldown = 200 * time.Hour },
		"unknown channel":       func(c *Config) { c.Alerting.Channels = []string{"sms"} },
		"telegram without bot":  func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"postgres without dsn":  func(c *Config) { c.Database.Driver = "postgres" },
		"unknown driver":        func(c *Config) { c.Database.Driver = "mysql" },
		"issuer without rpc":    func(c *Config) { c.Venues.Issuer.Enabled = true },
		"static bad level":      func(c *Config) { c.Venues.Static = []StaticVenueConfig{{Name: "OTC", Levels: map[string]StaticLevel{"usdy": {Bid: "x", Ask: "1"}}}} },
		"static without name":   func(c *Config) { c.Venues.Static = []StaticVenueConfig{{}} },
		"redis without address": func(c *Config) { c.Redis.Enabled = true },
		"static crossed level": func(c *Config) {
			c.Venues.Static = []StaticVenueConfig{{Name: "OTC", Levels: map[string]StaticLevel{"usdy": {Bid: "1.03", Ask: "1.02"}}}}
		},
		"static zero bid": func(c *Config) {
			c.Venues.Static = []StaticVenueConfig{{Name: "OTC", Levels: map[string]StaticLevel{"usdy": {Bid: "0", Ask: "1.02"}}}}
		},
		"negative issuer spread": func(c *Config) { c.Venues.Issuer.SpreadBps = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("%s 应校验失败", name)
			}
		})
	}
}
