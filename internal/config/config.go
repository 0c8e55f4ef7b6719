package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/logging"
)

const envPrefix = "SPREADWATCH"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects the persistence backend. Driver is "postgres",
// "sqlite" or empty (in-memory).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig 控制最优价缓存与发布。
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	Channel  string        `mapstructure:"channel"`
}

// SchedulerConfig governs the two loop cadences.
type SchedulerConfig struct {
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
	AlertInterval time.Duration `mapstructure:"alert_interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	Workers       int           `mapstructure:"workers"`
	FetchLockKey  int64         `mapstructure:"fetch_lock_key"`
	AlertLockKey  int64         `mapstructure:"alert_lock_key"`
}

// PricingConfig covers aggregation and freshness.
type PricingConfig struct {
	Assets           []string      `mapstructure:"assets"`
	Staleness        time.Duration `mapstructure:"staleness"`
	VenueTimeout     time.Duration `mapstructure:"venue_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// VenuesConfig enables individual venue adapters.
type VenuesConfig struct {
	Kraken   ExchangeConfig      `mapstructure:"kraken"`
	Coinbase CoinbaseConfig      `mapstructure:"coinbase"`
	Bybit    ExchangeConfig      `mapstructure:"bybit"`
	Uniswap  UniswapConfig       `mapstructure:"uniswap"`
	Issuer   IssuerConfig        `mapstructure:"issuer"`
	Static   []StaticVenueConfig `mapstructure:"static"`
}

// ExchangeConfig is shared by the plain REST venues. Symbols override the
// built-in asset to market-id map.
type ExchangeConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	BaseURL  string            `mapstructure:"base_url"`
	Symbols  map[string]string `mapstructure:"symbols"`
	TradeURL string            `mapstructure:"trade_url"`
}

// CoinbaseConfig adds optional API credentials.
type CoinbaseConfig struct {
	ExchangeConfig `mapstructure:",squash"`
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
}

// UniswapConfig points at a v3 subgraph.
type UniswapConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	SubgraphURL string            `mapstructure:"subgraph_url"`
	APIKey      string            `mapstructure:"api_key"`
	Tokens      map[string]string `mapstructure:"tokens"`
	TradeURL    string            `mapstructure:"trade_url"`
}

// IssuerConfig reads redemption NAV from ERC-4626 vaults.
type IssuerConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Name      string                 `mapstructure:"name"`
	RPCURL    string                 `mapstructure:"rpc_url"`
	SpreadBps int64                  `mapstructure:"spread_bps"`
	TradeURL  string                 `mapstructure:"trade_url"`
	Vaults    map[string]VaultConfig `mapstructure:"vaults"`
}

// VaultConfig locates one vault.
type VaultConfig struct {
	Address       string `mapstructure:"address"`
	ShareDecimals int32  `mapstructure:"share_decimals"`
	AssetDecimals int32  `mapstructure:"asset_decimals"`
}

// StaticVenueConfig serves fixed levels, e.g. an OTC desk's reference price.
type StaticVenueConfig struct {
	Name   string                 `mapstructure:"name"`
	Levels map[string]StaticLevel `mapstructure:"levels"`
}

// StaticLevel is a bid/ask pair as decimal strings.
type StaticLevel struct {
	Bid string `mapstructure:"bid"`
	Ask string `mapstructure:"ask"`
}

// AlertingConfig defines subscription bounds and routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	ThresholdMin    float64        `mapstructure:"threshold_min"`
	ThresholdMax    float64        `mapstructure:"threshold_max"`
	DefaultCooldown time.Duration  `mapstructure:"default_cooldown"`
	MaxCooldown     time.Duration  `mapstructure:"max_cooldown"`
	Channels        []string       `mapstructure:"channels"`
	EventRetention  time.Duration  `mapstructure:"event_retention"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
	Email           EmailConfig    `mapstructure:"email"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// EmailConfig 描述 Postmark 邮件参数。ServerToken 为空时仅写日志。
type EmailConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServerToken string `mapstructure:"server_token"`
	From        string `mapstructure:"from"`
	BaseURL     string `mapstructure:"base_url"`
	Stream      string `mapstructure:"stream"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spreadwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "spreadwatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "spreadwatch")
	v.SetDefault("redis.ttl", "5m")
	v.SetDefault("redis.channel", "")

	v.SetDefault("scheduler.fetch_interval", "30s")
	v.SetDefault("scheduler.alert_interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.fetch_lock_key", int64(0x53505746))
	v.SetDefault("scheduler.alert_lock_key", int64(0x53505741))

	v.SetDefault("pricing.assets", []string{})
	v.SetDefault("pricing.staleness", "60s")
	v.SetDefault("pricing.venue_timeout", "10s")
	v.SetDefault("pricing.failure_threshold", 3)

	v.SetDefault("venues.kraken.enabled", true)
	v.SetDefault("venues.kraken.base_url", "https://api.kraken.com")
	v.SetDefault("venues.kraken.trade_url", "https://pro.kraken.com/app/trade/{symbol}-usd")
	v.SetDefault("venues.coinbase.enabled", true)
	v.SetDefault("venues.coinbase.base_url", "https://api.coinbase.com")
	v.SetDefault("venues.coinbase.api_key", "")
	v.SetDefault("venues.coinbase.api_secret", "")
	v.SetDefault("venues.coinbase.trade_url", "https://www.coinbase.com/advanced-trade/spot/{symbol}-USD")
	v.SetDefault("venues.bybit.enabled", true)
	v.SetDefault("venues.bybit.base_url", "https://api.bybit.com")
	v.SetDefault("venues.bybit.trade_url", "https://www.bybit.com/trade/spot/{symbol}/USDT")
	v.SetDefault("venues.uniswap.enabled", false)
	v.SetDefault("venues.uniswap.subgraph_url", "")
	v.SetDefault("venues.uniswap.api_key", "")
	v.SetDefault("venues.issuer.enabled", false)
	v.SetDefault("venues.issuer.name", "Issuer")
	v.SetDefault("venues.issuer.rpc_url", "")
	v.SetDefault("venues.issuer.spread_bps", 0)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.threshold_min", 0.5)
	v.SetDefault("alerting.threshold_max", 10.0)
	v.SetDefault("alerting.default_cooldown", "1h")
	v.SetDefault("alerting.max_cooldown", "168h")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.event_retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.server_token", "")
	v.SetDefault("alerting.email.from", "")
	v.SetDefault("alerting.email.base_url", "https://api.postmarkapp.com")
	v.SetDefault("alerting.email.stream", "outbound")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	if strings.EqualFold(c.Database.Driver, "postgres") && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set for postgres")
	}
	if c.Scheduler.FetchInterval <= 0 {
		return fmt.Errorf("scheduler.fetch_interval must be greater than zero")
	}
	if c.Scheduler.AlertInterval <= 0 {
		return fmt.Errorf("scheduler.alert_interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Pricing.Staleness <= 0 {
		return fmt.Errorf("pricing.staleness must be greater than zero")
	}
	if c.Pricing.VenueTimeout <= 0 {
		return fmt.Errorf("pricing.venue_timeout must be greater than zero")
	}
	if c.Pricing.FailureThreshold <= 0 {
		return fmt.Errorf("pricing.failure_threshold must be greater than zero")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr 必须配置")
	}

	a := c.Alerting
	if a.ThresholdMin <= 0 || a.ThresholdMin >= a.ThresholdMax || a.ThresholdMax > 100 {
		return fmt.Errorf("alerting thresholds must satisfy 0 < threshold_min < threshold_max <= 100")
	}
	if a.MaxCooldown < 0 || a.DefaultCooldown < 0 || a.DefaultCooldown > a.MaxCooldown {
		return fmt.Errorf("alerting.default_cooldown must be within [0, max_cooldown]")
	}
	for _, ch := range a.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "log", "telegram", "email":
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	if a.Telegram.Enabled {
		if a.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if a.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if a.Email.Enabled && a.Email.ServerToken != "" && a.Email.From == "" {
		return fmt.Errorf("alerting.email.from 必须配置")
	}

	if c.Venues.Issuer.Enabled && c.Venues.Issuer.RPCURL == "" {
		return fmt.Errorf("venues.issuer.rpc_url 必须配置")
	}
	if bps := c.Venues.Issuer.SpreadBps; bps < 0 || bps >= 20000 {
		return fmt.Errorf("venues.issuer.spread_bps must be within [0, 20000)")
	}
	if c.Venues.Uniswap.Enabled && c.Venues.Uniswap.SubgraphURL == "" {
		return fmt.Errorf("venues.uniswap.subgraph_url 必须配置")
	}
	for i, s := range c.Venues.Static {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("venues.static[%d].name must be set", i)
		}
		for asset, l := range s.Levels {
			bid, err := decimal.NewFromString(l.Bid)
			if err != nil {
				return fmt.Errorf("venues.static[%d].levels.%s.bid: %w", i, asset, err)
			}
			ask, err := decimal.NewFromString(l.Ask)
			if err != nil {
				return fmt.Errorf("venues.static[%d].levels.%s.ask: %w", i, asset, err)
			}
			if !bid.IsPositive() || bid.GreaterThan(ask) {
				return fmt.Errorf("venues.static[%d].levels.%s: need 0 < bid <= ask", i, asset)
			}
		}
	}
	return nil
}

// ValidateRun adds the checks only the long-running service needs.
func (c *Config) ValidateRun() error {
	if len(c.TrackedAssets()) == 0 {
		return fmt.Errorf("pricing.assets must list at least one asset")
	}
	return nil
}

// TrackedAssets returns the configured assets upper-cased and de-duplicated.
func (c *Config) TrackedAssets() []string {
	seen := make(map[string]struct{}, len(c.Pricing.Assets))
	out := make([]string, 0, len(c.Pricing.Assets))
	for _, a := range c.Pricing.Assets {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Bounds converts the alerting section into subscription validation bounds.
func (c *Config) Bounds() alerting.Bounds {
	return alerting.Bounds{
		ThresholdMin: decimal.NewFromFloat(c.Alerting.ThresholdMin),
		ThresholdMax: decimal.NewFromFloat(c.Alerting.ThresholdMax),
		MaxCooldown:  c.Alerting.MaxCooldown,
	}
}
