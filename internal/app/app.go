package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/alerting"
	"spread-alerts/internal/cache"
	"spread-alerts/internal/config"
	"spread-alerts/internal/feed"
	"spread-alerts/internal/scheduler"
	"spread-alerts/internal/service"
	"spread-alerts/internal/storage"
	"spread-alerts/internal/storage/sqlite"
	"spread-alerts/internal/venue"
)

const notifierTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newAdapters() []venue.Adapter {
	v := a.Config.Venues
	timeout := a.Config.Pricing.VenueTimeout
	var out []venue.Adapter

	if v.Kraken.Enabled {
		out = append(out, venue.NewKraken(venue.KrakenOptions{
			BaseURL:  v.Kraken.BaseURL,
			Timeout:  timeout,
			Pairs:    v.Kraken.Symbols,
			TradeURL: v.Kraken.TradeURL,
		}, a.Logger))
	}
	if v.Coinbase.Enabled {
		out = append(out, venue.NewCoinbase(venue.CoinbaseOptions{
			BaseURL:   v.Coinbase.BaseURL,
			APIKey:    v.Coinbase.APIKey,
			APISecret: v.Coinbase.APISecret,
			Timeout:   timeout,
			Products:  v.Coinbase.Symbols,
			TradeURL:  v.Coinbase.TradeURL,
		}, a.Logger))
	}
	if v.Bybit.Enabled {
		out = append(out, venue.NewBybit(venue.BybitOptions{
			BaseURL:  v.Bybit.BaseURL,
			Timeout:  timeout,
			Symbols:  v.Bybit.Symbols,
			TradeURL: v.Bybit.TradeURL,
		}, a.Logger))
	}
	if v.Uniswap.Enabled {
		out = append(out, venue.NewUniswap(venue.UniswapOptions{
			SubgraphURL: v.Uniswap.SubgraphURL,
			APIKey:      v.Uniswap.APIKey,
			Timeout:     timeout,
			Tokens:      v.Uniswap.Tokens,
			TradeURL:    v.Uniswap.TradeURL,
		}, a.Logger))
	}
	if v.Issuer.Enabled {
		vaults := make(map[string]venue.Vault, len(v.Issuer.Vaults))
		for asset, vc := range v.Issuer.Vaults {
			vaults[asset] = venue.Vault{Address: vc.Address, ShareDecimals: vc.ShareDecimals, AssetDecimals: vc.AssetDecimals}
		}
		out = append(out, venue.NewIssuer(venue.IssuerOptions{
			Name:      v.Issuer.Name,
			RPCURL:    v.Issuer.RPCURL,
			Timeout:   timeout,
			Vaults:    vaults,
			SpreadBps: v.Issuer.SpreadBps,
			TradeURL:  v.Issuer.TradeURL,
		}, a.Logger))
	}
	for _, s := range v.Static {
		levels := make(map[string]venue.Level, len(s.Levels))
		for asset, l := range s.Levels {
			// already checked by Config.Validate
			levels[asset] = venue.Level{Bid: decimal.RequireFromString(l.Bid), Ask: decimal.RequireFromString(l.Ask)}
		}
		out = append(out, venue.NewStatic(s.Name, levels))
	}
	return out
}

func (a *App) newRegistry(adapters []venue.Adapter) *feed.Registry {
	return feed.NewRegistry(adapters, feed.Options{
		Timeout:          a.Config.Pricing.VenueTimeout,
		FailureThreshold: a.Config.Pricing.FailureThreshold,
	}, a.Logger)
}

// newNotifier builds the configured channels. Channels whose credentials are
// disabled are skipped with a warning.
func (a *App) newNotifier() *alerting.MultiNotifier {
	cfg := a.Config.Alerting
	var channels []alerting.Channel
	for _, name := range cfg.Channels {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "log":
			channels = append(channels, alerting.Channel{Name: name, Notifier: alerting.NewLogNotifier(a.Logger)})
		case "telegram":
			if !cfg.Telegram.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			channels = append(channels, alerting.Channel{Name: name, Notifier: alerting.NewTelegramNotifier(
				cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, notifierTimeout, a.Logger)})
		case "email":
			if !cfg.Email.Enabled {
				a.Logger.Warn().Msg("email channel listed but alerting.email.enabled is false")
				continue
			}
			channels = append(channels, alerting.Channel{Name: name, Notifier: alerting.NewEmailNotifier(alerting.EmailOptions{
				ServerToken: cfg.Email.ServerToken,
				From:        cfg.Email.From,
				BaseURL:     cfg.Email.BaseURL,
				Stream:      cfg.Email.Stream,
				Timeout:     notifierTimeout,
			}, a.Logger)})
		}
	}
	return alerting.NewMultiNotifier(a.Logger, channels...)
}

// openStore opens the configured backend. Without a driver it falls back to
// an in-memory store and reports persistent=false.
func (a *App) openStore(ctx context.Context) (store storage.Backend, persistent bool, err error) {
	db := a.Config.Database
	switch strings.ToLower(db.Driver) {
	case "postgres":
		pool, err := storage.NewPool(ctx, db)
		if err != nil {
			return nil, false, err
		}
		pg := storage.NewStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, false, err
		}
		return pg, true, nil
	case "sqlite":
		repo, err := sqlite.New(db.SQLitePath)
		if err != nil {
			return nil, false, err
		}
		return repo, true, nil
	default:
		return storage.NewMemoryStore(), false, nil
	}
}

func (a *App) openPersistentStore(ctx context.Context) (storage.Backend, error) {
	store, persistent, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if !persistent {
		_ = store.Close()
		return nil, errors.New("database.driver 未配置 (postgres|sqlite)，无法管理订阅")
	}
	return store, nil
}

// newPublisher returns nil when redis is disabled.
func (a *App) newPublisher(ctx context.Context) (*cache.Publisher, func(), error) {
	rc := a.Config.Redis
	if !rc.Enabled {
		return nil, nil, nil
	}
	client := cache.NewClient(rc.Addr, rc.Password, rc.DB)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	pub := cache.New(client, cache.Options{Prefix: rc.Prefix, TTL: rc.TTL, Channel: rc.Channel}, a.Logger)
	return pub, func() { _ = client.Close() }, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateRun(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, persistent, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if !persistent {
		a.Logger.Warn().Msg("database.driver not configured; subscriptions and snapshots live in memory only")
	}

	publisher, closePublisher, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}
	if closePublisher != nil {
		defer closePublisher()
	}

	sink := storage.NewMultiSink(store)
	if publisher != nil {
		sink = storage.NewMultiSink(store, publisher)
	}

	sc := a.Config.Scheduler
	fetchSched, err := scheduler.New(scheduler.Options{
		Name:         "fetch",
		Interval:     sc.FetchInterval,
		AlignToStart: sc.AlignToBucket,
		StartupDelay: sc.StartupDelay,
		Immediate:    true,
	}, a.Logger)
	if err != nil {
		return err
	}
	alertSched, err := scheduler.New(scheduler.Options{
		Name:         "alert",
		Interval:     sc.AlertInterval,
		AlignToStart: sc.AlignToBucket,
		StartupDelay: sc.StartupDelay + sc.FetchInterval,
	}, a.Logger)
	if err != nil {
		return err
	}

	adapters := a.newAdapters()
	if len(adapters) == 0 {
		return errors.New("no venue adapters enabled")
	}
	notifier := a.newNotifier()

	svc, err := service.New(service.OptionsFromConfig(a.Config, notifier.Names()), service.Deps{
		Registry:      a.newRegistry(adapters),
		Evaluator:     alerting.NewEvaluator(a.Logger),
		Sink:          sink,
		Subscriptions: store,
		Notifier:      notifier,
		Alerts:        store,
	}, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Strs("assets", a.Config.TrackedAssets()).
		Int("venues", len(adapters)).
		Strs("channels", notifier.Names()).
		Msg("starting monitoring service")
	err = svc.Run(ctx, fetchSched, alertSched)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}
