package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

// BybitSymbols are the default asset -> Bybit spot symbol mappings.
var BybitSymbols = map[string]string{
	"USDY": "USDYUSDT",
	"BTC":  "BTCUSDT",
	"ETH":  "ETHUSDT",
	"SOL":  "SOLUSDT",
	"USDC": "USDCUSDT",
	"DAI":  "DAIUSDT",
	"PAXG": "PAXGUSDT",
}

// BybitOptions parameterise the Bybit adapter.
type BybitOptions struct {
	BaseURL  string
	Timeout  time.Duration
	Symbols  map[string]string
	TradeURL string
}

// Bybit reads the V5 spot tickers endpoint.
type Bybit struct {
	opts    BybitOptions
	symbols Pairs
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewBybit constructs a Bybit adapter.
func NewBybit(opts BybitOptions, logger zerolog.Logger) *Bybit {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	return &Bybit{
		opts:    opts,
		symbols: mergePairs(BybitSymbols, opts.Symbols),
		client:  newHTTPClient(opts.Timeout),
		baseURL: baseURL,
		logger:  logger.With().Str("component", "venue_bybit").Logger(),
		now:     time.Now,
	}
}

func (b *Bybit) Name() string     { return "Bybit" }
func (b *Bybit) Kind() Kind       { return KindCEX }
func (b *Bybit) Assets() []string { return b.symbols.assets() }

func (b *Bybit) Supports(asset string) bool {
	_, ok := b.symbols.lookup(asset)
	return ok
}

func (b *Bybit) TradeURL(asset string) string { return tradeURL(b.opts.TradeURL, asset) }

// FetchQuote reads the level-1 book. The server time stamps the quote when present.
func (b *Bybit) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	symbol, ok := b.symbols.lookup(asset)
	if !ok {
		return market.Quote{}, fmt.Errorf("bybit %s: %w", asset, ErrUnsupportedAsset)
	}

	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v5/market/tickers?"+q.Encode(), nil)
	if err != nil {
		return market.Quote{}, err
	}

	var res bybitTickersResponse
	if err := doJSON(b.client, req, "bybit", &res); err != nil {
		return market.Quote{}, err
	}
	if res.RetCode != 0 {
		return market.Quote{}, fmt.Errorf("bybit api error (%d): %s", res.RetCode, res.RetMsg)
	}
	if len(res.Result.List) == 0 {
		return market.Quote{}, fmt.Errorf("bybit: no ticker data for %s", symbol)
	}

	t := res.Result.List[0]
	if t.Bid1Price == "" || t.Ask1Price == "" {
		return market.Quote{}, errors.New("bybit: missing bid/ask")
	}
	bid, err := decimal.NewFromString(t.Bid1Price)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse bybit bid: %w", err)
	}
	ask, err := decimal.NewFromString(t.Ask1Price)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse bybit ask: %w", err)
	}

	var volume *decimal.Decimal
	if t.Volume24h != "" {
		if v, err := decimal.NewFromString(t.Volume24h); err == nil {
			volume = &v
		}
	}

	observed := b.now()
	if res.Time > 0 {
		observed = time.UnixMilli(res.Time)
	}

	b.logger.Debug().
		Str("asset", asset).
		Str("symbol", t.Symbol).
		Str("bid", bid.String()).
		Str("ask", ask.String()).
		Time("observed_at", observed).
		Msg("bybit ticker fetched")

	return market.NewQuote(b.Name(), asset, bid, ask, volume, observed)
}

type bybitTickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}

var (
	_ Adapter     = (*Bybit)(nil)
	_ Describer   = (*Bybit)(nil)
	_ TradeLinker = (*Bybit)(nil)
)
