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

// KrakenPairs are the default asset -> Kraken pair mappings.
var KrakenPairs = map[string]string{
	"BTC":  "XXBTZUSD",
	"ETH":  "XETHZUSD",
	"SOL":  "SOLUSD",
	"USDT": "USDTZUSD",
	"USDC": "USDCUSD",
	"DAI":  "DAIUSD",
	"PAXG": "PAXGUSD",
	"USDY": "USDYUSD",
}

// KrakenOptions parameterise the Kraken adapter.
type KrakenOptions struct {
	BaseURL  string
	Timeout  time.Duration
	Pairs    map[string]string
	TradeURL string
}

// Kraken reads the public Ticker endpoint.
type Kraken struct {
	opts    KrakenOptions
	pairs   Pairs
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewKraken constructs a Kraken adapter.
func NewKraken(opts KrakenOptions, logger zerolog.Logger) *Kraken {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &Kraken{
		opts:    opts,
		pairs:   mergePairs(KrakenPairs, opts.Pairs),
		client:  newHTTPClient(opts.Timeout),
		baseURL: baseURL,
		logger:  logger.With().Str("component", "venue_kraken").Logger(),
		now:     time.Now,
	}
}

func (k *Kraken) Name() string     { return "Kraken" }
func (k *Kraken) Kind() Kind       { return KindCEX }
func (k *Kraken) Assets() []string { return k.pairs.assets() }

func (k *Kraken) Supports(asset string) bool {
	_, ok := k.pairs.lookup(asset)
	return ok
}

func (k *Kraken) TradeURL(asset string) string { return tradeURL(k.opts.TradeURL, asset) }

// FetchQuote reads best bid, best ask and rolling 24h volume.
func (k *Kraken) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	pair, ok := k.pairs.lookup(asset)
	if !ok {
		return market.Quote{}, fmt.Errorf("kraken %s: %w", asset, ErrUnsupportedAsset)
	}

	endpoint := k.baseURL + "/0/public/Ticker?pair=" + url.QueryEscape(pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.Quote{}, err
	}

	var res krakenTickerResponse
	if err := doJSON(k.client, req, "kraken", &res); err != nil {
		return market.Quote{}, err
	}
	if len(res.Error) > 0 {
		return market.Quote{}, fmt.Errorf("kraken api error: %s", strings.Join(res.Error, "; "))
	}

	// the result key is not always the requested pair name
	var ticker *krakenTicker
	if t, ok := res.Result[pair]; ok {
		ticker = &t
	} else {
		for _, t := range res.Result {
			t := t
			ticker = &t
			break
		}
	}
	if ticker == nil {
		return market.Quote{}, fmt.Errorf("kraken: no ticker data for %s", pair)
	}
	if len(ticker.Ask) == 0 || len(ticker.Bid) == 0 {
		return market.Quote{}, errors.New("kraken: missing bid/ask")
	}

	ask, err := decimal.NewFromString(ticker.Ask[0])
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse kraken ask: %w", err)
	}
	bid, err := decimal.NewFromString(ticker.Bid[0])
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse kraken bid: %w", err)
	}

	var volume *decimal.Decimal
	if len(ticker.Volume) > 1 {
		if v, err := decimal.NewFromString(ticker.Volume[1]); err == nil {
			volume = &v
		}
	}

	k.logger.Debug().
		Str("asset", asset).
		Str("pair", pair).
		Str("bid", bid.String()).
		Str("ask", ask.String()).
		Msg("kraken ticker fetched")

	return market.NewQuote(k.Name(), asset, bid, ask, volume, k.now())
}

type krakenTicker struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Volume []string `json:"v"`
}

type krakenTickerResponse struct {
	Error  []string                `json:"error"`
	Result map[string]krakenTicker `json:"result"`
}

var (
	_ Adapter     = (*Kraken)(nil)
	_ Describer   = (*Kraken)(nil)
	_ TradeLinker = (*Kraken)(nil)
)
