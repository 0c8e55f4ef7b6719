package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

// CoinbaseProducts are the default asset -> Coinbase product mappings.
var CoinbaseProducts = map[string]string{
	"BTC":  "BTC-USD",
	"ETH":  "ETH-USD",
	"SOL":  "SOL-USD",
	"USDT": "USDT-USD",
	"DAI":  "DAI-USD",
	"PAXG": "PAXG-USD",
}

// CoinbaseOptions parameterise the Coinbase adapter.
type CoinbaseOptions struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	Products  map[string]string
	TradeURL  string
}

// Coinbase reads the Advanced Trade product endpoint.
type Coinbase struct {
	opts     CoinbaseOptions
	products Pairs
	client   *http.Client
	baseURL  string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoinbase constructs a Coinbase adapter. Credentials are optional.
func NewCoinbase(opts CoinbaseOptions, logger zerolog.Logger) *Coinbase {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	return &Coinbase{
		opts:     opts,
		products: mergePairs(CoinbaseProducts, opts.Products),
		client:   newHTTPClient(opts.Timeout),
		baseURL:  baseURL,
		logger:   logger.With().Str("component", "venue_coinbase").Logger(),
		now:      time.Now,
	}
}

func (c *Coinbase) Name() string     { return "Coinbase" }
func (c *Coinbase) Kind() Kind       { return KindCEX }
func (c *Coinbase) Assets() []string { return c.products.assets() }

func (c *Coinbase) Supports(asset string) bool {
	_, ok := c.products.lookup(asset)
	return ok
}

func (c *Coinbase) TradeURL(asset string) string { return tradeURL(c.opts.TradeURL, asset) }

// FetchQuote reads bid/ask from the product endpoint, falling back to the last price.
func (c *Coinbase) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	product, ok := c.products.lookup(asset)
	if !ok {
		return market.Quote{}, fmt.Errorf("coinbase %s: %w", asset, ErrUnsupportedAsset)
	}

	path := "/api/v3/brokerage/products/" + product
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return market.Quote{}, err
	}
	for k, v := range c.authHeaders(http.MethodGet, path, "") {
		req.Header.Set(k, v)
	}

	var res coinbaseProduct
	if err := doJSON(c.client, req, "coinbase", &res); err != nil {
		return market.Quote{}, err
	}

	bidStr := firstNonEmpty(res.Bid, res.Price)
	askStr := firstNonEmpty(res.Ask, res.Price)
	if bidStr == "" || askStr == "" {
		return market.Quote{}, errors.New("coinbase: missing bid/ask")
	}

	bid, err := decimal.NewFromString(bidStr)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse coinbase bid: %w", err)
	}
	ask, err := decimal.NewFromString(askStr)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse coinbase ask: %w", err)
	}

	var volume *decimal.Decimal
	if res.Volume24h != "" {
		if v, err := decimal.NewFromString(res.Volume24h); err == nil {
			volume = &v
		}
	}

	c.logger.Debug().
		Str("asset", asset).
		Str("bid", bid.String()).
		Str("ask", ask.String()).
		Bool("signed", c.opts.APIKey != "").
		Msg("coinbase ticker fetched")

	return market.NewQuote(c.Name(), asset, bid, ask, volume, c.now())
}

// authHeaders signs timestamp+method+path+body with HMAC-SHA256 when credentials exist.
func (c *Coinbase) authHeaders(method, path, body string) map[string]string {
	if c.opts.APIKey == "" || c.opts.APISecret == "" {
		return nil
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.opts.APISecret))
	mac.Write([]byte(ts + strings.ToUpper(method) + path + body))
	return map[string]string{
		"CB-ACCESS-KEY":       c.opts.APIKey,
		"CB-ACCESS-SIGN":      hex.EncodeToString(mac.Sum(nil)),
		"CB-ACCESS-TIMESTAMP": ts,
	}
}

type coinbaseProduct struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Volume24h string `json:"volume_24h"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var (
	_ Adapter     = (*Coinbase)(nil)
	_ Describer   = (*Coinbase)(nil)
	_ TradeLinker = (*Coinbase)(nil)
)
