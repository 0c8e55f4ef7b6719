package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

// UniswapTokens are mainnet ERC-20 addresses keyed by asset symbol.
var UniswapTokens = map[string]string{
	"USDC": "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
	"USDT": "0xdac17f958d2ee523a2206206994597c13d831ec7",
	"DAI":  "0x6b175474e89094c44da98b954eedeac495271d0f",
	"ETH":  "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
	"WETH": "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
	"BTC":  "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599",
	"WBTC": "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599",
	"PAXG": "0x45804880de22913dafe09f4980848ece6ecbaf78",
	"ONDO": "0xfaba6f8e4a5e8ab82f62fe7c39859fa577269be3",
	"USDY": "0x96f6ef951840721adbf46ac996b59e0235cb985c",
	"FRAX": "0x853d955acef822db058eb8505911ed77f175b99e",
}

// stablecoins a pool must be quoted against
var uniswapQuoteAssets = []string{"USDC", "USDT", "DAI"}

// fee tier (hundredths of a bip) -> synthetic bid/ask width in bps
var uniswapFeeSpreadBps = map[int64]int64{
	100:   2,
	500:   10,
	3000:  60,
	10000: 200,
}

const uniswapDefaultSpreadBps = 60

const uniswapPoolsQuery = `query Pools($token: String!, $quotes: [String!]!) {
  poolsAsToken0: pools(first: 5, orderBy: totalValueLockedUSD, orderDirection: desc, where: {token0: $token, token1_in: $quotes}) {
    id feeTier token0Price token1Price totalValueLockedUSD
  }
  poolsAsToken1: pools(first: 5, orderBy: totalValueLockedUSD, orderDirection: desc, where: {token1: $token, token0_in: $quotes}) {
    id feeTier token0Price token1Price totalValueLockedUSD
  }
}`

// UniswapOptions parameterise the Uniswap subgraph adapter.
type UniswapOptions struct {
	SubgraphURL string
	APIKey      string
	Timeout     time.Duration
	Tokens      map[string]string
	TradeURL    string
}

// Uniswap derives a synthetic quote from the deepest v3 stablecoin pool.
type Uniswap struct {
	opts   UniswapOptions
	tokens Pairs
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewUniswap constructs a Uniswap adapter.
func NewUniswap(opts UniswapOptions, logger zerolog.Logger) *Uniswap {
	return &Uniswap{
		opts:   opts,
		tokens: mergePairs(UniswapTokens, opts.Tokens),
		client: newHTTPClient(opts.Timeout),
		logger: logger.With().Str("component", "venue_uniswap").Logger(),
		now:    time.Now,
	}
}

func (u *Uniswap) Name() string     { return "Uniswap" }
func (u *Uniswap) Kind() Kind       { return KindDEX }
func (u *Uniswap) Assets() []string { return u.tokens.assets() }

func (u *Uniswap) Supports(asset string) bool {
	_, ok := u.tokens.lookup(asset)
	return ok && u.opts.SubgraphURL != ""
}

func (u *Uniswap) TradeURL(asset string) string { return tradeURL(u.opts.TradeURL, asset) }

// FetchQuote reads pool prices and widens the mid by the pool's fee tier.
func (u *Uniswap) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	if u.opts.SubgraphURL == "" {
		return market.Quote{}, errors.New("uniswap subgraph url not configured")
	}
	token, ok := u.tokens.lookup(asset)
	if !ok {
		return market.Quote{}, fmt.Errorf("uniswap %s: %w", asset, ErrUnsupportedAsset)
	}
	token = strings.ToLower(token)

	quotes := make([]string, 0, len(uniswapQuoteAssets))
	for _, sym := range uniswapQuoteAssets {
		addr, ok := u.tokens.lookup(sym)
		if !ok || strings.EqualFold(addr, token) {
			continue
		}
		quotes = append(quotes, strings.ToLower(addr))
	}

	body, err := json.Marshal(graphQLRequest{
		Query:     uniswapPoolsQuery,
		Variables: map[string]any{"token": token, "quotes": quotes},
	})
	if err != nil {
		return market.Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.SubgraphURL, bytes.NewReader(body))
	if err != nil {
		return market.Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if u.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.opts.APIKey)
	}

	var res uniswapPoolsResponse
	if err := doJSON(u.client, req, "uniswap", &res); err != nil {
		return market.Quote{}, err
	}
	if len(res.Errors) > 0 {
		return market.Quote{}, fmt.Errorf("uniswap graphql error: %s", res.Errors[0].Message)
	}

	pool, isToken0, err := deepestPool(res.Data.PoolsAsToken0, res.Data.PoolsAsToken1)
	if err != nil {
		return market.Quote{}, fmt.Errorf("uniswap %s: %w", asset, err)
	}

	// token1Price is token0 expressed in token1 units
	priceStr := pool.Token0Price
	if isToken0 {
		priceStr = pool.Token1Price
	}
	mid, err := decimal.NewFromString(priceStr)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse uniswap price: %w", err)
	}
	if !mid.IsPositive() {
		return market.Quote{}, fmt.Errorf("uniswap %s: non-positive pool price %s", asset, mid)
	}

	bps := int64(uniswapDefaultSpreadBps)
	if fee, err := pool.FeeTier.Int64(); err == nil {
		if v, ok := uniswapFeeSpreadBps[fee]; ok {
			bps = v
		}
	}
	half := mid.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(20000))

	u.logger.Debug().
		Str("asset", asset).
		Str("pool", pool.ID).
		Str("fee_tier", pool.FeeTier.String()).
		Str("mid", mid.String()).
		Msg("uniswap pool selected")

	return market.NewQuote(u.Name(), asset, mid.Sub(half), mid.Add(half), nil, u.now())
}

// deepestPool picks the pool with the highest TVL across both token orientations.
func deepestPool(asToken0, asToken1 []uniswapPool) (uniswapPool, bool, error) {
	var (
		best     uniswapPool
		bestTVL  decimal.Decimal
		isToken0 bool
		found    bool
	)
	consider := func(p uniswapPool, token0 bool) {
		tvl, err := decimal.NewFromString(p.TotalValueLockedUSD)
		if err != nil {
			return
		}
		if !found || tvl.GreaterThan(bestTVL) {
			best, bestTVL, isToken0, found = p, tvl, token0, true
		}
	}
	for _, p := range asToken0 {
		consider(p, true)
	}
	for _, p := range asToken1 {
		consider(p, false)
	}
	if !found {
		return uniswapPool{}, false, errors.New("no stablecoin pool found")
	}
	return best, isToken0, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type uniswapPool struct {
	ID                  string      `json:"id"`
	FeeTier             json.Number `json:"feeTier"`
	Token0Price         string      `json:"token0Price"`
	Token1Price         string      `json:"token1Price"`
	TotalValueLockedUSD string      `json:"totalValueLockedUSD"`
}

type uniswapPoolsResponse struct {
	Data struct {
		PoolsAsToken0 []uniswapPool `json:"poolsAsToken0"`
		PoolsAsToken1 []uniswapPool `json:"poolsAsToken1"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

var (
	_ Adapter     = (*Uniswap)(nil)
	_ Describer   = (*Uniswap)(nil)
	_ TradeLinker = (*Uniswap)(nil)
)
