package venue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

const erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// Vault locates an issuer's ERC-4626 share token.
type Vault struct {
	Address       string
	ShareDecimals int32
	AssetDecimals int32
}

// IssuerOptions parameterise the on-chain NAV adapter.
type IssuerOptions struct {
	Name      string
	RPCURL    string
	Timeout   time.Duration
	Vaults    map[string]Vault
	SpreadBps int64
	TradeURL  string
}

// Issuer quotes an asset at the vault's redemption NAV, optionally widened by SpreadBps.
type Issuer struct {
	opts   IssuerOptions
	vaults map[string]Vault
	logger zerolog.Logger
	now    func() time.Time

	dial      func(ctx context.Context, rawurl string) (ethereum.ContractCaller, error)
	caller    ethereum.ContractCaller
	callerMux sync.Mutex
}

// NewIssuer builds an issuer NAV adapter.
func NewIssuer(opts IssuerOptions, logger zerolog.Logger) *Issuer {
	if opts.Name == "" {
		opts.Name = "Issuer"
	}
	vaults := make(map[string]Vault, len(opts.Vaults))
	for asset, v := range opts.Vaults {
		if v.ShareDecimals == 0 {
			v.ShareDecimals = 18
		}
		if v.AssetDecimals == 0 {
			v.AssetDecimals = 18
		}
		vaults[market.NormalizeAsset(asset)] = v
	}
	return &Issuer{
		opts:   opts,
		vaults: vaults,
		logger: logger.With().Str("component", "venue_issuer").Logger(),
		now:    time.Now,
		dial: func(ctx context.Context, rawurl string) (ethereum.ContractCaller, error) {
			client, err := ethclient.DialContext(ctx, rawurl)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

func (i *Issuer) Name() string { return i.opts.Name }
func (i *Issuer) Kind() Kind   { return KindIssuer }

func (i *Issuer) Assets() []string {
	p := make(Pairs, len(i.vaults))
	for asset, v := range i.vaults {
		p[asset] = v.Address
	}
	return p.assets()
}

func (i *Issuer) Supports(asset string) bool {
	v, ok := i.vaults[market.NormalizeAsset(asset)]
	return ok && v.Address != ""
}

func (i *Issuer) TradeURL(asset string) string { return tradeURL(i.opts.TradeURL, asset) }

// FetchQuote reads convertToAssets(1 share) from the vault.
func (i *Issuer) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	if i.opts.RPCURL == "" {
		return market.Quote{}, errors.New("ethereum rpc url not configured")
	}
	vault, ok := i.vaults[market.NormalizeAsset(asset)]
	if !ok || vault.Address == "" {
		return market.Quote{}, fmt.Errorf("issuer %s: %w", asset, ErrUnsupportedAsset)
	}

	timeout := i.opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := i.getCaller(ctx)
	if err != nil {
		return market.Quote{}, err
	}

	nav, err := vaultNAV(ctx, caller, vault)
	if err != nil {
		return market.Quote{}, fmt.Errorf("issuer %s nav: %w", asset, err)
	}

	half := nav.Mul(decimal.NewFromInt(i.opts.SpreadBps)).Div(decimal.NewFromInt(20000))
	i.logger.Debug().
		Str("asset", asset).
		Str("vault", vault.Address).
		Str("nav", nav.String()).
		Msg("vault nav read")
	return market.NewQuote(i.Name(), asset, nav.Sub(half), nav.Add(half), nil, i.now())
}

func vaultNAV(ctx context.Context, caller ethereum.ContractCaller, vault Vault) (decimal.Decimal, error) {
	addr := common.HexToAddress(vault.Address)
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(vault.ShareDecimals)), nil)

	payload, err := erc4626ABI.Pack("convertToAssets", oneShare)
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected convertToAssets response")
	}
	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode convertToAssets output")
	}
	return decimal.NewFromBigInt(assets, -vault.AssetDecimals), nil
}

func (i *Issuer) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	i.callerMux.Lock()
	defer i.callerMux.Unlock()

	if i.caller != nil {
		return i.caller, nil
	}

	caller, err := i.dial(ctx, i.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	i.caller = caller
	return caller, nil
}

var (
	_ Adapter     = (*Issuer)(nil)
	_ Describer   = (*Issuer)(nil)
	_ TradeLinker = (*Issuer)(nil)
)
