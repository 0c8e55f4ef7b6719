package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"spread-alerts/internal/market"
	"spread-alerts/internal/version"
)

const defaultTimeout = 10 * time.Second

// ErrUnsupportedAsset is returned when an adapter has no market for the asset.
var ErrUnsupportedAsset = errors.New("venue: asset not supported")

// Kind classifies where a venue's liquidity comes from.
type Kind string

const (
	KindCEX    Kind = "cex"
	KindDEX    Kind = "dex"
	KindIssuer Kind = "issuer"
)

// Adapter fetches one normalised quote for one asset from one venue.
// Implementations must return quotes built with market.NewQuote.
type Adapter interface {
	Name() string
	Supports(asset string) bool
	FetchQuote(ctx context.Context, asset string) (market.Quote, error)
}

// Describer is implemented by adapters that can list their markets.
type Describer interface {
	Kind() Kind
	Assets() []string
}

// TradeLinker is implemented by adapters with a configured trade URL template.
type TradeLinker interface {
	TradeURL(asset string) string
}

// Pairs maps normalised asset symbols to the venue's own market identifier.
type Pairs map[string]string

func (p Pairs) lookup(asset string) (string, bool) {
	sym, ok := p[market.NormalizeAsset(asset)]
	return sym, ok && sym != ""
}

func (p Pairs) assets() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// mergePairs overlays configured overrides on the built-in defaults.
func mergePairs(defaults, overrides map[string]string) Pairs {
	out := make(Pairs, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[market.NormalizeAsset(k)] = v
	}
	for k, v := range overrides {
		out[market.NormalizeAsset(k)] = v
	}
	return out
}

func tradeURL(template, asset string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{symbol}", market.NormalizeAsset(asset))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// doJSON executes req and decodes a 200 response into out.
func doJSON(client *http.Client, req *http.Request, venue string, out any) error {
	req.Header.Set("Accept", "application/json")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(venue, resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", venue, err)
	}
	return nil
}

type errorResponse struct {
	Error   any    `json:"error"`
	Message string `json:"message"`
	RetMsg  string `json:"retMsg"`
}

func parseHTTPError(venue string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", venue, status, apiErr.Message)
		}
		if apiErr.RetMsg != "" {
			return fmt.Errorf("%s api error (%d): %s", venue, status, apiErr.RetMsg)
		}
		if s, ok := apiErr.Error.(string); ok && s != "" {
			return fmt.Errorf("%s api error (%d): %s", venue, status, s)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", venue, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", venue, status)
}
