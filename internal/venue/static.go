package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/market"
)

// Level is a fixed top-of-book.
type Level struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Static serves configured levels. It backs reference prices and dry runs.
type Static struct {
	name   string
	mu     sync.RWMutex
	levels map[string]Level
	now    func() time.Time
}

// NewStatic builds a static venue.
func NewStatic(name string, levels map[string]Level) *Static {
	s := &Static{name: name, levels: make(map[string]Level, len(levels)), now: time.Now}
	for asset, l := range levels {
		s.levels[market.NormalizeAsset(asset)] = l
	}
	return s
}

func (s *Static) Name() string { return s.name }
func (s *Static) Kind() Kind   { return KindCEX }

func (s *Static) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := make(Pairs, len(s.levels))
	for asset := range s.levels {
		p[asset] = asset
	}
	return p.assets()
}

func (s *Static) Supports(asset string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.levels[market.NormalizeAsset(asset)]
	return ok
}

// Set replaces the level for asset.
func (s *Static) Set(asset string, l Level) {
	s.mu.Lock()
	s.levels[market.NormalizeAsset(asset)] = l
	s.mu.Unlock()
}

func (s *Static) FetchQuote(ctx context.Context, asset string) (market.Quote, error) {
	if err := ctx.Err(); err != nil {
		return market.Quote{}, err
	}
	s.mu.RLock()
	l, ok := s.levels[market.NormalizeAsset(asset)]
	s.mu.RUnlock()
	if !ok {
		return market.Quote{}, fmt.Errorf("%s %s: %w", s.name, asset, ErrUnsupportedAsset)
	}
	return market.NewQuote(s.name, asset, l.Bid, l.Ask, nil, s.now())
}

var (
	_ Adapter   = (*Static)(nil)
	_ Describer = (*Static)(nil)
)
