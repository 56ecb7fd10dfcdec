// Package state holds the process-wide shared state store that connectors
// write into and the display layer polls.
package state

import (
	"strings"
	"sync"
	"time"

	"github.com/umbrellasoft/ratecore/internal/types"
)

// Store maps canonical exchange names to per-exchange asset data. One
// instance is created at process start and shared by pointer with every
// connector; it is the only writer-facing API for the nested entities.
//
// All reads return deep copies, so a reader can never observe a partially
// updated AssetPrice while a connector writes the same symbol.
type Store struct {
	mu        sync.RWMutex
	exchanges map[string]*types.ExchangeData
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{exchanges: make(map[string]*types.ExchangeData)}
}

// CanonicalExchangeName returns the key form of an exchange name.
func CanonicalExchangeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CanonicalSymbol returns the key form of an asset symbol.
func CanonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// GetExchange returns a snapshot of the named exchange, or false when the
// exchange has not been created yet. Lookup is case-insensitive.
func (s *Store) GetExchange(name string) (types.ExchangeData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.exchanges[CanonicalExchangeName(name)]
	if !ok {
		return types.ExchangeData{}, false
	}
	return copyExchange(ex), true
}

// AddExchange creates the exchange entry if it does not exist and returns
// its canonical name. Calling it again for the same name is a no-op: the
// existing asset data is never reset.
func (s *Store) AddExchange(name string, enabled bool) string {
	key := CanonicalExchangeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreateLocked(key, enabled)
	return key
}

// SetConnected flips the connected flag for an exchange, creating the
// entry if needed.
func (s *Store) SetConnected(name string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex := s.getOrCreateLocked(CanonicalExchangeName(name), true)
	ex.Connected = connected
}

// UpdateAsset stores a new price for (exchange, symbol), creating both
// entries on first reference. The base price is always overwritten;
// usdPrice and spotPrice only when non-nil. Both LastUpdate stamps are
// refreshed on every call.
func (s *Store) UpdateAsset(exchange, symbol string, price float64, usdPrice, spotPrice *float64) {
	key := CanonicalExchangeName(exchange)
	sym := CanonicalSymbol(symbol)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ex := s.getOrCreateLocked(key, true)
	asset, ok := ex.Assets[sym]
	if !ok {
		asset = &types.AssetPrice{Symbol: sym, Spreads: make(map[string]float64)}
		ex.Assets[sym] = asset
	}

	asset.BasePrice = price
	if usdPrice != nil {
		v := *usdPrice
		asset.USDPrice = &v
	}
	if spotPrice != nil {
		v := *spotPrice
		asset.SpotPrice = &v
	}
	asset.LastUpdate = now
	ex.LastUpdate = now
}

// SetSpreads replaces the derived spread quotes for (exchange, symbol)
// with a copy of spreads, creating both entries on first reference.
func (s *Store) SetSpreads(exchange, symbol string, spreads map[string]float64) {
	key := CanonicalExchangeName(exchange)
	sym := CanonicalSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	ex := s.getOrCreateLocked(key, true)
	asset, ok := ex.Assets[sym]
	if !ok {
		asset = &types.AssetPrice{Symbol: sym}
		ex.Assets[sym] = asset
	}

	asset.Spreads = make(map[string]float64, len(spreads))
	for k, v := range spreads {
		asset.Spreads[k] = v
	}
}

// Exchanges returns a snapshot of every known exchange. Order is not
// significant.
func (s *Store) Exchanges() []types.ExchangeData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ExchangeData, 0, len(s.exchanges))
	for _, ex := range s.exchanges {
		out = append(out, copyExchange(ex))
	}
	return out
}

// AssetFromAllExchanges fans out a read of one symbol across all known
// exchanges. Exchanges with no data for the symbol map to nil.
func (s *Store) AssetFromAllExchanges(symbol string) map[string]*types.AssetPrice {
	sym := CanonicalSymbol(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*types.AssetPrice, len(s.exchanges))
	for name, ex := range s.exchanges {
		if asset, ok := ex.Assets[sym]; ok {
			c := copyAsset(asset)
			out[name] = &c
		} else {
			out[name] = nil
		}
	}
	return out
}

func (s *Store) getOrCreateLocked(key string, enabled bool) *types.ExchangeData {
	ex, ok := s.exchanges[key]
	if !ok {
		ex = &types.ExchangeData{
			Name:       key,
			Assets:     make(map[string]*types.AssetPrice),
			Enabled:    enabled,
			LastUpdate: time.Now(),
		}
		s.exchanges[key] = ex
	}
	return ex
}

func copyExchange(ex *types.ExchangeData) types.ExchangeData {
	out := types.ExchangeData{
		Name:       ex.Name,
		Assets:     make(map[string]*types.AssetPrice, len(ex.Assets)),
		Enabled:    ex.Enabled,
		Connected:  ex.Connected,
		LastUpdate: ex.LastUpdate,
	}
	for sym, asset := range ex.Assets {
		c := copyAsset(asset)
		out.Assets[sym] = &c
	}
	return out
}

func copyAsset(a *types.AssetPrice) types.AssetPrice {
	out := types.AssetPrice{
		Symbol:     a.Symbol,
		BasePrice:  a.BasePrice,
		LastUpdate: a.LastUpdate,
	}
	if a.USDPrice != nil {
		v := *a.USDPrice
		out.USDPrice = &v
	}
	if a.SpotPrice != nil {
		v := *a.SpotPrice
		out.SpotPrice = &v
	}
	if len(a.Spreads) > 0 {
		out.Spreads = make(map[string]float64, len(a.Spreads))
		for k, v := range a.Spreads {
			out.Spreads[k] = v
		}
	}
	return out
}
