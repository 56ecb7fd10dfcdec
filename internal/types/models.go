package types

import "time"

// TickerData is the normalized shape of a single exchange ticker response.
// It is consumed immediately to update an AssetPrice and never stored.
type TickerData struct {
	Symbol         string
	LastPrice      float64
	Volume24h      float64
	PriceChange24h float64
	High24h        float64
	Low24h         float64
	Timestamp      time.Time
}

// AssetPrice holds the latest known prices for one asset on one exchange.
// BasePrice is always present (reporting currency); SpotPrice and USDPrice
// are optional and keep their previous value when an update omits them.
// Spreads maps a configured quote label to the marked-down price derived
// from BasePrice; empty when the exchange has no spread settings.
type AssetPrice struct {
	Symbol     string
	BasePrice  float64
	SpotPrice  *float64
	USDPrice   *float64
	Spreads    map[string]float64
	LastUpdate time.Time
}

// ExchangeData aggregates all asset prices for one exchange. Name is the
// canonical lower-case key and is immutable after creation; asset keys are
// canonical upper-case symbols.
type ExchangeData struct {
	Name       string
	Assets     map[string]*AssetPrice
	Enabled    bool
	Connected  bool
	LastUpdate time.Time
}

// GetAsset returns the asset entry for symbol, or nil if the exchange has
// no data for it yet.
func (e *ExchangeData) GetAsset(symbol string) *AssetPrice {
	if e == nil {
		return nil
	}
	return e.Assets[symbol]
}

// Float64Ptr is a convenience for building optional price arguments.
func Float64Ptr(v float64) *float64 {
	return &v
}
