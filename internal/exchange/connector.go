// Package exchange defines the connector contract every exchange
// implementation satisfies, the shared lifecycle plumbing, and the
// supervisor that runs connectors side by side.
package exchange

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/ratemath"
	"github.com/umbrellasoft/ratecore/internal/state"
	"github.com/umbrellasoft/ratecore/internal/types"
)

// Connector is the polymorphic lifecycle every exchange implements.
//
// Connect and SubscribeToTickers report failure by returning false rather
// than an error so the caller can log and abort startup for this exchange
// only. ProcessUpdates is the long-running refresh loop; it returns when
// the stop signal or context cancellation is observed and never exits on
// a single failed fetch.
type Connector interface {
	Name() string
	Connect(ctx context.Context) bool
	Disconnect() bool
	FetchTickerData(ctx context.Context, symbol string) (*types.TickerData, error)
	SubscribeToTickers(ctx context.Context, symbols []string) bool
	TradingPairs() []string
	ProcessUpdates(ctx context.Context)
	Start(ctx context.Context)
	Stop()
}

// Base carries the state every connector shares: canonical exchange name,
// configuration, the store reference, a stop channel and a scoped logger.
// Concrete connectors embed it by composition.
type Base struct {
	name     string
	cfg      *config.ExchangeConfig
	store    *state.Store
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBase builds the shared connector state. The exchange name is
// canonicalized once here; everything downstream uses the canonical form.
func NewBase(name string, cfg *config.ExchangeConfig, store *state.Store) *Base {
	canonical := state.CanonicalExchangeName(name)
	return &Base{
		name:   canonical,
		cfg:    cfg,
		store:  store,
		logger: zerologlog.With().Str("exchange", canonical).Logger(),
		stopCh: make(chan struct{}),
	}
}

func (b *Base) Name() string { return b.name }

// Config returns the connector's exchange configuration.
func (b *Base) Config() *config.ExchangeConfig { return b.cfg }

// Logger returns the exchange-scoped logger.
func (b *Base) Logger() *zerolog.Logger { return &b.logger }

// TradingPairs derives the tracked pairs from the configured asset list by
// appending the reference-asset suffix to every non-reference symbol.
func (b *Base) TradingPairs() []string {
	ref := state.CanonicalSymbol(b.cfg.ReferenceAsset)
	pairs := make([]string, 0, len(b.cfg.Assets))
	for _, asset := range b.cfg.Assets {
		sym := state.CanonicalSymbol(asset)
		if sym == ref {
			continue
		}
		pairs = append(pairs, sym+ref)
	}
	return pairs
}

// UpdateAppState writes one asset update into the shared store under this
// connector's canonical exchange name. When the exchange carries spread
// settings, the derived quote prices are refreshed from the new base
// price as well.
func (b *Base) UpdateAppState(symbol string, price float64, usdPrice, spotPrice *float64) {
	b.store.UpdateAsset(b.name, symbol, price, usdPrice, spotPrice)

	if len(b.cfg.Spreads) == 0 {
		return
	}
	spreads := make(map[string]float64, len(b.cfg.Spreads))
	for label, pct := range b.cfg.Spreads {
		spreads[label] = ratemath.SpreadPrice(price, pct, b.cfg.Commission)
	}
	b.store.SetSpreads(b.name, symbol, spreads)
}

// RequestStop signals the refresh loops to wind down. Safe to call more
// than once.
func (b *Base) RequestStop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// StopRequested is closed once RequestStop has been called.
func (b *Base) StopRequested() <-chan struct{} { return b.stopCh }

// RunLifecycle is the start orchestration shared by all connectors:
// connect, mark connected, subscribe, process updates. Disconnect and
// the connected-flag rollback run on every exit path, including panics.
func (b *Base) RunLifecycle(ctx context.Context, c Connector) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("connector panicked")
		}
		c.Disconnect()
		b.store.SetConnected(b.name, false)
		b.logger.Info().Msg("connector stopped")
	}()

	if !c.Connect(ctx) {
		b.logger.Error().Msg("failed to connect")
		return
	}
	b.store.SetConnected(b.name, true)

	if !c.SubscribeToTickers(ctx, c.TradingPairs()) {
		b.logger.Error().Msg("failed to subscribe to tickers")
		return
	}

	c.ProcessUpdates(ctx)
}
