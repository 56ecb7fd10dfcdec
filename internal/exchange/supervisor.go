package exchange

import (
	"context"
	"fmt"
	"sync"

	zerologlog "github.com/rs/zerolog/log"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/state"
	"github.com/umbrellasoft/ratecore/internal/types"
)

// Factory builds a connector for one configured exchange. Implementations
// live in the per-exchange packages and are registered by the caller,
// keyed by connector kind.
type Factory func(name string, cfg *config.ExchangeConfig, store *state.Store) (Connector, error)

// Supervisor instantiates one connector per enabled exchange and runs
// their lifecycles concurrently. A failure in one connector never affects
// its siblings; they share only the state store.
type Supervisor struct {
	connectors []Connector
	store      *state.Store
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewSupervisor builds connectors from configuration. Disabled exchanges
// are registered in the store (so the display layer can show them as
// disabled) but get no connector. An unknown connector kind is a config
// error and aborts startup before anything runs.
func NewSupervisor(cfg *config.Config, store *state.Store, factories map[string]Factory) (*Supervisor, error) {
	s := &Supervisor{store: store}

	for name, exCfg := range cfg.Exchanges {
		store.AddExchange(name, exCfg.Enabled)
		if !exCfg.Enabled {
			zerologlog.Info().Str("exchange", name).Msg("exchange disabled, skipping connector")
			continue
		}

		factory, ok := factories[exCfg.Kind]
		if !ok {
			return nil, types.NewConfigError(fmt.Sprintf("exchange %s: no factory for connector kind %q", name, exCfg.Kind))
		}
		c, err := factory(name, exCfg, store)
		if err != nil {
			return nil, fmt.Errorf("failed to build connector for %s: %w", name, err)
		}
		s.connectors = append(s.connectors, c)
	}

	zerologlog.Info().Int("connectors", len(s.connectors)).Msg("supervisor built")
	return s, nil
}

// Connectors exposes the built connectors, mainly for tests.
func (s *Supervisor) Connectors() []Connector { return s.connectors }

// Run launches every connector's lifecycle in its own goroutine and
// returns immediately. Use Stop to wind down.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, c := range s.connectors {
		s.wg.Add(1)
		go func(c Connector) {
			defer s.wg.Done()
			c.Start(runCtx)
		}(c)
	}
}

// Stop requests cooperative cancellation of every connector and waits for
// all lifecycles to terminate.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, c := range s.connectors {
		c.Stop()
	}
	s.wg.Wait()
	zerologlog.Info().Msg("all connectors stopped")
}
