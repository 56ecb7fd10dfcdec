package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/state"
	"github.com/umbrellasoft/ratecore/internal/types"
)

func supervisorConfig() *config.Config {
	return &config.Config{
		Exchanges: map[string]*config.ExchangeConfig{
			"alpha": {Enabled: true, Kind: "fake", Assets: []string{"USDT", "BTC"}, ReferenceAsset: "USDT"},
			"beta":  {Enabled: true, Kind: "fake", Assets: []string{"USDT", "BTC"}, ReferenceAsset: "USDT"},
			"gamma": {Enabled: false, Kind: "fake", Assets: []string{"USDT", "BTC"}, ReferenceAsset: "USDT"},
		},
	}
}

func fakeFactory(fakes map[string]*fakeConnector, broken map[string]bool) Factory {
	return func(name string, cfg *config.ExchangeConfig, store *state.Store) (Connector, error) {
		f := newFakeConnector(name, store)
		if broken[name] {
			f.connectOK = false
		}
		fakes[name] = f
		return f, nil
	}
}

func TestSupervisorSkipsDisabledExchanges(t *testing.T) {
	store := state.NewStore()
	fakes := map[string]*fakeConnector{}

	s, err := NewSupervisor(supervisorConfig(), store, map[string]Factory{"fake": fakeFactory(fakes, nil)})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	if len(s.Connectors()) != 2 {
		t.Errorf("connectors = %d, want 2 (gamma disabled)", len(s.Connectors()))
	}
	// Disabled exchanges still appear in the store for display purposes.
	ex, ok := store.GetExchange("gamma")
	if !ok {
		t.Fatal("disabled exchange missing from store")
	}
	if ex.Enabled {
		t.Error("gamma should be registered as disabled")
	}
}

func TestSupervisorUnknownKindIsConfigError(t *testing.T) {
	cfg := supervisorConfig()
	cfg.Exchanges["alpha"].Kind = "carrier-pigeon"

	_, err := NewSupervisor(cfg, state.NewStore(), map[string]Factory{"fake": fakeFactory(map[string]*fakeConnector{}, nil)})
	if !types.IsKind(err, types.KindConfig) {
		t.Errorf("error = %v, want config error", err)
	}
}

func TestSupervisorOneFailingConnectorDoesNotStopSiblings(t *testing.T) {
	store := state.NewStore()
	fakes := map[string]*fakeConnector{}

	s, err := NewSupervisor(supervisorConfig(), store, map[string]Factory{
		"fake": fakeFactory(fakes, map[string]bool{"alpha": true}),
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	s.Run(context.Background())

	waitFor(t, func() bool {
		ex, ok := store.GetExchange("beta")
		return ok && ex.Connected
	}, "beta never connected while alpha was failing")

	ex, _ := store.GetExchange("alpha")
	if ex.Connected {
		t.Error("alpha marked connected despite failed connect")
	}

	s.Stop()
}

func TestSupervisorStopAwaitsAllConnectors(t *testing.T) {
	store := state.NewStore()
	fakes := map[string]*fakeConnector{}

	s, err := NewSupervisor(supervisorConfig(), store, map[string]Factory{"fake": fakeFactory(fakes, nil)})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}

	s.Run(context.Background())
	waitFor(t, func() bool {
		a, aok := store.GetExchange("alpha")
		b, bok := store.GetExchange("beta")
		return aok && bok && a.Connected && b.Connected
	}, "connectors never came up")

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after connectors wound down")
	}

	for name, f := range fakes {
		if f.disconnects.Load() == 0 {
			t.Errorf("%s never disconnected", name)
		}
	}
}
