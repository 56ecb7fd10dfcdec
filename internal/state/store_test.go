package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/umbrellasoft/ratecore/internal/types"
)

func TestAddExchangeIsIdempotent(t *testing.T) {
	s := NewStore()

	s.AddExchange("Bybit", true)
	s.UpdateAsset("bybit", "btc", 9000, nil, types.Float64Ptr(100))

	// Re-adding must not reset existing asset data.
	s.AddExchange("BYBIT", true)

	ex, ok := s.GetExchange("bybit")
	if !ok {
		t.Fatal("exchange not found after re-add")
	}
	asset := ex.GetAsset("BTC")
	if asset == nil {
		t.Fatal("asset cleared by repeated AddExchange")
	}
	if asset.BasePrice != 9000 {
		t.Errorf("base price = %v, want 9000", asset.BasePrice)
	}
}

func TestGetExchangeIsCaseInsensitive(t *testing.T) {
	s := NewStore()
	s.AddExchange("ByBit", true)

	if _, ok := s.GetExchange("BYBIT"); !ok {
		t.Error("lookup with different case failed")
	}
	if _, ok := s.GetExchange("unknown"); ok {
		t.Error("lookup of unknown exchange succeeded")
	}
}

func TestUpdateAssetKeepsOmittedOptionalPrices(t *testing.T) {
	s := NewStore()

	s.UpdateAsset("bybit", "BTC", 9000, types.Float64Ptr(100), types.Float64Ptr(100))
	s.UpdateAsset("bybit", "BTC", 9100, nil, nil)

	ex, _ := s.GetExchange("bybit")
	asset := ex.GetAsset("BTC")
	if asset.BasePrice != 9100 {
		t.Errorf("base price = %v, want 9100", asset.BasePrice)
	}
	if asset.USDPrice == nil || *asset.USDPrice != 100 {
		t.Errorf("usd price changed on omitted update: %v", asset.USDPrice)
	}
	if asset.SpotPrice == nil || *asset.SpotPrice != 100 {
		t.Errorf("spot price changed on omitted update: %v", asset.SpotPrice)
	}
}

func TestUpdateAssetCanonicalizesKeys(t *testing.T) {
	s := NewStore()
	s.UpdateAsset("ByBit", "btc", 1, nil, nil)

	ex, ok := s.GetExchange("bybit")
	if !ok {
		t.Fatal("exchange name not canonicalized")
	}
	if ex.GetAsset("BTC") == nil {
		t.Fatal("symbol not canonicalized to upper case")
	}
}

func TestUpdateAssetRefreshesTimestamps(t *testing.T) {
	s := NewStore()
	s.UpdateAsset("bybit", "BTC", 1, nil, nil)
	ex1, _ := s.GetExchange("bybit")
	first := ex1.GetAsset("BTC").LastUpdate

	s.UpdateAsset("bybit", "BTC", 2, nil, nil)
	ex2, _ := s.GetExchange("bybit")
	second := ex2.GetAsset("BTC").LastUpdate

	if second.Before(first) {
		t.Errorf("last update went backwards: %v -> %v", first, second)
	}
	if ex2.LastUpdate.Before(first) {
		t.Error("exchange timestamp not refreshed")
	}
}

func TestSetSpreadsStoresACopy(t *testing.T) {
	s := NewStore()
	s.UpdateAsset("bybit", "BTC", 100, nil, nil)

	in := map[string]float64{"standard": 98.5}
	s.SetSpreads("ByBit", "btc", in)
	in["standard"] = -1

	ex, _ := s.GetExchange("bybit")
	if got := ex.GetAsset("BTC").Spreads["standard"]; got != 98.5 {
		t.Errorf("spread = %v, want 98.5 isolated from the caller's map", got)
	}

	// Replacement drops stale labels.
	s.SetSpreads("bybit", "BTC", map[string]float64{"premium": 97})
	ex, _ = s.GetExchange("bybit")
	spreads := ex.GetAsset("BTC").Spreads
	if _, ok := spreads["standard"]; ok {
		t.Error("stale spread label survived replacement")
	}
	if spreads["premium"] != 97 {
		t.Errorf("spreads = %v, want only the new label", spreads)
	}
}

func TestAssetFromAllExchanges(t *testing.T) {
	s := NewStore()
	s.UpdateAsset("bybit", "BTC", 9000, nil, nil)
	s.AddExchange("garantex", true)

	got := s.AssetFromAllExchanges("btc")
	if len(got) != 2 {
		t.Fatalf("expected one entry per known exchange, got %d", len(got))
	}
	if got["bybit"] == nil || got["bybit"].BasePrice != 9000 {
		t.Errorf("bybit entry = %+v", got["bybit"])
	}
	if got["garantex"] != nil {
		t.Errorf("exchange without data should map to nil, got %+v", got["garantex"])
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	s.UpdateAsset("bybit", "BTC", 9000, types.Float64Ptr(100), nil)

	ex, _ := s.GetExchange("bybit")
	ex.GetAsset("BTC").BasePrice = -1
	*ex.GetAsset("BTC").USDPrice = -1

	fresh, _ := s.GetExchange("bybit")
	if fresh.GetAsset("BTC").BasePrice != 9000 {
		t.Error("mutating a snapshot leaked into the store")
	}
	if *fresh.GetAsset("BTC").USDPrice != 100 {
		t.Error("mutating a snapshot's optional price leaked into the store")
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("exchange%d", w)
			for i := 0; i < 200; i++ {
				s.UpdateAsset(name, "BTC", float64(i), types.Float64Ptr(float64(i)), nil)
			}
		}(w)
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Exchanges()
				s.AssetFromAllExchanges("BTC")
			}
		}()
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		ex, ok := s.GetExchange(fmt.Sprintf("exchange%d", w))
		if !ok {
			t.Fatalf("exchange%d missing", w)
		}
		asset := ex.GetAsset("BTC")
		if asset.BasePrice != 199 {
			t.Errorf("exchange%d final price = %v, want 199", w, asset.BasePrice)
		}
		// Optional price must match the base written in the same call:
		// a torn write would leave them out of step.
		if asset.USDPrice == nil || *asset.USDPrice != asset.BasePrice {
			t.Errorf("exchange%d torn write: base=%v usd=%v", w, asset.BasePrice, asset.USDPrice)
		}
	}
}
