package bybitws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/state"
)

type subscribeFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// startStreamServer upgrades incoming connections, records the first
// subscribe frame, and pushes the given raw messages.
func startStreamServer(t *testing.T, pushes []string, gotSubscribe chan subscribeFrame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame subscribeFrame
		if err := json.Unmarshal(raw, &frame); err == nil {
			select {
			case gotSubscribe <- frame:
			default:
			}
		}

		for _, push := range pushes {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(push)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsConfig(srv *httptest.Server) *config.ExchangeConfig {
	return &config.ExchangeConfig{
		Enabled:        true,
		Kind:           config.KindWS,
		WSURL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		Assets:         []string{"USDT", "BTC"},
		ReferenceAsset: "USDT",
		FiatCurrency:   "RUB",
	}
}

const tickerPush = `{"topic":"tickers.BTCUSDT","type":"snapshot","data":{"symbol":"BTCUSDT",` +
	`"lastPrice":"100","volume24h":"1500","price24hPcnt":"0.01","highPrice24h":"105","lowPrice24h":"95"},"ts":1700000000000}`

func TestStreamConnectorWritesPushedTickers(t *testing.T) {
	gotSubscribe := make(chan subscribeFrame, 1)
	srv := startStreamServer(t, []string{tickerPush}, gotSubscribe)
	defer srv.Close()

	store := state.NewStore()
	c, err := New("bybit-stream", wsConfig(srv), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := c.(*Connector)
	conn.SetRateSource(func() float64 { return 90 })

	done := make(chan struct{})
	go func() {
		conn.Start(context.Background())
		close(done)
	}()

	select {
	case frame := <-gotSubscribe:
		if frame.Op != "subscribe" {
			t.Errorf("op = %q, want subscribe", frame.Op)
		}
		if len(frame.Args) != 1 || frame.Args[0] != "tickers.BTCUSDT" {
			t.Errorf("args = %v, want [tickers.BTCUSDT]", frame.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	waitFor(t, func() bool {
		ex, ok := store.GetExchange("bybit-stream")
		return ok && ex.GetAsset("BTC") != nil
	}, "pushed ticker never reached the store")

	ex, _ := store.GetExchange("bybit-stream")
	btc := ex.GetAsset("BTC")
	if btc.BasePrice != 9000 {
		t.Errorf("base price = %v, want 9000 (spot 100 x rate 90)", btc.BasePrice)
	}
	if btc.SpotPrice == nil || *btc.SpotPrice != 100 {
		t.Errorf("spot price = %v, want 100", btc.SpotPrice)
	}

	ticker, err := conn.FetchTickerData(context.Background(), "btcusdt")
	if err != nil || ticker == nil {
		t.Fatalf("FetchTickerData = %v, %v", ticker, err)
	}
	if ticker.LastPrice != 100 {
		t.Errorf("cached ticker last price = %v, want 100", ticker.LastPrice)
	}

	conn.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not stop promptly")
	}

	exAfter, _ := store.GetExchange("bybit-stream")
	if exAfter.Connected {
		t.Error("connected flag not rolled back after stop")
	}
}

func TestStreamConnectorZeroRateYieldsZeroPrice(t *testing.T) {
	gotSubscribe := make(chan subscribeFrame, 1)
	srv := startStreamServer(t, []string{tickerPush}, gotSubscribe)
	defer srv.Close()

	store := state.NewStore()
	c, err := New("bybit-stream", wsConfig(srv), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := c.(*Connector)
	// Default rate source: no fiat rate available.

	go conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool {
		ex, ok := store.GetExchange("bybit-stream")
		return ok && ex.GetAsset("BTC") != nil
	}, "pushed ticker never reached the store")

	ex, _ := store.GetExchange("bybit-stream")
	if got := ex.GetAsset("BTC").BasePrice; got != 0 {
		t.Errorf("base price = %v, want 0 without a fiat rate", got)
	}
}

func TestStreamConnectorIgnoresMalformedAndAckMessages(t *testing.T) {
	pushes := []string{
		`not-json`,
		`{"op":"subscribe","success":true,"conn_id":"x"}`,
		`{"topic":"orderbook.50.BTCUSDT","data":{}}`,
		tickerPush,
	}
	gotSubscribe := make(chan subscribeFrame, 1)
	srv := startStreamServer(t, pushes, gotSubscribe)
	defer srv.Close()

	store := state.NewStore()
	c, err := New("bybit-stream", wsConfig(srv), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := c.(*Connector)
	conn.SetRateSource(func() float64 { return 90 })

	go conn.Start(context.Background())
	defer conn.Stop()

	waitFor(t, func() bool {
		ex, ok := store.GetExchange("bybit-stream")
		return ok && ex.GetAsset("BTC") != nil
	}, "valid ticker after noise never reached the store")

	ex, _ := store.GetExchange("bybit-stream")
	if len(ex.Assets) != 1 {
		t.Errorf("assets = %d, want only the valid ticker's symbol", len(ex.Assets))
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
