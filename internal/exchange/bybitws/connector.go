// Package bybitws implements a push-based ticker connector over the Bybit
// v5 public WebSocket stream. Where the REST connector polls, this one
// subscribes to tickers.{symbol} topics and writes every pushed update
// into the store as it arrives.
package bybitws

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/exchange"
	"github.com/umbrellasoft/ratecore/internal/ratemath"
	"github.com/umbrellasoft/ratecore/internal/retry"
	"github.com/umbrellasoft/ratecore/internal/state"
	"github.com/umbrellasoft/ratecore/internal/types"
)

const pingInterval = 20 * time.Second

// RateSource supplies the reference-asset fiat rate used to convert spot
// prices. The stream itself carries no fiat quotes, so the rate comes
// from outside; the zero default keeps reporting prices at 0 until a
// source is plugged in.
type RateSource func() float64

// Connector consumes the public ticker stream of a Bybit-compatible
// exchange.
type Connector struct {
	*exchange.Base

	mu        sync.Mutex
	conn      *websocket.Conn
	apiKey    string
	apiSecret string

	rateSource RateSource

	tickerMu    sync.RWMutex
	lastTickers map[string]*types.TickerData

	reconnect retry.Options
}

// New builds a push-based connector from configuration. It satisfies
// exchange.Factory.
func New(name string, cfg *config.ExchangeConfig, store *state.Store) (exchange.Connector, error) {
	if cfg.WSURL == "" {
		return nil, types.NewConfigError(fmt.Sprintf("exchange %s: ws_url is required", name))
	}
	return &Connector{
		Base:        exchange.NewBase(name, cfg, store),
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		rateSource:  func() float64 { return 0 },
		lastTickers: make(map[string]*types.TickerData),
		reconnect: retry.Options{
			Retries:       5,
			Delay:         time.Second,
			BackoffFactor: 2.0,
		},
	}, nil
}

// SetRateSource plugs in a live fiat-rate source, typically the Rate
// accessor of a REST connector running against the same exchange.
func (c *Connector) SetRateSource(src RateSource) {
	if src != nil {
		c.rateSource = src
	}
}

// Connect dials the stream and authenticates when credentials are
// configured. Public ticker topics work unauthenticated.
func (c *Connector) Connect(ctx context.Context) bool {
	c.Logger().Info().Str("url", c.Config().WSURL).Msg("connecting to websocket")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.Config().WSURL, nil)
	if err != nil {
		c.Logger().Error().Err(err).Msg("websocket dial failed")
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.apiKey != "" && c.apiSecret != "" {
		if err := c.authenticate(); err != nil {
			c.Logger().Error().Err(err).Msg("websocket authentication failed")
			c.Disconnect()
			return false
		}
	}

	c.Logger().Info().Msg("websocket connected")
	return true
}

// Disconnect closes the socket. Safe to call repeatedly and before
// Connect ever succeeded; closing also unblocks a pending read so the
// update loop observes the stop promptly.
func (c *Connector) Disconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.Logger().Info().Msg("websocket closed")
	}
	return true
}

// SubscribeToTickers declares interest in the ticker topics for the given
// symbols.
func (c *Connector) SubscribeToTickers(_ context.Context, symbols []string) bool {
	args := make([]interface{}, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	if err := c.sendJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
		c.Logger().Error().Err(err).Msg("failed to send subscription")
		return false
	}
	c.Logger().Info().Strs("symbols", symbols).Msg("subscribed to ticker topics")
	return true
}

// FetchTickerData returns the last pushed ticker for symbol, or nil when
// nothing has arrived yet.
func (c *Connector) FetchTickerData(_ context.Context, symbol string) (*types.TickerData, error) {
	c.tickerMu.RLock()
	defer c.tickerMu.RUnlock()
	t, ok := c.lastTickers[state.CanonicalSymbol(symbol)]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// Start runs the full connector lifecycle until stopped.
func (c *Connector) Start(ctx context.Context) {
	c.RunLifecycle(ctx, c)
}

// Stop requests cancellation and closes the socket, which unblocks the
// read loop immediately.
func (c *Connector) Stop() {
	c.RequestStop()
	c.Disconnect()
}

// ProcessUpdates reads pushed messages until stopped, reconnecting with
// backoff on stream errors.
func (c *Connector) ProcessUpdates(ctx context.Context) {
	c.Logger().Info().Msg("starting stream loop")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(ctx)
	}()

	for !c.stopped(ctx) {
		message, err := c.readMessage()
		if err != nil {
			if c.stopped(ctx) {
				break
			}
			c.Logger().Warn().Err(err).Msg("stream read failed, reconnecting")
			if !c.reconnectStream(ctx) {
				// Fatal for this connector; release the ping loop too.
				c.RequestStop()
				break
			}
			continue
		}
		c.handleMessage(message)
	}

	wg.Wait()
	c.Logger().Info().Msg("stream loop stopped")
}

func (c *Connector) stopped(ctx context.Context) bool {
	select {
	case <-c.StopRequested():
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Connector) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.sendJSON(map[string]interface{}{"op": "ping"}); err != nil {
				c.Logger().Debug().Err(err).Msg("ping failed")
			}
		case <-c.StopRequested():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) reconnectStream(ctx context.Context) bool {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		c.Disconnect()
		if !c.Connect(ctx) {
			return struct{}{}, types.NewNetworkError("websocket reconnect failed", nil)
		}
		if !c.SubscribeToTickers(ctx, c.TradingPairs()) {
			return struct{}{}, types.NewNetworkError("resubscribe failed", nil)
		}
		return struct{}{}, nil
	}, c.reconnect)
	if err != nil {
		c.Logger().Error().Err(err).Msg("giving up on stream reconnect")
		return false
	}
	return true
}

// streamMessage covers both op acknowledgments and ticker pushes.
type streamMessage struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	Topic   string `json:"topic"`
	Data    struct {
		Symbol       string `json:"symbol"`
		LastPrice    string `json:"lastPrice"`
		Volume24h    string `json:"volume24h"`
		Price24hPcnt string `json:"price24hPcnt"`
		HighPrice24h string `json:"highPrice24h"`
		LowPrice24h  string `json:"lowPrice24h"`
	} `json:"data"`
	TS int64 `json:"ts"`
}

func (c *Connector) handleMessage(raw []byte) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Logger().Warn().Err(err).Msg("skipping malformed stream message")
		return
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			c.Logger().Warn().Str("op", msg.Op).Msg("stream operation rejected")
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.Symbol == "" {
		return
	}

	ticker := &types.TickerData{
		Symbol:         msg.Data.Symbol,
		LastPrice:      parseFloat(msg.Data.LastPrice),
		Volume24h:      parseFloat(msg.Data.Volume24h),
		PriceChange24h: parseFloat(msg.Data.Price24hPcnt) * 100,
		High24h:        parseFloat(msg.Data.HighPrice24h),
		Low24h:         parseFloat(msg.Data.LowPrice24h),
		Timestamp:      time.UnixMilli(msg.TS),
	}

	c.tickerMu.Lock()
	c.lastTickers[state.CanonicalSymbol(ticker.Symbol)] = ticker
	c.tickerMu.Unlock()

	ref := state.CanonicalSymbol(c.Config().ReferenceAsset)
	baseAsset := strings.TrimSuffix(ticker.Symbol, ref)
	spot := ticker.LastPrice
	price := ratemath.ConvertPrice(spot, c.rateSource())

	c.UpdateAppState(baseAsset, price, nil, types.Float64Ptr(spot))
	c.Logger().Debug().Str("symbol", baseAsset).Float64("price", price).Float64("spot", spot).Msg("stream asset updated")
}

func (c *Connector) authenticate() error {
	expires := time.Now().UnixMilli() + 1000
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	fmt.Fprintf(h, "GET/realtime%d", expires)
	signature := hex.EncodeToString(h.Sum(nil))

	return c.sendJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{c.apiKey, expires, signature},
	})
}

func (c *Connector) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return types.NewNetworkError("websocket connection is nil", nil)
	}
	return c.conn.WriteJSON(v)
}

func (c *Connector) readMessage() ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, types.NewNetworkError("websocket connection is nil", nil)
	}
	_, message, err := conn.ReadMessage()
	return message, err
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
