// Package bybit implements the REST-polling connector for the Bybit v5
// API. It runs two refresh loops: a P2P fiat-rate loop that derives the
// reference-asset conversion rate from peer-to-peer ads, and a ticker loop
// that fans out spot ticker fetches and converts them into the reporting
// currency.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umbrellasoft/ratecore/internal/config"
	"github.com/umbrellasoft/ratecore/internal/exchange"
	"github.com/umbrellasoft/ratecore/internal/ratemath"
	"github.com/umbrellasoft/ratecore/internal/retry"
	"github.com/umbrellasoft/ratecore/internal/state"
	"github.com/umbrellasoft/ratecore/internal/types"
)

const (
	tickerEndpoint = "/v5/market/tickers"
	p2pEndpoint    = "/v5/p2p/item/online"

	recvWindow = "20000"

	// Bybit v5 application-level return codes.
	retCodeInvalidAPIKey = 10003
	retCodeInvalidSign   = 10004
	retCodeRateLimit     = 10006
)

// Connector polls the Bybit REST API. Any exchange whose API speaks the
// same protocol can reuse it by pointing its configuration here; nothing
// in the type is Bybit-specific beyond the endpoint shapes.
type Connector struct {
	*exchange.Base

	httpClient *http.Client
	apiKey     string
	apiSecret  string

	rateMu sync.RWMutex
	rate   float64 // reference asset quoted in the reporting fiat currency

	fetchRetry retry.Options
}

// New builds a REST-polling connector from configuration. It satisfies
// exchange.Factory.
func New(name string, cfg *config.ExchangeConfig, store *state.Store) (exchange.Connector, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base_url %q: %w", cfg.BaseURL, err)
	}

	c := &Connector{
		Base:       exchange.NewBase(name, cfg, store),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		fetchRetry: retry.Options{
			Retries:       1,
			Delay:         500 * time.Millisecond,
			BackoffFactor: 2.0,
			RetryIf:       isTransient,
		},
	}

	if c.apiKey == "" || c.apiSecret == "" {
		c.Logger().Warn().Msg("api credentials not configured, P2P fiat rate will be unavailable")
	}
	return c, nil
}

func isTransient(err error) bool {
	return types.IsKind(err, types.KindNetwork) || types.IsKind(err, types.KindRateLimit)
}

// Connect prepares the HTTP session and primes the fiat rate once so the
// first ticker cycle already converts. A failed priming is not fatal; the
// rate stays at its previous value (zero on first start).
func (c *Connector) Connect(ctx context.Context) bool {
	c.Logger().Info().Msg("connecting")

	if c.hasCredentials() {
		rate, found, err := c.fetchP2PRate(ctx)
		switch {
		case err != nil:
			c.Logger().Error().Err(err).Msg("initial P2P rate fetch failed")
		case !found:
			c.Logger().Warn().Msg("no P2P ads found during initial rate fetch")
		default:
			c.setRate(rate)
			c.Logger().Info().Float64("rate", rate).Msg("initial P2P rate fetched")
		}
	}

	c.Logger().Info().Msg("connected")
	return true
}

// Disconnect releases pooled connections. Safe to call repeatedly, from
// any goroutine, and before Connect ever succeeded. The client pointer is
// left in place so in-flight loop iterations fail cleanly instead of
// racing on the field.
func (c *Connector) Disconnect() bool {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.Logger().Info().Msg("disconnected")
	}
	return true
}

// SubscribeToTickers is a no-op acknowledgment for the polling transport.
func (c *Connector) SubscribeToTickers(_ context.Context, symbols []string) bool {
	c.Logger().Info().Strs("symbols", symbols).Msg("tracking tickers")
	return true
}

// Start runs the full connector lifecycle until stopped.
func (c *Connector) Start(ctx context.Context) {
	c.RunLifecycle(ctx, c)
}

// Stop requests cooperative cancellation of the refresh loops and
// releases the session.
func (c *Connector) Stop() {
	c.RequestStop()
	c.Disconnect()
}

// ProcessUpdates drives both refresh loops until the stop signal or
// context cancellation is observed.
func (c *Connector) ProcessUpdates(ctx context.Context) {
	c.Logger().Info().Msg("starting update loops")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.rateLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.tickerLoop(ctx)
	}()
	wg.Wait()
}

// Rate returns the current reference-asset rate in the reporting fiat
// currency, zero when no successful P2P fetch has happened yet.
func (c *Connector) Rate() float64 {
	c.rateMu.RLock()
	defer c.rateMu.RUnlock()
	return c.rate
}

func (c *Connector) setRate(rate float64) {
	c.rateMu.Lock()
	c.rate = rate
	c.rateMu.Unlock()
}

func (c *Connector) hasCredentials() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

// rateLoop refreshes the P2P fiat rate on its own period. On any failure
// the previous rate is retained; it never decays to zero once set.
func (c *Connector) rateLoop(ctx context.Context) {
	if !c.hasCredentials() {
		c.Logger().Warn().Msg("P2P rate loop skipped: api credentials not configured")
		return
	}

	interval := c.Config().RateInterval
	ref := state.CanonicalSymbol(c.Config().ReferenceAsset)
	c.Logger().Info().Dur("interval", interval).Str("fiat", c.Config().FiatCurrency).Msg("starting P2P rate loop")

	for {
		rate, found, err := c.fetchP2PRate(ctx)
		switch {
		case err != nil:
			c.Logger().Error().Err(err).Msg("P2P rate fetch failed, keeping previous rate")
		case !found:
			c.Logger().Warn().Msg("no P2P ads found, keeping previous rate")
		default:
			c.setRate(rate)
			c.UpdateAppState(ref, rate, nil, types.Float64Ptr(rate))
			c.Logger().Debug().Float64("rate", rate).Msg("P2P rate updated")
		}

		if !c.waitNext(ctx, interval) {
			c.Logger().Info().Msg("P2P rate loop stopped")
			return
		}
	}
}

// tickerLoop refreshes every tracked trading pair on a self-correcting
// period: a slow cycle eats into the next sleep instead of compounding
// delay.
func (c *Connector) tickerLoop(ctx context.Context) {
	interval := c.Config().TickerInterval
	ref := state.CanonicalSymbol(c.Config().ReferenceAsset)
	c.Logger().Info().Dur("interval", interval).Msg("starting ticker loop")

	for {
		start := time.Now()
		c.refreshTickers(ctx, ref)

		elapsed := time.Since(start)
		sleep := interval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		if !c.waitNext(ctx, sleep) {
			c.Logger().Info().Msg("ticker loop stopped")
			return
		}
	}
}

// refreshTickers fans out one concurrent fetch per trading pair and folds
// the results into the store. One symbol's failure never aborts the batch.
func (c *Connector) refreshTickers(ctx context.Context, ref string) {
	pairs := c.TradingPairs()
	cycle := uuid.NewString()

	results := make([]*types.TickerData, len(pairs))
	errs := make([]error, len(pairs))

	var wg sync.WaitGroup
	for i, symbol := range pairs {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			results[i], errs[i] = retry.Do(ctx, func(ctx context.Context) (*types.TickerData, error) {
				return c.FetchTickerData(ctx, symbol)
			}, c.fetchRetry)
		}(i, symbol)
	}
	wg.Wait()

	rate := c.Rate()
	if rate <= 0 {
		c.Logger().Warn().Str("cycle", cycle).Msg("reference asset rate not available, reporting prices will be zero")
	}

	for i, symbol := range pairs {
		if errs[i] != nil {
			c.Logger().Error().Err(errs[i]).Str("symbol", symbol).Str("cycle", cycle).Msg("ticker fetch failed")
			continue
		}
		ticker := results[i]
		if ticker == nil {
			// Empty upstream response; nothing to store.
			continue
		}

		baseAsset := symbol[:len(symbol)-len(ref)]
		spot := ticker.LastPrice
		price := ratemath.ConvertPrice(spot, rate)

		c.UpdateAppState(baseAsset, price, nil, types.Float64Ptr(spot))
		c.Logger().Debug().
			Str("symbol", baseAsset).
			Str("cycle", cycle).
			Float64("price", price).
			Float64("spot", spot).
			Msg("asset updated")
	}
}

// waitNext sleeps for d, returning false when the connector should stop.
func (c *Connector) waitNext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.StopRequested():
		return false
	case <-ctx.Done():
		return false
	}
}

// FetchTickerData fetches a single spot ticker. A well-formed but empty
// response yields (nil, nil); transport and protocol failures yield a
// typed error.
func (c *Connector) FetchTickerData(ctx context.Context, symbol string) (*types.TickerData, error) {
	client := c.httpClient
	if client == nil {
		return nil, types.NewNetworkError("http session not initialized", nil)
	}

	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", symbol)
	reqURL := c.Config().BaseURL + tickerEndpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewNetworkError("failed to build ticker request", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, types.NewNetworkError("ticker request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewNetworkError("failed to read ticker response", err)
	}

	if err := c.checkStatus(resp, tickerEndpoint, body); err != nil {
		return nil, err
	}

	var parsed tickerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.NewDataError("malformed ticker response", err)
	}
	if err := c.checkRetCode(parsed.RetCode, parsed.RetMsg, tickerEndpoint, body); err != nil {
		return nil, err
	}

	if len(parsed.Result.List) == 0 {
		c.Logger().Warn().Str("symbol", symbol).Msg("no ticker data in response")
		return nil, nil
	}

	item := parsed.Result.List[0]
	return &types.TickerData{
		Symbol:         symbol,
		LastPrice:      parseFloat(item.LastPrice),
		Volume24h:      parseFloat(item.Volume24h),
		PriceChange24h: parseFloat(item.Price24hPcnt) * 100,
		High24h:        parseFloat(item.HighPrice24h),
		Low24h:         parseFloat(item.LowPrice24h),
		Timestamp:      time.Now(),
	}, nil
}

// fetchP2PRate POSTs a signed request for peer-to-peer ads selling the
// reference asset against the configured fiat currency and takes the
// first listed ad's price as the representative rate. That mirrors what
// the desk actually quotes from; no weighting or outlier filtering.
func (c *Connector) fetchP2PRate(ctx context.Context) (rate float64, found bool, err error) {
	client := c.httpClient
	if client == nil {
		return 0, false, types.NewNetworkError("http session not initialized", nil)
	}

	payload := p2pRequest{
		TokenID:    state.CanonicalSymbol(c.Config().ReferenceAsset),
		CurrencyID: c.Config().FiatCurrency,
		Page:       "2",
		Side:       "1",
		Payment:    []string{"75"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, false, types.NewDataError("failed to marshal P2P request", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := c.sign(timestamp + c.apiKey + recvWindow + string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Config().BaseURL+p2pEndpoint, bytes.NewReader(body))
	if err != nil {
		return 0, false, types.NewNetworkError("failed to build P2P request", err)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, false, types.NewNetworkError("P2P request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false, types.NewNetworkError("failed to read P2P response", err)
	}

	if err := c.checkStatus(resp, p2pEndpoint, respBody); err != nil {
		return 0, false, err
	}

	var parsed p2pResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, false, types.NewDataError("malformed P2P response", err)
	}
	if err := c.checkRetCode(parsed.RetCode, parsed.RetMsg, p2pEndpoint, respBody); err != nil {
		return 0, false, err
	}

	if len(parsed.Result.Items) == 0 {
		return 0, false, nil
	}

	price, err := strconv.ParseFloat(parsed.Result.Items[0].Price, 64)
	if err != nil {
		return 0, false, types.NewDataError(fmt.Sprintf("unparseable P2P ad price %q", parsed.Result.Items[0].Price), err)
	}
	return price, true, nil
}

// sign produces the hex HMAC-SHA256 signature Bybit expects over
// timestamp + api key + recv window + request body.
func (c *Connector) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Connector) checkStatus(resp *http.Response, endpoint string, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewAuthError("credentials rejected", c.Name(), endpoint, resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewRateLimitError("request throttled", c.Name(), endpoint, resp.StatusCode, retryAfterHeader(resp))
	case resp.StatusCode != http.StatusOK:
		return types.NewAPIError(fmt.Sprintf("unexpected status %d", resp.StatusCode), c.Name(), endpoint, resp.StatusCode, string(body))
	}
	return nil
}

func (c *Connector) checkRetCode(retCode int, retMsg, endpoint string, body []byte) error {
	switch retCode {
	case 0:
		return nil
	case retCodeInvalidAPIKey, retCodeInvalidSign:
		return types.NewAuthError(fmt.Sprintf("api rejected credentials: %s", retMsg), c.Name(), endpoint, http.StatusOK, string(body))
	case retCodeRateLimit:
		return types.NewRateLimitError(fmt.Sprintf("api rate limit: %s", retMsg), c.Name(), endpoint, http.StatusOK, 0)
	default:
		return types.NewAPIError(fmt.Sprintf("api returned error %d: %s", retCode, retMsg), c.Name(), endpoint, http.StatusOK, string(body))
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
