// Package binance adapts the Binance REST API to the connector
// contract. Spot klines and market enumeration come from the spot API;
// funding and open interest come from the USD-M futures API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/models"
)

const (
	defaultSpotURL    = "https://api.binance.com"
	defaultFuturesURL = "https://fapi.binance.com"
	defaultUserAgent  = "coinpulse/1.0"
)

// Config tunes the adapter. Zero values use the public endpoints.
type Config struct {
	SpotURL    string
	FuturesURL string
	Timeout    time.Duration
	UserAgent  string
}

// Connector is the Binance source adapter. Request throttling and
// retries belong to the policy layer, not here.
type Connector struct {
	cfg    Config
	client *http.Client
}

var _ connector.Connector = (*Connector)(nil)

// New creates a Binance adapter.
func New(cfg Config) *Connector {
	if cfg.SpotURL == "" {
		cfg.SpotURL = defaultSpotURL
	}
	if cfg.FuturesURL == "" {
		cfg.FuturesURL = defaultFuturesURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Connector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Connector) Name() string { return "binance" }

// nativeSymbol renders "BTC/USDT" as Binance's "BTCUSDT".
func nativeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (c *Connector) FetchOHLCV(ctx context.Context, symbol string, tf models.Timeframe, since time.Time, limit int) ([]connector.Bar, connector.FetchMeta, error) {
	if !tf.Valid() {
		return nil, connector.FetchMeta{}, connector.NewFetchError(connector.KindBadRequest, fmt.Sprintf("unsupported timeframe %q", tf), nil)
	}
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	q.Set("interval", string(tf)) // timeframe tokens match Binance intervals
	q.Set("startTime", fmt.Sprintf("%d", since.UTC().UnixMilli()))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	body, meta, err := c.get(ctx, c.cfg.SpotURL, "/api/v3/klines", q)
	if err != nil {
		return nil, meta, err
	}

	// Klines arrive as positional arrays with prices quoted as strings.
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, meta, connector.NewFetchError(connector.KindParse, "malformed klines payload", err)
	}

	bars := make([]connector.Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, meta, connector.NewFetchError(connector.KindParse, "kline row too short", nil)
		}
		var openMs int64
		if err := json.Unmarshal(k[0], &openMs); err != nil {
			return nil, meta, connector.NewFetchError(connector.KindParse, "bad kline open time", err)
		}
		bar := connector.Bar{Time: time.UnixMilli(openMs).UTC()}
		for i, dst := range []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume} {
			var s string
			if err := json.Unmarshal(k[i+1], &s); err != nil {
				return nil, meta, connector.NewFetchError(connector.KindParse, "bad kline field", err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, meta, connector.NewFetchError(connector.KindParse, fmt.Sprintf("bad kline decimal %q", s), err)
			}
			*dst = d
		}
		bars = append(bars, bar)
	}
	return bars, meta, nil
}

func (c *Connector) FetchLatestFunding(ctx context.Context, symbol string) (*connector.FundingPoint, connector.FetchMeta, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	body, meta, err := c.get(ctx, c.cfg.FuturesURL, "/fapi/v1/premiumIndex", q)
	if err != nil {
		return nil, meta, err
	}

	var resp struct {
		LastFundingRate string `json:"lastFundingRate"`
		Time            int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, meta, connector.NewFetchError(connector.KindParse, "malformed premium index payload", err)
	}
	if resp.LastFundingRate == "" {
		return nil, meta, nil
	}
	rate, err := decimal.NewFromString(resp.LastFundingRate)
	if err != nil {
		return nil, meta, connector.NewFetchError(connector.KindParse, fmt.Sprintf("bad funding rate %q", resp.LastFundingRate), err)
	}
	return &connector.FundingPoint{
		Time: time.UnixMilli(resp.Time).UTC(),
		Rate: rate,
	}, meta, nil
}

func (c *Connector) FetchOpenInterest(ctx context.Context, symbol string) (*connector.OIPoint, connector.FetchMeta, error) {
	q := url.Values{}
	q.Set("symbol", nativeSymbol(symbol))
	body, meta, err := c.get(ctx, c.cfg.FuturesURL, "/fapi/v1/openInterest", q)
	if err != nil {
		return nil, meta, err
	}

	var resp struct {
		OpenInterest string `json:"openInterest"`
		Time         int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, meta, connector.NewFetchError(connector.KindParse, "malformed open interest payload", err)
	}
	if resp.OpenInterest == "" {
		return nil, meta, nil
	}
	value, err := decimal.NewFromString(resp.OpenInterest)
	if err != nil {
		return nil, meta, connector.NewFetchError(connector.KindParse, fmt.Sprintf("bad open interest %q", resp.OpenInterest), err)
	}
	return &connector.OIPoint{
		Time:  time.UnixMilli(resp.Time).UTC(),
		Value: value,
	}, meta, nil
}

func (c *Connector) FetchWhaleTransactions(context.Context, string, time.Time, time.Time, int) ([]connector.WhaleTx, connector.FetchMeta, error) {
	return nil, connector.FetchMeta{}, connector.ErrUnsupported
}

func (c *Connector) FetchETFFlows(context.Context, string, int) ([]connector.FlowRecord, connector.FetchMeta, error) {
	return nil, connector.FetchMeta{}, connector.ErrUnsupported
}

func (c *Connector) FetchEventCalendar(context.Context, int) ([]connector.EventRecord, connector.FetchMeta, error) {
	return nil, connector.FetchMeta{}, connector.ErrUnsupported
}

func (c *Connector) FetchSentiment(context.Context) (*connector.SentimentPoint, connector.FetchMeta, error) {
	return nil, connector.FetchMeta{}, connector.ErrUnsupported
}

func (c *Connector) GetMarkets(ctx context.Context) ([]string, error) {
	body, _, err := c.get(ctx, c.cfg.SpotURL, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, connector.NewFetchError(connector.KindParse, "malformed exchange info payload", err)
	}
	out := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out = append(out, s.BaseAsset+"/"+s.QuoteAsset)
	}
	return out, nil
}

func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// get issues one GET and classifies every failure as a *FetchError.
// Rate-limit headers pass through verbatim for the policy layer.
func (c *Connector) get(ctx context.Context, base, endpoint string, q url.Values) ([]byte, connector.FetchMeta, error) {
	u := base + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, connector.FetchMeta{}, connector.NewFetchError(connector.KindBadRequest, "build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, connector.FetchMeta{}, ctx.Err()
		}
		return nil, connector.FetchMeta{}, connector.NewFetchError(connector.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	meta := connector.FetchMeta{RateLimitHeaders: rateLimitHeaders(resp.Header)}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, meta, connector.NewFetchError(connector.KindNetwork, "read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		fe := &connector.FetchError{
			Kind:         connector.ClassifyStatus(resp.StatusCode),
			SourceStatus: resp.StatusCode,
			Message:      strings.TrimSpace(string(body)),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := time.ParseDuration(ra + "s"); perr == nil {
				fe.RetryAfter = secs
			}
		}
		return nil, meta, fe
	}
	return body, meta, nil
}

func rateLimitHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-mbx-used-weight") || lower == "retry-after" {
			out[name] = h.Get(name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
