package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/connector"
	"github.com/coinpulse/collector/internal/models"
)

func newTestConnector(handler http.Handler) (*Connector, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(Config{SpotURL: srv.URL, FuturesURL: srv.URL, Timeout: time.Second}), srv
}

func TestFetchOHLCV_ParsesKlines(t *testing.T) {
	c, srv := newTestConnector(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		w.Write([]byte(`[
			[1756000000000,"100.1","101.2","99.3","100.5","12.34",1756000059999,"0",0,"0","0","0"],
			[1756000060000,"100.5","102.0","100.4","101.9","8.00",1756000119999,"0",0,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	bars, _, err := c.FetchOHLCV(context.Background(), "BTC/USDT", models.Timeframe1m, time.UnixMilli(1756000000000), 500)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, time.UnixMilli(1756000000000).UTC(), bars[0].Time)
	assert.Equal(t, "100.1", bars[0].Open.String())
	assert.Equal(t, "12.34", bars[0].Volume.String())
	assert.Equal(t, "101.9", bars[1].Close.String())
}

func TestFetchOHLCV_RateLimitCarriesRetryAfter(t *testing.T) {
	c, srv := newTestConnector(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := c.FetchOHLCV(context.Background(), "BTC/USDT", models.Timeframe1m, time.Now().Add(-time.Hour), 10)
	require.Error(t, err)
	fe := connector.AsFetchError(err)
	assert.Equal(t, connector.KindRateLimit, fe.Kind)
	assert.Equal(t, http.StatusTooManyRequests, fe.SourceStatus)
	assert.Equal(t, 7*time.Second, fe.RetryAfter)
}

func TestFetchOHLCV_MalformedPayloadIsParseError(t *testing.T) {
	c, srv := newTestConnector(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, _, err := c.FetchOHLCV(context.Background(), "NOPE/USDT", models.Timeframe1m, time.Now(), 10)
	require.Error(t, err)
	assert.Equal(t, connector.KindParse, connector.AsFetchError(err).Kind)
}

func TestFetchLatestFunding(t *testing.T) {
	c, srv := newTestConnector(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		w.Write([]byte(`{"symbol":"BTCUSDT","lastFundingRate":"0.00010000","time":1756000000000}`))
	}))
	defer srv.Close()

	p, _, err := c.FetchLatestFunding(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "0.0001", p.Rate.String())
	assert.Equal(t, time.UnixMilli(1756000000000).UTC(), p.Time)
}

func TestFetchOpenInterest(t *testing.T) {
	c, srv := newTestConnector(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/openInterest", r.URL.Path)
		w.Write([]byte(`{"openInterest":"91234.567","symbol":"BTCUSDT","time":1756000000000}`))
	}))
	defer srv.Close()

	p, _, err := c.FetchOpenInterest(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "91234.567", p.Value.String())
}

func TestGetMarkets_FiltersNonTrading(t *testing.T) {
	c, srv := newTestConnector(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		w.Write([]byte(`{"symbols":[
			{"baseAsset":"BTC","quoteAsset":"USDT","status":"TRADING"},
			{"baseAsset":"OLD","quoteAsset":"USDT","status":"BREAK"}
		]}`))
	}))
	defer srv.Close()

	symbols, err := c.GetMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, symbols)
}

func TestUnsupportedOperations(t *testing.T) {
	c := New(Config{})
	_, _, err := c.FetchSentiment(context.Background())
	assert.ErrorIs(t, err, connector.ErrUnsupported)
	_, _, err = c.FetchETFFlows(context.Background(), "BTC", 7)
	assert.ErrorIs(t, err, connector.ErrUnsupported)
}
