package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/collector/internal/store/memory"
)

func TestPriceCache_RedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	c := NewPriceCache(rdb, time.Minute)

	price := decimal.NewFromFloat(64250.5)
	mock.ExpectSet("coinpulse:price:BTC", price.String(), time.Minute).SetVal("OK")
	c.SetPrice(ctx, "BTC", price)

	mock.ExpectGet("coinpulse:price:BTC").SetVal(price.String())
	got, ok := c.Price(ctx, "BTC")
	require.True(t, ok)
	assert.True(t, price.Equal(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPriceCache_FallsBackToLocalOnRedisError(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	c := NewPriceCache(rdb, time.Minute)

	price := decimal.NewFromInt(3200)
	mock.ExpectSet("coinpulse:price:ETH", price.String(), time.Minute).SetErr(assert.AnError)
	c.SetPrice(ctx, "ETH", price)

	mock.ExpectGet("coinpulse:price:ETH").SetErr(assert.AnError)
	got, ok := c.Price(ctx, "ETH")
	require.True(t, ok, "a Redis outage must not lose the locally cached price")
	assert.True(t, price.Equal(got))
}

func TestPriceCache_InMemoryOnlyExpires(t *testing.T) {
	ctx := context.Background()
	c := NewPriceCache(nil, time.Minute)

	_, ok := c.Price(ctx, "BTC")
	assert.False(t, ok)

	c.SetPrice(ctx, "BTC", decimal.NewFromInt(60000))
	got, ok := c.Price(ctx, "BTC")
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.NewFromInt(60000)))

	c.mu.Lock()
	e := c.local["BTC"]
	e.expires = time.Now().Add(-time.Second)
	c.local["BTC"] = e
	c.mu.Unlock()

	_, ok = c.Price(ctx, "BTC")
	assert.False(t, ok, "stale entries must not be served")
}

func TestBlockchainIDs_MemoizesRegistryLookups(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ids := NewBlockchainIDs(st)

	first, err := ids.ID(ctx, "ethereum")
	require.NoError(t, err)
	again, err := ids.ID(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := ids.ID(ctx, "tron")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}
