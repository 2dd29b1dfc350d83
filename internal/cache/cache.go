// Package cache holds the process's read-mostly lookaside state: the
// shared asset price cache (Redis-backed when an address is configured,
// in-memory otherwise) and the blockchain-ID map. Cache misses are
// never errors; callers fall back to their own sources.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/collector/internal/store"
)

const priceKeyPrefix = "coinpulse:price:"

type priceEntry struct {
	price   decimal.Decimal
	expires time.Time
}

// PriceCache serves recent asset prices for USD enrichment. Writes go
// to both Redis and the local map; reads prefer Redis so multiple
// collector processes share one view, degrading to local on any Redis
// failure.
type PriceCache struct {
	rdb redis.Cmdable
	ttl time.Duration

	mu    sync.RWMutex
	local map[string]priceEntry
}

// NewPriceCache builds a cache. rdb may be nil for in-memory only.
func NewPriceCache(rdb redis.Cmdable, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PriceCache{rdb: rdb, ttl: ttl, local: make(map[string]priceEntry)}
}

// SetPrice records the latest observed price for an asset symbol.
func (c *PriceCache) SetPrice(ctx context.Context, asset string, price decimal.Decimal) {
	c.mu.Lock()
	c.local[asset] = priceEntry{price: price, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, priceKeyPrefix+asset, price.String(), c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("asset", asset).Msg("Redis price write failed, local cache still holds it")
	}
}

// Price returns the cached price for an asset, if fresh.
func (c *PriceCache) Price(ctx context.Context, asset string) (decimal.Decimal, bool) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, priceKeyPrefix+asset).Result()
		if err == nil {
			if p, perr := decimal.NewFromString(raw); perr == nil {
				return p, true
			}
		} else if err != redis.Nil {
			log.Debug().Err(err).Str("asset", asset).Msg("Redis price read failed, falling back to local cache")
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.local[asset]
	if !ok || time.Now().After(e.expires) {
		return decimal.Decimal{}, false
	}
	return e.price, true
}

// BlockchainIDs memoizes chain-name to registry-ID resolution so the
// whale cycle does not hit the registry table per transaction.
type BlockchainIDs struct {
	store store.MarketStore

	mu  sync.Mutex
	ids map[string]int64
}

// NewBlockchainIDs builds the memoized resolver.
func NewBlockchainIDs(st store.MarketStore) *BlockchainIDs {
	return &BlockchainIDs{store: st, ids: make(map[string]int64)}
}

// ID resolves a chain name, consulting the registry once per name.
func (b *BlockchainIDs) ID(ctx context.Context, name string) (int64, error) {
	b.mu.Lock()
	if id, ok := b.ids[name]; ok {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	id, err := b.store.GetOrCreateBlockchain(ctx, name)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.ids[name] = id
	b.mu.Unlock()
	return id, nil
}
