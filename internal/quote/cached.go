package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedProvider wraps a Provider with a Redis read-through cache. Reads
// check Redis first then fall back to the upstream; a cache failure never
// fails the read.
type CachedProvider struct {
	upstream Provider
	rdb      *redis.Client
	ttl      time.Duration
}

// NewCachedProvider creates a cached wrapper around an upstream provider.
func NewCachedProvider(upstream Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		rdb:      rdb,
		ttl:      ttl,
	}
}

func (p *CachedProvider) Get(ctx context.Context, ticker string) (*Quote, error) {
	// Try cache.
	data, err := p.rdb.Get(ctx, quoteKey(ticker)).Bytes()
	if err == nil {
		var q Quote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	}

	// Cache miss: fetch upstream.
	q, err := p.upstream.Get(ctx, ticker)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(q); err == nil {
		p.rdb.Set(ctx, quoteKey(ticker), data, p.ttl)
	}
	return q, nil
}

func quoteKey(ticker string) string { return fmt.Sprintf("quote:%s", ticker) }
