package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each symbol's
// ticker lives at "ticker:{symbol}" with fields bid, ask, last and ts (Unix
// nanoseconds). Entries expire after ttl so a dead feed cannot serve stale
// prices forever.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A zero ttl
// keeps entries until overwritten.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func tickerKey(symbol string) string {
	return "ticker:" + symbol
}

// SetTicker stores the latest ticker for t.Symbol.
func (pc *PriceCache) SetTicker(ctx context.Context, t domain.Ticker) error {
	key := tickerKey(t.Symbol)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, tickerFields(t))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", t.Symbol, err)
	}
	return nil
}

// GetTicker returns the cached ticker for symbol, or an error wrapping
// domain.ErrNoTicker when none is cached.
func (pc *PriceCache) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickerKey(symbol)).Result()
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s: %w", symbol, domain.ErrNoTicker)
	}
	t, err := parseTicker(symbol, vals)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s: %w", symbol, err)
	}
	return t, nil
}

func tickerFields(t domain.Ticker) map[string]any {
	return map[string]any{
		"bid":  t.Bid.String(),
		"ask":  t.Ask.String(),
		"last": t.Last.String(),
		"ts":   strconv.FormatInt(t.Time.UnixNano(), 10),
	}
}

func parseTicker(symbol string, vals map[string]string) (domain.Ticker, error) {
	t := domain.Ticker{Symbol: symbol}
	var err error
	for field, dst := range map[string]*decimal.Decimal{"bid": &t.Bid, "ask": &t.Ask, "last": &t.Last} {
		raw, ok := vals[field]
		if !ok {
			continue
		}
		if *dst, err = decimal.NewFromString(raw); err != nil {
			return domain.Ticker{}, fmt.Errorf("parse %s: %w", field, err)
		}
	}
	if raw, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.Ticker{}, fmt.Errorf("parse ts: %w", err)
		}
		t.Time = time.Unix(0, ns).UTC()
	}
	return t, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
