package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// BookCache mirrors top-N ladders for out-of-process readers.
//
// Key schema:
//
//	book:{symbol}      - JSON encoded domain.BookView
//	book:{symbol}:bbo  - hash with fields "bid", "ask" and "update_id"
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(symbol string) string    { return "book:" + symbol }
func bookBBOKey(symbol string) string { return "book:" + symbol + ":bbo" }

// SetBook atomically replaces the mirrored ladder and best prices.
func (bc *BookCache) SetBook(ctx context.Context, view domain.BookView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: encode book %s: %w", view.Symbol, err)
	}
	bbo := map[string]any{"update_id": view.LastUpdateID}
	if len(view.Bids) > 0 {
		bbo["bid"] = view.Bids[0].Price.String()
	}
	if len(view.Asks) > 0 {
		bbo["ask"] = view.Asks[0].Price.String()
	}

	pipe := bc.rdb.TxPipeline()
	pipe.Set(ctx, bookKey(view.Symbol), data, bc.ttl)
	pipe.Del(ctx, bookBBOKey(view.Symbol))
	pipe.HSet(ctx, bookBBOKey(view.Symbol), bbo)
	if bc.ttl > 0 {
		pipe.Expire(ctx, bookBBOKey(view.Symbol), bc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", view.Symbol, err)
	}
	return nil
}

// GetBook returns the mirrored ladder or domain.ErrNotFound.
func (bc *BookCache) GetBook(ctx context.Context, symbol string) (domain.BookView, error) {
	data, err := bc.rdb.Get(ctx, bookKey(symbol)).Bytes()
	if err == redis.Nil {
		return domain.BookView{}, fmt.Errorf("redis: get book %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BookView{}, fmt.Errorf("redis: get book %s: %w", symbol, err)
	}
	var view domain.BookView
	if err := json.Unmarshal(data, &view); err != nil {
		return domain.BookView{}, fmt.Errorf("redis: decode book %s: %w", symbol, err)
	}
	return view, nil
}

var _ domain.BookCache = (*BookCache)(nil)
