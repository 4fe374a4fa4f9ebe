package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

var decimalTwo = decimal.NewFromInt(2)

// TickerHub holds the latest ticker per symbol and fans every update out to
// subscribers such as the rule dispatcher. Updates arrive either from the
// book feeder (Publish) or from polling the venue (Run). It implements the
// executor's ticker source.
type TickerHub struct {
	feed     domain.MarketFeed
	cache    domain.PriceCache
	symbols  []string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest map[string]domain.Ticker
	subs   []chan domain.Ticker
}

// NewTickerHub creates a hub. feed may be nil when tickers only come from
// Publish; symbols and interval drive Run.
func NewTickerHub(feed domain.MarketFeed, symbols []string, interval time.Duration, logger *slog.Logger) *TickerHub {
	if interval <= 0 {
		interval = time.Second
	}
	return &TickerHub{
		feed:     feed,
		symbols:  symbols,
		interval: interval,
		logger:   logger.With(slog.String("component", "ticker_hub")),
		latest:   make(map[string]domain.Ticker),
	}
}

// SetPriceCache mirrors every ticker to a shared cache and uses it as a
// fallback in GetTicker.
func (h *TickerHub) SetPriceCache(c domain.PriceCache) { h.cache = c }

// Subscribe returns a channel receiving every published ticker. Slow
// subscribers miss updates rather than blocking the hub. The channel closes
// when ctx is done.
func (h *TickerHub) Subscribe(ctx context.Context, buffer int) <-chan domain.Ticker {
	ch := make(chan domain.Ticker, max(buffer, 1))
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, c := range h.subs {
			if c == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// Publish records t and forwards it. It has the TopOfBookHandler shape.
func (h *TickerHub) Publish(ctx context.Context, t domain.Ticker) {
	h.mu.Lock()
	h.latest[t.Symbol] = t
	for _, ch := range h.subs {
		select {
		case ch <- t:
		default:
		}
	}
	h.mu.Unlock()

	if h.cache != nil {
		if err := h.cache.SetTicker(ctx, t); err != nil {
			h.logger.Debug("price cache write failed", slog.String("symbol", t.Symbol), slog.String("error", err.Error()))
		}
	}
}

// GetTicker returns the latest ticker for symbol, falling back to the price
// cache. It returns an error wrapping domain.ErrNoTicker when neither has one.
func (h *TickerHub) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	h.mu.RLock()
	t, ok := h.latest[symbol]
	h.mu.RUnlock()
	if ok {
		return t, nil
	}
	if h.cache != nil {
		t, err := h.cache.GetTicker(ctx, symbol)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrNoTicker) && !errors.Is(err, domain.ErrNotFound) {
			return domain.Ticker{}, err
		}
	}
	return domain.Ticker{}, fmt.Errorf("feed: ticker %s: %w", symbol, domain.ErrNoTicker)
}

// Poll fetches one ticker per symbol from the venue and publishes them.
func (h *TickerHub) Poll(ctx context.Context) error {
	if h.feed == nil {
		return nil
	}
	var errs []error
	for _, s := range h.symbols {
		t, err := h.feed.GetTicker(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		if t.Symbol == "" {
			t.Symbol = s
		}
		h.Publish(ctx, t)
	}
	return errors.Join(errs...)
}

// Run polls every interval until ctx is done.
func (h *TickerHub) Run(ctx context.Context) error {
	if h.feed == nil || len(h.symbols) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Poll(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("ticker poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
