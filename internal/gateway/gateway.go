// Package gateway wraps a venue with the request discipline every call to it
// must follow: a token-bucket throttle, a per-minute request weight budget,
// an optional budget shared across processes, and call metrics.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/metrics"
)

// Venue is everything the gateway forwards to.
type Venue interface {
	domain.MarketFeed
	domain.ExecutionGateway
}

// SharedLimiter coordinates a request budget between processes that use the
// same venue credentials.
type SharedLimiter interface {
	AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, error)
}

// Config tunes the throttle.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	WeightLimit       int
	// Weights per operation; missing entries count 1.
	Weights map[string]int
}

// DefaultWeights mirrors typical spot-venue costs.
var DefaultWeights = map[string]int{
	"ticker": 2,
	"depth":  5,
	"submit": 1,
	"cancel": 1,
	"query":  2,
}

// Gateway is an injected per-venue client. It implements domain.MarketFeed
// and domain.ExecutionGateway.
type Gateway struct {
	name    string
	venue   Venue
	limiter *rate.Limiter
	weights *WeightCounter
	cost    map[string]int
	shared  SharedLimiter
	limit   int
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New wraps venue. name keys the shared budget and log lines.
func New(name string, venue Venue, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	cost := cfg.Weights
	if cost == nil {
		cost = DefaultWeights
	}
	return &Gateway{
		name:    name,
		venue:   venue,
		limiter: rate.NewLimiter(limit, burst),
		weights: NewWeightCounter(cfg.WeightLimit),
		cost:    cost,
		limit:   cfg.WeightLimit,
		metrics: m,
		logger:  logger.With(slog.String("component", "gateway"), slog.String("venue", name)),
		now:     time.Now,
	}
}

// SetSharedLimiter enables the cross-process budget.
func (g *Gateway) SetSharedLimiter(s SharedLimiter) { g.shared = s }

// Weight returns the weight counted for the current minute.
func (g *Gateway) Weight() int { return g.weights.Current(g.now()) }

func (g *Gateway) weightOf(op string) int {
	if w, ok := g.cost[op]; ok {
		return w
	}
	return 1
}

// admit waits for the throttle and reserves the operation's weight.
func (g *Gateway) admit(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: %s throttle: %w", op, err)
	}
	w := g.weightOf(op)
	spent, ok := g.weights.TryAdd(w, g.now())
	if !ok {
		g.logger.Warn("weight limit reached", slog.String("op", op), slog.Int("weight", spent))
		return fmt.Errorf("gateway: %s: %w", op, domain.ErrRateLimited)
	}
	if g.shared != nil && g.limit > 0 {
		ok, err := g.shared.AllowN(ctx, "venue:"+g.name, w, g.limit, time.Minute)
		if err != nil {
			g.logger.Warn("shared limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			g.weights.Update(-w, g.now())
			return fmt.Errorf("gateway: %s: %w", op, domain.ErrRateLimited)
		}
	}
	g.metrics.GatewayWeight(spent)
	return nil
}

func (g *Gateway) observe(op string, start time.Time, err error) {
	g.metrics.GatewayCall(op, time.Since(start))
	if err != nil {
		g.metrics.VenueError(op)
	}
}

// GetTicker implements domain.MarketFeed.
func (g *Gateway) GetTicker(ctx context.Context, symbol string) (t domain.Ticker, err error) {
	start := time.Now()
	defer func() { g.observe("ticker", start, err) }()
	if err = g.admit(ctx, "ticker"); err != nil {
		return domain.Ticker{}, err
	}
	return g.venue.GetTicker(ctx, symbol)
}

// GetDepthSnapshot implements domain.MarketFeed.
func (g *Gateway) GetDepthSnapshot(ctx context.Context, symbol string, limit int) (s domain.DepthSnapshot, err error) {
	start := time.Now()
	defer func() { g.observe("depth", start, err) }()
	if err = g.admit(ctx, "depth"); err != nil {
		return domain.DepthSnapshot{}, err
	}
	return g.venue.GetDepthSnapshot(ctx, symbol, limit)
}

// SubmitOrder implements domain.ExecutionGateway.
func (g *Gateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (o domain.Order, err error) {
	start := time.Now()
	defer func() { g.observe("submit", start, err) }()
	if err = g.admit(ctx, "submit"); err != nil {
		return domain.Order{}, err
	}
	return g.venue.SubmitOrder(ctx, req)
}

// CancelOrder implements domain.ExecutionGateway.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (ok bool, err error) {
	start := time.Now()
	defer func() { g.observe("cancel", start, err) }()
	if err = g.admit(ctx, "cancel"); err != nil {
		return false, err
	}
	return g.venue.CancelOrder(ctx, symbol, orderID)
}

// QueryOrder implements domain.ExecutionGateway.
func (g *Gateway) QueryOrder(ctx context.Context, symbol, orderID string) (o domain.Order, err error) {
	start := time.Now()
	defer func() { g.observe("query", start, err) }()
	if err = g.admit(ctx, "query"); err != nil {
		return domain.Order{}, err
	}
	return g.venue.QueryOrder(ctx, symbol, orderID)
}

var (
	_ domain.MarketFeed       = (*Gateway)(nil)
	_ domain.ExecutionGateway = (*Gateway)(nil)
)
