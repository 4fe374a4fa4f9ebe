package rule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/metrics"
)

// Placer submits the order of a triggered rule.
type Placer interface {
	PlaceRuleOrder(ctx context.Context, r Rule, tick domain.Ticker) (domain.Order, error)
}

// Dispatcher evaluates every active rule on each ticker and places the orders
// of the rules that trigger. A rule whose placement is in flight is not
// evaluated again until the placement returns.
type Dispatcher struct {
	placer      Placer
	maxParallel int
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	rules    map[string]*Rule
	inflight map[string]bool
}

// NewDispatcher creates a Dispatcher. maxParallel bounds concurrent placements
// per tick; zero or less means unbounded.
func NewDispatcher(placer Placer, maxParallel int, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		placer:      placer,
		maxParallel: maxParallel,
		metrics:     m,
		logger:      logger.With(slog.String("component", "rule_dispatcher")),
		rules:       make(map[string]*Rule),
		inflight:    make(map[string]bool),
	}
}

// Add validates and registers a rule, assigning an id when it has none.
func (d *Dispatcher) Add(r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, fmt.Errorf("rule: add: %w", err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rules[r.ID]; ok {
		return Rule{}, fmt.Errorf("rule: add %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	stored := r.Clone()
	d.rules[r.ID] = &stored
	return stored.Clone(), nil
}

// Remove drops a rule.
func (d *Dispatcher) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rules[id]; !ok {
		return fmt.Errorf("rule: remove %s: %w", id, domain.ErrNotFound)
	}
	delete(d.rules, id)
	return nil
}

// Get returns a copy of one rule.
func (d *Dispatcher) Get(id string) (Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("rule: get %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

// List returns copies of all rules sorted by id.
func (d *Dispatcher) List() []Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Rule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch evaluates all rules against one ticker and places the orders of
// those that trigger. It returns the rules whose orders were placed. Placement
// failures are logged and leave the rule armed for the next tick.
func (d *Dispatcher) Dispatch(ctx context.Context, tick domain.Ticker) []Rule {
	d.mu.Lock()
	var fired []Rule
	for id, r := range d.rules {
		if d.inflight[id] {
			continue
		}
		if r.IsApplicable(tick) {
			d.inflight[id] = true
			fired = append(fired, r.Clone())
		}
	}
	d.mu.Unlock()

	if len(fired) == 0 {
		return nil
	}

	var (
		placedMu sync.Mutex
		placed   []Rule
	)
	g, gctx := errgroup.WithContext(ctx)
	if d.maxParallel > 0 {
		g.SetLimit(d.maxParallel)
	}
	for _, r := range fired {
		g.Go(func() error {
			d.metrics.RuleFired(r.Market)
			order, err := d.placer.PlaceRuleOrder(gctx, r, tick)

			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.inflight, r.ID)
			if err != nil {
				d.logger.Warn("rule order failed",
					slog.String("rule_id", r.ID),
					slog.String("market", r.Market),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if stored, ok := d.rules[r.ID]; ok {
				stored.OrderID = order.ID
				r = stored.Clone()
			} else {
				r.OrderID = order.ID
			}
			d.logger.Info("rule order placed",
				slog.String("rule_id", r.ID),
				slog.String("market", r.Market),
				slog.String("order_id", order.ID),
			)
			placedMu.Lock()
			placed = append(placed, r)
			placedMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(placed, func(i, j int) bool { return placed[i].ID < placed[j].ID })
	return placed
}

// Run dispatches tickers from ticks until the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, ticks <-chan domain.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, t)
		}
	}
}
