// Package paper implements a simulated venue. Market orders fill at the
// current touch, limit orders rest until a ticker crosses them, and balances
// are tracked per asset. It also serves depth snapshots and a delta stream
// from a book fed through SetDepth and PushDelta, which Simulator drives when
// no live market is attached.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// Venue rejection codes, following common spot-venue numbering.
const (
	CodeInsufficientBalance = -2010
	CodeUnknownOrder        = -2011
	CodeInvalidOrder        = -1013
	CodeNoMarket            = -1121
)

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "EUR"}

// SplitSymbol splits a concatenated symbol into base and quote assets.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}

type depth struct {
	bids   map[string]domain.PriceLevel
	asks   map[string]domain.PriceLevel
	lastID int64
	subs   []chan domain.DepthDelta
}

// Venue is an in-memory exchange.
type Venue struct {
	mu      sync.Mutex
	tickers map[string]domain.Ticker
	books   map[string]*depth
	orders  map[string]*domain.Order
	free    map[string]decimal.Decimal
	locked  map[string]decimal.Decimal
	feeRate decimal.Decimal
	logger  *slog.Logger
	now     func() time.Time
	fillSeq int
}

// New creates a venue with the given starting balances.
func New(balances map[string]decimal.Decimal, feeRate decimal.Decimal, logger *slog.Logger) *Venue {
	v := &Venue{
		tickers: make(map[string]domain.Ticker),
		books:   make(map[string]*depth),
		orders:  make(map[string]*domain.Order),
		free:    make(map[string]decimal.Decimal),
		locked:  make(map[string]decimal.Decimal),
		feeRate: feeRate,
		logger:  logger.With(slog.String("component", "paper_venue")),
		now:     time.Now,
	}
	for asset, amt := range balances {
		v.free[strings.ToUpper(asset)] = amt
	}
	return v
}

// SetClock replaces the time source.
func (v *Venue) SetClock(now func() time.Time) { v.now = now }

// Balance returns the free and locked amounts of asset.
func (v *Venue) Balance(asset string) (free, locked decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a := strings.ToUpper(asset)
	return v.free[a], v.locked[a]
}

// SetTicker publishes a new top of book and matches resting limit orders
// that it crosses.
func (v *Venue) SetTicker(t domain.Ticker) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t.Time.IsZero() {
		t.Time = v.now()
	}
	v.tickers[t.Symbol] = t
	for _, o := range v.sortedOpenLocked(t.Symbol) {
		if o.Type != domain.OrderTypeLimit {
			continue
		}
		switch {
		case o.Side == domain.SideBuy && t.Ask.IsPositive() && t.Ask.LessThanOrEqual(o.Price):
			v.fillLocked(o, o.Price)
		case o.Side == domain.SideSell && t.Bid.IsPositive() && t.Bid.GreaterThanOrEqual(o.Price):
			v.fillLocked(o, o.Price)
		}
	}
}

// GetTicker implements domain.MarketFeed.
func (v *Venue) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("paper: ticker %s: %w", symbol, domain.ErrNoTicker)
	}
	return t, nil
}

// SetDepth replaces the stored book for snap.Symbol.
func (v *Venue) SetDepth(snap domain.DepthSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.bookLocked(snap.Symbol)
	d.bids = make(map[string]domain.PriceLevel)
	d.asks = make(map[string]domain.PriceLevel)
	for _, l := range snap.Levels {
		applyLevel(d, l)
	}
	d.lastID = snap.LastUpdateID
}

// PushDelta applies delta to the stored book and forwards it to every
// stream subscriber. Subscribers that are not keeping up miss the delta.
func (v *Venue) PushDelta(delta domain.DepthDelta) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.bookLocked(delta.Symbol)
	for _, l := range delta.Levels {
		applyLevel(d, l)
	}
	if delta.FinalUpdateID > d.lastID {
		d.lastID = delta.FinalUpdateID
	}
	for _, ch := range d.subs {
		select {
		case ch <- delta:
		default:
			v.logger.Warn("subscriber lagging, delta dropped",
				slog.String("symbol", delta.Symbol), slog.Int64("final_id", delta.FinalUpdateID))
		}
	}
}

// GetDepthSnapshot implements domain.MarketFeed. limit caps each side.
func (v *Venue) GetDepthSnapshot(_ context.Context, symbol string, limit int) (domain.DepthSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.books[symbol]
	if !ok {
		return domain.DepthSnapshot{}, fmt.Errorf("paper: depth %s: %w", symbol, domain.ErrNotFound)
	}
	bids := sortedLevels(d.bids, true)
	asks := sortedLevels(d.asks, false)
	if limit > 0 {
		bids = bids[:min(limit, len(bids))]
		asks = asks[:min(limit, len(asks))]
	}
	return domain.DepthSnapshot{
		Symbol:       symbol,
		Levels:       append(bids, asks...),
		LastUpdateID: d.lastID,
	}, nil
}

// StreamDepthDeltas implements domain.DepthStreamer.
func (v *Venue) StreamDepthDeltas(ctx context.Context, symbol string) (<-chan domain.DepthDelta, error) {
	ch := make(chan domain.DepthDelta, 256)
	v.mu.Lock()
	d := v.bookLocked(symbol)
	d.subs = append(d.subs, ch)
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, c := range d.subs {
			if c == ch {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// SubmitOrder implements domain.ExecutionGateway.
func (v *Venue) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	base, quote, ok := SplitSymbol(req.Symbol)
	if !ok {
		return domain.Order{}, &domain.APIError{Code: CodeNoMarket, Message: "unknown symbol " + req.Symbol}
	}
	if !req.Quantity.IsPositive() {
		return domain.Order{}, &domain.APIError{Code: CodeInvalidOrder, Message: "quantity must be positive"}
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return domain.Order{}, &domain.APIError{Code: CodeInvalidOrder, Message: "invalid side"}
	}

	price := req.Price
	switch req.Type {
	case domain.OrderTypeLimit:
		if !price.IsPositive() {
			return domain.Order{}, &domain.APIError{Code: CodeInvalidOrder, Message: "limit price must be positive"}
		}
	case domain.OrderTypeMarket:
		t, ok := v.tickers[req.Symbol]
		if !ok {
			return domain.Order{}, &domain.APIError{Code: CodeNoMarket, Message: "no market price for " + req.Symbol}
		}
		price = t.Ask
		if req.Side == domain.SideSell {
			price = t.Bid
		}
		if !price.IsPositive() {
			return domain.Order{}, &domain.APIError{Code: CodeNoMarket, Message: "empty book for " + req.Symbol}
		}
	default:
		return domain.Order{}, &domain.APIError{Code: CodeInvalidOrder, Message: "unsupported order type"}
	}

	// Reserve what the order can spend.
	asset, amount := base, req.Quantity
	if req.Side == domain.SideBuy {
		asset, amount = quote, price.Mul(req.Quantity)
	}
	if v.free[asset].LessThan(amount) {
		return domain.Order{}, &domain.APIError{
			Code:    CodeInsufficientBalance,
			Message: fmt.Sprintf("insufficient %s balance: need %s, have %s", asset, amount, v.free[asset]),
		}
	}
	v.free[asset] = v.free[asset].Sub(amount)
	v.locked[asset] = v.locked[asset].Add(amount)

	now := v.now()
	o := &domain.Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     price,
		Quantity:  req.Quantity,
		Status:    domain.OrderStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	v.orders[o.ID] = o

	if req.Type == domain.OrderTypeMarket || v.marketableLocked(o) {
		v.fillLocked(o, price)
	}
	v.logger.Info("order accepted",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.String("type", string(o.Type)),
		slog.String("price", o.Price.String()),
		slog.String("qty", o.Quantity.String()),
		slog.String("status", string(o.Status)))
	return copyOrder(o), nil
}

// CancelOrder implements domain.ExecutionGateway. It reports false when the
// order was no longer open.
func (v *Venue) CancelOrder(_ context.Context, symbol, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok || o.Symbol != symbol {
		return false, &domain.APIError{Code: CodeUnknownOrder, Message: "unknown order " + orderID}
	}
	if !o.Status.IsOpen() {
		return false, nil
	}
	v.releaseLocked(o)
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = v.now()
	v.logger.Info("order cancelled", slog.String("order_id", o.ID))
	return true, nil
}

// QueryOrder implements domain.ExecutionGateway.
func (v *Venue) QueryOrder(_ context.Context, symbol, orderID string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok || o.Symbol != symbol {
		return domain.Order{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return copyOrder(o), nil
}

// Expire marks an open order as expired, releasing its reservation. It
// stands in for venue-side time-in-force handling.
func (v *Venue) Expire(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok || !o.Status.IsOpen() {
		return false
	}
	v.releaseLocked(o)
	o.Status = domain.OrderStatusExpired
	o.UpdatedAt = v.now()
	return true
}

func (v *Venue) marketableLocked(o *domain.Order) bool {
	t, ok := v.tickers[o.Symbol]
	if !ok {
		return false
	}
	if o.Side == domain.SideBuy {
		return t.Ask.IsPositive() && t.Ask.LessThanOrEqual(o.Price)
	}
	return t.Bid.IsPositive() && t.Bid.GreaterThanOrEqual(o.Price)
}

// fillLocked executes the remaining quantity of o at price.
func (v *Venue) fillLocked(o *domain.Order, price decimal.Decimal) {
	base, quote, _ := SplitSymbol(o.Symbol)
	qty := o.Quantity.Sub(o.ExecutedQty)
	notional := price.Mul(qty)
	fee := notional.Mul(v.feeRate)

	if o.Side == domain.SideBuy {
		reserved := o.Price.Mul(qty)
		v.locked[quote] = v.locked[quote].Sub(reserved)
		v.free[quote] = v.free[quote].Add(reserved.Sub(notional)).Sub(fee)
		v.free[base] = v.free[base].Add(qty)
	} else {
		v.locked[base] = v.locked[base].Sub(qty)
		v.free[quote] = v.free[quote].Add(notional).Sub(fee)
	}

	v.fillSeq++
	now := v.now()
	o.Fills = append(o.Fills, domain.Fill{
		ID:       fmt.Sprintf("%s-%d", o.ID, v.fillSeq),
		OrderID:  o.ID,
		Side:     o.Side,
		Price:    price,
		Quantity: qty,
		Fee:      fee,
		FeeAsset: quote,
		Time:     now,
	})
	o.ExecutedQty = o.Quantity
	o.Status = domain.OrderStatusFilled
	o.UpdatedAt = now
	v.logger.Info("order filled",
		slog.String("order_id", o.ID),
		slog.String("price", price.String()),
		slog.String("qty", qty.String()))
}

func (v *Venue) releaseLocked(o *domain.Order) {
	base, quote, _ := SplitSymbol(o.Symbol)
	rest := o.Quantity.Sub(o.ExecutedQty)
	asset, amount := base, rest
	if o.Side == domain.SideBuy {
		asset, amount = quote, o.Price.Mul(rest)
	}
	v.locked[asset] = v.locked[asset].Sub(amount)
	v.free[asset] = v.free[asset].Add(amount)
}

func (v *Venue) sortedOpenLocked(symbol string) []*domain.Order {
	var out []*domain.Order
	for _, o := range v.orders {
		if o.Symbol == symbol && o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *Venue) bookLocked(symbol string) *depth {
	d, ok := v.books[symbol]
	if !ok {
		d = &depth{
			bids: make(map[string]domain.PriceLevel),
			asks: make(map[string]domain.PriceLevel),
		}
		v.books[symbol] = d
	}
	return d
}

func applyLevel(d *depth, l domain.PriceLevel) {
	side := d.asks
	if l.Side == domain.SideBuy {
		side = d.bids
	}
	key := l.Price.String()
	if l.IsRemoval() {
		delete(side, key)
		return
	}
	side[key] = l
}

func sortedLevels(m map[string]domain.PriceLevel, desc bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func copyOrder(o *domain.Order) domain.Order {
	c := *o
	c.Fills = append([]domain.Fill(nil), o.Fills...)
	return c
}

var (
	_ domain.MarketFeed       = (*Venue)(nil)
	_ domain.ExecutionGateway = (*Venue)(nil)
	_ domain.DepthStreamer    = (*Venue)(nil)
)
