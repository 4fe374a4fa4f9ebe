package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*domain.Order
	submitted []domain.OrderRequest
	cancels   []string
	submitErr error
	queryErr  error
	autoFill  bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{orders: make(map[string]*domain.Order)}
}

func copyOrder(o *domain.Order) domain.Order {
	c := *o
	c.Fills = append([]domain.Fill(nil), o.Fills...)
	return c
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return domain.Order{}, g.submitErr
	}
	g.seq++
	g.submitted = append(g.submitted, req)
	o := &domain.Order{
		ID:       fmt.Sprintf("o%d", g.seq),
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   domain.OrderStatusActive,
	}
	if g.autoFill && req.Type == domain.OrderTypeMarket {
		g.fillLocked(o, req.Quantity)
	}
	g.orders[o.ID] = o
	return copyOrder(o), nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ string, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	g.cancels = append(g.cancels, id)
	if !o.Status.IsOpen() {
		return false, nil
	}
	o.Status = domain.OrderStatusCancelled
	return true, nil
}

func (g *fakeGateway) QueryOrder(_ context.Context, _ string, id string) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return domain.Order{}, g.queryErr
	}
	o, ok := g.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return copyOrder(o), nil
}

func (g *fakeGateway) fillLocked(o *domain.Order, qty decimal.Decimal) {
	o.ExecutedQty = o.ExecutedQty.Add(qty)
	o.Fills = append(o.Fills, domain.Fill{
		ID:       fmt.Sprintf("%s-f%d", o.ID, len(o.Fills)+1),
		OrderID:  o.ID,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: qty,
	})
	if o.ExecutedQty.GreaterThanOrEqual(o.Quantity) {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
}

func (g *fakeGateway) fill(id, qty string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillLocked(g.orders[id], dec(qty))
}

func (g *fakeGateway) cancelExternally(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[id].Status = domain.OrderStatusCancelled
}

func (g *fakeGateway) submissions() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.submitted...)
}

func (g *fakeGateway) openLimits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, o := range g.orders {
		if o.Type == domain.OrderTypeLimit && o.Status.IsOpen() {
			n++
		}
	}
	return n
}

type fakeTickers struct {
	mu      sync.Mutex
	tickers map[string]domain.Ticker
}

func (f *fakeTickers) set(symbol, bid, ask string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickers == nil {
		f.tickers = make(map[string]domain.Ticker)
	}
	f.tickers[symbol] = domain.Ticker{Symbol: symbol, Bid: dec(bid), Ask: dec(ask), Last: dec(bid)}
}

func (f *fakeTickers) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickers[symbol]
	if !ok {
		return domain.Ticker{}, domain.ErrNoTicker
	}
	return t, nil
}

type memStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	saves    int
	failSave bool
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (s *memStore) Save(_ context.Context, t *tradetask.TradeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("disk full")
	}
	data, err := tradetask.Marshal(t)
	if err != nil {
		return err
	}
	s.docs[t.ID] = data
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (*tradetask.TradeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tradetask.Unmarshal(data)
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) saved(t *testing.T, id string) *tradetask.TradeTask {
	t.Helper()
	s.mu.Lock()
	data := s.docs[id]
	s.mu.Unlock()
	task, err := tradetask.Unmarshal(data)
	if err != nil {
		t.Fatalf("saved document %s: %v", id, err)
	}
	return task
}

func (s *memStore) setFail(v bool) {
	s.mu.Lock()
	s.failSave = v
	s.mu.Unlock()
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fakeArchiver struct {
	docs map[string][]byte
}

func (a *fakeArchiver) Archive(_ context.Context, id string, doc []byte) error {
	if a.docs == nil {
		a.docs = make(map[string][]byte)
	}
	a.docs[id] = doc
	return nil
}

type harness struct {
	e       *Executor
	gw      *fakeGateway
	tickers *fakeTickers
	store   *memStore
	clock   *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gw:      newFakeGateway(),
		tickers: &fakeTickers{},
		store:   newMemStore(),
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.e = New(Config{PollInterval: 5 * time.Second}, h.gw, h.tickers, h.store, nil, logger)
	h.e.SetClock(h.clock.Now)
	return h
}

// create builds and registers a task from jobs.
func (h *harness) create(t *testing.T, jobs ...*tradetask.OrderTask) *tradetask.TradeTask {
	t.Helper()
	task, err := tradetask.New("BTCUSDT", "paper", jobs, h.clock.Now())
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := h.e.Create(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// tick advances the clock past the poll interval and ticks one task.
func (h *harness) tick(t *testing.T, id string) error {
	t.Helper()
	h.clock.Advance(6 * time.Second)
	return h.e.TickTask(context.Background(), id)
}

func (h *harness) snapshot(t *testing.T, id string) *tradetask.TradeTask {
	t.Helper()
	task, err := h.e.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task
}

func limitBuy(price, qty string) *tradetask.OrderTask {
	return &tradetask.OrderTask{Kind: tradetask.KindBuy, Type: domain.OrderTypeLimit, Price: dec(price), Quantity: dec(qty)}
}

func marketBuy(qty string) *tradetask.OrderTask {
	return &tradetask.OrderTask{Kind: tradetask.KindBuy, Type: domain.OrderTypeMarket, Quantity: dec(qty)}
}

func stopLoss(typ domain.OrderType, price, pct string) *tradetask.OrderTask {
	return &tradetask.OrderTask{Kind: tradetask.KindStopLoss, Type: typ, Price: dec(price), QuantityPercent: dec(pct)}
}

func takeProfit(typ domain.OrderType, price, pct string) *tradetask.OrderTask {
	return &tradetask.OrderTask{Kind: tradetask.KindTakeProfit, Type: typ, Price: dec(price), QuantityPercent: dec(pct)}
}
