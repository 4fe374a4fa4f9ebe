package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/orderbook"
	"github.com/alanyoungcy/chaintrader/internal/venue/paper"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseDepthFrame(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":157,"u":160,
		"b":[["100.5","2"],["100.4","0"]],"a":[["101","3.25"]]}}`)
	d, ok, err := ParseDepthFrame(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", d.Symbol)
	assert.EqualValues(t, 157, d.FirstUpdateID)
	assert.EqualValues(t, 160, d.FinalUpdateID)
	require.Len(t, d.Levels, 3)
	assert.Equal(t, domain.SideBuy, d.Levels[0].Side)
	assert.True(t, d.Levels[1].IsRemoval())
	assert.Equal(t, domain.SideSell, d.Levels[2].Side)
	assert.True(t, d.Levels[2].Quantity.Equal(dec("3.25")))
	assert.Equal(t, int64(1700000000000), d.Time.UnixMilli())

	_, ok, err = ParseDepthFrame([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseDepthFrame([]byte(`{"e":"depthUpdate","b":[["x","1"]]}`))
	require.Error(t, err)
}

func TestDepthStreamOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/ethusdt@depth", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"depthUpdate","U":1,"u":2,"b":[["10","1"]],"a":[]}`))
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/{symbol}@depth"
	ds := NewDepthStream(url, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := ds.StreamDepthDeltas(ctx, "ETHUSDT")
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.Equal(t, "ETHUSDT", d.Symbol, "symbol filled from the subscription")
		assert.EqualValues(t, 2, d.FinalUpdateID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delta received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDepthStreamRequiresURL(t *testing.T) {
	_, err := NewDepthStream("", quiet()).StreamDepthDeltas(context.Background(), "X")
	require.Error(t, err)
}

type memBookCache struct {
	mu    sync.Mutex
	views map[string]domain.BookView
}

func (m *memBookCache) SetBook(_ context.Context, v domain.BookView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.views == nil {
		m.views = make(map[string]domain.BookView)
	}
	m.views[v.Symbol] = v
	return nil
}

func (m *memBookCache) GetBook(_ context.Context, s string) (domain.BookView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[s]
	if !ok {
		return domain.BookView{}, domain.ErrNotFound
	}
	return v, nil
}

type outcomeCounter struct {
	mu sync.Mutex
	n  map[orderbook.Outcome]int
}

func (o *outcomeCounter) BookOutcome(_ string, out orderbook.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == nil {
		o.n = make(map[orderbook.Outcome]int)
	}
	o.n[out]++
}

func seededVenue() *paper.Venue {
	v := paper.New(nil, decimal.Zero, quiet())
	v.SetDepth(domain.DepthSnapshot{
		Symbol: "BTCUSDT",
		Levels: []domain.PriceLevel{
			{Price: dec("99"), Quantity: dec("1"), Side: domain.SideBuy},
			{Price: dec("101"), Quantity: dec("2"), Side: domain.SideSell},
		},
		LastUpdateID: 100,
	})
	return v
}

func TestBookFeederApplyMirrorsAndPublishes(t *testing.T) {
	v := seededVenue()
	f := NewBookFeeder(BookFeederConfig{
		Symbols:     []SymbolConfig{{Symbol: "BTCUSDT", Precision: 2, MergeDecimals: 2}},
		MirrorDepth: 5,
	}, v, v, quiet())
	mirror := &memBookCache{}
	f.SetMirror(mirror)
	counter := &outcomeCounter{}
	f.SetObserver(counter)
	hub := NewTickerHub(nil, nil, 0, quiet())
	f.OnTopOfBook(hub.Publish)

	s, ok := f.Synchronizer("BTCUSDT")
	require.True(t, ok)
	ctx := context.Background()

	// First delta triggers the initial snapshot; 101..102 bridges lastUpdateId 100.
	out, err := f.Apply(ctx, s, domain.DepthDelta{
		Symbol: "BTCUSDT", FirstUpdateID: 101, FinalUpdateID: 102,
		Levels: []domain.PriceLevel{{Price: dec("100"), Quantity: dec("5"), Side: domain.SideBuy}},
	})
	require.NoError(t, err)
	assert.Contains(t, []orderbook.Outcome{orderbook.OutcomeApplied, orderbook.OutcomeResynced}, out)

	view, err := mirror.GetBook(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotEmpty(t, view.Bids)
	assert.True(t, view.Bids[0].Price.Equal(dec("100")))

	tk, err := hub.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, tk.Bid.Equal(dec("100")))
	assert.True(t, tk.Ask.Equal(dec("101")))
	assert.True(t, tk.Last.Equal(dec("100.5")))

	// An old delta is stale and publishes nothing new.
	out, err = f.Apply(ctx, s, domain.DepthDelta{Symbol: "BTCUSDT", FirstUpdateID: 50, FinalUpdateID: 60})
	require.NoError(t, err)
	assert.Equal(t, orderbook.OutcomeStale, out)

	bv, err := f.View("BTCUSDT", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 102, bv.LastUpdateID)
	assert.Equal(t, map[string]bool{"BTCUSDT": true}, f.Synced())
	_, err = f.View("ETHUSDT", 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookFeederPublishesNativeTouchWhenMerged(t *testing.T) {
	v := paper.New(nil, decimal.Zero, quiet())
	v.SetDepth(domain.DepthSnapshot{
		Symbol: "BTCUSDT",
		Levels: []domain.PriceLevel{
			{Price: dec("99.99"), Quantity: dec("1"), Side: domain.SideBuy},
			{Price: dec("100.01"), Quantity: dec("2"), Side: domain.SideSell},
		},
		LastUpdateID: 10,
	})
	f := NewBookFeeder(BookFeederConfig{
		Symbols: []SymbolConfig{{Symbol: "BTCUSDT", Precision: 2, MergeDecimals: 0}},
	}, v, v, quiet())
	hub := NewTickerHub(nil, nil, 0, quiet())
	f.OnTopOfBook(hub.Publish)

	s, ok := f.Synchronizer("BTCUSDT")
	require.True(t, ok)
	ctx := context.Background()
	_, err := f.Apply(ctx, s, domain.DepthDelta{
		Symbol: "BTCUSDT", FirstUpdateID: 11, FinalUpdateID: 11,
		Levels: []domain.PriceLevel{{Price: dec("99.98"), Quantity: dec("3"), Side: domain.SideBuy}},
	})
	require.NoError(t, err)

	bv, err := f.View("BTCUSDT", 1)
	require.NoError(t, err)
	require.NotEmpty(t, bv.Bids)
	assert.True(t, bv.Bids[0].Price.Equal(dec("99")), "the view stays merged")

	tk, err := hub.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, tk.Bid.Equal(dec("99.99")), "bid %s", tk.Bid)
	assert.True(t, tk.Ask.Equal(dec("100.01")), "ask %s", tk.Ask)
	assert.True(t, tk.Last.Equal(dec("100")))
}

func TestBookFeederRunConsumesStream(t *testing.T) {
	v := seededVenue()
	f := NewBookFeeder(BookFeederConfig{
		Symbols:    []SymbolConfig{{Symbol: "BTCUSDT", Precision: 2, MergeDecimals: 2}},
		RetryDelay: 10 * time.Millisecond,
	}, v, v, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Keep pushing until the feeder's subscription picks one up.
	id := int64(100)
	require.Eventually(t, func() bool {
		id++
		v.PushDelta(domain.DepthDelta{
			Symbol: "BTCUSDT", FirstUpdateID: id, FinalUpdateID: id,
			Levels: []domain.PriceLevel{{Price: dec("98"), Quantity: dec("1"), Side: domain.SideBuy}},
		})
		b, err := f.Book("BTCUSDT")
		return err == nil && b.LastUpdateID() >= 101
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feeder did not stop")
	}
	assert.Equal(t, []string{"BTCUSDT"}, f.Symbols())
}

type stubFeed struct {
	mu    sync.Mutex
	calls int
}

func (s *stubFeed) GetTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if symbol == "BAD" {
		return domain.Ticker{}, domain.ErrNoTicker
	}
	return domain.Ticker{Bid: dec("1"), Ask: dec("2")}, nil
}

func (s *stubFeed) GetDepthSnapshot(context.Context, string, int) (domain.DepthSnapshot, error) {
	return domain.DepthSnapshot{}, nil
}

func TestTickerHubPollAndSubscribe(t *testing.T) {
	feed := &stubFeed{}
	hub := NewTickerHub(feed, []string{"ETHUSDT", "BAD"}, time.Millisecond, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, 4)

	err := hub.Poll(ctx)
	require.ErrorIs(t, err, domain.ErrNoTicker)
	assert.Contains(t, err.Error(), "BAD")

	select {
	case tk := <-sub:
		assert.Equal(t, "ETHUSDT", tk.Symbol, "symbol filled from the poll list")
	case <-time.After(time.Second):
		t.Fatal("subscriber got nothing")
	}

	_, err = hub.GetTicker(ctx, "BAD")
	require.ErrorIs(t, err, domain.ErrNoTicker)
}

type memPriceCache struct {
	mu sync.Mutex
	m  map[string]domain.Ticker
}

func (c *memPriceCache) SetTicker(_ context.Context, t domain.Ticker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]domain.Ticker)
	}
	c.m[t.Symbol] = t
	return nil
}

func (c *memPriceCache) GetTicker(_ context.Context, s string) (domain.Ticker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.m[s]
	if !ok {
		return domain.Ticker{}, domain.ErrNoTicker
	}
	return t, nil
}

func TestTickerHubFallsBackToCache(t *testing.T) {
	cache := &memPriceCache{}
	require.NoError(t, cache.SetTicker(context.Background(), domain.Ticker{Symbol: "SOLUSDT", Bid: dec("5")}))

	hub := NewTickerHub(nil, nil, 0, quiet())
	hub.SetPriceCache(cache)
	tk, err := hub.GetTicker(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.True(t, tk.Bid.Equal(dec("5")))

	hub.Publish(context.Background(), domain.Ticker{Symbol: "ADAUSDT", Bid: dec("1")})
	_, err = cache.GetTicker(context.Background(), "ADAUSDT")
	require.NoError(t, err, "published tickers are mirrored")
}

func TestTickerHubRunStopsOnCancel(t *testing.T) {
	feed := &stubFeed{}
	hub := NewTickerHub(feed, []string{"ETHUSDT"}, 5*time.Millisecond, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.calls >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSnapshotClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["99.5","3"]],"asks":[["100.5","1.5"],["101","2"]]}`))
		case "BUSY":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		}
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL + "/depth?symbol={symbol}&limit={limit}")
	snap, err := c.GetDepthSnapshot(context.Background(), "btcusdt", 50)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, int64(1027024), snap.LastUpdateID)
	require.Len(t, snap.Levels, 3)
	assert.Equal(t, domain.SideBuy, snap.Levels[0].Side)
	assert.True(t, snap.Levels[0].Price.Equal(dec("99.5")))
	assert.Equal(t, domain.SideSell, snap.Levels[2].Side)

	_, err = c.GetDepthSnapshot(context.Background(), "BUSY", 50)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = c.GetDepthSnapshot(context.Background(), "NOPE", 50)
	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1121, apiErr.Code)

	_, err = NewSnapshotClient("").GetDepthSnapshot(context.Background(), "BTCUSDT", 50)
	assert.Error(t, err)
}
