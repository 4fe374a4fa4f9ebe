package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newVenue(t *testing.T) *Venue {
	t.Helper()
	v := New(map[string]decimal.Decimal{"usdt": dec("1000")}, decimal.Zero,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.SetTicker(domain.Ticker{Symbol: "BTCUSDT", Bid: dec("99"), Ask: dec("100"), Last: dec("99.5")})
	return v
}

func TestSplitSymbol(t *testing.T) {
	base, quote, ok := SplitSymbol("ethbtc")
	require.True(t, ok)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "BTC", quote)

	_, _, ok = SplitSymbol("USDT")
	assert.False(t, ok)
}

func TestMarketBuyFillsAtAsk(t *testing.T) {
	v := newVenue(t)
	o, err := v.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	require.Len(t, o.Fills, 1)
	assert.True(t, o.Fills[0].Price.Equal(dec("100")))

	free, locked := v.Balance("USDT")
	assert.True(t, free.Equal(dec("800")), free.String())
	assert.True(t, locked.IsZero())
	btc, _ := v.Balance("BTC")
	assert.True(t, btc.Equal(dec("2")))
}

func TestLimitRestsUntilCrossed(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()
	o, err := v.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: dec("95"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, o.Status)
	_, locked := v.Balance("USDT")
	assert.True(t, locked.Equal(dec("95")))

	v.SetTicker(domain.Ticker{Symbol: "BTCUSDT", Bid: dec("94"), Ask: dec("95")})
	got, err := v.QueryOrder(ctx, "BTCUSDT", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.ExecutedQty.Equal(dec("1")))

	// Sell it back above the market and let the bid come up.
	s, err := v.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeLimit, Price: dec("110"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, s.Status)
	v.SetTicker(domain.Ticker{Symbol: "BTCUSDT", Bid: dec("111"), Ask: dec("112")})
	s, err = v.QueryOrder(ctx, "BTCUSDT", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, s.Status)

	free, _ := v.Balance("USDT")
	assert.True(t, free.Equal(dec("1015")), free.String())
}

func TestMarketableLimitFillsImmediately(t *testing.T) {
	v := newVenue(t)
	o, err := v.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: dec("101"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
}

func TestCancelReleasesReservation(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()
	o, err := v.SubmitOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: dec("90"), Quantity: dec("2"),
	})
	require.NoError(t, err)

	ok, err := v.CancelOrder(ctx, "BTCUSDT", o.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	free, locked := v.Balance("USDT")
	assert.True(t, free.Equal(dec("1000")))
	assert.True(t, locked.IsZero())

	ok, err = v.CancelOrder(ctx, "BTCUSDT", o.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel finds nothing open")

	_, err = v.CancelOrder(ctx, "BTCUSDT", "missing")
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeUnknownOrder, apiErr.Code)
}

func TestExpireMarksOrder(t *testing.T) {
	v := newVenue(t)
	o, err := v.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Price: dec("90"), Quantity: dec("1"),
	})
	require.NoError(t, err)
	require.True(t, v.Expire(o.ID))
	got, err := v.QueryOrder(context.Background(), "BTCUSDT", o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExpired, got.Status)
	assert.False(t, v.Expire(o.ID))
}

func TestRejections(t *testing.T) {
	v := newVenue(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  domain.OrderRequest
		code int
	}{
		{"insufficient", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("50")}, CodeInsufficientBalance},
		{"no base to sell", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeMarket, Quantity: dec("1")}, CodeInsufficientBalance},
		{"zero qty", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket}, CodeInvalidOrder},
		{"limit without price", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: dec("1")}, CodeInvalidOrder},
		{"no ticker", domain.OrderRequest{Symbol: "ETHUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("1")}, CodeNoMarket},
		{"bad symbol", domain.OrderRequest{Symbol: "XYZ", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("1")}, CodeNoMarket},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.SubmitOrder(ctx, tc.req)
			var apiErr *domain.APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tc.code, apiErr.Code)
		})
	}
}

func TestFeeChargedInQuote(t *testing.T) {
	v := New(map[string]decimal.Decimal{"USDT": dec("1000")}, dec("0.001"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.SetTicker(domain.Ticker{Symbol: "BTCUSDT", Bid: dec("99"), Ask: dec("100")})
	o, err := v.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("1"),
	})
	require.NoError(t, err)
	assert.True(t, o.Fills[0].Fee.Equal(dec("0.1")))
	assert.Equal(t, "USDT", o.Fills[0].FeeAsset)
	free, _ := v.Balance("USDT")
	assert.True(t, free.Equal(dec("899.9")), free.String())
}

func TestDepthSnapshotAndStream(t *testing.T) {
	v := newVenue(t)
	v.SetDepth(domain.DepthSnapshot{
		Symbol: "BTCUSDT",
		Levels: []domain.PriceLevel{
			{Price: dec("99"), Quantity: dec("1"), Side: domain.SideBuy},
			{Price: dec("98"), Quantity: dec("2"), Side: domain.SideBuy},
			{Price: dec("100"), Quantity: dec("3"), Side: domain.SideSell},
			{Price: dec("101"), Quantity: dec("4"), Side: domain.SideSell},
		},
		LastUpdateID: 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := v.StreamDepthDeltas(ctx, "BTCUSDT")
	require.NoError(t, err)

	delta := domain.DepthDelta{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 11,
		FinalUpdateID: 12,
		Levels: []domain.PriceLevel{
			{Price: dec("99"), Quantity: decimal.Zero, Side: domain.SideBuy},
			{Price: dec("100.5"), Quantity: dec("1"), Side: domain.SideSell},
		},
	}
	v.PushDelta(delta)
	select {
	case got := <-ch:
		assert.EqualValues(t, 12, got.FinalUpdateID)
	case <-time.After(time.Second):
		t.Fatal("delta not delivered")
	}

	snap, err := v.GetDepthSnapshot(context.Background(), "BTCUSDT", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 12, snap.LastUpdateID)
	require.Len(t, snap.Levels, 2)
	assert.True(t, snap.Levels[0].Price.Equal(dec("98")))
	assert.True(t, snap.Levels[1].Price.Equal(dec("100")))

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}

	_, err = v.GetDepthSnapshot(context.Background(), "ETHUSDT", 5)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
