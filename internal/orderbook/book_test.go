package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ask(price, qty string) domain.PriceLevel {
	return domain.PriceLevel{Price: dec(price), Quantity: dec(qty), Side: domain.SideSell}
}

func bid(price, qty string) domain.PriceLevel {
	return domain.PriceLevel{Price: dec(price), Quantity: dec(qty), Side: domain.SideBuy}
}

type row struct{ price, qty string }

func rowsOf(levels []Level) []row {
	out := make([]row, 0, len(levels))
	for _, l := range levels {
		out = append(out, row{l.Price().String(), l.Quantity().String()})
	}
	return out
}

func assertOrdered(t *testing.T, b *Book) {
	t.Helper()
	bids := b.Bids()
	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i-1].Price().GreaterThan(bids[i].Price()), "bids must strictly decrease at %d", i)
	}
	asks := b.Asks()
	for i := 1; i < len(asks); i++ {
		assert.True(t, asks[i-1].Price().LessThan(asks[i].Price()), "asks must strictly increase at %d", i)
	}
}

func TestAssign_NativePrecision(t *testing.T) {
	b := New("BTCUSDT", 2, 2)
	b.Assign([]domain.PriceLevel{ask("101", "2"), ask("100", "1"), bid("99", "1")})

	assert.Equal(t, []row{{"100", "1"}, {"101", "2"}}, rowsOf(b.Asks()))
	assert.Equal(t, []row{{"99", "1"}}, rowsOf(b.Bids()))

	b.Update([]domain.PriceLevel{ask("100", "0"), ask("101", "2"), bid("99", "1")})
	assert.Equal(t, []row{{"101", "2"}}, rowsOf(b.Asks()))
	assert.Equal(t, []row{{"99", "1"}}, rowsOf(b.Bids()))
	assertOrdered(t, b)
}

func TestAssign_LaterRemovalOfDuplicateWins(t *testing.T) {
	b := New("X", 2, 2)
	b.Assign([]domain.PriceLevel{ask("100", "1"), ask("100", "0"), ask("101", "2"), bid("9", "0"), bid("9", "4")})
	assert.Equal(t, []row{{"101", "2"}}, rowsOf(b.Asks()))
	assert.Equal(t, []row{{"9", "4"}}, rowsOf(b.Bids()))
}

func TestTouchReportsNativePricesWhenMerged(t *testing.T) {
	b := New("X", 2, 0)
	b.Assign([]domain.PriceLevel{bid("99.99", "1"), bid("99.50", "2"), ask("100.01", "1"), ask("100.40", "3")})

	mb, _ := b.BestBid()
	ma, _ := b.BestAsk()
	assert.True(t, mb.Equal(dec("99")))
	assert.True(t, ma.Equal(dec("101")))

	bidPx, askPx, okBid, okAsk := b.Touch()
	require.True(t, okBid)
	require.True(t, okAsk)
	assert.True(t, bidPx.Equal(dec("99.99")), "bid %s", bidPx)
	assert.True(t, askPx.Equal(dec("100.01")), "ask %s", askPx)

	b.ApplyDelta([]domain.PriceLevel{bid("99.99", "0"), ask("100.005", "1")}, 1)
	bidPx, askPx, _, _ = b.Touch()
	assert.True(t, bidPx.Equal(dec("99.5")))
	assert.True(t, askPx.Equal(dec("100.005")))

	_, _, okBid, okAsk = New("Y", 2, 2).Touch()
	assert.False(t, okBid)
	assert.False(t, okAsk)
}

func TestAssign_IgnoresRemovalsAndDuplicates(t *testing.T) {
	b := New("X", 2, 2)
	b.Assign([]domain.PriceLevel{bid("10", "1"), bid("10", "3"), bid("9", "0"), bid("11", "2")})
	assert.Equal(t, []row{{"11", "2"}, {"10", "3"}}, rowsOf(b.Bids()))
}

func TestApplyDelta_RemovesZeroAndUpserts(t *testing.T) {
	b := New("X", 2, 2)
	b.AssignSnapshot(domain.DepthSnapshot{
		Levels:       []domain.PriceLevel{ask("100", "1"), ask("101", "2"), bid("99", "1")},
		LastUpdateID: 10,
	})

	b.ApplyDelta([]domain.PriceLevel{ask("100", "0"), ask("100.5", "4"), bid("98", "7")}, 11)

	assert.Equal(t, []row{{"100.5", "4"}, {"101", "2"}}, rowsOf(b.Asks()))
	assert.Equal(t, []row{{"99", "1"}, {"98", "7"}}, rowsOf(b.Bids()))
	assert.Equal(t, int64(11), b.LastUpdateID())

	b.ApplyDelta(nil, 5)
	assert.Equal(t, int64(11), b.LastUpdateID(), "sequence id never moves backwards")
}

func TestUpdate_EmptyBookDegradesToAssign(t *testing.T) {
	b := New("X", 2, 2)
	b.Update([]domain.PriceLevel{ask("5", "1"), bid("4", "2")})
	assert.Equal(t, []row{{"5", "1"}}, rowsOf(b.Asks()))
	assert.Equal(t, []row{{"4", "2"}}, rowsOf(b.Bids()))
}

func TestUpdate_Idempotent(t *testing.T) {
	image := []domain.PriceLevel{
		ask("100.01", "1"), ask("100.07", "2"), ask("101.5", "3"),
		bid("99.99", "1"), bid("99.42", "5"),
	}
	for _, merge := range []int32{2, 1, 0} {
		b := New("X", 2, merge)
		b.Assign([]domain.PriceLevel{ask("100.01", "9"), bid("98", "1")})
		b.Update(image)
		once := append(rowsOf(b.Bids()), rowsOf(b.Asks())...)
		b.Update(image)
		twice := append(rowsOf(b.Bids()), rowsOf(b.Asks())...)
		assert.Equal(t, once, twice, "merge=%d", merge)
		assertOrdered(t, b)
	}
}

func TestMerge_GroupsBidsDownAndAsksUp(t *testing.T) {
	b := New("X", 2, 1)
	b.Assign([]domain.PriceLevel{
		bid("99.99", "1"), bid("99.91", "2"), bid("99.89", "4"),
		ask("100.01", "1"), ask("100.09", "2"), ask("100.11", "3"),
	})

	assert.Equal(t, []row{{"99.9", "3"}, {"99.8", "4"}}, rowsOf(b.Bids()))
	assert.Equal(t, []row{{"100.1", "3"}, {"100.2", "3"}}, rowsOf(b.Asks()))

	bids := b.Bids()
	require.True(t, bids[0].IsGroup())
	assert.Len(t, bids[0].Members(), 2)
}

func TestMerge_QuantityIsSumOfMembersForAnyGranularity(t *testing.T) {
	native := []domain.PriceLevel{
		bid("123.45", "1"), bid("123.41", "2"), bid("122.99", "3"), bid("119.5", "4"),
		ask("123.46", "5"), ask("123.5", "6"), ask("124.01", "7"), ask("131", "8"),
	}
	for _, g := range []int32{2, 1, 0, -1} {
		b := New("X", 2, g)
		b.Assign(native)
		for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
			rows := b.Bids()
			if side == domain.SideSell {
				rows = b.Asks()
			}
			for _, r := range rows {
				expected := decimal.Zero
				for _, l := range native {
					if l.Side == side && b.mergedPrice(l.Price, side).Equal(r.Price()) {
						expected = expected.Add(l.Quantity)
					}
				}
				assert.True(t, expected.Equal(r.Quantity()), "g=%d price=%s want %s got %s", g, r.Price(), expected, r.Quantity())
			}
		}
		assertOrdered(t, b)
	}
}

func TestMerge_DeltaUpdatesMembersInPlace(t *testing.T) {
	b := New("X", 2, 0)
	b.Assign([]domain.PriceLevel{bid("99.5", "1"), bid("99.2", "2"), ask("100.5", "1")})
	require.Equal(t, []row{{"99", "3"}}, rowsOf(b.Bids()))

	b.ApplyDelta([]domain.PriceLevel{bid("99.5", "5"), bid("99.7", "1")}, 1)
	assert.Equal(t, []row{{"99", "8"}}, rowsOf(b.Bids()))

	b.ApplyDelta([]domain.PriceLevel{bid("99.5", "0"), bid("99.2", "0"), bid("99.7", "0")}, 2)
	assert.Empty(t, b.Bids())
}

func TestSetMergeDecimals_Regroups(t *testing.T) {
	b := New("X", 2, 2)
	b.Assign([]domain.PriceLevel{ask("10.01", "1"), ask("10.02", "1"), ask("10.11", "1")})
	require.Len(t, b.Asks(), 3)

	b.SetMergeDecimals(1)
	assert.Equal(t, []row{{"10.1", "2"}, {"10.2", "1"}}, rowsOf(b.Asks()))

	b.SetMergeDecimals(2)
	assert.Len(t, b.Asks(), 3)
}

func TestTotalsAndPercentages(t *testing.T) {
	b := New("X", 0, 0)
	b.Assign([]domain.PriceLevel{
		ask("100", "1"), ask("101", "2"), ask("102", "1"),
		bid("99", "3"),
	})

	asks := b.Asks()
	require.Len(t, asks, 3)
	assert.Equal(t, "1", asks[0].Total().String())
	assert.Equal(t, "3", asks[1].Total().String())
	assert.Equal(t, "4", asks[2].Total().String())
	assert.Equal(t, "25", asks[0].QuantityPercentage().String())
	assert.Equal(t, "75", asks[1].QuantityPercentage().String())
	assert.Equal(t, "100", asks[2].QuantityPercentage().String())

	b.ApplyDelta([]domain.PriceLevel{ask("100", "0")}, 1)
	asks = b.Asks()
	assert.Equal(t, "2", asks[0].Total().String())
	assert.Equal(t, "66.67", asks[0].QuantityPercentage().String())
}

func TestSpread(t *testing.T) {
	b := New("X", 2, 2)
	_, ok := b.Spread()
	assert.False(t, ok)

	b.Assign([]domain.PriceLevel{ask("101", "1"), bid("100", "1")})
	spread, ok := b.Spread()
	require.True(t, ok)
	assert.Equal(t, "1", spread.String())

	pct, ok := b.SpreadPercentage()
	require.True(t, ok)
	assert.Equal(t, "0.01", pct.String())
}

func TestOrderingHoldsAcrossRandomisedUpdates(t *testing.T) {
	b := New("X", 1, 1)
	steps := [][]domain.PriceLevel{
		{bid("10", "1"), bid("9.5", "1"), ask("10.5", "1"), ask("11", "2")},
		{bid("9.8", "3"), ask("10.2", "1"), ask("11", "0")},
		{bid("10", "0"), bid("10.1", "2"), ask("10.5", "4")},
		{bid("9.5", "0"), bid("9.6", "1"), ask("10.3", "1"), ask("10.2", "0")},
	}
	for i, s := range steps {
		b.ApplyDelta(s, int64(i+1))
		assertOrdered(t, b)
	}
	assert.Equal(t, []row{{"10.1", "2"}, {"9.8", "3"}, {"9.6", "1"}}, rowsOf(b.Bids()))
	assert.Equal(t, []row{{"10.3", "1"}, {"10.5", "4"}}, rowsOf(b.Asks()))
}

func TestView(t *testing.T) {
	b := New("ETHUSDT", 2, 2)
	b.AssignSnapshot(domain.DepthSnapshot{
		Levels:       []domain.PriceLevel{ask("2", "1"), ask("3", "1"), bid("1", "1")},
		LastUpdateID: 42,
	})
	v := b.View(1)
	assert.Equal(t, "ETHUSDT", v.Symbol)
	assert.Equal(t, int64(42), v.LastUpdateID)
	assert.Len(t, v.Asks, 1)
	assert.Len(t, v.Bids, 1)
}
