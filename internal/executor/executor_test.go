package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/rule"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

func TestChain_BuyThenOnlyOneLimitThenStopLossFinishes(t *testing.T) {
	h := newHarness(t)
	task := h.create(t,
		limitBuy("10", "5"),
		stopLoss(domain.OrderTypeLimit, "9", "100"),
		takeProfit(domain.OrderTypeLimit, "12", "100"),
	)
	h.tickers.set("BTCUSDT", "9.5", "10")

	require.NoError(t, h.tick(t, task.ID))
	subs := h.gw.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, domain.SideBuy, subs[0].Side)
	assert.Equal(t, domain.OrderTypeLimit, subs[0].Type)
	assert.Equal(t, "10", subs[0].Price.String())
	assert.Equal(t, "5", subs[0].Quantity.String())
	assert.Equal(t, "o1", h.store.saved(t, task.ID).Jobs[0].LinkedOrderID)

	// Nothing else is eligible while the buy rests.
	require.NoError(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 1)

	h.gw.fill("o1", "5")
	require.NoError(t, h.tick(t, task.ID))
	snap := h.snapshot(t, task.ID)
	assert.Equal(t, "5", snap.Position().String())
	require.Len(t, snap.Finished, 1)
	assert.Equal(t, tradetask.KindBuy, snap.Finished[0].Kind)
	assert.Len(t, h.gw.submissions(), 1)

	h.tickers.set("BTCUSDT", "8.5", "8.6")
	require.NoError(t, h.tick(t, task.ID))
	subs = h.gw.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, domain.SideSell, subs[1].Side)
	assert.Equal(t, "9", subs[1].Price.String())
	assert.Equal(t, "5", subs[1].Quantity.String())

	// Take profit triggers but the resting stop-loss LIMIT blocks it.
	h.tickers.set("BTCUSDT", "12.5", "12.6")
	require.NoError(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 2)
	assert.Equal(t, 1, h.gw.openLimits())

	h.gw.fill("o2", "5")
	require.NoError(t, h.tick(t, task.ID))
	assert.Equal(t, tradetask.StatusFinished, h.snapshot(t, task.ID).Status)
	assert.Equal(t, tradetask.StatusFinished, h.store.saved(t, task.ID).Status)

	// Terminal tasks are not ticked any further.
	require.NoError(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 2)
}

func TestBuyNeedsAskStrictlyInsideBracket(t *testing.T) {
	h := newHarness(t)
	task := h.create(t,
		limitBuy("10", "5"),
		stopLoss(domain.OrderTypeLimit, "9", "100"),
		takeProfit(domain.OrderTypeLimit, "12", "100"),
	)

	for _, ask := range []string{"9", "12", "13"} {
		h.tickers.set("BTCUSDT", "8", ask)
		require.NoError(t, h.tick(t, task.ID))
	}
	assert.Empty(t, h.gw.submissions())
}

func TestPanicSell_CancelsActiveAndQueuesSingleMarketSell(t *testing.T) {
	h := newHarness(t)
	h.gw.autoFill = true
	task := h.create(t,
		marketBuy("3"),
		stopLoss(domain.OrderTypeLimit, "9", "100"),
		takeProfit(domain.OrderTypeLimit, "12", "100"),
	)
	h.tickers.set("BTCUSDT", "9.5", "10")
	require.NoError(t, h.tick(t, task.ID))

	h.tickers.set("BTCUSDT", "8.5", "8.6")
	require.NoError(t, h.tick(t, task.ID))
	require.Len(t, h.gw.submissions(), 2)
	require.Equal(t, 1, h.gw.openLimits())

	require.NoError(t, h.e.PanicSell(context.Background(), task.ID))
	assert.Equal(t, []string{"o2"}, h.gw.cancels)
	assert.Equal(t, 0, h.gw.openLimits())

	snap := h.snapshot(t, task.ID)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, tradetask.KindPanicSell, snap.Jobs[0].Kind)
	assert.Equal(t, domain.OrderTypeMarket, snap.Jobs[0].Type)
	assert.Equal(t, "3", snap.Jobs[0].Quantity.String())
	assert.Len(t, snap.Finished, 3)
	assert.Len(t, h.store.saved(t, task.ID).Jobs, 1)

	require.NoError(t, h.tick(t, task.ID))
	subs := h.gw.submissions()
	require.Len(t, subs, 3)
	assert.Equal(t, domain.OrderTypeMarket, subs[2].Type)
	assert.Equal(t, "3", subs[2].Quantity.String())

	require.NoError(t, h.tick(t, task.ID))
	assert.Equal(t, tradetask.StatusPanicSell, h.snapshot(t, task.ID).Status)
}

func TestPanicSell_WithoutPositionEndsImmediately(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"), stopLoss(domain.OrderTypeLimit, "9", "100"))
	h.tickers.set("BTCUSDT", "9.5", "10")
	require.NoError(t, h.tick(t, task.ID))

	require.NoError(t, h.e.PanicSell(context.Background(), task.ID))
	assert.Equal(t, []string{"o1"}, h.gw.cancels)
	assert.Equal(t, tradetask.StatusPanicSell, h.snapshot(t, task.ID).Status)

	err := h.e.PanicSell(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskTerminal)
}

func TestSellQuantityClampedToPosition(t *testing.T) {
	h := newHarness(t)
	h.gw.autoFill = true
	fixed := &tradetask.OrderTask{Kind: tradetask.KindTakeProfit, Type: domain.OrderTypeMarket, Price: dec("12"), Quantity: dec("8")}
	task := h.create(t, marketBuy("5"), fixed)
	h.tickers.set("BTCUSDT", "9.5", "10")
	require.NoError(t, h.tick(t, task.ID))

	h.tickers.set("BTCUSDT", "12.5", "12.6")
	require.NoError(t, h.tick(t, task.ID))
	subs := h.gw.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "5", subs[1].Quantity.String())

	require.NoError(t, h.tick(t, task.ID))
	snap := h.snapshot(t, task.ID)
	assert.Equal(t, tradetask.StatusFinished, snap.Status)
	assert.True(t, snap.Position().IsZero())
}

func TestExhaustedPositionFinishesRemainingJobs(t *testing.T) {
	h := newHarness(t)
	h.gw.autoFill = true
	task := h.create(t,
		marketBuy("5"),
		stopLoss(domain.OrderTypeLimit, "9", "100"),
		takeProfit(domain.OrderTypeMarket, "12", "100"),
	)
	h.tickers.set("BTCUSDT", "9.5", "10")
	require.NoError(t, h.tick(t, task.ID))
	h.tickers.set("BTCUSDT", "12.5", "12.6")
	require.NoError(t, h.tick(t, task.ID))
	require.NoError(t, h.tick(t, task.ID))

	snap := h.snapshot(t, task.ID)
	assert.Equal(t, tradetask.StatusFinished, snap.Status)
	assert.Empty(t, snap.Jobs)
	assert.Len(t, snap.Finished, 3)
}

func TestExternalCancelStopsTask(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"), stopLoss(domain.OrderTypeLimit, "9", "100"))
	h.tickers.set("BTCUSDT", "9.5", "10")
	require.NoError(t, h.tick(t, task.ID))

	h.gw.cancelExternally("o1")
	require.NoError(t, h.tick(t, task.ID))
	assert.Equal(t, tradetask.StatusStopped, h.snapshot(t, task.ID).Status)
	assert.Equal(t, tradetask.StatusStopped, h.store.saved(t, task.ID).Status)
}

func TestVenueRejectionKeepsTaskRunningWithoutSaving(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"), stopLoss(domain.OrderTypeLimit, "9", "100"))
	h.tickers.set("BTCUSDT", "9.5", "10")
	saves := h.store.saveCount()

	h.gw.submitErr = &domain.APIError{Code: -2010, Message: "insufficient balance"}
	err := h.tick(t, task.ID)
	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2010, apiErr.Code)

	snap := h.snapshot(t, task.ID)
	assert.Equal(t, tradetask.StatusRunning, snap.Status)
	assert.Contains(t, snap.LastError, "insufficient balance")
	assert.Equal(t, saves, h.store.saveCount())

	h.gw.submitErr = nil
	require.NoError(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 1)
	assert.Empty(t, h.snapshot(t, task.ID).LastError)
}

func TestFailedSaveIsRetriedBeforeAnythingElse(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"), stopLoss(domain.OrderTypeLimit, "9", "100"))
	h.tickers.set("BTCUSDT", "9.5", "10")

	h.store.setFail(true)
	require.Error(t, h.tick(t, task.ID))
	require.Len(t, h.gw.submissions(), 1)

	require.Error(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 1)
	assert.Empty(t, h.store.saved(t, task.ID).Jobs[0].LinkedOrderID)

	h.store.setFail(false)
	require.NoError(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 1)
	assert.Equal(t, "o1", h.store.saved(t, task.ID).Jobs[0].LinkedOrderID)
}

func TestTickSkipsLockedTask(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"))
	h.tickers.set("BTCUSDT", "9.5", "10")

	task.Lock()
	assert.NoError(t, h.tick(t, task.ID))
	task.Unlock()
	assert.Empty(t, h.gw.submissions())

	require.NoError(t, h.tick(t, task.ID))
	assert.Len(t, h.gw.submissions(), 1)
}

func TestMissingTickerIsSurfaced(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"))
	err := h.tick(t, task.ID)
	assert.ErrorIs(t, err, domain.ErrNoTicker)
}

func TestTickFansOutAcrossTasks(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, limitBuy("10", "1"))
	b := h.create(t, limitBuy("10", "2"))
	h.tickers.set("BTCUSDT", "9.5", "10")

	h.clock.Advance(6e9)
	h.e.Tick(context.Background())
	assert.Len(t, h.gw.submissions(), 2)
	assert.NotEmpty(t, h.snapshot(t, a.ID).Jobs[0].LinkedOrderID)
	assert.NotEmpty(t, h.snapshot(t, b.ID).Jobs[0].LinkedOrderID)
}

func TestStopAndDelete(t *testing.T) {
	h := newHarness(t)
	archive := &fakeArchiver{}
	h.e.SetArchiver(archive)
	task := h.create(t, limitBuy("10", "5"))
	h.tickers.set("BTCUSDT", "9.5", "10")
	require.NoError(t, h.tick(t, task.ID))

	assert.ErrorIs(t, h.e.Delete(context.Background(), task.ID), domain.ErrTaskRunning)

	require.NoError(t, h.e.Stop(context.Background(), task.ID))
	assert.Equal(t, []string{"o1"}, h.gw.cancels)
	assert.Equal(t, tradetask.StatusStopped, h.snapshot(t, task.ID).Status)
	assert.ErrorIs(t, h.e.Stop(context.Background(), task.ID), domain.ErrTaskTerminal)

	require.NoError(t, h.e.Delete(context.Background(), task.ID))
	assert.Contains(t, archive.docs, task.ID)
	_, err := h.e.Get(task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	ids, _ := h.store.List(context.Background())
	assert.Empty(t, ids)
}

func TestLoadAll(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, limitBuy("10", "5"))

	fresh := New(Config{}, h.gw, h.tickers, h.store, nil, h.e.logger)
	n, err := fresh.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	loaded, err := fresh.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Symbol, loaded.Symbol)
	assert.Len(t, fresh.List(), 1)
}

func TestPlaceRuleOrderDedup(t *testing.T) {
	h := newHarness(t)
	r := rule.Rule{
		ID: "r1", Market: "BTCUSDT", Property: rule.PropertyLast, Operator: rule.OpGreaterEqual,
		Threshold: dec("100"), OrderSide: domain.SideSell, OrderRate: dec("101"), OrderVolume: dec("1"), Active: true,
	}
	tick := domain.Ticker{Symbol: "BTCUSDT", Last: dec("100")}

	h.gw.submitErr = &domain.APIError{Code: 1, Message: "down"}
	_, err := h.e.PlaceRuleOrder(context.Background(), r, tick)
	require.Error(t, err)

	h.gw.submitErr = nil
	order, err := h.e.PlaceRuleOrder(context.Background(), r, tick)
	require.NoError(t, err)
	assert.Equal(t, "o1", order.ID)
	assert.Equal(t, domain.OrderTypeLimit, h.gw.submissions()[0].Type)

	_, err = h.e.PlaceRuleOrder(context.Background(), r, tick)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}
