package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

// step is one tick of the task state machine. The caller holds the task lock.
//
//  1. A save that failed on an earlier tick is retried first; nothing else
//     happens until it succeeds.
//  2. Live orders older than the poll interval, plus the first finished job
//     not yet polled, are refreshed from the venue.
//  3. Filled and externally ended orders move their jobs to the finished
//     queue and may end the task.
//  4. At most one eligible job is submitted.
//
// A failed venue call ends the tick without saving; the next tick starts over
// from the last saved state plus whatever the venue has reported since.
func (e *Executor) step(ctx context.Context, en *entry) error {
	t := en.task
	now := e.now()

	if en.dirty {
		if err := e.persist(ctx, en); err != nil {
			return err
		}
	}
	if t.Status.Terminal() {
		return nil
	}

	changed, err := e.refresh(ctx, t, now)
	if err != nil {
		if changed {
			en.dirty = true
		}
		return err
	}

	ended, moved, err := e.settle(ctx, en, now)
	if err != nil || ended {
		return err
	}
	changed = changed || moved

	submitted, err := e.dispatch(ctx, en, now)
	if err != nil {
		if changed {
			en.dirty = true
		}
		return err
	}
	if !submitted && changed {
		return e.persist(ctx, en)
	}
	return nil
}

// refresh polls the venue for live orders that may be stale and for the first
// finished job that has not been polled since it finished.
func (e *Executor) refresh(ctx context.Context, t *tradetask.TradeTask, now time.Time) (bool, error) {
	changed := false
	for _, j := range t.Jobs {
		if !j.IsActive() || now.Sub(j.LastPoll) < e.cfg.PollInterval {
			continue
		}
		o, err := e.query(ctx, t, j)
		if err != nil {
			return changed, err
		}
		if t.ApplyOrder(j, o, now) {
			changed = true
		}
	}
	for _, j := range t.Finished {
		if j.Order == nil || j.Polled {
			continue
		}
		o, err := e.query(ctx, t, j)
		if err != nil {
			return changed, err
		}
		t.ApplyOrder(j, o, now)
		j.Polled = true
		changed = true
		break
	}
	return changed, nil
}

// settle moves jobs whose orders reached a final state and detects terminal
// conditions. ended is true when the task left Running during this call.
func (e *Executor) settle(ctx context.Context, en *entry, now time.Time) (ended, moved bool, err error) {
	t := en.task

	for _, j := range append([]*tradetask.OrderTask(nil), t.Jobs...) {
		switch {
		case j.CancelledExternally():
			t.Finish(j)
			msg := fmt.Sprintf("%s order %s %s on the venue", j.Kind, j.LinkedOrderID, j.Order.Status)
			return true, true, e.terminate(ctx, en, now, tradetask.StatusStopped, EventTaskStopped, msg)

		case j.Order != nil && j.Order.Status == domain.OrderStatusRejected:
			t.LastError = fmt.Sprintf("%s order %s rejected", j.Kind, j.LinkedOrderID)
			t.Log(now, t.LastError)
			j.Unlink()
			moved = true

		case j.Filled():
			t.Finish(j)
			t.Log(now, fmt.Sprintf("%s job %s filled %s", j.Kind, j.ID, j.Order.ExecutedQty))
			moved = true
			switch j.Kind {
			case tradetask.KindStopLoss:
				return true, true, e.terminate(ctx, en, now, tradetask.StatusFinished, EventTaskFinished, "stop loss filled")
			case tradetask.KindPanicSell:
				return true, true, e.terminate(ctx, en, now, tradetask.StatusPanicSell, EventPanicSell, "panic sell filled")
			}
		}
	}

	if len(t.Jobs) == 0 {
		return true, true, e.terminate(ctx, en, now, tradetask.StatusFinished, EventTaskFinished, "no pending jobs")
	}

	if len(t.Trades) > 0 && !t.HasPending(tradetask.KindBuy) && t.Position().Sign() <= 0 {
		for _, j := range t.ActiveJobs() {
			if err := e.cancelJob(ctx, t, j, now); err != nil {
				en.dirty = true
				return false, true, err
			}
		}
		t.FinishAll()
		return true, true, e.terminate(ctx, en, now, tradetask.StatusFinished, EventTaskFinished, "position exhausted")
	}

	return false, moved, nil
}

// dispatch submits the first eligible job in queue order. It reports whether
// an order was submitted.
func (e *Executor) dispatch(ctx context.Context, en *entry, now time.Time) (bool, error) {
	t := en.task

	tick, err := e.tickers.GetTicker(ctx, t.Symbol)
	if err != nil {
		return false, fmt.Errorf("executor: ticker %s: %w", t.Symbol, err)
	}
	position := t.Position()
	active := t.ActiveJobs()

	for _, j := range t.Jobs {
		if j.Submitted() || !eligible(t, j, tick, position) {
			continue
		}

		var superseded []*tradetask.OrderTask
		blocked := false
		for _, a := range active {
			switch {
			case a.Kind.Priority() < j.Kind.Priority():
				superseded = append(superseded, a)
			case a.IsLimit() && j.IsLimit():
				blocked = true
			}
		}
		if blocked {
			continue
		}
		if j.Kind != tradetask.KindBuy && j.SellQuantity(position).Sign() <= 0 {
			continue
		}

		for _, s := range superseded {
			if err := e.cancelJob(ctx, t, s, now); err != nil {
				en.dirty = true
				return false, err
			}
			if s.Kind == tradetask.KindBuy && !s.Filled() {
				t.Finish(s)
			}
		}

		req := domain.OrderRequest{
			ClientID: j.ID,
			Symbol:   t.Symbol,
			Side:     j.Side,
			Type:     j.Type,
			Quantity: j.Quantity,
		}
		if j.IsLimit() {
			req.Price = j.Price
		}
		if j.Kind != tradetask.KindBuy {
			// Cancellations above may have reported late fills.
			req.Quantity = j.SellQuantity(t.Position())
			if req.Quantity.Sign() <= 0 {
				return false, e.persist(ctx, en)
			}
		}

		order, err := e.gateway.SubmitOrder(ctx, req)
		if err != nil {
			e.venueError(ctx, t, "submit", err)
			if len(superseded) > 0 {
				en.dirty = true
			}
			return false, err
		}

		t.ApplyOrder(j, order, now)
		t.LastError = ""
		msg := fmt.Sprintf("%s %s %s %s submitted as %s", j.Kind, j.Type, req.Side, req.Quantity, order.ID)
		t.Log(now, msg)
		e.metrics.OrderSubmitted(string(j.Kind))
		e.logger.Info("order submitted",
			slog.String("task_id", t.ID),
			slog.String("symbol", t.Symbol),
			slog.String("job_id", j.ID),
			slog.String("kind", string(j.Kind)),
			slog.String("order_id", order.ID),
			slog.String("quantity", req.Quantity.String()),
		)
		if err := e.persist(ctx, en); err != nil {
			return true, err
		}
		e.emit(ctx, t, EventOrderPlaced, msg)
		return true, nil
	}
	return false, nil
}

// eligible evaluates a job's activation condition against the ticker.
func eligible(t *tradetask.TradeTask, j *tradetask.OrderTask, tick domain.Ticker, position decimal.Decimal) bool {
	switch j.Kind {
	case tradetask.KindBuy:
		if tick.Ask.Sign() <= 0 {
			return false
		}
		if stop, ok := t.StopPrice(); ok && !tick.Ask.GreaterThan(stop) {
			return false
		}
		if tp, ok := t.FirstTakeProfit(); ok && !tick.Ask.LessThan(tp) {
			return false
		}
		return true
	case tradetask.KindStopLoss:
		return position.Sign() > 0 && tick.Bid.Sign() > 0 && tick.Bid.LessThanOrEqual(j.Price)
	case tradetask.KindTakeProfit:
		return position.Sign() > 0 && tick.Bid.GreaterThanOrEqual(j.Price)
	case tradetask.KindPanicSell:
		return position.Sign() > 0
	default:
		return false
	}
}

// cancelJob cancels a live order we no longer want, records whatever the venue
// reports for it and unlinks the job unless the order filled first.
func (e *Executor) cancelJob(ctx context.Context, t *tradetask.TradeTask, j *tradetask.OrderTask, now time.Time) error {
	id := j.Order.ID
	if _, err := e.gateway.CancelOrder(ctx, t.Symbol, id); err != nil {
		e.venueError(ctx, t, "cancel", err)
		return fmt.Errorf("executor: cancel %s: %w", id, err)
	}
	o, err := e.query(ctx, t, j)
	if err != nil {
		return err
	}
	t.ApplyOrder(j, o, now)
	if j.Filled() {
		return nil
	}
	if o.Status.IsOpen() {
		return fmt.Errorf("executor: order %s still %s after cancel", id, o.Status)
	}
	t.Log(now, fmt.Sprintf("%s order %s cancelled", j.Kind, id))
	j.Unlink()
	return nil
}

func (e *Executor) query(ctx context.Context, t *tradetask.TradeTask, j *tradetask.OrderTask) (domain.Order, error) {
	o, err := e.gateway.QueryOrder(ctx, t.Symbol, j.Order.ID)
	if err != nil {
		e.venueError(ctx, t, "query", err)
		return domain.Order{}, fmt.Errorf("executor: query %s: %w", j.Order.ID, err)
	}
	return o, nil
}

// venueError records a failed gateway call on the task without persisting.
func (e *Executor) venueError(ctx context.Context, t *tradetask.TradeTask, op string, err error) {
	t.LastError = err.Error()
	e.metrics.VenueError(op)

	attrs := []any{
		slog.String("task_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.String("op", op),
		slog.String("error", err.Error()),
	}
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs, slog.Int("code", apiErr.Code))
		e.emit(ctx, t, EventVenueError, apiErr.Error())
	}
	e.logger.Warn("venue call failed", attrs...)
}

// terminate moves the task to a terminal status and saves it.
func (e *Executor) terminate(ctx context.Context, en *entry, now time.Time, status tradetask.Status, event, msg string) error {
	t := en.task
	if err := t.SetStatus(now, status); err != nil {
		return err
	}
	t.Log(now, msg)
	if err := e.persist(ctx, en); err != nil {
		return err
	}
	e.metrics.TaskTransition(string(status))
	e.logger.Info("task ended",
		slog.String("task_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.String("status", string(status)),
		slog.String("reason", msg),
	)
	e.emit(ctx, t, event, msg)
	return nil
}
