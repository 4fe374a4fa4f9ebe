package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/rule"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

// PanicSell cancels every active job of the task, discards the pending queue
// and queues one MARKET sell for the whole remaining position ahead of
// everything else. The sell is submitted by the next tick. Unlike ticks, the
// command waits for the task lock.
func (e *Executor) PanicSell(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	t := en.task
	t.Lock()
	defer t.Unlock()

	if err := e.prepareCommand(ctx, en); err != nil {
		return err
	}
	now := e.now()
	for _, j := range t.ActiveJobs() {
		if err := e.cancelJob(ctx, t, j, now); err != nil {
			en.dirty = true
			return err
		}
	}

	job := t.RewriteForPanicSell(now)
	if err := e.persist(ctx, en); err != nil {
		return err
	}

	if job == nil {
		e.metrics.TaskTransition(string(tradetask.StatusPanicSell))
		e.emit(ctx, t, EventPanicSell, "panic sell with no position")
		return nil
	}
	e.logger.Warn("panic sell queued",
		slog.String("task_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.String("quantity", job.Quantity.String()),
	)
	e.emit(ctx, t, EventPanicSell, "panic sell queued for "+job.Quantity.String())
	return nil
}

// Stop cancels every active job and moves the task to Stopped.
func (e *Executor) Stop(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	t := en.task
	t.Lock()
	defer t.Unlock()

	if err := e.prepareCommand(ctx, en); err != nil {
		return err
	}
	now := e.now()
	for _, j := range t.ActiveJobs() {
		if err := e.cancelJob(ctx, t, j, now); err != nil {
			en.dirty = true
			return err
		}
	}
	return e.terminate(ctx, en, now, tradetask.StatusStopped, EventTaskStopped, "stopped by operator")
}

// prepareCommand retries a pending save and rejects terminal tasks.
func (e *Executor) prepareCommand(ctx context.Context, en *entry) error {
	if en.dirty {
		if err := e.persist(ctx, en); err != nil {
			return err
		}
	}
	if en.task.Status.Terminal() {
		return fmt.Errorf("executor: task %s: %w", en.task.ID, domain.ErrTaskTerminal)
	}
	return nil
}

// Delete archives and removes a task that is no longer running.
func (e *Executor) Delete(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	t := en.task
	t.Lock()
	defer t.Unlock()

	if !t.Status.Terminal() {
		return fmt.Errorf("executor: delete %s: %w", id, domain.ErrTaskRunning)
	}
	if e.archiver != nil {
		doc, err := tradetask.Marshal(t)
		if err != nil {
			return err
		}
		if err := e.archiver.Archive(ctx, id, doc); err != nil {
			return fmt.Errorf("executor: archive %s: %w", id, err)
		}
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("executor: delete %s: %w", id, err)
	}

	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()

	e.logger.Info("task deleted", slog.String("task_id", id))
	return nil
}

// PlaceRuleOrder submits the order of a triggered trading rule through the
// execution gateway. A rule that already placed an order within the dedup
// window is rejected.
func (e *Executor) PlaceRuleOrder(ctx context.Context, r rule.Rule, tick domain.Ticker) (domain.Order, error) {
	if e.dedup.IsDuplicate(r.ID) {
		return domain.Order{}, fmt.Errorf("executor: rule %s: %w", r.ID, domain.ErrDuplicate)
	}

	log := e.logger.With(
		slog.String("rule_id", r.ID),
		slog.String("market", r.Market),
		slog.String("side", string(r.OrderSide)),
	)

	req := r.OrderRequest()
	order, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		e.dedup.Forget(r.ID)
		e.metrics.VenueError("submit")
		log.Warn("rule order rejected", slog.String("error", err.Error()))
		return domain.Order{}, fmt.Errorf("executor: rule %s: %w", r.ID, err)
	}

	e.metrics.OrderSubmitted("rule")
	log.Info("rule order submitted",
		slog.String("order_id", order.ID),
		slog.String("trigger_last", tick.Last.String()),
	)
	if e.audit != nil {
		if err := e.audit.Log(ctx, "", "rule_order", map[string]any{
			"rule_id":  r.ID,
			"market":   r.Market,
			"order_id": order.ID,
			"side":     string(req.Side),
			"type":     string(req.Type),
			"price":    req.Price.String(),
			"quantity": req.Quantity.String(),
		}); err != nil {
			log.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	return order, nil
}
