package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/metrics"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

// Lifecycle event names used for notifications and the task event bus.
const (
	EventTaskFinished = "task_finished"
	EventTaskStopped  = "task_stopped"
	EventPanicSell    = "panic_sell"
	EventVenueError   = "venue_error"
	EventOrderPlaced  = "order_placed"

	// TaskEventsStream is the durable stream task events are appended to.
	TaskEventsStream = "chaintrader:task_events"
)

// TickerSource provides the latest top of book for a symbol.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// Notifier delivers operator alerts for lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds executor timing.
type Config struct {
	TickInterval time.Duration
	PollInterval time.Duration
	MaxParallel  int
	LeaseTTL     time.Duration
	RuleDedupTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.RuleDedupTTL <= 0 {
		c.RuleDedupTTL = 2 * time.Minute
	}
	return c
}

// entry is one slot of the task arena. dirty is guarded by the task lock.
type entry struct {
	task  *tradetask.TradeTask
	dirty bool
}

// Executor drives every trade task through its lifecycle on a fixed tick.
// Tasks live in an arena keyed by id; each task is guarded by its own lock
// and a tick that finds the lock held skips the task.
type Executor struct {
	cfg     Config
	gateway domain.ExecutionGateway
	tickers TickerSource
	store   tradetask.Store
	dedup   *Dedup
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	archiver tradetask.Archiver
	audit    domain.AuditStore
	bus      domain.SignalBus
	leases   domain.LockManager
	notifier Notifier

	mu    sync.RWMutex
	tasks map[string]*entry
}

// New creates an Executor. Optional collaborators are attached with the
// Set* methods before Run.
func New(
	cfg Config,
	gateway domain.ExecutionGateway,
	tickers TickerSource,
	store tradetask.Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:     cfg,
		gateway: gateway,
		tickers: tickers,
		store:   store,
		dedup:   NewDedup(cfg.RuleDedupTTL),
		metrics: m,
		logger:  logger.With(slog.String("component", "executor")),
		now:     func() time.Time { return time.Now().UTC() },
		tasks:   make(map[string]*entry),
	}
}

// SetArchiver keeps a copy of each task document before deletion.
func (e *Executor) SetArchiver(a tradetask.Archiver) { e.archiver = a }

// SetAuditStore records order and status events in an audit log.
func (e *Executor) SetAuditStore(a domain.AuditStore) { e.audit = a }

// SetSignalBus publishes task events on the bus.
func (e *Executor) SetSignalBus(b domain.SignalBus) { e.bus = b }

// SetLeaseManager guards each tick with a cross-process lease so two
// processes never drive the same task.
func (e *Executor) SetLeaseManager(l domain.LockManager) { e.leases = l }

// SetNotifier sends lifecycle alerts.
func (e *Executor) SetNotifier(n Notifier) { e.notifier = n }

// SetClock replaces the time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Run ticks every task at the configured interval until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started",
		slog.Duration("tick_interval", e.cfg.TickInterval),
		slog.Int("tasks", e.Len()),
	)
	defer e.logger.Info("executor stopped")

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(e.cfg.RuleDedupTTL)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

// Tick runs one lifecycle step for every task, in parallel across tasks.
// Per-task failures are logged and never abort the other tasks.
func (e *Executor) Tick(ctx context.Context) {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.tasks))
	for _, en := range e.tasks {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	var g errgroup.Group
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for _, en := range entries {
		g.Go(func() error {
			e.tickTask(ctx, en)
			return nil
		})
	}
	_ = g.Wait()
}

// TickTask runs one lifecycle step for a single task. It returns the step
// error, or nil when the task was skipped.
func (e *Executor) TickTask(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	return e.tickTask(ctx, en)
}

func (e *Executor) tickTask(ctx context.Context, en *entry) error {
	t := en.task
	if !t.TryLock() {
		e.metrics.TaskTick("skipped")
		return nil
	}
	defer t.Unlock()

	if t.Status.Terminal() && !en.dirty {
		return nil
	}

	if e.leases != nil {
		release, err := e.leases.Acquire(ctx, "task:"+t.ID, e.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				e.metrics.TaskTick("skipped")
				return nil
			}
			e.metrics.TaskTick("error")
			return fmt.Errorf("executor: lease %s: %w", t.ID, err)
		}
		defer release()
	}

	if err := e.step(ctx, en); err != nil {
		e.metrics.TaskTick("error")
		e.logger.Warn("task tick failed",
			slog.String("task_id", t.ID),
			slog.String("symbol", t.Symbol),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.metrics.TaskTick("processed")
	return nil
}

// Create registers and persists a new task. A task that cannot be saved is
// not registered.
func (e *Executor) Create(ctx context.Context, t *tradetask.TradeTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[t.ID]; ok {
		return fmt.Errorf("executor: create %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	if err := e.store.Save(ctx, t); err != nil {
		return fmt.Errorf("executor: create %s: %w", t.ID, err)
	}
	e.tasks[t.ID] = &entry{task: t}
	e.logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("symbol", t.Symbol),
		slog.Int("jobs", len(t.Jobs)),
	)
	return nil
}

// LoadAll registers every task found in the store. Documents that fail to
// load are logged and skipped.
func (e *Executor) LoadAll(ctx context.Context) (int, error) {
	ids, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor: list tasks: %w", err)
	}
	loaded := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if _, ok := e.tasks[id]; ok {
			continue
		}
		t, err := e.store.Load(ctx, id)
		if err != nil {
			e.logger.Error("task load failed", slog.String("task_id", id), slog.String("error", err.Error()))
			continue
		}
		e.tasks[t.ID] = &entry{task: t}
		loaded++
	}
	e.logger.Info("tasks loaded", slog.Int("count", loaded))
	return loaded, nil
}

// Get returns a snapshot of one task.
func (e *Executor) Get(id string) (*tradetask.TradeTask, error) {
	en, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	en.task.Lock()
	defer en.task.Unlock()
	return en.task.Clone(), nil
}

// List returns snapshots of all tasks ordered by creation time.
func (e *Executor) List() []*tradetask.TradeTask {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.tasks))
	for _, en := range e.tasks {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	out := make([]*tradetask.TradeTask, 0, len(entries))
	for _, en := range entries {
		en.task.Lock()
		out = append(out, en.task.Clone())
		en.task.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered tasks.
func (e *Executor) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tasks)
}

func (e *Executor) lookup(id string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("executor: task %s: %w", id, domain.ErrNotFound)
	}
	return en, nil
}

// persist saves the task, marking it dirty on failure so the next tick
// retries the save before doing anything else.
func (e *Executor) persist(ctx context.Context, en *entry) error {
	if err := e.store.Save(ctx, en.task); err != nil {
		en.dirty = true
		e.logger.Error("task save failed",
			slog.String("task_id", en.task.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("executor: save %s: %w", en.task.ID, err)
	}
	en.dirty = false
	return nil
}

type taskEvent struct {
	TaskID  string    `json:"task_id"`
	Symbol  string    `json:"symbol"`
	Event   string    `json:"event"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// emit fans a lifecycle event out to the audit log, the bus and the notifier.
// Failures of these side channels are logged only.
func (e *Executor) emit(ctx context.Context, t *tradetask.TradeTask, event, message string) {
	log := e.logger.With(slog.String("task_id", t.ID), slog.String("event", event))

	if e.audit != nil {
		if err := e.audit.Log(ctx, t.ID, event, map[string]any{
			"symbol":  t.Symbol,
			"status":  string(t.Status),
			"message": message,
		}); err != nil {
			log.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(taskEvent{
			TaskID:  t.ID,
			Symbol:  t.Symbol,
			Event:   event,
			Status:  string(t.Status),
			Message: message,
			Time:    e.now(),
		})
		if err == nil {
			if err := e.bus.StreamAppend(ctx, TaskEventsStream, payload); err != nil {
				log.Warn("task event append failed", slog.String("error", err.Error()))
			}
			if err := e.bus.Publish(ctx, TaskEventsStream, payload); err != nil {
				log.Warn("task event publish failed", slog.String("error", err.Error()))
			}
		}
	}

	if e.notifier != nil && event != EventOrderPlaced {
		title := fmt.Sprintf("%s %s", t.Symbol, event)
		if err := e.notifier.Notify(ctx, event, title, fmt.Sprintf("task %s: %s", t.ID, message)); err != nil {
			log.Warn("notification failed", slog.String("error", err.Error()))
		}
	}
}
