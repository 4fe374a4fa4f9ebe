// Package tradetask holds the chained-order state of one automated trade: the
// queue of pending order jobs, the finished jobs, the fill ledger and the
// event log. The lifecycle executor drives it; this package only keeps the
// state consistent.
package tradetask

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// Status is the task lifecycle state. Every state but Running is terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFinished  Status = "finished"
	StatusPanicSell Status = "panic_sell"
)

// Terminal reports whether no further dispatch may happen.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Event is one entry of the task's free-form event log.
type Event struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// TradeTask is a chain of order jobs traded as one unit. Exported fields form
// the persisted document. Mutating methods require the caller to hold the
// task lock.
type TradeTask struct {
	mu sync.Mutex

	ID        string                 `json:"id"`
	Symbol    string                 `json:"symbol"`
	Venue     string                 `json:"venue"`
	Status    Status                 `json:"status"`
	Jobs      []*OrderTask           `json:"jobs"`
	Finished  []*OrderTask           `json:"finished"`
	Trades    map[string]domain.Fill `json:"trades"`
	Events    []Event                `json:"events"`
	LastError string                 `json:"last_error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	LastPoll  time.Time              `json:"last_poll,omitzero"`
}

// New builds a running task from authored jobs. Job ids are assigned, the
// symbol is copied onto every job and the queue is put in dispatch order.
func New(symbol, venue string, jobs []*OrderTask, now time.Time) (*TradeTask, error) {
	t := &TradeTask{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Venue:     venue,
		Status:    StatusRunning,
		Jobs:      jobs,
		Trades:    make(map[string]domain.Fill),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, j := range t.Jobs {
		if j == nil {
			return nil, fmt.Errorf("tradetask: new: %w: nil job", domain.ErrInvalidTask)
		}
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		j.Symbol = symbol
		if j.Side == "" {
			j.Side = j.Kind.Side()
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.SortJobs()
	t.Log(now, fmt.Sprintf("created with %d jobs", len(t.Jobs)))
	return t, nil
}

// Validate checks the task document is coherent.
func (t *TradeTask) Validate() error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if t.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if t.Status == StatusRunning && len(t.Jobs) == 0 {
		errs = append(errs, errors.New("a running task needs at least one job"))
	}
	buys := 0
	for _, j := range t.Jobs {
		if err := j.validate(); err != nil {
			errs = append(errs, err)
		}
		if j.Kind == KindBuy {
			buys++
		}
	}
	if buys > 1 {
		errs = append(errs, errors.New("at most one buy job"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("tradetask: %w: %w", domain.ErrInvalidTask, errors.Join(errs...))
	}
	return nil
}

// TryLock acquires the task lock without blocking.
func (t *TradeTask) TryLock() bool { return t.mu.TryLock() }

// Lock acquires the task lock.
func (t *TradeTask) Lock() { t.mu.Lock() }

// Unlock releases the task lock.
func (t *TradeTask) Unlock() { t.mu.Unlock() }

// SortJobs puts the pending queue in dispatch order: the buy first, then LIMIT
// jobs ahead of MARKET jobs, keeping authored order otherwise.
func (t *TradeTask) SortJobs() {
	rank := func(j *OrderTask) int {
		switch {
		case j.Kind == KindBuy:
			return 0
		case j.IsLimit():
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(t.Jobs, func(a, b int) bool { return rank(t.Jobs[a]) < rank(t.Jobs[b]) })
}

// Log appends an event and bumps UpdatedAt.
func (t *TradeTask) Log(now time.Time, message string) {
	t.Events = append(t.Events, Event{Time: now, Message: message})
	t.UpdatedAt = now
}

// SetStatus moves a running task to a terminal status. It fails once the task
// is already terminal.
func (t *TradeTask) SetStatus(now time.Time, s Status) error {
	if t.Status.Terminal() {
		return fmt.Errorf("tradetask %s: %w", t.ID, domain.ErrTaskTerminal)
	}
	t.Status = s
	t.Log(now, "status "+string(s))
	return nil
}

// Position is the net quantity bought minus sold according to the ledger.
func (t *TradeTask) Position() decimal.Decimal {
	pos := decimal.Zero
	for _, f := range t.Trades {
		if f.Side == domain.SideBuy {
			pos = pos.Add(f.Quantity)
		} else {
			pos = pos.Sub(f.Quantity)
		}
	}
	return pos
}

// RecordFill adds a fill to the ledger. It reports false for a fill id already
// recorded.
func (t *TradeTask) RecordFill(f domain.Fill) bool {
	if t.Trades == nil {
		t.Trades = make(map[string]domain.Fill)
	}
	if _, seen := t.Trades[f.ID]; seen {
		return false
	}
	t.Trades[f.ID] = f
	return true
}

// ApplyOrder links the venue's latest view of an order to the job and records
// its fills. It reports whether anything changed.
func (t *TradeTask) ApplyOrder(j *OrderTask, o domain.Order, now time.Time) bool {
	changed := j.Order == nil || j.Order.Status != o.Status || !j.Order.ExecutedQty.Equal(o.ExecutedQty)
	for _, f := range o.Fills {
		if f.Side == "" {
			f.Side = o.Side
		}
		if f.OrderID == "" {
			f.OrderID = o.ID
		}
		if t.RecordFill(f) {
			changed = true
		}
	}
	order := o
	j.Order = &order
	j.LinkedOrderID = o.ID
	j.LastPoll = now
	t.LastPoll = now
	return changed
}

// Finish moves a pending job to the finished queue.
func (t *TradeTask) Finish(j *OrderTask) {
	for i, p := range t.Jobs {
		if p == j {
			t.Jobs = append(t.Jobs[:i], t.Jobs[i+1:]...)
			t.Finished = append(t.Finished, j)
			return
		}
	}
}

// FinishAll moves every pending job to the finished queue.
func (t *TradeTask) FinishAll() {
	t.Finished = append(t.Finished, t.Jobs...)
	t.Jobs = nil
}

// ActiveJobs returns pending jobs whose venue order is still working.
func (t *TradeTask) ActiveJobs() []*OrderTask {
	var out []*OrderTask
	for _, j := range t.Jobs {
		if j.IsActive() {
			out = append(out, j)
		}
	}
	return out
}

// HasPending reports whether a pending job of the given kind exists.
func (t *TradeTask) HasPending(k Kind) bool {
	for _, j := range t.Jobs {
		if j.Kind == k {
			return true
		}
	}
	return false
}

// StopPrice is the trigger price of the first stop-loss job, pending or
// finished.
func (t *TradeTask) StopPrice() (decimal.Decimal, bool) {
	return t.firstPrice(KindStopLoss)
}

// FirstTakeProfit is the trigger price of the first take-profit job, pending
// or finished.
func (t *TradeTask) FirstTakeProfit() (decimal.Decimal, bool) {
	return t.firstPrice(KindTakeProfit)
}

func (t *TradeTask) firstPrice(k Kind) (decimal.Decimal, bool) {
	for _, queue := range [][]*OrderTask{t.Jobs, t.Finished} {
		for _, j := range queue {
			if j.Kind == k {
				return j.Price, true
			}
		}
	}
	return decimal.Zero, false
}

// RewriteForPanicSell discards the pending queue into the finished queue and,
// when a position is held, queues a single MARKET sell for all of it. Active
// orders must already be cancelled. It returns the injected job, or nil when
// there was nothing to sell and the task went straight to PanicSell.
func (t *TradeTask) RewriteForPanicSell(now time.Time) *OrderTask {
	t.FinishAll()
	pos := t.Position()
	if pos.Sign() <= 0 {
		t.Status = StatusPanicSell
		t.Log(now, "panic sell with no position")
		return nil
	}
	j := &OrderTask{
		ID:       uuid.NewString(),
		Kind:     KindPanicSell,
		Symbol:   t.Symbol,
		Side:     domain.SideSell,
		Type:     domain.OrderTypeMarket,
		Quantity: pos,
	}
	t.Jobs = []*OrderTask{j}
	t.Log(now, "panic sell queued for "+pos.String())
	return j
}

// Clone returns a deep copy with a fresh lock. The caller must hold the lock
// or otherwise own the task.
func (t *TradeTask) Clone() *TradeTask {
	c := &TradeTask{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Venue:     t.Venue,
		Status:    t.Status,
		Trades:    make(map[string]domain.Fill, len(t.Trades)),
		Events:    append([]Event(nil), t.Events...),
		LastError: t.LastError,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		LastPoll:  t.LastPoll,
	}
	for _, j := range t.Jobs {
		c.Jobs = append(c.Jobs, j.clone())
	}
	for _, j := range t.Finished {
		c.Finished = append(c.Finished, j.clone())
	}
	for id, f := range t.Trades {
		c.Trades[id] = f
	}
	return c
}
