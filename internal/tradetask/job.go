package tradetask

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// Kind is the role of one leg within a trade task.
type Kind string

const (
	KindBuy        Kind = "buy"
	KindStopLoss   Kind = "stop_loss"
	KindTakeProfit Kind = "take_profit"
	KindPanicSell  Kind = "panic_sell"
)

// Priority orders kinds when a triggered job supersedes live ones. A higher
// priority job cancels active jobs of lower priority.
func (k Kind) Priority() int {
	switch k {
	case KindBuy:
		return 0
	case KindTakeProfit:
		return 1
	case KindStopLoss:
		return 2
	case KindPanicSell:
		return 3
	default:
		return -1
	}
}

// Side is the order side implied by the kind.
func (k Kind) Side() domain.Side {
	if k == KindBuy {
		return domain.SideBuy
	}
	return domain.SideSell
}

var hundred = decimal.NewFromInt(100)

// OrderTask is one order intent within a trade task. It is created with the
// task, linked to a venue order once submitted, and moved to the finished
// queue when that order reaches a final state.
type OrderTask struct {
	ID              string           `json:"id"`
	Kind            Kind             `json:"kind"`
	Symbol          string           `json:"symbol"`
	Side            domain.Side      `json:"side"`
	Type            domain.OrderType `json:"type"`
	Price           decimal.Decimal  `json:"price"`
	Quantity        decimal.Decimal  `json:"quantity"`
	QuantityPercent decimal.Decimal  `json:"quantity_percent"`
	LinkedOrderID   string           `json:"linked_order_id,omitempty"`
	Order           *domain.Order    `json:"order,omitempty"`
	LastPoll        time.Time        `json:"last_poll,omitzero"`
	Polled          bool             `json:"polled,omitempty"`
}

// Submitted reports whether the job is linked to a venue order.
func (j *OrderTask) Submitted() bool {
	return j.Order != nil
}

// IsActive reports whether the job's venue order is still working.
func (j *OrderTask) IsActive() bool {
	return j.Order.IsActive()
}

// IsLimit reports whether the job is a LIMIT order.
func (j *OrderTask) IsLimit() bool {
	return j.Type == domain.OrderTypeLimit
}

// Filled reports whether the linked order is completely filled.
func (j *OrderTask) Filled() bool {
	return j.Order != nil && j.Order.Status == domain.OrderStatusFilled
}

// CancelledExternally reports whether the venue ended the order without the
// executor asking for it. Orders the executor cancels itself are unlinked
// before their final status is observed.
func (j *OrderTask) CancelledExternally() bool {
	if j.Order == nil {
		return false
	}
	return j.Order.Status == domain.OrderStatusCancelled || j.Order.Status == domain.OrderStatusExpired
}

// Unlink detaches the job from its venue order so it can be submitted again.
func (j *OrderTask) Unlink() {
	j.Order = nil
	j.LinkedOrderID = ""
	j.LastPoll = time.Time{}
}

// SellQuantity resolves the quantity of a sell job against the current
// position: QuantityPercent of the position when set, Quantity otherwise,
// never more than the position and never negative.
func (j *OrderTask) SellQuantity(position decimal.Decimal) decimal.Decimal {
	if position.Sign() <= 0 {
		return decimal.Zero
	}
	qty := j.Quantity
	if j.QuantityPercent.Sign() > 0 {
		qty = position.Mul(j.QuantityPercent).Div(hundred)
	}
	if qty.GreaterThan(position) {
		qty = position
	}
	if qty.Sign() < 0 {
		return decimal.Zero
	}
	return qty
}

func (j *OrderTask) validate() error {
	if j.Kind.Priority() < 0 {
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
	if j.Type != domain.OrderTypeLimit && j.Type != domain.OrderTypeMarket {
		return fmt.Errorf("job %s: unknown order type %q", j.ID, j.Type)
	}
	if j.Side != j.Kind.Side() {
		return fmt.Errorf("job %s: %s must be a %s", j.ID, j.Kind, j.Kind.Side())
	}
	switch j.Kind {
	case KindBuy:
		if j.IsLimit() && j.Price.Sign() <= 0 {
			return fmt.Errorf("job %s: limit buy needs a positive price", j.ID)
		}
		if j.Quantity.Sign() <= 0 {
			return fmt.Errorf("job %s: buy needs a positive quantity", j.ID)
		}
	case KindStopLoss, KindTakeProfit:
		if j.Price.Sign() <= 0 {
			return fmt.Errorf("job %s: %s needs a positive trigger price", j.ID, j.Kind)
		}
		fallthrough
	case KindPanicSell:
		if j.Quantity.Sign() <= 0 && j.QuantityPercent.Sign() <= 0 {
			return fmt.Errorf("job %s: sell needs a quantity or a quantity percent", j.ID)
		}
		if j.QuantityPercent.GreaterThan(hundred) {
			return fmt.Errorf("job %s: quantity percent above 100", j.ID)
		}
	}
	return nil
}

func (j *OrderTask) clone() *OrderTask {
	c := *j
	if j.Order != nil {
		o := *j.Order
		o.Fills = append([]domain.Fill(nil), j.Order.Fills...)
		c.Order = &o
	}
	return &c
}
