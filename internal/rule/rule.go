// Package rule evaluates price-threshold trading rules against ticker updates
// and fans triggered rules out to an order placer.
package rule

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// Property selects which ticker price a rule compares.
type Property string

const (
	PropertyLast Property = "last"
	PropertyBid  Property = "bid"
	PropertyAsk  Property = "ask"
)

// Value extracts the property from a ticker.
func (p Property) Value(t domain.Ticker) (decimal.Decimal, bool) {
	switch p {
	case PropertyLast:
		return t.Last, true
	case PropertyBid:
		return t.Bid, true
	case PropertyAsk:
		return t.Ask, true
	default:
		return decimal.Zero, false
	}
}

// Operator is a comparison between a price and a threshold.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
)

// Compare reports whether "value op threshold" holds.
func (o Operator) Compare(value, threshold decimal.Decimal) bool {
	c := value.Cmp(threshold)
	switch o {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpEqual:
		return c == 0
	case OpGreaterEqual:
		return c >= 0
	case OpGreater:
		return c > 0
	default:
		return false
	}
}

func (o Operator) valid() bool {
	switch o {
	case OpLess, OpLessEqual, OpEqual, OpGreaterEqual, OpGreater:
		return true
	}
	return false
}

// Rule places one order when a ticker property crosses a threshold. When
// Trailing is set the rule behaves as a trailing take-profit instead of a
// plain threshold.
type Rule struct {
	ID        string          `json:"id"`
	Market    string          `json:"market"`
	Property  Property        `json:"property"`
	Operator  Operator        `json:"operator"`
	Threshold decimal.Decimal `json:"threshold"`

	OrderSide   domain.Side     `json:"order_side"`
	OrderRate   decimal.Decimal `json:"order_rate"`
	OrderVolume decimal.Decimal `json:"order_volume"`
	OrderID     string          `json:"order_id,omitempty"`
	Active      bool            `json:"active"`

	Trailing *TrailingTakeProfit `json:"trailing,omitempty"`
}

// Validate checks the rule is complete.
func (r *Rule) Validate() error {
	var errs []error
	if r.Market == "" {
		errs = append(errs, errors.New("market is required"))
	}
	if _, ok := r.Property.Value(domain.Ticker{}); !ok {
		errs = append(errs, fmt.Errorf("unknown property %q", r.Property))
	}
	if r.Trailing == nil && !r.Operator.valid() {
		errs = append(errs, fmt.Errorf("unknown operator %q", r.Operator))
	}
	if r.OrderSide != domain.SideBuy && r.OrderSide != domain.SideSell {
		errs = append(errs, fmt.Errorf("unknown order side %q", r.OrderSide))
	}
	if r.OrderVolume.Sign() <= 0 {
		errs = append(errs, errors.New("order_volume must be positive"))
	}
	if r.OrderRate.Sign() < 0 {
		errs = append(errs, errors.New("order_rate must not be negative"))
	}
	if r.Trailing != nil {
		if err := r.Trailing.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsApplicable reports whether the tick triggers the rule. It is false when
// the market differs, the rule is inactive or an order was already placed.
// Trailing rules advance their internal state on every call.
func (r *Rule) IsApplicable(t domain.Ticker) bool {
	if t.Symbol != r.Market || !r.Active || r.OrderID != "" {
		return false
	}
	value, ok := r.Property.Value(t)
	if !ok || value.Sign() <= 0 {
		return false
	}
	if r.Trailing != nil {
		return r.Trailing.Observe(value)
	}
	return r.Operator.Compare(value, r.Threshold)
}

// OrderRequest builds the order placed when the rule fires. A zero rate is a
// market order.
func (r *Rule) OrderRequest() domain.OrderRequest {
	req := domain.OrderRequest{
		ClientID: r.ID,
		Symbol:   r.Market,
		Side:     r.OrderSide,
		Type:     domain.OrderTypeLimit,
		Price:    r.OrderRate,
		Quantity: r.OrderVolume,
	}
	if r.OrderRate.IsZero() {
		req.Type = domain.OrderTypeMarket
	}
	return req
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	if r.Trailing != nil {
		tt := *r.Trailing
		r.Trailing = &tt
	}
	return r
}
