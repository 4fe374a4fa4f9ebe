package rule

import (
	"errors"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// TrailingTakeProfit is a one-shot threshold at TakeProfitPrice that, once met,
// turns into a moving threshold at value*(1+Percent).
//
// A negative Percent protects a long position: activation needs the price to
// reach TakeProfitPrice from below, the threshold trails under the price and
// only ever rises, and the rule fires when the price falls back to it. A
// positive Percent is the mirror image for a short position.
type TrailingTakeProfit struct {
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	Percent         decimal.Decimal `json:"percent"`

	Activated bool            `json:"activated"`
	Threshold decimal.Decimal `json:"threshold"`
}

func (tt *TrailingTakeProfit) validate() error {
	if tt.TakeProfitPrice.Sign() <= 0 {
		return errors.New("trailing: take_profit_price must be positive")
	}
	if tt.Percent.IsZero() || tt.Percent.Abs().GreaterThanOrEqual(one) {
		return errors.New("trailing: percent must be non-zero and within (-1, 1)")
	}
	return nil
}

func (tt *TrailingTakeProfit) long() bool { return tt.Percent.Sign() < 0 }

// Observe feeds one price and reports whether the trailing threshold was hit.
// The activating tick never fires.
func (tt *TrailingTakeProfit) Observe(value decimal.Decimal) bool {
	candidate := value.Mul(one.Add(tt.Percent))

	if !tt.Activated {
		reached := value.GreaterThanOrEqual(tt.TakeProfitPrice)
		if !tt.long() {
			reached = value.LessThanOrEqual(tt.TakeProfitPrice)
		}
		if reached {
			tt.Activated = true
			tt.Threshold = candidate
		}
		return false
	}

	if tt.long() {
		if value.LessThanOrEqual(tt.Threshold) {
			return true
		}
		if candidate.GreaterThan(tt.Threshold) {
			tt.Threshold = candidate
		}
		return false
	}

	if value.GreaterThanOrEqual(tt.Threshold) {
		return true
	}
	if candidate.LessThan(tt.Threshold) {
		tt.Threshold = candidate
	}
	return false
}
