package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

type levelKind uint8

const (
	kindSingle levelKind = iota
	kindGroup
)

// Level is one row of a book side. It is either a native price level or a
// group of native levels collapsed onto a merged price. A group's quantity is
// always the sum of its members, so editing a member is reflected without
// re-aggregating the side.
type Level struct {
	kind     levelKind
	price    decimal.Decimal
	side     domain.Side
	quantity decimal.Decimal     // kindSingle only
	members  []domain.PriceLevel // kindGroup only, best price first

	total decimal.Decimal
	pct   decimal.Decimal
}

func singleLevel(l domain.PriceLevel) Level {
	return Level{kind: kindSingle, price: l.Price, side: l.Side, quantity: l.Quantity}
}

func groupLevel(price decimal.Decimal, side domain.Side, members ...domain.PriceLevel) Level {
	return Level{kind: kindGroup, price: price, side: side, members: members}
}

// Price is the native price for a single level and the merged price for a group.
func (l Level) Price() decimal.Decimal { return l.price }

func (l Level) bestMember() decimal.Decimal {
	if l.kind == kindGroup && len(l.members) > 0 {
		return l.members[0].Price
	}
	return l.price
}

// Side returns the book side of the row.
func (l Level) Side() domain.Side { return l.side }

// IsGroup reports whether the row aggregates several native levels.
func (l Level) IsGroup() bool { return l.kind == kindGroup }

// Quantity is the effective quantity of the row.
func (l Level) Quantity() decimal.Decimal {
	if l.kind == kindSingle {
		return l.quantity
	}
	sum := decimal.Zero
	for _, m := range l.members {
		sum = sum.Add(m.Quantity)
	}
	return sum
}

// Total is the cumulative quantity from the best price up to and including this row.
func (l Level) Total() decimal.Decimal { return l.total }

// QuantityPercentage is Total as a percentage of the deepest total on the side.
func (l Level) QuantityPercentage() decimal.Decimal { return l.pct }

// Members returns the native levels behind the row.
func (l Level) Members() []domain.PriceLevel {
	if l.kind == kindSingle {
		return []domain.PriceLevel{{Price: l.price, Quantity: l.quantity, Side: l.side}}
	}
	out := make([]domain.PriceLevel, len(l.members))
	copy(out, l.members)
	return out
}

func (l Level) view() domain.LevelView {
	n := 1
	if l.kind == kindGroup {
		n = len(l.members)
	}
	return domain.LevelView{
		Price:              l.price,
		Quantity:           l.Quantity(),
		Total:              l.total,
		QuantityPercentage: l.pct,
		Members:            n,
	}
}

// better reports whether price a ranks ahead of b on the given side.
func better(side domain.Side, a, b decimal.Decimal) bool {
	if side == domain.SideBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// locate scans from the best price and returns the index of the first level
// that does not rank ahead of price, and whether it is an exact match.
func locate(side domain.Side, prices func(i int) decimal.Decimal, n int, price decimal.Decimal) (int, bool) {
	for i := 0; i < n; i++ {
		p := prices(i)
		if p.Equal(price) {
			return i, true
		}
		if better(side, price, p) {
			return i, false
		}
	}
	return n, false
}

// upsertMember sets or inserts a native level inside a group.
func (l *Level) upsertMember(pl domain.PriceLevel) {
	i, exact := locate(l.side, func(i int) decimal.Decimal { return l.members[i].Price }, len(l.members), pl.Price)
	if exact {
		l.members[i].Quantity = pl.Quantity
		return
	}
	l.members = append(l.members, domain.PriceLevel{})
	copy(l.members[i+1:], l.members[i:])
	l.members[i] = pl
}

// removeMember drops a native price from a group and reports whether it was present.
func (l *Level) removeMember(price decimal.Decimal) bool {
	for i, m := range l.members {
		if m.Price.Equal(price) {
			l.members = append(l.members[:i], l.members[i+1:]...)
			return true
		}
	}
	return false
}
