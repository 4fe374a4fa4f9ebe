// Package orderbook maintains a local bid/ask ladder for one symbol from venue
// snapshots and incremental updates, optionally aggregated to a coarser price
// granularity, and keeps it in step with a sequenced diff stream.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Book is a sorted two-sided ladder. Bids are kept in descending price order
// and asks in ascending price order, with no duplicate prices on a side. Book
// is safe for concurrent use; writers are expected to be a single feed.
type Book struct {
	mu sync.RWMutex

	symbol        string
	precision     int32
	mergeDecimals int32
	lastUpdateID  int64
	updatedAt     time.Time

	bids []Level
	asks []Level
}

// New creates an empty book. precision is the symbol's native number of price
// decimals; mergeDecimals is the display granularity. When they differ, native
// levels are grouped onto merged prices.
func New(symbol string, precision, mergeDecimals int32) *Book {
	return &Book{
		symbol:        symbol,
		precision:     precision,
		mergeDecimals: mergeDecimals,
	}
}

// Symbol returns the symbol this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// LastUpdateID returns the venue sequence id the book reflects.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// Precision returns the symbol's native number of price decimals.
func (b *Book) Precision() int32 { return b.precision }

// MergeDecimals returns the current aggregation granularity.
func (b *Book) MergeDecimals() int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mergeDecimals
}

// Empty reports whether both sides are empty.
func (b *Book) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emptyLocked()
}

func (b *Book) emptyLocked() bool {
	return len(b.bids) == 0 && len(b.asks) == 0
}

func (b *Book) merging() bool {
	return b.mergeDecimals != b.precision
}

// mergedPrice truncates bids and rounds asks up to the merge granularity, so a
// merged bid never overstates and a merged ask never understates the market.
func (b *Book) mergedPrice(price decimal.Decimal, side domain.Side) decimal.Decimal {
	shifted := price.Shift(b.mergeDecimals)
	if side == domain.SideBuy {
		return shifted.Floor().Shift(-b.mergeDecimals)
	}
	return shifted.Ceil().Shift(-b.mergeDecimals)
}

// Assign replaces both sides with the given levels. Zero-quantity levels are
// ignored. The sequence id is left untouched.
func (b *Book) Assign(levels []domain.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assignLocked(levels)
}

// AssignSnapshot replaces the book with a fresh venue image and adopts its
// sequence id.
func (b *Book) AssignSnapshot(snap domain.DepthSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assignLocked(snap.Levels)
	b.lastUpdateID = snap.LastUpdateID
}

func (b *Book) assignLocked(levels []domain.PriceLevel) {
	bids, asks := partition(levels)
	if b.merging() {
		b.bids = b.group(bids, domain.SideBuy)
		b.asks = b.group(asks, domain.SideSell)
	} else {
		b.bids = singles(bids)
		b.asks = singles(asks)
	}
	b.updatedAt = time.Now().UTC()
	b.recompute()
}

// partition splits levels by side, keeps the last quantity seen for a
// duplicated price, then drops removals and sorts each side best-first.
func partition(levels []domain.PriceLevel) (bids, asks []domain.PriceLevel) {
	byPrice := map[domain.Side]map[string]int{
		domain.SideBuy:  {},
		domain.SideSell: {},
	}
	for _, l := range levels {
		var dst *[]domain.PriceLevel
		switch l.Side {
		case domain.SideBuy:
			dst = &bids
		case domain.SideSell:
			dst = &asks
		default:
			continue
		}
		key := l.Price.String()
		if i, ok := byPrice[l.Side][key]; ok {
			(*dst)[i].Quantity = l.Quantity
			continue
		}
		byPrice[l.Side][key] = len(*dst)
		*dst = append(*dst, l)
	}
	bids, asks = dropRemovals(bids), dropRemovals(asks)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	return bids, asks
}

func dropRemovals(levels []domain.PriceLevel) []domain.PriceLevel {
	out := levels[:0]
	for _, l := range levels {
		if !l.IsRemoval() {
			out = append(out, l)
		}
	}
	return out
}

func singles(levels []domain.PriceLevel) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, singleLevel(l))
	}
	return out
}

// group collapses sorted native levels onto merged prices.
func (b *Book) group(levels []domain.PriceLevel, side domain.Side) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		mp := b.mergedPrice(l.Price, side)
		if n := len(out); n > 0 && out[n-1].price.Equal(mp) {
			out[n-1].members = append(out[n-1].members, l)
			continue
		}
		out = append(out, groupLevel(mp, side, l))
	}
	return out
}

// Update synchronises the book with a depth image. On each side, levels whose
// price does not appear in levels are removed; then each incoming level is
// removed (zero quantity), updated in place or inserted in order. An empty
// book degrades to Assign. Re-applying the same image leaves content unchanged.
func (b *Book) Update(levels []domain.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.emptyLocked() {
		b.assignLocked(levels)
		return
	}

	present := map[domain.Side]map[string]bool{
		domain.SideBuy:  {},
		domain.SideSell: {},
	}
	for _, l := range levels {
		if m, ok := present[l.Side]; ok {
			m[l.Price.String()] = true
		}
	}
	b.bids = b.prune(b.bids, present[domain.SideBuy])
	b.asks = b.prune(b.asks, present[domain.SideSell])

	b.applyLocked(levels)
}

// ApplyDelta applies a diff update: zero quantities remove a level, anything
// else upserts it. Levels absent from the delta are unchanged.
func (b *Book) ApplyDelta(levels []domain.PriceLevel, finalUpdateID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applyLocked(levels)
	if finalUpdateID > b.lastUpdateID {
		b.lastUpdateID = finalUpdateID
	}
}

func (b *Book) applyLocked(levels []domain.PriceLevel) {
	for _, l := range levels {
		switch l.Side {
		case domain.SideBuy:
			b.bids = b.upsert(b.bids, l)
		case domain.SideSell:
			b.asks = b.upsert(b.asks, l)
		}
	}
	b.updatedAt = time.Now().UTC()
	b.recompute()
}

func (b *Book) prune(rows []Level, keep map[string]bool) []Level {
	out := rows[:0]
	for _, row := range rows {
		if row.kind == kindSingle {
			if keep[row.price.String()] {
				out = append(out, row)
			}
			continue
		}
		members := row.members[:0]
		for _, m := range row.members {
			if keep[m.Price.String()] {
				members = append(members, m)
			}
		}
		row.members = members
		if len(members) > 0 {
			out = append(out, row)
		}
	}
	return out
}

// upsert applies one native level to a side, scanning from the best price.
func (b *Book) upsert(rows []Level, l domain.PriceLevel) []Level {
	price := l.Price
	if b.merging() {
		price = b.mergedPrice(l.Price, l.Side)
	}
	i, exact := locate(l.Side, func(i int) decimal.Decimal { return rows[i].price }, len(rows), price)

	if l.IsRemoval() {
		if !exact {
			return rows
		}
		if rows[i].kind == kindGroup {
			rows[i].removeMember(l.Price)
			if len(rows[i].members) > 0 {
				return rows
			}
		}
		return append(rows[:i], rows[i+1:]...)
	}

	if exact {
		if rows[i].kind == kindGroup {
			rows[i].upsertMember(l)
		} else {
			rows[i].quantity = l.Quantity
		}
		return rows
	}

	row := singleLevel(l)
	if b.merging() {
		row = groupLevel(price, l.Side, l)
	}
	rows = append(rows, Level{})
	copy(rows[i+1:], rows[i:])
	rows[i] = row
	return rows
}

// recompute refreshes cumulative totals and percentages on both sides.
func (b *Book) recompute() {
	accumulate(b.bids)
	accumulate(b.asks)
}

func accumulate(rows []Level) {
	running := decimal.Zero
	maxTotal := decimal.Zero
	for i := range rows {
		running = running.Add(rows[i].Quantity())
		rows[i].total = running
		if running.GreaterThan(maxTotal) {
			maxTotal = running
		}
	}
	for i := range rows {
		if maxTotal.IsZero() {
			rows[i].pct = decimal.Zero
			continue
		}
		rows[i].pct = rows[i].total.Div(maxTotal.Div(hundred)).Round(2)
	}
}

// SetMergeDecimals changes the aggregation granularity and regroups the
// current native levels.
func (b *Book) SetMergeDecimals(d int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d == b.mergeDecimals {
		return
	}
	native := make([]domain.PriceLevel, 0, len(b.bids)+len(b.asks))
	for _, row := range b.bids {
		native = append(native, row.Members()...)
	}
	for _, row := range b.asks {
		native = append(native, row.Members()...)
	}
	b.mergeDecimals = d
	b.assignLocked(native)
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return decimal.Zero, false
	}
	return b.bids[0].price, true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return decimal.Zero, false
	}
	return b.asks[0].price, true
}

// Touch returns the best native bid and ask. With merging on these are the
// real venue prices, not the merged row prices BestBid and BestAsk report.
func (b *Book) Touch() (bid, ask decimal.Decimal, okBid, okAsk bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) > 0 {
		bid, okBid = b.bids[0].bestMember(), true
	}
	if len(b.asks) > 0 {
		ask, okAsk = b.asks[0].bestMember(), true
	}
	return bid, ask, okBid, okAsk
}

// Spread is bestAsk - bestBid. ok is false when either side is empty.
func (b *Book) Spread() (spread decimal.Decimal, ok bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// SpreadPercentage is bestAsk/bestBid - 1.
func (b *Book) SpreadPercentage() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk || bid.IsZero() {
		return decimal.Zero, false
	}
	return ask.Div(bid).Sub(decimal.NewFromInt(1)), true
}

// Bids returns a copy of the bid rows, best first.
func (b *Book) Bids() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyRows(b.bids)
}

// Asks returns a copy of the ask rows, best first.
func (b *Book) Asks() []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyRows(b.asks)
}

func copyRows(rows []Level) []Level {
	out := make([]Level, len(rows))
	for i, r := range rows {
		out[i] = r
		if r.kind == kindGroup {
			out[i].members = append([]domain.PriceLevel(nil), r.members...)
		}
	}
	return out
}

// Depth returns up to n rows of one side as views. n <= 0 returns every row.
func (b *Book) Depth(side domain.Side, n int) []domain.LevelView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows := b.bids
	if side == domain.SideSell {
		rows = b.asks
	}
	if n <= 0 || n > len(rows) {
		n = len(rows)
	}
	out := make([]domain.LevelView, 0, n)
	for _, r := range rows[:n] {
		out = append(out, r.view())
	}
	return out
}

// View returns the top n rows of both sides.
func (b *Book) View(n int) domain.BookView {
	v := domain.BookView{
		Symbol: b.symbol,
		Bids:   b.Depth(domain.SideBuy, n),
		Asks:   b.Depth(domain.SideSell, n),
	}
	b.mu.RLock()
	v.LastUpdateID = b.lastUpdateID
	v.Timestamp = b.updatedAt
	b.mu.RUnlock()
	return v
}
