package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the book side a level or order belongs to.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceLevel is a single (price, quantity, side) point. A zero quantity in an
// update means "remove this level".
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
}

// IsRemoval reports whether the level is a delete marker.
func (l PriceLevel) IsRemoval() bool {
	return l.Quantity.Sign() <= 0
}

// Ticker is the top-of-book and last trade for a symbol.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Time   time.Time       `json:"time"`
}

// DepthSnapshot is a full book image with the venue sequence id it reflects.
type DepthSnapshot struct {
	Symbol       string
	Levels       []PriceLevel
	LastUpdateID int64
}

// DepthDelta is one incremental update from a venue's diff stream. It covers
// venue sequence ids FirstUpdateID..FinalUpdateID inclusive.
type DepthDelta struct {
	Symbol        string
	Levels        []PriceLevel
	FirstUpdateID int64
	FinalUpdateID int64
	Time          time.Time
}
