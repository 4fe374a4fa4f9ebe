package domain

import "github.com/shopspring/decimal"

// LevelView is a read-only row of a book side with its derived metrics.
type LevelView struct {
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
	Total              decimal.Decimal `json:"total"`
	QuantityPercentage decimal.Decimal `json:"quantity_pct"`
	Members            int             `json:"members"`
}
