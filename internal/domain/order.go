package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the venue execution style.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus tracks the venue-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusActive          OrderStatus = "ACTIVE"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsOpen reports whether the order may still trade on the venue.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case OrderStatusNew, OrderStatusActive, OrderStatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Fill is a single execution against an order. ID is unique per venue.
type Fill struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
	FeeAsset string          `json:"fee_asset,omitempty"`
	Time     time.Time       `json:"time"`
}

// OrderRequest is what the execution gateway needs to place an order.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Order is the venue's view of a placed order.
type Order struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	Status      OrderStatus     `json:"status"`
	Fills       []Fill          `json:"fills,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsActive reports whether the order is resting or partially filled.
func (o *Order) IsActive() bool {
	return o != nil && (o.Status == OrderStatusActive || o.Status == OrderStatusPartiallyFilled || o.Status == OrderStatusNew)
}
