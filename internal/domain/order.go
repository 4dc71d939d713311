package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the exchange-facing direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OpenSide returns the order side that opens a position on the given leg side.
func OpenSide(side LegSide) OrderSide {
	if side == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseSide returns the order side that flattens a position on the given leg side.
func CloseSide(side LegSide) OrderSide {
	if side == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus tracks an order's lifecycle on the exchange.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partially_filled"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsOpen reports whether the order may still fill.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending || s == OrderStatusOpen || s == OrderStatusPartial
}

// OrderRequest describes an order to submit to a venue. A nil-equivalent
// (zero) Price means a market order.
type OrderRequest struct {
	Venue      string
	Symbol     string
	Side       OrderSide
	Quantity   decimal.Decimal
	Price      decimal.Decimal // zero = market
	ReduceOnly bool
	ClientID   string // idempotency key, echoed back by the adapter
}

// IsMarket reports whether the request carries no limit price.
func (r OrderRequest) IsMarket() bool {
	return r.Price.IsZero()
}

// OrderRef identifies an order accepted by a venue.
type OrderRef struct {
	Venue       string
	OrderID     string
	ClientID    string
	SubmittedAt time.Time
}

// OrderState is the result of an order status query.
type OrderState struct {
	OrderID   string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	FeeUSD    decimal.Decimal
	UpdatedAt time.Time
}
