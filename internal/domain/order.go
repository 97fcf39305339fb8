package domain

import "time"

// OrderSide indicates whether this is a buy (long) or sell (short).
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that offsets s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus tracks the order lifecycle as reported by a venue.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the venue will not change the order further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is a market order in quote notional. ClientID is generated by
// the caller and reused unchanged on every retry of the same submission.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       OrderSide
	Size       float64
	ReduceOnly bool
}

// OrderHandle references a submitted order. ClientID is always set; OrderID
// is whatever the venue assigned, if anything.
type OrderHandle struct {
	Venue    Venue
	ClientID string
	OrderID  string
	Symbol   string
}

// OrderState is the venue's view of an order.
type OrderState struct {
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64
	UpdatedAt  time.Time
}
