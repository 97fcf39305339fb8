package domain

import "context"

// Exchange is the capability set every venue adapter implements. All errors
// returned across this boundary are *AdapterError.
type Exchange interface {
	Name() Venue
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	CancelOrder(ctx context.Context, h OrderHandle) error
	// GetOrderStatus looks the order up by h.ClientID when the venue supports
	// it, so it can be called for a submission whose ack was lost.
	GetOrderStatus(ctx context.Context, h OrderHandle) (OrderState, error)
	// GetPosition returns nil, nil when flat.
	GetPosition(ctx context.Context, symbol string) (*VenuePosition, error)
}

// VenuePosition is a venue's view of the net position in a symbol.
type VenuePosition struct {
	Symbol        string
	Side          OrderSide
	Size          float64 // notional
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}
