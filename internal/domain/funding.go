package domain

import "time"

// Venue is the configured name of an exchange adapter, e.g. "hyperliquid".
type Venue string

// Leg identifies which side of a hedge a venue plays. Spreads are always
// computed as rate(A) - rate(B).
type Leg string

const (
	LegA Leg = "a"
	LegB Leg = "b"
)

// Other returns the opposite leg.
func (l Leg) Other() Leg {
	if l == LegA {
		return LegB
	}
	return LegA
}

// TradingPair is a logical instrument plus its per-venue symbols and limits.
// Values are loaded from configuration and never mutated afterwards.
type TradingPair struct {
	Symbol             string
	SymbolA            string
	SymbolB            string
	MinFundingRateDiff float64
	MaxPositionSize    float64
	RoundTripCost      float64 // 0 means derive from the venue fee schedule
	Enabled            bool
}

// VenueSymbol returns the venue-specific symbol for the given leg.
func (p TradingPair) VenueSymbol(leg Leg) string {
	if leg == LegA {
		return p.SymbolA
	}
	return p.SymbolB
}

// FundingRate is the raw reading an adapter returns.
type FundingRate struct {
	Rate      float64
	Timestamp time.Time
}

// FundingQuote is the latest accepted funding rate for one (venue, pair).
// Quotes are replaced, never updated in place.
type FundingQuote struct {
	Venue      Venue
	Leg        Leg
	Pair       string
	Rate       float64
	ObservedAt time.Time
	Latency    time.Duration
	Staleness  time.Duration // age at the time the quote was last read
}

// Age returns how old the quote is relative to now.
func (q FundingQuote) Age(now time.Time) time.Duration {
	if q.ObservedAt.IsZero() {
		return 0
	}
	return now.Sub(q.ObservedAt)
}

// SpreadSnapshot is the derived rate(A) - rate(B) view for a pair at one tick.
type SpreadSnapshot struct {
	Pair         string
	RateA        float64
	RateB        float64
	Spread       float64
	ComputedAt   time.Time
	MaxStaleness time.Duration
	ReliabilityA float64 // 0..1
	ReliabilityB float64 // 0..1
}

// Direction says which venue is short the perp (and so receives funding).
type Direction string

const (
	DirectionShortALongB Direction = "short_a_long_b"
	DirectionLongAShortB Direction = "long_a_short_b"
)

// DirectionFor picks the direction that collects the spread: short the venue
// paying the higher rate.
func DirectionFor(spread float64) Direction {
	if spread > 0 {
		return DirectionShortALongB
	}
	return DirectionLongAShortB
}

// SideFor returns the opening order side for the given leg.
func (d Direction) SideFor(leg Leg) OrderSide {
	shortA := d == DirectionShortALongB
	if (leg == LegA) == shortA {
		return OrderSideSell
	}
	return OrderSideBuy
}
