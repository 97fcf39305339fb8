package domain

import (
	"math"
	"time"
)

// Position is one open leg of a hedge.
type Position struct {
	Pair       string
	Venue      Venue
	Leg        Leg
	Side       OrderSide
	Size       float64
	EntryPrice float64
	OpenedAt   time.Time
}

// HedgeStatus is the hedge state machine.
type HedgeStatus string

const (
	HedgeProposed    HedgeStatus = "proposed"
	HedgeLegAPending HedgeStatus = "leg_a_pending"
	HedgeLegBPending HedgeStatus = "leg_b_pending"
	HedgeBalanced    HedgeStatus = "balanced"
	HedgeUnwinding   HedgeStatus = "unwinding"
	HedgeClosed      HedgeStatus = "closed"
	HedgeFailed      HedgeStatus = "failed"
)

// Terminal reports whether the hedge has left the system's control loop.
func (s HedgeStatus) Terminal() bool {
	return s == HedgeClosed || s == HedgeFailed
}

// CloseReason records why a balanced hedge was closed.
type CloseReason string

const (
	CloseStopLoss      CloseReason = "stop_loss"
	CloseTakeProfit    CloseReason = "take_profit"
	CloseEmergencyStop CloseReason = "emergency_stop"
	CloseShutdown      CloseReason = "shutdown"
	CloseManual        CloseReason = "manual"
)

// HedgePosition pairs the two legs opened for one opportunity.
type HedgePosition struct {
	ID                 string
	OpportunityID      string
	Pair               string
	Direction          Direction
	TargetSize         float64
	LegA               Position
	LegB               Position
	Status             HedgeStatus
	ManualIntervention bool
	CloseReason        CloseReason
	Error              string
	OpenedAt           time.Time
	UpdatedAt          time.Time
	ClosedAt           *time.Time
}

// Leg returns the position for the given leg.
func (h HedgePosition) Leg(l Leg) Position {
	if l == LegA {
		return h.LegA
	}
	return h.LegB
}

// Notional is the exposure charged to risk for this hedge: the larger leg.
func (h HedgePosition) Notional() float64 {
	return math.Max(math.Abs(h.LegA.Size), math.Abs(h.LegB.Size))
}

// Imbalance is the absolute size difference between the legs.
func (h HedgePosition) Imbalance() float64 {
	return math.Abs(math.Abs(h.LegA.Size) - math.Abs(h.LegB.Size))
}
