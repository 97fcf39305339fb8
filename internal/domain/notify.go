package domain

import "context"

// Alerter delivers operator notifications. Notify honours the configured event
// filter; NotifyAll bypasses it and is reserved for escalations.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyAll(ctx context.Context, title, message string) error
}

// Notification event types.
const (
	EventOpportunity        = "opportunity"
	EventHedgeBalanced      = "hedge_balanced"
	EventHedgeClosed        = "hedge_closed"
	EventHedgeFailed        = "hedge_failed"
	EventManualIntervention = "manual_intervention"
	EventEmergencyStop      = "emergency_stop"
)
