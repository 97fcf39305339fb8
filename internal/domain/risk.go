package domain

// RiskState is a point-in-time copy of aggregate exposure.
type RiskState struct {
	TotalNotional float64            `json:"total_notional"`
	PerPair       map[string]float64 `json:"per_pair"`
	EmergencyStop bool               `json:"emergency_stop"`
}
