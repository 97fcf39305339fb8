package domain

import "time"

// Opportunity is a detector decision that a pair's spread is worth trading.
// Each one is consumed at most once by the executor.
type Opportunity struct {
	ID                    string
	Pair                  string
	Direction             Direction
	Spread                float64
	NetSpread             float64
	EstimatedNetProfitBps float64
	Confidence            float64
	RecommendedSize       float64
	SnapshotAt            time.Time
	CreatedAt             time.Time
}
