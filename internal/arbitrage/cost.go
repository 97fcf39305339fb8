package arbitrage

import (
	"cmp"
	"math"
	"slices"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// tolerance absorbs float noise at the threshold boundaries.
const tolerance = 1e-12

// CostModel prices a full open-and-close cycle of a hedge as a fraction of
// notional.
type CostModel struct {
	TakerFeeA float64
	TakerFeeB float64
	Slippage  float64
}

// RoundTrip returns the pair override when set, otherwise taker fees for
// opening and closing on both venues plus modeled slippage.
func (c CostModel) RoundTrip(pair domain.TradingPair) float64 {
	if pair.RoundTripCost > 0 {
		return pair.RoundTripCost
	}
	return 2*(c.TakerFeeA+c.TakerFeeB) + c.Slippage
}

// NetSpread is |spread| minus the round-trip cost.
func (c CostModel) NetSpread(pair domain.TradingPair, spread float64) float64 {
	return math.Abs(spread) - c.RoundTrip(pair)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// confidence blends net-spread magnitude, input freshness and the weaker
// venue's reliability into a [0,1] ranking score.
func confidence(net, minThreshold, maxThreshold float64, snap domain.SpreadSnapshot, ceiling float64) float64 {
	magnitude := 1.0
	if maxThreshold > 0 {
		magnitude = clamp01(net / maxThreshold)
	}
	headroom := 1.0
	if minThreshold > 0 {
		headroom = math.Min(net/minThreshold, 2) / 2
	}
	freshness := 1.0
	if ceiling > 0 {
		freshness = 1 - clamp01(float64(snap.MaxStaleness)/ceiling)
	}
	reliability := math.Min(snap.ReliabilityA, snap.ReliabilityB)

	return clamp01(0.4*magnitude + 0.3*clamp01(headroom) + 0.2*freshness + 0.1*clamp01(reliability))
}

// Rank orders opportunities by confidence, then net spread, both descending.
// The input slice is sorted in place and returned.
func Rank(opps []domain.Opportunity) []domain.Opportunity {
	slices.SortStableFunc(opps, func(a, b domain.Opportunity) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(b.NetSpread, a.NetSpread)
	})
	return opps
}
