package router

// Strategy names accepted by the routing config and the admin endpoint.
const (
	StrategyCostFirst        = "cost_first"
	StrategyFreeFirst        = "free_first"
	StrategyLocalFirst       = "local_first"
	StrategyBalanced         = "balanced"
	StrategySpeedOptimized   = "speed_optimized"
	StrategyQualityOptimized = "quality_optimized"
)

// tier indices into Score.tiers().
const (
	tierCost = iota
	tierLocal
	tierContext
	tierParam
	tierSpeed
	tierQuality
	tierReliability
)

// strategyOrders remaps the weighting positions of the seven tiers. The
// first entry is the most significant digit of the composite rank. Every
// strategy ranks behind the free flag, so a validated free candidate beats
// a paid one under all of them.
var strategyOrders = map[string][7]int{
	StrategyCostFirst:        {tierCost, tierQuality, tierContext, tierParam, tierSpeed, tierReliability, tierLocal},
	StrategyFreeFirst:        {tierCost, tierLocal, tierContext, tierParam, tierSpeed, tierQuality, tierReliability},
	StrategyLocalFirst:       {tierLocal, tierCost, tierSpeed, tierContext, tierParam, tierQuality, tierReliability},
	StrategyBalanced:         {tierCost, tierQuality, tierContext, tierSpeed, tierParam, tierReliability, tierLocal},
	StrategySpeedOptimized:   {tierSpeed, tierCost, tierLocal, tierReliability, tierContext, tierParam, tierQuality},
	StrategyQualityOptimized: {tierQuality, tierParam, tierContext, tierCost, tierSpeed, tierReliability, tierLocal},
}

// ValidStrategy reports whether the name is a known strategy.
func ValidStrategy(name string) bool {
	_, ok := strategyOrders[name]

	return ok
}

// StrategyRank computes the composite sort rank of a score under the given
// strategy. The free flag stays in front of the permuted digits so the
// free-beats-paid invariant holds under every strategy.
func StrategyRank(s Score, strategy string) int {
	order, ok := strategyOrders[strategy]
	if !ok {
		order = strategyOrders[StrategyFreeFirst]
	}

	tiers := s.tiers()

	rank := 0
	for _, idx := range order {
		rank = rank*10 + tiers[idx]
	}

	if s.Free() {
		rank += 10_000_000
	}

	return rank
}
