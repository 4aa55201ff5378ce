package ledger

import "github.com/sells-group/credit-broker/internal/model"

// Pricing holds the credit cost of an analysis.
type Pricing struct {
	// Base maps a source count to its base cost. Counts above the largest
	// key use the largest key's cost.
	Base map[int]int `yaml:"base" mapstructure:"base"`

	// AdvancedSurcharge is added for advanced deep-dive analyses.
	AdvancedSurcharge int `yaml:"advanced_surcharge" mapstructure:"advanced_surcharge"`
}

// DefaultPricing returns one credit per source up to three, plus one for
// advanced analyses.
func DefaultPricing() Pricing {
	return Pricing{
		Base:              map[int]int{1: 1, 2: 2, 3: 3},
		AdvancedSurcharge: 1,
	}
}

// Cost returns the credits charged for an analysis over sourceCount sources.
// Source counts below one are charged as one.
func (p Pricing) Cost(sourceCount int, advanced bool) int {
	cost := p.base(max(sourceCount, 1))
	if advanced {
		cost += p.AdvancedSurcharge
	}
	return cost
}

func (p Pricing) base(n int) int {
	if c, ok := p.Base[n]; ok {
		return c
	}
	top, cost := 0, n
	for k, c := range p.Base {
		if k <= n && k > top {
			top, cost = k, c
		}
	}
	return cost
}

// ActionTypeFor labels an analysis by its source count. The label is used
// for the audit trail only; it does not affect cost.
func ActionTypeFor(sourceCount int) model.ActionType {
	switch {
	case sourceCount <= 1:
		return model.ActionSingleSource
	case sourceCount == 2:
		return model.ActionDualSource
	default:
		return model.ActionTripleSource
	}
}
