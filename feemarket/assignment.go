package feemarket

import "fmt"

// AssignmentSelector picks the priced tiers of a new order.
type AssignmentSelector struct {
	params     *MarketParameters
	registry   *RelayerRegistry
	collateral *CollateralManager
}

func NewAssignmentSelector(params *MarketParameters, registry *RelayerRegistry, collateral *CollateralManager) *AssignmentSelector {
	return &AssignmentSelector{
		params:     params,
		registry:   registry,
		collateral: collateral,
	}
}

// Preview computes the tiers Select would return at now without reserving capacity.
func (s *AssignmentSelector) Preview(now BlockNumber) ([]AssignedRelayer, error) {
	n := int(s.params.AssignedRelayersNumber)
	ranked := s.registry.ranked()
	if n == 0 || len(ranked) < n {
		return nil, fmt.Errorf("%w: %d eligible, %d required", ErrNoRelayerAvailable, len(ranked), n)
	}

	tiers := make([]AssignedRelayer, n)
	start := now
	for i := 0; i < n; i++ {
		end := saturatingAdd(start, s.params.Slot)
		tiers[i] = AssignedRelayer{
			ID:         ranked[i].ID,
			Fee:        ranked[i].Fee,
			ValidRange: BlockRange{Start: start, End: end},
		}
		start = end
	}
	return tiers, nil
}

// Select assigns the N cheapest relayers with capacity to a new order created at now.
// Tier k covers [now + (k-1)*Slot, now + k*Slot). Each selected relayer gets one more in-flight order.
func (s *AssignmentSelector) Select(now BlockNumber) ([]AssignedRelayer, error) {
	tiers, err := s.Preview(now)
	if err != nil {
		return nil, err
	}
	for _, tier := range tiers {
		s.collateral.assign(tier.ID)
	}
	return tiers, nil
}
