package feemarket

import (
	"bytes"
	"fmt"
	"sort"
)

// RelayerRegistry is the set of enrolled relayers and their quoted fees.
// Collateral is owned by the CollateralManager and read through it.
type RelayerRegistry struct {
	params     *MarketParameters
	collateral *CollateralManager
	fees       map[AccountID]Balance
}

func NewRelayerRegistry(params *MarketParameters, collateral *CollateralManager) *RelayerRegistry {
	return &RelayerRegistry{
		params:     params,
		collateral: collateral,
		fees:       make(map[AccountID]Balance),
	}
}

// Enroll adds who to the market. A nil fee quotes MinimumRelayFee.
func (r *RelayerRegistry) Enroll(who AccountID, collateral Balance, fee *Balance) (Relayer, error) {
	if r.IsEnrolled(who) {
		return Relayer{}, ErrAlreadyEnrolled
	}
	if collateral < r.params.MinimumLockCollateral {
		return Relayer{}, fmt.Errorf("%w: %d < %d", ErrCollateralTooLow, collateral, r.params.MinimumLockCollateral)
	}
	quoted := r.params.MinimumRelayFee
	if fee != nil {
		quoted = *fee
	}
	if quoted < r.params.MinimumRelayFee {
		return Relayer{}, fmt.Errorf("%w: %d < %d", ErrFeeTooLow, quoted, r.params.MinimumRelayFee)
	}
	if err := r.collateral.Lock(who, collateral); err != nil {
		return Relayer{}, err
	}
	r.fees[who] = quoted
	return r.relayer(who), nil
}

func (r *RelayerRegistry) UpdateCollateral(who AccountID, newCollateral Balance) (Relayer, error) {
	if !r.IsEnrolled(who) {
		return Relayer{}, ErrNotEnrolled
	}
	current := r.collateral.Locked(who)
	var err error
	switch {
	case newCollateral > current:
		err = r.collateral.Increase(who, newCollateral-current)
	case newCollateral < current:
		err = r.collateral.Decrease(who, current-newCollateral)
	}
	if err != nil {
		return Relayer{}, err
	}
	return r.relayer(who), nil
}

func (r *RelayerRegistry) UpdateFee(who AccountID, newFee Balance) (Relayer, error) {
	if !r.IsEnrolled(who) {
		return Relayer{}, ErrNotEnrolled
	}
	if newFee < r.params.MinimumRelayFee {
		return Relayer{}, fmt.Errorf("%w: %d < %d", ErrFeeTooLow, newFee, r.params.MinimumRelayFee)
	}
	r.fees[who] = newFee
	return r.relayer(who), nil
}

// Withdraw releases the whole lock of who and removes it from the market.
func (r *RelayerRegistry) Withdraw(who AccountID) (Relayer, error) {
	if !r.IsEnrolled(who) {
		return Relayer{}, ErrNotEnrolled
	}
	relayer := r.relayer(who)
	if err := r.collateral.Release(who); err != nil {
		return Relayer{}, err
	}
	delete(r.fees, who)
	return relayer, nil
}

func (r *RelayerRegistry) IsEnrolled(who AccountID) bool {
	_, ok := r.fees[who]
	return ok
}

func (r *RelayerRegistry) Get(who AccountID) (Relayer, error) {
	if !r.IsEnrolled(who) {
		return Relayer{}, ErrNotEnrolled
	}
	return r.relayer(who), nil
}

// Relayers returns enrolled accounts in ascending order.
func (r *RelayerRegistry) Relayers() []AccountID {
	res := make([]AccountID, 0, len(r.fees))
	for who := range r.fees {
		res = append(res, who)
	}
	sortAccounts(res)
	return res
}

func (r *RelayerRegistry) Len() int {
	return len(r.fees)
}

// MarketFee is the fee of the N-th cheapest relayer with spare capacity.
func (r *RelayerRegistry) MarketFee() (Balance, bool) {
	ranked := r.ranked()
	n := int(r.params.AssignedRelayersNumber)
	if n == 0 || len(ranked) < n {
		return 0, false
	}
	return ranked[n-1].Fee, true
}

// ranked returns relayers with capacity > 0 sorted by fee, ties broken by account.
func (r *RelayerRegistry) ranked() []Relayer {
	res := make([]Relayer, 0, len(r.fees))
	for who := range r.fees {
		if r.collateral.Capacity(who) == 0 {
			continue
		}
		res = append(res, r.relayer(who))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Fee != res[j].Fee {
			return res[i].Fee < res[j].Fee
		}
		return bytes.Compare(res[i].ID[:], res[j].ID[:]) < 0
	})
	return res
}

func (r *RelayerRegistry) relayer(who AccountID) Relayer {
	return Relayer{
		ID:         who,
		Collateral: r.collateral.Locked(who),
		Fee:        r.fees[who],
	}
}
