package feemarket

import (
	"fmt"
	"math"
)

// CollateralManager tracks the stake each relayer keeps locked in the host ledger and the number
// of unsettled orders assigning it. In-flight accounting is keyed by account only, so it does not
// depend on whether the relayer is still enrolled.
type CollateralManager struct {
	params   *MarketParameters
	currency Currency
	lockID   LockID

	collateral map[AccountID]Balance
	inFlight   map[AccountID]uint32
}

func NewCollateralManager(params *MarketParameters, currency Currency) *CollateralManager {
	return &CollateralManager{
		params:     params,
		currency:   currency,
		lockID:     LockID("feemarket/" + params.ID),
		collateral: make(map[AccountID]Balance),
		inFlight:   make(map[AccountID]uint32),
	}
}

func (c *CollateralManager) LockID() LockID {
	return c.lockID
}

// Locked is the collateral currently earmarked for who.
func (c *CollateralManager) Locked(who AccountID) Balance {
	return c.collateral[who]
}

// InFlight is the number of unsettled orders assigning who.
func (c *CollateralManager) InFlight(who AccountID) uint32 {
	return c.inFlight[who]
}

func (c *CollateralManager) maxOrders(collateral Balance) uint32 {
	orders := collateral / c.params.CollateralPerOrder
	if orders > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(orders)
}

// Capacity is floor(collateral / CollateralPerOrder) minus the in-flight orders of who.
func (c *CollateralManager) Capacity(who AccountID) uint32 {
	total := c.maxOrders(c.collateral[who])
	used := c.inFlight[who]
	if used >= total {
		return 0
	}
	return total - used
}

func (c *CollateralManager) Lock(who AccountID, amount Balance) error {
	if err := c.currency.Lock(who, c.lockID, amount); err != nil {
		return err
	}
	c.collateral[who] = saturatingAdd(c.collateral[who], amount)
	return nil
}

func (c *CollateralManager) Increase(who AccountID, delta Balance) error {
	return c.Lock(who, delta)
}

// Decrease releases delta of the locked collateral. It fails if the remaining collateral no longer
// covers the orders currently assigned to who.
func (c *CollateralManager) Decrease(who AccountID, delta Balance) error {
	current := c.collateral[who]
	if delta > current {
		return fmt.Errorf("%w: decrease %d exceeds locked collateral %d", ErrInvalidParameter, delta, current)
	}
	if c.maxOrders(current-delta) < c.inFlight[who] {
		return ErrCapacityExceeded
	}
	if err := c.currency.Unlock(who, c.lockID, delta); err != nil {
		return err
	}
	c.setCollateral(who, current-delta)
	return nil
}

// Release unlocks all collateral of who. It fails while who has in-flight orders.
func (c *CollateralManager) Release(who AccountID) error {
	if c.inFlight[who] > 0 {
		return ErrHasInFlightOrders
	}
	if err := c.currency.Unlock(who, c.lockID, c.collateral[who]); err != nil {
		return err
	}
	delete(c.collateral, who)
	return nil
}

// Slash moves up to amount of who's locked collateral to dest. The collateral never drops below
// CollateralSlashProtect; the slash is clamped to what is available and never fails.
func (c *CollateralManager) Slash(who AccountID, amount Balance, dest AccountID) Balance {
	slashable := saturatingSub(c.collateral[who], c.params.CollateralSlashProtect)
	slashed := c.currency.SlashLocked(who, c.lockID, minBalance(amount, slashable), dest)
	c.setCollateral(who, saturatingSub(c.collateral[who], slashed))
	return slashed
}

func (c *CollateralManager) assign(who AccountID) {
	c.inFlight[who]++
}

func (c *CollateralManager) finish(who AccountID) {
	switch n := c.inFlight[who]; n {
	case 0:
	case 1:
		delete(c.inFlight, who)
	default:
		c.inFlight[who] = n - 1
	}
}

func (c *CollateralManager) setCollateral(who AccountID, amount Balance) {
	if amount == 0 {
		delete(c.collateral, who)
		return
	}
	c.collateral[who] = amount
}
