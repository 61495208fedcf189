package feemarket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, params *MarketParameters) (*RelayerRegistry, *CollateralManager, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger(params.ExistentialDeposit)
	for _, who := range []AccountID{relayer1, relayer2, relayer3, relayer4} {
		ledger.Deposit(who, relayerBalance)
	}
	collateral := NewCollateralManager(params, ledger)
	return NewRelayerRegistry(params, collateral), collateral, ledger
}

func TestRelayerRegistry_MarketFee(t *testing.T) {
	params := testParams()
	registry, _, _ := newTestRegistry(t, &params)

	_, ok := registry.MarketFee()
	require.False(t, ok)

	fees := []Balance{18, 15, 17, 16}
	for i, who := range []AccountID{relayer1, relayer2, relayer3, relayer4} {
		fee := fees[i]
		_, err := registry.Enroll(who, 100, &fee)
		require.NoError(t, err)
	}

	fee, ok := registry.MarketFee()
	require.True(t, ok)
	require.Equal(t, Balance(17), fee)

	params.AssignedRelayersNumber = 5
	_, ok = registry.MarketFee()
	require.False(t, ok)
}

func TestRelayerRegistry_Enroll(t *testing.T) {
	params := testParams()
	registry, collateral, ledger := newTestRegistry(t, &params)

	_, err := registry.Enroll(relayer1, params.MinimumLockCollateral-1, nil)
	require.ErrorIs(t, err, ErrCollateralTooLow)

	low := params.MinimumRelayFee - 1
	_, err = registry.Enroll(relayer1, 100, &low)
	require.ErrorIs(t, err, ErrFeeTooLow)

	_, err = registry.Enroll(relayer1, relayerBalance+1, nil)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.False(t, registry.IsEnrolled(relayer1))

	relayer, err := registry.Enroll(relayer1, 120, nil)
	require.NoError(t, err)
	require.Equal(t, Relayer{ID: relayer1, Collateral: 120, Fee: params.MinimumRelayFee}, relayer)
	require.Equal(t, Balance(120), ledger.LockedBalance(relayer1, collateral.LockID()))
	require.Equal(t, relayerBalance-120, ledger.FreeBalance(relayer1))

	_, err = registry.Enroll(relayer1, 120, nil)
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRelayerRegistry_Updates(t *testing.T) {
	params := testParams()
	registry, collateral, ledger := newTestRegistry(t, &params)

	_, err := registry.UpdateFee(relayer1, 20)
	require.ErrorIs(t, err, ErrNotEnrolled)
	_, err = registry.UpdateCollateral(relayer1, 200)
	require.ErrorIs(t, err, ErrNotEnrolled)
	_, err = registry.Withdraw(relayer1)
	require.ErrorIs(t, err, ErrNotEnrolled)

	_, err = registry.Enroll(relayer1, 100, nil)
	require.NoError(t, err)

	relayer, err := registry.UpdateFee(relayer1, 20)
	require.NoError(t, err)
	require.Equal(t, Balance(20), relayer.Fee)
	_, err = registry.UpdateFee(relayer1, params.MinimumRelayFee-1)
	require.ErrorIs(t, err, ErrFeeTooLow)

	relayer, err = registry.UpdateCollateral(relayer1, 250)
	require.NoError(t, err)
	require.Equal(t, Balance(250), relayer.Collateral)
	require.Equal(t, Balance(250), ledger.LockedBalance(relayer1, collateral.LockID()))
	require.Equal(t, uint32(5), collateral.Capacity(relayer1))

	relayer, err = registry.UpdateCollateral(relayer1, 60)
	require.NoError(t, err)
	require.Equal(t, Balance(60), relayer.Collateral)
	require.Equal(t, relayerBalance-60, ledger.FreeBalance(relayer1))

	relayer, err = registry.Withdraw(relayer1)
	require.NoError(t, err)
	require.Equal(t, Balance(60), relayer.Collateral)
	require.False(t, registry.IsEnrolled(relayer1))
	require.Equal(t, relayerBalance, ledger.FreeBalance(relayer1))
	require.Equal(t, Balance(0), ledger.LockedBalance(relayer1, collateral.LockID()))
}

func TestRelayerRegistry_RankingSkipsFullRelayers(t *testing.T) {
	params := testParams()
	params.AssignedRelayersNumber = 1
	registry, collateral, _ := newTestRegistry(t, &params)

	fee1, fee2 := Balance(15), Balance(20)
	_, err := registry.Enroll(relayer1, 100, &fee1)
	require.NoError(t, err)
	_, err = registry.Enroll(relayer2, 100, &fee2)
	require.NoError(t, err)

	fee, ok := registry.MarketFee()
	require.True(t, ok)
	require.Equal(t, fee1, fee)

	collateral.assign(relayer1)
	collateral.assign(relayer1)
	require.Equal(t, uint32(0), collateral.Capacity(relayer1))

	fee, ok = registry.MarketFee()
	require.True(t, ok)
	require.Equal(t, fee2, fee)
	require.Equal(t, []AccountID{relayer1, relayer2}, registry.Relayers())
}

func TestRelayerRegistry_TiesBrokenByAccount(t *testing.T) {
	params := testParams()
	params.AssignedRelayersNumber = 2
	registry, _, _ := newTestRegistry(t, &params)

	for _, who := range []AccountID{relayer3, relayer1, relayer2} {
		_, err := registry.Enroll(who, 100, nil)
		require.NoError(t, err)
	}
	ranked := registry.ranked()
	require.Len(t, ranked, 3)
	require.Equal(t, relayer1, ranked[0].ID)
	require.Equal(t, relayer2, ranked[1].ID)
	require.Equal(t, relayer3, ranked[2].ID)
}
