package feemarket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testTiers() []AssignedRelayer {
	return []AssignedRelayer{
		{ID: relayer1, Fee: 15, ValidRange: BlockRange{Start: 100, End: 400}},
		{ID: relayer2, Fee: 16, ValidRange: BlockRange{Start: 400, End: 700}},
		{ID: relayer3, Fee: 17, ValidRange: BlockRange{Start: 700, End: 1000}},
	}
}

func TestOrderLedger_Lifecycle(t *testing.T) {
	l := NewOrderLedger()

	order, err := l.Create(orderID(1), testTiers(), 100)
	require.NoError(t, err)
	require.Equal(t, OrderPending, order.Status)
	require.Equal(t, Balance(17), order.Fee())
	require.Equal(t, BlockNumber(1000), order.Deadline())
	require.False(t, order.IsConfirmed())

	// returned orders are copies
	order.Tiers[0].Fee = 1000
	stored, ok := l.Get(orderID(1))
	require.True(t, ok)
	require.Equal(t, Balance(15), stored.Tiers[0].Fee)

	_, err = l.Create(orderID(1), testTiers(), 101)
	require.ErrorIs(t, err, ErrDuplicateOrder)

	require.ErrorIs(t, l.Confirm(orderID(2), 200), ErrUnknownOrder)
	require.NoError(t, l.Confirm(orderID(1), 200))
	require.ErrorIs(t, l.Confirm(orderID(1), 201), ErrAlreadyConfirmed)

	require.Equal(t, []OrderID{orderID(1)}, l.DrainConfirmedThisBlock())
	require.Empty(t, l.DrainConfirmedThisBlock())

	require.Equal(t, []OrderID{orderID(1)}, l.Unsettled())
	require.True(t, l.markSettled(orderID(1), OrderOnTimeSettled))
	require.False(t, l.markSettled(orderID(1), OrderLateSettled))
	require.False(t, l.markSettled(orderID(2), OrderLateSettled))
	require.Empty(t, l.Unsettled())

	require.Equal(t, 0, l.PruneSettled(200))
	require.Equal(t, 1, l.PruneSettled(201))
	require.Equal(t, 0, l.Len())
	_, ok = l.Get(orderID(1))
	require.False(t, ok)
	require.True(t, l.Retired(orderID(1)))
	require.True(t, l.Exists(orderID(1)))

	_, err = l.Create(orderID(1), testTiers(), 300)
	require.ErrorIs(t, err, ErrDuplicateOrder)
	require.Equal(t, 0, l.Len())
}

func TestOrderLedger_PruneKeepsPending(t *testing.T) {
	l := NewOrderLedger()
	for nonce := uint64(1); nonce <= 3; nonce++ {
		_, err := l.Create(orderID(nonce), testTiers(), 100)
		require.NoError(t, err)
	}
	require.NoError(t, l.Confirm(orderID(1), 150))
	require.NoError(t, l.Confirm(orderID(2), 150))
	require.True(t, l.markSettled(orderID(1), OrderOnTimeSettled))

	require.Equal(t, 1, l.PruneSettled(1_000_000))
	require.Equal(t, 2, l.Len())
	require.Equal(t, []OrderID{orderID(2), orderID(3)}, l.Unsettled())
}

func TestOrder_TierAt(t *testing.T) {
	order := &Order{ID: orderID(1), CreatedAt: 100, Tiers: testTiers()}

	testCases := []struct {
		block   BlockNumber
		tier    int
		onTime  bool
		overdue BlockNumber
	}{
		{block: 100, tier: 0, onTime: true},
		{block: 399, tier: 0, onTime: true},
		{block: 400, tier: 1, onTime: true},
		{block: 999, tier: 2, onTime: true},
		{block: 1000, onTime: false, overdue: 0},
		{block: 1001, onTime: false, overdue: 1},
		{block: 1500, onTime: false, overdue: 500},
	}
	for _, tc := range testCases {
		tier, ok := order.TierAt(tc.block)
		require.Equal(t, tc.onTime, ok, "block %d", tc.block)
		if ok {
			require.Equal(t, tc.tier, tier, "block %d", tc.block)
		}
		at := tc.block
		order.ConfirmedAt = &at
		require.Equal(t, tc.overdue, order.Overdue(), "block %d", tc.block)
	}
}
