package feemarket

import (
	"context"
	"testing"

	"github.com/flashbots/go-utils/cli"
	"github.com/stretchr/testify/require"
)

var testPostgresDSN = cli.GetEnv("TEST_POSTGRES_DSN", "")

func newTestDBBackend(t *testing.T) *DBBackend {
	t.Helper()
	if testPostgresDSN == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}
	b, err := NewDBBackend(testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDBBackend_Orders(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()
	const market = "db-test"

	_, err := b.db.Exec("DELETE FROM fee_order WHERE market = $1", market)
	require.NoError(t, err)
	_, err = b.db.Exec("DELETE FROM fee_settlement WHERE market = $1", market)
	require.NoError(t, err)
	_, err = b.db.Exec("DELETE FROM fee_payout WHERE market = $1", market)
	require.NoError(t, err)

	_, err = b.GetOrder(ctx, market, orderID(1))
	require.ErrorIs(t, err, ErrOrderNotArchived)

	order := &Order{ID: orderID(1), CreatedAt: 100, Tiers: testTiers(), Status: OrderPending}
	require.NoError(t, b.InsertOrder(ctx, market, order))
	// inserting twice is a no-op
	require.NoError(t, b.InsertOrder(ctx, market, order))

	stored, err := b.GetOrder(ctx, market, orderID(1))
	require.NoError(t, err)
	require.Equal(t, order, stored)

	report := &SettlementReport{
		Block:     250,
		Confirmer: confirmer,
		Records: []SettlementRecord{{
			ID: orderID(1), Status: OrderOnTimeSettled, CreatedAt: 100, ConfirmedAt: 250,
			QuotedFee: 17, Tier: 1, AssignedRelayer: relayer1, BaseFee: 15,
			TreasuryReward: 2, AssignedReward: 9, MessageReward: 4, ConfirmReward: 1,
		}},
		Payouts: []Payout{
			{Payee: relayer1, Amount: 9, Paid: true},
			{Payee: confirmer, Amount: 1, Error: "transfer failed"},
		},
	}
	require.NoError(t, b.InsertSettlement(ctx, market, report))

	stored, err = b.GetOrder(ctx, market, orderID(1))
	require.NoError(t, err)
	require.Equal(t, OrderOnTimeSettled, stored.Status)
	require.NotNil(t, stored.ConfirmedAt)
	require.Equal(t, BlockNumber(250), *stored.ConfirmedAt)

	var payouts []DBPayout
	err = b.db.Select(&payouts, "SELECT market, block, payee, amount, paid, error FROM fee_payout WHERE market = $1 ORDER BY id", market)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	require.True(t, payouts[0].Paid)
	require.Equal(t, "9", payouts[0].Amount.String())
	require.False(t, payouts[1].Paid)
	require.Equal(t, "transfer failed", payouts[1].Error.String)
}
