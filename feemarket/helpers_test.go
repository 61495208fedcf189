package feemarket

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	relayer1  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	relayer2  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	relayer3  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	relayer4  = common.HexToAddress("0x0000000000000000000000000000000000000004")
	confirmer = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	deliverer = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	sender    = common.HexToAddress("0x0000000000000000000000000000000000005e0d")

	testLane = LaneFromUint32(1)

	fundEndowment   Balance = 1000
	senderEndowment Balance = 1000
	relayerBalance  Balance = 1000
)

func testParams() MarketParameters {
	return DefaultMarketParameters("test")
}

func testGenesis(params MarketParameters) Genesis {
	return Genesis{
		Params: params,
		Endowments: map[AccountID]Balance{
			params.RelayerFund: fundEndowment,
			sender:             senderEndowment,
			relayer1:           relayerBalance,
			relayer2:           relayerBalance,
			relayer3:           relayerBalance,
			relayer4:           relayerBalance,
		},
	}
}

func newTestState(t *testing.T, params MarketParameters) (*FeeMarketState, *MemoryLedger) {
	t.Helper()
	state, err := NewFeeMarketState(zap.NewNop(), testGenesis(params), nil)
	require.NoError(t, err)
	ledger, ok := state.Currency().(*MemoryLedger)
	require.True(t, ok)
	return state, ledger
}

func enroll(t *testing.T, state *FeeMarketState, who AccountID, collateral, fee Balance) {
	t.Helper()
	_, err := state.Enroll(who, collateral, &fee)
	require.NoError(t, err)
}

// newThreeRelayerState enrolls relayer1..3 with fees 15, 16, 17 and collateral 100 each.
func newThreeRelayerState(t *testing.T, params MarketParameters) (*FeeMarketState, *MemoryLedger) {
	t.Helper()
	state, ledger := newTestState(t, params)
	enroll(t, state, relayer1, 100, 15)
	enroll(t, state, relayer2, 100, 16)
	enroll(t, state, relayer3, 100, 17)
	return state, ledger
}

func orderID(nonce uint64) OrderID {
	return OrderID{Lane: testLane, Nonce: nonce}
}

func sendAt(t *testing.T, state *FeeMarketState, block BlockNumber, nonce uint64) *Order {
	t.Helper()
	if !state.started || state.Now() != block {
		_, err := state.FinalizeBlock(block)
		require.NoError(t, err)
	}
	order, err := state.SendMessage(sender, orderID(nonce))
	require.NoError(t, err)
	return order
}

func payoutsByPayee(report *SettlementReport) map[AccountID]Payout {
	res := make(map[AccountID]Payout, len(report.Payouts))
	for _, p := range report.Payouts {
		res[p.Payee] = p
	}
	return res
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var res []Event
	for _, e := range events {
		if e.Kind == kind {
			res = append(res, e)
		}
	}
	return res
}
