package feemarket

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPermill(t *testing.T) {
	testCases := []struct {
		ratio string
		value Permill
		b     Balance
		mul   Balance
	}{
		{ratio: "0.6", value: 600_000, b: 15, mul: 9},
		{ratio: "0.8", value: 800_000, b: 6, mul: 4},
		{ratio: "0.2", value: 200_000, b: 6, mul: 1},
		{ratio: "1", value: 1_000_000, b: 17, mul: 17},
		{ratio: "0", value: 0, b: 17, mul: 0},
		{ratio: "0.000001", value: 1, b: 1_000_000, mul: 1},
		{ratio: "0.5", value: 500_000, b: ^uint64(0), mul: ^uint64(0) / 2},
	}
	for _, tc := range testCases {
		p, err := ParsePermill(tc.ratio)
		require.NoError(t, err, tc.ratio)
		require.Equal(t, tc.value, p, tc.ratio)
		require.Equal(t, tc.mul, p.Mul(tc.b), tc.ratio)
	}

	require.Equal(t, "0.6", PermillFromPercent(60).String())

	for _, bad := range []string{"1.01", "-0.1", "sixty"} {
		_, err := ParsePermill(bad)
		require.ErrorIs(t, err, ErrInvalidParameter, bad)
	}
}

func TestMarketParameters_Validate(t *testing.T) {
	testCases := map[string]func(p *MarketParameters){
		"empty id":               func(p *MarketParameters) { p.ID = "" },
		"zero collateral/order":  func(p *MarketParameters) { p.CollateralPerOrder = 0 },
		"zero slot":              func(p *MarketParameters) { p.Slot = 0 },
		"zero relayers":          func(p *MarketParameters) { p.AssignedRelayersNumber = 0 },
		"min lock below order":   func(p *MarketParameters) { p.MinimumLockCollateral = 10 },
		"assigned ratio above 1": func(p *MarketParameters) { p.AssignedRatio = 1_000_001 },
		"helper ratios above 1":  func(p *MarketParameters) { p.MessageRatio = PermillFromPercent(90) },
		"same system accounts":   func(p *MarketParameters) { p.Treasury = p.RelayerFund },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			p := testParams()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidParameter)
		})
	}

	p := testParams()
	require.NoError(t, p.Validate())
}

const testMarketsConfig = `
markets:
  - id: rialto
    minimum_relay_fee: 20
    collateral_per_order: 40
    assigned_relayers_number: 2
    slot: 300
    assigned_ratio: "0.5"
    order_retention: 7200
    endowments:
      "0x0000000000000000000000000000000000000001": 1000
  - id: millau
  - id: disabled
    disabled: true
`

func TestParseMarketsConfig(t *testing.T) {
	markets, err := ParseMarketsConfig([]byte(testMarketsConfig))
	require.NoError(t, err)
	require.Len(t, markets, 2)

	require.Equal(t, DefaultMarketParameters("millau"), markets[0].Params)
	require.Empty(t, markets[0].Endowments)

	rialto := markets[1]
	expected := DefaultMarketParameters("rialto")
	expected.MinimumRelayFee = 20
	expected.CollateralPerOrder = 40
	expected.AssignedRelayersNumber = 2
	expected.Slot = 300
	expected.AssignedRatio = PermillFromPercent(50)
	expected.OrderRetention = 7200
	require.Equal(t, expected, rialto.Params)
	require.Equal(t, map[AccountID]Balance{common.HexToAddress("0x01"): 1000}, rialto.Endowments)
}

func TestParseMarketsConfig_Errors(t *testing.T) {
	testCases := map[string]string{
		"duplicate":     "markets:\n  - id: a\n  - id: a\n",
		"bad ratio":     "markets:\n  - id: a\n    confirm_ratio: \"2\"\n",
		"bad treasury":  "markets:\n  - id: a\n    treasury: nope\n",
		"bad endowment": "markets:\n  - id: a\n    endowments:\n      nope: 1\n",
		"invalid":       "markets:\n  - id: a\n    slot: 0\n    collateral_per_order: 500\n",
	}
	for name, config := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMarketsConfig([]byte(config))
			require.ErrorIs(t, err, ErrInvalidParameter)
		})
	}

	_, err := ParseMarketsConfig([]byte("markets: [\n"))
	require.Error(t, err)
}

func TestLoadMarketsConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testMarketsConfig), 0o600))

	markets, err := LoadMarketsConfig(file)
	require.NoError(t, err)
	require.Len(t, markets, 2)

	_, err = LoadMarketsConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
