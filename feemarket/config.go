package feemarket

import (
	"fmt"
	"math/bits"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Permill is a ratio expressed in parts per million.
type Permill uint32

const permillDenominator = 1_000_000

var decimalMillion = decimal.NewFromInt(permillDenominator)

func PermillFromPercent(p uint32) Permill {
	return Permill(p * 10_000)
}

// ParsePermill parses a decimal ratio in [0, 1], e.g. "0.6".
func ParsePermill(s string) (Permill, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: ratio %q: %s", ErrInvalidParameter, s, err.Error())
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("%w: ratio %q must be within [0, 1]", ErrInvalidParameter, s)
	}
	return Permill(d.Mul(decimalMillion).Floor().IntPart()), nil
}

// Mul returns floor(p * b) without intermediate overflow.
func (p Permill) Mul(b Balance) Balance {
	hi, lo := bits.Mul64(b, uint64(p))
	q, _ := bits.Div64(hi, lo, permillDenominator)
	return q
}

func (p Permill) String() string {
	return decimal.New(int64(p), -6).String()
}

// MarketParameters is the process-wide configuration of one fee market instance.
type MarketParameters struct {
	ID string

	MinimumRelayFee        Balance
	MinimumLockCollateral  Balance
	CollateralPerOrder     Balance
	AssignedRelayersNumber uint32
	Slot                   BlockNumber
	SlashPerBlock          Balance
	CollateralSlashProtect Balance

	AssignedRatio Permill
	MessageRatio  Permill
	ConfirmRatio  Permill

	Treasury    AccountID
	RelayerFund AccountID

	ExistentialDeposit Balance
	// OrderRetention is the number of blocks settled orders stay in memory, 0 keeps them forever.
	OrderRetention BlockNumber
}

func DefaultMarketParameters(id string) MarketParameters {
	return MarketParameters{
		ID:                     id,
		MinimumRelayFee:        15,
		MinimumLockCollateral:  100,
		CollateralPerOrder:     50,
		AssignedRelayersNumber: 3,
		Slot:                   600,
		SlashPerBlock:          2,
		CollateralSlashProtect: 0,
		AssignedRatio:          PermillFromPercent(60),
		MessageRatio:           PermillFromPercent(80),
		ConfirmRatio:           PermillFromPercent(20),
		Treasury:               common.HexToAddress("0x7472737279000000000000000000000000000000"),
		RelayerFund:            common.HexToAddress("0x6665656d6b000000000000000000000000000000"),
		ExistentialDeposit:     1,
	}
}

func (p *MarketParameters) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: market id is empty", ErrInvalidParameter)
	case p.CollateralPerOrder == 0:
		return fmt.Errorf("%w: collateral per order must be positive", ErrInvalidParameter)
	case p.Slot == 0:
		return fmt.Errorf("%w: slot must be positive", ErrInvalidParameter)
	case p.AssignedRelayersNumber == 0:
		return fmt.Errorf("%w: assigned relayers number must be positive", ErrInvalidParameter)
	case p.MinimumLockCollateral < p.CollateralPerOrder:
		return fmt.Errorf("%w: minimum lock collateral is below collateral per order", ErrInvalidParameter)
	case p.AssignedRatio > permillDenominator:
		return fmt.Errorf("%w: assigned ratio above 1", ErrInvalidParameter)
	case uint64(p.MessageRatio)+uint64(p.ConfirmRatio) > permillDenominator:
		return fmt.Errorf("%w: message and confirm ratios add up above 1", ErrInvalidParameter)
	case p.Treasury == p.RelayerFund:
		return fmt.Errorf("%w: treasury and relayer fund must differ", ErrInvalidParameter)
	}
	return nil
}

// MarketsConfig is the yaml file describing all markets served by a node.
type MarketsConfig struct {
	Markets []MarketConfig `yaml:"markets"`
}

type MarketConfig struct {
	ID                     string             `yaml:"id"`
	MinimumRelayFee        Balance            `yaml:"minimum_relay_fee"`
	MinimumLockCollateral  Balance            `yaml:"minimum_lock_collateral"`
	CollateralPerOrder     Balance            `yaml:"collateral_per_order"`
	AssignedRelayersNumber uint32             `yaml:"assigned_relayers_number"`
	Slot                   BlockNumber        `yaml:"slot"`
	SlashPerBlock          Balance            `yaml:"slash_per_block"`
	CollateralSlashProtect Balance            `yaml:"collateral_slash_protect"`
	AssignedRatio          string             `yaml:"assigned_ratio"`
	MessageRatio           string             `yaml:"message_ratio"`
	ConfirmRatio           string             `yaml:"confirm_ratio"`
	Treasury               string             `yaml:"treasury"`
	RelayerFund            string             `yaml:"relayer_fund"`
	ExistentialDeposit     Balance            `yaml:"existential_deposit"`
	OrderRetention         BlockNumber        `yaml:"order_retention"`
	Endowments             map[string]Balance `yaml:"endowments"`
	Disabled               bool               `yaml:"disabled"`
}

// Genesis is the initial state of one market.
type Genesis struct {
	Params     MarketParameters
	Endowments map[AccountID]Balance
}

// LoadMarketsConfig parses the markets config from a file.
// Unset numeric fields keep their DefaultMarketParameters values.
func LoadMarketsConfig(file string) ([]Genesis, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseMarketsConfig(data)
}

func ParseMarketsConfig(data []byte) ([]Genesis, error) {
	var config MarketsConfig
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	res := make([]Genesis, 0, len(config.Markets))
	for _, market := range config.Markets {
		if market.Disabled {
			continue
		}
		if _, ok := seen[market.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate market %q", ErrInvalidParameter, market.ID)
		}
		seen[market.ID] = struct{}{}

		genesis, err := market.genesis()
		if err != nil {
			return nil, err
		}
		res = append(res, genesis)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Params.ID < res[j].Params.ID })
	return res, nil
}

func (m *MarketConfig) genesis() (Genesis, error) {
	p := DefaultMarketParameters(m.ID)
	setIfNonZero(&p.MinimumRelayFee, m.MinimumRelayFee)
	setIfNonZero(&p.MinimumLockCollateral, m.MinimumLockCollateral)
	setIfNonZero(&p.CollateralPerOrder, m.CollateralPerOrder)
	setIfNonZero(&p.Slot, m.Slot)
	setIfNonZero(&p.SlashPerBlock, m.SlashPerBlock)
	setIfNonZero(&p.ExistentialDeposit, m.ExistentialDeposit)
	p.CollateralSlashProtect = m.CollateralSlashProtect
	p.OrderRetention = m.OrderRetention
	if m.AssignedRelayersNumber != 0 {
		p.AssignedRelayersNumber = m.AssignedRelayersNumber
	}

	ratios := []struct {
		raw string
		dst *Permill
	}{
		{m.AssignedRatio, &p.AssignedRatio},
		{m.MessageRatio, &p.MessageRatio},
		{m.ConfirmRatio, &p.ConfirmRatio},
	}
	for _, r := range ratios {
		if r.raw == "" {
			continue
		}
		v, err := ParsePermill(r.raw)
		if err != nil {
			return Genesis{}, err
		}
		*r.dst = v
	}

	var err error
	if m.Treasury != "" {
		if p.Treasury, err = parseAccount(m.Treasury); err != nil {
			return Genesis{}, err
		}
	}
	if m.RelayerFund != "" {
		if p.RelayerFund, err = parseAccount(m.RelayerFund); err != nil {
			return Genesis{}, err
		}
	}
	if err := p.Validate(); err != nil {
		return Genesis{}, fmt.Errorf("market %q: %w", m.ID, err)
	}

	endowments := make(map[AccountID]Balance, len(m.Endowments))
	for raw, amount := range m.Endowments {
		who, err := parseAccount(raw)
		if err != nil {
			return Genesis{}, err
		}
		endowments[who] = amount
	}
	return Genesis{Params: p, Endowments: endowments}, nil
}

func setIfNonZero(dst *uint64, v uint64) {
	if v != 0 {
		*dst = v
	}
}

func parseAccount(s string) (AccountID, error) {
	if !common.IsHexAddress(s) {
		return AccountID{}, fmt.Errorf("%w: invalid account %q", ErrInvalidParameter, s)
	}
	return common.HexToAddress(s), nil
}
