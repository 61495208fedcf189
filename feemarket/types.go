package feemarket

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	MarketFeeEndpointName            = "feeMarket_marketFee"
	RelayersEndpointName             = "feeMarket_relayers"
	IsEnrolledEndpointName           = "feeMarket_isEnrolled"
	GetRelayerEndpointName           = "feeMarket_getRelayer"
	CapacityEndpointName             = "feeMarket_capacity"
	BalanceEndpointName              = "feeMarket_balance"
	OrderEndpointName                = "feeMarket_order"
	EnrollEndpointName               = "feeMarket_enroll"
	UpdateCollateralEndpointName     = "feeMarket_updateCollateral"
	UpdateFeeEndpointName            = "feeMarket_updateFee"
	WithdrawEndpointName             = "feeMarket_withdraw"
	SetSlashProtectEndpointName      = "feeMarket_setSlashProtect"
	SetAssignedRelayersEndpointName  = "feeMarket_setAssignedRelayersNumber"
	SendMessageEndpointName          = "lane_sendMessage"
	MessagesConfirmedEndpointName    = "lane_messagesConfirmed"
	FinalizeBlockEndpointName        = "lane_finalizeBlock"
	maxConfirmedMessagesPerBatchCall = 4096
)

// Balance is an amount of the host chain's native currency in its smallest unit.
type Balance = uint64

// BlockNumber is a host chain block height.
type BlockNumber = uint64

// AccountID identifies relayers, senders and the system accounts.
type AccountID = common.Address

// LaneID is the 4-byte identifier of an outbound message lane.
// It is marshalled as a 0x-prefixed hex string.
type LaneID [4]byte

func (l LaneID) String() string {
	return hexutil.Encode(l[:])
}

func (l LaneID) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LaneID) UnmarshalText(input []byte) error {
	b, err := hexutil.Decode(string(input))
	if err != nil {
		return err
	}
	if len(b) != len(l) {
		return fmt.Errorf("%w: lane id must be %d bytes", ErrInvalidParameter, len(l))
	}
	copy(l[:], b)
	return nil
}

// LaneFromUint32 is a convenience constructor mostly used by tests and the cli.
func LaneFromUint32(v uint32) LaneID {
	var l LaneID
	binary.BigEndian.PutUint32(l[:], v)
	return l
}

// OrderID is the (lane, nonce) pair of an outbound message.
type OrderID struct {
	Lane  LaneID `json:"lane"`
	Nonce uint64 `json:"nonce"`
}

func (id OrderID) String() string {
	return fmt.Sprintf("%s/%d", id.Lane, id.Nonce)
}

// less orders ids by lane bytes and then by nonce
func (id OrderID) less(other OrderID) bool {
	for i := range id.Lane {
		if id.Lane[i] != other.Lane[i] {
			return id.Lane[i] < other.Lane[i]
		}
	}
	return id.Nonce < other.Nonce
}

// Relayer is an enrolled relayer with its quoted fee and locked collateral.
type Relayer struct {
	ID         AccountID `json:"id"`
	Collateral Balance   `json:"collateral"`
	Fee        Balance   `json:"fee"`
}

// BlockRange is a half-open range of block numbers [Start, End).
type BlockRange struct {
	Start BlockNumber `json:"start"`
	End   BlockNumber `json:"end"`
}

func (r BlockRange) Contains(n BlockNumber) bool {
	return r.Start <= n && n < r.End
}

// AssignedRelayer is one priced tier of an order.
type AssignedRelayer struct {
	ID         AccountID  `json:"id"`
	Fee        Balance    `json:"fee"`
	ValidRange BlockRange `json:"validRange"`
}

type OrderStatus uint8

const (
	OrderPending OrderStatus = iota
	OrderOnTimeSettled
	OrderLateSettled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderOnTimeSettled:
		return "on_time"
	case OrderLateSettled:
		return "late"
	default:
		return "unknown"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(input []byte) error {
	switch string(input) {
	case "pending":
		*s = OrderPending
	case "on_time":
		*s = OrderOnTimeSettled
	case "late":
		*s = OrderLateSettled
	default:
		return fmt.Errorf("%w: unknown order status %q", ErrInvalidParameter, string(input))
	}
	return nil
}

// Order is the pricing and assignment record of one outbound message.
type Order struct {
	ID          OrderID           `json:"id"`
	CreatedAt   BlockNumber       `json:"createdAt"`
	Tiers       []AssignedRelayer `json:"tiers"`
	ConfirmedAt *BlockNumber      `json:"confirmedAt,omitempty"`
	Status      OrderStatus       `json:"status"`
}

// Fee is the fee quoted to the sender, the fee of the most expensive tier.
func (o *Order) Fee() Balance {
	if len(o.Tiers) == 0 {
		return 0
	}
	return o.Tiers[len(o.Tiers)-1].Fee
}

// Deadline is the end of the last tier's window.
func (o *Order) Deadline() BlockNumber {
	if len(o.Tiers) == 0 {
		return o.CreatedAt
	}
	return o.Tiers[len(o.Tiers)-1].ValidRange.End
}

func (o *Order) IsConfirmed() bool {
	return o.ConfirmedAt != nil
}

// TierAt returns the 0-based index of the first tier whose window contains n.
func (o *Order) TierAt(n BlockNumber) (int, bool) {
	for i, tier := range o.Tiers {
		if tier.ValidRange.Contains(n) {
			return i, true
		}
	}
	return 0, false
}

// Overdue is the number of blocks past the deadline at which the order was confirmed.
func (o *Order) Overdue() BlockNumber {
	if o.ConfirmedAt == nil || *o.ConfirmedAt < o.Deadline() {
		return 0
	}
	return *o.ConfirmedAt - o.Deadline()
}

func (o *Order) assigns(who AccountID) bool {
	for _, tier := range o.Tiers {
		if tier.ID == who {
			return true
		}
	}
	return false
}

func (o *Order) clone() *Order {
	c := *o
	c.Tiers = make([]AssignedRelayer, len(o.Tiers))
	copy(c.Tiers, o.Tiers)
	if o.ConfirmedAt != nil {
		at := *o.ConfirmedAt
		c.ConfirmedAt = &at
	}
	return &c
}

// ConfirmedMessage is one message reported delivered by the message lane.
// DeliveredBy is the relayer that delivered the message to the target chain, zero when unknown.
type ConfirmedMessage struct {
	ID          OrderID   `json:"id"`
	DeliveredBy AccountID `json:"deliveredBy"`
}

// ConfirmedRange reports messages [Begin, End] of a lane as delivered by the same relayer.
type ConfirmedRange struct {
	Lane        LaneID    `json:"lane"`
	Begin       uint64    `json:"begin"`
	End         uint64    `json:"end"`
	DeliveredBy AccountID `json:"deliveredBy"`
}

// ExpandConfirmedRanges turns the ranges into individual confirmed messages.
func ExpandConfirmedRanges(ranges []ConfirmedRange) ([]ConfirmedMessage, error) {
	var total uint64
	for _, r := range ranges {
		if r.End < r.Begin {
			return nil, fmt.Errorf("%w [%d, %d]", ErrInvalidRange, r.Begin, r.End)
		}
		if r.End-r.Begin >= maxConfirmedMessagesPerBatchCall {
			return nil, fmt.Errorf("%w: more than %d messages", ErrInvalidRange, maxConfirmedMessagesPerBatchCall)
		}
		total += r.End - r.Begin + 1
		if total > maxConfirmedMessagesPerBatchCall {
			return nil, fmt.Errorf("%w: more than %d messages", ErrInvalidRange, maxConfirmedMessagesPerBatchCall)
		}
	}
	messages := make([]ConfirmedMessage, 0, total)
	for _, r := range ranges {
		for nonce := r.Begin; ; nonce++ {
			messages = append(messages, ConfirmedMessage{
				ID:          OrderID{Lane: r.Lane, Nonce: nonce},
				DeliveredBy: r.DeliveredBy,
			})
			if nonce == r.End {
				break
			}
		}
	}
	return messages, nil
}

// SendMessageResponse is returned to the message lane once a message is accepted.
type SendMessageResponse struct {
	ID        OrderID           `json:"id"`
	Fee       Balance           `json:"fee"`
	CreatedAt BlockNumber       `json:"createdAt"`
	Tiers     []AssignedRelayer `json:"tiers"`
}

// FinalizeBlockResponse summarizes the clock advance of one market.
type FinalizeBlockResponse struct {
	Market    string      `json:"market"`
	Block     BlockNumber `json:"block"`
	Pruned    int         `json:"pruned"`
	Unsettled int         `json:"unsettled"`
}
