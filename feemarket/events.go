package feemarket

type EventKind string

const (
	EventEnrolled          EventKind = "enrolled"
	EventCollateralUpdated EventKind = "collateral_updated"
	EventFeeUpdated        EventKind = "fee_updated"
	EventWithdrawn         EventKind = "withdrawn"
	EventOrderCreated      EventKind = "order_created"
	EventOrderSettled      EventKind = "order_settled"
	EventRelayerSlashed    EventKind = "relayer_slashed"
	EventRewardPaid        EventKind = "reward_paid"
	EventRewardForfeited   EventKind = "reward_forfeited"
	EventParameterUpdated  EventKind = "parameter_updated"
)

// Event is emitted by the market for every state change visible to relayers.
type Event struct {
	Market  string      `json:"market"`
	Kind    EventKind   `json:"kind"`
	Block   BlockNumber `json:"block"`
	Account *AccountID  `json:"account,omitempty"`
	Order   *OrderID    `json:"order,omitempty"`
	Amount  Balance     `json:"amount,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

type eventBuffer struct {
	market string
	events []Event
}

func (b *eventBuffer) emit(kind EventKind, block BlockNumber, account *AccountID, order *OrderID, amount Balance, detail string) {
	b.events = append(b.events, Event{
		Market:  b.market,
		Kind:    kind,
		Block:   block,
		Account: account,
		Order:   order,
		Amount:  amount,
		Detail:  detail,
	})
}

func (b *eventBuffer) take() []Event {
	res := b.events
	b.events = nil
	return res
}

func accountRef(who AccountID) *AccountID {
	return &who
}

func orderRef(id OrderID) *OrderID {
	return &id
}
