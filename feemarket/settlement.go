package feemarket

import (
	"fmt"

	"github.com/flashbots/relay-fee-market/metrics"
	"go.uber.org/zap"
)

type SlashRecord struct {
	Relayer AccountID `json:"relayer"`
	Amount  Balance   `json:"amount"`
}

// SettlementRecord is the outcome of settling one confirmed order.
type SettlementRecord struct {
	ID          OrderID     `json:"id"`
	Status      OrderStatus `json:"status"`
	CreatedAt   BlockNumber `json:"createdAt"`
	ConfirmedAt BlockNumber `json:"confirmedAt"`
	QuotedFee   Balance     `json:"quotedFee"`

	// on-time path, Tier is 1-indexed
	Tier            int       `json:"tier,omitempty"`
	AssignedRelayer AccountID `json:"assignedRelayer,omitempty"`
	BaseFee         Balance   `json:"baseFee,omitempty"`
	TreasuryReward  Balance   `json:"treasuryReward,omitempty"`
	AssignedReward  Balance   `json:"assignedReward,omitempty"`

	// late path
	Overdue     BlockNumber   `json:"overdue,omitempty"`
	SlashAmount Balance       `json:"slashAmount,omitempty"`
	Slashes     []SlashRecord `json:"slashes,omitempty"`

	DeliveredBy   AccountID `json:"deliveredBy,omitempty"`
	MessageReward Balance   `json:"messageReward"`
	ConfirmReward Balance   `json:"confirmReward"`
}

// Payout is the single transfer made to one payee at the end of a batch.
type Payout struct {
	Payee  AccountID `json:"payee"`
	Amount Balance   `json:"amount"`
	Paid   bool      `json:"paid"`
	Error  string    `json:"error,omitempty"`
}

type SettlementReport struct {
	Block     BlockNumber        `json:"block"`
	Confirmer AccountID          `json:"confirmer"`
	Records   []SettlementRecord `json:"records"`
	Payouts   []Payout           `json:"payouts"`
	// Unclaimed message rewards of messages without a known delivering relayer. They stay in the relayer fund.
	Unclaimed Balance `json:"unclaimed"`
	// Rejected confirmations of unknown or already confirmed orders.
	Rejected []OrderID `json:"rejected,omitempty"`
}

// RewardsBook accumulates credits over a batch so that each payee is paid once.
type RewardsBook struct {
	ConfirmationRelayer    AccountID
	ConfirmationReward     Balance
	AssignedRewards        map[AccountID]Balance
	MessageRewards         map[AccountID]Balance
	TreasuryReward         Balance
	UnclaimedMessageReward Balance
}

func newRewardsBook(confirmer AccountID) *RewardsBook {
	return &RewardsBook{
		ConfirmationRelayer: confirmer,
		AssignedRewards:     make(map[AccountID]Balance),
		MessageRewards:      make(map[AccountID]Balance),
	}
}

// payouts merges all credits per payee.
func (b *RewardsBook) payouts(treasury AccountID) []Payout {
	totals := make(map[AccountID]Balance)
	credit := func(who AccountID, amount Balance) {
		if amount == 0 {
			return
		}
		totals[who] = saturatingAdd(totals[who], amount)
	}
	credit(b.ConfirmationRelayer, b.ConfirmationReward)
	credit(treasury, b.TreasuryReward)
	for who, amount := range b.AssignedRewards {
		credit(who, amount)
	}
	for who, amount := range b.MessageRewards {
		credit(who, amount)
	}

	payees := make([]AccountID, 0, len(totals))
	for who := range totals {
		payees = append(payees, who)
	}
	sortAccounts(payees)

	res := make([]Payout, len(payees))
	for i, who := range payees {
		res[i] = Payout{Payee: who, Amount: totals[who]}
	}
	return res
}

// SettlementEngine turns confirmed orders into reward and slash transfers.
type SettlementEngine struct {
	log        *zap.Logger
	params     *MarketParameters
	orders     *OrderLedger
	collateral *CollateralManager
	currency   Currency
	events     *eventBuffer
}

func NewSettlementEngine(log *zap.Logger, params *MarketParameters, orders *OrderLedger, collateral *CollateralManager, currency Currency, events *eventBuffer) *SettlementEngine {
	return &SettlementEngine{
		log:        log,
		params:     params,
		orders:     orders,
		collateral: collateral,
		currency:   currency,
		events:     events,
	}
}

// Settle settles the given confirmed orders and pays every payee once.
// deliveredBy maps orders to the relayer that delivered them, if known.
// Settlement never fails: orders that cannot be settled are skipped and failed payouts are forfeited.
func (e *SettlementEngine) Settle(confirmer AccountID, ids []OrderID, deliveredBy map[OrderID]AccountID, now BlockNumber) *SettlementReport {
	book := newRewardsBook(confirmer)
	report := &SettlementReport{Block: now, Confirmer: confirmer}

	for _, id := range ids {
		order, ok := e.orders.orders[id]
		if !ok {
			e.log.Warn("Confirmed order not found", zap.String("order", id.String()))
			continue
		}
		if order.Status != OrderPending {
			e.log.Warn("Order already settled", zap.String("order", id.String()), zap.Stringer("status", order.Status))
			continue
		}
		if order.ConfirmedAt == nil {
			e.log.Error("Settling unconfirmed order", zap.String("order", id.String()))
			continue
		}

		record := e.settleOrder(order, deliveredBy[id], book)
		e.orders.markSettled(id, record.Status)
		for _, tier := range order.Tiers {
			e.collateral.finish(tier.ID)
		}

		if record.Status == OrderOnTimeSettled {
			metrics.IncOrdersSettledOnTime()
		} else {
			metrics.IncOrdersSettledLate()
		}
		e.events.emit(EventOrderSettled, now, nil, orderRef(id), record.QuotedFee, record.Status.String())
		report.Records = append(report.Records, record)
	}

	report.Unclaimed = book.UnclaimedMessageReward
	report.Payouts = e.pay(book, now)
	return report
}

func (e *SettlementEngine) settleOrder(order *Order, deliveredBy AccountID, book *RewardsBook) SettlementRecord {
	confirmedAt := *order.ConfirmedAt
	record := SettlementRecord{
		ID:          order.ID,
		CreatedAt:   order.CreatedAt,
		ConfirmedAt: confirmedAt,
		QuotedFee:   order.Fee(),
		DeliveredBy: deliveredBy,
	}

	var helperPool Balance
	if idx, ok := order.TierAt(confirmedAt); ok {
		tier := order.Tiers[idx]
		record.Status = OrderOnTimeSettled
		record.Tier = idx + 1
		record.AssignedRelayer = tier.ID
		record.BaseFee = tier.Fee
		record.TreasuryReward = saturatingSub(record.QuotedFee, tier.Fee)
		record.AssignedReward = e.params.AssignedRatio.Mul(tier.Fee)
		helperPool = saturatingSub(tier.Fee, record.AssignedReward)

		book.TreasuryReward = saturatingAdd(book.TreasuryReward, record.TreasuryReward)
		book.AssignedRewards[tier.ID] = saturatingAdd(book.AssignedRewards[tier.ID], record.AssignedReward)
	} else {
		record.Status = OrderLateSettled
		record.Overdue = order.Overdue()
		record.SlashAmount = minBalance(e.params.CollateralPerOrder, saturatingMul(e.params.SlashPerBlock, record.Overdue))
		record.Slashes = make([]SlashRecord, 0, len(order.Tiers))
		for _, tier := range order.Tiers {
			slashed := e.collateral.Slash(tier.ID, record.SlashAmount, e.params.RelayerFund)
			record.Slashes = append(record.Slashes, SlashRecord{Relayer: tier.ID, Amount: slashed})
			if slashed > 0 {
				metrics.IncRelayersSlashed()
				e.events.emit(EventRelayerSlashed, confirmedAt, accountRef(tier.ID), orderRef(order.ID), slashed, "")
			}
			if slashed < record.SlashAmount {
				e.log.Info("Slash clamped",
					zap.String("order", order.ID.String()),
					zap.String("relayer", tier.ID.Hex()),
					zap.Uint64("requested", record.SlashAmount),
					zap.Uint64("slashed", slashed),
				)
			}
		}
		helperPool = record.SlashAmount
	}

	record.MessageReward = e.params.MessageRatio.Mul(helperPool)
	record.ConfirmReward = e.params.ConfirmRatio.Mul(helperPool)
	book.ConfirmationReward = saturatingAdd(book.ConfirmationReward, record.ConfirmReward)
	if deliveredBy != (AccountID{}) {
		book.MessageRewards[deliveredBy] = saturatingAdd(book.MessageRewards[deliveredBy], record.MessageReward)
	} else {
		book.UnclaimedMessageReward = saturatingAdd(book.UnclaimedMessageReward, record.MessageReward)
	}
	return record
}

func (e *SettlementEngine) pay(book *RewardsBook, now BlockNumber) []Payout {
	payouts := book.payouts(e.params.Treasury)
	for i := range payouts {
		p := &payouts[i]
		err := e.currency.Transfer(e.params.RelayerFund, p.Payee, p.Amount, KeepAlive)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
			e.log.Error("Failed to pay reward, forfeiting",
				zap.String("payee", p.Payee.Hex()),
				zap.Uint64("amount", p.Amount),
				zap.Error(err),
			)
			metrics.IncSettlementTransferFailures()
			p.Error = err.Error()
			e.events.emit(EventRewardForfeited, now, accountRef(p.Payee), nil, p.Amount, err.Error())
			continue
		}
		p.Paid = true
		metrics.AddRewardsPaid(p.Amount)
		e.events.emit(EventRewardPaid, now, accountRef(p.Payee), nil, p.Amount, "")
		e.log.Debug("Paid reward", zap.String("payee", p.Payee.Hex()), zap.Uint64("amount", p.Amount))
	}
	return payouts
}
