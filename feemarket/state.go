package feemarket

import (
	"fmt"

	"github.com/flashbots/relay-fee-market/metrics"
	"go.uber.org/zap"
)

// LanePort is the interface the message lane calls synchronously while it processes messages.
type LanePort interface {
	// OnMessageAccepted assigns relayers to a new message and returns the quoted fee.
	// A failure must abort acceptance of the message.
	OnMessageAccepted(id OrderID, now BlockNumber) (Balance, error)
	// OnMessagesConfirmed settles the batch of messages confirmed in one block.
	OnMessagesConfirmed(confirmer AccountID, messages []ConfirmedMessage, now BlockNumber) *SettlementReport
}

// FeeCollector moves the quoted fee from the message sender to the relayer fund.
type FeeCollector interface {
	CollectFee(sender AccountID, fee Balance, fund AccountID) error
}

var (
	_ LanePort     = (*FeeMarketState)(nil)
	_ FeeCollector = (*FeeMarketState)(nil)
)

// AccountBalance is the balance of an account as seen by one market.
type AccountBalance struct {
	Free   Balance `json:"free"`
	Locked Balance `json:"locked"`
}

// FeeMarketState is the whole state of one fee market instance.
// It is not safe for concurrent use; callers serialize access.
type FeeMarketState struct {
	log *zap.Logger

	params   MarketParameters
	currency Currency
	events   *eventBuffer

	collateral *CollateralManager
	registry   *RelayerRegistry
	selector   *AssignmentSelector
	orders     *OrderLedger
	settlement *SettlementEngine

	now     BlockNumber
	started bool
}

// NewFeeMarketState creates a market from its genesis. When currency is nil the market runs
// on its own MemoryLedger funded with the genesis endowments.
func NewFeeMarketState(log *zap.Logger, genesis Genesis, currency Currency) (*FeeMarketState, error) {
	if err := genesis.Params.Validate(); err != nil {
		return nil, err
	}
	if currency == nil {
		ledger := NewMemoryLedger(genesis.Params.ExistentialDeposit)
		for who, amount := range genesis.Endowments {
			ledger.Deposit(who, amount)
		}
		currency = ledger
	}

	s := &FeeMarketState{
		log:      log.With(zap.String("market", genesis.Params.ID)),
		params:   genesis.Params,
		currency: currency,
		events:   &eventBuffer{market: genesis.Params.ID},
	}
	s.collateral = NewCollateralManager(&s.params, currency)
	s.registry = NewRelayerRegistry(&s.params, s.collateral)
	s.selector = NewAssignmentSelector(&s.params, s.registry, s.collateral)
	s.orders = NewOrderLedger()
	s.settlement = NewSettlementEngine(s.log, &s.params, s.orders, s.collateral, currency, s.events)
	return s, nil
}

func (s *FeeMarketState) Params() MarketParameters {
	return s.params
}

func (s *FeeMarketState) Now() BlockNumber {
	return s.now
}

func (s *FeeMarketState) Currency() Currency {
	return s.currency
}

// CheckBlock reports ErrStaleBlock if height does not advance the market clock.
func (s *FeeMarketState) CheckBlock(height BlockNumber) error {
	if s.started && height <= s.now {
		return fmt.Errorf("%w: %d <= %d", ErrStaleBlock, height, s.now)
	}
	return nil
}

// FinalizeBlock advances the market clock to height and prunes settled orders older than the retention.
func (s *FeeMarketState) FinalizeBlock(height BlockNumber) (FinalizeBlockResponse, error) {
	if err := s.CheckBlock(height); err != nil {
		return FinalizeBlockResponse{}, err
	}
	s.now = height
	s.started = true

	var pruned int
	if s.params.OrderRetention > 0 && height > s.params.OrderRetention {
		pruned = s.orders.PruneSettled(height - s.params.OrderRetention)
		if pruned > 0 {
			s.log.Debug("Pruned settled orders", zap.Int("count", pruned), zap.Uint64("block", height))
		}
	}
	return FinalizeBlockResponse{
		Market:    s.params.ID,
		Block:     height,
		Pruned:    pruned,
		Unsettled: len(s.orders.Unsettled()),
	}, nil
}

func (s *FeeMarketState) Enroll(who AccountID, collateral Balance, fee *Balance) (Relayer, error) {
	relayer, err := s.registry.Enroll(who, collateral, fee)
	if err != nil {
		return Relayer{}, err
	}
	metrics.IncEnrollments()
	s.events.emit(EventEnrolled, s.now, accountRef(who), nil, collateral, fmt.Sprintf("fee=%d", relayer.Fee))
	s.log.Info("Relayer enrolled", zap.String("relayer", who.Hex()), zap.Uint64("collateral", collateral), zap.Uint64("fee", relayer.Fee))
	return relayer, nil
}

func (s *FeeMarketState) UpdateCollateral(who AccountID, newCollateral Balance) (Relayer, error) {
	relayer, err := s.registry.UpdateCollateral(who, newCollateral)
	if err != nil {
		return Relayer{}, err
	}
	s.events.emit(EventCollateralUpdated, s.now, accountRef(who), nil, newCollateral, "")
	return relayer, nil
}

func (s *FeeMarketState) UpdateFee(who AccountID, newFee Balance) (Relayer, error) {
	relayer, err := s.registry.UpdateFee(who, newFee)
	if err != nil {
		return Relayer{}, err
	}
	s.events.emit(EventFeeUpdated, s.now, accountRef(who), nil, newFee, "")
	return relayer, nil
}

func (s *FeeMarketState) Withdraw(who AccountID) (Relayer, error) {
	relayer, err := s.registry.Withdraw(who)
	if err != nil {
		return Relayer{}, err
	}
	metrics.IncWithdrawals()
	s.events.emit(EventWithdrawn, s.now, accountRef(who), nil, relayer.Collateral, "")
	s.log.Info("Relayer withdrawn", zap.String("relayer", who.Hex()), zap.Uint64("collateral", relayer.Collateral))
	return relayer, nil
}

// SetSlashProtect sets the collateral floor slashing never goes below.
func (s *FeeMarketState) SetSlashProtect(floor Balance) {
	s.params.CollateralSlashProtect = floor
	s.events.emit(EventParameterUpdated, s.now, nil, nil, floor, "collateral_slash_protect")
}

// SetAssignedRelayersNumber changes N for orders created from now on.
func (s *FeeMarketState) SetAssignedRelayersNumber(n uint32) error {
	if n == 0 {
		return fmt.Errorf("%w: assigned relayers number must be positive", ErrInvalidParameter)
	}
	s.params.AssignedRelayersNumber = n
	s.events.emit(EventParameterUpdated, s.now, nil, nil, Balance(n), "assigned_relayers_number")
	return nil
}

func (s *FeeMarketState) Relayers() []AccountID {
	return s.registry.Relayers()
}

func (s *FeeMarketState) IsEnrolled(who AccountID) bool {
	return s.registry.IsEnrolled(who)
}

func (s *FeeMarketState) GetRelayer(who AccountID) (Relayer, error) {
	return s.registry.Get(who)
}

// MarketFee is the fee a message sent now would be quoted, false if fewer than N relayers have capacity.
func (s *FeeMarketState) MarketFee() (Balance, bool) {
	return s.registry.MarketFee()
}

func (s *FeeMarketState) Capacity(who AccountID) uint32 {
	return s.collateral.Capacity(who)
}

func (s *FeeMarketState) InFlight(who AccountID) uint32 {
	return s.collateral.InFlight(who)
}

func (s *FeeMarketState) Balance(who AccountID) AccountBalance {
	return AccountBalance{
		Free:   s.currency.FreeBalance(who),
		Locked: s.currency.LockedBalance(who, s.collateral.LockID()),
	}
}

func (s *FeeMarketState) Order(id OrderID) (*Order, bool) {
	return s.orders.Get(id)
}

// TakeEvents returns and clears the events emitted since the last call.
func (s *FeeMarketState) TakeEvents() []Event {
	return s.events.take()
}

func (s *FeeMarketState) OnMessageAccepted(id OrderID, now BlockNumber) (Balance, error) {
	if s.orders.Exists(id) {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	tiers, err := s.selector.Select(now)
	if err != nil {
		metrics.IncNoRelayerRejections()
		return 0, err
	}
	order, err := s.orders.Create(id, tiers, now)
	if err != nil {
		for _, tier := range tiers {
			s.collateral.finish(tier.ID)
		}
		return 0, err
	}
	metrics.IncOrdersCreated()
	s.events.emit(EventOrderCreated, now, nil, orderRef(id), order.Fee(), "")
	s.log.Debug("Order created", zap.String("order", id.String()), zap.Uint64("fee", order.Fee()), zap.Uint64("deadline", order.Deadline()))
	return order.Fee(), nil
}

func (s *FeeMarketState) OnMessagesConfirmed(confirmer AccountID, messages []ConfirmedMessage, now BlockNumber) *SettlementReport {
	deliveredBy := make(map[OrderID]AccountID, len(messages))
	var rejected []OrderID
	for _, msg := range messages {
		if err := s.orders.Confirm(msg.ID, now); err != nil {
			s.log.Warn("Ignoring confirmation", zap.String("order", msg.ID.String()), zap.Error(err))
			rejected = append(rejected, msg.ID)
			continue
		}
		if msg.DeliveredBy != (AccountID{}) {
			deliveredBy[msg.ID] = msg.DeliveredBy
		}
	}
	report := s.settlement.Settle(confirmer, s.orders.DrainConfirmedThisBlock(), deliveredBy, now)
	report.Rejected = rejected
	return report
}

// CollectFee transfers the fee from the sender to the fund. The sender may be reaped.
func (s *FeeMarketState) CollectFee(sender AccountID, fee Balance, fund AccountID) error {
	if err := s.currency.Transfer(sender, fund, fee, AllowDeath); err != nil {
		return err
	}
	metrics.AddFeesCollected(fee)
	return nil
}

// SendMessage accepts a message on behalf of the message lane at the current block:
// the market fee is collected from the sender and an order is created.
func (s *FeeMarketState) SendMessage(sender AccountID, id OrderID) (*Order, error) {
	if s.orders.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	tiers, err := s.selector.Preview(s.now)
	if err != nil {
		metrics.IncNoRelayerRejections()
		return nil, err
	}
	fee := tiers[len(tiers)-1].Fee
	if err := s.CollectFee(sender, fee, s.params.RelayerFund); err != nil {
		return nil, err
	}

	quoted, err := s.OnMessageAccepted(id, s.now)
	if err != nil {
		if refundErr := s.currency.Transfer(s.params.RelayerFund, sender, fee, AllowDeath); refundErr != nil {
			s.log.Error("Failed to refund fee", zap.String("sender", sender.Hex()), zap.Uint64("fee", fee), zap.Error(refundErr))
		}
		return nil, err
	}
	if quoted != fee {
		s.log.Error("Quoted fee differs from collected fee", zap.String("order", id.String()), zap.Uint64("quoted", quoted), zap.Uint64("collected", fee))
	}

	order, _ := s.orders.Get(id)
	return order, nil
}
