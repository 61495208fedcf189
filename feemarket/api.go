package feemarket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/relay-fee-market/jsonrpcserver"
	"github.com/flashbots/relay-fee-market/metrics"
	"github.com/flashbots/relay-fee-market/spike"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	knownMessageCacheSize    = 10000
	archiveNotFoundCacheTime = time.Second
	archiveLookupTimeout     = 2 * time.Second
)

// BlockCursor persists the last finalized block of each market.
type BlockCursor interface {
	Advance(ctx context.Context, market string, block uint64) error
}

// Market serializes access to one FeeMarketState.
type Market struct {
	mu    sync.Mutex
	state *FeeMarketState
}

func NewMarket(state *FeeMarketState) *Market {
	return &Market{state: state}
}

type marketOrderKey struct {
	market string
	id     OrderID
}

func (k marketOrderKey) String() string {
	return k.market + "/" + k.id.String()
}

type EnrollArgs struct {
	Market     string   `json:"market"`
	Collateral Balance  `json:"collateral"`
	Fee        *Balance `json:"fee,omitempty"`
}

type UpdateCollateralArgs struct {
	Market     string  `json:"market"`
	Collateral Balance `json:"collateral"`
}

type UpdateFeeArgs struct {
	Market string  `json:"market"`
	Fee    Balance `json:"fee"`
}

type SendMessageArgs struct {
	Market string    `json:"market"`
	Sender AccountID `json:"sender"`
	Lane   LaneID    `json:"lane"`
	Nonce  uint64    `json:"nonce"`
}

// MessagesConfirmedArgs reports messages confirmed in the current block,
// either one by one or as nonce ranges.
type MessagesConfirmedArgs struct {
	Market    string             `json:"market"`
	Confirmer AccountID          `json:"confirmer"`
	Messages  []ConfirmedMessage `json:"messages,omitempty"`
	Ranges    []ConfirmedRange   `json:"ranges,omitempty"`
}

type CapacityResponse struct {
	Capacity uint32 `json:"capacity"`
	InFlight uint32 `json:"inFlight"`
}

// API exposes the markets over JSON-RPC. feeMarket_* write endpoints act on behalf of the request signer.
// lane_* endpoints and parameter setters are reserved for the admin account, which is the message lane.
type API struct {
	log *zap.Logger

	markets   map[string]*Market
	marketIDs []string
	admin     AccountID

	archive  Archive
	archiver *Archiver
	cursor   BlockCursor

	writeRateLimiter  *rate.Limiter
	spikeManager      *spike.Manager[marketOrderKey, *Order]
	knownMessageCache *lru.Cache[marketOrderKey, BlockNumber]
}

// NewAPI creates the API. archive, archiver and cursor are optional.
func NewAPI(
	log *zap.Logger, markets []*FeeMarketState, admin AccountID,
	archive Archive, archiver *Archiver, cursor BlockCursor,
	writeRateLimit rate.Limit, orderCacheTime time.Duration,
) *API {
	api := &API{
		log:               log,
		markets:           make(map[string]*Market, len(markets)),
		admin:             admin,
		archive:           archive,
		archiver:          archiver,
		cursor:            cursor,
		writeRateLimiter:  rate.NewLimiter(writeRateLimit, 1),
		knownMessageCache: lru.NewCache[marketOrderKey, BlockNumber](knownMessageCacheSize),
	}
	for _, state := range markets {
		id := state.Params().ID
		api.markets[id] = NewMarket(state)
		api.marketIDs = append(api.marketIDs, id)
	}
	sort.Strings(api.marketIDs)

	if archive != nil {
		api.spikeManager = spike.NewManagerWithErrorCache(func(ctx context.Context, k marketOrderKey) (*Order, error) {
			ctx, cancel := context.WithTimeout(ctx, archiveLookupTimeout)
			defer cancel()
			return archive.GetOrder(ctx, k.market, k.id)
		}, orderCacheTime, func(err error) bool {
			return errors.Is(err, ErrOrderNotArchived)
		}, archiveNotFoundCacheTime)
	}
	return api
}

// Methods returns the JSON-RPC method table of the API.
func (m *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		MarketFeeEndpointName:           m.MarketFee,
		RelayersEndpointName:            m.Relayers,
		IsEnrolledEndpointName:          m.IsEnrolled,
		GetRelayerEndpointName:          m.GetRelayer,
		CapacityEndpointName:            m.Capacity,
		BalanceEndpointName:             m.Balance,
		OrderEndpointName:               m.Order,
		EnrollEndpointName:              m.Enroll,
		UpdateCollateralEndpointName:    m.UpdateCollateral,
		UpdateFeeEndpointName:           m.UpdateFee,
		WithdrawEndpointName:            m.Withdraw,
		SetSlashProtectEndpointName:     m.SetSlashProtect,
		SetAssignedRelayersEndpointName: m.SetAssignedRelayersNumber,
		SendMessageEndpointName:         m.SendMessage,
		MessagesConfirmedEndpointName:   m.MessagesConfirmed,
		FinalizeBlockEndpointName:       m.FinalizeBlock,
	}
}

// Close stops background lookups.
func (m *API) Close() {
	if m.spikeManager != nil {
		m.spikeManager.Close()
	}
}

func track(method string, startAt time.Time, err *error) {
	metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	if *err != nil {
		metrics.IncRPCCallFailure(method)
		*err = toRPCError(*err)
	}
}

func (m *API) market(id string) (*Market, error) {
	market, ok := m.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMarket, id)
	}
	return market, nil
}

func signer(ctx context.Context) (AccountID, error) {
	who := jsonrpcserver.GetSigner(ctx)
	if who == (AccountID{}) {
		return AccountID{}, ErrUnknownSigner
	}
	return who, nil
}

func (m *API) requireAdmin(ctx context.Context) error {
	who, err := signer(ctx)
	if err != nil {
		return err
	}
	if who != m.admin {
		return fmt.Errorf("%w: %s", ErrNotPrivileged, who.Hex())
	}
	return nil
}

// publish hands the events emitted by the last state change to the archiver. Callers hold the market lock.
func (m *API) publish(market *Market) {
	events := market.state.TakeEvents()
	if m.archiver != nil {
		m.archiver.PublishEvents(market.state.Params().ID, events)
	}
}

// write runs fn against the market of the signer's request under the write rate limit.
func (m *API) write(ctx context.Context, marketID string, fn func(s *FeeMarketState, who AccountID) error) error {
	who, err := signer(ctx)
	if err != nil {
		return err
	}
	market, err := m.market(marketID)
	if err != nil {
		return err
	}
	if err := m.writeRateLimiter.Wait(ctx); err != nil {
		return err
	}
	market.mu.Lock()
	defer market.mu.Unlock()
	err = fn(market.state, who)
	m.publish(market)
	return err
}

func (m *API) read(marketID string, fn func(s *FeeMarketState) error) error {
	market, err := m.market(marketID)
	if err != nil {
		return err
	}
	market.mu.Lock()
	defer market.mu.Unlock()
	return fn(market.state)
}

// MarketFee returns the fee a message sent now would be charged, null if there are not enough relayers.
func (m *API) MarketFee(ctx context.Context, marketID string) (res *Balance, err error) {
	defer track(MarketFeeEndpointName, time.Now(), &err)
	err = m.read(marketID, func(s *FeeMarketState) error {
		if fee, ok := s.MarketFee(); ok {
			res = &fee
		}
		return nil
	})
	return res, err
}

func (m *API) Relayers(ctx context.Context, marketID string) (res []AccountID, err error) {
	defer track(RelayersEndpointName, time.Now(), &err)
	err = m.read(marketID, func(s *FeeMarketState) error {
		res = s.Relayers()
		return nil
	})
	return res, err
}

func (m *API) IsEnrolled(ctx context.Context, marketID string, who AccountID) (res bool, err error) {
	defer track(IsEnrolledEndpointName, time.Now(), &err)
	err = m.read(marketID, func(s *FeeMarketState) error {
		res = s.IsEnrolled(who)
		return nil
	})
	return res, err
}

func (m *API) GetRelayer(ctx context.Context, marketID string, who AccountID) (res Relayer, err error) {
	defer track(GetRelayerEndpointName, time.Now(), &err)
	err = m.read(marketID, func(s *FeeMarketState) error {
		res, err = s.GetRelayer(who)
		return err
	})
	return res, err
}

func (m *API) Capacity(ctx context.Context, marketID string, who AccountID) (res CapacityResponse, err error) {
	defer track(CapacityEndpointName, time.Now(), &err)
	err = m.read(marketID, func(s *FeeMarketState) error {
		res = CapacityResponse{Capacity: s.Capacity(who), InFlight: s.InFlight(who)}
		return nil
	})
	return res, err
}

func (m *API) Balance(ctx context.Context, marketID string, who AccountID) (res AccountBalance, err error) {
	defer track(BalanceEndpointName, time.Now(), &err)
	err = m.read(marketID, func(s *FeeMarketState) error {
		res = s.Balance(who)
		return nil
	})
	return res, err
}

// Order returns the order from memory, falling back to the archive for pruned orders.
func (m *API) Order(ctx context.Context, marketID string, id OrderID) (res *Order, err error) {
	defer track(OrderEndpointName, time.Now(), &err)
	var found bool
	err = m.read(marketID, func(s *FeeMarketState) error {
		res, found = s.Order(id)
		return nil
	})
	if err != nil || found {
		return res, err
	}
	if m.spikeManager == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}

	res, err = m.spikeManager.GetResult(ctx, marketOrderKey{market: marketID, id: id})
	if errors.Is(err, ErrOrderNotArchived) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	} else if err != nil {
		m.log.Error("Failed to fetch archived order", zap.String("market", marketID), zap.String("order", id.String()), zap.Error(err))
		return nil, ErrInternalServiceError
	}
	return res, nil
}

func (m *API) Enroll(ctx context.Context, args EnrollArgs) (res Relayer, err error) {
	defer track(EnrollEndpointName, time.Now(), &err)
	err = m.write(ctx, args.Market, func(s *FeeMarketState, who AccountID) error {
		res, err = s.Enroll(who, args.Collateral, args.Fee)
		return err
	})
	return res, err
}

func (m *API) UpdateCollateral(ctx context.Context, args UpdateCollateralArgs) (res Relayer, err error) {
	defer track(UpdateCollateralEndpointName, time.Now(), &err)
	err = m.write(ctx, args.Market, func(s *FeeMarketState, who AccountID) error {
		res, err = s.UpdateCollateral(who, args.Collateral)
		return err
	})
	return res, err
}

func (m *API) UpdateFee(ctx context.Context, args UpdateFeeArgs) (res Relayer, err error) {
	defer track(UpdateFeeEndpointName, time.Now(), &err)
	err = m.write(ctx, args.Market, func(s *FeeMarketState, who AccountID) error {
		res, err = s.UpdateFee(who, args.Fee)
		return err
	})
	return res, err
}

func (m *API) Withdraw(ctx context.Context, marketID string) (res Relayer, err error) {
	defer track(WithdrawEndpointName, time.Now(), &err)
	err = m.write(ctx, marketID, func(s *FeeMarketState, who AccountID) error {
		res, err = s.Withdraw(who)
		return err
	})
	return res, err
}

func (m *API) SetSlashProtect(ctx context.Context, marketID string, floor Balance) (err error) {
	defer track(SetSlashProtectEndpointName, time.Now(), &err)
	if err = m.requireAdmin(ctx); err != nil {
		return err
	}
	return m.write(ctx, marketID, func(s *FeeMarketState, _ AccountID) error {
		s.SetSlashProtect(floor)
		m.log.Info("Collateral slash protect updated", zap.String("market", marketID), zap.Uint64("floor", floor))
		return nil
	})
}

func (m *API) SetAssignedRelayersNumber(ctx context.Context, marketID string, n uint32) (err error) {
	defer track(SetAssignedRelayersEndpointName, time.Now(), &err)
	if err = m.requireAdmin(ctx); err != nil {
		return err
	}
	return m.write(ctx, marketID, func(s *FeeMarketState, _ AccountID) error {
		if err := s.SetAssignedRelayersNumber(n); err != nil {
			return err
		}
		m.log.Info("Assigned relayers number updated", zap.String("market", marketID), zap.Uint32("n", n))
		return nil
	})
}

// SendMessage collects the market fee from the sender and creates the order of a new message.
func (m *API) SendMessage(ctx context.Context, args SendMessageArgs) (res SendMessageResponse, err error) {
	defer track(SendMessageEndpointName, time.Now(), &err)
	if err = m.requireAdmin(ctx); err != nil {
		return res, err
	}
	id := OrderID{Lane: args.Lane, Nonce: args.Nonce}
	key := marketOrderKey{market: args.Market, id: id}
	if createdAt, ok := m.knownMessageCache.Get(key); ok {
		return res, fmt.Errorf("%w: %s created at %d", ErrDuplicateOrder, id, createdAt)
	}

	market, err := m.market(args.Market)
	if err != nil {
		return res, err
	}
	market.mu.Lock()
	defer market.mu.Unlock()

	order, err := market.state.SendMessage(args.Sender, id)
	m.publish(market)
	if err != nil {
		return res, err
	}
	m.knownMessageCache.Add(key, order.CreatedAt)
	if m.archiver != nil {
		m.archiver.ArchiveOrder(args.Market, order)
	}
	return SendMessageResponse{
		ID:        order.ID,
		Fee:       order.Fee(),
		CreatedAt: order.CreatedAt,
		Tiers:     order.Tiers,
	}, nil
}

// MessagesConfirmed settles messages confirmed in the current block of the market.
func (m *API) MessagesConfirmed(ctx context.Context, args MessagesConfirmedArgs) (res *SettlementReport, err error) {
	defer track(MessagesConfirmedEndpointName, time.Now(), &err)
	if err = m.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if args.Confirmer == (AccountID{}) {
		return nil, fmt.Errorf("%w: confirmer is required", ErrInvalidParameter)
	}
	messages, err := ExpandConfirmedRanges(args.Ranges)
	if err != nil {
		return nil, err
	}
	messages = append(args.Messages, messages...)
	if len(messages) > maxConfirmedMessagesPerBatchCall {
		return nil, fmt.Errorf("%w: more than %d messages", ErrInvalidRange, maxConfirmedMessagesPerBatchCall)
	}

	market, err := m.market(args.Market)
	if err != nil {
		return nil, err
	}
	market.mu.Lock()
	defer market.mu.Unlock()

	res = market.state.OnMessagesConfirmed(args.Confirmer, messages, market.state.Now())
	m.publish(market)
	if m.archiver != nil {
		m.archiver.ArchiveSettlement(args.Market, res)
	}
	m.log.Info("Messages confirmed",
		zap.String("market", args.Market),
		zap.Uint64("block", res.Block),
		zap.Int("settled", len(res.Records)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("payouts", len(res.Payouts)),
	)
	return res, nil
}

// FinalizeBlock advances the clock of every market to block. Either all markets advance or none does.
func (m *API) FinalizeBlock(ctx context.Context, block BlockNumber) (res []FinalizeBlockResponse, err error) {
	defer track(FinalizeBlockEndpointName, time.Now(), &err)
	if err = m.requireAdmin(ctx); err != nil {
		return nil, err
	}
	// markets are always locked in id order
	for _, id := range m.marketIDs {
		market := m.markets[id]
		market.mu.Lock()
		defer market.mu.Unlock()
	}
	for _, id := range m.marketIDs {
		if err := m.markets[id].state.CheckBlock(block); err != nil {
			return nil, fmt.Errorf("market %q: %w", id, err)
		}
	}
	for _, id := range m.marketIDs {
		finalized, err := m.markets[id].state.FinalizeBlock(block)
		if err != nil {
			return nil, fmt.Errorf("market %q: %w", id, err)
		}
		if m.cursor != nil {
			if err := m.cursor.Advance(ctx, id, block); err != nil {
				m.log.Warn("Failed to persist block cursor", zap.String("market", id), zap.Uint64("block", block), zap.Error(err))
			}
		}
		res = append(res, finalized)
	}
	return res, nil
}
