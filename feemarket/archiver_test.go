package feemarket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryArchive fails the first failures calls and then records writes.
type memoryArchive struct {
	mu       sync.Mutex
	failures int
	calls    int

	orders      map[marketOrderKey]*Order
	settlements []*SettlementReport
	lookups     int
}

func newMemoryArchive(failures int) *memoryArchive {
	return &memoryArchive{failures: failures, orders: make(map[marketOrderKey]*Order)}
}

func (a *memoryArchive) fail() error {
	a.calls++
	if a.calls <= a.failures {
		return errors.New("database is down")
	}
	return nil
}

func (a *memoryArchive) InsertOrder(_ context.Context, market string, order *Order) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(); err != nil {
		return err
	}
	a.orders[marketOrderKey{market: market, id: order.ID}] = order
	return nil
}

func (a *memoryArchive) InsertSettlement(_ context.Context, _ string, report *SettlementReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(); err != nil {
		return err
	}
	a.settlements = append(a.settlements, report)
	return nil
}

func (a *memoryArchive) GetOrder(_ context.Context, market string, id OrderID) (*Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookups++
	order, ok := a.orders[marketOrderKey{market: market, id: id}]
	if !ok {
		return nil, ErrOrderNotArchived
	}
	return order.clone(), nil
}

func (a *memoryArchive) stored() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders), len(a.settlements)
}

type memoryEventBackend struct {
	mu     sync.Mutex
	events []Event
}

func (b *memoryEventBackend) NotifyEvents(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
	return nil
}

func (b *memoryEventBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestArchiver_RetriesFailedWrites(t *testing.T) {
	store := newMemoryArchive(2)
	events := &memoryEventBackend{}
	archiver := NewArchiver(zap.NewNop(), store, events)

	ctx, cancel := context.WithCancel(context.Background())
	wg := archiver.Start(ctx)

	order := &Order{ID: orderID(1), CreatedAt: 100, Tiers: testTiers()}
	archiver.ArchiveOrder("test", order)
	archiver.ArchiveSettlement("test", &SettlementReport{Block: 250, Records: []SettlementRecord{{ID: orderID(1)}}})
	// reports without settled orders are not archived
	archiver.ArchiveSettlement("test", &SettlementReport{Block: 251})
	archiver.PublishEvents("test", []Event{{Market: "test", Kind: EventOrderCreated}})
	archiver.PublishEvents("test", nil)

	require.Eventually(t, func() bool {
		orders, settlements := store.stored()
		return orders == 1 && settlements == 1 && events.len() == 1
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	orders, settlements := store.stored()
	require.Equal(t, 1, orders)
	require.Equal(t, 1, settlements)
}

func TestArchiver_DrainsOnShutdown(t *testing.T) {
	store := newMemoryArchive(0)
	archiver := NewArchiver(zap.NewNop(), store, nil)

	for nonce := uint64(1); nonce <= 5; nonce++ {
		archiver.ArchiveOrder("test", &Order{ID: orderID(nonce), Tiers: testTiers()})
	}
	// events are dropped without a backend
	archiver.PublishEvents("test", []Event{{Kind: EventOrderCreated}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	archiver.Start(ctx).Wait()

	orders, _ := store.stored()
	require.Equal(t, 5, orders)
}

func TestArchiver_NoStore(t *testing.T) {
	archiver := NewArchiver(zap.NewNop(), nil, nil)
	archiver.ArchiveOrder("test", &Order{ID: orderID(1)})
	archiver.ArchiveSettlement("test", &SettlementReport{Records: []SettlementRecord{{ID: orderID(1)}}})
	require.Empty(t, archiver.jobs)
}
