package feemarket

import (
	"fmt"
	"sort"
)

// OrderLedger holds one Order per accepted message. Ids of pruned orders are kept as
// tombstones so that a message is never accepted twice.
type OrderLedger struct {
	orders             map[OrderID]*Order
	retired            map[OrderID]struct{}
	confirmedThisBlock []OrderID
}

func NewOrderLedger() *OrderLedger {
	return &OrderLedger{
		orders:  make(map[OrderID]*Order),
		retired: make(map[OrderID]struct{}),
	}
}

func (l *OrderLedger) Create(id OrderID, tiers []AssignedRelayer, now BlockNumber) (*Order, error) {
	if l.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	order := &Order{
		ID:        id,
		CreatedAt: now,
		Tiers:     tiers,
		Status:    OrderPending,
	}
	l.orders[id] = order
	return order.clone(), nil
}

// Confirm sets the confirmation time of an order. It can happen only once.
func (l *OrderLedger) Confirm(id OrderID, now BlockNumber) error {
	order, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if order.ConfirmedAt != nil {
		return fmt.Errorf("%w: %s at %d", ErrAlreadyConfirmed, id, *order.ConfirmedAt)
	}
	at := now
	order.ConfirmedAt = &at
	l.confirmedThisBlock = append(l.confirmedThisBlock, id)
	return nil
}

// DrainConfirmedThisBlock returns and clears the orders confirmed since the last drain,
// in confirmation order.
func (l *OrderLedger) DrainConfirmedThisBlock() []OrderID {
	res := l.confirmedThisBlock
	l.confirmedThisBlock = nil
	return res
}

// Exists reports whether the id was ever used, including orders already pruned.
func (l *OrderLedger) Exists(id OrderID) bool {
	if _, ok := l.orders[id]; ok {
		return true
	}
	_, ok := l.retired[id]
	return ok
}

// Retired reports whether the order was pruned from memory.
func (l *OrderLedger) Retired(id OrderID) bool {
	_, ok := l.retired[id]
	return ok
}

// Get returns a copy of the order. Pruned orders are not returned.
func (l *OrderLedger) Get(id OrderID) (*Order, bool) {
	order, ok := l.orders[id]
	if !ok {
		return nil, false
	}
	return order.clone(), true
}

func (l *OrderLedger) Len() int {
	return len(l.orders)
}

// Unsettled returns ids of orders not settled yet, sorted.
func (l *OrderLedger) Unsettled() []OrderID {
	var res []OrderID
	for id, order := range l.orders {
		if order.Status == OrderPending {
			res = append(res, id)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].less(res[j]) })
	return res
}

// markSettled moves a pending order to its terminal state. It reports false if the order
// is unknown or was already settled.
func (l *OrderLedger) markSettled(id OrderID, status OrderStatus) bool {
	order, ok := l.orders[id]
	if !ok || order.Status != OrderPending {
		return false
	}
	order.Status = status
	return true
}

// PruneSettled removes settled orders confirmed before the given block and returns how many were removed.
// The removed ids stay reserved.
func (l *OrderLedger) PruneSettled(before BlockNumber) int {
	var pruned int
	for id, order := range l.orders {
		if order.Status == OrderPending || order.ConfirmedAt == nil {
			continue
		}
		if *order.ConfirmedAt < before {
			delete(l.orders, id)
			l.retired[id] = struct{}{}
			pruned++
		}
	}
	return pruned
}
