package feemarket

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

// LockID tags a portion of an account's balance earmarked by one market.
type LockID string

// ExistenceRequirement selects the transfer policy for the source account.
type ExistenceRequirement uint8

const (
	// KeepAlive fails the transfer if the source would end below the existential deposit.
	KeepAlive ExistenceRequirement = iota
	// AllowDeath lets the source drop below the existential deposit.
	AllowDeath
)

// Currency is the host chain balance ledger as seen by the fee market.
type Currency interface {
	FreeBalance(who AccountID) Balance
	LockedBalance(who AccountID, id LockID) Balance
	Transfer(from, to AccountID, amount Balance, req ExistenceRequirement) error
	// Lock earmarks amount of the free balance under id. Locked funds stay owned by who.
	Lock(who AccountID, id LockID, amount Balance) error
	// Unlock returns amount of the funds locked under id to the free balance.
	Unlock(who AccountID, id LockID, amount Balance) error
	// SlashLocked moves up to amount of the funds locked under id to the free balance of dest
	// and returns the amount actually moved. It never fails.
	SlashLocked(who AccountID, id LockID, amount Balance, dest AccountID) Balance
}

type AccountData struct {
	Free   Balance            `json:"free"`
	Locked map[LockID]Balance `json:"locked,omitempty"`
}

func (a *AccountData) totalLocked() Balance {
	var total Balance
	for _, v := range a.Locked {
		total = saturatingAdd(total, v)
	}
	return total
}

// MemoryLedger is an in-memory Currency used by the node and tests.
// It is not safe for concurrent use.
type MemoryLedger struct {
	existentialDeposit Balance
	accounts           map[AccountID]*AccountData
}

func NewMemoryLedger(existentialDeposit Balance) *MemoryLedger {
	return &MemoryLedger{
		existentialDeposit: existentialDeposit,
		accounts:           make(map[AccountID]*AccountData),
	}
}

func (l *MemoryLedger) account(who AccountID) *AccountData {
	acc, ok := l.accounts[who]
	if !ok {
		acc = &AccountData{Locked: make(map[LockID]Balance)}
		l.accounts[who] = acc
	}
	return acc
}

// Deposit mints amount into the free balance of who.
func (l *MemoryLedger) Deposit(who AccountID, amount Balance) {
	acc := l.account(who)
	acc.Free = saturatingAdd(acc.Free, amount)
}

func (l *MemoryLedger) FreeBalance(who AccountID) Balance {
	if acc, ok := l.accounts[who]; ok {
		return acc.Free
	}
	return 0
}

func (l *MemoryLedger) LockedBalance(who AccountID, id LockID) Balance {
	if acc, ok := l.accounts[who]; ok {
		return acc.Locked[id]
	}
	return 0
}

// Account returns a copy of the account data.
func (l *MemoryLedger) Account(who AccountID) AccountData {
	acc, ok := l.accounts[who]
	if !ok {
		return AccountData{}
	}
	res := AccountData{Free: acc.Free}
	if len(acc.Locked) > 0 {
		res.Locked = make(map[LockID]Balance, len(acc.Locked))
		for k, v := range acc.Locked {
			res.Locked[k] = v
		}
	}
	return res
}

// TotalIssuance is the sum of all free and locked balances.
func (l *MemoryLedger) TotalIssuance() Balance {
	var total Balance
	for _, acc := range l.accounts {
		total = saturatingAdd(total, acc.Free)
		total = saturatingAdd(total, acc.totalLocked())
	}
	return total
}

// Accounts returns all known accounts in ascending order.
func (l *MemoryLedger) Accounts() []AccountID {
	res := make([]AccountID, 0, len(l.accounts))
	for who := range l.accounts {
		res = append(res, who)
	}
	sortAccounts(res)
	return res
}

func (l *MemoryLedger) Transfer(from, to AccountID, amount Balance, req ExistenceRequirement) error {
	if amount == 0 || from == to {
		return nil
	}
	src := l.account(from)
	if src.Free < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from.Hex(), src.Free, amount)
	}
	if req == KeepAlive && src.Free-amount < l.existentialDeposit {
		return fmt.Errorf("%w: source %s", ErrExistentialDeposit, from.Hex())
	}
	dst := l.account(to)
	if math.MaxUint64-dst.Free < amount {
		return fmt.Errorf("%w: balance overflow for %s", ErrInvalidParameter, to.Hex())
	}
	if dst.Free+amount < l.existentialDeposit {
		return fmt.Errorf("%w: destination %s", ErrExistentialDeposit, to.Hex())
	}
	src.Free -= amount
	dst.Free += amount
	return nil
}

func (l *MemoryLedger) Lock(who AccountID, id LockID, amount Balance) error {
	acc := l.account(who)
	if acc.Free < amount {
		return fmt.Errorf("%w: %s has %d free, needs %d", ErrInsufficientBalance, who.Hex(), acc.Free, amount)
	}
	acc.Free -= amount
	acc.Locked[id] = saturatingAdd(acc.Locked[id], amount)
	return nil
}

func (l *MemoryLedger) Unlock(who AccountID, id LockID, amount Balance) error {
	acc := l.account(who)
	if acc.Locked[id] < amount {
		return fmt.Errorf("%w: %s has %d locked, needs %d", ErrInsufficientBalance, who.Hex(), acc.Locked[id], amount)
	}
	acc.Locked[id] -= amount
	if acc.Locked[id] == 0 {
		delete(acc.Locked, id)
	}
	acc.Free = saturatingAdd(acc.Free, amount)
	return nil
}

func (l *MemoryLedger) SlashLocked(who AccountID, id LockID, amount Balance, dest AccountID) Balance {
	acc := l.account(who)
	slashed := minBalance(amount, acc.Locked[id])
	if slashed == 0 {
		return 0
	}
	acc.Locked[id] -= slashed
	if acc.Locked[id] == 0 {
		delete(acc.Locked, id)
	}
	dst := l.account(dest)
	dst.Free = saturatingAdd(dst.Free, slashed)
	return slashed
}

func saturatingAdd(a, b uint64) uint64 {
	if math.MaxUint64-a < b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func saturatingMul(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}

func minBalance(a, b Balance) Balance {
	if a < b {
		return a
	}
	return b
}

func sortAccounts(accounts []AccountID) {
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
}
