package ledger

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*Balance
	entries  []*Entry
	deposits map[string]bool
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*Balance),
		deposits: make(map[string]bool),
		now:      time.Now,
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, addr common.Address) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[addr]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Address: addr}, nil
}

func (m *MemoryStore) balance(addr common.Address) *Balance {
	bal, ok := m.balances[addr]
	if !ok {
		bal = &Balance{Address: addr}
		m.balances[addr] = bal
	}
	return bal
}

func (m *MemoryStore) Credit(_ context.Context, addr common.Address, amount uint64, txRef, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[txRef] {
		return ErrDuplicateDeposit
	}
	bal := m.balance(addr)
	avail, c1 := bits.Add64(bal.Available, amount, 0)
	in, c2 := bits.Add64(bal.TotalIn, amount, 0)
	if c1|c2 != 0 {
		return ErrInvalidAmount
	}
	now := m.now()
	bal.Available, bal.TotalIn, bal.UpdatedAt = avail, in, now
	m.entries = append(m.entries, &Entry{
		ID:        "ent_" + txRef,
		Address:   addr,
		Type:      EntryDeposit,
		Amount:    amount,
		TxRef:     txRef,
		Reference: reference,
		CreatedAt: now,
	})
	m.deposits[txRef] = true
	return nil
}

func (m *MemoryStore) Transfer(_ context.Context, from, to common.Address, amount uint64, txRef, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.balance(from)
	if src.Available < amount {
		return ErrInsufficientBalance
	}
	dst := m.balance(to)
	dstAvail, c1 := bits.Add64(dst.Available, amount, 0)
	dstIn, c2 := bits.Add64(dst.TotalIn, amount, 0)
	srcOut, c3 := bits.Add64(src.TotalOut, amount, 0)
	if c1|c2|c3 != 0 {
		return ErrInvalidAmount
	}

	now := m.now()
	src.Available -= amount
	src.TotalOut, src.UpdatedAt = srcOut, now
	dst.Available, dst.TotalIn, dst.UpdatedAt = dstAvail, dstIn, now

	fromCopy, toCopy := from, to
	m.entries = append(m.entries,
		&Entry{ID: "ent_out_" + txRef, Address: from, Type: EntryTransferOut, Amount: amount, Counterparty: &toCopy, TxRef: txRef, Reference: reference, CreatedAt: now},
		&Entry{ID: "ent_in_" + txRef, Address: to, Type: EntryTransferIn, Amount: amount, Counterparty: &fromCopy, TxRef: txRef, Reference: reference, CreatedAt: now},
	)
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, addr common.Address, amount uint64, txRef, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(addr)
	if bal.Available < amount {
		return ErrInsufficientBalance
	}
	out, carry := bits.Add64(bal.TotalOut, amount, 0)
	if carry != 0 {
		return ErrInvalidAmount
	}
	now := m.now()
	bal.Available -= amount
	bal.TotalOut, bal.UpdatedAt = out, now
	m.entries = append(m.entries, &Entry{
		ID:        "ent_" + txRef,
		Address:   addr,
		Type:      EntryDebit,
		Amount:    amount,
		TxRef:     txRef,
		Reference: reference,
		CreatedAt: now,
	})
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, addr common.Address, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entries[i]; e.Address == addr {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
