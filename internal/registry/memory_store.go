package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps identities in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byAddr  map[common.Address]*Identity
	byOwner map[common.Address][]*Identity
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAddr:  make(map[common.Address]*Identity),
		byOwner: make(map[common.Address][]*Identity),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(_ context.Context, id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byAddr[id.Address]; ok {
		return ErrAlreadyExists
	}
	cp := *id
	m.byAddr[id.Address] = &cp
	m.byOwner[id.Owner] = append(m.byOwner[id.Owner], &cp)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, addr common.Address) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAddr[addr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner common.Address) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOwner[owner]
	out := make([]*Identity, len(ids))
	for i, id := range ids {
		cp := *id
		out[i] = &cp
	}
	return out, nil
}
