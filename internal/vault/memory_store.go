package vault

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/delegation"
	"github.com/mbd888/dimm/internal/pagination"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/stats"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/whitelist"
)

// MemoryStore is an in-memory Store for development and tests. Every read
// returns a copy.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[common.Address]*agent.Account
	byOwner     map[common.Address][]common.Address
	counters    map[common.Address]uint64
	rateLimits  map[common.Address]*ratelimit.State
	stats       map[common.Address]*stats.Stats
	delegations map[common.Address]*delegation.Delegation
	whitelists  map[common.Address]*whitelist.Whitelist
	activity    map[common.Address][]*activity.Record
	treasury    *treasury.Treasury
	emergency   *Emergency
	now         func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[common.Address]*agent.Account),
		byOwner:     make(map[common.Address][]common.Address),
		counters:    make(map[common.Address]uint64),
		rateLimits:  make(map[common.Address]*ratelimit.State),
		stats:       make(map[common.Address]*stats.Stats),
		delegations: make(map[common.Address]*delegation.Delegation),
		whitelists:  make(map[common.Address]*whitelist.Whitelist),
		activity:    make(map[common.Address][]*activity.Record),
		treasury:    &treasury.Treasury{},
		emergency:   &Emergency{},
		now:         time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) AgentCount(_ context.Context, owner common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[owner], nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, a NewAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := a.Account
	if m.counters[acct.Owner] != acct.Seq {
		return agent.ErrSequenceConflict
	}
	if _, ok := m.agents[acct.Address]; ok {
		return agent.ErrAgentExists
	}
	next := *m.treasury
	if err := next.Apply(treasury.Flows{AgentsAdded: 1}, m.now()); err != nil {
		return err
	}

	m.agents[acct.Address] = acct.Clone()
	m.byOwner[acct.Owner] = append(m.byOwner[acct.Owner], acct.Address)
	m.counters[acct.Owner] = acct.Seq + 1
	m.rateLimits[acct.Address] = a.RateLimit.Clone()
	m.stats[acct.Address] = a.Stats.Clone()
	m.treasury = &next
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, addr common.Address) (*agent.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[addr]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListAgents(_ context.Context, owner common.Address) ([]*agent.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addrs := m.byOwner[owner]
	out := make([]*agent.Account, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, m.agents[addr].Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetRateLimit(_ context.Context, addr common.Address) (*ratelimit.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rl, ok := m.rateLimits[addr]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return rl.Clone(), nil
}

func (m *MemoryStore) GetStats(_ context.Context, addr common.Address) (*stats.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[addr]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetDelegation(_ context.Context, subAgent common.Address) (*delegation.Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.delegations[subAgent]
	if !ok {
		return nil, agent.ErrDelegationNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) GetWhitelist(_ context.Context, owner common.Address) (*whitelist.Whitelist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.whitelists[owner]
	if !ok {
		return nil, agent.ErrWhitelistNotFound
	}
	return w.Clone(), nil
}

func (m *MemoryStore) ListActivity(_ context.Context, addr common.Address, before *pagination.Cursor, limit int) ([]*activity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.activity[addr]
	start := len(recs) - 1
	if before != nil {
		// Insertion order is authoritative here; fall back to the key
		// order only when the cursor record is unknown.
		start = activityIndex(recs, before.ID) - 1
		if start < -1 {
			start = -1
			for i := len(recs) - 1; i >= 0; i-- {
				if before.Follows(recs[i].Timestamp, recs[i].ID) {
					start = i
					break
				}
			}
		}
	}
	out := make([]*activity.Record, 0, min(limit, start+1))
	for i := start; i >= 0 && len(out) < limit; i-- {
		cp := *recs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// activityIndex returns the position of id in recs, or -1.
func activityIndex(recs []*activity.Record, id string) int {
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) Snapshot(_ context.Context, addr common.Address) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[addr]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	snap := &Snapshot{
		Account:   a.Clone(),
		RateLimit: m.rateLimits[addr].Clone(),
		Stats:     m.stats[addr].Clone(),
		Paused:    m.emergency.Paused,
	}
	if d, ok := m.delegations[addr]; ok {
		snap.Delegation = d.Clone()
		if p, ok := m.agents[d.Parent]; ok {
			snap.Parent = p.Clone()
		}
	}
	if w, ok := m.whitelists[addr]; ok {
		snap.Whitelist = w.Clone()
	}
	if w, ok := m.whitelists[whitelist.Protocol]; ok {
		snap.ProtocolWhitelist = w.Clone()
	}
	return snap, nil
}

func (m *MemoryStore) Commit(_ context.Context, mut *Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Everything that can fail is checked before the first write.
	next := *m.treasury
	if err := next.Apply(mut.Flows, m.now()); err != nil {
		return err
	}
	if mut.Account != nil {
		if _, ok := m.agents[mut.Account.Address]; !ok {
			return agent.ErrAgentNotFound
		}
	}

	if mut.Account != nil {
		m.agents[mut.Account.Address] = mut.Account.Clone()
	}
	if mut.RateLimit != nil {
		m.rateLimits[mut.RateLimit.Agent] = mut.RateLimit.Clone()
	}
	if mut.Stats != nil {
		m.stats[mut.Stats.Agent] = mut.Stats.Clone()
	}
	if mut.Delegation != nil {
		m.delegations[mut.Delegation.Agent] = mut.Delegation.Clone()
	}
	if mut.Whitelist != nil {
		m.whitelists[mut.Whitelist.Owner] = mut.Whitelist.Clone()
	}
	if mut.Activity != nil {
		cp := *mut.Activity
		m.activity[cp.Agent] = append(m.activity[cp.Agent], &cp)
	}
	if mut.Emergency != nil {
		m.emergency = mut.Emergency.Clone()
	}
	m.treasury = &next
	return nil
}

func (m *MemoryStore) InitProtocol(_ context.Context, t *treasury.Treasury, e *Emergency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.treasury.Authority = t.Authority
	m.treasury.FeeBps = t.FeeBps
	m.treasury.MinFee = t.MinFee
	m.emergency.Authority = e.Authority
	m.emergency.Contacts = append([]common.Address(nil), e.Contacts...)
	return nil
}

func (m *MemoryStore) GetTreasury(_ context.Context) (*treasury.Treasury, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.treasury
	return &cp, nil
}

func (m *MemoryStore) GetEmergency(_ context.Context) (*Emergency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency.Clone(), nil
}
