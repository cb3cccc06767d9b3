package vault

import (
	"context"
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

// MaxEmergencyContacts caps the emergency contact list.
const MaxEmergencyContacts = 5

// MaxPauseReasonLength caps the pause reason.
const MaxPauseReasonLength = 256

// Emergency is the protocol-wide pause switch.
type Emergency struct {
	Authority  common.Address   `json:"authority"`
	Contacts   []common.Address `json:"contacts"`
	Paused     bool             `json:"paused"`
	Reason     string           `json:"reason,omitempty"`
	PausedBy   common.Address   `json:"pausedBy,omitempty"`
	PausedAt   time.Time        `json:"pausedAt,omitempty"`
	PauseCount uint64           `json:"pauseCount"`
}

// CanAct reports whether who may pause or unpause.
func (e *Emergency) CanAct(who common.Address) bool {
	if who == e.Authority {
		return true
	}
	for _, c := range e.Contacts {
		if c == who {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Emergency) Clone() *Emergency {
	cp := *e
	cp.Contacts = append([]common.Address(nil), e.Contacts...)
	return &cp
}

// Snapshot is everything the authorization pipeline reads for one agent.
// Delegation and Parent are set only for delegated sub-agents; whitelist
// fields are nil when no list exists.
type Snapshot struct {
	Account           *agent.Account
	RateLimit         *ratelimit.State
	Stats             *stats.Stats
	Delegation        *delegation.Delegation
	Parent            *agent.Account
	Whitelist         *whitelist.Whitelist
	ProtocolWhitelist *whitelist.Whitelist
	Paused            bool
}

// Mutation is a set of writes applied atomically by Store.Commit. Nil
// fields are left untouched. Activity is appended, Flows are added to the
// treasury counters, the rest are upserts.
type Mutation struct {
	Account    *agent.Account
	RateLimit  *ratelimit.State
	Stats      *stats.Stats
	Delegation *delegation.Delegation
	Whitelist  *whitelist.Whitelist
	Activity   *activity.Record
	Emergency  *Emergency
	Flows      treasury.Flows
}

// NewAgent is the set of rows created with an agent.
type NewAgent struct {
	Account   *agent.Account
	RateLimit *ratelimit.State
	Stats     *stats.Stats
}

// Store persists vault state. Implementations must apply Commit and
// CreateAgent all-or-nothing.
type Store interface {
	// AgentCount returns the owner's agent counter, which is also the next
	// sequence number.
	AgentCount(ctx context.Context, owner common.Address) (uint64, error)
	// CreateAgent inserts the agent rows and advances the owner's counter,
	// failing with agent.ErrSequenceConflict if the counter no longer
	// equals a.Account.Seq.
	CreateAgent(ctx context.Context, a NewAgent) error

	GetAgent(ctx context.Context, addr common.Address) (*agent.Account, error)
	ListAgents(ctx context.Context, owner common.Address) ([]*agent.Account, error)
	GetRateLimit(ctx context.Context, addr common.Address) (*ratelimit.State, error)
	GetStats(ctx context.Context, addr common.Address) (*stats.Stats, error)
	GetDelegation(ctx context.Context, subAgent common.Address) (*delegation.Delegation, error)
	GetWhitelist(ctx context.Context, owner common.Address) (*whitelist.Whitelist, error)
	// ListActivity returns up to limit records newest first, starting after
	// before when it is non-nil.
	ListActivity(ctx context.Context, addr common.Address, before *pagination.Cursor, limit int) ([]*activity.Record, error)

	Snapshot(ctx context.Context, addr common.Address) (*Snapshot, error)
	Commit(ctx context.Context, m *Mutation) error

	// InitProtocol stores the fee schedule and emergency roster, keeping
	// existing counters and pause state.
	InitProtocol(ctx context.Context, t *treasury.Treasury, e *Emergency) error
	GetTreasury(ctx context.Context) (*treasury.Treasury, error)
	GetEmergency(ctx context.Context) (*Emergency, error)
}
