// Package treasury computes protocol fees and keeps the protocol's
// informational fee and flow counters. Nothing here gates authorization.
package treasury

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/dimm/internal/agent"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

// Treasury holds the fee schedule and running totals.
type Treasury struct {
	Authority          common.Address `json:"authority"`
	FeeBps             uint16         `json:"feeBps"`
	MinFee             uint64         `json:"minFee"`
	TotalFeesCollected uint64         `json:"totalFeesCollected"`
	TotalDistributed   uint64         `json:"totalDistributed"`
	TotalWithdrawn     uint64         `json:"totalWithdrawn"`
	ActiveAgents       uint64         `json:"activeAgents"`
	LastFeeCollection  time.Time      `json:"lastFeeCollection,omitempty"`
}

// New returns a treasury with the given schedule. Rates above 100% are
// rejected here even though Fee itself tolerates them.
func New(authority common.Address, feeBps uint16, minFee uint64) (*Treasury, error) {
	if feeBps > BpsDenominator {
		return nil, agent.ErrInvalidFeeConfiguration
	}
	return &Treasury{Authority: authority, FeeBps: feeBps, MinFee: minFee}, nil
}

// Fee returns max(floor(amount*FeeBps/10000), MinFee).
func (t *Treasury) Fee(amount uint64) (uint64, error) {
	return Fee(amount, t.FeeBps, t.MinFee)
}

// Fee is the pure fee function. The product is taken in 256 bits so only
// the final quotient can overflow.
func Fee(amount uint64, feeBps uint16, minFee uint64) (uint64, error) {
	q := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(feeBps)))
	q.Div(q, uint256.NewInt(BpsDenominator))
	if !q.IsUint64() {
		return 0, agent.ErrNumericalOverflow
	}
	return max(q.Uint64(), minFee), nil
}

// Flows is a set of counter increments applied together.
type Flows struct {
	Fees         uint64
	Distributed  uint64
	Withdrawn    uint64
	AgentsAdded  uint64
	AgentsClosed uint64
}

// CanApply reports the error Apply would return for f without changing t.
func (t *Treasury) CanApply(f Flows) error {
	cp := *t
	return cp.Apply(f, time.Time{})
}

// Apply adds f to the counters. On error nothing changes.
func (t *Treasury) Apply(f Flows, now time.Time) error {
	fees, err := agent.Add(t.TotalFeesCollected, f.Fees)
	if err != nil {
		return err
	}
	dist, err := agent.Add(t.TotalDistributed, f.Distributed)
	if err != nil {
		return err
	}
	wd, err := agent.Add(t.TotalWithdrawn, f.Withdrawn)
	if err != nil {
		return err
	}
	active, err := agent.Add(t.ActiveAgents, f.AgentsAdded)
	if err != nil {
		return err
	}
	// Closing more agents than are active clamps at zero.
	active = active - min(active, f.AgentsClosed)

	t.TotalFeesCollected, t.TotalDistributed, t.TotalWithdrawn, t.ActiveAgents = fees, dist, wd, active
	if f.Fees > 0 {
		t.LastFeeCollection = now
	}
	return nil
}
