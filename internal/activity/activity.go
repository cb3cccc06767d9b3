// Package activity defines the append-only audit record written for every
// accepted transaction and every explicitly reported activity.
package activity

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/idgen"
)

// Record is immutable once stored.
type Record struct {
	ID          string          `json:"id"`
	Agent       common.Address  `json:"agent"`
	Category    agent.Category  `json:"category"`
	Amount      uint64          `json:"amount"`
	Destination *common.Address `json:"destination,omitempty"`
	Reason      string          `json:"reason"`
	Timestamp   time.Time       `json:"timestamp"`
	TxRef       string          `json:"txRef,omitempty"`
	Success     bool            `json:"success"`
}

// Entry is the caller-supplied part of a record.
type Entry struct {
	Agent       common.Address
	Category    agent.Category
	Amount      uint64
	Destination *common.Address
	Reason      string
	TxRef       string
	Success     bool
}

// New validates e and stamps it with an ID and timestamp.
func New(e Entry, now time.Time) (*Record, error) {
	if len(e.Reason) > agent.MaxReasonLength {
		return nil, agent.ErrReasonTooLong
	}
	if !e.Category.Valid() {
		return nil, agent.ErrInvalidCategory
	}
	var dest *common.Address
	if e.Destination != nil {
		d := *e.Destination
		dest = &d
	}
	return &Record{
		ID:          idgen.WithPrefix("act_"),
		Agent:       e.Agent,
		Category:    e.Category,
		Amount:      e.Amount,
		Destination: dest,
		Reason:      e.Reason,
		Timestamp:   now,
		TxRef:       e.TxRef,
		Success:     e.Success,
	}, nil
}

// DestinationOrZero returns the destination, or the zero address if unset.
func (r *Record) DestinationOrZero() common.Address {
	if r.Destination == nil {
		return common.Address{}
	}
	return *r.Destination
}
