// Package delegation models re-delegation of an agent's authority to a
// sub-agent with its own, independently bounded budget.
package delegation

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
)

// Delegation grants Agent a subset of Parent's permissions and a separate
// spending budget. Spending through the delegation is tracked here only;
// the parent's own daily counter is not debited.
type Delegation struct {
	Parent            common.Address      `json:"parent"`
	Agent             common.Address      `json:"agent"`
	Permissions       agent.PermissionSet `json:"permissions"`
	MaxPerTx          uint64              `json:"maxPerTx"`
	DailyLimit        uint64              `json:"dailyLimit"`
	SpentToday        uint64              `json:"spentToday"`
	LastDailyReset    time.Time           `json:"lastDailyReset"`
	TotalSpent        uint64              `json:"totalSpent"`
	TotalTransactions uint64              `json:"totalTransactions"`
	ExpiresAt         time.Time           `json:"expiresAt,omitempty"`
	Active            bool                `json:"active"`
	CreatedAt         time.Time           `json:"createdAt"`
}

// Params describes a new delegation. A zero ExpiresAt never expires.
type Params struct {
	Parent      *agent.Account
	Agent       common.Address
	Permissions []agent.Permission
	MaxPerTx    uint64
	DailyLimit  uint64
	ExpiresAt   time.Time
}

// New validates p against the parent account and returns an active
// delegation.
func New(p Params, now time.Time) (*Delegation, error) {
	if p.Parent == nil {
		return nil, agent.ErrAgentNotFound
	}
	if p.Agent == (common.Address{}) {
		return nil, agent.ErrInvalidAddress
	}
	if p.Agent == p.Parent.Address {
		return nil, agent.ErrSelfDelegation
	}
	if len(p.Permissions) > agent.MaxDelegatedPermissions {
		return nil, agent.ErrTooManyDelegatedPerms
	}
	perms, err := agent.NewPermissionSet(p.Permissions)
	if err != nil {
		return nil, err
	}
	for perm := range perms {
		if !p.Parent.HasPermission(perm) {
			return nil, agent.ErrDelegatedPermissionMissing
		}
	}
	if p.DailyLimit < p.MaxPerTx {
		return nil, agent.ErrInvalidLimitConfiguration
	}
	if p.MaxPerTx > p.Parent.MaxPerTx || p.DailyLimit > p.Parent.DailyLimit {
		return nil, agent.ErrDelegationExceedsParent
	}
	return &Delegation{
		Parent:         p.Parent.Address,
		Agent:          p.Agent,
		Permissions:    perms,
		MaxPerTx:       p.MaxPerTx,
		DailyLimit:     p.DailyLimit,
		LastDailyReset: now,
		ExpiresAt:      p.ExpiresAt,
		Active:         true,
		CreatedAt:      now,
	}, nil
}

// Clone returns a deep copy.
func (d *Delegation) Clone() *Delegation {
	cp := *d
	cp.Permissions = make(agent.PermissionSet, len(d.Permissions))
	for p := range d.Permissions {
		cp.Permissions[p] = struct{}{}
	}
	return &cp
}

// IsValid reports whether the delegation is active and unexpired at now.
func (d *Delegation) IsValid(now time.Time) bool {
	if !d.Active {
		return false
	}
	return d.ExpiresAt.IsZero() || now.Before(d.ExpiresAt)
}

// HasPermission reports whether p was delegated.
func (d *Delegation) HasPermission(p agent.Permission) bool {
	return d.Permissions.Has(p)
}

// Revoke deactivates the delegation.
func (d *Delegation) Revoke() {
	d.Active = false
}

// ResetDailyWindowIfElapsed follows the account's discrete window rule.
func (d *Delegation) ResetDailyWindowIfElapsed(now time.Time) error {
	reset, err := agent.WindowElapsed(d.LastDailyReset, now, agent.DailyWindow)
	if err != nil {
		return err
	}
	if reset {
		d.SpentToday = 0
		d.LastDailyReset = now
	}
	return nil
}

// CanSpend checks amount against the delegated budget.
func (d *Delegation) CanSpend(amount uint64) (bool, error) {
	return agent.WithinLimits(amount, d.MaxPerTx, d.SpentToday, d.DailyLimit)
}

// RecordSpend books spend against the delegated budget.
func (d *Delegation) RecordSpend(amount uint64) error {
	spent, err := agent.Add(d.SpentToday, amount)
	if err != nil {
		return err
	}
	total, err := agent.Add(d.TotalSpent, amount)
	if err != nil {
		return err
	}
	count, err := agent.Add(d.TotalTransactions, 1)
	if err != nil {
		return err
	}
	d.SpentToday, d.TotalSpent, d.TotalTransactions = spent, total, count
	return nil
}
