// Package agent holds the agent account model and its quota rules.
//
// An Account is owned by exactly one owner identity and carries a
// per-transaction cap, a rolling daily budget and a permission set. The
// methods here never talk to storage; callers load a copy, mutate it and
// persist the result.
package agent

import (
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DailyWindow is the length of the discrete daily spending window.
const DailyWindow = 24 * time.Hour

// Account is an agent with bounded spending authority.
type Account struct {
	Address           common.Address `json:"address"`
	Owner             common.Address `json:"owner"`
	Seq               uint64         `json:"seq"`
	Name              string         `json:"name"`
	Permissions       PermissionSet  `json:"permissions"`
	MaxPerTx          uint64         `json:"maxPerTx"`
	DailyLimit        uint64         `json:"dailyLimit"`
	SpentToday        uint64         `json:"spentToday"`
	LastDailyReset    time.Time      `json:"lastDailyReset"`
	TotalSpent        uint64         `json:"totalSpent"`
	TotalTransactions uint64         `json:"totalTransactions"`
	Revoked           bool           `json:"revoked"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastUsedAt        time.Time      `json:"lastUsedAt"`
}

// Params describes a new account. Zero limits take the defaults.
type Params struct {
	Owner       common.Address
	Seq         uint64
	Address     common.Address
	Name        string
	Permissions []Permission
	MaxPerTx    uint64
	DailyLimit  uint64
}

// Validate checks p without requiring an address, so callers can reject a
// request before allocating an identity for it.
func (p *Params) Validate() error {
	if len(p.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if p.Owner == (common.Address{}) {
		return ErrInvalidAddress
	}
	if _, err := NewPermissionSet(p.Permissions); err != nil {
		return err
	}
	maxPerTx, daily := p.limits()
	if daily < maxPerTx {
		return ErrInvalidLimitConfiguration
	}
	return nil
}

func (p *Params) limits() (maxPerTx, daily uint64) {
	maxPerTx, daily = p.MaxPerTx, p.DailyLimit
	if maxPerTx == 0 {
		maxPerTx = DefaultMaxPerTx
	}
	if daily == 0 {
		daily = DefaultDailyLimit
	}
	return maxPerTx, daily
}

// New validates p and returns a fresh account.
func New(p Params, now time.Time) (*Account, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Address == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	perms, _ := NewPermissionSet(p.Permissions)
	maxPerTx, daily := p.limits()
	return &Account{
		Address:        p.Address,
		Owner:          p.Owner,
		Seq:            p.Seq,
		Name:           p.Name,
		Permissions:    perms,
		MaxPerTx:       maxPerTx,
		DailyLimit:     daily,
		LastDailyReset: now,
		CreatedAt:      now,
		LastUsedAt:     now,
	}, nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Permissions = a.Permissions.clone()
	return &cp
}

// ResetDailyWindowIfElapsed starts a new daily window once a full window has
// passed since the last reset. The boundary is inclusive.
func (a *Account) ResetDailyWindowIfElapsed(now time.Time) error {
	reset, err := WindowElapsed(a.LastDailyReset, now, DailyWindow)
	if err != nil {
		return err
	}
	if reset {
		a.SpentToday = 0
		a.LastDailyReset = now
	}
	return nil
}

// CanSpend reports whether amount fits both the per-transaction cap and the
// remaining daily budget.
func (a *Account) CanSpend(amount uint64) (bool, error) {
	return WithinLimits(amount, a.MaxPerTx, a.SpentToday, a.DailyLimit)
}

// RecordSpend books an accepted spend.
func (a *Account) RecordSpend(amount uint64) error {
	spent, err := Add(a.SpentToday, amount)
	if err != nil {
		return err
	}
	total, err := Add(a.TotalSpent, amount)
	if err != nil {
		return err
	}
	count, err := Add(a.TotalTransactions, 1)
	if err != nil {
		return err
	}
	a.SpentToday, a.TotalSpent, a.TotalTransactions = spent, total, count
	return nil
}

// HasPermission reports whether the account holds p.
func (a *Account) HasPermission(p Permission) bool {
	return a.Permissions.Has(p)
}

// Revoke marks the account revoked. Calling it again is a no-op.
func (a *Account) Revoke() {
	a.Revoked = true
}

// SetPermissions replaces the permission set wholesale.
func (a *Account) SetPermissions(perms []Permission) error {
	set, err := NewPermissionSet(perms)
	if err != nil {
		return err
	}
	a.Permissions = set
	return nil
}

// UpdateLimits merges the provided values over the current ones and rejects
// the whole update when the merged pair is inconsistent.
func (a *Account) UpdateLimits(maxPerTx, dailyLimit *uint64) error {
	nextTx, nextDaily := a.MaxPerTx, a.DailyLimit
	if maxPerTx != nil {
		nextTx = *maxPerTx
	}
	if dailyLimit != nil {
		nextDaily = *dailyLimit
	}
	if nextDaily < nextTx {
		return ErrInvalidLimitConfiguration
	}
	a.MaxPerTx, a.DailyLimit = nextTx, nextDaily
	return nil
}

// Add returns a+b or ErrNumericalOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrNumericalOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrNumericalOverflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrNumericalOverflow
	}
	return diff, nil
}

// WindowElapsed reports whether at least window has passed since start.
// A now earlier than start means the clock went backwards.
func WindowElapsed(start, now time.Time, window time.Duration) (bool, error) {
	if now.Before(start) {
		return false, ErrInvalidActivityWindow
	}
	return now.Sub(start) >= window, nil
}

// WithinLimits is the shared cap check used by accounts and delegations.
func WithinLimits(amount, maxPerTx, spent, daily uint64) (bool, error) {
	if amount > maxPerTx {
		return false, nil
	}
	next, err := Add(spent, amount)
	if err != nil {
		return false, err
	}
	return next <= daily, nil
}
