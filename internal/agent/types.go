package agent

import (
	"encoding/json"
	"fmt"
)

// Bounds and defaults.
const (
	MaxAgentsPerOwner       = 10000
	MaxNameLength           = 32
	MaxReasonLength         = 128
	MaxExtraDataLength      = 1232
	MaxDelegatedPermissions = 10

	// MinReserve is the balance an agent must keep after spending.
	MinReserve uint64 = 5_000_000

	DefaultDailyLimit uint64 = 1_000_000_000
	DefaultMaxPerTx   uint64 = 100_000_000
)

// Permission is a capability an agent may hold.
type Permission string

const (
	PermTransfer        Permission = "transfer"
	PermSwapTokens      Permission = "swap_tokens"
	PermNFTOperations   Permission = "nft_operations"
	PermStaking         Permission = "staking"
	PermGovernance      Permission = "governance"
	PermDeFiProtocols   Permission = "defi_protocols"
	PermTokenAccounts   Permission = "token_accounts"
	PermExecutePrograms Permission = "execute_programs"
)

var knownPermissions = map[Permission]bool{
	PermTransfer:        true,
	PermSwapTokens:      true,
	PermNFTOperations:   true,
	PermStaking:         true,
	PermGovernance:      true,
	PermDeFiProtocols:   true,
	PermTokenAccounts:   true,
	PermExecutePrograms: true,
}

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool { return knownPermissions[p] }

// Category is the activity type of a transaction.
type Category string

const (
	CategoryTransfer        Category = "transfer"
	CategorySwap            Category = "swap"
	CategoryNFTOperation    Category = "nft_operation"
	CategoryStaking         Category = "staking"
	CategoryGovernance      Category = "governance"
	CategoryDeFiInteraction Category = "defi_interaction"
	CategoryFunding         Category = "funding"
	CategoryWithdrawal      Category = "withdrawal"
	CategoryOther           Category = "other"
)

var knownCategories = map[Category]bool{
	CategoryTransfer:        true,
	CategorySwap:            true,
	CategoryNFTOperation:    true,
	CategoryStaking:         true,
	CategoryGovernance:      true,
	CategoryDeFiInteraction: true,
	CategoryFunding:         true,
	CategoryWithdrawal:      true,
	CategoryOther:           true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return knownCategories[c] }

// RequiredPermission maps a category to the permission needed to perform it.
// Categories without a dedicated permission fall back to execute_programs.
func (c Category) RequiredPermission() Permission {
	switch c {
	case CategoryTransfer:
		return PermTransfer
	case CategorySwap:
		return PermSwapTokens
	case CategoryNFTOperation:
		return PermNFTOperations
	case CategoryStaking:
		return PermStaking
	case CategoryGovernance:
		return PermGovernance
	case CategoryDeFiInteraction:
		return PermDeFiProtocols
	default:
		return PermExecutePrograms
	}
}

// UnmarshalJSON rejects unknown categories at the transport boundary.
func (c *Category) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !Category(s).Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	*c = Category(s)
	return nil
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set, rejecting unknown permissions. Duplicates
// collapse.
func NewPermissionSet(perms []Permission) (PermissionSet, error) {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
		set[p] = struct{}{}
	}
	return set, nil
}

// Has reports membership.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Intersect returns the permissions present in both sets.
func (s PermissionSet) Intersect(o PermissionSet) PermissionSet {
	out := make(PermissionSet)
	for p := range s {
		if o.Has(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// Slice returns the set in a stable order.
func (s PermissionSet) Slice() []Permission {
	order := []Permission{
		PermTransfer, PermSwapTokens, PermNFTOperations, PermStaking,
		PermGovernance, PermDeFiProtocols, PermTokenAccounts, PermExecutePrograms,
	}
	out := make([]Permission, 0, len(s))
	for _, p := range order {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PermissionSet) clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *PermissionSet) UnmarshalJSON(b []byte) error {
	var perms []Permission
	if err := json.Unmarshal(b, &perms); err != nil {
		return err
	}
	set, err := NewPermissionSet(perms)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
