// Package whitelist restricts which addresses an agent may interact with.
package whitelist

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
)

// MaxAddresses caps a single whitelist.
const MaxAddresses = 100

// Type says what a whitelist's addresses refer to. Only Destinations lists
// gate transfers.
type Type string

const (
	TypeDestinations Type = "destinations"
	TypePrograms     Type = "programs"
	TypeTokens       Type = "tokens"
	TypeCollections  Type = "collections"
)

// Valid reports whether t is known.
func (t Type) Valid() bool {
	switch t {
	case TypeDestinations, TypePrograms, TypeTokens, TypeCollections:
		return true
	}
	return false
}

// Protocol is the owner key of the protocol-wide list.
var Protocol = common.Address{}

// Whitelist is an ordered address set. A disabled list allows everything.
type Whitelist struct {
	Owner     common.Address   `json:"owner"`
	Type      Type             `json:"type"`
	Enabled   bool             `json:"enabled"`
	Addresses []common.Address `json:"addresses"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// New returns an empty, enabled list.
func New(owner common.Address, typ Type, now time.Time) *Whitelist {
	return &Whitelist{Owner: owner, Type: typ, Enabled: true, UpdatedAt: now}
}

// Clone returns a deep copy.
func (w *Whitelist) Clone() *Whitelist {
	cp := *w
	cp.Addresses = append([]common.Address(nil), w.Addresses...)
	return &cp
}

// IsAllowed reports whether addr passes this list.
func (w *Whitelist) IsAllowed(addr common.Address) bool {
	if !w.Enabled {
		return true
	}
	return w.contains(addr)
}

// Add appends addr. Re-adding an existing address is a no-op even when the
// list is full.
func (w *Whitelist) Add(addr common.Address, now time.Time) error {
	if w.contains(addr) {
		return nil
	}
	if len(w.Addresses) >= MaxAddresses {
		return agent.ErrWhitelistFull
	}
	w.Addresses = append(w.Addresses, addr)
	w.UpdatedAt = now
	return nil
}

// Remove drops addr if present, preserving order.
func (w *Whitelist) Remove(addr common.Address, now time.Time) {
	for i, a := range w.Addresses {
		if a == addr {
			w.Addresses = append(w.Addresses[:i], w.Addresses[i+1:]...)
			w.UpdatedAt = now
			return
		}
	}
}

// SetEnabled toggles enforcement.
func (w *Whitelist) SetEnabled(enabled bool, now time.Time) {
	w.Enabled = enabled
	w.UpdatedAt = now
}

func (w *Whitelist) contains(addr common.Address) bool {
	for _, a := range w.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// AllowsDestination applies every Destinations list in lists, skipping nil
// entries. All applicable lists must allow dest.
func AllowsDestination(dest common.Address, lists ...*Whitelist) bool {
	for _, w := range lists {
		if w == nil || w.Type != TypeDestinations {
			continue
		}
		if !w.IsAllowed(dest) {
			return false
		}
	}
	return true
}

// RestrictsDestinations reports whether any enabled Destinations list in
// lists applies. A spend with no destination cannot pass such a list.
func RestrictsDestinations(lists ...*Whitelist) bool {
	for _, w := range lists {
		if w != nil && w.Type == TypeDestinations && w.Enabled {
			return true
		}
	}
	return false
}
