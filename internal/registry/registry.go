// Package registry is the reference append-only identity registry. Agent
// addresses are derived deterministically from the owner and the owner's
// agent sequence number, the same way contract addresses are derived from a
// deployer and its nonce.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNotFound      = errors.New("registry: identity not found")
	ErrAlreadyExists = errors.New("registry: identity already registered")
)

// Identity is a registered agent address.
type Identity struct {
	Address      common.Address `json:"address"`
	Owner        common.Address `json:"owner"`
	Seq          uint64         `json:"seq"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

// Store is append-only: identities are never updated or removed.
type Store interface {
	Append(ctx context.Context, id *Identity) error
	Get(ctx context.Context, addr common.Address) (*Identity, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]*Identity, error)
}

// Registry derives and records agent identities.
type Registry struct {
	store Store
	now   func() time.Time
}

// New returns a registry over store.
func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Derive returns the address for owner's seq-th agent without recording it.
func Derive(owner common.Address, seq uint64) common.Address {
	return crypto.CreateAddress(owner, seq)
}

// Register derives the address for (owner, seq) and appends it. Registering
// the same pair again returns the existing address, so a caller that
// crashed between registering and using an identity can retry.
func (r *Registry) Register(ctx context.Context, owner common.Address, seq uint64) (common.Address, error) {
	id := &Identity{
		Address:      Derive(owner, seq),
		Owner:        owner,
		Seq:          seq,
		RegisteredAt: r.now(),
	}
	err := r.store.Append(ctx, id)
	if errors.Is(err, ErrAlreadyExists) {
		existing, lerr := r.store.Get(ctx, id.Address)
		if lerr != nil {
			return common.Address{}, lerr
		}
		if existing.Owner == owner && existing.Seq == seq {
			return existing.Address, nil
		}
	}
	if err != nil {
		return common.Address{}, err
	}
	return id.Address, nil
}

// Lookup returns the identity for addr.
func (r *Registry) Lookup(ctx context.Context, addr common.Address) (*Identity, error) {
	return r.store.Get(ctx, addr)
}

// Owned lists owner's identities in registration order.
func (r *Registry) Owned(ctx context.Context, owner common.Address) ([]*Identity, error) {
	return r.store.ListByOwner(ctx, owner)
}
