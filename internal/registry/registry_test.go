package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/dimm/internal/testutil"
)

var owner = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestDerive_Deterministic(t *testing.T) {
	a := Derive(owner, 0)
	if a != crypto.CreateAddress(owner, 0) {
		t.Fatal("derivation should match CreateAddress")
	}
	if a == Derive(owner, 1) {
		t.Fatal("different sequence numbers must yield different addresses")
	}
	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if a == Derive(other, 0) {
		t.Fatal("different owners must yield different addresses")
	}
}

func testRegistry(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	r := New(store)

	a0, err := r.Register(ctx, owner, 0)
	if err != nil {
		t.Fatal(err)
	}
	a1, err := r.Register(ctx, owner, 1)
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.Register(ctx, owner, 0)
	if err != nil || again != a0 {
		t.Fatalf("re-registering should return the same address, got %s, %v", again.Hex(), err)
	}

	id, err := r.Lookup(ctx, a1)
	if err != nil {
		t.Fatal(err)
	}
	if id.Owner != owner || id.Seq != 1 {
		t.Fatalf("unexpected identity %+v", id)
	}

	owned, err := r.Owned(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 2 || owned[0].Address != a0 || owned[1].Address != a1 {
		t.Fatalf("unexpected owned list %+v", owned)
	}

	if _, err := r.Lookup(ctx, common.HexToAddress("0x01")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Memory(t *testing.T) {
	testRegistry(t, NewMemoryStore())
}

func TestRegistry_Postgres(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	testRegistry(t, NewPostgresStore(db))
}
