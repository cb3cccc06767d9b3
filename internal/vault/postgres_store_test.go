package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/ledger"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/registry"
	"github.com/mbd888/dimm/internal/stats"
	"github.com/mbd888/dimm/internal/testutil"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/whitelist"
)

func newPostgresService(t *testing.T) (*Service, *PostgresStore, *ledger.Ledger, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	store := NewPostgresStore(db)
	bank := ledger.New(ledger.NewPostgresStore(db))
	cfg := DefaultConfig()
	cfg.Treasury = &treasury.Treasury{Authority: authorityAddr, FeeBps: 50, MinFee: 10}
	cfg.Emergency = &Emergency{Authority: authorityAddr, Contacts: []common.Address{contactAddr}}

	clock := t0
	var mu sync.Mutex
	svc := NewService(store, registry.New(registry.NewPostgresStore(db)), bank, cfg).
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Millisecond)
			return clock
		})

	ctx := context.Background()
	if err := svc.Init(ctx); err != nil {
		cleanup()
		t.Fatalf("Init: %v", err)
	}
	if err := bank.Deposit(ctx, ownerAddr, 1_000_000_000_000, "0xseed"); err != nil {
		cleanup()
		t.Fatalf("Deposit: %v", err)
	}
	return svc, store, bank, cleanup
}

func TestPostgres_AgentRoundTrip(t *testing.T) {
	svc, store, _, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	created, err := svc.CreateAgent(ctx, CreateAgentRequest{
		Owner:       ownerAddr,
		Name:        "pg",
		Permissions: []agent.Permission{agent.PermTransfer, agent.PermStaking},
		MaxPerTx:    18_000_000_000_000_000_000,
		DailyLimit:  18_000_000_000_000_000_001,
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := store.GetAgent(ctx, created.Address)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxPerTx != created.MaxPerTx || got.DailyLimit != created.DailyLimit {
		t.Fatalf("uint64 limits must round-trip: %+v", got)
	}
	if got.Owner != ownerAddr || got.Name != "pg" || got.Seq != 0 {
		t.Fatalf("unexpected agent %+v", got)
	}
	if !got.HasPermission(agent.PermStaking) || got.HasPermission(agent.PermGovernance) {
		t.Fatalf("permissions did not round-trip: %v", got.Permissions)
	}
	if !got.LastDailyReset.Equal(created.LastDailyReset) {
		t.Fatalf("LastDailyReset = %v, want %v", got.LastDailyReset, created.LastDailyReset)
	}

	n, err := store.AgentCount(ctx, ownerAddr)
	if err != nil || n != 1 {
		t.Fatalf("AgentCount = %d, %v", n, err)
	}
	tr, _ := store.GetTreasury(ctx)
	if tr.ActiveAgents != 1 || tr.FeeBps != 50 || tr.Authority != authorityAddr {
		t.Fatalf("unexpected treasury %+v", tr)
	}
}

func TestPostgres_SequenceConflict(t *testing.T) {
	_, store, _, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	acct, err := agent.New(agent.Params{Owner: ownerAddr, Seq: 3, Address: registry.Derive(ownerAddr, 3)}, t0)
	if err != nil {
		t.Fatal(err)
	}
	err = store.CreateAgent(ctx, NewAgent{
		Account:   acct,
		RateLimit: ratelimit.NewState(acct.Address, ratelimit.DefaultLimits(), t0),
		Stats:     stats.New(acct.Address),
	})
	if !errors.Is(err, agent.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	if n, _ := store.AgentCount(ctx, ownerAddr); n != 0 {
		t.Fatalf("counter advanced to %d", n)
	}
}

func TestPostgres_TransactionCommit(t *testing.T) {
	svc, store, bank, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	a, err := svc.CreateAgent(ctx, CreateAgentRequest{
		Owner:       ownerAddr,
		Permissions: []agent.Permission{agent.PermTransfer},
		MaxPerTx:    1_000_000,
		DailyLimit:  5_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FundAgent(ctx, ownerAddr, a.Address, 20_000_000); err != nil {
		t.Fatalf("FundAgent: %v", err)
	}

	for _, dest := range []common.Address{destAddr, destAddr, otherDest} {
		d := dest
		if _, err := svc.ExecuteTransaction(ctx, ExecuteRequest{
			Agent: a.Address, Category: agent.CategoryTransfer, Amount: 1_000_000, Destination: &d,
		}); err != nil {
			t.Fatalf("ExecuteTransaction: %v", err)
		}
	}

	snap, err := store.Snapshot(ctx, a.Address)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Account.SpentToday != 3_000_000 || snap.Account.TotalTransactions != 3 {
		t.Fatalf("unexpected account %+v", snap.Account)
	}
	if snap.RateLimit.MinuteCount != 3 || snap.RateLimit.HourCount != 3 {
		t.Fatalf("unexpected rate limiter %+v", snap.RateLimit)
	}
	if snap.Stats.UniqueDestinations != 2 || len(snap.Stats.Destinations) != 2 {
		t.Fatalf("destinations = %d / %v", snap.Stats.UniqueDestinations, snap.Stats.Destinations)
	}
	if snap.Delegation != nil || snap.Whitelist != nil || snap.Paused {
		t.Fatalf("unexpected optional state in snapshot %+v", snap)
	}

	recs, err := svc.ListActivity(ctx, a.Address, 2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("ListActivity = %v, %v", recs, err)
	}
	if recs[0].Destination == nil || *recs[0].Destination != otherDest || recs[0].TxRef == "" {
		t.Fatalf("newest record should be the last transfer: %+v", recs[0])
	}

	tr, _ := store.GetTreasury(ctx)
	if tr.TotalFeesCollected != 15_000 || tr.TotalDistributed != 20_000_000 {
		t.Fatalf("unexpected treasury %+v", tr)
	}
	if bal, _ := bank.BalanceOf(ctx, a.Address); bal != 17_000_000 {
		t.Fatalf("agent balance = %d", bal)
	}
}

func TestPostgres_CommitUnknownAgentWritesNothing(t *testing.T) {
	_, store, _, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	ghost, err := agent.New(agent.Params{Owner: ownerAddr, Address: strangerAddr}, t0)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Commit(ctx, &Mutation{Account: ghost, Flows: treasury.Flows{Fees: 99}})
	if !errors.Is(err, agent.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	tr, _ := store.GetTreasury(ctx)
	if tr.TotalFeesCollected != 0 {
		t.Fatal("treasury flows leaked from a failed commit")
	}
}

func TestPostgres_DelegationWhitelistAndPause(t *testing.T) {
	svc, store, _, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	parent, err := svc.CreateAgent(ctx, CreateAgentRequest{Owner: ownerAddr, Permissions: []agent.Permission{agent.PermTransfer}})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := svc.CreateAgent(ctx, CreateAgentRequest{Owner: ownerAddr, Permissions: []agent.Permission{agent.PermTransfer}})
	if err != nil {
		t.Fatal(err)
	}

	expires := t0.Add(48 * time.Hour)
	if _, err := svc.CreateDelegation(ctx, CreateDelegationRequest{
		Owner: ownerAddr, Parent: parent.Address, SubAgent: sub.Address,
		Permissions: []agent.Permission{agent.PermTransfer},
		MaxPerTx:    10, DailyLimit: 20, ExpiresAt: expires,
	}); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	if _, err := svc.ConfigureWhitelist(ctx, ownerAddr, sub.Address, WhitelistConfig{
		Type: whitelist.TypeDestinations, Enabled: true, Addresses: []common.Address{destAddr, otherDest},
	}); err != nil {
		t.Fatalf("ConfigureWhitelist: %v", err)
	}
	if _, err := svc.Pause(ctx, contactAddr, "drill"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	snap, err := store.Snapshot(ctx, sub.Address)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Delegation == nil || snap.Delegation.Parent != parent.Address || !snap.Delegation.ExpiresAt.Equal(expires) {
		t.Fatalf("delegation did not round-trip: %+v", snap.Delegation)
	}
	if snap.Parent == nil || snap.Parent.Address != parent.Address {
		t.Fatalf("parent missing from snapshot")
	}
	if snap.Whitelist == nil || len(snap.Whitelist.Addresses) != 2 || snap.Whitelist.Addresses[0] != destAddr {
		t.Fatalf("whitelist did not round-trip in order: %+v", snap.Whitelist)
	}
	if !snap.Paused {
		t.Fatal("snapshot should see the pause")
	}

	em, err := store.GetEmergency(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if em.PausedBy != contactAddr || em.PauseCount != 1 || em.Reason != "drill" || len(em.Contacts) != 1 {
		t.Fatalf("unexpected emergency state %+v", em)
	}
}
