package agent

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAgent = common.HexToAddress("0x2222222222222222222222222222222222222222")
	t0        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newAccount(t *testing.T, maxPerTx, daily uint64) *Account {
	t.Helper()
	a, err := New(Params{
		Owner:       testOwner,
		Address:     testAgent,
		Name:        "trader",
		Permissions: []Permission{PermTransfer},
		MaxPerTx:    maxPerTx,
		DailyLimit:  daily,
	}, t0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{"valid", Params{Owner: testOwner, Address: testAgent, Name: "a", MaxPerTx: 10, DailyLimit: 10}, nil},
		{"name at limit", Params{Owner: testOwner, Address: testAgent, Name: strings.Repeat("x", 32)}, nil},
		{"name too long", Params{Owner: testOwner, Address: testAgent, Name: strings.Repeat("x", 33)}, ErrNameTooLong},
		{"daily below per-tx", Params{Owner: testOwner, Address: testAgent, MaxPerTx: 100, DailyLimit: 99}, ErrInvalidLimitConfiguration},
		{"unknown permission", Params{Owner: testOwner, Address: testAgent, Permissions: []Permission{"mint"}}, ErrInvalidPermission},
		{"zero owner", Params{Address: testAgent}, ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.params, t0)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.Revoked || a.SpentToday != 0 || a.TotalTransactions != 0 {
				t.Fatalf("expected zeroed counters, got %+v", a)
			}
			if !a.LastDailyReset.Equal(t0) || !a.CreatedAt.Equal(t0) || !a.LastUsedAt.Equal(t0) {
				t.Fatal("expected timestamps set to creation time")
			}
		})
	}
}

func TestNew_DefaultLimits(t *testing.T) {
	a, err := New(Params{Owner: testOwner, Address: testAgent}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if a.MaxPerTx != DefaultMaxPerTx || a.DailyLimit != DefaultDailyLimit {
		t.Fatalf("expected defaults, got %d/%d", a.MaxPerTx, a.DailyLimit)
	}
}

func TestResetDailyWindow_Boundary(t *testing.T) {
	a := newAccount(t, 100, 500)
	a.SpentToday = 300

	if err := a.ResetDailyWindowIfElapsed(t0.Add(DailyWindow - time.Second)); err != nil {
		t.Fatal(err)
	}
	if a.SpentToday != 300 {
		t.Fatalf("reset one second early: spent=%d", a.SpentToday)
	}

	at := t0.Add(DailyWindow)
	if err := a.ResetDailyWindowIfElapsed(at); err != nil {
		t.Fatal(err)
	}
	if a.SpentToday != 0 || !a.LastDailyReset.Equal(at) {
		t.Fatalf("expected reset at exact boundary, spent=%d reset=%v", a.SpentToday, a.LastDailyReset)
	}
}

func TestResetDailyWindow_ClockBackwards(t *testing.T) {
	a := newAccount(t, 100, 500)
	err := a.ResetDailyWindowIfElapsed(t0.Add(-time.Second))
	if !errors.Is(err, ErrInvalidActivityWindow) {
		t.Fatalf("expected ErrInvalidActivityWindow, got %v", err)
	}
}

func TestCanSpend_DailyBudget(t *testing.T) {
	a := newAccount(t, 100, 500)
	for i := 0; i < 4; i++ {
		ok, err := a.CanSpend(100)
		if err != nil || !ok {
			t.Fatalf("spend %d: ok=%v err=%v", i, ok, err)
		}
		if err := a.RecordSpend(100); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := a.CanSpend(101); ok {
		t.Fatal("expected 101 to exceed per-tx cap")
	}
	if ok, _ := a.CanSpend(100); !ok {
		t.Fatal("expected fifth spend of 100 to fit exactly")
	}
	a.SpentToday = 450
	if ok, _ := a.CanSpend(100); ok {
		t.Fatal("expected daily budget to reject")
	}
}

func TestCanSpend_Overflow(t *testing.T) {
	a := newAccount(t, math.MaxUint64, math.MaxUint64)
	a.SpentToday = math.MaxUint64 - 1
	_, err := a.CanSpend(2)
	if !errors.Is(err, ErrNumericalOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestRecordSpend_OverflowLeavesAccount(t *testing.T) {
	a := newAccount(t, 100, 500)
	a.TotalSpent = math.MaxUint64
	before := *a
	if err := a.RecordSpend(1); !errors.Is(err, ErrNumericalOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if a.SpentToday != before.SpentToday || a.TotalTransactions != before.TotalTransactions {
		t.Fatal("partial update after overflow")
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	a := newAccount(t, 100, 500)
	a.Revoke()
	first := *a
	a.Revoke()
	if a.Revoked != first.Revoked || !a.Revoked {
		t.Fatal("revoke changed state on second call")
	}
}

func TestUpdateLimits_MergeThenCheck(t *testing.T) {
	a := newAccount(t, 100, 500)

	// Raising per-tx alone above the daily limit is rejected in full.
	high := uint64(600)
	if err := a.UpdateLimits(&high, nil); !errors.Is(err, ErrInvalidLimitConfiguration) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if a.MaxPerTx != 100 || a.DailyLimit != 500 {
		t.Fatal("rejected update mutated limits")
	}

	// Raising both together is fine.
	daily := uint64(1000)
	if err := a.UpdateLimits(&high, &daily); err != nil {
		t.Fatal(err)
	}
	if a.MaxPerTx != 600 || a.DailyLimit != 1000 {
		t.Fatalf("got %d/%d", a.MaxPerTx, a.DailyLimit)
	}
}

func TestClone_Independent(t *testing.T) {
	a := newAccount(t, 100, 500)
	cp := a.Clone()
	cp.Permissions[PermStaking] = struct{}{}
	cp.SpentToday = 42
	if a.HasPermission(PermStaking) || a.SpentToday != 0 {
		t.Fatal("clone shares state with original")
	}
}

func TestRequiredPermission(t *testing.T) {
	cases := map[Category]Permission{
		CategoryTransfer:        PermTransfer,
		CategorySwap:            PermSwapTokens,
		CategoryNFTOperation:    PermNFTOperations,
		CategoryStaking:         PermStaking,
		CategoryGovernance:      PermGovernance,
		CategoryDeFiInteraction: PermDeFiProtocols,
		CategoryFunding:         PermExecutePrograms,
		CategoryWithdrawal:      PermExecutePrograms,
		CategoryOther:           PermExecutePrograms,
	}
	for c, want := range cases {
		if got := c.RequiredPermission(); got != want {
			t.Errorf("%s: expected %s, got %s", c, want, got)
		}
	}
}

func TestErrorIs_MatchesWrapped(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), ErrRateLimited)
	if !errors.Is(wrapped, ErrRateLimited) {
		t.Fatal("expected wrapped error to match")
	}
	if KindOf(wrapped) != KindQuota || CodeOf(wrapped) != "rate_limited" {
		t.Fatalf("got kind=%s code=%s", KindOf(wrapped), CodeOf(wrapped))
	}
}
