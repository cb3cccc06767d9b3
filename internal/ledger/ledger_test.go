package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner = common.HexToAddress("0x1111111111111111111111111111111111111111")
	agent = common.HexToAddress("0x2222222222222222222222222222222222222222")
	dest  = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	if err := l.Deposit(ctx, owner, 1000, "0xdep1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Deposit(ctx, owner, 1000, "0xdep1"); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := l.Deposit(ctx, owner, 0, "0xdep2"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	bal, _ := l.BalanceOf(ctx, owner)
	if bal != 1000 {
		t.Fatalf("expected 1000, got %d", bal)
	}
}

func TestDeposit_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Deposit(ctx, owner, 1000, "0xrace")
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrDuplicateDeposit) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("%d deposits succeeded, want 1", ok.Load())
	}
	if bal, _ := l.BalanceOf(ctx, owner); bal != 1000 {
		t.Fatalf("expected 1000, got %d", bal)
	}
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_ = l.Deposit(ctx, owner, 1000, "0xdep")

	ref, err := l.Move(ctx, owner, agent, 400, "fund")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref, "0x") || len(ref) != 66 {
		t.Fatalf("unexpected tx ref %q", ref)
	}

	ob, _ := l.GetBalance(ctx, owner)
	ab, _ := l.GetBalance(ctx, agent)
	if ob.Available != 600 || ob.TotalOut != 400 || ab.Available != 400 || ab.TotalIn != 400 {
		t.Fatalf("unexpected balances owner=%+v agent=%+v", ob, ab)
	}

	if _, err := l.Move(ctx, agent, dest, 401, "spend"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if ab2, _ := l.BalanceOf(ctx, agent); ab2 != 400 {
		t.Fatalf("failed move changed balance: %d", ab2)
	}
	if _, err := l.Move(ctx, agent, agent, 1, ""); !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected same account error, got %v", err)
	}
}

func TestBurn(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_ = l.Deposit(ctx, agent, 100, "0xdep")

	if _, err := l.Burn(ctx, agent, 60, "swap"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Burn(ctx, agent, 41, "swap"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if bal, _ := l.BalanceOf(ctx, agent); bal != 40 {
		t.Fatalf("expected 40, got %d", bal)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_ = l.Deposit(ctx, owner, 1000, "0xdep")
	_, _ = l.Move(ctx, owner, agent, 100, "fund")
	_, _ = l.Move(ctx, agent, dest, 10, "spend")

	hist, err := l.History(ctx, agent, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	if hist[0].Type != EntryTransferOut || *hist[0].Counterparty != dest {
		t.Fatalf("expected newest transfer_out to dest first, got %+v", hist[0])
	}
	if hist[1].Type != EntryTransferIn || *hist[1].Counterparty != owner {
		t.Fatalf("expected transfer_in from owner, got %+v", hist[1])
	}
}
