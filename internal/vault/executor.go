package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/circuitbreaker"
)

// Effect is the value movement an accepted transaction asks for.
type Effect struct {
	Agent       common.Address
	Destination *common.Address
	Amount      uint64
	Category    agent.Category
	ExtraData   []byte
	Memo        string
}

// Executor performs the external transfer effect and returns an opaque
// transaction reference.
type Executor interface {
	Execute(ctx context.Context, e Effect) (string, error)
}

// Bank moves value between owners and agents and reports balances.
type Bank interface {
	BalanceOf(ctx context.Context, addr common.Address) (uint64, error)
	Move(ctx context.Context, from, to common.Address, amount uint64, reference string) (string, error)
	Burn(ctx context.Context, addr common.Address, amount uint64, reference string) (string, error)
}

// BankExecutor settles effects on a Bank: transfers with a destination move
// value to it, the rest are debited from the agent.
type BankExecutor struct {
	Bank Bank
}

func (b BankExecutor) Execute(ctx context.Context, e Effect) (string, error) {
	ref := string(e.Category)
	if e.Memo != "" {
		ref += ": " + e.Memo
	}
	if e.Destination != nil {
		return b.Bank.Move(ctx, e.Agent, *e.Destination, e.Amount, ref)
	}
	return b.Bank.Burn(ctx, e.Agent, e.Amount, ref)
}

// ErrCircuitOpen is returned when the settlement backend is shedding load.
var ErrCircuitOpen = errors.New("settlement circuit open")

// BreakerExecutor stops calling a failing settlement backend, keyed per
// destination so one bad counterparty does not block the rest.
type BreakerExecutor struct {
	Next    Executor
	Breaker *circuitbreaker.Breaker
}

func breakerKey(e Effect) string {
	if e.Destination == nil {
		return "burn"
	}
	return e.Destination.Hex()
}

func (b BreakerExecutor) Execute(ctx context.Context, e Effect) (string, error) {
	key := breakerKey(e)
	if !b.Breaker.Allow(key) {
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}
	ref, err := b.Next.Execute(ctx, e)
	if err != nil {
		b.Breaker.RecordFailure(key)
		return "", err
	}
	b.Breaker.RecordSuccess(key)
	return ref, nil
}
