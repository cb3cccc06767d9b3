// Package ledger is the reference value-settlement backend: it holds native
// balances for owners and agents and moves value between them.
//
// Flow:
//  1. An owner deposits native units (Deposit)
//  2. The owner funds an agent (Move owner -> agent)
//  3. The agent spends (Execute: agent -> destination, or a plain debit)
//  4. The owner pulls funds back (Move agent -> owner)
//
// The ledger knows nothing about spending limits; callers authorize first.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/dimm/internal/idgen"
	"github.com/mbd888/dimm/internal/traces"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateDeposit    = errors.New("ledger: deposit already processed")
	ErrSameAccount         = errors.New("ledger: source and destination are the same")
)

// Entry types.
const (
	EntryDeposit     = "deposit"
	EntryTransferIn  = "transfer_in"
	EntryTransferOut = "transfer_out"
	EntryDebit       = "debit"
)

// Entry is one side of a balance change.
type Entry struct {
	ID           string          `json:"id"`
	Address      common.Address  `json:"address"`
	Type         string          `json:"type"`
	Amount       uint64          `json:"amount"`
	Counterparty *common.Address `json:"counterparty,omitempty"`
	TxRef        string          `json:"txRef"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Balance is an address's current holdings.
type Balance struct {
	Address   common.Address `json:"address"`
	Available uint64         `json:"available"`
	TotalIn   uint64         `json:"totalIn"`
	TotalOut  uint64         `json:"totalOut"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store persists balances and entries. Transfer and Debit must fail with
// ErrInsufficientBalance without writing anything when funds are short.
// Credit must fail with ErrDuplicateDeposit, atomically with the credit,
// when txRef was already credited.
type Store interface {
	GetBalance(ctx context.Context, addr common.Address) (*Balance, error)
	Credit(ctx context.Context, addr common.Address, amount uint64, txRef, reference string) error
	Transfer(ctx context.Context, from, to common.Address, amount uint64, txRef, reference string) error
	Debit(ctx context.Context, addr common.Address, amount uint64, txRef, reference string) error
	GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error)
}

// Ledger validates movements and hands them to a Store.
type Ledger struct {
	store Store
}

// New returns a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// BalanceOf returns the spendable balance of addr.
func (l *Ledger) BalanceOf(ctx context.Context, addr common.Address) (uint64, error) {
	bal, err := l.store.GetBalance(ctx, addr)
	if err != nil {
		return 0, err
	}
	return bal.Available, nil
}

// GetBalance returns the full balance record.
func (l *Ledger) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	return l.store.GetBalance(ctx, addr)
}

// Deposit credits addr from outside the system. txRef deduplicates.
func (l *Ledger) Deposit(ctx context.Context, addr common.Address, amount uint64, txRef string) error {
	defer observeOp("deposit")()
	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Credit(ctx, addr, amount, txRef, "deposit")
}

// Move transfers amount from one address to another and returns the
// transaction reference.
func (l *Ledger) Move(ctx context.Context, from, to common.Address, amount uint64, reference string) (string, error) {
	defer observeOp("transfer")()
	ctx, span := traces.StartSpan(ctx, "ledger.Move",
		traces.Agent(from), traces.Counterparty(to), traces.Amount(amount))
	var err error
	defer func() { traces.End(span, err) }()

	if amount == 0 {
		err = ErrInvalidAmount
		return "", err
	}
	if from == to {
		err = ErrSameAccount
		return "", err
	}
	txRef := newTxRef(from, to, amount)
	if err = l.store.Transfer(ctx, from, to, amount, txRef, reference); err != nil {
		return "", err
	}
	return txRef, nil
}

// Burn debits amount from addr with no counterparty.
func (l *Ledger) Burn(ctx context.Context, addr common.Address, amount uint64, reference string) (string, error) {
	defer observeOp("debit")()
	ctx, span := traces.StartSpan(ctx, "ledger.Burn", traces.Agent(addr), traces.Amount(amount))
	var err error
	defer func() { traces.End(span, err) }()

	if amount == 0 {
		err = ErrInvalidAmount
		return "", err
	}
	txRef := newTxRef(addr, common.Address{}, amount)
	if err = l.store.Debit(ctx, addr, amount, txRef, reference); err != nil {
		return "", err
	}
	return txRef, nil
}

// History returns the newest entries for addr first.
func (l *Ledger) History(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, addr, limit)
}

// newTxRef derives a 32-byte reference from the movement and a random
// nonce, rendered as 0x-prefixed hex.
func newTxRef(from, to common.Address, amount uint64) string {
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	return crypto.Keccak256Hash(from.Bytes(), to.Bytes(), amt[:], []byte(idgen.RequestID())).Hex()
}
