package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. Amounts are NUMERIC(20,0)
// so the full uint64 range round-trips.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db. Tables come from migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func amountArg(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: bad stored amount %q: %w", s, err)
	}
	return v, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	bal := &Balance{Address: addr}
	var avail, in, out string
	err := p.db.QueryRowContext(ctx, `
		SELECT available::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM ledger_balances WHERE address = $1
	`, addrKey(addr)).Scan(&avail, &in, &out, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	if bal.Available, err = parseAmount(avail); err != nil {
		return nil, err
	}
	if bal.TotalIn, err = parseAmount(in); err != nil {
		return nil, err
	}
	if bal.TotalOut, err = parseAmount(out); err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, addr common.Address, amount uint64, txRef, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The unique deposit index on tx_ref serializes racing credits.
	if err := insertEntry(ctx, tx, "ent_"+txRef, addr, EntryDeposit, amount, nil, txRef, reference); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateDeposit
		}
		return err
	}
	if err := creditTx(ctx, tx, addr, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Transfer(ctx context.Context, from, to common.Address, amount uint64, txRef, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitTx(ctx, tx, from, amount); err != nil {
		return err
	}
	if err := creditTx(ctx, tx, to, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, "ent_out_"+txRef, from, EntryTransferOut, amount, &to, txRef, reference); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, "ent_in_"+txRef, to, EntryTransferIn, amount, &from, txRef, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, addr common.Address, amount uint64, txRef, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitTx(ctx, tx, addr, amount); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, "ent_"+txRef, addr, EntryDebit, amount, nil, txRef, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// debitTx takes amount from addr only if it is covered; the guarded UPDATE
// holds the row lock for the rest of the transaction.
func debitTx(ctx context.Context, tx *sql.Tx, addr common.Address, amount uint64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC,
			total_out  = total_out + $2::NUMERIC,
			updated_at = NOW()
		WHERE address = $1 AND available >= $2::NUMERIC
	`, addrKey(addr), amountArg(amount))
	if err != nil {
		return fmt.Errorf("ledger: debit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, addr common.Address, amount uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC, $2::NUMERIC, NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC,
			total_in   = ledger_balances.total_in + $2::NUMERIC,
			updated_at = NOW()
	`, addrKey(addr), amountArg(amount))
	if err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, id string, addr common.Address, typ string, amount uint64, counterparty *common.Address, txRef, reference string) error {
	var cp sql.NullString
	if counterparty != nil {
		cp = sql.NullString{String: addrKey(*counterparty), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, counterparty, tx_ref, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, NOW())
	`, id, addrKey(addr), typ, amountArg(amount), cp, txRef, reference)
	if err != nil {
		return fmt.Errorf("ledger: record entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, amount::TEXT, counterparty, tx_ref, reference, created_at
		FROM ledger_entries WHERE address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, addrKey(addr), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{Address: addr}
		var amount string
		var cp, ref sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &amount, &cp, &e.TxRef, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		if cp.Valid {
			a := common.HexToAddress(cp.String)
			e.Counterparty = &a
		}
		e.Reference = ref.String
		out = append(out, e)
	}
	return out, rows.Err()
}
