package registry

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists identities in the identities table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Append(ctx context.Context, id *Identity) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO identities (address, owner, seq, registered_at)
		VALUES ($1, $2, $3, $4)
	`, strings.ToLower(id.Address.Hex()), strings.ToLower(id.Owner.Hex()), int64(id.Seq), id.RegisteredAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, addr common.Address) (*Identity, error) {
	id := &Identity{Address: addr}
	var owner string
	var seq int64
	err := p.db.QueryRowContext(ctx, `
		SELECT owner, seq, registered_at FROM identities WHERE address = $1
	`, strings.ToLower(addr.Hex())).Scan(&owner, &seq, &id.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id.Owner = common.HexToAddress(owner)
	id.Seq = uint64(seq)
	return id, nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner common.Address) ([]*Identity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, seq, registered_at FROM identities
		WHERE owner = $1 ORDER BY seq
	`, strings.ToLower(owner.Hex()))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Identity
	for rows.Next() {
		var addr string
		var seq int64
		id := &Identity{Owner: owner}
		if err := rows.Scan(&addr, &seq, &id.RegisteredAt); err != nil {
			return nil, err
		}
		id.Address = common.HexToAddress(addr)
		id.Seq = uint64(seq)
		out = append(out, id)
	}
	return out, rows.Err()
}
