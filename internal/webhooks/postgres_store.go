package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/mbd888/dimm/internal/vault"
)

// PostgresStore persists subscriptions in the webhooks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const columns = `id, owner, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func eventStrings(events []vault.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var (
		sub         Subscription
		ownerHex    string
		events      []string
		lastSuccess sql.NullTime
	)
	err := row.Scan(&sub.ID, &ownerHex, &sub.URL, &sub.Secret, pq.Array(&events),
		&sub.Active, &sub.CreatedAt, &lastSuccess, &sub.LastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	sub.Owner = common.HexToAddress(ownerHex)
	sub.Events = make([]vault.EventType, len(events))
	for i, e := range events {
		sub.Events[i] = vault.EventType(e)
	}
	if lastSuccess.Valid {
		ts := lastSuccess.Time
		sub.LastSuccess = &ts
	}
	return &sub, nil
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sub.ID, strings.ToLower(sub.Owner.Hex()), sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)),
		sub.Active, sub.CreatedAt, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM webhooks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner common.Address) ([]*Subscription, error) {
	return p.query(ctx, `SELECT `+columns+` FROM webhooks WHERE owner = $1 ORDER BY created_at, id`,
		strings.ToLower(owner.Hex()))
}

func (p *PostgresStore) ListByEvent(ctx context.Context, t vault.EventType) ([]*Subscription, error) {
	return p.query(ctx, `SELECT `+columns+` FROM webhooks WHERE active AND $1 = ANY(events) ORDER BY created_at, id`,
		string(t))
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks
		SET url = $2, events = $3, active = $4, last_success = $5, last_error = $6, consecutive_failures = $7
		WHERE id = $1
	`, sub.ID, sub.URL, pq.Array(eventStrings(sub.Events)), sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
