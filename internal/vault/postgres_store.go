package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/delegation"
	"github.com/mbd888/dimm/internal/pagination"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/stats"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/whitelist"
)

// PostgresStore implements Store on PostgreSQL. Unsigned amounts live in
// NUMERIC(20,0) columns and travel as decimal strings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db. Tables come from migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func addrArg(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func addrArgs(as []common.Address) pq.StringArray {
	out := make(pq.StringArray, len(as))
	for i, a := range as {
		out[i] = addrArg(a)
	}
	return out
}

func numArg(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func permArgs(set agent.PermissionSet) pq.StringArray {
	perms := set.Slice()
	out := make(pq.StringArray, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// numeric scans a NUMERIC or INTEGER column into an unsigned field.
type numeric[T ~uint64 | ~uint32] struct{ dst *T }

func num[T ~uint64 | ~uint32](dst *T) numeric[T] { return numeric[T]{dst} }

func (n numeric[T]) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return fmt.Errorf("vault: cannot scan %T into unsigned", src)
	}
	var zero T
	bitSize := 64
	if _, ok := any(zero).(uint32); ok {
		bitSize = 32
	}
	v, err := strconv.ParseUint(s, 10, bitSize)
	if err != nil {
		return fmt.Errorf("vault: bad stored amount %q: %w", s, err)
	}
	*n.dst = T(v)
	return nil
}

// address scans a lowercase hex column.
type address struct{ dst *common.Address }

func (a address) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	case nil:
		*a.dst = common.Address{}
		return nil
	default:
		return fmt.Errorf("vault: cannot scan %T into address", src)
	}
	if s == "" {
		*a.dst = common.Address{}
		return nil
	}
	if !common.IsHexAddress(s) {
		return fmt.Errorf("vault: bad stored address %q", s)
	}
	*a.dst = common.HexToAddress(s)
	return nil
}

// nullTime scans a nullable timestamp, mapping NULL to the zero time.
type nullTime struct{ dst *time.Time }

func (n nullTime) Scan(src any) error {
	var t sql.NullTime
	if err := t.Scan(src); err != nil {
		return err
	}
	if t.Valid {
		*n.dst = t.Time
	} else {
		*n.dst = time.Time{}
	}
	return nil
}

func toAddresses(ss []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(ss))
	for _, s := range ss {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("vault: bad stored address %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

func toPermissions(ss []string) (agent.PermissionSet, error) {
	perms := make([]agent.Permission, len(ss))
	for i, s := range ss {
		perms[i] = agent.Permission(s)
	}
	return agent.NewPermissionSet(perms)
}

// --- agents ---

const agentColumns = `address, owner, seq, name, permissions, max_per_tx, daily_limit,
	spent_today, last_daily_reset, total_spent, total_transactions, revoked,
	created_at, last_used_at`

func scanAgent(row rowScanner) (*agent.Account, error) {
	a := &agent.Account{}
	var perms pq.StringArray
	err := row.Scan(
		address{&a.Address}, address{&a.Owner}, num(&a.Seq), &a.Name, &perms,
		num(&a.MaxPerTx), num(&a.DailyLimit), num(&a.SpentToday), &a.LastDailyReset,
		num(&a.TotalSpent), num(&a.TotalTransactions), &a.Revoked,
		&a.CreatedAt, &a.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.Permissions, err = toPermissions(perms); err != nil {
		return nil, err
	}
	return a, nil
}

func getAgent(ctx context.Context, q querier, addr common.Address) (*agent.Account, error) {
	a, err := scanAgent(q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE address = $1`, addrArg(addr)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get agent: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) AgentCount(ctx context.Context, owner common.Address) (uint64, error) {
	var n uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT next_seq FROM owner_counters WHERE owner = $1`, addrArg(owner)).Scan(num(&n))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: agent count: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CreateAgent(ctx context.Context, na NewAgent) error {
	a := na.Account
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO owner_counters (owner, next_seq) VALUES ($1, 0)
		ON CONFLICT (owner) DO NOTHING
	`, addrArg(a.Owner)); err != nil {
		return fmt.Errorf("vault: init counter: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE owner_counters SET next_seq = next_seq + 1
		WHERE owner = $1 AND next_seq = $2
	`, addrArg(a.Owner), int64(a.Seq))
	if err != nil {
		return fmt.Errorf("vault: advance counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agent.ErrSequenceConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)
	`, addrArg(a.Address), addrArg(a.Owner), int64(a.Seq), a.Name, permArgs(a.Permissions),
		numArg(a.MaxPerTx), numArg(a.DailyLimit), numArg(a.SpentToday), a.LastDailyReset,
		numArg(a.TotalSpent), numArg(a.TotalTransactions), a.Revoked, a.CreatedAt, a.LastUsedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return agent.ErrAgentExists
		}
		return fmt.Errorf("vault: insert agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limits (agent, max_per_minute, max_per_hour, minute_window_start, hour_window_start, cooldown_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, addrArg(a.Address), int64(na.RateLimit.MaxPerMinute), int64(na.RateLimit.MaxPerHour),
		na.RateLimit.MinuteWindowStart, na.RateLimit.HourWindowStart, na.RateLimit.Cooldown.Milliseconds()); err != nil {
		return fmt.Errorf("vault: insert rate limit: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_stats (agent) VALUES ($1)`, addrArg(a.Address)); err != nil {
		return fmt.Errorf("vault: insert stats: %w", err)
	}
	if err := applyFlows(ctx, tx, treasury.Flows{AgentsAdded: 1}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetAgent(ctx context.Context, addr common.Address) (*agent.Account, error) {
	return getAgent(ctx, p.db, addr)
}

func (p *PostgresStore) ListAgents(ctx context.Context, owner common.Address) ([]*agent.Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE owner = $1 ORDER BY seq`, addrArg(owner))
	if err != nil {
		return nil, fmt.Errorf("vault: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*agent.Account
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- rate limits and stats ---

func getRateLimit(ctx context.Context, q querier, addr common.Address) (*ratelimit.State, error) {
	s := &ratelimit.State{Agent: addr}
	var cooldownMs int64
	err := q.QueryRowContext(ctx, `
		SELECT max_per_minute, max_per_hour, minute_window_start, minute_count,
		       hour_window_start, hour_count, in_cooldown, cooldown_start, cooldown_ms, total_rate_limits
		FROM rate_limits WHERE agent = $1
	`, addrArg(addr)).Scan(
		num(&s.MaxPerMinute), num(&s.MaxPerHour), &s.MinuteWindowStart, num(&s.MinuteCount),
		&s.HourWindowStart, num(&s.HourCount), &s.InCooldown, nullTime{&s.CooldownStart},
		&cooldownMs, num(&s.TotalRateLimits),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get rate limit: %w", err)
	}
	s.Cooldown = time.Duration(cooldownMs) * time.Millisecond
	return s, nil
}

func (p *PostgresStore) GetRateLimit(ctx context.Context, addr common.Address) (*ratelimit.State, error) {
	return getRateLimit(ctx, p.db, addr)
}

func getStats(ctx context.Context, q querier, addr common.Address) (*stats.Stats, error) {
	s := stats.New(addr)
	var inactiveMs int64
	err := q.QueryRowContext(ctx, `
		SELECT successful, failed, total_transfers, total_swaps, total_nfts, total_staking,
		       total_governance, total_defi, avg_transaction_size, largest_transaction,
		       daily_limit_hits, tx_limit_hits, last_activity, longest_inactive_ms, unique_destinations
		FROM agent_stats WHERE agent = $1
	`, addrArg(addr)).Scan(
		num(&s.SuccessfulTransactions), num(&s.FailedTransactions),
		num(&s.TotalTransfers), num(&s.TotalSwaps), num(&s.TotalNFTs), num(&s.TotalStaking),
		num(&s.TotalGovernance), num(&s.TotalDeFi), num(&s.AvgTransactionSize), num(&s.LargestTransaction),
		num(&s.DailyLimitHits), num(&s.TxLimitHits), nullTime{&s.LastActivity}, &inactiveMs,
		num(&s.UniqueDestinations),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get stats: %w", err)
	}
	s.LongestInactivePeriod = time.Duration(inactiveMs) * time.Millisecond

	rows, err := q.QueryContext(ctx,
		`SELECT destination FROM agent_destinations WHERE agent = $1`, addrArg(addr))
	if err != nil {
		return nil, fmt.Errorf("vault: get destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var d common.Address
		if err := rows.Scan(address{&d}); err != nil {
			return nil, err
		}
		s.Destinations[d] = struct{}{}
	}
	return s, rows.Err()
}

func (p *PostgresStore) GetStats(ctx context.Context, addr common.Address) (*stats.Stats, error) {
	return getStats(ctx, p.db, addr)
}

// --- delegations and whitelists ---

func getDelegation(ctx context.Context, q querier, sub common.Address) (*delegation.Delegation, error) {
	d := &delegation.Delegation{Agent: sub}
	var perms pq.StringArray
	err := q.QueryRowContext(ctx, `
		SELECT parent, permissions, max_per_tx, daily_limit, spent_today, last_daily_reset,
		       total_spent, total_transactions, expires_at, active, created_at
		FROM delegations WHERE agent = $1
	`, addrArg(sub)).Scan(
		address{&d.Parent}, &perms, num(&d.MaxPerTx), num(&d.DailyLimit), num(&d.SpentToday),
		&d.LastDailyReset, num(&d.TotalSpent), num(&d.TotalTransactions),
		nullTime{&d.ExpiresAt}, &d.Active, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrDelegationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get delegation: %w", err)
	}
	if d.Permissions, err = toPermissions(perms); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) GetDelegation(ctx context.Context, sub common.Address) (*delegation.Delegation, error) {
	return getDelegation(ctx, p.db, sub)
}

func getWhitelist(ctx context.Context, q querier, owner common.Address) (*whitelist.Whitelist, error) {
	w := &whitelist.Whitelist{Owner: owner}
	var addrs pq.StringArray
	err := q.QueryRowContext(ctx, `
		SELECT type, enabled, addresses, updated_at FROM whitelists WHERE owner = $1
	`, addrArg(owner)).Scan(&w.Type, &w.Enabled, &addrs, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agent.ErrWhitelistNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get whitelist: %w", err)
	}
	if w.Addresses, err = toAddresses(addrs); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetWhitelist(ctx context.Context, owner common.Address) (*whitelist.Whitelist, error) {
	return getWhitelist(ctx, p.db, owner)
}

// isNotFound reports whether err is any of the store's not-found errors.
func isNotFound(err error) bool {
	return errors.Is(err, agent.ErrAgentNotFound) ||
		errors.Is(err, agent.ErrDelegationNotFound) ||
		errors.Is(err, agent.ErrWhitelistNotFound)
}

// --- activity ---

func (p *PostgresStore) ListActivity(ctx context.Context, addr common.Address, before *pagination.Cursor, limit int) ([]*activity.Record, error) {
	query := `
		SELECT id, category, amount, destination, reason, tx_ref, success, created_at
		FROM activity_records WHERE agent = $1`
	args := []any{addrArg(addr)}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.At, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vault: list activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*activity.Record
	for rows.Next() {
		r := &activity.Record{Agent: addr}
		var dest sql.NullString
		if err := rows.Scan(&r.ID, &r.Category, num(&r.Amount), &dest, &r.Reason, &r.TxRef, &r.Success, &r.Timestamp); err != nil {
			return nil, err
		}
		if dest.Valid {
			var d common.Address
			if err := (address{&d}).Scan(dest.String); err != nil {
				return nil, err
			}
			r.Destination = &d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- snapshot and commit ---

func (p *PostgresStore) Snapshot(ctx context.Context, addr common.Address) (*Snapshot, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	snap := &Snapshot{}
	if snap.Account, err = getAgent(ctx, tx, addr); err != nil {
		return nil, err
	}
	if snap.RateLimit, err = getRateLimit(ctx, tx, addr); err != nil {
		return nil, err
	}
	if snap.Stats, err = getStats(ctx, tx, addr); err != nil {
		return nil, err
	}
	// Delegation, parent and whitelists are optional.
	if d, err := getDelegation(ctx, tx, addr); err == nil {
		snap.Delegation = d
		if parent, err := getAgent(ctx, tx, d.Parent); err == nil {
			snap.Parent = parent
		} else if !isNotFound(err) {
			return nil, err
		}
	} else if !isNotFound(err) {
		return nil, err
	}
	if w, err := getWhitelist(ctx, tx, addr); err == nil {
		snap.Whitelist = w
	} else if !isNotFound(err) {
		return nil, err
	}
	if w, err := getWhitelist(ctx, tx, whitelist.Protocol); err == nil {
		snap.ProtocolWhitelist = w
	} else if !isNotFound(err) {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT paused FROM protocol_state WHERE id = 1`).Scan(&snap.Paused); err != nil {
		return nil, fmt.Errorf("vault: read pause state: %w", err)
	}
	return snap, tx.Commit()
}

func (p *PostgresStore) Commit(ctx context.Context, m *Mutation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if m.Flows != (treasury.Flows{}) {
		if err := applyFlows(ctx, tx, m.Flows); err != nil {
			return err
		}
	}
	if m.Account != nil {
		if err := updateAgent(ctx, tx, m.Account); err != nil {
			return err
		}
	}
	if m.RateLimit != nil {
		if err := updateRateLimit(ctx, tx, m.RateLimit); err != nil {
			return err
		}
	}
	if m.Stats != nil {
		if err := updateStats(ctx, tx, m.Stats); err != nil {
			return err
		}
	}
	if m.Delegation != nil {
		if err := upsertDelegation(ctx, tx, m.Delegation); err != nil {
			return err
		}
	}
	if m.Whitelist != nil {
		if err := upsertWhitelist(ctx, tx, m.Whitelist); err != nil {
			return err
		}
	}
	if m.Activity != nil {
		if err := insertActivity(ctx, tx, m.Activity); err != nil {
			return err
		}
	}
	if m.Emergency != nil {
		if err := updateEmergency(ctx, tx, m.Emergency); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func mustAffect(res sql.Result, notFound error) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound
	}
	return nil
}

func updateAgent(ctx context.Context, tx *sql.Tx, a *agent.Account) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			name = $2, permissions = $3, max_per_tx = $4::NUMERIC, daily_limit = $5::NUMERIC,
			spent_today = $6::NUMERIC, last_daily_reset = $7, total_spent = $8::NUMERIC,
			total_transactions = $9::NUMERIC, revoked = $10, last_used_at = $11
		WHERE address = $1
	`, addrArg(a.Address), a.Name, permArgs(a.Permissions), numArg(a.MaxPerTx), numArg(a.DailyLimit),
		numArg(a.SpentToday), a.LastDailyReset, numArg(a.TotalSpent),
		numArg(a.TotalTransactions), a.Revoked, a.LastUsedAt)
	if err != nil {
		return fmt.Errorf("vault: update agent: %w", err)
	}
	return mustAffect(res, agent.ErrAgentNotFound)
}

func updateRateLimit(ctx context.Context, tx *sql.Tx, s *ratelimit.State) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE rate_limits SET
			max_per_minute = $2, max_per_hour = $3, minute_window_start = $4, minute_count = $5,
			hour_window_start = $6, hour_count = $7, in_cooldown = $8, cooldown_start = $9,
			cooldown_ms = $10, total_rate_limits = $11::NUMERIC
		WHERE agent = $1
	`, addrArg(s.Agent), int64(s.MaxPerMinute), int64(s.MaxPerHour), s.MinuteWindowStart, int64(s.MinuteCount),
		s.HourWindowStart, int64(s.HourCount), s.InCooldown, timeArg(s.CooldownStart),
		s.Cooldown.Milliseconds(), numArg(s.TotalRateLimits))
	if err != nil {
		return fmt.Errorf("vault: update rate limit: %w", err)
	}
	return mustAffect(res, agent.ErrAgentNotFound)
}

func updateStats(ctx context.Context, tx *sql.Tx, s *stats.Stats) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE agent_stats SET
			successful = $2::NUMERIC, failed = $3::NUMERIC, total_transfers = $4::NUMERIC,
			total_swaps = $5::NUMERIC, total_nfts = $6::NUMERIC, total_staking = $7::NUMERIC,
			total_governance = $8::NUMERIC, total_defi = $9::NUMERIC,
			avg_transaction_size = $10::NUMERIC, largest_transaction = $11::NUMERIC,
			daily_limit_hits = $12::NUMERIC, tx_limit_hits = $13::NUMERIC,
			last_activity = $14, longest_inactive_ms = $15, unique_destinations = $16
		WHERE agent = $1
	`, addrArg(s.Agent), numArg(s.SuccessfulTransactions), numArg(s.FailedTransactions),
		numArg(s.TotalTransfers), numArg(s.TotalSwaps), numArg(s.TotalNFTs), numArg(s.TotalStaking),
		numArg(s.TotalGovernance), numArg(s.TotalDeFi), numArg(s.AvgTransactionSize),
		numArg(s.LargestTransaction), numArg(s.DailyLimitHits), numArg(s.TxLimitHits),
		timeArg(s.LastActivity), s.LongestInactivePeriod.Milliseconds(), int64(s.UniqueDestinations))
	if err != nil {
		return fmt.Errorf("vault: update stats: %w", err)
	}
	if err := mustAffect(res, agent.ErrAgentNotFound); err != nil {
		return err
	}
	if len(s.Destinations) == 0 {
		return nil
	}
	dests := make([]common.Address, 0, len(s.Destinations))
	for d := range s.Destinations {
		dests = append(dests, d)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_destinations (agent, destination)
		SELECT $1, unnest($2::TEXT[])
		ON CONFLICT DO NOTHING
	`, addrArg(s.Agent), addrArgs(dests)); err != nil {
		return fmt.Errorf("vault: record destinations: %w", err)
	}
	return nil
}

func upsertDelegation(ctx context.Context, tx *sql.Tx, d *delegation.Delegation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO delegations (agent, parent, permissions, max_per_tx, daily_limit, spent_today,
			last_daily_reset, total_spent, total_transactions, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)
		ON CONFLICT (agent) DO UPDATE SET
			parent = EXCLUDED.parent, permissions = EXCLUDED.permissions,
			max_per_tx = EXCLUDED.max_per_tx, daily_limit = EXCLUDED.daily_limit,
			spent_today = EXCLUDED.spent_today, last_daily_reset = EXCLUDED.last_daily_reset,
			total_spent = EXCLUDED.total_spent, total_transactions = EXCLUDED.total_transactions,
			expires_at = EXCLUDED.expires_at, active = EXCLUDED.active, created_at = EXCLUDED.created_at
	`, addrArg(d.Agent), addrArg(d.Parent), permArgs(d.Permissions), numArg(d.MaxPerTx),
		numArg(d.DailyLimit), numArg(d.SpentToday), d.LastDailyReset, numArg(d.TotalSpent),
		numArg(d.TotalTransactions), timeArg(d.ExpiresAt), d.Active, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("vault: upsert delegation: %w", err)
	}
	return nil
}

func upsertWhitelist(ctx context.Context, tx *sql.Tx, w *whitelist.Whitelist) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO whitelists (owner, type, enabled, addresses, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner) DO UPDATE SET
			type = EXCLUDED.type, enabled = EXCLUDED.enabled,
			addresses = EXCLUDED.addresses, updated_at = EXCLUDED.updated_at
	`, addrArg(w.Owner), string(w.Type), w.Enabled, addrArgs(w.Addresses), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("vault: upsert whitelist: %w", err)
	}
	return nil
}

func insertActivity(ctx context.Context, tx *sql.Tx, r *activity.Record) error {
	var dest any
	if r.Destination != nil {
		dest = addrArg(*r.Destination)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_records (id, agent, category, amount, destination, reason, tx_ref, success, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)
	`, r.ID, addrArg(r.Agent), string(r.Category), numArg(r.Amount), dest, r.Reason, r.TxRef, r.Success, r.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return agent.ErrAgentNotFound
		}
		return fmt.Errorf("vault: insert activity: %w", err)
	}
	return nil
}

func updateEmergency(ctx context.Context, tx *sql.Tx, e *Emergency) error {
	pausedBy := ""
	if e.PausedBy != (common.Address{}) {
		pausedBy = addrArg(e.PausedBy)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE protocol_state SET
			paused = $1, reason = $2, paused_by = $3, paused_at = $4, pause_count = $5::NUMERIC
		WHERE id = 1
	`, e.Paused, e.Reason, pausedBy, timeArg(e.PausedAt), numArg(e.PauseCount))
	if err != nil {
		return fmt.Errorf("vault: update protocol state: %w", err)
	}
	return nil
}

// --- treasury and protocol ---

func getTreasury(ctx context.Context, q querier, forUpdate bool) (*treasury.Treasury, error) {
	query := `
		SELECT authority, fee_bps, min_fee, total_fees_collected, total_distributed,
		       total_withdrawn, active_agents, last_fee_collection
		FROM treasury WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t := &treasury.Treasury{}
	var bps int64
	err := q.QueryRowContext(ctx, query).Scan(
		address{&t.Authority}, &bps, num(&t.MinFee), num(&t.TotalFeesCollected),
		num(&t.TotalDistributed), num(&t.TotalWithdrawn), num(&t.ActiveAgents),
		nullTime{&t.LastFeeCollection},
	)
	if err != nil {
		return nil, fmt.Errorf("vault: read treasury: %w", err)
	}
	t.FeeBps = uint16(bps)
	return t, nil
}

// applyFlows adds f to the treasury counters under a row lock, reusing
// Treasury.Apply for the overflow rules.
func applyFlows(ctx context.Context, tx *sql.Tx, f treasury.Flows) error {
	t, err := getTreasury(ctx, tx, true)
	if err != nil {
		return err
	}
	if err := t.Apply(f, time.Now()); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE treasury SET
			total_fees_collected = $1::NUMERIC, total_distributed = $2::NUMERIC,
			total_withdrawn = $3::NUMERIC, active_agents = $4::NUMERIC, last_fee_collection = $5
		WHERE id = 1
	`, numArg(t.TotalFeesCollected), numArg(t.TotalDistributed), numArg(t.TotalWithdrawn),
		numArg(t.ActiveAgents), timeArg(t.LastFeeCollection))
	if err != nil {
		return fmt.Errorf("vault: update treasury: %w", err)
	}
	return nil
}

func (p *PostgresStore) InitProtocol(ctx context.Context, t *treasury.Treasury, e *Emergency) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE treasury SET authority = $1, fee_bps = $2, min_fee = $3::NUMERIC WHERE id = 1
	`, addrArg(t.Authority), int64(t.FeeBps), numArg(t.MinFee)); err != nil {
		return fmt.Errorf("vault: init treasury: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE protocol_state SET authority = $1, contacts = $2 WHERE id = 1
	`, addrArg(e.Authority), addrArgs(e.Contacts)); err != nil {
		return fmt.Errorf("vault: init protocol state: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTreasury(ctx context.Context) (*treasury.Treasury, error) {
	return getTreasury(ctx, p.db, false)
}

func (p *PostgresStore) GetEmergency(ctx context.Context) (*Emergency, error) {
	e := &Emergency{}
	var contacts pq.StringArray
	err := p.db.QueryRowContext(ctx, `
		SELECT authority, contacts, paused, reason, paused_by, paused_at, pause_count
		FROM protocol_state WHERE id = 1
	`).Scan(address{&e.Authority}, &contacts, &e.Paused, &e.Reason, address{&e.PausedBy},
		nullTime{&e.PausedAt}, num(&e.PauseCount))
	if err != nil {
		return nil, fmt.Errorf("vault: read protocol state: %w", err)
	}
	if e.Contacts, err = toAddresses(contacts); err != nil {
		return nil, err
	}
	return e, nil
}
