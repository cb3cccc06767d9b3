// Package vault is the agent spending authority service. It owns the
// authorization pipeline and every operation that changes agent state, and
// it is the only writer of the vault Store.
//
// Writes for one agent are serialized on a per-address lock. Each write
// loads a snapshot, computes the new state on copies and hands the result
// to Store.Commit, so a rejected request never leaves partial state.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/logging"
	"github.com/mbd888/dimm/internal/pagination"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/stats"
	"github.com/mbd888/dimm/internal/syncutil"
	"github.com/mbd888/dimm/internal/treasury"
)

// Activity page sizes.
const (
	DefaultActivityPage = 50
	MaxActivityPage     = 500
)

// IdentityRegistry allocates agent addresses.
type IdentityRegistry interface {
	Register(ctx context.Context, owner common.Address, seq uint64) (common.Address, error)
}

// Config holds the service's protocol parameters.
type Config struct {
	// Reserve is the balance an agent must keep after a spend.
	Reserve           uint64
	MaxAgentsPerOwner uint64
	RateLimits        ratelimit.Limits
	Treasury          *treasury.Treasury
	Emergency         *Emergency
}

// DefaultConfig returns the protocol defaults with no fees and no
// emergency roster.
func DefaultConfig() Config {
	return Config{
		Reserve:           agent.MinReserve,
		MaxAgentsPerOwner: agent.MaxAgentsPerOwner,
		RateLimits:        ratelimit.DefaultLimits(),
		Treasury:          &treasury.Treasury{},
		Emergency:         &Emergency{},
	}
}

// Service implements the vault operations.
type Service struct {
	store    Store
	registry IdentityRegistry
	bank     Bank
	executor Executor
	events   Emitter
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config

	agentLocks *syncutil.ContextAddressMutex
	ownerLocks syncutil.AddressMutex
	protoLock  syncutil.AddressMutex
}

// NewService wires a service. The executor defaults to settling on bank.
func NewService(store Store, registry IdentityRegistry, bank Bank, cfg Config) *Service {
	if cfg.Treasury == nil {
		cfg.Treasury = &treasury.Treasury{}
	}
	if cfg.Emergency == nil {
		cfg.Emergency = &Emergency{}
	}
	return &Service{
		store:      store,
		registry:   registry,
		bank:       bank,
		executor:   BankExecutor{Bank: bank},
		events:     nopEmitter{},
		logger:     slog.Default(),
		now:        time.Now,
		cfg:        cfg,
		agentLocks: syncutil.NewContextAddressMutex(),
	}
}

// WithExecutor replaces the transfer effect.
func (s *Service) WithExecutor(e Executor) *Service {
	s.executor = e
	return s
}

// WithEmitter sets the event sink for committed changes.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.events = e
	return s
}

// WithLogger sets the fallback logger used when the request context has none.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Init persists the configured fee schedule and emergency roster.
func (s *Service) Init(ctx context.Context) error {
	if len(s.cfg.Emergency.Contacts) > MaxEmergencyContacts {
		return agent.ErrTooManyEmergencyContacts
	}
	if s.cfg.Treasury.FeeBps > treasury.BpsDenominator {
		return agent.ErrInvalidFeeConfiguration
	}
	return s.store.InitProtocol(ctx, s.cfg.Treasury, s.cfg.Emergency)
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.HasLogger(ctx) {
		return logging.L(ctx)
	}
	return s.logger
}

// lockAgent serializes writes for addr. Once the lock is held the returned
// context ignores cancellation, so an operation that has started always
// reaches a definite outcome.
func (s *Service) lockAgent(ctx context.Context, addr common.Address) (context.Context, func(), error) {
	unlock, err := s.agentLocks.LockContext(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return context.WithoutCancel(ctx), unlock, nil
}

// ownedAgent loads addr and checks that owner controls it.
func (s *Service) ownedAgent(ctx context.Context, owner, addr common.Address) (*agent.Account, error) {
	acct, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct.Owner != owner {
		return nil, agent.ErrUnauthorized
	}
	return acct, nil
}

func (s *Service) emit(typ EventType, addr common.Address, data any) {
	s.events.Emit(Event{Type: typ, Agent: addr, At: s.now(), Data: data})
}

// transferFailed wraps a settlement error so callers can match both the
// vault error and the cause.
func transferFailed(err error) error {
	return fmt.Errorf("%w: %w", agent.ErrTransferFailed, err)
}

// CreateAgentRequest describes a new agent. Zero limits take the defaults.
type CreateAgentRequest struct {
	Owner       common.Address
	Name        string
	Permissions []agent.Permission
	MaxPerTx    uint64
	DailyLimit  uint64
}

// CreateAgent validates the request, allocates the owner's next identity
// and stores the agent with a fresh rate limiter and empty stats.
func (s *Service) CreateAgent(ctx context.Context, req CreateAgentRequest) (*agent.Account, error) {
	params := agent.Params{
		Owner:       req.Owner,
		Name:        req.Name,
		Permissions: req.Permissions,
		MaxPerTx:    req.MaxPerTx,
		DailyLimit:  req.DailyLimit,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	unlock := s.ownerLocks.Lock(req.Owner)
	defer unlock()

	seq, err := s.store.AgentCount(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if seq >= s.cfg.MaxAgentsPerOwner {
		return nil, agent.ErrMaxAgentsReached
	}

	addr, err := s.registry.Register(ctx, req.Owner, seq)
	if err != nil {
		return nil, fmt.Errorf("register identity: %w", err)
	}
	params.Seq, params.Address = seq, addr

	now := s.now()
	acct, err := agent.New(params, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAgent(ctx, NewAgent{
		Account:   acct,
		RateLimit: ratelimit.NewState(addr, s.cfg.RateLimits, now),
		Stats:     stats.New(addr),
	}); err != nil {
		return nil, err
	}

	s.log(ctx).Info("agent created", "agent", addr.Hex(), "owner", req.Owner.Hex(), "seq", seq)
	s.emit(EventAgentCreated, addr, acct)
	return acct, nil
}

// UpdatePermissions replaces the agent's permission set.
func (s *Service) UpdatePermissions(ctx context.Context, owner, addr common.Address, perms []agent.Permission) (*agent.Account, error) {
	return s.updateAccount(ctx, owner, addr, func(a *agent.Account) error {
		return a.SetPermissions(perms)
	})
}

// UpdateLimits merges the provided limits over the current ones.
func (s *Service) UpdateLimits(ctx context.Context, owner, addr common.Address, maxPerTx, dailyLimit *uint64) (*agent.Account, error) {
	return s.updateAccount(ctx, owner, addr, func(a *agent.Account) error {
		return a.UpdateLimits(maxPerTx, dailyLimit)
	})
}

func (s *Service) updateAccount(ctx context.Context, owner, addr common.Address, fn func(*agent.Account) error) (*agent.Account, error) {
	ctx, unlock, err := s.lockAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.ownedAgent(ctx, owner, addr)
	if err != nil {
		return nil, err
	}
	if err := fn(acct); err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, &Mutation{Account: acct}); err != nil {
		return nil, err
	}
	return acct, nil
}

// RevokeAgent permanently stops the agent from spending. Revoking twice is
// a no-op.
func (s *Service) RevokeAgent(ctx context.Context, owner, addr common.Address) (*agent.Account, error) {
	ctx, unlock, err := s.lockAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.ownedAgent(ctx, owner, addr)
	if err != nil {
		return nil, err
	}
	if acct.Revoked {
		return acct, nil
	}
	acct.Revoke()
	if err := s.store.Commit(ctx, &Mutation{Account: acct, Flows: treasury.Flows{AgentsClosed: 1}}); err != nil {
		return nil, err
	}

	s.log(ctx).Info("agent revoked", "agent", addr.Hex(), "owner", owner.Hex())
	s.emit(EventAgentRevoked, addr, nil)
	return acct, nil
}

// FundAgent moves amount from owner to the agent.
func (s *Service) FundAgent(ctx context.Context, owner, addr common.Address, amount uint64) (*activity.Record, error) {
	if amount == 0 {
		return nil, agent.ErrInvalidAmount
	}
	ctx, unlock, err := s.lockAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.ownedAgent(ctx, owner, addr); err != nil {
		return nil, err
	}
	return s.moveAndRecord(ctx, owner, addr, addr, amount, agent.CategoryFunding, "owner funding", nil,
		treasury.Flows{Distributed: amount}, EventFunded)
}

// WithdrawFromAgent returns amount from the agent to owner, keeping the
// reserve in place. Revoked agents can still be drained.
func (s *Service) WithdrawFromAgent(ctx context.Context, owner, addr common.Address, amount uint64) (*activity.Record, error) {
	if amount == 0 {
		return nil, agent.ErrInvalidAmount
	}
	ctx, unlock, err := s.lockAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.ownedAgent(ctx, owner, addr); err != nil {
		return nil, err
	}
	balance, err := s.bank.BalanceOf(ctx, addr)
	if err != nil {
		return nil, err
	}
	available, err := agent.Sub(balance, s.cfg.Reserve)
	if err != nil || available < amount {
		return nil, agent.ErrInsufficientBalance
	}
	return s.moveAndRecord(ctx, addr, owner, addr, amount, agent.CategoryWithdrawal, "owner withdrawal", nil,
		treasury.Flows{Withdrawn: amount}, EventWithdrawn)
}

// moveAndRecord performs a bank movement and commits its activity record
// together with extra (which may carry an updated account).
func (s *Service) moveAndRecord(ctx context.Context, from, to, subject common.Address, amount uint64, category agent.Category, reason string, acct *agent.Account, flows treasury.Flows, evt EventType) (*activity.Record, error) {
	now := s.now()
	rec, err := activity.New(activity.Entry{
		Agent:    subject,
		Category: category,
		Amount:   amount,
		Reason:   reason,
		Success:  true,
	}, now)
	if err != nil {
		return nil, err
	}

	t, err := s.store.GetTreasury(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.CanApply(flows); err != nil {
		return nil, err
	}

	txRef, err := s.bank.Move(ctx, from, to, amount, reason)
	if err != nil {
		return nil, transferFailed(err)
	}
	rec.TxRef = txRef

	if err := s.store.Commit(ctx, &Mutation{Account: acct, Activity: rec, Flows: flows}); err != nil {
		CommitFailuresTotal.Inc()
		s.log(ctx).Error("transfer settled but bookkeeping failed",
			"agent", subject.Hex(), "tx_ref", txRef, "amount", amount, "error", err)
		return nil, err
	}
	s.emit(evt, subject, rec)
	return rec, nil
}

// GetAgent returns the agent at addr.
func (s *Service) GetAgent(ctx context.Context, addr common.Address) (*agent.Account, error) {
	return s.store.GetAgent(ctx, addr)
}

// ListAgents returns owner's agents in creation order.
func (s *Service) ListAgents(ctx context.Context, owner common.Address) ([]*agent.Account, error) {
	return s.store.ListAgents(ctx, owner)
}

// GetStats returns the agent's activity aggregate.
func (s *Service) GetStats(ctx context.Context, addr common.Address) (*stats.Stats, error) {
	return s.store.GetStats(ctx, addr)
}

// GetRateLimit returns the agent's rate limiter state.
func (s *Service) GetRateLimit(ctx context.Context, addr common.Address) (*ratelimit.State, error) {
	return s.store.GetRateLimit(ctx, addr)
}

// ListActivity returns the agent's newest records first.
func (s *Service) ListActivity(ctx context.Context, addr common.Address, limit int) ([]*activity.Record, error) {
	page, err := s.ActivityPage(ctx, addr, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// ActivityPage returns one page of the agent's activity, newest first,
// continuing from cursor when it is non-empty.
func (s *Service) ActivityPage(ctx context.Context, addr common.Address, cursor string, limit int) (pagination.Page[*activity.Record], error) {
	if limit <= 0 || limit > MaxActivityPage {
		limit = DefaultActivityPage
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*activity.Record]{}, agent.ErrInvalidCursor
	}
	if _, err := s.store.GetAgent(ctx, addr); err != nil {
		return pagination.Page[*activity.Record]{}, err
	}
	recs, err := s.store.ListActivity(ctx, addr, before, limit+1)
	if err != nil {
		return pagination.Page[*activity.Record]{}, err
	}
	return pagination.Build(recs, limit, func(r *activity.Record) (time.Time, string) {
		return r.Timestamp, r.ID
	}), nil
}

// SetRateLimits reconfigures the agent's transaction rate limits.
func (s *Service) SetRateLimits(ctx context.Context, owner, addr common.Address, limits ratelimit.Limits) (*ratelimit.State, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	ctx, unlock, err := s.lockAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.ownedAgent(ctx, owner, addr); err != nil {
		return nil, err
	}
	rl, err := s.store.GetRateLimit(ctx, addr)
	if err != nil {
		return nil, err
	}
	rl.SetLimits(limits)
	if err := s.store.Commit(ctx, &Mutation{RateLimit: rl}); err != nil {
		return nil, err
	}
	return rl, nil
}
