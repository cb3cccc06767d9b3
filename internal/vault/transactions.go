package vault

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/stats"
	"github.com/mbd888/dimm/internal/traces"
	"github.com/mbd888/dimm/internal/treasury"
)

// Receipt describes an accepted transaction.
type Receipt struct {
	Activity *activity.Record `json:"activity"`
	TxRef    string           `json:"txRef"`
	Fee      uint64           `json:"fee"`
	Account  *agent.Account   `json:"account"`
}

// ExecuteTransaction authorizes req, performs the transfer effect and
// commits the bookkeeping. Either every check passes, the effect succeeds
// and all state is written, or the call fails and nothing changes.
func (s *Service) ExecuteTransaction(ctx context.Context, req ExecuteRequest) (rcpt *Receipt, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "vault.ExecuteTransaction",
		traces.Agent(req.Agent),
		traces.Category(string(req.Category)),
		traces.Amount(req.Amount),
	)
	defer func() { traces.End(span, err) }()

	if err := req.validate(); err != nil {
		// Unknown categories must not become metric labels.
		observeAuthorization(agent.CategoryOther, req.Amount, start, err)
		return nil, err
	}
	defer func() { observeAuthorization(req.Category, req.Amount, start, err) }()

	ctx, unlock, err := s.lockAgent(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap, err := s.store.Snapshot(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	var (
		balance uint64
		fees    *treasury.Treasury
	)
	if req.Amount > 0 {
		if balance, err = s.bank.BalanceOf(ctx, req.Agent); err != nil {
			return nil, err
		}
		if fees, err = s.store.GetTreasury(ctx); err != nil {
			return nil, err
		}
	}

	now := s.now()
	p, err := authorize(snap, &req, now, balance, s.cfg.Reserve, fees)
	if err != nil {
		s.log(ctx).Debug("transaction rejected",
			"agent", req.Agent.Hex(), "category", req.Category, "amount", req.Amount, "reason", agent.CodeOf(err))
		return nil, err
	}

	var txRef string
	if req.Amount > 0 {
		txRef, err = s.executor.Execute(ctx, Effect{
			Agent:       req.Agent,
			Destination: req.Destination,
			Amount:      req.Amount,
			Category:    req.Category,
			ExtraData:   req.ExtraData,
			Memo:        req.Memo,
		})
		if err != nil {
			s.log(ctx).Warn("transfer effect failed", "agent", req.Agent.Hex(), "amount", req.Amount, "error", err)
			return nil, transferFailed(err)
		}
	}
	p.mutation.Activity.TxRef = txRef

	if err := s.store.Commit(ctx, p.mutation); err != nil {
		CommitFailuresTotal.Inc()
		s.log(ctx).Error("transfer settled but bookkeeping failed",
			"agent", req.Agent.Hex(), "tx_ref", txRef, "amount", req.Amount, "error", err)
		return nil, err
	}

	span.SetAttributes(traces.Outcome("accepted"))
	s.log(ctx).Info("transaction executed",
		"agent", req.Agent.Hex(), "category", req.Category, "amount", req.Amount, "fee", p.fee, "tx_ref", txRef)

	rcpt = &Receipt{
		Activity: p.mutation.Activity,
		TxRef:    txRef,
		Fee:      p.fee,
		Account:  p.mutation.Account,
	}
	s.emit(EventTransaction, req.Agent, rcpt.Activity)
	return rcpt, nil
}

// RequestFunds lets an agent draw amount from its owner, bounded by the
// agent's remaining daily budget. The draw itself is not booked as spend.
func (s *Service) RequestFunds(ctx context.Context, owner, addr common.Address, amount uint64, reason string) (*activity.Record, error) {
	if amount == 0 {
		return nil, agent.ErrInvalidAmount
	}
	if len(reason) > agent.MaxReasonLength {
		return nil, agent.ErrReasonTooLong
	}
	ctx, unlock, err := s.lockAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	em, err := s.store.GetEmergency(ctx)
	if err != nil {
		return nil, err
	}
	if em.Paused {
		return nil, agent.ErrProtocolPaused
	}
	acct, err := s.ownedAgent(ctx, owner, addr)
	if err != nil {
		return nil, err
	}
	if acct.Revoked {
		return nil, agent.ErrAgentRevoked
	}
	if err := acct.ResetDailyWindowIfElapsed(s.now()); err != nil {
		return nil, err
	}
	ok, err := acct.CanSpend(amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, agent.ErrExceedsDailyLimit
	}
	if reason == "" {
		reason = "funds request"
	}
	return s.moveAndRecord(ctx, owner, addr, addr, amount, agent.CategoryFunding, reason, acct,
		treasury.Flows{Distributed: amount}, EventFunded)
}

// RecordActivityRequest is an externally observed action to log against
// an agent.
type RecordActivityRequest struct {
	Agent       common.Address
	Category    agent.Category
	Amount      uint64
	Destination *common.Address
	Reason      string
	TxRef       string
	Success     bool
	// FailureCode is the error code of a failed attempt, if known. Limit
	// failures are also counted as limit hits.
	FailureCode string
}

// RecordActivity appends an activity record and folds it into the agent's
// stats.
func (s *Service) RecordActivity(ctx context.Context, req RecordActivityRequest) (*activity.Record, error) {
	now := s.now()
	rec, err := activity.New(activity.Entry{
		Agent:       req.Agent,
		Category:    req.Category,
		Amount:      req.Amount,
		Destination: req.Destination,
		Reason:      req.Reason,
		TxRef:       req.TxRef,
		Success:     req.Success,
	}, now)
	if err != nil {
		return nil, err
	}

	ctx, unlock, err := s.lockAgent(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.store.GetStats(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	if err := st.RecordTransaction(req.Amount, req.Success, req.Category, rec.DestinationOrZero(), now); err != nil {
		return nil, err
	}
	if !req.Success {
		if kind, ok := stats.LimitKindFor(req.FailureCode); ok {
			if err := st.RecordLimitHit(kind); err != nil {
				return nil, err
			}
		}
	}
	if err := s.store.Commit(ctx, &Mutation{Stats: st, Activity: rec}); err != nil {
		return nil, err
	}
	return rec, nil
}
