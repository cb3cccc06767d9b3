package vault

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/whitelist"
)

// ExecuteRequest is a proposed spend by an agent.
type ExecuteRequest struct {
	Agent       common.Address
	Category    agent.Category
	Amount      uint64
	Destination *common.Address
	ExtraData   []byte
	Memo        string
}

func (r *ExecuteRequest) validate() error {
	if r.Agent == (common.Address{}) {
		return agent.ErrInvalidAddress
	}
	if !r.Category.Valid() {
		return agent.ErrInvalidCategory
	}
	if len(r.ExtraData) > agent.MaxExtraDataLength {
		return agent.ErrExtraDataTooLarge
	}
	if len(r.Memo) > agent.MaxReasonLength {
		return agent.ErrReasonTooLong
	}
	if r.Destination != nil && *r.Destination == (common.Address{}) {
		return agent.ErrInvalidAddress
	}
	return nil
}

// plan is the outcome of a successful authorization: the writes to commit
// once the transfer effect has gone through, and the fee it accrues.
type plan struct {
	mutation *Mutation
	fee      uint64
}

// authorize runs every check against working copies of snap and, when all
// pass, returns the post-transaction state. It never mutates snap, so a
// rejection leaves nothing behind to undo. balance is the agent's current
// spendable balance; fees, when set, is the current treasury.
func authorize(snap *Snapshot, req *ExecuteRequest, now time.Time, balance, reserve uint64, fees *treasury.Treasury) (*plan, error) {
	if snap.Paused {
		return nil, agent.ErrProtocolPaused
	}

	acct := snap.Account.Clone()
	if acct.Revoked {
		return nil, agent.ErrAgentRevoked
	}

	deleg := snap.Delegation
	if deleg != nil {
		deleg = deleg.Clone()
		if !deleg.IsValid(now) || snap.Parent == nil || snap.Parent.Revoked {
			return nil, agent.ErrDelegationInvalid
		}
	}

	perm := req.Category.RequiredPermission()
	if !acct.HasPermission(perm) || (deleg != nil && !deleg.HasPermission(perm)) {
		return nil, agent.ErrInsufficientPermissions
	}

	if err := acct.ResetDailyWindowIfElapsed(now); err != nil {
		return nil, err
	}
	if deleg != nil {
		if err := deleg.ResetDailyWindowIfElapsed(now); err != nil {
			return nil, err
		}
	}

	mut := &Mutation{Account: acct, Delegation: deleg}
	p := &plan{mutation: mut}

	if req.Amount > 0 {
		if err := checkBudget(req.Amount, acct.MaxPerTx, acct.CanSpend); err != nil {
			return nil, err
		}
		if deleg != nil {
			if err := checkBudget(req.Amount, deleg.MaxPerTx, deleg.CanSpend); err != nil {
				return nil, err
			}
		}

		need, err := agent.Add(req.Amount, reserve)
		if err != nil {
			return nil, err
		}
		if balance < need {
			return nil, agent.ErrInsufficientAgentBalance
		}

		if req.Destination == nil {
			if whitelist.RestrictsDestinations(snap.Whitelist, snap.ProtocolWhitelist) {
				return nil, agent.ErrDestinationNotAllowed
			}
		} else if !whitelist.AllowsDestination(*req.Destination, snap.Whitelist, snap.ProtocolWhitelist) {
			return nil, agent.ErrDestinationNotAllowed
		}

		rl := snap.RateLimit.Clone()
		ok, err := rl.CanTransact(now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, agent.ErrRateLimited
		}

		if fees != nil {
			if p.fee, err = fees.Fee(req.Amount); err != nil {
				return nil, err
			}
			if err := fees.CanApply(treasury.Flows{Fees: p.fee}); err != nil {
				return nil, err
			}
		}

		if err := acct.RecordSpend(req.Amount); err != nil {
			return nil, err
		}
		if deleg != nil {
			if err := deleg.RecordSpend(req.Amount); err != nil {
				return nil, err
			}
		}
		if err := rl.RecordTransaction(now); err != nil {
			return nil, err
		}
		mut.RateLimit = rl
		mut.Flows.Fees = p.fee
	}
	acct.LastUsedAt = now

	var dest common.Address
	if req.Destination != nil {
		dest = *req.Destination
	}
	st := snap.Stats.Clone()
	if err := st.RecordTransaction(req.Amount, true, req.Category, dest, now); err != nil {
		return nil, err
	}
	mut.Stats = st

	rec, err := activity.New(activity.Entry{
		Agent:       acct.Address,
		Category:    req.Category,
		Amount:      req.Amount,
		Destination: req.Destination,
		Reason:      req.Memo,
		Success:     true,
	}, now)
	if err != nil {
		return nil, err
	}
	mut.Activity = rec
	return p, nil
}

// checkBudget applies the per-transaction cap, then the daily budget.
func checkBudget(amount, maxPerTx uint64, canSpend func(uint64) (bool, error)) error {
	if amount > maxPerTx {
		return agent.ErrExceedsTransactionLimit
	}
	ok, err := canSpend(amount)
	if err != nil {
		return err
	}
	if !ok {
		return agent.ErrExceedsDailyLimit
	}
	return nil
}
