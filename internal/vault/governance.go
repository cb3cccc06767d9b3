package vault

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/delegation"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/whitelist"
)

// CreateDelegationRequest grants SubAgent part of Parent's authority. Both
// agents must belong to Owner.
type CreateDelegationRequest struct {
	Owner       common.Address
	Parent      common.Address
	SubAgent    common.Address
	Permissions []agent.Permission
	MaxPerTx    uint64
	DailyLimit  uint64
	ExpiresAt   time.Time
}

// CreateDelegation validates req against the parent and stores an active
// delegation. A sub-agent holds at most one active delegation.
func (s *Service) CreateDelegation(ctx context.Context, req CreateDelegationRequest) (*delegation.Delegation, error) {
	if req.SubAgent == req.Parent {
		return nil, agent.ErrSelfDelegation
	}
	ctx, unlock, err := s.lockAgent(ctx, req.SubAgent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	parent, err := s.ownedAgent(ctx, req.Owner, req.Parent)
	if err != nil {
		return nil, err
	}
	if parent.Revoked {
		return nil, agent.ErrAgentRevoked
	}
	if _, err := s.ownedAgent(ctx, req.Owner, req.SubAgent); err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.store.GetDelegation(ctx, req.SubAgent)
	switch {
	case errors.Is(err, agent.ErrDelegationNotFound):
	case err != nil:
		return nil, err
	case existing.IsValid(now):
		return nil, agent.ErrDelegationExists
	}

	d, err := delegation.New(delegation.Params{
		Parent:      parent,
		Agent:       req.SubAgent,
		Permissions: req.Permissions,
		MaxPerTx:    req.MaxPerTx,
		DailyLimit:  req.DailyLimit,
		ExpiresAt:   req.ExpiresAt,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, &Mutation{Delegation: d}); err != nil {
		return nil, err
	}
	s.log(ctx).Info("delegation created", "parent", req.Parent.Hex(), "agent", req.SubAgent.Hex())
	return d, nil
}

// RevokeDelegation deactivates the sub-agent's delegation. Revoking twice
// is a no-op.
func (s *Service) RevokeDelegation(ctx context.Context, owner, subAgent common.Address) (*delegation.Delegation, error) {
	ctx, unlock, err := s.lockAgent(ctx, subAgent)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.GetDelegation(ctx, subAgent)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedAgent(ctx, owner, d.Parent); err != nil {
		return nil, err
	}
	if !d.Active {
		return d, nil
	}
	d.Revoke()
	if err := s.store.Commit(ctx, &Mutation{Delegation: d}); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDelegation returns the delegation held by subAgent.
func (s *Service) GetDelegation(ctx context.Context, subAgent common.Address) (*delegation.Delegation, error) {
	return s.store.GetDelegation(ctx, subAgent)
}

// lockWhitelist checks that caller controls subject's list and locks it.
// The protocol-wide list (whitelist.Protocol) belongs to the emergency
// authority.
func (s *Service) lockWhitelist(ctx context.Context, caller, subject common.Address) (context.Context, func(), error) {
	if subject == whitelist.Protocol {
		em, err := s.store.GetEmergency(ctx)
		if err != nil {
			return nil, nil, err
		}
		if caller != em.Authority || caller == (common.Address{}) {
			return nil, nil, agent.ErrUnauthorized
		}
		unlock := s.protoLock.Lock(subject)
		return context.WithoutCancel(ctx), unlock, nil
	}

	ctx, unlock, err := s.lockAgent(ctx, subject)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.ownedAgent(ctx, caller, subject); err != nil {
		unlock()
		return nil, nil, err
	}
	return ctx, unlock, nil
}

// WhitelistConfig replaces a list wholesale.
type WhitelistConfig struct {
	Type      whitelist.Type
	Enabled   bool
	Addresses []common.Address
}

// ConfigureWhitelist creates or replaces subject's list.
func (s *Service) ConfigureWhitelist(ctx context.Context, caller, subject common.Address, cfg WhitelistConfig) (*whitelist.Whitelist, error) {
	if !cfg.Type.Valid() {
		return nil, agent.ErrInvalidWhitelistType
	}
	ctx, unlock, err := s.lockWhitelist(ctx, caller, subject)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	w := whitelist.New(subject, cfg.Type, now)
	for _, addr := range cfg.Addresses {
		if addr == (common.Address{}) {
			return nil, agent.ErrInvalidAddress
		}
		if err := w.Add(addr, now); err != nil {
			return nil, err
		}
	}
	w.SetEnabled(cfg.Enabled, now)
	if err := s.store.Commit(ctx, &Mutation{Whitelist: w}); err != nil {
		return nil, err
	}
	return w, nil
}

// AddWhitelistAddress appends addr to subject's existing list.
func (s *Service) AddWhitelistAddress(ctx context.Context, caller, subject, addr common.Address) (*whitelist.Whitelist, error) {
	if addr == (common.Address{}) {
		return nil, agent.ErrInvalidAddress
	}
	return s.editWhitelist(ctx, caller, subject, func(w *whitelist.Whitelist, now time.Time) error {
		return w.Add(addr, now)
	})
}

// RemoveWhitelistAddress drops addr from subject's list.
func (s *Service) RemoveWhitelistAddress(ctx context.Context, caller, subject, addr common.Address) (*whitelist.Whitelist, error) {
	return s.editWhitelist(ctx, caller, subject, func(w *whitelist.Whitelist, now time.Time) error {
		w.Remove(addr, now)
		return nil
	})
}

func (s *Service) editWhitelist(ctx context.Context, caller, subject common.Address, fn func(*whitelist.Whitelist, time.Time) error) (*whitelist.Whitelist, error) {
	ctx, unlock, err := s.lockWhitelist(ctx, caller, subject)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.store.GetWhitelist(ctx, subject)
	if err != nil {
		return nil, err
	}
	if err := fn(w, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, &Mutation{Whitelist: w}); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWhitelist returns subject's list.
func (s *Service) GetWhitelist(ctx context.Context, subject common.Address) (*whitelist.Whitelist, error) {
	return s.store.GetWhitelist(ctx, subject)
}

// Pause halts spending and funds requests protocol-wide. Only the
// emergency authority or a listed contact may pause.
func (s *Service) Pause(ctx context.Context, caller common.Address, reason string) (*Emergency, error) {
	if len(reason) > MaxPauseReasonLength {
		return nil, agent.ErrPauseReasonTooLong
	}
	return s.setPaused(ctx, caller, true, reason)
}

// Unpause resumes normal operation.
func (s *Service) Unpause(ctx context.Context, caller common.Address) (*Emergency, error) {
	return s.setPaused(ctx, caller, false, "")
}

func (s *Service) setPaused(ctx context.Context, caller common.Address, paused bool, reason string) (*Emergency, error) {
	unlock := s.protoLock.Lock(common.Address{})
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	em, err := s.store.GetEmergency(ctx)
	if err != nil {
		return nil, err
	}
	if caller == (common.Address{}) || !em.CanAct(caller) {
		return nil, agent.ErrUnauthorized
	}
	if em.Paused == paused {
		return em, nil
	}

	now := s.now()
	em.Paused = paused
	em.Reason = reason
	if paused {
		count, err := agent.Add(em.PauseCount, 1)
		if err != nil {
			return nil, err
		}
		em.PauseCount = count
		em.PausedBy = caller
		em.PausedAt = now
	} else {
		em.PausedBy = common.Address{}
		em.PausedAt = time.Time{}
	}
	if err := s.store.Commit(ctx, &Mutation{Emergency: em}); err != nil {
		return nil, err
	}

	evt := EventUnpaused
	if paused {
		evt = EventPaused
	}
	s.log(ctx).Warn("protocol pause state changed", "paused", paused, "by", caller.Hex(), "reason", reason)
	s.emit(evt, caller, em)
	return em, nil
}

// Emergency returns the current pause state and roster.
func (s *Service) Emergency(ctx context.Context) (*Emergency, error) {
	return s.store.GetEmergency(ctx)
}

// Treasury returns the fee schedule and protocol counters.
func (s *Service) Treasury(ctx context.Context) (*treasury.Treasury, error) {
	return s.store.GetTreasury(ctx)
}

// QuoteFee returns the fee the current schedule charges on amount.
func (s *Service) QuoteFee(ctx context.Context, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, agent.ErrInvalidAmount
	}
	t, err := s.store.GetTreasury(ctx)
	if err != nil {
		return 0, err
	}
	return t.Fee(amount)
}
