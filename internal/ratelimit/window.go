// Package ratelimit bounds how often an agent may transact, and how often
// HTTP clients may call the API.
//
// State tracks two fixed windows per agent (one minute, one hour) plus a
// cooldown that starts when an accepted transaction fills either window.
package ratelimit

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
)

const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour

	DefaultMaxPerMinute = 10
	DefaultMaxPerHour   = 100
	DefaultCooldown     = time.Minute
)

// State is the per-agent transaction rate limiter.
type State struct {
	Agent             common.Address `json:"agent"`
	MaxPerMinute      uint32         `json:"maxPerMinute"`
	MaxPerHour        uint32         `json:"maxPerHour"`
	MinuteWindowStart time.Time      `json:"minuteWindowStart"`
	MinuteCount       uint32         `json:"minuteCount"`
	HourWindowStart   time.Time      `json:"hourWindowStart"`
	HourCount         uint32         `json:"hourCount"`
	InCooldown        bool           `json:"inCooldown"`
	CooldownStart     time.Time      `json:"cooldownStart"`
	Cooldown          time.Duration  `json:"cooldown"`
	TotalRateLimits   uint64         `json:"totalRateLimits"`
}

// Limits configures a State.
type Limits struct {
	MaxPerMinute uint32
	MaxPerHour   uint32
	Cooldown     time.Duration
}

// DefaultLimits returns the limits new agents start with.
func DefaultLimits() Limits {
	return Limits{
		MaxPerMinute: DefaultMaxPerMinute,
		MaxPerHour:   DefaultMaxPerHour,
		Cooldown:     DefaultCooldown,
	}
}

// Validate rejects limits that could never admit a transaction.
func (l Limits) Validate() error {
	if l.MaxPerMinute == 0 || l.MaxPerHour == 0 || l.MaxPerHour < l.MaxPerMinute || l.Cooldown < 0 {
		return agent.ErrInvalidRateLimitConfig
	}
	return nil
}

// NewState returns a limiter for addr with both windows opening at now.
func NewState(addr common.Address, limits Limits, now time.Time) *State {
	return &State{
		Agent:             addr,
		MaxPerMinute:      limits.MaxPerMinute,
		MaxPerHour:        limits.MaxPerHour,
		MinuteWindowStart: now,
		HourWindowStart:   now,
		Cooldown:          limits.Cooldown,
	}
}

// Clone returns a copy.
func (s *State) Clone() *State {
	cp := *s
	return &cp
}

// SetLimits replaces the configured limits without touching the windows.
func (s *State) SetLimits(limits Limits) {
	s.MaxPerMinute = limits.MaxPerMinute
	s.MaxPerHour = limits.MaxPerHour
	s.Cooldown = limits.Cooldown
}

// CanTransact advances the windows to now and reports whether another
// transaction is admitted. It rejects while a cooldown runs and while either
// window is full. The receiver is mutated either way; callers that need a
// side-effect-free check should call it on a Clone.
func (s *State) CanTransact(now time.Time) (bool, error) {
	if s.InCooldown {
		done, err := agent.WindowElapsed(s.CooldownStart, now, s.Cooldown)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		s.InCooldown = false
	}

	resetMinute, err := agent.WindowElapsed(s.MinuteWindowStart, now, MinuteWindow)
	if err != nil {
		return false, err
	}
	if resetMinute {
		s.MinuteWindowStart = now
		s.MinuteCount = 0
	}

	resetHour, err := agent.WindowElapsed(s.HourWindowStart, now, HourWindow)
	if err != nil {
		return false, err
	}
	if resetHour {
		s.HourWindowStart = now
		s.HourCount = 0
	}

	if s.full() {
		return false, nil
	}
	return true, nil
}

func (s *State) full() bool {
	return s.MinuteCount >= s.MaxPerMinute || s.HourCount >= s.MaxPerHour
}

// RecordTransaction counts an accepted transaction in both windows. The
// transaction that fills either window starts the cooldown at now and counts
// one rate-limit event.
func (s *State) RecordTransaction(now time.Time) error {
	if s.MinuteCount == ^uint32(0) || s.HourCount == ^uint32(0) {
		return agent.ErrNumericalOverflow
	}
	s.MinuteCount++
	s.HourCount++
	if !s.full() {
		return nil
	}
	total, err := agent.Add(s.TotalRateLimits, 1)
	if err != nil {
		return err
	}
	s.InCooldown = true
	s.CooldownStart = now
	s.TotalRateLimits = total
	return nil
}
