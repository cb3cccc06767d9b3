// Package stats aggregates per-agent activity counters.
package stats

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/agent"
)

// LimitKind names which cap a failed attempt ran into.
type LimitKind string

const (
	LimitDaily       LimitKind = "daily"
	LimitTransaction LimitKind = "transaction"
)

// Stats is the running aggregate for one agent.
type Stats struct {
	Agent                  common.Address `json:"agent"`
	SuccessfulTransactions uint64         `json:"successfulTransactions"`
	FailedTransactions     uint64         `json:"failedTransactions"`
	TotalTransfers         uint64         `json:"totalTransfers"`
	TotalSwaps             uint64         `json:"totalSwaps"`
	TotalNFTs              uint64         `json:"totalNfts"`
	TotalStaking           uint64         `json:"totalStaking"`
	TotalGovernance        uint64         `json:"totalGovernance"`
	TotalDeFi              uint64         `json:"totalDefi"`
	AvgTransactionSize     uint64         `json:"avgTransactionSize"`
	LargestTransaction     uint64         `json:"largestTransaction"`
	DailyLimitHits         uint64         `json:"dailyLimitHits"`
	TxLimitHits            uint64         `json:"txLimitHits"`
	LastActivity           time.Time      `json:"lastActivity,omitempty"`
	LongestInactivePeriod  time.Duration  `json:"longestInactivePeriod"`
	UniqueDestinations     uint32         `json:"uniqueDestinations"`

	Destinations map[common.Address]struct{} `json:"-"`
}

// New returns empty stats for addr.
func New(addr common.Address) *Stats {
	return &Stats{Agent: addr, Destinations: make(map[common.Address]struct{})}
}

// Clone returns a deep copy.
func (s *Stats) Clone() *Stats {
	cp := *s
	cp.Destinations = make(map[common.Address]struct{}, len(s.Destinations))
	for d := range s.Destinations {
		cp.Destinations[d] = struct{}{}
	}
	return &cp
}

// bucket returns the category counter for c, or nil for categories that are
// not tracked separately.
func (s *Stats) bucket(c agent.Category) *uint64 {
	switch c {
	case agent.CategoryTransfer:
		return &s.TotalTransfers
	case agent.CategorySwap:
		return &s.TotalSwaps
	case agent.CategoryNFTOperation:
		return &s.TotalNFTs
	case agent.CategoryStaking:
		return &s.TotalStaking
	case agent.CategoryGovernance:
		return &s.TotalGovernance
	case agent.CategoryDeFiInteraction:
		return &s.TotalDeFi
	}
	return nil
}

// RecordTransaction folds one attempt into the aggregate. dest may be the
// zero address. On error s is unchanged.
func (s *Stats) RecordTransaction(amount uint64, success bool, category agent.Category, dest common.Address, now time.Time) error {
	next := s.Clone()
	if err := next.record(amount, success, category, dest, now); err != nil {
		return err
	}
	*s = *next
	return nil
}

func (s *Stats) record(amount uint64, success bool, category agent.Category, dest common.Address, now time.Time) error {
	if !s.LastActivity.IsZero() {
		if gap := now.Sub(s.LastActivity); gap > s.LongestInactivePeriod {
			s.LongestInactivePeriod = gap
		}
	}
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}

	if !success {
		n, err := agent.Add(s.FailedTransactions, 1)
		if err != nil {
			return err
		}
		s.FailedTransactions = n
		return nil
	}

	n, err := agent.Add(s.SuccessfulTransactions, 1)
	if err != nil {
		return err
	}
	s.SuccessfulTransactions = n

	if b := s.bucket(category); b != nil {
		v, err := agent.Add(*b, amount)
		if err != nil {
			return err
		}
		*b = v
	}
	s.LargestTransaction = max(s.LargestTransaction, amount)

	sum, err := s.bucketSum()
	if err != nil {
		return err
	}
	s.AvgTransactionSize = sum / s.SuccessfulTransactions

	if dest != (common.Address{}) {
		if _, seen := s.Destinations[dest]; !seen {
			if s.UniqueDestinations == ^uint32(0) {
				return agent.ErrNumericalOverflow
			}
			s.Destinations[dest] = struct{}{}
			s.UniqueDestinations++
		}
	}
	return nil
}

func (s *Stats) bucketSum() (uint64, error) {
	var sum uint64
	for _, v := range []uint64{s.TotalTransfers, s.TotalSwaps, s.TotalNFTs, s.TotalStaking, s.TotalGovernance, s.TotalDeFi} {
		var err error
		if sum, err = agent.Add(sum, v); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

// RecordLimitHit counts an attempt that ran into a cap.
func (s *Stats) RecordLimitHit(kind LimitKind) error {
	var counter *uint64
	switch kind {
	case LimitDaily:
		counter = &s.DailyLimitHits
	case LimitTransaction:
		counter = &s.TxLimitHits
	default:
		return nil
	}
	v, err := agent.Add(*counter, 1)
	if err != nil {
		return err
	}
	*counter = v
	return nil
}

// LimitKindFor maps a rejection code to the cap it represents.
func LimitKindFor(code string) (LimitKind, bool) {
	switch code {
	case agent.ErrExceedsDailyLimit.Code:
		return LimitDaily, true
	case agent.ErrExceedsTransactionLimit.Code:
		return LimitTransaction, true
	}
	return "", false
}
