// Package models defines the core ledger entities: markets, user profiles, per-market
// activity records, votes and lifecycle events.
package models

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

const (
	MinOptions = 2
	MaxOptions = 5
)

// Outcome is the resolution marker of a market. Concrete options are 1-based.
type Outcome uint8

const (
	OutcomeUnresolved Outcome = 0
	OutcomeCancelled  Outcome = math.MaxUint8
)

// Index returns the 0-based option index of a concrete outcome.
func (o Outcome) Index() int {
	return int(o) - 1
}

// IsOption reports whether o names one of n options.
func (o Outcome) IsOption(n int) bool {
	return o >= 1 && int(o) <= n && o != OutcomeCancelled
}

// MarketState is the lifecycle stage of a market at a given instant.
type MarketState int

const (
	StateActive MarketState = iota
	StateEnded
	StateResolved
	StateCancelled
)

func (s MarketState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Market is a single question with 2..5 mutually exclusive options.
// TotalShares and every UserShares vector are indexed by option.
type Market struct {
	ID        uint64
	Question  string
	Options   []string
	Creator   string
	EndTime   time.Time
	CreatedAt time.Time

	Outcome      Outcome
	Resolved     bool
	Cancelled    bool
	CancelReason string
	ResolvedAt   time.Time

	TotalShares  []uint256.Int
	Participants []string
	UserShares   map[string][]uint256.Int
	Claimed      map[string]bool

	PayoutIndex           int
	WinnersCount          int
	TotalWinnersCount     int
	DistributedWinnings   uint256.Int
	DistributionCompleted bool

	Imported bool
}

// NewMarket returns a market with zeroed share totals.
func NewMarket(id uint64, question string, options []string, creator string, createdAt, endTime time.Time) *Market {
	opts := make([]string, len(options))
	copy(opts, options)
	return &Market{
		ID:          id,
		Question:    question,
		Options:     opts,
		Creator:     creator,
		CreatedAt:   createdAt,
		EndTime:     endTime,
		TotalShares: make([]uint256.Int, len(options)),
		UserShares:  make(map[string][]uint256.Int),
		Claimed:     make(map[string]bool),
	}
}

// State derives the lifecycle stage at now.
func (m *Market) State(now time.Time) MarketState {
	switch {
	case m.Cancelled:
		return StateCancelled
	case m.Resolved:
		return StateResolved
	case now.Before(m.EndTime):
		return StateActive
	default:
		return StateEnded
	}
}

// HasParticipant reports whether user has ever staked in the market.
func (m *Market) HasParticipant(user string) bool {
	_, ok := m.UserShares[user]
	return ok
}

// StakeOf returns the user's live stake summed over all options.
func (m *Market) StakeOf(user string) *uint256.Int {
	total := new(uint256.Int)
	for i := range m.UserShares[user] {
		total.Add(total, &m.UserShares[user][i])
	}
	return total
}

// OptionStake returns the user's live stake on a single option.
func (m *Market) OptionStake(user string, option int) *uint256.Int {
	shares, ok := m.UserShares[user]
	if !ok || option < 0 || option >= len(shares) {
		return new(uint256.Int)
	}
	return shares[option].Clone()
}

// Pool returns the sum of all option totals.
func (m *Market) Pool() *uint256.Int {
	total := new(uint256.Int)
	for i := range m.TotalShares {
		total.Add(total, &m.TotalShares[i])
	}
	return total
}

// Clone returns a deep copy that shares no mutable state with m.
func (m *Market) Clone() *Market {
	c := *m
	c.Options = append([]string(nil), m.Options...)
	c.TotalShares = append([]uint256.Int(nil), m.TotalShares...)
	c.Participants = append([]string(nil), m.Participants...)
	c.UserShares = make(map[string][]uint256.Int, len(m.UserShares))
	for u, s := range m.UserShares {
		c.UserShares[u] = append([]uint256.Int(nil), s...)
	}
	c.Claimed = make(map[string]bool, len(m.Claimed))
	for u, v := range m.Claimed {
		c.Claimed[u] = v
	}
	return &c
}

// ValidateDefinition checks the creation-time fields of a market.
func ValidateDefinition(question string, options []string, duration time.Duration) error {
	if duration <= 0 {
		return errors.New("duration must be positive")
	}
	return ValidateOptions(question, options)
}

// ValidateOptions checks the question and option labels of a market.
func ValidateOptions(question string, options []string) error {
	if strings.TrimSpace(question) == "" {
		return errors.New("question must not be empty")
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return errors.New("market must have between 2 and 5 options")
	}
	for _, o := range options {
		if strings.TrimSpace(o) == "" {
			return errors.New("options must not be empty")
		}
	}
	return nil
}

// Validate checks structural consistency of a market record.
func (m *Market) Validate() error {
	if m.ID == 0 {
		return errors.New("market ID must not be zero")
	}
	if strings.TrimSpace(m.Question) == "" {
		return errors.New("question must not be empty")
	}
	if len(m.Options) < MinOptions || len(m.Options) > MaxOptions {
		return errors.New("market must have between 2 and 5 options")
	}
	if len(m.TotalShares) != len(m.Options) {
		return errors.New("share totals must match option count")
	}
	if m.Resolved && m.Cancelled {
		return errors.New("market cannot be both resolved and cancelled")
	}
	if m.Resolved && !m.Outcome.IsOption(len(m.Options)) {
		return errors.New("resolved market must have a concrete outcome")
	}
	if m.Cancelled && m.Outcome != OutcomeCancelled {
		return errors.New("cancelled market must carry the cancelled outcome")
	}
	if m.PayoutIndex < 0 || m.PayoutIndex > len(m.Participants) {
		return errors.New("payout index out of range")
	}
	if len(m.UserShares) != len(m.Participants) {
		return errors.New("participant list and share table disagree")
	}
	for _, p := range m.Participants {
		shares, ok := m.UserShares[p]
		if !ok {
			return errors.New("participant without share vector: " + p)
		}
		if len(shares) != len(m.Options) {
			return errors.New("share vector length mismatch for " + p)
		}
	}
	return nil
}
