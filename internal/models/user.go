package models

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
)

// UserProfile aggregates a user's lifetime activity across all markets.
type UserProfile struct {
	User                string
	TotalInvested       uint256.Int
	TotalWinnings       uint256.Int
	TotalLosses         uint256.Int
	MarketsParticipated int
	MarketsWon          int
	MarketsLost         int
	ActiveMarkets       int
	VoteCount           uint64
	FirstActivity       time.Time
	LastActivity        time.Time
}

// UserMarketActivity is the per-(user, market) record. It is terminal once HasClaimed is set.
type UserMarketActivity struct {
	User          string
	MarketID      uint64
	Invested      []uint256.Int
	TotalInvested uint256.Int
	Winnings      uint256.Int
	HasWon        bool
	HasClaimed    bool
	CreatedAt     time.Time
}

// Vote is an immutable stake history entry.
type Vote struct {
	ID        string
	User      string
	MarketID  uint64
	Option    int
	Amount    uint256.Int
	Timestamp time.Time
}

// Validate checks profile counters for internal consistency.
func (p *UserProfile) Validate() error {
	if p.User == "" {
		return errors.New("profile user must not be empty")
	}
	if p.MarketsWon+p.MarketsLost > p.MarketsParticipated {
		return errors.New("settled markets exceed participated markets")
	}
	if p.ActiveMarkets < 0 || p.ActiveMarkets > p.MarketsParticipated {
		return errors.New("active market count out of range")
	}
	if !p.FirstActivity.IsZero() && p.LastActivity.Before(p.FirstActivity) {
		return errors.New("last activity must not precede first activity")
	}
	return nil
}

// Validate checks that the per-option amounts add up to the recorded total.
func (a *UserMarketActivity) Validate() error {
	if a.User == "" {
		return errors.New("activity user must not be empty")
	}
	if a.MarketID == 0 {
		return errors.New("activity market ID must not be zero")
	}
	sum := new(uint256.Int)
	for i := range a.Invested {
		sum.Add(sum, &a.Invested[i])
	}
	if !sum.Eq(&a.TotalInvested) {
		return errors.New("per-option investments do not sum to total invested")
	}
	if a.HasWon && !a.HasClaimed {
		return errors.New("activity cannot be won before it is claimed")
	}
	return nil
}
