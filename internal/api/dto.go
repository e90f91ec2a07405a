package api

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/ledger"
	"github.com/0xedev/Buster-market/internal/models"
)

// Amounts are rendered as decimal strings of base units.

type marketResponse struct {
	ID                    uint64    `json:"id"`
	Question              string    `json:"question"`
	Options               []string  `json:"options"`
	Creator               string    `json:"creator"`
	CreatedAt             time.Time `json:"created_at"`
	EndTime               time.Time `json:"end_time"`
	State                 string    `json:"state"`
	Outcome               int       `json:"outcome,omitempty"`
	CancelReason          string    `json:"cancel_reason,omitempty"`
	ResolvedAt            time.Time `json:"resolved_at,omitzero"`
	TotalShares           []string  `json:"total_shares"`
	Pool                  string    `json:"pool"`
	Participants          int       `json:"participants"`
	PayoutIndex           int       `json:"payout_index"`
	WinnersCount          int       `json:"winners_count"`
	TotalWinnersCount     int       `json:"total_winners_count"`
	DistributedWinnings   string    `json:"distributed_winnings"`
	DistributionCompleted bool      `json:"distribution_completed"`
	Imported              bool      `json:"imported,omitempty"`
}

func newMarketResponse(m *models.Market, now time.Time) marketResponse {
	resp := marketResponse{
		ID:                    m.ID,
		Question:              m.Question,
		Options:               m.Options,
		Creator:               m.Creator,
		CreatedAt:             m.CreatedAt,
		EndTime:               m.EndTime,
		State:                 m.State(now).String(),
		CancelReason:          m.CancelReason,
		ResolvedAt:            m.ResolvedAt,
		TotalShares:           decimals(m.TotalShares),
		Pool:                  m.Pool().Dec(),
		Participants:          len(m.Participants),
		PayoutIndex:           m.PayoutIndex,
		WinnersCount:          m.WinnersCount,
		TotalWinnersCount:     m.TotalWinnersCount,
		DistributedWinnings:   m.DistributedWinnings.Dec(),
		DistributionCompleted: m.DistributionCompleted,
		Imported:              m.Imported,
	}
	if m.Outcome.IsOption(len(m.Options)) {
		resp.Outcome = int(m.Outcome)
	}
	return resp
}

type profileResponse struct {
	User                string    `json:"user"`
	TotalInvested       string    `json:"total_invested"`
	TotalWinnings       string    `json:"total_winnings"`
	TotalLosses         string    `json:"total_losses"`
	MarketsParticipated int       `json:"markets_participated"`
	MarketsWon          int       `json:"markets_won"`
	MarketsLost         int       `json:"markets_lost"`
	ActiveMarkets       int       `json:"active_markets"`
	ActiveMarketIDs     []uint64  `json:"active_market_ids"`
	VoteCount           uint64    `json:"vote_count"`
	FirstActivity       time.Time `json:"first_activity"`
	LastActivity        time.Time `json:"last_activity"`
}

func newProfileResponse(p models.UserProfile, active []uint64) profileResponse {
	if active == nil {
		active = []uint64{}
	}
	return profileResponse{
		User:                p.User,
		TotalInvested:       p.TotalInvested.Dec(),
		TotalWinnings:       p.TotalWinnings.Dec(),
		TotalLosses:         p.TotalLosses.Dec(),
		MarketsParticipated: p.MarketsParticipated,
		MarketsWon:          p.MarketsWon,
		MarketsLost:         p.MarketsLost,
		ActiveMarkets:       p.ActiveMarkets,
		ActiveMarketIDs:     active,
		VoteCount:           p.VoteCount,
		FirstActivity:       p.FirstActivity,
		LastActivity:        p.LastActivity,
	}
}

type activityResponse struct {
	MarketID      uint64    `json:"market_id"`
	Invested      []string  `json:"invested"`
	TotalInvested string    `json:"total_invested"`
	Winnings      string    `json:"winnings"`
	HasWon        bool      `json:"has_won"`
	HasClaimed    bool      `json:"has_claimed"`
	CreatedAt     time.Time `json:"created_at"`
}

func newActivityResponse(a models.UserMarketActivity) activityResponse {
	return activityResponse{
		MarketID:      a.MarketID,
		Invested:      decimals(a.Invested),
		TotalInvested: a.TotalInvested.Dec(),
		Winnings:      a.Winnings.Dec(),
		HasWon:        a.HasWon,
		HasClaimed:    a.HasClaimed,
		CreatedAt:     a.CreatedAt,
	}
}

type userMarketResponse struct {
	activityResponse
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	State      string   `json:"state"`
	Outcome    int      `json:"outcome,omitempty"`
	LiveShares []string `json:"live_shares"`
	Claimed    bool     `json:"claimed"`
}

func newUserMarketResponse(d ledger.UserMarketDetail) userMarketResponse {
	resp := userMarketResponse{
		activityResponse: newActivityResponse(d.Activity),
		Question:         d.Question,
		Options:          d.Options,
		State:            d.State.String(),
		LiveShares:       decimals(d.LiveShares),
		Claimed:          d.Claimed,
	}
	if d.Outcome.IsOption(len(d.Options)) {
		resp.Outcome = int(d.Outcome)
	}
	return resp
}

type voteResponse struct {
	ID        string    `json:"id"`
	MarketID  uint64    `json:"market_id"`
	Option    int       `json:"option"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type leaderboardEntry struct {
	Rank          int    `json:"rank"`
	User          string `json:"user"`
	TotalWinnings string `json:"total_winnings"`
	VoteCount     uint64 `json:"vote_count"`
}

type voterResponse struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

type progressResponse struct {
	MarketID         uint64 `json:"market_id"`
	Participants     int    `json:"participants"`
	Processed        int    `json:"processed"`
	ProcessedPercent int    `json:"processed_percent"`
	TotalWinners     int    `json:"total_winners"`
	WinnersProcessed int    `json:"winners_processed"`
	WinnersPercent   int    `json:"winners_percent"`
	BatchSize        int    `json:"batch_size"`
	RemainingBatches int    `json:"remaining_batches"`
	Distributed      string `json:"distributed"`
	Completed        bool   `json:"completed"`
}

func newProgressResponse(p ledger.Progress) progressResponse {
	return progressResponse{
		MarketID:         p.MarketID,
		Participants:     p.Participants,
		Processed:        p.Processed,
		ProcessedPercent: p.ProcessedPercent,
		TotalWinners:     p.TotalWinners,
		WinnersProcessed: p.WinnersProcessed,
		WinnersPercent:   p.WinnersPercent,
		BatchSize:        p.BatchSize,
		RemainingBatches: p.RemainingBatches,
		Distributed:      p.Distributed.Dec(),
		Completed:        p.Completed,
	}
}

type batchResponse struct {
	MarketID  uint64 `json:"market_id"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Winners   int    `json:"winners"`
	Losers    int    `json:"losers"`
	Skipped   int    `json:"skipped"`
	Paid      string `json:"paid"`
	Completed bool   `json:"completed"`
}

func newBatchResponse(b ledger.BatchResult) batchResponse {
	paid := "0"
	if b.Paid != nil {
		paid = b.Paid.Dec()
	}
	return batchResponse{
		MarketID:  b.MarketID,
		From:      b.From,
		To:        b.To,
		Winners:   b.Winners,
		Losers:    b.Losers,
		Skipped:   b.Skipped,
		Paid:      paid,
		Completed: b.Completed,
	}
}

type accountResponse struct {
	Account   string `json:"account"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
	Nonce     uint64 `json:"nonce"`
}

func decimals(xs []uint256.Int) []string {
	out := make([]string, len(xs))
	for i := range xs {
		out[i] = xs[i].Dec()
	}
	return out
}
