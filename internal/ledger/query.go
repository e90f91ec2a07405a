package ledger

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// LeaderboardEntry is one row of the global participant registry.
type LeaderboardEntry struct {
	Rank          int
	User          string
	TotalWinnings uint256.Int
	VoteCount     uint64
}

// VoterStake is a participant's live stake on one option.
type VoterStake struct {
	User   string
	Amount uint256.Int
}

// Progress reports how far the distribution of a market has advanced.
type Progress struct {
	MarketID         uint64
	Participants     int
	Processed        int
	ProcessedPercent int
	TotalWinners     int
	WinnersProcessed int
	WinnersPercent   int
	BatchSize        int
	RemainingBatches int
	Distributed      uint256.Int
	Completed        bool
}

// UserMarketDetail joins a user's activity record with the market it belongs to.
type UserMarketDetail struct {
	Activity   models.UserMarketActivity
	Question   string
	Options    []string
	State      models.MarketState
	Outcome    models.Outcome
	LiveShares []uint256.Int
	Claimed    bool
}

// page clamps offset and limit to a collection of length n.
func page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	if limit <= 0 {
		return offset, offset
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if limit > n-offset {
		limit = n - offset
	}
	return offset, offset + limit
}

// MarketCount returns the number of markets ever created.
func (l *Ledger) MarketCount() int {
	l.arenaMu.RLock()
	defer l.arenaMu.RUnlock()
	return len(l.markets)
}

// Market returns a copy of the market.
func (l *Ledger) Market(id uint64) (*models.Market, error) {
	s, err := l.slot(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Clone(), nil
}

// Markets returns copies of markets in ID order.
func (l *Ledger) Markets(offset, limit int) []*models.Market {
	all := l.slots()
	from, to := page(len(all), offset, limit)
	out := make([]*models.Market, 0, to-from)
	for _, s := range all[from:to] {
		s.mu.Lock()
		out = append(out, s.m.Clone())
		s.mu.Unlock()
	}
	return out
}

// State returns the lifecycle stage of a market now.
func (l *Ledger) State(id uint64) (models.MarketState, error) {
	s, err := l.slot(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.State(l.now()), nil
}

// Leaderboard returns a page of the registry in registration order.
func (l *Ledger) Leaderboard(offset, limit int) []LeaderboardEntry {
	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	from, to := page(len(l.users.registry), offset, limit)
	out := make([]LeaderboardEntry, 0, to-from)
	for i, u := range l.users.registry[from:to] {
		us := l.users.get(u)
		out = append(out, LeaderboardEntry{
			Rank:          from + i + 1,
			User:          u,
			TotalWinnings: us.profile.TotalWinnings,
			VoteCount:     us.profile.VoteCount,
		})
	}
	return out
}

// UserCount returns the size of the participant registry.
func (l *Ledger) UserCount() int {
	l.usersMu.Lock()
	defer l.usersMu.Unlock()
	return len(l.users.registry)
}

// VoteHistory returns a page of the user's stake log. Unlike the other views an offset
// past the end of a non-empty log is an error.
func (l *Ledger) VoteHistory(user string, offset, limit int) ([]models.Vote, error) {
	user = vault.Normalize(user)
	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	us := l.users.get(user)
	if us == nil {
		return []models.Vote{}, nil
	}
	if offset < 0 || (offset > 0 && offset >= len(us.votes)) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOffsetOutOfBounds, offset, len(us.votes))
	}
	from, to := page(len(us.votes), offset, limit)
	return append([]models.Vote{}, us.votes[from:to]...), nil
}

// VotersByOption returns a page of participants holding live stake on option, along with
// the total number of such participants.
func (l *Ledger) VotersByOption(id uint64, option, offset, limit int) ([]VoterStake, int, error) {
	s, err := l.slot(id)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.m
	if option < 0 || option >= len(m.Options) {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidOption, option)
	}

	total := 0
	for _, p := range m.Participants {
		if !m.UserShares[p][option].IsZero() {
			total++
		}
	}
	from, to := page(total, offset, limit)
	out := make([]VoterStake, 0, to-from)
	seen := 0
	for _, p := range m.Participants {
		if len(out) == to-from {
			break
		}
		amt := &m.UserShares[p][option]
		if amt.IsZero() {
			continue
		}
		if seen >= from {
			out = append(out, VoterStake{User: p, Amount: *amt})
		}
		seen++
	}
	return out, total, nil
}

// DistributionProgress reports cursor position and the estimated number of batches left
// at the ledger's progress batch size.
func (l *Ledger) DistributionProgress(id uint64) (Progress, error) {
	s, err := l.slot(id)
	if err != nil {
		return Progress{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.m
	p := Progress{
		MarketID:         id,
		Participants:     len(m.Participants),
		Processed:        m.PayoutIndex,
		TotalWinners:     m.TotalWinnersCount,
		WinnersProcessed: m.WinnersCount,
		BatchSize:        l.progressBatch,
		Distributed:      m.DistributedWinnings,
		Completed:        m.DistributionCompleted,
	}
	if p.Participants > 0 {
		p.ProcessedPercent = p.Processed * 100 / p.Participants
	} else if p.Completed {
		p.ProcessedPercent = 100
	}
	if p.TotalWinners > 0 {
		p.WinnersPercent = p.WinnersProcessed * 100 / p.TotalWinners
	}
	if !p.Completed {
		remaining := p.Participants - p.Processed
		p.RemainingBatches = (remaining + l.progressBatch - 1) / l.progressBatch
	}
	return p, nil
}

// Profile returns a copy of the user's lifetime profile.
func (l *Ledger) Profile(user string) (models.UserProfile, bool) {
	user = vault.Normalize(user)
	l.usersMu.Lock()
	defer l.usersMu.Unlock()
	us := l.users.get(user)
	if us == nil {
		return models.UserProfile{}, false
	}
	return us.profile, true
}

// UserMarkets returns a page of the user's activity records in participation order.
func (l *Ledger) UserMarkets(user string, offset, limit int) []models.UserMarketActivity {
	user = vault.Normalize(user)
	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	us := l.users.get(user)
	if us == nil {
		return []models.UserMarketActivity{}
	}
	from, to := page(len(us.activities), offset, limit)
	out := make([]models.UserMarketActivity, 0, to-from)
	for _, a := range us.activities[from:to] {
		out = append(out, copyActivity(a))
	}
	return out
}

// ActiveMarkets returns the IDs of markets the user has not been settled in yet.
func (l *Ledger) ActiveMarkets(user string) []uint64 {
	user = vault.Normalize(user)
	l.usersMu.Lock()
	defer l.usersMu.Unlock()
	us := l.users.get(user)
	if us == nil {
		return []uint64{}
	}
	return append([]uint64{}, us.active...)
}

// UserMarket joins the user's activity in one market with the market itself.
func (l *Ledger) UserMarket(user string, id uint64) (UserMarketDetail, error) {
	user = vault.Normalize(user)
	s, err := l.slot(id)
	if err != nil {
		return UserMarketDetail{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	m := s.m
	d := UserMarketDetail{
		Question:   m.Question,
		Options:    append([]string(nil), m.Options...),
		State:      m.State(l.now()),
		Outcome:    m.Outcome,
		LiveShares: make([]uint256.Int, len(m.Options)),
		Claimed:    m.Claimed[user],
	}
	copy(d.LiveShares, m.UserShares[user])
	if us := l.users.get(user); us != nil {
		if a := us.activity(id); a != nil {
			d.Activity = copyActivity(a)
			return d, nil
		}
	}
	d.Activity = models.UserMarketActivity{User: user, MarketID: id, Invested: make([]uint256.Int, len(m.Options))}
	return d, nil
}
