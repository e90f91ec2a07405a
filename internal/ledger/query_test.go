package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage(t *testing.T) {
	tests := []struct {
		n, offset, limit int
		from, to         int
	}{
		{0, 0, 10, 0, 0},
		{5, 0, 10, 0, 5},
		{5, 2, 2, 2, 4},
		{5, 9, 2, 5, 5},
		{5, -3, 2, 0, 2},
		{5, 1, 0, 1, 1},
		{5000, 0, 5000, 0, MaxPageSize},
	}
	for _, tt := range tests {
		from, to := page(tt.n, tt.offset, tt.limit)
		assert.Equal(t, tt.from, from, "page(%d,%d,%d) from", tt.n, tt.offset, tt.limit)
		assert.Equal(t, tt.to, to, "page(%d,%d,%d) to", tt.n, tt.offset, tt.limit)
	}
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.l.Leaderboard(0, 10))

	id := f.market()
	f.stake("carol", id, 0, 10)
	f.stake("alice", id, 1, 30)
	f.stake("bob", id, 0, 20)
	f.stake("carol", id, 0, 5)
	f.expire()
	require.NoError(t, f.l.Resolve(f.ctx, owner, id, 1))
	_, err := f.l.DistributeBatch(f.ctx, owner, id, 10)
	require.NoError(t, err)

	board := f.l.Leaderboard(0, 10)
	require.Len(t, board, 3)
	assert.Equal(t, []string{"carol", "alice", "bob"}, []string{board[0].User, board[1].User, board[2].User},
		"registry keeps registration order")
	assert.Equal(t, uint64(2), board[0].VoteCount)
	// ratio = 30e18/35 floored; carol 15+12, bob 20+17.
	assert.Equal(t, uint64(27), board[0].TotalWinnings.Uint64())
	assert.True(t, board[1].TotalWinnings.IsZero())
	assert.Equal(t, uint64(37), board[2].TotalWinnings.Uint64())

	tail := f.l.Leaderboard(2, 10)
	require.Len(t, tail, 1)
	assert.Equal(t, 3, tail[0].Rank)
	assert.Empty(t, f.l.Leaderboard(7, 10), "offsets past the end clamp")
	assert.Equal(t, 3, f.l.UserCount())
}

func TestVoteHistoryBounds(t *testing.T) {
	f := newFixture(t)
	id := f.market()

	votes, err := f.l.VoteHistory("nobody", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, votes)

	for i := 0; i < 3; i++ {
		f.stake("alice", id, i%2, uint64(i+1))
	}
	votes, err = f.l.VoteHistory("alice", 1, 10)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, uint64(2), votes[0].Amount.Uint64())

	_, err = f.l.VoteHistory("alice", 3, 10)
	assert.ErrorIs(t, err, ErrOffsetOutOfBounds)
	_, err = f.l.VoteHistory("alice", -1, 10)
	assert.ErrorIs(t, err, ErrOffsetOutOfBounds)
}

func TestVotersByOption(t *testing.T) {
	f := newFixture(t)
	id := f.market("A", "B", "C")
	for i := 0; i < 7; i++ {
		f.stake(userName(i), id, i%2, uint64(i+1))
	}

	voters, total, err := f.l.VotersByOption(id, 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, voters, 4)
	assert.Equal(t, userName(6), voters[3].User)
	assert.Equal(t, uint64(7), voters[3].Amount.Uint64())

	voters, total, err = f.l.VotersByOption(id, 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, voters, 2)
	assert.Equal(t, []string{userName(3), userName(5)}, []string{voters[0].User, voters[1].User})

	voters, total, err = f.l.VotersByOption(id, 2, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, voters)

	voters, _, err = f.l.VotersByOption(id, 0, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, voters)

	_, _, err = f.l.VotersByOption(id, 3, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestUserViews(t *testing.T) {
	f := newFixture(t)
	first := f.market()
	second := f.market("X", "Y", "Z")
	f.stake("alice", first, 0, 4)
	f.stake("alice", second, 2, 6)

	assert.ElementsMatch(t, []uint64{first, second}, f.l.ActiveMarkets("alice"))
	assert.Empty(t, f.l.ActiveMarkets("bob"))

	feed := f.l.UserMarkets("alice", 0, 10)
	require.Len(t, feed, 2)
	assert.Equal(t, first, feed[0].MarketID)
	assert.Equal(t, uint64(6), feed[1].Invested[2].Uint64())
	assert.Len(t, f.l.UserMarkets("alice", 1, 10), 1)
	assert.Empty(t, f.l.UserMarkets("alice", 5, 10))

	d, err := f.l.UserMarket("alice", second)
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y", "Z"}, d.Options)
	assert.Equal(t, uint64(6), d.LiveShares[2].Uint64())
	assert.False(t, d.Claimed)

	d, err = f.l.UserMarket("bob", second)
	require.NoError(t, err)
	assert.True(t, d.Activity.TotalInvested.IsZero())
	assert.Len(t, d.Activity.Invested, 3)

	_, err = f.l.UserMarket("alice", 99)
	assert.ErrorIs(t, err, ErrMarketNotFound)

	markets := f.l.Markets(0, 10)
	require.Len(t, markets, 2)
	assert.Equal(t, second, markets[1].ID)
}
