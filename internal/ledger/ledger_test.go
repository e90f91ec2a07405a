package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

const (
	owner  = "owner"
	escrow = "escrow"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	vault  *vault.Vault
	bank   Bank
	access *access.Registry
	clock  *clock
	events *recorder
	l      *Ledger
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithBank(t, nil)
}

// newFixtureWithBank lets a test wrap the escrow.
func newFixtureWithBank(t *testing.T, wrap func(Bank) Bank) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		vault:  vault.New(),
		access: access.NewRegistry(owner),
		clock:  &clock{t: time.Unix(1_700_000_000, 0)},
		events: &recorder{},
	}
	f.bank = f.vault.Escrow(escrow)
	if wrap != nil {
		f.bank = wrap(f.bank)
	}
	f.l = New(f.bank, f.access, f.events, Config{Now: f.clock.Now})
	return f
}

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

// fund mints amount to user and approves the escrow for all of it.
func (f *fixture) fund(user string, amount uint64) {
	f.t.Helper()
	require.NoError(f.t, f.vault.Mint(user, u(amount)))
	require.NoError(f.t, f.vault.Approve(user, escrow, f.vault.BalanceOf(user)))
}

func (f *fixture) market(options ...string) uint64 {
	f.t.Helper()
	if len(options) == 0 {
		options = []string{"A", "B"}
	}
	id, err := f.l.CreateMarket(f.ctx, owner, "Will it happen?", options, 100*time.Second)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) stake(user string, id uint64, option int, amount uint64) {
	f.t.Helper()
	f.fund(user, amount)
	require.NoError(f.t, f.l.Stake(f.ctx, user, id, option, u(amount)))
}

func (f *fixture) expire() {
	f.clock.Advance(101 * time.Second)
}

func (f *fixture) balance(user string) uint64 {
	return f.vault.BalanceOf(user).Uint64()
}

// checkShareInvariant asserts that every option total equals the sum of recorded
// investments, and equals the sum of live shares while nobody has been settled.
func (f *fixture) checkShareInvariant() {
	f.t.Helper()
	snap := f.l.Snapshot()
	invested := make(map[uint64][]uint256.Int)
	for _, r := range snap.Users {
		for _, a := range r.Activities {
			if invested[a.MarketID] == nil {
				invested[a.MarketID] = make([]uint256.Int, len(a.Invested))
			}
			for i := range a.Invested {
				invested[a.MarketID][i].Add(&invested[a.MarketID][i], &a.Invested[i])
			}
		}
	}
	for _, m := range snap.Markets {
		live := make([]uint256.Int, len(m.Options))
		for _, p := range m.Participants {
			for i := range live {
				live[i].Add(&live[i], &m.UserShares[p][i])
			}
		}
		for i := range m.TotalShares {
			want := new(uint256.Int)
			if invested[m.ID] != nil {
				want = &invested[m.ID][i]
			}
			assert.True(f.t, m.TotalShares[i].Eq(want), "market %d option %d: total %s, invested %s",
				m.ID, i, m.TotalShares[i].Dec(), want.Dec())
			if m.PayoutIndex == 0 {
				assert.True(f.t, m.TotalShares[i].Eq(&live[i]), "market %d option %d: total %s, live %s",
					m.ID, i, m.TotalShares[i].Dec(), live[i].Dec())
			}
		}
	}
}

func TestCreateMarket(t *testing.T) {
	f := newFixture(t)

	id := f.market("A", "B", "C")
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, uint64(2), f.market())

	m, err := f.l.Market(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, m.Options)
	assert.Len(t, m.TotalShares, 3)
	assert.Equal(t, f.clock.Now().Add(100*time.Second), m.EndTime)
	assert.Equal(t, []models.EventType{models.EventMarketCreated, models.EventMarketCreated}, f.events.types())
}

func TestCreateMarketValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		caller   string
		question string
		options  []string
		duration time.Duration
		wantErr  error
	}{
		{"no capability", "alice", "Q?", []string{"A", "B"}, time.Minute, ErrUnauthorized},
		{"zero duration", owner, "Q?", []string{"A", "B"}, 0, ErrInvalidMarket},
		{"blank question", owner, "  ", []string{"A", "B"}, time.Minute, ErrInvalidMarket},
		{"one option", owner, "Q?", []string{"A"}, time.Minute, ErrInvalidMarket},
		{"six options", owner, "Q?", []string{"A", "B", "C", "D", "E", "F"}, time.Minute, ErrInvalidMarket},
		{"blank option", owner, "Q?", []string{"A", ""}, time.Minute, ErrInvalidMarket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.l.CreateMarket(f.ctx, tt.caller, tt.question, tt.options, tt.duration)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, f.l.MarketCount())

	require.NoError(t, f.access.Grant(owner, access.CapCreate, "alice"))
	_, err := f.l.CreateMarket(f.ctx, "alice", "Q?", []string{"A", "B"}, time.Minute)
	assert.NoError(t, err)
}

func TestStakeRecordsPosition(t *testing.T) {
	f := newFixture(t)
	id := f.market("A", "B", "C")

	f.stake("alice", id, 0, 100)
	f.stake("alice", id, 2, 50)
	f.stake("bob", id, 2, 25)

	m, err := f.l.Market(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, m.Participants, "participants keep first-stake order")
	assert.Equal(t, uint64(100), m.TotalShares[0].Uint64())
	assert.Equal(t, uint64(75), m.TotalShares[2].Uint64())
	assert.Equal(t, uint64(150), m.StakeOf("alice").Uint64())
	assert.Equal(t, uint64(175), f.balance(escrow))

	p, ok := f.l.Profile("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(150), p.TotalInvested.Uint64())
	assert.Equal(t, 1, p.MarketsParticipated)
	assert.Equal(t, 1, p.ActiveMarkets)
	assert.Equal(t, uint64(2), p.VoteCount)

	votes, err := f.l.VoteHistory("alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, 2, votes[1].Option)
	assert.Equal(t, uint64(50), votes[1].Amount.Uint64())

	f.checkShareInvariant()
}

func TestStakeRejections(t *testing.T) {
	f := newFixture(t)
	id := f.market()
	f.fund("alice", 10)

	assert.ErrorIs(t, f.l.Stake(f.ctx, "alice", id, 0, u(0)), ErrZeroAmount)
	assert.ErrorIs(t, f.l.Stake(f.ctx, "alice", id, 2, u(1)), ErrInvalidOption)
	assert.ErrorIs(t, f.l.Stake(f.ctx, "alice", id, -1, u(1)), ErrInvalidOption)
	assert.ErrorIs(t, f.l.Stake(f.ctx, "alice", 99, 0, u(1)), ErrMarketNotFound)
	assert.ErrorIs(t, f.l.Stake(f.ctx, "", id, 0, u(1)), ErrInvalidUser)
	assert.ErrorIs(t, f.l.Stake(f.ctx, "alice", id, 0, u(11)), ErrTransferFailed)

	f.expire()
	err := f.l.Stake(f.ctx, "alice", id, 0, u(1))
	assert.ErrorIs(t, err, ErrTradingEnded)
	assert.EqualError(t, err, "market trading period has ended")

	m, err := f.l.Market(id)
	require.NoError(t, err)
	assert.Empty(t, m.Participants)
	assert.Equal(t, uint64(10), f.balance("alice"))
	_, ok := f.l.Profile("alice")
	assert.False(t, ok, "failed stakes must not register the user")
}

func TestResolveAndCancelAreOneTime(t *testing.T) {
	f := newFixture(t)
	resolved := f.market()
	cancelled := f.market()
	f.stake("alice", resolved, 0, 10)

	assert.ErrorIs(t, f.l.Resolve(f.ctx, owner, resolved, 1), ErrMarketNotEnded)
	assert.ErrorIs(t, f.l.Cancel(f.ctx, owner, cancelled, "early"), ErrMarketNotEnded)

	f.expire()
	assert.ErrorIs(t, f.l.Resolve(f.ctx, "alice", resolved, 1), ErrUnauthorized)
	assert.ErrorIs(t, f.l.Resolve(f.ctx, owner, resolved, models.OutcomeUnresolved), ErrInvalidOutcome)
	assert.ErrorIs(t, f.l.Resolve(f.ctx, owner, resolved, 3), ErrInvalidOutcome)
	assert.ErrorIs(t, f.l.Resolve(f.ctx, owner, resolved, models.OutcomeCancelled), ErrInvalidOutcome)

	require.NoError(t, f.l.Resolve(f.ctx, owner, resolved, 1))
	assert.ErrorIs(t, f.l.Resolve(f.ctx, owner, resolved, 2), ErrAlreadyResolved)
	assert.ErrorIs(t, f.l.Cancel(f.ctx, owner, resolved, "late"), ErrAlreadyResolved)

	require.NoError(t, f.l.Cancel(f.ctx, owner, cancelled, "ambiguous"))
	assert.ErrorIs(t, f.l.Cancel(f.ctx, owner, cancelled, "again"), ErrAlreadyCancelled)
	assert.ErrorIs(t, f.l.Resolve(f.ctx, owner, cancelled, 1), ErrAlreadyCancelled)

	m, err := f.l.Market(resolved)
	require.NoError(t, err)
	assert.Equal(t, models.Outcome(1), m.Outcome)
	assert.Equal(t, 1, m.TotalWinnersCount)

	c, err := f.l.Market(cancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, c.Outcome)
	assert.Equal(t, "ambiguous", c.CancelReason)
	state, err := f.l.State(cancelled)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, state)
}

func TestDelegatedCapabilities(t *testing.T) {
	f := newFixture(t)
	id := f.market()
	f.expire()

	require.NoError(t, f.access.Grant(owner, access.CapResolve, "resolver"))
	assert.ErrorIs(t, f.l.Cancel(f.ctx, "resolver", id, "no"), ErrUnauthorized, "resolve does not imply cancel")

	require.NoError(t, f.access.Grant(owner, access.CapCancel, "canceller"))
	require.NoError(t, f.l.Cancel(f.ctx, "canceller", id, "void"))
}

func TestCancelRefundScenario(t *testing.T) {
	f := newFixture(t)
	id := f.market("A", "B")
	f.stake("user1", id, 0, 100)
	f.stake("user2", id, 1, 300)
	f.expire()

	assert.ErrorIs(t, func() error { _, err := f.l.RefundCancelled(f.ctx, "user1", id); return err }(), ErrNotCancelled)
	require.NoError(t, f.l.Cancel(f.ctx, owner, id, "void"))

	r1, err := f.l.RefundCancelled(f.ctx, "user1", id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), r1.Uint64())
	r2, err := f.l.RefundCancelled(f.ctx, "user2", id)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), r2.Uint64())

	assert.Equal(t, uint64(100), f.balance("user1"))
	assert.Equal(t, uint64(300), f.balance("user2"))
	assert.True(t, f.vault.BalanceOf(escrow).IsZero())

	_, err = f.l.RefundCancelled(f.ctx, "user1", id)
	assert.EqualError(t, err, "already refunded")
	_, err = f.l.RefundCancelled(f.ctx, "stranger", id)
	assert.ErrorIs(t, err, ErrNothingToRefund)

	for _, user := range []string{"user1", "user2"} {
		d, err := f.l.UserMarket(user, id)
		require.NoError(t, err)
		assert.True(t, d.Activity.HasClaimed)
		assert.False(t, d.Activity.HasWon)
		assert.Equal(t, d.Activity.TotalInvested, d.Activity.Winnings)
		assert.Empty(t, f.l.ActiveMarkets(user))

		p, _ := f.l.Profile(user)
		assert.Equal(t, 0, p.ActiveMarkets)
	}
	f.checkShareInvariant()
}

func TestRefundTransferFailureLeavesUserUnclaimed(t *testing.T) {
	fb := &flakyBank{}
	f := newFixtureWithBank(t, func(b Bank) Bank { fb.Bank = b; return fb })
	id := f.market()
	f.stake("alice", id, 0, 40)
	f.expire()
	require.NoError(t, f.l.Cancel(f.ctx, owner, id, "void"))

	fb.fail = true
	_, err := f.l.RefundCancelled(f.ctx, "alice", id)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, []uint64{id}, f.l.ActiveMarkets("alice"))

	fb.fail = false
	refund, err := f.l.RefundCancelled(f.ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), refund.Uint64())
}

func TestStakeWithPermit(t *testing.T) {
	f := newFixture(t)
	f.vault.SetClock(f.clock.Now)
	id := f.market()

	key, err := cryptoKey()
	require.NoError(t, err)
	user := key.address
	require.NoError(t, f.vault.Mint(user, u(500)))

	p := vault.Permit{Owner: user, Spender: escrow, Value: u(200), Nonce: 0, Deadline: f.clock.Now().Add(time.Hour).Unix()}
	p.Signature, err = vault.SignPermit(key.priv, p)
	require.NoError(t, err)

	assert.ErrorIs(t, f.l.StakeWithPermit(f.ctx, "someone-else", id, 0, u(200), p), ErrPermitOwner)

	require.NoError(t, f.l.StakeWithPermit(f.ctx, user, id, 1, u(150), p))
	assert.Equal(t, uint64(350), f.balance(user))
	assert.Equal(t, uint64(50), f.vault.Allowance(user, escrow).Uint64())

	err = f.l.StakeWithPermit(f.ctx, user, id, 1, u(10), p)
	assert.ErrorIs(t, err, ErrTransferFailed, "a permit is consumed once")

	m, err := f.l.Market(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), m.OptionStake(vault.Normalize(user), 1).Uint64())
}

func TestStakeWithPermitIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.vault.SetClock(f.clock.Now)
	id := f.market()

	key, err := cryptoKey()
	require.NoError(t, err)
	user := key.address
	require.NoError(t, f.vault.Mint(user, u(50)))

	p := vault.Permit{Owner: user, Spender: escrow, Value: u(200), Nonce: 0, Deadline: f.clock.Now().Add(time.Hour).Unix()}
	p.Signature, err = vault.SignPermit(key.priv, p)
	require.NoError(t, err)

	err = f.l.StakeWithPermit(f.ctx, user, id, 0, u(100), p)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, uint64(0), f.vault.Nonce(user), "nonce must survive a failed pull")
	assert.True(t, f.vault.Allowance(user, escrow).IsZero(), "allowance must not be set by a failed pull")
	assert.Equal(t, uint64(50), f.balance(user))

	m, err := f.l.Market(id)
	require.NoError(t, err)
	assert.Empty(t, m.Participants)

	// The same permit is still usable for an amount the owner can cover.
	require.NoError(t, f.l.StakeWithPermit(f.ctx, user, id, 0, u(40), p))
	assert.Equal(t, uint64(1), f.vault.Nonce(user))
	assert.Equal(t, uint64(160), f.vault.Allowance(user, escrow).Uint64())
	assert.Equal(t, uint64(10), f.balance(user))
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t)
	id := f.market()
	f.fund("alice", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.l.Stake(ctx, "alice", id, 0, u(1)), context.Canceled)
	assert.Equal(t, uint64(10), f.balance("alice"))
}

func TestConcurrentStakesOnOneMarket(t *testing.T) {
	f := newFixture(t)
	const users = 64
	id := f.market("A", "B", "C")
	for j := 0; j < users; j++ {
		f.fund(userName(j), 1_000)
	}

	var wg sync.WaitGroup
	for j := 0; j < users; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.l.Stake(f.ctx, userName(j), id, j%3, u(uint64(j+1))))
			assert.NoError(t, f.l.Stake(f.ctx, userName(j), id, (j+1)%3, u(1)))
		}()
	}
	wg.Wait()

	m, err := f.l.Market(id)
	require.NoError(t, err)
	require.Len(t, m.Participants, users)
	seen := make(map[string]bool, users)
	for _, p := range m.Participants {
		assert.False(t, seen[p], "%s listed twice", p)
		seen[p] = true
	}

	var total, want uint64
	for i := range m.TotalShares {
		total += m.TotalShares[i].Uint64()
	}
	for j := 0; j < users; j++ {
		want += uint64(j+1) + 1
	}
	assert.Equal(t, want, total)
	assert.Equal(t, want, f.balance(escrow))
	f.checkShareInvariant()
}

func TestConcurrentMarkets(t *testing.T) {
	f := newFixture(t)
	const markets, users = 8, 25

	ids := make([]uint64, markets)
	for i := range ids {
		ids[i] = f.market("A", "B", "C")
	}
	for j := 0; j < users; j++ {
		f.fund(userName(j), 1_000)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < users; j++ {
				assert.NoError(t, f.l.Stake(f.ctx, userName(j), id, j%3, u(uint64(j+1))))
			}
		}()
	}
	wg.Wait()
	f.checkShareInvariant()

	f.expire()
	for _, id := range ids {
		require.NoError(t, f.l.Resolve(f.ctx, owner, id, 1))
	}
	done, err := f.l.DistributeAll(f.ctx, owner, ids, 4, 3)
	require.NoError(t, err)
	for _, id := range ids {
		assert.Positive(t, done[id])
		p, err := f.l.DistributionProgress(id)
		require.NoError(t, err)
		assert.True(t, p.Completed)
	}
	f.checkShareInvariant()

	for j := 0; j < users; j++ {
		p, ok := f.l.Profile(userName(j))
		require.True(t, ok)
		assert.Equal(t, markets, p.MarketsParticipated)
		assert.Equal(t, 0, p.ActiveMarkets)
		assert.Equal(t, markets, p.MarketsWon+p.MarketsLost)
	}
}
