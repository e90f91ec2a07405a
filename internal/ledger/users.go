package ledger

import (
	"time"

	"github.com/0xedev/Buster-market/internal/models"
)

// userBook is guarded by Ledger.usersMu.
type userBook struct {
	registry []string
	users    map[string]*userState
}

type userState struct {
	profile    models.UserProfile
	activities []*models.UserMarketActivity
	slots      map[uint64]int // market ID -> index into activities
	active     []uint64
	activeIdx  map[uint64]int
	votes      []models.Vote
}

func newUserBook() *userBook {
	return &userBook{users: make(map[string]*userState)}
}

func (b *userBook) get(user string) *userState {
	return b.users[user]
}

// ensure returns the user's state, registering the user on first sight.
func (b *userBook) ensure(user string, now time.Time) *userState {
	if us, ok := b.users[user]; ok {
		return us
	}
	us := newUserState(models.UserProfile{User: user, FirstActivity: now, LastActivity: now})
	b.users[user] = us
	b.registry = append(b.registry, user)
	return us
}

func newUserState(p models.UserProfile) *userState {
	return &userState{
		profile:   p,
		slots:     make(map[uint64]int),
		activeIdx: make(map[uint64]int),
	}
}

func (s *userState) activity(marketID uint64) *models.UserMarketActivity {
	if i, ok := s.slots[marketID]; ok {
		return s.activities[i]
	}
	return nil
}

func (s *userState) addActivity(a *models.UserMarketActivity) {
	s.slots[a.MarketID] = len(s.activities)
	s.activities = append(s.activities, a)
}

func (s *userState) addActive(marketID uint64) {
	if _, ok := s.activeIdx[marketID]; ok {
		return
	}
	s.activeIdx[marketID] = len(s.active)
	s.active = append(s.active, marketID)
}

// removeActive swap-removes marketID and reports whether it was present.
func (s *userState) removeActive(marketID uint64) bool {
	i, ok := s.activeIdx[marketID]
	if !ok {
		return false
	}
	last := len(s.active) - 1
	if i != last {
		moved := s.active[last]
		s.active[i] = moved
		s.activeIdx[moved] = i
	}
	s.active = s.active[:last]
	delete(s.activeIdx, marketID)
	return true
}

// settle closes the user's participation in a market.
func (s *userState) settle(marketID uint64, now time.Time) {
	if s.removeActive(marketID) && s.profile.ActiveMarkets > 0 {
		s.profile.ActiveMarkets--
	}
	s.profile.LastActivity = now
}

func (s *userState) record() models.UserRecord {
	r := models.UserRecord{
		Profile:       s.profile,
		Activities:    make([]models.UserMarketActivity, len(s.activities)),
		ActiveMarkets: append([]uint64(nil), s.active...),
		Votes:         append([]models.Vote(nil), s.votes...),
	}
	for i, a := range s.activities {
		r.Activities[i] = copyActivity(a)
	}
	return r
}

func copyActivity(a *models.UserMarketActivity) models.UserMarketActivity {
	c := *a
	c.Invested = append(c.Invested[:0:0], a.Invested...)
	return c
}
