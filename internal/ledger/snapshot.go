package ledger

import (
	"fmt"

	"github.com/0xedev/Buster-market/internal/models"
)

// Snapshot returns a consistent deep copy of the whole ledger. It briefly holds every
// market lock, taken in ID order, so no operation is half-visible in the result.
// When the bank is an AccountStore its accounts are captured under the same locks.
func (l *Ledger) Snapshot() *models.Snapshot {
	l.arenaMu.RLock()
	defer l.arenaMu.RUnlock()

	for _, s := range l.markets {
		s.mu.Lock()
	}
	defer func() {
		for _, s := range l.markets {
			s.mu.Unlock()
		}
	}()
	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	snap := &models.Snapshot{
		Markets:        make([]*models.Market, len(l.markets)),
		Users:          make([]models.UserRecord, 0, len(l.users.registry)),
		LegacyImported: l.legacyImported,
		TakenAt:        l.now(),
	}
	for i, s := range l.markets {
		snap.Markets[i] = s.m.Clone()
	}
	for _, u := range l.users.registry {
		snap.Users = append(snap.Users, l.users.get(u).record())
	}
	if store, ok := l.bank.(AccountStore); ok {
		snap.Accounts = store.ExportAccounts()
	}
	if store, ok := l.auth.(GrantStore); ok {
		snap.Grants = store.ExportGrants()
	}
	return snap
}

// Restore loads snap into an empty ledger, its accounts into the bank and its grants
// into the authorizer.
func (l *Ledger) Restore(snap *models.Snapshot) error {
	if snap == nil {
		return nil
	}

	l.arenaMu.Lock()
	defer l.arenaMu.Unlock()
	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	if len(l.markets) > 0 || len(l.users.registry) > 0 || l.legacyImported {
		return ErrNotEmpty
	}

	markets := make([]*slot, len(snap.Markets))
	for i, m := range snap.Markets {
		if m.ID != uint64(i)+1 {
			return fmt.Errorf("snapshot market at position %d has ID %d", i, m.ID)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("snapshot market %d: %w", m.ID, err)
		}
		markets[i] = &slot{m: m.Clone()}
	}

	book := newUserBook()
	for _, r := range snap.Users {
		if err := r.Profile.Validate(); err != nil {
			return fmt.Errorf("snapshot user %q: %w", r.Profile.User, err)
		}
		if _, dup := book.users[r.Profile.User]; dup {
			return fmt.Errorf("snapshot user %q listed twice", r.Profile.User)
		}
		us := newUserState(r.Profile)
		for i := range r.Activities {
			a := copyActivity(&r.Activities[i])
			us.addActivity(&a)
		}
		for _, id := range r.ActiveMarkets {
			us.addActive(id)
		}
		us.votes = append([]models.Vote(nil), r.Votes...)
		book.users[r.Profile.User] = us
		book.registry = append(book.registry, r.Profile.User)
	}

	if len(snap.Accounts) > 0 {
		store, ok := l.bank.(AccountStore)
		if !ok {
			return fmt.Errorf("snapshot carries %d accounts but the bank cannot load them", len(snap.Accounts))
		}
		if err := store.ImportAccounts(snap.Accounts); err != nil {
			return fmt.Errorf("restore accounts: %w", err)
		}
	}
	if len(snap.Grants) > 0 {
		store, ok := l.auth.(GrantStore)
		if !ok {
			return fmt.Errorf("snapshot carries %d grants but the authorizer cannot load them", len(snap.Grants))
		}
		if err := store.ImportGrants(snap.Grants); err != nil {
			return fmt.Errorf("restore grants: %w", err)
		}
	}

	l.markets = markets
	l.users = book
	l.legacyImported = snap.LegacyImported
	return nil
}
