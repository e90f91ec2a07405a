package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// Resolve fixes the winning outcome of an ended market. outcome is 1-based.
func (l *Ledger) Resolve(ctx context.Context, caller string, marketID uint64, outcome models.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	caller = vault.Normalize(caller)
	if !l.auth.Has(caller, access.CapResolve) {
		return ErrUnauthorized
	}
	s, err := l.slot(marketID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	m := s.m
	now := l.now()
	if err := requireEnded(m, now); err != nil {
		s.mu.Unlock()
		return err
	}
	if !outcome.IsOption(len(m.Options)) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidOutcome, outcome)
	}

	idx := outcome.Index()
	winners := 0
	for _, p := range m.Participants {
		if !m.UserShares[p][idx].IsZero() {
			winners++
		}
	}
	m.Outcome = outcome
	m.Resolved = true
	m.ResolvedAt = now
	m.TotalWinnersCount = winners
	noBacking := m.TotalShares[idx].IsZero()
	label := m.Options[idx]
	s.mu.Unlock()

	if noBacking {
		logger.Warn("Market %d resolved to option %d which has no stake; distribution will be refused", marketID, outcome)
	}
	logger.Info("Market %d resolved to %q by %s (%d winners)", marketID, label, caller, winners)
	ev := models.NewEvent(models.EventMarketResolved, marketID, caller, nil, now)
	ev.Detail = label
	l.publish(ev)
	return nil
}

// Cancel voids an ended market so that participants can reclaim their stakes.
func (l *Ledger) Cancel(ctx context.Context, caller string, marketID uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	caller = vault.Normalize(caller)
	if !l.auth.Has(caller, access.CapCancel) {
		return ErrUnauthorized
	}
	s, err := l.slot(marketID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	m := s.m
	now := l.now()
	if err := requireEnded(m, now); err != nil {
		s.mu.Unlock()
		return err
	}
	m.Cancelled = true
	m.Outcome = models.OutcomeCancelled
	m.CancelReason = strings.TrimSpace(reason)
	m.ResolvedAt = now
	s.mu.Unlock()

	logger.Info("Market %d cancelled by %s: %s", marketID, caller, reason)
	ev := models.NewEvent(models.EventMarketCancelled, marketID, caller, nil, now)
	ev.Detail = reason
	l.publish(ev)
	return nil
}

// RefundCancelled returns the user's whole stake in a cancelled market. It succeeds once per user.
func (l *Ledger) RefundCancelled(ctx context.Context, user string, marketID uint64) (*uint256.Int, error) {
	refund, ev, err := l.refund(ctx, user, marketID)
	if err != nil {
		return nil, err
	}
	l.publish(ev)
	return refund, nil
}

func (l *Ledger) refund(ctx context.Context, user string, marketID uint64) (*uint256.Int, models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.Event{}, err
	}
	user = vault.Normalize(user)
	if user == "" {
		return nil, models.Event{}, ErrInvalidUser
	}
	s, err := l.slot(marketID)
	if err != nil {
		return nil, models.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.m
	if !m.Cancelled {
		return nil, models.Event{}, ErrNotCancelled
	}
	if m.Claimed[user] {
		return nil, models.Event{}, ErrAlreadyRefunded
	}
	total := m.StakeOf(user)
	if total.IsZero() {
		return nil, models.Event{}, ErrNothingToRefund
	}

	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	if err := l.bank.Transfer(ctx, user, total); err != nil {
		return nil, models.Event{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := l.now()
	m.Claimed[user] = true
	if us := l.users.get(user); us != nil {
		if act := us.activity(marketID); act != nil {
			act.HasClaimed = true
			act.Winnings = *total.Clone()
		}
		us.settle(marketID, now)
	}

	logger.Info("Refunded %s to %s from cancelled market %d", total.Dec(), user, marketID)
	return total, models.NewEvent(models.EventRefund, marketID, user, total, now), nil
}

// requireEnded admits only markets past their end time that are neither resolved nor cancelled.
func requireEnded(m *models.Market, now time.Time) error {
	switch m.State(now) {
	case models.StateActive:
		return ErrMarketNotEnded
	case models.StateResolved:
		return ErrAlreadyResolved
	case models.StateCancelled:
		return ErrAlreadyCancelled
	}
	return nil
}
