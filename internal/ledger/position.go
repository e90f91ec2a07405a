package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// Stake pulls amount from user into escrow and records it on option (0-based).
// The user must have approved the escrow for at least amount.
func (l *Ledger) Stake(ctx context.Context, user string, marketID uint64, option int, amount *uint256.Int) error {
	ev, err := l.stake(ctx, user, marketID, option, amount, nil)
	if err != nil {
		return err
	}
	l.publish(ev)
	return nil
}

// StakeWithPermit applies a signed allowance first and then stakes as Stake does.
// The permit must be signed by user.
func (l *Ledger) StakeWithPermit(ctx context.Context, user string, marketID uint64, option int, amount *uint256.Int, permit vault.Permit) error {
	ev, err := l.stake(ctx, user, marketID, option, amount, &permit)
	if err != nil {
		return err
	}
	l.publish(ev)
	return nil
}

func (l *Ledger) stake(ctx context.Context, user string, marketID uint64, option int, amount *uint256.Int, permit *vault.Permit) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	user = vault.Normalize(user)
	if user == "" {
		return models.Event{}, ErrInvalidUser
	}
	if amount == nil || amount.IsZero() {
		return models.Event{}, ErrZeroAmount
	}

	s, err := l.slot(marketID)
	if err != nil {
		return models.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.m
	now := l.now()
	if m.State(now) != models.StateActive {
		return models.Event{}, ErrTradingEnded
	}
	if option < 0 || option >= len(m.Options) {
		return models.Event{}, fmt.Errorf("%w: %d", ErrInvalidOption, option)
	}

	newTotal, err := addChecked(&m.TotalShares[option], amount)
	if err != nil {
		return models.Event{}, err
	}
	newShare, err := addChecked(m.OptionStake(user, option), amount)
	if err != nil {
		return models.Event{}, err
	}

	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	us := l.users.get(user)
	newInvested := amount.Clone()
	if us != nil {
		if newInvested, err = addChecked(&us.profile.TotalInvested, amount); err != nil {
			return models.Event{}, err
		}
	}

	if permit != nil {
		if !vault.SameAccount(permit.Owner, user) {
			return models.Event{}, ErrPermitOwner
		}
		err = l.bank.PermitAndTransferFrom(ctx, *permit, l.bank.Account(), amount)
	} else {
		err = l.bank.TransferFrom(ctx, user, l.bank.Account(), amount)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	// Value is in escrow; nothing below may fail.
	firstInMarket := !m.HasParticipant(user)
	if firstInMarket {
		m.Participants = append(m.Participants, user)
		m.UserShares[user] = make([]uint256.Int, len(m.Options))
	}
	m.UserShares[user][option] = *newShare
	m.TotalShares[option] = *newTotal

	us = l.users.ensure(user, now)
	us.profile.TotalInvested = *newInvested
	us.profile.VoteCount++
	us.profile.LastActivity = now

	act := us.activity(marketID)
	if act == nil {
		act = &models.UserMarketActivity{
			User:      user,
			MarketID:  marketID,
			Invested:  make([]uint256.Int, len(m.Options)),
			CreatedAt: now,
		}
		us.addActivity(act)
		us.profile.MarketsParticipated++
		us.profile.ActiveMarkets++
		us.addActive(marketID)
	}
	act.Invested[option].Add(&act.Invested[option], amount)
	act.TotalInvested.Add(&act.TotalInvested, amount)

	vote := models.Vote{
		ID:        uuid.New().String(),
		User:      user,
		MarketID:  marketID,
		Option:    option,
		Amount:    *amount.Clone(),
		Timestamp: now,
	}
	us.votes = append(us.votes, vote)

	logger.Debug("Stake %s on market %d option %d by %s", amount.Dec(), marketID, option, user)
	ev := models.NewEvent(models.EventStake, marketID, user, amount, now)
	ev.Detail = "option " + strconv.Itoa(option)
	return ev, nil
}
