package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// BatchResult summarises one DistributeBatch call.
type BatchResult struct {
	MarketID  uint64
	From      int // first participant index processed
	To        int // new payout cursor
	Winners   int
	Losers    int
	Skipped   int
	Paid      *uint256.Int
	Completed bool
}

type payout struct {
	user         string
	winnings     *uint256.Int // nil for a loss
	profileTotal *uint256.Int // winnings or losses total after this payout
}

// DistributeBatch settles the next window of at most batchSize participants of a resolved
// market. Winners share the whole pool in proportion to their winning-option stake.
// The call is atomic: if any payment fails nothing changes and the cursor stays put.
func (l *Ledger) DistributeBatch(ctx context.Context, caller string, marketID uint64, batchSize int) (BatchResult, error) {
	res, events, err := l.distributeBatch(ctx, caller, marketID, batchSize)
	if err != nil {
		return BatchResult{}, err
	}
	l.publish(events...)
	return res, nil
}

func (l *Ledger) distributeBatch(ctx context.Context, caller string, marketID uint64, batchSize int) (BatchResult, []models.Event, error) {
	if err := ctx.Err(); err != nil {
		return BatchResult{}, nil, err
	}
	if batchSize <= 0 {
		return BatchResult{}, nil, ErrInvalidBatchSize
	}
	caller = vault.Normalize(caller)
	if !l.auth.Has(caller, access.CapResolve) {
		return BatchResult{}, nil, ErrUnauthorized
	}
	s, err := l.slot(marketID)
	if err != nil {
		return BatchResult{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.m
	switch {
	case m.Cancelled:
		return BatchResult{}, nil, ErrMarketCancelled
	case !m.Resolved:
		return BatchResult{}, nil, ErrNotResolved
	case m.DistributionCompleted:
		return BatchResult{}, nil, ErrDistributionCompleted
	}

	win := m.Outcome.Index()
	winning := &m.TotalShares[win]
	if winning.IsZero() {
		return BatchResult{}, nil, ErrNoWinningShares
	}
	losing := new(uint256.Int)
	for i := range m.TotalShares {
		if i == win {
			continue
		}
		if _, overflow := losing.AddOverflow(losing, &m.TotalShares[i]); overflow {
			return BatchResult{}, nil, ErrOverflow
		}
	}
	ratio, overflow := new(uint256.Int).MulOverflow(losing, Scale)
	if overflow {
		return BatchResult{}, nil, ErrOverflow
	}
	ratio.Div(ratio, winning)

	start := m.PayoutIndex
	end := len(m.Participants)
	if batchSize < end-start {
		end = start + batchSize
	}

	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	// Plan the window without touching state.
	res := BatchResult{MarketID: marketID, From: start, To: end, Paid: new(uint256.Int)}
	plan := make([]payout, 0, end-start)
	var payments []vault.Payment
	for _, p := range m.Participants[start:end] {
		if m.Claimed[p] {
			res.Skipped++
			continue
		}
		stake := m.StakeOf(p)
		entry := payout{user: p}
		us := l.users.get(p)

		winStake := &m.UserShares[p][win]
		if !winStake.IsZero() {
			bonus, overflow := new(uint256.Int).MulOverflow(winStake, ratio)
			if overflow {
				return BatchResult{}, nil, ErrOverflow
			}
			bonus.Div(bonus, Scale)
			if entry.winnings, err = addChecked(winStake, bonus); err != nil {
				return BatchResult{}, nil, err
			}
			if _, overflow := res.Paid.AddOverflow(res.Paid, entry.winnings); overflow {
				return BatchResult{}, nil, ErrOverflow
			}
			if us != nil {
				if entry.profileTotal, err = addChecked(&us.profile.TotalWinnings, entry.winnings); err != nil {
					return BatchResult{}, nil, err
				}
			}
			payments = append(payments, vault.Payment{To: p, Amount: entry.winnings})
			res.Winners++
		} else {
			if us != nil {
				if entry.profileTotal, err = addChecked(&us.profile.TotalLosses, stake); err != nil {
					return BatchResult{}, nil, err
				}
			}
			res.Losers++
		}
		plan = append(plan, entry)
	}
	distributed, err := addChecked(&m.DistributedWinnings, res.Paid)
	if err != nil {
		return BatchResult{}, nil, err
	}

	if len(payments) > 0 {
		if err := l.bank.TransferBatch(ctx, payments); err != nil {
			logger.Error("Distribution batch for market %d at cursor %d failed: %v", marketID, start, err)
			return BatchResult{}, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	// Payments went through; apply the plan.
	now := l.now()
	for _, e := range plan {
		m.Claimed[e.user] = true
		shares := m.UserShares[e.user]
		for i := range shares {
			shares[i].Clear()
		}

		us := l.users.get(e.user)
		if us == nil {
			continue
		}
		act := us.activity(marketID)
		if e.winnings != nil {
			us.profile.TotalWinnings = *e.profileTotal
			us.profile.MarketsWon++
			if act != nil {
				act.HasWon = true
				act.Winnings = *e.winnings
			}
		} else {
			us.profile.TotalLosses = *e.profileTotal
			us.profile.MarketsLost++
		}
		if act != nil {
			act.HasClaimed = true
		}
		us.settle(marketID, now)
	}

	m.PayoutIndex = end
	m.WinnersCount += res.Winners
	m.DistributedWinnings = *distributed
	if m.PayoutIndex == len(m.Participants) {
		m.DistributionCompleted = true
	}
	res.Completed = m.DistributionCompleted

	logger.Info("Market %d distributed participants [%d,%d): %d winners, %d losers, paid %s",
		marketID, start, end, res.Winners, res.Losers, res.Paid.Dec())

	ev := models.NewEvent(models.EventBatchDistributed, marketID, caller, res.Paid, now)
	ev.Detail = fmt.Sprintf("participants %d-%d", start, end)
	events := []models.Event{ev}
	if res.Completed {
		logger.Info("Market %d distribution completed: %s paid to %d winners", marketID, m.DistributedWinnings.Dec(), m.WinnersCount)
		done := models.NewEvent(models.EventDistributionCompleted, marketID, caller, &m.DistributedWinnings, now)
		done.Detail = fmt.Sprintf("%d winners", m.WinnersCount)
		events = append(events, done)
	}
	return res, events, nil
}

// DistributeAll drives every listed market to completion, running up to workers markets
// concurrently. Batches of one market stay strictly sequential. Markets that are already
// complete are skipped. The first failure cancels the remaining work.
func (l *Ledger) DistributeAll(ctx context.Context, caller string, marketIDs []uint64, batchSize, workers int) (map[uint64]int, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if workers <= 0 {
		workers = 1
	}

	batches := make([]int, len(marketIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range marketIDs {
		g.Go(func() error {
			for {
				res, err := l.DistributeBatch(gctx, caller, id, batchSize)
				if errors.Is(err, ErrDistributionCompleted) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("market %d: %w", id, err)
				}
				batches[i]++
				if res.Completed {
					return nil
				}
			}
		})
	}
	err := g.Wait()

	out := make(map[uint64]int, len(marketIDs))
	for i, id := range marketIDs {
		out[id] += batches[i]
	}
	return out, err
}
