package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// LegacySource is the read-only two-option market store imported at bootstrap.
// Legacy market IDs are 0-based.
type LegacySource interface {
	MarketCount(ctx context.Context) (uint64, error)
	MarketInfo(ctx context.Context, id uint64) (models.LegacyMarket, error)
	ShareBalance(ctx context.Context, id uint64, user string) (a, b *uint256.Int, err error)
}

// ImportReport describes a completed legacy import.
type ImportReport struct {
	RunID        string
	Markets      int
	Participants int
	Resolved     int
	Cancelled    int
	Mismatches   int
	IDs          map[uint64]uint64 // legacy ID -> ledger ID
}

// ImportLegacy copies every legacy market and the positions of holders into the ledger.
// It may run once, by the owner, before any market has been created. Everything is
// fetched before anything is written, so a failed fetch leaves the ledger untouched.
// The escrow account is expected to already hold the legacy pool.
func (l *Ledger) ImportLegacy(ctx context.Context, caller string, src LegacySource, holders []string) (ImportReport, error) {
	caller = vault.Normalize(caller)
	report, err := l.importLegacy(ctx, caller, src, holders)
	if err != nil {
		return ImportReport{}, err
	}
	ev := models.NewEvent(models.EventLegacyImported, 0, caller, nil, l.now())
	ev.Detail = fmt.Sprintf("%d markets", report.Markets)
	l.publish(ev)
	return report, nil
}

func (l *Ledger) importLegacy(ctx context.Context, caller string, src LegacySource, holders []string) (ImportReport, error) {
	if !l.auth.IsOwner(caller) {
		return ImportReport{}, ErrUnauthorized
	}

	l.arenaMu.Lock()
	defer l.arenaMu.Unlock()
	if l.legacyImported {
		return ImportReport{}, ErrAlreadyImported
	}
	if len(l.markets) > 0 {
		return ImportReport{}, ErrImportAfterStart
	}

	report := ImportReport{RunID: uuid.New().String(), IDs: make(map[uint64]uint64)}
	logger.Info("Legacy import %s started by %s with %d holders", report.RunID, caller, len(holders))

	count, err := src.MarketCount(ctx)
	if err != nil {
		return ImportReport{}, fmt.Errorf("failed to count legacy markets: %w", err)
	}

	seen := make(map[string]bool, len(holders))
	users := make([]string, 0, len(holders))
	for _, h := range holders {
		h = vault.Normalize(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		users = append(users, h)
	}

	now := l.now()
	var staged []*models.Market
	invested := make(map[string]*uint256.Int)
	for legacyID := uint64(0); legacyID < count; legacyID++ {
		if err := ctx.Err(); err != nil {
			return ImportReport{}, err
		}
		info, err := src.MarketInfo(ctx, legacyID)
		if err != nil {
			return ImportReport{}, fmt.Errorf("failed to fetch legacy market %d: %w", legacyID, err)
		}
		if err := models.ValidateOptions(info.Question, []string{info.OptionA, info.OptionB}); err != nil {
			return ImportReport{}, fmt.Errorf("legacy market %d: %w: %v", legacyID, ErrInvalidMarket, err)
		}
		id := uint64(len(staged)) + 1
		m := models.NewMarket(id, info.Question, []string{info.OptionA, info.OptionB}, caller, now, info.EndTime)
		m.Imported = true

		for _, u := range users {
			a, b, err := src.ShareBalance(ctx, legacyID, u)
			if err != nil {
				return ImportReport{}, fmt.Errorf("failed to fetch legacy balance of %s in market %d: %w", u, legacyID, err)
			}
			if a == nil {
				a = new(uint256.Int)
			}
			if b == nil {
				b = new(uint256.Int)
			}
			if a.IsZero() && b.IsZero() {
				continue
			}
			totalA, err := addChecked(&m.TotalShares[0], a)
			if err != nil {
				return ImportReport{}, err
			}
			totalB, err := addChecked(&m.TotalShares[1], b)
			if err != nil {
				return ImportReport{}, err
			}
			stake, err := addChecked(a, b)
			if err != nil {
				return ImportReport{}, err
			}
			if invested[u] == nil {
				invested[u] = new(uint256.Int)
			}
			if invested[u], err = addChecked(invested[u], stake); err != nil {
				return ImportReport{}, err
			}
			m.TotalShares[0], m.TotalShares[1] = *totalA, *totalB
			m.Participants = append(m.Participants, u)
			m.UserShares[u] = []uint256.Int{*a, *b}
		}

		if !m.TotalShares[0].Eq(&info.SharesA) || !m.TotalShares[1].Eq(&info.SharesB) {
			report.Mismatches++
			logger.Warn("Legacy market %d totals %s/%s differ from holder sum %s/%s",
				legacyID, info.SharesA.Dec(), info.SharesB.Dec(), m.TotalShares[0].Dec(), m.TotalShares[1].Dec())
		}

		switch {
		case info.Outcome == models.LegacyCancelled:
			m.Cancelled = true
			m.Outcome = models.OutcomeCancelled
			m.CancelReason = "cancelled before import"
			m.ResolvedAt = now
			report.Cancelled++
		case info.Resolved && (info.Outcome == models.LegacyOptionA || info.Outcome == models.LegacyOptionB):
			m.Resolved = true
			m.Outcome = models.Outcome(info.Outcome)
			m.ResolvedAt = now
			for _, p := range m.Participants {
				if !m.UserShares[p][m.Outcome.Index()].IsZero() {
					m.TotalWinnersCount++
				}
			}
			report.Resolved++
		case info.Resolved:
			logger.Warn("Legacy market %d is resolved without an outcome; imported as unresolved", legacyID)
		}

		if err := m.Validate(); err != nil {
			return ImportReport{}, fmt.Errorf("legacy market %d: %w: %v", legacyID, ErrInvalidMarket, err)
		}
		report.IDs[legacyID] = id
		report.Participants += len(m.Participants)
		staged = append(staged, m)
	}

	l.usersMu.Lock()
	defer l.usersMu.Unlock()

	for _, m := range staged {
		for _, p := range m.Participants {
			shares := m.UserShares[p]
			us := l.users.ensure(p, now)
			us.profile.TotalInvested = *invested[p]
			us.profile.MarketsParticipated++
			us.profile.LastActivity = now
			us.addActivity(&models.UserMarketActivity{
				User:          p,
				MarketID:      m.ID,
				Invested:      append([]uint256.Int(nil), shares...),
				TotalInvested: *m.StakeOf(p),
				CreatedAt:     now,
			})
			us.profile.ActiveMarkets++
			us.addActive(m.ID)
		}
		l.markets = append(l.markets, &slot{m: m})
	}
	l.legacyImported = true
	report.Markets = len(staged)

	logger.Info("Legacy import %s finished: %d markets, %d positions, %d resolved, %d cancelled, %d mismatches",
		report.RunID, report.Markets, report.Participants, report.Resolved, report.Cancelled, report.Mismatches)
	return report, nil
}
