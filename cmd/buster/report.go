package main

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/0xedev/Buster-market/internal/ledger"
)

// printReport renders a table of the restored ledger to w.
func printReport(w io.Writer, l *ledger.Ledger, kind string, limit int) error {
	switch kind {
	case "leaderboard":
		return printLeaderboard(w, l, limit)
	case "markets":
		return printMarkets(w, l, limit, time.Now())
	default:
		return fmt.Errorf("unknown report %q (want leaderboard or markets)", kind)
	}
}

func printLeaderboard(w io.Writer, l *ledger.Ledger, limit int) error {
	entries := l.Leaderboard(0, limit)
	fmt.Fprintf(w, "Leaderboard: top %d of %d users\n", len(entries), l.UserCount())

	table := tablewriter.NewWriter(w)
	table.Header("Rank", "User", "Winnings", "Votes")
	for _, e := range entries {
		if err := table.Append(
			fmt.Sprintf("%d", e.Rank),
			e.User,
			e.TotalWinnings.Dec(),
			fmt.Sprintf("%d", e.VoteCount),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func printMarkets(w io.Writer, l *ledger.Ledger, limit int, now time.Time) error {
	markets := l.Markets(0, limit)
	fmt.Fprintf(w, "Markets: %d of %d\n", len(markets), l.MarketCount())

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Question", "State", "Pool", "Participants", "Progress")
	for _, m := range markets {
		progress := "-"
		if m.Resolved {
			p, err := l.DistributionProgress(m.ID)
			if err != nil {
				return err
			}
			progress = fmt.Sprintf("%d%%", p.ProcessedPercent)
		}
		if err := table.Append(
			fmt.Sprintf("%d", m.ID),
			truncate(m.Question, 48),
			m.State(now).String(),
			m.Pool().Dec(),
			fmt.Sprintf("%d", len(m.Participants)),
			progress,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
