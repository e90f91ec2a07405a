// Package storage provides SQLite-backed checkpoints of the ledger and a bounded event log.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"github.com/0xedev/Buster-market/internal/models"
)

const schemaVersion = "1"

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxEvents int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/buster/ledger.db.
func New(maxEvents int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "buster", "ledger.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxEvents: maxEvents}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id                     INTEGER PRIMARY KEY,
			question               TEXT NOT NULL,
			options                TEXT NOT NULL,
			creator                TEXT NOT NULL,
			end_time               INTEGER NOT NULL,
			created_at             INTEGER NOT NULL,
			outcome                INTEGER NOT NULL DEFAULT 0,
			resolved               INTEGER NOT NULL DEFAULT 0,
			cancelled              INTEGER NOT NULL DEFAULT 0,
			cancel_reason          TEXT,
			resolved_at            INTEGER NOT NULL DEFAULT 0,
			total_shares           TEXT NOT NULL,
			payout_index           INTEGER NOT NULL DEFAULT 0,
			winners_count          INTEGER NOT NULL DEFAULT 0,
			total_winners_count    INTEGER NOT NULL DEFAULT 0,
			distributed            TEXT NOT NULL DEFAULT '0',
			distribution_completed INTEGER NOT NULL DEFAULT 0,
			imported               INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS market_positions (
			market_id INTEGER NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			user      TEXT NOT NULL,
			shares    TEXT NOT NULL,
			claimed   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (market_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			seq                  INTEGER PRIMARY KEY,
			user                 TEXT NOT NULL UNIQUE,
			total_invested       TEXT NOT NULL,
			total_winnings       TEXT NOT NULL,
			total_losses         TEXT NOT NULL,
			markets_participated INTEGER NOT NULL,
			markets_won          INTEGER NOT NULL,
			markets_lost         INTEGER NOT NULL,
			active_markets       INTEGER NOT NULL,
			vote_count           INTEGER NOT NULL,
			first_activity       INTEGER NOT NULL,
			last_activity        INTEGER NOT NULL,
			active_set           TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS activities (
			user           TEXT NOT NULL REFERENCES profiles(user) ON DELETE CASCADE,
			slot           INTEGER NOT NULL,
			market_id      INTEGER NOT NULL,
			invested       TEXT NOT NULL,
			total_invested TEXT NOT NULL,
			winnings       TEXT NOT NULL,
			has_won        INTEGER NOT NULL DEFAULT 0,
			has_claimed    INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			PRIMARY KEY (user, slot)
		)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id        TEXT PRIMARY KEY,
			user      TEXT NOT NULL REFERENCES profiles(user) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			market_id INTEGER NOT NULL,
			option    INTEGER NOT NULL,
			amount    TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			UNIQUE (user, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			name    TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			nonce   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS allowances (
			owner   TEXT NOT NULL REFERENCES accounts(name) ON DELETE CASCADE,
			spender TEXT NOT NULL,
			amount  TEXT NOT NULL,
			PRIMARY KEY (owner, spender)
		)`,
		`CREATE TABLE IF NOT EXISTS grants (
			capability TEXT NOT NULL,
			user       TEXT NOT NULL,
			PRIMARY KEY (capability, user)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			market_id INTEGER NOT NULL,
			user      TEXT,
			amount    TEXT,
			detail    TEXT,
			at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_at ON events(at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_market ON events(market_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot replaces the stored checkpoint with snap in a single transaction.
func (s *Storage) SaveSnapshot(snap *models.Snapshot) error {
	for _, m := range snap.Markets {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid market %d: %w", m.ID, err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Children first so the cascades have nothing left to do.
	for _, table := range []string{"votes", "activities", "profiles", "market_positions", "markets", "allowances", "accounts", "grants"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, m := range snap.Markets {
		if err := insertMarket(tx, m); err != nil {
			return err
		}
	}
	for seq, r := range snap.Users {
		if err := insertUser(tx, seq, &r); err != nil {
			return err
		}
	}

	for _, a := range snap.Accounts {
		if err := insertAccount(tx, &a); err != nil {
			return err
		}
	}

	for _, g := range snap.Grants {
		if _, err := tx.Exec(`INSERT INTO grants (capability, user) VALUES (?,?)`, g.Capability, g.User); err != nil {
			return fmt.Errorf("failed to insert grant %s/%s: %w", g.Capability, g.User, err)
		}
	}

	meta := map[string]string{
		"schema_version":  schemaVersion,
		"legacy_imported": strconv.FormatBool(snap.LegacyImported),
		"taken_at":        strconv.FormatInt(snap.TakenAt.UnixNano(), 10),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", k, err)
		}
	}

	return tx.Commit()
}

func insertMarket(tx *sql.Tx, m *models.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	totals, err := encodeAmounts(m.TotalShares)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO markets
			(id, question, options, creator, end_time, created_at, outcome, resolved, cancelled,
			 cancel_reason, resolved_at, total_shares, payout_index, winners_count,
			 total_winners_count, distributed, distribution_completed, imported)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Question, string(options), m.Creator, nanos(m.EndTime), nanos(m.CreatedAt),
		int(m.Outcome), boolToInt(m.Resolved), boolToInt(m.Cancelled), m.CancelReason,
		nanos(m.ResolvedAt), totals, m.PayoutIndex, m.WinnersCount, m.TotalWinnersCount,
		m.DistributedWinnings.Dec(), boolToInt(m.DistributionCompleted), boolToInt(m.Imported),
	)
	if err != nil {
		return fmt.Errorf("failed to insert market %d: %w", m.ID, err)
	}

	for seq, p := range m.Participants {
		shares, err := encodeAmounts(m.UserShares[p])
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO market_positions (market_id, seq, user, shares, claimed)
			VALUES (?,?,?,?,?)`,
			m.ID, seq, p, shares, boolToInt(m.Claimed[p]),
		); err != nil {
			return fmt.Errorf("failed to insert position %s in market %d: %w", p, m.ID, err)
		}
	}
	return nil
}

func insertAccount(tx *sql.Tx, a *models.Account) error {
	if _, err := tx.Exec(`INSERT INTO accounts (name, balance, nonce) VALUES (?,?,?)`,
		a.Name, a.Balance.Dec(), int64(a.Nonce)); err != nil {
		return fmt.Errorf("failed to insert account %s: %w", a.Name, err)
	}
	for spender, amount := range a.Allowances {
		if _, err := tx.Exec(`INSERT INTO allowances (owner, spender, amount) VALUES (?,?,?)`,
			a.Name, spender, amount.Dec()); err != nil {
			return fmt.Errorf("failed to insert allowance %s/%s: %w", a.Name, spender, err)
		}
	}
	return nil
}

func insertUser(tx *sql.Tx, seq int, r *models.UserRecord) error {
	p := &r.Profile
	active, err := json.Marshal(r.ActiveMarkets)
	if err != nil {
		return fmt.Errorf("failed to marshal active set: %w", err)
	}
	if r.ActiveMarkets == nil {
		active = []byte("[]")
	}
	_, err = tx.Exec(`
		INSERT INTO profiles
			(seq, user, total_invested, total_winnings, total_losses, markets_participated,
			 markets_won, markets_lost, active_markets, vote_count, first_activity,
			 last_activity, active_set)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		seq, p.User, p.TotalInvested.Dec(), p.TotalWinnings.Dec(), p.TotalLosses.Dec(),
		p.MarketsParticipated, p.MarketsWon, p.MarketsLost, p.ActiveMarkets,
		int64(p.VoteCount), nanos(p.FirstActivity), nanos(p.LastActivity),
		string(active),
	)
	if err != nil {
		return fmt.Errorf("failed to insert profile %s: %w", p.User, err)
	}

	for slot, a := range r.Activities {
		invested, err := encodeAmounts(a.Invested)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO activities
				(user, slot, market_id, invested, total_invested, winnings, has_won,
				 has_claimed, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			p.User, slot, a.MarketID, invested, a.TotalInvested.Dec(), a.Winnings.Dec(),
			boolToInt(a.HasWon), boolToInt(a.HasClaimed), nanos(a.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert activity %s/%d: %w", p.User, a.MarketID, err)
		}
	}

	for i, v := range r.Votes {
		if _, err := tx.Exec(`
			INSERT INTO votes (id, user, seq, market_id, option, amount, ts)
			VALUES (?,?,?,?,?,?,?)`,
			v.ID, p.User, i, v.MarketID, v.Option, v.Amount.Dec(), nanos(v.Timestamp),
		); err != nil {
			return fmt.Errorf("failed to insert vote %s: %w", v.ID, err)
		}
	}
	return nil
}

// LoadSnapshot returns the stored checkpoint, or nil if none has been saved yet.
func (s *Storage) LoadSnapshot() (*models.Snapshot, error) {
	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	takenAt, ok := meta["taken_at"]
	if !ok {
		return nil, nil
	}
	if v := meta["schema_version"]; v != schemaVersion {
		return nil, fmt.Errorf("unsupported checkpoint schema version %q", v)
	}

	snap := &models.Snapshot{LegacyImported: meta["legacy_imported"] == "true"}
	n, err := strconv.ParseInt(takenAt, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint time: %w", err)
	}
	snap.TakenAt = fromNanos(n)

	if snap.Markets, err = s.loadMarkets(); err != nil {
		return nil, err
	}
	if snap.Users, err = s.loadUsers(); err != nil {
		return nil, err
	}
	if snap.Accounts, err = s.loadAccounts(); err != nil {
		return nil, err
	}
	if snap.Grants, err = s.loadGrants(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Storage) loadGrants() ([]models.Grant, error) {
	rows, err := s.db.Query(`SELECT capability, user FROM grants ORDER BY capability, user`)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()
	var grants []models.Grant
	for rows.Next() {
		var g models.Grant
		if err := rows.Scan(&g.Capability, &g.User); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Storage) loadAccounts() ([]models.Account, error) {
	rows, err := s.db.Query(`SELECT name, balance, nonce FROM accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	index := make(map[string]int)
	for rows.Next() {
		var (
			a       models.Account
			balance string
			nonce   int64
		)
		if err := rows.Scan(&a.Name, &balance, &nonce); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if a.Balance, err = decodeAmount(balance); err != nil {
			return nil, fmt.Errorf("account %s balance: %w", a.Name, err)
		}
		a.Nonce = uint64(nonce)
		index[a.Name] = len(accounts)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.Query(`SELECT owner, spender, amount FROM allowances ORDER BY owner, spender`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allowances: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var owner, spender, encoded string
		if err := arows.Scan(&owner, &spender, &encoded); err != nil {
			return nil, fmt.Errorf("failed to scan allowance: %w", err)
		}
		amount, err := decodeAmount(encoded)
		if err != nil {
			return nil, fmt.Errorf("allowance %s/%s: %w", owner, spender, err)
		}
		a := &accounts[index[owner]]
		if a.Allowances == nil {
			a.Allowances = make(map[string]uint256.Int)
		}
		a.Allowances[spender] = amount
	}
	return accounts, arows.Err()
}

func (s *Storage) loadMeta() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *Storage) loadMarkets() ([]*models.Market, error) {
	rows, err := s.db.Query(`
		SELECT id, question, options, creator, end_time, created_at, outcome, resolved,
		       cancelled, cancel_reason, resolved_at, total_shares, payout_index, winners_count,
		       total_winners_count, distributed, distribution_completed, imported
		FROM markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()

	markets := []*models.Market{}
	byID := make(map[uint64]*models.Market)
	for rows.Next() {
		var (
			m                                   models.Market
			options, totals, distributed        string
			cancelReason                        sql.NullString
			endTime, createdAt, resolvedAt      int64
			outcome                             int
			resolved, cancelled, done, imported int
		)
		err := rows.Scan(
			&m.ID, &m.Question, &options, &m.Creator, &endTime, &createdAt, &outcome, &resolved,
			&cancelled, &cancelReason, &resolvedAt, &totals, &m.PayoutIndex, &m.WinnersCount,
			&m.TotalWinnersCount, &distributed, &done, &imported,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &m.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options of market %d: %w", m.ID, err)
		}
		if m.TotalShares, err = decodeAmounts(totals); err != nil {
			return nil, fmt.Errorf("market %d totals: %w", m.ID, err)
		}
		if m.DistributedWinnings, err = decodeAmount(distributed); err != nil {
			return nil, fmt.Errorf("market %d distributed: %w", m.ID, err)
		}
		m.EndTime = fromNanos(endTime)
		m.CreatedAt = fromNanos(createdAt)
		m.ResolvedAt = fromNanos(resolvedAt)
		m.Outcome = models.Outcome(outcome)
		m.Resolved = resolved != 0
		m.Cancelled = cancelled != 0
		m.CancelReason = cancelReason.String
		m.DistributionCompleted = done != 0
		m.Imported = imported != 0
		m.UserShares = make(map[string][]uint256.Int)
		m.Claimed = make(map[string]bool)
		markets = append(markets, &m)
		byID[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.Query(`SELECT market_id, user, shares, claimed FROM market_positions ORDER BY market_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var (
			marketID      uint64
			user, encoded string
			claimed       int
		)
		if err := prows.Scan(&marketID, &user, &encoded, &claimed); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		m, ok := byID[marketID]
		if !ok {
			return nil, fmt.Errorf("position references unknown market %d", marketID)
		}
		shares, err := decodeAmounts(encoded)
		if err != nil {
			return nil, fmt.Errorf("position %s in market %d: %w", user, marketID, err)
		}
		m.Participants = append(m.Participants, user)
		m.UserShares[user] = shares
		if claimed != 0 {
			m.Claimed[user] = true
		}
	}
	return markets, prows.Err()
}

func (s *Storage) loadUsers() ([]models.UserRecord, error) {
	rows, err := s.db.Query(`
		SELECT user, total_invested, total_winnings, total_losses, markets_participated,
		       markets_won, markets_lost, active_markets, vote_count, first_activity,
		       last_activity, active_set
		FROM profiles ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	users := []models.UserRecord{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			r                          models.UserRecord
			invested, winnings, losses string
			active                     string
			voteCount, first, last     int64
		)
		p := &r.Profile
		err := rows.Scan(
			&p.User, &invested, &winnings, &losses, &p.MarketsParticipated, &p.MarketsWon,
			&p.MarketsLost, &p.ActiveMarkets, &voteCount, &first, &last, &active,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		if p.TotalInvested, err = decodeAmount(invested); err != nil {
			return nil, err
		}
		if p.TotalWinnings, err = decodeAmount(winnings); err != nil {
			return nil, err
		}
		if p.TotalLosses, err = decodeAmount(losses); err != nil {
			return nil, err
		}
		p.VoteCount = uint64(voteCount)
		if err := json.Unmarshal([]byte(active), &r.ActiveMarkets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active set of %s: %w", p.User, err)
		}
		if len(r.ActiveMarkets) == 0 {
			r.ActiveMarkets = nil
		}
		p.FirstActivity = fromNanos(first)
		p.LastActivity = fromNanos(last)
		r.Activities = []models.UserMarketActivity{}
		index[p.User] = len(users)
		users = append(users, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.Query(`
		SELECT user, market_id, invested, total_invested, winnings, has_won, has_claimed, created_at
		FROM activities ORDER BY user, slot`)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var (
			a                        models.UserMarketActivity
			invested, total, winning string
			won, claimed             int
			createdAt                int64
		)
		if err := arows.Scan(&a.User, &a.MarketID, &invested, &total, &winning, &won, &claimed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		i, ok := index[a.User]
		if !ok {
			return nil, fmt.Errorf("activity references unknown user %s", a.User)
		}
		if a.Invested, err = decodeAmounts(invested); err != nil {
			return nil, err
		}
		if a.TotalInvested, err = decodeAmount(total); err != nil {
			return nil, err
		}
		if a.Winnings, err = decodeAmount(winning); err != nil {
			return nil, err
		}
		a.HasWon = won != 0
		a.HasClaimed = claimed != 0
		a.CreatedAt = fromNanos(createdAt)
		users[i].Activities = append(users[i].Activities, a)
	}
	if err := arows.Err(); err != nil {
		return nil, err
	}

	vrows, err := s.db.Query(`SELECT id, user, market_id, option, amount, ts FROM votes ORDER BY user, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var (
			v      models.Vote
			amount string
			ts     int64
		)
		if err := vrows.Scan(&v.ID, &v.User, &v.MarketID, &v.Option, &amount, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		i, ok := index[v.User]
		if !ok {
			return nil, fmt.Errorf("vote references unknown user %s", v.User)
		}
		if v.Amount, err = decodeAmount(amount); err != nil {
			return nil, err
		}
		v.Timestamp = fromNanos(ts)
		users[i].Votes = append(users[i].Votes, v)
	}
	return users, vrows.Err()
}

// AddEvent appends e to the event log and trims the log to the configured size.
func (s *Storage) AddEvent(e models.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO events (id, type, market_id, user, amount, detail, at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, string(e.Type), e.MarketID, e.User, e.Amount, e.Detail, nanos(e.Time),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if s.maxEvents > 0 {
		if _, err := tx.Exec(`
			DELETE FROM events WHERE id NOT IN (
				SELECT id FROM events ORDER BY at DESC LIMIT ?
			)`, s.maxEvents); err != nil {
			return fmt.Errorf("failed to enforce event cap: %w", err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns up to k events, newest first. marketID 0 matches every market.
func (s *Storage) RecentEvents(marketID uint64, k int) ([]models.Event, error) {
	query := `SELECT id, type, market_id, user, amount, detail, at FROM events`
	args := []any{}
	if marketID != 0 {
		query += ` WHERE market_id = ?`
		args = append(args, marketID)
	}
	query += ` ORDER BY at DESC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var (
			e                    models.Event
			typ                  string
			user, amount, detail sql.NullString
			at                   int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.MarketID, &user, &amount, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = models.EventType(typ)
		e.User, e.Amount, e.Detail = user.String, amount.String, detail.String
		e.Time = fromNanos(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ClearEvents empties the event log.
func (s *Storage) ClearEvents() error {
	if _, err := s.db.Exec(`DELETE FROM events`); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}

func encodeAmounts(xs []uint256.Int) (string, error) {
	strs := make([]string, len(xs))
	for i := range xs {
		strs[i] = xs[i].Dec()
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal amounts: %w", err)
	}
	return string(b), nil
}

func decodeAmounts(s string) ([]uint256.Int, error) {
	var strs []string
	if err := json.Unmarshal([]byte(s), &strs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal amounts: %w", err)
	}
	out := make([]uint256.Int, len(strs))
	for i, str := range strs {
		v, err := decodeAmount(str)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decodeAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return *v, nil
}

// nanos maps the zero time to 0 so it survives a round trip.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
