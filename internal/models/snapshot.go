package models

import (
	"time"

	"github.com/holiman/uint256"
)

// UserRecord is everything the ledger owns for one user.
type UserRecord struct {
	Profile       UserProfile
	Activities    []UserMarketActivity // slot order
	ActiveMarkets []uint64
	Votes         []Vote
}

// Snapshot is a point-in-time copy of the full ledger used for checkpointing.
// Users are listed in global registration order.
type Snapshot struct {
	Markets        []*Market
	Users          []UserRecord
	Accounts       []Account // value ledger state, sorted by account
	Grants         []Grant   // capabilities granted at runtime, sorted
	LegacyImported bool
	TakenAt        time.Time
}

// Grant records that User holds Capability.
type Grant struct {
	Capability string
	User       string
}

// Account is one value ledger account at checkpoint time.
type Account struct {
	Name       string
	Balance    uint256.Int
	Nonce      uint64
	Allowances map[string]uint256.Int // spender -> remaining; nil when none
}
