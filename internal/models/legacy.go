package models

import (
	"time"

	"github.com/holiman/uint256"
)

// Legacy two-way outcome codes.
const (
	LegacyUnresolved uint8 = 0
	LegacyOptionA    uint8 = 1
	LegacyOptionB    uint8 = 2
	LegacyCancelled  uint8 = 3
)

// LegacyMarket is a binary market as reported by the legacy source.
type LegacyMarket struct {
	Question string
	OptionA  string
	OptionB  string
	EndTime  time.Time
	Outcome  uint8
	SharesA  uint256.Int
	SharesB  uint256.Int
	Resolved bool
}
