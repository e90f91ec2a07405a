package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventType names a ledger lifecycle event.
type EventType string

const (
	EventMarketCreated         EventType = "market_created"
	EventStake                 EventType = "stake"
	EventMarketResolved        EventType = "market_resolved"
	EventMarketCancelled       EventType = "market_cancelled"
	EventRefund                EventType = "refund"
	EventBatchDistributed      EventType = "batch_distributed"
	EventDistributionCompleted EventType = "distribution_completed"
	EventLegacyImported        EventType = "legacy_imported"
)

// Event is emitted after a mutating ledger operation commits.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	MarketID uint64    `json:"market_id"`
	User     string    `json:"user,omitempty"`
	Amount   string    `json:"amount,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// NewEvent stamps a new event with a random ID.
func NewEvent(typ EventType, marketID uint64, user string, amount *uint256.Int, at time.Time) Event {
	e := Event{
		ID:       uuid.New().String(),
		Type:     typ,
		MarketID: marketID,
		User:     user,
		Time:     at,
	}
	if amount != nil {
		e.Amount = amount.Dec()
	}
	return e
}
