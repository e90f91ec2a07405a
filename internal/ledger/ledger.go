// Package ledger implements the multi-option prediction market ledger: positions,
// market lifecycle, cancellation refunds and batched, resumable payout distribution.
//
// Every market owns a mutex. An operation on a market holds that mutex for its whole
// duration and takes the user book mutex after it when it touches profiles. No
// operation ever holds two market mutexes except Snapshot, which takes them in ID order.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

// Scale is the fixed-point factor used by the payout ratio.
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

const (
	DefaultProgressBatchSize = 50
	MaxPageSize              = 1000
)

// Bank moves value in and out of the ledger's escrow account.
type Bank interface {
	Account() string
	Transfer(ctx context.Context, to string, amount *uint256.Int) error
	TransferFrom(ctx context.Context, from, to string, amount *uint256.Int) error
	TransferBatch(ctx context.Context, payments []vault.Payment) error
	// PermitAndTransferFrom consumes a signed allowance and pulls amount with it atomically.
	PermitAndTransferFrom(ctx context.Context, p vault.Permit, to string, amount *uint256.Int) error
}

// AccountStore is implemented by banks whose state travels with ledger snapshots.
type AccountStore interface {
	ExportAccounts() []models.Account
	ImportAccounts(accounts []models.Account) error
}

// GrantStore is implemented by authorizers whose grants travel with ledger snapshots.
type GrantStore interface {
	ExportGrants() []models.Grant
	ImportGrants(grants []models.Grant) error
}

// Authorizer answers capability checks for privileged operations.
type Authorizer interface {
	Has(user string, c access.Capability) bool
	IsOwner(user string) bool
}

// EventSink receives events after the operation that produced them has committed.
// Publish must not block.
type EventSink interface {
	Publish(e models.Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(models.Event)

func (f SinkFunc) Publish(e models.Event) { f(e) }

// FanOut returns a sink that forwards every event to each of sinks.
func FanOut(sinks ...EventSink) EventSink {
	return SinkFunc(func(e models.Event) {
		for _, s := range sinks {
			if s != nil {
				s.Publish(e)
			}
		}
	})
}

// Config tunes a Ledger.
type Config struct {
	// Now is the clock used for trading windows and timestamps. Defaults to time.Now.
	Now func() time.Time
	// ProgressBatchSize is the batch size assumed when estimating remaining batches.
	ProgressBatchSize int
}

// Ledger is safe for concurrent use.
type Ledger struct {
	bank          Bank
	auth          Authorizer
	sink          EventSink
	now           func() time.Time
	progressBatch int

	arenaMu        sync.RWMutex
	markets        []*slot // market ID i lives at index i-1
	legacyImported bool

	usersMu sync.Mutex
	users   *userBook
}

type slot struct {
	mu sync.Mutex
	m  *models.Market
}

// New creates an empty ledger. sink may be nil.
func New(bank Bank, auth Authorizer, sink EventSink, cfg Config) *Ledger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProgressBatchSize <= 0 {
		cfg.ProgressBatchSize = DefaultProgressBatchSize
	}
	return &Ledger{
		bank:          bank,
		auth:          auth,
		sink:          sink,
		now:           cfg.Now,
		progressBatch: cfg.ProgressBatchSize,
		users:         newUserBook(),
	}
}

// CreateMarket opens a new market and returns its ID. IDs start at 1 and are never reused.
func (l *Ledger) CreateMarket(ctx context.Context, caller, question string, options []string, duration time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	caller = vault.Normalize(caller)
	if !l.auth.Has(caller, access.CapCreate) {
		return 0, ErrUnauthorized
	}
	if err := models.ValidateDefinition(question, options, duration); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMarket, err)
	}

	now := l.now()
	l.arenaMu.Lock()
	id := uint64(len(l.markets)) + 1
	m := models.NewMarket(id, question, options, caller, now, now.Add(duration))
	l.markets = append(l.markets, &slot{m: m})
	l.arenaMu.Unlock()

	logger.Info("Market %d created by %s with %d options, ends %s", id, caller, len(options), m.EndTime.Format(time.RFC3339))
	ev := models.NewEvent(models.EventMarketCreated, id, caller, nil, now)
	ev.Detail = question
	l.publish(ev)
	return id, nil
}

func (l *Ledger) slot(id uint64) (*slot, error) {
	l.arenaMu.RLock()
	defer l.arenaMu.RUnlock()
	if id == 0 || id > uint64(len(l.markets)) {
		return nil, fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	return l.markets[id-1], nil
}

func (l *Ledger) slots() []*slot {
	l.arenaMu.RLock()
	defer l.arenaMu.RUnlock()
	return append([]*slot(nil), l.markets...)
}

func (l *Ledger) publish(events ...models.Event) {
	if l.sink == nil {
		return
	}
	for _, e := range events {
		l.sink.Publish(e)
	}
}

// addChecked sums the operands, reporting overflow.
func addChecked(xs ...*uint256.Int) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, x := range xs {
		if _, overflow := total.AddOverflow(total, x); overflow {
			return nil, ErrOverflow
		}
	}
	return total, nil
}
