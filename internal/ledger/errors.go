package ledger

import "errors"

var (
	ErrMarketNotFound        = errors.New("market not found")
	ErrUnauthorized          = errors.New("caller lacks the required capability")
	ErrInvalidMarket         = errors.New("invalid market definition")
	ErrInvalidUser           = errors.New("user must not be empty")
	ErrZeroAmount            = errors.New("amount must be greater than zero")
	ErrInvalidOption         = errors.New("option index out of range")
	ErrTradingEnded          = errors.New("market trading period has ended")
	ErrMarketNotEnded        = errors.New("market has not ended yet")
	ErrAlreadyResolved       = errors.New("market already resolved")
	ErrAlreadyCancelled      = errors.New("market already cancelled")
	ErrInvalidOutcome        = errors.New("outcome must name one of the market options")
	ErrNotCancelled          = errors.New("market is not cancelled")
	ErrAlreadyRefunded       = errors.New("already refunded")
	ErrNothingToRefund       = errors.New("no stake to refund")
	ErrNotResolved           = errors.New("market is not resolved")
	ErrMarketCancelled       = errors.New("market was cancelled")
	ErrDistributionCompleted = errors.New("distribution already completed")
	ErrNoWinningShares       = errors.New("no winning shares")
	ErrInvalidBatchSize      = errors.New("batch size must be greater than zero")
	ErrOverflow              = errors.New("arithmetic overflow")
	ErrTransferFailed        = errors.New("value transfer failed")
	ErrPermitOwner           = errors.New("permit owner does not match staker")
	ErrOffsetOutOfBounds     = errors.New("offset out of bounds")
	ErrAlreadyImported       = errors.New("legacy markets already imported")
	ErrImportAfterStart      = errors.New("legacy import must run before any market is created")
	ErrNotEmpty              = errors.New("ledger already holds state")
)
