package order

import "errors"

// Errors returned by the matching core. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrNotFound              = errors.New("order not found")
	ErrAlreadyFilled         = errors.New("order already closed")
	ErrUnknownPair           = errors.New("unknown currency pair")
	ErrMarketHalted          = errors.New("market not accepting orders")
)
