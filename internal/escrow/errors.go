package escrow

import "errors"

// Error taxonomy. All operations report failures synchronously by wrapping
// one of these sentinels, so adapters can classify with errors.Is without
// parsing messages. Nothing is retried by the registry itself.
var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrNotAuthorized   = errors.New("caller not authorized for this transition")
	ErrInvalidState    = errors.New("transition not valid from current status")
	ErrBuyerAlreadySet = errors.New("buyer already assigned")
	ErrInvalidBuyer    = errors.New("invalid buyer")
	ErrTransferFailed  = errors.New("asset transfer failed")
)
