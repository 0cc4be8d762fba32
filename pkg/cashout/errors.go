package cashout

import "errors"

// Domain-level error values returned by the cashout service.
var (
	ErrInvalidTransition       = errors.New("invalid cashout transition")
	ErrWalletOwnershipMismatch = errors.New("wallet does not belong to user")
	ErrWalletInactive          = errors.New("wallet is not active")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrRequestNotFound         = errors.New("cashout request not found")
	ErrAmountBelowMinimum      = errors.New("cashout amount below minimum")
	ErrUnsupportedToken        = errors.New("unsupported cashout token")
	ErrAmountTooSmall          = errors.New("cashout converts to zero tokens")
	ErrReasonRequired          = errors.New("rejection reason is required")
	ErrActorRequired           = errors.New("admin actor is required")
	ErrTxHashRequired          = errors.New("transaction hash is required")
	ErrInvalidRequestID        = errors.New("invalid cashout request id")
	ErrInvalidWalletID         = errors.New("invalid wallet id")
	ErrInvalidStatus           = errors.New("invalid cashout status")
	ErrInvalidServiceConfig    = errors.New("invalid cashout service config")
)
