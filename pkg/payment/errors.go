package payment

import "errors"

// Chain query failures. Both provider errors are retryable and distinct from not-found.
var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrProviderUnavailable  = errors.New("chain provider unavailable")
	ErrProviderRateLimited  = errors.New("chain provider rate limited")
	ErrInvalidReference     = errors.New("invalid payment reference")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidExpectation   = errors.New("invalid payment expectation")
	ErrUnsupportedCurrency  = errors.New("currency cannot be paid on chain")
	ErrInvalidPurpose       = errors.New("invalid payment purpose")
	ErrInvalidServiceConfig = errors.New("invalid payment service config")
)

// Settlement failures.
var (
	ErrIntentNotFound       = errors.New("payment intent not found")
	ErrIntentOwnership      = errors.New("payment intent belongs to another user")
	ErrIntentAlreadySettled = errors.New("payment intent already settled")
	ErrDuplicatePayment     = errors.New("transaction already applied to another payment")
	ErrDuplicateEntitlement = errors.New("entitlement already granted")
	ErrEntitlementNotFound  = errors.New("entitlement not found")
	ErrContestNotFound      = errors.New("contest not found")
	ErrContestClosed        = errors.New("contest is not accepting entries")
	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrSubmissionMismatch   = errors.New("submission does not belong to this contest entry")
	ErrCurrencyMismatch     = errors.New("contest does not accept this currency")
	ErrNotForSale           = errors.New("prompt is not for sale in this currency")
	ErrOwnSubmission        = errors.New("cannot purchase your own submission")
	ErrAlreadyEntitled      = errors.New("already entitled to this submission")
)

// IsRetryable reports whether a chain query error may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderRateLimited)
}
