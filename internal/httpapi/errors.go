package httpapi

import (
	"errors"
	"net/http"

	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gin-gonic/gin"
)

const (
	errorCodeUnauthorized        = "unauthorized"
	errorCodeForbidden           = "forbidden"
	errorCodeInvalidPayload      = "invalid_payload"
	errorCodeInvalidReference    = "invalid_reference"
	errorCodeInvalidAmount       = "invalid_amount"
	errorCodeInvalidCurrency     = "invalid_currency"
	errorCodeInvalidRequest      = "invalid_request"
	errorCodeExpectationMismatch = "expectation_mismatch"
	errorCodeBelowMinimum        = "amount_below_minimum"
	errorCodeWalletOwnership     = "wallet_ownership_mismatch"
	errorCodeWalletInactive      = "wallet_inactive"
	errorCodeNotFound            = "not_found"
	errorCodeAlreadyProcessed    = "already_processed"
	errorCodeConflict            = "conflict"
	errorCodeInsufficientBalance = "insufficient_balance"
	errorCodeProviderUnavailable = "provider_unavailable"
	errorCodeInternal            = "internal_error"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings is ordered: the first matching target wins.
var errorMappings = []errorMapping{
	{target: cashout.ErrInvalidTransition, status: http.StatusConflict, code: errorCodeAlreadyProcessed, message: "request already processed by another admin"},
	{target: payment.ErrIntentAlreadySettled, status: http.StatusConflict, code: errorCodeAlreadyProcessed, message: "payment already settled"},
	{target: payment.ErrDuplicatePayment, status: http.StatusConflict, code: errorCodeConflict, message: "transaction already applied to another payment"},
	{target: payment.ErrAlreadyEntitled, status: http.StatusConflict, code: errorCodeConflict, message: "already entitled to this submission"},
	{target: payment.ErrDuplicateEntitlement, status: http.StatusConflict, code: errorCodeConflict, message: "already entitled to this submission"},
	{target: ledger.ErrInsufficientBalance, status: http.StatusUnprocessableEntity, code: errorCodeInsufficientBalance, message: "insufficient balance"},
	{target: cashout.ErrWalletOwnershipMismatch, status: http.StatusForbidden, code: errorCodeWalletOwnership, message: "wallet does not belong to you"},
	{target: payment.ErrIntentOwnership, status: http.StatusForbidden, code: errorCodeForbidden, message: "payment belongs to another user"},
	{target: payment.ErrOwnSubmission, status: http.StatusForbidden, code: errorCodeForbidden, message: "cannot purchase your own submission"},
	{target: cashout.ErrWalletNotFound, status: http.StatusNotFound, code: errorCodeNotFound, message: "wallet not found"},
	{target: cashout.ErrRequestNotFound, status: http.StatusNotFound, code: errorCodeNotFound, message: "cashout request not found"},
	{target: payment.ErrIntentNotFound, status: http.StatusNotFound, code: errorCodeNotFound, message: "payment not found"},
	{target: payment.ErrContestNotFound, status: http.StatusNotFound, code: errorCodeNotFound, message: "contest not found"},
	{target: payment.ErrSubmissionNotFound, status: http.StatusNotFound, code: errorCodeNotFound, message: "submission not found"},
	{target: payment.ErrProviderRateLimited, status: http.StatusServiceUnavailable, code: errorCodeProviderUnavailable, message: "chain provider is rate limiting, try again shortly"},
	{target: payment.ErrProviderUnavailable, status: http.StatusServiceUnavailable, code: errorCodeProviderUnavailable, message: "chain provider unavailable, try again shortly"},
	{target: cashout.ErrWalletInactive, status: http.StatusBadRequest, code: errorCodeWalletInactive, message: "wallet is not active"},
	{target: cashout.ErrAmountBelowMinimum, status: http.StatusBadRequest, code: errorCodeBelowMinimum, message: "amount below cashout minimum"},
	{target: cashout.ErrAmountTooSmall, status: http.StatusBadRequest, code: errorCodeInvalidAmount, message: "amount converts to zero tokens"},
	{target: cashout.ErrUnsupportedToken, status: http.StatusBadRequest, code: errorCodeInvalidCurrency, message: "unsupported cashout token"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: errorCodeInvalidAmount, message: "invalid amount"},
	{target: ledger.ErrInvalidCurrency, status: http.StatusBadRequest, code: errorCodeInvalidCurrency, message: "invalid currency"},
	{target: payment.ErrUnsupportedCurrency, status: http.StatusBadRequest, code: errorCodeInvalidCurrency, message: "currency cannot be paid on chain"},
	{target: payment.ErrInvalidReference, status: http.StatusBadRequest, code: errorCodeInvalidReference, message: "invalid payment reference"},
	{target: payment.ErrInvalidAddress, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid address"},
	{target: payment.ErrInvalidPurpose, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid payment purpose"},
	{target: payment.ErrContestClosed, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "contest is not accepting entries"},
	{target: payment.ErrSubmissionMismatch, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "submission does not belong to this contest"},
	{target: payment.ErrCurrencyMismatch, status: http.StatusBadRequest, code: errorCodeInvalidCurrency, message: "contest does not accept this currency"},
	{target: payment.ErrNotForSale, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "prompt is not for sale in this currency"},
	{target: cashout.ErrReasonRequired, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "rejection reason is required"},
	{target: cashout.ErrTxHashRequired, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "transaction hash is required"},
	{target: cashout.ErrInvalidRequestID, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid cashout request id"},
	{target: cashout.ErrInvalidWalletID, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid wallet id"},
	{target: cashout.ErrInvalidStatus, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid cashout status"},
	{target: ledger.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid metadata"},
	{target: ledger.ErrInvalidSubmissionID, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid submission id"},
	{target: ledger.ErrInvalidContestID, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid contest id"},
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: errorCodeInvalidRequest, message: "invalid user id"},
}

// statusForError maps a domain error to an HTTP status and stable error code.
func statusForError(source error) (int, string, string) {
	for _, mapping := range errorMappings {
		if errors.Is(source, mapping.target) {
			return mapping.status, mapping.code, mapping.message
		}
	}
	return http.StatusInternalServerError, errorCodeInternal, "internal error"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
