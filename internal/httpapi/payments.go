package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/gin-gonic/gin"
)

type createPaymentRequest struct {
	Purpose      string `json:"purpose"`
	ContestID    string `json:"contest_id"`
	SubmissionID string `json:"submission_id"`
	Currency     string `json:"currency"`
}

type verifyPaymentRequest struct {
	Reference        string `json:"reference"`
	ExpectedAmount   string `json:"expectedAmount"`
	RecipientAddress string `json:"recipientAddress"`
	ContestID        string `json:"contestId"`
}

type verifyPaymentResponse struct {
	Found          bool   `json:"found"`
	Success        bool   `json:"success"`
	Outcome        string `json:"outcome"`
	TxHash         string `json:"txHash,omitempty"`
	Message        string `json:"message,omitempty"`
	AlreadyApplied bool   `json:"alreadyApplied,omitempty"`
	Expected       string `json:"expectedAmount,omitempty"`
	Observed       string `json:"observedAmount,omitempty"`
}

type purchaseWithBalanceRequest struct {
	SubmissionID string `json:"submission_id"`
}

type intentPayload struct {
	Reference      string `json:"reference"`
	Purpose        string `json:"purpose"`
	ContestID      string `json:"contest_id,omitempty"`
	SubmissionID   string `json:"submission_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Recipient      string `json:"recipient"`
	Status         string `json:"status"`
	PaymentURL     string `json:"payment_url"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type entitlementPayload struct {
	EntitlementID  string `json:"entitlement_id"`
	SubmissionID   string `json:"submission_id"`
	ContestID      string `json:"contest_id,omitempty"`
	Kind           string `json:"kind"`
	Source         string `json:"source"`
	TxHash         string `json:"tx_hash,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func (handler *httpHandler) handleCreatePayment(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request createPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	purpose, err := payment.ParsePurpose(request.Purpose)
	if err != nil {
		handler.respondError(ctx, "create payment", err)
		return
	}
	currency, err := ledger.ParseCurrency(request.Currency)
	if err != nil {
		handler.respondError(ctx, "create payment", err)
		return
	}

	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	intent, err := handler.settler.CreateIntent(requestCtx, payment.IntentRequest{
		UserID:       userID,
		Purpose:      purpose,
		ContestID:    request.ContestID,
		SubmissionID: request.SubmissionID,
		Currency:     currency,
	})
	if err != nil {
		handler.respondError(ctx, "create payment", err)
		return
	}
	mint, err := handler.settler.MintFor(intent.Currency)
	if err != nil {
		handler.respondError(ctx, "create payment", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"intent": newIntentPayload(intent, mint)})
}

func (handler *httpHandler) handleVerifyPayment(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request verifyPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	reference, err := payment.ParseReference(request.Reference)
	if err != nil {
		handler.respondError(ctx, "verify payment", err)
		return
	}

	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	intent, err := handler.settler.GetIntent(requestCtx, reference, userID)
	if err != nil {
		handler.respondError(ctx, "verify payment", err)
		return
	}
	if err := matchClientExpectation(intent, request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeExpectationMismatch, err.Error()))
		return
	}

	result, err := handler.settler.VerifyAndSettle(requestCtx, reference, userID)
	if err != nil {
		handler.respondError(ctx, "verify payment", err)
		return
	}
	ctx.JSON(http.StatusOK, newVerifyPaymentResponse(result))
}

// matchClientExpectation rejects a verification whose client-side parameters
// disagree with the stored intent. Empty fields are not checked.
func matchClientExpectation(intent payment.Intent, request verifyPaymentRequest) error {
	if strings.TrimSpace(request.ExpectedAmount) != "" {
		expected, err := ledger.ParseAmount(intent.Currency, request.ExpectedAmount)
		if err != nil {
			return fmt.Errorf("expected amount: %v", err)
		}
		if expected != intent.Amount {
			return fmt.Errorf("expected amount %s does not match payment amount %s", request.ExpectedAmount, ledger.FormatAmount(intent.Currency, intent.Amount))
		}
	}
	if recipient := strings.TrimSpace(request.RecipientAddress); recipient != "" && recipient != intent.Recipient {
		return fmt.Errorf("recipient address does not match payment recipient")
	}
	if contestID := strings.TrimSpace(request.ContestID); contestID != "" && contestID != intent.ContestID {
		return fmt.Errorf("contest does not match payment")
	}
	return nil
}

func (handler *httpHandler) handlePurchaseWithBalance(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request purchaseWithBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	submissionID, err := ledger.NewSubmissionID(request.SubmissionID)
	if err != nil {
		handler.respondError(ctx, "purchase with balance", err)
		return
	}
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	entitlement, err := handler.settler.PurchaseWithBalance(requestCtx, userID, submissionID)
	if err != nil {
		handler.respondError(ctx, "purchase with balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entitlement": newEntitlementPayload(entitlement)})
}

func (handler *httpHandler) handleBalances(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	balances, err := handler.ledger.Balances(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balances", err)
		return
	}
	payload := gin.H{}
	for _, currency := range ledger.Currencies() {
		payload[currency.String()] = ledger.FormatAmount(currency, balances[currency])
	}
	ctx.JSON(http.StatusOK, gin.H{"balances": payload})
}

func newIntentPayload(intent payment.Intent, mint string) intentPayload {
	return intentPayload{
		Reference:      intent.Reference.String(),
		Purpose:        string(intent.Purpose),
		ContestID:      intent.ContestID,
		SubmissionID:   intent.SubmissionID,
		Amount:         ledger.FormatAmount(intent.Currency, intent.Amount),
		Currency:       intent.Currency.String(),
		Recipient:      intent.Recipient,
		Status:         string(intent.Status),
		PaymentURL:     payment.PaymentRequestURL(intent, mint, paymentLabel, string(intent.Purpose)),
		CreatedUnixUTC: intent.CreatedUnixUTC,
	}
}

func newVerifyPaymentResponse(result payment.SettlementResult) verifyPaymentResponse {
	verification := result.Verification
	response := verifyPaymentResponse{
		Found:          result.Found(),
		Success:        result.Success(),
		Outcome:        string(verification.Outcome),
		TxHash:         verification.TxHash,
		Message:        verification.Message,
		AlreadyApplied: result.AlreadyApplied,
	}
	if verification.Outcome == payment.OutcomeAmountMismatch {
		response.Expected = ledger.FormatAmount(verification.Currency, verification.Expected)
		response.Observed = ledger.FormatAmount(verification.Currency, verification.Observed)
	}
	return response
}

func newEntitlementPayload(entitlement payment.Entitlement) entitlementPayload {
	return entitlementPayload{
		EntitlementID:  entitlement.EntitlementID,
		SubmissionID:   entitlement.SubmissionID,
		ContestID:      entitlement.ContestID,
		Kind:           string(entitlement.Kind),
		Source:         string(entitlement.Source),
		TxHash:         entitlement.TxHash,
		CreatedUnixUTC: entitlement.CreatedUnixUTC,
	}
}
