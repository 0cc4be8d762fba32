package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/gin-gonic/gin"
)

type createCashoutRequest struct {
	WalletID    string `json:"walletId"`
	AmountGlory int64  `json:"amountGlory"`
	TokenType   string `json:"tokenType"`
}

type transitionRequest struct {
	Reason string          `json:"reason"`
	Notes  string          `json:"notes"`
	TxHash string          `json:"txHash"`
	TxMeta json.RawMessage `json:"txMeta"`
}

type cashoutPayload struct {
	RequestID          string `json:"id"`
	WalletID           string `json:"walletId"`
	DestinationAddress string `json:"destinationAddress"`
	AmountGlory        int64  `json:"amountGlory"`
	AmountToken        string `json:"amountToken"`
	TokenType          string `json:"tokenType"`
	Status             string `json:"status"`
	AdminID            string `json:"adminId,omitempty"`
	TxHash             string `json:"txHash,omitempty"`
	RejectionReason    string `json:"rejectionReason,omitempty"`
	CreatedUnixUTC     int64  `json:"createdUnixUtc"`
	UpdatedUnixUTC     int64  `json:"updatedUnixUtc"`
}

type cashoutEventPayload struct {
	FromStatus     string `json:"fromStatus,omitempty"`
	ToStatus       string `json:"toStatus"`
	ActorUserID    string `json:"actorUserId"`
	Notes          string `json:"notes,omitempty"`
	CreatedUnixUTC int64  `json:"createdUnixUtc"`
}

func (handler *httpHandler) handleCreateCashout(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request createCashoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	amount, err := ledger.NewPositiveAmount(request.AmountGlory)
	if err != nil {
		handler.respondError(ctx, "create cashout", err)
		return
	}
	tokenType, err := ledger.ParseCurrency(request.TokenType)
	if err != nil {
		handler.respondError(ctx, "create cashout", err)
		return
	}
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	created, err := handler.cashouts.Create(requestCtx, userID, request.WalletID, amount, tokenType)
	if err != nil {
		handler.respondError(ctx, "create cashout", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"cashout": newCashoutPayload(created)})
}

func (handler *httpHandler) handleListCashouts(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	requests, err := handler.cashouts.History(requestCtx, userID, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "list cashouts", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cashouts": newCashoutPayloads(requests)})
}

func (handler *httpHandler) handleAdminListCashouts(ctx *gin.Context) {
	status, err := cashout.ParseStatus(ctx.DefaultQuery("status", string(cashout.StatusPending)))
	if err != nil {
		handler.respondError(ctx, "admin list cashouts", err)
		return
	}
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	requests, err := handler.cashouts.ListByStatus(requestCtx, status, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "admin list cashouts", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cashouts": newCashoutPayloads(requests)})
}

func (handler *httpHandler) handleAdminGetCashout(ctx *gin.Context) {
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	request, events, err := handler.cashouts.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "admin get cashout", err)
		return
	}
	eventPayloads := make([]cashoutEventPayload, 0, len(events))
	for _, event := range events {
		eventPayloads = append(eventPayloads, cashoutEventPayload{
			FromStatus:     string(event.FromStatus),
			ToStatus:       string(event.ToStatus),
			ActorUserID:    event.ActorUserID,
			Notes:          event.Notes,
			CreatedUnixUTC: event.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"cashout": newCashoutPayload(request), "events": eventPayloads})
}

func (handler *httpHandler) handleApproveCashout(ctx *gin.Context) {
	handler.applyTransition(ctx, "approve cashout", func(requestCtx context.Context, adminID ledger.UserID, requestID string, _ transitionRequest) (cashout.Request, error) {
		return handler.cashouts.Approve(requestCtx, requestID, adminID)
	})
}

func (handler *httpHandler) handleRejectCashout(ctx *gin.Context) {
	handler.applyTransition(ctx, "reject cashout", func(requestCtx context.Context, adminID ledger.UserID, requestID string, body transitionRequest) (cashout.Request, error) {
		return handler.cashouts.Reject(requestCtx, requestID, adminID, body.Reason)
	})
}

func (handler *httpHandler) handleMarkSentCashout(ctx *gin.Context) {
	handler.applyTransition(ctx, "mark cashout sent", func(requestCtx context.Context, adminID ledger.UserID, requestID string, body transitionRequest) (cashout.Request, error) {
		if strings.TrimSpace(body.TxHash) == "" {
			return cashout.Request{}, cashout.ErrTxHashRequired
		}
		if _, err := ledger.NewMetadataJSON(string(body.TxMeta)); err != nil {
			return cashout.Request{}, err
		}
		current, _, err := handler.cashouts.Get(requestCtx, requestID)
		if err != nil {
			return cashout.Request{}, err
		}
		// Manual payouts skip the worker, so the debit happens here. A request
		// already processing belongs to the worker's in-flight transfer.
		if current.Status != cashout.StatusApproved {
			return cashout.Request{}, fmt.Errorf("%w: %s request cannot be marked sent", cashout.ErrInvalidTransition, current.Status)
		}
		if _, err := handler.cashouts.BeginProcessing(requestCtx, requestID); err != nil {
			return cashout.Request{}, err
		}
		return handler.cashouts.MarkSent(requestCtx, requestID, adminID.String(), body.TxHash, string(body.TxMeta))
	})
}

func (handler *httpHandler) handleConfirmCashout(ctx *gin.Context) {
	handler.applyTransition(ctx, "confirm cashout", func(requestCtx context.Context, adminID ledger.UserID, requestID string, body transitionRequest) (cashout.Request, error) {
		return handler.cashouts.MarkConfirmed(requestCtx, requestID, adminID.String(), body.Notes)
	})
}

func (handler *httpHandler) handleFailCashout(ctx *gin.Context) {
	handler.applyTransition(ctx, "fail cashout", func(requestCtx context.Context, adminID ledger.UserID, requestID string, body transitionRequest) (cashout.Request, error) {
		return handler.cashouts.MarkFailed(requestCtx, requestID, adminID.String(), body.Notes)
	})
}

type transitionFunc func(ctx context.Context, adminID ledger.UserID, requestID string, body transitionRequest) (cashout.Request, error)

func (handler *httpHandler) applyTransition(ctx *gin.Context, operation string, apply transitionFunc) {
	adminID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var body transitionRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&body); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
			return
		}
	}
	requestCtx, cancel := requestContext(ctx)
	defer cancel()
	updated, err := apply(requestCtx, adminID, ctx.Param("id"), body)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cashout": newCashoutPayload(updated)})
}

func queryLimit(ctx *gin.Context) int {
	raw := strings.TrimSpace(ctx.Query("limit"))
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func newCashoutPayloads(requests []cashout.Request) []cashoutPayload {
	payloads := make([]cashoutPayload, 0, len(requests))
	for _, request := range requests {
		payloads = append(payloads, newCashoutPayload(request))
	}
	return payloads
}

func newCashoutPayload(request cashout.Request) cashoutPayload {
	return cashoutPayload{
		RequestID:          request.RequestID,
		WalletID:           request.WalletID,
		DestinationAddress: request.DestinationAddress,
		AmountGlory:        request.AmountGlory.Int64(),
		AmountToken:        request.AmountToken,
		TokenType:          request.TokenType.String(),
		Status:             string(request.Status),
		AdminID:            request.AdminID,
		TxHash:             request.TxHash,
		RejectionReason:    request.RejectionReason,
		CreatedUnixUTC:     request.CreatedUnixUTC,
		UpdatedUnixUTC:     request.UpdatedUnixUTC,
	}
}
