package gormstore

import (
	"context"
	"errors"

	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"gorm.io/gorm"
)

const contestStatusOpen = "open"

// WithSettlementTx executes fn within a transaction scoped to payment settlement.
func (store *Store) WithSettlementTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	return store.transaction(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, txStore)
	})
}

func (store *Store) CreateIntent(ctx context.Context, intent payment.Intent) error {
	model := PaymentIntent{
		Reference:      intent.Reference.String(),
		UserID:         intent.UserID.String(),
		Purpose:        string(intent.Purpose),
		ContestID:      stringPointer(intent.ContestID),
		SubmissionID:   stringPointer(intent.SubmissionID),
		ExpectedAmount: intent.Amount.Int64(),
		Currency:       intent.Currency.String(),
		Recipient:      intent.Recipient,
		Status:         string(payment.IntentStatusPending),
		CreatedAt:      unixOrNow(intent.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, payment.ErrInvalidReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntent(ctx context.Context, reference payment.Reference) (payment.Intent, error) {
	var model PaymentIntent
	err := store.db.WithContext(ctx).Where("reference = ?", reference.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, payment.ErrIntentNotFound)
	}
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	intent, err := mapPaymentIntent(model)
	if err != nil {
		return payment.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *Store) MarkIntentSettled(ctx context.Context, reference payment.Reference, txHash string, atUnixUTC int64) error {
	settledAt := unixOrNow(atUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("reference = ? AND status = ?", reference.String(), string(payment.IntentStatusPending)).
		Updates(map[string]interface{}{
			"status":     string(payment.IntentStatusSettled),
			"tx_hash":    txHash,
			"settled_at": settledAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, payment.ErrIntentAlreadySettled)
	}
	return nil
}

func (store *Store) CreateEntitlement(ctx context.Context, entitlement payment.Entitlement) (payment.Entitlement, error) {
	model := Entitlement{
		BuyerID:      entitlement.BuyerID,
		SubmissionID: entitlement.SubmissionID,
		ContestID:    stringPointer(entitlement.ContestID),
		Kind:         string(entitlement.Kind),
		Source:       string(entitlement.Source),
		Reference:    stringPointer(entitlement.Reference),
		TxHash:       stringPointer(entitlement.TxHash),
		CreatedAt:    unixOrNow(entitlement.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return payment.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeDuplicate, payment.ErrDuplicateEntitlement)
	}
	if err != nil {
		return payment.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeCreate, err)
	}
	return mapEntitlement(model), nil
}

func (store *Store) GetEntitlement(ctx context.Context, buyerID ledger.UserID, submissionID ledger.SubmissionID) (payment.Entitlement, error) {
	var model Entitlement
	err := store.db.WithContext(ctx).
		Where("buyer_id = ? AND submission_id = ?", buyerID.String(), submissionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, payment.ErrEntitlementNotFound)
	}
	if err != nil {
		return payment.Entitlement{}, wrapStoreError(errorSubjectEntitlement, errorCodeGet, err)
	}
	return mapEntitlement(model), nil
}

// GetContest reads a contest from the catalog tables.
func (store *Store) GetContest(ctx context.Context, contestID ledger.ContestID) (payment.Contest, error) {
	var model Contest
	err := store.db.WithContext(ctx).Where("id = ?", contestID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Contest{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, payment.ErrContestNotFound)
	}
	if err != nil {
		return payment.Contest{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	currency, err := ledger.ParseCurrency(model.EntryFeeCurrency)
	if err != nil {
		return payment.Contest{}, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
	}
	return payment.Contest{
		ContestID:        model.ContestID,
		EntryFee:         ledger.Amount(model.EntryFee),
		EntryFeeCurrency: currency,
		Open:             model.Status == contestStatusOpen,
	}, nil
}

// GetSubmission reads a submission from the catalog tables.
func (store *Store) GetSubmission(ctx context.Context, submissionID ledger.SubmissionID) (payment.Submission, error) {
	var model Submission
	err := store.db.WithContext(ctx).Where("id = ?", submissionID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Submission{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, payment.ErrSubmissionNotFound)
	}
	if err != nil {
		return payment.Submission{}, wrapStoreError(errorSubjectCatalog, errorCodeGet, err)
	}
	return payment.Submission{
		SubmissionID:     model.SubmissionID,
		ContestID:        model.ContestID,
		OwnerID:          model.OwnerID,
		PromptPriceGlory: ledger.Amount(model.PromptPriceGlory),
		PromptPriceSOL:   ledger.Amount(model.PromptPriceSOL),
	}, nil
}

func mapPaymentIntent(model PaymentIntent) (payment.Intent, error) {
	reference, err := payment.ParseReference(model.Reference)
	if err != nil {
		return payment.Intent{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return payment.Intent{}, err
	}
	purpose, err := payment.ParsePurpose(model.Purpose)
	if err != nil {
		return payment.Intent{}, err
	}
	currency, err := ledger.ParseCurrency(model.Currency)
	if err != nil {
		return payment.Intent{}, err
	}
	return payment.Intent{
		Reference:      reference,
		UserID:         userID,
		Purpose:        purpose,
		ContestID:      stringOrEmpty(model.ContestID),
		SubmissionID:   stringOrEmpty(model.SubmissionID),
		Amount:         ledger.Amount(model.ExpectedAmount),
		Currency:       currency,
		Recipient:      model.Recipient,
		Status:         payment.IntentStatus(model.Status),
		TxHash:         stringOrEmpty(model.TxHash),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		SettledUnixUTC: unixOrZero(model.SettledAt),
	}, nil
}

func mapEntitlement(model Entitlement) payment.Entitlement {
	return payment.Entitlement{
		EntitlementID:  model.EntitlementID,
		BuyerID:        model.BuyerID,
		SubmissionID:   model.SubmissionID,
		ContestID:      stringOrEmpty(model.ContestID),
		Kind:           payment.EntitlementKind(model.Kind),
		Source:         payment.EntitlementSource(model.Source),
		Reference:      stringOrEmpty(model.Reference),
		TxHash:         stringOrEmpty(model.TxHash),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}
