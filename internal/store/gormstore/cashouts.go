package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WithCashoutTx executes fn within a transaction scoped to one cashout transition.
func (store *Store) WithCashoutTx(ctx context.Context, fn func(ctx context.Context, txStore cashout.Store) error) error {
	return store.transaction(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, txStore)
	})
}

// CreateWallet records a linked wallet. The wallet-link flow owns verification;
// this is used for seeding and tests.
func (store *Store) CreateWallet(ctx context.Context, wallet cashout.Wallet) (cashout.Wallet, error) {
	model := UserWallet{
		WalletID: wallet.WalletID,
		UserID:   wallet.UserID,
		Address:  wallet.Address,
		Provider: wallet.Provider,
		Status:   string(wallet.Status),
	}
	if wallet.VerifiedUnixUTC != 0 {
		verifiedAt := time.Unix(wallet.VerifiedUnixUTC, 0).UTC()
		model.VerifiedAt = &verifiedAt
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return cashout.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return mapWallet(model), nil
}

func (store *Store) GetWallet(ctx context.Context, walletID string) (cashout.Wallet, error) {
	var model UserWallet
	err := store.db.WithContext(ctx).Where("id = ?", walletID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cashout.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, cashout.ErrWalletNotFound)
	}
	if err != nil {
		return cashout.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model), nil
}

func (store *Store) CreateRequest(ctx context.Context, request cashout.Request) (cashout.Request, error) {
	model := CashoutRequest{
		UserID:             request.UserID,
		WalletID:           request.WalletID,
		DestinationAddress: request.DestinationAddress,
		AmountGlory:        request.AmountGlory.Int64(),
		AmountToken:        request.AmountToken,
		TokenType:          request.TokenType.String(),
		Status:             request.Status.String(),
		Debited:            request.Debited,
		CreatedAt:          unixOrNow(request.CreatedUnixUTC),
		UpdatedAt:          unixOrNow(request.UpdatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return cashout.Request{}, wrapStoreError(errorSubjectCashout, errorCodeCreate, err)
	}
	created, err := mapCashoutRequest(model)
	if err != nil {
		return cashout.Request{}, wrapStoreError(errorSubjectCashout, errorCodeInvalid, err)
	}
	return created, nil
}

func (store *Store) GetRequest(ctx context.Context, requestID string) (cashout.Request, error) {
	var model CashoutRequest
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("id = ?", requestID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cashout.Request{}, wrapStoreError(errorSubjectCashout, errorCodeGet, cashout.ErrRequestNotFound)
	}
	if err != nil {
		return cashout.Request{}, wrapStoreError(errorSubjectCashout, errorCodeGet, err)
	}
	request, err := mapCashoutRequest(model)
	if err != nil {
		return cashout.Request{}, wrapStoreError(errorSubjectCashout, errorCodeInvalid, err)
	}
	return request, nil
}

func (store *Store) UpdateRequest(ctx context.Context, request cashout.Request, expected cashout.Status) error {
	updates := map[string]interface{}{
		"status":           request.Status.String(),
		"admin_id":         stringPointer(request.AdminID),
		"tx_hash":          stringPointer(request.TxHash),
		"rejection_reason": stringPointer(request.RejectionReason),
		"debited":          request.Debited,
		"updated_at":       unixOrNow(request.UpdatedUnixUTC),
	}
	if request.TxMetaJSON != "" {
		updates["tx_meta"] = datatypesJSON(request.TxMetaJSON)
	}
	result := store.db.WithContext(ctx).
		Model(&CashoutRequest{}).
		Where("id = ? AND status = ?", request.RequestID, expected.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectCashout, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCashout, errorCodeUpdateStatus, cashout.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) InsertEvent(ctx context.Context, event cashout.Event) (cashout.Event, error) {
	var last sqlSum
	err := store.db.WithContext(ctx).
		Model(&CashoutEvent{}).
		Select("coalesce(max(sequence),0) as total").
		Where("cashout_request_id = ?", event.RequestID).
		Scan(&last).Error
	if err != nil {
		return cashout.Event{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	model := CashoutEvent{
		CashoutRequestID: event.RequestID,
		Sequence:         last.Total + 1,
		FromStatus:       event.FromStatus.String(),
		ToStatus:         event.ToStatus.String(),
		ActorUserID:      stringPointer(event.ActorUserID),
		Notes:            event.Notes,
		CreatedAt:        unixOrNow(event.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return cashout.Event{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return mapCashoutEvent(model), nil
}

func (store *Store) ListEvents(ctx context.Context, requestID string) ([]cashout.Event, error) {
	var rows []CashoutEvent
	err := store.db.WithContext(ctx).
		Where("cashout_request_id = ?", requestID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]cashout.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, mapCashoutEvent(row))
	}
	return events, nil
}

func (store *Store) ListRequestsByUser(ctx context.Context, userID ledger.UserID, limit int) ([]cashout.Request, error) {
	return store.listRequests(store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit))
}

func (store *Store) ListRequestsByStatus(ctx context.Context, status cashout.Status, limit int) ([]cashout.Request, error) {
	return store.listRequests(store.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("created_at ASC").
		Limit(limit))
}

func (store *Store) SumOpenRequests(ctx context.Context, userID ledger.UserID) (ledger.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CashoutRequest{}).
		Select("coalesce(sum(amount_glory),0) as total").
		Where("user_id = ? AND debited = ? AND status IN ?", userID.String(), false,
			[]string{cashout.StatusPending.String(), cashout.StatusApproved.String()}).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCashout, errorCodeSum, err)
	}
	return ledger.Amount(sum.Total), nil
}

func (store *Store) listRequests(query *gorm.DB) ([]cashout.Request, error) {
	var rows []CashoutRequest
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCashout, errorCodeList, err)
	}
	requests := make([]cashout.Request, 0, len(rows))
	for _, row := range rows {
		request, err := mapCashoutRequest(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCashout, errorCodeInvalid, err)
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func mapWallet(model UserWallet) cashout.Wallet {
	return cashout.Wallet{
		WalletID:        model.WalletID,
		UserID:          model.UserID,
		Address:         model.Address,
		Provider:        model.Provider,
		Status:          cashout.WalletStatus(model.Status),
		VerifiedUnixUTC: unixOrZero(model.VerifiedAt),
	}
}

func mapCashoutRequest(model CashoutRequest) (cashout.Request, error) {
	status, err := cashout.ParseStatus(model.Status)
	if err != nil {
		return cashout.Request{}, err
	}
	tokenType, err := ledger.ParseCurrency(model.TokenType)
	if err != nil {
		return cashout.Request{}, err
	}
	return cashout.Request{
		RequestID:          model.RequestID,
		UserID:             model.UserID,
		WalletID:           model.WalletID,
		DestinationAddress: model.DestinationAddress,
		AmountGlory:        ledger.Amount(model.AmountGlory),
		AmountToken:        model.AmountToken,
		TokenType:          tokenType,
		Status:             status,
		AdminID:            stringOrEmpty(model.AdminID),
		TxHash:             stringOrEmpty(model.TxHash),
		TxMetaJSON:         string(model.TxMeta),
		RejectionReason:    stringOrEmpty(model.RejectionReason),
		Debited:            model.Debited,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
		UpdatedUnixUTC:     model.UpdatedAt.Unix(),
	}, nil
}

func mapCashoutEvent(model CashoutEvent) cashout.Event {
	return cashout.Event{
		EventID:        model.EventID,
		RequestID:      model.CashoutRequestID,
		FromStatus:     cashout.Status(model.FromStatus),
		ToStatus:       cashout.Status(model.ToStatus),
		ActorUserID:    stringOrEmpty(model.ActorUserID),
		Notes:          model.Notes,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}
