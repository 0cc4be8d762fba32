package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Apply records one entry and moves the cached balance by its delta.
// It must run inside the caller's transaction; debits that would take the
// balance below zero fail with ErrInsufficientBalance before anything is written.
func Apply(ctx context.Context, txStore Store, input EntryInput) (Entry, error) {
	if input.Delta() < 0 {
		balance, err := txStore.LockBalance(ctx, input.UserID(), input.Currency())
		if err != nil {
			return Entry{}, err
		}
		if balance+input.Delta() < 0 {
			return Entry{}, fmt.Errorf("%w: %s balance %s, debit %s", ErrInsufficientBalance,
				input.Currency(), FormatAmount(input.Currency(), balance), FormatAmount(input.Currency(), input.Delta().Negated()))
		}
	}
	entry, err := txStore.InsertEntry(ctx, input)
	if err != nil {
		return Entry{}, err
	}
	if _, err := txStore.AdjustBalance(ctx, input.UserID(), input.Currency(), input.Delta(), input.CreatedUnixUTC()); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Append applies a single entry in its own transaction.
func (service *Service) Append(ctx context.Context, input EntryInput) (Entry, error) {
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := Apply(ctx, transactionStore, input)
		if err != nil {
			return err
		}
		entry = applied
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationAppend,
		UserID:         input.UserID(),
		Currency:       input.Currency(),
		Amount:         input.Delta(),
		Reason:         input.Reason(),
		IdempotencyKey: input.IdempotencyKey(),
		Metadata:       input.MetadataJSON(),
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}

// Grant credits a user with a system-issued amount (vote rewards, promotions).
// A repeated idempotency key returns ErrDuplicateEntry and changes nothing.
func (service *Service) Grant(ctx context.Context, userID UserID, currency Currency, amount Amount, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("%w: grant must be greater than zero", ErrInvalidAmount)
	}
	input, err := NewEntryInput(userID, currency, amount, ReasonGrant, nil, nil, idempotencyKey, metadata, service.nowFn())
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := Apply(ctx, transactionStore, input)
		if err != nil {
			return err
		}
		entry = applied
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Currency:       currency,
		Amount:         amount,
		Reason:         ReasonGrant,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}

// Balance returns the cached balance of one currency.
func (service *Service) Balance(ctx context.Context, userID UserID, currency Currency) (Amount, error) {
	if _, err := ParseCurrency(currency.String()); err != nil {
		return 0, err
	}
	return service.store.GetBalance(ctx, userID, currency)
}

// Balances returns the cached balance of every currency.
func (service *Service) Balances(ctx context.Context, userID UserID) (map[Currency]Amount, error) {
	balances := make(map[Currency]Amount, len(Currencies()))
	for _, currency := range Currencies() {
		balance, err := service.store.GetBalance(ctx, userID, currency)
		if err != nil {
			return nil, err
		}
		balances[currency] = balance
	}
	return balances, nil
}

// ListEntries pages through a user's entries, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, currency Currency, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if currency != "" {
		if _, err := ParseCurrency(currency.String()); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, userID, currency, beforeUnixUTC, limit)
}

// Reconcile recomputes the balance from entries and compares it with the cache.
func (service *Service) Reconcile(ctx context.Context, userID UserID, currency Currency) (Reconciliation, error) {
	reconciliation := Reconciliation{UserID: userID, Currency: currency}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		cached, err := transactionStore.LockBalance(ctx, userID, currency)
		if err != nil {
			return err
		}
		computed, err := transactionStore.SumEntries(ctx, userID, currency)
		if err != nil {
			return err
		}
		reconciliation.Cached = cached
		reconciliation.Computed = computed
		return nil
	})
	logEntry := OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Currency:  currency,
		Amount:    reconciliation.Computed - reconciliation.Cached,
		Error:     operationError,
	}
	if operationError == nil && !reconciliation.Consistent() {
		logEntry.Status = operationStatusDrift
		logEntry.Error = WrapError("service", "balance", "drift", ErrInvalidBalance)
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return Reconciliation{}, operationError
	}
	return reconciliation, nil
}

// IsDuplicate reports whether err means the entry was already applied.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
