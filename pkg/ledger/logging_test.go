package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsGrantOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service, err := NewService(newStubStore(), func() int64 { return 42 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	user := mustUserID(test, "user-1")
	idempotencyKey := mustIdempotencyKey(test, "grant-1")
	metadata := mustMetadata(test, `{"action":"vote_reward"}`)
	if _, err := service.Grant(context.Background(), user, CurrencyGlory, 100, idempotencyKey, metadata); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationGrant || entry.UserID != user || entry.Amount != 100 || entry.IdempotencyKey != idempotencyKey || entry.Currency != CurrencyGlory {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	failing := newFailingStore(errors.New("boom"))
	logger := &recorderLogger{}
	service, err := NewService(failing, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	input := mustEntryInput(test, mustUserID(test, "user-1"), CurrencySOL, 10, ReasonEntryFee, "tx:boom")
	if _, err := service.Append(context.Background(), input); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestReconcileLogsDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	user := mustUserID(test, "drifting")
	store.balances[balanceKey{user.String(), CurrencyGlory}] = 25

	reconciliation, err := service.Reconcile(context.Background(), user, CurrencyGlory)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if reconciliation.Consistent() {
		test.Fatalf("expected drift between cache and entries")
	}
	if len(logger.entries) != 1 || logger.entries[0].Status != operationStatusDrift {
		test.Fatalf("expected drift log entry, got %+v", logger.entries)
	}
	if logger.entries[0].Amount != -25 {
		test.Fatalf("expected drift of -25, got %d", logger.entries[0].Amount)
	}
}
