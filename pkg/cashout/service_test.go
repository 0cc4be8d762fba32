package cashout_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fivebest/settlement/internal/store/gormstore"
	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	testNowUnixUTC int64 = 1_700_000_000
	testUserID           = "user-1"
	testAdminID          = "admin-1"
)

type fixture struct {
	store    *gormstore.Store
	ledger   *ledger.Service
	service  *cashout.Service
	walletID string
}

func TestCashoutHappyPathDebitsOnceAtProcessing(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 5000)
	ctx := context.Background()

	request, err := env.service.Create(ctx, mustUserID(test, testUserID), env.walletID, 2000, ledger.CurrencyUSDC)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if request.Status != cashout.StatusPending || request.AmountToken != "2" {
		test.Fatalf("unexpected created request %+v", request)
	}
	assertBalance(test, env, 5000)

	if _, err := env.service.Approve(ctx, request.RequestID, mustUserID(test, testAdminID)); err != nil {
		test.Fatalf("approve: %v", err)
	}
	assertBalance(test, env, 5000)

	processing, err := env.service.BeginProcessing(ctx, request.RequestID)
	if err != nil {
		test.Fatalf("processing: %v", err)
	}
	if !processing.Debited {
		test.Fatalf("expected request to be marked debited")
	}
	assertBalance(test, env, 3000)

	if _, err := env.service.MarkSent(ctx, request.RequestID, "worker", "sig-123", `{"slot":42}`); err != nil {
		test.Fatalf("sent: %v", err)
	}
	confirmed, err := env.service.MarkConfirmed(ctx, request.RequestID, "worker", "finalized")
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if confirmed.TxHash != "sig-123" || confirmed.Status != cashout.StatusConfirmed {
		test.Fatalf("unexpected confirmed request %+v", confirmed)
	}
	assertBalance(test, env, 3000)
	assertConsistent(test, env)

	_, events, err := env.service.Get(ctx, request.RequestID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	expected := []cashout.Status{cashout.StatusPending, cashout.StatusApproved, cashout.StatusProcessing, cashout.StatusSent, cashout.StatusConfirmed}
	if len(events) != len(expected) {
		test.Fatalf("expected %d events, got %d", len(expected), len(events))
	}
	previous := cashout.Status("")
	for index, event := range events {
		if event.FromStatus != previous || event.ToStatus != expected[index] {
			test.Fatalf("event %d: %s -> %s", index, event.FromStatus, event.ToStatus)
		}
		previous = event.ToStatus
	}
}

func TestCashoutRejectLeavesBalanceUntouched(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 5000)
	ctx := context.Background()

	request, err := env.service.Create(ctx, mustUserID(test, testUserID), env.walletID, 1000, ledger.CurrencySOL)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := env.service.Reject(ctx, request.RequestID, mustUserID(test, testAdminID), "  "); !errors.Is(err, cashout.ErrReasonRequired) {
		test.Fatalf("expected reason required, got %v", err)
	}
	rejected, err := env.service.Reject(ctx, request.RequestID, mustUserID(test, testAdminID), "suspicious")
	if err != nil {
		test.Fatalf("reject: %v", err)
	}
	if rejected.RejectionReason != "suspicious" {
		test.Fatalf("expected rejection reason to be stored, got %q", rejected.RejectionReason)
	}
	assertBalance(test, env, 5000)
	if _, err := env.service.Approve(ctx, request.RequestID, mustUserID(test, testAdminID)); !errors.Is(err, cashout.ErrInvalidTransition) {
		test.Fatalf("expected terminal request to reject approval, got %v", err)
	}
}

func TestCashoutFailureAfterDebitRefunds(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 5000)
	ctx := context.Background()

	request := mustProcessing(test, env, 1500)
	assertBalance(test, env, 3500)

	if _, err := env.service.MarkSent(ctx, request.RequestID, "worker", "sig-1", ""); err != nil {
		test.Fatalf("sent: %v", err)
	}
	failed, err := env.service.MarkFailed(ctx, request.RequestID, "worker", "dropped")
	if err != nil {
		test.Fatalf("fail: %v", err)
	}
	if failed.Status != cashout.StatusFailed {
		test.Fatalf("expected failed status, got %s", failed.Status)
	}
	assertBalance(test, env, 5000)
	assertConsistent(test, env)

	entries, err := env.ledger.ListEntries(ctx, mustUserID(test, testUserID), ledger.CurrencyGlory, 0, 10)
	if err != nil {
		test.Fatalf("entries: %v", err)
	}
	reasons := map[ledger.Reason]int{}
	for _, entry := range entries {
		reasons[entry.Reason]++
	}
	if reasons[ledger.ReasonCashoutDebit] != 1 || reasons[ledger.ReasonCashoutRefund] != 1 {
		test.Fatalf("expected one debit and one refund, got %v", reasons)
	}
}

func TestCashoutCreateValidation(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 1500)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)

	if _, err := env.service.Create(ctx, userID, env.walletID, 999, ledger.CurrencyUSDC); !errors.Is(err, cashout.ErrAmountBelowMinimum) {
		test.Fatalf("expected below minimum, got %v", err)
	}
	if _, err := env.service.Create(ctx, userID, env.walletID, 2000, ledger.CurrencyUSDC); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := env.service.Create(ctx, mustUserID(test, "intruder"), env.walletID, 1000, ledger.CurrencyUSDC); !errors.Is(err, cashout.ErrWalletOwnershipMismatch) {
		test.Fatalf("expected ownership mismatch, got %v", err)
	}
	revoked, err := env.store.CreateWallet(ctx, cashout.Wallet{UserID: testUserID, Address: "old", Provider: "phantom", Status: cashout.WalletStatusRevoked})
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if _, err := env.service.Create(ctx, userID, revoked.WalletID, 1000, ledger.CurrencyUSDC); !errors.Is(err, cashout.ErrWalletInactive) {
		test.Fatalf("expected inactive wallet, got %v", err)
	}
	if _, err := env.service.Create(ctx, userID, "missing", 1000, ledger.CurrencyUSDC); !errors.Is(err, cashout.ErrWalletNotFound) {
		test.Fatalf("expected wallet not found, got %v", err)
	}

	// Open requests reserve GLORY until they are debited.
	if _, err := env.service.Create(ctx, userID, env.walletID, 1000, ledger.CurrencyUSDC); err != nil {
		test.Fatalf("first create: %v", err)
	}
	if _, err := env.service.Create(ctx, userID, env.walletID, 1000, ledger.CurrencyUSDC); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected reserved balance to block second request, got %v", err)
	}
}

func TestBeginProcessingWithoutBalanceStaysApproved(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 1000)
	ctx := context.Background()

	request, err := env.service.Create(ctx, mustUserID(test, testUserID), env.walletID, 1000, ledger.CurrencyUSDC)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := env.service.Approve(ctx, request.RequestID, mustUserID(test, testAdminID)); err != nil {
		test.Fatalf("approve: %v", err)
	}
	spend := mustEntryInput(test, testUserID, -600, "spend:1")
	if _, err := env.ledger.Append(ctx, spend); err != nil {
		test.Fatalf("spend: %v", err)
	}
	if _, err := env.service.BeginProcessing(ctx, request.RequestID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	stored, _, err := env.service.Get(ctx, request.RequestID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != cashout.StatusApproved || stored.Debited {
		test.Fatalf("expected request to remain approved, got %+v", stored)
	}
	assertBalance(test, env, 400)
}

func TestConcurrentApprovalsApplyOnce(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 5000)
	ctx := context.Background()

	request, err := env.service.Create(ctx, mustUserID(test, testUserID), env.walletID, 1000, ledger.CurrencyUSDC)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	adminID := mustUserID(test, testAdminID)
	const workers = 8
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
	)
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := env.service.Approve(ctx, request.RequestID, adminID)
			if err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()
	if succeeded != 1 {
		test.Fatalf("expected exactly one approval, got %d", succeeded)
	}
	_, events, err := env.service.Get(ctx, request.RequestID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if len(events) != 2 {
		test.Fatalf("expected creation and approval events, got %d", len(events))
	}
}

func TestListByStatusAndHistory(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 10000)
	ctx := context.Background()
	userID := mustUserID(test, testUserID)

	for index := 0; index < 3; index++ {
		if _, err := env.service.Create(ctx, userID, env.walletID, 1000, ledger.CurrencySOL); err != nil {
			test.Fatalf("create %d: %v", index, err)
		}
	}
	pending, err := env.service.ListByStatus(ctx, cashout.StatusPending, 0)
	if err != nil || len(pending) != 3 {
		test.Fatalf("expected 3 pending, got %d err=%v", len(pending), err)
	}
	history, err := env.service.History(ctx, userID, 2)
	if err != nil || len(history) != 2 {
		test.Fatalf("expected 2 history rows, got %d err=%v", len(history), err)
	}
	if _, err := env.service.ListByStatus(ctx, cashout.Status("bogus"), 10); !errors.Is(err, cashout.ErrInvalidStatus) {
		test.Fatalf("expected invalid status, got %v", err)
	}
}

func TestNewServiceValidation(test *testing.T) {
	test.Parallel()
	env := newFixture(test, 0)
	now := func() int64 { return testNowUnixUTC }
	rates := map[ledger.Currency]decimal.Decimal{ledger.CurrencyUSDC: decimal.RequireFromString("0.001")}

	if _, err := cashout.NewService(nil, now, cashout.Config{Rates: rates}); !errors.Is(err, cashout.ErrInvalidServiceConfig) {
		test.Fatalf("expected nil store error, got %v", err)
	}
	if _, err := cashout.NewService(env.store, nil, cashout.Config{Rates: rates}); !errors.Is(err, cashout.ErrInvalidServiceConfig) {
		test.Fatalf("expected nil clock error, got %v", err)
	}
	glory := map[ledger.Currency]decimal.Decimal{ledger.CurrencyGlory: decimal.NewFromInt(1)}
	if _, err := cashout.NewService(env.store, now, cashout.Config{Rates: glory}); !errors.Is(err, cashout.ErrInvalidServiceConfig) {
		test.Fatalf("expected off-chain payout token error, got %v", err)
	}
	service, err := cashout.NewService(env.store, now, cashout.Config{Rates: rates})
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	if service.MinimumGlory() != 1000 {
		test.Fatalf("expected default minimum 1000, got %d", service.MinimumGlory())
	}
}

func newFixture(test *testing.T, startingGlory ledger.Amount) *fixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/cashout.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(gormstore.AllModels()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	now := func() int64 { return testNowUnixUTC }

	ledgerService, err := ledger.NewService(store, now)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	service, err := cashout.NewService(store, now, cashout.Config{
		MinimumGlory: 1000,
		Rates: map[ledger.Currency]decimal.Decimal{
			ledger.CurrencyUSDC: decimal.RequireFromString("0.001"),
			ledger.CurrencySOL:  decimal.RequireFromString("0.00001"),
		},
	})
	if err != nil {
		test.Fatalf("cashout service: %v", err)
	}
	wallet, err := store.CreateWallet(context.Background(), cashout.Wallet{
		UserID:   testUserID,
		Address:  "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Provider: "phantom",
		Status:   cashout.WalletStatusActive,
	})
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if startingGlory > 0 {
		key, _ := ledger.NewIdempotencyKey("grant:seed")
		if _, err := ledgerService.Grant(context.Background(), mustUserID(test, testUserID), ledger.CurrencyGlory, startingGlory, key, ledger.MetadataJSON{}); err != nil {
			test.Fatalf("seed grant: %v", err)
		}
	}
	return &fixture{store: store, ledger: ledgerService, service: service, walletID: wallet.WalletID}
}

func mustProcessing(test *testing.T, env *fixture, amount ledger.Amount) cashout.Request {
	test.Helper()
	ctx := context.Background()
	request, err := env.service.Create(ctx, mustUserID(test, testUserID), env.walletID, amount, ledger.CurrencyUSDC)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := env.service.Approve(ctx, request.RequestID, mustUserID(test, testAdminID)); err != nil {
		test.Fatalf("approve: %v", err)
	}
	processing, err := env.service.BeginProcessing(ctx, request.RequestID)
	if err != nil {
		test.Fatalf("processing: %v", err)
	}
	return processing
}

func assertBalance(test *testing.T, env *fixture, expected ledger.Amount) {
	test.Helper()
	balance, err := env.ledger.Balance(context.Background(), mustUserID(test, testUserID), ledger.CurrencyGlory)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != expected {
		test.Fatalf("expected balance %d, got %d", expected, balance)
	}
}

func assertConsistent(test *testing.T, env *fixture) {
	test.Helper()
	reconciliation, err := env.ledger.Reconcile(context.Background(), mustUserID(test, testUserID), ledger.CurrencyGlory)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if !reconciliation.Consistent() {
		test.Fatalf("cached %d != computed %d", reconciliation.Cached, reconciliation.Computed)
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustEntryInput(test *testing.T, user string, delta ledger.Amount, key string) ledger.EntryInput {
	test.Helper()
	idempotencyKey, err := ledger.NewIdempotencyKey(key)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	input, err := ledger.NewEntryInput(mustUserID(test, user), ledger.CurrencyGlory, delta, ledger.ReasonGrant, nil, nil, idempotencyKey, ledger.MetadataJSON{}, testNowUnixUTC)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}
