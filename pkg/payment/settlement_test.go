package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fivebest/settlement/internal/store/gormstore"
	"github.com/fivebest/settlement/pkg/cashout"
	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/fivebest/settlement/pkg/payment"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	testNowUnixUTC        int64 = 1_700_000_000
	testCollectionAddress       = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testUSDCMint                = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testTreasuryUserID          = "treasury"
	testSignatureA              = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

type referenceChain struct {
	mutex   sync.Mutex
	records map[string]payment.TransactionRecord
}

func (chain *referenceChain) FindTransactionByReference(_ context.Context, reference payment.Reference, _ int64) (payment.TransactionRecord, error) {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()
	record, ok := chain.records[reference.String()]
	if !ok {
		return payment.TransactionRecord{}, payment.ErrTransactionNotFound
	}
	return record, nil
}

func (chain *referenceChain) pay(reference payment.Reference, signature string, transfer payment.Transfer) {
	chain.mutex.Lock()
	defer chain.mutex.Unlock()
	chain.records[reference.String()] = payment.TransactionRecord{
		Signature:  signature,
		Sender:     "payer-wallet",
		Confirmed:  true,
		Transfers:  []payment.Transfer{transfer},
		MatchCount: 1,
	}
}

type settlementFixture struct {
	db      *gorm.DB
	store   *gormstore.Store
	chain   *referenceChain
	settler *payment.Settler
	ledger  *ledger.Service
}

func TestEntryFeeSettlesExactlyOnce(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	ctx := context.Background()
	entrant := mustUserID(test, "entrant")

	intent, err := env.settler.CreateIntent(ctx, payment.IntentRequest{
		UserID:       entrant,
		Purpose:      payment.PurposeEntryFee,
		ContestID:    "contest-usdc",
		SubmissionID: "submission-entrant",
		Currency:     ledger.CurrencyUSDC,
	})
	if err != nil {
		test.Fatalf("create intent: %v", err)
	}
	if intent.Amount != 2_500_000 || intent.Recipient != testCollectionAddress {
		test.Fatalf("unexpected intent %+v", intent)
	}

	pending, err := env.settler.VerifyAndSettle(ctx, intent.Reference, entrant)
	if err != nil {
		test.Fatalf("verify before payment: %v", err)
	}
	if pending.Found() || pending.Success() {
		test.Fatalf("expected not found before payment, got %+v", pending.Verification)
	}

	env.chain.pay(intent.Reference, testSignatureA, payment.Transfer{Recipient: testCollectionAddress, Mint: testUSDCMint, Amount: 2_500_000})

	const workers = 6
	results := make([]payment.SettlementResult, workers)
	errs := make([]error, workers)
	var waitGroup sync.WaitGroup
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			results[index], errs[index] = env.settler.VerifyAndSettle(ctx, intent.Reference, entrant)
		}(index)
	}
	waitGroup.Wait()

	applied := 0
	for index := range results {
		if errs[index] != nil {
			test.Fatalf("worker %d: %v", index, errs[index])
		}
		if !results[index].Success() {
			test.Fatalf("worker %d: expected success, got %s", index, results[index].Verification.Outcome)
		}
		if results[index].Entitlement.Kind != payment.EntitlementContestEntry {
			test.Fatalf("worker %d: unexpected entitlement %+v", index, results[index].Entitlement)
		}
		if !results[index].AlreadyApplied {
			applied++
		}
	}
	if applied != 1 {
		test.Fatalf("expected exactly one application, got %d", applied)
	}

	treasury := mustUserID(test, testTreasuryUserID)
	balance, err := env.ledger.Balance(ctx, treasury, ledger.CurrencyUSDC)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 2_500_000 {
		test.Fatalf("expected treasury credited once, got %d", balance)
	}
	var count int64
	if err := env.db.Model(&gormstore.LedgerEntry{}).Where("contest_id = ? AND submission_id = ?", "contest-usdc", "submission-entrant").Count(&count).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if count != 1 {
		test.Fatalf("expected one entry-fee row, got %d", count)
	}

	if _, err := env.settler.CreateIntent(ctx, payment.IntentRequest{
		UserID:       entrant,
		Purpose:      payment.PurposeEntryFee,
		ContestID:    "contest-usdc",
		SubmissionID: "submission-entrant",
		Currency:     ledger.CurrencyUSDC,
	}); !errors.Is(err, payment.ErrAlreadyEntitled) {
		test.Fatalf("expected already entitled, got %v", err)
	}
}

func TestWrongAmountIsNotApplied(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	ctx := context.Background()
	buyer := mustUserID(test, "buyer")

	intent := mustPromptIntent(test, env, buyer)
	env.chain.pay(intent.Reference, testSignatureA, payment.Transfer{Recipient: testCollectionAddress, Amount: 4_900_000_000})

	result, err := env.settler.VerifyAndSettle(ctx, intent.Reference, buyer)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if result.Verification.Outcome != payment.OutcomeAmountMismatch || result.Verification.Observed != 4_900_000_000 {
		test.Fatalf("unexpected verification %+v", result.Verification)
	}
	stored, err := env.settler.GetIntent(ctx, intent.Reference, buyer)
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if stored.Status != payment.IntentStatusPending {
		test.Fatalf("expected intent to stay pending, got %s", stored.Status)
	}
	balance, err := env.ledger.Balance(ctx, mustUserID(test, testTreasuryUserID), ledger.CurrencySOL)
	if err != nil || balance != 0 {
		test.Fatalf("expected no credit, got %d err=%v", balance, err)
	}
}

func TestReusedSignatureIsRejected(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	ctx := context.Background()
	buyer := mustUserID(test, "buyer")

	first := mustPromptIntent(test, env, buyer)
	env.chain.pay(first.Reference, testSignatureA, payment.Transfer{Recipient: testCollectionAddress, Amount: 5_000_000_000})
	if result, err := env.settler.VerifyAndSettle(ctx, first.Reference, buyer); err != nil || !result.Success() {
		test.Fatalf("first settle: %+v err=%v", result.Verification, err)
	}

	second, err := env.settler.CreateIntent(ctx, payment.IntentRequest{
		UserID:       buyer,
		Purpose:      payment.PurposePromptPurchase,
		SubmissionID: "submission-other",
		Currency:     ledger.CurrencySOL,
	})
	if err != nil {
		test.Fatalf("second intent: %v", err)
	}
	env.chain.pay(second.Reference, testSignatureA, payment.Transfer{Recipient: testCollectionAddress, Amount: 1_000_000_000})
	if _, err := env.settler.VerifyAndSettle(ctx, second.Reference, buyer); !errors.Is(err, payment.ErrDuplicatePayment) {
		test.Fatalf("expected duplicate payment, got %v", err)
	}
}

func TestVerifyRequiresIntentOwner(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	intent := mustPromptIntent(test, env, mustUserID(test, "buyer"))
	if _, err := env.settler.VerifyAndSettle(context.Background(), intent.Reference, mustUserID(test, "stranger")); !errors.Is(err, payment.ErrIntentOwnership) {
		test.Fatalf("expected ownership error, got %v", err)
	}
}

func TestCreateIntentValidation(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	ctx := context.Background()

	cases := []struct {
		name    string
		request payment.IntentRequest
		err     error
	}{
		{
			name:    "glory is not paid on chain",
			request: payment.IntentRequest{UserID: mustUserID(test, "buyer"), Purpose: payment.PurposePromptPurchase, SubmissionID: "submission-owner", Currency: ledger.CurrencyGlory},
			err:     payment.ErrUnsupportedCurrency,
		},
		{
			name:    "own prompt",
			request: payment.IntentRequest{UserID: mustUserID(test, "owner"), Purpose: payment.PurposePromptPurchase, SubmissionID: "submission-owner", Currency: ledger.CurrencySOL},
			err:     payment.ErrOwnSubmission,
		},
		{
			name:    "closed contest",
			request: payment.IntentRequest{UserID: mustUserID(test, "entrant"), Purpose: payment.PurposeEntryFee, ContestID: "contest-closed", SubmissionID: "submission-closed", Currency: ledger.CurrencySOL},
			err:     payment.ErrContestClosed,
		},
		{
			name:    "fee currency mismatch",
			request: payment.IntentRequest{UserID: mustUserID(test, "entrant"), Purpose: payment.PurposeEntryFee, ContestID: "contest-usdc", SubmissionID: "submission-entrant", Currency: ledger.CurrencySOL},
			err:     payment.ErrCurrencyMismatch,
		},
		{
			name:    "someone else's submission",
			request: payment.IntentRequest{UserID: mustUserID(test, "buyer"), Purpose: payment.PurposeEntryFee, ContestID: "contest-usdc", SubmissionID: "submission-entrant", Currency: ledger.CurrencyUSDC},
			err:     payment.ErrSubmissionMismatch,
		},
		{
			name:    "unknown submission",
			request: payment.IntentRequest{UserID: mustUserID(test, "buyer"), Purpose: payment.PurposePromptPurchase, SubmissionID: "missing", Currency: ledger.CurrencySOL},
			err:     payment.ErrSubmissionNotFound,
		},
		{
			name:    "not for sale in usdc",
			request: payment.IntentRequest{UserID: mustUserID(test, "buyer"), Purpose: payment.PurposePromptPurchase, SubmissionID: "submission-owner", Currency: ledger.CurrencyUSDC},
			err:     payment.ErrNotForSale,
		},
	}
	for _, testCase := range cases {
		if _, err := env.settler.CreateIntent(ctx, testCase.request); !errors.Is(err, testCase.err) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.err, err)
		}
	}
}

func TestPurchaseWithBalanceExcludesGloryHeldByCashouts(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	ctx := context.Background()
	buyer := mustUserID(test, "buyer")
	submissionID := mustSubmissionID(test, "submission-owner")

	key, _ := ledger.NewIdempotencyKey("grant:buyer")
	if _, err := env.ledger.Grant(ctx, buyer, ledger.CurrencyGlory, 1000, key, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	cashouts, err := cashout.NewService(env.store, func() int64 { return testNowUnixUTC }, cashout.Config{
		MinimumGlory: 1000,
		Rates:        map[ledger.Currency]decimal.Decimal{ledger.CurrencyUSDC: decimal.RequireFromString("0.001")},
	})
	if err != nil {
		test.Fatalf("cashout service: %v", err)
	}
	wallet, err := env.store.CreateWallet(ctx, cashout.Wallet{
		UserID:   buyer.String(),
		Address:  testCollectionAddress,
		Provider: "phantom",
		Status:   cashout.WalletStatusActive,
	})
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if _, err := cashouts.Create(ctx, buyer, wallet.WalletID, 1000, ledger.CurrencyUSDC); err != nil {
		test.Fatalf("cashout: %v", err)
	}

	if _, err := env.settler.PurchaseWithBalance(ctx, buyer, submissionID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	balance, _ := env.ledger.Balance(ctx, buyer, ledger.CurrencyGlory)
	if balance != 1000 {
		test.Fatalf("expected balance 1000 untouched, got %d", balance)
	}
	if _, err := env.store.GetEntitlement(ctx, buyer, submissionID); !errors.Is(err, payment.ErrEntitlementNotFound) {
		test.Fatalf("expected no entitlement, got %v", err)
	}
}

func TestPurchaseWithBalanceMovesGlory(test *testing.T) {
	test.Parallel()
	env := newSettlementFixture(test)
	ctx := context.Background()
	buyer := mustUserID(test, "buyer")
	owner := mustUserID(test, "owner")
	submissionID := mustSubmissionID(test, "submission-owner")

	if _, err := env.settler.PurchaseWithBalance(ctx, buyer, submissionID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := env.settler.PurchaseWithBalance(ctx, owner, submissionID); !errors.Is(err, payment.ErrOwnSubmission) {
		test.Fatalf("expected own submission error, got %v", err)
	}

	key, _ := ledger.NewIdempotencyKey("grant:buyer")
	if _, err := env.ledger.Grant(ctx, buyer, ledger.CurrencyGlory, 500, key, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	entitlement, err := env.settler.PurchaseWithBalance(ctx, buyer, submissionID)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if entitlement.Source != payment.SourceBalance || entitlement.Kind != payment.EntitlementPromptAccess {
		test.Fatalf("unexpected entitlement %+v", entitlement)
	}
	again, err := env.settler.PurchaseWithBalance(ctx, buyer, submissionID)
	if err != nil {
		test.Fatalf("repeat purchase: %v", err)
	}
	if again.EntitlementID != entitlement.EntitlementID {
		test.Fatalf("expected the existing entitlement on repeat")
	}

	buyerBalance, _ := env.ledger.Balance(ctx, buyer, ledger.CurrencyGlory)
	ownerBalance, _ := env.ledger.Balance(ctx, owner, ledger.CurrencyGlory)
	if buyerBalance != 300 || ownerBalance != 200 {
		test.Fatalf("expected 300/200, got buyer=%d owner=%d", buyerBalance, ownerBalance)
	}
}

func newSettlementFixture(test *testing.T) *settlementFixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/settlement.db"), &gorm.Config{})
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
	seeds := []interface{}{
		&gormstore.Contest{ContestID: "contest-usdc", EntryFee: 2_500_000, EntryFeeCurrency: "USDC", Status: "open"},
		&gormstore.Contest{ContestID: "contest-closed", EntryFee: 1_000, EntryFeeCurrency: "SOL", Status: "closed"},
		&gormstore.Submission{SubmissionID: "submission-entrant", ContestID: "contest-usdc", OwnerID: "entrant"},
		&gormstore.Submission{SubmissionID: "submission-closed", ContestID: "contest-closed", OwnerID: "entrant"},
		&gormstore.Submission{SubmissionID: "submission-owner", ContestID: "contest-usdc", OwnerID: "owner", PromptPriceGlory: 200, PromptPriceSOL: 5_000_000_000},
		&gormstore.Submission{SubmissionID: "submission-other", ContestID: "contest-usdc", OwnerID: "owner", PromptPriceSOL: 1_000_000_000},
	}
	for _, seed := range seeds {
		if err := db.Create(seed).Error; err != nil {
			test.Fatalf("seed: %v", err)
		}
	}

	store := gormstore.New(db)
	now := func() int64 { return testNowUnixUTC }
	chain := &referenceChain{records: map[string]payment.TransactionRecord{}}
	verifier, err := payment.NewVerifier(chain, map[ledger.Currency]string{ledger.CurrencyUSDC: testUSDCMint})
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	settler, err := payment.NewSettler(store, store, verifier, now, payment.SettlerConfig{
		TreasuryUserID:    mustUserID(test, testTreasuryUserID),
		CollectionAddress: testCollectionAddress,
	})
	if err != nil {
		test.Fatalf("settler: %v", err)
	}
	ledgerService, err := ledger.NewService(store, now)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	return &settlementFixture{db: db, store: store, chain: chain, settler: settler, ledger: ledgerService}
}

func mustPromptIntent(test *testing.T, env *settlementFixture, buyer ledger.UserID) payment.Intent {
	test.Helper()
	intent, err := env.settler.CreateIntent(context.Background(), payment.IntentRequest{
		UserID:       buyer,
		Purpose:      payment.PurposePromptPurchase,
		SubmissionID: "submission-owner",
		Currency:     ledger.CurrencySOL,
	})
	if err != nil {
		test.Fatalf("create intent: %v", err)
	}
	return intent
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustSubmissionID(test *testing.T, raw string) ledger.SubmissionID {
	test.Helper()
	submissionID, err := ledger.NewSubmissionID(raw)
	if err != nil {
		test.Fatalf("submission id: %v", err)
	}
	return submissionID
}
