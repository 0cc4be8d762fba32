package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/fivebest/settlement/pkg/ledger"
	"go.uber.org/zap"
)

const (
	idempotencyPrefixOnChain  = "onchain:"
	idempotencyPrefixPurchase = "purchase:"
	operationCreateIntent     = "create_intent"
	operationVerify           = "verify"
	operationPurchaseBalance  = "purchase_balance"
)

// SettlementLog describes one settlement-side operation.
type SettlementLog struct {
	Operation      string
	Reference      string
	UserID         string
	Outcome        Outcome
	AlreadyApplied bool
	TxHash         string
	Error          error
}

// SettlementLogger receives a callback for every settlement operation.
type SettlementLogger interface {
	LogSettlement(ctx context.Context, entry SettlementLog)
}

// SettlerOption configures a Settler.
type SettlerOption func(*Settler)

// WithSettlementLogger wires an operation logger.
func WithSettlementLogger(logger SettlementLogger) SettlerOption {
	return func(settler *Settler) {
		settler.operationLogger = logger
	}
}

// WithSettlerLogger wires a zap logger.
func WithSettlerLogger(logger *zap.Logger) SettlerOption {
	return func(settler *Settler) {
		if logger != nil {
			settler.logger = logger
		}
	}
}

// SettlerConfig names the platform accounts payments flow into.
type SettlerConfig struct {
	// TreasuryUserID is the ledger account credited with verified on-chain payments.
	TreasuryUserID ledger.UserID
	// CollectionAddress is the Solana address payers send to.
	CollectionAddress string
}

// SettlementResult is the answer to a verify-and-settle request.
type SettlementResult struct {
	Verification   VerificationResult
	Intent         Intent
	Entitlement    Entitlement
	AlreadyApplied bool
}

// Found reports whether a transaction was located for the reference.
func (result SettlementResult) Found() bool {
	return result.Verification.Outcome != OutcomeNotFound && result.Verification.Outcome != OutcomeProviderError
}

// Success reports whether the payment is verified and applied.
func (result SettlementResult) Success() bool {
	return result.Verification.Outcome == OutcomeVerified
}

// Settler turns verified payments into ledger entries and entitlements.
type Settler struct {
	store           Store
	catalog         Catalog
	verifier        *Verifier
	nowFn           func() int64
	config          SettlerConfig
	logger          *zap.Logger
	operationLogger SettlementLogger
}

// NewSettler wires a Settler.
func NewSettler(store Store, catalog Catalog, verifier *Verifier, now func() int64, config SettlerConfig, options ...SettlerOption) (*Settler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if config.TreasuryUserID.String() == "" {
		return nil, fmt.Errorf("%w: treasury user id is empty", ErrInvalidServiceConfig)
	}
	if err := ValidateAddress(config.CollectionAddress); err != nil {
		return nil, fmt.Errorf("%w: collection address: %v", ErrInvalidServiceConfig, err)
	}
	settler := &Settler{
		store:    store,
		catalog:  catalog,
		verifier: verifier,
		nowFn:    now,
		config:   config,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(settler)
		}
	}
	return settler, nil
}

// MintFor exposes the token mint the settler expects for currency.
func (settler *Settler) MintFor(currency ledger.Currency) (string, error) {
	return settler.verifier.MintFor(currency)
}

// CreateIntent prices a payment from the catalog, generates its reference and persists it.
func (settler *Settler) CreateIntent(ctx context.Context, request IntentRequest) (Intent, error) {
	intent, err := settler.buildIntent(ctx, request)
	if err == nil {
		err = settler.store.CreateIntent(ctx, intent)
	}
	settler.logSettlement(ctx, SettlementLog{
		Operation: operationCreateIntent,
		Reference: intent.Reference.String(),
		UserID:    request.UserID.String(),
		Error:     err,
	})
	if err != nil {
		return Intent{}, err
	}
	return intent, nil
}

func (settler *Settler) buildIntent(ctx context.Context, request IntentRequest) (Intent, error) {
	if request.UserID.String() == "" {
		return Intent{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if !request.Currency.OnChain() {
		return Intent{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, request.Currency)
	}
	if _, err := settler.verifier.MintFor(request.Currency); err != nil {
		return Intent{}, err
	}
	submissionID, err := ledger.NewSubmissionID(request.SubmissionID)
	if err != nil {
		return Intent{}, err
	}
	submission, err := settler.catalog.GetSubmission(ctx, submissionID)
	if err != nil {
		return Intent{}, err
	}

	intent := Intent{
		UserID:         request.UserID,
		Purpose:        request.Purpose,
		SubmissionID:   submission.SubmissionID,
		ContestID:      submission.ContestID,
		Currency:       request.Currency,
		Recipient:      settler.config.CollectionAddress,
		Status:         IntentStatusPending,
		CreatedUnixUTC: settler.nowFn(),
	}
	switch request.Purpose {
	case PurposeEntryFee:
		contestID, err := ledger.NewContestID(request.ContestID)
		if err != nil {
			return Intent{}, err
		}
		contest, err := settler.catalog.GetContest(ctx, contestID)
		if err != nil {
			return Intent{}, err
		}
		if !contest.Open {
			return Intent{}, ErrContestClosed
		}
		if contest.EntryFeeCurrency != request.Currency {
			return Intent{}, fmt.Errorf("%w: entry fee is paid in %s", ErrCurrencyMismatch, contest.EntryFeeCurrency)
		}
		if submission.ContestID != contest.ContestID || submission.OwnerID != request.UserID.String() {
			return Intent{}, ErrSubmissionMismatch
		}
		intent.ContestID = contest.ContestID
		intent.Amount = contest.EntryFee
	case PurposePromptPurchase:
		if submission.OwnerID == request.UserID.String() {
			return Intent{}, ErrOwnSubmission
		}
		price := submission.PromptPrice(request.Currency)
		if price <= 0 {
			return Intent{}, fmt.Errorf("%w: %s", ErrNotForSale, request.Currency)
		}
		intent.Amount = price
	default:
		return Intent{}, fmt.Errorf("%w: %q", ErrInvalidPurpose, request.Purpose)
	}
	if intent.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: priced at zero", ErrInvalidExpectation)
	}
	if _, err := settler.store.GetEntitlement(ctx, request.UserID, submissionID); err == nil {
		return Intent{}, ErrAlreadyEntitled
	} else if !errors.Is(err, ErrEntitlementNotFound) {
		return Intent{}, err
	}

	reference, err := GenerateReference()
	if err != nil {
		return Intent{}, err
	}
	intent.Reference = reference
	return intent, nil
}

// GetIntent returns the intent owned by userID.
func (settler *Settler) GetIntent(ctx context.Context, reference Reference, userID ledger.UserID) (Intent, error) {
	intent, err := settler.store.GetIntent(ctx, reference)
	if err != nil {
		return Intent{}, err
	}
	if intent.UserID != userID {
		return Intent{}, ErrIntentOwnership
	}
	return intent, nil
}

// VerifyAndSettle verifies the transaction for a pending intent and, when it matches,
// applies it exactly once. Calling it again for a settled intent reports the earlier result.
func (settler *Settler) VerifyAndSettle(ctx context.Context, reference Reference, userID ledger.UserID) (SettlementResult, error) {
	result, err := settler.verifyAndSettle(ctx, reference, userID)
	settler.logSettlement(ctx, SettlementLog{
		Operation:      operationVerify,
		Reference:      reference.String(),
		UserID:         userID.String(),
		Outcome:        result.Verification.Outcome,
		AlreadyApplied: result.AlreadyApplied,
		TxHash:         result.Verification.TxHash,
		Error:          err,
	})
	return result, err
}

func (settler *Settler) verifyAndSettle(ctx context.Context, reference Reference, userID ledger.UserID) (SettlementResult, error) {
	intent, err := settler.GetIntent(ctx, reference, userID)
	if err != nil {
		return SettlementResult{}, err
	}
	if intent.Status == IntentStatusSettled {
		entitlement, err := settler.entitlementFor(ctx, intent)
		if err != nil {
			return SettlementResult{}, err
		}
		return SettlementResult{
			Verification: VerificationResult{
				Outcome:  OutcomeVerified,
				TxHash:   intent.TxHash,
				Currency: intent.Currency,
				Expected: intent.Amount,
				Observed: intent.Amount,
				Message:  messageVerified,
			},
			Intent:         intent,
			Entitlement:    entitlement,
			AlreadyApplied: true,
		}, nil
	}

	verification, err := settler.verifier.Verify(ctx, reference, Expectation{
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Recipient:    intent.Recipient,
		SinceUnixUTC: intent.CreatedUnixUTC,
	})
	if err != nil {
		return SettlementResult{}, err
	}
	result := SettlementResult{Verification: verification, Intent: intent}
	if verification.Outcome != OutcomeVerified {
		return result, nil
	}

	submissionID, err := ledger.NewSubmissionID(intent.SubmissionID)
	if err != nil {
		return SettlementResult{}, err
	}
	request := EntitlementRequest{SubmissionID: submissionID, ContestID: intent.ContestID, Kind: EntitlementPromptAccess}
	if intent.Purpose == PurposeEntryFee {
		request.Kind = EntitlementContestEntry
	}
	payment := VerifiedPayment{
		Reference: reference,
		TxHash:    verification.TxHash,
		Sender:    verification.Sender,
		Amount:    verification.Observed,
		Currency:  intent.Currency,
	}
	entitlement, applied, err := settler.settle(ctx, intent, payment, request)
	if err != nil {
		return SettlementResult{}, err
	}
	result.Entitlement = entitlement
	result.AlreadyApplied = !applied
	result.Intent.Status = IntentStatusSettled
	result.Intent.TxHash = payment.TxHash
	return result, nil
}

// SettlePurchase records a verified payment and grants the entitlement in one
// transaction. A payment that was already applied returns the existing entitlement.
func (settler *Settler) SettlePurchase(ctx context.Context, buyerID ledger.UserID, payment VerifiedPayment, request EntitlementRequest) (Entitlement, error) {
	intent, err := settler.GetIntent(ctx, payment.Reference, buyerID)
	if err != nil {
		return Entitlement{}, err
	}
	entitlement, _, err := settler.settle(ctx, intent, payment, request)
	return entitlement, err
}

func (settler *Settler) settle(ctx context.Context, intent Intent, payment VerifiedPayment, request EntitlementRequest) (Entitlement, bool, error) {
	nowUnixUTC := settler.nowFn()
	input, err := settler.paymentEntry(intent, payment, request, nowUnixUTC)
	if err != nil {
		return Entitlement{}, false, err
	}
	var granted Entitlement
	operationError := settler.store.WithSettlementTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := ledger.Apply(ctx, transactionStore, input); err != nil {
			return err
		}
		entitlement, err := transactionStore.CreateEntitlement(ctx, Entitlement{
			BuyerID:        intent.UserID.String(),
			SubmissionID:   request.SubmissionID.String(),
			ContestID:      request.ContestID,
			Kind:           request.Kind,
			Source:         SourceOnChain,
			Reference:      payment.Reference.String(),
			TxHash:         payment.TxHash,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.MarkIntentSettled(ctx, payment.Reference, payment.TxHash, nowUnixUTC); err != nil {
			return err
		}
		granted = entitlement
		return nil
	})
	if operationError == nil {
		return granted, true, nil
	}
	if !isAlreadyApplied(operationError) {
		return Entitlement{}, false, operationError
	}

	current, err := settler.store.GetIntent(ctx, payment.Reference)
	if err != nil {
		return Entitlement{}, false, err
	}
	if current.Status != IntentStatusSettled || current.TxHash != payment.TxHash {
		settler.logger.Warn("verified transaction collides with an earlier settlement",
			zap.String("reference", payment.Reference.String()),
			zap.String("tx_hash", payment.TxHash),
			zap.String("intent_status", string(current.Status)),
			zap.String("intent_tx_hash", current.TxHash),
			zap.Error(operationError))
		return Entitlement{}, false, fmt.Errorf("%w: %s", ErrDuplicatePayment, payment.TxHash)
	}
	entitlement, err := settler.entitlementFor(ctx, current)
	if err != nil {
		return Entitlement{}, false, err
	}
	return entitlement, false, nil
}

func (settler *Settler) paymentEntry(intent Intent, payment VerifiedPayment, request EntitlementRequest, nowUnixUTC int64) (ledger.EntryInput, error) {
	if payment.TxHash == "" {
		return ledger.EntryInput{}, fmt.Errorf("%w: empty transaction hash", ErrInvalidExpectation)
	}
	if payment.Currency != intent.Currency {
		return ledger.EntryInput{}, fmt.Errorf("%w: paid %s for a %s intent", ErrCurrencyMismatch, payment.Currency, intent.Currency)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyPrefixOnChain + payment.TxHash)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]string{
		"payer":     intent.UserID.String(),
		"purpose":   string(intent.Purpose),
		"reference": payment.Reference.String(),
		"sender":    payment.Sender,
		"tx_hash":   payment.TxHash,
	})
	if err != nil {
		return ledger.EntryInput{}, err
	}
	submissionID := request.SubmissionID
	reason := ledger.ReasonPromptPurchase
	var contestID *ledger.ContestID
	if request.Kind == EntitlementContestEntry {
		reason = ledger.ReasonEntryFee
		parsedContestID, err := ledger.NewContestID(request.ContestID)
		if err != nil {
			return ledger.EntryInput{}, err
		}
		contestID = &parsedContestID
	}
	return ledger.NewEntryInput(
		settler.config.TreasuryUserID,
		payment.Currency,
		payment.Amount,
		reason,
		contestID,
		&submissionID,
		idempotencyKey,
		metadata,
		nowUnixUTC,
	)
}

// PurchaseWithBalance buys prompt access with GLORY: the buyer is debited, the
// submission owner credited and the entitlement granted in one transaction.
// InsufficientBalance leaves every balance untouched.
func (settler *Settler) PurchaseWithBalance(ctx context.Context, buyerID ledger.UserID, submissionID ledger.SubmissionID) (Entitlement, error) {
	entitlement, err := settler.purchaseWithBalance(ctx, buyerID, submissionID)
	settler.logSettlement(ctx, SettlementLog{
		Operation: operationPurchaseBalance,
		UserID:    buyerID.String(),
		Error:     err,
	})
	return entitlement, err
}

func (settler *Settler) purchaseWithBalance(ctx context.Context, buyerID ledger.UserID, submissionID ledger.SubmissionID) (Entitlement, error) {
	submission, err := settler.catalog.GetSubmission(ctx, submissionID)
	if err != nil {
		return Entitlement{}, err
	}
	if submission.OwnerID == buyerID.String() {
		return Entitlement{}, ErrOwnSubmission
	}
	price := submission.PromptPrice(ledger.CurrencyGlory)
	if price <= 0 {
		return Entitlement{}, fmt.Errorf("%w: %s", ErrNotForSale, ledger.CurrencyGlory)
	}
	ownerID, err := ledger.NewUserID(submission.OwnerID)
	if err != nil {
		return Entitlement{}, err
	}
	nowUnixUTC := settler.nowFn()
	keyBase := idempotencyPrefixPurchase + buyerID.String() + ":" + submissionID.String()
	debitKey, err := ledger.NewIdempotencyKey(keyBase + ":debit")
	if err != nil {
		return Entitlement{}, err
	}
	creditKey, err := ledger.NewIdempotencyKey(keyBase + ":credit")
	if err != nil {
		return Entitlement{}, err
	}
	metadata, err := ledger.MetadataFromMap(map[string]string{
		"buyer":      buyerID.String(),
		"owner":      ownerID.String(),
		"submission": submissionID.String(),
	})
	if err != nil {
		return Entitlement{}, err
	}
	debit, err := ledger.NewEntryInput(buyerID, ledger.CurrencyGlory, price.Negated(), ledger.ReasonPromptPurchase, nil, &submissionID, debitKey, metadata, nowUnixUTC)
	if err != nil {
		return Entitlement{}, err
	}
	credit, err := ledger.NewEntryInput(ownerID, ledger.CurrencyGlory, price, ledger.ReasonPromptSale, nil, &submissionID, creditKey, metadata, nowUnixUTC)
	if err != nil {
		return Entitlement{}, err
	}

	var granted Entitlement
	operationError := settler.store.WithSettlementTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetEntitlement(ctx, buyerID, submissionID)
		if err == nil {
			granted = existing
			return nil
		}
		if !errors.Is(err, ErrEntitlementNotFound) {
			return err
		}
		balance, err := transactionStore.LockBalance(ctx, buyerID, ledger.CurrencyGlory)
		if err != nil {
			return err
		}
		held, err := transactionStore.SumOpenRequests(ctx, buyerID)
		if err != nil {
			return err
		}
		if balance-held < price {
			return fmt.Errorf("%w: available %d GLORY, price %d", ledger.ErrInsufficientBalance, balance-held, price)
		}
		if _, err := ledger.Apply(ctx, transactionStore, debit); err != nil {
			return err
		}
		if _, err := ledger.Apply(ctx, transactionStore, credit); err != nil {
			return err
		}
		entitlement, err := transactionStore.CreateEntitlement(ctx, Entitlement{
			BuyerID:        buyerID.String(),
			SubmissionID:   submissionID.String(),
			ContestID:      submission.ContestID,
			Kind:           EntitlementPromptAccess,
			Source:         SourceBalance,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		granted = entitlement
		return nil
	})
	if operationError == nil {
		return granted, nil
	}
	if isAlreadyApplied(operationError) {
		return settler.store.GetEntitlement(ctx, buyerID, submissionID)
	}
	return Entitlement{}, operationError
}

func (settler *Settler) entitlementFor(ctx context.Context, intent Intent) (Entitlement, error) {
	submissionID, err := ledger.NewSubmissionID(intent.SubmissionID)
	if err != nil {
		return Entitlement{}, err
	}
	return settler.store.GetEntitlement(ctx, intent.UserID, submissionID)
}

func (settler *Settler) logSettlement(ctx context.Context, entry SettlementLog) {
	if settler.operationLogger == nil {
		return
	}
	settler.operationLogger.LogSettlement(ctx, entry)
}

func isAlreadyApplied(err error) bool {
	return errors.Is(err, ledger.ErrDuplicateEntry) ||
		errors.Is(err, ErrDuplicateEntitlement) ||
		errors.Is(err, ErrIntentAlreadySettled)
}
