package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/fivebest/settlement/pkg/ledger"
)

// Purpose names what an on-chain payment buys.
type Purpose string

const (
	PurposeEntryFee       Purpose = "entry_fee"
	PurposePromptPurchase Purpose = "prompt_purchase"
)

// ParsePurpose validates a payment purpose.
func ParsePurpose(raw string) (Purpose, error) {
	purpose := Purpose(strings.TrimSpace(raw))
	switch purpose {
	case PurposeEntryFee, PurposePromptPurchase:
		return purpose, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, raw)
	}
}

// IntentStatus tracks whether a reference has been settled.
type IntentStatus string

const (
	IntentStatusPending IntentStatus = "pending"
	IntentStatusSettled IntentStatus = "settled"
)

// Intent is a persisted payment reference with the parameters the payer was shown.
type Intent struct {
	Reference      Reference
	UserID         ledger.UserID
	Purpose        Purpose
	ContestID      string
	SubmissionID   string
	Amount         ledger.Amount
	Currency       ledger.Currency
	Recipient      string
	Status         IntentStatus
	TxHash         string
	CreatedUnixUTC int64
	SettledUnixUTC int64
}

// IntentRequest asks for a new payment intent.
type IntentRequest struct {
	UserID       ledger.UserID
	Purpose      Purpose
	ContestID    string
	SubmissionID string
	Currency     ledger.Currency
}

// Transfer is a positive balance change observed in a transaction.
// An empty Mint denotes native SOL.
type Transfer struct {
	Recipient string
	Mint      string
	Amount    ledger.Amount
}

// TransactionRecord is what the chain adapter reports for a reference.
type TransactionRecord struct {
	Signature        string
	Sender           string
	Confirmed        bool
	BlockTimeUnixUTC int64
	Transfers        []Transfer
	// MatchCount is the number of confirmed transactions carrying the reference.
	MatchCount int
}

// TransferTo returns the transfer credited to recipient, comparing addresses byte-exactly.
func (record TransactionRecord) TransferTo(recipient string) (Transfer, bool) {
	for _, transfer := range record.Transfers {
		if transfer.Recipient == recipient {
			return transfer, true
		}
	}
	return Transfer{}, false
}

// TransferOf returns the transfer of mint credited to recipient. An empty mint selects native SOL.
func (record TransactionRecord) TransferOf(recipient string, mint string) (Transfer, bool) {
	for _, transfer := range record.Transfers {
		if transfer.Recipient == recipient && transfer.Mint == mint {
			return transfer, true
		}
	}
	return Transfer{}, false
}

// ChainQuerier finds the transaction that carries a reference.
type ChainQuerier interface {
	FindTransactionByReference(ctx context.Context, reference Reference, sinceUnixUTC int64) (TransactionRecord, error)
}

// Outcome classifies a verification attempt.
type Outcome string

const (
	OutcomeVerified       Outcome = "verified"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeWrongRecipient Outcome = "wrong_recipient"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeProviderError  Outcome = "provider_error"
)

// Terminal reports whether polling should stop on this outcome.
func (outcome Outcome) Terminal() bool {
	switch outcome {
	case OutcomeVerified, OutcomeAmountMismatch, OutcomeWrongRecipient:
		return true
	default:
		return false
	}
}

// Expectation is what a payment must match to be accepted.
type Expectation struct {
	Amount       ledger.Amount
	Currency     ledger.Currency
	Recipient    string
	SinceUnixUTC int64
}

// VerificationResult is the classified result of one verification attempt.
type VerificationResult struct {
	Outcome  Outcome
	TxHash   string
	Sender   string
	Currency ledger.Currency
	Expected ledger.Amount
	Observed ledger.Amount
	Message  string
	Cause    error
}

// VerifiedPayment is an on-chain payment that passed verification.
type VerifiedPayment struct {
	Reference Reference
	TxHash    string
	Sender    string
	Amount    ledger.Amount
	Currency  ledger.Currency
}

// EntitlementKind distinguishes contest entries from purchased prompts.
type EntitlementKind string

const (
	EntitlementContestEntry EntitlementKind = "contest_entry"
	EntitlementPromptAccess EntitlementKind = "prompt_access"
)

// EntitlementSource records how an entitlement was paid for.
type EntitlementSource string

const (
	SourceOnChain EntitlementSource = "onchain"
	SourceBalance EntitlementSource = "balance"
)

// EntitlementRequest describes what a settled payment grants.
type EntitlementRequest struct {
	SubmissionID ledger.SubmissionID
	ContestID    string
	Kind         EntitlementKind
}

// Entitlement is a granted right to a submission (entry or prompt access).
type Entitlement struct {
	EntitlementID  string
	BuyerID        string
	SubmissionID   string
	ContestID      string
	Kind           EntitlementKind
	Source         EntitlementSource
	Reference      string
	TxHash         string
	CreatedUnixUTC int64
}

// Contest is the slice of a contest the payment core reads.
type Contest struct {
	ContestID        string
	EntryFee         ledger.Amount
	EntryFeeCurrency ledger.Currency
	Open             bool
}

// Submission is the slice of a submission the payment core reads.
type Submission struct {
	SubmissionID     string
	ContestID        string
	OwnerID          string
	PromptPriceGlory ledger.Amount
	PromptPriceSOL   ledger.Amount
}

// PromptPrice returns the prompt price in currency, zero when not offered.
func (submission Submission) PromptPrice(currency ledger.Currency) ledger.Amount {
	switch currency {
	case ledger.CurrencyGlory:
		return submission.PromptPriceGlory
	case ledger.CurrencySOL:
		return submission.PromptPriceSOL
	default:
		return 0
	}
}

// Catalog reads contests and submissions owned by the contest store.
type Catalog interface {
	GetContest(ctx context.Context, contestID ledger.ContestID) (Contest, error)
	GetSubmission(ctx context.Context, submissionID ledger.SubmissionID) (Submission, error)
}

// Store is the persistence contract used by Settler. Ledger writes made through
// the embedded ledger.Store share the settlement transaction.
type Store interface {
	ledger.Store
	WithSettlementTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, reference Reference) (Intent, error)
	// MarkIntentSettled fails with ErrIntentAlreadySettled unless the intent is pending.
	MarkIntentSettled(ctx context.Context, reference Reference, txHash string, atUnixUTC int64) error
	// CreateEntitlement fails with ErrDuplicateEntitlement for a repeated (buyer, submission).
	CreateEntitlement(ctx context.Context, entitlement Entitlement) (Entitlement, error)
	GetEntitlement(ctx context.Context, buyerID ledger.UserID, submissionID ledger.SubmissionID) (Entitlement, error)
	// SumOpenRequests totals GLORY held by cashout requests that are not yet debited.
	SumOpenRequests(ctx context.Context, userID ledger.UserID) (ledger.Amount, error)
}
