package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency identifies one of the independent balances a user holds.
type Currency string

const (
	CurrencyGlory Currency = "GLORY"
	CurrencySOL   Currency = "SOL"
	CurrencyUSDC  Currency = "USDC"
)

// Currencies lists every supported currency in display order.
func Currencies() []Currency {
	return []Currency{CurrencyGlory, CurrencySOL, CurrencyUSDC}
}

// ParseCurrency validates a currency code (case-insensitive).
func ParseCurrency(raw string) (Currency, error) {
	normalized := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case CurrencyGlory, CurrencySOL, CurrencyUSDC:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
}

// String returns the currency code.
func (currency Currency) String() string {
	return string(currency)
}

// Decimals is the number of fractional digits of the currency's minor unit.
func (currency Currency) Decimals() int32 {
	switch currency {
	case CurrencySOL:
		return 9
	case CurrencyUSDC:
		return 6
	default:
		return 0
	}
}

// OnChain reports whether the currency settles on Solana.
func (currency Currency) OnChain() bool {
	return currency == CurrencySOL || currency == CurrencyUSDC
}

// Amount is a signed quantity in the minor unit of a currency
// (whole GLORY points, lamports, micro-USDC).
type Amount int64

// NewPositiveAmount validates a strictly positive minor-unit amount.
func NewPositiveAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// ParseAmount parses a decimal string such as "4.9" into minor units.
// More fractional digits than the currency carries is an error, never a rounding.
func ParseAmount(currency Currency, raw string) (Amount, error) {
	if _, err := ParseCurrency(currency.String()); err != nil {
		return 0, err
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
	}
	return AmountFromDecimal(currency, value)
}

// AmountFromDecimal converts a positive decimal quantity into minor units.
func AmountFromDecimal(currency Currency, value decimal.Decimal) (Amount, error) {
	scaled := value.Shift(currency.Decimals())
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s allows at most %d decimal places", ErrInvalidAmount, currency, currency.Decimals())
	}
	if !scaled.IsPositive() {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return Amount(scaled.IntPart()), nil
}

// Int64 exposes the raw minor-unit value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with the opposite sign.
func (amount Amount) Negated() Amount {
	return -amount
}

// Decimal returns the amount in whole currency units.
func (amount Amount) Decimal(currency Currency) decimal.Decimal {
	return decimal.New(int64(amount), -currency.Decimals())
}

// FormatAmount renders minor units as an exact decimal string.
func FormatAmount(currency Currency, amount Amount) string {
	return amount.Decimal(currency).String()
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// ContestID identifies a contest owned by the contest store.
type ContestID struct {
	value string
}

// NewContestID validates and normalizes a contest id.
func NewContestID(raw string) (ContestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ContestID{}, fmt.Errorf("%w: empty value", ErrInvalidContestID)
	}
	return ContestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ContestID) String() string {
	return id.value
}

// SubmissionID identifies a contest submission.
type SubmissionID struct {
	value string
}

// NewSubmissionID validates and normalizes a submission id.
func NewSubmissionID(raw string) (SubmissionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SubmissionID{}, fmt.Errorf("%w: empty value", ErrInvalidSubmissionID)
	}
	return SubmissionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SubmissionID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary entry context.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat map into metadata.
func MetadataFromMap(values map[string]string) (MetadataJSON, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Reason explains why a ledger entry exists.
type Reason string

const (
	ReasonEntryFee       Reason = "entry_fee"
	ReasonPromptPurchase Reason = "prompt_purchase"
	ReasonPromptSale     Reason = "prompt_sale"
	ReasonGrant          Reason = "grant"
	ReasonCashoutDebit   Reason = "cashout_debit"
	ReasonCashoutRefund  Reason = "cashout_refund"
)

// ParseReason validates an entry reason.
func ParseReason(raw string) (Reason, error) {
	reason := Reason(strings.TrimSpace(raw))
	switch reason {
	case ReasonEntryFee, ReasonPromptPurchase, ReasonPromptSale, ReasonGrant, ReasonCashoutDebit, ReasonCashoutRefund:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
}

// String returns the reason code.
func (reason Reason) String() string {
	return string(reason)
}

// EntryInput is a validated ledger entry awaiting insertion.
type EntryInput struct {
	userID         UserID
	currency       Currency
	delta          Amount
	reason         Reason
	contestID      *ContestID
	submissionID   *SubmissionID
	idempotencyKey IdempotencyKey
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates the fields of a new entry. The delta must be non-zero.
func NewEntryInput(
	userID UserID,
	currency Currency,
	delta Amount,
	reason Reason,
	contestID *ContestID,
	submissionID *SubmissionID,
	idempotencyKey IdempotencyKey,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (EntryInput, error) {
	if userID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseCurrency(currency.String()); err != nil {
		return EntryInput{}, err
	}
	if delta == 0 {
		return EntryInput{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAmount)
	}
	if _, err := ParseReason(reason.String()); err != nil {
		return EntryInput{}, err
	}
	if idempotencyKey.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return EntryInput{
		userID:         userID,
		currency:       currency,
		delta:          delta,
		reason:         reason,
		contestID:      contestID,
		submissionID:   submissionID,
		idempotencyKey: idempotencyKey,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func (input EntryInput) UserID() UserID                 { return input.userID }
func (input EntryInput) Currency() Currency             { return input.currency }
func (input EntryInput) Delta() Amount                  { return input.delta }
func (input EntryInput) Reason() Reason                 { return input.reason }
func (input EntryInput) IdempotencyKey() IdempotencyKey { return input.idempotencyKey }
func (input EntryInput) MetadataJSON() MetadataJSON     { return input.metadata }
func (input EntryInput) CreatedUnixUTC() int64          { return input.createdUnixUTC }

// ContestID returns the contest scope, if any.
func (input EntryInput) ContestID() (ContestID, bool) {
	if input.contestID == nil {
		return ContestID{}, false
	}
	return *input.contestID, true
}

// SubmissionID returns the submission scope, if any.
func (input EntryInput) SubmissionID() (SubmissionID, bool) {
	if input.submissionID == nil {
		return SubmissionID{}, false
	}
	return *input.submissionID, true
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	UserID         string
	Currency       Currency
	Delta          Amount
	Reason         Reason
	ContestID      string
	SubmissionID   string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Reconciliation compares the cached balance against the entry sum.
type Reconciliation struct {
	UserID   UserID
	Currency Currency
	Cached   Amount
	Computed Amount
}

// Consistent reports whether the cache matches the entries.
func (reconciliation Reconciliation) Consistent() bool {
	return reconciliation.Cached == reconciliation.Computed
}

// Store is the persistence contract used by Service and Apply.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// InsertEntry returns ErrDuplicateEntry when a uniqueness guard rejects the row.
	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	// LockBalance reads the cached balance, locking the row for the transaction where supported.
	LockBalance(ctx context.Context, userID UserID, currency Currency) (Amount, error)
	AdjustBalance(ctx context.Context, userID UserID, currency Currency, delta Amount, atUnixUTC int64) (Amount, error)
	GetBalance(ctx context.Context, userID UserID, currency Currency) (Amount, error)
	SumEntries(ctx context.Context, userID UserID, currency Currency) (Amount, error)
	// ListEntries returns entries newest first; an empty currency lists all currencies.
	ListEntries(ctx context.Context, userID UserID, currency Currency, beforeUnixUTC int64, limit int) ([]Entry, error)
}
