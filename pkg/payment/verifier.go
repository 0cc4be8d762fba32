package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/fivebest/settlement/pkg/ledger"
	"go.uber.org/zap"
)

const (
	messageVerified       = "payment verified"
	messageNotFound       = "payment not found yet, try again later"
	messageProviderError  = "payment provider unavailable, try again later"
	messageWrongRecipient = "payment was sent to the wrong recipient"
	messageWrongToken     = "payment was made in the wrong token"
)

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAmountTolerance accepts observed amounts within tolerance of the expected amount.
// The default is an exact match.
func WithAmountTolerance(tolerance ledger.Amount) VerifierOption {
	return func(verifier *Verifier) {
		if tolerance > 0 {
			verifier.tolerance = tolerance
		}
	}
}

// WithVerifierLogger wires a zap logger for anomalies.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(verifier *Verifier) {
		if logger != nil {
			verifier.logger = logger
		}
	}
}

// Verifier checks that a chain transaction satisfies an expectation. It never writes.
type Verifier struct {
	chain     ChainQuerier
	mints     map[ledger.Currency]string
	tolerance ledger.Amount
	logger    *zap.Logger
}

// NewVerifier wires a Verifier. mints maps each SPL-token currency to its mint address;
// SOL is always native.
func NewVerifier(chain ChainQuerier, mints map[ledger.Currency]string, options ...VerifierOption) (*Verifier, error) {
	if chain == nil {
		return nil, fmt.Errorf("%w: chain querier is nil", ErrInvalidServiceConfig)
	}
	resolved := make(map[ledger.Currency]string, len(mints))
	for currency, mint := range mints {
		if currency == ledger.CurrencySOL {
			continue
		}
		if err := ValidateAddress(mint); err != nil {
			return nil, fmt.Errorf("%w: %s mint: %v", ErrInvalidServiceConfig, currency, err)
		}
		resolved[currency] = mint
	}
	verifier := &Verifier{chain: chain, mints: resolved, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier, nil
}

// MintFor returns the token mint for currency; empty for native SOL.
func (verifier *Verifier) MintFor(currency ledger.Currency) (string, error) {
	if currency == ledger.CurrencySOL {
		return "", nil
	}
	mint, ok := verifier.mints[currency]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return mint, nil
}

// Verify looks up the transaction for reference and classifies it against expectation.
func (verifier *Verifier) Verify(ctx context.Context, reference Reference, expectation Expectation) (VerificationResult, error) {
	if reference.IsZero() {
		return VerificationResult{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	if expectation.Amount <= 0 {
		return VerificationResult{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidExpectation)
	}
	if err := ValidateAddress(expectation.Recipient); err != nil {
		return VerificationResult{}, fmt.Errorf("%w: recipient: %v", ErrInvalidExpectation, err)
	}
	expectedMint, err := verifier.MintFor(expectation.Currency)
	if err != nil {
		return VerificationResult{}, err
	}

	result := VerificationResult{Currency: expectation.Currency, Expected: expectation.Amount}
	record, err := verifier.chain.FindTransactionByReference(ctx, reference, expectation.SinceUnixUTC)
	if err != nil {
		result.Cause = err
		if errors.Is(err, ErrTransactionNotFound) {
			result.Outcome = OutcomeNotFound
			result.Message = messageNotFound
			return result, nil
		}
		result.Outcome = OutcomeProviderError
		result.Message = messageProviderError
		return result, nil
	}
	if !record.Confirmed {
		result.Outcome = OutcomeNotFound
		result.Message = messageNotFound
		return result, nil
	}
	if record.MatchCount > 1 {
		verifier.logger.Warn("multiple transactions carry one payment reference",
			zap.String("reference", reference.String()),
			zap.Int("matches", record.MatchCount),
			zap.String("selected_signature", record.Signature))
	}
	result.TxHash = record.Signature
	result.Sender = record.Sender

	transfer, ok := record.TransferTo(expectation.Recipient)
	if !ok {
		result.Outcome = OutcomeWrongRecipient
		result.Message = messageWrongRecipient
		return result, nil
	}
	matched, ok := record.TransferOf(expectation.Recipient, expectedMint)
	if !ok {
		result.Observed = transfer.Amount
		result.Outcome = OutcomeAmountMismatch
		result.Message = messageWrongToken
		return result, nil
	}
	transfer = matched
	result.Observed = transfer.Amount
	if !verifier.amountMatches(expectation.Amount, transfer.Amount) {
		result.Outcome = OutcomeAmountMismatch
		result.Message = fmt.Sprintf("payment amount %s %s does not match expected %s %s",
			ledger.FormatAmount(expectation.Currency, transfer.Amount), expectation.Currency,
			ledger.FormatAmount(expectation.Currency, expectation.Amount), expectation.Currency)
		return result, nil
	}
	result.Outcome = OutcomeVerified
	result.Message = messageVerified
	return result, nil
}

func (verifier *Verifier) amountMatches(expected ledger.Amount, observed ledger.Amount) bool {
	difference := observed - expected
	if difference < 0 {
		difference = -difference
	}
	return difference <= verifier.tolerance
}
