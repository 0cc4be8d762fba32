package payment

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fivebest/settlement/pkg/ledger"
	"github.com/gagliardetto/solana-go"
)

// Reference is an unforgeable public key attached to a payment transaction
// as a read-only account, so the transaction can be found by it later.
type Reference struct {
	key solana.PublicKey
}

// GenerateReference returns a fresh reference from the system CSPRNG.
func GenerateReference() (Reference, error) {
	privateKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Reference{}, fmt.Errorf("generate reference: %w", err)
	}
	return Reference{key: privateKey.PublicKey()}, nil
}

// ParseReference decodes a base58 reference.
func ParseReference(raw string) (Reference, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if key.IsZero() {
		return Reference{}, fmt.Errorf("%w: zero key", ErrInvalidReference)
	}
	return Reference{key: key}, nil
}

// String returns the base58 encoding, or "" for the zero reference.
func (reference Reference) String() string {
	if reference.key.IsZero() {
		return ""
	}
	return reference.key.String()
}

// PublicKey exposes the reference as a Solana account key.
func (reference Reference) PublicKey() solana.PublicKey {
	return reference.key
}

// IsZero reports whether the reference is unset.
func (reference Reference) IsZero() bool {
	return reference.key.IsZero()
}

// ValidateAddress checks that raw is a base58 Solana address.
func ValidateAddress(raw string) error {
	if _, err := solana.PublicKeyFromBase58(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// PaymentRequestURL renders a Solana Pay transfer request for the intent.
// mint is empty for native SOL.
func PaymentRequestURL(intent Intent, mint string, label string, message string) string {
	query := url.Values{}
	query.Set("amount", ledger.FormatAmount(intent.Currency, intent.Amount))
	if mint != "" {
		query.Set("spl-token", mint)
	}
	query.Set("reference", intent.Reference.String())
	if label != "" {
		query.Set("label", label)
	}
	if message != "" {
		query.Set("message", message)
	}
	query.Set("memo", string(intent.Purpose))
	return "solana:" + intent.Recipient + "?" + query.Encode()
}
