package settlement

import (
	"context"
	"errors"

	"github.com/fivebest/settlement/pkg/ledger"
)

// ErrPayoutRejected means the chain refused the payout outright; retrying the
// same transaction cannot succeed.
var ErrPayoutRejected = errors.New("payout rejected")

// Payout is one transfer of a cashout request to its destination wallet.
type Payout struct {
	RequestID   string
	Destination string
	TokenType   ledger.Currency
	// AmountToken is the exact decimal amount in TokenType units.
	AmountToken string
}

// PayoutState is the on-chain state of a sent payout.
type PayoutState string

const (
	PayoutPending   PayoutState = "pending"
	PayoutConfirmed PayoutState = "confirmed"
	PayoutFailed    PayoutState = "failed"
)

// Receipt describes a submitted payout transaction.
type Receipt struct {
	Signature string
	// MetaJSON is stored on the request alongside the signature.
	MetaJSON string
}

// PayoutSender submits payouts and reports their confirmation state.
//
// Send returns a Receipt carrying the signature alongside any error once the
// transaction is signed, since a failed submission may still have reached the
// chain. An error with an empty signature means nothing was broadcast.
// Confirm receives the Receipt's MetaJSON so it can tell an expired
// transaction from a slow one.
type PayoutSender interface {
	Send(ctx context.Context, payout Payout) (Receipt, error)
	Confirm(ctx context.Context, signature string, metaJSON string) (PayoutState, error)
}
