package cashout

import (
	"context"
	"fmt"
	"strings"

	"github.com/fivebest/settlement/pkg/ledger"
)

// Status is a cashout request lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected},
	StatusApproved:   {StatusProcessing},
	StatusProcessing: {StatusSent, StatusFailed},
	StatusSent:       {StatusConfirmed, StatusFailed},
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusApproved, StatusProcessing, StatusSent, StatusConfirmed, StatusRejected, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the status name.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no transition leaves the status.
func (status Status) Terminal() bool {
	return len(allowedTransitions[status]) == 0
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from Status, to Status) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// WalletStatus tracks whether a linked wallet may receive payouts.
type WalletStatus string

const (
	WalletStatusPending WalletStatus = "pending"
	WalletStatusActive  WalletStatus = "active"
	WalletStatusRevoked WalletStatus = "revoked"
)

// Wallet is a user's linked external wallet.
type Wallet struct {
	WalletID        string
	UserID          string
	Address         string
	Provider        string
	Status          WalletStatus
	VerifiedUnixUTC int64
}

// Request is a user's request to convert GLORY into an on-chain payout.
type Request struct {
	RequestID          string
	UserID             string
	WalletID           string
	DestinationAddress string
	AmountGlory        ledger.Amount
	// AmountToken is the exact decimal payout amount in TokenType units.
	AmountToken     string
	TokenType       ledger.Currency
	Status          Status
	AdminID         string
	TxHash          string
	TxMetaJSON      string
	RejectionReason string
	// Debited is set once the GLORY debit has been written to the ledger.
	Debited        bool
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Event is one immutable transition of a request. The creation event has an empty FromStatus.
type Event struct {
	EventID        string
	RequestID      string
	FromStatus     Status
	ToStatus       Status
	ActorUserID    string
	Notes          string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Ledger writes made through
// the embedded ledger.Store share the cashout transaction.
type Store interface {
	ledger.Store
	WithCashoutTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, walletID string) (Wallet, error)
	CreateRequest(ctx context.Context, request Request) (Request, error)
	// GetRequest locks the request row for the transaction where supported.
	GetRequest(ctx context.Context, requestID string) (Request, error)
	// UpdateRequest writes request only if its stored status still equals expected;
	// otherwise it fails with ErrInvalidTransition.
	UpdateRequest(ctx context.Context, request Request, expected Status) error
	InsertEvent(ctx context.Context, event Event) (Event, error)
	ListEvents(ctx context.Context, requestID string) ([]Event, error)
	ListRequestsByUser(ctx context.Context, userID ledger.UserID, limit int) ([]Request, error)
	ListRequestsByStatus(ctx context.Context, status Status, limit int) ([]Request, error)
	// SumOpenRequests totals GLORY reserved by requests not yet debited (pending, approved).
	SumOpenRequests(ctx context.Context, userID ledger.UserID) (ledger.Amount, error)
}
