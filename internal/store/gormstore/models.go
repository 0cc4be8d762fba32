package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AllModels lists the tables this store owns plus the catalog read models, in
// dependency order, for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Contest{},
		&Submission{},
		&LedgerEntry{},
		&AccountBalance{},
		&PaymentIntent{},
		&Entitlement{},
		&UserWallet{},
		&CashoutRequest{},
		&CashoutEvent{},
	}
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"primaryKey"`
	UserID         string         `gorm:"not null;index:idx_ledger_user_currency_created,priority:1"`
	Currency       string         `gorm:"not null;index:idx_ledger_user_currency_created,priority:2"`
	Delta          int64          `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	ContestID      *string        `gorm:"index:uniq_ledger_contest_submission,unique,priority:1"`
	SubmissionID   *string        `gorm:"index:uniq_ledger_contest_submission,unique,priority:2"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_ledger_idempotency_key"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_user_currency_created,priority:3"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// AccountBalance is the cached balance per (user, currency).
type AccountBalance struct {
	UserID    string    `gorm:"primaryKey"`
	Currency  string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// PaymentIntent mirrors the payment_intents table.
type PaymentIntent struct {
	Reference      string  `gorm:"primaryKey"`
	UserID         string  `gorm:"not null;index"`
	Purpose        string  `gorm:"not null"`
	ContestID      *string `gorm:""`
	SubmissionID   *string `gorm:""`
	ExpectedAmount int64   `gorm:"not null"`
	Currency       string  `gorm:"not null"`
	Recipient      string  `gorm:"not null"`
	Status         string  `gorm:"not null"`
	TxHash         *string `gorm:"index"`
	CreatedAt      time.Time
	SettledAt      *time.Time
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// Entitlement mirrors the entitlements table.
type Entitlement struct {
	EntitlementID string  `gorm:"column:id;primaryKey"`
	BuyerID       string  `gorm:"not null;index:uniq_entitlement_buyer_submission,unique,priority:1"`
	SubmissionID  string  `gorm:"not null;index:uniq_entitlement_buyer_submission,unique,priority:2"`
	ContestID     *string `gorm:""`
	Kind          string  `gorm:"not null"`
	Source        string  `gorm:"not null"`
	Reference     *string `gorm:""`
	TxHash        *string `gorm:""`
	CreatedAt     time.Time
}

func (Entitlement) TableName() string { return "entitlements" }

func (entitlement *Entitlement) BeforeCreate(tx *gorm.DB) error {
	if entitlement.EntitlementID == "" {
		entitlement.EntitlementID = uuid.NewString()
	}
	return nil
}

// UserWallet mirrors the user_wallets table written by the wallet-link flow.
type UserWallet struct {
	WalletID       string `gorm:"column:id;primaryKey"`
	UserID         string `gorm:"not null;index"`
	Address        string `gorm:"not null"`
	Provider       string `gorm:"not null"`
	SignatureNonce string `gorm:""`
	Status         string `gorm:"not null"`
	VerifiedAt     *time.Time
}

func (UserWallet) TableName() string { return "user_wallets" }

func (wallet *UserWallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// CashoutRequest mirrors the cashout_requests table.
type CashoutRequest struct {
	RequestID          string         `gorm:"column:id;primaryKey"`
	UserID             string         `gorm:"not null;index:idx_cashout_user_created,priority:1"`
	WalletID           string         `gorm:"not null"`
	DestinationAddress string         `gorm:"not null"`
	AmountGlory        int64          `gorm:"not null"`
	AmountToken        string         `gorm:"not null"`
	TokenType          string         `gorm:"not null"`
	Status             string         `gorm:"not null;index:idx_cashout_status_created,priority:1"`
	AdminID            *string        `gorm:""`
	TxHash             *string        `gorm:""`
	TxMeta             datatypes.JSON `gorm:""`
	RejectionReason    *string        `gorm:""`
	Debited            bool           `gorm:"not null;default:false"`
	CreatedAt          time.Time      `gorm:"not null;index:idx_cashout_user_created,priority:2;index:idx_cashout_status_created,priority:2"`
	UpdatedAt          time.Time      `gorm:"not null"`
}

func (CashoutRequest) TableName() string { return "cashout_requests" }

func (request *CashoutRequest) BeforeCreate(tx *gorm.DB) error {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	return nil
}

// CashoutEvent mirrors the append-only cashout_events table.
type CashoutEvent struct {
	EventID          string    `gorm:"column:id;primaryKey"`
	CashoutRequestID string    `gorm:"not null;index:idx_cashout_events_request,priority:1"`
	Sequence         int64     `gorm:"not null;index:idx_cashout_events_request,priority:2"`
	FromStatus       string    `gorm:"not null"`
	ToStatus         string    `gorm:"not null"`
	ActorUserID      *string   `gorm:""`
	Notes            string    `gorm:"not null;default:''"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (CashoutEvent) TableName() string { return "cashout_events" }

func (event *CashoutEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Contest is the read model of the contests table owned by the CRUD app.
type Contest struct {
	ContestID        string `gorm:"column:id;primaryKey"`
	Title            string `gorm:""`
	EntryFee         int64  `gorm:"not null;default:0"`
	EntryFeeCurrency string `gorm:"not null"`
	Status           string `gorm:"not null"`
}

func (Contest) TableName() string { return "contests" }

// Submission is the read model of the submissions table owned by the CRUD app.
type Submission struct {
	SubmissionID     string `gorm:"column:id;primaryKey"`
	ContestID        string `gorm:"not null;index"`
	OwnerID          string `gorm:"not null"`
	PromptPriceGlory int64  `gorm:"not null;default:0"`
	PromptPriceSOL   int64  `gorm:"column:prompt_price_sol;not null;default:0"`
}

func (Submission) TableName() string { return "submissions" }
