package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/fivebest/settlement/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	mysqlDuplicateEntryError = 1062
	lockingStrengthUpdate    = "UPDATE"
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectIntent       = "intent"
	errorSubjectEntitlement  = "entitlement"
	errorSubjectCatalog      = "catalog"
	errorSubjectWallet       = "wallet"
	errorSubjectCashout      = "cashout"
	errorSubjectEvent        = "cashout_event"
	errorCodeAdjust          = "adjust"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeSum             = "sum"
	errorCodeUpdateStatus    = "update_status"
)

// Store implements ledger.Store, payment.Store, payment.Catalog and
// cashout.Store on top of GORM so that every domain shares one transaction.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.transaction(ctx, func(ctx context.Context, txStore *Store) error {
		return fn(ctx, txStore)
	})
}

func (store *Store) transaction(ctx context.Context, fn func(ctx context.Context, txStore *Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	entry := LedgerEntry{
		UserID:         entryInput.UserID().String(),
		Currency:       entryInput.Currency().String(),
		Delta:          entryInput.Delta().Int64(),
		Reason:         entryInput.Reason().String(),
		IdempotencyKey: entryInput.IdempotencyKey().String(),
		Metadata:       datatypesJSON(entryInput.MetadataJSON().String()),
		CreatedAt:      unixOrNow(entryInput.CreatedUnixUTC()),
	}
	if contestID, ok := entryInput.ContestID(); ok {
		entry.ContestID = stringPointer(contestID.String())
	}
	if submissionID, ok := entryInput.SubmissionID(); ok {
		entry.SubmissionID = stringPointer(submissionID.String())
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueConflict(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	mapped, err := mapLedgerEntry(entry)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) LockBalance(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Amount, error) {
	var balance AccountBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockingStrengthUpdate}).
		Where("user_id = ? AND currency = ?", userID.String(), currency.String()).
		Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return ledger.Amount(balance.Balance), nil
}

func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, currency ledger.Currency, delta ledger.Amount, atUnixUTC int64) (ledger.Amount, error) {
	at := unixOrNow(atUnixUTC)
	row := AccountBalance{UserID: userID.String(), Currency: currency.String(), Balance: delta.Int64(), UpdatedAt: at}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "currency"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("account_balances.balance + ?", delta.Int64()),
				"updated_at": at,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	return store.GetBalance(ctx, userID, currency)
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Amount, error) {
	var balance AccountBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID.String(), currency.String()).
		Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Amount(balance.Balance), nil
}

func (store *Store) SumEntries(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta),0) as total").
		Where("user_id = ? AND currency = ?", userID.String(), currency.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.Amount(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, currency ledger.Currency, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before)
	if currency != "" {
		query = query.Where("currency = ?", currency.String())
	}
	var rows []LedgerEntry
	err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	currency, err := ledger.ParseCurrency(row.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.ParseReason(row.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Currency:       currency,
		Delta:          ledger.Amount(row.Delta),
		Reason:         reason,
		ContestID:      stringOrEmpty(row.ContestID),
		SubmissionID:   stringOrEmpty(row.SubmissionID),
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func unixOrNow(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// isUniqueConflict recognizes unique-constraint violations from every supported driver.
func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryError
	}
	return false
}
