package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintFreezeRequestID  = "uniq_freeze_records_request_id"
	freezeRequestIDColumn      = "freeze_records.request_id"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintUniqueCode = 2067
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectEntry          = "entry"
	errorSubjectFreeze         = "freeze_record"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeSwap              = "compare_and_swap"
	errorCodeTransition        = "transition"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, userID ledger.UserID, createdUnixUTC int64) (ledger.Account, error) {
	createdAt := unixTime(createdUnixUTC)
	model := Account{UserID: userID.String(), CreatedAt: createdAt, UpdatedAt: createdAt}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, userID)
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// CompareAndSwapAccount applies the deltas with one conditional UPDATE.
func (store *Store) CompareAndSwapAccount(ctx context.Context, update ledger.AccountUpdate) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND version = ?", update.UserID.String(), update.ExpectedVersion).
		Where("frozen_balance + ? >= 0", update.FrozenDeltaCents).
		Where("(balance + ?) - (frozen_balance + ?) >= 0", update.BalanceDeltaCents, update.FrozenDeltaCents).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance + ?", update.BalanceDeltaCents),
			"frozen_balance": gorm.Expr("frozen_balance + ?", update.FrozenDeltaCents),
			"version":        gorm.Expr("version + 1"),
			"updated_at":     unixTime(update.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeSwap, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) CreateFreezeRecord(ctx context.Context, record ledger.FreezeRecord) error {
	createdAt := unixTime(record.CreatedUnixUTC)
	model := FreezeRecord{
		RecordID:       record.RecordID,
		RequestID:      record.RequestID.String(),
		UserID:         record.UserID.String(),
		Amount:         record.Amount.Int64(),
		Status:         record.Status.String(),
		ModelID:        record.ModelID,
		ConversationID: record.ConversationID,
		Metadata:       datatypesJSON(record.Metadata.String()),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isFreezeRequestConflict(err) {
		return wrapStoreError(errorSubjectFreeze, errorCodeDuplicate, ledger.ErrFreezeRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetFreezeRecord(ctx context.Context, requestID ledger.RequestID) (ledger.FreezeRecord, error) {
	var model FreezeRecord
	err := store.db.WithContext(ctx).Where("request_id = ?", requestID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, ledger.ErrUnknownFreezeRecord)
		}
		return ledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, err)
	}
	record, err := mapFreezeRecord(model)
	if err != nil {
		return ledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeInvalid, err)
	}
	return record, nil
}

// TransitionFreezeRecord moves a record out of transition.From; the status
// predicate makes concurrent transitions mutually exclusive.
func (store *Store) TransitionFreezeRecord(ctx context.Context, transition ledger.FreezeTransition) error {
	at := unixTime(transition.AtUnixUTC)
	assignments := map[string]interface{}{
		"status":        transition.To.String(),
		"actual_cost":   transition.ActualCost.Int64(),
		"input_tokens":  transition.InputTokens,
		"output_tokens": transition.OutputTokens,
		"reason":        transition.Reason,
		"updated_at":    at,
	}
	if transition.To == ledger.FreezeStatusRefunded {
		assignments["refunded_at"] = at
	} else {
		assignments["settled_at"] = at
	}
	result := store.db.WithContext(ctx).
		Model(&FreezeRecord{}).
		Where("request_id = ? AND status = ?", transition.RequestID.String(), transition.From.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&FreezeRecord{}).Where("request_id = ?", transition.RequestID.String()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeTransition, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectFreeze, errorCodeTransition, ledger.ErrUnknownFreezeRecord)
	}
	return wrapStoreError(errorSubjectFreeze, errorCodeTransition, ledger.ErrFreezeRecordClosed)
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	var requestID *string
	if !entryInput.RequestID.IsZero() {
		value := entryInput.RequestID.String()
		requestID = &value
	}
	entry := LedgerEntry{
		UserID:        entryInput.UserID.String(),
		Type:          entryInput.Type.String(),
		Amount:        entryInput.Amount.Int64(),
		BeforeBalance: entryInput.BeforeBalance.Int64(),
		AfterBalance:  entryInput.AfterBalance.Int64(),
		BeforeFrozen:  entryInput.BeforeFrozen.Int64(),
		AfterFrozen:   entryInput.AfterFrozen.Int64(),
		Remark:        entryInput.Remark,
		RequestID:     requestID,
		OrderID:       entryInput.OrderID,
		TaskID:        entryInput.TaskID,
		OperatorID:    entryInput.OperatorID,
		Metadata:      datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:     unixTime(entryInput.CreatedUnixUTC),
	}
	if entryInput.CreatedUnixUTC == 0 {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, cursor ledger.EntryCursor, limit int) ([]ledger.Entry, error) {
	before := unixTime(cursor.BeforeUnixUTC)
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if cursor.BeforeEntryID.IsZero() {
		query = query.Where("created_at < ?", before)
	} else {
		query = query.Where("(created_at < ? OR (created_at = ? AND entry_id < ?))", before, before, cursor.BeforeEntryID.String())
	}
	var rows []LedgerEntry
	err := query.
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
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

func mapAccount(model Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmountCents(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	frozen, err := ledger.NewAmountCents(model.FrozenBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.NewAccount(userID, balance, frozen, model.Version)
}

func mapFreezeRecord(model FreezeRecord) (ledger.FreezeRecord, error) {
	requestID, err := ledger.NewRequestID(model.RequestID)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(model.Amount)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	status, err := ledger.ParseFreezeStatus(model.Status)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	actualCost, err := ledger.NewAmountCents(model.ActualCost)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	return ledger.FreezeRecord{
		RecordID:        model.RecordID,
		RequestID:       requestID,
		UserID:          userID,
		Amount:          amount,
		Status:          status,
		ModelID:         model.ModelID,
		ConversationID:  model.ConversationID,
		ActualCost:      actualCost,
		InputTokens:     model.InputTokens,
		OutputTokens:    model.OutputTokens,
		Reason:          model.Reason,
		Metadata:        metadata,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
		SettledUnixUTC:  timeOrZero(model.SettledAt),
		RefundedUnixUTC: timeOrZero(model.RefundedAt),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewSignedAmountCents(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	var requestID ledger.RequestID
	if row.RequestID != nil {
		if requestID, err = ledger.NewRequestID(*row.RequestID); err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID: entryID,
		EntryInput: ledger.EntryInput{
			UserID:         userID,
			Type:           entryType,
			Amount:         amount,
			BeforeBalance:  ledger.AmountCents(row.BeforeBalance),
			AfterBalance:   ledger.AmountCents(row.AfterBalance),
			BeforeFrozen:   ledger.AmountCents(row.BeforeFrozen),
			AfterFrozen:    ledger.AmountCents(row.AfterFrozen),
			Remark:         row.Remark,
			RequestID:      requestID,
			OrderID:        row.OrderID,
			TaskID:         row.TaskID,
			OperatorID:     row.OperatorID,
			Metadata:       metadata,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		},
	}, nil
}

func unixTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isFreezeRequestConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintFreezeRequestID
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintUniqueCode &&
			strings.Contains(sqliteErr.Error(), freezeRequestIDColumn)
	}
	return false
}
