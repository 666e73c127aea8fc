package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintFreezeRequestID = "uniq_freeze_records_request_id"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectEntry         = "entry"
	errorSubjectFreeze        = "freeze_record"
	errorSubjectSchema        = "schema"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeMigrate          = "migrate"
	errorCodeSwap             = "compare_and_swap"
	errorCodeTransition       = "transition"

	sqlInsertAccount = `
		insert into accounts(user_id, created_at, updated_at)
		values($1, to_timestamp($2), to_timestamp($2))
		on conflict (user_id) do nothing
	`

	sqlSelectAccount = `
		select user_id, balance, frozen_balance, version
		from accounts
		where user_id = $1
	`

	sqlCompareAndSwapAccount = `
		update accounts
		set balance = balance + $3,
			frozen_balance = frozen_balance + $4,
			version = version + 1,
			updated_at = to_timestamp($5)
		where user_id = $1 and version = $2
			and frozen_balance + $4 >= 0
			and (balance + $3) - (frozen_balance + $4) >= 0
	`

	sqlInsertFreezeRecord = `
		insert into freeze_records(
			record_id, request_id, user_id, amount, status, model_id, conversation_id, metadata, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, to_timestamp($9), to_timestamp($9))
	`

	sqlSelectFreezeRecord = `
		select
			record_id::text, request_id, user_id, amount, status, model_id, conversation_id,
			actual_cost, input_tokens, output_tokens, reason, coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from settled_at)::bigint,0),
			coalesce(extract(epoch from refunded_at)::bigint,0)
		from freeze_records
		where request_id = $1
	`

	sqlTransitionFreezeRecord = `
		update freeze_records
		set status = $3,
			actual_cost = $4,
			input_tokens = $5,
			output_tokens = $6,
			reason = $7,
			updated_at = to_timestamp($8),
			settled_at = case when $3 = 'settled' then to_timestamp($8) else settled_at end,
			refunded_at = case when $3 = 'refunded' then to_timestamp($8) else refunded_at end
		where request_id = $1 and status = $2
	`

	sqlFreezeRecordExists = `select exists(select 1 from freeze_records where request_id = $1)`

	sqlInsertEntry = `
		insert into ledger_entries(
			user_id, type, amount, before_balance, after_balance, before_frozen, after_frozen,
			remark, request_id, order_id, task_id, operator_id, metadata, created_at, entry_id
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			$8, nullif($9,''), $10, $11, $12,
			coalesce(nullif($13,''),'{}')::jsonb,
			to_timestamp($14),
			$15::uuid
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text, user_id, type, amount,
			before_balance, after_balance, before_frozen, after_frozen,
			remark, coalesce(request_id,''), order_id, task_id, operator_id,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where user_id = $1
			and (created_at < to_timestamp($2)
				or (created_at = to_timestamp($2) and entry_id < nullif($3,'')::uuid))
		order by created_at desc, entry_id desc
		limit $4
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) CreateAccount(ctx context.Context, userID ledger.UserID, createdUnixUTC int64) (ledger.Account, error) {
	if _, err := q.db.Exec(ctx, sqlInsertAccount, userID.String(), createdUnixUTC); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return q.GetAccount(ctx, userID)
}

func (q queries) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var (
		userValue string
		balance   int64
		frozen    int64
		version   int64
	)
	err := q.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(&userValue, &balance, &frozen, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(userValue, balance, frozen, version)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (q queries) CompareAndSwapAccount(ctx context.Context, update ledger.AccountUpdate) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlCompareAndSwapAccount,
		update.UserID.String(),
		update.ExpectedVersion,
		update.BalanceDeltaCents,
		update.FrozenDeltaCents,
		update.UpdatedUnixUTC,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeSwap, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) CreateFreezeRecord(ctx context.Context, record ledger.FreezeRecord) error {
	recordID := record.RecordID
	if recordID == "" {
		recordID = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, sqlInsertFreezeRecord,
		recordID,
		record.RequestID.String(),
		record.UserID.String(),
		record.Amount.Int64(),
		record.Status.String(),
		record.ModelID,
		record.ConversationID,
		record.Metadata.String(),
		record.CreatedUnixUTC,
	)
	if isFreezeRequestConflict(err) {
		return wrapStoreError(errorSubjectFreeze, errorCodeDuplicate, ledger.ErrFreezeRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeCreate, err)
	}
	return nil
}

func (q queries) GetFreezeRecord(ctx context.Context, requestID ledger.RequestID) (ledger.FreezeRecord, error) {
	var row freezeRecordRow
	err := q.db.QueryRow(ctx, sqlSelectFreezeRecord, requestID.String()).Scan(
		&row.recordID,
		&row.requestID,
		&row.userID,
		&row.amount,
		&row.status,
		&row.modelID,
		&row.conversationID,
		&row.actualCost,
		&row.inputTokens,
		&row.outputTokens,
		&row.reason,
		&row.metadata,
		&row.createdUnixUTC,
		&row.settledUnixUTC,
		&row.refundedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, ledger.ErrUnknownFreezeRecord)
		}
		return ledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeGet, err)
	}
	record, err := row.toRecord()
	if err != nil {
		return ledger.FreezeRecord{}, wrapStoreError(errorSubjectFreeze, errorCodeInvalid, err)
	}
	return record, nil
}

func (q queries) TransitionFreezeRecord(ctx context.Context, transition ledger.FreezeTransition) error {
	tag, err := q.db.Exec(ctx, sqlTransitionFreezeRecord,
		transition.RequestID.String(),
		transition.From.String(),
		transition.To.String(),
		transition.ActualCost.Int64(),
		transition.InputTokens,
		transition.OutputTokens,
		transition.Reason,
		transition.AtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeTransition, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.db.QueryRow(ctx, sqlFreezeRecordExists, transition.RequestID.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectFreeze, errorCodeTransition, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectFreeze, errorCodeTransition, ledger.ErrUnknownFreezeRecord)
	}
	return wrapStoreError(errorSubjectFreeze, errorCodeTransition, ledger.ErrFreezeRecordClosed)
}

func (q queries) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	entryID, err := uuid.NewV7()
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	_, err = q.db.Exec(ctx, sqlInsertEntry,
		entryInput.UserID.String(),
		entryInput.Type.String(),
		entryInput.Amount.Int64(),
		entryInput.BeforeBalance.Int64(),
		entryInput.AfterBalance.Int64(),
		entryInput.BeforeFrozen.Int64(),
		entryInput.AfterFrozen.Int64(),
		entryInput.Remark,
		entryInput.RequestID.String(),
		entryInput.OrderID,
		entryInput.TaskID,
		entryInput.OperatorID,
		entryInput.Metadata.String(),
		entryInput.CreatedUnixUTC,
		entryID.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListEntries(ctx context.Context, userID ledger.UserID, cursor ledger.EntryCursor, limit int) ([]ledger.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntriesBefore, userID.String(), cursor.BeforeUnixUTC, cursor.BeforeEntryID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

type freezeRecordRow struct {
	recordID        string
	requestID       string
	userID          string
	amount          int64
	status          string
	modelID         string
	conversationID  string
	actualCost      int64
	inputTokens     int64
	outputTokens    int64
	reason          string
	metadata        string
	createdUnixUTC  int64
	settledUnixUTC  int64
	refundedUnixUTC int64
}

func (row freezeRecordRow) toRecord() (ledger.FreezeRecord, error) {
	requestID, err := ledger.NewRequestID(row.requestID)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.amount)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	status, err := ledger.ParseFreezeStatus(row.status)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	actualCost, err := ledger.NewAmountCents(row.actualCost)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(row.metadata)
	if err != nil {
		return ledger.FreezeRecord{}, err
	}
	return ledger.FreezeRecord{
		RecordID:        row.recordID,
		RequestID:       requestID,
		UserID:          userID,
		Amount:          amount,
		Status:          status,
		ModelID:         row.modelID,
		ConversationID:  row.conversationID,
		ActualCost:      actualCost,
		InputTokens:     row.inputTokens,
		OutputTokens:    row.outputTokens,
		Reason:          row.reason,
		Metadata:        metadata,
		CreatedUnixUTC:  row.createdUnixUTC,
		SettledUnixUTC:  row.settledUnixUTC,
		RefundedUnixUTC: row.refundedUnixUTC,
	}, nil
}

func mapAccount(userValue string, balance int64, frozen int64, version int64) (ledger.Account, error) {
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Account{}, err
	}
	balanceCents, err := ledger.NewAmountCents(balance)
	if err != nil {
		return ledger.Account{}, err
	}
	frozenCents, err := ledger.NewAmountCents(frozen)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.NewAccount(userID, balanceCents, frozenCents, version)
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue   string
			userValue      string
			entryTypeValue string
			amountValue    int64
			beforeBalance  int64
			afterBalance   int64
			beforeFrozen   int64
			afterFrozen    int64
			remark         string
			requestValue   string
			orderID        string
			taskID         string
			operatorID     string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userValue,
			&entryTypeValue,
			&amountValue,
			&beforeBalance,
			&afterBalance,
			&beforeFrozen,
			&afterFrozen,
			&remark,
			&requestValue,
			&orderID,
			&taskID,
			&operatorID,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		entryID, err := ledger.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userValue)
		if err != nil {
			return nil, err
		}
		entryType, err := ledger.ParseEntryType(entryTypeValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewSignedAmountCents(amountValue)
		if err != nil {
			return nil, err
		}
		var requestID ledger.RequestID
		if requestValue != "" {
			if requestID, err = ledger.NewRequestID(requestValue); err != nil {
				return nil, err
			}
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ledger.Entry{
			EntryID: entryID,
			EntryInput: ledger.EntryInput{
				UserID:         userID,
				Type:           entryType,
				Amount:         amount,
				BeforeBalance:  ledger.AmountCents(beforeBalance),
				AfterBalance:   ledger.AmountCents(afterBalance),
				BeforeFrozen:   ledger.AmountCents(beforeFrozen),
				AfterFrozen:    ledger.AmountCents(afterFrozen),
				Remark:         remark,
				RequestID:      requestID,
				OrderID:        orderID,
				TaskID:         taskID,
				OperatorID:     operatorID,
				Metadata:       metadata,
				CreatedUnixUTC: createdUnixUTC,
			},
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isFreezeRequestConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintFreezeRequestID
	}
	return false
}
