package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OpenAccount creates the user's account with zero balance and version 0.
// Opening an existing account returns it unchanged.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	ctx, span := startOperationSpan(ctx, operationOpenAccount, userID, RequestID{})
	started := time.Now()
	var account Account
	operationError := validateUserID(userID)
	if operationError == nil {
		account, operationError = service.store.CreateAccount(ctx, userID, service.nowFn())
	}
	outcome := outcomeForError(operationError)
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		UserID:    userID,
		Outcome:   outcome,
		Attempts:  1,
		Duration:  time.Since(started),
		Error:     operationError,
	})
	finishOperationSpan(span, outcome, 1, operationError)
	return account, operationError
}

// Balance returns the current snapshot of the user's account.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	if err := validateUserID(userID); err != nil {
		return Account{}, err
	}
	return service.store.GetAccount(ctx, userID)
}

// GetFreezeRecord looks up a reservation by its request id.
func (service *Service) GetFreezeRecord(ctx context.Context, requestID RequestID) (FreezeRecord, error) {
	if requestID.IsZero() {
		return FreezeRecord{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return service.store.GetFreezeRecord(ctx, requestID)
}

// ListEntries returns up to limit entries positioned after cursor, newest
// first. Pass NextEntryCursor of a page to fetch the following page.
func (service *Service) ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidServiceConfig)
	}
	if cursor.BeforeUnixUTC <= 0 {
		cursor = EntryCursor{BeforeUnixUTC: service.nowFn() + 1}
	}
	return service.store.ListEntries(ctx, userID, cursor, limit)
}

// Recharge credits a top-up, opening the account when needed.
func (service *Service) Recharge(ctx context.Context, userID UserID, amount PositiveAmountCents, remark string, correlation EntryCorrelation) (BalanceResult, error) {
	return service.credit(ctx, balanceChange{
		operation:   operationRecharge,
		entryType:   EntryRecharge,
		userID:      userID,
		delta:       amount.ToSignedAmountCents(),
		remark:      remark,
		correlation: correlation,
		openMissing: true,
	})
}

// Reward credits a promotional grant, opening the account when needed.
func (service *Service) Reward(ctx context.Context, userID UserID, amount PositiveAmountCents, remark string, correlation EntryCorrelation) (BalanceResult, error) {
	return service.credit(ctx, balanceChange{
		operation:   operationReward,
		entryType:   EntryReward,
		userID:      userID,
		delta:       amount.ToSignedAmountCents(),
		remark:      remark,
		correlation: correlation,
		openMissing: true,
	})
}

// Adjust applies a signed operator correction to the balance. A negative
// delta never eats into frozen funds. remark and operatorID are mandatory.
func (service *Service) Adjust(ctx context.Context, userID UserID, delta SignedAmountCents, remark string, operatorID string, correlation EntryCorrelation) (BalanceResult, error) {
	correlation.OperatorID = operatorID
	return service.credit(ctx, balanceChange{
		operation:     operationAdjust,
		entryType:     EntryAdjustment,
		userID:        userID,
		delta:         delta,
		remark:        remark,
		correlation:   correlation,
		requireRemark: true,
	})
}

type balanceChange struct {
	operation     string
	entryType     EntryType
	userID        UserID
	delta         SignedAmountCents
	remark        string
	correlation   EntryCorrelation
	openMissing   bool
	requireRemark bool
}

func (service *Service) credit(ctx context.Context, change balanceChange) (BalanceResult, error) {
	ctx, span := startOperationSpan(ctx, change.operation, change.userID, change.correlation.RequestID)
	started := time.Now()
	result, operationError := service.applyBalanceChange(ctx, change)
	if operationError != nil && result.Outcome == "" {
		result.Outcome = outcomeForError(operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation:  change.operation,
		UserID:     change.userID,
		RequestID:  change.correlation.RequestID,
		Amount:     absoluteCents(change.delta),
		Outcome:    result.Outcome,
		OperatorID: strings.TrimSpace(change.correlation.OperatorID),
		Remark:     strings.TrimSpace(change.remark),
		Attempts:   result.Attempts,
		Duration:   time.Since(started),
		Error:      operationError,
	})
	finishOperationSpan(span, result.Outcome, result.Attempts, operationError)
	return result, operationError
}

func (service *Service) applyBalanceChange(ctx context.Context, change balanceChange) (BalanceResult, error) {
	if err := validateUserID(change.userID); err != nil {
		return BalanceResult{}, err
	}
	if change.delta == 0 {
		return BalanceResult{}, fmt.Errorf("%w: must not be zero", ErrInvalidEntryAmountCents)
	}
	if change.requireRemark {
		if strings.TrimSpace(change.remark) == "" {
			return BalanceResult{}, fmt.Errorf("%w: remark is required", ErrInvalidRemark)
		}
		if strings.TrimSpace(change.correlation.OperatorID) == "" {
			return BalanceResult{}, fmt.Errorf("%w: operator is required", ErrInvalidOperatorID)
		}
	}
	if change.openMissing {
		if _, err := service.store.CreateAccount(ctx, change.userID, service.nowFn()); err != nil {
			return BalanceResult{}, err
		}
	}

	var committed Account
	attempts, err := withOptimisticRetry(ctx, service.retryPolicy, service.conflictObserver(change.operation), func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			account, err := txStore.GetAccount(ctx, change.userID)
			if err != nil {
				return err
			}
			after, err := swapAccount(ctx, txStore, account, AccountUpdate{
				UserID:            change.userID,
				ExpectedVersion:   account.Version,
				BalanceDeltaCents: change.delta.Int64(),
				UpdatedUnixUTC:    nowUnixUTC,
			}, absoluteCents(change.delta))
			if err != nil {
				return err
			}
			entryInput, err := NewEntryInput(change.entryType, account, after, change.remark, change.correlation, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := txStore.InsertEntry(ctx, entryInput); err != nil {
				return err
			}
			committed = after
			return nil
		})
	})
	if err != nil {
		return BalanceResult{Outcome: outcomeForError(err), Attempts: attempts}, err
	}
	return BalanceResult{Outcome: OutcomeOK, Account: committed, Attempts: attempts}, nil
}

func validateUserID(userID UserID) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return nil
}

func absoluteCents(delta SignedAmountCents) AmountCents {
	if delta < 0 {
		return AmountCents(-delta)
	}
	return AmountCents(delta)
}
