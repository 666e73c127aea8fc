package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	loggers     []OperationLogger
	metrics     MetricsRecorder
	retryPolicy RetryPolicy
	newRecordID func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		nowFn:       now,
		retryPolicy: DefaultRetryPolicy(),
		newRecordID: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.retryPolicy.Validate(); err != nil {
		return nil, err
	}
	return service, nil
}

// Freeze reserves amount against the user's available balance under requestID.
// Repeating a requestID returns the original reservation with AlreadyFrozen set
// and never reserves twice.
func (service *Service) Freeze(ctx context.Context, userID UserID, amount PositiveAmountCents, requestID RequestID, freezeContext FreezeContext) (FreezeResult, error) {
	ctx, span := startOperationSpan(ctx, operationFreeze, userID, requestID)
	started := time.Now()
	result, operationError := service.freeze(ctx, userID, amount, requestID, freezeContext)
	if operationError != nil && result.Outcome == "" {
		result.Outcome = outcomeForError(operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationFreeze,
		UserID:    userID,
		RequestID: requestID,
		Amount:    amount.ToAmountCents(),
		Outcome:   result.Outcome,
		Attempts:  result.Attempts,
		Duration:  time.Since(started),
		Error:     operationError,
	})
	finishOperationSpan(span, result.Outcome, result.Attempts, operationError)
	return result, operationError
}

func (service *Service) freeze(ctx context.Context, userID UserID, amount PositiveAmountCents, requestID RequestID, freezeContext FreezeContext) (FreezeResult, error) {
	if userID.IsZero() {
		return FreezeResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if requestID.IsZero() {
		return FreezeResult{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	if amount <= 0 {
		return FreezeResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}

	existing, err := service.store.GetFreezeRecord(ctx, requestID)
	switch {
	case err == nil:
		return service.alreadyFrozen(ctx, existing, userID, 0)
	case !errors.Is(err, ErrUnknownFreezeRecord):
		return FreezeResult{}, err
	}

	var committed Account
	var recordID string
	attempts, err := withOptimisticRetry(ctx, service.retryPolicy, service.conflictObserver(operationFreeze), func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			account, err := txStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			after, err := swapAccount(ctx, txStore, account, AccountUpdate{
				UserID:           userID,
				ExpectedVersion:  account.Version,
				FrozenDeltaCents: amount.Int64(),
				UpdatedUnixUTC:   nowUnixUTC,
			}, amount.ToAmountCents())
			if err != nil {
				return err
			}
			record, err := NewFreezeRecord(service.newRecordID(), requestID, userID, amount, freezeContext, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := txStore.CreateFreezeRecord(ctx, record); err != nil {
				return err
			}
			entryInput, err := NewEntryInput(EntryFreeze, account, after, "", EntryCorrelation{
				RequestID: requestID,
				Metadata:  freezeContext.Metadata,
			}, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := txStore.InsertEntry(ctx, entryInput); err != nil {
				return err
			}
			committed = after
			recordID = record.RecordID
			return nil
		})
	})

	var insufficient InsufficientFundsError
	switch {
	case err == nil:
		return FreezeResult{
			Outcome:        OutcomeOK,
			FreezeRecordID: recordID,
			Amount:         amount.ToAmountCents(),
			Balance:        committed.Balance,
			FrozenBalance:  committed.FrozenBalance,
			Available:      committed.Available(),
			Attempts:       attempts,
		}, nil
	case errors.Is(err, ErrFreezeRecordExists):
		// A concurrent call with the same request id committed first; its
		// transaction owns the reservation and ours was rolled back.
		existing, lookupErr := service.store.GetFreezeRecord(ctx, requestID)
		if lookupErr != nil {
			return FreezeResult{Attempts: attempts}, lookupErr
		}
		return service.alreadyFrozen(ctx, existing, userID, attempts)
	case errors.As(err, &insufficient):
		return FreezeResult{
			Outcome:       OutcomeInsufficientBalance,
			Amount:        amount.ToAmountCents(),
			Balance:       insufficient.Balance,
			FrozenBalance: insufficient.Frozen,
			Available:     insufficient.Available,
			Attempts:      attempts,
		}, err
	default:
		return FreezeResult{Outcome: outcomeForError(err), Attempts: attempts}, err
	}
}

func (service *Service) alreadyFrozen(ctx context.Context, record FreezeRecord, userID UserID, attempts int) (FreezeResult, error) {
	if record.UserID != userID {
		return FreezeResult{Outcome: OutcomeFailed, Attempts: attempts},
			WrapError(errorOperationService, errorSubjectFreeze, errorCodeMismatch, ErrFreezeRecordMismatch)
	}
	result := FreezeResult{
		Outcome:        OutcomeAlreadyApplied,
		AlreadyFrozen:  true,
		FreezeRecordID: record.RecordID,
		Amount:         record.Amount.ToAmountCents(),
		Attempts:       attempts,
	}
	if account, err := service.store.GetAccount(ctx, userID); err == nil {
		result.Balance = account.Balance
		result.FrozenBalance = account.FrozenBalance
		result.Available = account.Available()
	}
	return result, nil
}

// Settle closes a FROZEN reservation, releasing the frozen amount and charging
// actualCost. actualCost may exceed the frozen amount when available funds
// cover the difference. Settling a closed record is a no-op.
func (service *Service) Settle(ctx context.Context, userID UserID, requestID RequestID, actualCost AmountCents, usage Usage) (SettlementResult, error) {
	if actualCost < 0 {
		return SettlementResult{Outcome: OutcomeFailed}, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return service.finalize(ctx, operationSettle, userID, requestID, actualCost.Int64(), func(record FreezeRecord) closePlan {
		return closePlan{
			to:     FreezeStatusSettled,
			charge: actualCost,
			usage:  usage,
		}
	})
}

// Refund closes a FROZEN reservation without charging, returning the frozen
// amount to available funds. Refunding a closed record is a no-op.
func (service *Service) Refund(ctx context.Context, userID UserID, requestID RequestID, reason string) (SettlementResult, error) {
	return service.finalize(ctx, operationRefund, userID, requestID, 0, func(record FreezeRecord) closePlan {
		return closePlan{
			to:     FreezeStatusRefunded,
			reason: reason,
			remark: reason,
		}
	})
}

// ViolationPenalty settles a FROZEN reservation for a fee capped at the frozen
// amount and returns the remainder to available funds.
func (service *Service) ViolationPenalty(ctx context.Context, userID UserID, requestID RequestID, penalty PenaltyInput) (SettlementResult, error) {
	if penalty.Fee < 0 {
		return SettlementResult{Outcome: OutcomeFailed}, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return service.finalize(ctx, operationPenalty, userID, requestID, penalty.Fee.Int64(), func(record FreezeRecord) closePlan {
		charge := penalty.Fee
		if charge > record.Amount.ToAmountCents() {
			charge = record.Amount.ToAmountCents()
		}
		remark := remarkViolationPenalty
		if penalty.ModelID != "" {
			remark = fmt.Sprintf("%s (model %s)", remarkViolationPenalty, penalty.ModelID)
		}
		return closePlan{
			to:     FreezeStatusSettled,
			charge: charge,
			reason: penalty.Reason,
			remark: remark,
		}
	})
}

// closePlan describes how a FROZEN record leaves the state machine.
type closePlan struct {
	to     FreezeStatus
	charge AmountCents
	usage  Usage
	reason string
	remark string
}

func (service *Service) finalize(ctx context.Context, operation string, userID UserID, requestID RequestID, requestedCents int64, plan func(FreezeRecord) closePlan) (SettlementResult, error) {
	ctx, span := startOperationSpan(ctx, operation, userID, requestID)
	started := time.Now()
	result, operationError := service.close(ctx, operation, userID, requestID, plan)
	if operationError != nil && result.Outcome == "" {
		result.Outcome = outcomeForError(operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		RequestID: requestID,
		Amount:    AmountCents(requestedCents),
		Outcome:   result.Outcome,
		Remark:    result.Message,
		Attempts:  result.Attempts,
		Duration:  time.Since(started),
		Error:     operationError,
	})
	finishOperationSpan(span, result.Outcome, result.Attempts, operationError)
	return result, operationError
}

func (service *Service) close(ctx context.Context, operation string, userID UserID, requestID RequestID, plan func(FreezeRecord) closePlan) (SettlementResult, error) {
	if userID.IsZero() {
		return SettlementResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if requestID.IsZero() {
		return SettlementResult{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	record, err := service.store.GetFreezeRecord(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrUnknownFreezeRecord) {
			return SettlementResult{Outcome: OutcomeNotFound, Message: "freeze record not found"}, err
		}
		return SettlementResult{}, err
	}
	if record.UserID != userID {
		return SettlementResult{Outcome: OutcomeFailed},
			WrapError(errorOperationService, errorSubjectFreeze, errorCodeMismatch, ErrFreezeRecordMismatch)
	}
	if record.Status.IsTerminal() {
		return alreadyClosed(record, 0), nil
	}

	closing := plan(record)
	frozenAmount := record.Amount.ToAmountCents()
	var committed Account
	attempts, err := withOptimisticRetry(ctx, service.retryPolicy, service.conflictObserver(operation), func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			if err := txStore.TransitionFreezeRecord(ctx, FreezeTransition{
				RequestID:    requestID,
				From:         FreezeStatusFrozen,
				To:           closing.to,
				ActualCost:   closing.charge,
				InputTokens:  closing.usage.InputTokens,
				OutputTokens: closing.usage.OutputTokens,
				Reason:       closing.reason,
				AtUnixUTC:    nowUnixUTC,
			}); err != nil {
				return err
			}
			account, err := txStore.GetAccount(ctx, userID)
			if err != nil {
				return err
			}
			after, err := swapAccount(ctx, txStore, account, AccountUpdate{
				UserID:            userID,
				ExpectedVersion:   account.Version,
				BalanceDeltaCents: -closing.charge.Int64(),
				FrozenDeltaCents:  -frozenAmount.Int64(),
				UpdatedUnixUTC:    nowUnixUTC,
			}, closing.charge)
			if err != nil {
				return err
			}
			entryType := EntryConsume
			if closing.charge == 0 {
				entryType = EntryUnfreeze
			}
			entryInput, err := NewEntryInput(entryType, account, after, closing.remark, EntryCorrelation{RequestID: requestID}, nowUnixUTC)
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

	switch {
	case err == nil:
		return SettlementResult{
			Outcome:  OutcomeOK,
			Status:   closing.to,
			Charged:  closing.charge,
			Released: frozenAmount,
			Account:  committed,
			Attempts: attempts,
		}, nil
	case errors.Is(err, ErrFreezeRecordClosed):
		current, lookupErr := service.store.GetFreezeRecord(ctx, requestID)
		if lookupErr != nil {
			return SettlementResult{Attempts: attempts}, lookupErr
		}
		return alreadyClosed(current, attempts), nil
	case errors.Is(err, ErrInsufficientFunds):
		return SettlementResult{
			Outcome:  OutcomeInsufficientBalance,
			Message:  "available funds do not cover the charge",
			Status:   FreezeStatusFrozen,
			Attempts: attempts,
		}, err
	default:
		return SettlementResult{Outcome: outcomeForError(err), Attempts: attempts}, err
	}
}

func alreadyClosed(record FreezeRecord, attempts int) SettlementResult {
	return SettlementResult{
		Outcome:  OutcomeAlreadyApplied,
		Message:  "freeze record already " + record.Status.String(),
		Status:   record.Status,
		Charged:  record.ActualCost,
		Attempts: attempts,
	}
}

// swapAccount applies update against the snapshot account. Deltas that would
// overflow are rejected as invalid amounts. A miss is resolved
// by re-reading the row: a fresh snapshot that fails the guard is reported as
// InsufficientFundsError, anything else is a lost race.
func swapAccount(ctx context.Context, txStore Store, account Account, update AccountUpdate, required AmountCents) (Account, error) {
	if update.Overflows(account) {
		return Account{}, fmt.Errorf("%w: balance of %s would overflow", ErrInvalidAmountCents, update.UserID)
	}
	if !update.Admits(account) {
		return Account{}, insufficientFor(account, required)
	}
	applied, err := txStore.CompareAndSwapAccount(ctx, update)
	if err != nil {
		return Account{}, err
	}
	if applied {
		return update.Apply(account), nil
	}
	current, err := txStore.GetAccount(ctx, update.UserID)
	if err != nil {
		return Account{}, err
	}
	if !update.Admits(current) {
		return Account{}, insufficientFor(current, required)
	}
	return Account{}, errVersionConflict
}

func insufficientFor(account Account, required AmountCents) error {
	return InsufficientFundsError{
		Balance:   account.Balance,
		Frozen:    account.FrozenBalance,
		Available: account.Available(),
		Required:  required,
	}
}
