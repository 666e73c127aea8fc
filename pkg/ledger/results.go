package ledger

import "errors"

// Outcome tags the result of a ledger operation so callers can branch without
// inspecting error chains.
type Outcome string

const (
	OutcomeOK                   Outcome = "ok"
	OutcomeAlreadyApplied       Outcome = "already_applied"
	OutcomeInsufficientBalance  Outcome = "insufficient_balance"
	OutcomeConcurrencyExhausted Outcome = "concurrency_exhausted"
	OutcomeNotFound             Outcome = "not_found"
	OutcomeFailed               Outcome = "failed"
)

// Succeeded reports whether the call left the ledger in the requested state.
func (outcome Outcome) Succeeded() bool {
	return outcome == OutcomeOK || outcome == OutcomeAlreadyApplied
}

// FreezeResult describes the effect of Freeze.
type FreezeResult struct {
	Outcome        Outcome
	AlreadyFrozen  bool
	FreezeRecordID string
	Amount         AmountCents
	Balance        AmountCents
	FrozenBalance  AmountCents
	Available      AmountCents
	Attempts       int
}

// Success mirrors Outcome.Succeeded.
func (result FreezeResult) Success() bool {
	return result.Outcome.Succeeded()
}

// InsufficientBalance reports whether the freeze was rejected for lack of funds.
func (result FreezeResult) InsufficientBalance() bool {
	return result.Outcome == OutcomeInsufficientBalance
}

// SettlementResult describes the effect of Settle, Refund and ViolationPenalty.
type SettlementResult struct {
	Outcome  Outcome
	Message  string
	Status   FreezeStatus
	Charged  AmountCents
	Released AmountCents
	Account  Account
	Attempts int
}

// Success mirrors Outcome.Succeeded.
func (result SettlementResult) Success() bool {
	return result.Outcome.Succeeded()
}

// BalanceResult describes the effect of Recharge, Reward and Adjust.
type BalanceResult struct {
	Outcome  Outcome
	Account  Account
	Attempts int
}

// outcomeForError maps a terminal error to its tag.
func outcomeForError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficientBalance
	case errors.Is(err, ErrConcurrencyExhausted):
		return OutcomeConcurrencyExhausted
	case errors.Is(err, ErrUnknownFreezeRecord), errors.Is(err, ErrAccountNotFound):
		return OutcomeNotFound
	default:
		return OutcomeFailed
	}
}
