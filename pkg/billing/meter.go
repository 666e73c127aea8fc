// Package billing drives the estimate, freeze, then settle/refund/penalty
// sequence around one metered call. Reservation is fail-closed: no funds, no
// call. Settlement is fail-open: a ledger fault after the call completed is
// logged and reported, never turned into a user-facing failure.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/pricing"
	"go.uber.org/zap"
)

// Ledger is the subset of ledger.Service used by Meter.
type Ledger interface {
	Freeze(ctx context.Context, userID ledger.UserID, amount ledger.PositiveAmountCents, requestID ledger.RequestID, freezeContext ledger.FreezeContext) (ledger.FreezeResult, error)
	Settle(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID, actualCost ledger.AmountCents, usage ledger.Usage) (ledger.SettlementResult, error)
	Refund(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID, reason string) (ledger.SettlementResult, error)
	ViolationPenalty(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID, penalty ledger.PenaltyInput) (ledger.SettlementResult, error)
}

var ErrInvalidMeterConfig = errors.New("billing: invalid meter config")

// Option configures a Meter.
type Option func(*Meter)

// WithLogger sets the zap logger; the default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(meter *Meter) {
		if logger != nil {
			meter.logger = logger
		}
	}
}

// WithProceedWithoutReservation lets Reserve succeed without a freeze when
// the ledger exhausted its optimistic retries. Such calls are not billed.
func WithProceedWithoutReservation() Option {
	return func(meter *Meter) {
		meter.proceedWithoutReservation = true
	}
}

// Meter wraps a Ledger with pricing.
type Meter struct {
	ledger                    Ledger
	rates                     pricing.RateTable
	logger                    *zap.Logger
	proceedWithoutReservation bool
}

// NewMeter wires a Meter.
func NewMeter(ledgerService Ledger, rates pricing.RateTable, options ...Option) (*Meter, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidMeterConfig)
	}
	meter := &Meter{ledger: ledgerService, rates: rates, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(meter)
		}
	}
	return meter, nil
}

// ReserveRequest describes a call about to be made on behalf of a user.
type ReserveRequest struct {
	UserID         ledger.UserID
	RequestID      ledger.RequestID
	ModelID        string
	InputText      string
	OutputTokens   int64
	ConversationID string
	Metadata       ledger.MetadataJSON
}

// Reservation is the handle passed from Reserve to Complete, Fail or Violation.
type Reservation struct {
	UserID        ledger.UserID
	RequestID     ledger.RequestID
	ModelID       string
	Amount        ledger.AmountCents
	Reserved      bool
	AlreadyFrozen bool
	Degraded      bool
}

// Charge reports what a closing call did. Unbilled is the part of the priced
// cost the user could not cover.
type Charge struct {
	Cost     ledger.AmountCents
	Unbilled ledger.AmountCents
	Settled  bool
	Result   ledger.SettlementResult
	Err      error
}

const reasonUnbillable = "usage exceeded available funds"

// Reserve prices the worst case of the call and freezes it.
// ledger.ErrInsufficientFunds is returned when the user cannot afford it.
func (meter *Meter) Reserve(ctx context.Context, request ReserveRequest) (Reservation, error) {
	rate, err := meter.rates.Rate(request.ModelID)
	if err != nil {
		return Reservation{}, err
	}
	estimate, err := meter.rates.Calculator().EstimateMaxCost(rate, request.InputText, request.OutputTokens)
	if err != nil {
		return Reservation{}, err
	}
	reservation := Reservation{
		UserID:    request.UserID,
		RequestID: request.RequestID,
		ModelID:   rate.ModelID,
		Amount:    estimate,
	}
	if estimate == 0 {
		return reservation, nil
	}
	amount, err := ledger.NewPositiveAmountCents(estimate.Int64())
	if err != nil {
		return Reservation{}, err
	}

	result, err := meter.ledger.Freeze(ctx, request.UserID, amount, request.RequestID, ledger.FreezeContext{
		ModelID:        rate.ModelID,
		ConversationID: strings.TrimSpace(request.ConversationID),
		Metadata:       request.Metadata,
	})
	switch {
	case err == nil:
		reservation.Reserved = true
		reservation.AlreadyFrozen = result.AlreadyFrozen
		if result.AlreadyFrozen {
			reservation.Amount = result.Amount
		}
		return reservation, nil
	case errors.Is(err, ledger.ErrConcurrencyExhausted) && meter.proceedWithoutReservation:
		meter.logger.Warn("proceeding without reservation",
			zap.String("user_id", request.UserID.String()),
			zap.String("request_id", request.RequestID.String()),
			zap.Int64("estimate", estimate.Int64()),
			zap.Error(err),
		)
		reservation.Degraded = true
		return reservation, nil
	default:
		return Reservation{}, err
	}
}

// Complete prices the actual usage and settles the reservation.
func (meter *Meter) Complete(ctx context.Context, reservation Reservation, usage ledger.Usage) (Charge, error) {
	rate, err := meter.rates.Rate(reservation.ModelID)
	if err != nil {
		return Charge{}, err
	}
	cost, err := meter.rates.Calculator().CalculateCost(usage.InputTokens, usage.OutputTokens, rate)
	if err != nil {
		return Charge{}, err
	}
	charge := Charge{Cost: cost}
	if !reservation.Reserved {
		if cost > 0 {
			meter.logger.Error("usage left unbilled",
				zap.String("user_id", reservation.UserID.String()),
				zap.String("request_id", reservation.RequestID.String()),
				zap.Int64("cost", cost.Int64()),
				zap.Bool("degraded", reservation.Degraded),
			)
		}
		return charge, nil
	}
	charge.Result, charge.Err = meter.ledger.Settle(ctx, reservation.UserID, reservation.RequestID, cost, usage)
	var insufficient ledger.InsufficientFundsError
	if errors.As(charge.Err, &insufficient) {
		charge = meter.settleWithinFunds(ctx, reservation, usage, cost, insufficient)
	}
	charge.Settled = charge.Err == nil
	meter.logClose("settle", reservation, charge)
	return charge, nil
}

// settleWithinFunds closes a reservation whose actual cost outgrew the
// user's funds. It charges everything the account can still cover, then the
// frozen amount alone, and refunds as a last resort so the reservation never
// stays FROZEN.
func (meter *Meter) settleWithinFunds(ctx context.Context, reservation Reservation, usage ledger.Usage, cost ledger.AmountCents, insufficient ledger.InsufficientFundsError) Charge {
	var attempted ledger.AmountCents = -1
	for _, capped := range []ledger.AmountCents{insufficient.Available + reservation.Amount, reservation.Amount} {
		if capped > cost {
			capped = cost
		}
		if capped == attempted {
			continue
		}
		attempted = capped
		result, err := meter.ledger.Settle(ctx, reservation.UserID, reservation.RequestID, capped, usage)
		if err == nil {
			charge := Charge{Cost: result.Charged, Unbilled: cost - result.Charged, Result: result}
			meter.logUnbilled(reservation, cost, charge)
			return charge
		}
		if !errors.As(err, &insufficient) {
			return Charge{Cost: cost, Result: result, Err: err}
		}
	}
	result, err := meter.ledger.Refund(ctx, reservation.UserID, reservation.RequestID, reasonUnbillable)
	charge := Charge{Unbilled: cost, Result: result, Err: err}
	if err == nil {
		meter.logUnbilled(reservation, cost, charge)
	}
	return charge
}

func (meter *Meter) logUnbilled(reservation Reservation, cost ledger.AmountCents, charge Charge) {
	if charge.Unbilled <= 0 {
		return
	}
	meter.logger.Error("usage partially unbilled",
		zap.String("user_id", reservation.UserID.String()),
		zap.String("request_id", reservation.RequestID.String()),
		zap.Int64("cost", cost.Int64()),
		zap.Int64("charged", charge.Cost.Int64()),
		zap.Int64("unbilled", charge.Unbilled.Int64()),
	)
}

// Fail returns the reservation of a call that did not complete.
func (meter *Meter) Fail(ctx context.Context, reservation Reservation, reason string) Charge {
	if !reservation.Reserved {
		return Charge{}
	}
	var charge Charge
	charge.Result, charge.Err = meter.ledger.Refund(ctx, reservation.UserID, reservation.RequestID, reason)
	charge.Settled = charge.Err == nil
	meter.logClose("refund", reservation, charge)
	return charge
}

// Violation charges the model's violation penalty against the reservation.
func (meter *Meter) Violation(ctx context.Context, reservation Reservation, reason string) (Charge, error) {
	rate, err := meter.rates.Rate(reservation.ModelID)
	if err != nil {
		return Charge{}, err
	}
	penalty, err := meter.rates.Calculator().CalculateViolationPenalty(rate)
	if err != nil {
		return Charge{}, err
	}
	charge := Charge{Cost: penalty}
	if !reservation.Reserved {
		return charge, nil
	}
	charge.Result, charge.Err = meter.ledger.ViolationPenalty(ctx, reservation.UserID, reservation.RequestID, ledger.PenaltyInput{
		Fee:     penalty,
		ModelID: rate.ModelID,
		Reason:  reason,
	})
	charge.Settled = charge.Err == nil
	if charge.Settled {
		charge.Cost = charge.Result.Charged
	}
	meter.logClose("violation_penalty", reservation, charge)
	return charge, nil
}

func (meter *Meter) logClose(operation string, reservation Reservation, charge Charge) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("user_id", reservation.UserID.String()),
		zap.String("request_id", reservation.RequestID.String()),
		zap.Int64("cost", charge.Cost.Int64()),
		zap.String("outcome", string(charge.Result.Outcome)),
	}
	if charge.Err != nil {
		meter.logger.Error("ledger close failed", append(fields, zap.Error(charge.Err))...)
		return
	}
	meter.logger.Debug("ledger close", fields...)
}
