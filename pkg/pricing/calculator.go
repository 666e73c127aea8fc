package pricing

import (
	"fmt"
	"unicode/utf8"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	defaultCharsPerToken = 4
	maxAmount            = 1<<63 - 1
)

var (
	defaultUnitConversionRate       = decimal.NewFromInt(1)
	defaultFreezeEstimateMultiplier = decimal.NewFromInt(1)
	defaultPenaltyRatio             = decimal.NewFromInt(1)
)

// Config holds the calculator-wide constants.
type Config struct {
	// CharsPerToken drives the pre-freeze token heuristic.
	CharsPerToken int64
	// UnitConversionRate converts weighted tokens into credits.
	UnitConversionRate decimal.Decimal
	// FreezeEstimateMultiplier scales MaxOutputTokens when sizing a freeze; 1 freezes the worst case.
	FreezeEstimateMultiplier decimal.Decimal
	// PenaltyRatio is the share of the multiplied base fee charged for a violation.
	PenaltyRatio decimal.Decimal
}

// DefaultConfig returns 4 chars per token, unit conversion 1, worst-case
// freezing and a penalty equal to the base fee.
func DefaultConfig() Config {
	return Config{
		CharsPerToken:            defaultCharsPerToken,
		UnitConversionRate:       defaultUnitConversionRate,
		FreezeEstimateMultiplier: defaultFreezeEstimateMultiplier,
		PenaltyRatio:             defaultPenaltyRatio,
	}
}

// Validate rejects configs that would price nonsensically.
func (config Config) Validate() error {
	if config.CharsPerToken <= 0 {
		return fmt.Errorf("%w: chars per token must be positive", ErrInvalidConfig)
	}
	if !config.UnitConversionRate.IsPositive() {
		return fmt.Errorf("%w: unit conversion rate must be positive", ErrInvalidConfig)
	}
	if !config.FreezeEstimateMultiplier.IsPositive() || config.FreezeEstimateMultiplier.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: freeze estimate multiplier must be in (0, 1]", ErrInvalidConfig)
	}
	if config.PenaltyRatio.IsNegative() {
		return fmt.Errorf("%w: penalty ratio must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Calculator converts usage into credit amounts. It is pure and safe for
// concurrent use; identical inputs always produce identical outputs.
type Calculator struct {
	config Config
}

// NewCalculator validates config and builds a Calculator.
func NewCalculator(config Config) (Calculator, error) {
	if err := config.Validate(); err != nil {
		return Calculator{}, err
	}
	return Calculator{config: config}, nil
}

// Config returns the calculator constants.
func (calculator Calculator) Config() Config {
	return calculator.config
}

// EstimateTokens approximates the token count of text as its rune count
// divided by CharsPerToken, rounded up.
func (calculator Calculator) EstimateTokens(text string) int64 {
	runes := int64(utf8.RuneCountInString(text))
	if runes == 0 {
		return 0
	}
	return (runes + calculator.config.CharsPerToken - 1) / calculator.config.CharsPerToken
}

// CalculateCost prices actual usage:
//
//	round((in*inputWeight + out*outputWeight) * multiplier * unitConversion + baseFee * multiplier)
//
// Rounding happens once, half away from zero.
func (calculator Calculator) CalculateCost(inputTokens int64, outputTokens int64, rate ModelRate) (ledger.AmountCents, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("%w: token counts must not be negative", ErrInvalidUsage)
	}
	if err := rate.Validate(); err != nil {
		return 0, err
	}
	weighted := decimal.NewFromInt(inputTokens).Mul(rate.InputWeight).
		Add(decimal.NewFromInt(outputTokens).Mul(rate.OutputWeight))
	total := weighted.Mul(rate.RateMultiplier).Mul(calculator.config.UnitConversionRate).
		Add(rate.BaseFee.Mul(rate.RateMultiplier))
	return toAmount(total)
}

// EstimateMaxCost returns the freeze bound for a call with inputText. When
// outputTokens is zero or negative the bound assumes
// ceil(MaxOutputTokens * FreezeEstimateMultiplier) output tokens.
func (calculator Calculator) EstimateMaxCost(rate ModelRate, inputText string, outputTokens int64) (ledger.AmountCents, error) {
	if err := rate.Validate(); err != nil {
		return 0, err
	}
	if outputTokens <= 0 {
		outputTokens = calculator.estimatedOutputTokens(rate)
	}
	return calculator.CalculateCost(calculator.EstimateTokens(inputText), outputTokens, rate)
}

// CalculateViolationPenalty returns round(baseFee * multiplier * PenaltyRatio).
func (calculator Calculator) CalculateViolationPenalty(rate ModelRate) (ledger.AmountCents, error) {
	if err := rate.Validate(); err != nil {
		return 0, err
	}
	return toAmount(rate.BaseFee.Mul(rate.RateMultiplier).Mul(calculator.config.PenaltyRatio))
}

func (calculator Calculator) estimatedOutputTokens(rate ModelRate) int64 {
	scaled := decimal.NewFromInt(rate.MaxOutputTokens).Mul(calculator.config.FreezeEstimateMultiplier).Ceil()
	if scaled.GreaterThan(decimal.NewFromInt(rate.MaxOutputTokens)) {
		return rate.MaxOutputTokens
	}
	return scaled.IntPart()
}

func toAmount(value decimal.Decimal) (ledger.AmountCents, error) {
	rounded := value.Round(0)
	if rounded.GreaterThan(decimal.NewFromInt(maxAmount)) {
		return 0, fmt.Errorf("%w: amount %s out of range", ErrInvalidUsage, value.String())
	}
	return ledger.NewAmountCents(rounded.IntPart())
}
