package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ModelRate prices one model. Weights are credits per token before unit
// conversion; BaseFee is a flat per-call charge in credits.
type ModelRate struct {
	ModelID         string
	InputWeight     decimal.Decimal
	OutputWeight    decimal.Decimal
	BaseFee         decimal.Decimal
	RateMultiplier  decimal.Decimal
	MaxOutputTokens int64
}

// Validate checks that every figure is usable for pricing.
func (rate ModelRate) Validate() error {
	if strings.TrimSpace(rate.ModelID) == "" {
		return fmt.Errorf("%w: model id is required", ErrInvalidRate)
	}
	if rate.InputWeight.IsNegative() || rate.OutputWeight.IsNegative() || rate.BaseFee.IsNegative() {
		return fmt.Errorf("%w: %s: weights and base fee must not be negative", ErrInvalidRate, rate.ModelID)
	}
	if !rate.RateMultiplier.IsPositive() {
		return fmt.Errorf("%w: %s: rate multiplier must be positive", ErrInvalidRate, rate.ModelID)
	}
	if rate.MaxOutputTokens <= 0 {
		return fmt.Errorf("%w: %s: max output tokens must be positive", ErrInvalidRate, rate.ModelID)
	}
	return nil
}
