package pricing

import (
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	require.NoError(test, err)
	return value
}

func newTestRate(test *testing.T, input, output, baseFee, multiplier string, maxOutput int64) ModelRate {
	test.Helper()
	return ModelRate{
		ModelID:         "test-model",
		InputWeight:     mustDecimal(test, input),
		OutputWeight:    mustDecimal(test, output),
		BaseFee:         mustDecimal(test, baseFee),
		RateMultiplier:  mustDecimal(test, multiplier),
		MaxOutputTokens: maxOutput,
	}
}

func newTestCalculator(test *testing.T, mutate func(config *Config)) Calculator {
	test.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	calculator, err := NewCalculator(config)
	require.NoError(test, err)
	return calculator
}

func TestEstimateTokens(test *testing.T) {
	test.Parallel()
	calculator := newTestCalculator(test, nil)
	cases := []struct {
		text string
		want int64
	}{
		{text: "", want: 0},
		{text: "abcd", want: 1},
		{text: "abcde", want: 2},
		{text: "héllo", want: 2},
		{text: "abcdefgh", want: 2},
	}
	for _, tc := range cases {
		assert.Equal(test, tc.want, calculator.EstimateTokens(tc.text), "text %q", tc.text)
	}
}

func TestCalculateCost(test *testing.T) {
	test.Parallel()
	calculator := newTestCalculator(test, nil)
	cases := []struct {
		name   string
		rate   ModelRate
		input  int64
		output int64
		want   ledger.AmountCents
	}{
		{name: "weighted with base fee", rate: newTestRate(test, "0.5", "1.5", "2", "1.2", 100), input: 100, output: 200, want: 422},
		{name: "half rounds away from zero", rate: newTestRate(test, "0.5", "0", "0", "1", 100), input: 1, want: 1},
		{name: "single rounding point", rate: newTestRate(test, "0.4", "0.4", "0", "1", 100), input: 1, output: 1, want: 1},
		{name: "base fee only", rate: newTestRate(test, "1", "1", "3", "2", 100), want: 6},
	}
	for _, tc := range cases {
		got, err := calculator.CalculateCost(tc.input, tc.output, tc.rate)
		require.NoError(test, err, tc.name)
		assert.Equal(test, tc.want, got, tc.name)
	}
}

func TestCalculateCostIsDeterministic(test *testing.T) {
	test.Parallel()
	calculator := newTestCalculator(test, func(config *Config) {
		config.UnitConversionRate = mustDecimal(test, "0.001")
	})
	rate := newTestRate(test, "3.3333", "7.1", "0.25", "1.07", 4096)
	first, err := calculator.CalculateCost(123457, 98765, rate)
	require.NoError(test, err)
	for i := 0; i < 50; i++ {
		again, err := calculator.CalculateCost(123457, 98765, rate)
		require.NoError(test, err)
		require.Equal(test, first, again)
	}
}

func TestCalculateCostRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	calculator := newTestCalculator(test, nil)
	_, err := calculator.CalculateCost(-1, 0, newTestRate(test, "1", "1", "0", "1", 10))
	assert.ErrorIs(test, err, ErrInvalidUsage)

	_, err = calculator.CalculateCost(1, 1, newTestRate(test, "1", "1", "0", "0", 10))
	assert.ErrorIs(test, err, ErrInvalidRate)

	_, err = calculator.CalculateCost(1, 1, newTestRate(test, "-1", "1", "0", "1", 10))
	assert.ErrorIs(test, err, ErrInvalidRate)
}

func TestEstimateMaxCost(test *testing.T) {
	test.Parallel()
	rate := newTestRate(test, "1", "2", "10", "1", 1000)

	worstCase := newTestCalculator(test, nil)
	got, err := worstCase.EstimateMaxCost(rate, "abcdefgh", 0)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(2+2000+10), got)

	scaled := newTestCalculator(test, func(config *Config) {
		config.FreezeEstimateMultiplier = mustDecimal(test, "0.25")
	})
	got, err = scaled.EstimateMaxCost(rate, "abcdefgh", 0)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(2+500+10), got)

	got, err = scaled.EstimateMaxCost(rate, "abcdefgh", 10)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(2+20+10), got)
}

func TestEstimatedOutputTokensRoundsUp(test *testing.T) {
	test.Parallel()
	calculator := newTestCalculator(test, func(config *Config) {
		config.FreezeEstimateMultiplier = mustDecimal(test, "0.3333")
	})
	assert.Equal(test, int64(4), calculator.estimatedOutputTokens(newTestRate(test, "1", "1", "0", "1", 10)))
}

func TestCalculateViolationPenalty(test *testing.T) {
	test.Parallel()
	rate := newTestRate(test, "1", "1", "10", "1.5", 100)

	full := newTestCalculator(test, nil)
	got, err := full.CalculateViolationPenalty(rate)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(15), got)

	half := newTestCalculator(test, func(config *Config) {
		config.PenaltyRatio = mustDecimal(test, "0.5")
	})
	got, err = half.CalculateViolationPenalty(rate)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(8), got)
}

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name   string
		mutate func(config *Config)
	}{
		{name: "chars per token", mutate: func(config *Config) { config.CharsPerToken = 0 }},
		{name: "unit conversion", mutate: func(config *Config) { config.UnitConversionRate = decimal.Zero }},
		{name: "multiplier above one", mutate: func(config *Config) { config.FreezeEstimateMultiplier = mustDecimal(test, "1.5") }},
		{name: "negative penalty", mutate: func(config *Config) { config.PenaltyRatio = mustDecimal(test, "-0.1") }},
	}
	for _, tc := range cases {
		config := DefaultConfig()
		tc.mutate(&config)
		_, err := NewCalculator(config)
		assert.ErrorIs(test, err, ErrInvalidConfig, tc.name)
	}
}
